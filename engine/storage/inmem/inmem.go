// Package inmem implements a job/task store backend using a map-based key-value store.
package inmem

import (
	"github.com/preservd/preservd/engine/storage/kv"
	"github.com/preservd/preservd/utils/kv/kvmap"
)

// InMem is an in-memory job/task store backend.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(
		kvmap.NewBucket(),
		kvmap.NewBucket(),
		kvmap.NewBucket(),
	)}
}
