// Package diskv implements a job/task store backend using the diskv key-value store.
package diskv

import (
	"path/filepath"

	"github.com/preservd/preservd/engine/storage/kv"
	"github.com/preservd/preservd/utils/kv/kvdiskv"
	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a diskv-backed job/task store backend.
type Diskv struct {
	*kv.KV
}

func New(path string) *Diskv {
	flatTransform := func(s string) []string { return []string{} }
	newBucket := func(name string) *kvdiskv.KVDiskv {
		return kvdiskv.NewBucket(diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "engine", name),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		}))
	}
	return &Diskv{KV: kv.New(
		newBucket("package"),
		newBucket("job"),
		newBucket("task"),
	)}
}
