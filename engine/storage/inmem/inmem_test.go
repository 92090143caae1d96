package inmem

import (
	"testing"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/engine/storage/test"
)

func TestInmemStorage(t *testing.T) {
	test.TestStorage(t, func() storage.AllStorage { return New() })
}
