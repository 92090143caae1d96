// Package kv defines an interface for a key-value store.
package kv

import (
	"context"
	"fmt"
	"strings"
)

// Bucket defines basic CRUD operations for key-value pairs in a single "namespace."
type Bucket interface {
	Get(ctx context.Context, k string) (v []byte, err error)
	Set(ctx context.Context, k string, v []byte) error
	Has(ctx context.Context, k string) (found bool, err error)
	Delete(ctx context.Context, k string) error
}

// TraversingBucket allows us to get a list of the keys in the bucket as well.
type TraversingBucket interface {
	Bucket
	// Keys returns the unordered keys in the bucket.
	Keys(cancel <-chan struct{}) <-chan string
}

// KeysWithPrefix collects the keys in b that begin with prefix.
func KeysWithPrefix(b TraversingBucket, prefix string) (keys []string) {
	for k := range b.Keys(nil) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return
}

// DeleteSlice deletes s keys from b.
func DeleteSlice(ctx context.Context, b Bucket, s []string) error {
	var err error
	for _, k := range s {
		if err = b.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting %s: %w", k, err)
		}
	}
	return nil
}
