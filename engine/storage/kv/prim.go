package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/utils/kv"
)

const (
	// list values are newline-joined; file IDs are relative paths and
	// newlines cannot appear in them in practice
	kvStringSep = "\n"

	// package bucket
	keySfxPkgMeta   = ".meta"   // marshalled package record
	keySfxPkgStatus = ".status" // package status string
	keySfxPkgJobs   = ".jobs"   // job IDs in creation order
	keyInfixPkgVar  = ".var."   // package variable value (by name)

	// job bucket
	keySfxJobMeta   = ".meta"   // marshalled job record
	keySfxJobStatus = ".status" // job status string
	keySfxJobCode   = ".code"   // job effective exit code
	keySfxJobTasks  = ".tasks"  // task IDs in creation order
	keySfxJobFiles  = ".files"  // file IDs with a stored task

	// task bucket
	keySfxTaskMeta = ".meta" // marshalled task record
)

func marshalStrings(s []string) []byte {
	return []byte(strings.Join(s, kvStringSep))
}

func unmarshalStrings(b []byte) []string {
	if len(b) < 1 {
		return nil
	}
	return strings.Split(string(b), kvStringSep)
}

// kvAppendString appends v to the string list stored at key k in b.
func kvAppendString(ctx context.Context, b kv.Bucket, k, v string) error {
	var list []string
	if found, err := b.Has(ctx, k); err != nil {
		return err
	} else if found {
		raw, err := b.Get(ctx, k)
		if err != nil {
			return err
		}
		list = unmarshalStrings(raw)
	}
	list = append(list, v)
	return b.Set(ctx, k, marshalStrings(list))
}

// kvGetStrings reads the string list stored at key k, or nil if absent.
func kvGetStrings(ctx context.Context, b kv.Bucket, k string) ([]string, error) {
	if found, err := b.Has(ctx, k); err != nil || !found {
		return nil, err
	}
	raw, err := b.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	return unmarshalStrings(raw), nil
}

func kvSetJSON(ctx context.Context, b kv.Bucket, k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}
	return b.Set(ctx, k, raw)
}

func kvGetJSON(ctx context.Context, b kv.Bucket, k string, v interface{}) error {
	raw, err := b.Get(ctx, k)
	if err != nil {
		return fmt.Errorf("get %s: %w", k, err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return nil
}

// kvGetPackageStatus reads the authoritative status key for a package.
func kvGetPackageStatus(ctx context.Context, b kv.Bucket, id string) (storage.PackageStatus, error) {
	raw, err := b.Get(ctx, id+keySfxPkgStatus)
	if err != nil {
		return "", err
	}
	return storage.PackageStatus(raw), nil
}
