// Package kv implements a job/task store backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/utils/kv"
)

// KV is a job/task store backend using a key-value interface.
type KV struct {
	mu        sync.RWMutex
	pkgStore  kv.TraversingBucket
	jobStore  kv.TraversingBucket
	taskStore kv.TraversingBucket
}

// New creates a new key-value job/task store backend.
func New(pkgStore, jobStore, taskStore kv.TraversingBucket) *KV {
	return &KV{
		pkgStore:  pkgStore,
		jobStore:  jobStore,
		taskStore: taskStore,
	}
}

// StorePackage implements the storage interface method.
func (s *KV) StorePackage(ctx context.Context, p *storage.Package) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("validating package: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.pkgStore.Has(ctx, p.ID+keySfxPkgMeta); err != nil {
		return err
	} else if found {
		return fmt.Errorf("package already exists: %s", p.ID)
	}
	if err := kvSetJSON(ctx, s.pkgStore, p.ID+keySfxPkgMeta, p); err != nil {
		return fmt.Errorf("setting package record: %w", err)
	}
	return s.pkgStore.Set(ctx, p.ID+keySfxPkgStatus, []byte(p.Status))
}

// RetrievePackage implements the storage interface method.
func (s *KV) RetrievePackage(ctx context.Context, id string) (*storage.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if found, err := s.pkgStore.Has(ctx, id+keySfxPkgMeta); err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("%w: package %s", storage.ErrNotFound, id)
	}
	p := new(storage.Package)
	if err := kvGetJSON(ctx, s.pkgStore, id+keySfxPkgMeta, p); err != nil {
		return nil, err
	}
	status, err := kvGetPackageStatus(ctx, s.pkgStore, id)
	if err != nil {
		return nil, fmt.Errorf("getting package status: %w", err)
	}
	p.Status = status
	return p, nil
}

// UpdatePackageStatus implements the storage interface method.
func (s *KV) UpdatePackageStatus(ctx context.Context, id string, status storage.PackageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid package status: %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := kvGetPackageStatus(ctx, s.pkgStore, id)
	if err != nil {
		return fmt.Errorf("%w: package %s", storage.ErrNotFound, id)
	}
	if cur.Terminal() {
		return fmt.Errorf("%w: package %s is %s", storage.ErrPackageTerminal, id, cur)
	}
	return s.pkgStore.Set(ctx, id+keySfxPkgStatus, []byte(status))
}

// StorePackageVariable implements the storage interface method.
func (s *KV) StorePackageVariable(ctx context.Context, id, name, value string) error {
	if name == "" {
		return errors.New("empty variable name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.pkgStore.Has(ctx, id+keySfxPkgMeta); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: package %s", storage.ErrNotFound, id)
	}
	return s.pkgStore.Set(ctx, id+keyInfixPkgVar+name, []byte(value))
}

// RetrievePackageVariables implements the storage interface method.
func (s *KV) RetrievePackageVariables(ctx context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make(map[string]string)
	prefix := id + keyInfixPkgVar
	for _, k := range kv.KeysWithPrefix(s.pkgStore, prefix) {
		v, err := s.pkgStore.Get(ctx, k)
		if err != nil {
			return vars, fmt.Errorf("getting %s: %w", k, err)
		}
		vars[strings.TrimPrefix(k, prefix)] = string(v)
	}
	return vars, nil
}

// DeletePackageVariables implements the storage interface method.
func (s *KV) DeletePackageVariables(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.DeleteSlice(ctx, s.pkgStore, kv.KeysWithPrefix(s.pkgStore, id+keyInfixPkgVar))
}

// RetrievePackageIDs implements the storage interface method.
func (s *KV) RetrievePackageIDs(ctx context.Context, status storage.PackageStatus) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.pkgStore.Keys(nil) {
		if !strings.HasSuffix(k, keySfxPkgStatus) {
			continue
		}
		id := strings.TrimSuffix(k, keySfxPkgStatus)
		// a variable key also ends in the status suffix when the variable
		// is named "status"; only keys with a package record are real
		if found, err := s.pkgStore.Has(ctx, id+keySfxPkgMeta); err != nil {
			return ids, err
		} else if !found {
			continue
		}
		raw, err := s.pkgStore.Get(ctx, k)
		if err != nil {
			return ids, fmt.Errorf("getting %s: %w", k, err)
		}
		if storage.PackageStatus(raw) == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// StoreJob implements the storage interface method.
func (s *KV) StoreJob(ctx context.Context, j *storage.Job) error {
	if err := j.Validate(); err != nil {
		return fmt.Errorf("validating job: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.jobStore.Has(ctx, j.ID+keySfxJobMeta); err != nil {
		return err
	} else if found {
		return fmt.Errorf("job already exists: %s", j.ID)
	}
	if err := kvSetJSON(ctx, s.jobStore, j.ID+keySfxJobMeta, j); err != nil {
		return fmt.Errorf("setting job record: %w", err)
	}
	if err := s.jobStore.Set(ctx, j.ID+keySfxJobStatus, []byte(j.Status)); err != nil {
		return fmt.Errorf("setting job status: %w", err)
	}
	if err := kvAppendString(ctx, s.pkgStore, j.PackageID+keySfxPkgJobs, j.ID); err != nil {
		return fmt.Errorf("appending job to package index: %w", err)
	}
	return nil
}

// UpdateJobCompleted implements the storage interface method.
func (s *KV) UpdateJobCompleted(ctx context.Context, jobID string, status storage.JobStatus, exitCode int) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal job status: %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.jobStore.Get(ctx, jobID+keySfxJobStatus)
	if err != nil {
		return fmt.Errorf("%w: job %s", storage.ErrNotFound, jobID)
	}
	if storage.JobStatus(raw).Terminal() {
		return fmt.Errorf("%w: job %s", storage.ErrJobTerminal, jobID)
	}
	if err = s.jobStore.Set(ctx, jobID+keySfxJobStatus, []byte(status)); err != nil {
		return fmt.Errorf("setting job status: %w", err)
	}
	return s.jobStore.Set(ctx, jobID+keySfxJobCode, []byte(strconv.Itoa(exitCode)))
}

func (s *KV) retrieveJob(ctx context.Context, jobID string) (*storage.Job, error) {
	if found, err := s.jobStore.Has(ctx, jobID+keySfxJobMeta); err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("%w: job %s", storage.ErrNotFound, jobID)
	}
	j := new(storage.Job)
	if err := kvGetJSON(ctx, s.jobStore, jobID+keySfxJobMeta, j); err != nil {
		return nil, err
	}
	raw, err := s.jobStore.Get(ctx, jobID+keySfxJobStatus)
	if err != nil {
		return nil, fmt.Errorf("getting job status: %w", err)
	}
	j.Status = storage.JobStatus(raw)
	if found, err := s.jobStore.Has(ctx, jobID+keySfxJobCode); err != nil {
		return nil, err
	} else if found {
		raw, err = s.jobStore.Get(ctx, jobID+keySfxJobCode)
		if err != nil {
			return nil, err
		}
		if j.ExitCode, err = strconv.Atoi(string(raw)); err != nil {
			return nil, fmt.Errorf("parsing job exit code: %w", err)
		}
	}
	return j, nil
}

// RetrieveJob implements the storage interface method.
func (s *KV) RetrieveJob(ctx context.Context, jobID string) (*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retrieveJob(ctx, jobID)
}

// RetrieveJobs implements the storage interface method.
func (s *KV) RetrieveJobs(ctx context.Context, packageID string) ([]*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobIDs, err := kvGetStrings(ctx, s.pkgStore, packageID+keySfxPkgJobs)
	if err != nil {
		return nil, fmt.Errorf("getting package job index: %w", err)
	}
	jobs := make([]*storage.Job, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		j, err := s.retrieveJob(ctx, jobID)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// RetrieveLastJob implements the storage interface method.
func (s *KV) RetrieveLastJob(ctx context.Context, packageID string) (*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobIDs, err := kvGetStrings(ctx, s.pkgStore, packageID+keySfxPkgJobs)
	if err != nil {
		return nil, fmt.Errorf("getting package job index: %w", err)
	}
	if len(jobIDs) < 1 {
		return nil, nil
	}
	return s.retrieveJob(ctx, jobIDs[len(jobIDs)-1])
}

// StoreTask implements the storage interface method.
func (s *KV) StoreTask(ctx context.Context, t *storage.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.jobStore.Has(ctx, t.JobID+keySfxJobMeta); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: job %s", storage.ErrNotFound, t.JobID)
	}
	// the file index entries carry a prefix so that a package-scoped
	// task (empty file ID) still occupies a slot
	files, err := kvGetStrings(ctx, s.jobStore, t.JobID+keySfxJobFiles)
	if err != nil {
		return fmt.Errorf("getting job file index: %w", err)
	}
	entry := "f:" + t.FileID
	for _, f := range files {
		if f == entry {
			return fmt.Errorf("%w: job=%s file=%q", storage.ErrDuplicateTask, t.JobID, t.FileID)
		}
	}
	if err = kvSetJSON(ctx, s.taskStore, t.ID+keySfxTaskMeta, t); err != nil {
		return fmt.Errorf("setting task record: %w", err)
	}
	if err = s.jobStore.Set(ctx, t.JobID+keySfxJobFiles, marshalStrings(append(files, entry))); err != nil {
		return fmt.Errorf("setting job file index: %w", err)
	}
	if err = kvAppendString(ctx, s.jobStore, t.JobID+keySfxJobTasks, t.ID); err != nil {
		return fmt.Errorf("appending task to job index: %w", err)
	}
	return nil
}

// RetrieveTasks implements the storage interface method.
func (s *KV) RetrieveTasks(ctx context.Context, jobID string) ([]*storage.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taskIDs, err := kvGetStrings(ctx, s.jobStore, jobID+keySfxJobTasks)
	if err != nil {
		return nil, fmt.Errorf("getting job task index: %w", err)
	}
	tasks := make([]*storage.Task, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		t := new(storage.Task)
		if err := kvGetJSON(ctx, s.taskStore, taskID+keySfxTaskMeta, t); err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
