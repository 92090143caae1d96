// Package test implements a job/task store acceptance test suite shared by backends.
package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/workflow"
)

// TestStorage runs the storage acceptance suite against a backend.
func TestStorage(t *testing.T, newStorage func() storage.AllStorage) {
	ctx := context.Background()

	t.Run("packages", func(t *testing.T) {
		testPackages(t, ctx, newStorage())
	})

	t.Run("jobs", func(t *testing.T) {
		testJobs(t, ctx, newStorage())
	})

	t.Run("tasks", func(t *testing.T) {
		testTasks(t, ctx, newStorage())
	})

	t.Run("concurrent_tasks", func(t *testing.T) {
		testConcurrentTasks(t, ctx, newStorage())
	})
}

func newTestPackage(id string) *storage.Package {
	return &storage.Package{
		ID:         id,
		Name:       "transfer-" + id,
		URL:        "file:///tmp/transfer-" + id,
		WorkingDir: "/tmp/work/" + id,
		Status:     storage.PackageStatusProcessing,
		Config:     workflow.DefaultProcessingConfig(),
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func testPackages(t *testing.T, ctx context.Context, s storage.AllStorage) {
	if _, err := s.RetrievePackage(ctx, "P404"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	p := newTestPackage("P1")
	if err := s.StorePackage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.StorePackage(ctx, p); err == nil {
		t.Error("expected error storing duplicate package")
	}

	got, err := s.RetrievePackage(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.Name, p.Name; have != want {
		t.Errorf("name: have %v, want %v", have, want)
	}
	if have, want := got.Status, storage.PackageStatusProcessing; have != want {
		t.Errorf("status: have %v, want %v", have, want)
	}
	if have, want := got.Config.Normalize, true; have != want {
		t.Errorf("config normalize: have %v, want %v", have, want)
	}

	// variables
	if err = s.StorePackageVariable(ctx, "P1", "aip_filename", "transfer-P1"); err != nil {
		t.Fatal(err)
	}
	if err = s.StorePackageVariable(ctx, "P1", "aip_filename", "transfer-P1-v2"); err != nil {
		t.Fatal(err)
	}
	vars, err := s.RetrievePackageVariables(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := vars["aip_filename"], "transfer-P1-v2"; have != want {
		t.Errorf("variable: have %v, want %v", have, want)
	}
	if err = s.StorePackageVariable(ctx, "P404", "k", "v"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// a variable named "status" stores fine and must never surface as a
	// package in the status listing
	if err = s.StorePackageVariable(ctx, "P1", "status", string(storage.PackageStatusProcessing)); err != nil {
		t.Fatal(err)
	}

	// status listing
	ids, err := s.RetrievePackageIDs(ctx, storage.PackageStatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(ids), 1; have != want {
		t.Fatalf("processing ids: have %v, want %v", have, want)
	}
	if have, want := ids[0], "P1"; have != want {
		t.Errorf("processing id: have %v, want %v", have, want)
	}

	// variable purge
	if err = s.DeletePackageVariables(ctx, "P1"); err != nil {
		t.Fatal(err)
	}
	vars, err = s.RetrievePackageVariables(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(vars), 0; have != want {
		t.Errorf("variables after purge: have %v, want %v", have, want)
	}
	if err = s.DeletePackageVariables(ctx, "P1"); err != nil {
		t.Errorf("purging again: %v", err)
	}

	// monotonic status transitions
	if err = s.UpdatePackageStatus(ctx, "P1", storage.PackageStatusComplete); err != nil {
		t.Fatal(err)
	}
	if err = s.UpdatePackageStatus(ctx, "P1", storage.PackageStatusFailed); !errors.Is(err, storage.ErrPackageTerminal) {
		t.Errorf("expected ErrPackageTerminal, got %v", err)
	}
	got, err = s.RetrievePackage(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.Status, storage.PackageStatusComplete; have != want {
		t.Errorf("status after terminal: have %v, want %v", have, want)
	}

	ids, err = s.RetrievePackageIDs(ctx, storage.PackageStatusComplete)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(ids), 1; have != want {
		t.Errorf("complete ids: have %v, want %v", have, want)
	}
}

func testJobs(t *testing.T, ctx context.Context, s storage.AllStorage) {
	if err := s.StorePackage(ctx, newTestPackage("P1")); err != nil {
		t.Fatal(err)
	}

	last, err := s.RetrieveLastJob(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Errorf("expected no last job, got %v", last.ID)
	}

	for i, linkID := range []string{"link-a", "link-b", "link-c"} {
		j := &storage.Job{
			ID:        fmt.Sprintf("J%d", i+1),
			PackageID: "P1",
			LinkID:    linkID,
			Name:      "Job " + linkID,
			Group:     "Test group",
			Status:    storage.JobStatusProcessing,
			StartedAt: time.Now().UTC(),
		}
		if err := s.StoreJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.RetrieveJobs(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(jobs), 3; have != want {
		t.Fatalf("job count: have %v, want %v", have, want)
	}
	// creation order
	for i, want := range []string{"link-a", "link-b", "link-c"} {
		if have := jobs[i].LinkID; have != want {
			t.Errorf("job %d link: have %v, want %v", i, have, want)
		}
	}

	last, err = s.RetrieveLastJob(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := last.ID, "J3"; have != want {
		t.Errorf("last job: have %v, want %v", have, want)
	}

	// single terminal mutation
	if err = s.UpdateJobCompleted(ctx, "J1", storage.JobStatusComplete, 2); err != nil {
		t.Fatal(err)
	}
	if err = s.UpdateJobCompleted(ctx, "J1", storage.JobStatusFailed, 0); !errors.Is(err, storage.ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal, got %v", err)
	}
	j, err := s.RetrieveJob(ctx, "J1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := j.Status, storage.JobStatusComplete; have != want {
		t.Errorf("job status: have %v, want %v", have, want)
	}
	if have, want := j.ExitCode, 2; have != want {
		t.Errorf("job exit code: have %v, want %v", have, want)
	}

	if _, err = s.RetrieveJob(ctx, "J404"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testTasks(t *testing.T, ctx context.Context, s storage.AllStorage) {
	if err := s.StorePackage(ctx, newTestPackage("P1")); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreJob(ctx, &storage.Job{
		ID:        "J1",
		PackageID: "P1",
		LinkID:    "link-a",
		Status:    storage.JobStatusProcessing,
	}); err != nil {
		t.Fatal(err)
	}

	for i, fileID := range []string{"objects/a.txt", "objects/b.txt", "objects/c.txt"} {
		task := &storage.Task{
			ID:        fmt.Sprintf("T%d", i+1),
			JobID:     "J1",
			FileID:    fileID,
			Filename:  fileID,
			Execution: "identify_file_format",
			ExitCode:  0,
			StartedAt: time.Now().UTC(),
			EndedAt:   time.Now().UTC(),
		}
		if err := s.StoreTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	// no two tasks for the same (job, file) pair
	err := s.StoreTask(ctx, &storage.Task{
		ID:     "T4",
		JobID:  "J1",
		FileID: "objects/a.txt",
	})
	if !errors.Is(err, storage.ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}

	tasks, err := s.RetrieveTasks(ctx, "J1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 3; have != want {
		t.Fatalf("task count: have %v, want %v", have, want)
	}
	for i, want := range []string{"objects/a.txt", "objects/b.txt", "objects/c.txt"} {
		if have := tasks[i].FileID; have != want {
			t.Errorf("task %d file: have %v, want %v", i, have, want)
		}
	}

	// package-scoped tasks (empty file ID) occupy a slot too
	if err = s.StoreJob(ctx, &storage.Job{
		ID:        "J2",
		PackageID: "P1",
		LinkID:    "link-b",
		Status:    storage.JobStatusProcessing,
	}); err != nil {
		t.Fatal(err)
	}
	if err = s.StoreTask(ctx, &storage.Task{ID: "T5", JobID: "J2"}); err != nil {
		t.Fatal(err)
	}
	if err = s.StoreTask(ctx, &storage.Task{ID: "T6", JobID: "J2"}); !errors.Is(err, storage.ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask for package-scoped task, got %v", err)
	}

	// tasks require an existing job
	if err = s.StoreTask(ctx, &storage.Task{ID: "T7", JobID: "J404"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentTasks(t *testing.T, ctx context.Context, s storage.AllStorage) {
	if err := s.StorePackage(ctx, newTestPackage("P1")); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreJob(ctx, &storage.Job{
		ID:        "J1",
		PackageID: "P1",
		LinkID:    "link-a",
		Status:    storage.JobStatusProcessing,
	}); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.StoreTask(ctx, &storage.Task{
				ID:     fmt.Sprintf("T%d", i),
				JobID:  "J1",
				FileID: "objects/contended.txt",
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	var stored, dup int
	for err := range errs {
		switch {
		case err == nil:
			stored++
		case errors.Is(err, storage.ErrDuplicateTask):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if have, want := stored, 1; have != want {
		t.Errorf("stored count: have %v, want %v", have, want)
	}
	if have, want := dup, writers-1; have != want {
		t.Errorf("duplicate count: have %v, want %v", have, want)
	}

	tasks, err := s.RetrieveTasks(ctx, "J1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(tasks), 1; have != want {
		t.Errorf("task count: have %v, want %v", have, want)
	}
}
