// Package storage defines types and primitives for job/task store backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/preservd/preservd/workflow"
)

// PackageStatus is the overall status of a submitted package.
type PackageStatus string

const (
	PackageStatusProcessing PackageStatus = "PROCESSING"
	PackageStatusComplete   PackageStatus = "COMPLETE"
	PackageStatusFailed     PackageStatus = "FAILED"
	PackageStatusRejected   PackageStatus = "REJECTED"
)

func (s PackageStatus) Valid() bool {
	switch s {
	case PackageStatusProcessing, PackageStatusComplete,
		PackageStatusFailed, PackageStatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further jobs may start for this status.
func (s PackageStatus) Terminal() bool {
	return s == PackageStatusComplete || s == PackageStatusFailed || s == PackageStatusRejected
}

// JobStatus is the status of a single link execution.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusComplete   JobStatus = "COMPLETE"
	JobStatusFailed     JobStatus = "FAILED"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusProcessing, JobStatusComplete, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a job may no longer be mutated.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTask is returned when a task for the same (job, file)
	// pair already exists. The store enforces this, not the caller.
	ErrDuplicateTask = errors.New("duplicate task for job and file")

	// ErrPackageTerminal is returned for mutations against packages that
	// already reached a terminal status.
	ErrPackageTerminal = errors.New("package status is terminal")

	// ErrJobTerminal is returned for mutations against completed jobs.
	ErrJobTerminal = errors.New("job status is terminal")

	ErrEmptyPackage = errors.New("empty package record")
	ErrEmptyJob     = errors.New("empty job record")
	ErrEmptyTask    = errors.New("empty task record")
)

// Package is the durable record of one in-flight or completed preservation
// unit.
type Package struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	URL        string                    `json:"url"`
	WorkingDir string                    `json:"working_dir"`
	Status     PackageStatus             `json:"status"`
	Config     workflow.ProcessingConfig `json:"config"`
	CreatedAt  time.Time                 `json:"created_at"`
}

func (p *Package) Validate() error {
	if p == nil {
		return ErrEmptyPackage
	}
	if p.ID == "" {
		return errors.New("missing package ID")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid package status: %q", p.Status)
	}
	return nil
}

// Job is the append-only record of one link execution against a package.
type Job struct {
	ID        string    `json:"id"`
	PackageID string    `json:"package_id"`
	LinkID    string    `json:"link_id"`
	Name      string    `json:"name"`
	Group     string    `json:"group,omitempty"`
	Status    JobStatus `json:"status"`

	// ExitCode is the job's effective exit code, meaningful only once
	// Status is terminal. It is persisted so that routing can be replayed
	// on restart without re-running tasks.
	ExitCode int `json:"exit_code"`

	StartedAt time.Time `json:"started_at"`
}

func (j *Job) Validate() error {
	if j == nil {
		return ErrEmptyJob
	}
	if j.ID == "" {
		return errors.New("missing job ID")
	}
	if j.PackageID == "" {
		return errors.New("missing package ID")
	}
	if j.LinkID == "" {
		return errors.New("missing link ID")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status: %q", j.Status)
	}
	return nil
}

// Task is the immutable record of one executor invocation for a job:
// one file, or the package as a whole (empty FileID).
type Task struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	FileID    string    `json:"file_id,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Execution string    `json:"execution"`
	Arguments string    `json:"arguments,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func (t *Task) Validate() error {
	if t == nil {
		return ErrEmptyTask
	}
	if t.ID == "" {
		return errors.New("missing task ID")
	}
	if t.JobID == "" {
		return errors.New("missing job ID")
	}
	return nil
}

// PackageStore persists package records and their variables.
type PackageStore interface {
	// StorePackage creates a new package record.
	StorePackage(ctx context.Context, p *Package) error

	// RetrievePackage fetches a package by ID. ErrNotFound if absent.
	RetrievePackage(ctx context.Context, id string) (*Package, error)

	// UpdatePackageStatus transitions the package status. Transitions are
	// monotonic: once terminal, further updates fail with
	// ErrPackageTerminal.
	UpdatePackageStatus(ctx context.Context, id string, status PackageStatus) error

	// StorePackageVariable persists a named package variable, overwriting
	// any previous value for the same name.
	StorePackageVariable(ctx context.Context, id, name, value string) error

	// RetrievePackageVariables fetches all variables for a package.
	RetrievePackageVariables(ctx context.Context, id string) (map[string]string, error)

	// DeletePackageVariables removes all variables for a package. Used
	// when a terminal package's working state is purged; a package with
	// no variables is not an error.
	DeletePackageVariables(ctx context.Context, id string) error

	// RetrievePackageIDs lists IDs of packages currently in status.
	RetrievePackageIDs(ctx context.Context, status PackageStatus) ([]string, error)
}

// JobStore persists job records. Creation is append-only; the only mutation
// is the one-time transition to a terminal status.
type JobStore interface {
	// StoreJob creates a new job record in PROCESSING status.
	StoreJob(ctx context.Context, j *Job) error

	// UpdateJobCompleted is the single mutation point for a job: it sets
	// the terminal status and effective exit code. A second call for the
	// same job fails with ErrJobTerminal.
	UpdateJobCompleted(ctx context.Context, jobID string, status JobStatus, exitCode int) error

	// RetrieveJob fetches a job by ID. ErrNotFound if absent.
	RetrieveJob(ctx context.Context, jobID string) (*Job, error)

	// RetrieveJobs lists all jobs for a package in creation order.
	RetrieveJobs(ctx context.Context, packageID string) ([]*Job, error)

	// RetrieveLastJob fetches the most recently created job for a
	// package, or nil with no error when the package has no jobs yet.
	RetrieveLastJob(ctx context.Context, packageID string) (*Job, error)
}

// TaskStore persists task records. Tasks are immutable once stored.
type TaskStore interface {
	// StoreTask creates a task record. At most one task may exist per
	// (job, file) pair; a second insert fails with ErrDuplicateTask.
	// Inserts for one job may happen concurrently.
	StoreTask(ctx context.Context, t *Task) error

	// RetrieveTasks lists all tasks for a job in creation order.
	RetrieveTasks(ctx context.Context, jobID string) ([]*Task, error)
}

// AllStorage is the full set of store interfaces a backend implements.
type AllStorage interface {
	PackageStore
	JobStore
	TaskStore
}
