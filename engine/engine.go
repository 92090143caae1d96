// Package engine implements the preservd workflow execution engine: it
// drives each submitted package through the workflow graph to a terminal
// outcome, persisting a job per link and a task per unit of work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/executor"
	"github.com/preservd/preservd/logkeys"
	"github.com/preservd/preservd/utils/uuid"
	"github.com/preservd/preservd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrEmptySource = errors.New("empty source location")

const (
	// DefaultTaskConcurrency bounds the per-job worker pool for per-file
	// tasks.
	DefaultTaskConcurrency = 4

	// DefaultPackageConcurrency bounds how many packages are driven at
	// once.
	DefaultPackageConcurrency = 2
)

// Engine coordinates package processing against the workflow graph.
type Engine struct {
	graph   *workflow.Graph
	storage storage.AllStorage
	exec    executor.Executor

	// sharedDir holds per-package working directories (under
	// processing/) and finished archival packages (under aip/).
	sharedDir string

	taskConcurrency int
	pkgConcurrency  int
	pkgSem          chan struct{}

	activeMu sync.Mutex
	active   map[string]struct{}

	// wake carries freshly submitted package IDs to the worker so
	// driving starts without waiting out a poll interval.
	wake chan string

	logger log.Logger
	ider   uuid.IDer
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithExecutor sets the task executor.
func WithExecutor(exec executor.Executor) Option {
	return func(e *Engine) {
		e.exec = exec
	}
}

// WithIDer sets the package/job/task ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithSharedDir sets the shared processing directory.
func WithSharedDir(dir string) Option {
	return func(e *Engine) {
		e.sharedDir = dir
	}
}

// WithTaskConcurrency bounds the per-job worker pool.
func WithTaskConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.taskConcurrency = n
		}
	}
}

// WithPackageConcurrency bounds how many packages are driven at once.
func WithPackageConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pkgConcurrency = n
		}
	}
}

// New creates a new engine with default configurations.
func New(graph *workflow.Graph, store storage.AllStorage, opts ...Option) *Engine {
	engine := &Engine{
		graph:           graph,
		storage:         store,
		exec:            executor.NewCommandExecutor(),
		sharedDir:       filepath.Join(os.TempDir(), "preservd"),
		taskConcurrency: DefaultTaskConcurrency,
		pkgConcurrency:  DefaultPackageConcurrency,
		active:          make(map[string]struct{}),
		wake:            make(chan string, 64),
		logger:          log.NopLogger,
		ider:            uuid.NewUUID(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	engine.pkgSem = make(chan struct{}, engine.pkgConcurrency)
	return engine
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// sourcePath resolves a submission source location to a local path.
func sourcePath(url string) string {
	return strings.TrimPrefix(url, "file://")
}

// Submit validates the submission, stages the source into a fresh working
// directory, and creates the package record in PROCESSING status. A nil
// config selects the defaults. Processing itself starts asynchronously;
// the returned ID can immediately be used with Read.
func (e *Engine) Submit(ctx context.Context, name, url string, config *workflow.ProcessingConfig) (string, error) {
	src := sourcePath(url)
	if src == "" {
		return "", ErrEmptySource
	}

	cfg := workflow.DefaultProcessingConfig()
	if config != nil {
		cfg = *config
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("validating processing config: %w", err)
	}

	id := e.ider.ID()
	workingDir := filepath.Join(e.sharedDir, "processing", id)
	if err := stageTree(src, workingDir); err != nil {
		return "", fmt.Errorf("staging source: %w", err)
	}

	p := &storage.Package{
		ID:         id,
		Name:       name,
		URL:        url,
		WorkingDir: workingDir,
		Status:     storage.PackageStatusProcessing,
		Config:     cfg,
		CreatedAt:  time.Now(),
	}
	if err := e.storage.StorePackage(ctx, p); err != nil {
		// no record points at the staged copy; remove it so it cannot
		// linger past Empty
		os.RemoveAll(workingDir)
		return "", fmt.Errorf("storing package: %w", err)
	}

	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "package submitted",
		logkeys.PackageID, id,
		"name", name,
	)

	select {
	case e.wake <- id:
	default:
	}

	return id, nil
}

// Read returns the package record and its jobs in creation order.
func (e *Engine) Read(ctx context.Context, id string) (*storage.Package, []*storage.Job, error) {
	p, err := e.storage.RetrievePackage(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving package: %w", err)
	}
	jobs, err := e.storage.RetrieveJobs(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving jobs: %w", err)
	}
	return p, jobs, nil
}

// ListTasks returns a job's tasks in creation order.
func (e *Engine) ListTasks(ctx context.Context, jobID string) ([]*storage.Task, error) {
	tasks, err := e.storage.RetrieveTasks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retrieving tasks: %w", err)
	}
	return tasks, nil
}

// Empty purges the working directories and variables of all terminal
// packages. Packages still in PROCESSING are left alone.
func (e *Engine) Empty(ctx context.Context) error {
	logger := ctxlog.Logger(ctx, e.logger)
	var retErr error
	for _, status := range []storage.PackageStatus{
		storage.PackageStatusComplete,
		storage.PackageStatusFailed,
		storage.PackageStatusRejected,
	} {
		ids, err := e.storage.RetrievePackageIDs(ctx, status)
		if err != nil {
			return logAndError(err, logger, "retrieving package IDs")
		}
		for _, id := range ids {
			p, err := e.storage.RetrievePackage(ctx, id)
			if err != nil {
				logger.Info(
					logkeys.Message, "retrieving package",
					logkeys.PackageID, id,
					logkeys.Error, err,
				)
				retErr = err
				continue
			}
			if p.WorkingDir == "" {
				continue
			}
			if err = os.RemoveAll(p.WorkingDir); err != nil {
				logger.Info(
					logkeys.Message, "purging working directory",
					logkeys.PackageID, id,
					logkeys.Error, err,
				)
				retErr = err
				continue
			}
			// a terminal package never drives again, so its variables
			// are dead weight
			if err = e.storage.DeletePackageVariables(ctx, id); err != nil {
				logger.Info(
					logkeys.Message, "purging package variables",
					logkeys.PackageID, id,
					logkeys.Error, err,
				)
				retErr = err
				continue
			}
			logger.Debug(
				logkeys.Message, "purged working directory",
				logkeys.PackageID, id,
				logkeys.Status, string(status),
			)
		}
	}
	return retErr
}

// startDriver attaches a background driver to the package unless one is
// already attached. Driver count across packages is bounded.
func (e *Engine) startDriver(ctx context.Context, id string) {
	e.activeMu.Lock()
	if _, ok := e.active[id]; ok {
		e.activeMu.Unlock()
		return
	}
	e.active[id] = struct{}{}
	e.activeMu.Unlock()

	go func() {
		defer func() {
			e.activeMu.Lock()
			delete(e.active, id)
			e.activeMu.Unlock()
		}()

		select {
		case e.pkgSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.pkgSem }()

		if err := e.drive(ctx, id); err != nil {
			e.logger.Info(
				logkeys.Message, "driving package",
				logkeys.PackageID, id,
				logkeys.Error, err,
			)
		}
	}()
}
