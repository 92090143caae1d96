package engine

import (
	"context"
	"time"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/logkeys"

	"github.com/micromdm/nanolib/log"
)

// DefaultDuration is the default worker polling interval.
const DefaultDuration = time.Minute

// Worker attaches drivers to PROCESSING packages: freshly submitted ones
// immediately (via the engine's wake channel) and orphaned ones left over
// from a previous process on a polling interval. Attaching to an already
// driven package is a no-op, so polling and waking can overlap safely.
type Worker struct {
	engine *Engine
	logger log.Logger

	// duration is the interval at which the worker will wake up to scan
	// for packages without an attached driver.
	duration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

func NewWorker(engine *Engine, opts ...WorkerOption) *Worker {
	w := &Worker{
		engine:   engine,
		logger:   log.NopLogger,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce scans for PROCESSING packages and attaches drivers.
func (w *Worker) RunOnce(ctx context.Context) error {
	ids, err := w.engine.storage.RetrievePackageIDs(ctx, storage.PackageStatusProcessing)
	if err != nil {
		return logAndError(err, w.logger, "retrieving processing packages")
	}
	for _, id := range ids {
		w.engine.startDriver(ctx, id)
	}
	if len(ids) > 0 {
		w.logger.Debug(
			logkeys.Message, "attached drivers",
			logkeys.GenericCount, len(ids),
		)
	}
	return nil
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	if err := w.RunOnce(ctx); err != nil {
		w.logger.Info(logkeys.Message, "initial scan", logkeys.Error, err)
	}

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case id := <-w.engine.wake:
			w.engine.startDriver(ctx, id)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
