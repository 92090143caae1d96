package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/preservd/preservd/aip"
	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/executor"
	"github.com/preservd/preservd/logkeys"
	"github.com/preservd/preservd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// infraExitCode is stored on a job failed by a graph configuration or
// infrastructure error. No routing lookup ever happens on it.
const infraExitCode = -1

// drive runs the package from its current persisted state to a terminal
// outcome. Safe to call again for a package that already finished.
func (e *Engine) drive(ctx context.Context, id string) error {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.PackageID, id)

	pkg, err := e.storage.RetrievePackage(ctx, id)
	if err != nil {
		return fmt.Errorf("retrieving package: %w", err)
	}
	if pkg.Status.Terminal() {
		return nil
	}

	repl, err := e.packageReplacements(ctx, pkg)
	if err != nil {
		return err
	}

	link, job, err := e.resumePoint(ctx, logger, pkg)
	if err != nil {
		return err
	}

	for link != nil {
		jobLogger := logger.With(
			logkeys.ChainID, link.Chain(),
			logkeys.LinkID, link.ID,
		)
		if job == nil {
			job = &storage.Job{
				ID:        e.ider.ID(),
				PackageID: pkg.ID,
				LinkID:    link.ID,
				Name:      link.Name,
				Group:     link.Group,
				Status:    storage.JobStatusProcessing,
				StartedAt: time.Now(),
			}
			if err = e.storage.StoreJob(ctx, job); err != nil {
				return fmt.Errorf("storing job: %w", err)
			}
		}
		jobLogger = jobLogger.With(logkeys.JobID, job.ID)

		route, code, runErr := e.runLink(ctx, jobLogger, pkg, link, job, repl)
		if runErr != nil {
			// graph configuration or infrastructure error: there is
			// no exit code to route on, so the job and the package
			// fail directly.
			jobLogger.Info(
				logkeys.Message, "link execution",
				logkeys.Error, runErr,
			)
			if err = e.storage.UpdateJobCompleted(ctx, job.ID, storage.JobStatusFailed, infraExitCode); err != nil {
				jobLogger.Info(
					logkeys.Message, "failing job",
					logkeys.Error, err,
				)
			}
			return e.setPackageStatus(ctx, jobLogger, pkg.ID, storage.PackageStatusFailed)
		}

		jobStatus := storage.JobStatusComplete
		if route.Terminal == workflow.TerminalFail || route.Terminal == workflow.TerminalReject {
			jobStatus = storage.JobStatusFailed
		}
		if err = e.storage.UpdateJobCompleted(ctx, job.ID, jobStatus, code); err != nil {
			return fmt.Errorf("completing job: %w", err)
		}
		jobLogger.Debug(
			logkeys.Message, "job completed",
			logkeys.ExitCode, code,
			logkeys.Status, string(jobStatus),
		)
		job = nil

		link, err = e.followRoute(ctx, logger, pkg, route)
		if err != nil {
			logger.Info(
				logkeys.Message, "following route",
				logkeys.Error, err,
			)
			return e.setPackageStatus(ctx, logger, pkg.ID, storage.PackageStatusFailed)
		}
	}
	return nil
}

// resumePoint determines where driving continues from persisted state: the
// entry link for a fresh package, the still-processing last job to
// re-attach to, or the link routed to by the completed last job. A nil
// link with nil error means the package is already resolved.
func (e *Engine) resumePoint(ctx context.Context, logger log.Logger, pkg *storage.Package) (*workflow.Link, *storage.Job, error) {
	last, err := e.storage.RetrieveLastJob(ctx, pkg.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving last job: %w", err)
	}
	if last == nil {
		return e.graph.EntryLink(), nil, nil
	}

	link, err := e.graph.Link(last.LinkID)
	if err != nil {
		// the stored state references a link the loaded graph no
		// longer has
		logger.Info(
			logkeys.Message, "resuming package",
			logkeys.LinkID, last.LinkID,
			logkeys.Error, err,
		)
		return nil, nil, e.setPackageStatus(ctx, logger, pkg.ID, storage.PackageStatusFailed)
	}

	switch last.Status {
	case storage.JobStatusProcessing:
		logger.Debug(
			logkeys.Message, "resuming job",
			logkeys.JobID, last.ID,
			logkeys.LinkID, last.LinkID,
		)
		return link, last, nil
	case storage.JobStatusFailed:
		// stopped after the job failed but before the package status
		// was written
		return nil, nil, e.setPackageStatus(ctx, logger, pkg.ID, storage.PackageStatusFailed)
	}

	// last job completed: replay its routing decision from the persisted
	// exit code (or the immutable config for decision links) rather than
	// re-running its work
	route, err := e.replayRoute(pkg, link, last.ExitCode)
	if err != nil {
		logger.Info(
			logkeys.Message, "replaying route",
			logkeys.JobID, last.ID,
			logkeys.Error, err,
		)
		return nil, nil, e.setPackageStatus(ctx, logger, pkg.ID, storage.PackageStatusFailed)
	}
	next, err := e.followRoute(ctx, logger, pkg, route)
	if err != nil {
		logger.Info(
			logkeys.Message, "following route",
			logkeys.Error, err,
		)
		return nil, nil, e.setPackageStatus(ctx, logger, pkg.ID, storage.PackageStatusFailed)
	}
	return next, nil, nil
}

func (e *Engine) replayRoute(pkg *storage.Package, link *workflow.Link, exitCode int) (workflow.Route, error) {
	if d, ok := link.Action.(*workflow.DecisionAction); ok {
		return decide(pkg, d)
	}
	return link.Route(exitCode), nil
}

// followRoute resolves a route to the next link, or to nil after setting
// the package's terminal status.
func (e *Engine) followRoute(ctx context.Context, logger log.Logger, pkg *storage.Package, route workflow.Route) (*workflow.Link, error) {
	if route.LinkID != "" {
		return e.graph.Link(route.LinkID)
	}
	var status storage.PackageStatus
	switch route.Terminal {
	case workflow.TerminalComplete:
		status = storage.PackageStatusComplete
	case workflow.TerminalFail:
		status = storage.PackageStatusFailed
	case workflow.TerminalReject:
		status = storage.PackageStatusRejected
	default:
		return nil, fmt.Errorf("invalid route terminal: %q", route.Terminal)
	}
	return nil, e.setPackageStatus(ctx, logger, pkg.ID, status)
}

// setPackageStatus writes the terminal package status exactly once. A
// package that already reached a terminal status is left as-is.
func (e *Engine) setPackageStatus(ctx context.Context, logger log.Logger, id string, status storage.PackageStatus) error {
	err := e.storage.UpdatePackageStatus(ctx, id, status)
	if errors.Is(err, storage.ErrPackageTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("updating package status: %w", err)
	}
	logger.Debug(
		logkeys.Message, "package resolved",
		logkeys.Status, string(status),
	)
	return nil
}

// decide resolves a decision link from the package's processing
// configuration. An unmatched rendered value is a graph configuration
// error, never a silent default.
func decide(pkg *storage.Package, action *workflow.DecisionAction) (workflow.Route, error) {
	value, err := pkg.Config.Value(action.ConfigKey)
	if err != nil {
		return workflow.Route{}, err
	}
	route, ok := action.Choices[value]
	if !ok {
		return workflow.Route{}, fmt.Errorf("no choice for %s value %q", action.ConfigKey, value)
	}
	return route, nil
}

// runLink performs the link's action for the job and returns the resolved
// route with the job's effective exit code. A non-nil error is a graph
// configuration or infrastructure failure with no code to route on.
func (e *Engine) runLink(ctx context.Context, logger log.Logger, pkg *storage.Package, link *workflow.Link, job *storage.Job, repl executor.Replacements) (workflow.Route, int, error) {
	switch action := link.Action.(type) {
	case *workflow.DecisionAction:
		route, err := decide(pkg, action)
		return route, 0, err
	case *workflow.SetVariableAction:
		value := repl.Expand(action.Value)
		if err := e.storage.StorePackageVariable(ctx, pkg.ID, action.Name, value); err != nil {
			return workflow.Route{}, 0, fmt.Errorf("storing package variable: %w", err)
		}
		repl["var:"+action.Name] = value
		return link.Route(0), 0, nil
	case *workflow.NoopAction:
		return link.Route(0), 0, nil
	case *workflow.ArchiveAction:
		code, err := e.runArchive(ctx, pkg, job)
		if err != nil {
			return workflow.Route{}, 0, err
		}
		return link.Route(code), code, nil
	case *workflow.CommandAction:
		code, err := e.runCommand(ctx, logger, pkg, job, action, repl)
		if err != nil {
			return workflow.Route{}, 0, err
		}
		return link.Route(code), code, nil
	}
	return workflow.Route{}, 0, fmt.Errorf("unhandled action type: %s", link.Action.Type())
}

// runArchive packages the working directory into the shared AIP area and
// records the outcome as a package-scoped task. Packaging failure is a
// routable nonzero code, not an infrastructure error.
func (e *Engine) runArchive(ctx context.Context, pkg *storage.Package, job *storage.Job) (int, error) {
	aipDir := filepath.Join(e.sharedDir, "aip")
	if err := os.MkdirAll(aipDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating aip directory: %w", err)
	}

	name := pkg.Name
	if name == "" {
		name = pkg.ID
	}

	t := &storage.Task{
		ID:        e.ider.ID(),
		JobID:     job.ID,
		Execution: "archive",
		StartedAt: time.Now(),
	}
	path, err := aip.Write(pkg.WorkingDir, aipDir, name+"-"+pkg.ID, pkg.Config.AIPCompressionAlgorithm, pkg.Config.AIPCompressionLevel)
	t.EndedAt = time.Now()
	if err != nil {
		t.ExitCode = 1
		t.Stderr = err.Error()
	} else {
		t.Stdout = path
	}

	if err = e.storage.StoreTask(ctx, t); err != nil && !errors.Is(err, storage.ErrDuplicateTask) {
		return 0, fmt.Errorf("storing task: %w", err)
	}
	return t.ExitCode, nil
}

// taskOutcome pairs a file with its recorded exit code for the effective
// exit code computation.
type taskOutcome struct {
	fileID string
	code   int
}

// effectiveExitCode reduces a job's task outcomes to a single code for
// routing: the first nonzero code ordered by file ID, else zero. Ordering
// by file ID keeps the result independent of worker scheduling.
func effectiveExitCode(outcomes []taskOutcome) int {
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].fileID < outcomes[j].fileID
	})
	for _, o := range outcomes {
		if o.code != 0 {
			return o.code
		}
	}
	return 0
}

// runCommand dispatches the command for each unit of work (the package, or
// each applicable file across the worker pool), stores a task per unit,
// and computes the job's effective exit code. Units that already have a
// stored task (a resumed job) are not re-run.
func (e *Engine) runCommand(ctx context.Context, logger log.Logger, pkg *storage.Package, job *storage.Job, action *workflow.CommandAction, repl executor.Replacements) (int, error) {
	var units []fileUnit
	if action.PerFile {
		var err error
		if units, err = listFiles(pkg.WorkingDir, action.FilterSubdir); err != nil {
			return 0, fmt.Errorf("listing files: %w", err)
		}
	} else {
		units = []fileUnit{{}}
	}

	existing, err := e.storage.RetrieveTasks(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("retrieving tasks: %w", err)
	}
	done := make(map[string]int, len(existing))
	for _, t := range existing {
		done[t.FileID] = t.ExitCode
	}

	outcomes := make([]taskOutcome, 0, len(units))
	pending := make([]fileUnit, 0, len(units))
	for _, u := range units {
		if code, ok := done[u.id]; ok {
			outcomes = append(outcomes, taskOutcome{fileID: u.id, code: code})
			continue
		}
		pending = append(pending, u)
	}

	workers := e.taskConcurrency
	if len(pending) < workers {
		workers = len(pending)
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	unitC := make(chan fileUnit)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range unitC {
				outcome, err := e.runUnit(ctx, logger, pkg, job, action, repl, u)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
				} else {
					outcomes = append(outcomes, *outcome)
				}
				mu.Unlock()
			}
		}()
	}
	for _, u := range pending {
		unitC <- u
	}
	close(unitC)
	wg.Wait()

	if firstErr != nil {
		return 0, firstErr
	}

	logger.Debug(
		logkeys.Message, "tasks completed",
		logkeys.GenericCount, len(outcomes),
	)
	return effectiveExitCode(outcomes), nil
}

// runUnit executes the command for one unit of work and stores its task.
func (e *Engine) runUnit(ctx context.Context, logger log.Logger, pkg *storage.Package, job *storage.Job, action *workflow.CommandAction, repl executor.Replacements, u fileUnit) (*taskOutcome, error) {
	if u.id != "" {
		repl = repl.With(executor.Replacements{
			"fileUUID":      u.id,
			"fileName":      u.name,
			"fileExtension": strings.TrimPrefix(filepath.Ext(u.name), "."),
			"inputFile":     u.path,
		})
	}

	spec := &executor.Spec{
		Command: repl.Expand(action.Command),
		Args:    repl.ExpandArgs(action.Args),
		Dir:     pkg.WorkingDir,
	}
	result, err := e.exec.Execute(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", spec.Command, err)
	}

	t := &storage.Task{
		ID:        e.ider.ID(),
		JobID:     job.ID,
		FileID:    u.id,
		Filename:  u.name,
		Execution: spec.Command,
		Arguments: strings.Join(spec.Args, " "),
		ExitCode:  result.ExitCode,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		StartedAt: result.StartedAt,
		EndedAt:   result.EndedAt,
	}
	if err = e.storage.StoreTask(ctx, t); err != nil && !errors.Is(err, storage.ErrDuplicateTask) {
		return nil, fmt.Errorf("storing task: %w", err)
	}
	logger.Debug(
		logkeys.Message, "task completed",
		logkeys.TaskID, t.ID,
		logkeys.FileID, u.id,
		logkeys.ExitCode, result.ExitCode,
	)
	return &taskOutcome{fileID: u.id, code: result.ExitCode}, nil
}

// packageReplacements builds the package-level template mapping: working
// directory coordinates, every rendered config option, and the package's
// persisted variables.
func (e *Engine) packageReplacements(ctx context.Context, pkg *storage.Package) (executor.Replacements, error) {
	vars, err := e.storage.RetrievePackageVariables(ctx, pkg.ID)
	if err != nil {
		return nil, fmt.Errorf("retrieving package variables: %w", err)
	}

	name := pkg.Name
	if name == "" {
		name = pkg.ID
	}
	repl := executor.Replacements{
		"SIPDirectory":     pkg.WorkingDir + string(os.PathSeparator),
		"SIPUUID":          pkg.ID,
		"SIPName":          name,
		"relativeLocation": pkg.WorkingDir,
		"SIPLogsDirectory": filepath.Join(pkg.WorkingDir, "logs"),
		"tmpDirectory":     filepath.Join(pkg.WorkingDir, "tmp"),
	}
	for k, v := range pkg.Config.Values() {
		repl["config:"+k] = v
	}
	for k, v := range vars {
		repl["var:"+k] = v
	}
	return repl, nil
}
