// Package executor runs a single unit of preservation work and captures its
// outcome. Expected failures (nonzero exit, missing input, launch failure)
// are reported inside the Result, never as an error: routing decides what a
// failure code means. Only infrastructure problems return an error.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// LaunchFailureCode is the sentinel exit code recorded when a command could
// not be started at all. It routes through the graph like any other nonzero
// code; the stored stderr carries the diagnostic detail.
const LaunchFailureCode = 255

// Spec describes one command invocation. Command and Args are fully
// expanded; no template tokens remain by the time a Spec reaches an
// Executor.
type Spec struct {
	Command string
	Args    []string
	Dir     string
}

// Result is the captured outcome of one unit of work.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Executor runs one Spec to completion.
type Executor interface {
	// Execute runs the spec and captures its outcome. A non-nil error
	// means infrastructure failure (e.g. cancelled context) and the
	// enclosing job must fail without a routing lookup.
	Execute(ctx context.Context, spec *Spec) (*Result, error)
}

// CommandExecutor runs specs as OS subprocesses.
type CommandExecutor struct{}

func NewCommandExecutor() *CommandExecutor {
	return new(CommandExecutor)
}

// Execute runs the spec's command, capturing stdout, stderr, exit code, and
// timing. A command that cannot be launched yields a Result with
// LaunchFailureCode rather than an error.
func (e *CommandExecutor) Execute(ctx context.Context, spec *Spec) (*Result, error) {
	result := &Result{StartedAt: time.Now()}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.EndedAt = time.Now()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	switch v := err.(type) {
	case nil:
		// exit code zero
	case *exec.ExitError:
		result.ExitCode = v.ExitCode()
	default:
		result.ExitCode = LaunchFailureCode
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}

	return result, nil
}
