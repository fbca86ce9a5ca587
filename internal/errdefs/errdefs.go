// Package errdefs defines the error taxonomy shared by the engine, the job
// scheduler, and the worker pool. Classification helpers drive retry and
// cancellation policy: LockedState and aborts unwind as cancellation, worker
// death and generic job failures are retried, everything else is fatal and
// surfaced to the session's event stream.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockedState is raised when a state mutation is attempted under a stale
// or canceled execution version. It is never surfaced to users as an error.
var ErrLockedState = errors.New("locked state: execution version is stale or canceled")

// ErrWorkerDied is returned for in-flight requests against a worker that
// stopped heartbeating or whose OS process exited. The owning job treats it
// as retryable.
var ErrWorkerDied = errors.New("worker died")

// ErrPoolDraining is returned by worker acquisition once the pool has begun
// shutting down.
var ErrPoolDraining = errors.New("worker pool is draining")

// RecursionLimitError reports a mental-process chain that exceeded the hard
// ceiling of immediate transitions within a single main cycle.
type RecursionLimitError struct {
	Limit   int
	Process string // the process whose transition pushed past the ceiling
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit: process %q requested transition %d, ceiling is %d", e.Process, e.Limit+1, e.Limit)
}

// UnknownProcessError reports a transition to a process name that does not
// exist in the active blueprint. Fatal at transition time; at cycle start the
// engine instead falls back to the entry point with a warning.
type UnknownProcessError struct {
	Process   string
	Blueprint string
}

func (e *UnknownProcessError) Error() string {
	return fmt.Sprintf("unknown process %q in blueprint %q", e.Process, e.Blueprint)
}

// ContractViolationError reports a mental process that returned a malformed
// result: neither a working memory nor a well-formed transition.
type ContractViolationError struct {
	Process string
	Detail  string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("process %q violated the return contract: %s", e.Process, e.Detail)
}

// JobExecutionError wraps a task failure with enough context for the
// scheduler's retry logging.
type JobExecutionError struct {
	JobID   string
	Task    string
	Attempt int
	Err     error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %s (task %s) failed on attempt %d: %v", e.JobID, e.Task, e.Attempt, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err should unwind as a benign cancellation
// rather than a user-visible failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrLockedState) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether the owning job may retry after err, subject to
// its configured attempt budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWorkerDied) {
		return true
	}
	var jobErr *JobExecutionError
	return errors.As(err, &jobErr)
}

// IsFatal reports whether err must abort the cycle and be surfaced to the
// session's visible event stream.
func IsFatal(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var recErr *RecursionLimitError
	var unkErr *UnknownProcessError
	var conErr *ContractViolationError
	return errors.As(err, &recErr) || errors.As(err, &unkErr) || errors.As(err, &conErr)
}
