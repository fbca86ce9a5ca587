package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(ErrLockedState) {
		t.Error("locked state must unwind as cancellation")
	}
	if !IsCancellation(fmt.Errorf("await: %w", context.Canceled)) {
		t.Error("wrapped context.Canceled must unwind as cancellation")
	}
	if IsCancellation(nil) || IsCancellation(errors.New("boom")) {
		t.Error("plain errors are not cancellations")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("session s1: %w", ErrWorkerDied)) {
		t.Error("worker death must be retryable")
	}
	jobErr := &JobExecutionError{JobID: "j1", Task: "t", Attempt: 1, Err: errors.New("boom")}
	if !IsRetryable(jobErr) {
		t.Error("job execution failures must be retryable")
	}
	if IsRetryable(ErrLockedState) {
		t.Error("locked state is not retryable")
	}
}

func TestIsFatal(t *testing.T) {
	fatal := []error{
		&RecursionLimitError{Limit: 10, Process: "loop"},
		&UnknownProcessError{Process: "ghost", Blueprint: "b"},
		&ContractViolationError{Process: "p", Detail: "returned int"},
	}
	for _, err := range fatal {
		if !IsFatal(fmt.Errorf("cycle: %w", err)) {
			t.Errorf("%T must be fatal", err)
		}
	}
	if IsFatal(ErrLockedState) || IsFatal(context.Canceled) {
		t.Error("cancellations are never fatal")
	}
}

func TestJobExecutionErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &JobExecutionError{JobID: "j1", Task: "t", Attempt: 2, Err: inner}
	if !errors.Is(err, inner) {
		t.Error("JobExecutionError must unwrap to its cause")
	}
}
