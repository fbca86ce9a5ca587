// Package guard implements the optimistic concurrency guard: a per-execution
// version stamp plus a cooperative abort signal. Every component checks the
// guard before mutating shared session state, so a superseded or aborted
// execution fails with a locked-state condition instead of corrupting the
// document. The check is optimistic and never blocks, because the execution
// may run in a separate OS process from where the version is authoritative.
package guard

import (
	"context"
	"fmt"
	"sync"

	"cortex/internal/errdefs"
)

// VersionFunc returns the live global invocation count for the session. It is
// consulted on every check, not captured once.
type VersionFunc func(ctx context.Context) (int, error)

// Guard protects state mutations belonging to one versioned execution.
type Guard struct {
	expected int
	version  VersionFunc
	signal   *Signal
}

// New creates a guard for an execution stamped with expectedVersion.
func New(expectedVersion int, version VersionFunc, signal *Signal) *Guard {
	return &Guard{expected: expectedVersion, version: version, signal: signal}
}

// Check fails with ErrLockedState when the session's abort signal has fired
// or the live invocation count no longer matches the expected version.
func (g *Guard) Check(ctx context.Context) error {
	if g.signal != nil && g.signal.Fired() {
		return fmt.Errorf("aborted: %w", errdefs.ErrLockedState)
	}
	live, err := g.version(ctx)
	if err != nil {
		return fmt.Errorf("read live version: %w", err)
	}
	if live != g.expected {
		return fmt.Errorf("version drift (expected %d, live %d): %w", g.expected, live, errdefs.ErrLockedState)
	}
	return nil
}

// Expected returns the version this guard was stamped with.
func (g *Guard) Expected() int {
	return g.expected
}

// Signal is a one-shot, broadcast abort signal. Fire is idempotent; Done is
// closed for every current and future waiter once fired.
type Signal struct {
	once sync.Once
	done chan struct{}
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire trips the signal. Safe to call multiple times and from any goroutine.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.done) })
}

// Fired reports whether the signal has been tripped.
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Race waits for fn's result, the signal, or ctx, whichever resolves first.
// An abort always wins over a late success: once the signal has fired the
// result is discarded and a locked-state error is returned.
func Race[T any](ctx context.Context, s *Signal, fn func() (T, error)) (T, error) {
	var zero T

	type outcome struct {
		value T
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn()
		ch <- outcome{value: v, err: err}
	}()

	select {
	case <-s.Done():
		return zero, fmt.Errorf("aborted while awaiting result: %w", errdefs.ErrLockedState)
	case <-ctx.Done():
		return zero, ctx.Err()
	case out := <-ch:
		if s.Fired() {
			return zero, fmt.Errorf("aborted before result was observed: %w", errdefs.ErrLockedState)
		}
		return out.value, out.err
	}
}
