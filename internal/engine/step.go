package engine

import (
	"context"
	"encoding/json"
	"time"

	"cortex/internal/guard"
	"cortex/internal/session"
)

// EventScheduler is the port through which a running mental process schedules
// future cognitive events. Inside a worker it is backed by an IPC round trip
// to the supervisor's job scheduler.
type EventScheduler interface {
	ScheduleEvent(ctx context.Context, ev session.ScheduledEvent) (jobID string, err error)
	CancelScheduledEvent(ctx context.Context, jobID string) error
}

// Step is the view handed to a mental process for one execution: the working
// memory and params to act on, plus guarded access to scheduling, per-process
// local slots, and the session's durable key/value store.
type Step struct {
	SessionID  string
	Process    string
	Attributes session.Attributes
	// Perception is the stimulus that started this cycle; nil during
	// subprocess execution.
	Perception *session.Perception
	Memory     WorkingMemory
	Params     map[string]any
	// InvocationCount is the per-process count, reset on every transition.
	InvocationCount int

	runner *Runner
}

// ScheduleEvent asks the supervisor to deliver perception p back to this
// session at fireAt, optionally transitioning to process first. Returns the
// scheduler job id, which is also recorded in the session's pending map.
func (s *Step) ScheduleEvent(ctx context.Context, p session.Perception, process string, fireAt time.Time) (string, error) {
	return s.runner.scheduleEvent(ctx, session.ScheduledEvent{
		SessionID:  s.SessionID,
		Perception: p,
		Process:    process,
		FireAt:     fireAt,
	})
}

// CancelScheduledEvent cancels a previously scheduled event and removes it
// from the session's pending map atomically.
func (s *Step) CancelScheduledEvent(ctx context.Context, jobID string) error {
	return s.runner.cancelScheduledEvent(ctx, jobID)
}

// SetLocal persists an opaque value in this process's local slot. Slots are
// cleared when the session transitions away from the process.
func (s *Step) SetLocal(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.runner.setLocal(ctx, s.Process, key, raw)
}

// GetLocal reads a local slot into out. The second return reports presence.
func (s *Step) GetLocal(ctx context.Context, key string, out any) (bool, error) {
	raw, ok := s.runner.getLocal(s.Process, key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// SetValue writes to the session's durable key/value store under the guard.
func (s *Step) SetValue(ctx context.Context, key string, value []byte) error {
	if err := s.runner.guard.Check(ctx); err != nil {
		return err
	}
	return s.runner.doc.SetValue(ctx, key, value)
}

// GetValue reads from the session's durable key/value store.
func (s *Step) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	return s.runner.doc.GetValue(ctx, key)
}

// Await runs fn (a model call, tool round trip, or explicit wait) racing the
// session's abort signal. Abort always takes precedence over a late success.
func Await[T any](ctx context.Context, s *Step, fn func() (T, error)) (T, error) {
	return guard.Race(ctx, s.runner.signal, fn)
}
