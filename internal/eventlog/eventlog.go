// Package eventlog defines the session event log collaborator: the ordered,
// externally visible stream of perceptions and system notes for one session.
// The engine reads the oldest pending perception per cycle and appends
// system-authored notes for failures and cancellations.
package eventlog

import (
	"context"
	"time"

	"cortex/internal/session"
)

// Kind classifies one event on the stream.
type Kind string

const (
	// KindPerception is an inbound stimulus awaiting or past processing.
	KindPerception Kind = "perception"
	// KindSystemNote is a benign engine-authored note (e.g. "canceled").
	KindSystemNote Kind = "systemNote"
	// KindSystemError is an engine-authored failure note naming the
	// offending process.
	KindSystemError Kind = "systemError"
)

// Event is one entry on a session's visible stream.
type Event struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"sessionId"`
	Kind       Kind                `json:"kind"`
	Perception *session.Perception `json:"perception,omitempty"`
	Note       string              `json:"note,omitempty"`
	Process    string              `json:"process,omitempty"`
	At         time.Time           `json:"at"`
}

// Log is the collaborator interface the engine requires from the external
// event subsystem.
type Log interface {
	// AddEvent appends evt to the session's stream.
	AddEvent(ctx context.Context, evt Event) error

	// FirstPendingPerception returns the oldest perception event still
	// flagged pending, or nil when none is waiting.
	FirstPendingPerception(ctx context.Context, sessionID string) (*session.Perception, error)

	// MarkProcessed clears the pending flag on the identified perception.
	MarkProcessed(ctx context.Context, sessionID, perceptionID string) error

	// Subscribe registers fn for every event appended to the session's
	// stream. The returned function unsubscribes.
	Subscribe(sessionID string, fn func(Event)) (unsubscribe func())
}
