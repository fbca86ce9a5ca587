// Package session defines the session state document: the single
// cross-invocation mutable resource of the engine. The document is owned
// exclusively by the execution engine and persisted by an external durable
// layer; this package provides the typed model, the collaborator interfaces,
// and an in-memory reference store.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Attributes holds the static, user-authored portion of a session.
type Attributes struct {
	// Name is the display name of the subroutine instance.
	Name string `json:"name"`
	// SystemContext is static context folded into the reserved system region
	// of working memory by the default integrator.
	SystemContext string `json:"systemContext,omitempty"`
	// EntryProcess is the blueprint's entry-point process name.
	EntryProcess string `json:"entryProcess"`
	// Blueprint names the registered blueprint this session runs.
	Blueprint string `json:"blueprint"`
}

// Memory is one ordered entry of conversational or contextual state.
type Memory struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Region   string         `json:"region,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegionSystem is the reserved region for static system context.
const RegionSystem = "system"

// Commit is an immutable record of a working-memory snapshot produced by one
// process execution.
type Commit struct {
	Process    string    `json:"process"`
	Subprocess bool      `json:"subprocess"`
	Memories   []Memory  `json:"memories"`
	At         time.Time `json:"at"`
}

// Perception is an inbound stimulus delivered to a session. Content is
// either plain text or an asynchronous stream; Resolve collapses both.
type Perception struct {
	ID       string         `json:"id"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Content  string         `json:"content"`
	Stream   <-chan string  `json:"-"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Pending  bool           `json:"pending"`
	At       time.Time      `json:"at"`
}

// MetadataTargetProcess, when present in Perception.Metadata, names the
// process a scheduled cognitive event should transition to before running.
const MetadataTargetProcess = "targetProcess"

// Resolve returns the perception's full content, draining the stream when one
// is attached. The read races ctx so an abort never waits on a slow stream.
func (p *Perception) Resolve(ctx context.Context) (string, error) {
	if p.Stream == nil {
		return p.Content, nil
	}
	content := p.Content
	for {
		select {
		case chunk, ok := <-p.Stream:
			if !ok {
				return content, nil
			}
			content += chunk
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ScheduledEvent is a future perception a running mental process asked to be
// delivered later. It is realized as exactly one scheduler job; the job id is
// the key stored in State.PendingScheduledEvents.
type ScheduledEvent struct {
	SessionID  string     `json:"sessionId"`
	Perception Perception `json:"perception"`
	// Process optionally names the mental process the session should
	// transition to when the event fires.
	Process string    `json:"process,omitempty"`
	FireAt  time.Time `json:"fireAt"`
}

// State is one agent session's full persisted state.
type State struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`

	// CurrentProcess is a name, never a reference; it must resolve in the
	// active blueprint's process table.
	CurrentProcess     string         `json:"currentProcess"`
	CurrentProcessData map[string]any `json:"currentProcessData,omitempty"`

	// GlobalInvocationCount increases by exactly 1 per completed main cycle,
	// never per subprocess cycle.
	GlobalInvocationCount int `json:"globalInvocationCount"`
	// CurrentProcessInvocationCount resets to 0 on every process transition.
	CurrentProcessInvocationCount int `json:"currentProcessInvocationCount"`

	Memories []Memory `json:"memories"`
	Commits  []Commit `json:"commits"`

	// ProcessMemories holds opaque per-process persisted local slots, keyed
	// by process name.
	ProcessMemories map[string]map[string]json.RawMessage `json:"processMemories,omitempty"`

	// PendingScheduledEvents maps scheduler job id to the serialized future
	// event. Every key corresponds to an active job, or has just been removed
	// atomically with that job's cancellation.
	PendingScheduledEvents map[string]json.RawMessage `json:"pendingScheduledEvents,omitempty"`

	// PreviousState names the process active immediately before the last
	// transition.
	PreviousState string `json:"previousState,omitempty"`
}

// NewState creates a session state positioned at the blueprint entry point.
func NewState(id string, attrs Attributes) *State {
	return &State{
		ID:                     id,
		Attributes:             attrs,
		CurrentProcess:         attrs.EntryProcess,
		ProcessMemories:        map[string]map[string]json.RawMessage{},
		PendingScheduledEvents: map[string]json.RawMessage{},
	}
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (s *State) Clone() *State {
	out := *s
	out.CurrentProcessData = maps.Clone(s.CurrentProcessData)
	out.Memories = cloneMemories(s.Memories)
	out.Commits = make([]Commit, len(s.Commits))
	for i, c := range s.Commits {
		out.Commits[i] = c
		out.Commits[i].Memories = cloneMemories(c.Memories)
	}
	out.ProcessMemories = make(map[string]map[string]json.RawMessage, len(s.ProcessMemories))
	for name, slots := range s.ProcessMemories {
		out.ProcessMemories[name] = maps.Clone(slots)
	}
	out.PendingScheduledEvents = maps.Clone(s.PendingScheduledEvents)
	return &out
}

func cloneMemories(in []Memory) []Memory {
	out := make([]Memory, len(in))
	for i, m := range in {
		out[i] = m
		out[i].Metadata = maps.Clone(m.Metadata)
	}
	return out
}

// Validate rejects states the engine cannot execute.
func (s *State) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session state: id is required")
	}
	if s.Attributes.EntryProcess == "" {
		return fmt.Errorf("session state %s: entry process is required", s.ID)
	}
	return nil
}
