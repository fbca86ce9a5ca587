package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/session"
)

// MemoryLog is the in-memory reference implementation of Log.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]Event // session id -> ordered events
	subs   map[string]map[int]func(Event)
	nextID int
}

// NewMemoryLog creates an empty in-memory event log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events: map[string][]Event{},
		subs:   map[string]map[int]func(Event){},
	}
}

// AddEvent implements Log.
func (l *MemoryLog) AddEvent(_ context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	if evt.Kind == KindPerception && evt.Perception != nil && evt.Perception.ID == "" {
		evt.Perception.ID = evt.ID
	}

	l.mu.Lock()
	l.events[evt.SessionID] = append(l.events[evt.SessionID], evt)
	var notify []func(Event)
	for _, fn := range l.subs[evt.SessionID] {
		notify = append(notify, fn)
	}
	l.mu.Unlock()

	for _, fn := range notify {
		fn(evt)
	}
	return nil
}

// FirstPendingPerception implements Log.
func (l *MemoryLog) FirstPendingPerception(_ context.Context, sessionID string) (*session.Perception, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, evt := range l.events[sessionID] {
		if evt.Kind == KindPerception && evt.Perception != nil && evt.Perception.Pending {
			p := *evt.Perception
			return &p, nil
		}
	}
	return nil, nil
}

// MarkProcessed implements Log.
func (l *MemoryLog) MarkProcessed(_ context.Context, sessionID, perceptionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, evt := range l.events[sessionID] {
		if evt.Kind == KindPerception && evt.Perception != nil && evt.Perception.ID == perceptionID {
			p := *evt.Perception
			p.Pending = false
			l.events[sessionID][i].Perception = &p
			return nil
		}
	}
	return nil
}

// Subscribe implements Log.
func (l *MemoryLog) Subscribe(sessionID string, fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[sessionID] == nil {
		l.subs[sessionID] = map[int]func(Event){}
	}
	id := l.nextID
	l.nextID++
	l.subs[sessionID][id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[sessionID], id)
	}
}

// Events returns a copy of the session's stream, oldest first.
func (l *MemoryLog) Events(sessionID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events[sessionID]))
	copy(out, l.events[sessionID])
	return out
}
