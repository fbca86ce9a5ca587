// Package engine implements the mental-process state machine: the component
// that advances one session through a perception-to-response cycle inside a
// worker process. Mental processes are addressed by name through the active
// blueprint's process table; closures never cross the process boundary.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cortex/internal/session"
)

// MentalProcess is a named, asynchronous unit of program logic that advances
// a session by one step. The returned value must be a WorkingMemory (stay on
// this process) or a Transition; anything else is a contract violation.
type MentalProcess func(ctx context.Context, step *Step) (any, error)

// Transition is the structured form of the tuple return: the new working
// memory, the next process by name, optional seed params, and whether to
// chain into the next process immediately instead of waiting for the next
// external stimulus.
type Transition struct {
	Memory     WorkingMemory
	Next       string
	Params     map[string]any
	ExecuteNow bool
}

// Integration is a memory integrator's result: the perception folded into
// working memory, an optional redirect of the starting process, and a Halt
// flag signaling that no further action should run this cycle.
type Integration struct {
	Memory   WorkingMemory
	Redirect string
	Halt     bool
}

// MemoryIntegrator folds a perception into working memory before the current
// process runs.
type MemoryIntegrator func(ctx context.Context, p *session.Perception, current WorkingMemory, attrs session.Attributes) (Integration, error)

// Subprocess is one per-session process run after the main cycle, in
// declared order.
type Subprocess struct {
	Name string
	Run  MentalProcess
}

// Blueprint is the immutable bundle defining one subroutine's behavior.
type Blueprint struct {
	Name         string
	EntryProcess string
	Processes    map[string]MentalProcess
	// Integrator is optional; when nil the default integrator appends the
	// perception as a plain turn and folds static system context into the
	// reserved memory region.
	Integrator   MemoryIntegrator
	Subprocesses []Subprocess
}

// Validate rejects blueprints the engine cannot run.
func (b *Blueprint) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("blueprint: name is required")
	}
	if len(b.Processes) == 0 {
		return fmt.Errorf("blueprint %s: no processes", b.Name)
	}
	if _, ok := b.Processes[b.EntryProcess]; !ok {
		return fmt.Errorf("blueprint %s: entry process %q not in process table", b.Name, b.EntryProcess)
	}
	for _, sub := range b.Subprocesses {
		if sub.Name == "" || sub.Run == nil {
			return fmt.Errorf("blueprint %s: subprocess with empty name or body", b.Name)
		}
	}
	return nil
}

// Resolve looks up a process by name.
func (b *Blueprint) Resolve(name string) (MentalProcess, bool) {
	p, ok := b.Processes[name]
	return p, ok
}

// ProcessNames returns the table's names, sorted.
func (b *Blueprint) ProcessNames() []string {
	names := make([]string, 0, len(b.Processes))
	for name := range b.Processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the blueprints a worker can execute, keyed by name.
type Registry struct {
	mu         sync.RWMutex
	blueprints map[string]*Blueprint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{blueprints: map[string]*Blueprint{}}
}

// Register validates and stores the blueprint. Re-registering a name
// replaces the previous entry.
func (r *Registry) Register(b *Blueprint) error {
	if err := b.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blueprints[b.Name] = b
	return nil
}

// Get returns the named blueprint.
func (r *Registry) Get(name string) (*Blueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blueprints[name]
	return b, ok
}

// Names returns the registered blueprint names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.blueprints))
	for name := range r.blueprints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultIntegrator appends the perception as a plain conversational turn and
// folds the session's static system context into the reserved region.
func DefaultIntegrator(ctx context.Context, p *session.Perception, current WorkingMemory, attrs session.Attributes) (Integration, error) {
	content, err := p.Resolve(ctx)
	if err != nil {
		return Integration{}, err
	}
	entry := session.Memory{
		Role:    "user",
		Content: fmt.Sprintf("%s %s: %s", p.Actor, p.Action, content),
		Metadata: map[string]any{
			"actor":  p.Actor,
			"action": p.Action,
		},
	}
	memory := current.WithSystemContext(attrs.SystemContext).Append(entry)
	return Integration{Memory: memory}, nil
}
