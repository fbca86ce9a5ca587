package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cortex/internal/errdefs"
	"cortex/internal/eventlog"
	"cortex/internal/guard"
	"cortex/internal/logging"
	"cortex/internal/session"
)

// DefaultMaxChainedTransitions is the hard ceiling for executeNow chains
// within one main cycle.
const DefaultMaxChainedTransitions = 10

// Config tunes one runner.
type Config struct {
	// MaxChainedTransitions caps immediate process chaining per main cycle.
	// Zero means DefaultMaxChainedTransitions.
	MaxChainedTransitions int
}

// Runner drives one session's perception-to-response cycle: integration,
// process execution, bounded chaining, and commits. One runner executes at
// most one cycle at a time; the scheduler's per-session queue guarantees no
// two runners for the same session overlap, and the guard verifies it.
type Runner struct {
	blueprint *Blueprint
	doc       session.Document
	log       eventlog.Log
	events    EventScheduler
	signal    *guard.Signal
	logger    logging.Logger
	cfg       Config

	// state is the live working copy during a cycle; guard stamps it.
	state *session.State
	guard *guard.Guard
}

// NewRunner wires a runner for one session document.
func NewRunner(blueprint *Blueprint, doc session.Document, log eventlog.Log, events EventScheduler, signal *guard.Signal, logger logging.Logger, cfg Config) (*Runner, error) {
	if err := blueprint.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxChainedTransitions <= 0 {
		cfg.MaxChainedTransitions = DefaultMaxChainedTransitions
	}
	if signal == nil {
		signal = guard.NewSignal()
	}
	return &Runner{
		blueprint: blueprint,
		doc:       doc,
		log:       log,
		events:    events,
		signal:    signal,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
	}, nil
}

// Signal exposes the session's abort signal.
func (r *Runner) Signal() *guard.Signal {
	return r.signal
}

// Abort fires the session's cancellation signal. Any in-flight awaited
// operation resolves to an abort condition, never a stale success.
func (r *Runner) Abort() {
	r.signal.Fire()
}

// ExecuteMainCycle takes the oldest pending perception and advances the
// session by exactly one full cycle, chaining through executeNow transitions
// up to the hard ceiling. LockedState conditions unwind as a benign
// cancellation; every other process error is appended to the session's
// visible event stream and rethrown for the owning job's retry policy.
func (r *Runner) ExecuteMainCycle(ctx context.Context) error {
	st, err := r.doc.Get(ctx)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}

	perception, err := r.log.FirstPendingPerception(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("read pending perception: %w", err)
	}
	if perception == nil {
		r.logger.Debug("session %s: no pending perception, skipping cycle", st.ID)
		return nil
	}

	// The increment is persisted before anything runs so that stale in-flight
	// executions observe the drift and unwind.
	st.GlobalInvocationCount++
	expected := st.GlobalInvocationCount
	if err := r.doc.Set(ctx, st); err != nil {
		return fmt.Errorf("persist invocation count: %w", err)
	}

	r.state = st
	r.guard = guard.New(expected, r.liveVersion, r.signal)

	err = r.runCycle(ctx, perception)
	switch {
	case err == nil:
		if err := r.log.MarkProcessed(ctx, st.ID, perception.ID); err != nil {
			return fmt.Errorf("mark perception processed: %w", err)
		}
		return nil
	case errdefs.IsCancellation(err):
		// A canceled cycle was superseded; its perception is consumed, not
		// retried.
		r.logger.Info("session %s: cycle canceled: %v", st.ID, err)
		r.appendNote(ctx, eventlog.KindSystemNote, st.CurrentProcess, "canceled")
		if err := r.log.MarkProcessed(ctx, st.ID, perception.ID); err != nil {
			r.logger.Warn("session %s: mark canceled perception processed: %v", st.ID, err)
		}
		return nil
	default:
		// The perception stays pending so the job's attempt budget covers a
		// re-run.
		r.logger.Error("session %s: process %s failed: %v", st.ID, r.state.CurrentProcess, err)
		r.appendNote(ctx, eventlog.KindSystemError, r.state.CurrentProcess, err.Error())
		return err
	}
}

func (r *Runner) runCycle(ctx context.Context, perception *session.Perception) error {
	st := r.state

	// Recoverable at cycle start: an unknown current process falls back to
	// the entry point with a warning.
	if _, ok := r.blueprint.Resolve(st.CurrentProcess); !ok {
		r.logger.Warn("session %s: process %q not in blueprint %s, falling back to entry point %q",
			st.ID, st.CurrentProcess, r.blueprint.Name, r.blueprint.EntryProcess)
		st.PreviousState = st.CurrentProcess
		st.CurrentProcess = r.blueprint.EntryProcess
		st.CurrentProcessData = nil
		st.CurrentProcessInvocationCount = 0
	}

	// A fired scheduled event may carry a target process.
	if target, ok := perception.Metadata[session.MetadataTargetProcess].(string); ok && target != "" {
		if _, known := r.blueprint.Resolve(target); known {
			if err := r.moveToProcess(ctx, target, nil); err != nil {
				return err
			}
		} else {
			r.logger.Warn("session %s: scheduled event targets unknown process %q, staying on %q",
				st.ID, target, st.CurrentProcess)
		}
	}

	integrator := r.blueprint.Integrator
	if integrator == nil {
		integrator = DefaultIntegrator
	}
	integration, err := integrator(ctx, perception, NewWorkingMemory(st.Memories).Clone(), st.Attributes)
	if err != nil {
		return fmt.Errorf("memory integration: %w", err)
	}

	if integration.Redirect != "" && integration.Redirect != st.CurrentProcess {
		if err := r.moveToProcess(ctx, integration.Redirect, nil); err != nil {
			return err
		}
	}

	memory := integration.Memory
	if integration.Halt {
		// No further action this cycle; the integrated memory still lands.
		if err := r.guard.Check(ctx); err != nil {
			return err
		}
		st.Memories = memory.Clone().Entries
		return r.doc.Set(ctx, st)
	}

	params := st.CurrentProcessData
	chained := 0
	for {
		name := st.CurrentProcess
		proc, ok := r.blueprint.Resolve(name)
		if !ok {
			return &errdefs.UnknownProcessError{Process: name, Blueprint: r.blueprint.Name}
		}

		st.CurrentProcessInvocationCount++

		result, err := r.runProcess(ctx, proc, name, perception, memory, params)
		if err != nil {
			return err
		}

		transition, isTransition := result.(Transition)
		if isTransition {
			memory = transition.Memory
		} else {
			memory = result.(WorkingMemory)
		}

		if err := r.commit(ctx, memory, name, false); err != nil {
			return err
		}
		if !isTransition {
			return nil
		}

		if transition.ExecuteNow && chained == r.cfg.MaxChainedTransitions {
			return &errdefs.RecursionLimitError{Limit: r.cfg.MaxChainedTransitions, Process: name}
		}
		if err := r.moveToProcess(ctx, transition.Next, transition.Params); err != nil {
			return err
		}
		if !transition.ExecuteNow {
			return nil
		}
		chained++
		params = transition.Params
	}
}

// runProcess executes one mental process and normalizes its result to a
// WorkingMemory or Transition.
func (r *Runner) runProcess(ctx context.Context, proc MentalProcess, name string, perception *session.Perception, memory WorkingMemory, params map[string]any) (any, error) {
	step := &Step{
		SessionID:       r.state.ID,
		Process:         name,
		Attributes:      r.state.Attributes,
		Perception:      perception,
		Memory:          memory,
		Params:          params,
		InvocationCount: r.state.CurrentProcessInvocationCount,
		runner:          r,
	}
	raw, err := proc(ctx, step)
	if err != nil {
		return nil, err
	}
	return r.normalizeResult(raw, name)
}

// normalizeResult enforces the return-value protocol. A bare WorkingMemory
// means "stay"; a Transition must name a resolvable process. Anything else
// fails fast as a contract violation.
func (r *Runner) normalizeResult(raw any, process string) (any, error) {
	switch v := raw.(type) {
	case WorkingMemory:
		return v, nil
	case *WorkingMemory:
		if v == nil {
			return nil, &errdefs.ContractViolationError{Process: process, Detail: "returned a nil working memory"}
		}
		return *v, nil
	case Transition:
		return r.checkTransition(v, process)
	case *Transition:
		if v == nil {
			return nil, &errdefs.ContractViolationError{Process: process, Detail: "returned a nil transition"}
		}
		return r.checkTransition(*v, process)
	case nil:
		return nil, &errdefs.ContractViolationError{Process: process, Detail: "returned nothing"}
	default:
		return nil, &errdefs.ContractViolationError{Process: process, Detail: fmt.Sprintf("returned unsupported type %T", raw)}
	}
}

func (r *Runner) checkTransition(t Transition, process string) (any, error) {
	if t.Next == "" {
		return nil, &errdefs.ContractViolationError{Process: process, Detail: "transition names no next process"}
	}
	return t, nil
}

// moveToProcess records the previous state, validates the target against the
// blueprint, resets the per-process counter and local slots, and persists the
// transition. Unknown targets are fatal here; the cycle-start fallback is the
// only recovery point.
func (r *Runner) moveToProcess(ctx context.Context, name string, params map[string]any) error {
	st := r.state
	if _, ok := r.blueprint.Resolve(name); !ok {
		return &errdefs.UnknownProcessError{Process: name, Blueprint: r.blueprint.Name}
	}
	if err := r.guard.Check(ctx); err != nil {
		return err
	}

	st.PreviousState = st.CurrentProcess
	st.CurrentProcess = name
	st.CurrentProcessData = params
	st.CurrentProcessInvocationCount = 0
	delete(st.ProcessMemories, name)

	if err := r.doc.Set(ctx, st); err != nil {
		return fmt.Errorf("persist transition to %q: %w", name, err)
	}
	r.logger.Debug("session %s: %s -> %s", st.ID, st.PreviousState, name)
	return nil
}

// commit replaces the session's working memory wholesale and appends a commit
// record naming the producing process.
func (r *Runner) commit(ctx context.Context, memory WorkingMemory, process string, subprocess bool) error {
	if err := r.guard.Check(ctx); err != nil {
		return err
	}
	st := r.state
	snapshot := memory.Clone().Entries
	st.Memories = snapshot
	st.Commits = append(st.Commits, session.Commit{
		Process:    process,
		Subprocess: subprocess,
		Memories:   snapshot,
		At:         time.Now(),
	})
	if err := r.doc.Set(ctx, st); err != nil {
		return fmt.Errorf("persist commit from %q: %w", process, err)
	}
	return nil
}

func (r *Runner) liveVersion(ctx context.Context) (int, error) {
	st, err := r.doc.Get(ctx)
	if err != nil {
		return 0, err
	}
	return st.GlobalInvocationCount, nil
}

func (r *Runner) appendNote(ctx context.Context, kind eventlog.Kind, process, note string) {
	err := r.log.AddEvent(ctx, eventlog.Event{
		SessionID: r.state.ID,
		Kind:      kind,
		Process:   process,
		Note:      note,
	})
	if err != nil {
		r.logger.Warn("session %s: failed to append %s event: %v", r.state.ID, kind, err)
	}
}

// scheduleEvent registers a future cognitive event with the supervisor and
// records the job id in the session's pending map under the guard, so the
// map entry and the job stay in lockstep.
func (r *Runner) scheduleEvent(ctx context.Context, ev session.ScheduledEvent) (string, error) {
	if r.events == nil {
		return "", fmt.Errorf("session %s: no event scheduler wired", ev.SessionID)
	}
	if err := r.guard.Check(ctx); err != nil {
		return "", err
	}
	jobID, err := guard.Race(ctx, r.signal, func() (string, error) {
		return r.events.ScheduleEvent(ctx, ev)
	})
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("serialize scheduled event: %w", err)
	}
	if err := r.guard.Check(ctx); err != nil {
		// The job exists but this execution lost its stamp; undo the
		// schedule so no orphan key survives.
		_ = r.events.CancelScheduledEvent(context.WithoutCancel(ctx), jobID)
		return "", err
	}
	if r.state.PendingScheduledEvents == nil {
		r.state.PendingScheduledEvents = map[string]json.RawMessage{}
	}
	r.state.PendingScheduledEvents[jobID] = raw
	if err := r.doc.Set(ctx, r.state); err != nil {
		return "", fmt.Errorf("persist pending scheduled event: %w", err)
	}
	return jobID, nil
}

// cancelScheduledEvent cancels the job and removes its pending-map entry
// atomically with respect to the guard.
func (r *Runner) cancelScheduledEvent(ctx context.Context, jobID string) error {
	if r.events == nil {
		return fmt.Errorf("no event scheduler wired")
	}
	if err := r.guard.Check(ctx); err != nil {
		return err
	}
	if err := r.events.CancelScheduledEvent(ctx, jobID); err != nil {
		return err
	}
	delete(r.state.PendingScheduledEvents, jobID)
	return r.doc.Set(ctx, r.state)
}

func (r *Runner) setLocal(ctx context.Context, process, key string, raw json.RawMessage) error {
	if err := r.guard.Check(ctx); err != nil {
		return err
	}
	st := r.state
	if st.ProcessMemories == nil {
		st.ProcessMemories = map[string]map[string]json.RawMessage{}
	}
	if st.ProcessMemories[process] == nil {
		st.ProcessMemories[process] = map[string]json.RawMessage{}
	}
	st.ProcessMemories[process][key] = raw
	return r.doc.Set(ctx, st)
}

func (r *Runner) getLocal(process, key string) (json.RawMessage, bool) {
	slots, ok := r.state.ProcessMemories[process]
	if !ok {
		return nil, false
	}
	raw, ok := slots[key]
	return raw, ok
}
