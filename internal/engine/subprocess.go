package engine

import (
	"context"
	"fmt"

	"cortex/internal/errdefs"
	"cortex/internal/eventlog"
	"cortex/internal/guard"
)

// ExecuteSubprocesses runs each blueprint subprocess once, in declared order,
// under the invocation count the caller observed after the main cycle. When
// the live count has already moved on the whole call is a no-op: subprocess
// results computed against a superseded state would be stale.
//
// Per-subprocess errors are logged and reported to the session's event stream
// without aborting the remaining subprocesses. A LockedState condition aborts
// the remainder.
func (r *Runner) ExecuteSubprocesses(ctx context.Context, expectedInvocationCount int) error {
	st, err := r.doc.Get(ctx)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if st.GlobalInvocationCount != expectedInvocationCount {
		r.logger.Debug("session %s: skipping subprocesses, invocation moved %d -> %d",
			st.ID, expectedInvocationCount, st.GlobalInvocationCount)
		return nil
	}

	r.state = st
	r.guard = guard.New(expectedInvocationCount, r.liveVersion, r.signal)

	for _, sub := range r.blueprint.Subprocesses {
		memory := NewWorkingMemory(st.Memories).Clone()
		result, err := r.runProcess(ctx, sub.Run, sub.Name, nil, memory, nil)
		if err != nil {
			if errdefs.IsCancellation(err) {
				r.logger.Info("session %s: subprocess %s canceled, aborting remainder: %v", st.ID, sub.Name, err)
				return nil
			}
			r.logger.Error("session %s: subprocess %s failed: %v", st.ID, sub.Name, err)
			r.appendNote(ctx, eventlog.KindSystemError, sub.Name, err.Error())
			continue
		}

		// Subprocesses cannot transition the session; a returned transition
		// contributes its memory only.
		var out WorkingMemory
		switch v := result.(type) {
		case Transition:
			r.logger.Warn("session %s: subprocess %s requested transition to %q, ignored", st.ID, sub.Name, v.Next)
			out = v.Memory
		case WorkingMemory:
			out = v
		}

		if err := r.commit(ctx, out, sub.Name, true); err != nil {
			if errdefs.IsCancellation(err) {
				r.logger.Info("session %s: subprocess commit canceled, aborting remainder", st.ID)
				return nil
			}
			r.logger.Error("session %s: subprocess %s commit failed: %v", st.ID, sub.Name, err)
			r.appendNote(ctx, eventlog.KindSystemError, sub.Name, err.Error())
		}
	}
	return nil
}
