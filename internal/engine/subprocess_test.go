package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/eventlog"
	"cortex/internal/session"
)

func TestSubprocessesRunInDeclaredOrder(t *testing.T) {
	f := newFixture(t, "respond")
	var order []string
	bp := echoBlueprint()
	bp.Subprocesses = []Subprocess{
		{Name: "summarize", Run: func(ctx context.Context, step *Step) (any, error) {
			order = append(order, "summarize")
			return step.Memory.Append(session.Memory{Role: "assistant", Content: "summary", Region: "notes"}), nil
		}},
		{Name: "archive", Run: func(ctx context.Context, step *Step) (any, error) {
			order = append(order, "archive")
			return step.Memory, nil
		}},
	}
	r := f.runner(t, bp, Config{})

	require.NoError(t, r.ExecuteSubprocesses(context.Background(), 0))
	assert.Equal(t, []string{"summarize", "archive"}, order)

	st := f.state(t)
	require.Len(t, st.Commits, 2)
	assert.True(t, st.Commits[0].Subprocess)
	assert.Equal(t, "summarize", st.Commits[0].Process)
	assert.Equal(t, 0, st.GlobalInvocationCount, "subprocess cycles never bump the global count")
}

func TestSubprocessesSkipWhenInvocationMovedOn(t *testing.T) {
	f := newFixture(t, "respond")
	ran := false
	bp := echoBlueprint()
	bp.Subprocesses = []Subprocess{
		{Name: "summarize", Run: func(ctx context.Context, step *Step) (any, error) {
			ran = true
			return step.Memory, nil
		}},
	}
	r := f.runner(t, bp, Config{})

	// The caller observed count 3 but the session has since moved on.
	require.NoError(t, r.ExecuteSubprocesses(context.Background(), 3))
	assert.False(t, ran, "a stale subprocess pass must be a no-op")
	assert.Empty(t, f.state(t).Commits)
}

func TestSubprocessErrorDoesNotAbortRemainder(t *testing.T) {
	f := newFixture(t, "respond")
	secondRan := false
	bp := echoBlueprint()
	bp.Subprocesses = []Subprocess{
		{Name: "broken", Run: func(ctx context.Context, step *Step) (any, error) {
			return nil, errors.New("summarizer offline")
		}},
		{Name: "archive", Run: func(ctx context.Context, step *Step) (any, error) {
			secondRan = true
			return step.Memory, nil
		}},
	}
	r := f.runner(t, bp, Config{})

	require.NoError(t, r.ExecuteSubprocesses(context.Background(), 0))
	assert.True(t, secondRan, "one failing subprocess must not starve the rest")

	evt := f.noteOfKind(eventlog.KindSystemError)
	require.NotNil(t, evt)
	assert.Equal(t, "broken", evt.Process)
}

func TestSubprocessTransitionIsIgnored(t *testing.T) {
	f := newFixture(t, "respond")
	bp := echoBlueprint()
	bp.Subprocesses = []Subprocess{
		{Name: "ambitious", Run: func(ctx context.Context, step *Step) (any, error) {
			return Transition{
				Memory: step.Memory.Append(session.Memory{Role: "assistant", Content: "note"}),
				Next:   "respond",
			}, nil
		}},
	}
	r := f.runner(t, bp, Config{})

	require.NoError(t, r.ExecuteSubprocesses(context.Background(), 0))

	st := f.state(t)
	assert.Equal(t, "respond", st.CurrentProcess, "subprocesses cannot transition the session")
	require.Len(t, st.Commits, 1, "its memory contribution still lands")
	assert.Equal(t, "note", st.Commits[0].Memories[len(st.Commits[0].Memories)-1].Content)
}

func TestSubprocessAbortStopsRemainder(t *testing.T) {
	f := newFixture(t, "respond")
	var r *Runner
	secondRan := false
	bp := echoBlueprint()
	bp.Subprocesses = []Subprocess{
		{Name: "first", Run: func(ctx context.Context, step *Step) (any, error) {
			r.Abort()
			return step.Memory, nil
		}},
		{Name: "second", Run: func(ctx context.Context, step *Step) (any, error) {
			secondRan = true
			return step.Memory, nil
		}},
	}
	r = f.runner(t, bp, Config{})

	require.NoError(t, r.ExecuteSubprocesses(context.Background(), 0))
	assert.False(t, secondRan, "an abort cancels the remaining subprocesses")
	assert.Empty(t, f.state(t).Commits)
}
