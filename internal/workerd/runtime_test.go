package workerd

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"cortex/internal/engine"
	"cortex/internal/eventlog"
	"cortex/internal/ipc"
	"cortex/internal/logging"
	"cortex/internal/session"
	"cortex/internal/worker"
)

// harness runs a Runtime over in-memory pipes with the test acting as the
// supervisor end of the stream.
type harness struct {
	t      *testing.T
	sup    worker.Conn
	store  *session.MemoryStore
	events *eventlog.MemoryLog
	runErr chan error
}

func newHarness(t *testing.T, bp *engine.Blueprint) *harness {
	t.Helper()

	store := session.NewMemoryStore()
	events := eventlog.NewMemoryLog()
	registry := engine.NewRegistry()
	if err := registry.Register(bp); err != nil {
		t.Fatalf("register blueprint: %v", err)
	}

	supR, workerW := io.Pipe()
	workerR, supW := io.Pipe()
	rt := New(Config{
		WorkerID:          "w1",
		HeartbeatInterval: 20 * time.Millisecond,
	}, worker.NewPipeConn(workerR, workerW, nil), store, events, registry, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()
	t.Cleanup(func() {
		_ = supW.Close()
		select {
		case <-runErr:
		case <-time.After(2 * time.Second):
			t.Error("runtime never stopped")
		}
		cancel()
		_ = supR.Close()
	})

	return &harness{
		t:      t,
		sup:    worker.NewPipeConn(supR, supW, nil),
		store:  store,
		events: events,
		runErr: runErr,
	}
}

func (h *harness) seed(id, blueprint, entry string) {
	h.t.Helper()
	_, err := h.store.Open(context.Background(), id, session.NewState(id, session.Attributes{
		Name:         "test subroutine",
		EntryProcess: entry,
		Blueprint:    blueprint,
	}))
	if err != nil {
		h.t.Fatalf("seed session %s: %v", id, err)
	}
}

func (h *harness) addPerception(id, content string) {
	h.t.Helper()
	err := h.events.AddEvent(context.Background(), eventlog.Event{
		SessionID: id,
		Kind:      eventlog.KindPerception,
		Perception: &session.Perception{
			Actor: "user", Action: "said", Content: content, Pending: true,
		},
	})
	if err != nil {
		h.t.Fatalf("add perception: %v", err)
	}
}

func (h *harness) send(name ipc.Name, payload any) {
	h.t.Helper()
	msg, err := ipc.New(name, payload)
	if err != nil {
		h.t.Fatalf("build %s: %v", name, err)
	}
	if err := h.sup.Send(msg); err != nil {
		h.t.Fatalf("send %s: %v", name, err)
	}
}

// recv returns the next non-heartbeat message.
func (h *harness) recv() ipc.Message {
	h.t.Helper()
	for {
		msg, err := h.sup.Recv()
		if err != nil {
			h.t.Fatalf("supervisor recv: %v", err)
		}
		if msg.Name == ipc.NameAlive || msg.Name == ipc.NameMemoryUsage {
			continue
		}
		return msg
	}
}

func (h *harness) state(id string) *session.State {
	h.t.Helper()
	doc, err := h.store.Open(context.Background(), id, nil)
	if err != nil {
		h.t.Fatalf("open session %s: %v", id, err)
	}
	st, err := doc.Get(context.Background())
	if err != nil {
		h.t.Fatalf("load session %s: %v", id, err)
	}
	return st
}

func echoBlueprint() *engine.Blueprint {
	return &engine.Blueprint{
		Name:         "echo",
		EntryProcess: "respond",
		Processes: map[string]engine.MentalProcess{
			"respond": func(ctx context.Context, step *engine.Step) (any, error) {
				return step.Memory.Append(session.Memory{Role: "assistant", Content: "reply"}), nil
			},
		},
	}
}

func TestRunAnnouncesAliveThenHeartbeats(t *testing.T) {
	h := newHarness(t, echoBlueprint())

	for i := 0; i < 2; i++ {
		msg, err := h.sup.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if msg.Name != ipc.NameAlive {
			t.Fatalf("message %d = %s, want alive", i, msg.Name)
		}
		var p ipc.AlivePayload
		if err := msg.DecodePayload(&p); err != nil {
			t.Fatalf("decode alive: %v", err)
		}
		if p.WorkerID != "w1" {
			t.Fatalf("worker id = %q", p.WorkerID)
		}
	}
}

func TestExecuteMainCycleReportsComplete(t *testing.T) {
	h := newHarness(t, echoBlueprint())
	h.seed("s1", "echo", "respond")
	h.addPerception("s1", "hello")

	h.send(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: "s1"})

	msg := h.recv()
	if msg.Name != ipc.NameComplete {
		t.Fatalf("got %s, want complete", msg.Name)
	}
	var p ipc.CompletePayload
	if err := msg.DecodePayload(&p); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if p.SessionID != "s1" {
		t.Fatalf("session = %q", p.SessionID)
	}

	st := h.state("s1")
	if st.GlobalInvocationCount != 1 {
		t.Fatalf("invocation count = %d, want 1", st.GlobalInvocationCount)
	}
	if len(st.Memories) == 0 || st.Memories[len(st.Memories)-1].Content != "reply" {
		t.Fatalf("memory not committed: %+v", st.Memories)
	}
}

func TestUnknownBlueprintReportsError(t *testing.T) {
	h := newHarness(t, echoBlueprint())
	h.seed("s2", "missing", "respond")

	h.send(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: "s2"})

	msg := h.recv()
	if msg.Name != ipc.NameError {
		t.Fatalf("got %s, want error", msg.Name)
	}
	var p ipc.ErrorPayload
	if err := msg.DecodePayload(&p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.SessionID != "s2" || p.Canceled {
		t.Fatalf("error payload = %+v", p)
	}
	if !strings.Contains(p.Error, "blueprint") {
		t.Fatalf("error text = %q", p.Error)
	}
}

func TestAbortUnwindsWithoutCommitting(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	bp := &engine.Blueprint{
		Name:         "echo",
		EntryProcess: "respond",
		Processes: map[string]engine.MentalProcess{
			"respond": func(ctx context.Context, step *engine.Step) (any, error) {
				close(started)
				return engine.Await(ctx, step, func() (engine.WorkingMemory, error) {
					<-release
					return step.Memory.Append(session.Memory{Role: "assistant", Content: "late"}), nil
				})
			},
		},
	}
	h := newHarness(t, bp)
	h.seed("s1", "echo", "respond")
	h.addPerception("s1", "hello")

	h.send(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: "s1"})
	<-started
	h.send(ipc.NameAbort, ipc.AbortPayload{SessionID: "s1"})
	time.Sleep(20 * time.Millisecond)
	close(release)

	msg := h.recv()
	if msg.Name != ipc.NameComplete {
		t.Fatalf("got %s, want complete (benign cancellation)", msg.Name)
	}
	st := h.state("s1")
	for _, m := range st.Memories {
		if m.Content == "late" {
			t.Fatal("aborted cycle committed its memory")
		}
	}
}

func TestScheduleEventRoundTrip(t *testing.T) {
	bp := &engine.Blueprint{
		Name:         "echo",
		EntryProcess: "respond",
		Processes: map[string]engine.MentalProcess{
			"respond": func(ctx context.Context, step *engine.Step) (any, error) {
				_, err := step.ScheduleEvent(ctx, session.Perception{
					Actor: "system", Action: "reminded", Content: "check in",
				}, "", time.Now().Add(time.Hour))
				if err != nil {
					return nil, err
				}
				return step.Memory, nil
			},
		},
	}
	h := newHarness(t, bp)
	h.seed("s1", "echo", "respond")
	h.addPerception("s1", "hello")

	h.send(ipc.NameSetSharedSecret, ipc.SetSharedSecretPayload{Secret: "s3cret"})
	h.send(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: "s1"})

	req := h.recv()
	if req.Name != ipc.NameScheduleEvent {
		t.Fatalf("got %s, want scheduleEvent", req.Name)
	}
	if req.RequestID == "" {
		t.Fatal("scheduleEvent carried no request id")
	}
	var sp ipc.ScheduleEventPayload
	if err := req.DecodePayload(&sp); err != nil {
		t.Fatalf("decode scheduleEvent: %v", err)
	}
	if sp.SessionID != "s1" || sp.Event.Perception.Content != "check in" {
		t.Fatalf("schedule payload = %+v", sp)
	}
	if sp.Secret != "s3cret" {
		t.Fatalf("schedule request secret = %q, want the injected one", sp.Secret)
	}
	resp, err := ipc.NewResponse(ipc.NameScheduleEventResp, req, ipc.ScheduleEventResponsePayload{JobID: "job-7"})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	if err := h.sup.Send(resp); err != nil {
		t.Fatalf("send response: %v", err)
	}

	if msg := h.recv(); msg.Name != ipc.NameComplete {
		t.Fatalf("got %s, want complete", msg.Name)
	}
	st := h.state("s1")
	if _, ok := st.PendingScheduledEvents["job-7"]; !ok {
		t.Fatalf("pending events = %+v, want job-7", st.PendingScheduledEvents)
	}
}

func TestExecuteSubprocessesRunsAtMatchingInvocation(t *testing.T) {
	bp := echoBlueprint()
	bp.Subprocesses = []engine.Subprocess{{
		Name: "observe",
		Run: func(ctx context.Context, step *engine.Step) (any, error) {
			return step.Memory.Append(session.Memory{Role: "assistant", Content: "observed"}), nil
		},
	}}
	h := newHarness(t, bp)
	h.seed("s1", "echo", "respond")

	h.send(ipc.NameExecuteSubprocesses, ipc.ExecuteSubprocessesPayload{SessionID: "s1", InvocationCount: 0})
	if msg := h.recv(); msg.Name != ipc.NameComplete {
		t.Fatalf("got %s, want complete", msg.Name)
	}
	st := h.state("s1")
	if len(st.Memories) != 1 || st.Memories[0].Content != "observed" {
		t.Fatalf("memories = %+v", st.Memories)
	}

	// A stale invocation count is a quiet no-op.
	h.send(ipc.NameExecuteSubprocesses, ipc.ExecuteSubprocessesPayload{SessionID: "s1", InvocationCount: 5})
	if msg := h.recv(); msg.Name != ipc.NameComplete {
		t.Fatalf("got %s, want complete", msg.Name)
	}
	if st := h.state("s1"); len(st.Memories) != 1 {
		t.Fatalf("stale run committed: %+v", st.Memories)
	}
}

func TestKillStopsTheLoop(t *testing.T) {
	h := newHarness(t, echoBlueprint())

	h.send(ipc.NameKill, nil)
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
		h.runErr <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("runtime ignored kill")
	}
}
