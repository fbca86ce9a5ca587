package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cortex/internal/errdefs"
	"cortex/internal/ipc"
	"cortex/internal/logging"
)

// fakeProc is an in-memory stand-in for a worker OS process.
type fakeProc struct {
	mu   sync.Mutex
	sent []ipc.Message

	inbound chan ipc.Message
	exited  chan struct{}
	once    sync.Once

	terminated bool
	killed     bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		inbound: make(chan ipc.Message, 64),
		exited:  make(chan struct{}),
	}
}

// emit delivers a worker-originated message to the supervisor side.
func (p *fakeProc) emit(t *testing.T, name ipc.Name, payload any) {
	t.Helper()
	msg, err := ipc.New(name, payload)
	if err != nil {
		t.Fatalf("emit %s: %v", name, err)
	}
	p.inbound <- msg
}

func (p *fakeProc) emitResponse(t *testing.T, name ipc.Name, req ipc.Message, payload any) {
	t.Helper()
	msg, err := ipc.NewResponse(name, req, payload)
	if err != nil {
		t.Errorf("emit response %s: %v", name, err)
		return
	}
	p.inbound <- msg
}

func (p *fakeProc) Send(msg ipc.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakeProc) sentNames() []ipc.Name {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ipc.Name, len(p.sent))
	for i, m := range p.sent {
		out[i] = m.Name
	}
	return out
}

func (p *fakeProc) Recv() (ipc.Message, error) {
	select {
	case msg := <-p.inbound:
		return msg, nil
	case <-p.exited:
		return ipc.Message{}, io.EOF
	}
}

func (p *fakeProc) Close() error { return nil }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.exited) })
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.exited) })
	return nil
}

func (p *fakeProc) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProc) PID() int { return 1234 }

func fastHealth() HealthConfig {
	return HealthConfig{
		HeartbeatTimeout: 60 * time.Millisecond,
		HeartbeatGrace:   20 * time.Millisecond,
		KillGrace:        10 * time.Millisecond,
	}
}

func waitAlive(t *testing.T, p *Process) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.WaitAlive(ctx); err != nil {
		t.Fatalf("WaitAlive: %v", err)
	}
}

func TestFirstAliveCompletesHandshakeAndFlushesQueuedSends(t *testing.T) {
	fake := newFakeProc()
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), nil)
	defer p.Kill()

	msg, _ := ipc.New(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: "s1"})
	if err := p.Send(msg); err != nil {
		t.Fatalf("Send before alive: %v", err)
	}
	if got := fake.sentNames(); len(got) != 0 {
		t.Fatalf("pre-alive send reached the process: %v", got)
	}

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if names := fake.sentNames(); len(names) == 1 && names[0] == ipc.NameExecuteMainCycle {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("queued send never flushed: %v", fake.sentNames())
}

func TestHeartbeatSilenceDeclaresDeath(t *testing.T) {
	fake := newFakeProc()
	var deathMu sync.Mutex
	died := false
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), func(*Process) {
		deathMu.Lock()
		died = true
		deathMu.Unlock()
	})

	var listenerMu sync.Mutex
	var seen []ipc.Name
	p.OnMessage(func(msg ipc.Message) {
		listenerMu.Lock()
		seen = append(seen, msg.Name)
		listenerMu.Unlock()
	})

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)

	// Stop heartbeating entirely; the watchdog must notice.
	select {
	case <-p.Dead():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never declared dead")
	}

	msg, _ := ipc.New(ipc.NameAbort, ipc.AbortPayload{SessionID: "s1"})
	if err := p.Send(msg); !errors.Is(err, errdefs.ErrWorkerDied) {
		t.Fatalf("Send after death = %v, want ErrWorkerDied", err)
	}

	listenerMu.Lock()
	sawDied := false
	for _, name := range seen {
		if name == ipc.NameWorkerDied {
			sawDied = true
		}
	}
	listenerMu.Unlock()
	if !sawDied {
		t.Fatal("listeners never saw the synthesized workerDied event")
	}
	deathMu.Lock()
	defer deathMu.Unlock()
	if !died {
		t.Fatal("onDeath callback never ran")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.terminated && !fake.killed {
		t.Fatal("dead worker's OS process was not terminated")
	}
}

func TestSteadyHeartbeatKeepsWorkerAlive(t *testing.T) {
	fake := newFakeProc()
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), nil)
	defer p.Kill()

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
			case <-stop:
				return
			}
		}
	}()

	select {
	case <-p.Dead():
		t.Fatal("heartbeating worker declared dead")
	case <-time.After(200 * time.Millisecond):
	}
	close(stop)
}

func TestRequestCorrelatesResponse(t *testing.T) {
	fake := newFakeProc()
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), nil)
	defer p.Kill()

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)

	req, err := ipc.NewRequest(ipc.NameScheduleEvent, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	go fake.emitResponse(t, ipc.NameScheduleEventResp, req, ipc.ScheduleEventResponsePayload{JobID: "j1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := p.Request(ctx, req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var payload ipc.ScheduleEventResponsePayload
	if err := resp.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.JobID != "j1" {
		t.Fatalf("JobID = %q, want j1", payload.JobID)
	}
}

func TestRequestFailsWhenWorkerDies(t *testing.T) {
	fake := newFakeProc()
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), nil)

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)

	req, _ := ipc.NewRequest(ipc.NameScheduleEvent, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// No heartbeats, no response: the watchdog fires first.
	_, err := p.Request(ctx, req)
	if !errors.Is(err, errdefs.ErrWorkerDied) {
		t.Fatalf("Request on dying worker = %v, want ErrWorkerDied", err)
	}
}

func TestDeliberateKillEmitsNoDeathEvent(t *testing.T) {
	fake := newFakeProc()
	died := make(chan struct{}, 1)
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), func(*Process) {
		died <- struct{}{}
	})

	var listenerMu sync.Mutex
	sawDied := false
	p.OnMessage(func(msg ipc.Message) {
		if msg.Name == ipc.NameWorkerDied {
			listenerMu.Lock()
			sawDied = true
			listenerMu.Unlock()
		}
	})

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)
	p.Kill()

	select {
	case <-p.Dead():
	case <-time.After(time.Second):
		t.Fatal("Kill never closed the dead channel")
	}
	time.Sleep(30 * time.Millisecond)

	select {
	case <-died:
		t.Fatal("deliberate kill invoked the death callback")
	default:
	}
	listenerMu.Lock()
	defer listenerMu.Unlock()
	if sawDied {
		t.Fatal("deliberate kill synthesized a workerDied event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fake := newFakeProc()
	p := NewProcess("w1", fake, fastHealth(), logging.Nop(), nil)
	defer p.Kill()

	fake.emit(t, ipc.NameAlive, ipc.AlivePayload{WorkerID: "w1"})
	waitAlive(t, p)

	got := make(chan ipc.Name, 8)
	unsubscribe := p.OnMessage(func(msg ipc.Message) { got <- msg.Name })

	fake.emit(t, ipc.NameComplete, ipc.CompletePayload{SessionID: "s1"})
	select {
	case name := <-got:
		if name != ipc.NameComplete {
			t.Fatalf("listener saw %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("listener never saw the message")
	}

	unsubscribe()
	fake.emit(t, ipc.NameComplete, ipc.CompletePayload{SessionID: "s1"})
	time.Sleep(30 * time.Millisecond)
	select {
	case name := <-got:
		t.Fatalf("unsubscribed listener saw %s", name)
	default:
	}
}
