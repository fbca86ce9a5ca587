package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"cortex/internal/async"
	"cortex/internal/errdefs"
	"cortex/internal/ipc"
	"cortex/internal/logging"
)

// LifecycleState tracks where a worker is in its life.
type LifecycleState string

const (
	StateSpawning  LifecycleState = "spawning"
	StateAlive     LifecycleState = "alive"
	StateInUse     LifecycleState = "in-use"
	StateAvailable LifecycleState = "available"
	StateDead      LifecycleState = "dead"
)

// HealthConfig tunes the liveness watchdog for one worker.
type HealthConfig struct {
	// HeartbeatTimeout is the silence after which the worker is declared
	// dead.
	HeartbeatTimeout time.Duration
	// HeartbeatGrace delays the watchdog after the first alive signal.
	HeartbeatGrace time.Duration
	// KillGrace is the window between graceful and forced termination.
	KillGrace time.Duration
}

func (c *HealthConfig) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 6 * time.Second
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 2 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 500 * time.Millisecond
	}
}

// Process is the supervisor-side handle to one worker OS process. It owns
// the read loop, queues sends until the worker reports alive, fans incoming
// messages out to any number of listeners, and runs the heartbeat watchdog.
type Process struct {
	ID string

	cfg    HealthConfig
	proc   Proc
	logger logging.Logger

	mu            sync.Mutex
	state         LifecycleState
	lastHeartbeat time.Time
	pendingSends  []ipc.Message
	listeners     map[int]func(ipc.Message)
	nextListener  int
	killed        bool

	aliveCh chan struct{}
	deadCh  chan struct{}
	onDeath func(*Process)
}

// NewProcess wraps a freshly spawned proc and starts its read loop. onDeath
// is invoked once, from a background goroutine, when the worker dies without
// a deliberate kill.
func NewProcess(id string, proc Proc, cfg HealthConfig, logger logging.Logger, onDeath func(*Process)) *Process {
	cfg.applyDefaults()
	p := &Process{
		ID:        id,
		cfg:       cfg,
		proc:      proc,
		logger:    logging.OrNop(logger),
		state:     StateSpawning,
		listeners: map[int]func(ipc.Message){},
		aliveCh:   make(chan struct{}),
		deadCh:    make(chan struct{}),
		onDeath:   onDeath,
	}
	async.Go(p.logger, "worker.readLoop", p.readLoop)
	return p
}

// State returns the current lifecycle state.
func (p *Process) State() LifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s LifecycleState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateDead {
		p.state = s
	}
}

// Healthy reports whether the worker can still take work.
func (p *Process) Healthy() bool {
	return p.State() != StateDead
}

// Dead returns a channel closed once the worker is declared dead or killed.
func (p *Process) Dead() <-chan struct{} {
	return p.deadCh
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (p *Process) LastHeartbeat() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeartbeat
}

// WaitAlive blocks until the worker's first alive signal, its death, or ctx.
func (p *Process) WaitAlive(ctx context.Context) error {
	select {
	case <-p.aliveCh:
		return nil
	case <-p.deadCh:
		return fmt.Errorf("worker %s: %w", p.ID, errdefs.ErrWorkerDied)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers a typed message to the worker. Before the worker is
// confirmed alive the send is queued; it is flushed when the alive-wait
// resolves and discarded if the worker is killed first.
func (p *Process) Send(msg ipc.Message) error {
	p.mu.Lock()
	switch p.state {
	case StateDead:
		p.mu.Unlock()
		return fmt.Errorf("send %s to worker %s: %w", msg.Name, p.ID, errdefs.ErrWorkerDied)
	case StateSpawning:
		p.pendingSends = append(p.pendingSends, msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.proc.Send(msg)
}

// OnMessage registers a listener for messages from this worker. Multiple
// concurrent listeners are supported; the returned function unsubscribes.
func (p *Process) OnMessage(fn func(ipc.Message)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Request sends a request-tagged message and waits for its response, racing
// the worker's death and ctx. In-flight requests against a dead worker
// reject with ErrWorkerDied, which callers treat as retryable.
func (p *Process) Request(ctx context.Context, msg ipc.Message) (ipc.Message, error) {
	if msg.RequestID == "" {
		return ipc.Message{}, fmt.Errorf("request %s has no request id", msg.Name)
	}
	respCh := make(chan ipc.Message, 1)
	unsubscribe := p.OnMessage(func(in ipc.Message) {
		if in.ResponseTo == msg.RequestID {
			select {
			case respCh <- in:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := p.Send(msg); err != nil {
		return ipc.Message{}, err
	}
	select {
	case resp := <-respCh:
		return resp, nil
	case <-p.deadCh:
		return ipc.Message{}, fmt.Errorf("request %s to worker %s: %w", msg.Name, p.ID, errdefs.ErrWorkerDied)
	case <-ctx.Done():
		return ipc.Message{}, ctx.Err()
	}
}

// Kill stops the worker deliberately: a graceful kill message, then signal
// escalation once the grace window lapses. No workerDied event is emitted.
func (p *Process) Kill() {
	p.mu.Lock()
	if p.killed || p.state == StateDead {
		p.mu.Unlock()
		return
	}
	p.killed = true
	p.state = StateDead
	p.mu.Unlock()

	if msg, err := ipc.New(ipc.NameKill, nil); err == nil {
		_ = p.proc.Send(msg)
	}
	p.terminate()
	close(p.deadCh)
}

// terminate escalates from SIGTERM to SIGKILL after the grace window.
func (p *Process) terminate() {
	_ = p.proc.Terminate()
	exited := make(chan struct{})
	async.Go(p.logger, "worker.waitExit", func() {
		_ = p.proc.Wait()
		close(exited)
	})
	select {
	case <-exited:
	case <-time.After(p.cfg.KillGrace):
		p.logger.Warn("worker %s did not exit within %v, killing", p.ID, p.cfg.KillGrace)
		_ = p.proc.Kill()
	}
	_ = p.proc.Close()
}

// markDead declares the worker dead on watchdog timeout or stream loss:
// listeners receive a synthesized workerDied event, the OS process is
// terminated with escalation, and in-flight requests reject.
func (p *Process) markDead(reason string) {
	p.mu.Lock()
	if p.killed || p.state == StateDead {
		p.mu.Unlock()
		return
	}
	p.state = StateDead
	p.pendingSends = nil
	p.mu.Unlock()

	p.logger.Warn("worker %s declared dead: %s", p.ID, reason)
	died, err := ipc.New(ipc.NameWorkerDied, ipc.AlivePayload{WorkerID: p.ID})
	if err == nil {
		p.dispatch(died)
	}
	close(p.deadCh)
	p.terminate()

	if p.onDeath != nil {
		p.onDeath(p)
	}
}

func (p *Process) readLoop() {
	for {
		msg, err := p.proc.Recv()
		if err != nil {
			if err != io.EOF {
				p.logger.Debug("worker %s read loop: %v", p.ID, err)
			}
			p.markDead("message stream closed")
			return
		}

		switch msg.Name {
		case ipc.NameAlive:
			p.handleAlive()
		case ipc.NameMemoryUsage:
			p.touchHeartbeat()
			p.dispatch(msg)
		default:
			p.touchHeartbeat()
			p.dispatch(msg)
		}
	}
}

// handleAlive treats the first alive signal as the spawn handshake and every
// subsequent one as a heartbeat.
func (p *Process) handleAlive() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	first := p.state == StateSpawning
	if first {
		p.state = StateAlive
	}
	pending := p.pendingSends
	p.pendingSends = nil
	p.mu.Unlock()

	if !first {
		return
	}
	for _, msg := range pending {
		if err := p.proc.Send(msg); err != nil {
			p.logger.Warn("worker %s: flushing queued %s failed: %v", p.ID, msg.Name, err)
		}
	}
	close(p.aliveCh)
	async.Go(p.logger, "worker.watchdog", p.watchdog)
	p.logger.Debug("worker %s alive", p.ID)
}

func (p *Process) touchHeartbeat() {
	p.mu.Lock()
	p.lastHeartbeat = time.Now()
	p.mu.Unlock()
}

// watchdog starts after the initial grace period and declares the worker
// dead once the heartbeat goes silent for longer than the timeout.
func (p *Process) watchdog() {
	grace := time.NewTimer(p.cfg.HeartbeatGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-p.deadCh:
		return
	}

	interval := p.cfg.HeartbeatTimeout / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(p.LastHeartbeat()) > p.cfg.HeartbeatTimeout {
				p.markDead(fmt.Sprintf("no heartbeat for %v", p.cfg.HeartbeatTimeout))
				return
			}
		case <-p.deadCh:
			return
		}
	}
}

func (p *Process) dispatch(msg ipc.Message) {
	p.mu.Lock()
	listeners := make([]func(ipc.Message), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
}
