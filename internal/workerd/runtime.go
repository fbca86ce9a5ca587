// Package workerd is the runtime that executes inside a worker process. It
// speaks the ipc protocol over its stdio, heartbeats to the supervisor,
// resolves blueprints for the sessions it is handed, and drives the mental
// process engine for one execution at a time per session.
package workerd

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"cortex/internal/async"
	"cortex/internal/engine"
	"cortex/internal/errdefs"
	"cortex/internal/eventlog"
	"cortex/internal/guard"
	"cortex/internal/ipc"
	"cortex/internal/logging"
	"cortex/internal/session"
	"cortex/internal/worker"
)

// Config tunes the worker runtime.
type Config struct {
	// WorkerID identifies this worker in alive messages.
	WorkerID string
	// HeartbeatInterval is the cadence of alive messages after the first.
	HeartbeatInterval time.Duration
	// MemoryReportInterval is the cadence of memoryUsage diagnostics. Zero
	// disables them.
	MemoryReportInterval time.Duration
	// Engine tunes the runners this worker creates.
	Engine engine.Config
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 300 * time.Millisecond
	}
	if c.MemoryReportInterval < 0 {
		c.MemoryReportInterval = 0
	}
}

// Runtime is one worker's message loop and execution state.
type Runtime struct {
	cfg        Config
	conn       worker.Conn
	store      session.Store
	events     eventlog.Log
	blueprints *engine.Registry
	logger     logging.Logger

	mu      sync.Mutex
	secret  string
	active  map[string]*engine.Runner
	pending map[string]chan ipc.Message

	execWG sync.WaitGroup
}

// New builds a worker runtime over conn. The same runtime backs both the
// spawned OS process (conn over stdio) and in-process loopback workers in
// tests.
func New(cfg Config, conn worker.Conn, store session.Store, events eventlog.Log, blueprints *engine.Registry, logger logging.Logger) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		cfg:        cfg,
		conn:       conn,
		store:      store,
		events:     events,
		blueprints: blueprints,
		logger:     logging.OrNop(logger),
		active:     map[string]*engine.Runner{},
		pending:    map[string]chan ipc.Message{},
	}
}

// Run announces liveness, starts the heartbeat, and serves the message loop
// until the stream closes, a kill arrives, or ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.send(ipc.NameAlive, ipc.AlivePayload{WorkerID: r.cfg.WorkerID}); err != nil {
		return fmt.Errorf("announce alive: %w", err)
	}
	async.Go(r.logger, "workerd.heartbeat", func() { r.heartbeat(ctx) })

	for {
		msg, err := r.conn.Recv()
		if err != nil {
			r.abortAll()
			r.execWG.Wait()
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker message loop: %w", err)
		}
		if done := r.handle(ctx, msg); done {
			r.abortAll()
			r.execWG.Wait()
			return nil
		}
	}
}

// handle dispatches one inbound message. The name set is closed; anything
// the supervisor would not send a worker is logged and dropped.
func (r *Runtime) handle(ctx context.Context, msg ipc.Message) (done bool) {
	switch msg.Name {
	case ipc.NameSetSharedSecret:
		var p ipc.SetSharedSecretPayload
		if err := msg.DecodePayload(&p); err != nil {
			r.logger.Warn("setSharedSecret: %v", err)
			return false
		}
		r.mu.Lock()
		r.secret = p.Secret
		r.mu.Unlock()

	case ipc.NameExecuteMainCycle:
		var p ipc.ExecuteMainCyclePayload
		if err := msg.DecodePayload(&p); err != nil {
			r.logger.Warn("executeMainCycle: %v", err)
			return false
		}
		r.execWG.Add(1)
		async.Go(r.logger, "workerd.mainCycle", func() {
			defer r.execWG.Done()
			r.runMainCycle(ctx, p.SessionID)
		})

	case ipc.NameExecuteSubprocesses:
		var p ipc.ExecuteSubprocessesPayload
		if err := msg.DecodePayload(&p); err != nil {
			r.logger.Warn("executeSubprocesses: %v", err)
			return false
		}
		r.execWG.Add(1)
		async.Go(r.logger, "workerd.subprocesses", func() {
			defer r.execWG.Done()
			r.runSubprocesses(ctx, p.SessionID, p.InvocationCount)
		})

	case ipc.NameAbort:
		var p ipc.AbortPayload
		if err := msg.DecodePayload(&p); err != nil {
			r.logger.Warn("abort: %v", err)
			return false
		}
		r.abortSession(p.SessionID)

	case ipc.NameScheduleEventResp, ipc.NameCancelScheduledEvent:
		r.resolvePending(msg)

	case ipc.NameKill:
		r.logger.Info("worker %s: kill received, shutting down", r.cfg.WorkerID)
		return true

	default:
		r.logger.Warn("worker %s: unexpected message %q", r.cfg.WorkerID, msg.Name)
	}
	return false
}

// runMainCycle executes one main cycle for the session and reports the
// outcome back to the supervisor.
func (r *Runtime) runMainCycle(ctx context.Context, sessionID string) {
	runner, release, err := r.runnerFor(ctx, sessionID)
	if err != nil {
		r.reportError(sessionID, err)
		return
	}
	defer release()

	if err := runner.ExecuteMainCycle(ctx); err != nil {
		r.reportError(sessionID, err)
		return
	}
	if err := r.send(ipc.NameComplete, ipc.CompletePayload{SessionID: sessionID}); err != nil {
		r.logger.Warn("session %s: reporting completion: %v", sessionID, err)
	}
}

// runSubprocesses runs the blueprint's subprocess set under the invocation
// count the supervisor observed when the owning cycle completed.
func (r *Runtime) runSubprocesses(ctx context.Context, sessionID string, invocationCount int) {
	runner, release, err := r.runnerFor(ctx, sessionID)
	if err != nil {
		r.reportError(sessionID, err)
		return
	}
	defer release()

	if err := runner.ExecuteSubprocesses(ctx, invocationCount); err != nil {
		r.reportError(sessionID, err)
		return
	}
	if err := r.send(ipc.NameComplete, ipc.CompletePayload{SessionID: sessionID}); err != nil {
		r.logger.Warn("session %s: reporting completion: %v", sessionID, err)
	}
}

// runnerFor opens the session document, resolves its blueprint, and
// registers a fresh runner so abort messages can reach it.
func (r *Runtime) runnerFor(ctx context.Context, sessionID string) (*engine.Runner, func(), error) {
	doc, err := r.store.Open(ctx, sessionID, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}
	st, err := doc.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	bp, ok := r.blueprints.Get(st.Attributes.Blueprint)
	if !ok {
		return nil, nil, fmt.Errorf("session %s: blueprint %q not registered", sessionID, st.Attributes.Blueprint)
	}

	scheduler := &ipcScheduler{rt: r, sessionID: sessionID}
	runner, err := engine.NewRunner(bp, doc, r.events, scheduler, guard.NewSignal(), r.logger, r.cfg.Engine)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	r.active[sessionID] = runner
	r.mu.Unlock()
	release := func() {
		r.mu.Lock()
		if r.active[sessionID] == runner {
			delete(r.active, sessionID)
		}
		r.mu.Unlock()
	}
	return runner, release, nil
}

// sharedSecret returns the credential the supervisor injected at spawn. Empty
// until the setSharedSecret message arrives.
func (r *Runtime) sharedSecret() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.secret
}

func (r *Runtime) abortSession(sessionID string) {
	r.mu.Lock()
	runner := r.active[sessionID]
	r.mu.Unlock()
	if runner != nil {
		runner.Abort()
	}
}

func (r *Runtime) abortAll() {
	r.mu.Lock()
	runners := make([]*engine.Runner, 0, len(r.active))
	for _, runner := range r.active {
		runners = append(runners, runner)
	}
	r.mu.Unlock()
	for _, runner := range runners {
		runner.Abort()
	}
}

func (r *Runtime) reportError(sessionID string, execErr error) {
	payload := ipc.ErrorPayload{
		SessionID: sessionID,
		Error:     execErr.Error(),
		Canceled:  errdefs.IsCancellation(execErr),
	}
	if err := r.send(ipc.NameError, payload); err != nil {
		r.logger.Warn("session %s: reporting error: %v", sessionID, err)
	}
}

// heartbeat repeats the alive message on a fixed cadence and interleaves
// memory diagnostics when configured.
func (r *Runtime) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var memTicker <-chan time.Time
	if r.cfg.MemoryReportInterval > 0 {
		t := time.NewTicker(r.cfg.MemoryReportInterval)
		defer t.Stop()
		memTicker = t.C
	}

	for {
		select {
		case <-ticker.C:
			if err := r.send(ipc.NameAlive, ipc.AlivePayload{WorkerID: r.cfg.WorkerID}); err != nil {
				r.logger.Debug("heartbeat: %v", err)
				return
			}
		case <-memTicker:
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			_ = r.send(ipc.NameMemoryUsage, ipc.MemoryUsagePayload{
				HeapBytes:  stats.HeapAlloc,
				Goroutines: runtime.NumGoroutine(),
			})
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) send(name ipc.Name, payload any) error {
	msg, err := ipc.New(name, payload)
	if err != nil {
		return err
	}
	return r.conn.Send(msg)
}

// request sends a request-tagged message and waits for the correlated
// response, racing ctx.
func (r *Runtime) request(ctx context.Context, name ipc.Name, payload any) (ipc.Message, error) {
	msg, err := ipc.NewRequest(name, payload)
	if err != nil {
		return ipc.Message{}, err
	}
	ch := make(chan ipc.Message, 1)
	r.mu.Lock()
	r.pending[msg.RequestID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.RequestID)
		r.mu.Unlock()
	}()

	if err := r.conn.Send(msg); err != nil {
		return ipc.Message{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return ipc.Message{}, ctx.Err()
	}
}

func (r *Runtime) resolvePending(msg ipc.Message) {
	if msg.ResponseTo == "" {
		r.logger.Warn("response %s without correlation id", msg.Name)
		return
	}
	r.mu.Lock()
	ch := r.pending[msg.ResponseTo]
	r.mu.Unlock()
	if ch == nil {
		r.logger.Debug("response %s for unknown request %s", msg.Name, msg.ResponseTo)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// ipcScheduler satisfies the engine's scheduling surface by relaying to the
// supervisor over the message stream.
type ipcScheduler struct {
	rt        *Runtime
	sessionID string
}

func (s *ipcScheduler) ScheduleEvent(ctx context.Context, ev session.ScheduledEvent) (string, error) {
	resp, err := s.rt.request(ctx, ipc.NameScheduleEvent, ipc.ScheduleEventPayload{
		SessionID: s.sessionID,
		Event:     ev,
		Secret:    s.rt.sharedSecret(),
	})
	if err != nil {
		return "", fmt.Errorf("schedule event: %w", err)
	}
	var p ipc.ScheduleEventResponsePayload
	if err := resp.DecodePayload(&p); err != nil {
		return "", err
	}
	if p.Error != "" {
		return "", fmt.Errorf("schedule event rejected: %s", p.Error)
	}
	return p.JobID, nil
}

func (s *ipcScheduler) CancelScheduledEvent(ctx context.Context, jobID string) error {
	resp, err := s.rt.request(ctx, ipc.NameCancelScheduledEvent, ipc.CancelScheduledEventPayload{
		JobID:  jobID,
		Secret: s.rt.sharedSecret(),
	})
	if err != nil {
		return fmt.Errorf("cancel scheduled event %s: %w", jobID, err)
	}
	var ack ipc.CancelScheduledEventAckPayload
	if len(resp.Payload) > 0 {
		if err := resp.DecodePayload(&ack); err != nil {
			return err
		}
	}
	if ack.Error != "" {
		return fmt.Errorf("cancel scheduled event %s rejected: %s", jobID, ack.Error)
	}
	return nil
}
