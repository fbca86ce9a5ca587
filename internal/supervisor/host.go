// Package supervisor is the host half of the runtime: it owns the scheduler,
// the worker pool, and the session store, dispatches perceptions as
// serialized per-session jobs, relays scheduling requests from workers, and
// exposes session revert.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"cortex/internal/config"
	"cortex/internal/errdefs"
	"cortex/internal/eventlog"
	"cortex/internal/ipc"
	"cortex/internal/logging"
	"cortex/internal/observability"
	"cortex/internal/scheduler"
	"cortex/internal/session"
	"cortex/internal/worker"
)

// Task names registered with the scheduler.
const (
	TaskMainCycle      = "session.mainCycle"
	TaskSubprocesses   = "session.subprocesses"
	TaskScheduledEvent = "session.scheduledEvent"
)

// mainQueue serializes a session's main cycles and scheduled events.
func mainQueue(sessionID string) string { return "session:" + sessionID + ":main" }

// subQueue serializes a session's subprocess passes without blocking its
// main cycles.
func subQueue(sessionID string) string { return "session:" + sessionID + ":sub" }

type mainCyclePayload struct {
	SessionID string
}

type subprocessPayload struct {
	SessionID       string
	InvocationCount int
}

// Host wires the supervisor-side components together.
type Host struct {
	cfg     config.RuntimeConfig
	sched   *scheduler.Scheduler
	pool    *worker.Pool
	store   session.Store
	events  eventlog.Log
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider

	// SupersedeInFlight, when set, aborts any in-flight cycle for a session
	// as soon as a newer perception arrives, instead of letting it finish.
	SupersedeInFlight bool
}

// New builds a host. The pool's OnWorkerStarted hook is claimed to service
// worker-originated scheduling requests. A nil tracer disables tracing.
func New(cfg config.RuntimeConfig, sched *scheduler.Scheduler, pool *worker.Pool, store session.Store, events eventlog.Log, logger logging.Logger, metrics *observability.MetricsCollector, tracer *observability.TracerProvider) *Host {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	if tracer == nil {
		tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	h := &Host{
		cfg:     cfg,
		sched:   sched,
		pool:    pool,
		store:   store,
		events:  events,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		tracer:  tracer,
	}
	sched.Register(TaskMainCycle, h.runMainCycleJob)
	sched.Register(TaskSubprocesses, h.runSubprocessJob)
	sched.Register(TaskScheduledEvent, h.runScheduledEventJob)
	pool.OnWorkerStarted = h.attachWorker
	return h
}

// Start warms the pool and starts the scheduler.
func (h *Host) Start(ctx context.Context) error {
	if err := h.pool.Start(ctx); err != nil {
		return err
	}
	h.sched.Run()
	return nil
}

// Stop drains the scheduler then the pool.
func (h *Host) Stop(ctx context.Context) error {
	h.sched.Stop()
	return h.pool.DrainWorkerPool(ctx)
}

// EnsureSession opens the session, creating it from attrs when absent.
func (h *Host) EnsureSession(ctx context.Context, id string, attrs session.Attributes) error {
	seed := session.NewState(id, attrs)
	if _, err := h.store.Open(ctx, id, seed); err != nil {
		return fmt.Errorf("ensure session %s: %w", id, err)
	}
	return nil
}

// DispatchPerception appends the perception to the session's event stream
// and enqueues a main cycle on the session's queue. Each perception gets its
// own cycle; cycles for one session never overlap.
func (h *Host) DispatchPerception(ctx context.Context, sessionID string, p session.Perception) (string, error) {
	p.Pending = true
	if p.At.IsZero() {
		p.At = time.Now()
	}
	evt := eventlog.Event{
		SessionID:  sessionID,
		Kind:       eventlog.KindPerception,
		Perception: &p,
		At:         p.At,
	}
	if err := h.events.AddEvent(ctx, evt); err != nil {
		return "", fmt.Errorf("append perception: %w", err)
	}

	if h.SupersedeInFlight {
		h.abortSession(sessionID)
	}

	jobID, err := h.sched.AddJob(TaskMainCycle, mainCyclePayload{SessionID: sessionID}, scheduler.Options{
		QueueName:   mainQueue(sessionID),
		MaxAttempts: h.cfg.Engine.MainCycleAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue main cycle: %w", err)
	}
	return jobID, nil
}

// abortSession broadcasts an abort for the session to every worker; only the
// one holding an in-flight runner for it reacts.
func (h *Host) abortSession(sessionID string) {
	msg, err := ipc.New(ipc.NameAbort, ipc.AbortPayload{SessionID: sessionID})
	if err != nil {
		return
	}
	h.pool.Broadcast(msg)
}

// runMainCycleJob executes one main cycle on a pooled worker. A worker death
// mid-cycle surfaces as a retryable error so the job's attempt budget covers
// it; the optimistic guard makes the re-run safe.
func (h *Host) runMainCycleJob(ctx context.Context, job scheduler.Job) error {
	payload, ok := job.Payload.(mainCyclePayload)
	if !ok {
		return fmt.Errorf("main cycle job %s: bad payload %T", job.ID, job.Payload)
	}
	ctx = observability.ContextWithSessionID(ctx, payload.SessionID)
	ctx, span := h.tracer.StartSpan(ctx, observability.SpanMainCycle)
	defer span.End()
	started := time.Now()

	msg, err := ipc.New(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: payload.SessionID})
	if err != nil {
		return err
	}
	if err := h.runOnWorker(ctx, payload.SessionID, msg); err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return err
	}
	h.metrics.RecordCycleLatency(ctx, time.Since(started))

	// The subprocess pass runs after the cycle, keyed to the invocation
	// count observed now so a stale pass no-ops.
	doc, err := h.store.Open(ctx, payload.SessionID, nil)
	if err != nil {
		return nil
	}
	st, err := doc.Get(ctx)
	if err != nil {
		return nil
	}
	_, err = h.sched.AddJob(TaskSubprocesses, subprocessPayload{
		SessionID:       payload.SessionID,
		InvocationCount: st.GlobalInvocationCount,
	}, scheduler.Options{QueueName: subQueue(payload.SessionID), MaxAttempts: 1})
	if err != nil {
		h.logger.Warn("session %s: enqueue subprocess pass: %v", payload.SessionID, err)
	}
	return nil
}

func (h *Host) runSubprocessJob(ctx context.Context, job scheduler.Job) error {
	payload, ok := job.Payload.(subprocessPayload)
	if !ok {
		return fmt.Errorf("subprocess job %s: bad payload %T", job.ID, job.Payload)
	}
	ctx = observability.ContextWithSessionID(ctx, payload.SessionID)
	ctx, span := h.tracer.StartSpan(ctx, observability.SpanSubprocesses)
	defer span.End()
	msg, err := ipc.New(ipc.NameExecuteSubprocesses, ipc.ExecuteSubprocessesPayload{
		SessionID:       payload.SessionID,
		InvocationCount: payload.InvocationCount,
	})
	if err != nil {
		return err
	}
	if err := h.runOnWorker(ctx, payload.SessionID, msg); err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return err
	}
	return nil
}

// runScheduledEventJob fires a worker-scheduled cognitive event: the pending
// marker is cleared, the event's perception joins the stream (tagged with
// its target process when one was named), and a main cycle runs immediately.
func (h *Host) runScheduledEventJob(ctx context.Context, job scheduler.Job) error {
	ev, ok := job.Payload.(session.ScheduledEvent)
	if !ok {
		return fmt.Errorf("scheduled event job %s: bad payload %T", job.ID, job.Payload)
	}
	ctx = observability.ContextWithSessionID(ctx, ev.SessionID)
	ctx, span := h.tracer.StartSpan(ctx, observability.SpanScheduledEvent)
	defer span.End()

	doc, err := h.store.Open(ctx, ev.SessionID, nil)
	if err != nil {
		return fmt.Errorf("scheduled event %s: %w", job.ID, err)
	}
	st, err := doc.Get(ctx)
	if err != nil {
		return err
	}
	if _, tracked := st.PendingScheduledEvents[job.ID]; tracked {
		delete(st.PendingScheduledEvents, job.ID)
		if err := doc.Set(ctx, st); err != nil {
			return err
		}
	}

	p := ev.Perception
	p.Pending = true
	if p.At.IsZero() {
		p.At = time.Now()
	}
	if ev.Process != "" {
		if p.Metadata == nil {
			p.Metadata = map[string]any{}
		}
		p.Metadata[session.MetadataTargetProcess] = ev.Process
	}
	evt := eventlog.Event{
		SessionID:  ev.SessionID,
		Kind:       eventlog.KindPerception,
		Perception: &p,
		At:         p.At,
	}
	if err := h.events.AddEvent(ctx, evt); err != nil {
		return err
	}

	// Already on the session's main queue, so the cycle runs inline.
	msg, err := ipc.New(ipc.NameExecuteMainCycle, ipc.ExecuteMainCyclePayload{SessionID: ev.SessionID})
	if err != nil {
		return err
	}
	started := time.Now()
	if err := h.runOnWorker(ctx, ev.SessionID, msg); err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return err
	}
	h.metrics.RecordCycleLatency(ctx, time.Since(started))
	return nil
}

// runOnWorker checks out a worker, sends the execution message, and waits
// for the session's completion or error, racing the worker's death and ctx.
func (h *Host) runOnWorker(ctx context.Context, sessionID string, msg ipc.Message) error {
	proc, err := h.pool.GetWorker(ctx)
	if err != nil {
		return fmt.Errorf("session %s: checkout worker: %w", sessionID, err)
	}
	defer h.pool.ReleaseWorker(proc)

	done := make(chan error, 1)
	unsubscribe := proc.OnMessage(func(in ipc.Message) {
		switch in.Name {
		case ipc.NameComplete:
			var p ipc.CompletePayload
			if err := in.DecodePayload(&p); err != nil || p.SessionID != sessionID {
				return
			}
			select {
			case done <- nil:
			default:
			}
		case ipc.NameError:
			var p ipc.ErrorPayload
			if err := in.DecodePayload(&p); err != nil || p.SessionID != sessionID {
				return
			}
			var execErr error
			if p.Canceled {
				execErr = nil
			} else {
				execErr = fmt.Errorf("session %s: %s", sessionID, p.Error)
			}
			select {
			case done <- execErr:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := proc.Send(msg); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-proc.Dead():
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrWorkerDied)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attachWorker services scheduling requests arriving from a worker for as
// long as the worker lives.
func (h *Host) attachWorker(proc *worker.Process) {
	proc.OnMessage(func(in ipc.Message) {
		switch in.Name {
		case ipc.NameScheduleEvent:
			h.handleScheduleEvent(proc, in)
		case ipc.NameCancelScheduledEvent:
			h.handleCancelScheduledEvent(proc, in)
		}
	})
}

// handleScheduleEvent enqueues the event as a delayed job on the session's
// main queue and answers with the job id, which doubles as the event's
// cancellation handle. The request must carry the shared secret injected at
// spawn.
func (h *Host) handleScheduleEvent(proc *worker.Process, in ipc.Message) {
	var p ipc.ScheduleEventPayload
	if err := in.DecodePayload(&p); err != nil {
		h.logger.Warn("scheduleEvent from worker %s: %v", proc.ID, err)
		return
	}
	if p.Secret != h.pool.SharedSecret() {
		h.logger.Warn("scheduleEvent from worker %s rejected: shared secret mismatch", proc.ID)
		if resp, err := ipc.NewResponse(ipc.NameScheduleEventResp, in, ipc.ScheduleEventResponsePayload{Error: "shared secret mismatch"}); err == nil {
			_ = proc.Send(resp)
		}
		return
	}
	ev := p.Event
	ev.SessionID = p.SessionID
	jobID, err := h.sched.AddJob(TaskScheduledEvent, ev, scheduler.Options{
		QueueName:   mainQueue(p.SessionID),
		MaxAttempts: 1,
		RunAt:       ev.FireAt,
	})
	if err != nil {
		h.logger.Warn("session %s: schedule event: %v", p.SessionID, err)
		return
	}
	resp, err := ipc.NewResponse(ipc.NameScheduleEventResp, in, ipc.ScheduleEventResponsePayload{JobID: jobID})
	if err == nil {
		if err := proc.Send(resp); err != nil {
			// The worker never learns the id; cancel so the event does not
			// fire untracked.
			h.sched.RemoveJob(jobID)
		}
	}
}

func (h *Host) handleCancelScheduledEvent(proc *worker.Process, in ipc.Message) {
	var p ipc.CancelScheduledEventPayload
	if err := in.DecodePayload(&p); err != nil {
		h.logger.Warn("cancelScheduledEvent from worker %s: %v", proc.ID, err)
		return
	}
	if p.Secret != h.pool.SharedSecret() {
		h.logger.Warn("cancelScheduledEvent from worker %s rejected: shared secret mismatch", proc.ID)
		if resp, err := ipc.NewResponse(ipc.NameCancelScheduledEvent, in, ipc.CancelScheduledEventAckPayload{Error: "shared secret mismatch"}); err == nil {
			_ = proc.Send(resp)
		}
		return
	}
	h.sched.RemoveJob(p.JobID)
	if resp, err := ipc.NewResponse(ipc.NameCancelScheduledEvent, in, ipc.CancelScheduledEventAckPayload{}); err == nil {
		_ = proc.Send(resp)
	}
}

// RevertSession restores the session to its state at the given invocation
// count. Scheduled-event jobs created after that point are canceled; jobs
// the snapshot still tracks keep running.
func (h *Host) RevertSession(ctx context.Context, sessionID string, invocation int) error {
	snapshot, err := h.store.Snapshot(ctx, sessionID, invocation)
	if err != nil {
		return fmt.Errorf("revert session %s: %w", sessionID, err)
	}
	doc, err := h.store.Open(ctx, sessionID, nil)
	if err != nil {
		return fmt.Errorf("revert session %s: %w", sessionID, err)
	}
	current, err := doc.Get(ctx)
	if err != nil {
		return err
	}

	var orphaned []string
	for jobID := range current.PendingScheduledEvents {
		if _, kept := snapshot.PendingScheduledEvents[jobID]; !kept {
			orphaned = append(orphaned, jobID)
		}
	}
	h.sched.RemoveJob(orphaned...)

	if err := doc.Set(ctx, snapshot); err != nil {
		return fmt.Errorf("revert session %s: %w", sessionID, err)
	}
	h.logger.Info("session %s reverted to invocation %d (%d scheduled events canceled)",
		sessionID, invocation, len(orphaned))
	return nil
}
