// Package scheduler implements the in-process job scheduler: a multi-queue,
// priority-free task runner with delayed starts, jobKey deduplication,
// retry with capped backoff, and cancellation. Each queue admits at most one
// running job at a time (FIFO); independent queues run concurrently up to a
// global ceiling. The queue-per-session pattern is what guarantees main-cycle
// executions for one session never overlap.
//
// This is an in-memory scheduler, not a durable queue: Stop clears all timers
// and queues, and nothing survives a restart.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cortex/internal/async"
	"cortex/internal/errdefs"
	"cortex/internal/logging"
	"cortex/internal/observability"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrency caps jobs running across all queues. Zero means 20.
	MaxConcurrency int
	// RetryBaseDelay seeds the attempt-scaled backoff. Zero means 500ms.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff. Zero means 30s.
	RetryMaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 20
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
}

// Scheduler sequences, deduplicates, delays, and retries units of work.
type Scheduler struct {
	cfg     Config
	logger  logging.Logger
	metrics *observability.MetricsCollector
	sem     *semaphore.Weighted

	mu            sync.Mutex
	tasks         map[string]TaskFunc
	jobs          map[string]*Job
	queues        map[string][]*Job
	queueRunning  map[string]bool
	byKey         map[string]string
	timers        map[string]*time.Timer
	running       bool
	baseCtx       context.Context
	cancelBaseCtx context.CancelFunc
	wg            sync.WaitGroup
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, logger logging.Logger, metrics *observability.MetricsCollector) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:          cfg,
		logger:       logging.OrNop(logger),
		metrics:      metrics,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		tasks:        map[string]TaskFunc{},
		jobs:         map[string]*Job{},
		queues:       map[string][]*Job{},
		queueRunning: map[string]bool{},
		byKey:        map[string]string{},
		timers:       map[string]*time.Timer{},
	}
}

// Register binds a task name to its body. Jobs referencing an unregistered
// task fail on their first attempt.
func (s *Scheduler) Register(name string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = fn
}

// AddJob creates a job, or returns the id of the pending job already holding
// opts.JobKey. Deduplication coalesces rather than replaces: the existing
// job keeps its original task and payload even when the new call differs.
func (s *Scheduler) AddJob(task string, payload any, opts Options) (string, error) {
	if err := opts.validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.JobKey != "" {
		if id, ok := s.byKey[opts.JobKey]; ok {
			if existing, live := s.jobs[id]; live && existing.State == JobStatePending {
				s.logger.Debug("scheduler: job key %q coalesced into %s", opts.JobKey, id)
				return id, nil
			}
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	job := &Job{
		ID:          uuid.NewString(),
		Task:        task,
		Payload:     payload,
		QueueName:   opts.QueueName,
		JobKey:      opts.JobKey,
		MaxAttempts: maxAttempts,
		RunAt:       opts.RunAt,
		State:       JobStatePending,
	}
	s.jobs[job.ID] = job
	if job.JobKey != "" {
		s.byKey[job.JobKey] = job.ID
	}

	if delay := time.Until(job.RunAt); delay > 0 {
		jobID := job.ID
		s.timers[jobID] = time.AfterFunc(delay, func() { s.timerFired(jobID) })
		s.logger.Debug("scheduler: job %s (task %s) held for %v", job.ID, task, delay.Round(time.Millisecond))
		return job.ID, nil
	}

	s.enqueueLocked(job)
	return job.ID, nil
}

// RemoveJob cancels pending and timer-held jobs. Running jobs are not
// preempted; only their eventual retry is suppressed.
func (s *Scheduler) RemoveJob(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		switch job.State {
		case JobStatePending:
			job.canceled = true
			job.State = JobStateCanceled
			if timer, held := s.timers[id]; held {
				timer.Stop()
				delete(s.timers, id)
			}
			s.dropKeyLocked(job)
			s.logger.Debug("scheduler: job %s canceled while pending", id)
		case JobStateRunning:
			job.canceled = true
			s.logger.Debug("scheduler: job %s running, retry suppressed", id)
		}
	}
}

// Job returns a copy of the identified job for inspection.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Run starts the drain loop. Jobs added before Run are admitted now.
func (s *Scheduler) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.baseCtx, s.cancelBaseCtx = context.WithCancel(context.Background())
	for queue := range s.queues {
		s.kickLocked(queue)
	}
	s.logger.Info("scheduler: running (max concurrency %d)", s.cfg.MaxConcurrency)
}

// Stop halts admission, cancels running job contexts, clears every timer and
// queue, and waits for in-flight job bodies to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancelBaseCtx()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
		if job, ok := s.jobs[id]; ok && job.State == JobStatePending {
			job.State = JobStateCanceled
			s.dropKeyLocked(job)
		}
	}
	for queue, pending := range s.queues {
		for _, job := range pending {
			if job.State == JobStatePending {
				job.State = JobStateCanceled
				s.dropKeyLocked(job)
			}
		}
		delete(s.queues, queue)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

func (s *Scheduler) timerFired(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, jobID)
	job, ok := s.jobs[jobID]
	if !ok || job.State != JobStatePending || job.canceled {
		return
	}
	s.enqueueLocked(job)
}

func (s *Scheduler) enqueueLocked(job *Job) {
	s.queues[job.QueueName] = append(s.queues[job.QueueName], job)
	if s.metrics != nil {
		s.metrics.AddQueueDepth(context.Background(), 1)
	}
	s.kickLocked(job.QueueName)
}

// kickLocked admits the queue's head job when the queue is idle.
func (s *Scheduler) kickLocked(queue string) {
	if !s.running || s.queueRunning[queue] {
		return
	}
	pending := s.queues[queue]
	var job *Job
	for len(pending) > 0 {
		head := pending[0]
		pending = pending[1:]
		if s.metrics != nil {
			s.metrics.AddQueueDepth(context.Background(), -1)
		}
		if head.State == JobStatePending && !head.canceled {
			job = head
			break
		}
	}
	s.queues[queue] = pending
	if job == nil {
		if len(pending) == 0 {
			delete(s.queues, queue)
		}
		return
	}

	s.queueRunning[queue] = true
	job.State = JobStateRunning
	s.dropKeyLocked(job)

	s.wg.Add(1)
	ctx := observability.ContextWithJobID(s.baseCtx, job.ID)
	async.Go(s.logger, "scheduler.runJob", func() {
		defer s.wg.Done()
		s.runJob(ctx, job)
	})
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	defer s.finishQueue(job.QueueName)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		job.State = JobStateCanceled
		s.mu.Unlock()
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	task := s.tasks[job.Task]
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordJobStarted(ctx, job.Task)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxInterval = s.cfg.RetryMaxDelay

	for {
		s.mu.Lock()
		job.Attempt++
		attempt := job.Attempt
		canceled := job.canceled
		s.mu.Unlock()

		if canceled {
			s.setState(job, JobStateCanceled)
			return
		}

		var err error
		if task == nil {
			err = fmt.Errorf("no task registered for %q", job.Task)
		} else {
			err = s.invoke(ctx, task, job)
		}
		if err == nil {
			s.setState(job, JobStateCompleted)
			return
		}

		jobErr := &errdefs.JobExecutionError{JobID: job.ID, Task: job.Task, Attempt: attempt, Err: err}

		s.mu.Lock()
		canceled = job.canceled
		s.mu.Unlock()
		retryable := errdefs.IsRetryable(jobErr) && !errdefs.IsFatal(err)
		if canceled || !retryable || attempt >= job.MaxAttempts {
			// Fire-and-forget at this layer: callers learn about exhaustion
			// only through the log and metrics.
			s.logger.Error("scheduler: %v (giving up after attempt %d/%d)", jobErr, attempt, job.MaxAttempts)
			if s.metrics != nil {
				s.metrics.RecordJobFailed(ctx, job.Task)
			}
			s.setState(job, JobStateFailed)
			return
		}

		delay := policy.NextBackOff()
		s.logger.Warn("scheduler: %v, retrying in %v", jobErr, delay.Round(time.Millisecond))
		if s.metrics != nil {
			s.metrics.RecordJobRetried(ctx, job.Task)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(job, JobStateCanceled)
			return
		}
	}
}

// invoke runs the task body, converting panics into errors so one bad task
// cannot take the scheduler down.
func (s *Scheduler) invoke(ctx context.Context, task TaskFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", job.Task, r)
		}
	}()
	return task(ctx, *job)
}

func (s *Scheduler) setState(job *Job, state JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.State = state
}

func (s *Scheduler) finishQueue(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueRunning[queue] = false
	s.kickLocked(queue)
}

func (s *Scheduler) dropKeyLocked(job *Job) {
	if job.JobKey == "" {
		return
	}
	if s.byKey[job.JobKey] == job.ID {
		delete(s.byKey, job.JobKey)
	}
}
