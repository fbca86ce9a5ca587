package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"cortex/internal/async"
	"cortex/internal/errdefs"
	"cortex/internal/ipc"
	"cortex/internal/logging"
	"cortex/internal/observability"
)

// PoolConfig sizes and tunes the worker pool.
type PoolConfig struct {
	Min          int
	Max          int
	SpawnTimeout time.Duration
	Health       HealthConfig
}

func (c *PoolConfig) applyDefaults() {
	if c.Min <= 0 {
		c.Min = 2
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 10 * time.Second
	}
	c.Health.applyDefaults()
}

type waiter struct {
	ch chan *Process
}

// Pool maintains between Min and Max worker processes, hands them out one
// checkout at a time, and replaces workers that die.
type Pool struct {
	cfg     PoolConfig
	spawner Spawner
	logger  logging.Logger
	metrics *observability.MetricsCollector

	// OnWorkerStarted runs for every worker once its handshake completes,
	// before it is handed out. Hosts use it to attach long-lived listeners.
	OnWorkerStarted func(*Process)

	mu        sync.Mutex
	workers   map[string]*Process
	available []*Process
	waiters   []*waiter
	spawning  int
	draining  bool
	secret    string

	spawnWG sync.WaitGroup
}

// NewPool builds a pool over the given spawner. Call Start to pre-warm it.
func NewPool(cfg PoolConfig, spawner Spawner, logger logging.Logger, metrics *observability.MetricsCollector) *Pool {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	return &Pool{
		cfg:     cfg,
		spawner: spawner,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		workers: map[string]*Process{},
		secret:  newSharedSecret(),
	}
}

// Start pre-spawns the minimum worker count in the background and returns
// immediately. Spawn failures are logged and tolerated; the pool retries on
// demand. Warmup spawns count against the Max ceiling from the start so a
// concurrent checkout cannot over-spawn.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.spawning += p.cfg.Min
	p.mu.Unlock()

	p.spawnWG.Add(1)
	async.Go(p.logger, "pool.warmup", func() {
		defer p.spawnWG.Done()
		for i := 0; i < p.cfg.Min; i++ {
			proc, err := p.spawn(ctx)
			p.mu.Lock()
			p.spawning--
			p.mu.Unlock()
			if err != nil {
				p.logger.Warn("pool warmup: spawn failed: %v", err)
				continue
			}
			p.ReleaseWorker(proc)
		}
	})
	return nil
}

// SharedSecret returns the credential injected into every worker at spawn.
// The host checks it on worker-originated requests.
func (p *Pool) SharedSecret() string {
	return p.secret
}

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Available returns the number of idle workers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// GetWorker checks out a worker: an idle one if available, a fresh spawn if
// the pool is under Max, otherwise the caller joins a FIFO wait for the next
// release.
func (p *Pool) GetWorker(ctx context.Context) (*Process, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, errdefs.ErrPoolDraining
	}
	for len(p.available) > 0 {
		proc := p.available[0]
		p.available = p.available[1:]
		if !proc.Healthy() {
			continue
		}
		proc.setState(StateInUse)
		p.mu.Unlock()
		return proc, nil
	}
	if len(p.workers)+p.spawning < p.cfg.Max {
		p.spawning++
		p.mu.Unlock()
		proc, err := p.spawn(ctx)
		p.mu.Lock()
		p.spawning--
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		proc.setState(StateInUse)
		return proc, nil
	}
	w := &waiter{ch: make(chan *Process, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case proc := <-w.ch:
		if proc == nil {
			return nil, errdefs.ErrPoolDraining
		}
		return proc, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, cand := range p.waiters {
			if cand == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A release may have raced the cancellation; recycle the worker
		// rather than leak the checkout.
		select {
		case proc := <-w.ch:
			p.ReleaseWorker(proc)
		default:
		}
		return nil, ctx.Err()
	}
}

// ReleaseWorker returns a checked-out worker. A dead worker is removed and a
// replacement spawn is scheduled; a live one goes to the oldest waiter or
// back to the idle set.
func (p *Pool) ReleaseWorker(proc *Process) {
	if proc == nil {
		return
	}
	if !proc.Healthy() {
		p.remove(proc)
		return
	}
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		proc.Kill()
		p.remove(proc)
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		proc.setState(StateInUse)
		p.mu.Unlock()
		w.ch <- proc
		return
	}
	proc.setState(StateAvailable)
	p.available = append(p.available, proc)
	p.mu.Unlock()
}

// Broadcast sends a message to every live worker.
func (p *Pool) Broadcast(msg ipc.Message) {
	p.mu.Lock()
	procs := make([]*Process, 0, len(p.workers))
	for _, proc := range p.workers {
		procs = append(procs, proc)
	}
	p.mu.Unlock()
	for _, proc := range procs {
		if err := proc.Send(msg); err != nil {
			p.logger.Debug("broadcast %s to worker %s: %v", msg.Name, proc.ID, err)
		}
	}
}

// DrainWorkerPool stops handing out workers, fails queued waiters, waits for
// replacement spawns to settle, and kills every worker gracefully with
// signal escalation.
func (p *Pool) DrainWorkerPool(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}

	settled := make(chan struct{})
	async.Go(p.logger, "pool.drainWait", func() {
		p.spawnWG.Wait()
		close(settled)
	})
	select {
	case <-settled:
	case <-ctx.Done():
	}

	p.mu.Lock()
	procs := make([]*Process, 0, len(p.workers))
	for _, proc := range p.workers {
		procs = append(procs, proc)
	}
	p.workers = map[string]*Process{}
	p.available = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		proc := proc
		async.Go(p.logger, "pool.drainKill", func() {
			defer wg.Done()
			proc.Kill()
		})
	}
	wg.Wait()
	p.metrics.AddWorkersAlive(context.Background(), -int64(len(procs)))
	return ctx.Err()
}

// spawn launches a new worker, waits for its handshake, and primes it with
// the shared secret.
func (p *Pool) spawn(ctx context.Context) (*Process, error) {
	id := uuid.NewString()
	raw, err := p.spawner.Spawn(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	proc := NewProcess(id, raw, p.cfg.Health, p.logger, p.handleDeath)

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.SpawnTimeout)
	defer cancel()
	if err := proc.WaitAlive(waitCtx); err != nil {
		proc.Kill()
		return nil, fmt.Errorf("worker %s never reported alive: %w", id, err)
	}

	secretMsg, err := ipc.New(ipc.NameSetSharedSecret, ipc.SetSharedSecretPayload{Secret: p.secret})
	if err == nil {
		if err := proc.Send(secretMsg); err != nil {
			proc.Kill()
			return nil, fmt.Errorf("worker %s: priming shared secret: %w", id, err)
		}
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		proc.Kill()
		return nil, errdefs.ErrPoolDraining
	}
	p.workers[id] = proc
	alive := len(p.workers)
	p.mu.Unlock()

	p.metrics.AddWorkersAlive(context.Background(), 1)
	if p.OnWorkerStarted != nil {
		p.OnWorkerStarted(proc)
	}
	p.logger.Info("worker %s spawned (pool size %d)", id, alive)
	return proc, nil
}

// handleDeath runs when a worker dies without a deliberate kill: it is
// removed and, if the pool dropped below Min, a replacement is spawned with
// backoff.
func (p *Pool) handleDeath(proc *Process) {
	p.metrics.RecordWorkerDied(context.Background())
	p.remove(proc)
}

func (p *Pool) remove(proc *Process) {
	p.mu.Lock()
	if _, ok := p.workers[proc.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.workers, proc.ID)
	for i, cand := range p.available {
		if cand == proc {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	needReplacement := !p.draining && len(p.workers) < p.cfg.Min
	p.mu.Unlock()

	p.metrics.AddWorkersAlive(context.Background(), -1)
	if needReplacement {
		p.spawnWG.Add(1)
		async.Go(p.logger, "pool.respawn", func() {
			defer p.spawnWG.Done()
			p.respawn()
		})
	}
}

// respawn tries to restore the pool to its minimum size, backing off between
// failed attempts.
func (p *Pool) respawn() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	for {
		p.mu.Lock()
		if p.draining || len(p.workers) >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		proc, err := p.spawn(context.Background())
		if err == nil {
			p.ReleaseWorker(proc)
			return
		}
		p.logger.Warn("replacement spawn failed: %v", err)
		time.Sleep(policy.NextBackOff())
	}
}

func newSharedSecret() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
