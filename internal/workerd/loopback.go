package workerd

import (
	"context"
	"io"
	"sync"

	"cortex/internal/engine"
	"cortex/internal/eventlog"
	"cortex/internal/ipc"
	"cortex/internal/logging"
	"cortex/internal/session"
	"cortex/internal/worker"
)

// LoopbackSpawner runs worker runtimes as goroutines over in-memory pipes
// instead of OS processes. It backs single-process deployments on the
// in-memory store, where a forked worker could not see the supervisor's
// session documents, and the end-to-end tests.
type LoopbackSpawner struct {
	Config     Config
	Store      session.Store
	Events     eventlog.Log
	Blueprints *engine.Registry
	Logger     logging.Logger
}

// Spawn implements worker.Spawner.
func (s *LoopbackSpawner) Spawn(_ context.Context, workerID string) (worker.Proc, error) {
	supervisorR, workerW := io.Pipe()
	workerR, supervisorW := io.Pipe()

	cfg := s.Config
	cfg.WorkerID = workerID
	rt := New(cfg, worker.NewPipeConn(workerR, workerW, workerW), s.Store, s.Events, s.Blueprints, s.Logger)

	proc := &loopbackProc{
		conn:   worker.NewPipeConn(supervisorR, supervisorW, supervisorW),
		cancel: func() {},
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc.cancel = cancel
	go func() {
		defer close(proc.done)
		_ = rt.Run(ctx)
		_ = workerW.Close()
	}()
	return proc, nil
}

type loopbackProc struct {
	conn   worker.Conn
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func (p *loopbackProc) Send(msg ipc.Message) error { return p.conn.Send(msg) }
func (p *loopbackProc) Recv() (ipc.Message, error) { return p.conn.Recv() }

func (p *loopbackProc) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		_ = p.conn.Close()
	})
	return nil
}

// Terminate cancels the runtime's context; the goroutine exits on its own.
func (p *loopbackProc) Terminate() error {
	_ = p.Close()
	return nil
}

func (p *loopbackProc) Kill() error {
	_ = p.Close()
	return nil
}

func (p *loopbackProc) Wait() error {
	<-p.done
	return nil
}

// PID is meaningless for an in-process worker.
func (p *loopbackProc) PID() int { return -1 }
