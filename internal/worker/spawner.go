package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"cortex/internal/async"
	"cortex/internal/ipc"
	"cortex/internal/logging"
)

// EnvWorkerID is the environment variable carrying the worker's identity
// into the spawned process.
const EnvWorkerID = "CORTEX_WORKER_ID"

// ExecSpawner launches worker OS processes with stdio IPC. Workers run in
// their own process group so termination sweeps any children they forked.
type ExecSpawner struct {
	Command string
	Args    []string
	Env     map[string]string
	Logger  logging.Logger
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, workerID string) (Proc, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("spawner: command is required")
	}
	resolved, err := exec.LookPath(s.Command)
	if err != nil {
		return nil, fmt.Errorf("spawner: command not found: %w", err)
	}

	cmd := exec.Command(resolved, s.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := append([]string{}, os.Environ()...)
	for k, v := range s.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, fmt.Sprintf("%s=%s", EnvWorkerID, workerID))
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawner: start worker %s: %w", workerID, err)
	}

	proc := &execProc{
		conn: NewPipeConn(stdout, stdin, stdin),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	if cmd.Process != nil {
		proc.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	logger := logging.OrNop(s.Logger)
	async.Go(logger, "worker.stderrTail", func() {
		drainStderr(logger, workerID, stderr)
	})
	async.Go(logger, "worker.wait", func() {
		err := cmd.Wait()
		proc.mu.Lock()
		proc.err = err
		proc.mu.Unlock()
		close(proc.done)
	})

	return proc, nil
}

// drainStderr logs the worker's stderr so crashes are diagnosable from the
// supervisor's log.
func drainStderr(logger logging.Logger, workerID string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logger.Debug("worker %s stderr: %s", workerID, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

type execProc struct {
	conn *PipeConn
	cmd  *exec.Cmd
	pgid int
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProc) Send(msg ipc.Message) error { return p.conn.Send(msg) }
func (p *execProc) Recv() (ipc.Message, error) { return p.conn.Recv() }
func (p *execProc) Close() error               { return p.conn.Close() }

func (p *execProc) Terminate() error { return p.signal(syscall.SIGTERM) }
func (p *execProc) Kill() error      { return p.signal(syscall.SIGKILL) }

func (p *execProc) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid := p.pgid
	if pgid == 0 {
		pgid = p.cmd.Process.Pid
	}
	return syscall.Kill(-pgid, sig)
}

func (p *execProc) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
