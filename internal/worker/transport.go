// Package worker implements the isolated worker-process pool: spawning,
// health-checking, message routing, and recycling of the OS processes that
// run untrusted subroutine code on behalf of the supervisor. There is no
// shared memory between supervisor and worker; all coordination is
// asynchronous message passing over the ipc protocol.
package worker

import (
	"context"
	"io"

	"cortex/internal/ipc"
)

// Conn is a bidirectional message stream to a worker process.
type Conn interface {
	Send(msg ipc.Message) error
	// Recv blocks for the next message; io.EOF once the stream closes.
	Recv() (ipc.Message, error)
	Close() error
}

// Proc is a spawned worker OS process (or an in-process stand-in in tests).
type Proc interface {
	Conn
	// Terminate requests a graceful stop (SIGTERM).
	Terminate() error
	// Kill forces termination (SIGKILL).
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
	PID() int
}

// Spawner launches isolated worker processes with IPC wired up.
type Spawner interface {
	Spawn(ctx context.Context, workerID string) (Proc, error)
}

// PipeConn adapts an io.Reader/io.Writer pair into a Conn. It backs both the
// worker side of the stdio transport and in-process test doubles.
type PipeConn struct {
	enc    *ipc.Encoder
	dec    *ipc.Decoder
	closer io.Closer
}

// NewPipeConn wraps r and w. closer may be nil.
func NewPipeConn(r io.Reader, w io.Writer, closer io.Closer) *PipeConn {
	return &PipeConn{enc: ipc.NewEncoder(w), dec: ipc.NewDecoder(r), closer: closer}
}

// Send implements Conn.
func (c *PipeConn) Send(msg ipc.Message) error {
	return c.enc.Encode(msg)
}

// Recv implements Conn.
func (c *PipeConn) Recv() (ipc.Message, error) {
	return c.dec.Decode()
}

// Close implements Conn.
func (c *PipeConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
