package evserver

import (
	"io"
	"net"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/vincentwuo/evserver/pkg/buffer"
)

// RequestProcessor turns bytes read from a connection into a response. It is
// only ever called by the worker that currently owns the connection.
type RequestProcessor interface {
	// Process consumes complete requests from in and reports whether out now
	// holds a response to flush.
	Process(in, out *buffer.Buffer) bool
	// KeepAlive reports whether the connection should be read again once the
	// response is flushed.
	KeepAlive() bool
}

// ProcessorFactory creates the processor for a newly accepted connection.
type ProcessorFactory func(c *Conn) RequestProcessor

type ConnState int32

const (
	StateAccepted ConnState = iota
	StateAwaitingRead
	StateProcessing
	StateAwaitingWrite
	StateClosing
	StateClosed

	// stateRearming covers the window in which a worker re-arms the fd and has
	// not yet published the awaiting state.
	stateRearming
)

// evictBit marks a Processing connection that must be closed as soon as its
// worker lets go of it.
const evictBit = 1 << 8

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingRead:
		return "awaiting-read"
	case StateProcessing:
		return "processing"
	case StateAwaitingWrite:
		return "awaiting-write"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case stateRearming:
		return "rearming"
	}
	return "unknown"
}

// Conn is an accepted connection. Its buffers belong to whichever worker holds
// the current oneshot turn; everything else on it is safe to read from any
// goroutine.
type Conn struct {
	fd      int
	gen     uint32
	remote  net.Addr
	peerKey string
	srv     *Server

	state   atomic.Int32
	armed   atomic.Uint32 // interest bits of the last arm
	pending atomic.Int64  // unflushed output bytes as of the last write or process
	evictBy atomic.String // reason behind evictBit

	in         *buffer.Buffer
	out        *buffer.Buffer
	proc       RequestProcessor
	peerClosed bool
}

func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// State returns the lifecycle state. A Processing connection with a pending
// eviction still reports Processing.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load() &^ evictBit)
}

func (c *Conn) Closed() bool {
	return c.State() == StateClosed
}

// Process runs the request processor over the input buffer and reports whether
// a response is ready.
func (c *Conn) Process() bool {
	ready := c.proc.Process(c.in, c.out)
	c.pending.Store(int64(c.out.ReadableBytes()))
	return ready
}

// Write flushes the output buffer until it is empty or the socket refuses more.
// unix.EAGAIN is returned when the kernel buffer is full; the unflushed tail
// stays in the output buffer.
func (c *Conn) Write() (int, error) {
	total := 0
	defer func() {
		c.pending.Store(int64(c.out.ReadableBytes()))
	}()
	for c.out.ReadableBytes() > 0 {
		n, err := c.out.WriteFd(c.fd)
		total += n
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// PendingWriteBytes returns how many response bytes have not reached the
// socket yet.
func (c *Conn) PendingWriteBytes() int {
	return int(c.pending.Load())
}

func (c *Conn) IsKeepAlive() bool {
	return !c.peerClosed && c.proc.KeepAlive()
}

// Close asks the event loop to close the connection. It is safe to call from
// any goroutine and more than once.
func (c *Conn) Close() error {
	if c.Closed() {
		return nil
	}
	return c.srv.requestClose(c, reasonUser)
}

// read drains the socket into the input buffer, at most maxLoop reads. It
// returns io.EOF once the peer has shut down its side.
func (c *Conn) read(maxLoop int) (int, error) {
	total := 0
	for i := 0; i < maxLoop; i++ {
		n, err := c.in.ReadFd(c.fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}
