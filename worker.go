package evserver

import (
	"io"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vincentwuo/evserver/internal/engine"
)

type taskKind uint8

const (
	readTask taskKind = iota
	writeTask
)

func (k taskKind) String() string {
	if k == writeTask {
		return "write"
	}
	return "read"
}

// next is what a finished task wants done with its connection.
type next uint8

const (
	armRead next = iota
	armWrite
	closeNow
)

// runTask executes one oneshot turn of c on a worker and hands the connection
// back, either re-armed or queued for closing.
func (s *Server) runTask(c *Conn, kind taskKind) {
	then, reason := s.work(c, kind)
	if then == closeNow {
		s.abandon(c, reason)
		return
	}
	s.rearm(c, then)
}

func (s *Server) work(c *Conn, kind taskKind) (then next, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection task panic", zap.Int("fd", c.fd), zap.Stringer("task", kind), zap.Any("panic", r))
			then, reason = closeNow, reasonPanic
		}
	}()
	if kind == writeTask {
		return s.onWritable(c)
	}
	return s.onReadable(c)
}

func (s *Server) onReadable(c *Conn) (next, string) {
	n, err := c.read(s.maxReadLoop)
	if n > 0 {
		s.metrics.BytesRead(n)
	}
	if err == io.EOF {
		c.peerClosed = true
	} else if err != nil {
		s.logger.Debug("read", zap.Int("fd", c.fd), zap.Error(err))
		return closeNow, reasonReadError
	}
	if c.in.ReadableBytes() > 0 && c.Process() {
		return armWrite, ""
	}
	if c.peerClosed {
		return closeNow, reasonEOF
	}
	return armRead, ""
}

func (s *Server) onWritable(c *Conn) (next, string) {
	n, err := c.Write()
	if n > 0 {
		s.metrics.BytesWritten(n)
	}
	if err == unix.EAGAIN {
		return armWrite, ""
	}
	if err != nil {
		s.logger.Debug("write", zap.Int("fd", c.fd), zap.Error(err))
		return closeNow, reasonWriteError
	}
	if !c.IsKeepAlive() {
		return closeNow, reasonDone
	}
	// requests pipelined behind the one just answered
	if c.in.ReadableBytes() > 0 && c.Process() {
		return armWrite, ""
	}
	return armRead, ""
}

// rearm reopens c's oneshot registration for the next event, unless the event
// loop asked for it to be closed while the task ran.
func (s *Server) rearm(c *Conn, then next) {
	interest, state := uint32(engine.InEvents), StateAwaitingRead
	if then == armWrite {
		interest, state = engine.OutEvents, StateAwaitingWrite
	}
	if !c.state.CompareAndSwap(int32(StateProcessing), int32(stateRearming)) {
		s.abandon(c, c.evictBy.Load())
		return
	}
	events := s.connEvents() | interest
	if c.peerClosed {
		// already seen, only the reply is left to flush
		events &^= unix.EPOLLRDHUP
	}
	c.armed.Store(interest)
	if err := s.poller.Modify(c.fd, c.gen, events); err != nil {
		s.logger.Error("rearm connection", zap.Int("fd", c.fd), zap.Error(err))
		s.abandon(c, reasonArm)
		return
	}
	c.state.Store(int32(state))
}

// abandon gives c up from a worker. The event loop closes it.
func (s *Server) abandon(c *Conn, reason string) {
	c.state.Store(int32(StateClosing))
	if err := s.requestClose(c, reason); err != nil {
		s.logger.Debug("request close", zap.Int("fd", c.fd), zap.Error(err))
	}
}
