package evserver

import (
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/vincentwuo/evserver/internal/engine"
	"github.com/vincentwuo/evserver/pkg/buffer"
	"github.com/vincentwuo/evserver/pkg/bytepool"
	"github.com/vincentwuo/evserver/pkg/concurrent"
	"github.com/vincentwuo/evserver/pkg/metrics"
	"github.com/vincentwuo/evserver/pkg/util"
)

var (
	ErrServerClosed  = errors.New("server closed")
	ErrServerRunning = errors.New("server already running")
)

const (
	defaultIdleTimeout    = 60 * time.Second
	defaultMaxEvents      = 1024
	defaultReadBufferSize = 4096
	defaultMaxReadLoop    = 8
	defaultBusyMessage    = "Server busy!"
	peerLimiterBuckets    = 4096
)

// close and rejection reasons, used as metric labels
const (
	reasonHangup     = "hangup"
	reasonIdle       = "idle"
	reasonEOF        = "eof"
	reasonReadError  = "read_error"
	reasonWriteError = "write_error"
	reasonDone       = "done"
	reasonArm        = "arm_error"
	reasonPanic      = "panic"
	reasonUser       = "user"
	reasonShutdown   = "shutdown"

	rejectRate  = "accept_rate"
	rejectLimit = "max_conns"
	rejectPeer  = "max_conns_per_ip"
)

type closeRequest struct {
	c      *Conn
	reason string
}

// Server is the reactor: one goroutine waits on the poller, accepts, keeps the
// idle timers and hands ready connections to the worker pool. Connection fds
// are registered oneshot, so a connection is touched by at most one worker at
// a time and only that worker re-arms it.
type Server struct {
	addr   string
	ln     net.Listener
	lnFile *os.File //without os.File the listener fd may be GC collected
	lfd    int

	poller  *engine.Poller
	timer   *engine.TimeHeap
	pool    *concurrent.WorkerPool
	table   *connTable
	bufPool *bytepool.Pool

	connLimiter   *concurrent.AtomicLimiter
	peerLimiter   *concurrent.KeyedLimiter
	acceptLimiter *rate.Limiter

	newProcessor ProcessorFactory
	logger       *zap.Logger
	metrics      metrics.Recorder
	now          func() time.Time

	workerNum      int
	maxConns       int64
	maxConnsPerIP  int64
	acceptRate     float64
	acceptBurst    int
	idleTimeout    time.Duration
	listenET       bool
	connET         bool
	maxEvents      int
	readBufferSize int
	maxReadLoop    int
	linger         bool
	busy           []byte
	lockOSThread   bool

	closeMu   sync.Mutex
	closeReqs []closeRequest
	spare     []closeRequest

	running  atomic.Bool
	serving  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

type Option func(*Server)

// WithWorkerNum sets the worker pool size. 0 uses the number of CPUs.
func WithWorkerNum(n int) Option {
	return func(s *Server) {
		s.workerNum = n
	}
}

// WithMaxConns caps concurrently open connections. 0 means no limit.
func WithMaxConns(limit int64) Option {
	return func(s *Server) {
		s.maxConns = limit
	}
}

// WithMaxConnsPerIP caps open connections per peer address. 0 means no limit.
func WithMaxConnsPerIP(limit int64) Option {
	return func(s *Server) {
		s.maxConnsPerIP = limit
	}
}

// WithAcceptRate limits new connections per second.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.acceptRate = perSecond
		s.acceptBurst = burst
	}
}

func WithIdleTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}

// WithTriggerMode selects level or edge triggering: bit 0 for connections,
// bit 1 for the listener.
func WithTriggerMode(mode int) Option {
	return WithEdgeTriggered(mode&1 != 0, mode&2 != 0)
}

// WithEdgeTriggered sets EPOLLET for accepted connections and for the
// listener independently.
func WithEdgeTriggered(conn, listener bool) Option {
	return func(s *Server) {
		s.connET = conn
		s.listenET = listener
	}
}

func WithMaxEvents(n int) Option {
	return func(s *Server) {
		s.maxEvents = n
	}
}

// WithReadBufferSize sets the initial size of each connection buffer.
func WithReadBufferSize(size int) Option {
	return func(s *Server) {
		s.readBufferSize = size
	}
}

// WithMaxReadLoop bounds the reads a single read task performs.
func WithMaxReadLoop(n int) Option {
	return func(s *Server) {
		s.maxReadLoop = n
	}
}

// WithLinger enables SO_LINGER with a one second timeout on accepted connections.
func WithLinger(on bool) Option {
	return func(s *Server) {
		s.linger = on
	}
}

// WithBusyMessage sets the payload sent to connections refused at accept.
func WithBusyMessage(msg string) Option {
	return func(s *Server) {
		s.busy = []byte(msg)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLockOSThread pins the event loop goroutine to its OS thread.
func WithLockOSThread(on bool) Option {
	return func(s *Server) {
		s.lockOSThread = on
	}
}

// NewServer listens on addr and prepares the event loop. Serve starts it.
func NewServer(addr string, newProcessor ProcessorFactory, opts ...Option) (*Server, error) {
	if newProcessor == nil {
		return nil, errors.New("nil processor factory")
	}
	s := &Server{
		addr:           addr,
		lfd:            -1,
		table:          newConnTable(),
		newProcessor:   newProcessor,
		logger:         zap.NewNop(),
		metrics:        metrics.Noop{},
		now:            time.Now,
		idleTimeout:    defaultIdleTimeout,
		maxEvents:      defaultMaxEvents,
		readBufferSize: defaultReadBufferSize,
		maxReadLoop:    defaultMaxReadLoop,
		busy:           []byte(defaultBusyMessage),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.idleTimeout <= 0 {
		return nil, errors.New("idle timeout must be positive")
	}
	if s.maxReadLoop <= 0 {
		s.maxReadLoop = defaultMaxReadLoop
	}
	if s.readBufferSize <= 0 {
		s.readBufferSize = defaultReadBufferSize
	}

	s.connLimiter = concurrent.NewAtomicLimiter(s.maxConns)
	s.peerLimiter = concurrent.NewKeyedLimiter(s.maxConnsPerIP, peerLimiterBuckets)
	if s.acceptRate > 0 {
		burst := s.acceptBurst
		if burst <= 0 {
			burst = int(s.acceptRate) + 1
		}
		s.acceptLimiter = rate.NewLimiter(rate.Limit(s.acceptRate), burst)
	}
	s.bufPool = bytepool.New(s.readBufferSize)
	s.timer = engine.NewTimeHeap(engine.WithClock(func() time.Time { return s.now() }))

	poller, err := engine.OpenPoll(s.maxEvents)
	if err != nil {
		return nil, err
	}
	s.poller = poller

	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, multierr.Append(err, poller.Close())
	}
	f, err := ln.(*net.TCPListener).File()
	if err != nil {
		return nil, multierr.Combine(err, ln.Close(), poller.Close())
	}
	s.ln = ln
	s.lnFile = f
	s.lfd = int(f.Fd())
	if err := unix.SetNonblock(s.lfd, true); err != nil {
		return nil, multierr.Combine(os.NewSyscallError("setnonblock", err), f.Close(), ln.Close(), poller.Close())
	}
	if err := poller.Register(s.lfd, 0, s.listenEvents()); err != nil {
		return nil, multierr.Combine(err, f.Close(), ln.Close(), poller.Close())
	}

	s.pool = concurrent.NewWorkerPool(s.workerNum, s.logger.Named("pool"))
	s.running.Store(true)
	return s, nil
}

func (s *Server) listenEvents() uint32 {
	ev := uint32(engine.InEvents)
	if s.listenET {
		ev |= engine.EdgeTriggered
	}
	return ev
}

func (s *Server) connEvents() uint32 {
	ev := uint32(engine.Oneshot | unix.EPOLLRDHUP)
	if s.connET {
		ev |= engine.EdgeTriggered
	}
	return ev
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int64 {
	return s.connLimiter.Count()
}

// Serve runs the event loop until Close is called. It returns ErrServerClosed
// once the server has shut down.
func (s *Server) Serve() error {
	if !s.running.Load() {
		return ErrServerClosed
	}
	if !s.serving.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	defer close(s.done)
	if !s.running.Load() {
		return ErrServerClosed
	}
	if s.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	s.logger.Info("server is running",
		zap.Stringer("addr", s.Addr()),
		zap.Int("workers", s.pool.Size()),
		zap.Bool("listenET", s.listenET),
		zap.Bool("connET", s.connET),
		zap.Duration("idleTimeout", s.idleTimeout))
	for s.running.Load() {
		s.loopOnce()
	}
	s.shutdown()
	return ErrServerClosed
}

// Close stops the event loop, waits for running tasks, closes every connection
// and releases the listener and poller. It is safe to call more than once.
func (s *Server) Close() error {
	if s.running.CompareAndSwap(true, false) {
		s.poller.Wakeup()
	}
	if s.serving.Load() {
		<-s.done
	}
	return s.shutdown()
}

// CloseConn closes the connection currently using fd. It reports whether
// there was one.
func (s *Server) CloseConn(fd int) bool {
	c := s.table.get(fd)
	if c == nil {
		return false
	}
	c.Close()
	return true
}

// IsClosed reports whether no open connection uses fd.
func (s *Server) IsClosed(fd int) bool {
	c := s.table.get(fd)
	return c == nil || c.Closed()
}

func (s *Server) loopOnce() {
	events, err := s.poller.Wait(s.timer.NextTimeoutMs())
	if err != nil {
		if errors.Is(err, engine.ErrPollerClosed) {
			s.running.Store(false)
			return
		}
		s.logger.Error("poller wait", zap.Error(err))
		return
	}
	for _, ev := range events {
		if ev.Fd == s.lfd {
			s.accept()
			continue
		}
		s.dispatch(ev)
	}
	s.drainCloseRequests()
	s.timer.Tick(s.now())
}

func (s *Server) accept() {
	for {
		nfd, sa, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				//have accepted all the requests in the RECV-Q
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				s.logger.Error("accept", zap.Error(os.NewSyscallError("accept4", err)))
			}
			return
		}
		s.admit(nfd, sa)
		if !s.listenET {
			return
		}
	}
}

// admit registers nfd or refuses it with the busy payload.
func (s *Server) admit(nfd int, sa unix.Sockaddr) {
	key := util.PeerKey(sa)
	if s.acceptLimiter != nil && !s.acceptLimiter.Allow() {
		s.refuse(nfd, sa, rejectRate)
		return
	}
	if ok, _ := s.connLimiter.Acquire(); !ok {
		s.refuse(nfd, sa, rejectLimit)
		return
	}
	if !s.peerLimiter.Acquire(key) {
		s.connLimiter.Release()
		s.refuse(nfd, sa, rejectPeer)
		return
	}
	s.addConn(nfd, sa, key)
}

func (s *Server) refuse(nfd int, sa unix.Sockaddr, reason string) {
	if n, err := unix.Write(nfd, s.busy); err != nil || n < len(s.busy) {
		s.logger.Debug("write busy message", zap.Int("fd", nfd), zap.Int("written", n), zap.Error(err))
	}
	unix.Close(nfd)
	s.metrics.ConnRejected(reason)
	s.logger.Warn("connection refused",
		zap.Stringer("remote", addrStringer{util.SockaddrToTCPOrUnixAddr(sa)}),
		zap.String("reason", reason))
}

// addConn takes ownership of nfd. The caller has already counted it against
// the limiters.
func (s *Server) addConn(nfd int, sa unix.Sockaddr, key string) *Conn {
	c := &Conn{
		fd:      nfd,
		remote:  util.SockaddrToTCPOrUnixAddr(sa),
		peerKey: key,
		srv:     s,
		in:      buffer.NewPooled(s.bufPool),
		out:     buffer.NewPooled(s.bufPool),
	}
	c.state.Store(int32(StateAccepted))
	c.proc = s.newProcessor(c)
	s.table.claim(nfd, c)
	s.metrics.ConnAccepted()

	if s.linger {
		if err := unix.SetsockoptLinger(nfd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1}); err != nil {
			s.logger.Debug("set linger", zap.Int("fd", nfd), zap.Error(err))
		}
	}

	c.armed.Store(engine.InEvents)
	c.state.Store(int32(StateAwaitingRead))
	if err := s.poller.Register(nfd, c.gen, s.connEvents()|engine.InEvents); err != nil {
		s.logger.Error("register connection", zap.Int("fd", nfd), zap.Error(err))
		c.state.Store(int32(StateClosing))
		s.closeConn(c, reasonArm)
		return c
	}
	gen := c.gen
	s.timer.Add(nfd, s.idleTimeout, func() {
		s.expire(nfd, gen)
	})
	s.logger.Debug("connection accepted", zap.Int("fd", nfd), zap.Uint32("gen", gen), zap.Stringer("remote", addrStringer{c.remote}))
	return c
}

func (s *Server) dispatch(ev engine.Event) {
	c := s.table.lookup(ev.Fd, ev.Gen)
	if c == nil {
		// the fd was closed, and maybe reused, after the event was queued
		return
	}
	if ev.Hangup() && !(ev.HalfClosed() && ev.Writable() && c.State() == StateAwaitingWrite) {
		s.evict(c, reasonHangup)
		return
	}
	s.timer.Adjust(c.fd, s.idleTimeout)

	kind, ok := s.claim(c)
	if !ok {
		return
	}
	if err := s.pool.Submit(func() { s.runTask(c, kind) }); err != nil {
		c.state.Store(int32(StateClosing))
		s.closeConn(c, reasonShutdown)
		return
	}
	s.metrics.TaskSubmitted(kind.String(), s.pool.Len())
}

// claim hands c's oneshot turn to a worker. It fails when c is closing or a
// worker already owns it.
func (s *Server) claim(c *Conn) (taskKind, bool) {
	for {
		st := c.state.Load()
		switch ConnState(st) {
		case StateAwaitingRead:
			if c.state.CompareAndSwap(st, int32(StateProcessing)) {
				return readTask, true
			}
		case StateAwaitingWrite:
			if c.state.CompareAndSwap(st, int32(StateProcessing)) {
				return writeTask, true
			}
		case stateRearming:
			runtime.Gosched()
		default:
			return 0, false
		}
	}
}

func (s *Server) expire(fd int, gen uint32) {
	if c := s.table.lookup(fd, gen); c != nil {
		s.evict(c, reasonIdle)
	}
}

// evict closes c now when no worker owns it, otherwise marks it so the owning
// worker closes it on release.
func (s *Server) evict(c *Conn, reason string) {
	for {
		st := c.state.Load()
		if st&evictBit != 0 {
			return
		}
		switch ConnState(st) {
		case StateClosing, StateClosed:
			return
		case StateProcessing:
			c.evictBy.Store(reason)
			if c.state.CompareAndSwap(st, st|evictBit) {
				return
			}
		case stateRearming:
			runtime.Gosched()
		default:
			if c.state.CompareAndSwap(st, int32(StateClosing)) {
				s.closeConn(c, reason)
				return
			}
		}
	}
}

// requestClose queues c for closing on the event loop.
func (s *Server) requestClose(c *Conn, reason string) error {
	s.closeMu.Lock()
	s.closeReqs = append(s.closeReqs, closeRequest{c: c, reason: reason})
	s.closeMu.Unlock()
	return s.poller.Wakeup()
}

func (s *Server) drainCloseRequests() {
	s.closeMu.Lock()
	reqs := s.closeReqs
	s.closeReqs = s.spare[:0]
	s.closeMu.Unlock()

	for _, r := range reqs {
		if r.c.State() == StateClosing {
			s.closeConn(r.c, r.reason)
		} else {
			s.evict(r.c, r.reason)
		}
	}
	clear(reqs)
	s.spare = reqs[:0]
}

// closeConn is the only place a connection fd is closed. It runs on the event
// loop, and a second call for the same connection does nothing.
func (s *Server) closeConn(c *Conn, reason string) {
	if ConnState(c.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	s.timer.Remove(c.fd)
	if err := s.poller.Unregister(c.fd); err != nil && !errors.Is(err, engine.ErrPollerClosed) {
		s.logger.Debug("unregister connection", zap.Int("fd", c.fd), zap.Error(err))
	}
	s.table.release(c)
	if err := unix.Close(c.fd); err != nil {
		s.logger.Error("close connection", zap.Int("fd", c.fd), zap.Error(os.NewSyscallError("close", err)))
	}
	c.in.Release()
	c.out.Release()
	c.pending.Store(0)
	s.connLimiter.Release()
	s.peerLimiter.Release(c.peerKey)
	s.metrics.ConnClosed(reason)
	s.logger.Debug("connection closed", zap.Int("fd", c.fd), zap.Uint32("gen", c.gen), zap.String("reason", reason))
}

// shutdown runs once, after the event loop has stopped or instead of it.
func (s *Server) shutdown() error {
	s.stopOnce.Do(func() {
		s.running.Store(false)
		s.pool.Shutdown()
		s.drainCloseRequests()
		s.table.forEach(func(c *Conn) {
			s.closeConn(c, reasonShutdown)
		})

		var err error
		if uerr := s.poller.Unregister(s.lfd); uerr != nil && !errors.Is(uerr, engine.ErrPollerClosed) {
			err = multierr.Append(err, uerr)
		}
		err = multierr.Combine(err, s.lnFile.Close(), s.ln.Close(), s.poller.Close())
		s.stopErr = err
		s.logger.Info("server closed", zap.String("addr", s.addr), zap.Error(err))
	})
	return s.stopErr
}

type addrStringer struct {
	addr net.Addr
}

func (a addrStringer) String() string {
	if a.addr == nil {
		return ""
	}
	return a.addr.String()
}
