//go:build linux

// edit from https://github.com/xtaci/gaio/blob/master/aio_generic.go
package engine

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrPollerClosed suggest that poller has closed
	ErrPollerClosed = errors.New("poller closed")
	// ErrBadFd is returned for negative file descriptors
	ErrBadFd = errors.New("bad file descriptor")
)

// Poller wraps an epoll instance. Register/Modify/Unregister may be called from
// any goroutine, Wait only from the one goroutine that owns the event loop.
type Poller struct {
	mu     sync.RWMutex // protects pfd/efd closing
	pfd    int          // epoll fd
	efd    int          // eventfd
	efdbuf []byte

	events []unix.EpollEvent
	ready  []Event
}

// OpenPoll creates a poller whose Wait returns at most maxEvents events per call.
func OpenPoll(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, efd,
		&unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN | EdgeTriggered},
	); err != nil {
		unix.Close(fd)
		unix.Close(efd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}

	return &Poller{
		pfd:    fd,
		efd:    efd,
		efdbuf: make([]byte, 8),
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}, nil
}

// Register adds fd with the given interest mask. gen is handed back in every
// Event produced for this registration.
func (p *Poller) Register(fd int, gen uint32, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, gen, events)
}

// Modify replaces the interest mask of fd. For oneshot registrations this is
// also the re-arm.
func (p *Poller) Modify(fd int, gen uint32, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, gen, events)
}

func (p *Poller) Unregister(fd int) error {
	if fd < 0 {
		return ErrBadFd
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pfd == -1 {
		return ErrPollerClosed
	}
	if err := unix.EpollCtl(p.pfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *Poller) ctl(op int, fd int, gen uint32, events uint32) error {
	if fd < 0 {
		return ErrBadFd
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pfd == -1 {
		return ErrPollerClosed
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(gen)}
	if err := unix.EpollCtl(p.pfd, op, fd, &ev); err != nil {
		if op == unix.EPOLL_CTL_ADD {
			return os.NewSyscallError("epoll_ctl add", err)
		}
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

// Wait blocks for up to msec milliseconds (forever when msec < 0) and returns the
// ready events. The returned slice is reused by the next call. Wakeups are
// consumed here and never returned; an interrupted wait returns no events.
func (p *Poller) Wait(msec int) ([]Event, error) {
	p.mu.RLock()
	pfd := p.pfd
	p.mu.RUnlock()
	if pfd == -1 {
		return nil, ErrPollerClosed
	}

	n, err := unix.EpollWait(pfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return p.ready[:0], nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		if int(ev.Fd) == p.efd {
			unix.Read(p.efd, p.efdbuf) // simply consume
			continue
		}
		p.ready = append(p.ready, Event{Fd: int(ev.Fd), Gen: uint32(ev.Pad), Mask: ev.Events})
	}
	return p.ready, nil
}

// Wakeup interrupts a blocked Wait.
func (p *Poller) Wakeup() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.efd == -1 {
		return ErrPollerClosed
	}
	var x [8]byte
	binary.NativeEndian.PutUint64(x[:], 1)
	// eventfd has set with EFD_NONBLOCK, EAGAIN means a wakeup is already pending
	if _, err := unix.Write(p.efd, x[:]); err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

// Close releases the epoll fd and the eventfd. It is safe to call more than once.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pfd == -1 {
		return nil
	}
	err := unix.Close(p.pfd)
	unix.Close(p.efd)
	p.pfd = -1
	p.efd = -1
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}
