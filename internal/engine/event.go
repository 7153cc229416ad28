package engine

import "golang.org/x/sys/unix"

const (
	// ErrEvents represents exceptional events that are not read/write, like the peer
	// hanging up or an error pending on the socket.
	ErrEvents = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
	// InEvents combines EPOLLIN/EPOLLPRI events.
	InEvents = unix.EPOLLIN | unix.EPOLLPRI
	// OutEvents is the writable event.
	OutEvents = unix.EPOLLOUT
)

const (
	// Oneshot disables the fd after one notification until it is re-armed with Modify.
	Oneshot = unix.EPOLLONESHOT
	// EdgeTriggered reports only readiness transitions.
	EdgeTriggered = unix.EPOLLET
)

// Event is one readiness notification returned by Poller.Wait.
type Event struct {
	Fd   int    // file descriptor
	Gen  uint32 // generation the fd was registered with
	Mask uint32 // raw epoll event bits
}

func (e Event) Readable() bool {
	return e.Mask&InEvents != 0
}

func (e Event) Writable() bool {
	return e.Mask&OutEvents != 0
}

// Hangup reports whether the peer closed or the socket is in error.
func (e Event) Hangup() bool {
	return e.Mask&ErrEvents != 0
}

// HalfClosed reports whether the peer only shut down its write side. The
// socket can still be written.
func (e Event) HalfClosed() bool {
	return e.Mask&unix.EPOLLRDHUP != 0 && e.Mask&(unix.EPOLLERR|unix.EPOLLHUP) == 0
}
