package processor

import (
	"github.com/vincentwuo/evserver/pkg/buffer"
	"github.com/vincentwuo/evserver/pkg/respool"
)

// DefaultBusyMessage is what a peer receives when no resource is free.
const DefaultBusyMessage = "Server busy!"

// Processor is the shape the server expects from a request processor.
type Processor interface {
	Process(in, out *buffer.Buffer) bool
	KeepAlive() bool
}

// ResourceProcessor is a Processor that needs a pooled resource of type T for
// the duration of one Process call.
type ResourceProcessor[T any] interface {
	ProcessWith(res T, in, out *buffer.Buffer) bool
	KeepAlive() bool
}

// Guarded runs a ResourceProcessor only when its pool has a free resource. It
// never waits: an exhausted pool is answered with the busy message and the
// connection is not kept alive.
type Guarded[T any] struct {
	inner ResourceProcessor[T]
	pool  *respool.Pool[T]
	busy  string

	rejected bool
}

func NewGuarded[T any](inner ResourceProcessor[T], pool *respool.Pool[T], busy string) *Guarded[T] {
	if busy == "" {
		busy = DefaultBusyMessage
	}
	return &Guarded[T]{inner: inner, pool: pool, busy: busy}
}

func (g *Guarded[T]) Process(in, out *buffer.Buffer) bool {
	if g.rejected {
		return out.ReadableBytes() > 0
	}
	if in.ReadableBytes() == 0 {
		return out.ReadableBytes() > 0
	}
	res, ok := g.pool.TryAcquire()
	if !ok {
		g.rejected = true
		in.RetrieveAll()
		out.AppendString(g.busy)
		return true
	}
	defer g.pool.Release(res)
	return g.inner.ProcessWith(res, in, out)
}

func (g *Guarded[T]) KeepAlive() bool {
	return !g.rejected && g.inner.KeepAlive()
}

// Lift adapts a Processor that does not care about the resource, so that the
// pool only bounds how many requests are processed at once.
func Lift[T any](p Processor) ResourceProcessor[T] {
	return lifted[T]{p}
}

type lifted[T any] struct {
	Processor
}

func (l lifted[T]) ProcessWith(_ T, in, out *buffer.Buffer) bool {
	return l.Process(in, out)
}
