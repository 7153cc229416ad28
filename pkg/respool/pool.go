// Package respool is a fixed-size pool of external resources (database
// connections and the like) gated by a counting semaphore. Request processors
// use it; the event loop never does.
package respool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("resource pool closed")

type Pool[T any] struct {
	sem    *semaphore.Weighted
	mu     sync.Mutex
	free   []T
	size   int
	closed bool
	closer func(T) error
}

// New opens size resources with open. closer, when not nil, is called for each
// resource by Close.
func New[T any](size int, open func() (T, error), closer func(T) error) (*Pool[T], error) {
	if size <= 0 {
		return nil, errors.New("resource pool size must be positive")
	}
	p := &Pool[T]{
		sem:    semaphore.NewWeighted(int64(size)),
		free:   make([]T, 0, size),
		size:   size,
		closer: closer,
	}
	for i := 0; i < size; i++ {
		res, err := open()
		if err != nil {
			return nil, multierr.Append(err, p.Close())
		}
		p.free = append(p.free, res)
	}
	return p, nil
}

// Acquire blocks until a resource is free or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	res, ok := p.take()
	if !ok {
		p.sem.Release(1)
		return zero, ErrPoolClosed
	}
	return res, nil
}

// TryAcquire returns a free resource without waiting.
func (p *Pool[T]) TryAcquire() (T, bool) {
	var zero T
	if !p.sem.TryAcquire(1) {
		return zero, false
	}
	res, ok := p.take()
	if !ok {
		p.sem.Release(1)
		return zero, false
	}
	return res, true
}

func (p *Pool[T]) take() (T, bool) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.free) == 0 {
		return zero, false
	}
	res := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return res, true
}

// Release hands res back. Resources released after Close are closed instead.
func (p *Pool[T]) Release(res T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.closer != nil {
			p.closer(res)
		}
		p.sem.Release(1)
		return
	}
	p.free = append(p.free, res)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Free returns the number of idle resources.
func (p *Pool[T]) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool[T]) Size() int {
	return p.size
}

// Close closes every idle resource. Resources still held are closed on Release.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.free
	p.free = nil
	p.mu.Unlock()

	var err error
	if p.closer != nil {
		for _, res := range idle {
			err = multierr.Append(err, p.closer(res))
		}
	}
	return err
}
