package concurrent

import (
	"errors"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool runs submitted tasks on a fixed set of goroutines that share one
// FIFO queue.
//
// The queue is unbounded: Submit never blocks and never drops. A producer that
// outruns the workers grows memory without limit, there is no backpressure.
type WorkerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool

	size   int
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewWorkerPool starts size workers, runtime.NumCPU() when size <= 0.
func NewWorkerPool(size int, logger *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		tasks:  queue.New(),
		size:   size,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}
	return p
}

// Submit appends task to the queue and wakes one idle worker.
func (p *WorkerPool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.tasks.Add(task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Shutdown stops accepting tasks, lets the workers drain everything already
// queued and waits for them to exit. Running tasks are never interrupted.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// Len returns the number of queued tasks not yet picked up.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

func (p *WorkerPool) Size() int {
	return p.size
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		if p.tasks.Length() > 0 {
			task := p.tasks.Remove().(func())
			p.mu.Unlock()
			p.run(id, task)
			p.mu.Lock()
		} else if p.closed {
			p.mu.Unlock()
			return
		} else {
			p.cond.Wait()
		}
	}
}

func (p *WorkerPool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	task()
}
