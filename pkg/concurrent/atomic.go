package concurrent

import (
	"sync/atomic"
)

// AtomicLimiter caps a count of concurrently held slots. A limit <= 0 disables
// the cap but still counts.
type AtomicLimiter struct {
	max    int64
	count  int64
	enable int64
}

func NewAtomicLimiter(maxConcurrent int64) *AtomicLimiter {
	var enable int64 = 1
	if maxConcurrent <= 0 {
		maxConcurrent = 0
		enable = 0
	}

	return &AtomicLimiter{
		max:    maxConcurrent,
		enable: enable,
	}
}

// Acquire takes a slot. It reports false, leaving the count untouched, when the
// limit is reached. The returned count is the one observed before acquiring.
func (b *AtomicLimiter) Acquire() (bool, int64) {
	for {
		nowN := atomic.LoadInt64(&b.count)
		if atomic.LoadInt64(&b.enable) == 1 && nowN >= atomic.LoadInt64(&b.max) {
			return false, nowN
		}
		if atomic.CompareAndSwapInt64(&b.count, nowN, nowN+1) {
			return true, nowN
		}
	}
}

func (b *AtomicLimiter) Release() {
	atomic.AddInt64(&b.count, -1)
}

func (b *AtomicLimiter) Count() int64 {
	return atomic.LoadInt64(&b.count)
}
