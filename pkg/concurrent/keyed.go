package concurrent

import (
	"sync/atomic"

	"github.com/cespare/xxhash"
)

const defaultKeyedBuckets = 4096

// KeyedLimiter caps concurrent slots per key (a peer IP) in fixed hashed
// buckets. Keys that collide share a bucket, which only makes the cap stricter.
type KeyedLimiter struct {
	max     int64
	buckets []int64
}

// NewKeyedLimiter returns nil when max <= 0; a nil limiter admits everything.
func NewKeyedLimiter(max int64, buckets int) *KeyedLimiter {
	if max <= 0 {
		return nil
	}
	if buckets <= 0 {
		buckets = defaultKeyedBuckets
	}
	return &KeyedLimiter{
		max:     max,
		buckets: make([]int64, buckets),
	}
}

func (k *KeyedLimiter) bucket(key string) *int64 {
	return &k.buckets[xxhash.Sum64String(key)%uint64(len(k.buckets))]
}

func (k *KeyedLimiter) Acquire(key string) bool {
	if k == nil {
		return true
	}
	b := k.bucket(key)
	for {
		n := atomic.LoadInt64(b)
		if n >= k.max {
			return false
		}
		if atomic.CompareAndSwapInt64(b, n, n+1) {
			return true
		}
	}
}

func (k *KeyedLimiter) Release(key string) {
	if k == nil {
		return
	}
	atomic.AddInt64(k.bucket(key), -1)
}

func (k *KeyedLimiter) Count(key string) int64 {
	if k == nil {
		return 0
	}
	return atomic.LoadInt64(k.bucket(key))
}
