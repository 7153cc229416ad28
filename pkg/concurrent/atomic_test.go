package concurrent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAtomicLimiterCeiling(t *testing.T) {
	l := NewAtomicLimiter(2)
	ok, _ := l.Acquire()
	assert.True(t, ok)
	ok, _ = l.Acquire()
	assert.True(t, ok)
	ok, n := l.Acquire()
	assert.False(t, ok)
	assert.Equal(t, int64(2), n)

	l.Release()
	ok, _ = l.Acquire()
	assert.True(t, ok)
	assert.Equal(t, int64(2), l.Count())
}

func TestAtomicLimiterConcurrent(t *testing.T) {
	l := NewAtomicLimiter(100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Acquire(); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, granted)
	assert.Equal(t, int64(100), l.Count())
}

func TestAtomicLimiterDisabled(t *testing.T) {
	l := NewAtomicLimiter(0)
	for i := 0; i < 10; i++ {
		ok, _ := l.Acquire()
		assert.True(t, ok)
	}
	assert.Equal(t, int64(10), l.Count())
}

func TestKeyedLimiter(t *testing.T) {
	k := NewKeyedLimiter(2, 64)
	assert.True(t, k.Acquire("10.0.0.1"))
	assert.True(t, k.Acquire("10.0.0.1"))
	assert.False(t, k.Acquire("10.0.0.1"))
	assert.Equal(t, int64(2), k.Count("10.0.0.1"))

	k.Release("10.0.0.1")
	assert.True(t, k.Acquire("10.0.0.1"))
}

func TestKeyedLimiterNil(t *testing.T) {
	k := NewKeyedLimiter(0, 0)
	assert.Nil(t, k)
	assert.True(t, k.Acquire("any"))
	k.Release("any")
	assert.Equal(t, int64(0), k.Count("any"))
}
