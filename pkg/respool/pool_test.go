package respool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	closed bool
}

func openCounter() func() (*fakeConn, error) {
	n := 0
	return func() (*fakeConn, error) {
		n++
		return &fakeConn{id: n}, nil
	}
}

func closeFake(c *fakeConn) error {
	c.closed = true
	return nil
}

func TestPoolAcquireRelease(t *testing.T) {
	p, err := New(2, openCounter(), closeFake)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Free())

	a, ok := p.TryAcquire()
	require.True(t, ok)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a.id, b.id)

	_, ok = p.TryAcquire()
	assert.False(t, ok, "pool is exhausted")

	p.Release(a)
	c, ok := p.TryAcquire()
	require.True(t, ok)
	assert.Same(t, a, c)
}

func TestPoolAcquireWaits(t *testing.T) {
	p, err := New(1, openCounter(), nil)
	require.NoError(t, err)
	held, ok := p.TryAcquire()
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Release(held)
	}()
	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, held, got)
}

func TestPoolClose(t *testing.T) {
	p, err := New(2, openCounter(), closeFake)
	require.NoError(t, err)
	held, _ := p.TryAcquire()
	idle, _ := p.TryAcquire()
	p.Release(idle)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, idle.closed)
	assert.False(t, held.closed)

	p.Release(held)
	assert.True(t, held.closed)

	_, ok := p.TryAcquire()
	assert.False(t, ok)
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolOpenFailure(t *testing.T) {
	n := 0
	var opened []*fakeConn
	_, err := New(3, func() (*fakeConn, error) {
		n++
		if n == 3 {
			return nil, errors.New("dial failed")
		}
		c := &fakeConn{id: n}
		opened = append(opened, c)
		return c, nil
	}, closeFake)
	require.Error(t, err)
	for _, c := range opened {
		assert.True(t, c.closed)
	}

	_, err = New(0, openCounter(), nil)
	assert.Error(t, err)
}
