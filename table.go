package evserver

import (
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"go.uber.org/atomic"
)

// slot is the table entry for one fd number. gen is bumped every time the fd
// is handed to a new connection, so holders of an older (fd, gen) pair can tell
// the descriptor has been reused.
type slot struct {
	gen  atomic.Uint32
	conn atomic.Pointer[Conn]
}

// connTable maps fd numbers to slots. Slots are created and claimed by the
// event loop only; lookups may come from any goroutine.
type connTable struct {
	slots *csmap.CsMap[int, *slot]
}

func newConnTable() *connTable {
	return &connTable{slots: csmap.Create[int, *slot]()}
}

// claim installs c in the slot for fd and returns its generation.
func (t *connTable) claim(fd int, c *Conn) uint32 {
	sl, ok := t.slots.Load(fd)
	if !ok {
		sl = &slot{}
		t.slots.Store(fd, sl)
	}
	gen := sl.gen.Inc()
	c.gen = gen
	sl.conn.Store(c)
	return gen
}

// lookup returns the live connection registered as (fd, gen), or nil.
func (t *connTable) lookup(fd int, gen uint32) *Conn {
	c := t.get(fd)
	if c == nil || c.gen != gen {
		return nil
	}
	return c
}

func (t *connTable) get(fd int) *Conn {
	sl, ok := t.slots.Load(fd)
	if !ok {
		return nil
	}
	return sl.conn.Load()
}

// release empties the slot if it still holds c.
func (t *connTable) release(c *Conn) {
	if sl, ok := t.slots.Load(c.fd); ok {
		sl.conn.CompareAndSwap(c, nil)
	}
}

func (t *connTable) forEach(fn func(c *Conn)) {
	var live []*Conn
	t.slots.Range(func(_ int, sl *slot) bool {
		if c := sl.conn.Load(); c != nil {
			live = append(live, c)
		}
		return false
	})
	for _, c := range live {
		fn(c)
	}
}

func (t *connTable) count() int {
	n := 0
	t.slots.Range(func(_ int, sl *slot) bool {
		if sl.conn.Load() != nil {
			n++
		}
		return false
	})
	return n
}
