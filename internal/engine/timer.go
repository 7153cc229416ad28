package engine

import (
	"container/heap"
	"time"
)

// TimeHeap is a min-heap of deadlines keyed by an integer id (a file descriptor).
// Besides the heap slice it keeps an id -> node index, and every node records its
// own slot, so adjusting or removing an arbitrary id costs O(log n).
//
// TimeHeap is not synchronized. It belongs to the event loop goroutine.
type TimeHeap struct {
	nodes timerNodes
	index map[int]*timerNode
	now   func() time.Time
}

type timerNode struct {
	id       int
	deadline time.Time
	onExpire func()
	slot     int
}

type TimeHeapOption func(*TimeHeap)

// WithClock replaces time.Now as the source of the current time used by Add,
// Adjust and NextDeadline.
func WithClock(now func() time.Time) TimeHeapOption {
	return func(h *TimeHeap) {
		h.now = now
	}
}

func NewTimeHeap(opts ...TimeHeapOption) *TimeHeap {
	h := &TimeHeap{
		nodes: make(timerNodes, 0, 64),
		index: make(map[int]*timerNode),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Add schedules onExpire to run timeout from now. An existing entry for id is
// replaced in place.
func (h *TimeHeap) Add(id int, timeout time.Duration, onExpire func()) {
	deadline := h.now().Add(timeout)
	if n, ok := h.index[id]; ok {
		n.deadline = deadline
		n.onExpire = onExpire
		heap.Fix(&h.nodes, n.slot)
		return
	}
	n := &timerNode{id: id, deadline: deadline, onExpire: onExpire}
	h.index[id] = n
	heap.Push(&h.nodes, n)
}

// Adjust moves the deadline of id to timeout from now. It reports false when id
// is not scheduled.
func (h *TimeHeap) Adjust(id int, timeout time.Duration) bool {
	n, ok := h.index[id]
	if !ok {
		return false
	}
	n.deadline = h.now().Add(timeout)
	heap.Fix(&h.nodes, n.slot)
	return true
}

// Remove cancels id. Removing an absent id is a no-op.
func (h *TimeHeap) Remove(id int) bool {
	n, ok := h.index[id]
	if !ok {
		return false
	}
	heap.Remove(&h.nodes, n.slot)
	delete(h.index, id)
	return true
}

// Tick fires, in deadline order, every entry whose deadline is not after now.
// Each entry is unlinked before its callback runs, so callbacks may call
// Remove/Add on the heap.
func (h *TimeHeap) Tick(now time.Time) int {
	fired := 0
	for len(h.nodes) > 0 {
		n := h.nodes[0]
		if n.deadline.After(now) {
			break
		}
		heap.Pop(&h.nodes)
		delete(h.index, n.id)
		fired++
		if n.onExpire != nil {
			n.onExpire()
		}
	}
	return fired
}

// NextDeadline returns the time left until the earliest deadline, never negative.
// ok is false when nothing is scheduled.
func (h *TimeHeap) NextDeadline() (d time.Duration, ok bool) {
	if len(h.nodes) == 0 {
		return 0, false
	}
	d = h.nodes[0].deadline.Sub(h.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// NextTimeoutMs is NextDeadline rounded up to whole milliseconds, -1 when nothing
// is scheduled. Rounding up keeps a poll from returning just before the deadline.
func (h *TimeHeap) NextTimeoutMs() int {
	d, ok := h.NextDeadline()
	if !ok {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (h *TimeHeap) Len() int {
	return len(h.nodes)
}

func (h *TimeHeap) Has(id int) bool {
	_, ok := h.index[id]
	return ok
}

type timerNodes []*timerNode

func (tn timerNodes) Len() int {
	return len(tn)
}

func (tn timerNodes) Less(i, j int) bool {
	return tn[i].deadline.Before(tn[j].deadline)
}

func (tn timerNodes) Swap(i, j int) {
	tn[i], tn[j] = tn[j], tn[i]
	tn[i].slot = i
	tn[j].slot = j
}

func (tn *timerNodes) Push(x any) {
	n := x.(*timerNode)
	n.slot = len(*tn)
	*tn = append(*tn, n)
}

func (tn *timerNodes) Pop() any {
	old := *tn
	n := len(old)
	node := old[n-1]
	old[n-1] = nil // avoid memory leak
	node.slot = -1 // for safety
	*tn = old[0 : n-1]
	return node
}
