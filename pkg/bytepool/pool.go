package bytepool

import (
	"sync"
)

// Pool hands out byte slices of one fixed size.
type Pool struct {
	p    *sync.Pool
	size int
}

func New(bufSize int) *Pool {
	return &Pool{
		p: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, bufSize)
				return &buf
			},
		},
		size: bufSize,
	}
}

func (bp *Pool) Get() *[]byte {
	b := bp.p.Get().(*[]byte)
	c := (*b)[:bp.size]
	return &c
}

// Put returns buf to the pool. Slices whose capacity is not the pool size are
// dropped. A slice must not be put twice.
func (bp *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != bp.size {
		return
	}
	bp.p.Put(buf)
}

func (bp *Pool) Size() int {
	return bp.size
}
