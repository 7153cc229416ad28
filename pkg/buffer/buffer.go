// Package buffer implements the growable byte region each connection reads
// requests into and writes responses from.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0         <=     readPos     <=    writePos     <=      len
//
// A Buffer is not safe for concurrent use. It is owned by whichever goroutine
// currently holds the connection.
package buffer

import (
	"golang.org/x/sys/unix"

	"github.com/vincentwuo/evserver/pkg/bytepool"
)

const (
	// InitialSize is the backing size of a Buffer created with New(0).
	InitialSize = 1024
	// overflowSize bounds how much a single ReadFd can take beyond the writable space.
	overflowSize = 64 * 1024
)

var overflowPool = bytepool.New(overflowSize)

type Buffer struct {
	buf      []byte
	backing  *[]byte // set while buf came from pool
	pool     *bytepool.Pool
	readPos  int
	writePos int
}

// New returns a Buffer with size bytes of writable space.
func New(size int) *Buffer {
	if size <= 0 {
		size = InitialSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// NewPooled returns a Buffer whose initial backing store is borrowed from p and
// handed back by Release.
func NewPooled(p *bytepool.Pool) *Buffer {
	backing := p.Get()
	return &Buffer{buf: *backing, backing: backing, pool: p}
}

func (b *Buffer) ReadableBytes() int {
	return b.writePos - b.readPos
}

func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writePos
}

func (b *Buffer) PrependableBytes() int {
	return b.readPos
}

func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Peek returns the readable bytes without consuming them. The slice is valid
// until the next mutation.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// Retrieve consumes n readable bytes.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readPos += n
}

func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// BeginWrite returns the writable region. Call HasWritten after filling it.
func (b *Buffer) BeginWrite() []byte {
	return b.buf[b.writePos:]
}

func (b *Buffer) HasWritten(n int) {
	if n > b.WritableBytes() {
		n = b.WritableBytes()
	}
	b.writePos += n
}

func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	b.writePos += copy(b.buf[b.writePos:], p)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writePos += copy(b.buf[b.writePos:], s)
}

// Write implements io.Writer by appending p.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// EnsureWritable makes room for n more bytes. Unread bytes are shifted to the
// front when the consumed prefix plus the tail already fits n, otherwise the
// backing store grows.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() >= n {
		return
	}
	readable := b.ReadableBytes()
	if b.WritableBytes()+b.PrependableBytes() >= n {
		copy(b.buf, b.buf[b.readPos:b.writePos])
	} else {
		size := 2 * len(b.buf)
		if size < readable+n {
			size = readable + n
		}
		grown := make([]byte, size)
		copy(grown, b.buf[b.readPos:b.writePos])
		b.releaseBacking()
		b.buf = grown
	}
	b.readPos = 0
	b.writePos = readable
}

// ReadFd performs one readv from fd into the writable space, spilling into a
// pooled overflow area when the socket holds more than fits. It returns 0, nil
// on end of stream.
func (b *Buffer) ReadFd(fd int) (int, error) {
	overflow := overflowPool.Get()
	defer overflowPool.Put(overflow)

	writable := b.WritableBytes()
	n, err := unix.Readv(fd, [][]byte{b.buf[b.writePos:], *overflow})
	if err != nil {
		return 0, err
	}
	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append((*overflow)[:n-writable])
	}
	return n, nil
}

// WriteFd performs one write of the readable bytes to fd and consumes what the
// kernel accepted.
func (b *Buffer) WriteFd(fd int) (int, error) {
	if b.ReadableBytes() == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return 0, err
	}
	b.Retrieve(n)
	return n, nil
}

// Release drops the contents and hands a pooled backing store back. The
// Buffer stays usable and reallocates on the next write.
func (b *Buffer) Release() {
	b.releaseBacking()
	b.buf = nil
	b.RetrieveAll()
}

func (b *Buffer) releaseBacking() {
	if b.backing != nil {
		b.pool.Put(b.backing)
		b.backing = nil
	}
}
