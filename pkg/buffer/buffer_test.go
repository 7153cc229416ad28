package buffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vincentwuo/evserver/pkg/bytepool"
)

func TestBufferInitialization(t *testing.T) {
	b := New(0)
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, InitialSize, b.WritableBytes())
	assert.Equal(t, 0, b.PrependableBytes())
}

func TestBufferAppendAndRetrieve(t *testing.T) {
	b := New(16)
	b.AppendString("Hello World!\n")
	assert.Equal(t, 13, b.ReadableBytes())
	assert.Equal(t, "Hello World!\n", b.RetrieveAllString())
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBufferCompacts(t *testing.T) {
	b := New(16)
	b.Append(bytes.Repeat([]byte{'a'}, 12))
	b.Retrieve(10)
	require.Equal(t, 10, b.PrependableBytes())
	require.Equal(t, 4, b.WritableBytes())

	// 10 reclaimable + 4 trailing covers 8
	b.AppendString("bbbbbbbb")
	assert.Equal(t, 16, b.Cap())
	assert.Equal(t, 0, b.PrependableBytes())
	assert.Equal(t, "aabbbbbbbb", string(b.Peek()))
}

func TestBufferGrows(t *testing.T) {
	b := New(16)
	b.Append(bytes.Repeat([]byte{'a'}, 12))
	b.Retrieve(2)

	b.Append(bytes.Repeat([]byte{'b'}, 20))
	assert.Greater(t, b.Cap(), 16)
	assert.Equal(t, 0, b.PrependableBytes())
	assert.Equal(t, string(bytes.Repeat([]byte{'a'}, 10))+string(bytes.Repeat([]byte{'b'}, 20)), string(b.Peek()))
}

func TestBufferRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		b := New(1 + r.Intn(64))
		var written, read []byte
		for step := 0; step < 100; step++ {
			switch r.Intn(4) {
			case 0:
				b.EnsureWritable(r.Intn(128))
			case 1, 2:
				chunk := make([]byte, r.Intn(96))
				r.Read(chunk)
				b.Append(chunk)
				written = append(written, chunk...)
			case 3:
				n := r.Intn(b.ReadableBytes() + 1)
				read = append(read, b.Peek()[:n]...)
				b.Retrieve(n)
			}
		}
		read = append(read, b.Peek()...)
		b.RetrieveAll()
		require.Equal(t, written, read)
	}
}

func TestBufferBeginWrite(t *testing.T) {
	b := New(8)
	n := copy(b.BeginWrite(), "abc")
	b.HasWritten(n)
	assert.Equal(t, "abc", string(b.Peek()))
	b.HasWritten(100)
	assert.Equal(t, 8, b.ReadableBytes())
}

func TestBufferPooledRelease(t *testing.T) {
	p := bytepool.New(32)
	b := NewPooled(p)
	assert.Equal(t, 32, b.Cap())
	b.AppendString("data")
	b.Release()
	b.Release()
	assert.Equal(t, 0, b.ReadableBytes())
	assert.Equal(t, 0, b.Cap())

	b.AppendString("again")
	assert.Equal(t, "again", string(b.Peek()))
}

func TestBufferFdRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	payload := make([]byte, 100*1024)
	rand.New(rand.NewSource(3)).Read(payload)

	out := New(0)
	out.Append(payload)
	in := New(16)

	var got []byte
	for len(got) < len(payload) {
		if out.ReadableBytes() > 0 {
			_, err := out.WriteFd(fds[0])
			if err != nil {
				require.ErrorIs(t, err, unix.EAGAIN)
			}
		}
		n, err := in.ReadFd(fds[1])
		if err != nil {
			require.ErrorIs(t, err, unix.EAGAIN)
			continue
		}
		require.Greater(t, n, 0)
		got = append(got, in.Peek()...)
		in.RetrieveAll()
	}
	assert.Equal(t, payload, got)

	_, err = in.ReadFd(fds[1])
	assert.ErrorIs(t, err, unix.EAGAIN)

	unix.Close(fds[0])
	n, err := in.ReadFd(fds[1])
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}
