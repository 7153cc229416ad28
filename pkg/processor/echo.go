// Package processor holds request processors that plug into the server's
// connection contract. They only ever see a connection's input and output
// buffers, on whichever worker currently owns the connection.
package processor

import (
	"bytes"

	"github.com/vincentwuo/evserver/pkg/buffer"
)

// DefaultMaxLine bounds an unterminated line before Echo gives up on the peer.
const DefaultMaxLine = 64 * 1024

var (
	quitCmd   = []byte("quit")
	byeReply  = "bye\n"
	longReply = "line too long\n"
)

// Echo answers every newline-terminated line with the same line. A "quit" line
// is answered with "bye" and ends keep-alive.
type Echo struct {
	MaxLine   int
	keepAlive bool
}

func NewEcho() *Echo {
	return &Echo{MaxLine: DefaultMaxLine, keepAlive: true}
}

// Process moves every complete line from in to out and reports whether out
// holds anything to flush. A trailing partial line stays in in.
func (e *Echo) Process(in, out *buffer.Buffer) bool {
	for e.keepAlive {
		data := in.Peek()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if e.MaxLine > 0 && len(data) > e.MaxLine {
				in.RetrieveAll()
				out.AppendString(longReply)
				e.keepAlive = false
			}
			break
		}
		line := bytes.TrimSuffix(data[:i], []byte{'\r'})
		if bytes.Equal(line, quitCmd) {
			in.RetrieveAll()
			out.AppendString(byeReply)
			e.keepAlive = false
			break
		}
		out.Append(line)
		out.AppendString("\n")
		in.Retrieve(i + 1)
	}
	return out.ReadableBytes() > 0
}

func (e *Echo) KeepAlive() bool {
	return e.keepAlive
}
