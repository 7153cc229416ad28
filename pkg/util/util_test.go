package util

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vincentwuo/evserver/pkg/config"
)

func TestSockaddrConversion(t *testing.T) {
	v4 := &unix.SockaddrInet4{Port: 80, Addr: [4]byte{10, 0, 0, 1}}
	addr := SockaddrToTCPOrUnixAddr(v4)
	require.IsType(t, &net.TCPAddr{}, addr)
	assert.Equal(t, "10.0.0.1:80", addr.String())
	assert.Equal(t, "10.0.0.1", PeerKey(v4))

	// the returned address must not alias the sockaddr
	v4.Addr[3] = 2
	assert.Equal(t, "10.0.0.1:80", addr.String())

	mapped := &unix.SockaddrInet6{Port: 1}
	copy(mapped.Addr[:], net.ParseIP("::ffff:192.168.1.9"))
	assert.Equal(t, "192.168.1.9", PeerKey(mapped))

	un := &unix.SockaddrUnix{Name: "/tmp/x.sock"}
	assert.Equal(t, "/tmp/x.sock", SockaddrToTCPOrUnixAddr(un).String())
	assert.Equal(t, "", PeerKey(un))
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	cfg := config.Default().Logging
	cfg.Output = path
	cfg.Level = "debug"

	logger, stop, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Debug("accepted")
	require.NoError(t, stop())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DEBUG")
	assert.Contains(t, string(data), "accepted")
}

func TestNewLoggerBadLevel(t *testing.T) {
	cfg := config.Default().Logging
	cfg.Level = "loud"
	_, _, err := NewLogger(cfg)
	assert.Error(t, err)
}
