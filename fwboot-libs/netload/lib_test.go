package netload

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServer(t *testing.T, root string) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	srv := NewServer(zap.NewNop(), root)
	go srv.Serve(conn)
	t.Cleanup(srv.Shutdown)
	return conn.LocalAddr().String()
}

func TestFetchFromServer(t *testing.T) {
	root := t.TempDir()
	payload := bytes.Repeat([]byte("fpga bitstream "), 1000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "fpga.bin"), payload, 0644))
	addr := startServer(t, root)

	l := NewLoader(zap.NewNop(), Config{TimeoutMs: 1000, Retries: 2})
	var buf bytes.Buffer
	n, err := l.Fetch(context.Background(), addr, "fpga.bin", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.Bytes())
}

func TestFetchRejectsTraversal(t *testing.T) {
	addr := startServer(t, t.TempDir())

	l := NewLoader(zap.NewNop(), Config{TimeoutMs: 1000, Retries: 1})
	_, err := l.Fetch(context.Background(), addr, "../etc/passwd", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFetchMissingFile(t *testing.T) {
	addr := startServer(t, t.TempDir())

	l := NewLoader(zap.NewNop(), Config{TimeoutMs: 1000, Retries: 1})
	_, err := l.Fetch(context.Background(), addr, "missing.bin", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLoader(zap.NewNop(), Config{})
	_, err := l.Fetch(ctx, "127.0.0.1", "x", &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
