package netload

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pin/tftp/v3"
	"go.uber.org/zap"
)

const DefaultPort = "69"

type Config struct {
	TimeoutMs int `json:"timeout_ms"`
	Retries   int `json:"retries"`
	// Directory served to peers over TFTP. Empty disables the server.
	TftpRoot string `json:"tftp_root"`
	Listen   string `json:"listen"`
}

// Loader fetches files from a TFTP server.
type Loader struct {
	logger *zap.Logger
	config Config
}

func NewLoader(logger *zap.Logger, config Config) *Loader {
	return &Loader{
		logger: logger.With(zap.String("component", "tftp")),
		config: config,
	}
}

// Fetch downloads filename from server into w. A server without a port
// uses the standard TFTP port.
func (l *Loader) Fetch(ctx context.Context, server string, filename string, w io.Writer) (int64, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, DefaultPort)
	}
	c, err := tftp.NewClient(server)
	if err != nil {
		return 0, fmt.Errorf("failed to create tftp client: %w", err)
	}
	if l.config.TimeoutMs > 0 {
		c.SetTimeout(time.Duration(l.config.TimeoutMs) * time.Millisecond)
	}
	if l.config.Retries > 0 {
		c.SetRetries(l.config.Retries)
	}

	logger := l.logger.With(zap.String("server", server), zap.String("filename", filename))
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	logger.Info("loading file")

	wt, err := c.Receive(filename, "octet")
	if err != nil {
		logger.Warn("tftp request failed", zap.Error(err))
		return 0, fmt.Errorf("tftp request failed: %w", err)
	}
	if it, ok := wt.(tftp.IncomingTransfer); ok {
		if size, ok := it.Size(); ok {
			logger.Info("transfer size announced", zap.String("size", humanize.IBytes(uint64(size))))
		}
	}
	n, err := wt.WriteTo(w)
	if err != nil {
		logger.Warn("failed to load file", zap.Error(err))
		return n, fmt.Errorf("tftp transfer failed: %w", err)
	}
	logger.Info("loaded file", zap.String("size", humanize.IBytes(uint64(n))))
	return n, nil
}

// Server serves a directory read-only, so peers on the update network can
// pull the images a host pushed through the shell.
type Server struct {
	logger *zap.Logger
	root   string
	s      *tftp.Server
}

func NewServer(logger *zap.Logger, root string) *Server {
	srv := &Server{
		logger: logger.With(zap.String("component", "tftp-server")),
		root:   root,
	}
	srv.s = tftp.NewServer(srv.read, nil)
	srv.s.SetTimeout(5 * time.Second)
	return srv
}

// Start serves in the background on addr.
func (srv *Server) Start(addr string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				srv.logger.Error("tftp server panicked", zap.Any("panic", r))
			}
		}()
		if err := srv.s.ListenAndServe(addr); err != nil {
			srv.logger.Error("tftp server failed", zap.Error(err))
		}
	}()
	srv.logger.Info("tftp server started", zap.String("addr", addr), zap.String("root", srv.root))
}

// Serve blocks serving on an existing socket.
func (srv *Server) Serve(conn *net.UDPConn) error {
	return srv.s.Serve(conn)
}

func (srv *Server) Shutdown() {
	srv.s.Shutdown()
}

func (srv *Server) read(filename string, rf io.ReaderFrom) error {
	if strings.Contains(filename, "..") {
		srv.logger.Warn("attempted to read file with .. in path", zap.String("filename", filename))
		return fmt.Errorf("invalid filename")
	}

	file, err := os.Open(path.Join(srv.root, filename))
	if err != nil {
		srv.logger.Warn("failed to open file", zap.String("filename", filename), zap.Error(err))
		return err
	}
	defer file.Close()

	if st, err := file.Stat(); err == nil {
		if ot, ok := rf.(tftp.OutgoingTransfer); ok {
			ot.SetSize(st.Size())
		}
	}

	n, err := rf.ReadFrom(file)
	if err != nil {
		srv.logger.Warn("failed to read file", zap.String("filename", filename), zap.Error(err))
		return err
	}

	srv.logger.Info("served file", zap.String("filename", filename), zap.Int64("size", n))
	return nil
}
