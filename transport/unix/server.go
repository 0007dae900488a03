package unix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/zylisp/escalate/channel"
	"github.com/zylisp/escalate/server"
)

// Server accepts module connections on a Unix socket and runs one helper
// session per connection.
type Server struct {
	path     string
	codec    string
	handler  server.Handler
	logger   *log.Logger
	listener net.Listener
	conns    map[net.Conn]bool
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ready    chan struct{}
	once     sync.Once
	startErr error
	stopped  bool
}

// ErrStopped is returned by Start when Stop was called before the socket
// was listening.
var ErrStopped = errors.New("unix: server stopped")

// NewServer creates a helper server for the socket at path.
func NewServer(path string, codec string, handler server.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		path:    path,
		codec:   codec,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]bool),
		ready:   make(chan struct{}),
	}
}

// Start begins listening. It blocks until the context is cancelled or an
// error occurs. A stale socket file left by a previous run is replaced.
func (s *Server) Start(ctx context.Context) (err error) {
	defer func() { s.signalReady(err) }()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	if fi, err := os.Lstat(s.path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("%s exists and is not a socket", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	// Create listener
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		listener.Close()
		return ErrStopped
	}
	s.listener = listener
	s.wg.Add(1)
	s.mu.Unlock()
	s.signalReady(nil)

	// Accept connections in the background
	go s.acceptLoop()

	// Wait for context cancellation
	<-runCtx.Done()
	return runCtx.Err()
}

func (s *Server) signalReady(err error) {
	s.once.Do(func() {
		s.startErr = err
		close(s.ready)
	})
}

// Ready is closed once the socket is listening or Start has failed; Err
// tells the two apart.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Err returns the error that stopped Start before it could listen. It is
// only meaningful once Ready is closed.
func (s *Server) Err() error {
	select {
	case <-s.ready:
		return s.startErr
	default:
		return nil
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}

	// Close the listener
	if s.listener != nil {
		s.listener.Close()
	}
	// Close all connections
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]bool)
	s.mu.Unlock()

	// Wait for all goroutines to finish
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.path
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed", "err", err)
				continue
			}
		}

		// Track connection
		s.mu.Lock()
		s.conns[conn] = true
		s.mu.Unlock()

		// Handle connection in a goroutine
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection runs one helper session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ch, err := channel.Open(conn, s.codec)
	if err != nil {
		s.logger.Error("failed to create codec", "err", err)
		return
	}

	if err := server.Serve(s.ctx, ch, s.handler); err != nil && !errors.Is(err, server.ErrHangup) {
		s.logger.Warn("session ended with error", "err", err)
	}
}
