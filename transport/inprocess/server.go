// Package inprocess connects the module to a helper Handler running in the
// same process. Each session gets its own net.Pipe, so the exchange goes
// through the real codec exactly as it would over a socket.
package inprocess

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/zylisp/escalate/channel"
	"github.com/zylisp/escalate/server"
)

// Server runs helper sessions in goroutines.
type Server struct {
	handler server.Handler
	format  string
	mu      sync.Mutex
	errs    []error
	wg      sync.WaitGroup
}

// NewServer creates an in-process helper using codec format.
func NewServer(handler server.Handler, format string) *Server {
	return &Server{
		handler: handler,
		format:  format,
	}
}

// Addr returns the address (always "in-process" for this transport).
func (s *Server) Addr() string {
	return "in-process"
}

// Wait blocks until every session has ended and returns the errors of the
// sessions that did not end cleanly. Deliberate hang-ups are not errors.
func (s *Server) Wait() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// serve runs one helper session on conn.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	ch, err := channel.Open(conn, s.format)
	if err != nil {
		s.record(err)
		return
	}
	if err := server.Serve(ctx, ch, s.handler); err != nil && !errors.Is(err, server.ErrHangup) {
		s.record(err)
	}
}

func (s *Server) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}
