package inprocess

import (
	"context"
	"net"

	"github.com/zylisp/escalate/channel"
)

// Dial starts a new helper session and returns the module side of it.
func (s *Server) Dial(ctx context.Context) (*channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	moduleEnd, helperEnd := net.Pipe()
	ch, err := channel.Open(moduleEnd, s.format)
	if err != nil {
		moduleEnd.Close()
		helperEnd.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.serve(ctx, helperEnd)
	return ch, nil
}
