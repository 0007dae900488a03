// Package operations routes helper sessions by the action the module was
// invoked for. A helper registers one server.Handler per supported action;
// sessions for other actions are answered with a system error.
package operations

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/zylisp/escalate/protocol"
	"github.com/zylisp/escalate/server"
)

// Mux is a server.Handler that dispatches on Hello.Action.
type Mux struct {
	handlers map[protocol.Action]server.Handler
	logger   *log.Logger
}

// NewMux creates an empty dispatcher. A nil logger discards output.
func NewMux(logger *log.Logger) *Mux {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Mux{
		handlers: make(map[protocol.Action]server.Handler),
		logger:   logger,
	}
}

// Register installs h for action, replacing any earlier handler.
func (m *Mux) Register(action protocol.Action, h server.Handler) {
	m.handlers[action] = h
}

// Actions lists the registered actions in ascending order.
func (m *Mux) Actions() []protocol.Action {
	actions := make([]protocol.Action, 0, len(m.handlers))
	for a := range m.handlers {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// Handle implements server.Handler.
func (m *Mux) Handle(ctx context.Context, hello *protocol.Hello, p server.Prompter) (*protocol.Result, error) {
	h, ok := m.handlers[hello.Action]
	if !ok {
		// Unsupported actions never succeed
		m.logger.Warn("unsupported action", "action", hello.Action, "user", hello.Username)
		return &protocol.Result{Status: protocol.StatusSystemErr}, nil
	}

	m.logger.Debug("session", "action", hello.Action, "user", hello.Username)
	result, err := h.Handle(ctx, hello, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hello.Action, err)
	}
	return result, nil
}
