// Package server runs the helper side of a session. Helper implementations
// provide a Handler holding the actual authorization logic; Serve takes care
// of the message exchange around it.
package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/zylisp/escalate/channel"
	"github.com/zylisp/escalate/protocol"
)

// ErrUnexpectedMessage is returned when the module sends a message that is
// not legal at that point of the exchange.
var ErrUnexpectedMessage = errors.New("unexpected message from module")

// ErrHangup can be returned by a Handler to end the session without sending
// a Result.
var ErrHangup = errors.New("hang up")

// Prompter shows text to the user on the module side.
type Prompter interface {
	// Prompt sends a Prompt and waits for its Reply. The response is nil for
	// styles that take no input.
	Prompt(style protocol.Style, text string) (*string, error)
}

// Handler decides the outcome of one session.
type Handler interface {
	// Handle is called with the module's Hello. Returning an error ends the
	// session without a Result, which the module treats as a system error.
	Handle(ctx context.Context, hello *protocol.Hello, p Prompter) (*protocol.Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, hello *protocol.Hello, p Prompter) (*protocol.Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, hello *protocol.Hello, p Prompter) (*protocol.Result, error) {
	return f(ctx, hello, p)
}

// Serve runs one session on ch. The caller closes ch afterwards.
func Serve(ctx context.Context, ch *channel.Channel, h Handler) error {
	msg, err := ch.Receive()
	if err != nil {
		return fmt.Errorf("receive hello: %w", err)
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return fmt.Errorf("%w: got %s before hello", ErrUnexpectedMessage, msg.Kind())
	}

	// A module speaking another version gets an explicit system error.
	if hello.Version != protocol.Version {
		return ch.Send(&protocol.Result{Status: protocol.StatusSystemErr})
	}

	result, err := h.Handle(ctx, hello, &prompter{ch: ch})
	if err != nil {
		return err
	}
	if result == nil {
		return errors.New("handler returned no result")
	}

	// Send response
	if err := ch.Send(result); err != nil {
		return fmt.Errorf("send result: %w", err)
	}
	return nil
}

type prompter struct {
	ch *channel.Channel
}

func (p *prompter) Prompt(style protocol.Style, text string) (*string, error) {
	if err := p.ch.Send(&protocol.Prompt{Style: style, Text: text}); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	msg, err := p.ch.Receive()
	if err != nil {
		return nil, fmt.Errorf("receive reply: %w", err)
	}
	reply, ok := msg.(*protocol.Reply)
	if !ok {
		return nil, fmt.Errorf("%w: got %s while waiting for reply", ErrUnexpectedMessage, msg.Kind())
	}
	return reply.Response, nil
}
