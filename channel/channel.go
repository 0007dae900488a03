// Package channel provides the message-framed connection between the module
// and the helper. A Channel is owned by one session and used from a single
// goroutine.
package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/zylisp/escalate/protocol"
)

var (
	// ErrDisconnected is returned when the peer goes away before a Result
	// has passed through the channel.
	ErrDisconnected = errors.New("peer disconnected before result")

	// ErrClosed is returned when the peer hangs up after the Result, or when
	// the channel was closed locally.
	ErrClosed = errors.New("channel closed")
)

// IOError wraps a transport failure that is not a plain hang-up.
type IOError struct {
	Op  string // "send" or "receive"
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Channel sends and receives whole protocol messages over a Codec.
type Channel struct {
	codec    protocol.Codec
	finished bool
	closed   bool
}

// New wraps an existing codec.
func New(codec protocol.Codec) *Channel {
	return &Channel{codec: codec}
}

// Open creates a codec of the given format over rwc and wraps it.
func Open(rwc io.ReadWriteCloser, format string) (*Channel, error) {
	codec, err := protocol.NewCodec(format, rwc)
	if err != nil {
		return nil, err
	}
	return New(codec), nil
}

// Send writes one message.
func (c *Channel) Send(msg protocol.Message) error {
	if c.closed {
		return ErrClosed
	}
	if err := c.codec.Encode(msg); err != nil {
		if isHangup(err) {
			return c.hangup()
		}
		return &IOError{Op: "send", Err: err}
	}
	if msg.Kind() == protocol.KindResult {
		c.finished = true
	}
	return nil
}

// Receive blocks until the next message arrives, the peer closes the
// connection, or the transport fails. Malformed frames are returned as the
// codec's *protocol.MalformedError.
func (c *Channel) Receive() (protocol.Message, error) {
	if c.closed {
		return nil, ErrClosed
	}
	msg, err := c.codec.Decode()
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrMalformedMessage):
			return nil, err
		case isHangup(err):
			return nil, c.hangup()
		default:
			return nil, &IOError{Op: "receive", Err: err}
		}
	}
	if msg.Kind() == protocol.KindResult {
		c.finished = true
	}
	return msg, nil
}

// Finished reports whether a Result has been sent or received.
func (c *Channel) Finished() bool {
	return c.finished
}

// Close closes the underlying transport. It is safe to call more than once.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.codec.Close()
}

func (c *Channel) hangup() error {
	if c.finished {
		return ErrClosed
	}
	return ErrDisconnected
}

func isHangup(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
