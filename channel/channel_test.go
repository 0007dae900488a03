package channel

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zylisp/escalate/protocol"
)

func pipe(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	left, err := Open(a, protocol.FormatMessagePack)
	require.NoError(t, err)
	right, err := Open(b, protocol.FormatMessagePack)
	require.NoError(t, err)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func TestChannel_SendReceive(t *testing.T) {
	module, helper := pipe(t)

	hello := &protocol.Hello{Version: protocol.Version, Username: "janedoe"}
	go func() {
		_ = module.Send(hello)
	}()

	msg, err := helper.Receive()
	require.NoError(t, err)
	assert.Equal(t, hello, msg)
	assert.False(t, helper.Finished())
}

func TestChannel_DisconnectBeforeResult(t *testing.T) {
	module, helper := pipe(t)

	go func() {
		_ = helper.Send(&protocol.Prompt{Style: protocol.StyleInfo, Text: "hi"})
		helper.Close()
	}()

	msg, err := module.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindPrompt, msg.Kind())

	_, err = module.Receive()
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestChannel_CloseAfterResult(t *testing.T) {
	module, helper := pipe(t)

	go func() {
		_ = helper.Send(&protocol.Result{Status: protocol.StatusSuccess})
		helper.Close()
	}()

	msg, err := module.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResult, msg.Kind())
	assert.True(t, module.Finished())

	_, err = module.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NotErrorIs(t, err, ErrDisconnected)
}

func TestChannel_SendAfterPeerClosed(t *testing.T) {
	module, helper := pipe(t)
	helper.Close()

	err := module.Send(&protocol.Reply{})
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestChannel_LocalClose(t *testing.T) {
	module, _ := pipe(t)
	require.NoError(t, module.Close())
	require.NoError(t, module.Close())

	_, err := module.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, module.Send(&protocol.Reply{}), ErrClosed)
}

type stubCodec struct {
	msgs []protocol.Message
	err  error
}

func (s *stubCodec) Encode(protocol.Message) error { return s.err }

func (s *stubCodec) Decode() (protocol.Message, error) {
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		return m, nil
	}
	return nil, s.err
}

func (s *stubCodec) Close() error { return nil }

func TestChannel_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		target  error
		ioError bool
	}{
		{"eof", io.EOF, ErrDisconnected, false},
		{"truncated frame", io.ErrUnexpectedEOF, ErrDisconnected, false},
		{"malformed", &protocol.MalformedError{Reason: "bad"}, protocol.ErrMalformedMessage, false},
		{"other", errors.New("disk on fire"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := New(&stubCodec{err: tt.err})
			_, err := ch.Receive()
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			var ioErr *IOError
			assert.Equal(t, tt.ioError, errors.As(err, &ioErr))
		})
	}
}
