package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zylisp/escalate/channel"
	"github.com/zylisp/escalate/pam"
	"github.com/zylisp/escalate/pam/pamtest"
	"github.com/zylisp/escalate/protocol"
)

// fakeConn plays back incoming messages and records what the bridge sends.
// Once the script runs out, Receive reports a disconnect.
type fakeConn struct {
	incoming []any // protocol.Message or error
	sent     []protocol.Message
	sendErr  error
}

func (c *fakeConn) Send(msg protocol.Message) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Receive() (protocol.Message, error) {
	if len(c.incoming) == 0 {
		return nil, channel.ErrDisconnected
	}
	next := c.incoming[0]
	c.incoming = c.incoming[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(protocol.Message), nil
}

func prompt(style protocol.Style, text string) *protocol.Prompt {
	return &protocol.Prompt{Style: style, Text: text}
}

func newHandle(turns ...pamtest.Turn) (*pamtest.Handle, *pamtest.Conversation) {
	conv := pamtest.NewConversation(turns...)
	return pamtest.NewHandle("janedoe", conv.Converse), conv
}

func TestRun_Success(t *testing.T) {
	h, conv := newHandle(
		pamtest.Turn{Style: pam.PromptEchoOff, Text: "Password: ", Response: "testpass"},
		pamtest.Turn{Style: pam.TextInfo, Text: "Success!"},
	)
	require.NoError(t, h.SetItem(pam.ItemTTY, "/dev/pts/9000"))
	require.NoError(t, h.Putenv("PATH", "/path"))

	conn := &fakeConn{incoming: []any{
		prompt(protocol.StyleEchoOff, "Password: "),
		prompt(protocol.StyleInfo, "Success!"),
		&protocol.Result{Status: 0, Env: map[string]string{"PATH": "/newpath", "A": "1"}},
	}}

	b := New(h, conn)
	assert.Equal(t, StateInit, b.State())
	report := b.Run()

	assert.Equal(t, Success, report.Outcome)
	assert.Equal(t, pam.Success, report.Outcome.Status())
	assert.Equal(t, StateTerminated, report.State)
	assert.Equal(t, StateTerminated, b.State())
	assert.NoError(t, report.Err)
	assert.NoError(t, conv.Err())

	assert.Equal(t, []protocol.Message{
		&protocol.Hello{
			Version:  protocol.Version,
			Action:   protocol.ActionAuthenticate,
			Username: "janedoe",
			Items:    map[protocol.ItemID]*string{protocol.ItemTTY: protocol.Optional("/dev/pts/9000")},
			Env:      map[string]string{"PATH": "/path"},
		},
		&protocol.Reply{Response: protocol.Optional("testpass")},
		&protocol.Reply{Response: nil},
	}, conn.sent)

	// Names are installed in sorted order.
	assert.Equal(t, []string{"A", "PATH"}, report.Applied)
	assert.Equal(t, map[string]string{"PATH": "/newpath", "A": "1"}, h.Env())
}

func TestRun_HelloWithoutTTY(t *testing.T) {
	h, _ := newHandle()
	conn := &fakeConn{incoming: []any{&protocol.Result{Status: 0}}}

	report := New(h, conn, WithAction(protocol.ActionAcctMgmt)).Run()
	require.Equal(t, Success, report.Outcome)

	hello := conn.sent[0].(*protocol.Hello)
	assert.Equal(t, protocol.ActionAcctMgmt, hello.Action)
	require.Contains(t, hello.Items, protocol.ItemTTY)
	assert.Nil(t, hello.Items[protocol.ItemTTY])
	assert.Empty(t, hello.Env)
}

func TestRun_OneReplyPerPrompt(t *testing.T) {
	styles := []protocol.Style{protocol.StyleEchoOn, protocol.StyleError, protocol.StyleEchoOff, protocol.StyleInfo, protocol.StyleInfo}

	var turns []pamtest.Turn
	incoming := []any{}
	for i, st := range styles {
		text := string(rune('a' + i))
		turns = append(turns, pamtest.Turn{Style: st, Text: text, Response: "r" + text})
		incoming = append(incoming, prompt(st, text))
	}
	incoming = append(incoming, &protocol.Result{Status: protocol.StatusAuthErr})

	h, conv := newHandle(turns...)
	conn := &fakeConn{incoming: incoming}
	report := New(h, conn).Run()

	assert.Equal(t, AuthError, report.Outcome)
	assert.NoError(t, conv.Err())
	assert.Equal(t, len(styles), report.Prompts)
	assert.Equal(t, len(styles), report.Replies)

	replies := conn.sent[1:]
	require.Len(t, replies, len(styles))
	for i, st := range styles {
		r := replies[i].(*protocol.Reply)
		if st.ExpectsInput() {
			require.NotNil(t, r.Response)
			assert.Equal(t, "r"+string(rune('a'+i)), *r.Response)
		} else {
			assert.Nil(t, r.Response)
		}
	}
}

func TestRun_AuthErrorKeepsEnvironment(t *testing.T) {
	h, _ := newHandle()
	conn := &fakeConn{incoming: []any{&protocol.Result{Status: 7, Env: map[string]string{"PATH": "/evil"}}}}

	report := New(h, conn).Run()
	assert.Equal(t, AuthError, report.Outcome)
	assert.Equal(t, int32(7), report.Status)
	assert.Empty(t, report.Applied)
	assert.Empty(t, h.Env())
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name     string
		turns    []pamtest.Turn
		incoming []any
		wantErr  error
		state    State
	}{
		{
			name:    "disconnect before any prompt",
			wantErr: channel.ErrDisconnected,
			state:   StateAwaitHelloAck,
		},
		{
			name:     "disconnect after prompt",
			turns:    []pamtest.Turn{{Style: pam.PromptEchoOff, Text: "Password: ", Response: "x"}},
			incoming: []any{prompt(protocol.StyleEchoOff, "Password: ")},
			wantErr:  channel.ErrDisconnected,
			state:    StateForwarding,
		},
		{
			name:     "hello from helper",
			incoming: []any{&protocol.Hello{Version: 1}},
			wantErr:  ErrProtocolViolation,
			state:    StateAwaitHelloAck,
		},
		{
			name:     "reply from helper",
			incoming: []any{&protocol.Reply{}},
			wantErr:  ErrProtocolViolation,
			state:    StateAwaitHelloAck,
		},
		{
			name:     "unknown style",
			incoming: []any{prompt(9, "?")},
			wantErr:  ErrProtocolViolation,
			state:    StateForwarding,
		},
		{
			name:     "malformed frame",
			incoming: []any{&protocol.MalformedError{Kind: protocol.KindPrompt, Reason: "bad"}},
			wantErr:  protocol.ErrMalformedMessage,
			state:    StateAwaitHelloAck,
		},
		{
			name:     "conversation fails",
			turns:    []pamtest.Turn{{Style: pam.PromptEchoOff, Text: "Password: ", Fail: true}},
			incoming: []any{prompt(protocol.StyleEchoOff, "Password: ")},
			wantErr:  ErrConversation,
			state:    StateForwarding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newHandle(tt.turns...)
			conn := &fakeConn{incoming: tt.incoming}

			report := New(h, conn).Run()
			assert.Equal(t, SystemError, report.Outcome)
			assert.Equal(t, pam.SystemErr, report.Outcome.Status())
			assert.ErrorIs(t, report.Err, tt.wantErr)
			assert.Equal(t, tt.state, report.State)

			// Nothing but the Hello and answered prompts was sent.
			for _, msg := range conn.sent[1:] {
				assert.Equal(t, protocol.KindReply, msg.Kind())
			}
			assert.Equal(t, report.Replies, len(conn.sent)-1)
		})
	}
}

func TestRun_ConversationFailureSendsNoReply(t *testing.T) {
	h, _ := newHandle(pamtest.Turn{Style: pam.PromptEchoOn, Text: "Login: ", Fail: true})
	conn := &fakeConn{incoming: []any{
		prompt(protocol.StyleEchoOn, "Login: "),
		&protocol.Result{Status: 0},
	}}

	report := New(h, conn).Run()
	assert.Equal(t, SystemError, report.Outcome)
	assert.Len(t, conn.sent, 1)
	assert.Equal(t, 1, report.Prompts)
	assert.Equal(t, 0, report.Replies)
}

func TestRun_SendFailure(t *testing.T) {
	h, _ := newHandle()
	conn := &fakeConn{sendErr: channel.ErrDisconnected}

	report := New(h, conn).Run()
	assert.Equal(t, SystemError, report.Outcome)
	assert.ErrorIs(t, report.Err, channel.ErrDisconnected)
	assert.Equal(t, StateInit, report.State)
}

func TestRun_NoUser(t *testing.T) {
	h := pamtest.NewHandle("", nil)
	conn := &fakeConn{incoming: []any{&protocol.Result{Status: 0}}}

	report := New(h, conn).Run()
	assert.Equal(t, SystemError, report.Outcome)
	assert.Empty(t, conn.sent)
}

func TestRun_Twice(t *testing.T) {
	h, _ := newHandle()
	conn := &fakeConn{incoming: []any{&protocol.Result{Status: 0}, &protocol.Result{Status: 0}}}

	b := New(h, conn)
	require.Equal(t, Success, b.Run().Outcome)

	report := b.Run()
	assert.Equal(t, SystemError, report.Outcome)
	assert.ErrorIs(t, report.Err, ErrProtocolViolation)
	assert.Len(t, conn.sent, 1)
}

// rejectingHandle fails to install one variable.
type rejectingHandle struct {
	*pamtest.Handle
	reject string
}

func (h *rejectingHandle) Putenv(name, value string) error {
	if name == h.reject {
		return errors.New("read-only")
	}
	return h.Handle.Putenv(name, value)
}

func TestRun_PutenvFailure(t *testing.T) {
	h := &rejectingHandle{Handle: pamtest.NewHandle("janedoe", nil), reject: "B"}
	require.NoError(t, h.Putenv("A", "framework"))
	before := h.Env()
	conn := &fakeConn{incoming: []any{&protocol.Result{Status: 0, Env: map[string]string{"A": "1", "B": "2", "C": "3"}}}}

	report := New(h, conn).Run()
	assert.Equal(t, SystemError, report.Outcome)
	assert.Equal(t, StateTerminated, report.State)
	assert.Empty(t, report.Applied)
	assert.ErrorContains(t, report.Err, "install B")
	assert.Equal(t, before, h.Env())
}

func TestRun_InvalidEnvName(t *testing.T) {
	h := pamtest.NewHandle("janedoe", nil)
	conn := &fakeConn{incoming: []any{&protocol.Result{Status: 0, Env: map[string]string{"A": "leaked", "B=C": "x"}}}}

	report := New(h, conn).Run()
	assert.Equal(t, SystemError, report.Outcome)
	assert.Empty(t, report.Applied)
	assert.Error(t, report.Err)
	assert.Empty(t, h.Env())
}

func TestOutcomeForStatus(t *testing.T) {
	assert.Equal(t, Success, OutcomeForStatus(0))
	assert.Equal(t, AuthError, OutcomeForStatus(7))
	for _, status := range []int32{1, 4, 6, 19, -7, 1 << 30} {
		assert.Equal(t, SystemError, OutcomeForStatus(status), "status %d", status)
	}

	var zero Report
	assert.Equal(t, SystemError, zero.Outcome)
	assert.Equal(t, "system-error", zero.Outcome.String())
}
