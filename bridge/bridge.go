// Package bridge drives one module-side session with the helper: it sends
// Hello, relays each Prompt through the PAM conversation, returns the answer
// as a Reply, and interprets the terminal Result.
//
// Every failure ends the session with SystemError. AuthError only comes from
// an explicit helper decision.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/zylisp/escalate/environ"
	"github.com/zylisp/escalate/pam"
	"github.com/zylisp/escalate/protocol"
)

var (
	// ErrProtocolViolation is returned when the helper sends a message that
	// is not legal at that point of the exchange.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrConversation is returned when the PAM conversation fails.
	ErrConversation = errors.New("conversation failed")
)

// Outcome is the terminal result of a session. The zero value is
// SystemError.
type Outcome int

const (
	SystemError Outcome = iota
	AuthError
	Success
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AuthError:
		return "auth-error"
	default:
		return "system-error"
	}
}

// Status maps the outcome onto the PAM status vocabulary.
func (o Outcome) Status() pam.Status {
	switch o {
	case Success:
		return pam.Success
	case AuthError:
		return pam.AuthErr
	default:
		return pam.SystemErr
	}
}

// OutcomeForStatus maps a Result status code to an Outcome.
func OutcomeForStatus(status int32) Outcome {
	switch status {
	case protocol.StatusSuccess:
		return Success
	case protocol.StatusAuthErr:
		return AuthError
	default:
		return SystemError
	}
}

// State is the position of a session in the exchange.
type State int

const (
	StateInit State = iota
	StateAwaitHelloAck
	StateForwarding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitHelloAck:
		return "await-hello-ack"
	case StateForwarding:
		return "forwarding"
	default:
		return "terminated"
	}
}

// Conn is the module side of a helper channel.
type Conn interface {
	Send(msg protocol.Message) error
	Receive() (protocol.Message, error)
}

// Report describes how a session ended.
type Report struct {
	Outcome Outcome

	// State is the state the session was in when it ended. It is
	// StateTerminated only when a Result was received.
	State State

	// Prompts and Replies count the exchanged messages.
	Prompts int
	Replies int

	// Status is the helper's status code, valid when a Result was received.
	Status int32

	// Applied lists, in order, the environment names installed from the
	// Result. It is empty when installation failed, since a failed
	// installation is rolled back.
	Applied []string

	// Err is the cause of a SystemError.
	Err error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAction sets the action announced in Hello. The default is
// authenticate.
func WithAction(action protocol.Action) Option {
	return func(b *Bridge) {
		b.action = action
	}
}

// WithLogger sets the logger. Prompt text and replies are never logged.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bridge is a single session. It is not reusable.
type Bridge struct {
	handle pam.Handle
	conn   Conn
	action protocol.Action
	logger *log.Logger

	state  State
	report Report
}

// New creates a session that talks to the helper over conn and to the user
// through h.
func New(h pam.Handle, conn Conn, opts ...Option) *Bridge {
	b := &Bridge{
		handle: h,
		conn:   conn,
		action: protocol.ActionAuthenticate,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state.
func (b *Bridge) State() State {
	return b.state
}

// Run performs the exchange and returns how it ended. Run may be called only
// once; later calls fail with ErrProtocolViolation.
func (b *Bridge) Run() Report {
	if b.state != StateInit {
		return b.fail(fmt.Errorf("%w: session already ran", ErrProtocolViolation))
	}

	hello, err := b.hello()
	if err != nil {
		return b.fail(err)
	}
	if err := b.conn.Send(hello); err != nil {
		return b.fail(fmt.Errorf("send hello: %w", err))
	}
	b.state = StateAwaitHelloAck
	b.logger.Debug("hello sent", "action", b.action, "env", len(hello.Env))

	for {
		msg, err := b.conn.Receive()
		if err != nil {
			return b.fail(fmt.Errorf("receive: %w", err))
		}

		switch m := msg.(type) {
		case *protocol.Prompt:
			b.state = StateForwarding
			if err := b.forward(m); err != nil {
				return b.fail(err)
			}
		case *protocol.Result:
			return b.finish(m)
		case *protocol.Hello, *protocol.Reply:
			return b.fail(fmt.Errorf("%w: helper sent %s in state %s", ErrProtocolViolation, msg.Kind(), b.state))
		default:
			return b.fail(fmt.Errorf("%w: unexpected message %T", ErrProtocolViolation, msg))
		}
	}
}

func (b *Bridge) hello() (*protocol.Hello, error) {
	user, err := b.handle.User()
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	var tty *string
	if v, ok := b.handle.Item(pam.ItemTTY); ok {
		tty = protocol.Optional(v)
	}

	return &protocol.Hello{
		Version:  protocol.Version,
		Action:   b.action,
		Username: user,
		Items:    map[protocol.ItemID]*string{protocol.ItemTTY: tty},
		Env:      b.handle.Env(),
	}, nil
}

// forward runs one conversation turn and answers the prompt.
func (b *Bridge) forward(p *protocol.Prompt) error {
	b.report.Prompts++
	if !p.Style.Valid() {
		return fmt.Errorf("%w: unknown prompt style %d", ErrProtocolViolation, p.Style)
	}
	b.logger.Debug("prompt", "style", p.Style)

	resp, err := b.handle.Converse(p.Style, p.Text)
	if err != nil {
		return fmt.Errorf("%w: %s prompt: %w", ErrConversation, p.Style, err)
	}

	reply := &protocol.Reply{ReturnCode: 0}
	if p.Style.ExpectsInput() {
		reply.Response = protocol.Optional(resp)
	}
	if err := b.conn.Send(reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	b.report.Replies++
	return nil
}

func (b *Bridge) finish(r *protocol.Result) Report {
	b.state = StateTerminated
	b.report.State = b.state
	b.report.Status = r.Status
	b.report.Outcome = OutcomeForStatus(r.Status)

	if b.report.Outcome == Success {
		names := make([]string, 0, len(r.Env))
		for name := range r.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		vars := make([]environ.Var, 0, len(names))
		for _, name := range names {
			vars = append(vars, environ.Var{Name: name, Value: r.Env[name]})
		}
		if err := environ.Install(b.handle, vars); err != nil {
			b.report.Outcome = SystemError
			b.report.Err = err
		} else if len(names) > 0 {
			b.report.Applied = names
		}
	}

	b.logger.Debug("result", "status", r.Status, "outcome", b.report.Outcome,
		"prompts", b.report.Prompts, "env", len(b.report.Applied))
	if b.report.Err != nil {
		b.logger.Error("session failed", "err", b.report.Err)
	}
	return b.report
}

func (b *Bridge) fail(err error) Report {
	b.report.State = b.state
	b.state = StateTerminated
	b.report.Outcome = SystemError
	b.report.Err = err
	b.logger.Error("session failed", "state", b.report.State, "prompts", b.report.Prompts, "err", err)
	return b.report
}
