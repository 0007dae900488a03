// Package escalate is the module side of a privilege escalation check. A
// Module imports whitelisted variables into the PAM environment, opens a
// session with the privileged helper, relays the helper's prompts to the
// user, and turns the helper's verdict into a PAM status.
//
// The decision itself is always made by the helper. Anything that goes
// wrong on the way is a system error, never a success.
package escalate

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/zylisp/escalate/bridge"
	"github.com/zylisp/escalate/client"
	"github.com/zylisp/escalate/config"
	"github.com/zylisp/escalate/environ"
	"github.com/zylisp/escalate/pam"
	"github.com/zylisp/escalate/protocol"
)

// Conn is an open session with the helper.
type Conn interface {
	bridge.Conn
	Close() error
}

// Dialer opens a session with the helper.
type Dialer func(ctx context.Context) (Conn, error)

// Option configures a Module.
type Option func(*Module)

// WithDialer replaces the helper address from the configuration.
func WithDialer(d Dialer) Option {
	return func(m *Module) {
		m.dialer = d
	}
}

// WithLogger sets the logger. Payloads such as passwords are never logged.
func WithLogger(logger *log.Logger) Option {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLookupEnv replaces os.LookupEnv as the source of the process
// environment.
func WithLookupEnv(lookup environ.LookupFunc) Option {
	return func(m *Module) {
		m.lookup = lookup
	}
}

// WithConfig uses cfg instead of reading config.DefaultPath.
func WithConfig(cfg config.Config) Option {
	return func(m *Module) {
		m.cfg = &cfg
	}
}

// WithAction sets the action announced in Hello.
func WithAction(action protocol.Action) Option {
	return func(m *Module) {
		m.action = action
	}
}

// Module is one invocation of the module by the PAM stack.
type Module struct {
	handle    pam.Handle
	whitelist environ.Whitelist
	imported  []environ.Var

	cfg    *config.Config
	dialer Dialer
	lookup environ.LookupFunc
	logger *log.Logger
	action protocol.Action

	report bridge.Report
}

// New parses the module arguments and imports the whitelisted process
// variables into h's environment. Variables h already has are left alone.
func New(h pam.Handle, args []string, opts ...Option) (*Module, error) {
	m := &Module{
		handle: h,
		lookup: os.LookupEnv,
		logger: log.New(io.Discard),
		action: protocol.ActionAuthenticate,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.init(args); err != nil {
		m.logger.Error("module setup failed", "err", err)
		return nil, err
	}
	return m, nil
}

func (m *Module) init(args []string) error {
	wl, err := environ.ParseArgs(args)
	if err != nil {
		return err
	}
	m.whitelist = wl

	if m.cfg == nil {
		cfg, err := config.Load(config.DefaultPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		m.cfg = &cfg
	}
	if m.dialer == nil {
		m.dialer = m.dialHelper
	}

	m.imported, err = environ.Apply(m.handle, m.lookup, wl)
	if err != nil {
		return err
	}
	if len(m.imported) > 0 {
		m.logger.Debug("imported environment", "count", len(m.imported))
	}
	return nil
}

func (m *Module) dialHelper(ctx context.Context) (Conn, error) {
	ch, err := client.Dial(ctx, m.cfg.Helper, client.Options{
		Codec:     m.cfg.Codec,
		HelperUID: m.cfg.HelperUID,
		Logger:    m.logger,
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Whitelist returns the parsed add_env names.
func (m *Module) Whitelist() environ.Whitelist {
	return m.whitelist
}

// Imported returns the variables New installed.
func (m *Module) Imported() []environ.Var {
	return m.imported
}

// Config returns the settings in effect.
func (m *Module) Config() config.Config {
	return *m.cfg
}

// Report returns how the last Authenticate call ended.
func (m *Module) Report() bridge.Report {
	return m.report
}

// Authenticate runs the module once for h with the PAM module arguments
// args. A setup failure, such as an unknown argument, is PAM_SYSTEM_ERR.
func Authenticate(ctx context.Context, h pam.Handle, args []string, opts ...Option) pam.Status {
	m, err := New(h, args, opts...)
	if err != nil {
		return pam.SystemErr
	}
	return m.Authenticate(ctx)
}

// Authenticate runs one session with the helper. ctx bounds connecting to
// the helper; the exchange itself blocks on the user like any PAM
// conversation.
func (m *Module) Authenticate(ctx context.Context) pam.Status {
	logger := m.logger.With("session", uuid.NewString())

	if err := ctx.Err(); err != nil {
		m.report = bridge.Report{Outcome: bridge.SystemError, Err: err}
		return pam.SystemErr
	}

	conn, err := m.dialer(ctx)
	if err != nil {
		logger.Error("helper unavailable", "err", err)
		m.report = bridge.Report{Outcome: bridge.SystemError, Err: err}
		return pam.SystemErr
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("close helper session", "err", err)
		}
	}()

	m.report = bridge.New(m.handle, conn,
		bridge.WithAction(m.action),
		bridge.WithLogger(logger),
	).Run()

	status := m.report.Outcome.Status()
	logger.Info("authenticate", "status", status)
	return status
}
