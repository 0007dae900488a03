// Package exec runs the helper as a child process and talks to it over the
// child's stdin and stdout. The helper's stderr goes to the logger.
package exec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"

	"github.com/charmbracelet/log"

	"github.com/zylisp/escalate/channel"
	"github.com/zylisp/escalate/protocol"
)

// DefaultPath is where the helper binary is installed.
const DefaultPath = "/usr/lib/escalate/escalate-helper"

// safePath is the only environment the helper inherits by default.
const safePath = "PATH=/usr/sbin:/usr/bin:/sbin:/bin"

// Options configures Start.
type Options struct {
	// Codec is the wire format. Empty selects MessagePack.
	Codec string

	// Args are passed to the helper.
	Args []string

	// Env is added to the helper's minimal environment.
	Env []string

	// Logger receives the helper's stderr lines.
	Logger *log.Logger
}

// Start launches the helper at path and returns the module side of the
// session. ctx bounds the launch only; the session itself is not tied to
// it. Closing the channel closes the pipes and reaps the helper.
func Start(ctx context.Context, path string, opts Options) (*channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch opts.Codec {
	case "", protocol.FormatMessagePack, protocol.FormatJSON:
	default:
		return nil, fmt.Errorf("unknown codec format: %s", opts.Codec)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	cmd := osexec.Command(path, opts.Args...)
	cmd.Env = append([]string{safePath}, opts.Env...)

	p := &process{cmd: cmd, stderrDone: make(chan struct{})}
	var err error
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe failed: %w", err)
	}
	if p.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("helper start failed: %w", err)
	}
	go p.drainStderr(stderr, logger)

	ch, err := channel.Open(p, opts.Codec)
	if err != nil {
		p.Close()
		return nil, err
	}
	return ch, nil
}

type process struct {
	cmd        *osexec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrDone chan struct{}
	closed     bool
}

func (p *process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes both pipes, which makes a well-behaved helper exit, then
// waits for it.
func (p *process) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	_ = p.stdin.Close()
	_ = p.stdout.Close()
	<-p.stderrDone

	err := p.cmd.Wait()
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("helper exited with status %d", exitErr.ExitCode())
	}
	return err
}

// drainStderr forwards stderr lines until the helper closes it.
func (p *process) drainStderr(r io.Reader, logger *log.Logger) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("helper", "stderr", scanner.Text())
	}
}

type stdio struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (s stdio) Read(b []byte) (int, error)  { return s.in.Read(b) }
func (s stdio) Write(b []byte) (int, error) { return s.out.Write(b) }

func (s stdio) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}

// Stdio returns the helper side of a session started by Start: a channel
// over the current process's stdin and stdout.
func Stdio(format string) (*channel.Channel, error) {
	return channel.Open(stdio{in: os.Stdin, out: os.Stdout}, format)
}
