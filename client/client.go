// Package client opens the module side of a helper session. The transport
// is chosen from the helper address.
package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/zylisp/escalate/channel"
	"github.com/zylisp/escalate/transport/exec"
	"github.com/zylisp/escalate/transport/unix"
)

// Options configures Dial.
type Options struct {
	// Codec is the wire format: "msgpack" (the default) or "json".
	Codec string

	// HelperUID, when set, is the uid a socket helper must run as.
	HelperUID *uint32

	// Logger receives transport diagnostics such as helper stderr.
	Logger *log.Logger
}

// ConnectError reports a failure to reach the helper.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to helper %q: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Dial opens a session channel to the helper at addr. Supported forms are
//
//	unix:///run/escalate.sock   Unix socket
//	/run/escalate.sock          Unix socket
//	exec:///usr/lib/helper      helper spawned over stdio
func Dial(ctx context.Context, addr string, opts Options) (*channel.Channel, error) {
	transport, target := detectTransport(addr)

	var (
		ch  *channel.Channel
		err error
	)
	switch transport {
	case "unix":
		ch, err = unix.Dial(ctx, target, unix.DialOptions{Codec: opts.Codec, PeerUID: opts.HelperUID})
	case "exec":
		ch, err = exec.Start(ctx, target, exec.Options{Codec: opts.Codec, Logger: opts.Logger})
	case "in-process":
		// In-process helpers hand out channels directly via their Dial method
		err = fmt.Errorf("in-process transport not supported by address")
	default:
		err = fmt.Errorf("unknown transport for address")
	}
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return ch, nil
}

// detectTransport detects the transport type and its target from an
// address string.
func detectTransport(addr string) (transport, target string) {
	// Check for explicit transport prefix
	if rest, ok := strings.CutPrefix(addr, "unix://"); ok {
		return "unix", rest
	}
	if rest, ok := strings.CutPrefix(addr, "exec://"); ok {
		return "exec", rest
	}

	if addr == "" || addr == "in-process" {
		return "in-process", ""
	}

	// A bare absolute path is a socket
	if strings.HasPrefix(addr, "/") {
		return "unix", addr
	}

	return "", addr
}
