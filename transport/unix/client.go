// Package unix connects the module to a helper daemon listening on a Unix
// domain socket, and provides the accept loop for such a daemon.
package unix

import (
	"context"
	"fmt"
	"net"

	"github.com/zylisp/escalate/channel"
)

// DialOptions configures Dial.
type DialOptions struct {
	// Codec is the wire format. Empty selects MessagePack.
	Codec string

	// PeerUID, when set, is the uid the helper process must run as. The
	// check uses the kernel's peer credentials, not anything the helper
	// says about itself.
	PeerUID *uint32
}

// Dial connects to the helper socket at path.
func Dial(ctx context.Context, path string, opts DialOptions) (*channel.Channel, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to helper socket: %w", err)
	}

	if opts.PeerUID != nil {
		uid, err := peerUID(conn.(*net.UnixConn))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read helper credentials: %w", err)
		}
		if uid != *opts.PeerUID {
			conn.Close()
			return nil, fmt.Errorf("helper runs as uid %d, want %d", uid, *opts.PeerUID)
		}
	}

	ch, err := channel.Open(conn, opts.Codec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}
	return ch, nil
}
