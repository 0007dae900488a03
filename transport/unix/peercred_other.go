//go:build !linux

package unix

import (
	"errors"
	"net"
)

func peerUID(conn *net.UnixConn) (uint32, error) {
	return 0, errors.New("peer credentials are not supported on this platform")
}
