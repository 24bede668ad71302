//go:build !linux && !darwin && !windows

package instance

import (
	"errors"
	"net"
)

func peerUID(*net.UnixConn) (uint32, error) {
	return 0, errors.New("peer credentials not supported on this platform")
}
