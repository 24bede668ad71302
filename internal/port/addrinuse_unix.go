//go:build !windows

package port

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// isAddrInUseError determines whether an error represents an address-in-use condition.
func isAddrInUseError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil && opErr.Err != err {
		if isAddrInUseError(opErr.Err) {
			return true
		}
	}

	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
