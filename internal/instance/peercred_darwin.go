//go:build darwin

package instance

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerUID reads LOCAL_PEERCRED from the connected socket
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		cred    *unix.Xucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("LOCAL_PEERCRED failed: %w", credErr)
	}
	return cred.Uid, nil
}
