//go:build linux

package instance

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerUID reads SO_PEERCRED from the connected socket
func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("SO_PEERCRED failed: %w", credErr)
	}
	return cred.Uid, nil
}
