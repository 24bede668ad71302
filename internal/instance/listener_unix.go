//go:build !windows

package instance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
)

func listen(scheme, socketPath string, logger *zap.Logger) (net.Listener, error) {
	if scheme != "unix" {
		return nil, fmt.Errorf("%s endpoints are not supported on this platform", scheme)
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("cannot create socket directory: %w", err)
	}

	if err := cleanupStaleSocket(socketPath, logger); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			// lost the race against a launcher started at the same moment
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("cannot create Unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("cannot set socket permissions: %w", err)
	}

	return &unixListener{Listener: ln, socketPath: socketPath, logger: logger}, nil
}

// cleanupStaleSocket removes a socket file nobody is accepting on
func cleanupStaleSocket(socketPath string, logger *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}

	logger.Info("Removing stale socket file", zap.String("path", socketPath))
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove stale socket: %w", err)
	}
	return nil
}

func dial(ctx context.Context, scheme, address string) (net.Conn, error) {
	if scheme != "unix" {
		return nil, fmt.Errorf("%s endpoints are not supported on this platform", scheme)
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", address)
}

// unixListener removes the socket file on close and rejects other users
type unixListener struct {
	net.Listener
	socketPath string
	logger     *zap.Logger
}

func (ul *unixListener) Close() error {
	err := ul.Listener.Close()
	if removeErr := os.Remove(ul.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
		ul.logger.Warn("Failed to remove socket file", zap.Error(removeErr), zap.String("path", ul.socketPath))
	}
	return err
}

func (ul *unixListener) Accept() (net.Conn, error) {
	for {
		conn, err := ul.Listener.Accept()
		if err != nil {
			return nil, err
		}

		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			return conn, nil
		}

		uid, err := peerUID(unixConn)
		if err != nil {
			ul.logger.Debug("Peer credentials unavailable", zap.Error(err))
			return conn, nil
		}
		if uid != uint32(os.Getuid()) {
			ul.logger.Warn("Rejected connection from different user",
				zap.Uint32("peer_uid", uid),
				zap.Int("expected_uid", os.Getuid()))
			conn.Close()
			continue
		}
		return conn, nil
	}
}
