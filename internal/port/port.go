// Package port picks the loopback TCP port the backend listens on.
package port

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// Host is the only interface the backend is ever bound to
	Host = "127.0.0.1"

	probeTimeout = 2 * time.Second
)

// PortUnavailableError indicates that a probe listener could not be opened.
// It is logged by ChoosePort and never returned to callers.
type PortUnavailableError struct {
	Port  int
	InUse bool
	Err   error
}

func (e *PortUnavailableError) Error() string {
	if e.InUse {
		return fmt.Sprintf("port %d is already in use", e.Port)
	}
	return fmt.Sprintf("port %d is unavailable: %v", e.Port, e.Err)
}

func (e *PortUnavailableError) Unwrap() error {
	return e.Err
}

// ChoosePort returns preferred when a listener can be opened on it, otherwise a
// port assigned by the OS. It never fails: when both probes fail it returns
// preferred and lets the backend report the bind error itself.
func ChoosePort(ctx context.Context, preferred int, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if preferred > 0 && preferred < 65536 {
		port, err := probe(ctx, preferred)
		if err == nil {
			logger.Debug("Preferred port is available", zap.Int("port", port))
			return port
		}
		logger.Info("Preferred port unavailable, asking the OS for a free one",
			zap.Int("preferred", preferred),
			zap.Error(err))
	}

	port, err := probe(ctx, 0)
	if err != nil {
		logger.Warn("Ephemeral port probe failed, keeping preferred port",
			zap.Int("preferred", preferred),
			zap.Error(err))
		return preferred
	}

	logger.Info("Using OS-assigned port", zap.Int("port", port))
	return port
}

// probe opens and immediately closes a listener on Host:port and reports the
// port the OS actually bound.
func probe(ctx context.Context, port int) (int, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(Host, strconv.Itoa(port)))
	if err != nil {
		return 0, &PortUnavailableError{Port: port, InUse: isAddrInUseError(err), Err: err}
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, &PortUnavailableError{Port: port, Err: fmt.Errorf("unexpected listener address %s", ln.Addr())}
	}
	return addr.Port, nil
}
