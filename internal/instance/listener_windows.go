//go:build windows

package instance

import (
	"context"
	"fmt"
	"net"
	"time"

	winio "github.com/Microsoft/go-winio"
	"go.uber.org/zap"
)

func listen(scheme, pipeName string, logger *zap.Logger) (net.Listener, error) {
	if scheme != "npipe" {
		return nil, fmt.Errorf("%s endpoints are not supported on Windows", scheme)
	}

	// empty security descriptor restricts the pipe to the current user
	ln, err := winio.ListenPipe(pipeName, &winio.PipeConfig{
		InputBufferSize:  65536,
		OutputBufferSize: 65536,
	})
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		if conn, dialErr := winio.DialPipeContext(ctx, pipeName); dialErr == nil {
			conn.Close()
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("cannot create named pipe: %w", err)
	}

	logger.Debug("Named pipe listener created", zap.String("pipe", pipeName))
	return ln, nil
}

func dial(ctx context.Context, scheme, address string) (net.Conn, error) {
	if scheme != "npipe" {
		return nil, fmt.Errorf("%s endpoints are not supported on Windows", scheme)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return winio.DialPipeContext(ctx, address)
}
