package instance

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const probeTimeout = time.Second

// Lock is held by the first launcher for its whole lifetime. Its listener
// accepts connections from later launches.
type Lock struct {
	net.Listener
	endpoint string
	logger   *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Acquire claims the endpoint. It returns ErrAlreadyRunning when a live
// launcher answers on it; a stale socket left by a crash is removed first.
func Acquire(endpoint string, logger *zap.Logger) (*Lock, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	scheme, address, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	ln, err := listen(scheme, address, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Acquired single-instance endpoint", zap.String("endpoint", endpoint))
	return &Lock{Listener: ln, endpoint: endpoint, logger: logger}, nil
}

// Endpoint returns the endpoint this lock holds
func (l *Lock) Endpoint() string {
	return l.endpoint
}

// Close releases the endpoint. Safe to call more than once.
func (l *Lock) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
		l.logger.Info("Released single-instance endpoint", zap.String("endpoint", l.endpoint))
	})
	return l.closeErr
}

// Dialer returns a DialContext function that reaches the instance endpoint,
// whatever host the HTTP client asks for.
func Dialer(endpoint string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	scheme, address, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dial(ctx, scheme, address)
	}, nil
}

// NewHTTPClient returns an HTTP client whose every request goes to the endpoint
func NewHTTPClient(endpoint string, timeout time.Duration) (*http.Client, error) {
	dialer, err := Dialer(endpoint)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialer,
			DisableKeepAlives: true,
		},
	}, nil
}

// IsRunning reports whether a launcher currently answers on the endpoint
func IsRunning(ctx context.Context, endpoint string) bool {
	scheme, address, err := parseEndpoint(endpoint)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := dial(ctx, scheme, address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
