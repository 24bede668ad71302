package monitor

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/observability"
)

// HealthPath is polled until the backend answers 200
const HealthPath = "/health"

const (
	defaultRequestTimeout    = 3 * time.Second
	defaultRequiredSuccesses = 2
	defaultSuccessInterval   = 500 * time.Millisecond
)

// StartupTimeoutError reports a backend that never became ready
type StartupTimeoutError struct {
	Attempts int
	LastErr  error
}

func (e *StartupTimeoutError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("backend not ready after %d health checks", e.Attempts)
	}
	return fmt.Sprintf("backend not ready after %d health checks: %v", e.Attempts, e.LastErr)
}

func (e *StartupTimeoutError) Unwrap() error {
	return e.LastErr
}

// ProberOptions configures a Prober
type ProberOptions struct {
	Host              string
	RequestTimeout    time.Duration
	RequiredSuccesses int
	SuccessInterval   time.Duration
	Metrics           *observability.Metrics
	Logger            *zap.SugaredLogger
}

// Prober polls the backend health endpoint
type Prober struct {
	client            *http.Client
	host              string
	requestTimeout    time.Duration
	requiredSuccesses int
	successInterval   time.Duration
	metrics           *observability.Metrics
	logger            *zap.SugaredLogger
}

// NewProber creates a prober. Zero options take the defaults; a zero
// SuccessInterval is kept and a negative one means the default.
func NewProber(opts ProberOptions) *Prober {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RequiredSuccesses <= 0 {
		opts.RequiredSuccesses = defaultRequiredSuccesses
	}
	if opts.SuccessInterval < 0 {
		opts.SuccessInterval = defaultSuccessInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             nil, // loopback only
				DisableKeepAlives: true,
			},
		},
		host:              opts.Host,
		requestTimeout:    opts.RequestTimeout,
		requiredSuccesses: opts.RequiredSuccesses,
		successInterval:   opts.SuccessInterval,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
	}
}

// HealthURL returns the health endpoint for port
func (p *Prober) HealthURL(port int) string {
	return "http://" + net.JoinHostPort(p.host, strconv.Itoa(port)) + HealthPath
}

// WaitUntilReady polls sequentially until RequiredSuccesses consecutive 200
// responses arrive. Every request counts against maxAttempts; a failure resets
// the streak and waits interval, a success waits SuccessInterval.
func (p *Prober) WaitUntilReady(ctx context.Context, port, maxAttempts int, interval time.Duration) error {
	url := p.HealthURL(port)
	p.logger.Infow("Waiting for backend readiness",
		"url", url,
		"max_attempts", maxAttempts,
		"interval", interval,
		"required_successes", p.requiredSuccesses)

	var lastErr error
	consecutive := 0
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.check(ctx, url)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := interval
		if err == nil {
			consecutive++
			p.logger.Debugw("Health check passed", "attempt", attempt, "consecutive", consecutive)
			if consecutive >= p.requiredSuccesses {
				p.logger.Infow("Backend is ready", "attempts", attempt, "elapsed", time.Since(start))
				return nil
			}
			wait = p.successInterval
		} else {
			consecutive = 0
			lastErr = err
			p.logger.Debugw("Health check failed", "attempt", attempt, "error", err)
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}

	p.logger.Warnw("Backend did not become ready", "attempts", maxAttempts, "elapsed", time.Since(start), "last_error", lastErr)
	return &StartupTimeoutError{Attempts: maxAttempts, LastErr: lastErr}
}

// check performs one health request
func (p *Prober) check(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		p.metrics.RecordProbe(observability.ProbeError)
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.RecordProbe(observability.ProbeError)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		p.metrics.RecordProbe(observability.ProbeBadStatus)
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	p.metrics.RecordProbe(observability.ProbeOK)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
