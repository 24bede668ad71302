// Package window loads the translator UI into a display surface.
package window

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRetryDelay     = time.Second
	defaultRequestTimeout = 5 * time.Second
)

// ErrClosed is returned by Load and Focus after Close
var ErrClosed = errors.New("window closed")

// LoadFailureError reports a UI that could not be fetched after one retry
type LoadFailureError struct {
	URL string
	Err error
}

func (e *LoadFailureError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.URL, e.Err)
}

func (e *LoadFailureError) Unwrap() error {
	return e.Err
}

// Surface displays the UI
type Surface interface {
	Show(url string) error
	Focus() error
	Close() error
}

// Options configures a Controller
type Options struct {
	Surface        Surface
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

// Controller owns the UI surface and knows what it shows
type Controller struct {
	surface    Surface
	client     *http.Client
	retryDelay time.Duration
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	url    string
	closed bool
}

// NewController creates a window controller
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Surface == nil {
		opts.Surface = NewLogSurface(opts.Logger)
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	return &Controller{
		surface: opts.Surface,
		client: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: &http.Transport{Proxy: nil, DisableKeepAlives: true},
		},
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
	}
}

// Load fetches url once as a preflight and shows it. A transport failure is
// retried once after the retry delay; HTTP error pages still count as loaded.
func (c *Controller) Load(ctx context.Context, url string) error {
	if c.isClosed() {
		return ErrClosed
	}

	err := c.preflight(ctx, url)
	if err != nil && ctx.Err() == nil {
		c.logger.Warnw("UI load failed, retrying", "url", url, "delay", c.retryDelay, "error", err)
		timer := time.NewTimer(c.retryDelay)
		select {
		case <-timer.C:
			err = c.preflight(ctx, url)
		case <-ctx.Done():
			timer.Stop()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.logger.Errorw("UI load failed", "url", url, "error", err)
		return &LoadFailureError{URL: url, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.surface.Show(url); err != nil {
		return &LoadFailureError{URL: url, Err: err}
	}
	c.url = url
	c.logger.Infow("UI loaded", "url", url)
	return nil
}

func (c *Controller) preflight(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warnw("UI responded with an error page", "url", url, "status", resp.StatusCode)
	}
	return nil
}

// Focus brings the surface forward, reshowing the current page if there is one
func (c *Controller) Focus() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.url == "" {
		return c.surface.Focus()
	}
	return c.surface.Show(c.url)
}

// URL returns the page currently shown
func (c *Controller) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Close closes the surface; later calls do nothing
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.url = ""
	return c.surface.Close()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
