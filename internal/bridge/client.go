package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/UnitHan/TestGPT-Translator/internal/instance"
)

// baseURL is a placeholder host; the instance dialer ignores it
const baseURL = "http://launcher"

// Client talks to a running launcher over its instance endpoint
type Client struct {
	http *http.Client
}

// NewClient creates a client for endpoint. Credential changes restart the
// backend, so timeout should cover a full startup.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	httpClient, err := instance.NewHTTPClient(endpoint, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{http: httpClient}, nil
}

// newClientWithHTTP wraps an existing HTTP client; used by tests
func newClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

// Activate asks the running launcher to focus its window
func (c *Client) Activate(ctx context.Context) error {
	return c.doResult(ctx, http.MethodPost, "/activate", nil)
}

// Quit asks the running launcher to shut down
func (c *Client) Quit(ctx context.Context) error {
	return c.doResult(ctx, http.MethodPost, "/quit", nil)
}

// SetCredential saves a new API key through the running launcher
func (c *Client) SetCredential(ctx context.Context, apiKey string) error {
	return c.doResult(ctx, http.MethodPut, "/credential", credentialRequest{APIKey: apiKey})
}

// DeleteCredential removes the API key through the running launcher
func (c *Client) DeleteCredential(ctx context.Context) error {
	return c.doResult(ctx, http.MethodDelete, "/credential", nil)
}

// MaskedCredential returns the masked key and whether one is stored
func (c *Client) MaskedCredential(ctx context.Context) (string, bool, error) {
	var resp maskedResponse
	if err := c.do(ctx, http.MethodGet, "/credential", nil, &resp); err != nil {
		return "", false, err
	}
	if resp.Masked == nil {
		return "", false, nil
	}
	return *resp.Masked, true, nil
}

// Settings returns the credential presence and validity flags
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &resp)
	return resp, err
}

// Status returns the running launcher's status
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

func (c *Client) doResult(ctx context.Context, method, path string, body interface{}) error {
	var resp resultResponse
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s %s failed: %s", method, path, resp.Error)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("launcher unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var result resultResponse
		if json.Unmarshal(data, &result) == nil && result.Error != "" {
			return &RequestError{StatusCode: resp.StatusCode, Message: result.Error}
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// RequestError is a non-2xx answer from the launcher
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("launcher returned %d: %s", e.StatusCode, e.Message)
}
