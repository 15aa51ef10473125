package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrBackendUnreachable is returned by WaitReady when the health endpoint
// never answered within the attempt budget.
var ErrBackendUnreachable = errors.New("backend unreachable")

const (
	DefaultHealthAttempts = 20
	DefaultHealthInterval = 500 * time.Millisecond
)

// Client talks to the supervised backend the way the UI layer does.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8000",
		Timeout: 5 * time.Second,
	}
}

// ForPort returns the default configuration pointed at a loopback port.
func ForPort(port int) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	return cfg
}

// New creates a backend client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// BaseURL returns the normalized backend address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health performs a single GET / and returns the backend's message.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/", &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// WaitReady polls the health endpoint up to attempts times, sleeping interval
// between tries. It is independent of the supervisor's own retry budget.
func (c *Client) WaitReady(ctx context.Context, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultHealthAttempts
	}
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	var last error
	for i := 1; i <= attempts; i++ {
		_, err := c.Health(ctx)
		if err == nil {
			c.logger.Debug("backend reachable", "attempt", i)
			return nil
		}
		last = err
		if i == attempts {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	c.logger.Warn("backend health check gave up", "attempts", attempts, "error", last)
	return fmt.Errorf("%w after %d attempt(s): %v", ErrBackendUnreachable, attempts, last)
}

// Get returns the current counter value.
func (c *Client) Get(ctx context.Context) (Counter, error) {
	return c.counter(ctx, http.MethodGet, "/counter")
}

// Increment adds one and returns the new value.
func (c *Client) Increment(ctx context.Context) (Counter, error) {
	return c.counter(ctx, http.MethodPost, "/counter/increment")
}

// Reset sets the counter back to zero.
func (c *Client) Reset(ctx context.Context) (Counter, error) {
	return c.counter(ctx, http.MethodPost, "/counter/reset")
}

func (c *Client) counter(ctx context.Context, method, path string) (Counter, error) {
	var out Counter
	err := c.do(ctx, method, path, &out)
	return out, err
}

// do performs an HTTP request and decodes a JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *HTTPError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	herr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		herr.Body = er.Error
	}
	c.logger.Error("API request failed", "status", resp.StatusCode, "error", herr.Body)
	return herr
}
