// Package sut talks to the agent process that runs next to the application
// under test. The agent serves screenshots, injects input and manages the
// application's process over a small HTTP API.
package sut

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
)

// StatusRunning is reported by a healthy agent.
const StatusRunning = "running"

// Client implements schemas.Capturer, schemas.Dispatcher and schemas.Launcher
// against the agent's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

var (
	_ schemas.Capturer   = (*Client)(nil)
	_ schemas.Dispatcher = (*Client)(nil)
	_ schemas.Launcher   = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for the agent at cfg.URL.
func NewClient(cfg config.SUTConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sut url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.ActionRate > 0 {
		limit = rate.Limit(cfg.ActionRate)
	}
	burst := cfg.ActionBurst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("sut"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status queries the agent's health.
func (c *Client) Status(ctx context.Context) (string, error) {
	body, _, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	return resp.Status, nil
}

// Capture fetches the current screen.
func (c *Client) Capture(ctx context.Context) (schemas.Image, error) {
	body, header, err := c.do(ctx, http.MethodGet, "/screenshot", nil)
	if err != nil {
		return schemas.Image{}, err
	}
	if len(body) == 0 {
		return schemas.Image{}, fmt.Errorf("agent returned an empty screenshot")
	}
	mime := header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return schemas.Image{Data: body, MIMEType: mime}, nil
}

type actionResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Dispatch sends a primitive action. Dispatches are rate limited.
func (c *Client) Dispatch(ctx context.Context, a schemas.Action) (schemas.Ack, error) {
	if a == nil {
		return schemas.Ack{}, fmt.Errorf("action cannot be nil")
	}
	w, err := encodeAction(a)
	if err != nil {
		return schemas.Ack{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return schemas.Ack{}, err
	}
	return c.postAction(ctx, w)
}

// Launch asks the agent to start the application at path.
func (c *Client) Launch(ctx context.Context, path string) error {
	payload, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return fmt.Errorf("failed to marshal launch request: %w", err)
	}
	body, _, err := c.do(ctx, http.MethodPost, "/launch", payload)
	if err != nil {
		return err
	}
	var resp actionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to decode launch response: %w", err)
	}
	if resp.Status != schemas.AckSuccess {
		return fmt.Errorf("agent failed to launch '%s': %s", path, resp.Error)
	}
	c.logger.Info("Application launched", zap.String("path", path))
	return nil
}

// Terminate asks the agent to stop the application.
func (c *Client) Terminate(ctx context.Context) error {
	ack, err := c.postAction(ctx, wireAction{Type: terminateType})
	if err != nil {
		return err
	}
	c.logger.Info("Application terminated", zap.String("status", ack.Status))
	return nil
}

func (c *Client) postAction(ctx context.Context, w wireAction) (schemas.Ack, error) {
	payload, err := json.Marshal(w)
	if err != nil {
		return schemas.Ack{}, fmt.Errorf("failed to marshal action: %w", err)
	}
	body, _, err := c.do(ctx, http.MethodPost, "/action", payload)
	if err != nil {
		return schemas.Ack{}, err
	}
	var resp actionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return schemas.Ack{}, fmt.Errorf("failed to decode action response: %w", err)
	}
	ack := schemas.Ack{Status: resp.Status, Message: resp.Error}
	if resp.Status != schemas.AckSuccess {
		return ack, fmt.Errorf("agent rejected %s: %s", w.Type, resp.Error)
	}
	return ack, nil
}

// do performs one request. GETs are retried on transport failures and on
// responses that mean the agent never handled them. Anything else has side
// effects in the application and is attempted once.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, http.Header, error) {
	var (
		body   []byte
		header http.Header
	)

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error talking to agent, retrying...", zap.String("path", path), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(path, resp.StatusCode, data)
		}
		body, header = data, resp.Header
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	var policy backoff.BackOff = b
	switch {
	case method != http.MethodGet:
		policy = backoff.WithMaxRetries(b, 0)
	case c.maxRetries >= 0:
		policy = backoff.WithMaxRetries(b, uint64(c.maxRetries))
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, nil, err
	}
	return body, header, nil
}

func (c *Client) handleAPIError(path string, statusCode int, body []byte) error {
	err := fmt.Errorf("agent %s: status %d, body: %s", path, statusCode, strings.TrimSpace(string(body)))
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		c.logger.Warn("Agent temporarily unavailable, retrying...", zap.Int("status", statusCode), zap.String("path", path))
		return err
	default:
		c.logger.Error("Agent returned error status", zap.Int("status", statusCode), zap.String("path", path))
		return backoff.Permanent(err)
	}
}
