package detector

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
	"go.uber.org/zap"
)

// httpTransport sends JSON requests to a detection service, retrying
// transport failures and overload responses.
type httpTransport struct {
	client     *http.Client
	maxRetries int
	apiKey     string
	logger     *zap.Logger
}

func (t *httpTransport) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var body []byte

	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if t.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
		}

		startTime := time.Now()
		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.logger.Warn("Network error during detection request, retrying...", zap.String("url", url), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return t.handleAPIError(url, resp.StatusCode, data)
		}
		t.logger.Debug("Detection request complete", zap.String("url", url), zap.Duration("duration", time.Since(startTime)))
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	var policy backoff.BackOff = b
	if t.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(t.maxRetries))
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return body, nil
}

func (t *httpTransport) handleAPIError(url string, statusCode int, body []byte) error {
	err := fmt.Errorf("detector API error: %s: status %d, body: %s", url, statusCode, truncate(strings.TrimSpace(string(body)), 512))
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		t.logger.Warn("Detector temporarily unavailable, retrying...", zap.Int("status", statusCode))
		return err
	default:
		t.logger.Error("Detector returned error status", zap.Int("status", statusCode))
		return backoff.Permanent(err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
