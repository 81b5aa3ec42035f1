package detector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
)

// Option configures a detector backend.
type Option func(*options)

type options struct {
	httpClient *http.Client
	generator  generator
}

// WithHTTPClient replaces the HTTP client used to reach the detection service.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

func withGenerator(g generator) Option {
	return func(o *options) { o.generator = g }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) client(timeout time.Duration) *http.Client {
	if o.httpClient != nil {
		return o.httpClient
	}
	return &http.Client{Timeout: timeout}
}

// New creates the detector selected by cfg.Kind.
func New(ctx context.Context, cfg config.DetectorConfig, logger *zap.Logger, opts ...Option) (schemas.Detector, error) {
	switch cfg.Kind {
	case config.DetectorOmniparser:
		return NewOmniparser(cfg, logger, opts...)
	case config.DetectorOpenAI:
		return NewOpenAI(cfg, logger, opts...)
	case config.DetectorGemini:
		return NewGemini(ctx, cfg, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown or unsupported detector kind configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Kind, config.DetectorOmniparser, config.DetectorOpenAI, config.DetectorGemini)
	}
}
