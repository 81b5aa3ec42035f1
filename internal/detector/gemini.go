package detector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
)

// DefaultGeminiModel is used when the configuration names no model.
const DefaultGeminiModel = "gemini-2.5-flash"

// generator is the part of *genai.Models the detector uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini detects elements with a Gemini vision model.
type Gemini struct {
	gen         generator
	model       string
	temperature float32
	maxTokens   int
	maxElements int
	maxRetries  int
	timeout     time.Duration
	logger      *zap.Logger
}

var _ schemas.Detector = (*Gemini)(nil)

// NewGemini creates a detector backed by the Gemini API.
func NewGemini(ctx context.Context, cfg config.DetectorConfig, logger *zap.Logger, opts ...Option) (*Gemini, error) {
	o := newOptions(opts)
	if logger == nil {
		logger = zap.NewNop()
	}
	gen := o.generator
	if gen == nil {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: o.httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		gen = client.Models
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{
		gen:         gen,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxElements: cfg.MaxElements,
		maxRetries:  cfg.MaxRetries,
		timeout:     cfg.Timeout,
		logger:      logger.Named("detector.gemini"),
	}, nil
}

// Detect sends the frame with the element prompt and parses the reply.
func (d *Gemini) Detect(ctx context.Context, img schemas.Image) ([]schemas.UIElement, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(visionUserPrompt),
			genai.NewPartFromBytes(img.Data, mimeOf(img)),
		}, genai.RoleUser),
	}
	temperature := d.temperature
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(elementsPrompt(d.maxElements), genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   int32(d.maxTokens),
		ResponseMIMEType:  "application/json",
	}

	var reply string
	operation := func() error {
		callCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		startTime := time.Now()
		resp, err := d.gen.GenerateContent(callCtx, d.model, contents, genConfig)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return d.handleAPIError(err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		text := resp.Text()
		if text == "" {
			reason := resp.Candidates[0].FinishReason
			if reason == genai.FinishReasonSafety || reason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
			}
			return fmt.Errorf("gemini API returned empty content (Reason: %s)", reason)
		}
		d.logger.Debug("Vision detection complete (Gemini)", zap.Duration("duration", time.Since(startTime)))
		reply = text
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	var policy backoff.BackOff = b
	if d.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(d.maxRetries))
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}

	elements, err := parseElements(reply, d.maxElements)
	if err != nil {
		d.logger.Warn("Failed to parse elements from model reply", zap.Error(err), zap.String("reply", truncate(reply, 200)))
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}
	return elements, nil
}

func (d *Gemini) handleAPIError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		d.logger.Warn("Network error during Gemini request, retrying...", zap.Error(err))
		return err
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		d.logger.Warn("Gemini API temporarily unavailable, retrying...", zap.Int("status", apiErr.Code))
		return err
	default:
		d.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		return backoff.Permanent(err)
	}
}
