package detector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
)

const visionUserPrompt = "Analyze this screenshot and identify all UI elements with exact coordinates."

// OpenAI detects elements with a vision model behind an OpenAI-compatible
// chat completions API, such as LM Studio serving Gemma or Qwen.
type OpenAI struct {
	endpoint    string
	model       string
	temperature float32
	maxTokens   int
	maxElements int
	transport   *httpTransport
	logger      *zap.Logger
}

var _ schemas.Detector = (*OpenAI)(nil)

// -- Chat Completions Request Structures --

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// NewOpenAI creates a detector for the API at cfg.Endpoint. An empty model is
// resolved from /v1/models on first use.
func NewOpenAI(cfg config.DetectorConfig, logger *zap.Logger, opts ...Option) (*OpenAI, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("openai endpoint is required")
	}
	o := newOptions(opts)
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("detector.openai")
	return &OpenAI{
		endpoint:    strings.TrimSuffix(strings.TrimRight(cfg.Endpoint, "/"), "/v1"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxElements: cfg.MaxElements,
		transport: &httpTransport{
			client:     o.client(cfg.Timeout),
			maxRetries: cfg.MaxRetries,
			apiKey:     cfg.APIKey,
			logger:     logger,
		},
		logger: logger,
	}, nil
}

// Model returns the model in use, querying the server when none is configured.
func (d *OpenAI) Model(ctx context.Context) (string, error) {
	if d.model != "" {
		return d.model, nil
	}
	body, err := d.transport.do(ctx, http.MethodGet, d.endpoint+"/v1/models", nil)
	if err != nil {
		return "", fmt.Errorf("failed to list models: %w", err)
	}
	id := gjson.GetBytes(body, "data.0.id").String()
	if id == "" {
		return "", fmt.Errorf("server reports no loaded models")
	}
	d.logger.Info("Using vision model reported by server", zap.String("model", id))
	d.model = id
	return id, nil
}

// Detect asks the model for the elements on the frame.
func (d *OpenAI) Detect(ctx context.Context, img schemas.Image) ([]schemas.UIElement, error) {
	model, err := d.Model(ctx)
	if err != nil {
		return nil, err
	}
	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: elementsPrompt(d.maxElements)},
			{Role: "user", Content: []chatPart{
				{Type: "text", Text: visionUserPrompt},
				{Type: "image_url", ImageURL: &chatImageURL{URL: dataURL(img)}},
			}},
		},
		Temperature: d.temperature,
		MaxTokens:   d.maxTokens,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	body, err := d.transport.do(ctx, http.MethodPost, d.endpoint+"/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	if usage := gjson.GetBytes(body, "usage"); usage.Exists() {
		d.logger.Debug("Vision detection complete",
			zap.Int64("prompt_tokens", usage.Get("prompt_tokens").Int()),
			zap.Int64("completion_tokens", usage.Get("completion_tokens").Int()),
		)
	}

	elements, err := parseElements(content.String(), d.maxElements)
	if err != nil {
		d.logger.Warn("Failed to parse elements from model reply", zap.Error(err), zap.String("reply", truncate(content.String(), 200)))
		return nil, fmt.Errorf("failed to parse model reply: %w", err)
	}
	return elements, nil
}

func dataURL(img schemas.Image) string {
	return "data:" + mimeOf(img) + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
