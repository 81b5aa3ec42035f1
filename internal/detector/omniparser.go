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

// OmniparserConfidence is assigned to every Omniparser element; the service
// reports none.
const OmniparserConfidence = 1.0

// Omniparser detects elements with an Omniparser server. Every interactive
// item that carries content is reported; max_elements only bounds the
// language model detectors.
type Omniparser struct {
	endpoint  string
	transport *httpTransport
	logger    *zap.Logger
}

var _ schemas.Detector = (*Omniparser)(nil)

type parseRequest struct {
	Base64Image string `json:"base64_image"`
}

// NewOmniparser creates a detector for the server at cfg.Endpoint.
func NewOmniparser(cfg config.DetectorConfig, logger *zap.Logger, opts ...Option) (*Omniparser, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("omniparser endpoint is required")
	}
	o := newOptions(opts)
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("detector.omniparser")
	return &Omniparser{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		transport: &httpTransport{client: o.client(cfg.Timeout), maxRetries: cfg.MaxRetries, logger: logger},
		logger:    logger,
	}, nil
}

// Probe checks that the server is reachable.
func (d *Omniparser) Probe(ctx context.Context) error {
	if _, err := d.transport.do(ctx, http.MethodGet, d.endpoint+"/probe/", nil); err != nil {
		return fmt.Errorf("omniparser probe failed: %w", err)
	}
	return nil
}

// Detect sends the frame to /parse/ and converts the normalized boxes to pixels.
func (d *Omniparser) Detect(ctx context.Context, img schemas.Image) ([]schemas.UIElement, error) {
	width, height, err := frameSize(img)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(parseRequest{Base64Image: base64.StdEncoding.EncodeToString(img.Data)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parse request: %w", err)
	}
	body, err := d.transport.do(ctx, http.MethodPost, d.endpoint+"/parse/", payload)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("omniparser returned malformed JSON")
	}

	items := gjson.GetBytes(body, "parsed_content_list")
	elements := parseOmniparser(items, width, height)
	d.logger.Debug("Omniparser detection complete",
		zap.Int("items", len(items.Array())),
		zap.Int("elements", len(elements)),
	)
	return elements, nil
}

func parseOmniparser(items gjson.Result, width, height int) []schemas.UIElement {
	var out []schemas.UIElement
	items.ForEach(func(_, item gjson.Result) bool {
		bbox := item.Get("bbox").Array()
		if len(bbox) != 4 {
			return true
		}
		content := strings.TrimSpace(item.Get("content").String())
		if !item.Get("interactivity").Bool() || content == "" {
			return true
		}
		x1 := int(bbox[0].Float() * float64(width))
		y1 := int(bbox[1].Float() * float64(height))
		x2 := int(bbox[2].Float() * float64(width))
		y2 := int(bbox[3].Float() * float64(height))

		typ := item.Get("type").String()
		if typ == "" {
			typ = UnknownType
		}
		out = append(out, schemas.UIElement{
			X:          x1,
			Y:          y1,
			Width:      x2 - x1,
			Height:     y2 - y1,
			Type:       typ,
			Text:       content,
			Confidence: OmniparserConfidence,
		})
		return true
	})
	return out
}
