// Package detector turns screenshots into UI elements. Every backend
// implements schemas.Detector; New picks one from configuration.
package detector

import (
	"bytes"
	"fmt"
	"image"
	// Decoders for image.DecodeConfig.
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

const (
	// DefaultVisionConfidence is assigned to elements a vision model reports
	// without a confidence.
	DefaultVisionConfidence = 0.8
	// UnknownType labels elements whose type was not reported.
	UnknownType = "unknown"
)

// elementsPrompt asks a vision model for the element list in the shape parseElements reads.
func elementsPrompt(max int) string {
	return fmt.Sprintf(`You are a UI element detector for automated application testing.
Identify the interactive and informational elements visible in the screenshot:
buttons, menu entries, tabs, text labels, icons and input fields.

Reply with JSON only, in exactly this shape:
{"elements": [{"box": {"x": 0, "y": 0, "width": 0, "height": 0}, "type": "button", "text": "Play", "confidence": 0.9}]}

Coordinates are integer pixels of the original image with the origin at the top left.
Report at most %d elements, the most prominent first.`, max)
}

// extractJSON returns the outermost JSON object embedded in free text, such as
// a model reply wrapped in a markdown fence.
func extractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", fmt.Errorf("response contains malformed JSON")
	}
	return candidate, nil
}

// parseElements reads {"elements": [...]} from a model reply. Elements with
// an empty box are dropped, and at most max are returned.
func parseElements(text string, max int) ([]schemas.UIElement, error) {
	doc, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	list := gjson.Get(doc, "elements")
	if !list.IsArray() {
		return nil, fmt.Errorf("response has no elements array")
	}

	var out []schemas.UIElement
	list.ForEach(func(_, item gjson.Result) bool {
		box := item.Get("box")
		e := schemas.UIElement{
			X:          int(box.Get("x").Int()),
			Y:          int(box.Get("y").Int()),
			Width:      int(box.Get("width").Int()),
			Height:     int(box.Get("height").Int()),
			Type:       item.Get("type").String(),
			Text:       strings.TrimSpace(item.Get("text").String()),
			Confidence: DefaultVisionConfidence,
		}
		if e.Type == "" {
			e.Type = UnknownType
		}
		if c := item.Get("confidence"); c.Exists() {
			e.Confidence = clamp(c.Float())
		}
		if e.Width <= 0 || e.Height <= 0 {
			return true
		}
		out = append(out, e)
		return max <= 0 || len(out) < max
	})
	return out, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// frameSize returns the pixel size of img, decoding the header when the
// capturer did not provide it.
func frameSize(img schemas.Image) (int, int, error) {
	if img.Width > 0 && img.Height > 0 {
		return img.Width, img.Height, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func mimeOf(img schemas.Image) string {
	if img.MIMEType == "" {
		return "image/png"
	}
	return img.MIMEType
}
