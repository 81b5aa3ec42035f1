package schemas

import (
	"fmt"
	"strings"
)

// -- Detected Element Schemas --

// UIElement is a single object reported by a detector for one frame. Boxes use
// integer pixels with a top-left origin. Elements are values; scaling returns
// a copy.
type UIElement struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Center returns the integer midpoint of the element's box.
func (e UIElement) Center() (int, int) {
	return e.X + e.Width/2, e.Y + e.Height/2
}

// Scaled returns a copy of the element with its box multiplied by the given factors.
func (e UIElement) Scaled(sx, sy float64) UIElement {
	e.X = int(float64(e.X) * sx)
	e.Y = int(float64(e.Y) * sy)
	e.Width = int(float64(e.Width) * sx)
	e.Height = int(float64(e.Height) * sy)
	return e
}

func (e UIElement) String() string {
	return fmt.Sprintf("%s %q at (%d,%d %dx%d) conf=%.2f", e.Type, e.Text, e.X, e.Y, e.Width, e.Height, e.Confidence)
}

// Image is a captured frame handed from a Capturer to a Detector.
type Image struct {
	Data     []byte
	MIMEType string
	// Width and Height are the decoded pixel dimensions, zero when unknown.
	Width  int
	Height int
}

// -- Criteria --

// AnyType matches elements of every type.
const AnyType = "any"

// DefaultMinConfidence applies when a criterion leaves the threshold unset.
const DefaultMinConfidence = 0.6

// TextMatch selects how a criterion's text is compared against an element's text.
type TextMatch string

const (
	TextExact      TextMatch = "exact"
	TextContains   TextMatch = "contains"
	TextStartsWith TextMatch = "startswith"
	TextEndsWith   TextMatch = "endswith"
)

// Valid reports whether m is a known strategy. The empty value is valid and means contains.
func (m TextMatch) Valid() bool {
	switch m {
	case "", TextExact, TextContains, TextStartsWith, TextEndsWith:
		return true
	}
	return false
}

// ElementCriterion describes an element declaratively. It is used both to
// require and to exclude elements.
type ElementCriterion struct {
	Type      string    `json:"type,omitempty" yaml:"type,omitempty"`
	Text      string    `json:"text,omitempty" yaml:"text,omitempty"`
	TextMatch TextMatch `json:"text_match,omitempty" yaml:"text_match,omitempty"`
	// MinConfidence is nil when the profile did not set it.
	MinConfidence *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// Threshold returns the effective minimum confidence.
func (c ElementCriterion) Threshold() float64 {
	if c.MinConfidence == nil {
		return DefaultMinConfidence
	}
	return *c.MinConfidence
}

// Strategy returns the effective text-match strategy.
func (c ElementCriterion) Strategy() TextMatch {
	if c.TextMatch == "" {
		return TextContains
	}
	return c.TextMatch
}

// MatchesType reports whether the criterion accepts the given element type.
func (c ElementCriterion) MatchesType(t string) bool {
	return c.Type == "" || c.Type == AnyType || c.Type == t
}

func (c ElementCriterion) String() string {
	var b strings.Builder
	typ := c.Type
	if typ == "" {
		typ = AnyType
	}
	b.WriteString(typ)
	if c.Text != "" {
		fmt.Fprintf(&b, " %s %q", c.Strategy(), c.Text)
	}
	return b.String()
}
