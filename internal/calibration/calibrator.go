// Package calibration corrects a detector's coordinate space onto screen pixels
// using reference labels found near known screen positions.
package calibration

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// DefaultRequiredSamples is the number of qualifying observations needed
// before the model is considered calibrated.
const DefaultRequiredSamples = 3

// Reference is a label expected near a fixed relative screen position.
type Reference struct {
	Label string  `yaml:"label"`
	RelX  float64 `yaml:"x"`
	RelY  float64 `yaml:"y"`
}

// DefaultReferences are the top-bar menu labels common to game launchers.
var DefaultReferences = []Reference{
	{Label: "PLAY", RelX: 0.5, RelY: 0.05},
	{Label: "INVENTORY", RelX: 0.4, RelY: 0.05},
	{Label: "STORE", RelX: 0.6, RelY: 0.05},
	{Label: "NEWS", RelX: 0.7, RelY: 0.05},
	{Label: "LOADOUT", RelX: 0.45, RelY: 0.05},
}

// Model is a snapshot of the calibration state.
type Model struct {
	ScreenWidth  int
	ScreenHeight int
	ScaleX       float64
	ScaleY       float64
	Samples      int
	Calibrated   bool
	// Assumed and Observed hold, per reference label, the expected screen
	// position and the last detector-reported center.
	Assumed  map[string]schemas.Point
	Observed map[string]schemas.Point
}

// Calibrator maintains running-average scale factors. It is owned by a single
// run loop and is not safe for concurrent use.
type Calibrator struct {
	logger   *zap.Logger
	refs     map[string]Reference
	required int

	model Model
	// Running sums of per-frame axis ratios and how many frames fed each.
	sumX, sumY float64
	nX, nY     int
}

// Option configures a Calibrator.
type Option func(*Calibrator)

// WithReferences replaces the reference labels.
func WithReferences(refs []Reference) Option {
	return func(c *Calibrator) {
		if len(refs) == 0 {
			return
		}
		c.refs = indexReferences(refs)
	}
}

// WithRequiredSamples sets how many qualifying observations complete calibration.
func WithRequiredSamples(n int) Option {
	return func(c *Calibrator) {
		if n > 0 {
			c.required = n
		}
	}
}

// New creates a calibrator with identity scale factors.
func New(logger *zap.Logger, opts ...Option) *Calibrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Calibrator{
		logger:   logger.Named("calibration"),
		refs:     indexReferences(DefaultReferences),
		required: DefaultRequiredSamples,
		model: Model{
			ScaleX:   1.0,
			ScaleY:   1.0,
			Assumed:  make(map[string]schemas.Point),
			Observed: make(map[string]schemas.Point),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func indexReferences(refs []Reference) map[string]Reference {
	out := make(map[string]Reference, len(refs))
	for _, r := range refs {
		out[strings.ToUpper(strings.TrimSpace(r.Label))] = r
	}
	return out
}

// Observe folds one frame into the model. It returns true when at least one
// reference element qualified. Frames of unknown size are ignored.
func (c *Calibrator) Observe(width, height int, elements []schemas.UIElement) bool {
	if width <= 0 || height <= 0 {
		return false
	}
	c.model.ScreenWidth, c.model.ScreenHeight = width, height

	var (
		sx, sy float64
		hx, hy int
	)
	for _, e := range elements {
		ref, ok := c.refs[strings.ToUpper(strings.TrimSpace(e.Text))]
		if !ok {
			continue
		}
		expX := int(ref.RelX * float64(width))
		expY := int(ref.RelY * float64(height))
		detX, detY := e.Center()

		if math.Abs(float64(detX-expX)) >= float64(width)/3 || math.Abs(float64(detY-expY)) >= float64(height)/3 {
			c.logger.Debug("Reference element outside tolerance window, ignoring.",
				zap.String("label", ref.Label), zap.Int("x", detX), zap.Int("y", detY))
			continue
		}

		// Each axis qualifies on its own; a reference on a screen edge still
		// calibrates the other axis.
		used := false
		if detX > 0 && expX > 0 {
			sx += float64(expX) / float64(detX)
			hx++
			used = true
		}
		if detY > 0 && expY > 0 {
			sy += float64(expY) / float64(detY)
			hy++
			used = true
		}
		if !used {
			continue
		}
		c.model.Assumed[ref.Label] = schemas.Point{X: expX, Y: expY}
		c.model.Observed[ref.Label] = schemas.Point{X: detX, Y: detY}
	}

	if hx == 0 && hy == 0 {
		return false
	}

	if hx > 0 {
		c.sumX += sx / float64(hx)
		c.nX++
		c.model.ScaleX = c.sumX / float64(c.nX)
	}
	if hy > 0 {
		c.sumY += sy / float64(hy)
		c.nY++
		c.model.ScaleY = c.sumY / float64(c.nY)
	}
	c.model.Samples++

	if !c.model.Calibrated && c.model.Samples >= c.required {
		c.model.Calibrated = true
		c.logger.Info("Calibration complete.",
			zap.Float64("scale_x", c.model.ScaleX), zap.Float64("scale_y", c.model.ScaleY))
	} else if !c.model.Calibrated {
		c.logger.Debug("Calibration sample collected.",
			zap.Int("samples", c.model.Samples), zap.Int("required", c.required))
	}
	return true
}

// Scale returns scaled copies of elements once calibrated, and the input
// unchanged before that.
func (c *Calibrator) Scale(elements []schemas.UIElement) []schemas.UIElement {
	if !c.model.Calibrated {
		return elements
	}
	out := make([]schemas.UIElement, len(elements))
	for i, e := range elements {
		out[i] = e.Scaled(c.model.ScaleX, c.model.ScaleY)
	}
	return out
}

// Model returns a copy of the current calibration state.
func (c *Calibrator) Model() Model {
	m := c.model
	m.Assumed = make(map[string]schemas.Point, len(c.model.Assumed))
	for k, v := range c.model.Assumed {
		m.Assumed[k] = v
	}
	m.Observed = make(map[string]schemas.Point, len(c.model.Observed))
	for k, v := range c.model.Observed {
		m.Observed[k] = v
	}
	return m
}
