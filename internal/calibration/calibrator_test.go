package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

const (
	screenW = 1920
	screenH = 1080
)

// playAt returns a PLAY element whose center is (cx, cy).
func playAt(cx, cy int) schemas.UIElement {
	return schemas.UIElement{X: cx - 40, Y: cy - 10, Width: 80, Height: 20, Type: "button", Text: "Play", Confidence: 1}
}

func TestCalibrator_GroundTruthConvergesToIdentity(t *testing.T) {
	c := New(zap.NewNop())
	frame := []schemas.UIElement{playAt(960, 54)}

	for i := 0; i < DefaultRequiredSamples; i++ {
		require.True(t, c.Observe(screenW, screenH, frame))
	}

	m := c.Model()
	assert.True(t, m.Calibrated)
	assert.Equal(t, 1.0, m.ScaleX)
	assert.Equal(t, 1.0, m.ScaleY)
	assert.Equal(t, frame, c.Scale(frame))
}

func TestCalibrator_HalfScaleDetector(t *testing.T) {
	c := New(zap.NewNop())
	frame := []schemas.UIElement{playAt(480, 27)}

	t.Run("Not applied before enough samples", func(t *testing.T) {
		c.Observe(screenW, screenH, frame)
		c.Observe(screenW, screenH, frame)
		assert.False(t, c.Model().Calibrated)
		assert.Equal(t, frame, c.Scale(frame), "raw coordinates are used until calibrated")
	})

	t.Run("Applied after the third sample", func(t *testing.T) {
		c.Observe(screenW, screenH, frame)
		m := c.Model()
		require.True(t, m.Calibrated)
		assert.InDelta(t, 2.0, m.ScaleX, 1e-9)
		assert.InDelta(t, 2.0, m.ScaleY, 1e-9)
		assert.Equal(t, schemas.Point{X: 960, Y: 54}, m.Assumed["PLAY"])
		assert.Equal(t, schemas.Point{X: 480, Y: 27}, m.Observed["PLAY"])

		scaled := c.Scale(frame)
		assert.Equal(t, 880, scaled[0].X)
		assert.Equal(t, 34, scaled[0].Y)
		assert.Equal(t, 160, scaled[0].Width)
		assert.Equal(t, "Play", scaled[0].Text)
		assert.Equal(t, 440, frame[0].X, "input is not mutated")
	})
}

func TestCalibrator_IgnoresUnusableFrames(t *testing.T) {
	c := New(zap.NewNop())

	t.Run("Reference far from its expected position", func(t *testing.T) {
		assert.False(t, c.Observe(screenW, screenH, []schemas.UIElement{playAt(1800, 1000)}))
	})

	t.Run("No reference labels", func(t *testing.T) {
		other := []schemas.UIElement{{X: 10, Y: 10, Width: 10, Height: 10, Text: "Settings", Confidence: 1}}
		assert.False(t, c.Observe(screenW, screenH, other))
		assert.Equal(t, screenW, c.Model().ScreenWidth)
	})

	t.Run("Unknown frame size", func(t *testing.T) {
		assert.False(t, c.Observe(0, 0, []schemas.UIElement{playAt(960, 54)}))
	})

	m := c.Model()
	assert.Zero(t, m.Samples)
	assert.Equal(t, 1.0, m.ScaleX)
}

func TestCalibrator_AxesQualifyIndependently(t *testing.T) {
	c := New(zap.NewNop(),
		WithReferences([]Reference{{Label: "BACK", RelX: 0, RelY: 0.5}}),
		WithRequiredSamples(1),
	)
	// Centered on the left edge at half the expected height.
	frame := []schemas.UIElement{{X: -20, Y: 260, Width: 40, Height: 20, Text: "Back", Confidence: 1}}

	require.True(t, c.Observe(screenW, screenH, frame))
	m := c.Model()
	assert.True(t, m.Calibrated)
	assert.Equal(t, 1.0, m.ScaleX, "x has no usable sample")
	assert.InDelta(t, 2.0, m.ScaleY, 1e-9)
	assert.Equal(t, 1, m.Samples)
}

func TestCalibrator_Options(t *testing.T) {
	c := New(nil,
		WithReferences([]Reference{{Label: "start", RelX: 0.5, RelY: 0.5}}),
		WithRequiredSamples(1),
	)
	frame := []schemas.UIElement{{X: 940, Y: 530, Width: 40, Height: 20, Text: "START", Confidence: 1}}
	require.True(t, c.Observe(screenW, screenH, frame))
	assert.True(t, c.Model().Calibrated)
}
