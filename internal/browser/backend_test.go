package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
)

// -- Test Setup Helpers --

// recorder stands in for the tab and keeps every action it was asked to run.
type recorder struct {
	mu      sync.Mutex
	actions []chromedp.Action
	// failOn makes the nth call (1-based) fail.
	failOn int
	err    error
}

func (r *recorder) run(_ context.Context, actions ...chromedp.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, actions...)
	if r.failOn > 0 && len(r.actions) == r.failOn {
		return r.err
	}
	return nil
}

func (r *recorder) mouse() []*input.DispatchMouseEventParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*input.DispatchMouseEventParams
	for _, a := range r.actions {
		if ev, ok := a.(*input.DispatchMouseEventParams); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) keys() []*input.DispatchKeyEventParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*input.DispatchKeyEventParams
	for _, a := range r.actions {
		if ev, ok := a.(*input.DispatchKeyEventParams); ok {
			out = append(out, ev)
		}
	}
	return out
}

func testBrowserConfig(humanoidEnabled bool) config.BrowserConfig {
	return config.BrowserConfig{
		ViewportWidth:  800,
		ViewportHeight: 600,
		Humanoid: config.HumanoidConfig{
			Enabled:        humanoidEnabled,
			FittsA:         100,
			FittsB:         120,
			Curvature:      0.15,
			StepsPerSecond: 60,
			Seed:           42,
		},
	}
}

func newTestBackend(t *testing.T, humanoidEnabled bool) (*Backend, *recorder, *[]time.Duration) {
	t.Helper()
	rec := &recorder{}
	b := newBackend(testBrowserConfig(humanoidEnabled), zap.NewNop(), rec.run)
	var sleeps []time.Duration
	b.sleep = func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			sleeps = append(sleeps, d)
		}
		return ctx.Err()
	}
	return b, rec, &sleeps
}

// -- Pointer --

func TestDispatch_Click(t *testing.T) {
	b, rec, sleeps := newTestBackend(t, false)

	c := schemas.NewClick(100, 50)
	c.OffsetX = 5
	ack, err := b.Dispatch(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, schemas.AckSuccess, ack.Status)

	evs := rec.mouse()
	require.Len(t, evs, 3)
	assert.Equal(t, input.MouseMoved, evs[0].Type)
	assert.Equal(t, 105.0, evs[0].X)
	assert.Equal(t, 50.0, evs[0].Y)
	assert.Equal(t, input.MousePressed, evs[1].Type)
	assert.Equal(t, input.MouseButton("left"), evs[1].Button)
	assert.Equal(t, int64(1), evs[1].Buttons)
	assert.Equal(t, int64(1), evs[1].ClickCount)
	assert.Equal(t, input.MouseReleased, evs[2].Type)

	assert.Equal(t, []time.Duration{schemas.DefaultClickDelay, pressDuration}, *sleeps)
	assert.Equal(t, 105.0, b.cursor.X)
}

func TestDispatch_RightClick(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	c := schemas.NewClick(10, 10)
	c.Button = schemas.ButtonRight
	_, err := b.Dispatch(context.Background(), c)
	require.NoError(t, err)

	evs := rec.mouse()
	require.Len(t, evs, 3)
	assert.Equal(t, input.MouseButton("right"), evs[1].Button)
	assert.Equal(t, int64(2), evs[1].Buttons)
}

func TestDispatch_MultiClick(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	_, err := b.Dispatch(context.Background(), schemas.MultiClick{X: 30, Y: 40, Count: 2, Button: schemas.ButtonLeft})
	require.NoError(t, err)

	evs := rec.mouse()
	require.Len(t, evs, 5)
	assert.Equal(t, input.MouseMoved, evs[0].Type)
	assert.Equal(t, int64(1), evs[1].ClickCount)
	assert.Equal(t, int64(1), evs[2].ClickCount)
	assert.Equal(t, input.MousePressed, evs[3].Type)
	assert.Equal(t, int64(2), evs[3].ClickCount)
	assert.Equal(t, input.MouseReleased, evs[4].Type)
	assert.Equal(t, int64(2), evs[4].ClickCount)
}

func TestDispatch_DragDefaultEnd(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	_, err := b.Dispatch(context.Background(), schemas.Drag{Start: schemas.Point{X: 10, Y: 20}})
	require.NoError(t, err)

	evs := rec.mouse()
	require.Len(t, evs, 4)
	assert.Equal(t, input.MouseMoved, evs[0].Type)
	assert.Equal(t, input.MousePressed, evs[1].Type)
	assert.Equal(t, input.MouseMoved, evs[2].Type)
	assert.Equal(t, 110.0, evs[2].X)
	assert.Equal(t, int64(1), evs[2].Buttons, "button is held while moving")
	assert.Equal(t, input.MouseReleased, evs[3].Type)
	assert.Equal(t, 110.0, evs[3].X)
	assert.Equal(t, 20.0, evs[3].Y)
}

func TestDispatch_HumanoidDrag(t *testing.T) {
	b, rec, sleeps := newTestBackend(t, true)

	end := schemas.Point{X: 600, Y: 400}
	_, err := b.Dispatch(context.Background(), schemas.Drag{Start: schemas.Point{X: 100, Y: 100}, End: &end, Duration: time.Second})
	require.NoError(t, err)

	evs := rec.mouse()
	pressedAt := -1
	for i, ev := range evs {
		if ev.Type == input.MousePressed {
			pressedAt = i
			break
		}
	}
	require.Greater(t, pressedAt, 1, "the approach is a multi-step path")

	held := evs[pressedAt+1 : len(evs)-1]
	require.Greater(t, len(held), 10)
	for _, ev := range held {
		assert.Equal(t, input.MouseMoved, ev.Type)
		assert.Equal(t, int64(1), ev.Buttons)
	}
	last := held[len(held)-1]
	assert.Equal(t, 600.0, last.X)
	assert.Equal(t, 400.0, last.Y)
	assert.Equal(t, input.MouseReleased, evs[len(evs)-1].Type)

	var total time.Duration
	for _, d := range *sleeps {
		total += d
	}
	assert.GreaterOrEqual(t, total, time.Second, "the held movement lasts the drag duration")
}

func TestDispatch_Scroll(t *testing.T) {
	tests := []struct {
		name  string
		in    schemas.Scroll
		delta float64
	}{
		{"up by default", schemas.Scroll{X: 5, Y: 5}, -300},
		{"down", schemas.Scroll{X: 5, Y: 5, Direction: schemas.ScrollDown, Clicks: 2}, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, rec, _ := newTestBackend(t, false)
			_, err := b.Dispatch(context.Background(), tt.in)
			require.NoError(t, err)

			evs := rec.mouse()
			require.Len(t, evs, 2)
			assert.Equal(t, input.MouseWheel, evs[1].Type)
			assert.Equal(t, tt.delta, evs[1].DeltaY)
		})
	}
}

// -- Keyboard --

func TestDispatch_Key(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	_, err := b.Dispatch(context.Background(), schemas.Key{Name: "Return"})
	require.NoError(t, err)

	evs := rec.keys()
	require.Len(t, evs, 2)
	assert.Equal(t, input.KeyDown, evs[0].Type)
	assert.Equal(t, "Enter", evs[0].Key)
	assert.Equal(t, "Enter", evs[0].Code)
	assert.Equal(t, int64(13), evs[0].WindowsVirtualKeyCode)
	assert.Equal(t, "\r", evs[0].Text)
	assert.Equal(t, input.KeyUp, evs[1].Type)
	assert.Empty(t, evs[1].Text)
}

func TestDispatch_Hotkey(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	_, err := b.Dispatch(context.Background(), schemas.Hotkey{Keys: []string{"Control_L", "a"}})
	require.NoError(t, err)

	evs := rec.keys()
	require.Len(t, evs, 4)
	assert.Equal(t, "Control", evs[0].Key)
	assert.Equal(t, input.ModifierCtrl, evs[0].Modifiers)
	assert.Equal(t, "a", evs[1].Key)
	assert.Equal(t, "KeyA", evs[1].Code)
	assert.Equal(t, input.ModifierCtrl, evs[1].Modifiers)
	assert.Empty(t, evs[1].Text, "modified keys do not type")
	assert.Equal(t, input.KeyUp, evs[2].Type)
	assert.Equal(t, "a", evs[2].Key)
	assert.Equal(t, input.KeyUp, evs[3].Type)
	assert.Equal(t, "Control", evs[3].Key)
}

func TestDispatch_HotkeyReleasesOnFailure(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)
	rec.failOn = 2
	rec.err = errors.New("target closed")

	_, err := b.Dispatch(context.Background(), schemas.Hotkey{Keys: []string{"Shift_L", "Tab"}})
	require.Error(t, err)

	evs := rec.keys()
	require.Len(t, evs, 3)
	assert.Equal(t, input.KeyUp, evs[2].Type)
	assert.Equal(t, "Shift", evs[2].Key)
}

func TestLookupKey(t *testing.T) {
	assert.Equal(t, "F5", lookupKey("F5").key)
	assert.Equal(t, int64(116), lookupKey("F5").keyCode)
	assert.Equal(t, "Digit7", lookupKey("7").code)
	assert.Equal(t, "7", lookupKey("7").text)
	assert.Equal(t, input.ModifierMeta, lookupKey("Super_L").modifier)
	assert.Equal(t, keyDef{key: "MediaPlayPause"}, lookupKey("MediaPlayPause"))
}

// -- Errors and Lifecycle --

func TestDispatch_Rejections(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	_, err := b.Dispatch(context.Background(), schemas.Click{FromTarget: true})
	assert.ErrorIs(t, err, errFromTarget)

	_, err = b.Dispatch(context.Background(), schemas.Text{Value: "hi"})
	assert.ErrorIs(t, err, schemas.ErrUnsupportedAction)

	_, err = b.Dispatch(context.Background(), schemas.Wait{Until: &schemas.ElementCriterion{Text: "OK"}})
	assert.ErrorIs(t, err, schemas.ErrUnsupportedAction)

	assert.Empty(t, rec.actions)
}

func TestDispatch_Wait(t *testing.T) {
	b, rec, sleeps := newTestBackend(t, false)

	_, err := b.Dispatch(context.Background(), schemas.Wait{Duration: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, *sleeps)
	assert.Empty(t, rec.actions)
}

func TestDispatch_CancelledContext(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Dispatch(ctx, schemas.NewClick(1, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.actions)
}

func TestLaunchAndTerminate(t *testing.T) {
	b, rec, _ := newTestBackend(t, false)

	require.NoError(t, b.Launch(context.Background(), "http://127.0.0.1:3000/game"))
	require.NoError(t, b.Terminate(context.Background()))
	assert.Len(t, rec.actions, 2)

	assert.Error(t, b.Launch(context.Background(), ""))
}

func TestExecOptions(t *testing.T) {
	cfg := testBrowserConfig(false)
	base := len(execOptions(cfg))

	cfg.Headless = true
	cfg.DisableGPU = true
	cfg.Args = []string{"--mute-audio", "--lang=en-US"}
	assert.Len(t, execOptions(cfg), base+4)
}

func TestNew_RejectsEmptyViewport(t *testing.T) {
	_, err := New(context.Background(), config.BrowserConfig{}, zap.NewNop())
	assert.Error(t, err)
}
