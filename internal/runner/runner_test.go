package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/calibration"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/mocks"
	"github.com/xkilldash9x/benchpilot/internal/profile"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const menuGraph = `
metadata: {game_name: bench}
states:
  menu:
    required_elements:
      - {type: button, text: Play}
  results:
    required_elements:
      - {text: Results}
transitions:
  "initial->menu":
    action: wait
    duration: 2
  "menu->results":
    action: click
    target: {type: button, text: Play}
initial_state: initial
target_state: results
`

const threeKeys = `
metadata: {game_name: linear, startup_wait: 12}
steps:
  1: {description: one, action: {type: key, key: a}}
  2: {description: two, action: {type: key, key: b}}
  3: {description: three, action: {type: key, key: c}}
`

var (
	playButton = schemas.UIElement{Type: "button", Text: "Play", X: 100, Y: 50, Width: 80, Height: 20, Confidence: 0.9}
	resultsBox = schemas.UIElement{Type: "text", Text: "Results", X: 10, Y: 10, Width: 200, Height: 40, Confidence: 0.95}
	frame      = schemas.Image{Data: []byte("frame"), MIMEType: "image/png", Width: 1920, Height: 1080}
	epoch      = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

// -- Test Helpers --

type staticCapturer struct{ img schemas.Image }

func (c staticCapturer) Capture(ctx context.Context) (schemas.Image, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Image{}, err
	}
	return c.img, nil
}

// scriptedDetector replays frames through a ScriptedObserver.
type scriptedDetector struct{ frames *mocks.ScriptedObserver }

func (d scriptedDetector) Detect(ctx context.Context, _ schemas.Image) ([]schemas.UIElement, error) {
	return d.frames.Observe(ctx)
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) All() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func mustProfile(t *testing.T, doc string) *profile.Profile {
	t.Helper()
	p, err := profile.Parse([]byte(doc), zap.NewNop())
	require.NoError(t, err)
	return p
}

func testConfig() config.RunConfig {
	return config.RunConfig{
		MaxIterations: 20,
		StateTimeout:  time.Minute,
		MaxRetries:    3,
		DefaultDelay:  500 * time.Millisecond,
	}
}

type harness struct {
	runner     *Runner
	dispatcher *mocks.MockDispatcher
	frames     *mocks.ScriptedObserver
	sleeper    *sleepRecorder
}

func newHarness(t *testing.T, cfg config.RunConfig, frames *mocks.ScriptedObserver, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dispatcher: new(mocks.MockDispatcher),
		frames:     frames,
		sleeper:    &sleepRecorder{},
	}
	h.dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(schemas.Ack{Status: schemas.AckSuccess}, nil)

	base := []Option{
		WithSleeper(h.sleeper.Sleep),
		WithClock(func() time.Time { return epoch }),
		WithIDGenerator(func() string { return "run-1" }),
	}
	r, err := New(cfg, staticCapturer{img: frame}, scriptedDetector{frames: frames}, h.dispatcher, zap.NewNop(), append(base, opts...)...)
	require.NoError(t, err)
	h.runner = r
	return h
}

// -- Construction --

func TestNew_Validation(t *testing.T) {
	d := new(mocks.MockDispatcher)
	det := new(mocks.MockDetector)
	c := staticCapturer{}

	_, err := New(testConfig(), nil, det, d, nil)
	assert.Error(t, err)
	_, err = New(testConfig(), c, nil, d, nil)
	assert.Error(t, err)
	_, err = New(testConfig(), c, det, nil, nil)
	assert.Error(t, err)

	r, err := New(testConfig(), c, det, d, nil)
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = r.Run(context.Background(), nil)
	assert.Error(t, err)
}

// -- State Graph Runs --

func TestRun_FSMReachesTarget(t *testing.T) {
	frames := mocks.NewScriptedObserver(
		nil,
		[]schemas.UIElement{playButton},
		[]schemas.UIElement{resultsBox},
	)
	store := new(mocks.MockRunStore)
	store.On("SaveRun", mock.Anything, mock.MatchedBy(func(r *schemas.RunResult) bool {
		return r.RunID == "run-1" && r.Status == schemas.RunCompleted
	})).Return(nil).Once()

	h := newHarness(t, testConfig(), frames, WithStore(store))

	res, err := h.runner.Run(context.Background(), mustProfile(t, menuGraph))
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, res.Status)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "bench", res.Profile)
	assert.Equal(t, schemas.StrategyFSM, res.Strategy)
	assert.Equal(t, "results", res.FinalState)
	assert.Equal(t, 3, res.Iterations)
	assert.Empty(t, res.Error)
	if diff := cmp.Diff([]string{"initial", "menu", "results"}, res.History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Transitions, 2)
	assert.Equal(t, "menu", res.Transitions[1].From)
	assert.Equal(t, "results", res.Transitions[1].To)
	assert.Equal(t, epoch, res.StartedAt)
	assert.Equal(t, epoch, res.EndedAt)

	assert.Equal(t, []schemas.Action{schemas.NewClick(140, 60)}, h.dispatcher.Dispatched())
	// The wait transition sleeps for its duration, then each decision waits
	// out the transition's expected delay.
	assert.Equal(t, []time.Duration{2 * time.Second, profile.DefaultExpectedDelay, profile.DefaultExpectedDelay}, h.sleeper.All())
	assert.Equal(t, 3, frames.Calls())
	store.AssertExpectations(t)
}

func TestRun_FSMIterationBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	h := newHarness(t, cfg, mocks.NewScriptedObserver(nil))

	res, err := h.runner.Run(context.Background(), mustProfile(t, menuGraph))

	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrIterationBudget)
	assert.Equal(t, schemas.RunFailed, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, "menu", res.FinalState)
	assert.Contains(t, res.Error, "iteration budget exhausted")
	assert.Empty(t, h.dispatcher.Dispatched(), "an unresolved transition dispatches nothing")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig(), mocks.NewScriptedObserver(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.runner.Run(ctx, mustProfile(t, menuGraph))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, schemas.RunStopped, res.Status)
	assert.Zero(t, res.Iterations)
	assert.Zero(t, h.frames.Calls())
}

func TestRun_CaptureFailureEndsRun(t *testing.T) {
	capturer := new(mocks.MockCapturer)
	capturer.On("Capture", mock.Anything).Return(schemas.Image{}, errors.New("display lost"))
	detector := new(mocks.MockDetector)
	d := new(mocks.MockDispatcher)

	r, err := New(testConfig(), capturer, detector, d, zap.NewNop(), WithSleeper((&sleepRecorder{}).Sleep))
	require.NoError(t, err)

	res, err := r.Run(context.Background(), mustProfile(t, menuGraph))

	require.Error(t, err)
	var ce *schemas.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "capture", ce.Op)
	assert.Equal(t, schemas.RunError, res.Status)
	assert.Equal(t, 1, res.Iterations)
	detector.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	capturer := new(mocks.MockCapturer)
	capturer.On("Capture", mock.Anything).Run(func(mock.Arguments) {
		once.Do(func() { close(started) })
		<-release
	}).Return(frame, nil)
	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, frame).Return([]schemas.UIElement{}, nil)
	d := new(mocks.MockDispatcher)

	r, err := New(testConfig(), capturer, detector, d, zap.NewNop(), WithSleeper((&sleepRecorder{}).Sleep))
	require.NoError(t, err)
	p := mustProfile(t, menuGraph)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type outcome struct {
		res *schemas.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Run(ctx, p)
		done <- outcome{res, err}
	}()
	<-started

	res, err := r.Run(context.Background(), p)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, schemas.ErrRunInProgress)

	cancel()
	close(release)
	first := <-done
	assert.ErrorIs(t, first.err, context.Canceled)
	assert.Equal(t, schemas.RunStopped, first.res.Status)
}

// -- Linear Runs --

func TestRun_StepsWithLaunch(t *testing.T) {
	launcher := new(mocks.MockLauncher)
	launcher.On("Launch", mock.Anything, "/games/bench.exe").Return(nil).Once()
	launcher.On("Terminate", mock.Anything).Return(nil).Once()

	cfg := testConfig()
	cfg.LaunchPath = "/games/bench.exe"
	cfg.StartupWait = 5 * time.Second
	cfg.TerminateOnExit = true
	h := newHarness(t, cfg, mocks.NewScriptedObserver(nil), WithLauncher(launcher))

	res, err := h.runner.Run(context.Background(), mustProfile(t, threeKeys))
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, res.Status)
	assert.Equal(t, schemas.StrategySteps, res.Strategy)
	assert.Equal(t, profile.StateCompleted, res.FinalState)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, []string{"1", "2", "3", profile.StateCompleted}, res.History)
	assert.Equal(t, 3, res.Vars["steps_completed"])
	assert.Equal(t, []schemas.Action{
		schemas.Key{Name: "a"}, schemas.Key{Name: "b"}, schemas.Key{Name: "c"},
	}, h.dispatcher.Dispatched())

	sleeps := h.sleeper.All()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, 12*time.Second, sleeps[0], "the profile's startup wait wins over the configured one")
	launcher.AssertExpectations(t)
}

func TestRun_LongStepListOutlivesIterationSetting(t *testing.T) {
	var doc strings.Builder
	doc.WriteString("steps:\n")
	for i := 1; i <= 30; i++ {
		fmt.Fprintf(&doc, "  %d: {action: {type: key, key: a}}\n", i)
	}
	cfg := testConfig()
	cfg.MaxIterations = 5
	h := newHarness(t, cfg, mocks.NewScriptedObserver(nil))

	res, err := h.runner.Run(context.Background(), mustProfile(t, doc.String()))

	require.NoError(t, err)
	assert.Equal(t, schemas.RunCompleted, res.Status)
	assert.Equal(t, 30, res.Iterations)
	assert.Len(t, h.dispatcher.Dispatched(), 30)
}

func TestRun_LaunchFailure(t *testing.T) {
	launcher := new(mocks.MockLauncher)
	launcher.On("Launch", mock.Anything, "/games/bench.exe").Return(errors.New("not found"))

	cfg := testConfig()
	cfg.LaunchPath = "/games/bench.exe"
	cfg.TerminateOnExit = true
	h := newHarness(t, cfg, mocks.NewScriptedObserver(nil), WithLauncher(launcher))

	res, err := h.runner.Run(context.Background(), mustProfile(t, threeKeys))

	require.Error(t, err)
	assert.Equal(t, schemas.ErrCodeCollaborator, schemas.CodeOf(err))
	assert.Equal(t, schemas.RunError, res.Status)
	assert.Zero(t, h.frames.Calls())
	launcher.AssertNotCalled(t, "Terminate", mock.Anything)
}

func TestRun_NoLaunchWithoutPath(t *testing.T) {
	launcher := new(mocks.MockLauncher)
	h := newHarness(t, testConfig(), mocks.NewScriptedObserver(nil), WithLauncher(launcher))

	res, err := h.runner.Run(context.Background(), mustProfile(t, threeKeys))

	require.NoError(t, err)
	assert.Equal(t, schemas.RunCompleted, res.Status)
	launcher.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything)
}

// -- Persistence --

func TestRun_StoreFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := new(mocks.MockRunStore)
	store.On("SaveRun", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	d := new(mocks.MockDispatcher)
	d.On("Dispatch", mock.Anything, mock.Anything).Return(schemas.Ack{Status: schemas.AckSuccess}, nil)
	frames := mocks.NewScriptedObserver(nil)
	r, err := New(testConfig(), staticCapturer{img: frame}, scriptedDetector{frames: frames}, d, zap.New(core),
		WithStore(store), WithSleeper((&sleepRecorder{}).Sleep))
	require.NoError(t, err)

	res, err := r.Run(context.Background(), mustProfile(t, threeKeys))

	require.NoError(t, err, "a failed save does not fail the run")
	assert.Equal(t, schemas.RunCompleted, res.Status)
	assert.Equal(t, 1, logs.FilterMessage("Failed to persist run").Len())
	store.AssertExpectations(t)
}

// -- Observation Pipeline --

func TestPipeline_ReadsFrameDimensions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 32))))

	capturer := new(mocks.MockCapturer)
	capturer.On("Capture", mock.Anything).Return(schemas.Image{Data: buf.Bytes(), MIMEType: "image/png"}, nil)
	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, mock.MatchedBy(func(img schemas.Image) bool {
		return img.Width == 64 && img.Height == 32
	})).Return([]schemas.UIElement{playButton}, nil)

	p := &pipeline{capturer: capturer, detector: detector, logger: zap.NewNop()}
	elements, err := p.Observe(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []schemas.UIElement{playButton}, elements)
	detector.AssertExpectations(t)
}

func TestPipeline_DetectFailure(t *testing.T) {
	capturer := new(mocks.MockCapturer)
	capturer.On("Capture", mock.Anything).Return(frame, nil)
	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, frame).Return(nil, errors.New("model offline"))

	p := &pipeline{capturer: capturer, detector: detector, logger: zap.NewNop()}
	_, err := p.Observe(context.Background())

	var ce *schemas.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "detect", ce.Op)
}

func TestPipeline_ScalesOnceCalibrated(t *testing.T) {
	// A detector working at half the screen resolution.
	half := schemas.UIElement{Type: "button", Text: "Play", X: 440, Y: 17, Width: 80, Height: 20, Confidence: 0.9}
	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, frame).Return([]schemas.UIElement{half}, nil)

	p := &pipeline{
		capturer:   staticCapturer{img: frame},
		detector:   detector,
		calibrator: calibration.New(zap.NewNop()),
		logger:     zap.NewNop(),
	}
	for i := 1; i < calibration.DefaultRequiredSamples; i++ {
		elements, err := p.Observe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []schemas.UIElement{half}, elements, "sample %d is not scaled", i)
	}

	elements, err := p.Observe(context.Background())
	require.NoError(t, err)
	require.Len(t, elements, 1)
	x, y := elements[0].Center()
	assert.Equal(t, 960, x)
	assert.Equal(t, 54, y)
	assert.Equal(t, 160, elements[0].Width)
	assert.True(t, p.calibrator.Model().Calibrated)
}

func TestRun_CalibratedClickLandsOnScreenPixels(t *testing.T) {
	doc := `
calibration:
  samples: 1
steps:
  1:
    find: {text: play}
    action: {type: click}
`
	half := schemas.UIElement{Type: "button", Text: "Play", X: 440, Y: 17, Width: 80, Height: 20, Confidence: 0.9}
	h := newHarness(t, testConfig(), mocks.NewScriptedObserver([]schemas.UIElement{half}))

	res, err := h.runner.Run(context.Background(), mustProfile(t, doc))
	require.NoError(t, err)
	assert.Equal(t, schemas.RunCompleted, res.Status)

	dispatched := h.dispatcher.Dispatched()
	require.Len(t, dispatched, 1)
	click, ok := dispatched[0].(schemas.Click)
	require.True(t, ok, "got %T", dispatched[0])
	assert.Equal(t, 960, click.X)
	assert.Equal(t, 54, click.Y)
}

func TestPipeline_WritesArtifacts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 32))))
	img := schemas.Image{Data: buf.Bytes(), MIMEType: "image/png"}
	box := schemas.UIElement{Type: "button", Text: "Play", X: 10, Y: 5, Width: 20, Height: 10, Confidence: 0.9}

	capturer := new(mocks.MockCapturer)
	capturer.On("Capture", mock.Anything).Return(img, nil)
	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, mock.Anything).Return([]schemas.UIElement{box}, nil)

	dir := t.TempDir()
	p := &pipeline{
		capturer:  capturer,
		detector:  detector,
		artifacts: newArtifactWriter(dir, "run-1", zap.NewNop()),
		logger:    zap.NewNop(),
	}
	for i := 0; i < 2; i++ {
		_, err := p.Observe(context.Background())
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "run-1", "screenshots", "frame_0002.png"))
	require.NoError(t, err)
	assert.Equal(t, img.Data, raw)

	f, err := os.Open(filepath.Join(dir, "run-1", "annotated", "frame_0002.png"))
	require.NoError(t, err)
	defer f.Close()
	annotated, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, boxColor, color.RGBAModel.Convert(annotated.At(10, 5)), "box corner")
	assert.Equal(t, color.RGBA{}, color.RGBAModel.Convert(annotated.At(20, 10)), "box interior is untouched")
}

func TestPipeline_ArtifactFailureIsNotFatal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	// A file where the run directory should be.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "run-1"), nil, 0o644))

	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, frame).Return([]schemas.UIElement{playButton}, nil)
	p := &pipeline{
		capturer:  staticCapturer{img: frame},
		detector:  detector,
		artifacts: newArtifactWriter(root, "run-1", zap.New(core)),
		logger:    zap.NewNop(),
	}

	elements, err := p.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []schemas.UIElement{playButton}, elements)
	assert.Equal(t, 1, logs.FilterMessage("Could not create artifact directory").Len())
}
