// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/benchpilot/api/schemas"
)

// -- Detector Mock --

// MockDetector mocks the schemas.Detector interface.
type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Detect(ctx context.Context, img schemas.Image) ([]schemas.UIElement, error) {
	args := m.Called(ctx, img)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.UIElement), args.Error(1)
}

// -- Capturer Mock --

// MockCapturer mocks the schemas.Capturer interface.
type MockCapturer struct {
	mock.Mock
}

func (m *MockCapturer) Capture(ctx context.Context) (schemas.Image, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.Image), args.Error(1)
}

// -- Dispatcher Mock --

// MockDispatcher mocks the schemas.Dispatcher interface.
type MockDispatcher struct {
	mock.Mock
}

// Dispatch checks the context before recording the call, like a real backend would.
func (m *MockDispatcher) Dispatch(ctx context.Context, action schemas.Action) (schemas.Ack, error) {
	select {
	case <-ctx.Done():
		return schemas.Ack{}, ctx.Err()
	default:
	}
	args := m.Called(ctx, action)
	return args.Get(0).(schemas.Ack), args.Error(1)
}

// Dispatched returns the actions received so far, in order.
func (m *MockDispatcher) Dispatched() []schemas.Action {
	var out []schemas.Action
	for _, c := range m.Calls {
		if c.Method == "Dispatch" {
			out = append(out, c.Arguments.Get(1).(schemas.Action))
		}
	}
	return out
}

// -- Launcher Mock --

// MockLauncher mocks the schemas.Launcher interface.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, path string) error {
	return m.Called(ctx, path).Error(0)
}

func (m *MockLauncher) Terminate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// -- Observer Fake --

// ScriptedObserver replays a fixed sequence of frames. Once the script runs
// out it keeps returning the last frame.
type ScriptedObserver struct {
	mu     sync.Mutex
	frames [][]schemas.UIElement
	calls  int
	Err    error
}

// NewScriptedObserver creates an observer that returns frames in order.
func NewScriptedObserver(frames ...[]schemas.UIElement) *ScriptedObserver {
	return &ScriptedObserver{frames: frames}
}

func (o *ScriptedObserver) Observe(ctx context.Context) ([]schemas.UIElement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Err != nil {
		return nil, o.Err
	}
	o.calls++
	if len(o.frames) == 0 {
		return nil, nil
	}
	i := o.calls - 1
	if i >= len(o.frames) {
		i = len(o.frames) - 1
	}
	return o.frames[i], nil
}

// Calls returns how many frames were observed.
func (o *ScriptedObserver) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// -- Run Store Mock --

// MockRunStore mocks the schemas.RunStore interface.
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) SaveRun(ctx context.Context, result *schemas.RunResult) error {
	return m.Called(ctx, result).Error(0)
}
