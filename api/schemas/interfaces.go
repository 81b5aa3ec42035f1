package schemas

import (
	"context"
)

// -- Collaborator Interfaces --

// Detector turns a captured frame into the elements visible on it. Every
// detector backend, local or remote, satisfies this single method.
type Detector interface {
	Detect(ctx context.Context, img Image) ([]UIElement, error)
}

// Capturer grabs the current screen of the application under test.
type Capturer interface {
	Capture(ctx context.Context) (Image, error)
}

// Dispatcher executes a primitive input action on the application under test.
// Composite actions (text, wait, conditional, sequence) are expanded before
// they reach a Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, action Action) (Ack, error)
}

// Launcher owns the lifecycle of the application process.
type Launcher interface {
	Launch(ctx context.Context, path string) error
	Terminate(ctx context.Context) error
}

// Observer returns the elements currently on screen. It hides the capture,
// detect and calibrate pipeline from the strategies.
type Observer interface {
	Observe(ctx context.Context) ([]UIElement, error)
}

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, result *RunResult) error
}

// Ack is a dispatcher's acknowledgement of an action.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AckSuccess is the status reported for an accepted action.
const AckSuccess = "success"
