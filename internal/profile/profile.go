// Package profile loads automation profiles: the declarative description of
// how to drive one application to its goal, either as a state graph or as an
// ordered list of steps.
package profile

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/calibration"
)

// Well known state names.
const (
	StateInitial   = "initial"
	StateCompleted = "completed"
	StateUnknown   = "unknown"
)

// DefaultExpectedDelay is the pause after a transition or step when none is declared.
const DefaultExpectedDelay = time.Second

// -- Metadata --

// Metadata carries display and timing hints. Only StartupWait and StepTimeout
// influence a run.
type Metadata struct {
	GameName          string
	Resolution        string
	StartupWait       *time.Duration
	BenchmarkDuration time.Duration
	StepTimeout       time.Duration
}

// -- State Graph --

// StateDefinition declares how to recognize a state.
type StateDefinition struct {
	Name     string
	Required []schemas.ElementCriterion
	Excluded []schemas.ElementCriterion
	// Timeout is zero when the state uses the engine default.
	Timeout time.Duration
}

// Recognizable reports whether the state can ever be identified from a frame.
func (s StateDefinition) Recognizable() bool {
	return len(s.Required) > 0
}

// TransitionKey identifies a transition by its endpoints.
type TransitionKey struct {
	From string
	To   string
}

func (k TransitionKey) String() string {
	return k.From + "->" + k.To
}

// TransitionAction is the kind of input a transition needs.
type TransitionAction string

const (
	ActionClick TransitionAction = "click"
	ActionKey   TransitionAction = "key"
	ActionWait  TransitionAction = "wait"
)

// Transition is a declared edge between two states.
type Transition struct {
	Key    TransitionKey
	Action TransitionAction
	// Target locates the element to click.
	Target *schemas.ElementCriterion
	// Hardcoded coordinates take precedence over everything else.
	Hardcoded *schemas.Point
	// FallbackCoords are used when Target cannot be found.
	FallbackCoords *schemas.Point
	KeyName        string
	Duration       time.Duration
	ExpectedDelay  time.Duration
	// SetsFlag names a context flag raised when the transition is taken.
	SetsFlag string
}

// PairRule resolves two states that are expected to match the same frame.
// When both are candidates, WhenSet wins if Flag is raised, Otherwise wins if not.
type PairRule struct {
	States    [2]string
	Flag      string
	WhenSet   string
	Otherwise string
}

// Applies reports whether both states of the pair are among the candidates.
func (r PairRule) Applies(candidates []string) bool {
	var a, b bool
	for _, c := range candidates {
		a = a || c == r.States[0]
		b = b || c == r.States[1]
	}
	return a && b
}

// KeywordRule classifies a frame as State when the previous state is After
// and any element's text contains one of Keywords.
type KeywordRule struct {
	After    string
	State    string
	Keywords []string
}

// DefaultKeywords are used by keyword rules that declare none.
var DefaultKeywords = []string{"result", "score", "complete"}

// Timer measures the time between entering Start and entering End and stores
// it, in seconds, under Name.
type Timer struct {
	Name  string
	Start string
	End   string
}

// CalibrationSpec overrides the calibrator's reference labels.
type CalibrationSpec struct {
	Enabled    bool
	References []calibration.Reference
	Samples    int
}

// -- Linear Steps --

// Step is one entry of a linear profile.
type Step struct {
	Index         int
	Description   string
	Find          *schemas.ElementCriterion
	Action        schemas.Action
	Verify        []schemas.ElementCriterion
	ExpectedDelay time.Duration
}

// Key returns the fallback lookup key of the step.
func (s Step) Key() string {
	return fmt.Sprintf("%d", s.Index)
}

// OptionalStep is an interrupt (a popup, a dialog) handled whenever its
// trigger appears.
type OptionalStep struct {
	Name    string
	Trigger schemas.ElementCriterion
	Action  schemas.Action
}

// -- Profile --

// Profile is a validated automation profile.
type Profile struct {
	Name     string
	Path     string
	Strategy schemas.Strategy
	Metadata Metadata

	States         []StateDefinition
	Transitions    []Transition
	InitialState   string
	TargetState    string
	Disambiguation []PairRule
	KeywordRules   []KeywordRule
	Timers         []Timer
	Calibration    CalibrationSpec

	Steps         []Step
	OptionalSteps []OptionalStep

	Fallbacks map[string]schemas.Action
}

// State returns the definition of a declared state.
func (p *Profile) State(name string) (StateDefinition, bool) {
	for _, s := range p.States {
		if s.Name == name {
			return s, true
		}
	}
	return StateDefinition{}, false
}

// Transition returns the transition declared for key.
func (p *Profile) Transition(key TransitionKey) (Transition, bool) {
	for _, t := range p.Transitions {
		if t.Key == key {
			return t, true
		}
	}
	return Transition{}, false
}

// TransitionsFrom returns the transitions leaving from, in declaration order.
func (p *Profile) TransitionsFrom(from string) []Transition {
	var out []Transition
	for _, t := range p.Transitions {
		if t.Key.From == from {
			out = append(out, t)
		}
	}
	return out
}

// HasTransition reports whether a transition from -> to is declared.
func (p *Profile) HasTransition(from, to string) bool {
	_, ok := p.Transition(TransitionKey{From: from, To: to})
	return ok
}
