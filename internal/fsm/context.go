// Package fsm implements the state-machine strategy: identifying the current
// state from detected elements and choosing the transition that moves the
// application toward its target state.
package fsm

import (
	"time"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/profile"
)

// Ambiguity records a frame that matched several states and how it was settled.
type Ambiguity struct {
	Iteration  int
	Candidates []string
	Chosen     string
	Rule       string
}

// EngineContext is the mutable state of one FSM run. Create one per run with
// NewEngineContext and discard it when the run ends; it must never be shared
// between runs.
type EngineContext struct {
	Current   string
	History   []string
	Visited   map[string]bool
	Vars      map[string]any
	Flags     map[string]bool
	Iteration int

	// EnteredAt is the timeout clock of each state. A timeout resets it
	// without leaving the state.
	EnteredAt map[string]time.Time
	// Arrivals holds the first time each state was entered. Timers read it.
	Arrivals map[string]time.Time

	Taken       map[profile.TransitionKey]int
	Transitions []schemas.TransitionRecord
	Ambiguities []Ambiguity
}

// NewEngineContext starts a context in the initial state at now.
func NewEngineContext(initial string, now time.Time) *EngineContext {
	return &EngineContext{
		Current:   initial,
		History:   []string{initial},
		Visited:   map[string]bool{initial: true},
		Vars:      make(map[string]any),
		Flags:     make(map[string]bool),
		EnteredAt: map[string]time.Time{initial: now},
		Arrivals:  map[string]time.Time{initial: now},
		Taken:     make(map[profile.TransitionKey]int),
	}
}

// enter moves the context into state and records the change.
func (ec *EngineContext) enter(state string, now time.Time) {
	ec.Transitions = append(ec.Transitions, schemas.TransitionRecord{
		From: ec.Current, To: state, Iteration: ec.Iteration, At: now,
	})
	ec.History = append(ec.History, state)
	ec.Current = state
	ec.Visited[state] = true
	ec.EnteredAt[state] = now
	if _, ok := ec.Arrivals[state]; !ok {
		ec.Arrivals[state] = now
	}
}

// HasTaken reports whether the transition was taken at least once.
func (ec *EngineContext) HasTaken(key profile.TransitionKey) bool {
	return ec.Taken[key] > 0
}

// Elapsed returns how long the run has been in its current state.
func (ec *EngineContext) Elapsed(now time.Time) time.Duration {
	t, ok := ec.EnteredAt[ec.Current]
	if !ok {
		return 0
	}
	return now.Sub(t)
}
