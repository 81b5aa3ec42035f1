package fsm

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/fallback"
	"github.com/xkilldash9x/benchpilot/internal/matcher"
	"github.com/xkilldash9x/benchpilot/internal/profile"
)

const (
	// DefaultStateTimeout applies to states that declare no timeout.
	DefaultStateTimeout = 60 * time.Second
	// UnknownResetWait is the pause issued when an unrecognized frame sends
	// the run back to the initial state.
	UnknownResetWait = 3 * time.Second
	// FallbackDelay is the pause after a recovery action.
	FallbackDelay = 2 * time.Second
)

// Reason explains a Decision.
type Reason string

const (
	ReasonTargetReached Reason = "target_reached"
	ReasonTimeout       Reason = "state_timeout"
	ReasonResetInitial  Reason = "reset_to_initial"
	ReasonNoTransitions Reason = "no_transitions"
	ReasonTransition    Reason = "transition"
	ReasonUnresolved    Reason = "unresolved_action"
)

// Decision is the engine's answer for one frame. A nil Action means nothing
// should be dispatched. Delay is how long the caller should wait before the
// next observation.
type Decision struct {
	Action     schemas.Action
	Next       string
	Reason     Reason
	Delay      time.Duration
	Terminal   bool
	Transition *profile.TransitionKey
	// Verified is the state the frame was identified as, before any transition.
	Verified string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultTimeout sets the timeout of states that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// Engine decides transitions for a state-graph profile. It is stateless
// between calls; all run state lives in the EngineContext passed in.
type Engine struct {
	p              *profile.Profile
	id             *Identifier
	policy         fallback.Policy
	logger         *zap.Logger
	now            func() time.Time
	defaultTimeout time.Duration
}

// NewEngine creates an engine for a state-graph profile.
func NewEngine(p *profile.Profile, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	if p.Strategy != schemas.StrategyFSM {
		return nil, fmt.Errorf("profile '%s' is not a state graph", p.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		p:              p,
		id:             NewIdentifier(p),
		policy:         fallback.NewPolicy(p.Fallbacks),
		logger:         logger.Named("fsm"),
		now:            time.Now,
		defaultTimeout: DefaultStateTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewContext returns a fresh EngineContext for one run of this engine's profile.
func (e *Engine) NewContext() *EngineContext {
	return NewEngineContext(e.p.InitialState, e.now())
}

// Identifier exposes the engine's state identifier.
func (e *Engine) Identifier() *Identifier {
	return e.id
}

// Target returns the profile's target state.
func (e *Engine) Target() string {
	return e.p.TargetState
}

// DetermineNextAction decides the action for the current frame and updates ec.
func (e *Engine) DetermineNextAction(ec *EngineContext, current string, elements []schemas.UIElement) Decision {
	now := e.now()
	if ec.Current != current {
		e.enter(ec, current, now)
	}
	log := e.logger.With(zap.String("state", current), zap.Int("iteration", ec.Iteration))

	if current == e.p.TargetState {
		return Decision{Next: current, Reason: ReasonTargetReached, Terminal: true, Verified: current}
	}

	// -- Verify --
	ident := e.id.Identify(elements, ec)
	verified := ident.State
	if ident.Ambiguous {
		ec.Ambiguities = append(ec.Ambiguities, Ambiguity{
			Iteration: ec.Iteration, Candidates: ident.Candidates, Chosen: ident.State, Rule: ident.Rule,
		})
		log.Warn("Ambiguous state match, using first candidate.",
			zap.Strings("candidates", ident.Candidates),
			zap.String("chosen", ident.State),
			zap.String("code", string(schemas.ErrCodeAmbiguousState)))
	}
	if verified != profile.StateUnknown && verified != current {
		log.Info("State correction.", zap.String("expected", current), zap.String("found", verified), zap.String("rule", ident.Rule))
		e.enter(ec, verified, now)
		current = verified
		log = log.With(zap.String("state", current))
	}
	if current == e.p.TargetState {
		return Decision{Next: current, Reason: ReasonTargetReached, Terminal: true, Verified: verified}
	}

	// -- Timeout --
	if fallback.Expired(ec.EnteredAt[current], now, e.timeoutFor(current)) {
		log.Warn("Timeout in state, issuing fallback.",
			zap.Duration("elapsed", now.Sub(ec.EnteredAt[current])),
			zap.Duration("timeout", e.timeoutFor(current)),
			zap.String("code", string(schemas.ErrCodeTimeoutInState)))
		ec.EnteredAt[current] = now
		return Decision{Action: e.policy.For(current), Next: current, Reason: ReasonTimeout, Delay: FallbackDelay, Verified: verified}
	}

	// -- Transitions --
	candidates := e.p.TransitionsFrom(current)
	if len(candidates) == 0 {
		if verified == profile.StateUnknown && current != e.p.InitialState {
			log.Info("No UI elements recognized, falling back to initial state.")
			e.enter(ec, e.p.InitialState, now)
			return Decision{
				Action: schemas.Wait{Duration: UnknownResetWait}, Next: e.p.InitialState,
				Reason: ReasonResetInitial, Verified: verified,
			}
		}
		log.Warn("No transitions defined from state, issuing fallback.")
		return Decision{Action: e.policy.For(current), Next: current, Reason: ReasonNoTransitions, Delay: FallbackDelay, Verified: verified}
	}

	chosen := candidates[0]
	for _, t := range candidates {
		if !ec.Visited[t.Key.To] {
			chosen = t
			break
		}
	}

	action, how := e.resolve(chosen, elements)
	if action == nil {
		log.Warn("Could not resolve an action for transition.",
			zap.String("transition", chosen.Key.String()),
			zap.String("code", string(schemas.ErrCodeMatchFailure)))
		return Decision{Next: current, Reason: ReasonUnresolved, Delay: profile.DefaultExpectedDelay, Verified: verified}
	}

	log.Info("Selected transition.",
		zap.String("transition", chosen.Key.String()),
		zap.String("action", schemas.Describe(action)),
		zap.String("resolved_by", how))

	ec.Taken[chosen.Key]++
	if chosen.SetsFlag != "" {
		ec.Flags[chosen.SetsFlag] = true
	}
	e.enter(ec, chosen.Key.To, now)

	key := chosen.Key
	return Decision{
		Action:     action,
		Next:       chosen.Key.To,
		Reason:     ReasonTransition,
		Delay:      chosen.ExpectedDelay,
		Transition: &key,
		Verified:   verified,
	}
}

// resolve turns a transition into a concrete action. Hardcoded coordinates
// win, then the declared kind, with a located target preferred over fallback
// coordinates for clicks.
func (e *Engine) resolve(t profile.Transition, elements []schemas.UIElement) (schemas.Action, string) {
	if t.Hardcoded != nil {
		return schemas.NewClick(t.Hardcoded.X, t.Hardcoded.Y), "hardcoded"
	}
	switch t.Action {
	case profile.ActionKey:
		return schemas.Key{Name: t.KeyName}, "key"
	case profile.ActionWait:
		return schemas.Wait{Duration: t.Duration}, "wait"
	}
	if t.Target != nil {
		if el, ok := matcher.Find(*t.Target, elements); ok {
			x, y := el.Center()
			return schemas.NewClick(x, y), "target"
		}
	}
	if t.FallbackCoords != nil {
		return schemas.NewClick(t.FallbackCoords.X, t.FallbackCoords.Y), "fallback_coords"
	}
	return nil, ""
}

func (e *Engine) timeoutFor(state string) time.Duration {
	if s, ok := e.p.State(state); ok && s.Timeout > 0 {
		return s.Timeout
	}
	return e.defaultTimeout
}

// enter moves ec into state and evaluates timers ending there.
func (e *Engine) enter(ec *EngineContext, state string, now time.Time) {
	ec.enter(state, now)
	for _, tm := range e.p.Timers {
		if tm.End != state {
			continue
		}
		if _, done := ec.Vars[tm.Name]; done {
			continue
		}
		start, ok := ec.Arrivals[tm.Start]
		if !ok {
			continue
		}
		secs := now.Sub(start).Seconds()
		ec.Vars[tm.Name] = secs
		e.logger.Info("Timer recorded.", zap.String("timer", tm.Name), zap.Float64("seconds", secs))
	}
}
