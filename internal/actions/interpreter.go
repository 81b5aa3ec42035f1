// Package actions executes the Action union. Composite actions are expanded
// depth-first into primitives, which are handed to a Dispatcher.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/matcher"
)

// ClearSettle is the pause after the select-all that precedes a cleared text entry.
const ClearSettle = 100 * time.Millisecond

// ErrNoTarget is returned for element-relative actions executed without a target.
var ErrNoTarget = fmt.Errorf("%w: action needs a target element", schemas.ErrNoMatch)

// Scope is what an action can see while it runs.
type Scope struct {
	// Target is the element located for the current step, if any.
	Target *schemas.UIElement
	// Elements is the frame the action was decided on.
	Elements []schemas.UIElement
	// Observer is polled by waits with a condition. It may be nil.
	Observer schemas.Observer
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep waits for d, returning early with ctx.Err() when the context ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithSleeper replaces Sleep, mostly for tests.
func WithSleeper(s Sleeper) Option {
	return func(in *Interpreter) {
		if s != nil {
			in.sleep = s
		}
	}
}

// WithClock replaces time.Now for wait deadlines.
func WithClock(now func() time.Time) Option {
	return func(in *Interpreter) {
		if now != nil {
			in.now = now
		}
	}
}

// Interpreter walks an Action tree and dispatches its primitives.
type Interpreter struct {
	dispatcher schemas.Dispatcher
	logger     *zap.Logger
	sleep      Sleeper
	now        func() time.Time
}

// NewInterpreter creates an interpreter that sends primitives to d.
func NewInterpreter(d schemas.Dispatcher, logger *zap.Logger, opts ...Option) (*Interpreter, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Interpreter{
		dispatcher: d,
		logger:     logger.Named("actions"),
		sleep:      Sleep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Execute runs a. A nil action does nothing.
func (in *Interpreter) Execute(ctx context.Context, a schemas.Action, scope Scope) error {
	if a == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch v := a.(type) {
	case schemas.Click:
		if v.FromTarget {
			if scope.Target == nil {
				return ErrNoTarget
			}
			v.X, v.Y = scope.Target.Center()
			v.FromTarget = false
		}
		v.X += v.OffsetX
		v.Y += v.OffsetY
		v.OffsetX, v.OffsetY = 0, 0
		return in.dispatch(ctx, v)

	case schemas.MultiClick:
		if v.FromTarget {
			if scope.Target == nil {
				return ErrNoTarget
			}
			v.X, v.Y = scope.Target.Center()
			v.FromTarget = false
		}
		return in.dispatch(ctx, v)

	case schemas.Drag:
		if v.FromTarget {
			if scope.Target == nil {
				return ErrNoTarget
			}
			v.Start.X, v.Start.Y = scope.Target.Center()
			v.FromTarget = false
		}
		end := v.Destination()
		v.End = &end
		return in.dispatch(ctx, v)

	case schemas.Scroll:
		if v.FromTarget {
			if scope.Target == nil {
				return ErrNoTarget
			}
			v.X, v.Y = scope.Target.Center()
			v.FromTarget = false
		}
		return in.dispatch(ctx, v)

	case schemas.Key:
		return in.dispatch(ctx, schemas.Key{Name: NormalizeKey(v.Name)})

	case schemas.Hotkey:
		keys := make([]string, len(v.Keys))
		for i, k := range v.Keys {
			keys[i] = NormalizeKey(k)
		}
		return in.dispatch(ctx, schemas.Hotkey{Keys: keys})

	case schemas.Text:
		return in.typeText(ctx, v)

	case schemas.Wait:
		return in.wait(ctx, v, scope)

	case schemas.Conditional:
		branch := v.Else
		if in.holds(v.If, scope) {
			branch = v.Then
		}
		in.logger.Debug("Conditional evaluated",
			zap.String("condition", schemas.Describe(v)),
			zap.String("branch", schemas.Describe(branch)))
		return in.Execute(ctx, branch, scope)

	case schemas.Sequence:
		for i, sub := range v.Actions {
			if i > 0 {
				if err := in.sleep(ctx, v.DelayBetween); err != nil {
					return err
				}
			}
			if err := in.Execute(ctx, sub, scope); err != nil {
				return fmt.Errorf("sequence action %d: %w", i+1, err)
			}
		}
		return nil
	}

	return fmt.Errorf("%w: %s", schemas.ErrUnsupportedAction, a.Kind())
}

// typeText sends one key per character.
func (in *Interpreter) typeText(ctx context.Context, t schemas.Text) error {
	if t.ClearFirst {
		if err := in.dispatch(ctx, schemas.Hotkey{Keys: []string{NormalizeKey("ctrl"), "a"}}); err != nil {
			return err
		}
		if err := in.sleep(ctx, ClearSettle); err != nil {
			return err
		}
	}
	for i, r := range t.Value {
		if i > 0 {
			if err := in.sleep(ctx, t.CharDelay); err != nil {
				return err
			}
		}
		if err := in.dispatch(ctx, schemas.Key{Name: charKey(r)}); err != nil {
			return err
		}
	}
	return nil
}

// wait pauses, or polls for a condition. Running out of time while waiting
// for a condition is not an error.
func (in *Interpreter) wait(ctx context.Context, w schemas.Wait, scope Scope) error {
	if w.Until == nil {
		in.logger.Debug("Waiting", zap.Duration("duration", w.Duration))
		return in.sleep(ctx, w.Duration)
	}
	if scope.Observer == nil {
		return fmt.Errorf("wait for %s needs an observer", w.Until)
	}

	interval := w.CheckInterval
	if interval <= 0 {
		interval = schemas.DefaultCheckInterval
	}
	maxWait := w.MaxWait
	if maxWait <= 0 {
		maxWait = schemas.DefaultWaitMax
	}

	deadline := in.now().Add(maxWait)
	for {
		elements, err := scope.Observer.Observe(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return schemas.WrapCollaborator("observe", err)
		}
		if _, ok := matcher.Find(*w.Until, elements); ok {
			in.logger.Debug("Wait condition met", zap.Stringer("condition", *w.Until))
			return nil
		}
		if !in.now().Before(deadline) {
			in.logger.Info("Wait condition not met before deadline, continuing",
				zap.Stringer("condition", *w.Until),
				zap.Duration("max_wait", maxWait))
			return nil
		}
		if err := in.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// holds evaluates a conditional's test. A nil criterion asks whether the
// scope has a target.
func (in *Interpreter) holds(c *schemas.ElementCriterion, scope Scope) bool {
	if c == nil {
		return scope.Target != nil
	}
	_, ok := matcher.Find(*c, scope.Elements)
	return ok
}

func (in *Interpreter) dispatch(ctx context.Context, a schemas.Action) error {
	in.logger.Debug("Dispatching action", zap.String("action", schemas.Describe(a)))
	ack, err := in.dispatcher.Dispatch(ctx, a)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, schemas.ErrUnsupportedAction) {
			return err
		}
		return schemas.WrapCollaborator("dispatch "+string(a.Kind()), err)
	}
	if ack.Status != "" && ack.Status != schemas.AckSuccess {
		return schemas.WrapCollaborator("dispatch "+string(a.Kind()),
			fmt.Errorf("backend rejected action: %s", ack.Message))
	}
	return nil
}
