// Package steps implements the linear strategy: a numbered list of steps,
// each located, acted on and verified in turn, with bounded retries.
package steps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/actions"
	"github.com/xkilldash9x/benchpilot/internal/fallback"
	"github.com/xkilldash9x/benchpilot/internal/matcher"
	"github.com/xkilldash9x/benchpilot/internal/profile"
)

const (
	// DefaultMaxRetries is the number of attempts a step gets.
	DefaultMaxRetries = 3
	// DefaultMaxIterations bounds the number of observations of one run.
	DefaultMaxIterations = 200
	// RetryDelay is the pause after a recovery action, before the step is retried.
	RetryDelay = time.Second
)

// Budget is the observation budget a profile needs: every step may use all
// its attempts plus a timeout observation each, and every optional step may
// interrupt once per step.
func Budget(p *profile.Profile, maxRetries int) int {
	if p == nil {
		return 0
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	n := len(p.Steps)
	return n*maxRetries*2 + n*len(p.OptionalSteps)
}

// Result is the outcome of a linear run.
type Result struct {
	Status schemas.RunStatus
	// Completed counts the steps that succeeded.
	Completed int
	// Attempts counts every attempt, successful or not.
	Attempts    int
	Iterations  int
	Transitions []schemas.TransitionRecord
	// LastStep is the index of the step that was running when the run ended.
	LastStep int
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxRetries sets the attempts per step.
func WithMaxRetries(n int) Option {
	return func(x *Executor) {
		if n > 0 {
			x.maxRetries = n
		}
	}
}

// WithMaxIterations sets the observation budget.
func WithMaxIterations(n int) Option {
	return func(x *Executor) {
		if n > 0 {
			x.maxIterations = n
		}
	}
}

// WithStepTimeout overrides the profile's step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(x *Executor) { x.stepTimeout = d }
}

// WithSleeper replaces actions.Sleep.
func WithSleeper(s actions.Sleeper) Option {
	return func(x *Executor) {
		if s != nil {
			x.sleep = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

// Executor runs a linear profile. It is not safe for concurrent use; the
// runner creates one per run.
type Executor struct {
	p        *profile.Profile
	observer schemas.Observer
	interp   *actions.Interpreter
	policy   fallback.Policy
	logger   *zap.Logger

	maxRetries    int
	maxIterations int
	stepTimeout   time.Duration
	sleep         actions.Sleeper
	now           func() time.Time
}

// NewExecutor creates an executor for a linear profile.
func NewExecutor(p *profile.Profile, observer schemas.Observer, interp *actions.Interpreter, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if p == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	if p.Strategy != schemas.StrategySteps {
		return nil, fmt.Errorf("profile '%s' has no steps", p.Name)
	}
	if observer == nil {
		return nil, fmt.Errorf("observer cannot be nil")
	}
	if interp == nil {
		return nil, fmt.Errorf("interpreter cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &Executor{
		p:             p,
		observer:      observer,
		interp:        interp,
		policy:        fallback.NewPolicy(p.Fallbacks),
		logger:        logger.Named("steps"),
		maxRetries:    DefaultMaxRetries,
		maxIterations: DefaultMaxIterations,
		stepTimeout:   p.Metadata.StepTimeout,
		sleep:         actions.Sleep,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Run executes the steps in order until all succeed, a step exhausts its
// retries, the iteration budget runs out, a collaborator fails or ctx ends.
func (x *Executor) Run(ctx context.Context) (Result, error) {
	res := Result{Status: schemas.RunRunning}
	steps := x.p.Steps
	index, retries := 0, 0
	stepStarted := x.now()

	for index < len(steps) {
		step := steps[index]
		res.LastStep = step.Index

		if err := ctx.Err(); err != nil {
			return x.stop(res, err)
		}
		if res.Iterations >= x.maxIterations {
			res.Status = schemas.RunFailed
			return res, fmt.Errorf("step %d: %w", step.Index, schemas.ErrIterationBudget)
		}
		res.Iterations++

		log := x.logger.With(zap.Int("step", step.Index), zap.String("description", step.Description))

		elements, err := x.observe(ctx)
		if err != nil {
			return x.abort(res, err)
		}

		if opt, trigger, ok := x.interrupt(elements); ok {
			log.Info("Handling optional step", zap.String("optional", opt.Name))
			scope := actions.Scope{Target: &trigger, Elements: elements, Observer: x.observer}
			if err := x.interp.Execute(ctx, opt.Action, scope); err != nil && !errors.Is(err, schemas.ErrNoMatch) {
				return x.abort(res, err)
			}
			if err := x.sleep(ctx, profile.DefaultExpectedDelay); err != nil {
				return x.stop(res, err)
			}
			continue
		}

		var stepErr error
		if x.stepTimeout > 0 && fallback.Expired(stepStarted, x.now(), x.stepTimeout) {
			log.Warn("Step timed out", zap.Duration("timeout", x.stepTimeout))
			stepErr = fmt.Errorf("step %d: %w", step.Index, schemas.ErrTimeoutInState)
			stepStarted = x.now()
		} else {
			res.Attempts++
			stepErr = x.attempt(ctx, step, elements)
		}

		if stepErr == nil {
			next := profile.StateCompleted
			if index+1 < len(steps) {
				next = steps[index+1].Key()
			}
			res.Transitions = append(res.Transitions, schemas.TransitionRecord{
				From: step.Key(), To: next, Iteration: res.Iterations, At: x.now(),
			})
			res.Completed++
			log.Info("Step completed")
			index++
			retries = 0
			stepStarted = x.now()
			continue
		}

		if !recoverable(stepErr) {
			return x.abort(res, stepErr)
		}

		retries++
		log.Warn("Step failed", zap.Error(stepErr), zap.Int("retries", retries), zap.Int("max_retries", x.maxRetries))
		if retries >= x.maxRetries {
			res.Status = schemas.RunFailed
			return res, fmt.Errorf("step %d (%s): %w: %v", step.Index, step.Description, schemas.ErrRetryBudgetExceeded, stepErr)
		}

		fb := x.policy.For(step.Key())
		log.Info("Issuing fallback", zap.String("action", schemas.Describe(fb)))
		if err := x.interp.Execute(ctx, fb, actions.Scope{Elements: elements, Observer: x.observer}); err != nil && recoverable(err) {
			log.Warn("Fallback action failed", zap.Error(err))
		} else if err != nil {
			return x.abort(res, err)
		}
		if err := x.sleep(ctx, RetryDelay); err != nil {
			return x.stop(res, err)
		}
	}

	res.Status = schemas.RunCompleted
	x.logger.Info("All steps completed", zap.Int("steps", len(steps)), zap.Int("attempts", res.Attempts))
	return res, nil
}

// attempt runs one try of a step against the frame it was observed on.
func (x *Executor) attempt(ctx context.Context, step profile.Step, elements []schemas.UIElement) error {
	where := "step " + strconv.Itoa(step.Index)

	var target *schemas.UIElement
	if step.Find != nil {
		e, ok := matcher.Find(*step.Find, elements)
		if !ok {
			x.logAvailable(elements)
			return &schemas.MatchFailure{Criterion: *step.Find, Where: where + " find"}
		}
		target = &e
	}

	scope := actions.Scope{Target: target, Elements: elements, Observer: x.observer}
	if err := x.interp.Execute(ctx, step.Action, scope); err != nil {
		return fmt.Errorf("%s action: %w", where, err)
	}

	if err := x.sleep(ctx, step.ExpectedDelay); err != nil {
		return err
	}

	if len(step.Verify) == 0 {
		return nil
	}
	after, err := x.observe(ctx)
	if err != nil {
		return err
	}
	if missing := matcher.Missing(step.Verify, after); len(missing) > 0 {
		x.logAvailable(after)
		return &schemas.MatchFailure{Criterion: missing[0], Where: where + " verify"}
	}
	return nil
}

// interrupt returns the first optional step whose trigger is on screen,
// together with the trigger element, which becomes the action's target.
func (x *Executor) interrupt(elements []schemas.UIElement) (profile.OptionalStep, schemas.UIElement, bool) {
	for _, o := range x.p.OptionalSteps {
		if e, ok := matcher.Find(o.Trigger, elements); ok {
			return o, e, true
		}
	}
	return profile.OptionalStep{}, schemas.UIElement{}, false
}

func (x *Executor) observe(ctx context.Context) ([]schemas.UIElement, error) {
	elements, err := x.observer.Observe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schemas.WrapCollaborator("observe", err)
	}
	return elements, nil
}

func (x *Executor) logAvailable(elements []schemas.UIElement) {
	if !x.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for i, e := range elements {
		x.logger.Debug("Available element", zap.Int("n", i+1), zap.Stringer("element", e))
	}
}

// stop ends the run because ctx is done.
func (x *Executor) stop(res Result, err error) (Result, error) {
	res.Status = schemas.RunStopped
	x.logger.Info("Run stopped", zap.Int("step", res.LastStep), zap.Error(err))
	return res, err
}

// abort ends the run on an error the executor cannot recover from.
func (x *Executor) abort(res Result, err error) (Result, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return x.stop(res, err)
	}
	res.Status = schemas.RunError
	x.logger.Error("Run aborted", zap.Int("step", res.LastStep), zap.Error(err))
	return res, err
}

// recoverable reports whether a failure should be retried rather than end the run.
func recoverable(err error) bool {
	return errors.Is(err, schemas.ErrNoMatch) || errors.Is(err, schemas.ErrTimeoutInState)
}
