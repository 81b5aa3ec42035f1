// Package runner drives one automation run end to end: it launches the
// application, observes frames, lets the profile's strategy decide, executes
// the decisions and reports the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/actions"
	"github.com/xkilldash9x/benchpilot/internal/calibration"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/fsm"
	"github.com/xkilldash9x/benchpilot/internal/profile"
	"github.com/xkilldash9x/benchpilot/internal/steps"
)

// terminateTimeout bounds the shutdown of the application at the end of a run.
const terminateTimeout = 30 * time.Second

// Option configures a Runner.
type Option func(*Runner)

// WithLauncher lets the runner start and stop the application.
func WithLauncher(l schemas.Launcher) Option {
	return func(r *Runner) { r.launcher = l }
}

// WithStore persists every finished run.
func WithStore(s schemas.RunStore) Option {
	return func(r *Runner) { r.store = s }
}

// WithSleeper replaces actions.Sleep for every wait of the run.
func WithSleeper(s actions.Sleeper) Option {
	return func(r *Runner) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator replaces the run id source.
func WithIDGenerator(gen func() string) Option {
	return func(r *Runner) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// Runner executes profiles against one application. Only one run may be in
// progress at a time.
type Runner struct {
	cfg        config.RunConfig
	capturer   schemas.Capturer
	detector   schemas.Detector
	dispatcher schemas.Dispatcher
	launcher   schemas.Launcher
	store      schemas.RunStore
	logger     *zap.Logger

	sleep actions.Sleeper
	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	isRunning bool
}

// New creates a runner over the given collaborators.
func New(cfg config.RunConfig, capturer schemas.Capturer, detector schemas.Detector, dispatcher schemas.Dispatcher, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if capturer == nil || detector == nil || dispatcher == nil {
		return nil, fmt.Errorf("cannot initialize runner with nil collaborators")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:        cfg,
		capturer:   capturer,
		detector:   detector,
		dispatcher: dispatcher,
		logger:     logger.Named("runner"),
		sleep:      actions.Sleep,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes p and returns its result. The error is nil only when the run
// completed; the result is returned in every case once the run started.
func (r *Runner) Run(ctx context.Context, p *profile.Profile) (*schemas.RunResult, error) {
	if p == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil, schemas.ErrRunInProgress
	}
	r.isRunning = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
	}()

	result := &schemas.RunResult{
		RunID:     r.newID(),
		Profile:   p.Name,
		Strategy:  p.Strategy,
		Status:    schemas.RunRunning,
		StartedAt: r.now(),
	}
	log := r.logger.With(zap.String("run_id", result.RunID), zap.String("profile", p.Name))
	log.Info("Starting run", zap.String("strategy", string(p.Strategy)))

	runErr := r.execute(ctx, p, result, log)

	result.EndedAt = r.now()
	if runErr != nil {
		result.Error = runErr.Error()
	}
	r.persist(result, log)

	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.String("final_state", result.FinalState),
		zap.Int("iterations", result.Iterations),
		zap.Duration("duration", result.EndedAt.Sub(result.StartedAt)),
	}
	if runErr != nil {
		log.Warn("Run ended", append(fields, zap.Error(runErr), zap.String("code", string(schemas.CodeOf(runErr))))...)
	} else {
		log.Info("Run ended", fields...)
	}
	return result, runErr
}

func (r *Runner) execute(ctx context.Context, p *profile.Profile, result *schemas.RunResult, log *zap.Logger) error {
	if r.launcher != nil && r.cfg.LaunchPath != "" {
		if err := r.launch(ctx, log); err != nil {
			return r.finish(result, err)
		}
		if r.cfg.TerminateOnExit {
			defer r.terminate(ctx, log)
		}
		if err := r.awaitStartup(ctx, p, log); err != nil {
			return r.finish(result, err)
		}
	}

	obs := r.newObserver(p, result.RunID)
	interp, err := actions.NewInterpreter(r.dispatcher, r.logger, actions.WithSleeper(r.sleep), actions.WithClock(r.now))
	if err != nil {
		return r.finish(result, err)
	}

	switch p.Strategy {
	case schemas.StrategyFSM:
		return r.runFSM(ctx, p, obs, interp, result, log)
	case schemas.StrategySteps:
		return r.runSteps(ctx, p, obs, interp, result)
	default:
		return r.finish(result, &schemas.ConfigurationError{Msg: fmt.Sprintf("unknown strategy '%s'", p.Strategy)})
	}
}

func (r *Runner) newObserver(p *profile.Profile, runID string) schemas.Observer {
	obs := &pipeline{capturer: r.capturer, detector: r.detector, logger: r.logger.Named("observer")}
	if r.cfg.ArtifactsDir != "" {
		obs.artifacts = newArtifactWriter(r.cfg.ArtifactsDir, runID, obs.logger)
	}
	if p.Calibration.Enabled {
		obs.calibrator = calibration.New(r.logger,
			calibration.WithReferences(p.Calibration.References),
			calibration.WithRequiredSamples(p.Calibration.Samples),
		)
	}
	return obs
}

// -- Lifecycle --

func (r *Runner) launch(ctx context.Context, log *zap.Logger) error {
	log.Info("Launching application", zap.String("path", r.cfg.LaunchPath))
	if err := r.launcher.Launch(ctx, r.cfg.LaunchPath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return schemas.WrapCollaborator("launch", err)
	}
	return nil
}

// awaitStartup waits for the profile's startup time, or the configured default.
func (r *Runner) awaitStartup(ctx context.Context, p *profile.Profile, log *zap.Logger) error {
	wait := r.cfg.StartupWait
	if p.Metadata.StartupWait != nil {
		wait = *p.Metadata.StartupWait
	}
	log.Info("Waiting for application startup", zap.Duration("wait", wait))
	return r.sleep(ctx, wait)
}

func (r *Runner) terminate(ctx context.Context, log *zap.Logger) {
	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	if err := r.launcher.Terminate(termCtx); err != nil {
		log.Warn("Failed to terminate application", zap.Error(err))
	}
}

func (r *Runner) persist(result *schemas.RunResult, log *zap.Logger) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := r.store.SaveRun(ctx, result); err != nil {
		log.Error("Failed to persist run", zap.Error(err))
	}
}

// finish classifies a terminal error into the result status and returns it.
func (r *Runner) finish(result *schemas.RunResult, err error) error {
	switch {
	case err == nil:
		result.Status = schemas.RunCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result.Status = schemas.RunStopped
	case errors.Is(err, schemas.ErrRetryBudgetExceeded), errors.Is(err, schemas.ErrIterationBudget):
		result.Status = schemas.RunFailed
	default:
		result.Status = schemas.RunError
	}
	return err
}

// -- State Graph --

func (r *Runner) runFSM(ctx context.Context, p *profile.Profile, obs schemas.Observer, interp *actions.Interpreter, result *schemas.RunResult, log *zap.Logger) error {
	engine, err := fsm.NewEngine(p, r.logger, fsm.WithClock(r.now), fsm.WithDefaultTimeout(r.cfg.StateTimeout))
	if err != nil {
		return r.finish(result, err)
	}
	ec := engine.NewContext()
	defer func() {
		result.FinalState = ec.Current
		result.Iterations = ec.Iteration
		result.History = append([]string(nil), ec.History...)
		result.Transitions = append([]schemas.TransitionRecord(nil), ec.Transitions...)
		result.Vars = maps.Clone(ec.Vars)
	}()

	maxIterations := r.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = steps.DefaultMaxIterations
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.finish(result, err)
		}
		if ec.Iteration >= maxIterations {
			return r.finish(result, fmt.Errorf("state '%s' after %d iterations: %w", ec.Current, ec.Iteration, schemas.ErrIterationBudget))
		}
		ec.Iteration++

		elements, err := obs.Observe(ctx)
		if err != nil {
			return r.finish(result, err)
		}

		d := engine.DetermineNextAction(ec, ec.Current, elements)
		if d.Terminal {
			log.Info("Target state reached", zap.String("state", d.Next), zap.Int("iteration", ec.Iteration))
			return r.finish(result, nil)
		}

		if d.Action != nil {
			scope := actions.Scope{Elements: elements, Observer: obs}
			if err := interp.Execute(ctx, d.Action, scope); err != nil {
				if !errors.Is(err, schemas.ErrNoMatch) {
					return r.finish(result, err)
				}
				log.Warn("Action could not find its element", zap.String("action", schemas.Describe(d.Action)), zap.Error(err))
			}
		}

		delay := d.Delay
		if delay <= 0 {
			delay = r.cfg.DefaultDelay
		}
		if err := r.sleep(ctx, delay); err != nil {
			return r.finish(result, err)
		}
	}
}

// -- Linear Steps --

func (r *Runner) runSteps(ctx context.Context, p *profile.Profile, obs schemas.Observer, interp *actions.Interpreter, result *schemas.RunResult) error {
	// Never less than the step list can use.
	budget := max(r.cfg.MaxIterations, steps.Budget(p, r.cfg.MaxRetries))
	x, err := steps.NewExecutor(p, obs, interp, r.logger,
		steps.WithMaxRetries(r.cfg.MaxRetries),
		steps.WithMaxIterations(budget),
		steps.WithSleeper(r.sleep),
		steps.WithClock(r.now),
	)
	if err != nil {
		return r.finish(result, err)
	}

	res, runErr := x.Run(ctx)
	result.Status = res.Status
	result.Iterations = res.Iterations
	result.Transitions = res.Transitions
	result.Vars = map[string]any{
		"steps_completed": res.Completed,
		"attempts":        res.Attempts,
	}
	for _, t := range res.Transitions {
		result.History = append(result.History, t.From)
	}
	if res.Status == schemas.RunCompleted {
		result.FinalState = profile.StateCompleted
		result.History = append(result.History, result.FinalState)
	} else {
		result.FinalState = "step " + strconv.Itoa(res.LastStep)
	}
	return runErr
}
