package service

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/runner"
)

// Components holds the initialized collaborators of a run and owns their
// lifecycle.
type Components struct {
	Capturer   schemas.Capturer
	Dispatcher schemas.Dispatcher
	Launcher   schemas.Launcher
	Detector   schemas.Detector
	// Store is nil when no database is configured.
	Store schemas.RunStore

	logger  *zap.Logger
	closers []func()
}

// onShutdown registers fn to run during Shutdown. Closers run in reverse order.
func (c *Components) onShutdown(fn func()) {
	if fn != nil {
		c.closers = append(c.closers, fn)
	}
}

// NewRunner wires a runner over the components.
func (c *Components) NewRunner(cfg config.RunConfig, logger *zap.Logger, opts ...runner.Option) (*runner.Runner, error) {
	base := []runner.Option{}
	if c.Launcher != nil {
		base = append(base, runner.WithLauncher(c.Launcher))
	}
	if c.Store != nil {
		base = append(base, runner.WithStore(c.Store))
	}
	return runner.New(cfg, c.Capturer, c.Detector, c.Dispatcher, logger, append(base, opts...)...)
}

// Shutdown releases every component. It is safe to call on a partially
// initialized set and more than once.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
	logger.Debug("All components shut down.")
}
