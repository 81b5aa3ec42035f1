package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/internal/browser"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/detector"
	"github.com/xkilldash9x/benchpilot/internal/sut"
)

// ComponentFactory creates the set of components needed for a run. The
// abstraction keeps the run command testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create builds the backend, the detector and, when a database is
// configured, the run store.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Backend
	switch backend := cfg.Run().Backend; backend {
	case config.BackendSUT, "":
		client, err := sut.NewClient(cfg.SUT(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize sut client: %w", err)
			return nil, initializationErr
		}
		components.Capturer = client
		components.Dispatcher = client
		components.Launcher = client
		logger.Debug("SUT client initialized.", zap.String("url", cfg.SUT().URL))
	case config.BackendBrowser:
		b, err := browser.New(ctx, cfg.Browser(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to start browser backend: %w", err)
			return nil, initializationErr
		}
		components.onShutdown(b.Close)
		components.Capturer = b
		components.Dispatcher = b
		components.Launcher = b
	default:
		initializationErr = fmt.Errorf("unknown backend '%s'", backend)
		return nil, initializationErr
	}

	// 2. Detector
	det, err := detector.New(ctx, cfg.Detector(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize detector: %w", err)
		return nil, initializationErr
	}
	components.Detector = det
	logger.Debug("Detector initialized.", zap.String("kind", string(cfg.Detector().Kind)))

	// 3. Store
	if cfg.Database().URL == "" {
		logger.Info("No database configured; run results will not be persisted.")
		return components, nil
	}
	s, cleanup, err := InitializeStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.onShutdown(cleanup)
	components.Store = s
	logger.Debug("Store service initialized.")

	return components, nil
}
