// Package browser drives a web application under test through Chrome. It
// implements the capture, input and lifecycle collaborators with chromedp,
// moving the pointer along humanoid trajectories.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/humanoid"
)

const (
	eventTimeout      = 10 * time.Second
	captureTimeout    = 20 * time.Second
	navigationTimeout = 60 * time.Second
	blankPage         = "about:blank"
)

// runFunc executes chromedp actions against the tab.
type runFunc func(ctx context.Context, actions ...chromedp.Action) error

// Backend implements schemas.Capturer, schemas.Dispatcher and schemas.Launcher
// for a single Chrome tab.
type Backend struct {
	run     runFunc
	sleep   func(ctx context.Context, d time.Duration) error
	planner *humanoid.Planner // nil when humanoid movement is disabled
	width   int
	height  int
	logger  *zap.Logger

	// mu serializes input so pointer state stays consistent.
	mu     sync.Mutex
	cursor humanoid.Vector2D

	closeOnce sync.Once
	cancels   []context.CancelFunc
}

var (
	_ schemas.Capturer   = (*Backend)(nil)
	_ schemas.Dispatcher = (*Backend)(nil)
	_ schemas.Launcher   = (*Backend)(nil)
)

// execOptions builds the allocator options from the configuration.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// New starts Chrome, opens a tab sized to the configured viewport and, when
// cfg.URL is set, navigates to it. Close releases the browser.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Backend, error) {
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		return nil, fmt.Errorf("browser viewport must be positive, got %dx%d", cfg.ViewportWidth, cfg.ViewportHeight)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	b := newBackend(cfg, logger, tabRunner(tabCtx))
	b.cancels = []context.CancelFunc{tabCancel, allocCancel}

	startCtx, cancel := context.WithTimeout(ctx, navigationTimeout)
	defer cancel()
	if err := b.run(startCtx, chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight))); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Info("Browser started", zap.Bool("headless", cfg.Headless), zap.Int("width", cfg.ViewportWidth), zap.Int("height", cfg.ViewportHeight))

	if cfg.URL != "" {
		if err := b.Launch(ctx, cfg.URL); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func newBackend(cfg config.BrowserConfig, logger *zap.Logger, run runFunc) *Backend {
	b := &Backend{
		run:    run,
		sleep:  sleep,
		width:  cfg.ViewportWidth,
		height: cfg.ViewportHeight,
		logger: logger,
		cursor: humanoid.Vector2D{X: float64(cfg.ViewportWidth) / 2, Y: float64(cfg.ViewportHeight) / 2},
	}
	if h := cfg.Humanoid; h.Enabled {
		b.planner = humanoid.NewPlanner(humanoid.Config{
			FittsA:         h.FittsA,
			FittsB:         h.FittsB,
			Curvature:      h.Curvature,
			StepsPerSecond: h.StepsPerSecond,
		}, h.Seed)
	}
	return b
}

// tabRunner runs actions on the tab while honoring the caller's context.
func tabRunner(tabCtx context.Context) runFunc {
	return func(ctx context.Context, actions ...chromedp.Action) error {
		opCtx, cancel := context.WithCancel(tabCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		if err := chromedp.Run(opCtx, actions...); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close shuts the tab and the browser process.
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		for _, cancel := range b.cancels {
			cancel()
		}
		b.logger.Info("Browser closed")
	})
}

// Capture takes a PNG screenshot of the viewport.
func (b *Backend) Capture(ctx context.Context) (schemas.Image, error) {
	opCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	var buf []byte
	err := b.run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		return schemas.Image{}, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return schemas.Image{Data: buf, MIMEType: "image/png", Width: b.width, Height: b.height}, nil
}

// Launch navigates the tab to url. The browser backend has no process to
// start; the page is the application.
func (b *Backend) Launch(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("a URL is required to launch in the browser")
	}
	opCtx, cancel := context.WithTimeout(ctx, navigationTimeout)
	defer cancel()
	if err := b.run(opCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	b.logger.Info("Application page loaded", zap.String("url", url))
	return nil
}

// Terminate unloads the application page.
func (b *Backend) Terminate(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, navigationTimeout)
	defer cancel()
	if err := b.run(opCtx, chromedp.Navigate(blankPage)); err != nil {
		return fmt.Errorf("failed to unload application page: %w", err)
	}
	b.logger.Info("Application page unloaded")
	return nil
}
