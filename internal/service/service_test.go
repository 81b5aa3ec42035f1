package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/sut"
)

func TestCreate_SUTBackend(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.DatabaseCfg.URL = ""

	components, err := NewComponentFactory().Create(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer components.Shutdown()

	client, ok := components.Capturer.(*sut.Client)
	require.True(t, ok, "the sut backend captures through the agent client")
	assert.Same(t, client, components.Dispatcher)
	assert.Same(t, client, components.Launcher)
	assert.NotNil(t, components.Detector)
	assert.Nil(t, components.Store)

	r, err := components.NewRunner(cfg.Run(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestCreate_ValidationErrors(t *testing.T) {
	factory := NewComponentFactory()
	ctx := context.Background()

	t.Run("UnknownBackend", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.SetRunBackend("vnc")

		_, err := factory.Create(ctx, cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend 'vnc'")
	})

	t.Run("MissingSUTURL", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.SUTCfg.URL = ""

		_, err := factory.Create(ctx, cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sut url is required")
	})

	t.Run("DetectorFailureShutsDown", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		cfg := config.NewDefaultConfig()
		cfg.DetectorCfg.Kind = "tesseract"

		_, err := factory.Create(ctx, cfg, zap.New(core))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize detector")
		assert.Equal(t, 1, logs.FilterMessage("Initialization failed, shutting down partially created components.").Len())
	})
}

func TestComponents_ShutdownOrder(t *testing.T) {
	var order []string
	c := &Components{}
	c.onShutdown(func() { order = append(order, "browser") })
	c.onShutdown(nil)
	c.onShutdown(func() { order = append(order, "database") })

	c.Shutdown()
	c.Shutdown()

	assert.Equal(t, []string{"database", "browser"}, order)
}

func TestInitializeStore_BadURL(t *testing.T) {
	_, cleanup, err := InitializeStore(context.Background(), config.DatabaseConfig{URL: "postgres://user@localhost:notaport/runs"}, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, cleanup)
	assert.Contains(t, err.Error(), "unable to parse PGX pool config")
}
