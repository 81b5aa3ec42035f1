package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/mocks"
	"github.com/xkilldash9x/benchpilot/internal/observability"
	"github.com/xkilldash9x/benchpilot/internal/service"
)

func TestMain(m *testing.M) {
	// Claim the global logger before any command initializes it.
	observability.Initialize(config.LoggerConfig{Level: "fatal"}, zapcore.AddSync(io.Discard))
	os.Exit(m.Run())
}

const testConfig = `
logger:
  log_file: ""
run:
  max_iterations: 10
browser:
  url: http://localhost:3000
`

const oneStep = `
metadata: {game_name: quick}
steps:
  1:
    description: confirm
    action: {type: key, key: enter}
    expected_delay: 0
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

type fakeFactory struct {
	components *service.Components
	err        error
	gotCfg     config.Interface
}

func (f *fakeFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	f.gotCfg = cfg
	return f.components, f.err
}

func newFakeComponents() (*service.Components, *mocks.MockDispatcher) {
	capturer := new(mocks.MockCapturer)
	capturer.On("Capture", mock.Anything).Return(schemas.Image{Data: []byte("frame"), Width: 800, Height: 600}, nil)
	detector := new(mocks.MockDetector)
	detector.On("Detect", mock.Anything, mock.Anything).Return([]schemas.UIElement{}, nil)
	dispatcher := new(mocks.MockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(schemas.Ack{Status: schemas.AckSuccess}, nil)
	return &service.Components{Capturer: capturer, Detector: detector, Dispatcher: dispatcher}, dispatcher
}

func TestRootCmd_VersionFlag(t *testing.T) {
	root, _ := newRootCmd()

	out, err := execute(t, root, "--version")

	require.NoError(t, err)
	assert.Contains(t, out, "benchpilot version "+Version)
}

func TestVersionCmd(t *testing.T) {
	root, _ := newRootCmd()

	out, err := execute(t, root, "version")

	require.NoError(t, err)
	assert.Contains(t, out, "benchpilot "+Version)
}

func TestRunCmd_WritesResult(t *testing.T) {
	components, dispatcher := newFakeComponents()
	factory := &fakeFactory{components: components}
	root, appCfg := newRootCmdWithFactory(factory)

	cfgPath := writeFile(t, "config.yaml", testConfig)
	profilePath := writeFile(t, "quick.yaml", oneStep)
	outPath := filepath.Join(t.TempDir(), "result.json")

	_, err := execute(t, root, "--config", cfgPath, "run",
		"--profile", profilePath,
		"--max-iterations", "7",
		"--backend", "browser",
		"--output", outPath,
	)
	require.NoError(t, err)

	assert.Equal(t, 7, appCfg.Run().MaxIterations)
	assert.Equal(t, config.BackendBrowser, appCfg.Run().Backend)
	assert.Same(t, appCfg, factory.gotCfg)
	assert.Len(t, dispatcher.Dispatched(), 1)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var result schemas.RunResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, schemas.RunCompleted, result.Status)
	assert.Equal(t, "quick", result.Profile)
	assert.NotEmpty(t, result.RunID)
}

func TestRunCmd_Errors(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", testConfig)

	t.Run("MissingProfileFlag", func(t *testing.T) {
		root, _ := newRootCmdWithFactory(&fakeFactory{})
		_, err := execute(t, root, "--config", cfgPath, "run")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `required flag(s) "profile" not set`)
	})

	t.Run("UnreadableProfile", func(t *testing.T) {
		root, _ := newRootCmdWithFactory(&fakeFactory{})
		_, err := execute(t, root, "--config", cfgPath, "run", "--profile", filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read profile")
	})

	t.Run("FactoryFailure", func(t *testing.T) {
		root, _ := newRootCmdWithFactory(&fakeFactory{err: assert.AnError})
		profilePath := writeFile(t, "quick.yaml", oneStep)
		_, err := execute(t, root, "--config", cfgPath, "run", "--profile", profilePath)
		require.ErrorIs(t, err, assert.AnError)
		assert.Contains(t, err.Error(), "failed to initialize run components")
	})

	t.Run("InvalidOverride", func(t *testing.T) {
		root, _ := newRootCmdWithFactory(&fakeFactory{})
		profilePath := writeFile(t, "quick.yaml", oneStep)
		_, err := execute(t, root, "--config", cfgPath, "run", "--profile", profilePath, "--backend", "vnc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run.backend must be one of")
	})
}

func TestValidateCmd(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", testConfig)
	good := writeFile(t, "good.yaml", oneStep)
	bad := writeFile(t, "bad.yaml", "metadata: {game_name: nothing}\n")

	t.Run("AllValid", func(t *testing.T) {
		root, _ := newRootCmd()
		out, err := execute(t, root, "--config", cfgPath, "validate", good)
		require.NoError(t, err)
		assert.Contains(t, out, "ok   "+good+": quick, 1 steps, 0 optional")
	})

	t.Run("SomeInvalid", func(t *testing.T) {
		root, _ := newRootCmd()
		out, err := execute(t, root, "--config", cfgPath, "validate", good, bad)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2 profiles are invalid")
		assert.Contains(t, out, "FAIL "+bad)
		assert.Contains(t, out, "neither 'states' nor 'steps'")
	})
}
