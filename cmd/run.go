package cmd

import (
	"errors"
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/observability"
	"github.com/xkilldash9x/benchpilot/internal/profile"
	"github.com/xkilldash9x/benchpilot/internal/service"
)

type runOptions struct {
	profilePath   string
	launchPath    string
	backend       string
	maxIterations int
	output        string
	artifactsDir  string
}

// newRunCmd creates the `run` command.
func newRunCmd(cfg *config.Config, factory service.ComponentFactory) *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a profile against the application under test",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyRunFlagOverrides(cmd, cfg, opts)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runProfile(cmd, cfg, factory, opts)
		},
	}

	runCmd.Flags().StringVarP(&opts.profilePath, "profile", "p", "", "path to the profile YAML (required)")
	runCmd.Flags().StringVar(&opts.launchPath, "launch", "", "application to launch before the run")
	runCmd.Flags().StringVar(&opts.backend, "backend", "", "input and capture backend (sut or browser)")
	runCmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "observation budget of the run")
	runCmd.Flags().StringVar(&opts.artifactsDir, "artifacts", "", "save every observed frame and an annotated copy under this directory")
	runCmd.Flags().StringVarP(&opts.output, "output", "o", "", "write the run result as JSON to this file instead of stdout")
	_ = runCmd.MarkFlagRequired("profile")
	return runCmd
}

// applyRunFlagOverrides copies explicitly set flags over the loaded configuration.
func applyRunFlagOverrides(cmd *cobra.Command, cfg config.Interface, opts *runOptions) {
	if cmd.Flags().Changed("backend") {
		cfg.SetRunBackend(opts.backend)
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.SetRunMaxIterations(opts.maxIterations)
	}
	if cmd.Flags().Changed("launch") {
		cfg.SetRunLaunchPath(opts.launchPath)
	}
	if cmd.Flags().Changed("artifacts") {
		cfg.SetRunArtifactsDir(opts.artifactsDir)
	}
}

func runProfile(cmd *cobra.Command, cfg *config.Config, factory service.ComponentFactory, opts *runOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	path, err := homedir.Expand(opts.profilePath)
	if err != nil {
		return fmt.Errorf("failed to expand profile path: %w", err)
	}
	p, err := profile.Load(path, logger)
	if err != nil {
		return err
	}

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize run components: %w", err)
	}
	defer components.Shutdown()

	r, err := components.NewRunner(cfg.Run(), logger)
	if err != nil {
		return err
	}

	result, runErr := r.Run(ctx, p)
	if result != nil {
		if err := writeResult(cmd, result, opts.output); err != nil {
			logger.Error("Failed to write run result", zap.Error(err))
		}
	}
	if runErr != nil {
		if errors.Is(runErr, schemas.ErrIterationBudget) || errors.Is(runErr, schemas.ErrRetryBudgetExceeded) {
			return fmt.Errorf("run failed: %w", runErr)
		}
		return runErr
	}
	return nil
}

func writeResult(cmd *cobra.Command, result *schemas.RunResult, output string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run result: %w", err)
	}
	data = append(data, '\n')
	if output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	path, err := homedir.Expand(output)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
