package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/internal/config"
	"github.com/xkilldash9x/benchpilot/internal/observability"
	"github.com/xkilldash9x/benchpilot/internal/service"
)

const envPrefix = "BENCHPILOT"

// newRootCmd builds a fresh command tree. The returned config is populated
// by PersistentPreRunE before any subcommand runs.
func newRootCmd() (*cobra.Command, *config.Config) {
	return newRootCmdWithFactory(service.NewComponentFactory())
}

func newRootCmdWithFactory(factory service.ComponentFactory) (*cobra.Command, *config.Config) {
	appCfg := &config.Config{}
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "benchpilot",
		Short:         "BenchPilot drives benchmark menus by looking at the screen.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			*appCfg = *cfg

			observability.InitializeLogger(appCfg.Logger())
			observability.GetLogger().Debug("Configuration loaded", zap.String("config_file", v.ConfigFileUsed()))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.benchpilot/config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newRunCmd(appCfg, factory))
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd, appCfg
}

// Execute runs the command tree with ctx, logging any failure.
func Execute(ctx context.Context) error {
	rootCmd, _ := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
	}
	return err
}

// initializeConfig reads the config file and environment variables into v.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".benchpilot"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Proceed with defaults and env vars.
	}
	return nil
}
