package cmd

import (
	"fmt"
	"runtime"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/xkilldash9x/benchpilot/api/schemas"
	"github.com/xkilldash9x/benchpilot/internal/observability"
	"github.com/xkilldash9x/benchpilot/internal/profile"
)

type validation struct {
	path    string
	profile *profile.Profile
	err     error
}

// newValidateCmd creates the `validate` command, which loads profiles without
// running them.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [profiles...]",
		Short: "Checks that profiles load",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := validateProfiles(args, observability.GetLogger())

			failed := 0
			out := cmd.OutOrStdout()
			for _, v := range results {
				if v.err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", v.path, v.err)
					continue
				}
				fmt.Fprintf(out, "ok   %s: %s\n", v.path, summarize(v.profile))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d profiles are invalid", failed, len(results))
			}
			return nil
		},
	}
}

// validateProfiles loads every path concurrently. Results keep the order of paths.
func validateProfiles(paths []string, logger *zap.Logger) []validation {
	results := make([]validation, len(paths))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			results[i].path = path
			expanded, err := homedir.Expand(path)
			if err != nil {
				results[i].err = err
				return nil
			}
			results[i].profile, results[i].err = profile.Load(expanded, logger)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func summarize(p *profile.Profile) string {
	switch p.Strategy {
	case schemas.StrategySteps:
		return fmt.Sprintf("%s, %d steps, %d optional", p.Name, len(p.Steps), len(p.OptionalSteps))
	default:
		return fmt.Sprintf("%s, %d states, %d transitions, %s -> %s", p.Name, len(p.States), len(p.Transitions), p.InitialState, p.TargetState)
	}
}
