package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	appLog "festcal/internal/log"
)

// NewMaintainCommand creates the maintain command.
func NewMaintainCommand(opts *RootOptions) *cobra.Command {
	var (
		pruneCache bool
		skipRun    bool
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass now",
		Long: `Run one maintenance pass: delete occurrences before January 1 of the
current year, extend every rule to current year + extend_years and make
sure solar terms are stored for that range.

Example:
  festcal maintain
  festcal maintain --prune-cache`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if !skipRun {
					run, err := a.orch.Run(cmd.Context())
					if perr := opts.printer(cmd).Run(run); perr != nil {
						return perr
					}
					if err != nil {
						return WrapExitError(ExitFailure, "maintenance run failed", err)
					}
				}
				if pruneCache {
					n, err := a.chain.PruneCache(cmd.Context())
					if err != nil {
						return WrapExitError(ExitFailure, "cache cleanup failed", err)
					}
					if !opts.printer(cmd).isJSON() {
						fmt.Fprintf(cmd.OutOrStdout(), "pruned %d conversion cache entr(y/ies)\n", n)
					}
					appLog.Debug("cache cleanup done", "deleted", n, "conflicts", a.chain.Conflicts())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&pruneCache, "prune-cache", false, "also delete stale conversion cache entries")
	cmd.Flags().BoolVar(&skipRun, "skip-run", false, "skip the maintenance run (with --prune-cache: only clean the cache)")
	return cmd
}
