package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewErrorsCommand creates the errors command.
func NewErrorsCommand(opts *RootOptions) *cobra.Command {
	var (
		eventID string
		all     bool
		resolve bool
	)

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List (or resolve) recorded generation errors",
		Long: `List generation errors. By default only unresolved errors are shown.

Example:
  festcal errors
  festcal errors --event mazu-birthday --all
  festcal errors --event mazu-birthday --resolve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolve && eventID == "" {
				return WrapExitError(ExitCommandError, "invalid flags", errors.New("--resolve requires --event"))
			}
			return withApp(opts, func(a *app) error {
				if resolve {
					n, err := a.recorder.Resolve(cmd.Context(), eventID)
					if err != nil {
						return WrapExitError(ExitFailure, "failed to resolve errors", err)
					}
					p := opts.printer(cmd)
					if p.isJSON() {
						return p.JSON(map[string]int64{"resolved": n})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "resolved %d error(s) of %s\n", n, eventID)
					return nil
				}

				errs, err := a.recorder.List(cmd.Context(), eventID, !all)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list errors", err)
				}
				return opts.printer(cmd).Errors(errs)
			})
		},
	}

	cmd.Flags().StringVar(&eventID, "event", "", "only errors of this event")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved errors")
	cmd.Flags().BoolVar(&resolve, "resolve", false, "mark the event's errors resolved")
	return cmd
}
