package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"festcal/internal/calendar"
	"festcal/internal/ics"
	"festcal/internal/model"
)

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(opts *RootOptions) *cobra.Command {
	var (
		startYear, endYear int
		force              bool
	)

	cmd := &cobra.Command{
		Use:   "generate <event-id>",
		Short: "Materialize occurrences of one event for a year range",
		Long: `Generate occurrences of one event. Without --start/--end the range is the
current year through current year + extend_years. Running it again is safe:
existing occurrences are kept. --force replaces every stored occurrence.

Example:
  festcal generate mazu-birthday
  festcal generate mazu-birthday --start 2030 --end 2035 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o calendar.Options
			if cmd.Flags().Changed("start") {
				o.StartYear = &startYear
			}
			if cmd.Flags().Changed("end") {
				o.EndYear = &endYear
			}
			o.Force = force

			return withApp(opts, func(a *app) error {
				res, err := a.cal.GenerateOccurrences(cmd.Context(), args[0], o)
				if err != nil {
					return eventError(args[0], err)
				}
				return printResult(opts.printer(cmd), res)
			})
		},
	}

	cmd.Flags().IntVar(&startYear, "start", 0, "first year to generate")
	cmd.Flags().IntVar(&endYear, "end", 0, "last year to generate")
	cmd.Flags().BoolVar(&force, "force", false, "replace all stored occurrences of the event")
	return cmd
}

// NewEnsureCommand creates the ensure command.
func NewEnsureCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure <event-id>",
		Short: "Extend one event's occurrences up to the target year",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				res, err := a.cal.EnsureOccurrences(cmd.Context(), args[0])
				if err != nil {
					return eventError(args[0], err)
				}
				return printResult(opts.printer(cmd), res)
			})
		},
	}
}

// NewNextCommand creates the next command.
func NewNextCommand(opts *RootOptions) *cobra.Command {
	var after string

	cmd := &cobra.Command{
		Use:   "next <event-id>",
		Short: "Show the next occurrence of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref *time.Time
			if after != "" {
				t, err := model.ParseDate(after)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --after", err)
				}
				ref = &t
			}
			return withApp(opts, func(a *app) error {
				occ, ok, err := a.cal.NextOccurrence(cmd.Context(), args[0], ref)
				if err != nil {
					return eventError(args[0], err)
				}
				if !ok {
					return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("no upcoming occurrence of %q", args[0])}
				}
				return opts.printer(cmd).Occurrences([]model.Occurrence{occ})
			})
		},
	}

	cmd.Flags().StringVar(&after, "after", "", "reference date YYYY-MM-DD (default today)")
	return cmd
}

// NewYearCommand creates the year command.
func NewYearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "year <event-id> <year>",
		Short: "List the occurrences of an event in one year",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := strconv.Atoi(args[1])
			if err != nil || year <= 0 {
				return WrapExitError(ExitCommandError, "invalid year", fmt.Errorf("%q is not a positive year", args[1]))
			}
			return withApp(opts, func(a *app) error {
				occs, err := a.cal.OccurrencesForYear(cmd.Context(), args[0], year)
				if err != nil {
					return eventError(args[0], err)
				}
				return opts.printer(cmd).Occurrences(occs)
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(opts *RootOptions) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "clear <event-id>",
		Short: "Delete stored occurrences of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v *int
			if cmd.Flags().Changed("version") {
				v = &version
			}
			return withApp(opts, func(a *app) error {
				deleted, err := a.cal.ClearOccurrences(cmd.Context(), args[0], v)
				if err != nil {
					return eventError(args[0], err)
				}
				p := opts.printer(cmd)
				if p.isJSON() {
					return p.JSON(map[string]bool{"deleted": deleted})
				}
				if deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "cleared occurrences of %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "no occurrences of %s to clear\n", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "only clear occurrences of this rule version")
	return cmd
}

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <event-id>",
		Short: "Export stored occurrences of an event as iCalendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				if _, err := a.cal.Rule(cmd.Context(), args[0]); err != nil {
					return eventError(args[0], err)
				}
				occs, err := a.cal.Occurrences(cmd.Context(), args[0])
				if err != nil {
					return eventError(args[0], err)
				}

				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return WrapExitError(ExitCommandError, "failed to create output file", err)
					}
					defer f.Close()
					w = f
				}
				if err := ics.Export(w, args[0], occs, time.Now()); err != nil {
					return WrapExitError(ExitFailure, "export failed", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file (- for stdout)")
	return cmd
}

func printResult(p printer, res calendar.Result) error {
	if p.isJSON() {
		return p.JSON(res)
	}
	fmt.Fprintf(p.w, "%s: %d-%d inserted=%d deleted=%d replaced=%t\n",
		res.EventID, res.StartYear, res.EndYear, res.Inserted, res.Deleted, res.Replaced)
	return p.Occurrences(res.Occurrences)
}

// eventError maps calendar errors to exit codes.
func eventError(eventID string, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return WrapExitError(ExitCommandError, fmt.Sprintf("event %q not found", eventID), err)
	case errors.Is(err, calendar.ErrInvalidSpan):
		return WrapExitError(ExitCommandError, "invalid year range", err)
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("event %q", eventID), err)
}
