// Package cli implements the festcal command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	appLog "festcal/internal/log"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "/etc/festcal/config.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Database   string // overrides the config file when set
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the festcal CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "festcal",
		Short: "festcal - lunar and solar recurring event calendar",
		Long: `festcal materializes recurring event rules (lunar, solar, one-time and
solar-term based) into concrete calendar dates and keeps a rolling horizon
of occurrences up to date.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, "invalid flags", fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			appLog.SetOutput(cmd.ErrOrStderr())
			if opts.Verbose {
				appLog.SetLevel(appLog.LevelDebug)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to config file (created with defaults if missing)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMaintainCommand(opts))
	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewEnsureCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewYearCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewErrorsCommand(opts))

	return cmd
}

// withApp opens the application, runs fn and closes it again.
func withApp(opts *RootOptions, fn func(a *app) error) (err error) {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			appLog.Error("error closing application", cerr)
		}
	}()
	return fn(a)
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}
