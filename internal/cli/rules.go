package cli

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"festcal/internal/ics"
	appLog "festcal/internal/log"
	"festcal/internal/rule"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage event rules",
	}
	cmd.AddCommand(newRulesListCommand(opts))
	cmd.AddCommand(newRulesImportCommand(opts))
	cmd.AddCommand(newRulesDumpCommand(opts))
	return cmd
}

func newRulesListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				rules, err := a.cal.Rules(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list rules", err)
				}
				return opts.printer(cmd).Rules(rules)
			})
		},
	}
}

// importSummary is the outcome of rules import.
type importSummary struct {
	Imported []string      `json:"imported"`
	Invalid  []string      `json:"invalid,omitempty"`
	Skipped  []ics.Skipped `json:"skipped,omitempty"`
	Failed   []string      `json:"failed,omitempty"`
}

func newRulesImportCommand(opts *RootOptions) *cobra.Command {
	var ensure bool

	cmd := &cobra.Command{
		Use:   "import <file-or-url>",
		Short: "Import rules from a YAML rules file or an iCalendar file/URL",
		Long: `Import rules. YAML files hold a "rules:" list of rule definitions:

  rules:
    - id: mazu-birthday
      rule_version: 1
      lunar_month: 3
      lunar_day: 23
      leap_behavior: never

iCalendar input (.ics files or http(s) URLs) is reduced to rules: all-day
one-off events become one-time rules, yearly all-day events become solar
rules; anything else is reported as skipped.

Example:
  festcal rules import ./rules.yaml --ensure
  festcal rules import https://example.com/holidays.ics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			body, err := ics.NewFetcher(0).Load(cmd.Context(), src)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read rules", err)
			}

			var (
				raws    []rule.Raw
				skipped []ics.Skipped
			)
			if isICS(src, body) {
				res, err := ics.ParseRules(body)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to parse calendar", err)
				}
				raws, skipped = res.Rules, res.Skipped
			} else {
				raws, err = rule.DecodeYAML(bytes.NewReader(body))
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to parse rules", err)
				}
			}

			return withApp(opts, func(a *app) error {
				sum := importSummary{Imported: []string{}, Skipped: skipped}
				for _, raw := range raws {
					r, err := rule.Parse(raw)
					if err != nil {
						appLog.Warn("rule rejected", "event_id", raw.ID, "err", err)
						sum.Invalid = append(sum.Invalid, err.Error())
						continue
					}
					if err := a.cal.SaveRule(cmd.Context(), r); err != nil {
						return WrapExitError(ExitFailure, "failed to save rule "+r.ID, err)
					}
					sum.Imported = append(sum.Imported, r.ID)

					if ensure {
						if _, err := a.cal.EnsureOccurrences(cmd.Context(), r.ID); err != nil {
							sum.Failed = append(sum.Failed, fmt.Sprintf("%s: %v", r.ID, err))
						}
					}
				}
				appLog.Info("rules imported", "source", filepath.Base(src), "imported", len(sum.Imported), "invalid", len(sum.Invalid), "skipped", len(sum.Skipped))

				if err := printImport(opts.printer(cmd), sum); err != nil {
					return err
				}
				if len(sum.Invalid) > 0 || len(sum.Failed) > 0 {
					return &ExitError{Code: ExitFailure, Message: "some rules were not imported or generated"}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&ensure, "ensure", false, "materialize occurrences of each imported rule")
	return cmd
}

func newRulesDumpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print stored rules as a YAML rules file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app) error {
				rules, err := a.cal.Rules(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list rules", err)
				}
				raws := make([]rule.Raw, 0, len(rules))
				for _, r := range rules {
					raws = append(raws, rule.ToRaw(r))
				}
				return rule.EncodeYAML(cmd.OutOrStdout(), raws)
			})
		},
	}
}

func isICS(src string, body []byte) bool {
	if strings.EqualFold(filepath.Ext(src), ".ics") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("BEGIN:VCALENDAR"))
}

func printImport(p printer, sum importSummary) error {
	if p.isJSON() {
		return p.JSON(sum)
	}
	fmt.Fprintf(p.w, "imported %d rule(s)\n", len(sum.Imported))
	for _, s := range sum.Invalid {
		fmt.Fprintf(p.w, "  invalid: %s\n", s)
	}
	for _, s := range sum.Skipped {
		fmt.Fprintf(p.w, "  skipped %s: %s\n", s.UID, s.Reason)
	}
	for _, s := range sum.Failed {
		fmt.Fprintf(p.w, "  not generated: %s\n", s)
	}
	return nil
}
