package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"festcal/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (conversion failure, failed run, ...)
	ExitCommandError = 2 // Command error (bad flags, config, database)
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer renders command results as JSON or aligned text.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) isJSON() bool { return p.format == "json" }

func (p printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Occurrences prints one row per occurrence.
func (p printer) Occurrences(occs []model.Occurrence) error {
	if p.isJSON() {
		if occs == nil {
			occs = []model.Occurrence{}
		}
		return p.JSON(occs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tDATE\tYEAR\tLEAP\tVERSION")
	for _, o := range occs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%d\n", o.EventID, model.FormatDate(o.Date), o.Year, o.IsLeapMonth, o.RuleVersion)
	}
	return tw.Flush()
}

// Rules prints one row per rule.
func (p printer) Rules(rules []model.Rule) error {
	if p.isJSON() {
		out := make([]ruleView, 0, len(rules))
		for _, r := range rules {
			out = append(out, newRuleView(r))
		}
		return p.JSON(out)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tRULE\tGENERATED_UNTIL")
	for _, r := range rules {
		until := "-"
		if r.GeneratedUntil != nil {
			until = fmt.Sprint(*r.GeneratedUntil)
		}
		fmt.Fprintf(tw, "%s\t%d\t%v\t%s\n", r.ID, r.Version, r.Variant, until)
	}
	return tw.Flush()
}

// Errors prints one row per generation error.
func (p printer) Errors(errs []model.GenerationError) error {
	if p.isJSON() {
		if errs == nil {
			errs = []model.GenerationError{}
		}
		return p.JSON(errs)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tTYPE\tRETRYABLE\tOCCURRED_AT\tRESOLVED\tMESSAGE")
	for _, e := range errs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%t\t%s\n",
			e.ID, e.EventID, e.Type, e.Retryable, e.OccurredAt.Format("2006-01-02 15:04:05"), e.ResolvedAt != nil, e.Message)
	}
	return tw.Flush()
}

// Run prints a maintenance run summary.
func (p printer) Run(run model.MaintenanceRun) error {
	if p.isJSON() {
		return p.JSON(run)
	}
	fmt.Fprintf(p.w, "run %s: %s (target year %d)\n", run.ID, run.Status, run.TargetYear)
	fmt.Fprintf(p.w, "  events processed:      %d\n", run.EventsProcessed)
	fmt.Fprintf(p.w, "  occurrences created:   %d\n", run.OccurrencesCreated)
	fmt.Fprintf(p.w, "  occurrences deleted:   %d\n", run.OccurrencesDeleted)
	fmt.Fprintf(p.w, "  solar terms processed: %d\n", run.SolarTermsProcessed)
	if run.ErrorMessage != "" {
		fmt.Fprintf(p.w, "  error: %s\n", run.ErrorMessage)
	}
	return nil
}

// ruleView is the JSON shape of a rule in CLI output.
type ruleView struct {
	ID             string            `json:"id"`
	Version        int               `json:"rule_version"`
	Kind           model.VariantKind `json:"kind"`
	Rule           string            `json:"rule"`
	GeneratedUntil *int              `json:"generated_until,omitempty"`
}

func newRuleView(r model.Rule) ruleView {
	return ruleView{
		ID:             r.ID,
		Version:        r.Version,
		Kind:           r.Variant.Kind(),
		Rule:           fmt.Sprint(r.Variant),
		GeneratedUntil: r.GeneratedUntil,
	}
}
