package lunar

import (
	"fmt"
	"strings"

	"festcal/internal/model"
)

// Attempt records one strategy's failure inside a chain run.
type Attempt struct {
	Source model.ConversionSource
	Err    error
}

// ConversionError is returned when every strategy of the chain failed. It
// keeps each attempt's cause, in chain order.
type ConversionError struct {
	Date     Date
	Attempts []Attempt
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lunar conversion of %s failed after %d strategies", e.Date, len(e.Attempts))
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", a.Source, a.Err)
	}
	return b.String()
}

// Unwrap exposes every attempt's error to errors.Is / errors.As.
func (e *ConversionError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Err)
	}
	return out
}

// Sources lists the strategies that were tried.
func (e *ConversionError) Sources() []model.ConversionSource {
	out := make([]model.ConversionSource, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Source)
	}
	return out
}
