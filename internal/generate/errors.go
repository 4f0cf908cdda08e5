package generate

import (
	"errors"
	"fmt"

	"festcal/internal/model"
	"festcal/internal/rule"
)

// Error is a per-rule generation failure, classified for the error log.
type Error struct {
	EventID   string
	Type      model.ErrorType
	Year      int
	Retryable bool
	Context   map[string]any
	Err       error
}

func (e *Error) Error() string {
	if e.Year != 0 {
		return fmt.Sprintf("generate %s (%s, year %d): %v", e.EventID, e.Type, e.Year, e.Err)
	}
	return fmt.Sprintf("generate %s (%s): %v", e.EventID, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error raised while generating for eventID to an error
// type and retryability. Unclassified errors are treated as transient store
// or infrastructure problems.
func Classify(err error) (model.ErrorType, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Type, ge.Retryable
	}
	var ire *rule.InvalidRuleError
	if errors.As(err, &ire) {
		return model.ErrorInvalidRule, false
	}
	return model.ErrorStoreUnavailable, true
}

// ContextOf returns the structured context attached to err, if any.
func ContextOf(err error) map[string]any {
	var ge *Error
	if errors.As(err, &ge) && ge.Context != nil {
		out := make(map[string]any, len(ge.Context))
		for k, v := range ge.Context {
			out[k] = v
		}
		return out
	}
	return map[string]any{}
}
