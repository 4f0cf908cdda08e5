package model

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the canonical civil-date encoding used in storage, logs and
// the HTTP API.
const DateLayout = "2006-01-02"

// Date builds a civil date (midnight UTC). All occurrence dates are kept in
// this form so that equality and ordering are plain time comparisons.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ValidDate reports whether (year, month, day) names a real calendar day,
// i.e. it survives a round trip through time.Date without normalization.
func ValidDate(year int, month time.Month, day int) bool {
	t := Date(year, month, day)
	return t.Year() == year && t.Month() == month && t.Day() == day
}

// Civil truncates t to its civil date in t's own location.
func Civil(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a civil date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Occurrence is one concrete calendar date materialized from a Rule for a
// given year. (EventID, Date) is unique in the store.
type Occurrence struct {
	EventID     string    `json:"event_id"`
	Date        time.Time `json:"occurrence_date"`
	Year        int       `json:"year"`
	IsLeapMonth bool      `json:"is_leap_month"`
	RuleVersion int       `json:"rule_version"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ConversionSource tags which converter strategy produced a cached result.
type ConversionSource string

const (
	SourceAuthoritative  ConversionSource = "authoritative_api"
	SourceCalculator     ConversionSource = "calculator"
	SourceSecondary      ConversionSource = "secondary_api"
	SourceStaticFallback ConversionSource = "static_fallback"
)

// ConversionKey identifies a lunar date lookup.
type ConversionKey struct {
	LunarYear  int  `json:"lunar_year"`
	LunarMonth int  `json:"lunar_month"`
	LunarDay   int  `json:"lunar_day"`
	IsLeap     bool `json:"is_leap"`
}

func (k ConversionKey) String() string {
	leap := ""
	if k.IsLeap {
		leap = "L"
	}
	return fmt.Sprintf("%04d-%s%02d-%02d", k.LunarYear, leap, k.LunarMonth, k.LunarDay)
}

// ConversionCacheEntry memoizes a lunar->solar lookup together with its
// provenance.
type ConversionCacheEntry struct {
	Key        ConversionKey    `json:"key"`
	SolarDates []time.Time      `json:"solar_dates"`
	Source     ConversionSource `json:"source"`
	CachedAt   time.Time        `json:"cached_at"`
}

// Fresh reports whether the entry is younger than expiry at now.
func (e ConversionCacheEntry) Fresh(now time.Time, expiry time.Duration) bool {
	return now.Sub(e.CachedAt) < expiry
}

// ErrorType classifies a GenerationError.
type ErrorType string

const (
	ErrorInvalidRule      ErrorType = "invalid_rule"
	ErrorLunarConversion  ErrorType = "lunar_conversion"
	ErrorSolarTermLookup  ErrorType = "solar_term_lookup"
	ErrorCronFailure      ErrorType = "cron_failure"
	ErrorStoreUnavailable ErrorType = "store_unavailable"
)

// GenerationError is an append-only failure record.
type GenerationError struct {
	ID         int64          `json:"id"`
	EventID    string         `json:"event_id"`
	Type       ErrorType      `json:"error_type"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// RunStatus is the state of a MaintenanceRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// MaintenanceRun is the audit record of one orchestrator execution.
type MaintenanceRun struct {
	ID                  string     `json:"id"`
	TargetYear          int        `json:"target_year"`
	EventsProcessed     int        `json:"events_processed"`
	OccurrencesCreated  int        `json:"occurrences_created"`
	OccurrencesDeleted  int        `json:"occurrences_deleted"`
	SolarTermsProcessed int        `json:"solar_terms_processed"`
	Status              RunStatus  `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
}

// SolarTermDate is one row of the Solar-Term Table.
type SolarTermDate struct {
	Year int       `json:"year"`
	Name string    `json:"name"`
	Date time.Time `json:"date"`
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")
