// Package calendar exposes the occurrence operations used by the CLI, the
// HTTP adapter and the maintenance orchestrator.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"festcal/internal/failures"
	"festcal/internal/generate"
	appLog "festcal/internal/log"
	"festcal/internal/model"
)

// DefaultExtendYears is the horizon width used when none is configured.
const DefaultExtendYears = 5

// ErrInvalidSpan is returned for a year range that is empty or non-positive.
var ErrInvalidSpan = errors.New("invalid year range")

// Store is the persistence the service needs.
type Store interface {
	SaveRule(ctx context.Context, r model.Rule) error
	GetRule(ctx context.Context, id string) (model.Rule, error)
	ListRules(ctx context.Context) ([]model.Rule, error)
	SetGeneratedUntil(ctx context.Context, id string, year *int) error

	UpsertOccurrences(ctx context.Context, occs []model.Occurrence) (int, error)
	ReplaceOccurrences(ctx context.Context, eventID string, occs []model.Occurrence) (int, int, error)
	ClearOccurrences(ctx context.Context, eventID string, version *int) (int64, error)
	HasStaleOccurrences(ctx context.Context, eventID string, version int) (bool, error)
	ListOccurrences(ctx context.Context, eventID string) ([]model.Occurrence, error)
	OccurrencesByYear(ctx context.Context, eventID string, year int) ([]model.Occurrence, error)
	NextOccurrence(ctx context.Context, eventID string, after time.Time) (model.Occurrence, bool, error)
	UpcomingOccurrences(ctx context.Context, from, to time.Time) ([]model.Occurrence, error)
}

// Generator produces occurrences (normally a *generate.Generator).
type Generator interface {
	Generate(ctx context.Context, r model.Rule, span generate.Span) ([]model.Occurrence, error)
}

// Config wires a Service.
type Config struct {
	Store     Store
	Generator Generator
	// Recorder logs failures of direct GenerateOccurrences calls. Optional.
	Recorder    *failures.Recorder
	ExtendYears int
	// Location decides what "today" and "the current year" are.
	Location *time.Location
	Now      func() time.Time
}

// Options narrow a GenerateOccurrences call. Nil years default to the
// current year and current year + ExtendYears.
type Options struct {
	StartYear *int
	EndYear   *int
	// Force replaces every stored occurrence of the event.
	Force bool
}

// Result summarizes one materialization.
type Result struct {
	EventID     string             `json:"event_id"`
	StartYear   int                `json:"start_year"`
	EndYear     int                `json:"end_year"`
	Occurrences []model.Occurrence `json:"occurrences"`
	Inserted    int                `json:"inserted"`
	Deleted     int                `json:"deleted"`
	Replaced    bool               `json:"replaced"`
}

// Service implements the exposed operations.
type Service struct {
	store    Store
	gen      Generator
	recorder *failures.Recorder
	extend   int
	loc      *time.Location
	now      func() time.Time

	locks sync.Map // event id -> *sync.Mutex
}

// New returns a Service, filling defaults for zero values.
func New(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		gen:      cfg.Generator,
		recorder: cfg.Recorder,
		extend:   cfg.ExtendYears,
		loc:      cfg.Location,
		now:      cfg.Now,
	}
	if s.extend <= 0 {
		s.extend = DefaultExtendYears
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Today is the current civil date in the configured location.
func (s *Service) Today() time.Time {
	t := s.now().In(s.loc)
	return model.Date(t.Year(), t.Month(), t.Day())
}

// CurrentYear is the civil year of Today.
func (s *Service) CurrentYear() int { return s.Today().Year() }

// TargetYear is the horizon every rule is kept materialized through.
func (s *Service) TargetYear() int { return s.CurrentYear() + s.extend }

// ExtendYears is the configured horizon width.
func (s *Service) ExtendYears() int { return s.extend }

func (s *Service) lock(eventID string) func() {
	m, _ := s.locks.LoadOrStore(eventID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SaveRule stores r. A version change resets the rule's horizon.
func (s *Service) SaveRule(ctx context.Context, r model.Rule) error {
	return s.store.SaveRule(ctx, r)
}

// Rule returns the stored rule with id.
func (s *Service) Rule(ctx context.Context, id string) (model.Rule, error) {
	return s.store.GetRule(ctx, id)
}

// Rules lists every stored rule.
func (s *Service) Rules(ctx context.Context) ([]model.Rule, error) {
	return s.store.ListRules(ctx)
}

// GenerateOccurrences materializes the occurrences of eventID for the
// requested span. Occurrences of an older rule version, or every
// occurrence when opts.Force is set, are replaced atomically; otherwise
// new rows are inserted and existing ones left alone, so the call is
// safe to repeat. Failures are recorded in the error log and returned.
func (s *Service) GenerateOccurrences(ctx context.Context, eventID string, opts Options) (Result, error) {
	r, err := s.store.GetRule(ctx, eventID)
	if err != nil {
		return Result{}, err
	}

	span := generate.Span{Start: s.CurrentYear(), End: s.TargetYear()}
	if opts.StartYear != nil {
		span.Start = *opts.StartYear
	}
	if opts.EndYear != nil {
		span.End = *opts.EndYear
	}
	if span.Start <= 0 || span.End < span.Start {
		return Result{}, fmt.Errorf("%w %s", ErrInvalidSpan, span)
	}

	unlock := s.lock(eventID)
	defer unlock()

	res, err := s.materialize(ctx, r, span, opts.Force)
	if err != nil {
		s.record(ctx, eventID, err)
		return Result{}, err
	}
	return res, nil
}

// EnsureOccurrences tops the horizon of eventID up to TargetYear. It is a
// no-op when the rule is already materialized that far.
func (s *Service) EnsureOccurrences(ctx context.Context, eventID string) (Result, error) {
	r, err := s.store.GetRule(ctx, eventID)
	if err != nil {
		return Result{}, err
	}

	unlock := s.lock(eventID)
	defer unlock()

	res, err := s.extendRule(ctx, r, s.TargetYear())
	if err != nil {
		s.record(ctx, eventID, err)
		return Result{}, err
	}
	return res, nil
}

// Extend materializes r through target without recording failures; the
// caller owns error reporting. Used by the maintenance orchestrator.
func (s *Service) Extend(ctx context.Context, r model.Rule, target int) (Result, error) {
	unlock := s.lock(r.ID)
	defer unlock()
	return s.extendRule(ctx, r, target)
}

// NeedsExtension reports whether r is materialized short of target.
func NeedsExtension(r model.Rule, target int) bool {
	return r.GeneratedUntil == nil || *r.GeneratedUntil < target
}

func (s *Service) extendRule(ctx context.Context, r model.Rule, target int) (Result, error) {
	stale, err := s.store.HasStaleOccurrences(ctx, r.ID, r.Version)
	if err != nil {
		return Result{}, fmt.Errorf("check stale occurrences: %w", err)
	}
	if !stale && !NeedsExtension(r, target) {
		return Result{EventID: r.ID}, nil
	}

	start := s.CurrentYear()
	if !stale && r.GeneratedUntil != nil && *r.GeneratedUntil+1 > start {
		start = *r.GeneratedUntil + 1
	}
	if start > target {
		return Result{EventID: r.ID}, nil
	}
	return s.materialize(ctx, r, generate.Span{Start: start, End: target}, false)
}

// materialize must be called with the event lock held. A replace widens
// span to run from the current year through the old horizon, so the
// stored range stays contiguous.
func (s *Service) materialize(ctx context.Context, r model.Rule, span generate.Span, force bool) (Result, error) {
	current := s.CurrentYear()

	replace := force
	if !replace {
		stale, err := s.store.HasStaleOccurrences(ctx, r.ID, r.Version)
		if err != nil {
			return Result{}, fmt.Errorf("check stale occurrences: %w", err)
		}
		replace = stale
	}
	if replace {
		span = replaceSpan(span, r.GeneratedUntil, current)
	}

	occs, err := s.generate(ctx, r, span, current)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		EventID:     r.ID,
		StartYear:   span.Start,
		EndYear:     span.End,
		Occurrences: occs,
		Replaced:    replace,
	}
	if replace {
		res.Inserted, res.Deleted, err = s.store.ReplaceOccurrences(ctx, r.ID, occs)
	} else {
		res.Inserted, err = s.store.UpsertOccurrences(ctx, occs)
	}
	if err != nil {
		return Result{}, fmt.Errorf("store occurrences: %w", err)
	}

	if until, ok := newHorizon(r.GeneratedUntil, span, current, replace); ok {
		if err := s.store.SetGeneratedUntil(ctx, r.ID, &until); err != nil {
			return Result{}, fmt.Errorf("update generated_until: %w", err)
		}
	}

	appLog.Info("occurrences materialized",
		"event_id", r.ID, "rule_version", r.Version, "span", span.String(),
		"generated", len(occs), "inserted", res.Inserted, "deleted", res.Deleted, "replaced", replace)
	return res, nil
}

// generate runs the generator over span. When span starts at the current
// year, lunar rules also convert the previous lunar year: its last months
// fall in January or February of the current civil year. Only those dates
// are kept from that extra year.
func (s *Service) generate(ctx context.Context, r model.Rule, span generate.Span, current int) ([]model.Occurrence, error) {
	if _, ok := r.Variant.(model.Lunar); !ok || span.Start != current || current <= 1 {
		return s.gen.Generate(ctx, r, span)
	}

	occs, err := s.gen.Generate(ctx, r, generate.Span{Start: current - 1, End: span.End})
	if err != nil {
		return nil, err
	}
	jan1 := model.Date(current, time.January, 1)
	kept := occs[:0]
	for _, o := range occs {
		if o.Year < current && o.Date.Before(jan1) {
			continue
		}
		kept = append(kept, o)
	}
	return kept, nil
}

// replaceSpan widens span to min(start, currentYear)..max(end, horizon).
func replaceSpan(span generate.Span, horizon *int, currentYear int) generate.Span {
	if span.Start > currentYear {
		span.Start = currentYear
	}
	if horizon != nil && *horizon > span.End {
		span.End = *horizon
	}
	return span
}

// newHorizon returns the generated_until value after materializing span.
// The horizon only moves when the stored occurrences stay contiguous from
// the current year.
func newHorizon(cur *int, span generate.Span, currentYear int, replaced bool) (int, bool) {
	switch {
	case replaced || cur == nil:
		return span.End, span.Start <= currentYear
	case span.Start <= *cur+1 && span.End > *cur:
		return span.End, true
	default:
		return 0, false
	}
}

func (s *Service) record(ctx context.Context, eventID string, err error) {
	if s.recorder == nil || errors.Is(err, context.Canceled) {
		return
	}
	_, _ = s.recorder.RecordError(ctx, eventID, err)
}

// ClearOccurrences deletes the occurrences of eventID, optionally only
// those of one rule version, and reports whether anything was removed.
// Clearing the current version resets the rule's horizon.
func (s *Service) ClearOccurrences(ctx context.Context, eventID string, version *int) (bool, error) {
	unlock := s.lock(eventID)
	defer unlock()

	n, err := s.store.ClearOccurrences(ctx, eventID, version)
	if err != nil {
		return false, err
	}

	r, err := s.store.GetRule(ctx, eventID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return n > 0, err
	case version == nil || *version == r.Version:
		if err := s.store.SetGeneratedUntil(ctx, eventID, nil); err != nil {
			return n > 0, err
		}
	}

	appLog.Info("occurrences cleared", "event_id", eventID, "version", versionLabel(version), "deleted", n)
	return n > 0, nil
}

func versionLabel(v *int) string {
	if v == nil {
		return "all"
	}
	return fmt.Sprint(*v)
}

// NextOccurrence returns the first occurrence strictly after after, or
// after today when after is nil.
func (s *Service) NextOccurrence(ctx context.Context, eventID string, after *time.Time) (model.Occurrence, bool, error) {
	ref := s.Today()
	if after != nil {
		ref = model.Civil(*after)
	}
	return s.store.NextOccurrence(ctx, eventID, ref)
}

// OccurrencesForYear returns the occurrences materialized for year.
func (s *Service) OccurrencesForYear(ctx context.Context, eventID string, year int) ([]model.Occurrence, error) {
	return s.store.OccurrencesByYear(ctx, eventID, year)
}

// Occurrences returns every stored occurrence of eventID.
func (s *Service) Occurrences(ctx context.Context, eventID string) ([]model.Occurrence, error) {
	return s.store.ListOccurrences(ctx, eventID)
}

// Upcoming returns occurrences of all events from today through today+days.
func (s *Service) Upcoming(ctx context.Context, days int) ([]model.Occurrence, error) {
	if days <= 0 {
		days = 30
	}
	today := s.Today()
	return s.store.UpcomingOccurrences(ctx, today, today.AddDate(0, 0, days))
}
