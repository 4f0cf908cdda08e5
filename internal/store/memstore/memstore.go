// Package memstore is an in-memory implementation of every repository used
// by festcal. It mirrors the sqlite store's semantics (uniqueness, ordering,
// atomic replace) and adds failure injection and call counters for tests.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"festcal/internal/model"
)

type occKey struct {
	eventID string
	date    string
}

type termKey struct {
	year int
	name string
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	rules       map[string]model.Rule
	occurrences map[occKey]model.Occurrence
	conversions map[model.ConversionKey]model.ConversionCacheEntry
	genErrors   []model.GenerationError
	runs        map[string]model.MaintenanceRun
	runOrder    []string
	terms       map[termKey]time.Time

	failures map[string]error
	calls    map[string]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		rules:       make(map[string]model.Rule),
		occurrences: make(map[occKey]model.Occurrence),
		conversions: make(map[model.ConversionKey]model.ConversionCacheEntry),
		runs:        make(map[string]model.MaintenanceRun),
		terms:       make(map[termKey]time.Time),
		failures:    make(map[string]error),
		calls:       make(map[string]int),
	}
}

// FailOn makes every subsequent call of the named method return err. A nil
// err clears the failure.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Calls returns how many times the named method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// enter must be called with s.mu held.
func (s *Store) enter(method string) error {
	s.calls[method]++
	return s.failures[method]
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("Ping")
}

// --- rules ---

func (s *Store) SaveRule(_ context.Context, r model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveRule"); err != nil {
		return err
	}
	if prev, ok := s.rules[r.ID]; ok && prev.Version == r.Version {
		r.GeneratedUntil = copyInt(prev.GeneratedUntil)
	} else {
		r.GeneratedUntil = nil
	}
	s.rules[r.ID] = r
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetRule"); err != nil {
		return model.Rule{}, err
	}
	r, ok := s.rules[id]
	if !ok {
		return model.Rule{}, fmt.Errorf("rule %q: %w", id, model.ErrNotFound)
	}
	r.GeneratedUntil = copyInt(r.GeneratedUntil)
	return r, nil
}

func (s *Store) ListRules(_ context.Context) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListRules"); err != nil {
		return nil, err
	}
	ids := slices.Sorted(maps.Keys(s.rules))
	out := make([]model.Rule, 0, len(ids))
	for _, id := range ids {
		r := s.rules[id]
		r.GeneratedUntil = copyInt(r.GeneratedUntil)
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) SetGeneratedUntil(_ context.Context, id string, year *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetGeneratedUntil"); err != nil {
		return err
	}
	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %q: %w", id, model.ErrNotFound)
	}
	r.GeneratedUntil = copyInt(year)
	s.rules[id] = r
	return nil
}

// --- occurrences ---

func keyOf(o model.Occurrence) occKey {
	return occKey{eventID: o.EventID, date: model.FormatDate(o.Date)}
}

func (s *Store) UpsertOccurrences(_ context.Context, occs []model.Occurrence) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpsertOccurrences"); err != nil {
		return 0, err
	}
	return s.insertLocked(occs), nil
}

func (s *Store) insertLocked(occs []model.Occurrence) int {
	n := 0
	for _, o := range occs {
		k := keyOf(o)
		if _, exists := s.occurrences[k]; exists {
			continue
		}
		s.occurrences[k] = o
		n++
	}
	return n
}

func (s *Store) ReplaceOccurrences(_ context.Context, eventID string, occs []model.Occurrence) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReplaceOccurrences"); err != nil {
		return 0, 0, err
	}
	deleted := 0
	for k := range s.occurrences {
		if k.eventID == eventID {
			delete(s.occurrences, k)
			deleted++
		}
	}
	return s.insertLocked(occs), deleted, nil
}

func (s *Store) ClearOccurrences(_ context.Context, eventID string, version *int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ClearOccurrences"); err != nil {
		return 0, err
	}
	var n int64
	for k, o := range s.occurrences {
		if k.eventID != eventID {
			continue
		}
		if version != nil && o.RuleVersion != *version {
			continue
		}
		delete(s.occurrences, k)
		n++
	}
	return n, nil
}

func (s *Store) HasStaleOccurrences(_ context.Context, eventID string, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("HasStaleOccurrences"); err != nil {
		return false, err
	}
	for k, o := range s.occurrences {
		if k.eventID == eventID && o.RuleVersion != version {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListOccurrences(_ context.Context, eventID string) ([]model.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListOccurrences"); err != nil {
		return nil, err
	}
	return s.filterLocked(func(o model.Occurrence) bool { return o.EventID == eventID }), nil
}

func (s *Store) OccurrencesByYear(_ context.Context, eventID string, year int) ([]model.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("OccurrencesByYear"); err != nil {
		return nil, err
	}
	return s.filterLocked(func(o model.Occurrence) bool { return o.EventID == eventID && o.Year == year }), nil
}

func (s *Store) NextOccurrence(_ context.Context, eventID string, after time.Time) (model.Occurrence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("NextOccurrence"); err != nil {
		return model.Occurrence{}, false, err
	}
	ref := model.Civil(after)
	list := s.filterLocked(func(o model.Occurrence) bool { return o.EventID == eventID && o.Date.After(ref) })
	if len(list) == 0 {
		return model.Occurrence{}, false, nil
	}
	return list[0], true, nil
}

func (s *Store) DeleteOccurrencesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteOccurrencesBefore"); err != nil {
		return 0, err
	}
	ref := model.Civil(before)
	var n int64
	for k, o := range s.occurrences {
		if o.Date.Before(ref) {
			delete(s.occurrences, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpcomingOccurrences(_ context.Context, from, to time.Time) ([]model.Occurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpcomingOccurrences"); err != nil {
		return nil, err
	}
	lo, hi := model.Civil(from), model.Civil(to)
	out := s.filterLocked(func(o model.Occurrence) bool { return !o.Date.Before(lo) && !o.Date.After(hi) })
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// AllOccurrences returns every stored occurrence ordered by event and date.
func (s *Store) AllOccurrences() []model.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(model.Occurrence) bool { return true })
}

func (s *Store) filterLocked(keep func(model.Occurrence) bool) []model.Occurrence {
	out := make([]model.Occurrence, 0)
	for _, o := range s.occurrences {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// --- conversion cache ---

func (s *Store) GetConversion(_ context.Context, key model.ConversionKey) (model.ConversionCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetConversion"); err != nil {
		return model.ConversionCacheEntry{}, false, err
	}
	e, ok := s.conversions[key]
	if ok {
		e.SolarDates = slices.Clone(e.SolarDates)
	}
	return e, ok, nil
}

func (s *Store) PutConversion(_ context.Context, e model.ConversionCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PutConversion"); err != nil {
		return err
	}
	e.SolarDates = slices.Clone(e.SolarDates)
	s.conversions[e.Key] = e
	return nil
}

func (s *Store) PruneConversions(_ context.Context, cachedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PruneConversions"); err != nil {
		return 0, err
	}
	var n int64
	for k, e := range s.conversions {
		if e.CachedAt.Before(cachedBefore) {
			delete(s.conversions, k)
			n++
		}
	}
	return n, nil
}

// --- generation errors ---

func (s *Store) AppendGenerationError(_ context.Context, e model.GenerationError) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AppendGenerationError"); err != nil {
		return 0, err
	}
	e.ID = int64(len(s.genErrors) + 1)
	e.Context = maps.Clone(e.Context)
	s.genErrors = append(s.genErrors, e)
	return e.ID, nil
}

func (s *Store) ResolveGenerationErrors(_ context.Context, eventID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ResolveGenerationErrors"); err != nil {
		return 0, err
	}
	var n int64
	for i := range s.genErrors {
		if s.genErrors[i].EventID == eventID && s.genErrors[i].ResolvedAt == nil {
			t := at
			s.genErrors[i].ResolvedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Store) ListGenerationErrors(_ context.Context, eventID string, unresolvedOnly bool) ([]model.GenerationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListGenerationErrors"); err != nil {
		return nil, err
	}
	out := make([]model.GenerationError, 0)
	for _, e := range s.genErrors {
		if eventID != "" && e.EventID != eventID {
			continue
		}
		if unresolvedOnly && e.ResolvedAt != nil {
			continue
		}
		e.Context = maps.Clone(e.Context)
		out = append(out, e)
	}
	return out, nil
}

// --- maintenance runs ---

func (s *Store) CreateRun(_ context.Context, run model.MaintenanceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateRun"); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *Store) UpdateRun(_ context.Context, run model.MaintenanceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateRun"); err != nil {
		return err
	}
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("run %q: %w", run.ID, model.ErrNotFound)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (model.MaintenanceRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetRun"); err != nil {
		return model.MaintenanceRun{}, err
	}
	run, ok := s.runs[id]
	if !ok {
		return model.MaintenanceRun{}, fmt.Errorf("run %q: %w", id, model.ErrNotFound)
	}
	return run, nil
}

func (s *Store) LatestRun(_ context.Context) (model.MaintenanceRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("LatestRun"); err != nil {
		return model.MaintenanceRun{}, false, err
	}
	if len(s.runOrder) == 0 {
		return model.MaintenanceRun{}, false, nil
	}
	return s.runs[s.runOrder[len(s.runOrder)-1]], true, nil
}

// --- solar terms ---

func (s *Store) SolarTermDate(_ context.Context, year int, name string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SolarTermDate"); err != nil {
		return time.Time{}, false, err
	}
	d, ok := s.terms[termKey{year: year, name: strings.ToLower(name)}]
	return d, ok, nil
}

func (s *Store) HasSolarTermYear(_ context.Context, year int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("HasSolarTermYear"); err != nil {
		return false, err
	}
	for k := range s.terms {
		if k.year == year {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SaveSolarTerms(_ context.Context, terms []model.SolarTermDate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveSolarTerms"); err != nil {
		return err
	}
	for _, t := range terms {
		s.terms[termKey{year: t.Year, name: strings.ToLower(t.Name)}] = t.Date
	}
	return nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
