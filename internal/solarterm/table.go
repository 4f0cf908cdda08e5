package solarterm

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "festcal/internal/log"
	"festcal/internal/model"
)

// Store persists Solar-Term Table rows.
type Store interface {
	SolarTermDate(ctx context.Context, year int, name string) (time.Time, bool, error)
	HasSolarTermYear(ctx context.Context, year int) (bool, error)
	SaveSolarTerms(ctx context.Context, terms []model.SolarTermDate) error
}

// Importer produces all 24 terms of a year in one call.
type Importer interface {
	Import(ctx context.Context, year int) ([]model.SolarTermDate, error)
}

// LookupError reports a term that could not be resolved even after an
// import attempt. It is always retryable: the data may become importable.
type LookupError struct {
	Year int
	Name string
	Err  error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("solar term %q for %d unavailable: %v", e.Name, e.Year, e.Err)
	}
	return fmt.Sprintf("solar term %q for %d unavailable", e.Name, e.Year)
}

func (e *LookupError) Unwrap() error { return e.Err }

// ErrUnknownTerm is returned for names outside the vocabulary.
var ErrUnknownTerm = errors.New("solarterm: unknown term name")

// Table resolves term dates from the store and imports missing years on
// demand.
type Table struct {
	store    Store
	importer Importer
}

// NewTable constructs a Table. A nil importer defaults to JieQiImporter.
func NewTable(store Store, importer Importer) *Table {
	if importer == nil {
		importer = JieQiImporter{}
	}
	return &Table{store: store, importer: importer}
}

// Lookup returns the civil date of term name in year. When the year is
// missing it is imported and the lookup retried exactly once.
func (t *Table) Lookup(ctx context.Context, year int, name string) (time.Time, error) {
	name = Normalize(name)
	if !Known(name) {
		return time.Time{}, &LookupError{Year: year, Name: name, Err: ErrUnknownTerm}
	}

	d, ok, err := t.store.SolarTermDate(ctx, year, name)
	if err != nil {
		return time.Time{}, &LookupError{Year: year, Name: name, Err: err}
	}
	if ok {
		return d, nil
	}

	appLog.Info("solar term missing; importing year", "year", year, "term", name)
	if _, err := t.importYear(ctx, year); err != nil {
		return time.Time{}, &LookupError{Year: year, Name: name, Err: err}
	}

	d, ok, err = t.store.SolarTermDate(ctx, year, name)
	if err != nil {
		return time.Time{}, &LookupError{Year: year, Name: name, Err: err}
	}
	if !ok {
		return time.Time{}, &LookupError{Year: year, Name: name}
	}
	return d, nil
}

// Ensure makes sure year is present in the table, importing it if needed.
// It reports whether an import happened.
func (t *Table) Ensure(ctx context.Context, year int) (bool, error) {
	has, err := t.store.HasSolarTermYear(ctx, year)
	if err != nil {
		return false, fmt.Errorf("solarterm: check year %d: %w", year, err)
	}
	if has {
		return false, nil
	}
	n, err := t.importYear(ctx, year)
	if err != nil {
		return false, err
	}
	appLog.Info("solar terms imported", "year", year, "count", n)
	return true, nil
}

func (t *Table) importYear(ctx context.Context, year int) (int, error) {
	terms, err := t.importer.Import(ctx, year)
	if err != nil {
		return 0, fmt.Errorf("solarterm: import %d: %w", year, err)
	}
	if len(terms) != len(Terms) {
		return 0, fmt.Errorf("solarterm: import %d returned %d terms, want %d", year, len(terms), len(Terms))
	}
	for _, term := range terms {
		if term.Year != year || !Known(term.Name) {
			return 0, fmt.Errorf("solarterm: import %d returned foreign row %s/%d", year, term.Name, term.Year)
		}
	}
	if err := t.store.SaveSolarTerms(ctx, terms); err != nil {
		return 0, fmt.Errorf("solarterm: save %d: %w", year, err)
	}
	return len(terms), nil
}
