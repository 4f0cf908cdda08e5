// Package lunar resolves lunar calendar dates into Gregorian dates through an
// ordered chain of strategies backed by the Conversion Cache.
package lunar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"festcal/internal/model"
)

// Date is a lunar calendar date. Leap selects the intercalary month that
// follows the regular month of the same number.
type Date struct {
	Year  int
	Month int
	Day   int
	Leap  bool
}

// Key returns the cache key for d.
func (d Date) Key() model.ConversionKey {
	return model.ConversionKey{LunarYear: d.Year, LunarMonth: d.Month, LunarDay: d.Day, IsLeap: d.Leap}
}

func (d Date) String() string {
	return d.Key().String()
}

func (d Date) validate() error {
	if d.Month < 1 || d.Month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidDate, d.Month)
	}
	if d.Day < 1 || d.Day > 30 {
		return fmt.Errorf("%w: day %d", ErrInvalidDate, d.Day)
	}
	return nil
}

var (
	// ErrNoLeapMonth means the requested year has no leap month with the
	// requested number. It is a normal "no occurrence" outcome, not a
	// conversion failure.
	ErrNoLeapMonth = errors.New("lunar: no such leap month in year")

	// ErrInvalidDate is a structurally impossible lunar date.
	ErrInvalidDate = errors.New("lunar: invalid date")

	// ErrUnsupported is returned by a strategy that cannot answer this kind
	// of request at all; the chain does not retry it.
	ErrUnsupported = errors.New("lunar: request not supported by strategy")

	// ErrEmptyResult is returned when a strategy answers with no dates.
	ErrEmptyResult = errors.New("lunar: strategy returned no dates")
)

// Strategy is one way of converting a lunar date. Implementations return a
// non-empty list of civil dates or an error.
type Strategy interface {
	Source() model.ConversionSource
	Convert(ctx context.Context, d Date) ([]time.Time, error)
}

// LeapResolver reports the leap month of a lunar year (0 when none).
type LeapResolver interface {
	LeapMonth(ctx context.Context, year int) (int, error)
}

// Cache is the Conversion Cache as seen by the chain.
type Cache interface {
	GetConversion(ctx context.Context, key model.ConversionKey) (model.ConversionCacheEntry, bool, error)
	PutConversion(ctx context.Context, entry model.ConversionCacheEntry) error
}

// CachePruner is implemented by caches that need explicit cleanup.
type CachePruner interface {
	PruneConversions(ctx context.Context, cachedBefore time.Time) (int64, error)
}

// Options tune a single Convert call.
type Options struct {
	UseCache     bool
	ForceRefresh bool
}

// DefaultOptions consults the cache and never forces a refresh.
var DefaultOptions = Options{UseCache: true}

// Result is a successful conversion.
type Result struct {
	Dates     []time.Time
	Source    model.ConversionSource
	FromCache bool
}
