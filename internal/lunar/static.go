package lunar

import (
	"context"
	"fmt"
	"time"

	"festcal/internal/model"
)

// staticDay is an approximate Gregorian month/day for a lunar anniversary.
// nextYear marks late-12th-month days that land in January/February of the
// following Gregorian year.
type staticDay struct {
	month    time.Month
	day      int
	nextYear bool
}

// staticTable holds well-known anniversaries keyed by lunar (month, day).
// The values are typical placements, not conversions; the year is
// substituted at call time.
var staticTable = map[[2]int]staticDay{
	{1, 1}:   {time.February, 5, false},   // new year
	{1, 15}:  {time.February, 19, false},  // first full moon
	{2, 2}:   {time.March, 7, false},      // earth god
	{3, 3}:   {time.April, 7, false},      // double third
	{3, 23}:  {time.April, 27, false},     // sea goddess
	{4, 8}:   {time.May, 12, false},       // buddha's birthday
	{5, 5}:   {time.June, 8, false},       // double fifth
	{5, 13}:  {time.June, 16, false},      // guan yu
	{6, 24}:  {time.July, 27, false},      // lotus
	{7, 7}:   {time.August, 10, false},    // double seventh
	{7, 15}:  {time.August, 18, false},    // ghost festival
	{8, 12}:  {time.September, 14, false}, // eve of the eve of mid-autumn
	{8, 15}:  {time.September, 17, false}, // mid-autumn
	{9, 9}:   {time.October, 11, false},   // double ninth
	{10, 15}: {time.November, 15, false},  // lower yuan
	{12, 8}:  {time.January, 8, true},     // laba
	{12, 23}: {time.January, 22, true},    // kitchen god
}

// StaticFallback is the last-resort strategy. Results are lossy and tagged
// static_fallback so that callers and the cache can tell them apart.
type StaticFallback struct{}

func (StaticFallback) Source() model.ConversionSource { return model.SourceStaticFallback }

// Convert implements Strategy. Leap-month requests are unsupported.
func (StaticFallback) Convert(_ context.Context, d Date) ([]time.Time, error) {
	if d.Leap {
		return nil, fmt.Errorf("static table has no leap months: %w", ErrUnsupported)
	}
	e, ok := staticTable[[2]int{d.Month, d.Day}]
	if !ok {
		return nil, fmt.Errorf("static table has no entry for %02d-%02d", d.Month, d.Day)
	}
	year := d.Year
	if e.nextYear {
		year++
	}
	return []time.Time{model.Date(year, e.month, e.day)}, nil
}
