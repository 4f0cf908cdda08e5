package lunar

import (
	"context"
	"fmt"
	"time"

	lunarcal "github.com/6tail/lunar-go/calendar"

	appLog "festcal/internal/log"
	"festcal/internal/model"
)

// Calculator is the algorithmic strategy backed by lunar-go's tables. It
// never touches the network and also serves as the chain's LeapResolver.
type Calculator struct{}

func (Calculator) Source() model.ConversionSource { return model.SourceCalculator }

// Convert implements Strategy. Day 30 of a 29-day month resolves to the
// month's last day.
func (c Calculator) Convert(ctx context.Context, d Date) ([]time.Time, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Leap {
		lm, err := c.LeapMonth(ctx, d.Year)
		if err != nil {
			return nil, err
		}
		if lm != d.Month {
			return nil, fmt.Errorf("%w: %s", ErrNoLeapMonth, d)
		}
	}

	// lunar-go encodes leap months as negative month numbers.
	month := d.Month
	if d.Leap {
		month = -month
	}

	solar, err := toSolar(d.Year, month, d.Day)
	if err != nil && d.Day == 30 {
		solar, err = toSolar(d.Year, month, 29)
		if err == nil {
			appLog.Warn("lunar day 30 missing in short month; using day 29", "date", d.String())
		}
	}
	if err != nil {
		return nil, err
	}
	return []time.Time{solar}, nil
}

// LeapMonth implements LeapResolver.
func (Calculator) LeapMonth(_ context.Context, year int) (month int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calculator: leap month of %d: %v", year, r)
		}
	}()
	return lunarcal.NewLunarYear(year).GetLeapMonth(), nil
}

// toSolar wraps lunar-go, which panics on dates outside its tables.
func toSolar(year, month, day int) (t time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calculator: %d/%d/%d: %v", year, month, day, r)
		}
	}()
	s := lunarcal.NewLunarFromYmd(year, month, day).GetSolar()
	return model.Date(s.GetYear(), time.Month(s.GetMonth()), s.GetDay()), nil
}
