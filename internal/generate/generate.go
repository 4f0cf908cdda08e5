// Package generate turns a Rule and a year span into concrete occurrences.
// It has no side effects of its own; lunar conversion may populate the
// conversion cache.
package generate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "festcal/internal/log"
	"festcal/internal/lunar"
	"festcal/internal/model"
	"festcal/internal/rule"
	"festcal/internal/solarterm"
)

// Converter resolves lunar dates (normally a *lunar.Chain).
type Converter interface {
	Convert(ctx context.Context, d lunar.Date, opts lunar.Options) (lunar.Result, error)
}

// TermLookup resolves a solar term of a year (normally a *solarterm.Table).
type TermLookup interface {
	Lookup(ctx context.Context, year int, name string) (time.Time, error)
}

// Span is an inclusive range of years.
type Span struct {
	Start int
	End   int
}

func (s Span) validate() error {
	if s.Start <= 0 || s.End <= 0 {
		return fmt.Errorf("generate: span years must be positive, got %d..%d", s.Start, s.End)
	}
	if s.End < s.Start {
		return fmt.Errorf("generate: span end %d before start %d", s.End, s.Start)
	}
	return nil
}

func (s Span) String() string { return fmt.Sprintf("%d..%d", s.Start, s.End) }

// Config wires a Generator.
type Config struct {
	Converter Converter
	Terms     TermLookup
	// ConvertOptions are passed to every lunar conversion.
	ConvertOptions lunar.Options
	Now            func() time.Time
}

// Generator produces occurrences for rules.
type Generator struct {
	conv  Converter
	terms TermLookup
	opts  lunar.Options
	now   func() time.Time
}

// New returns a Generator. A zero ConvertOptions means "use the cache".
func New(cfg Config) *Generator {
	g := &Generator{
		conv:  cfg.Converter,
		terms: cfg.Terms,
		opts:  cfg.ConvertOptions,
		now:   cfg.Now,
	}
	if g.opts == (lunar.Options{}) {
		g.opts = lunar.DefaultOptions
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Generate returns the occurrences of r within span in ascending year
// order. Failures are returned as *Error carrying the GenerationError
// classification.
func (g *Generator) Generate(ctx context.Context, r model.Rule, span Span) ([]model.Occurrence, error) {
	if err := span.validate(); err != nil {
		return nil, err
	}
	if err := rule.Validate(r); err != nil {
		return nil, &Error{EventID: r.ID, Type: model.ErrorInvalidRule, Err: err}
	}

	b := builder{rule: r, generatedAt: g.now().UTC(), seen: make(map[time.Time]struct{})}

	var err error
	switch v := r.Variant.(type) {
	case model.Lunar:
		err = g.lunar(ctx, &b, v, span)
	case model.Solar:
		err = g.solar(&b, v, span)
	case model.OneTime:
		g.oneTime(&b, v, span)
	case model.SolarTerm:
		err = g.solarTerm(ctx, &b, v, span)
	default:
		err = &Error{EventID: r.ID, Type: model.ErrorInvalidRule, Err: fmt.Errorf("unsupported variant %T", r.Variant)}
	}
	if err != nil {
		return nil, err
	}

	appLog.Debug("occurrences generated", "event_id", r.ID, "variant", r.Variant.Kind(), "span", span.String(), "count", len(b.out))
	return b.out, nil
}

func (g *Generator) lunar(ctx context.Context, b *builder, v model.Lunar, span Span) error {
	for y := span.Start; y <= span.End; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if v.LeapBehavior != model.AlwaysLeap {
			d := lunar.Date{Year: y, Month: v.Month, Day: v.Day}
			res, err := g.conv.Convert(ctx, d, g.opts)
			if err != nil {
				return lunarError(b.rule.ID, d, err)
			}
			b.add(y, res.Dates, false)
		}

		if v.LeapBehavior == model.AlwaysLeap || v.LeapBehavior == model.BothLeap {
			d := lunar.Date{Year: y, Month: v.Month, Day: v.Day, Leap: true}
			res, err := g.conv.Convert(ctx, d, g.opts)
			if errors.Is(err, lunar.ErrNoLeapMonth) {
				appLog.Debug("no leap month this year; skipping", "event_id", b.rule.ID, "year", y, "month", v.Month)
				continue
			}
			if err != nil {
				return lunarError(b.rule.ID, d, err)
			}
			b.add(y, res.Dates, true)
		}
	}
	return nil
}

func lunarError(eventID string, d lunar.Date, err error) error {
	ge := &Error{
		EventID:   eventID,
		Type:      model.ErrorLunarConversion,
		Year:      d.Year,
		Retryable: true,
		Context: map[string]any{
			"year":        d.Year,
			"lunar_month": d.Month,
			"lunar_day":   d.Day,
			"is_leap":     d.Leap,
		},
		Err: err,
	}
	var ce *lunar.ConversionError
	if errors.As(err, &ce) {
		sources := make([]string, 0, len(ce.Attempts))
		for _, s := range ce.Sources() {
			sources = append(sources, string(s))
		}
		ge.Context["attempted_sources"] = sources
	}
	if errors.Is(err, lunar.ErrInvalidDate) {
		ge.Type = model.ErrorInvalidRule
		ge.Retryable = false
	}
	return ge
}

func (g *Generator) solar(b *builder, v model.Solar, span Span) error {
	// 2000 is a leap year, so a month/day that is invalid there is never
	// valid (e.g. 02-30, 04-31); skip rrule expansion entirely.
	if !model.ValidDate(2000, v.Month, v.Day) {
		appLog.Warn("solar rule names an impossible date; no occurrences",
			"event_id", b.rule.ID, "month", int(v.Month), "day", v.Day, "span", span.String())
		return nil
	}

	start := model.Date(span.Start, time.January, 1)
	end := model.Date(span.End, time.December, 31)
	rr, err := rrule.NewRRule(rrule.ROption{
		Freq:       rrule.YEARLY,
		Dtstart:    start,
		Until:      end,
		Bymonth:    []int{int(v.Month)},
		Bymonthday: []int{v.Day},
	})
	if err != nil {
		return &Error{EventID: b.rule.ID, Type: model.ErrorInvalidRule, Err: fmt.Errorf("build yearly rule: %w", err)}
	}

	byYear := make(map[int]time.Time)
	for _, t := range rr.Between(start, end, true) {
		byYear[t.Year()] = model.Civil(t)
	}

	for y := span.Start; y <= span.End; y++ {
		d, ok := byYear[y]
		if !ok || !model.ValidDate(y, v.Month, v.Day) {
			appLog.Warn("skipping invalid solar date", "event_id", b.rule.ID, "year", y, "month", int(v.Month), "day", v.Day)
			continue
		}
		b.add(y, []time.Time{d}, false)
	}
	return nil
}

func (g *Generator) oneTime(b *builder, v model.OneTime, span Span) {
	y := v.Date.Year()
	if y < span.Start || y > span.End {
		return
	}
	b.add(y, []time.Time{model.Civil(v.Date)}, false)
}

func (g *Generator) solarTerm(ctx context.Context, b *builder, v model.SolarTerm, span Span) error {
	for y := span.Start; y <= span.End; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, err := g.terms.Lookup(ctx, y, v.Name)
		if err != nil {
			ge := &Error{
				EventID:   b.rule.ID,
				Type:      model.ErrorSolarTermLookup,
				Year:      y,
				Retryable: true,
				Context:   map[string]any{"year": y, "solar_term": v.Name},
				Err:       err,
			}
			if errors.Is(err, solarterm.ErrUnknownTerm) {
				ge.Type = model.ErrorInvalidRule
				ge.Retryable = false
			}
			return ge
		}
		b.add(y, []time.Time{d}, false)
	}
	return nil
}

// builder accumulates occurrences, never emitting the same date twice.
type builder struct {
	rule        model.Rule
	generatedAt time.Time
	seen        map[time.Time]struct{}
	out         []model.Occurrence
}

func (b *builder) add(year int, dates []time.Time, leap bool) {
	for _, d := range dates {
		d = model.Civil(d)
		if _, dup := b.seen[d]; dup {
			appLog.Warn("duplicate occurrence date dropped", "event_id", b.rule.ID, "date", model.FormatDate(d), "is_leap_month", leap)
			continue
		}
		b.seen[d] = struct{}{}
		b.out = append(b.out, model.Occurrence{
			EventID:     b.rule.ID,
			Date:        d,
			Year:        year,
			IsLeapMonth: leap,
			RuleVersion: b.rule.Version,
			GeneratedAt: b.generatedAt,
		})
	}
}
