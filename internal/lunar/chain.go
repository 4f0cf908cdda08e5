package lunar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	appLog "festcal/internal/log"
	"festcal/internal/model"
)

const (
	defaultExpiry          = 30 * 24 * time.Hour
	defaultStrategyTimeout = 5 * time.Second
	defaultAttempts        = 1
)

// ChainConfig wires a Chain.
type ChainConfig struct {
	// Strategies in priority order. The static table, if used, goes last.
	Strategies []Strategy

	// Cache is optional; without it every call runs the strategies.
	Cache Cache

	// Leap confirms that a year has the requested leap month before any
	// strategy is asked for a leap date. Optional.
	Leap LeapResolver

	// Expiry is the freshness window of cache entries (default 30 days).
	Expiry time.Duration

	// StrategyTimeout bounds a single attempt of a single strategy.
	StrategyTimeout time.Duration

	// Attempts is how many times a failing strategy is tried before the
	// chain moves on (default 1).
	Attempts int

	// Now is the clock used for cache freshness; defaults to time.Now.
	Now func() time.Time
}

// Chain converts lunar dates by consulting the cache and then each strategy
// in order until one succeeds.
type Chain struct {
	strategies []Strategy
	cache      Cache
	leap       LeapResolver
	expiry     time.Duration
	timeout    time.Duration
	attempts   int
	now        func() time.Time

	conflicts atomic.Int64
}

// NewChain builds a Chain, filling defaults for zero values.
func NewChain(cfg ChainConfig) *Chain {
	c := &Chain{
		strategies: cfg.Strategies,
		cache:      cfg.Cache,
		leap:       cfg.Leap,
		expiry:     cfg.Expiry,
		timeout:    cfg.StrategyTimeout,
		attempts:   cfg.Attempts,
		now:        cfg.Now,
	}
	if c.expiry <= 0 {
		c.expiry = defaultExpiry
	}
	if c.timeout <= 0 {
		c.timeout = defaultStrategyTimeout
	}
	if c.attempts <= 0 {
		c.attempts = defaultAttempts
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Expiry returns the cache freshness window.
func (c *Chain) Expiry() time.Duration { return c.expiry }

// Conflicts returns how many times a strategy produced dates that disagree
// with a cached entry from a different source.
func (c *Chain) Conflicts() int64 { return c.conflicts.Load() }

// Convert resolves d to one or more civil dates.
//
// Outcomes:
//   - fresh cache hit: returned without invoking any strategy
//   - the year has no such leap month: an error matching ErrNoLeapMonth
//   - a strategy succeeds: its result is cached with provenance and returned
//   - every strategy fails: *ConversionError carrying each attempt
func (c *Chain) Convert(ctx context.Context, d Date, opts Options) (Result, error) {
	if err := d.validate(); err != nil {
		return Result{}, err
	}
	key := d.Key()

	var prev *model.ConversionCacheEntry
	if c.cache != nil && opts.UseCache {
		entry, ok, err := c.cache.GetConversion(ctx, key)
		switch {
		case err != nil:
			// Degrade to the strategies rather than fail on a cache outage.
			appLog.Error("conversion cache read failed", err, "key", key)
		case ok:
			prev = &entry
			if !opts.ForceRefresh && len(entry.SolarDates) > 0 && entry.Fresh(c.now(), c.expiry) {
				appLog.Debug("conversion cache hit", "key", key, "source", entry.Source)
				return Result{Dates: slices.Clone(entry.SolarDates), Source: entry.Source, FromCache: true}, nil
			}
		}
	}

	if d.Leap && c.leap != nil {
		lm, err := c.leap.LeapMonth(ctx, d.Year)
		if err != nil {
			appLog.Warn("leap month check failed; asking strategies", "key", key, "err", err)
		} else if lm != d.Month {
			return Result{}, fmt.Errorf("%w: %s (leap month is %d)", ErrNoLeapMonth, key, lm)
		}
	}

	attempts := make([]Attempt, 0, len(c.strategies))
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Source: s.Source(), Err: err})
			break
		}

		dates, err := c.try(ctx, s, d)
		if errors.Is(err, ErrNoLeapMonth) {
			return Result{}, err
		}
		if err != nil {
			appLog.Warn("conversion strategy failed", "source", s.Source(), "key", key, "err", err)
			attempts = append(attempts, Attempt{Source: s.Source(), Err: err})
			continue
		}

		if s.Source() == model.SourceStaticFallback {
			appLog.Warn("conversion resolved by static fallback table", "key", key, "dates", formatDates(dates))
		}
		c.remember(ctx, key, dates, s.Source(), prev)
		return Result{Dates: dates, Source: s.Source()}, nil
	}

	return Result{}, &ConversionError{Date: d, Attempts: attempts}
}

// try runs one strategy with the bounded attempt/timeout budget.
func (c *Chain) try(ctx context.Context, s Strategy, d Date) ([]time.Time, error) {
	var last error
	for i := 0; i < c.attempts; i++ {
		dates, err := callWithTimeout(ctx, c.timeout, s, d)
		if err == nil && len(dates) == 0 {
			err = ErrEmptyResult
		}
		if err == nil {
			return normalize(dates), nil
		}
		if errors.Is(err, ErrNoLeapMonth) || errors.Is(err, ErrUnsupported) || errors.Is(err, ErrInvalidDate) || ctx.Err() != nil {
			return nil, err
		}
		last = err
	}
	return nil, last
}

// callWithTimeout runs the strategy in its own goroutine so that a strategy
// ignoring ctx still cannot stall the chain past the budget.
func callWithTimeout(ctx context.Context, timeout time.Duration, s Strategy, d Date) ([]time.Time, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		dates []time.Time
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%s panicked: %v", s.Source(), r)}
			}
		}()
		dates, err := s.Convert(cctx, d)
		ch <- result{dates: dates, err: err}
	}()

	select {
	case r := <-ch:
		return r.dates, r.err
	case <-cctx.Done():
		return nil, fmt.Errorf("%s exceeded %s: %w", s.Source(), timeout, cctx.Err())
	}
}

func (c *Chain) remember(ctx context.Context, key model.ConversionKey, dates []time.Time, src model.ConversionSource, prev *model.ConversionCacheEntry) {
	if prev != nil && prev.Source != src && len(prev.SolarDates) > 0 && !slices.EqualFunc(prev.SolarDates, dates, time.Time.Equal) {
		c.conflicts.Add(1)
		appLog.Warn("conversion sources disagree",
			"key", key,
			"previous_source", prev.Source,
			"previous_dates", formatDates(prev.SolarDates),
			"source", src,
			"dates", formatDates(dates),
		)
	}
	if c.cache == nil {
		return
	}
	entry := model.ConversionCacheEntry{
		Key:        key,
		SolarDates: dates,
		Source:     src,
		CachedAt:   c.now().UTC(),
	}
	if err := c.cache.PutConversion(ctx, entry); err != nil {
		appLog.Error("conversion cache write failed", err, "key", key, "source", src)
	}
}

// PruneCache deletes cache entries older than twice the freshness window.
// It is a no-op for caches without explicit cleanup (e.g. TTL-based ones).
func (c *Chain) PruneCache(ctx context.Context) (int64, error) {
	p, ok := c.cache.(CachePruner)
	if !ok {
		return 0, nil
	}
	cutoff := c.now().UTC().Add(-2 * c.expiry)
	n, err := p.PruneConversions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune conversion cache: %w", err)
	}
	appLog.Info("conversion cache pruned", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// normalize sorts, truncates to civil dates and removes duplicates.
func normalize(dates []time.Time) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, t := range dates {
		out = append(out, model.Civil(t))
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(out, time.Time.Equal)
}

func formatDates(dates []time.Time) string {
	s := ""
	for i, t := range dates {
		if i > 0 {
			s += ","
		}
		s += model.FormatDate(t)
	}
	return s
}
