package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"festcal/internal/model"
)

// GetConversion returns the cached conversion for key, if present.
func (s *Store) GetConversion(ctx context.Context, key model.ConversionKey) (model.ConversionCacheEntry, bool, error) {
	var datesJSON, source, cachedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT solar_dates, source, cached_at FROM lunar_conversion_cache
		WHERE lunar_year = ? AND lunar_month = ? AND lunar_day = ? AND is_leap = ?`,
		key.LunarYear, key.LunarMonth, key.LunarDay, boolInt(key.IsLeap),
	).Scan(&datesJSON, &source, &cachedAt)
	if isNoRows(err) {
		return model.ConversionCacheEntry{}, false, nil
	}
	if err != nil {
		return model.ConversionCacheEntry{}, false, fmt.Errorf("get conversion %s: %w", key, err)
	}

	dates, err := decodeDates(datesJSON)
	if err != nil {
		return model.ConversionCacheEntry{}, false, fmt.Errorf("get conversion %s: %w", key, err)
	}
	at, err := parseTimestamp(cachedAt)
	if err != nil {
		return model.ConversionCacheEntry{}, false, err
	}
	return model.ConversionCacheEntry{
		Key:        key,
		SolarDates: dates,
		Source:     model.ConversionSource(source),
		CachedAt:   at,
	}, true, nil
}

// PutConversion stores e, replacing any previous entry for the same key.
func (s *Store) PutConversion(ctx context.Context, e model.ConversionCacheEntry) error {
	datesJSON, err := encodeDates(e.SolarDates)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lunar_conversion_cache (lunar_year, lunar_month, lunar_day, is_leap, solar_dates, source, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lunar_year, lunar_month, lunar_day, is_leap) DO UPDATE SET
			solar_dates = excluded.solar_dates,
			source      = excluded.source,
			cached_at   = excluded.cached_at`,
		e.Key.LunarYear, e.Key.LunarMonth, e.Key.LunarDay, boolInt(e.Key.IsLeap),
		datesJSON, string(e.Source), formatTimestamp(e.CachedAt),
	)
	if err != nil {
		return fmt.Errorf("put conversion %s: %w", e.Key, err)
	}
	return nil
}

// PruneConversions deletes cache entries cached before cachedBefore.
// RFC3339Nano drops trailing zeros, so cached_at is compared after parsing.
func (s *Store) PruneConversions(ctx context.Context, cachedBefore time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lunar_year, lunar_month, lunar_day, is_leap, cached_at FROM lunar_conversion_cache`)
	if err != nil {
		return 0, fmt.Errorf("prune conversions: %w", err)
	}
	type pk struct{ y, m, d, leap int }
	var stale []pk
	for rows.Next() {
		var (
			k  pk
			at string
		)
		if err := rows.Scan(&k.y, &k.m, &k.d, &k.leap, &at); err != nil {
			rows.Close()
			return 0, fmt.Errorf("prune conversions: %w", err)
		}
		t, err := parseTimestamp(at)
		if err != nil || t.Before(cachedBefore) {
			stale = append(stale, k)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("prune conversions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var n int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range stale {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM lunar_conversion_cache
				WHERE lunar_year = ? AND lunar_month = ? AND lunar_day = ? AND is_leap = ?`, k.y, k.m, k.d, k.leap)
			if err != nil {
				return err
			}
			c, _ := res.RowsAffected()
			n += c
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune conversions: %w", err)
	}
	return n, nil
}

func encodeDates(dates []time.Time) (string, error) {
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, model.FormatDate(d))
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode dates: %w", err)
	}
	return string(b), nil
}

func decodeDates(s string) ([]time.Time, error) {
	var raw []string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode dates: %w", err)
	}
	out := make([]time.Time, 0, len(raw))
	for _, r := range raw {
		d, err := model.ParseDate(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
