package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"festcal/internal/model"
	"festcal/internal/rule"
)

const ruleColumns = `id, rule_version, lunar_month, lunar_day, leap_behavior, solar_month, solar_day, one_time_date, solar_term, generated_until`

// SaveRule inserts or updates r. When the stored version differs from
// r.Version, generated_until is reset so the next generation pass rebuilds
// the event's occurrences.
func (s *Store) SaveRule(ctx context.Context, r model.Rule) error {
	parsed, err := rule.Parse(rule.ToRaw(r))
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	raw := rule.ToRaw(parsed)

	const q = `
		INSERT INTO rules (` + ruleColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			lunar_month     = excluded.lunar_month,
			lunar_day       = excluded.lunar_day,
			leap_behavior   = excluded.leap_behavior,
			solar_month     = excluded.solar_month,
			solar_day       = excluded.solar_day,
			one_time_date   = excluded.one_time_date,
			solar_term      = excluded.solar_term,
			generated_until = CASE WHEN rules.rule_version = excluded.rule_version THEN rules.generated_until ELSE NULL END,
			rule_version    = excluded.rule_version,
			updated_at      = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, q,
		raw.ID, raw.Version,
		nullInt(raw.LunarMonth), nullInt(raw.LunarDay), nullString(raw.LeapBehavior),
		nullInt(raw.SolarMonth), nullInt(raw.SolarDay),
		nullString(raw.Date), nullString(raw.SolarTerm),
		formatTimestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save rule %q: %w", raw.ID, err)
	}
	return nil
}

// GetRule returns the rule with id, or an error wrapping model.ErrNotFound.
func (s *Store) GetRule(ctx context.Context, id string) (model.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if isNoRows(err) {
		return model.Rule{}, fmt.Errorf("rule %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Rule{}, fmt.Errorf("get rule %q: %w", id, err)
	}
	return r, nil
}

// ListRules returns every rule ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	out := make([]model.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return out, nil
}

// SetGeneratedUntil records the last year materialized for a rule. A nil
// year clears it.
func (s *Store) SetGeneratedUntil(ctx context.Context, id string, year *int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET generated_until = ? WHERE id = ?`, nullInt(year), id)
	if err != nil {
		return fmt.Errorf("set generated_until %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set generated_until %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("rule %q: %w", id, model.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(sc rowScanner) (model.Rule, error) {
	var (
		raw                  rule.Raw
		lunarMonth, lunarDay sql.NullInt64
		solarMonth, solarDay sql.NullInt64
		leap, date, term     sql.NullString
		generatedUntil       sql.NullInt64
	)
	if err := sc.Scan(&raw.ID, &raw.Version, &lunarMonth, &lunarDay, &leap, &solarMonth, &solarDay, &date, &term, &generatedUntil); err != nil {
		return model.Rule{}, err
	}
	raw.LunarMonth = intPtr(lunarMonth)
	raw.LunarDay = intPtr(lunarDay)
	raw.LeapBehavior = stringPtr(leap)
	raw.SolarMonth = intPtr(solarMonth)
	raw.SolarDay = intPtr(solarDay)
	raw.Date = stringPtr(date)
	raw.SolarTerm = stringPtr(term)

	r, err := rule.Parse(raw)
	if err != nil {
		return model.Rule{}, fmt.Errorf("stored rule is invalid: %w", err)
	}
	r.GeneratedUntil = intPtr(generatedUntil)
	return r, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
