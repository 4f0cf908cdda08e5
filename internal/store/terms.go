package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"festcal/internal/model"
)

// SolarTermDate returns the stored date of a solar term.
func (s *Store) SolarTermDate(ctx context.Context, year int, name string) (time.Time, bool, error) {
	var date string
	err := s.db.QueryRowContext(ctx,
		`SELECT term_date FROM solar_terms WHERE year = ? AND name = ?`, year, strings.ToLower(name)).Scan(&date)
	if isNoRows(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("solar term %s %d: %w", name, year, err)
	}
	d, err := model.ParseDate(date)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// HasSolarTermYear reports whether any term of year is stored.
func (s *Store) HasSolarTermYear(ctx context.Context, year int) (bool, error) {
	var found int
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM solar_terms WHERE year = ?)`, year).Scan(&found); err != nil {
		return false, fmt.Errorf("solar term year %d: %w", year, err)
	}
	return found == 1, nil
}

// SaveSolarTerms upserts terms in one transaction.
func (s *Store) SaveSolarTerms(ctx context.Context, terms []model.SolarTermDate) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range terms {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO solar_terms (year, name, term_date) VALUES (?, ?, ?)
				ON CONFLICT(year, name) DO UPDATE SET term_date = excluded.term_date`,
				t.Year, strings.ToLower(t.Name), model.FormatDate(t.Date))
			if err != nil {
				return fmt.Errorf("%s %d: %w", t.Name, t.Year, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save solar terms: %w", err)
	}
	return nil
}
