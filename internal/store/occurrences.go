package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"festcal/internal/model"
)

const occurrenceColumns = `event_id, occurrence_date, year, is_leap_month, rule_version, generated_at`

const insertOccurrence = `
	INSERT INTO occurrences (` + occurrenceColumns + `)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id, occurrence_date) DO NOTHING`

// UpsertOccurrences inserts occs, ignoring rows whose (event, date) pair
// already exists. It returns the number of rows actually inserted.
func (s *Store) UpsertOccurrences(ctx context.Context, occs []model.Occurrence) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := insertOccurrences(ctx, tx, occs)
		inserted = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upsert occurrences: %w", err)
	}
	return inserted, nil
}

// ReplaceOccurrences atomically deletes every occurrence of eventID and
// inserts occs.
func (s *Store) ReplaceOccurrences(ctx context.Context, eventID string, occs []model.Occurrence) (int, int, error) {
	var inserted, deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, eventID)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		inserted, err = insertOccurrences(ctx, tx, occs)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("replace occurrences %q: %w", eventID, err)
	}
	return inserted, deleted, nil
}

func insertOccurrences(ctx context.Context, tx *sql.Tx, occs []model.Occurrence) (int, error) {
	if len(occs) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, insertOccurrence)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, o := range occs {
		res, err := stmt.ExecContext(ctx,
			o.EventID, model.FormatDate(o.Date), o.Year, boolInt(o.IsLeapMonth), o.RuleVersion, formatTimestamp(o.GeneratedAt))
		if err != nil {
			return 0, fmt.Errorf("insert %s %s: %w", o.EventID, model.FormatDate(o.Date), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

// ClearOccurrences deletes the occurrences of eventID, optionally only those
// generated by the given rule version.
func (s *Store) ClearOccurrences(ctx context.Context, eventID string, version *int) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if version == nil {
		res, err = s.db.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, eventID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ? AND rule_version = ?`, eventID, *version)
	}
	if err != nil {
		return 0, fmt.Errorf("clear occurrences %q: %w", eventID, err)
	}
	return res.RowsAffected()
}

// HasStaleOccurrences reports whether eventID has occurrences produced by a
// rule version other than version.
func (s *Store) HasStaleOccurrences(ctx context.Context, eventID string, version int) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM occurrences WHERE event_id = ? AND rule_version <> ?)`, eventID, version).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("stale occurrences %q: %w", eventID, err)
	}
	return found == 1, nil
}

// ListOccurrences returns every occurrence of eventID in date order.
func (s *Store) ListOccurrences(ctx context.Context, eventID string) ([]model.Occurrence, error) {
	return s.queryOccurrences(ctx, `WHERE event_id = ? ORDER BY occurrence_date`, eventID)
}

// OccurrencesByYear returns the occurrences of eventID whose year equals
// year, in date order.
func (s *Store) OccurrencesByYear(ctx context.Context, eventID string, year int) ([]model.Occurrence, error) {
	return s.queryOccurrences(ctx, `WHERE event_id = ? AND year = ? ORDER BY occurrence_date`, eventID, year)
}

// NextOccurrence returns the earliest occurrence of eventID strictly after
// the civil date of after.
func (s *Store) NextOccurrence(ctx context.Context, eventID string, after time.Time) (model.Occurrence, bool, error) {
	list, err := s.queryOccurrences(ctx,
		`WHERE event_id = ? AND occurrence_date > ? ORDER BY occurrence_date LIMIT 1`,
		eventID, model.FormatDate(model.Civil(after)))
	if err != nil {
		return model.Occurrence{}, false, err
	}
	if len(list) == 0 {
		return model.Occurrence{}, false, nil
	}
	return list[0], true, nil
}

// DeleteOccurrencesBefore removes every occurrence dated before the civil
// date of before.
func (s *Store) DeleteOccurrencesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM occurrences WHERE occurrence_date < ?`, model.FormatDate(model.Civil(before)))
	if err != nil {
		return 0, fmt.Errorf("delete occurrences before %s: %w", model.FormatDate(before), err)
	}
	return res.RowsAffected()
}

// UpcomingOccurrences returns every occurrence dated within [from, to],
// ordered by date then event.
func (s *Store) UpcomingOccurrences(ctx context.Context, from, to time.Time) ([]model.Occurrence, error) {
	return s.queryOccurrences(ctx,
		`WHERE occurrence_date >= ? AND occurrence_date <= ? ORDER BY occurrence_date, event_id`,
		model.FormatDate(model.Civil(from)), model.FormatDate(model.Civil(to)))
}

func (s *Store) queryOccurrences(ctx context.Context, where string, args ...any) ([]model.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	out := make([]model.Occurrence, 0)
	for rows.Next() {
		var (
			o           model.Occurrence
			date, genAt string
			leap        int
		)
		if err := rows.Scan(&o.EventID, &date, &o.Year, &leap, &o.RuleVersion, &genAt); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		if o.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		if o.GeneratedAt, err = parseTimestamp(genAt); err != nil {
			return nil, err
		}
		o.IsLeapMonth = leap != 0
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	return out, nil
}
