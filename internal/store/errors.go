package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"festcal/internal/model"
)

// AppendGenerationError appends e to the error log and returns its id.
// The log is append-only apart from resolution.
func (s *Store) AppendGenerationError(ctx context.Context, e model.GenerationError) (int64, error) {
	ctxJSON := []byte("{}")
	if len(e.Context) > 0 {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return 0, fmt.Errorf("append generation error: encode context: %w", err)
		}
		ctxJSON = b
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_errors (event_id, error_type, message, retryable, context, occurred_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, string(e.Type), e.Message, boolInt(e.Retryable), string(ctxJSON),
		formatTimestamp(e.OccurredAt), nullTimestamp(e.ResolvedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("append generation error: %w", err)
	}
	return res.LastInsertId()
}

// ResolveGenerationErrors marks every unresolved error of eventID as
// resolved at the given time.
func (s *Store) ResolveGenerationErrors(ctx context.Context, eventID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_errors SET resolved_at = ? WHERE event_id = ? AND resolved_at IS NULL`,
		formatTimestamp(at), eventID)
	if err != nil {
		return 0, fmt.Errorf("resolve generation errors %q: %w", eventID, err)
	}
	return res.RowsAffected()
}

// ListGenerationErrors returns logged errors in insertion order. An empty
// eventID lists every event.
func (s *Store) ListGenerationErrors(ctx context.Context, eventID string, unresolvedOnly bool) ([]model.GenerationError, error) {
	var (
		where []string
		args  []any
	)
	if eventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, eventID)
	}
	if unresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}
	q := `SELECT id, event_id, error_type, message, retryable, context, occurred_at, resolved_at FROM generation_errors`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list generation errors: %w", err)
	}
	defer rows.Close()

	out := make([]model.GenerationError, 0)
	for rows.Next() {
		var (
			e                 model.GenerationError
			typ, ctxJSON, occ string
			retryable         int
			resolved          sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventID, &typ, &e.Message, &retryable, &ctxJSON, &occ, &resolved); err != nil {
			return nil, fmt.Errorf("scan generation error: %w", err)
		}
		e.Type = model.ErrorType(typ)
		e.Retryable = retryable != 0
		e.Context = map[string]any{}
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("decode generation error context %d: %w", e.ID, err)
		}
		if e.OccurredAt, err = parseTimestamp(occ); err != nil {
			return nil, err
		}
		if e.ResolvedAt, err = parseNullTimestamp(resolved); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list generation errors: %w", err)
	}
	return out, nil
}
