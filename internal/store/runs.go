package store

import (
	"context"
	"database/sql"
	"fmt"

	"festcal/internal/model"
)

const runColumns = `id, target_year, events_processed, occurrences_created, occurrences_deleted, solar_terms_processed, status, started_at, completed_at, error_message`

// CreateRun inserts a new maintenance run record.
func (s *Store) CreateRun(ctx context.Context, run model.MaintenanceRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TargetYear, run.EventsProcessed, run.OccurrencesCreated, run.OccurrencesDeleted,
		run.SolarTermsProcessed, string(run.Status), formatTimestamp(run.StartedAt),
		nullTimestamp(run.CompletedAt), nullIfEmpty(run.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("create run %q: %w", run.ID, err)
	}
	return nil
}

// UpdateRun overwrites the counters, status and completion of run.
func (s *Store) UpdateRun(ctx context.Context, run model.MaintenanceRun) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE maintenance_runs SET
			target_year = ?, events_processed = ?, occurrences_created = ?, occurrences_deleted = ?,
			solar_terms_processed = ?, status = ?, completed_at = ?, error_message = ?
		WHERE id = ?`,
		run.TargetYear, run.EventsProcessed, run.OccurrencesCreated, run.OccurrencesDeleted,
		run.SolarTermsProcessed, string(run.Status), nullTimestamp(run.CompletedAt), nullIfEmpty(run.ErrorMessage),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run %q: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %q: %w", run.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %q: %w", run.ID, model.ErrNotFound)
	}
	return nil
}

// GetRun returns the run with id.
func (s *Store) GetRun(ctx context.Context, id string) (model.MaintenanceRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM maintenance_runs WHERE id = ?`, id))
	if isNoRows(err) {
		return model.MaintenanceRun{}, fmt.Errorf("run %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.MaintenanceRun{}, fmt.Errorf("get run %q: %w", id, err)
	}
	return run, nil
}

// LatestRun returns the most recently created run.
func (s *Store) LatestRun(ctx context.Context) (model.MaintenanceRun, bool, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM maintenance_runs ORDER BY seq DESC LIMIT 1`))
	if isNoRows(err) {
		return model.MaintenanceRun{}, false, nil
	}
	if err != nil {
		return model.MaintenanceRun{}, false, fmt.Errorf("latest run: %w", err)
	}
	return run, true, nil
}

func scanRun(sc rowScanner) (model.MaintenanceRun, error) {
	var (
		run                model.MaintenanceRun
		status, startedAt  string
		completedAt, errMs sql.NullString
	)
	err := sc.Scan(&run.ID, &run.TargetYear, &run.EventsProcessed, &run.OccurrencesCreated, &run.OccurrencesDeleted,
		&run.SolarTermsProcessed, &status, &startedAt, &completedAt, &errMs)
	if err != nil {
		return model.MaintenanceRun{}, err
	}
	run.Status = model.RunStatus(status)
	run.ErrorMessage = errMs.String
	if run.StartedAt, err = parseTimestamp(startedAt); err != nil {
		return model.MaintenanceRun{}, err
	}
	if run.CompletedAt, err = parseNullTimestamp(completedAt); err != nil {
		return model.MaintenanceRun{}, err
	}
	return run, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
