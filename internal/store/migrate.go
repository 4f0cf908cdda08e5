package store

import (
	"database/sql"
	"fmt"
)

// SchemaVersion is the latest schema version supported by the migrator.
const SchemaVersion = 1

var schemaV1 = []struct {
	name string
	ddl  string
}{
	{"rules", `
		CREATE TABLE IF NOT EXISTS rules (
			id              TEXT PRIMARY KEY,
			rule_version    INTEGER NOT NULL DEFAULT 1,
			lunar_month     INTEGER NULL CHECK (lunar_month BETWEEN 1 AND 12),
			lunar_day       INTEGER NULL CHECK (lunar_day BETWEEN 1 AND 30),
			leap_behavior   TEXT NULL CHECK (leap_behavior IN ('never', 'always', 'both')),
			solar_month     INTEGER NULL CHECK (solar_month BETWEEN 1 AND 12),
			solar_day       INTEGER NULL CHECK (solar_day BETWEEN 1 AND 31),
			one_time_date   TEXT NULL,
			solar_term      TEXT NULL,
			generated_until INTEGER NULL,
			updated_at      TEXT NOT NULL,
			CHECK (
				(lunar_month IS NOT NULL AND lunar_day IS NOT NULL) +
				(solar_month IS NOT NULL AND solar_day IS NOT NULL) +
				(one_time_date IS NOT NULL) +
				(solar_term IS NOT NULL) = 1
			)
		);`},
	{"occurrences", `
		CREATE TABLE IF NOT EXISTS occurrences (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
			occurrence_date TEXT NOT NULL,
			year            INTEGER NOT NULL,
			is_leap_month   INTEGER NOT NULL DEFAULT 0,
			rule_version    INTEGER NOT NULL,
			generated_at    TEXT NOT NULL,
			UNIQUE (event_id, occurrence_date)
		);`},
	{"idx_occurrences_event_year", `CREATE INDEX IF NOT EXISTS idx_occurrences_event_year ON occurrences(event_id, year);`},
	{"idx_occurrences_date", `CREATE INDEX IF NOT EXISTS idx_occurrences_date ON occurrences(occurrence_date);`},
	{"lunar_conversion_cache", `
		CREATE TABLE IF NOT EXISTS lunar_conversion_cache (
			lunar_year  INTEGER NOT NULL,
			lunar_month INTEGER NOT NULL,
			lunar_day   INTEGER NOT NULL,
			is_leap     INTEGER NOT NULL,
			solar_dates TEXT NOT NULL,
			source      TEXT NOT NULL,
			cached_at   TEXT NOT NULL,
			PRIMARY KEY (lunar_year, lunar_month, lunar_day, is_leap)
		);`},
	{"generation_errors", `
		CREATE TABLE IF NOT EXISTS generation_errors (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id    TEXT NOT NULL,
			error_type  TEXT NOT NULL,
			message     TEXT NOT NULL,
			retryable   INTEGER NOT NULL,
			context     TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL,
			resolved_at TEXT NULL
		);`},
	{"idx_generation_errors_event", `CREATE INDEX IF NOT EXISTS idx_generation_errors_event ON generation_errors(event_id, occurred_at);`},
	{"maintenance_runs", `
		CREATE TABLE IF NOT EXISTS maintenance_runs (
			seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
			id                    TEXT NOT NULL UNIQUE,
			target_year           INTEGER NOT NULL,
			events_processed      INTEGER NOT NULL DEFAULT 0,
			occurrences_created   INTEGER NOT NULL DEFAULT 0,
			occurrences_deleted   INTEGER NOT NULL DEFAULT 0,
			solar_terms_processed INTEGER NOT NULL DEFAULT 0,
			status                TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
			started_at            TEXT NOT NULL,
			completed_at          TEXT NULL,
			error_message         TEXT NULL
		);`},
	{"solar_terms", `
		CREATE TABLE IF NOT EXISTS solar_terms (
			year      INTEGER NOT NULL,
			name      TEXT NOT NULL,
			term_date TEXT NOT NULL,
			PRIMARY KEY (year, name)
		);`},
}

// Migrate ensures the schema exists and is upgraded to SchemaVersion.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, step := range schemaV1 {
		if _, err := tx.Exec(step.ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", step.name, err)
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?);`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}
	return nil
}
