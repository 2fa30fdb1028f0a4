package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE operations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_id TEXT,
					kind TEXT NOT NULL,
					source TEXT NOT NULL,
					destination TEXT NOT NULL,
					format TEXT,
					level INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_kind TEXT,
					error_message TEXT,
					total_bytes INTEGER DEFAULT 0,
					processed_bytes INTEGER DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME
				);

				CREATE INDEX idx_operations_kind ON operations(kind, start_time);

				CREATE TABLE feature_flags (
					name TEXT PRIMARY KEY,
					enabled BOOLEAN NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL
				);
			`,
		},
		{
			version: 2,
			sql: `
				ALTER TABLE operations ADD COLUMN strategy TEXT DEFAULT '';
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
