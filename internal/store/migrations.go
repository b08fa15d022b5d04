package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    algorithm TEXT NOT NULL,
    seed INTEGER NOT NULL,
    calibrated BOOLEAN NOT NULL DEFAULT FALSE,
    train_source TEXT NOT NULL,
    valid_source TEXT NOT NULL,
    train_plots INTEGER,
    valid_plots INTEGER,
    status TEXT NOT NULL DEFAULT 'running',
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS plot_predictions (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    plot_id TEXT NOT NULL,
    stand_id TEXT NOT NULL,
    obs_s REAL,
    obs_p REAL,
    obs_d REAL,
    pred_s REAL,
    pred_p REAL,
    pred_d REAL,
    PRIMARY KEY (run_id, plot_id)
);

CREATE TABLE IF NOT EXISTS stand_aggregates (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    stand_id TEXT NOT NULL,
    plots INTEGER NOT NULL,
    obs_s REAL,
    obs_p REAL,
    obs_d REAL,
    pred_s REAL,
    pred_p REAL,
    pred_d REAL,
    PRIMARY KEY (run_id, stand_id)
);

CREATE TABLE IF NOT EXISTS run_metrics (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    level TEXT NOT NULL,
    class TEXT NOT NULL,
    n INTEGER NOT NULL,
    mean_diff REAL,
    rmse REAL,
    relative_rmse REAL,
    PRIMARY KEY (run_id, level, class)
);
`,
	},
	{
		Version:     2,
		Description: "Calibration coefficients",
		SQL: `
CREATE TABLE IF NOT EXISTS run_calibration (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    class TEXT NOT NULL,
    intercept REAL NOT NULL,
    slope REAL NOT NULL,
    n INTEGER NOT NULL,
    PRIMARY KEY (run_id, class)
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.logger.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
