package store

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Forecast and observation inputs",
		SQL: `
CREATE TABLE IF NOT EXISTS parameters (
    parameter_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK (kind IN ('linear', 'circular')),
    unit TEXT NOT NULL DEFAULT '',
    outlier_threshold REAL
);

CREATE TABLE IF NOT EXISTS forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    parameter_id TEXT NOT NULL,
    forecast_run TEXT NOT NULL,
    valid_time TEXT NOT NULL,
    value REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(site_id, model_id, parameter_id, forecast_run, valid_time)
);

CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id TEXT NOT NULL,
    parameter_id TEXT NOT NULL,
    observation_time TEXT NOT NULL,
    value REAL,
    source TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(site_id, parameter_id, observation_time, source)
);

CREATE INDEX IF NOT EXISTS idx_forecasts_site_valid ON forecasts(site_id, valid_time);
CREATE INDEX IF NOT EXISTS idx_obs_site_time ON observations(site_id, observation_time);
`,
	},
	{
		Version:     2,
		Description: "Matched pairs and deviations",
		SQL: `
CREATE TABLE IF NOT EXISTS matched_pairs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    forecast_id INTEGER NOT NULL UNIQUE REFERENCES forecasts(id),
    observation_id INTEGER NOT NULL REFERENCES observations(id),
    site_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    parameter_id TEXT NOT NULL,
    forecast_run TEXT NOT NULL,
    valid_time TEXT NOT NULL,
    observation_time TEXT NOT NULL,
    horizon INTEGER NOT NULL CHECK (horizon >= 0),
    time_diff_seconds INTEGER NOT NULL,
    forecast_value REAL,
    observed_value REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pairs_site_valid ON matched_pairs(site_id, valid_time);

CREATE TABLE IF NOT EXISTS deviations (
    site_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    parameter_id TEXT NOT NULL,
    horizon INTEGER NOT NULL,
    valid_time TEXT NOT NULL,
    pair_id INTEGER NOT NULL REFERENCES matched_pairs(id),
    forecast_value REAL NOT NULL,
    observed_value REAL NOT NULL,
    deviation REAL NOT NULL,
    outlier BOOLEAN NOT NULL DEFAULT FALSE,
    computed_at TEXT NOT NULL,
    PRIMARY KEY (site_id, model_id, parameter_id, horizon, valid_time)
);
`,
	},
	{
		Version:     3,
		Description: "Accuracy metrics",
		SQL: `
CREATE TABLE IF NOT EXISTS accuracy_metrics (
    model_id TEXT NOT NULL,
    site_id TEXT NOT NULL,
    parameter_id TEXT NOT NULL,
    horizon INTEGER NOT NULL,
    mae REAL NOT NULL,
    bias REAL NOT NULL,
    std_dev REAL NOT NULL,
    sample_size INTEGER NOT NULL,
    min_deviation REAL NOT NULL,
    max_deviation REAL NOT NULL,
    ci_lower REAL NOT NULL,
    ci_upper REAL NOT NULL,
    confidence TEXT NOT NULL,
    first_valid_time TEXT NOT NULL,
    last_valid_time TEXT NOT NULL,
    computed_at TEXT NOT NULL,
    PRIMARY KEY (model_id, site_id, parameter_id, horizon)
);
`,
	},
	{
		Version:     4,
		Description: "Rollups and job history",
		SQL: `
CREATE TABLE IF NOT EXISTS rollups (
    site_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    parameter_id TEXT NOT NULL,
    horizon INTEGER NOT NULL,
    granularity TEXT NOT NULL CHECK (granularity IN ('day', 'week', 'month')),
    bucket_start TEXT NOT NULL,
    bucket_end TEXT NOT NULL,
    mae REAL NOT NULL,
    bias REAL NOT NULL,
    std_dev REAL NOT NULL,
    sample_size INTEGER NOT NULL,
    refreshed_at TEXT NOT NULL,
    PRIMARY KEY (site_id, model_id, parameter_id, horizon, granularity, bucket_start)
);

CREATE TABLE IF NOT EXISTS job_runs (
    id TEXT NOT NULL,
    job TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL,
    scope TEXT NOT NULL DEFAULT '',
    items INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    PRIMARY KEY (id, started_at)
);

CREATE INDEX IF NOT EXISTS idx_job_runs_started ON job_runs(started_at);
`,
	},
	{
		Version:     5,
		Description: "Seed parameter catalog",
		SQL: `
INSERT INTO parameters (parameter_id, kind, unit, outlier_threshold) VALUES
    ('temperature', 'linear', 'degC', 10),
    ('temp_max', 'linear', 'degC', 10),
    ('temp_min', 'linear', 'degC', 10),
    ('dewpoint', 'linear', 'degC', 10),
    ('wind_speed', 'linear', 'm/s', 15),
    ('wind_gust', 'linear', 'm/s', 20),
    ('wind_direction', 'circular', 'deg', 90),
    ('pressure', 'linear', 'hPa', 15),
    ('humidity', 'linear', '%', 40),
    ('precipitation', 'linear', 'mm', 50)
ON CONFLICT(parameter_id) DO NOTHING;
`,
	},
	{
		Version:     6,
		Description: "Deviation revisions for rollup freshness",
		SQL: `
ALTER TABLE deviations ADD COLUMN revision INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS idx_deviations_revision ON deviations(revision);
ALTER TABLE rollups ADD COLUMN source_revision INTEGER NOT NULL DEFAULT 0;
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

		s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

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
			m.Version, m.Description, formatTime(time.Now()),
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
			applied_at TEXT
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
