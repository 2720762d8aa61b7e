package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/forecastaccuracy/internal/models"
)

// timeLayout is how every timestamp column is written: UTC, second precision,
// so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05Z"

type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	retryTimeout time.Duration
	now          func() time.Time
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store"), retryTimeout: 30 * time.Second, now: time.Now}
}

// SetClock replaces the clock used to stamp writes.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Open opens a SQLite database with WAL and a busy timeout so concurrent batch
// writers wait instead of failing immediately.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (sql.NullTime, error) {
	if !v.Valid {
		return sql.NullTime{}, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

// inTx runs fn in a single transaction, retrying the whole transaction on
// transient lock errors.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// InsertForecasts stores collector output. Duplicates of an existing
// (site, model, parameter, run, valid time) row are ignored.
func (s *Store) InsertForecasts(ctx context.Context, forecasts []models.ForecastRecord) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO forecasts (site_id, model_id, parameter_id, forecast_run, valid_time, value)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(site_id, model_id, parameter_id, forecast_run, valid_time) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range forecasts {
			res, err := stmt.ExecContext(ctx, f.SiteID, f.ModelID, f.ParameterID, formatTime(f.ForecastRun), formatTime(f.ValidTime), f.Value)
			if err != nil {
				return fmt.Errorf("insert forecast %s/%s/%s: %w", f.SiteID, f.ModelID, f.ParameterID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	return inserted, err
}

// InsertObservations stores collector output, ignoring exact duplicates.
func (s *Store) InsertObservations(ctx context.Context, observations []models.ObservationRecord) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO observations (site_id, parameter_id, observation_time, value, source)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(site_id, parameter_id, observation_time, source) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, o := range observations {
			res, err := stmt.ExecContext(ctx, o.SiteID, o.ParameterID, formatTime(o.ObservationTime), o.Value, o.Source)
			if err != nil {
				return fmt.Errorf("insert observation %s/%s: %w", o.SiteID, o.ParameterID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	return inserted, err
}

// ForecastsInRange returns forecasts for a site whose valid time is in [start, end).
func (s *Store) ForecastsInRange(ctx context.Context, siteID string, start, end time.Time) ([]models.ForecastRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, model_id, parameter_id, forecast_run, valid_time, value
		FROM forecasts
		WHERE site_id = ? AND valid_time >= ? AND valid_time < ?
		ORDER BY parameter_id, valid_time, forecast_run, id
	`, siteID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forecasts []models.ForecastRecord
	for rows.Next() {
		var f models.ForecastRecord
		var run, valid string
		if err := rows.Scan(&f.ID, &f.SiteID, &f.ModelID, &f.ParameterID, &run, &valid, &f.Value); err != nil {
			return nil, err
		}
		if f.ForecastRun, err = parseTime(run); err != nil {
			return nil, err
		}
		if f.ValidTime, err = parseTime(valid); err != nil {
			return nil, err
		}
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}

// ObservationsInRange returns observations for a site in [start, end], both inclusive.
func (s *Store) ObservationsInRange(ctx context.Context, siteID string, start, end time.Time) ([]models.ObservationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, site_id, parameter_id, observation_time, value, source
		FROM observations
		WHERE site_id = ? AND observation_time >= ? AND observation_time <= ?
		ORDER BY parameter_id, observation_time, id
	`, siteID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.ObservationRecord
	for rows.Next() {
		var o models.ObservationRecord
		var at string
		if err := rows.Scan(&o.ID, &o.SiteID, &o.ParameterID, &at, &o.Value, &o.Source); err != nil {
			return nil, err
		}
		if o.ObservationTime, err = parseTime(at); err != nil {
			return nil, err
		}
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

// Sites lists every site that has at least one forecast.
func (s *Store) Sites(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT site_id FROM forecasts ORDER BY site_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}
