package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/forecastaccuracy/internal/models"
)

// UpsertPairs writes one batch of matched pairs in a single transaction and
// returns how many rows were inserted or re-pointed.
//
// A forecast owns at most one pair. An existing pair is only replaced when the
// new observation is strictly closer to the valid time, or equally close with a
// lower observation id, so re-running the matcher over unchanged data is a no-op.
func (s *Store) UpsertPairs(ctx context.Context, pairs []models.MatchedPair) (int, error) {
	written := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		written = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO matched_pairs (
				forecast_id, observation_id, site_id, model_id, parameter_id,
				forecast_run, valid_time, observation_time, horizon, time_diff_seconds,
				forecast_value, observed_value
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(forecast_id) DO UPDATE SET
				observation_id = excluded.observation_id,
				observation_time = excluded.observation_time,
				time_diff_seconds = excluded.time_diff_seconds,
				observed_value = excluded.observed_value
			WHERE ABS(excluded.time_diff_seconds) < ABS(matched_pairs.time_diff_seconds)
			   OR (ABS(excluded.time_diff_seconds) = ABS(matched_pairs.time_diff_seconds)
			       AND excluded.observation_id < matched_pairs.observation_id)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range pairs {
			res, err := stmt.ExecContext(ctx,
				p.ForecastID, p.ObservationID, p.SiteID, p.ModelID, p.ParameterID,
				formatTime(p.ForecastRun), formatTime(p.ValidTime), formatTime(p.ObservationTime),
				p.Horizon, int64(p.TimeDiff/time.Second),
				p.ForecastValue, p.ObservedValue)
			if err != nil {
				return fmt.Errorf("upsert pair for forecast %d: %w", p.ForecastID, err)
			}
			n, _ := res.RowsAffected()
			written += int(n)
		}
		return nil
	})
	return written, err
}

// PairsInRange returns the pairs of a site whose valid time is in [start, end),
// oldest forecast run first.
func (s *Store) PairsInRange(ctx context.Context, siteID string, start, end time.Time) ([]models.MatchedPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, forecast_id, observation_id, site_id, model_id, parameter_id,
		       forecast_run, valid_time, observation_time, horizon, time_diff_seconds,
		       forecast_value, observed_value
		FROM matched_pairs
		WHERE site_id = ? AND valid_time >= ? AND valid_time < ?
		ORDER BY forecast_run, valid_time, id
	`, siteID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []models.MatchedPair
	for rows.Next() {
		var p models.MatchedPair
		var run, valid, observed string
		var diffSeconds int64
		if err := rows.Scan(&p.ID, &p.ForecastID, &p.ObservationID, &p.SiteID, &p.ModelID, &p.ParameterID,
			&run, &valid, &observed, &p.Horizon, &diffSeconds,
			&p.ForecastValue, &p.ObservedValue); err != nil {
			return nil, err
		}
		if p.ForecastRun, err = parseTime(run); err != nil {
			return nil, err
		}
		if p.ValidTime, err = parseTime(valid); err != nil {
			return nil, err
		}
		if p.ObservationTime, err = parseTime(observed); err != nil {
			return nil, err
		}
		p.TimeDiff = time.Duration(diffSeconds) * time.Second
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
