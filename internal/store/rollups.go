package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/forecastaccuracy/internal/models"
)

func (s *Store) UpsertRollup(ctx context.Context, r models.Rollup) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rollups (
				site_id, model_id, parameter_id, horizon, granularity, bucket_start, bucket_end,
				mae, bias, std_dev, sample_size, refreshed_at, source_revision
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(site_id, model_id, parameter_id, horizon, granularity, bucket_start) DO UPDATE SET
				bucket_end = excluded.bucket_end,
				mae = excluded.mae,
				bias = excluded.bias,
				std_dev = excluded.std_dev,
				sample_size = excluded.sample_size,
				refreshed_at = excluded.refreshed_at,
				source_revision = excluded.source_revision
		`, r.SiteID, r.ModelID, r.ParameterID, r.Horizon, r.Granularity, formatTime(r.BucketStart), formatTime(r.BucketEnd),
			r.MAE, r.Bias, r.StdDev, r.SampleSize, formatTime(r.RefreshedAt), r.SourceRevision)
		return err
	})
}

func (s *Store) DeleteRollup(ctx context.Context, key models.MetricKey, g models.Granularity, bucketStart time.Time) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM rollups
			WHERE site_id = ? AND model_id = ? AND parameter_id = ? AND horizon = ? AND granularity = ? AND bucket_start = ?
		`, key.SiteID, key.ModelID, key.ParameterID, key.Horizon, g, formatTime(bucketStart))
		return err
	})
}

const rollupColumns = `site_id, model_id, parameter_id, horizon, granularity, bucket_start, bucket_end,
	mae, bias, std_dev, sample_size, refreshed_at, source_revision`

func scanRollup(row rowScanner) (models.Rollup, error) {
	var r models.Rollup
	var start, end, refreshed string
	if err := row.Scan(&r.SiteID, &r.ModelID, &r.ParameterID, &r.Horizon, &r.Granularity, &start, &end,
		&r.MAE, &r.Bias, &r.StdDev, &r.SampleSize, &refreshed, &r.SourceRevision); err != nil {
		return r, err
	}
	var err error
	if r.BucketStart, err = parseTime(start); err != nil {
		return r, err
	}
	if r.BucketEnd, err = parseTime(end); err != nil {
		return r, err
	}
	if r.RefreshedAt, err = parseTime(refreshed); err != nil {
		return r, err
	}
	return r, nil
}

// GetRollup returns nil when the bucket has never been refreshed.
func (s *Store) GetRollup(ctx context.Context, key models.MetricKey, g models.Granularity, bucketStart time.Time) (*models.Rollup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rollupColumns+`
		FROM rollups
		WHERE site_id = ? AND model_id = ? AND parameter_id = ? AND horizon = ? AND granularity = ? AND bucket_start = ?
	`, key.SiteID, key.ModelID, key.ParameterID, key.Horizon, g, formatTime(bucketStart))

	r, err := scanRollup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRollups returns stored buckets of a key starting in [start, end).
func (s *Store) ListRollups(ctx context.Context, key models.MetricKey, g models.Granularity, start, end time.Time) ([]models.Rollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rollupColumns+`
		FROM rollups
		WHERE site_id = ? AND model_id = ? AND parameter_id = ? AND horizon = ? AND granularity = ?
		  AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start
	`, key.SiteID, key.ModelID, key.ParameterID, key.Horizon, g, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollups []models.Rollup
	for rows.Next() {
		r, err := scanRollup(rows)
		if err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}
