package store

import (
	"context"
	"database/sql"

	"github.com/lox/forecastaccuracy/internal/models"
)

// UpsertAccuracyMetric replaces the stored metric for its key wholesale.
func (s *Store) UpsertAccuracyMetric(ctx context.Context, m models.AccuracyMetric) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO accuracy_metrics (
				model_id, site_id, parameter_id, horizon,
				mae, bias, std_dev, sample_size, min_deviation, max_deviation,
				ci_lower, ci_upper, confidence, first_valid_time, last_valid_time, computed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(model_id, site_id, parameter_id, horizon) DO UPDATE SET
				mae = excluded.mae,
				bias = excluded.bias,
				std_dev = excluded.std_dev,
				sample_size = excluded.sample_size,
				min_deviation = excluded.min_deviation,
				max_deviation = excluded.max_deviation,
				ci_lower = excluded.ci_lower,
				ci_upper = excluded.ci_upper,
				confidence = excluded.confidence,
				first_valid_time = excluded.first_valid_time,
				last_valid_time = excluded.last_valid_time,
				computed_at = excluded.computed_at
		`, m.ModelID, m.SiteID, m.ParameterID, m.Horizon,
			m.MAE, m.Bias, m.StdDev, m.SampleSize, m.MinDeviation, m.MaxDeviation,
			m.CILower, m.CIUpper, m.Confidence, formatTime(m.FirstValidTime), formatTime(m.LastValidTime), formatTime(m.ComputedAt))
		return err
	})
}

func (s *Store) DeleteAccuracyMetric(ctx context.Context, key models.MetricKey) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM accuracy_metrics
			WHERE model_id = ? AND site_id = ? AND parameter_id = ? AND horizon = ?
		`, key.ModelID, key.SiteID, key.ParameterID, key.Horizon)
		return err
	})
}

const accuracyColumns = `model_id, site_id, parameter_id, horizon,
	mae, bias, std_dev, sample_size, min_deviation, max_deviation,
	ci_lower, ci_upper, confidence, first_valid_time, last_valid_time, computed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccuracyMetric(row rowScanner) (models.AccuracyMetric, error) {
	var m models.AccuracyMetric
	var first, last, computed string
	if err := row.Scan(&m.ModelID, &m.SiteID, &m.ParameterID, &m.Horizon,
		&m.MAE, &m.Bias, &m.StdDev, &m.SampleSize, &m.MinDeviation, &m.MaxDeviation,
		&m.CILower, &m.CIUpper, &m.Confidence, &first, &last, &computed); err != nil {
		return m, err
	}
	var err error
	if m.FirstValidTime, err = parseTime(first); err != nil {
		return m, err
	}
	if m.LastValidTime, err = parseTime(last); err != nil {
		return m, err
	}
	if m.ComputedAt, err = parseTime(computed); err != nil {
		return m, err
	}
	return m, nil
}

// GetAccuracyMetric returns nil when the key has never been aggregated.
func (s *Store) GetAccuracyMetric(ctx context.Context, key models.MetricKey) (*models.AccuracyMetric, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accuracyColumns+`
		FROM accuracy_metrics
		WHERE model_id = ? AND site_id = ? AND parameter_id = ? AND horizon = ?
	`, key.ModelID, key.SiteID, key.ParameterID, key.Horizon)

	m, err := scanAccuracyMetric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListAccuracyMetrics returns the metrics of one site, or all when siteID is empty.
func (s *Store) ListAccuracyMetrics(ctx context.Context, siteID string) ([]models.AccuracyMetric, error) {
	query := `SELECT ` + accuracyColumns + ` FROM accuracy_metrics`
	var args []any
	if siteID != "" {
		query += ` WHERE site_id = ?`
		args = append(args, siteID)
	}
	query += ` ORDER BY site_id, model_id, parameter_id, horizon`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.AccuracyMetric
	for rows.Next() {
		m, err := scanAccuracyMetric(rows)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
