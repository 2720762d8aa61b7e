package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lox/forecastaccuracy/internal/models"
)

// UpsertDeviations writes one batch of deviations keyed by
// (site, model, parameter, horizon, valid time). A row is only rewritten when
// something about it changed. Each write is stamped by the store, not the
// caller: computed_at with the store clock and revision with the next value of
// a table-wide counter. The counter is read under SQLite's write lock, so a row
// committed after a reader's snapshot always carries a higher revision than
// anything that reader saw.
func (s *Store) UpsertDeviations(ctx context.Context, devs []models.Deviation) (int, error) {
	written := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		written = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO deviations (
				site_id, model_id, parameter_id, horizon, valid_time, pair_id,
				forecast_value, observed_value, deviation, outlier, computed_at, revision
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(revision), 0) + 1 FROM deviations))
			ON CONFLICT(site_id, model_id, parameter_id, horizon, valid_time) DO UPDATE SET
				pair_id = excluded.pair_id,
				forecast_value = excluded.forecast_value,
				observed_value = excluded.observed_value,
				deviation = excluded.deviation,
				outlier = excluded.outlier,
				computed_at = excluded.computed_at,
				revision = excluded.revision
			WHERE deviations.pair_id IS NOT excluded.pair_id
			   OR deviations.forecast_value IS NOT excluded.forecast_value
			   OR deviations.observed_value IS NOT excluded.observed_value
			   OR deviations.deviation IS NOT excluded.deviation
			   OR deviations.outlier IS NOT excluded.outlier
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		computedAt := formatTime(s.now())
		for _, d := range devs {
			res, err := stmt.ExecContext(ctx,
				d.SiteID, d.ModelID, d.ParameterID, d.Horizon, formatTime(d.ValidTime), d.PairID,
				d.ForecastValue, d.ObservedValue, d.Value, d.Outlier, computedAt)
			if err != nil {
				return fmt.Errorf("upsert deviation for pair %d: %w", d.PairID, err)
			}
			n, _ := res.RowsAffected()
			written += int(n)
		}
		return nil
	})
	return written, err
}

// DeviationQuery filters ListDeviations. Empty strings, a nil Horizon and zero
// times are ignored. Start is inclusive, End exclusive.
type DeviationQuery struct {
	SiteID      string
	ModelID     string
	ParameterID string
	Horizon     *int
	Start       time.Time
	End         time.Time
	Limit       int
}

// KeyQuery filters on exactly one aggregation key.
func KeyQuery(key models.MetricKey) DeviationQuery {
	h := key.Horizon
	return DeviationQuery{SiteID: key.SiteID, ModelID: key.ModelID, ParameterID: key.ParameterID, Horizon: &h}
}

func (q DeviationQuery) where() (string, []any) {
	var conds []string
	var args []any
	if q.SiteID != "" {
		conds = append(conds, "site_id = ?")
		args = append(args, q.SiteID)
	}
	if q.ModelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, q.ModelID)
	}
	if q.ParameterID != "" {
		conds = append(conds, "parameter_id = ?")
		args = append(args, q.ParameterID)
	}
	if q.Horizon != nil {
		conds = append(conds, "horizon = ?")
		args = append(args, *q.Horizon)
	}
	if !q.Start.IsZero() {
		conds = append(conds, "valid_time >= ?")
		args = append(args, formatTime(q.Start))
	}
	if !q.End.IsZero() {
		conds = append(conds, "valid_time < ?")
		args = append(args, formatTime(q.End))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// ListDeviations returns matching deviations ordered by valid time, which keeps
// every reduction over them deterministic.
func (s *Store) ListDeviations(ctx context.Context, q DeviationQuery) ([]models.Deviation, error) {
	where, args := q.where()
	query := `
		SELECT site_id, model_id, parameter_id, horizon, valid_time, pair_id,
		       forecast_value, observed_value, deviation, outlier, computed_at, revision
		FROM deviations ` + where + `
		ORDER BY valid_time, site_id, model_id, parameter_id, horizon`
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devs []models.Deviation
	for rows.Next() {
		var d models.Deviation
		var valid, computed string
		if err := rows.Scan(&d.SiteID, &d.ModelID, &d.ParameterID, &d.Horizon, &valid, &d.PairID,
			&d.ForecastValue, &d.ObservedValue, &d.Value, &d.Outlier, &computed, &d.Revision); err != nil {
			return nil, err
		}
		if d.ValidTime, err = parseTime(valid); err != nil {
			return nil, err
		}
		if d.ComputedAt, err = parseTime(computed); err != nil {
			return nil, err
		}
		devs = append(devs, d)
	}
	return devs, rows.Err()
}

// DeviationKeys lists the distinct aggregation keys present for a site, or for
// every site when siteID is empty.
func (s *Store) DeviationKeys(ctx context.Context, siteID string) ([]models.MetricKey, error) {
	where, args := DeviationQuery{SiteID: siteID}.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT site_id, model_id, parameter_id, horizon
		FROM deviations `+where+`
		ORDER BY site_id, model_id, parameter_id, horizon`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.MetricKey
	for rows.Next() {
		var k models.MetricKey
		if err := rows.Scan(&k.SiteID, &k.ModelID, &k.ParameterID, &k.Horizon); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeviationRevision returns the highest revision among the deviations of a key
// in [start, end). ok is false when there are none.
func (s *Store) DeviationRevision(ctx context.Context, key models.MetricKey, start, end time.Time) (revision int64, ok bool, err error) {
	q := KeyQuery(key)
	q.Start, q.End = start, end
	where, args := q.where()

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(revision) FROM deviations `+where, args...).Scan(&latest); err != nil {
		return 0, false, err
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return latest.Int64, true, nil
}
