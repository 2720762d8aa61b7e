package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/lox/forecastaccuracy/internal/models"
)

const upsertParameterSQL = `
	INSERT INTO parameters (parameter_id, kind, unit, outlier_threshold)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(parameter_id) DO UPDATE SET
		kind = excluded.kind,
		unit = excluded.unit,
		outlier_threshold = excluded.outlier_threshold`

func (s *Store) UpsertParameter(ctx context.Context, p models.Parameter) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, upsertParameterSQL, p.ParameterID, p.Kind, p.Unit, p.OutlierThreshold)
		return err
	})
}

// Parameters returns the parameter catalog keyed by parameter id.
func (s *Store) Parameters(ctx context.Context) (map[string]models.Parameter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT parameter_id, kind, unit, outlier_threshold FROM parameters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	params := make(map[string]models.Parameter)
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.ParameterID, &p.Kind, &p.Unit, &p.OutlierThreshold); err != nil {
			return nil, err
		}
		params[p.ParameterID] = p
	}
	return params, rows.Err()
}

type parameterRow struct {
	ParameterID      string `csv:"parameter_id"`
	Kind             string `csv:"kind"`
	Unit             string `csv:"unit"`
	OutlierThreshold string `csv:"outlier_threshold"`
}

// LoadParametersCSV upserts catalog rows from a CSV with the header
// parameter_id,kind,unit,outlier_threshold. An empty threshold disables
// outlier flagging for that parameter. The file loads in one transaction, so a
// bad row leaves the catalog unchanged.
func (s *Store) LoadParametersCSV(ctx context.Context, r io.Reader) (int, error) {
	var rows []parameterRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, fmt.Errorf("parse parameters csv: %w", err)
	}

	var params []models.Parameter
	for _, row := range rows {
		if row.ParameterID == "" {
			continue
		}
		kind, err := models.ParseParameterKind(row.Kind)
		if err != nil {
			return 0, fmt.Errorf("parameter %s: %w", row.ParameterID, err)
		}
		p := models.Parameter{ParameterID: row.ParameterID, Kind: kind, Unit: row.Unit}
		if v := strings.TrimSpace(row.OutlierThreshold); v != "" {
			threshold, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, fmt.Errorf("parameter %s: outlier_threshold: %w", row.ParameterID, err)
			}
			p.OutlierThreshold = sql.NullFloat64{Float64: threshold, Valid: true}
		}
		params = append(params, p)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertParameterSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range params {
			if _, err := stmt.ExecContext(ctx, p.ParameterID, p.Kind, p.Unit, p.OutlierThreshold); err != nil {
				return fmt.Errorf("upsert parameter %s: %w", p.ParameterID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(params), nil
}
