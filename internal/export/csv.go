// Package export writes derived accuracy data as CSV.
package export

import (
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/lox/forecastaccuracy/internal/models"
)

type MetricRow struct {
	SiteID         string  `csv:"site_id" json:"site_id"`
	ModelID        string  `csv:"model_id" json:"model_id"`
	ParameterID    string  `csv:"parameter_id" json:"parameter_id"`
	Horizon        int     `csv:"horizon" json:"horizon"`
	MAE            float64 `csv:"mae" json:"mae"`
	Bias           float64 `csv:"bias" json:"bias"`
	StdDev         float64 `csv:"std_dev" json:"std_dev"`
	SampleSize     int     `csv:"sample_size" json:"sample_size"`
	MinDeviation   float64 `csv:"min_deviation" json:"min_deviation"`
	MaxDeviation   float64 `csv:"max_deviation" json:"max_deviation"`
	CILower        float64 `csv:"ci_lower" json:"ci_lower"`
	CIUpper        float64 `csv:"ci_upper" json:"ci_upper"`
	Confidence     string  `csv:"confidence" json:"confidence"`
	FirstValidTime string  `csv:"first_valid_time" json:"first_valid_time"`
	LastValidTime  string  `csv:"last_valid_time" json:"last_valid_time"`
	ComputedAt     string  `csv:"computed_at" json:"computed_at"`
}

type DeviationRow struct {
	SiteID        string  `csv:"site_id" json:"site_id"`
	ModelID       string  `csv:"model_id" json:"model_id"`
	ParameterID   string  `csv:"parameter_id" json:"parameter_id"`
	Horizon       int     `csv:"horizon" json:"horizon"`
	ValidTime     string  `csv:"valid_time" json:"valid_time"`
	ForecastValue float64 `csv:"forecast_value" json:"forecast_value"`
	ObservedValue float64 `csv:"observed_value" json:"observed_value"`
	Deviation     float64 `csv:"deviation" json:"deviation"`
	Outlier       bool    `csv:"outlier" json:"outlier"`
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func MetricRows(metrics []models.AccuracyMetric) []MetricRow {
	rows := make([]MetricRow, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, MetricRow{
			SiteID:         m.SiteID,
			ModelID:        m.ModelID,
			ParameterID:    m.ParameterID,
			Horizon:        m.Horizon,
			MAE:            m.MAE,
			Bias:           m.Bias,
			StdDev:         m.StdDev,
			SampleSize:     m.SampleSize,
			MinDeviation:   m.MinDeviation,
			MaxDeviation:   m.MaxDeviation,
			CILower:        m.CILower,
			CIUpper:        m.CIUpper,
			Confidence:     m.Confidence.String(),
			FirstValidTime: stamp(m.FirstValidTime),
			LastValidTime:  stamp(m.LastValidTime),
			ComputedAt:     stamp(m.ComputedAt),
		})
	}
	return rows
}

func DeviationRows(devs []models.Deviation) []DeviationRow {
	rows := make([]DeviationRow, 0, len(devs))
	for _, d := range devs {
		rows = append(rows, DeviationRow{
			SiteID:        d.SiteID,
			ModelID:       d.ModelID,
			ParameterID:   d.ParameterID,
			Horizon:       d.Horizon,
			ValidTime:     stamp(d.ValidTime),
			ForecastValue: d.ForecastValue,
			ObservedValue: d.ObservedValue,
			Deviation:     d.Value,
			Outlier:       d.Outlier,
		})
	}
	return rows
}

// WriteMetrics writes a header and one row per metric.
func WriteMetrics(w io.Writer, metrics []models.AccuracyMetric) error {
	return gocsv.Marshal(MetricRows(metrics), w)
}

// WriteDeviations writes a header and one row per deviation.
func WriteDeviations(w io.Writer, devs []models.Deviation) error {
	return gocsv.Marshal(DeviationRows(devs), w)
}
