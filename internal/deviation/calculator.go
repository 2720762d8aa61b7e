// Package deviation turns matched pairs into signed forecast errors.
package deviation

import (
	"log/slog"
	"math"

	"github.com/lox/forecastaccuracy/internal/models"
)

// Linear returns observed - forecast. Positive means the model underestimated.
func Linear(forecast, observed float64) float64 {
	return observed - forecast
}

// Circular returns the shortest signed angle from forecast to observed, in
// degrees, within (-180, 180]. A half-turn is always reported as +180.
func Circular(forecast, observed float64) float64 {
	diff := math.Mod(observed-forecast, 360)
	switch {
	case diff > 180:
		diff -= 360
	case diff <= -180:
		diff += 360
	}
	return diff
}

// Calculate computes the deviation of a pair. ok is false when either value is
// missing.
func Calculate(pair models.MatchedPair, kind models.ParameterKind) (float64, bool) {
	if !pair.ForecastValue.Valid || !pair.ObservedValue.Valid {
		return 0, false
	}
	f, o := pair.ForecastValue.Float64, pair.ObservedValue.Float64
	if kind == models.KindCircular {
		return Circular(f, o), true
	}
	return Linear(f, o), true
}

type Calculator struct {
	logger *slog.Logger
}

func NewCalculator(logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{logger: logger}
}

// Compute builds the deviation record for a pair. Pairs with a missing value
// are logged and yield ok=false. Outliers are flagged and logged but still
// returned.
func (c *Calculator) Compute(pair models.MatchedPair, param models.Parameter) (models.Deviation, bool) {
	value, ok := Calculate(pair, param.Kind)
	if !ok {
		c.logger.Warn("pair has a missing value, skipping",
			"site", pair.SiteID, "model", pair.ModelID, "parameter", pair.ParameterID,
			"pair_id", pair.ID, "valid_time", pair.ValidTime,
			"forecast_missing", !pair.ForecastValue.Valid, "observed_missing", !pair.ObservedValue.Valid)
		return models.Deviation{}, false
	}

	d := models.Deviation{
		SiteID:        pair.SiteID,
		ModelID:       pair.ModelID,
		ParameterID:   pair.ParameterID,
		Horizon:       pair.Horizon,
		ValidTime:     pair.ValidTime,
		PairID:        pair.ID,
		ForecastValue: pair.ForecastValue.Float64,
		ObservedValue: pair.ObservedValue.Float64,
		Value:         value,
	}
	if param.OutlierThreshold.Valid && math.Abs(value) > param.OutlierThreshold.Float64 {
		d.Outlier = true
		c.logger.Warn("outlier deviation",
			"site", pair.SiteID, "model", pair.ModelID, "parameter", pair.ParameterID,
			"horizon", pair.Horizon, "valid_time", pair.ValidTime,
			"deviation", value, "threshold", param.OutlierThreshold.Float64)
	}
	return d, true
}
