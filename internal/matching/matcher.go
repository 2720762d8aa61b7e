package matching

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/forecastaccuracy/internal/metrics"
	"github.com/lox/forecastaccuracy/internal/models"
)

// Store is the slice of storage the matcher needs.
type Store interface {
	ForecastsInRange(ctx context.Context, siteID string, start, end time.Time) ([]models.ForecastRecord, error)
	ObservationsInRange(ctx context.Context, siteID string, start, end time.Time) ([]models.ObservationRecord, error)
	UpsertPairs(ctx context.Context, pairs []models.MatchedPair) (int, error)
}

type Matcher struct {
	store     Store
	batchSize int
	logger    *slog.Logger
}

func New(store Store, batchSize int, logger *slog.Logger) *Matcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: store, batchSize: batchSize, logger: logger.With("component", "matcher")}
}

// Request selects forecasts with valid time in [Start, End). A zero Tolerance
// means DefaultTolerance.
type Request struct {
	SiteID    string
	Start     time.Time
	End       time.Time
	Tolerance time.Duration
}

func (r Request) validate() error {
	if err := ValidateSiteID(r.SiteID); err != nil {
		return err
	}
	if r.Start.IsZero() || r.End.IsZero() || !r.End.After(r.Start) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidRange, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if r.Tolerance < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTolerance, r.Tolerance)
	}
	return nil
}

type Result struct {
	Forecasts    int
	Observations int
	Pairs        int // forecasts with an observation in the window
	Written      int // pairs inserted or re-pointed
	Unmatched    int
	Skipped      int // forecasts whose valid time precedes their run
	Batches      int
}

// Run matches one site and range and persists the pairs batch by batch. A
// failed batch aborts the run but leaves earlier batches committed.
func (m *Matcher) Run(ctx context.Context, req Request) (Result, error) {
	var res Result
	if err := req.validate(); err != nil {
		return res, err
	}
	tolerance := req.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}

	forecasts, err := m.store.ForecastsInRange(ctx, req.SiteID, req.Start, req.End)
	if err != nil {
		return res, fmt.Errorf("load forecasts: %w", err)
	}
	res.Forecasts = len(forecasts)
	if len(forecasts) == 0 {
		return res, nil
	}

	valid := forecasts[:0:0]
	for _, f := range forecasts {
		if f.ValidTime.Before(f.ForecastRun) {
			m.logger.Warn("forecast valid time precedes its run, skipping",
				"site", f.SiteID, "model", f.ModelID, "parameter", f.ParameterID,
				"forecast_id", f.ID, "forecast_run", f.ForecastRun, "valid_time", f.ValidTime)
			res.Skipped++
			continue
		}
		valid = append(valid, f)
	}

	observations, err := m.store.ObservationsInRange(ctx, req.SiteID, req.Start.Add(-tolerance), req.End.Add(tolerance))
	if err != nil {
		return res, fmt.Errorf("load observations: %w", err)
	}
	res.Observations = len(observations)

	pairs := Match(valid, observations, tolerance)
	res.Pairs = len(pairs)
	res.Unmatched = len(valid) - len(pairs)

	for start := 0; start < len(pairs); start += m.batchSize {
		end := min(start+m.batchSize, len(pairs))
		n, err := m.store.UpsertPairs(ctx, pairs[start:end])
		if err != nil {
			return res, fmt.Errorf("write pair batch %d: %w", res.Batches+1, err)
		}
		res.Written += n
		res.Batches++
	}

	metrics.PairsMatched.WithLabelValues(req.SiteID).Add(float64(res.Written))
	metrics.ForecastsUnmatched.WithLabelValues(req.SiteID).Add(float64(res.Unmatched))

	m.logger.Info("matched forecasts",
		"site", req.SiteID,
		"start", req.Start, "end", req.End,
		"forecasts", res.Forecasts, "observations", res.Observations,
		"pairs", res.Pairs, "written", res.Written, "unmatched", res.Unmatched,
		"skipped", res.Skipped, "batches", res.Batches)
	return res, nil
}
