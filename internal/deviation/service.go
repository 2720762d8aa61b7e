package deviation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/forecastaccuracy/internal/matching"
	"github.com/lox/forecastaccuracy/internal/metrics"
	"github.com/lox/forecastaccuracy/internal/models"
)

type Store interface {
	PairsInRange(ctx context.Context, siteID string, start, end time.Time) ([]models.MatchedPair, error)
	Parameters(ctx context.Context) (map[string]models.Parameter, error)
	UpsertDeviations(ctx context.Context, devs []models.Deviation) (int, error)
}

type Service struct {
	store     Store
	calc      *Calculator
	batchSize int
	logger    *slog.Logger
}

func NewService(store Store, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = matching.DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "deviation")
	return &Service{
		store:     store,
		calc:      NewCalculator(logger),
		batchSize: batchSize,
		logger:    logger,
	}
}

// Request selects pairs with valid time in [Start, End).
type Request struct {
	SiteID string
	Start  time.Time
	End    time.Time
}

type Result struct {
	Pairs    int
	Written  int // deviations inserted or changed
	Skipped  int // pairs with a missing value
	Outliers int
	Batches  int
	// Keys lists every aggregation key that received a deviation, in first-seen order.
	Keys []models.MetricKey
}

// Run computes deviations for every pair in range. Several forecast runs can
// round to the same horizon for one valid time; pairs are read oldest run
// first so the latest run owns the shared key.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	var res Result
	if err := matching.ValidateSiteID(req.SiteID); err != nil {
		return res, err
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		return res, fmt.Errorf("%w: %s to %s", matching.ErrInvalidRange, req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}

	pairs, err := s.store.PairsInRange(ctx, req.SiteID, req.Start, req.End)
	if err != nil {
		return res, fmt.Errorf("load pairs: %w", err)
	}
	res.Pairs = len(pairs)
	if len(pairs) == 0 {
		return res, nil
	}

	params, err := s.store.Parameters(ctx)
	if err != nil {
		return res, fmt.Errorf("load parameters: %w", err)
	}

	unknown := make(map[string]bool)

	type rowKey struct {
		key   models.MetricKey
		valid time.Time
	}
	index := make(map[rowKey]int)
	seenKeys := make(map[models.MetricKey]bool)
	var devs []models.Deviation

	for _, p := range pairs {
		param, ok := params[p.ParameterID]
		if !ok {
			if !unknown[p.ParameterID] {
				unknown[p.ParameterID] = true
				s.logger.Warn("unknown parameter, treating as linear without outlier threshold", "parameter", p.ParameterID)
			}
			param = models.Parameter{ParameterID: p.ParameterID, Kind: models.KindLinear}
		}

		d, ok := s.calc.Compute(p, param)
		if !ok {
			res.Skipped++
			metrics.PairsSkipped.WithLabelValues(p.SiteID, "missing_value").Inc()
			continue
		}

		rk := rowKey{d.Key(), d.ValidTime.UTC()}
		if i, exists := index[rk]; exists {
			devs[i] = d
		} else {
			index[rk] = len(devs)
			devs = append(devs, d)
		}
		if !seenKeys[d.Key()] {
			seenKeys[d.Key()] = true
			res.Keys = append(res.Keys, d.Key())
		}
	}

	for _, d := range devs {
		if d.Outlier {
			res.Outliers++
			metrics.Outliers.WithLabelValues(d.SiteID, d.ParameterID).Inc()
		}
	}

	for start := 0; start < len(devs); start += s.batchSize {
		end := min(start+s.batchSize, len(devs))
		n, err := s.store.UpsertDeviations(ctx, devs[start:end])
		if err != nil {
			return res, fmt.Errorf("write deviation batch %d: %w", res.Batches+1, err)
		}
		res.Written += n
		res.Batches++
	}
	metrics.DeviationsWritten.WithLabelValues(req.SiteID).Add(float64(res.Written))

	s.logger.Info("computed deviations",
		"site", req.SiteID, "start", req.Start, "end", req.End,
		"pairs", res.Pairs, "written", res.Written, "skipped", res.Skipped,
		"outliers", res.Outliers, "keys", len(res.Keys), "batches", res.Batches)
	return res, nil
}
