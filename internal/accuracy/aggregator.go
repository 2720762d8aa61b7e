package accuracy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/forecastaccuracy/internal/matching"
	"github.com/lox/forecastaccuracy/internal/metrics"
	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
)

const DefaultConcurrency = 4

type Store interface {
	ListDeviations(ctx context.Context, q store.DeviationQuery) ([]models.Deviation, error)
	DeviationKeys(ctx context.Context, siteID string) ([]models.MetricKey, error)
	UpsertAccuracyMetric(ctx context.Context, m models.AccuracyMetric) error
	DeleteAccuracyMetric(ctx context.Context, key models.MetricKey) error
}

type Aggregator struct {
	store       Store
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewAggregator(store Store, concurrency int, logger *slog.Logger) *Aggregator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:       store,
		concurrency: concurrency,
		logger:      logger.With("component", "aggregator"),
		now:         time.Now,
	}
}

func keyString(k models.MetricKey) string {
	return fmt.Sprintf("%s/%s/%s/%dh", k.SiteID, k.ModelID, k.ParameterID, k.Horizon)
}

func validateKey(k models.MetricKey) error {
	if err := matching.ValidateSiteID(k.SiteID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if k.ModelID == "" || k.ParameterID == "" || k.Horizon < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidKey, keyString(k))
	}
	return nil
}

// Recompute rebuilds the metric of one key from every deviation it has and
// replaces the stored row. A key with no deviations has its stale metric
// removed and returns ErrNoDeviations. Invalid keys never reach the store.
func (a *Aggregator) Recompute(ctx context.Context, key models.MetricKey) (models.AccuracyMetric, error) {
	if err := validateKey(key); err != nil {
		return models.AccuracyMetric{}, err
	}
	devs, err := a.store.ListDeviations(ctx, store.KeyQuery(key))
	if err != nil {
		return models.AccuracyMetric{}, fmt.Errorf("load deviations for %s: %w", keyString(key), err)
	}
	if len(devs) == 0 {
		if err := a.store.DeleteAccuracyMetric(ctx, key); err != nil {
			return models.AccuracyMetric{}, fmt.Errorf("delete metric %s: %w", keyString(key), err)
		}
		return models.AccuracyMetric{}, fmt.Errorf("%w for %s", ErrNoDeviations, keyString(key))
	}

	values := make([]float64, len(devs))
	for i, d := range devs {
		values[i] = d.Value
	}
	s, err := Summarize(values)
	if err != nil {
		return models.AccuracyMetric{}, err
	}

	m := models.AccuracyMetric{
		MetricKey:      key,
		MAE:            s.MAE,
		Bias:           s.Bias,
		StdDev:         s.StdDev,
		SampleSize:     s.N,
		MinDeviation:   s.Min,
		MaxDeviation:   s.Max,
		CILower:        s.CILower,
		CIUpper:        s.CIUpper,
		Confidence:     Classify(s.N),
		FirstValidTime: devs[0].ValidTime,
		LastValidTime:  devs[len(devs)-1].ValidTime,
		ComputedAt:     a.now().UTC().Truncate(time.Second),
	}
	if err := a.store.UpsertAccuracyMetric(ctx, m); err != nil {
		return models.AccuracyMetric{}, fmt.Errorf("store metric %s: %w", keyString(key), err)
	}

	a.logger.Debug("recomputed metric",
		"site", key.SiteID, "model", key.ModelID, "parameter", key.ParameterID, "horizon", key.Horizon,
		"n", m.SampleSize, "mae", m.MAE, "bias", m.Bias, "confidence", m.Confidence)
	return m, nil
}

type BatchResult struct {
	Recomputed int
	Empty      int
	Failed     int
}

// RecomputeKeys recomputes disjoint keys concurrently. A failing key is logged
// and counted without stopping the others; only cancellation is returned.
func (a *Aggregator) RecomputeKeys(ctx context.Context, keys []models.MetricKey) (BatchResult, error) {
	var (
		mu  sync.Mutex
		res BatchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := a.Recompute(gctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Recomputed++
				metrics.MetricsRecomputed.WithLabelValues("ok").Inc()
			case errors.Is(err, ErrNoDeviations):
				res.Empty++
				metrics.MetricsRecomputed.WithLabelValues("empty").Inc()
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				res.Failed++
				metrics.MetricsRecomputed.WithLabelValues("error").Inc()
				a.logger.Error("recompute metric failed", "key", keyString(key), "error", err)
			}
			return nil
		})
	}
	err := g.Wait()

	a.logger.Info("recomputed metrics",
		"keys", len(keys), "recomputed", res.Recomputed, "empty", res.Empty, "failed", res.Failed)
	return res, err
}

// RecomputeSite recomputes every key with deviations at a site, or at every
// site when siteID is empty.
func (a *Aggregator) RecomputeSite(ctx context.Context, siteID string) (BatchResult, error) {
	keys, err := a.store.DeviationKeys(ctx, siteID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list keys: %w", err)
	}
	return a.RecomputeKeys(ctx, keys)
}
