package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/forecastaccuracy/internal/accuracy"
	"github.com/lox/forecastaccuracy/internal/metrics"
	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
)

type Store interface {
	ListDeviations(ctx context.Context, q store.DeviationQuery) ([]models.Deviation, error)
	DeviationRevision(ctx context.Context, key models.MetricKey, start, end time.Time) (int64, bool, error)
	GetRollup(ctx context.Context, key models.MetricKey, g models.Granularity, bucketStart time.Time) (*models.Rollup, error)
	ListRollups(ctx context.Context, key models.MetricKey, g models.Granularity, start, end time.Time) ([]models.Rollup, error)
	UpsertRollup(ctx context.Context, r models.Rollup) error
	DeleteRollup(ctx context.Context, key models.MetricKey, g models.Granularity, bucketStart time.Time) error
}

type Refresher struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewRefresher(store Store, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{store: store, logger: logger.With("component", "rollup"), now: time.Now}
}

// Request refreshes every bucket of Granularity overlapping [Start, End).
// Without Force, buckets whose stored source revision already covers every
// deviation in them are left alone.
type Request struct {
	Key         models.MetricKey
	Granularity models.Granularity
	Start       time.Time
	End         time.Time
	Force       bool
}

type Result struct {
	Buckets   int
	Refreshed int
	Fresh     int // already up to date
	Removed   int // buckets that lost all their deviations
}

func (r *Refresher) Refresh(ctx context.Context, req Request) (Result, error) {
	var res Result
	if !req.End.After(req.Start) {
		return res, fmt.Errorf("invalid refresh window %s to %s", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
	}
	buckets, err := Buckets(req.Granularity, req.Start, req.End)
	if err != nil {
		return res, err
	}
	res.Buckets = len(buckets)

	g := req.Granularity.String()
	for _, b := range buckets {
		outcome, err := r.refreshBucket(ctx, req.Key, req.Granularity, b, req.Force)
		if err != nil {
			return res, fmt.Errorf("refresh %s bucket %s: %w", g, b.Start.Format(time.DateOnly), err)
		}
		switch outcome {
		case "refreshed":
			res.Refreshed++
		case "fresh":
			res.Fresh++
		case "removed":
			res.Removed++
		}
		if outcome != "" {
			metrics.RollupsRefreshed.WithLabelValues(g, outcome).Inc()
		}
	}

	r.logger.Debug("refreshed rollups",
		"site", req.Key.SiteID, "model", req.Key.ModelID, "parameter", req.Key.ParameterID, "horizon", req.Key.Horizon,
		"granularity", g, "buckets", res.Buckets, "refreshed", res.Refreshed, "fresh", res.Fresh, "removed", res.Removed,
		"force", req.Force)
	return res, nil
}

// refreshBucket recomputes one bucket from its own deviations only. The
// revision is read before the deviations, so a write landing in between makes
// the stored rollup stale rather than hiding behind it.
func (r *Refresher) refreshBucket(ctx context.Context, key models.MetricKey, g models.Granularity, b Bucket, force bool) (string, error) {
	refreshedAt := r.now().UTC().Truncate(time.Second)

	existing, err := r.store.GetRollup(ctx, key, g, b.Start)
	if err != nil {
		return "", err
	}
	revision, ok, err := r.store.DeviationRevision(ctx, key, b.Start, b.End)
	if err != nil {
		return "", err
	}
	if !ok {
		if existing == nil {
			return "", nil
		}
		if err := r.store.DeleteRollup(ctx, key, g, b.Start); err != nil {
			return "", err
		}
		return "removed", nil
	}
	if !force && existing != nil && existing.SourceRevision >= revision {
		return "fresh", nil
	}

	q := store.KeyQuery(key)
	q.Start, q.End = b.Start, b.End
	devs, err := r.store.ListDeviations(ctx, q)
	if err != nil {
		return "", err
	}
	values := make([]float64, len(devs))
	for i, d := range devs {
		values[i] = d.Value
	}
	s, err := accuracy.Summarize(values)
	if err != nil {
		return "", err
	}

	err = r.store.UpsertRollup(ctx, models.Rollup{
		MetricKey:   key,
		Granularity: g,
		BucketStart: b.Start,
		BucketEnd:   b.End,
		MAE:         s.MAE,
		Bias:        s.Bias,
		StdDev:      s.StdDev,
		SampleSize:  s.N,
		RefreshedAt: refreshedAt,

		SourceRevision: revision,
	})
	if err != nil {
		return "", err
	}
	return "refreshed", nil
}

// Get returns the stored rollup of the bucket containing at, or ErrNoData if
// that bucket was never refreshed.
func (r *Refresher) Get(ctx context.Context, key models.MetricKey, g models.Granularity, at time.Time) (models.Rollup, error) {
	start, err := BucketStart(g, at)
	if err != nil {
		return models.Rollup{}, err
	}
	rollup, err := r.store.GetRollup(ctx, key, g, start)
	if err != nil {
		return models.Rollup{}, err
	}
	if rollup == nil {
		return models.Rollup{}, fmt.Errorf("%w: %s bucket %s", ErrNoData, g, start.Format(time.DateOnly))
	}
	return *rollup, nil
}

// List returns the stored buckets overlapping [start, end). Buckets that were
// never refreshed are absent, not zero.
func (r *Refresher) List(ctx context.Context, key models.MetricKey, g models.Granularity, start, end time.Time) ([]models.Rollup, error) {
	from, err := BucketStart(g, start)
	if err != nil {
		return nil, err
	}
	return r.store.ListRollups(ctx, key, g, from, end)
}
