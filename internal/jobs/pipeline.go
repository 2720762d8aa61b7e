// Package jobs runs the accuracy stages in order and records each run.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/forecastaccuracy/internal/accuracy"
	"github.com/lox/forecastaccuracy/internal/deviation"
	"github.com/lox/forecastaccuracy/internal/matching"
	"github.com/lox/forecastaccuracy/internal/metrics"
	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/rollup"
	"github.com/lox/forecastaccuracy/internal/store"
)

const (
	JobMatch     = "match"
	JobDeviate   = "deviate"
	JobAggregate = "aggregate"
	JobRollup    = "rollup"
)

type Config struct {
	Tolerance     time.Duration
	BatchSize     int
	Concurrency   int
	Granularities []models.Granularity // rollups refreshed after aggregation; default day
}

type Pipeline struct {
	store         *store.Store
	matcher       *matching.Matcher
	deviations    *deviation.Service
	aggregator    *accuracy.Aggregator
	rollups       *rollup.Refresher
	tolerance     time.Duration
	granularities []models.Granularity
	logger        *slog.Logger
}

func NewPipeline(s *store.Store, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	granularities := cfg.Granularities
	if len(granularities) == 0 {
		granularities = []models.Granularity{models.GranularityDay}
	}
	return &Pipeline{
		store:         s,
		matcher:       matching.New(s, cfg.BatchSize, logger),
		deviations:    deviation.NewService(s, cfg.BatchSize, logger),
		aggregator:    accuracy.NewAggregator(s, cfg.Concurrency, logger),
		rollups:       rollup.NewRefresher(s, logger),
		tolerance:     cfg.Tolerance,
		granularities: granularities,
		logger:        logger.With("component", "pipeline"),
	}
}

func (p *Pipeline) Aggregator() *accuracy.Aggregator { return p.aggregator }

func (p *Pipeline) Rollups() *rollup.Refresher { return p.rollups }

// record wraps one stage in a job_runs entry and a duration observation.
// Failing to write the job log is logged but never fails the stage.
func (p *Pipeline) record(ctx context.Context, job, scope string, fn func() (int, error)) error {
	started := time.Now()
	run, err := p.store.StartJobRun(ctx, job, scope)
	if err != nil {
		p.logger.Warn("start job run", "job", job, "error", err)
	}

	items, jobErr := fn()

	if err := p.store.CompleteJobRun(context.WithoutCancel(ctx), run, items, jobErr); err != nil {
		p.logger.Warn("complete job run", "job", job, "error", err)
	}
	status := models.JobSucceeded
	if jobErr != nil {
		status = models.JobFailed
	}
	metrics.JobDuration.WithLabelValues(job, status.String()).Observe(time.Since(started).Seconds())
	return jobErr
}

func scope(siteID string, start, end time.Time) string {
	return fmt.Sprintf("%s %s..%s", siteID, start.Format(time.RFC3339), end.Format(time.RFC3339))
}

func (p *Pipeline) Match(ctx context.Context, siteID string, start, end time.Time) (matching.Result, error) {
	var res matching.Result
	err := p.record(ctx, JobMatch, scope(siteID, start, end), func() (int, error) {
		var err error
		res, err = p.matcher.Run(ctx, matching.Request{SiteID: siteID, Start: start, End: end, Tolerance: p.tolerance})
		return res.Written, err
	})
	return res, err
}

func (p *Pipeline) Deviate(ctx context.Context, siteID string, start, end time.Time) (deviation.Result, error) {
	var res deviation.Result
	err := p.record(ctx, JobDeviate, scope(siteID, start, end), func() (int, error) {
		var err error
		res, err = p.deviations.Run(ctx, deviation.Request{SiteID: siteID, Start: start, End: end})
		return res.Written, err
	})
	return res, err
}

// Aggregate recomputes the given keys, or every key of the site when keys is nil.
func (p *Pipeline) Aggregate(ctx context.Context, siteID string, keys []models.MetricKey) (accuracy.BatchResult, error) {
	var res accuracy.BatchResult
	err := p.record(ctx, JobAggregate, siteID, func() (int, error) {
		var err error
		if keys == nil {
			res, err = p.aggregator.RecomputeSite(ctx, siteID)
		} else {
			res, err = p.aggregator.RecomputeKeys(ctx, keys)
		}
		return res.Recomputed, err
	})
	return res, err
}

// Refresh refreshes rollups of every key over [start, end) at each granularity.
func (p *Pipeline) Refresh(ctx context.Context, siteID string, keys []models.MetricKey, granularities []models.Granularity, start, end time.Time, force bool) (rollup.Result, error) {
	var total rollup.Result
	err := p.record(ctx, JobRollup, scope(siteID, start, end), func() (int, error) {
		for _, key := range keys {
			for _, g := range granularities {
				res, err := p.rollups.Refresh(ctx, rollup.Request{Key: key, Granularity: g, Start: start, End: end, Force: force})
				if err != nil {
					return total.Refreshed, fmt.Errorf("%s/%s/%s/%dh: %w", key.SiteID, key.ModelID, key.ParameterID, key.Horizon, err)
				}
				total.Buckets += res.Buckets
				total.Refreshed += res.Refreshed
				total.Fresh += res.Fresh
				total.Removed += res.Removed
			}
		}
		return total.Refreshed, nil
	})
	return total, err
}

// RefreshSite refreshes rollups of every key the site has deviations for.
func (p *Pipeline) RefreshSite(ctx context.Context, siteID string, granularities []models.Granularity, start, end time.Time, force bool) (rollup.Result, error) {
	keys, err := p.store.DeviationKeys(ctx, siteID)
	if err != nil {
		return rollup.Result{}, fmt.Errorf("list keys: %w", err)
	}
	if len(granularities) == 0 {
		granularities = p.granularities
	}
	return p.Refresh(ctx, siteID, keys, granularities, start, end, force)
}

type Report struct {
	Match     matching.Result
	Deviate   deviation.Result
	Aggregate accuracy.BatchResult
	Rollup    rollup.Result
}

// Run takes one site and range through match, deviate, aggregate and rollup.
// Only keys that received deviations in the range are aggregated and rolled up.
func (p *Pipeline) Run(ctx context.Context, siteID string, start, end time.Time) (Report, error) {
	var report Report
	var err error

	if report.Match, err = p.Match(ctx, siteID, start, end); err != nil {
		return report, fmt.Errorf("match: %w", err)
	}
	if report.Deviate, err = p.Deviate(ctx, siteID, start, end); err != nil {
		return report, fmt.Errorf("deviate: %w", err)
	}
	keys := report.Deviate.Keys
	if len(keys) == 0 {
		p.logger.Info("no deviations in range", "site", siteID, "start", start, "end", end)
		return report, nil
	}
	if report.Aggregate, err = p.Aggregate(ctx, siteID, keys); err != nil {
		return report, fmt.Errorf("aggregate: %w", err)
	}
	if report.Rollup, err = p.Refresh(ctx, siteID, keys, p.granularities, start, end, false); err != nil {
		return report, fmt.Errorf("rollup: %w", err)
	}

	p.logger.Info("pipeline complete",
		"site", siteID, "start", start, "end", end,
		"pairs", report.Match.Written, "deviations", report.Deviate.Written,
		"metrics", report.Aggregate.Recomputed, "rollups", report.Rollup.Refreshed)
	return report, nil
}
