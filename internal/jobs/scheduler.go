package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "15 * * * *"
	DefaultLookback = 3
)

type SiteLister interface {
	Sites(ctx context.Context) ([]string, error)
}

// Scheduler runs the pipeline over the trailing lookback days for every site
// on a cron schedule.
type Scheduler struct {
	pipeline *Pipeline
	sites    SiteLister
	schedule string
	lookback int
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(p *Pipeline, sites SiteLister, schedule string, lookbackDays int, logger *slog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pipeline: p,
		sites:    sites,
		schedule: schedule,
		lookback: lookbackDays,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}, nil
}

// Window is the range the next run covers: from midnight UTC lookback days ago
// up to the current hour, so only valid times that have passed are matched.
func (s *Scheduler) Window() (start, end time.Time) {
	now := s.now().UTC()
	end = now.Truncate(time.Hour)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -s.lookback), end
}

// RunOnce runs every site once. A failing site is logged and the rest still run.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	sites, err := s.sites.Sites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	start, end := s.Window()

	var errs []error
	for _, site := range sites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.pipeline.Run(ctx, site, start, end); err != nil {
			s.logger.Error("pipeline failed", "site", site, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", site, err))
		}
	}
	return errors.Join(errs...)
}

// wrappers recover panics in a scheduled run and skip a tick while the previous
// run is still going.
func (s *Scheduler) wrappers() []cron.JobWrapper {
	l := cron.VerbosePrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo))
	return []cron.JobWrapper{cron.Recover(l), cron.SkipIfStillRunning(l)}
}

// Run blocks until ctx is done, running the pipeline on schedule. It waits for
// an in-flight run to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(s.wrappers()...))
	_, err := c.AddFunc(s.schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled run failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule pipeline: %w", err)
	}

	s.logger.Info("scheduler started", "schedule", s.schedule, "lookback_days", s.lookback)
	c.Start()
	<-ctx.Done()

	s.logger.Info("scheduler shutting down")
	<-c.Stop().Done()
	return nil
}
