package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lox/forecastaccuracy/internal/api"
	"github.com/lox/forecastaccuracy/internal/export"
	"github.com/lox/forecastaccuracy/internal/jobs"
	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
)

// RangeFlags selects a site and a half-open [from, to) range of UTC days.
type RangeFlags struct {
	Site string    `required:"" help:"Site identifier."`
	From time.Time `format:"2006-01-02" help:"First day, UTC. Defaults to the day before --to."`
	To   time.Time `format:"2006-01-02" help:"Day after the last day, UTC. Defaults to the current hour."`
}

func (f RangeFlags) window() (start, end time.Time, err error) {
	end = f.To.UTC()
	if end.IsZero() {
		end = time.Now().UTC().Truncate(time.Hour)
	}
	start = f.From.UTC()
	if start.IsZero() {
		start = end.Truncate(24*time.Hour).AddDate(0, 0, -1)
	}
	if !end.After(start) {
		return start, end, fmt.Errorf("--to %s must be after --from %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return start, end, nil
}

type ServeCmd struct {
	Listen     string `env:"LISTEN_ADDR" default:":8080" help:"HTTP listen address."`
	Schedule   string `env:"SCHEDULE" default:"15 * * * *" help:"Cron schedule for pipeline runs."`
	Lookback   int    `env:"LOOKBACK" default:"3" help:"Days re-examined on each scheduled run."`
	NoSchedule bool   `help:"Serve the API without scheduled runs."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	p := g.pipeline(st)
	server := api.NewServer(st, p, c.Listen, slog.Default())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return server.Run(ctx) })
	if !c.NoSchedule {
		sched, err := jobs.NewScheduler(p, st, c.Schedule, c.Lookback, slog.Default())
		if err != nil {
			return err
		}
		eg.Go(func() error { return sched.Run(ctx) })
	}
	return eg.Wait()
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx context.Context, g *Globals) error {
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	version, err := st.MigrationVersion()
	if err != nil {
		return err
	}
	slog.Info("database migrated", "path", g.DB, "version", version)
	return nil
}

type MatchCmd struct {
	Range RangeFlags `embed:""`
}

func (c *MatchCmd) Run(ctx context.Context, g *Globals) error {
	start, end, err := c.Range.window()
	if err != nil {
		return err
	}
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	_, err = g.pipeline(st).Match(ctx, c.Range.Site, start, end)
	return err
}

type DeviateCmd struct {
	Range RangeFlags `embed:""`
}

func (c *DeviateCmd) Run(ctx context.Context, g *Globals) error {
	start, end, err := c.Range.window()
	if err != nil {
		return err
	}
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	_, err = g.pipeline(st).Deviate(ctx, c.Range.Site, start, end)
	return err
}

type AggregateCmd struct {
	Site      string `required:"" help:"Site identifier."`
	Model     string `help:"Recompute a single key: model identifier."`
	Parameter string `help:"Recompute a single key: parameter identifier."`
	Horizon   int    `default:"-1" help:"Recompute a single key: lead time in hours."`
}

func (c *AggregateCmd) Run(ctx context.Context, g *Globals) error {
	var keys []models.MetricKey
	if c.Model != "" || c.Parameter != "" || c.Horizon >= 0 {
		if c.Model == "" || c.Parameter == "" || c.Horizon < 0 {
			return errors.New("--model, --parameter and --horizon must be given together")
		}
		keys = []models.MetricKey{{SiteID: c.Site, ModelID: c.Model, ParameterID: c.Parameter, Horizon: c.Horizon}}
	}

	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	res, err := g.pipeline(st).Aggregate(ctx, c.Site, keys)
	if err != nil {
		return err
	}
	slog.Info("aggregation complete", "site", c.Site, "recomputed", res.Recomputed, "empty", res.Empty, "failed", res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d metric keys failed", res.Failed)
	}
	return nil
}

type RollupCmd struct {
	Range       RangeFlags `embed:""`
	Granularity []string   `default:"day" enum:"day,week,month" help:"Bucket sizes to refresh: day, week or month."`
	Force       bool       `help:"Recompute buckets even when they are fresh."`
}

func (c *RollupCmd) Run(ctx context.Context, g *Globals) error {
	start, end, err := c.Range.window()
	if err != nil {
		return err
	}
	granularities := make([]models.Granularity, 0, len(c.Granularity))
	for _, v := range c.Granularity {
		gr, err := models.ParseGranularity(v)
		if err != nil {
			return err
		}
		granularities = append(granularities, gr)
	}

	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	res, err := g.pipeline(st).RefreshSite(ctx, c.Range.Site, granularities, start, end, c.Force)
	if err != nil {
		return err
	}
	slog.Info("rollups refreshed", "site", c.Range.Site,
		"buckets", res.Buckets, "refreshed", res.Refreshed, "fresh", res.Fresh, "removed", res.Removed)
	return nil
}

type PipelineCmd struct {
	Range RangeFlags `embed:""`
}

func (c *PipelineCmd) Run(ctx context.Context, g *Globals) error {
	start, end, err := c.Range.window()
	if err != nil {
		return err
	}
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	_, err = g.pipeline(st).Run(ctx, c.Range.Site, start, end)
	return err
}

type BackfillCmd struct {
	Site string    `help:"Site identifier. Defaults to every site with forecasts."`
	From time.Time `required:"" format:"2006-01-02" help:"First day, UTC."`
	To   time.Time `format:"2006-01-02" help:"Day after the last day, UTC. Defaults to today."`
}

func newBar(size int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(size,
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Run walks the range one day at a time so each pipeline run stays small.
// A failing day is logged and the backfill moves on.
func (c *BackfillCmd) Run(ctx context.Context, g *Globals) error {
	from := c.From.UTC().Truncate(24 * time.Hour)
	to := c.To.UTC()
	if to.IsZero() {
		to = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if !to.After(from) {
		return fmt.Errorf("--to %s must be after --from %s", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	sites := []string{c.Site}
	if c.Site == "" {
		if sites, err = st.Sites(ctx); err != nil {
			return err
		}
	}

	p := g.pipeline(st)
	days := int(to.Sub(from) / (24 * time.Hour))
	var errs []error
	for _, site := range sites {
		bar := newBar(days, site)
		for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := p.Run(ctx, site, day, day.AddDate(0, 0, 1)); err != nil {
				slog.Error("backfill day failed", "site", site, "day", day.Format(time.DateOnly), "error", err)
				errs = append(errs, fmt.Errorf("%s %s: %w", site, day.Format(time.DateOnly), err))
			}
			bar.Add(1)
		}
	}
	return errors.Join(errs...)
}

type ExportCmd struct {
	Metrics    ExportMetricsCmd    `cmd:"" help:"Export accuracy metrics."`
	Deviations ExportDeviationsCmd `cmd:"" help:"Export deviations for a range."`
}

type OutputFlags struct {
	Out string `short:"o" default:"-" help:"Output file, - for stdout."`
}

func (f OutputFlags) create() (io.Writer, func() error, error) {
	if f.Out == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	file, err := os.Create(f.Out)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

type ExportMetricsCmd struct {
	Site   string      `help:"Site identifier. Defaults to every site."`
	Output OutputFlags `embed:""`
}

func (c *ExportMetricsCmd) Run(ctx context.Context, g *Globals) error {
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	metrics, err := st.ListAccuracyMetrics(ctx, c.Site)
	if err != nil {
		return err
	}
	w, closeOut, err := c.Output.create()
	if err != nil {
		return err
	}
	if err := export.WriteMetrics(w, metrics); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

type ExportDeviationsCmd struct {
	Range     RangeFlags  `embed:""`
	Model     string      `help:"Filter by model identifier."`
	Parameter string      `help:"Filter by parameter identifier."`
	Output    OutputFlags `embed:""`
}

func (c *ExportDeviationsCmd) Run(ctx context.Context, g *Globals) error {
	start, end, err := c.Range.window()
	if err != nil {
		return err
	}
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	devs, err := st.ListDeviations(ctx, store.DeviationQuery{
		SiteID:      c.Range.Site,
		ModelID:     c.Model,
		ParameterID: c.Parameter,
		Start:       start,
		End:         end,
	})
	if err != nil {
		return err
	}
	w, closeOut, err := c.Output.create()
	if err != nil {
		return err
	}
	if err := export.WriteDeviations(w, devs); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

type JobsCmd struct {
	Job   string `help:"Filter by job name: match, deviate, aggregate or rollup."`
	Limit int    `default:"20" help:"Number of runs to show."`
}

func (c *JobsCmd) Run(ctx context.Context, g *Globals) error {
	st, closeDB, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	runs, err := st.RecentJobRuns(ctx, c.Job, c.Limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tJOB\tSTATUS\tITEMS\tDURATION\tSCOPE\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt.Valid {
			duration = r.FinishedAt.Time.Sub(r.StartedAt).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.Job, r.Status, r.Items, duration, r.Scope, r.Error.String)
	}
	return tw.Flush()
}
