package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/forecastaccuracy/internal/jobs"
	"github.com/lox/forecastaccuracy/internal/store"
)

type Globals struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`

	DB            string        `name:"db" env:"DB_PATH" default:"data/forecastaccuracy.db" help:"Path to SQLite database."`
	LogLevel      string        `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat     string        `env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Log output format."`
	Tolerance     time.Duration `env:"MATCH_TOLERANCE" default:"30m" help:"Maximum distance between a valid time and its observation."`
	BatchSize     int           `env:"BATCH_SIZE" default:"1000" help:"Rows written per transaction."`
	Concurrency   int           `env:"AGGREGATE_CONCURRENCY" default:"4" help:"Metric keys recomputed in parallel."`
	ParametersCSV string        `name:"parameters" env:"PARAMETERS_CSV" type:"path" help:"CSV of parameter definitions loaded at startup."`
}

type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Serve the API and run the pipeline on a schedule."`
	Migrate   MigrateCmd   `cmd:"" help:"Apply database migrations."`
	Match     MatchCmd     `cmd:"" help:"Pair forecasts with observations."`
	Deviate   DeviateCmd   `cmd:"" help:"Compute deviations for matched pairs."`
	Aggregate AggregateCmd `cmd:"" help:"Recompute accuracy metrics."`
	Rollup    RollupCmd    `cmd:"" help:"Refresh pre-aggregated rollups."`
	Pipeline  PipelineCmd  `cmd:"" help:"Run every stage for one site and range."`
	Backfill  BackfillCmd  `cmd:"" help:"Run the pipeline day by day over a historical range."`
	Export    ExportCmd    `cmd:"" help:"Export metrics or deviations as CSV."`
	Jobs      JobsCmd      `cmd:"" help:"List recent job runs."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("forecastaccuracy"),
		kong.Description("Forecast/observation reconciliation and accuracy pipeline."),
		kong.UsageOnError(),
	)

	slog.SetDefault(cli.logger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(&cli.Globals)
	stop()
	kctx.FatalIfErrorf(err)
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(g.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// open returns a migrated store with parameter definitions loaded.
func (g *Globals) open(ctx context.Context) (*store.Store, func(), error) {
	if dir := filepath.Dir(g.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(g.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	closeDB := func() { db.Close() }

	st := store.New(db, slog.Default())
	if err := st.Migrate(); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	if g.ParametersCSV != "" {
		f, err := os.Open(g.ParametersCSV)
		if err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("open parameters: %w", err)
		}
		defer f.Close()
		n, err := st.LoadParametersCSV(ctx, f)
		if err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("load parameters: %w", err)
		}
		slog.Info("parameters loaded", "path", g.ParametersCSV, "count", n)
	}
	return st, closeDB, nil
}

func (g *Globals) pipeline(st *store.Store) *jobs.Pipeline {
	return jobs.NewPipeline(st, jobs.Config{
		Tolerance:   g.Tolerance,
		BatchSize:   g.BatchSize,
		Concurrency: g.Concurrency,
	}, slog.Default())
}
