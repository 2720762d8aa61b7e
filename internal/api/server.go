package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/forecastaccuracy/internal/jobs"
	"github.com/lox/forecastaccuracy/internal/store"
)

type Server struct {
	store    *store.Store
	pipeline *jobs.Pipeline
	addr     string
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewServer(store *store.Store, pipeline *jobs.Pipeline, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		pipeline: pipeline,
		addr:     addr,
		validate: validator.New(),
		logger:   logger.With("component", "api"),
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/sites", s.handleSites)
		r.Route("/sites/{site}", func(r chi.Router) {
			r.Get("/pairs", s.handlePairs)
			r.Get("/deviations", s.handleDeviations)
			r.Get("/accuracy", s.handleAccuracy)
			r.Get("/accuracy/{model}/{parameter}/{horizon}", s.handleAccuracyKey)
			r.Get("/rollups", s.handleRollups)
		})
		r.Get("/confidence", s.handleConfidence)
		r.Get("/jobs", s.handleJobs)
		r.Post("/recompute", s.handleRecompute)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
