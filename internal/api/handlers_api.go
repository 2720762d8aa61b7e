package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lox/forecastaccuracy/internal/accuracy"
	"github.com/lox/forecastaccuracy/internal/export"
	"github.com/lox/forecastaccuracy/internal/matching"
	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
)

const (
	defaultDeviationLimit = 1000
	maxDeviationLimit     = 10000
)

type HealthStatus struct {
	Status           string      `json:"status"`
	MigrationVersion int         `json:"migration_version"`
	LastJob          *jobRunJSON `json:"last_job,omitempty"`
	Error            string      `json:"error,omitempty"`
}

type jobRunJSON struct {
	ID         string     `json:"id"`
	Job        string     `json:"job"`
	Status     string     `json:"status"`
	Scope      string     `json:"scope"`
	Items      int        `json:"items"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func newJobRunJSON(run models.JobRun) jobRunJSON {
	rj := jobRunJSON{
		ID:        run.ID,
		Job:       run.Job,
		Status:    run.Status.String(),
		Scope:     run.Scope,
		Items:     run.Items,
		StartedAt: run.StartedAt,
		Error:     run.Error.String,
	}
	if run.FinishedAt.Valid {
		rj.FinishedAt = &run.FinishedAt.Time
	}
	return rj
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		health.Status, health.Error = "error", err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	version, err := s.store.MigrationVersion()
	if err != nil {
		health.Status, health.Error = "error", err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}
	health.MigrationVersion = version

	if runs, err := s.store.RecentJobRuns(r.Context(), "", 1); err == nil && len(runs) > 0 {
		last := newJobRunJSON(runs[0])
		health.LastJob = &last
		if runs[0].Status == models.JobFailed {
			health.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.Sites(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sites == nil {
		sites = []string{}
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) site(r *http.Request) (string, error) {
	site := chi.URLParam(r, "site")
	return site, matching.ValidateSiteID(site)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	site, err := s.site(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, end, err := s.queryRange(r, 7)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	pairs, err := s.store.PairsInRange(r.Context(), site, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	type pairJSON struct {
		ForecastID      int64     `json:"forecast_id"`
		ObservationID   int64     `json:"observation_id"`
		ModelID         string    `json:"model_id"`
		ParameterID     string    `json:"parameter_id"`
		ForecastRun     time.Time `json:"forecast_run"`
		ValidTime       time.Time `json:"valid_time"`
		ObservationTime time.Time `json:"observation_time"`
		Horizon         int       `json:"horizon"`
		TimeDiffMinutes float64   `json:"time_diff_minutes"`
		ForecastValue   *float64  `json:"forecast_value"`
		ObservedValue   *float64  `json:"observed_value"`
	}
	out := make([]pairJSON, 0, len(pairs))
	for _, p := range pairs {
		pj := pairJSON{
			ForecastID:      p.ForecastID,
			ObservationID:   p.ObservationID,
			ModelID:         p.ModelID,
			ParameterID:     p.ParameterID,
			ForecastRun:     p.ForecastRun,
			ValidTime:       p.ValidTime,
			ObservationTime: p.ObservationTime,
			Horizon:         p.Horizon,
			TimeDiffMinutes: p.TimeDiffMinutes(),
		}
		if p.ForecastValue.Valid {
			pj.ForecastValue = &p.ForecastValue.Float64
		}
		if p.ObservedValue.Valid {
			pj.ObservedValue = &p.ObservedValue.Float64
		}
		out = append(out, pj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviations(w http.ResponseWriter, r *http.Request) {
	site, err := s.site(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start, end, err := s.queryRange(r, 7)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultDeviationLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit = min(max(limit, 1), maxDeviationLimit)

	q := store.DeviationQuery{
		SiteID:      site,
		ModelID:     r.URL.Query().Get("model"),
		ParameterID: r.URL.Query().Get("parameter"),
		Start:       start,
		End:         end,
		Limit:       limit,
	}
	if v := r.URL.Query().Get("horizon"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 0 {
			s.writeError(w, r, fmt.Errorf("%w: horizon must be a non-negative integer", errBadRequest))
			return
		}
		q.Horizon = &h
	}

	devs, err := s.store.ListDeviations(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if wantsCSV(r) {
		writeCSVHeaders(w, site+"-deviations.csv")
		if err := export.WriteDeviations(w, devs); err != nil {
			s.logger.Error("write deviations csv", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, export.DeviationRows(devs))
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	site, err := s.site(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics, err := s.store.ListAccuracyMetrics(r.Context(), site)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if wantsCSV(r) {
		writeCSVHeaders(w, site+"-accuracy.csv")
		if err := export.WriteMetrics(w, metrics); err != nil {
			s.logger.Error("write metrics csv", "error", err)
		}
		return
	}
	if metrics == nil {
		metrics = []models.AccuracyMetric{}
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) metricKey(r *http.Request) (models.MetricKey, error) {
	site, err := s.site(r)
	if err != nil {
		return models.MetricKey{}, err
	}
	horizon, err := strconv.Atoi(chi.URLParam(r, "horizon"))
	if err != nil || horizon < 0 {
		return models.MetricKey{}, fmt.Errorf("%w: horizon must be a non-negative integer", errBadRequest)
	}
	return models.MetricKey{
		SiteID:      site,
		ModelID:     chi.URLParam(r, "model"),
		ParameterID: chi.URLParam(r, "parameter"),
		Horizon:     horizon,
	}, nil
}

func (s *Server) handleAccuracyKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.metricKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.store.GetAccuracyMetric(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if m == nil {
		s.writeError(w, r, fmt.Errorf("%w: no metric for %s/%s/%dh", errNotFound, key.ModelID, key.ParameterID, key.Horizon))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRollups(w http.ResponseWriter, r *http.Request) {
	site, err := s.site(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	horizon, err := queryInt(r, "horizon", -1)
	if err != nil || horizon < 0 || q.Get("model") == "" || q.Get("parameter") == "" {
		s.writeError(w, r, fmt.Errorf("%w: model, parameter and horizon are required", errBadRequest))
		return
	}
	key := models.MetricKey{SiteID: site, ModelID: q.Get("model"), ParameterID: q.Get("parameter"), Horizon: horizon}

	g := models.GranularityDay
	if v := q.Get("granularity"); v != "" {
		if g, err = models.ParseGranularity(v); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	if v := q.Get("at"); v != "" {
		at, err := parseTime(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rollup, err := s.pipeline.Rollups().Get(r.Context(), key, g, at)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rollup)
		return
	}

	start, end, err := s.queryRange(r, 30)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rollups, err := s.pipeline.Rollups().List(r.Context(), key, g, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rollups == nil {
		rollups = []models.Rollup{}
	}
	writeJSON(w, http.StatusOK, rollups)
}

// handleConfidence classifies an arbitrary sample: ?samples=N, with optional
// start and end timestamps to report the span.
func (s *Server) handleConfidence(w http.ResponseWriter, r *http.Request) {
	samples, err := queryInt(r, "samples", -1)
	if err != nil || samples < 0 {
		s.writeError(w, r, fmt.Errorf("%w: samples must be a non-negative integer", errBadRequest))
		return
	}
	var earliest, latest time.Time
	if v := r.URL.Query().Get("start"); v != "" {
		if earliest, err = parseTime(v); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if latest, err = parseTime(v); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, accuracy.Assess(samples, earliest, latest))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.store.RecentJobRuns(r.Context(), r.URL.Query().Get("job"), min(max(limit, 1), 500))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]jobRunJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, newJobRunJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}

type RecomputeRequest struct {
	SiteID      string    `json:"site" validate:"required"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end" validate:"required,gtfield=Start"`
	Stage       string    `json:"stage" validate:"omitempty,oneof=all match deviate aggregate rollup"`
	Granularity string    `json:"granularity" validate:"omitempty,oneof=day week month"`
	Force       bool      `json:"force"`
}

// handleRecompute runs one stage, or the whole pipeline, synchronously.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := matching.ValidateSiteID(req.SiteID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		result any
		err    error
	)
	switch req.Stage {
	case "", "all":
		result, err = s.pipeline.Run(ctx, req.SiteID, req.Start, req.End)
	case "match":
		result, err = s.pipeline.Match(ctx, req.SiteID, req.Start, req.End)
	case "deviate":
		result, err = s.pipeline.Deviate(ctx, req.SiteID, req.Start, req.End)
	case "aggregate":
		result, err = s.pipeline.Aggregate(ctx, req.SiteID, nil)
	case "rollup":
		var granularities []models.Granularity
		if req.Granularity != "" {
			g, _ := models.ParseGranularity(req.Granularity)
			granularities = []models.Granularity{g}
		}
		result, err = s.pipeline.RefreshSite(ctx, req.SiteID, granularities, req.Start, req.End, req.Force)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": req.Stage, "result": result})
}
