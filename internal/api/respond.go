package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lox/forecastaccuracy/internal/accuracy"
	"github.com/lox/forecastaccuracy/internal/matching"
	"github.com/lox/forecastaccuracy/internal/rollup"
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, matching.ErrInvalidSite),
		errors.Is(err, matching.ErrInvalidRange),
		errors.Is(err, matching.ErrInvalidTolerance),
		errors.Is(err, rollup.ErrInvalidGranularity),
		errors.Is(err, accuracy.ErrInvalidKey),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound), errors.Is(err, accuracy.ErrNoDeviations), errors.Is(err, rollup.ErrNoData):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseTime accepts RFC 3339 timestamps or plain dates, both taken as UTC.
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", errBadRequest, v)
	}
	return t, nil
}

// queryRange reads ?start= and ?end=, defaulting to the trailing days before now.
func (s *Server) queryRange(r *http.Request, days int) (start, end time.Time, err error) {
	q := r.URL.Query()
	end = s.now().UTC()
	start = end.AddDate(0, 0, -days)
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v); err != nil {
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v); err != nil {
			return
		}
	}
	if !end.After(start) {
		err = fmt.Errorf("%w: end must be after start", matching.ErrInvalidRange)
	}
	return
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return n, nil
}

func wantsCSV(r *http.Request) bool {
	return r.URL.Query().Get("format") == "csv"
}

func writeCSVHeaders(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}
