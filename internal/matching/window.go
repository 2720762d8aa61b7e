// Package matching pairs forecasts with the observations they tried to predict.
package matching

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/lox/forecastaccuracy/internal/models"
)

const (
	DefaultTolerance = 30 * time.Minute
	DefaultBatchSize = 1000
)

var (
	ErrInvalidSite      = errors.New("invalid site id")
	ErrInvalidRange     = errors.New("invalid date range")
	ErrInvalidTolerance = errors.New("invalid tolerance")
)

var siteIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

// ValidateSiteID rejects identifiers that no collector could have written.
func ValidateSiteID(siteID string) error {
	if !siteIDPattern.MatchString(siteID) {
		return fmt.Errorf("%w: %q", ErrInvalidSite, siteID)
	}
	return nil
}

// Horizon is the forecast lead time rounded to the nearest whole hour. ok is
// false when the valid time precedes the run.
func Horizon(forecastRun, validTime time.Time) (hours int, ok bool) {
	lead := validTime.Sub(forecastRun)
	if lead < 0 {
		return 0, false
	}
	return int(lead.Round(time.Hour) / time.Hour), true
}

type seriesKey struct {
	site      string
	parameter string
}

// Match pairs every forecast with the observation of the same site and
// parameter closest to its valid time, provided the gap is at most tolerance
// in either direction. Ties go to the lower observation id. Forecasts whose
// valid time precedes their run, and forecasts with nothing in the window, are
// left out. Each forecast run is matched on its own, so one observation can
// back several pairs.
func Match(forecasts []models.ForecastRecord, observations []models.ObservationRecord, tolerance time.Duration) []models.MatchedPair {
	series := make(map[seriesKey][]models.ObservationRecord)
	for _, o := range observations {
		k := seriesKey{o.SiteID, o.ParameterID}
		series[k] = append(series[k], o)
	}
	for _, obs := range series {
		sort.Slice(obs, func(i, j int) bool {
			if !obs[i].ObservationTime.Equal(obs[j].ObservationTime) {
				return obs[i].ObservationTime.Before(obs[j].ObservationTime)
			}
			return obs[i].ID < obs[j].ID
		})
	}

	var pairs []models.MatchedPair
	for _, f := range forecasts {
		horizon, ok := Horizon(f.ForecastRun, f.ValidTime)
		if !ok {
			continue
		}
		best, ok := nearest(series[seriesKey{f.SiteID, f.ParameterID}], f.ValidTime, tolerance)
		if !ok {
			continue
		}
		pairs = append(pairs, models.MatchedPair{
			ForecastID:      f.ID,
			ObservationID:   best.ID,
			SiteID:          f.SiteID,
			ModelID:         f.ModelID,
			ParameterID:     f.ParameterID,
			ForecastRun:     f.ForecastRun,
			ValidTime:       f.ValidTime,
			ObservationTime: best.ObservationTime,
			Horizon:         horizon,
			TimeDiff:        best.ObservationTime.Sub(f.ValidTime),
			ForecastValue:   f.Value,
			ObservedValue:   best.Value,
		})
	}
	return pairs
}

// nearest scans the time-sorted observations inside [at-tol, at+tol].
func nearest(obs []models.ObservationRecord, at time.Time, tolerance time.Duration) (models.ObservationRecord, bool) {
	from := at.Add(-tolerance)
	i := sort.Search(len(obs), func(i int) bool {
		return !obs[i].ObservationTime.Before(from)
	})

	var best models.ObservationRecord
	var bestGap time.Duration
	found := false
	for ; i < len(obs); i++ {
		gap := absDuration(obs[i].ObservationTime.Sub(at))
		if obs[i].ObservationTime.After(at) && gap > tolerance {
			break
		}
		if gap > tolerance {
			continue
		}
		if !found || gap < bestGap || (gap == bestGap && obs[i].ID < best.ID) {
			best, bestGap, found = obs[i], gap, true
		}
	}
	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
