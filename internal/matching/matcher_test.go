package matching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
	"github.com/lox/forecastaccuracy/internal/store/storetest"
)

func seed(t *testing.T, s *store.Store, forecasts []models.ForecastRecord, observations []models.ObservationRecord) {
	t.Helper()
	ctx := context.Background()
	_, err := s.InsertForecasts(ctx, forecasts)
	require.NoError(t, err)
	_, err = s.InsertObservations(ctx, observations)
	require.NoError(t, err)
}

func dayRequest() Request {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	return Request{SiteID: "IWANDI23", Start: day, End: day.AddDate(0, 0, 1)}
}

func TestMatcherRun_Idempotent(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	seed(t, s,
		[]models.ForecastRecord{
			forecastAt(0, validTime.Add(-6*time.Hour), validTime),
			forecastAt(0, validTime.Add(-24*time.Hour), validTime),
			forecastAt(0, validTime.Add(-6*time.Hour), validTime.Add(3*time.Hour)),
		},
		[]models.ObservationRecord{obsAt(0, 10*time.Minute), obsAt(0, -25*time.Minute)},
	)

	m := New(s, 0, storetest.Logger())
	res, err := m.Run(ctx, dayRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Forecasts)
	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, 1, res.Unmatched)
	assert.Equal(t, 1, res.Batches)

	first, err := s.PairsInRange(ctx, "IWANDI23", dayRequest().Start, dayRequest().End)
	require.NoError(t, err)
	require.Len(t, first, 2)

	res, err = m.Run(ctx, dayRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 0, res.Written, "rerun changes nothing")

	second, err := s.PairsInRange(ctx, "IWANDI23", dayRequest().Start, dayRequest().End)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	horizons := []int{first[0].Horizon, first[1].Horizon}
	assert.ElementsMatch(t, []int{6, 24}, horizons)
	for _, p := range first {
		assert.Equal(t, 10*time.Minute, p.TimeDiff)
	}
}

func TestMatcherRun_LateCloserObservationRepoints(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	seed(t, s,
		[]models.ForecastRecord{forecastAt(0, validTime.Add(-6*time.Hour), validTime)},
		[]models.ObservationRecord{obsAt(0, 20*time.Minute)},
	)
	m := New(s, 0, storetest.Logger())
	_, err := m.Run(ctx, dayRequest())
	require.NoError(t, err)

	late := obsAt(0, 2*time.Minute)
	late.Source = "bom"
	_, err = s.InsertObservations(ctx, []models.ObservationRecord{late})
	require.NoError(t, err)

	res, err := m.Run(ctx, dayRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	pairs, err := s.PairsInRange(ctx, "IWANDI23", dayRequest().Start, dayRequest().End)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, 2*time.Minute, pairs[0].TimeDiff)
}

func TestMatcherRun_Batches(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	var forecasts []models.ForecastRecord
	var observations []models.ObservationRecord
	for i := 0; i < 5; i++ {
		at := dayRequest().Start.Add(time.Duration(i) * time.Hour)
		forecasts = append(forecasts, forecastAt(0, at.Add(-time.Hour), at))
		o := obsAt(0, 0)
		o.ObservationTime = at
		observations = append(observations, o)
	}
	seed(t, s, forecasts, observations)

	res, err := New(s, 2, storetest.Logger()).Run(ctx, dayRequest())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
	assert.Equal(t, 3, res.Batches)
}

func TestMatcherRun_SkipsForecastBeforeRun(t *testing.T) {
	s := storetest.New(t)
	seed(t, s,
		[]models.ForecastRecord{forecastAt(0, validTime.Add(time.Hour), validTime)},
		[]models.ObservationRecord{obsAt(0, 0)},
	)

	res, err := New(s, 0, storetest.Logger()).Run(context.Background(), dayRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Pairs)
	assert.Equal(t, 0, res.Unmatched)
}

func TestMatcherRun_NoObservations(t *testing.T) {
	s := storetest.New(t)
	seed(t, s, []models.ForecastRecord{forecastAt(0, validTime.Add(-time.Hour), validTime)}, nil)

	res, err := New(s, 0, storetest.Logger()).Run(context.Background(), dayRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pairs)
	assert.Equal(t, 1, res.Unmatched)
}

type failingStore struct{ Store }

func (failingStore) ForecastsInRange(context.Context, string, time.Time, time.Time) ([]models.ForecastRecord, error) {
	panic("storage must not be touched for invalid requests")
}

func TestMatcherRun_RejectsBadRequests(t *testing.T) {
	m := New(failingStore{}, 0, storetest.Logger())
	good := dayRequest()

	tests := []struct {
		name string
		req  func(r Request) Request
		err  error
	}{
		{"empty site", func(r Request) Request { r.SiteID = ""; return r }, ErrInvalidSite},
		{"bad site", func(r Request) Request { r.SiteID = "../etc"; return r }, ErrInvalidSite},
		{"inverted range", func(r Request) Request { r.Start, r.End = r.End, r.Start; return r }, ErrInvalidRange},
		{"empty range", func(r Request) Request { r.End = r.Start; return r }, ErrInvalidRange},
		{"zero start", func(r Request) Request { r.Start = time.Time{}; return r }, ErrInvalidRange},
		{"negative tolerance", func(r Request) Request { r.Tolerance = -time.Minute; return r }, ErrInvalidTolerance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Run(context.Background(), tt.req(good))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestMatcherRun_ZeroToleranceUsesDefault(t *testing.T) {
	s := storetest.New(t)
	seed(t, s,
		[]models.ForecastRecord{forecastAt(0, validTime.Add(-6*time.Hour), validTime)},
		[]models.ObservationRecord{obsAt(0, 30*time.Minute)},
	)

	req := dayRequest()
	req.Tolerance = 0
	res, err := New(s, 0, storetest.Logger()).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pairs, "30:00 is inside the default window")
}
