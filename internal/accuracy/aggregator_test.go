package accuracy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
	"github.com/lox/forecastaccuracy/internal/store/storetest"
)

var (
	start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	key   = models.MetricKey{SiteID: "IWANDI23", ModelID: "gfs", ParameterID: "temperature", Horizon: 24}
)

func seedDeviations(t *testing.T, s *store.Store, k models.MetricKey, values ...float64) {
	t.Helper()
	devs := make([]models.Deviation, len(values))
	for i, v := range values {
		devs[i] = models.Deviation{
			SiteID: k.SiteID, ModelID: k.ModelID, ParameterID: k.ParameterID, Horizon: k.Horizon,
			ValidTime: start.Add(time.Duration(i) * time.Hour), PairID: int64(i + 1), Value: v, ComputedAt: start,
		}
	}
	_, err := s.UpsertDeviations(context.Background(), devs)
	require.NoError(t, err)
}

func newAggregator(s *store.Store) *Aggregator {
	a := NewAggregator(s, 2, storetest.Logger())
	a.now = func() time.Time { return start.AddDate(0, 1, 0) }
	return a
}

func TestRecompute(t *testing.T) {
	s := storetest.New(t)
	seedDeviations(t, s, key, 2, -1, 3, -2, 1)
	a := newAggregator(s)

	m, err := a.Recompute(context.Background(), key)
	require.NoError(t, err)
	assert.InDelta(t, 1.8, m.MAE, 1e-12)
	assert.InDelta(t, 0.6, m.Bias, 1e-12)
	assert.Equal(t, 5, m.SampleSize)
	assert.Equal(t, models.ConfidenceInsufficient, m.Confidence)
	assert.True(t, m.FirstValidTime.Equal(start))
	assert.True(t, m.LastValidTime.Equal(start.Add(4*time.Hour)))

	stored, err := s.GetAccuracyMetric(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, m.MAE, stored.MAE)
	assert.Equal(t, m.CILower, stored.CILower)
}

func TestRecompute_RerunIsIdentical(t *testing.T) {
	s := storetest.New(t)
	seedDeviations(t, s, key, 0.1, -0.7, 3.3, 12.25, -8.125, 0.3)
	a := newAggregator(s)

	first, err := a.Recompute(context.Background(), key)
	require.NoError(t, err)
	second, err := a.Recompute(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := s.ListAccuracyMetrics(context.Background(), "IWANDI23")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecompute_ReplacesWholesale(t *testing.T) {
	s := storetest.New(t)
	seedDeviations(t, s, key, 1, 1, 1)
	a := newAggregator(s)

	_, err := a.Recompute(context.Background(), key)
	require.NoError(t, err)

	values := make([]float64, 95)
	for i := range values {
		values[i] = -2
	}
	seedDeviations(t, s, key, values...)

	m, err := a.Recompute(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 95, m.SampleSize)
	assert.Equal(t, -2.0, m.Bias)
	assert.Equal(t, models.ConfidenceValidated, m.Confidence)
}

func TestRecompute_NoDeviations(t *testing.T) {
	s := storetest.New(t)
	a := newAggregator(s)

	require.NoError(t, s.UpsertAccuracyMetric(context.Background(), models.AccuracyMetric{MetricKey: key, SampleSize: 3}))

	_, err := a.Recompute(context.Background(), key)
	assert.ErrorIs(t, err, ErrNoDeviations)

	stale, err := s.GetAccuracyMetric(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, stale)
}

func TestRecomputeSite(t *testing.T) {
	s := storetest.New(t)
	other := key
	other.Horizon = 48
	seedDeviations(t, s, key, 1, 2)
	seedDeviations(t, s, other, 3)
	a := newAggregator(s)

	res, err := a.RecomputeSite(context.Background(), "IWANDI23")
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Recomputed: 2}, res)

	stored, err := s.ListAccuracyMetrics(context.Background(), "IWANDI23")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

type flakyStore struct {
	*store.Store
	fail models.MetricKey
}

func (f flakyStore) ListDeviations(ctx context.Context, q store.DeviationQuery) ([]models.Deviation, error) {
	if q.Horizon != nil && *q.Horizon == f.fail.Horizon {
		return nil, errors.New("disk on fire")
	}
	return f.Store.ListDeviations(ctx, q)
}

func TestRecomputeKeys_OneFailureDoesNotStopOthers(t *testing.T) {
	s := storetest.New(t)
	bad := key
	bad.Horizon = 72
	empty := key
	empty.Horizon = 96
	seedDeviations(t, s, key, 1, 2, 3)
	seedDeviations(t, s, bad, 4)

	a := NewAggregator(flakyStore{Store: s, fail: bad}, 3, storetest.Logger())
	res, err := a.RecomputeKeys(context.Background(), []models.MetricKey{key, bad, empty})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Recomputed: 1, Empty: 1, Failed: 1}, res)

	m, err := s.GetAccuracyMetric(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, m.SampleSize)
}

// countingStore records every call that reaches storage.
type countingStore struct {
	*store.Store
	calls int
}

func (c *countingStore) ListDeviations(ctx context.Context, q store.DeviationQuery) ([]models.Deviation, error) {
	c.calls++
	return c.Store.ListDeviations(ctx, q)
}

func (c *countingStore) DeleteAccuracyMetric(ctx context.Context, k models.MetricKey) error {
	c.calls++
	return c.Store.DeleteAccuracyMetric(ctx, k)
}

func (c *countingStore) UpsertAccuracyMetric(ctx context.Context, m models.AccuracyMetric) error {
	c.calls++
	return c.Store.UpsertAccuracyMetric(ctx, m)
}

func TestRecompute_InvalidKeyNeverTouchesStore(t *testing.T) {
	s := storetest.New(t)
	seedDeviations(t, s, key, 1, 2, 3)
	_, err := newAggregator(s).Recompute(context.Background(), key)
	require.NoError(t, err)
	cs := &countingStore{Store: s}
	a := NewAggregator(cs, 1, storetest.Logger())

	tests := []struct {
		name string
		key  models.MetricKey
	}{
		{"empty", models.MetricKey{}},
		{"bad site", models.MetricKey{SiteID: "../IWANDI23", ModelID: "gfs", ParameterID: "temperature", Horizon: 24}},
		{"no model", models.MetricKey{SiteID: "IWANDI23", ParameterID: "temperature", Horizon: 24}},
		{"no parameter", models.MetricKey{SiteID: "IWANDI23", ModelID: "gfs", Horizon: 24}},
		{"negative horizon", models.MetricKey{SiteID: "IWANDI23", ModelID: "gfs", ParameterID: "temperature", Horizon: -6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Recompute(context.Background(), tt.key)
			assert.ErrorIs(t, err, ErrInvalidKey)
			assert.Zero(t, cs.calls)
		})
	}

	m, err := s.GetAccuracyMetric(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, m.SampleSize)
}
