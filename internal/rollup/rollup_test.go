package rollup

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

var key = models.MetricKey{SiteID: "IWANDI23", ModelID: "gfs", ParameterID: "temperature", Horizon: 24}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBucketStart(t *testing.T) {
	tests := []struct {
		name string
		g    models.Granularity
		at   time.Time
		want time.Time
	}{
		{"day", models.GranularityDay, time.Date(2025, 1, 15, 23, 59, 59, 0, time.UTC), date(2025, 1, 15)},
		{"week from wednesday", models.GranularityWeek, time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC), date(2025, 1, 13)},
		{"week from sunday", models.GranularityWeek, date(2025, 1, 19), date(2025, 1, 13)},
		{"week from monday", models.GranularityWeek, date(2025, 1, 20), date(2025, 1, 20)},
		{"week across year", models.GranularityWeek, date(2025, 1, 1), date(2024, 12, 30)},
		{"month", models.GranularityMonth, time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC), date(2025, 2, 1)},
		{"non-UTC input", models.GranularityDay, time.Date(2025, 1, 16, 2, 0, 0, 0, time.FixedZone("AEDT", 11*3600)), date(2025, 1, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BucketStart(tt.g, tt.at)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := BucketStart(models.Granularity(0), date(2025, 1, 1))
	assert.ErrorIs(t, err, ErrInvalidGranularity)
}

func TestBucketFor_Ends(t *testing.T) {
	b, err := BucketFor(models.GranularityMonth, date(2024, 2, 10))
	require.NoError(t, err)
	assert.True(t, b.End.Equal(date(2024, 3, 1)))

	b, err = BucketFor(models.GranularityWeek, date(2025, 1, 15))
	require.NoError(t, err)
	assert.True(t, b.End.Equal(date(2025, 1, 20)))
	assert.True(t, b.Contains(date(2025, 1, 19)))
	assert.False(t, b.Contains(date(2025, 1, 20)))

	b, err = BucketFor(models.GranularityDay, date(2025, 1, 15))
	require.NoError(t, err)
	assert.True(t, b.End.Equal(date(2025, 1, 16)))
}

func TestBuckets(t *testing.T) {
	buckets, err := Buckets(models.GranularityDay, time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC), date(2025, 1, 18))
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.True(t, buckets[0].Start.Equal(date(2025, 1, 15)))
	assert.True(t, buckets[2].End.Equal(date(2025, 1, 18)))

	buckets, err = Buckets(models.GranularityMonth, date(2025, 1, 31), date(2025, 3, 1))
	require.NoError(t, err)
	assert.Len(t, buckets, 2)
}

type fixture struct {
	store *store.Store
	r     *Refresher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storetest.New(t), clock: date(2025, 2, 1)}
	f.r = NewRefresher(f.store, storetest.Logger())
	f.r.now = func() time.Time { return f.clock }
	f.store.SetClock(func() time.Time { return f.clock })
	return f
}

func deviationAt(at time.Time, value float64) models.Deviation {
	return models.Deviation{
		SiteID: key.SiteID, ModelID: key.ModelID, ParameterID: key.ParameterID, Horizon: key.Horizon,
		ValidTime: at, PairID: at.Unix(), Value: value,
	}
}

func (f *fixture) deviate(t *testing.T, at time.Time, value float64) {
	t.Helper()
	_, err := f.store.UpsertDeviations(context.Background(), []models.Deviation{deviationAt(at, value)})
	require.NoError(t, err)
}

func (f *fixture) refresh(t *testing.T, g models.Granularity, start, end time.Time, force bool) Result {
	t.Helper()
	res, err := f.r.Refresh(context.Background(), Request{Key: key, Granularity: g, Start: start, End: end, Force: force})
	require.NoError(t, err)
	return res
}

func TestGet_NeverRefreshedIsNoData(t *testing.T) {
	f := newFixture(t)
	f.deviate(t, date(2025, 1, 15).Add(6*time.Hour), 1)

	_, err := f.r.Get(context.Background(), key, models.GranularityDay, date(2025, 1, 15))
	assert.ErrorIs(t, err, ErrNoData)

	_, err = f.r.Get(context.Background(), key, models.Granularity(9), date(2025, 1, 15))
	assert.ErrorIs(t, err, ErrInvalidGranularity)
}

func TestRefresh_DailyBuckets(t *testing.T) {
	f := newFixture(t)
	day := date(2025, 1, 15)
	for i, v := range []float64{2, -1, 3, -2, 1} {
		f.deviate(t, day.Add(time.Duration(i)*time.Hour), v)
	}
	f.deviate(t, day.AddDate(0, 0, 1), 4)

	f.clock = f.clock.Add(time.Minute)
	res := f.refresh(t, models.GranularityDay, day, day.AddDate(0, 0, 3), false)
	assert.Equal(t, Result{Buckets: 3, Refreshed: 2}, res)

	r, err := f.r.Get(context.Background(), key, models.GranularityDay, day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.8, r.MAE, 1e-12)
	assert.InDelta(t, 0.6, r.Bias, 1e-12)
	assert.Equal(t, 5, r.SampleSize)
	assert.True(t, r.BucketEnd.Equal(day.AddDate(0, 0, 1)))

	_, err = f.r.Get(context.Background(), key, models.GranularityDay, day.AddDate(0, 0, 2))
	assert.ErrorIs(t, err, ErrNoData, "empty bucket is not a zero rollup")

	list, err := f.r.List(context.Background(), key, models.GranularityDay, day, day.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRefresh_LateDeviationOnlyTouchesItsBucket(t *testing.T) {
	f := newFixture(t)
	day := date(2025, 1, 15)
	f.deviate(t, day.Add(time.Hour), 1)
	f.deviate(t, day.AddDate(0, 0, 1).Add(time.Hour), 2)

	f.clock = f.clock.Add(time.Minute)
	f.refresh(t, models.GranularityDay, day, day.AddDate(0, 0, 2), false)
	neighbour, err := f.r.Get(context.Background(), key, models.GranularityDay, day.AddDate(0, 0, 1))
	require.NoError(t, err)

	res := f.refresh(t, models.GranularityDay, day, day.AddDate(0, 0, 2), false)
	assert.Equal(t, Result{Buckets: 2, Fresh: 2}, res)

	f.clock = f.clock.Add(time.Hour)
	f.deviate(t, day.Add(2*time.Hour), 3)
	f.clock = f.clock.Add(time.Minute)

	res = f.refresh(t, models.GranularityDay, day, day.AddDate(0, 0, 2), false)
	assert.Equal(t, Result{Buckets: 2, Refreshed: 1, Fresh: 1}, res)

	updated, err := f.r.Get(context.Background(), key, models.GranularityDay, day)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.SampleSize)
	assert.Equal(t, 2.0, updated.Bias)

	after, err := f.r.Get(context.Background(), key, models.GranularityDay, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, neighbour, after, "adjacent bucket untouched")
}

func TestRefresh_ForceRecomputesFreshBuckets(t *testing.T) {
	f := newFixture(t)
	week := date(2025, 1, 13)
	f.deviate(t, week.AddDate(0, 0, 2), 1)

	f.clock = f.clock.Add(time.Minute)
	f.refresh(t, models.GranularityWeek, week, week.AddDate(0, 0, 7), false)

	f.clock = f.clock.Add(time.Hour)
	res := f.refresh(t, models.GranularityWeek, week, week.AddDate(0, 0, 7), true)
	assert.Equal(t, 1, res.Refreshed)

	r, err := f.r.Get(context.Background(), key, models.GranularityWeek, week.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.True(t, r.RefreshedAt.Equal(f.clock))
}

func TestRefresh_EmptiedBucketIsRemoved(t *testing.T) {
	f := newFixture(t)
	month := date(2025, 1, 1)
	require.NoError(t, f.store.UpsertRollup(context.Background(), models.Rollup{
		MetricKey: key, Granularity: models.GranularityMonth, BucketStart: month, BucketEnd: month.AddDate(0, 1, 0),
		SampleSize: 7, RefreshedAt: f.clock,
	}))

	res := f.refresh(t, models.GranularityMonth, month, month.AddDate(0, 1, 0), false)
	assert.Equal(t, 1, res.Removed)

	_, err := f.r.Get(context.Background(), key, models.GranularityMonth, month)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestRefresh_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Refresh(context.Background(), Request{Key: key, Granularity: models.GranularityDay, Start: date(2025, 1, 2), End: date(2025, 1, 1)})
	assert.Error(t, err)

	_, err = f.r.Refresh(context.Background(), Request{Key: key, Start: date(2025, 1, 1), End: date(2025, 1, 2)})
	assert.ErrorIs(t, err, ErrInvalidGranularity)
}

func TestRefresh_WriteStampedBeforeLastRefreshIsNotFresh(t *testing.T) {
	f := newFixture(t)
	day := date(2025, 1, 15)
	runStart := f.clock

	f.deviate(t, day.Add(time.Hour), 1)

	f.clock = runStart.Add(30 * time.Second)
	res := f.refresh(t, models.GranularityDay, day, day.AddDate(0, 0, 1), false)
	require.Equal(t, 1, res.Refreshed)

	// a slower writer whose clock still reads the start of its run
	f.clock = runStart
	f.deviate(t, day.Add(2*time.Hour), 5)

	f.clock = runStart.Add(time.Hour)
	res = f.refresh(t, models.GranularityDay, day, day.AddDate(0, 0, 1), false)
	assert.Equal(t, Result{Buckets: 1, Refreshed: 1}, res)

	r, err := f.r.Get(context.Background(), key, models.GranularityDay, day)
	require.NoError(t, err)
	assert.Equal(t, 2, r.SampleSize)
	assert.Equal(t, 3.0, r.Bias)
}

// interleavingStore runs after once, right after the refresher has read a
// bucket's deviations and before it stores the rollup.
type interleavingStore struct {
	*store.Store
	after func()
}

func (s *interleavingStore) ListDeviations(ctx context.Context, q store.DeviationQuery) ([]models.Deviation, error) {
	devs, err := s.Store.ListDeviations(ctx, q)
	if s.after != nil {
		after := s.after
		s.after = nil
		after()
	}
	return devs, err
}

func TestRefresh_WriteDuringRefreshIsPickedUpNextTime(t *testing.T) {
	f := newFixture(t)
	day := date(2025, 1, 15)
	f.deviate(t, day.Add(time.Hour), 1)

	is := &interleavingStore{Store: f.store}
	is.after = func() { f.deviate(t, day.Add(2*time.Hour), 5) }
	r := NewRefresher(is, storetest.Logger())
	r.now = func() time.Time { return f.clock }

	refresh := func() Result {
		res, err := r.Refresh(context.Background(), Request{Key: key, Granularity: models.GranularityDay, Start: day, End: day.AddDate(0, 0, 1)})
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, 1, refresh().Refreshed)
	stale, err := r.Get(context.Background(), key, models.GranularityDay, day)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.SampleSize, "written after the read")

	f.clock = f.clock.Add(time.Hour)
	assert.Equal(t, Result{Buckets: 1, Refreshed: 1}, refresh())

	got, err := r.Get(context.Background(), key, models.GranularityDay, day)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SampleSize)
	assert.Equal(t, 3.0, got.Bias)

	assert.Equal(t, Result{Buckets: 1, Fresh: 1}, refresh())
}
