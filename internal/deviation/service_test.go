package deviation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/forecastaccuracy/internal/matching"
	"github.com/lox/forecastaccuracy/internal/models"
	"github.com/lox/forecastaccuracy/internal/store"
	"github.com/lox/forecastaccuracy/internal/store/storetest"
)

var (
	day  = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	noon = day.Add(12 * time.Hour)
)

type fixture struct {
	store *store.Store
	svc   *Service
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storetest.New(t), clock: day.AddDate(0, 0, 1)}
	f.svc = NewService(f.store, 0, storetest.Logger())
	f.store.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) seed(t *testing.T, forecasts []models.ForecastRecord, observations []models.ObservationRecord) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.InsertForecasts(ctx, forecasts)
	require.NoError(t, err)
	_, err = f.store.InsertObservations(ctx, observations)
	require.NoError(t, err)
	_, err = matching.New(f.store, 0, storetest.Logger()).Run(ctx, matching.Request{SiteID: "IWANDI23", Start: day, End: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T) Result {
	t.Helper()
	res, err := f.svc.Run(context.Background(), Request{SiteID: "IWANDI23", Start: day, End: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	return res
}

func fc(model, param string, run time.Duration, value sql.NullFloat64) models.ForecastRecord {
	return models.ForecastRecord{
		SiteID: "IWANDI23", ModelID: model, ParameterID: param,
		ForecastRun: noon.Add(-run), ValidTime: noon, Value: value,
	}
}

func ob(param string, value sql.NullFloat64) models.ObservationRecord {
	return models.ObservationRecord{SiteID: "IWANDI23", ParameterID: param, ObservationTime: noon, Value: value, Source: "wu"}
}

func TestServiceRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]models.ForecastRecord{
			fc("gfs", "temperature", 6*time.Hour, storetest.Float(20)),
			fc("ecmwf", "temperature", 6*time.Hour, storetest.Float(40)),
			fc("gfs", "wind_direction", 6*time.Hour, storetest.Float(350)),
			fc("gfs", "dewpoint", 6*time.Hour, sql.NullFloat64{}),
		},
		[]models.ObservationRecord{
			ob("temperature", storetest.Float(25)),
			ob("wind_direction", storetest.Float(10)),
			ob("dewpoint", storetest.Float(8)),
		},
	)

	res := f.run(t)
	assert.Equal(t, 4, res.Pairs)
	assert.Equal(t, 3, res.Written)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Outliers)
	assert.Len(t, res.Keys, 3)

	devs, err := f.store.ListDeviations(context.Background(), store.DeviationQuery{SiteID: "IWANDI23"})
	require.NoError(t, err)
	require.Len(t, devs, 3)

	byKey := map[string]models.Deviation{}
	for _, d := range devs {
		byKey[d.ModelID+"/"+d.ParameterID] = d
	}
	assert.Equal(t, 5.0, byKey["gfs/temperature"].Value)
	assert.False(t, byKey["gfs/temperature"].Outlier)
	assert.Equal(t, -15.0, byKey["ecmwf/temperature"].Value)
	assert.True(t, byKey["ecmwf/temperature"].Outlier, "outliers are stored, not dropped")
	assert.Equal(t, 20.0, byKey["gfs/wind_direction"].Value)
	assert.Equal(t, 6, byKey["gfs/wind_direction"].Horizon)
	assert.True(t, byKey["gfs/temperature"].ComputedAt.Equal(f.clock))
}

func TestServiceRun_RerunLeavesRowsUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]models.ForecastRecord{fc("gfs", "temperature", 6*time.Hour, storetest.Float(20))},
		[]models.ObservationRecord{ob("temperature", storetest.Float(25))},
	)
	first := f.clock
	f.run(t)

	f.clock = first.Add(time.Hour)
	res := f.run(t)
	assert.Equal(t, 0, res.Written)
	assert.Len(t, res.Keys, 1)

	devs, err := f.store.ListDeviations(context.Background(), store.DeviationQuery{SiteID: "IWANDI23"})
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.True(t, devs[0].ComputedAt.Equal(first))
}

func TestServiceRun_LatestRunOwnsCollapsedKey(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]models.ForecastRecord{
			fc("gfs", "temperature", 6*time.Hour+10*time.Minute, storetest.Float(18)),
			fc("gfs", "temperature", 5*time.Hour+50*time.Minute, storetest.Float(21)),
		},
		[]models.ObservationRecord{ob("temperature", storetest.Float(25))},
	)

	res := f.run(t)
	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 1, res.Written)

	devs, err := f.store.ListDeviations(context.Background(), store.DeviationQuery{SiteID: "IWANDI23"})
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, 4.0, devs[0].Value)
}

func TestServiceRun_UnknownParameterIsLinear(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[]models.ForecastRecord{fc("gfs", "snow_depth", 6*time.Hour, storetest.Float(10))},
		[]models.ObservationRecord{ob("snow_depth", storetest.Float(350))},
	)

	res := f.run(t)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 0, res.Outliers)
}

func TestServiceRun_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Run(context.Background(), Request{SiteID: "", Start: day, End: day.Add(time.Hour)})
	assert.ErrorIs(t, err, matching.ErrInvalidSite)

	_, err = f.svc.Run(context.Background(), Request{SiteID: "IWANDI23", Start: day, End: day})
	assert.ErrorIs(t, err, matching.ErrInvalidRange)
}
