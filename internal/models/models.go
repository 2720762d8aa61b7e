package models

import (
	"database/sql"
	"time"
)

type ForecastRecord struct {
	ID          int64
	SiteID      string
	ModelID     string
	ParameterID string
	ForecastRun time.Time // when the prediction was issued
	ValidTime   time.Time // when the prediction is for
	Value       sql.NullFloat64
}

type ObservationRecord struct {
	ID              int64
	SiteID          string
	ParameterID     string
	ObservationTime time.Time
	Value           sql.NullFloat64
	Source          string // provenance network, e.g. "wu", "bom", "synop"
}

// MatchedPair links a forecast to the observation chosen as its ground truth.
type MatchedPair struct {
	ID              int64
	ForecastID      int64
	ObservationID   int64
	SiteID          string
	ModelID         string
	ParameterID     string
	ForecastRun     time.Time
	ValidTime       time.Time
	ObservationTime time.Time
	Horizon         int           // whole hours between ForecastRun and ValidTime
	TimeDiff        time.Duration // ObservationTime - ValidTime
	ForecastValue   sql.NullFloat64
	ObservedValue   sql.NullFloat64
}

// TimeDiffMinutes is the signed observation offset used for quality auditing.
func (p MatchedPair) TimeDiffMinutes() float64 {
	return p.TimeDiff.Minutes()
}

type Deviation struct {
	SiteID        string
	ModelID       string
	ParameterID   string
	Horizon       int
	ValidTime     time.Time
	PairID        int64
	ForecastValue float64
	ObservedValue float64
	Value         float64 // observed - forecast; positive means the model underestimated
	Outlier       bool
	ComputedAt    time.Time // stamped by the store when the row last changed
	Revision      int64     // store-assigned, increases with every change
}

// Key returns the aggregation key this deviation contributes to.
func (d Deviation) Key() MetricKey {
	return MetricKey{SiteID: d.SiteID, ModelID: d.ModelID, ParameterID: d.ParameterID, Horizon: d.Horizon}
}

// MetricKey identifies one AccuracyMetric row.
type MetricKey struct {
	SiteID      string `json:"site_id"`
	ModelID     string `json:"model_id"`
	ParameterID string `json:"parameter_id"`
	Horizon     int    `json:"horizon"`
}

type AccuracyMetric struct {
	MetricKey
	MAE            float64         `json:"mae"`
	Bias           float64         `json:"bias"`
	StdDev         float64         `json:"std_dev"`
	SampleSize     int             `json:"sample_size"`
	MinDeviation   float64         `json:"min_deviation"`
	MaxDeviation   float64         `json:"max_deviation"`
	CILower        float64         `json:"ci_lower"`
	CIUpper        float64         `json:"ci_upper"`
	Confidence     ConfidenceLevel `json:"confidence"`
	FirstValidTime time.Time       `json:"first_valid_time"`
	LastValidTime  time.Time       `json:"last_valid_time"`
	ComputedAt     time.Time       `json:"computed_at"`
}

type Rollup struct {
	MetricKey
	Granularity Granularity `json:"granularity"`
	BucketStart time.Time   `json:"bucket_start"`
	BucketEnd   time.Time   `json:"bucket_end"`
	MAE         float64     `json:"mae"`
	Bias        float64     `json:"bias"`
	StdDev      float64     `json:"std_dev"`
	SampleSize  int         `json:"sample_size"`
	RefreshedAt time.Time   `json:"refreshed_at"`

	// SourceRevision is the highest deviation revision the bucket had when
	// it was read for this refresh.
	SourceRevision int64 `json:"source_revision"`
}

type Parameter struct {
	ParameterID      string
	Kind             ParameterKind
	Unit             string
	OutlierThreshold sql.NullFloat64 // absolute deviation above which a WARN flag is raised
}

type JobRun struct {
	ID         string
	Job        string // "match", "deviate", "aggregate", "rollup", "pipeline"
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     JobStatus
	Scope      string
	Items      int
	Error      sql.NullString
}
