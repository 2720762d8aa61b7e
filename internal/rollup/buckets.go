// Package rollup keeps calendar-bucketed accuracy statistics so reads do not
// rescan raw deviations.
package rollup

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickb777/period"

	"github.com/lox/forecastaccuracy/internal/models"
)

var (
	ErrInvalidGranularity = errors.New("invalid granularity")
	ErrNoData             = errors.New("no data")
)

// bucketPeriod is the ISO-8601 length of one bucket.
func bucketPeriod(g models.Granularity) (period.Period, error) {
	var iso string
	switch g {
	case models.GranularityDay:
		iso = "P1D"
	case models.GranularityWeek:
		iso = "P7D"
	case models.GranularityMonth:
		iso = "P1M"
	default:
		return period.Period{}, fmt.Errorf("%w: %d", ErrInvalidGranularity, g)
	}
	return period.Parse(iso)
}

// BucketStart aligns t to the start of its UTC bucket. Weeks start on Monday.
func BucketStart(g models.Granularity, t time.Time) (time.Time, error) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case models.GranularityDay:
		return day, nil
	case models.GranularityWeek:
		sinceMonday := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -sinceMonday), nil
	case models.GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidGranularity, g)
	}
}

// Bucket is the half-open interval [Start, End).
type Bucket struct {
	Start time.Time
	End   time.Time
}

func (b Bucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// BucketFor returns the bucket containing t.
func BucketFor(g models.Granularity, t time.Time) (Bucket, error) {
	start, err := BucketStart(g, t)
	if err != nil {
		return Bucket{}, err
	}
	p, err := bucketPeriod(g)
	if err != nil {
		return Bucket{}, err
	}
	end, ok := p.AddTo(start)
	if !ok {
		return Bucket{}, fmt.Errorf("imprecise bucket end for %s at %s", g, start.Format(time.RFC3339))
	}
	return Bucket{Start: start, End: end}, nil
}

// Buckets returns every bucket overlapping [start, end), in order.
func Buckets(g models.Granularity, start, end time.Time) ([]Bucket, error) {
	var buckets []Bucket
	for at := start; at.Before(end); {
		b, err := BucketFor(g, at)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
		at = b.End
	}
	return buckets, nil
}
