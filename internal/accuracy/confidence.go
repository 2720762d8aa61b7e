package accuracy

import (
	"time"

	"github.com/lox/forecastaccuracy/internal/models"
)

const (
	PreliminaryMinimum = 30
	ValidatedMinimum   = 90
)

// Classify judges whether a metric has enough samples behind it to trust.
// The basis is the number of deviations, not the calendar span they cover.
func Classify(sampleSize int) models.ConfidenceLevel {
	switch {
	case sampleSize >= ValidatedMinimum:
		return models.ConfidenceValidated
	case sampleSize >= PreliminaryMinimum:
		return models.ConfidencePreliminary
	default:
		return models.ConfidenceInsufficient
	}
}

// Assessment is an ad hoc confidence judgment. SpanDays is informational.
type Assessment struct {
	Level      models.ConfidenceLevel `json:"level"`
	SampleSize int                    `json:"sample_size"`
	SpanDays   int                    `json:"span_days"`
}

// Assess classifies a sample by count and reports the whole days between its
// earliest and latest timestamps.
func Assess(sampleSize int, earliest, latest time.Time) Assessment {
	a := Assessment{Level: Classify(sampleSize), SampleSize: sampleSize}
	if latest.After(earliest) {
		a.SpanDays = int(latest.Sub(earliest) / (24 * time.Hour))
	}
	return a
}
