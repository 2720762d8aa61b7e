// Package accuracy reduces deviations into summary accuracy statistics.
package accuracy

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrNoDeviations = errors.New("no deviations")
	ErrInvalidKey   = errors.New("invalid metric key")
)

// Confidence is the two-sided coverage of the interval around the bias.
const Confidence = 0.95

type Summary struct {
	N       int     `json:"sample_size"`
	MAE     float64 `json:"mae"`
	Bias    float64 `json:"bias"`
	StdDev  float64 `json:"std_dev"`
	Min     float64 `json:"min_deviation"`
	Max     float64 `json:"max_deviation"`
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`
}

// Summarize computes the statistics of a deviation population. The standard
// deviation uses n-1 and is 0 for a single sample or identical samples. The
// interval is bias ± t(0.975, n-1)·sd/√n, collapsing to [bias, bias] when n ≤ 1.
// The result depends on the order of values only through floating-point
// summation, so callers pass them in a stable order.
func Summarize(values []float64) (Summary, error) {
	n := len(values)
	if n == 0 {
		return Summary{}, ErrNoDeviations
	}

	abs := make([]float64, n)
	s := Summary{N: n, Min: values[0], Max: values[0]}
	for i, v := range values {
		abs[i] = math.Abs(v)
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.MAE = stat.Mean(abs, nil)
	s.Bias = stat.Mean(values, nil)

	if n > 1 && s.Min != s.Max {
		s.StdDev = math.Sqrt(stat.Variance(values, nil))
	}

	s.CILower, s.CIUpper = s.Bias, s.Bias
	if n > 1 {
		t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(1 - (1-Confidence)/2)
		margin := t * s.StdDev / math.Sqrt(float64(n))
		s.CILower, s.CIUpper = s.Bias-margin, s.Bias+margin
	}
	return s, nil
}
