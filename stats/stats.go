// Package stats reduces per-round benchmark measurements into summary
// statistics. The aggregation order, interpolation method, and rounding
// behavior intentionally mirror the reference walltime implementation
// (python's statistics module as used by the pytest integration), so the
// formulas are written out explicitly instead of delegating to a stats
// library. Golden values in stats_test.go pin the compatibility.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrEmptyResults marks a benchmark identity that produced zero measured
// rounds. Fatal for the run unless empty results were explicitly allowed.
var ErrEmptyResults = errors.New("benchmark produced zero rounds")

// Summary is the reduced form of one benchmark identity's rounds. Values
// are in the unit of the input rounds (nanoseconds for walltime, counter
// units for valgrind-class instruments, bytes for memory).
type Summary struct {
	Rounds uint64  `json:"rounds"`
	Mean   float64 `json:"mean"`
	Stdev  float64 `json:"stdev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	// TotalTime is the wall clock spent across all rounds, in seconds.
	TotalTime float64 `json:"total_time"`
	// Outlier round counts, reported for diagnostics and never trimmed
	// from the aggregates above.
	IQROutlierRounds   uint64 `json:"iqr_outlier_rounds"`
	StdevOutlierRounds uint64 `json:"stdev_outlier_rounds"`
	ItersPerRound      uint64 `json:"iter_per_round"`
	WarmupIters        uint64 `json:"warmup_iters"`
}

// Reduce aggregates the measured (post-warmup) rounds of one identity.
// timesPerRound holds the raw per-round values; itersPerRound the number
// of in-process iterations each round performed (all ones for subprocess
// benchmarks). Both slices must have equal length.
func Reduce(timesPerRound []uint64, itersPerRound []uint64) (Summary, error) {
	if len(timesPerRound) == 0 {
		return Summary{}, ErrEmptyResults
	}
	if len(itersPerRound) != len(timesPerRound) {
		return Summary{}, fmt.Errorf("rounds/iterations length mismatch: %d != %d",
			len(timesPerRound), len(itersPerRound))
	}

	var totalNs uint64
	perIter := make([]float64, len(timesPerRound))
	var iterSum uint64
	for i, t := range timesPerRound {
		totalNs += t
		iters := itersPerRound[i]
		if iters == 0 {
			iters = 1
		}
		iterSum += iters
		// Integer division first, matching the reference: the per-round
		// value is normalized to a per-iteration value before any float
		// math happens.
		perIter[i] = float64(t / iters)
	}
	sort.Float64s(perIter)

	n := len(perIter)
	sum := 0.0
	for _, v := range perIter {
		sum += v
	}
	mean := sum / float64(n)

	s := Summary{
		Rounds:        uint64(n),
		Mean:          mean,
		Min:           perIter[0],
		Max:           perIter[n-1],
		Q1:            quantile(perIter, 0.25),
		Median:        median(perIter),
		Q3:            quantile(perIter, 0.75),
		Stdev:         populationStdev(perIter, mean),
		TotalTime:     float64(totalNs) / 1e9,
		ItersPerRound: iterSum / uint64(n),
	}

	iqr := s.Q3 - s.Q1
	lo, hi := s.Q1-1.5*iqr, s.Q3+1.5*iqr
	for _, v := range perIter {
		if v < lo || v > hi {
			s.IQROutlierRounds++
		}
		if math.Abs(v-mean) > 2*s.Stdev && s.Stdev > 0 {
			s.StdevOutlierRounds++
		}
	}
	return s, nil
}

// populationStdev divides by n, not n-1: the normative example of the
// walltime reference yields 1.414... for rounds [10 12 11 13 9].
func populationStdev(sorted []float64, mean float64) float64 {
	n := len(sorted)
	if n <= 1 {
		return 0
	}
	variance := 0.0
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

func median(sorted []float64) float64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// quantile interpolates with the exclusive method of the reference
// (python statistics.quantiles): position p*(n+1)-1 in 0-based indexing,
// linear interpolation between neighbors, edge positions clamped.
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch n {
	case 0:
		return 0
	case 1:
		return sorted[0]
	case 2:
		return sorted[0]*(1-p) + sorted[1]*p
	}

	pos := p*(float64(n)+1) - 1
	idx := int(math.Floor(pos))
	frac := pos - math.Floor(pos)
	if idx < 0 {
		return sorted[0]
	}
	if idx+1 < n {
		return sorted[idx]*(1-frac) + sorted[idx+1]*frac
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}
