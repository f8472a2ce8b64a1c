package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func ones(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestReduceGoldenValues(t *testing.T) {
	// Normative example: five rounds of 10, 12, 11, 13, 9 (ms expressed
	// in their own unit here).
	s, err := Reduce([]uint64{10, 12, 11, 13, 9}, ones(5))
	require.NoError(t, err)

	require.Equal(t, uint64(5), s.Rounds)
	require.Equal(t, 11.0, s.Mean)
	require.Equal(t, 9.0, s.Min)
	require.Equal(t, 13.0, s.Max)
	require.InDelta(t, math.Sqrt(2), s.Stdev, 1e-12)
	require.Equal(t, 11.0, s.Median)
	require.Equal(t, 9.5, s.Q1)
	require.Equal(t, 12.5, s.Q3)
	require.Equal(t, uint64(0), s.IQROutlierRounds)
	require.Equal(t, uint64(0), s.StdevOutlierRounds)
}

func TestReduceSingleRound(t *testing.T) {
	s, err := Reduce([]uint64{42}, ones(1))
	require.NoError(t, err)

	require.Equal(t, uint64(1), s.Rounds)
	require.Equal(t, 42.0, s.Mean)
	require.Equal(t, 42.0, s.Min)
	require.Equal(t, 42.0, s.Max)
	require.Equal(t, 42.0, s.Median)
	require.Equal(t, 0.0, s.Stdev)
}

func TestReduceVariableIterations(t *testing.T) {
	// Rounds running 1..6 iterations at 42ns per iteration reduce to a
	// constant per-iteration time.
	iters := []uint64{1, 2, 3, 4, 5, 6}
	times := make([]uint64, len(iters))
	var total uint64
	for i, n := range iters {
		times[i] = 42 * n
		total += times[i]
	}

	s, err := Reduce(times, iters)
	require.NoError(t, err)

	require.Equal(t, 42.0, s.Mean)
	require.Equal(t, 42.0, s.Min)
	require.Equal(t, 42.0, s.Max)
	require.Equal(t, 0.0, s.Stdev)
	require.InDelta(t, float64(total)/1e9, s.TotalTime, 1e-15)
	require.Equal(t, uint64(3), s.ItersPerRound) // mean of 1..6, integer
}

func TestReduceTwoRoundsQuantileInterpolation(t *testing.T) {
	s, err := Reduce([]uint64{10, 20}, ones(2))
	require.NoError(t, err)

	// Two points interpolate linearly: q1 = 12.5, q3 = 17.5.
	require.Equal(t, 12.5, s.Q1)
	require.Equal(t, 15.0, s.Median)
	require.Equal(t, 17.5, s.Q3)
}

func TestReduceFlagsOutliers(t *testing.T) {
	// A single extreme round must show up in both outlier counters but
	// must not be trimmed from mean/min/max.
	s, err := Reduce([]uint64{10, 10, 10, 10, 10, 10, 10, 1000}, ones(8))
	require.NoError(t, err)

	require.Equal(t, 1000.0, s.Max)
	require.GreaterOrEqual(t, s.IQROutlierRounds, uint64(1))
	require.GreaterOrEqual(t, s.StdevOutlierRounds, uint64(1))
}

func TestReduceEmptyRoundsFails(t *testing.T) {
	_, err := Reduce(nil, nil)
	require.ErrorIs(t, err, ErrEmptyResults)
}

func TestReduceLengthMismatch(t *testing.T) {
	_, err := Reduce([]uint64{1, 2}, ones(1))
	require.Error(t, err)
}
