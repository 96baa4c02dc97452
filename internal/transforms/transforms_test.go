package transforms

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

func dates(start time.Time, step time.Duration, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * step)
	}
	return out
}

func monthlyDates(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, i, 0)
	}
	return out
}

func TestCreditImpulse(t *testing.T) {
	values := []float64{100, 102, 105, 107, 108}
	flow, impulse := CreditImpulse(values, 1)

	wantFlow := []float64{math.NaN(), 2, 3, 2, 1}
	wantImpulse := []float64{math.NaN(), math.NaN(), 1, -1, -1}

	for i := range values {
		assertNaNOrDelta(t, wantFlow[i], flow[i], 1e-12, "flow[%d]", i)
		assertNaNOrDelta(t, wantImpulse[i], impulse[i], 1e-12, "impulse[%d]", i)
	}
}

func TestDetectFrequency(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		dates []time.Time
		want  domain.Frequency
	}{
		{"daily", dates(start, 24*time.Hour, 30), domain.Daily},
		{"weekly", dates(start, 7*24*time.Hour, 30), domain.Weekly},
		{"monthly", monthlyDates(start, 30), domain.Monthly},
		{"quarterly", dates(start, 91*24*time.Hour, 12), domain.Quarterly},
		{"annual", dates(start, 365*24*time.Hour, 5), domain.Annual},
		{"single point defaults to monthly", dates(start, time.Hour, 1), domain.Monthly},
		{"empty defaults to monthly", nil, domain.Monthly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFrequency(tt.dates))
		})
	}
}

func TestDetectRegime(t *testing.T) {
	z := []float64{-2.5, -1.0, 0.0, 1.0, 1.7, math.NaN()}
	got := DetectRegime(z, -1, 1)
	want := []domain.Regime{
		domain.RegimeTight,
		domain.RegimeNeutral, // boundary is not strict breach
		domain.RegimeNeutral,
		domain.RegimeNeutral,
		domain.RegimeLoose,
		domain.RegimeNeutral,
	}
	assert.Equal(t, want, got)
}

func TestZScoreExpanding(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(i)
	}
	z := ZScore(values, 0, 20)

	// Not enough history before min periods.
	for i := 0; i < 19; i++ {
		assert.True(t, math.IsNaN(z[i]), "z[%d]", i)
	}
	// Expanding window over 0..19: mean 9.5, sample std of 0..19.
	assert.False(t, math.IsNaN(z[19]))
	mean := 9.5
	std := 0.0
	for i := 0; i < 20; i++ {
		d := float64(i) - mean
		std += d * d
	}
	std = math.Sqrt(std / 19)
	assert.InDelta(t, (19-mean)/std, z[19], 1e-9)
}

func TestZScoreRollingZeroStd(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5, 5}
	z := ZScore(values, 3, 2)
	for i, v := range z {
		assert.True(t, math.IsNaN(v), "z[%d] should be NaN with zero variance", i)
	}
}

func TestResampleWeeklyLabelsFriday(t *testing.T) {
	// Mon 2024-01-01 .. Fri 2024-01-12, daily.
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := domain.Series{
		Dates:  dates(start, 24*time.Hour, 12),
		Values: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	out := Resample(s, domain.Weekly, AggLast)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), out.Dates[0])
	assert.Equal(t, time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC), out.Dates[1])
	// Saturday and Sunday fall into the second week bucket.
	assert.InDelta(t, 5, out.Values[0], 1e-12)
	assert.InDelta(t, 12, out.Values[1], 1e-12)
}

func TestResampleMonthlyAggs(t *testing.T) {
	s := domain.Series{
		Dates: []time.Time{
			time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		Values: []float64{10, 30, 7},
	}
	tests := []struct {
		agg  Agg
		jan  float64
		feb  float64
		name string
	}{
		{AggLast, 30, 7, "last"},
		{AggMean, 20, 7, "mean"},
		{AggSum, 40, 7, "sum"},
		{AggFirst, 10, 7, "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resample(s, domain.Monthly, tt.agg)
			require.Equal(t, 2, out.Len())
			assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), out.Dates[0])
			assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), out.Dates[1])
			assert.InDelta(t, tt.jan, out.Values[0], 1e-12)
			assert.InDelta(t, tt.feb, out.Values[1], 1e-12)
		})
	}
}

func TestResampleSkipsNaN(t *testing.T) {
	s := domain.Series{
		Dates: []time.Time{
			time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		Values: []float64{math.NaN(), 3},
	}
	out := Resample(s, domain.Monthly, AggLast)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), out.Dates[0])
}

func TestForwardFillLimit(t *testing.T) {
	nan := math.NaN()
	values := []float64{1, nan, nan, nan, 2, nan}
	out := ForwardFill(values, 2)
	assert.InDelta(t, 1, out[1], 1e-12)
	assert.InDelta(t, 1, out[2], 1e-12)
	assert.True(t, math.IsNaN(out[3]), "fill limit exceeded")
	assert.InDelta(t, 2, out[4], 1e-12)
	assert.InDelta(t, 2, out[5], 1e-12)
}

func TestBackFillLimit(t *testing.T) {
	nan := math.NaN()
	values := []float64{nan, nan, nan, 4}
	out := BackFill(values, 2)
	assert.True(t, math.IsNaN(out[0]))
	assert.InDelta(t, 4, out[1], 1e-12)
	assert.InDelta(t, 4, out[2], 1e-12)
}

func TestGrowthRate(t *testing.T) {
	values := []float64{100, 110, 121}
	pct := GrowthRate(values, 1, GrowthPct)
	logG := GrowthRate(values, 1, GrowthLog)
	assert.InDelta(t, 10, pct[1], 1e-9)
	assert.InDelta(t, 10, pct[2], 1e-9)
	assert.InDelta(t, math.Log(1.1)*100, logG[1], 1e-9)
}

func TestYoYAutoLookback(t *testing.T) {
	start := time.Date(2015, 1, 31, 0, 0, 0, 0, time.UTC)
	n := 24
	values := make([]float64, n)
	for i := range values {
		values[i] = 100 * math.Pow(1.02, float64(i))
	}
	s := domain.Series{Dates: monthlyDates(start, n), Values: values}
	out := YoYChange(s, 0)
	// Monthly cadence auto-detects a 12 period lookback.
	for i := 0; i < 12; i++ {
		assert.True(t, math.IsNaN(out[i]), "out[%d]", i)
	}
	want := (math.Pow(1.02, 12) - 1) * 100
	assert.InDelta(t, want, out[12], 1e-9)
}

func TestRollingGap(t *testing.T) {
	values := []float64{10, 10, 10, 14}
	gap, gapPct := RollingGap(values, 3, 2)
	// Window at index 3 covers {10, 10, 14}, mean 34/3.
	mean := 34.0 / 3.0
	assert.InDelta(t, 14-mean, gap[3], 1e-9)
	assert.InDelta(t, (14/mean-1)*100, gapPct[3], 1e-9)
	assert.True(t, math.IsNaN(gap[0]))
}

func TestRegimeProbability(t *testing.T) {
	// z drifting down toward the tight threshold.
	z := []float64{0.8, 0.4, 0.0, -0.4, -0.8, -0.9}
	p := ComputeRegimeProbability(z, 4)

	assert.InDelta(t, z[4]+1, p.DistToTight[4], 1e-12)
	assert.InDelta(t, 1-z[4], p.DistToLoose[4], 1e-12)
	require.False(t, math.IsNaN(p.Trend[4]))
	assert.InDelta(t, -1.6, p.Trend[4], 1e-12)
	// Falling trend, close to tight: probability = 1 - |z+1| = 0.8.
	assert.InDelta(t, 0.8, p.Probability[4], 1e-9)
	// No trend yet in the warmup region.
	assert.True(t, math.IsNaN(p.Probability[0]))
}

func TestApplySignFlip(t *testing.T) {
	values := []float64{1, -2, 3}
	flipped := ApplySignFlip(values, -1)
	assert.Equal(t, []float64{-1, 2, -3}, flipped)
	same := ApplySignFlip(values, 1)
	assert.Equal(t, values, same)
}

func TestMomentum(t *testing.T) {
	n := 30
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(100 + i)
	}
	mom, macd, roc := Momentum(values, 4, 12)

	assert.True(t, math.IsNaN(mom[3]))
	assert.InDelta(t, 4, mom[4], 1e-9)
	// On a linear ramp SMA(4) - SMA(12) is a constant 4.
	assert.True(t, math.IsNaN(macd[10]))
	assert.InDelta(t, 4, macd[12], 1e-9)
	assert.InDelta(t, 4, macd[n-1], 1e-9)
	assert.InDelta(t, 4.0/float64(100+n-5)*100, roc[n-1], 1e-6)
}

func TestMomentumWithGaps(t *testing.T) {
	nan := math.NaN()
	values := []float64{1, 2, nan, 4, 5, 6, 7, 8}
	mom, macd, roc := Momentum(values, 2, 4)
	assert.True(t, math.IsNaN(mom[4]), "gap breaks the diff endpoint")
	assert.InDelta(t, 2, mom[5], 1e-12)
	assert.False(t, math.IsNaN(macd[7]))
	assert.InDelta(t, (8.0/6.0-1)*100, roc[7], 1e-9)
}

func TestStandardizeMinMax(t *testing.T) {
	n := 25
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i)
	}
	out := Standardize(values, StdMinMax, 0)
	assert.True(t, math.IsNaN(out[10]), "below min periods")
	assert.InDelta(t, 1, out[24], 1e-12)
}

func TestHPFilterGap(t *testing.T) {
	n := 40
	values := make([]float64, n)
	for i := range values {
		values[i] = 100 + 2*float64(i)
	}
	trend, gap := HPFilterGap(values, 1600)
	// A linear series has zero second differences, so the trend matches it.
	for i := range values {
		require.False(t, math.IsNaN(trend[i]), "trend[%d]", i)
		assert.InDelta(t, values[i], trend[i], 1e-6)
		assert.InDelta(t, 0, gap[i], 1e-6)
	}
}

func TestHPFilterGapLevelDeviation(t *testing.T) {
	n := 60
	values := make([]float64, n)
	for i := range values {
		values[i] = 100 + 2*float64(i)
	}
	values[20] += 10

	trend, gap := HPFilterGap(values, 1600)
	// The gap is the cycle in level units: value minus trend at every row.
	for i := range values {
		require.False(t, math.IsNaN(gap[i]), "gap[%d]", i)
		assert.InDelta(t, values[i]-trend[i], gap[i], 1e-9, "gap[%d]", i)
	}
	// The smoothed trend absorbs little of a one-off bump, so most of its
	// height shows up in the gap at the bump row.
	assert.Greater(t, gap[20], 8.0)
	assert.Less(t, gap[20], 10.0)
}

func TestHPFilterGapTooShort(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	trend, gap := HPFilterGap(values, 1600)
	for i := range values {
		assert.True(t, math.IsNaN(trend[i]))
		assert.True(t, math.IsNaN(gap[i]))
	}
}

func TestGetFrequencyPeriods(t *testing.T) {
	assert.Equal(t, 252, GetFrequencyPeriods(domain.Daily).Year)
	assert.Equal(t, 52, GetFrequencyPeriods(domain.Weekly).Year)
	assert.Equal(t, 12, GetFrequencyPeriods(domain.Monthly).Year)
	assert.Equal(t, 4, GetFrequencyPeriods(domain.Quarterly).Year)
}

func assertNaNOrDelta(t *testing.T, want, got, delta float64, msg string, args ...interface{}) {
	t.Helper()
	if math.IsNaN(want) {
		assert.True(t, math.IsNaN(got), append([]interface{}{msg}, args...)...)
		return
	}
	assert.InDeltaf(t, want, got, delta, msg, args...)
}
