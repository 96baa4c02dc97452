// Package transforms provides pure functions over (date, value) series used by
// the feature builder, the aggregator and the GLCI pipeline. All functions treat
// NaN as missing and preserve row count unless documented otherwise.
package transforms

import (
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

// Agg is a resampling aggregation method.
type Agg string

const (
	AggLast  Agg = "last"
	AggMean  Agg = "mean"
	AggSum   Agg = "sum"
	AggFirst Agg = "first"
)

// GrowthMethod selects percentage vs log growth.
type GrowthMethod string

const (
	GrowthPct GrowthMethod = "pct"
	GrowthLog GrowthMethod = "log"
)

// StandardizeMethod selects a standardization scheme.
type StandardizeMethod string

const (
	StdZScore StandardizeMethod = "zscore"
	StdMinMax StandardizeMethod = "minmax"
	StdRobust StandardizeMethod = "robust"
)

// DefaultMinPeriods is the minimum window occupancy for rolling statistics.
const DefaultMinPeriods = 20

// PeriodEnd returns the label date (period end, UTC midnight) of the period
// containing t for the given frequency. Weekly periods end on Friday.
func PeriodEnd(t time.Time, freq domain.Frequency) time.Time {
	d := domain.MidnightUTC(t)
	switch freq {
	case domain.Daily:
		return d
	case domain.Weekly:
		// Week buckets run Saturday..Friday.
		offset := (int(time.Friday) - int(d.Weekday()) + 7) % 7
		return d.AddDate(0, 0, offset)
	case domain.Monthly:
		firstNext := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		return firstNext.AddDate(0, 0, -1)
	case domain.Quarterly:
		q := (int(d.Month()) - 1) / 3
		firstNext := time.Date(d.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 3, 0)
		return firstNext.AddDate(0, 0, -1)
	case domain.Annual:
		return time.Date(d.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	return d
}

// Resample aggregates a series onto the target frequency grid. Each output row
// is labelled with its period end; periods without input are dropped, as are
// periods whose aggregate is NaN. Output dates are strictly increasing.
func Resample(s domain.Series, freq domain.Frequency, agg Agg) domain.Series {
	type bucket struct {
		first, last float64
		sum         float64
		count       int
	}
	buckets := make(map[time.Time]*bucket)
	for i, d := range s.Dates {
		v := s.Values[i]
		if math.IsNaN(v) {
			continue
		}
		key := PeriodEnd(d, freq)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{first: v}
			buckets[key] = b
		}
		b.last = v
		b.sum += v
		b.count++
	}

	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	out := domain.Series{
		Dates:  make([]time.Time, 0, len(keys)),
		Values: make([]float64, 0, len(keys)),
	}
	for _, k := range keys {
		b := buckets[k]
		var v float64
		switch agg {
		case AggMean:
			v = b.sum / float64(b.count)
		case AggSum:
			v = b.sum
		case AggFirst:
			v = b.first
		default:
			v = b.last
		}
		if math.IsNaN(v) {
			continue
		}
		out.Dates = append(out.Dates, k)
		out.Values = append(out.Values, v)
	}
	return out
}

// meanGapDays returns the mean gap between consecutive dates in days.
func meanGapDays(dates []time.Time) float64 {
	if len(dates) < 2 {
		return 0
	}
	total := dates[len(dates)-1].Sub(dates[0])
	return total.Hours() / 24 / float64(len(dates)-1)
}

// DetectFrequency classifies a series by its mean inter-date gap.
// Fewer than two observations default to monthly.
func DetectFrequency(dates []time.Time) domain.Frequency {
	if len(dates) < 2 {
		return domain.Monthly
	}
	gap := meanGapDays(dates)
	switch {
	case gap <= 2:
		return domain.Daily
	case gap <= 10:
		return domain.Weekly
	case gap <= 45:
		return domain.Monthly
	case gap <= 120:
		return domain.Quarterly
	}
	return domain.Annual
}

// FrequencyPeriods holds standard lookback lengths for a frequency.
type FrequencyPeriods struct {
	Year     int
	HalfYear int
	Quarter  int
}

// GetFrequencyPeriods returns the standard lookbacks for a frequency code.
func GetFrequencyPeriods(freq domain.Frequency) FrequencyPeriods {
	switch freq {
	case domain.Daily:
		return FrequencyPeriods{Year: 252, HalfYear: 126, Quarter: 63}
	case domain.Weekly:
		return FrequencyPeriods{Year: 52, HalfYear: 26, Quarter: 13}
	case domain.Monthly:
		return FrequencyPeriods{Year: 12, HalfYear: 6, Quarter: 3}
	case domain.Quarterly:
		return FrequencyPeriods{Year: 4, HalfYear: 2, Quarter: 1}
	case domain.Annual:
		return FrequencyPeriods{Year: 1, HalfYear: 1, Quarter: 1}
	}
	return FrequencyPeriods{Year: 12, HalfYear: 6, Quarter: 3}
}

// PctChange returns (x_t / x_{t-k} - 1), NaN where either endpoint is missing
// or the base is zero.
func PctChange(values []float64, periods int) []float64 {
	out := nanSlice(len(values))
	for i := periods; i < len(values); i++ {
		prev := values[i-periods]
		cur := values[i]
		if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
			continue
		}
		out[i] = cur/prev - 1
	}
	return out
}

// Diff returns x_t - x_{t-k}, NaN where either endpoint is missing.
func Diff(values []float64, periods int) []float64 {
	out := nanSlice(len(values))
	for i := periods; i < len(values); i++ {
		prev := values[i-periods]
		cur := values[i]
		if math.IsNaN(prev) || math.IsNaN(cur) {
			continue
		}
		out[i] = cur - prev
	}
	return out
}

// YoYChange computes year-over-year change in percent. When periods <= 0 the
// lookback is auto-detected from the mean date gap.
func YoYChange(s domain.Series, periods int) []float64 {
	if periods <= 0 {
		periods = autoYoYPeriods(s.Dates)
	}
	out := PctChange(s.Values, periods)
	for i := range out {
		out[i] *= 100
	}
	return out
}

func autoYoYPeriods(dates []time.Time) int {
	if len(dates) < 2 {
		return 1
	}
	gap := meanGapDays(dates)
	switch {
	case gap <= 7:
		return 252
	case gap <= 14:
		return 52
	case gap <= 45:
		return 12
	case gap <= 100:
		return 4
	}
	return 1
}

// GrowthRate computes growth over the lookback in percent; log growth uses
// ln(x_t / x_{t-k}).
func GrowthRate(values []float64, periods int, method GrowthMethod) []float64 {
	out := nanSlice(len(values))
	for i := periods; i < len(values); i++ {
		prev := values[i-periods]
		cur := values[i]
		if math.IsNaN(prev) || math.IsNaN(cur) {
			continue
		}
		if method == GrowthLog {
			if prev <= 0 || cur <= 0 {
				continue
			}
			out[i] = math.Log(cur/prev) * 100
		} else {
			if prev == 0 {
				continue
			}
			out[i] = (cur/prev - 1) * 100
		}
	}
	return out
}

// RollingGap returns the deviation from the trailing rolling mean, both in
// levels (gap) and in percent of trend (gapPct).
func RollingGap(values []float64, window, minPeriods int) (gap, gapPct []float64) {
	mean := RollingMean(values, window, minPeriods)
	gap = nanSlice(len(values))
	gapPct = nanSlice(len(values))
	for i, v := range values {
		m := mean[i]
		if math.IsNaN(v) || math.IsNaN(m) {
			continue
		}
		gap[i] = v - m
		if m != 0 {
			gapPct[i] = (v/m - 1) * 100
		}
	}
	return gap, gapPct
}

// CreditImpulse returns the first difference of the series (credit flow) and
// the second difference (credit impulse), both over the given lookback.
func CreditImpulse(values []float64, periods int) (flow, impulse []float64) {
	flow = Diff(values, periods)
	impulse = Diff(flow, periods)
	return flow, impulse
}

// Momentum returns the short-window difference, a MACD-style difference of
// short and long moving averages, and the rate of change in percent.
func Momentum(values []float64, short, long int) (momentum, macd, roc []float64) {
	momentum = Diff(values, short)
	roc = nanSlice(len(values))
	macd = nanSlice(len(values))
	if len(values) == 0 {
		return momentum, macd, roc
	}

	// talib requires a dense input and zero-pads the warmup region; run it on
	// the series and restore NaN outside the valid range afterwards.
	if !hasNaN(values) && len(values) > long {
		shortMA := talib.Sma(values, short)
		longMA := talib.Sma(values, long)
		rawROC := talib.Roc(values, short)
		for i := range values {
			if i >= long-1 {
				macd[i] = shortMA[i] - longMA[i]
			}
			if i >= short {
				roc[i] = rawROC[i]
			}
		}
		return momentum, macd, roc
	}

	shortMA := RollingMean(values, short, short)
	longMA := RollingMean(values, long, long)
	for i := range values {
		if !math.IsNaN(shortMA[i]) && !math.IsNaN(longMA[i]) {
			macd[i] = shortMA[i] - longMA[i]
		}
	}
	rawROC := PctChange(values, short)
	for i := range rawROC {
		if !math.IsNaN(rawROC[i]) {
			roc[i] = rawROC[i] * 100
		}
	}
	return momentum, macd, roc
}

// ZScore computes a rolling z-score when window > 0 and an expanding z-score
// otherwise. Windows with fewer than minPeriods valid observations yield NaN.
func ZScore(values []float64, window, minPeriods int) []float64 {
	mean := RollingMean(values, window, minPeriods)
	std := RollingStd(values, window, minPeriods)
	out := nanSlice(len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsNaN(mean[i]) || math.IsNaN(std[i]) || std[i] == 0 {
			continue
		}
		out[i] = (v - mean[i]) / std[i]
	}
	return out
}

// Standardize rescales a series by z-score, min-max or median/IQR. A zero
// window means an expanding window.
func Standardize(values []float64, method StandardizeMethod, window int) []float64 {
	switch method {
	case StdMinMax:
		lo := rollingExtreme(values, window, DefaultMinPeriods, false)
		hi := rollingExtreme(values, window, DefaultMinPeriods, true)
		out := nanSlice(len(values))
		for i, v := range values {
			if math.IsNaN(v) || math.IsNaN(lo[i]) || math.IsNaN(hi[i]) || hi[i] == lo[i] {
				continue
			}
			out[i] = (v - lo[i]) / (hi[i] - lo[i])
		}
		return out
	case StdRobust:
		med := rollingQuantile(values, window, DefaultMinPeriods, 0.5)
		q25 := rollingQuantile(values, window, DefaultMinPeriods, 0.25)
		q75 := rollingQuantile(values, window, DefaultMinPeriods, 0.75)
		out := nanSlice(len(values))
		for i, v := range values {
			iqr := q75[i] - q25[i]
			if math.IsNaN(v) || math.IsNaN(med[i]) || math.IsNaN(iqr) || iqr == 0 {
				continue
			}
			out[i] = (v - med[i]) / iqr
		}
		return out
	default:
		return ZScore(values, window, DefaultMinPeriods)
	}
}

// DetectRegime classifies z-scores into regimes with strict thresholds:
// z < lo is tight, z > hi is loose, everything else (including NaN) neutral.
func DetectRegime(zscores []float64, lo, hi float64) []domain.Regime {
	out := make([]domain.Regime, len(zscores))
	for i, z := range zscores {
		switch {
		case math.IsNaN(z):
			out[i] = domain.RegimeNeutral
		case z < lo:
			out[i] = domain.RegimeTight
		case z > hi:
			out[i] = domain.RegimeLoose
		default:
			out[i] = domain.RegimeNeutral
		}
	}
	return out
}

// RegimeProbability holds the regime transition diagnostics.
type RegimeProbability struct {
	DistToTight []float64
	DistToLoose []float64
	Trend       []float64
	Probability []float64
}

// ComputeRegimeProbability derives the probability of an imminent regime
// change from the distance to the nearest threshold and the z-score trend:
// the probability rises as the z-score approaches the boundary it is moving
// toward.
func ComputeRegimeProbability(zscores []float64, smoothing int) RegimeProbability {
	n := len(zscores)
	p := RegimeProbability{
		DistToTight: nanSlice(n),
		DistToLoose: nanSlice(n),
		Trend:       Diff(zscores, smoothing),
		Probability: nanSlice(n),
	}
	for i, z := range zscores {
		if math.IsNaN(z) {
			continue
		}
		p.DistToTight[i] = z - (-1.0)
		p.DistToLoose[i] = 1.0 - z
		if math.IsNaN(p.Trend[i]) {
			continue
		}
		var prob float64
		if p.Trend[i] < 0 {
			prob = 1 - math.Abs(p.DistToTight[i])
		} else {
			prob = 1 - math.Abs(p.DistToLoose[i])
		}
		p.Probability[i] = math.Max(0, prob)
	}
	return p
}

// ApplySignFlip negates the series when the expected sign is negative.
func ApplySignFlip(values []float64, expectedSign int) []float64 {
	if expectedSign >= 0 {
		return values
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = -v
	}
	return out
}

// ForwardFill propagates the last valid observation forward, filling at most
// limit consecutive gaps (limit <= 0 fills nothing).
func ForwardFill(values []float64, limit int) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	last := math.NaN()
	run := 0
	for i, v := range out {
		if !math.IsNaN(v) {
			last = v
			run = 0
			continue
		}
		if !math.IsNaN(last) && run < limit {
			out[i] = last
			run++
		}
	}
	return out
}

// BackFill propagates the next valid observation backward, filling at most
// limit consecutive gaps.
func BackFill(values []float64, limit int) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	next := math.NaN()
	run := 0
	for i := len(out) - 1; i >= 0; i-- {
		if !math.IsNaN(out[i]) {
			next = out[i]
			run = 0
			continue
		}
		if !math.IsNaN(next) && run < limit {
			out[i] = next
			run++
		}
	}
	return out
}

// RollingMean returns the rolling mean (expanding when window <= 0) ignoring
// NaN; windows with fewer than minPeriods valid points yield NaN.
func RollingMean(values []float64, window, minPeriods int) []float64 {
	return rollingStat(values, window, minPeriods, func(w []float64) float64 {
		sum := 0.0
		for _, v := range w {
			sum += v
		}
		return sum / float64(len(w))
	})
}

// RollingStd returns the rolling sample standard deviation (ddof=1).
func RollingStd(values []float64, window, minPeriods int) []float64 {
	return rollingStat(values, window, minPeriods, func(w []float64) float64 {
		if len(w) < 2 {
			return math.NaN()
		}
		mean := 0.0
		for _, v := range w {
			mean += v
		}
		mean /= float64(len(w))
		ss := 0.0
		for _, v := range w {
			d := v - mean
			ss += d * d
		}
		return math.Sqrt(ss / float64(len(w)-1))
	})
}

func rollingStat(values []float64, window, minPeriods int, fn func([]float64) float64) []float64 {
	out := nanSlice(len(values))
	if minPeriods < 1 {
		minPeriods = 1
	}
	buf := make([]float64, 0, len(values))
	for i := range values {
		start := 0
		if window > 0 && i-window+1 > 0 {
			start = i - window + 1
		}
		buf = buf[:0]
		for j := start; j <= i; j++ {
			if !math.IsNaN(values[j]) {
				buf = append(buf, values[j])
			}
		}
		if len(buf) < minPeriods {
			continue
		}
		out[i] = fn(buf)
	}
	return out
}

func rollingExtreme(values []float64, window, minPeriods int, max bool) []float64 {
	return rollingStat(values, window, minPeriods, func(w []float64) float64 {
		ext := w[0]
		for _, v := range w[1:] {
			if max && v > ext || !max && v < ext {
				ext = v
			}
		}
		return ext
	})
}

func rollingQuantile(values []float64, window, minPeriods int, q float64) []float64 {
	return rollingStat(values, window, minPeriods, func(w []float64) float64 {
		sorted := make([]float64, len(w))
		copy(sorted, w)
		sort.Float64s(sorted)
		// Linear interpolation between closest ranks (pandas default).
		pos := q * float64(len(sorted)-1)
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if lo == hi {
			return sorted[lo]
		}
		frac := pos - float64(lo)
		return sorted[lo]*(1-frac) + sorted[hi]*frac
	})
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
