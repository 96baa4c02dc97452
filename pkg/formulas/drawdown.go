package formulas

import "math"

// DrawdownMetrics represents drawdown analysis results
type DrawdownMetrics struct {
	MaxDrawdown       float64 `json:"max_drawdown"`       // Deepest drawdown as a negative percentage (-25 = 25% below peak)
	CurrentDrawdown   float64 `json:"current_drawdown"`   // Drawdown at the last observation
	PeriodsInDrawdown int     `json:"periods_in_drawdown"` // Observations since the running peak
	PeakValue         float64 `json:"peak_value"`
	CurrentValue      float64 `json:"current_value"`
}

// CalculateMaxDrawdown returns the deepest peak-to-trough decline of a level
// series as a negative percentage: min((level - peak) / peak) × 100.
// NaN rows are skipped; fewer than two valid observations yields nil.
func CalculateMaxDrawdown(levels []float64) *float64 {
	clean := DropNaN(levels)
	if len(clean) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := clean[0]
	for _, v := range clean {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (v - peak) / peak * 100
			if dd < maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return &maxDrawdown
}

// CalculateDrawdownMetrics calculates the full drawdown picture including the
// current drawdown and its duration.
func CalculateDrawdownMetrics(levels []float64) *DrawdownMetrics {
	clean := DropNaN(levels)
	if len(clean) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := clean[0]
	peakIndex := 0
	current := clean[len(clean)-1]

	for i, v := range clean {
		if v > peak {
			peak = v
			peakIndex = i
		}
		if peak > 0 {
			dd := (v - peak) / peak * 100
			if dd < maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	currentDrawdown := 0.0
	if peak > 0 {
		currentDrawdown = (current - peak) / peak * 100
	}

	return &DrawdownMetrics{
		MaxDrawdown:       maxDrawdown,
		CurrentDrawdown:   currentDrawdown,
		PeriodsInDrawdown: len(clean) - 1 - peakIndex,
		PeakValue:         peak,
		CurrentValue:      current,
	}
}

// UlcerIndex measures the depth and duration of drawdowns over the trailing
// period: the root mean square of percentage drawdowns.
func UlcerIndex(levels []float64, period int) *float64 {
	clean := DropNaN(levels)
	if len(clean) < period || period < 1 {
		return nil
	}

	window := clean[len(clean)-period:]
	peak := window[0]
	sumSq := 0.0
	for _, v := range window {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak * 100
			sumSq += dd * dd
		}
	}
	ulcer := math.Sqrt(sumSq / float64(period))
	return &ulcer
}
