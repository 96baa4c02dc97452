package formulas

import (
	"math"
)

// CalculateSharpeRatio calculates the annualized Sharpe ratio
//
// Sharpe Ratio Formula:
//
//	Sharpe = (Mean Periodic Return - Periodic Risk-free Rate) / Std Dev of Returns
//	Annualized: Sharpe × sqrt(periods per year)
//
// Args:
//
//	returns: Array of periodic returns (daily, weekly, monthly)
//	riskFreeRate: Risk-free rate (annual, as decimal, e.g., 0.02 for 2%)
//	periodsPerYear: Number of periods per year (252 for daily, 52 for weekly)
//
// Returns:
//
//	Sharpe ratio or nil if insufficient data or zero volatility
func CalculateSharpeRatio(returns []float64, riskFreeRate float64, periodsPerYear int) *float64 {
	clean := DropNaN(returns)
	if len(clean) < 2 {
		return nil
	}

	meanReturn := Mean(clean)
	stdDev := StdDev(clean)
	if stdDev == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sharpe := (meanReturn - periodicRiskFree) / stdDev
	annualized := sharpe * math.Sqrt(float64(periodsPerYear))
	return &annualized
}

// CalculateSortinoRatio calculates the annualized Sortino ratio, the downside
// deviation variant of Sharpe. Only returns below the target rate contribute
// to the denominator.
func CalculateSortinoRatio(returns []float64, riskFreeRate, targetReturn float64, periodsPerYear int) *float64 {
	clean := DropNaN(returns)
	if len(clean) < 2 {
		return nil
	}

	meanReturn := Mean(clean)
	periodicMAR := targetReturn / float64(periodsPerYear)

	var downsideSquaredSum float64
	downsideCount := 0
	for _, ret := range clean {
		if ret < periodicMAR {
			d := ret - periodicMAR
			downsideSquaredSum += d * d
			downsideCount++
		}
	}
	if downsideCount == 0 {
		return nil
	}
	downsideDeviation := math.Sqrt(downsideSquaredSum / float64(downsideCount))
	if downsideDeviation == 0 {
		return nil
	}

	periodicRiskFree := riskFreeRate / float64(periodsPerYear)
	sortino := (meanReturn - periodicRiskFree) / downsideDeviation
	annualized := sortino * math.Sqrt(float64(periodsPerYear))
	return &annualized
}

// RollingSharpe computes the Sharpe ratio over a trailing window at every
// index. Only exactly full windows produce a value; partial windows and
// windows with zero volatility yield NaN.
func RollingSharpe(returns []float64, window, periodsPerYear int) []float64 {
	out := make([]float64, len(returns))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := window - 1; i < len(returns); i++ {
		w := returns[i-window+1 : i+1]
		full := true
		for _, v := range w {
			if math.IsNaN(v) {
				full = false
				break
			}
		}
		if !full {
			continue
		}
		std := StdDev(w)
		if std == 0 {
			continue
		}
		out[i] = Mean(w) / std * math.Sqrt(float64(periodsPerYear))
	}
	return out
}
