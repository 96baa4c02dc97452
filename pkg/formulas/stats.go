// Package formulas provides return and risk statistics shared by the risk
// metrics engine and the read API. All functions treat NaN as missing.
package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the default annualization base for daily data.
const TradingDaysPerYear = 252

// Mean calculates the arithmetic mean of the non-NaN values
func Mean(data []float64) float64 {
	clean := DropNaN(data)
	if len(clean) == 0 {
		return 0
	}
	return stat.Mean(clean, nil)
}

// StdDev calculates the sample standard deviation of the non-NaN values
func StdDev(data []float64) float64 {
	clean := DropNaN(data)
	if len(clean) < 2 {
		return 0
	}
	return stat.StdDev(clean, nil)
}

// Variance calculates the sample variance of the non-NaN values
func Variance(data []float64) float64 {
	clean := DropNaN(data)
	if len(clean) < 2 {
		return 0
	}
	return stat.Variance(clean, nil)
}

// AnnualizedReturn scales a mean periodic return to an annual figure
func AnnualizedReturn(returns []float64, periodsPerYear int) float64 {
	return Mean(returns) * float64(periodsPerYear)
}

// AnnualizedVolatility scales the periodic return volatility by sqrt(periods per year)
func AnnualizedVolatility(returns []float64, periodsPerYear int) float64 {
	return StdDev(returns) * math.Sqrt(float64(periodsPerYear))
}

// CalculateReturns converts a price or level series to simple periodic returns.
// Returns[i] = Price[i+1]/Price[i] - 1; a zero or NaN base yields NaN.
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, cur := prices[i-1], prices[i]
		if prev == 0 || math.IsNaN(prev) || math.IsNaN(cur) {
			returns[i-1] = math.NaN()
			continue
		}
		returns[i-1] = cur/prev - 1
	}
	return returns
}

// Correlation calculates the Pearson correlation over pairwise complete rows.
// Mismatched lengths or fewer than two complete pairs yield 0.
func Correlation(x, y []float64) float64 {
	cx, cy := dropNaNPairs(x, y)
	if len(cx) < 2 {
		return 0
	}
	r := stat.Correlation(cx, cy, nil)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// Covariance calculates the sample covariance over pairwise complete rows
func Covariance(x, y []float64) float64 {
	cx, cy := dropNaNPairs(x, y)
	if len(cx) < 2 {
		return 0
	}
	return stat.Covariance(cx, cy, nil)
}

// DropNaN returns the values with NaN entries removed
func DropNaN(data []float64) []float64 {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func dropNaNPairs(x, y []float64) ([]float64, []float64) {
	if len(x) != len(y) {
		return nil, nil
	}
	cx := make([]float64, 0, len(x))
	cy := make([]float64, 0, len(y))
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		cx = append(cx, x[i])
		cy = append(cy, y[i])
	}
	return cx, cy
}
