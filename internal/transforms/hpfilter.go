package transforms

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

// HPLambda returns the standard Hodrick-Prescott smoothing parameter for a
// frequency. Weekly and daily series are smoothed with the monthly lambda
// after resampling, so only Q, M and A carry distinct values.
func HPLambda(freq domain.Frequency) float64 {
	switch freq {
	case domain.Quarterly:
		return 1600
	case domain.Annual:
		return 6.25
	default:
		return 129600
	}
}

// HPFilterGap decomposes a series into an HP trend and the cycle, the level
// deviation from that trend. The filter runs on the contiguous non-NaN
// observations; rows outside that subsequence stay NaN. Fewer than 10 valid
// observations yields all NaN. If the linear solve fails the trend falls back
// to a rolling mean with window sqrt(lambda) and min periods window/2.
func HPFilterGap(values []float64, lambda float64) (trend, gap []float64) {
	n := len(values)
	trend = nanSlice(n)
	gap = nanSlice(n)

	idx := make([]int, 0, n)
	y := make([]float64, 0, n)
	for i, v := range values {
		if !math.IsNaN(v) {
			idx = append(idx, i)
			y = append(y, v)
		}
	}
	if len(y) < 10 {
		return trend, gap
	}

	tau, err := hpSolve(y, lambda)
	if err != nil {
		window := int(math.Sqrt(lambda))
		if window < 2 {
			window = 2
		}
		tau = RollingMean(y, window, window/2)
	}

	for j, i := range idx {
		t := tau[j]
		if math.IsNaN(t) {
			continue
		}
		trend[i] = t
		gap[i] = y[j] - t
	}
	return trend, gap
}

// hpSolve minimizes sum (y-tau)^2 + lambda * sum (d2 tau)^2, i.e. solves
// (I + lambda K'K) tau = y where K is the second-difference operator.
func hpSolve(y []float64, lambda float64) ([]float64, error) {
	n := len(y)
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, 1)
	}
	// Accumulate lambda * K'K row by row of K; K has n-2 rows with the
	// stencil (1, -2, 1) at columns (i, i+1, i+2).
	for i := 0; i < n-2; i++ {
		c := [3]float64{1, -2, 1}
		for p := 0; p < 3; p++ {
			for q := p; q < 3; q++ {
				r, s := i+p, i+q
				a.SetSym(r, s, a.At(r, s)+lambda*c[p]*c[q])
			}
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, errNotPositiveDefinite
	}
	var tau mat.VecDense
	if err := chol.SolveVecTo(&tau, mat.NewVecDense(n, y)); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = tau.AtVec(i)
	}
	return out, nil
}

var errNotPositiveDefinite = errorString("hp filter system is not positive definite")

type errorString string

func (e errorString) Error() string { return string(e) }
