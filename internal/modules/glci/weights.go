package glci

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

// OptimizeOptions configures the dynamic weight estimation.
type OptimizeOptions struct {
	Window         int     // warmup rows before the first weight estimate
	ForwardPeriods int     // how far ahead the target return looks
	Regularization float64 // ridge penalty
}

// DefaultOptimizeOptions returns the standard three-year weekly warmup with a
// one-quarter forward horizon.
func DefaultOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{Window: 156, ForwardPeriods: 13, Regularization: 0.5}
}

// WeightHistory is a time-varying pillar weight series. Rows sum to one.
type WeightHistory struct {
	Dates   []time.Time
	Pillars []string
	Weights map[string][]float64
}

// Latest returns the most recent weight row.
func (h *WeightHistory) Latest() map[string]float64 {
	out := map[string]float64{}
	if len(h.Dates) == 0 {
		return out
	}
	last := len(h.Dates) - 1
	for _, name := range h.Pillars {
		out[name] = h.Weights[name][last]
	}
	return out
}

// OptimizePillarWeights regresses forward target returns on the pillar
// factors over an expanding sample and converts the ridge coefficients to
// weights. Coefficient signs are discarded: weights are absolute values
// normalized to sum to one, which keeps them interpretable as shares but
// masks negative predictive relationships.
func OptimizePillarWeights(factors map[string]domain.Series, target domain.Series, opts OptimizeOptions) (*WeightHistory, error) {
	if len(factors) == 0 {
		return nil, fmt.Errorf("glci: no pillar factors to weight")
	}
	names := make([]string, 0, len(factors))
	for name := range factors {
		names = append(names, name)
	}
	sort.Strings(names)

	// Forward returns keyed by the date they are predicted from.
	forward := map[time.Time]float64{}
	for i := range target.Dates {
		j := i + opts.ForwardPeriods
		if j >= target.Len() {
			break
		}
		if !math.IsNaN(target.Values[j]) {
			forward[target.Dates[i]] = target.Values[j]
		}
	}

	byDate := make([]map[string]float64, 0)
	lookup := map[string]map[time.Time]float64{}
	for _, name := range names {
		f := factors[name]
		m := make(map[time.Time]float64, f.Len())
		for i, d := range f.Dates {
			if !math.IsNaN(f.Values[i]) {
				m[d] = f.Values[i]
			}
		}
		lookup[name] = m
	}

	// Inner join: rows where every factor and the forward return exist.
	var dates []time.Time
	for d := range forward {
		complete := true
		for _, name := range names {
			if _, ok := lookup[name][d]; !ok {
				complete = false
				break
			}
		}
		if complete {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	for _, d := range dates {
		row := map[string]float64{}
		for _, name := range names {
			row[name] = lookup[name][d]
		}
		byDate = append(byDate, row)
	}

	history := &WeightHistory{Pillars: names, Weights: map[string][]float64{}}

	if len(dates) < opts.Window+opts.ForwardPeriods {
		// Not enough sample for estimation; emit a single equal-weight row.
		if len(dates) == 0 {
			return nil, fmt.Errorf("glci: no overlapping sample for weight optimization")
		}
		history.Dates = []time.Time{dates[len(dates)-1]}
		for _, name := range names {
			history.Weights[name] = []float64{1 / float64(len(names))}
		}
		return history, nil
	}

	p := len(names)
	xtx := make([]float64, p*p)
	xty := make([]float64, p)

	addRow := func(t int) {
		row := byDate[t]
		y := forward[dates[t]]
		for i, ni := range names {
			xi := row[ni]
			xty[i] += xi * y
			for j, nj := range names {
				xtx[i*p+j] += xi * row[nj]
			}
		}
	}

	for t := 0; t < opts.Window; t++ {
		addRow(t)
	}
	for t := opts.Window; t < len(dates); t++ {
		coef, err := ridgeSolve(xtx, xty, p, opts.Regularization)
		if err != nil {
			return nil, err
		}
		total := 0.0
		for i := range coef {
			coef[i] = math.Abs(coef[i])
			total += coef[i]
		}
		history.Dates = append(history.Dates, dates[t])
		for i, name := range names {
			w := 1 / float64(p)
			if total > 0 {
				w = coef[i] / total
			}
			history.Weights[name] = append(history.Weights[name], w)
		}
		addRow(t)
	}
	return history, nil
}

// ridgeSolve solves (X'X + alpha*I) w = X'y.
func ridgeSolve(xtx, xty []float64, p int, alpha float64) ([]float64, error) {
	a := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := xtx[i*p+j]
			if i == j {
				v += alpha
			}
			a.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, fmt.Errorf("glci: ridge system not positive definite")
	}
	b := mat.NewVecDense(p, append([]float64(nil), xty...))
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, b); err != nil {
		return nil, err
	}
	out := make([]float64, p)
	for i := range out {
		out[i] = w.AtVec(i)
	}
	return out, nil
}
