package factor

import (
	"fmt"
	"math"
)

// EM stopping tolerance on the relative log-likelihood change.
const emTol = 1e-6

// idiosyncratic variance floor, keeps the filter gain finite
const varFloor = 1e-6

// fitDFM estimates a one-factor dynamic factor model by EM. The state is an
// AR(1) factor with unit innovation variance for identification; each column
// loads on it with white idiosyncratic noise. Estimation runs on the complete
// standardized rows and the Kalman smoother provides the factor path.
func (m *Model) fitDFM(data *dataset) (Result, error) {
	complete := data.completeRows()
	if len(complete) < m.opts.MinObservations {
		return Result{}, fmt.Errorf("%w: %d complete rows, need %d", ErrInsufficientData, len(complete), m.opts.MinObservations)
	}

	nObs := len(complete)
	cols := data.columns
	p := len(cols)

	// Standardize over the full column, then keep the complete rows.
	x := make([][]float64, nObs)
	for t := range x {
		x[t] = make([]float64, p)
	}
	for j, name := range cols {
		col := data.values[name]
		mean := nanMean(col)
		std := popStd(col)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for t, row := range complete {
			x[t][j] = (col[row] - mean) / std
		}
	}

	lambda, phi, sigma2 := initDFM(x)

	state := &kalmanState{
		filtered:  make([]float64, nObs),
		filteredP: make([]float64, nObs),
		predicted: make([]float64, nObs),
		predictP:  make([]float64, nObs),
		smoothed:  make([]float64, nObs),
		smoothedP: make([]float64, nObs),
		cross:     make([]float64, nObs),
	}

	converged := false
	prevLL := math.Inf(-1)
	for iter := 0; iter < m.opts.MaxIter; iter++ {
		ll := kalmanSmooth(x, lambda, phi, sigma2, state)
		if math.IsNaN(ll) || math.IsInf(ll, 1) {
			return Result{}, fmt.Errorf("factor: dfm likelihood diverged at iteration %d", iter)
		}
		if iter > 0 && math.Abs(ll-prevLL) < emTol*(1+math.Abs(ll)) {
			converged = true
			break
		}
		prevLL = ll

		// M-step. Second moments include the smoothed state variance.
		sumF2 := 0.0
		for t := 0; t < nObs; t++ {
			sumF2 += state.smoothed[t]*state.smoothed[t] + state.smoothedP[t]
		}
		if sumF2 <= 0 {
			return Result{}, fmt.Errorf("factor: degenerate dfm state")
		}
		for j := 0; j < p; j++ {
			sumXF := 0.0
			for t := 0; t < nObs; t++ {
				sumXF += x[t][j] * state.smoothed[t]
			}
			lambda[j] = sumXF / sumF2

			resid := 0.0
			for t := 0; t < nObs; t++ {
				ef2 := state.smoothed[t]*state.smoothed[t] + state.smoothedP[t]
				resid += x[t][j]*x[t][j] - 2*x[t][j]*lambda[j]*state.smoothed[t] + lambda[j]*lambda[j]*ef2
			}
			sigma2[j] = resid / float64(nObs)
			if sigma2[j] < varFloor {
				sigma2[j] = varFloor
			}
		}

		num, den := 0.0, 0.0
		for t := 1; t < nObs; t++ {
			num += state.smoothed[t]*state.smoothed[t-1] + state.cross[t]
			den += state.smoothed[t-1]*state.smoothed[t-1] + state.smoothedP[t-1]
		}
		if den > 0 {
			phi = num / den
		}
		if phi > 0.98 {
			phi = 0.98
		} else if phi < -0.98 {
			phi = -0.98
		}
	}

	// Final pass with the converged parameters.
	kalmanSmooth(x, lambda, phi, sigma2, state)

	factor := make([]float64, data.rows())
	for i := range factor {
		factor[i] = math.NaN()
	}
	for t, row := range complete {
		factor[row] = state.smoothed[t]
	}

	loadings := make(map[string]float64, p)
	for j, name := range cols {
		loadings[name] = lambda[j]
	}

	sse, tss := 0.0, 0.0
	for t := 0; t < nObs; t++ {
		for j := 0; j < p; j++ {
			r := x[t][j] - lambda[j]*state.smoothed[t]
			sse += r * r
			tss += x[t][j] * x[t][j]
		}
	}
	explained := 0.5
	if tss > 0 {
		explained = 1 - sse/tss
		if explained < 0 {
			explained = 0
		}
	}

	return Result{
		Factor:            data.factorSeries(factor),
		Loadings:          loadings,
		ExplainedVariance: explained,
		Method:            MethodDFM,
		Converged:         converged,
	}, nil
}

// initDFM seeds the EM from the leading principal component: loadings from
// the component, the AR coefficient from the scores' lag-1 regression, and
// idiosyncratic variances from the residuals.
func initDFM(x [][]float64) (lambda []float64, phi float64, sigma2 []float64) {
	nObs := len(x)
	p := len(x[0])
	lambda = make([]float64, p)
	sigma2 = make([]float64, p)

	// Cheap first component via power iteration on X'X.
	v := make([]float64, p)
	for j := range v {
		v[j] = 1 / math.Sqrt(float64(p))
	}
	for iter := 0; iter < 50; iter++ {
		next := make([]float64, p)
		for t := 0; t < nObs; t++ {
			proj := 0.0
			for j := 0; j < p; j++ {
				proj += x[t][j] * v[j]
			}
			for j := 0; j < p; j++ {
				next[j] += x[t][j] * proj
			}
		}
		norm := 0.0
		for _, n := range next {
			norm += n * n
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			break
		}
		for j := range next {
			next[j] /= norm
		}
		v = next
	}

	scores := make([]float64, nObs)
	for t := 0; t < nObs; t++ {
		for j := 0; j < p; j++ {
			scores[t] += x[t][j] * v[j]
		}
	}

	num, den := 0.0, 0.0
	for t := 1; t < nObs; t++ {
		num += scores[t] * scores[t-1]
		den += scores[t-1] * scores[t-1]
	}
	phi = 0.5
	if den > 0 {
		phi = num / den
	}
	if phi > 0.98 {
		phi = 0.98
	} else if phi < -0.98 {
		phi = -0.98
	}

	for j := 0; j < p; j++ {
		lambda[j] = v[j]
		resid := 0.0
		for t := 0; t < nObs; t++ {
			r := x[t][j] - lambda[j]*scores[t]
			resid += r * r
		}
		sigma2[j] = resid / float64(nObs)
		if sigma2[j] < varFloor {
			sigma2[j] = varFloor
		}
	}
	return lambda, phi, sigma2
}

type kalmanState struct {
	filtered  []float64
	filteredP []float64
	predicted []float64
	predictP  []float64
	smoothed  []float64
	smoothedP []float64
	cross     []float64 // E[f_t f_{t-1}], stored at index t
}

// kalmanSmooth runs the filter and RTS smoother for a scalar AR(1) state with
// unit innovation variance, updating the observations one column at a time.
// Returns the log-likelihood.
func kalmanSmooth(x [][]float64, lambda []float64, phi float64, sigma2 []float64, s *kalmanState) float64 {
	nObs := len(x)
	p := len(lambda)

	// Stationary prior for the initial state.
	priorVar := 1 / (1 - phi*phi)
	if priorVar <= 0 || math.IsInf(priorVar, 0) {
		priorVar = 1e6
	}

	ll := 0.0
	f, P := 0.0, priorVar
	for t := 0; t < nObs; t++ {
		if t > 0 {
			f = phi * f
			P = phi*phi*P + 1
		}
		s.predicted[t] = f
		s.predictP[t] = P

		for j := 0; j < p; j++ {
			innov := x[t][j] - lambda[j]*f
			variance := lambda[j]*lambda[j]*P + sigma2[j]
			gain := P * lambda[j] / variance
			ll += -0.5 * (math.Log(2*math.Pi*variance) + innov*innov/variance)
			f += gain * innov
			P *= 1 - gain*lambda[j]
		}
		s.filtered[t] = f
		s.filteredP[t] = P
	}

	s.smoothed[nObs-1] = s.filtered[nObs-1]
	s.smoothedP[nObs-1] = s.filteredP[nObs-1]
	for t := nObs - 2; t >= 0; t-- {
		gain := s.filteredP[t] * phi / s.predictP[t+1]
		s.smoothed[t] = s.filtered[t] + gain*(s.smoothed[t+1]-s.predicted[t+1])
		s.smoothedP[t] = s.filteredP[t] + gain*gain*(s.smoothedP[t+1]-s.predictP[t+1])
		s.cross[t+1] = gain * s.smoothedP[t+1]
	}
	return ll
}
