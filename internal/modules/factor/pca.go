package factor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/liquidity-tracker/internal/transforms"
)

// pcaFillLimit bounds the forward and backward fills used to impute gaps
// before PCA. Anything still missing takes the column mean.
const pcaFillLimit = 26

// fitPCA extracts the first principal component of the standardized, imputed
// matrix. With shrink set, loadings are re-estimated per column by ridge
// regression on the raw factor scores, which stabilizes them when columns are
// strongly correlated, and the factor is rebuilt from the shrunk loadings and
// re-standardized.
func (m *Model) fitPCA(data *dataset, shrink bool) (Result, error) {
	imputed := make(map[string][]float64, len(data.columns))
	for _, name := range data.columns {
		col := transforms.ForwardFill(data.values[name], pcaFillLimit)
		col = transforms.BackFill(col, pcaFillLimit)
		if fill := nanMean(col); !math.IsNaN(fill) {
			col = fillNaN(col, fill)
		} else {
			col = fillNaN(col, 0)
		}
		imputed[name] = col
	}

	rows := data.rows()
	cols := len(data.columns)
	const minPCARows = 10
	if rows < minPCARows {
		return Result{}, fmt.Errorf("%w: %d imputed rows, need %d", ErrInsufficientData, rows, minPCARows)
	}

	// Standardize with the population deviation; constant columns scale by 1.
	means := make([]float64, cols)
	stds := make([]float64, cols)
	scaled := mat.NewDense(rows, cols, nil)
	for j, name := range data.columns {
		col := imputed[name]
		means[j] = nanMean(col)
		stds[j] = popStd(col)
		if stds[j] == 0 || math.IsNaN(stds[j]) {
			stds[j] = 1
		}
		for i := 0; i < rows; i++ {
			scaled.Set(i, j, (col[i]-means[j])/stds[j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(scaled, mat.SVDThin) {
		return Result{}, fmt.Errorf("factor: svd failed to converge")
	}
	singular := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	component := make([]float64, cols)
	for j := 0; j < cols; j++ {
		component[j] = v.At(j, 0)
	}

	// Raw factor scores are the projection on the first component.
	raw := make([]float64, rows)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += scaled.At(i, j) * component[j]
		}
		raw[i] = sum
	}

	totalVar := 0.0
	for _, s := range singular {
		totalVar += s * s
	}
	explained := 0.0
	if totalVar > 0 {
		explained = singular[0] * singular[0] / totalVar
	}

	loadings := make(map[string]float64, cols)
	factor := raw
	method := MethodPCA

	if shrink {
		// Ridge with a single regressor reduces to a scalar shrinkage of the
		// least-squares loading.
		ff := 0.0
		for _, f := range raw {
			ff += f * f
		}
		denom := ff + m.opts.ShrinkageAlpha
		shrunk := make([]float64, cols)
		for j := 0; j < cols; j++ {
			fx := 0.0
			for i := 0; i < rows; i++ {
				fx += raw[i] * scaled.At(i, j)
			}
			shrunk[j] = fx / denom
			loadings[data.columns[j]] = shrunk[j]
		}

		factor = make([]float64, rows)
		for i := 0; i < rows; i++ {
			sum := 0.0
			for j := 0; j < cols; j++ {
				sum += scaled.At(i, j) * shrunk[j]
			}
			factor[i] = sum
		}
		mean := nanMean(factor)
		std := popStd(factor)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i := range factor {
			factor[i] = (factor[i] - mean) / std
		}
		method = MethodPCAShrunk
	} else {
		for j, name := range data.columns {
			loadings[name] = component[j]
		}
	}

	return Result{
		Factor:            data.factorSeries(factor),
		Loadings:          loadings,
		ExplainedVariance: explained,
		Method:            method,
		Converged:         true,
	}, nil
}

func fillNaN(values []float64, fill float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = fill
		} else {
			out[i] = v
		}
	}
	return out
}
