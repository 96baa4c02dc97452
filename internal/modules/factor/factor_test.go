package factor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/pkg/formulas"
	"github.com/aristath/liquidity-tracker/pkg/logger"
)

func weeklyDates(n int) []time.Time {
	dates := make([]time.Time, n)
	d := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)
	for i := range dates {
		dates[i] = d
		d = d.AddDate(0, 0, 7)
	}
	return dates
}

// latentFactor is a smooth persistent path the test columns load on.
func latentFactor(n int) []float64 {
	f := make([]float64, n)
	for t := range f {
		f[t] = 2*math.Sin(float64(t)/10) + math.Cos(float64(t)/23)
	}
	return f
}

func makeMatrix(n int, loadings map[string]float64, missing map[string][]int) (*features.Matrix, []float64) {
	f := latentFactor(n)
	m := &features.Matrix{Dates: weeklyDates(n), Values: map[string][]float64{}}
	j := 0
	for name, load := range loadings {
		col := make([]float64, n)
		for t := range col {
			col[t] = load*f[t] + 0.1*math.Sin(float64(t*7+j*13))
		}
		for _, idx := range missing[name] {
			col[idx] = math.NaN()
		}
		m.Columns = append(m.Columns, name)
		m.Values[name] = col
		j++
	}
	return m, f
}

func testModel(t *testing.T, opts Options) *Model {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return NewModel(opts, log)
}

func TestValidate(t *testing.T) {
	m := testModel(t, Options{})

	fm, _ := makeMatrix(120, map[string]float64{"a": 1, "b": 0.8, "c": 1.2}, nil)
	check := m.Validate(fm)
	assert.True(t, check.IsValid)
	assert.Equal(t, 120, check.ValidObs)
	assert.Equal(t, 3, check.Variables)
	assert.InDelta(t, 1.0, check.Coverage, 1e-9)

	// Constant column is dropped from the usable variable count.
	flat := make([]float64, 120)
	fm.Columns = append(fm.Columns, "flat")
	fm.Values["flat"] = flat
	check = m.Validate(fm)
	assert.Equal(t, []string{"flat"}, check.NearConstant)
	assert.Equal(t, 3, check.Variables)

	// Mostly missing column is flagged but not dropped.
	sparse := make([]float64, 120)
	for i := range sparse {
		sparse[i] = math.NaN()
	}
	sparse[0], sparse[1] = 1, 2
	fm.Columns = append(fm.Columns, "sparse")
	fm.Values["sparse"] = sparse
	check = m.Validate(fm)
	assert.Contains(t, check.HighMissing, "sparse")
}

func TestValidateTooShort(t *testing.T) {
	m := testModel(t, Options{})
	fm, _ := makeMatrix(10, map[string]float64{"a": 1, "b": 1}, nil)
	check := m.Validate(fm)
	assert.False(t, check.IsValid)
	assert.NotEmpty(t, check.Warnings)
}

func TestExtractInsufficientData(t *testing.T) {
	m := testModel(t, Options{})
	fm, _ := makeMatrix(10, map[string]float64{"a": 1, "b": 1}, nil)
	_, err := m.Extract(fm)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestExtractCompleteDataUsesShrunkPCA(t *testing.T) {
	m := testModel(t, Options{})
	fm, f := makeMatrix(150, map[string]float64{"a": 1, "b": 0.7, "c": 1.3, "d": 0.9}, nil)

	res, err := m.Extract(fm)
	require.NoError(t, err)
	assert.Equal(t, MethodPCAShrunk, res.Method)
	assert.True(t, res.Converged)
	assert.Equal(t, 150, res.Factor.Len())
	assert.Greater(t, res.ExplainedVariance, 0.8)

	corr := formulas.Correlation(res.Factor.Values, f)
	assert.Greater(t, corr, 0.95, "factor should track the latent path")

	for name, l := range res.Loadings {
		assert.Greater(t, l, 0.0, name)
	}
}

func TestExtractModerateMissingUsesDFM(t *testing.T) {
	m := testModel(t, Options{})
	missing := map[string][]int{
		"a": {5, 17, 40, 77},
		"b": {8, 33, 90},
		"c": {12, 60},
	}
	fm, f := makeMatrix(150, map[string]float64{"a": 1, "b": 0.8, "c": 1.1}, missing)

	res, err := m.Extract(fm)
	require.NoError(t, err)
	assert.Equal(t, MethodDFM, res.Method)

	// Incomplete rows carry no factor value.
	assert.True(t, math.IsNaN(res.Factor.Values[5]))
	assert.False(t, math.IsNaN(res.Factor.Values[6]))

	corr := formulas.Correlation(res.Factor.Values, f)
	assert.Greater(t, corr, 0.9)
}

func TestExtractSignOrientation(t *testing.T) {
	m := testModel(t, Options{Method: MethodPCAShrunk})
	fm, _ := makeMatrix(150, map[string]float64{"a": -1, "b": -0.8, "c": -1.2}, nil)

	res, err := m.Extract(fm)
	require.NoError(t, err)

	sum := 0.0
	for _, l := range res.Loadings {
		sum += l
	}
	assert.Greater(t, sum/float64(len(res.Loadings)), 0.0, "mean loading oriented positive")
}

func TestExtractForcedPCA(t *testing.T) {
	m := testModel(t, Options{Method: MethodPCA})
	fm, f := makeMatrix(150, map[string]float64{"a": 1, "b": 0.9}, nil)

	res, err := m.Extract(fm)
	require.NoError(t, err)
	assert.Equal(t, MethodPCA, res.Method)
	assert.Greater(t, formulas.Correlation(res.Factor.Values, f), 0.9)
}

func TestDFMFallsBackWhenSparse(t *testing.T) {
	// Forcing dfm on data with too few complete rows should ride the ladder
	// down instead of failing.
	m := testModel(t, Options{Method: MethodDFM})
	missing := map[string][]int{"a": make([]int, 0, 130)}
	for i := 0; i < 130; i++ {
		missing["a"] = append(missing["a"], i)
	}
	fm, _ := makeMatrix(150, map[string]float64{"a": 1, "b": 0.9, "c": 1.1}, missing)

	res, err := m.Extract(fm)
	require.NoError(t, err)
	assert.NotEqual(t, MethodDFM, res.Method)
}

func TestContribution(t *testing.T) {
	res := Result{Loadings: map[string]float64{"a": 0.4}}
	assert.InDelta(t, 0.4, res.Contribution("a"), 1e-9)
	assert.Zero(t, res.Contribution("missing"))
}
