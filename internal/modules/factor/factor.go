// Package factor extracts a single latent factor from a feature matrix. It
// prefers a dynamic factor model estimated by EM with a Kalman smoother and
// degrades to shrinkage PCA, then plain PCA, when the data cannot support it.
package factor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
)

// Estimation methods, from most to least structure.
const (
	MethodAuto      = "auto"
	MethodDFM       = "dfm"
	MethodPCAShrunk = "pca_shrunk"
	MethodPCA       = "pca"
)

// ErrInsufficientData is returned when the matrix cannot support any method.
var ErrInsufficientData = errors.New("factor: insufficient data")

// nearConstantStd is the sample standard deviation below which a column
// carries no usable variation and is dropped before fitting.
const nearConstantStd = 1e-8

// Options configures factor extraction. Zero values take the defaults.
type Options struct {
	Method          string  // auto, dfm, pca_shrunk or pca
	MaxIter         int     // EM iteration cap, default 100
	ShrinkageAlpha  float64 // ridge penalty on re-estimated loadings, default 0.1
	MinObservations int     // default 30
	MinVariables    int     // default 2
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = MethodAuto
	}
	if o.MaxIter <= 0 {
		o.MaxIter = 100
	}
	if o.ShrinkageAlpha <= 0 {
		o.ShrinkageAlpha = 0.1
	}
	if o.MinObservations <= 0 {
		o.MinObservations = 30
	}
	if o.MinVariables <= 0 {
		o.MinVariables = 2
	}
	return o
}

// QualityCheck reports the pre-fit data validation.
type QualityCheck struct {
	IsValid      bool
	ValidObs     int // rows with at least one observation
	Variables    int // columns after dropping near-constant ones
	Coverage     float64
	NearConstant []string
	HighMissing  []string // columns with more than half missing
	Warnings     []string
}

// Result holds the extracted factor and its diagnostics.
type Result struct {
	Factor            domain.Series
	Loadings          map[string]float64
	ExplainedVariance float64
	Method            string
	Converged         bool
	Quality           QualityCheck
}

// Contribution returns the loading of one variable, zero when unknown.
func (r Result) Contribution(variable string) float64 {
	return r.Loadings[variable]
}

// Model extracts latent factors from feature matrices.
type Model struct {
	opts Options
	log  zerolog.Logger
}

// NewModel creates a factor model with the given options.
func NewModel(opts Options, log zerolog.Logger) *Model {
	return &Model{
		opts: opts.withDefaults(),
		log:  log.With().Str("component", "factor").Logger(),
	}
}

// Validate checks a matrix against the minimum data requirements without
// fitting anything.
func (m *Model) Validate(fm *features.Matrix) QualityCheck {
	check := QualityCheck{}
	nObs := fm.Rows()
	nVars := len(fm.Columns)

	if nObs < m.opts.MinObservations {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("only %d observations, need %d", nObs, m.opts.MinObservations))
	}
	if nVars < m.opts.MinVariables {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("only %d variables, need %d", nVars, m.opts.MinVariables))
	}

	observed := 0
	for _, name := range fm.Columns {
		col := fm.Column(name)
		if nanStd(col) < nearConstantStd {
			check.NearConstant = append(check.NearConstant, name)
			check.Warnings = append(check.Warnings, fmt.Sprintf("column %q is near-constant", name))
		}
		missing := 0
		for _, v := range col {
			if math.IsNaN(v) {
				missing++
			} else {
				observed++
			}
		}
		if nObs > 0 && float64(missing)/float64(nObs) > 0.5 {
			check.HighMissing = append(check.HighMissing, name)
			check.Warnings = append(check.Warnings,
				fmt.Sprintf("column %q has %d%% missing", name, missing*100/nObs))
		}
	}

	if nObs*nVars > 0 {
		check.Coverage = float64(observed) / float64(nObs*nVars)
	}
	for i := 0; i < nObs; i++ {
		for _, name := range fm.Columns {
			if !math.IsNaN(fm.Column(name)[i]) {
				check.ValidObs++
				break
			}
		}
	}

	check.Variables = nVars - len(check.NearConstant)
	check.IsValid = check.ValidObs >= m.opts.MinObservations &&
		check.Variables >= m.opts.MinVariables
	return check
}

// Extract fits the model and returns the oriented factor. With method auto it
// picks dfm when enough complete rows exist and missingness is moderate, and
// falls down the ladder when an estimator cannot fit.
func (m *Model) Extract(fm *features.Matrix) (Result, error) {
	quality := m.Validate(fm)
	if !quality.IsValid {
		return Result{Quality: quality}, fmt.Errorf("%w: %s", ErrInsufficientData, joinWarnings(quality.Warnings))
	}

	data := newDataset(fm, quality.NearConstant)

	method := m.opts.Method
	if method == MethodAuto {
		method = m.chooseMethod(data)
	}

	res, err := m.fit(data, method)
	if err != nil {
		return Result{Quality: quality}, err
	}
	res.Quality = quality
	orientFactor(&res)
	m.log.Debug().
		Str("method", res.Method).
		Bool("converged", res.Converged).
		Float64("explained_variance", res.ExplainedVariance).
		Msg("Factor extracted")
	return res, nil
}

func (m *Model) fit(data *dataset, method string) (Result, error) {
	switch method {
	case MethodDFM:
		res, err := m.fitDFM(data)
		if err == nil {
			return res, nil
		}
		m.log.Warn().Err(err).Msg("DFM fit failed, falling back to shrinkage PCA")
		fallthrough
	case MethodPCAShrunk:
		res, err := m.fitPCA(data, true)
		if err == nil {
			return res, nil
		}
		m.log.Warn().Err(err).Msg("Shrinkage PCA failed, falling back to plain PCA")
		fallthrough
	case MethodPCA:
		return m.fitPCA(data, false)
	}
	return Result{}, fmt.Errorf("factor: unknown method %q", method)
}

// chooseMethod decides between dfm and shrinkage PCA. The EM initialization
// needs complete rows, so dfm is only viable when dropping incomplete rows
// keeps at least half the sample.
func (m *Model) chooseMethod(data *dataset) string {
	total := data.rows()
	complete := len(data.completeRows())
	missingPct := data.missingPct()

	dfmViable := float64(complete) >= math.Max(float64(m.opts.MinObservations), float64(total)*0.5)
	if dfmViable && missingPct > 0 && missingPct <= 0.3 {
		return MethodDFM
	}
	return MethodPCAShrunk
}

// orientFactor flips the factor and loadings so the average loading is
// positive. Components are pre-flipped upstream, so a positive factor move
// should mean a positive move in the typical component.
func orientFactor(res *Result) {
	if len(res.Loadings) == 0 {
		return
	}
	sum := 0.0
	for _, l := range res.Loadings {
		sum += l
	}
	if sum/float64(len(res.Loadings)) >= 0 {
		return
	}
	for name, l := range res.Loadings {
		res.Loadings[name] = -l
	}
	for i, v := range res.Factor.Values {
		if !math.IsNaN(v) {
			res.Factor.Values[i] = -v
		}
	}
}

func joinWarnings(warnings []string) string {
	out := ""
	for i, w := range warnings {
		if i > 0 {
			out += "; "
		}
		out += w
	}
	return out
}

// dataset is a column-major view of a feature matrix with the near-constant
// columns removed.
type dataset struct {
	columns []string
	values  map[string][]float64
	matrix  *features.Matrix
}

func newDataset(fm *features.Matrix, drop []string) *dataset {
	dropped := make(map[string]bool, len(drop))
	for _, name := range drop {
		dropped[name] = true
	}
	d := &dataset{values: map[string][]float64{}, matrix: fm}
	for _, name := range fm.Columns {
		if dropped[name] {
			continue
		}
		d.columns = append(d.columns, name)
		d.values[name] = fm.Column(name)
	}
	return d
}

func (d *dataset) rows() int { return d.matrix.Rows() }

// completeRows returns the indexes of rows with every column observed.
func (d *dataset) completeRows() []int {
	var rows []int
	for i := 0; i < d.rows(); i++ {
		complete := true
		for _, name := range d.columns {
			if math.IsNaN(d.values[name][i]) {
				complete = false
				break
			}
		}
		if complete {
			rows = append(rows, i)
		}
	}
	return rows
}

func (d *dataset) missingPct() float64 {
	total := d.rows() * len(d.columns)
	if total == 0 {
		return 0
	}
	missing := 0
	for _, name := range d.columns {
		for _, v := range d.values[name] {
			if math.IsNaN(v) {
				missing++
			}
		}
	}
	return float64(missing) / float64(total)
}

// factorSeries wraps factor values over the matrix dates.
func (d *dataset) factorSeries(values []float64) domain.Series {
	return domain.NewSeries(append([]time.Time(nil), d.matrix.Dates...), values)
}

func nanMean(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// nanStd is the sample standard deviation over the observed values.
func nanStd(values []float64) float64 {
	mean := nanMean(values)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	sum, n := 0.0, 0
	for _, v := range values {
		if !math.IsNaN(v) {
			d := v - mean
			sum += d * d
			n++
		}
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(sum / float64(n-1))
}

// popStd is the population standard deviation, matching the scaling the
// estimators use internally.
func popStd(values []float64) float64 {
	mean := nanMean(values)
	if math.IsNaN(mean) {
		return math.NaN()
	}
	sum, n := 0.0, 0
	for _, v := range values {
		if !math.IsNaN(v) {
			d := v - mean
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return math.Sqrt(sum / float64(n))
}
