// Package glci computes the Global Liquidity & Credit Index: one latent
// factor per pillar, combined by normalized weights into a rescaled composite
// with regime classification, momentum and regime-change probability.
package glci

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/factor"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/storage"
	"github.com/aristath/liquidity-tracker/internal/transforms"
)

// DefaultIndexID is the registry id of the headline composite.
const DefaultIndexID = "global_liquidity_credit_index"

// Rolling z-score window on the composite, two years of weekly ticks.
const regimeZScoreWindow = 104

// Regime thresholds on the composite z-score.
const (
	TightThreshold = -1.0
	LooseThreshold = 1.0
)

// Momentum windows on the composite.
const (
	momentumShort = 4
	momentumLong  = 12
)

// Curated artifact names under the indices category.
const (
	CuratedCategory  = "indices"
	GLCITable        = "glci"
	PillarsTable     = "glci_pillars"
	WeightsArtifact  = "glci_weights"
	MetadataArtifact = "glci_meta"
)

// Options configures a GLCI run.
type Options struct {
	TargetFreq      domain.Frequency // default weekly
	FactorMethod    string           // default auto
	Save            bool
	OptimizeWeights bool          // derive time-varying weights from TargetReturns
	TargetReturns   domain.Series // forward-return target for weight optimization
}

func (o Options) withDefaults() Options {
	if o.TargetFreq == "" {
		o.TargetFreq = domain.Weekly
	}
	if o.FactorMethod == "" {
		o.FactorMethod = factor.MethodAuto
	}
	return o
}

// PillarResult is the per-pillar factor extraction outcome.
type PillarResult struct {
	Name              string
	Factor            domain.Series
	Loadings          map[string]float64
	ExplainedVariance float64
	Method            string
	Converged         bool
	Variables         int
	Quality           features.DataQualityReport
}

// Weights is the persisted weight breakdown.
type Weights struct {
	PillarWeights map[string]float64            `json:"pillar_weights"`
	PillarSigns   map[string]int                `json:"pillar_signs"`
	Loadings      map[string]map[string]float64 `json:"loadings"`
}

// CurrentRegime summarizes the latest composite observation.
type CurrentRegime struct {
	Date        string  `json:"date"`
	Value       float64 `json:"value"`
	ZScore      float64 `json:"zscore"`
	Regime      int     `json:"regime"`
	RegimeLabel string  `json:"regime_label"`
	Momentum    float64 `json:"momentum"`
}

// PillarStats is the per-pillar diagnostics block of the run metadata.
type PillarStats struct {
	Method            string   `json:"method"`
	ExplainedVariance float64  `json:"explained_variance"`
	Variables         int      `json:"n_variables"`
	TotalSeries       int      `json:"total_series"`
	LoadedSeries      int      `json:"loaded_series"`
	MissingSeries     []string `json:"missing_series,omitempty"`
	LowCoverage       []string `json:"low_coverage,omitempty"`
}

// Metadata describes one GLCI run, persisted alongside the composite.
type Metadata struct {
	ComputedAt      string                 `json:"computed_at"`
	StartDate       string                 `json:"start_date"`
	EndDate         string                 `json:"end_date"`
	Observations    int                    `json:"n_observations"`
	TargetFrequency string                 `json:"target_frequency"`
	FactorMethod    string                 `json:"factor_method"`
	Normalize       config.NormalizeConfig `json:"normalize"`
	MissingPillars  []string               `json:"missing_pillars,omitempty"`
	PillarStats     map[string]PillarStats `json:"pillar_stats"`
	CurrentRegime   CurrentRegime          `json:"current_regime"`
}

// Result is the complete outcome of a GLCI run. The parallel slices share the
// Dates index.
type Result struct {
	Dates            []time.Time
	Values           []float64
	ZScores          []float64
	Regimes          []domain.Regime
	Momentum         []float64
	ProbRegimeChange []float64
	DistToTight      []float64
	DistToLoose      []float64

	PillarOrder   []string
	Pillars       map[string][]float64 // aligned to Dates, NaN where absent
	PillarResults map[string]PillarResult
	Weights       Weights
	WeightHistory *WeightHistory // set when weight optimization ran
	Metadata      Metadata
}

// Computer runs the GLCI pipeline.
type Computer struct {
	registry *config.Registry
	builder  *features.Builder
	provider features.SeriesProvider
	store    *storage.Store
	now      func() time.Time
	log      zerolog.Logger
}

// NewComputer creates a GLCI computer. The store may be nil when persistence
// is not needed.
func NewComputer(registry *config.Registry, builder *features.Builder, provider features.SeriesProvider, store *storage.Store, log zerolog.Logger) *Computer {
	return &Computer{
		registry: registry,
		builder:  builder,
		provider: provider,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "glci").Logger(),
	}
}

// Compute runs the full pipeline for a pillarized index. Per-pillar failures
// are isolated: a failing pillar is dropped and its weight redistributed to
// the survivors. The run fails only when no pillar factor can be extracted.
func (c *Computer) Compute(ctx context.Context, indexID string, start, end time.Time, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	idx, ok := c.registry.IndexConfigFor(indexID)
	if !ok {
		return nil, fmt.Errorf("index %q not found in configuration", indexID)
	}
	if !idx.IsPillarized() {
		return nil, fmt.Errorf("index %q is not pillarized", indexID)
	}

	pillarNames := sortedPillarNames(idx)
	pillarResults := map[string]PillarResult{}
	var missing []string

	for _, name := range pillarNames {
		pr, err := c.computePillarFactor(ctx, indexID, name, start, end, opts)
		if err != nil {
			c.log.Warn().Err(err).Str("pillar", name).Msg("Could not compute pillar factor")
			missing = append(missing, name)
			continue
		}
		pillarResults[name] = pr
		c.log.Info().
			Str("pillar", name).
			Str("method", pr.Method).
			Float64("explained_variance", pr.ExplainedVariance).
			Int("observations", pr.Factor.ValidCount()).
			Msg("Pillar factor extracted")
	}
	if len(pillarResults) == 0 {
		return nil, fmt.Errorf("no pillar factors could be computed for %q", indexID)
	}

	// Normalize weights over the surviving pillars.
	weights := map[string]float64{}
	total := 0.0
	for name := range pillarResults {
		weights[name] = idx.Pillars[name].Weight
		total += idx.Pillars[name].Weight
	}
	if total <= 0 {
		for name := range weights {
			weights[name] = 1
			total++
		}
	}
	for name := range weights {
		weights[name] /= total
	}

	// Pillar-level sign: the stress pillar inverts so higher stress pulls the
	// composite down.
	signs := map[string]int{}
	factors := map[string]domain.Series{}
	for name, pr := range pillarResults {
		sign := idx.Pillars[name].SignOrDefault()
		signs[name] = sign
		f := pr.Factor
		if sign < 0 {
			f = f.WithValues(transforms.ApplySignFlip(f.Values, sign))
		}
		factors[name] = f
	}

	var history *WeightHistory
	if opts.OptimizeWeights && !opts.TargetReturns.IsEmpty() {
		h, err := OptimizePillarWeights(factors, opts.TargetReturns, DefaultOptimizeOptions())
		if err != nil {
			c.log.Warn().Err(err).Msg("Weight optimization failed, keeping configured weights")
		} else {
			history = h
			weights = h.Latest()
		}
	}

	dates, pillarCols, composite := combine(pillarNames, factors, weights)

	// Standardize the composite and rescale to the configured target.
	target := idx.NormalizeTarget()
	rescale(composite, target.Mean, target.Stdev)

	zscores := transforms.ZScore(composite, regimeZScoreWindow, transforms.DefaultMinPeriods)
	regimes := transforms.DetectRegime(zscores, TightThreshold, LooseThreshold)
	prob := transforms.ComputeRegimeProbability(zscores, momentumShort)
	momentum, _, _ := transforms.Momentum(composite, momentumShort, momentumLong)

	res := &Result{
		Dates:            dates,
		Values:           composite,
		ZScores:          zscores,
		Regimes:          regimes,
		Momentum:         momentum,
		ProbRegimeChange: prob.Probability,
		DistToTight:      prob.DistToTight,
		DistToLoose:      prob.DistToLoose,
		PillarOrder:      survivingOrder(pillarNames, pillarResults),
		Pillars:          pillarCols,
		PillarResults:    pillarResults,
		WeightHistory:    history,
		Weights: Weights{
			PillarWeights: weights,
			PillarSigns:   signs,
			Loadings:      pillarLoadings(pillarResults),
		},
	}
	res.Metadata = c.buildMetadata(res, missing, opts)

	if opts.Save {
		if err := c.save(indexID, res); err != nil {
			return nil, fmt.Errorf("saving glci results: %w", err)
		}
	}
	return res, nil
}

func (c *Computer) computePillarFactor(ctx context.Context, indexID, pillarName string, start, end time.Time, opts Options) (PillarResult, error) {
	matrix, metadata, err := c.builder.BuildPillarMatrix(ctx, indexID, pillarName, start, end, opts.TargetFreq)
	if err != nil {
		return PillarResult{}, err
	}
	quality := c.builder.ValidatePillarData(indexID, pillarName, metadata)

	model := factor.NewModel(factor.Options{Method: opts.FactorMethod}, c.log)
	fr, err := model.Extract(matrix)
	if err != nil {
		// Retry with relaxed requirements before giving up on the pillar.
		relaxed := factor.NewModel(factor.Options{Method: factor.MethodPCA, MinObservations: 20}, c.log)
		fr, err = relaxed.Extract(matrix)
		if err != nil {
			return PillarResult{}, err
		}
	}

	return PillarResult{
		Name:              pillarName,
		Factor:            fr.Factor,
		Loadings:          fr.Loadings,
		ExplainedVariance: fr.ExplainedVariance,
		Method:            fr.Method,
		Converged:         fr.Converged,
		Variables:         fr.Quality.Variables,
		Quality:           quality,
	}, nil
}

// combine aligns the pillar factors on the union of their dates and forms the
// weighted sum, treating missing pillar values as zero.
func combine(order []string, factors map[string]domain.Series, weights map[string]float64) ([]time.Time, map[string][]float64, []float64) {
	dateSet := map[time.Time]bool{}
	for _, f := range factors {
		for i, d := range f.Dates {
			if !math.IsNaN(f.Values[i]) {
				dateSet[d] = true
			}
		}
	}
	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	index := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}

	cols := map[string][]float64{}
	composite := make([]float64, len(dates))
	for _, name := range order {
		f, ok := factors[name]
		if !ok {
			continue
		}
		col := make([]float64, len(dates))
		for i := range col {
			col[i] = math.NaN()
		}
		for i, d := range f.Dates {
			if j, ok := index[d]; ok {
				col[j] = f.Values[i]
			}
		}
		cols[name] = col

		w := weights[name]
		for i, v := range col {
			if !math.IsNaN(v) {
				composite[i] += v * w
			}
		}
	}
	return dates, cols, composite
}

// rescale standardizes values in place and maps them to the target location
// and scale.
func rescale(values []float64, mean, stdev float64) {
	m := seriesMean(values)
	s := seriesStd(values, m)
	if s == 0 || math.IsNaN(s) {
		s = 1
	}
	for i, v := range values {
		if !math.IsNaN(v) {
			values[i] = (v-m)/s*stdev + mean
		}
	}
}

func (c *Computer) buildMetadata(res *Result, missing []string, opts Options) Metadata {
	stats := map[string]PillarStats{}
	for name, pr := range res.PillarResults {
		var lowCoverage []string
		for _, issue := range pr.Quality.LowCoverageSeries {
			lowCoverage = append(lowCoverage, issue.SeriesID)
		}
		stats[name] = PillarStats{
			Method:            pr.Method,
			ExplainedVariance: pr.ExplainedVariance,
			Variables:         pr.Variables,
			TotalSeries:       pr.Quality.TotalSeries,
			LoadedSeries:      pr.Quality.LoadedSeries,
			MissingSeries:     pr.Quality.MissingSeries,
			LowCoverage:       lowCoverage,
		}
	}

	meta := Metadata{
		ComputedAt:      c.now().Format(time.RFC3339),
		Observations:    len(res.Dates),
		TargetFrequency: string(opts.TargetFreq),
		FactorMethod:    opts.FactorMethod,
		MissingPillars:  missing,
		PillarStats:     stats,
	}
	if len(res.Dates) > 0 {
		meta.StartDate = res.Dates[0].Format("2006-01-02")
		meta.EndDate = res.Dates[len(res.Dates)-1].Format("2006-01-02")
		last := len(res.Dates) - 1
		meta.CurrentRegime = CurrentRegime{
			Date:        res.Dates[last].Format("2006-01-02"),
			Value:       res.Values[last],
			ZScore:      nanToZero(res.ZScores[last]),
			Regime:      int(res.Regimes[last]),
			RegimeLabel: res.Regimes[last].Label(),
			Momentum:    nanToZero(res.Momentum[last]),
		}
	}
	return meta
}

func (c *Computer) save(indexID string, res *Result) error {
	if c.store == nil {
		return fmt.Errorf("no store configured")
	}

	glci := storage.NewTable("value", "zscore", "regime", "momentum", "prob_regime_change")
	for i, d := range res.Dates {
		glci.Dates = append(glci.Dates, d.Unix())
		glci.Values["value"] = append(glci.Values["value"], res.Values[i])
		glci.Values["zscore"] = append(glci.Values["zscore"], res.ZScores[i])
		glci.Values["regime"] = append(glci.Values["regime"], float64(res.Regimes[i]))
		glci.Values["momentum"] = append(glci.Values["momentum"], res.Momentum[i])
		glci.Values["prob_regime_change"] = append(glci.Values["prob_regime_change"], res.ProbRegimeChange[i])
	}

	meta := map[string]interface{}{
		"index_id": indexID,
		"metadata": res.Metadata,
	}
	if err := c.store.SaveCurated(glci, CuratedCategory, GLCITable, meta); err != nil {
		return err
	}

	pillars := storage.FromMatrix(res.Dates, res.PillarOrder, res.Pillars)
	if err := c.store.SaveCurated(pillars, CuratedCategory, PillarsTable, nil); err != nil {
		return err
	}
	if err := c.store.SaveCuratedJSON(CuratedCategory, WeightsArtifact, res.Weights); err != nil {
		return err
	}
	return c.store.SaveCuratedJSON(CuratedCategory, MetadataArtifact, res.Metadata)
}

func pillarLoadings(results map[string]PillarResult) map[string]map[string]float64 {
	out := map[string]map[string]float64{}
	for name, pr := range results {
		out[name] = pr.Loadings
	}
	return out
}

func survivingOrder(order []string, results map[string]PillarResult) []string {
	var out []string
	for _, name := range order {
		if _, ok := results[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func sortedPillarNames(idx config.IndexConfig) []string {
	names := make([]string, 0, len(idx.Pillars))
	for name := range idx.Pillars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func seriesMean(values []float64) float64 {
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

// seriesStd is the sample standard deviation around a precomputed mean.
func seriesStd(values []float64, mean float64) float64 {
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

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
