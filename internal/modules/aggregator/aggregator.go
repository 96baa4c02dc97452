// Package aggregator computes the simple composite indices: arithmetic
// combinations and weighted averages of configured series, as opposed to the
// factor-based pillarized composites.
package aggregator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/transforms"
)

// zscoreWindow is the rolling window for the zscore_average method,
// roughly one year of daily ticks.
const zscoreWindow = 252

// forwardFillLimit bounds the forward fill on outer-joined components.
const forwardFillLimit = 13

type cacheKey struct {
	seriesID string
	start    int64
	end      int64
}

// Aggregator computes arithmetic-form composite indices.
type Aggregator struct {
	registry *config.Registry
	provider features.SeriesProvider
	cache    map[cacheKey]domain.Series
	log      zerolog.Logger
}

// New creates an aggregator. The cache is per-instance; scope one to a run.
func New(registry *config.Registry, provider features.SeriesProvider, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		registry: registry,
		provider: provider,
		cache:    map[cacheKey]domain.Series{},
		log:      log.With().Str("component", "aggregator").Logger(),
	}
}

// ComputeIndex computes one arithmetic-form index by registry id.
func (a *Aggregator) ComputeIndex(ctx context.Context, indexID string, start, end time.Time) (domain.Series, error) {
	cfg, ok := a.registry.IndexConfigFor(indexID)
	if !ok {
		return domain.Series{}, fmt.Errorf("index %q not found in configuration", indexID)
	}
	if cfg.IsPillarized() {
		return domain.Series{}, fmt.Errorf("index %q is pillarized, not an arithmetic composite", indexID)
	}

	components := map[string]domain.Series{}
	for _, comp := range cfg.Components {
		s, err := a.fetchCached(ctx, comp.Series, start, end)
		if err != nil {
			return domain.Series{}, fmt.Errorf("component %s: %w", comp.Series, err)
		}
		components[comp.Series] = s
	}

	method := cfg.Method
	if method == "" {
		method = "arithmetic"
	}
	freq := cfg.FrequencyCode()

	switch method {
	case "arithmetic":
		return a.computeArithmetic(cfg, components, freq), nil
	case "zscore_average":
		return a.computeZScoreAverage(cfg, components, freq), nil
	case "sum_normalized":
		return a.computeSumNormalized(cfg, components, freq), nil
	case "weighted_average":
		return a.computeWeightedAverage(cfg, components, freq), nil
	}
	return domain.Series{}, fmt.Errorf("unknown aggregation method %q", method)
}

// ComputeAll computes every arithmetic-form index in the registry. Failures
// are logged and skipped.
func (a *Aggregator) ComputeAll(ctx context.Context, start, end time.Time) map[string]domain.Series {
	ids := make([]string, 0, len(a.registry.Indices))
	for id, cfg := range a.registry.Indices {
		if !cfg.IsPillarized() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := map[string]domain.Series{}
	for _, id := range ids {
		s, err := a.ComputeIndex(ctx, id, start, end)
		if err != nil {
			a.log.Warn().Err(err).Str("index_id", id).Msg("Failed to compute index")
			continue
		}
		out[id] = s
	}
	return out
}

// computeArithmetic combines components by add/subtract/multiply on the
// inner-joined date grid. Missing values propagate.
func (a *Aggregator) computeArithmetic(cfg config.IndexConfig, components map[string]domain.Series, freq domain.Frequency) domain.Series {
	resampled := resampleAll(components, freq, transforms.AggLast)
	dates, aligned := alignInner(resampled)

	result := make([]float64, len(dates))
	for _, comp := range cfg.Components {
		col, ok := aligned[comp.Series]
		if !ok {
			continue
		}
		w := comp.WeightOrDefault()
		switch comp.Operation {
		case "subtract":
			for i := range result {
				result[i] -= col[i] * w
			}
		case "multiply":
			// The weight multiplies into the operand before the product.
			for i := range result {
				result[i] *= col[i] * w
			}
		default:
			for i := range result {
				result[i] += col[i] * w
			}
		}
	}
	return domain.NewSeries(dates, result)
}

// computeZScoreAverage averages rolling z-scores of the components, weighted.
func (a *Aggregator) computeZScoreAverage(cfg config.IndexConfig, components map[string]domain.Series, freq domain.Frequency) domain.Series {
	zscores := map[string]domain.Series{}
	for id, s := range components {
		r := transforms.Resample(s, freq, transforms.AggMean)
		zscores[id] = r.WithValues(transforms.ZScore(r.Values, zscoreWindow, transforms.DefaultMinPeriods))
	}
	dates, aligned := alignInner(zscores)

	result := make([]float64, len(dates))
	totalWeight := 0.0
	for _, comp := range cfg.Components {
		col, ok := aligned[comp.Series]
		if !ok {
			continue
		}
		w := comp.WeightOrDefault()
		for i := range result {
			if !math.IsNaN(col[i]) {
				result[i] += col[i] * w
			}
		}
		totalWeight += w
	}
	if totalWeight > 0 {
		for i := range result {
			result[i] /= totalWeight
		}
	}
	return domain.NewSeries(dates, result)
}

// computeSumNormalized sums the components on the outer-joined grid. Weights
// act as unit conversion factors.
func (a *Aggregator) computeSumNormalized(cfg config.IndexConfig, components map[string]domain.Series, freq domain.Frequency) domain.Series {
	resampled := resampleAll(components, freq, transforms.AggLast)
	dates, aligned := alignOuterFilled(resampled)

	result := make([]float64, len(dates))
	for _, comp := range cfg.Components {
		col, ok := aligned[comp.Series]
		if !ok {
			continue
		}
		w := comp.WeightOrDefault()
		for i := range result {
			if !math.IsNaN(col[i]) {
				result[i] += col[i] * w
			}
		}
	}
	return domain.NewSeries(dates, result)
}

// computeWeightedAverage averages components with country weights from the
// registry, falling back to the component weight.
func (a *Aggregator) computeWeightedAverage(cfg config.IndexConfig, components map[string]domain.Series, freq domain.Frequency) domain.Series {
	resampled := resampleAll(components, freq, transforms.AggLast)
	dates, aligned := alignOuterFilled(resampled)

	result := make([]float64, len(dates))
	totalWeight := 0.0
	for _, comp := range cfg.Components {
		col, ok := aligned[comp.Series]
		if !ok {
			continue
		}
		w, ok := a.registry.CountryWeights[comp.Country]
		if !ok {
			w = comp.WeightOrDefault()
		}
		for i := range result {
			if !math.IsNaN(col[i]) {
				result[i] += col[i] * w
			}
		}
		totalWeight += w
	}
	if totalWeight > 0 {
		for i := range result {
			result[i] /= totalWeight
		}
	}
	return domain.NewSeries(dates, result)
}

func (a *Aggregator) fetchCached(ctx context.Context, seriesID string, start, end time.Time) (domain.Series, error) {
	key := cacheKey{seriesID: seriesID}
	if !start.IsZero() {
		key.start = start.Unix()
	}
	if !end.IsZero() {
		key.end = end.Unix()
	}
	if s, ok := a.cache[key]; ok {
		return s, nil
	}
	raw, err := a.provider.FetchSeries(ctx, seriesID, start, end)
	if err != nil {
		return domain.Series{}, err
	}
	s := raw.Series()
	a.cache[key] = s
	return s, nil
}

func resampleAll(components map[string]domain.Series, freq domain.Frequency, agg transforms.Agg) map[string]domain.Series {
	out := make(map[string]domain.Series, len(components))
	for id, s := range components {
		out[id] = transforms.Resample(s, freq, agg)
	}
	return out
}

// alignInner keeps only the dates present in every component.
func alignInner(components map[string]domain.Series) ([]time.Time, map[string][]float64) {
	counts := map[time.Time]int{}
	for _, s := range components {
		for _, d := range s.Dates {
			counts[d]++
		}
	}
	var dates []time.Time
	for d, n := range counts {
		if n == len(components) {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	index := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		index[d] = i
	}
	aligned := make(map[string][]float64, len(components))
	for id, s := range components {
		col := make([]float64, len(dates))
		for i, d := range s.Dates {
			if j, ok := index[d]; ok {
				col[j] = s.Values[i]
			}
		}
		aligned[id] = col
	}
	return dates, aligned
}

// alignOuterFilled unions the dates and forward-fills each column with a
// bounded limit so a stalled component cannot dominate the late sample.
func alignOuterFilled(components map[string]domain.Series) ([]time.Time, map[string][]float64) {
	dateSet := map[time.Time]bool{}
	for _, s := range components {
		for _, d := range s.Dates {
			dateSet[d] = true
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
	aligned := make(map[string][]float64, len(components))
	for id, s := range components {
		col := make([]float64, len(dates))
		for i := range col {
			col[i] = math.NaN()
		}
		for i, d := range s.Dates {
			col[index[d]] = s.Values[i]
		}
		aligned[id] = transforms.ForwardFill(col, forwardFillLimit)
	}
	return dates, aligned
}
