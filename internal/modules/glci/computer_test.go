package glci

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/storage"
	"github.com/aristath/liquidity-tracker/pkg/logger"
)

type stubProvider struct {
	series map[string]domain.RawSeries
}

func (p *stubProvider) FetchSeries(_ context.Context, seriesID string, _, _ time.Time) (domain.RawSeries, error) {
	s, ok := p.series[seriesID]
	if !ok {
		return domain.RawSeries{}, assert.AnError
	}
	return s, nil
}

const testWeeks = 200

func weeklyRaw(id string, gen func(t int) float64) domain.RawSeries {
	raw := domain.RawSeries{SeriesID: id, Source: "stub"}
	d := time.Date(2019, 1, 4, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	for t := 0; t < testWeeks; t++ {
		raw.Points = append(raw.Points, domain.RawPoint{Date: d, Value: gen(t), FetchedAt: now})
		d = d.AddDate(0, 0, 7)
	}
	return raw
}

const glciYAML = `
series:
  liq_a:
    source: stub
    source_id: LA
  liq_b:
    source: stub
    source_id: LB
  credit_a:
    source: stub
    source_id: CA
  credit_b:
    source: stub
    source_id: CB
  stress_a:
    source: stub
    source_id: SA
  stress_b:
    source: stub
    source_id: SB
indices:
  global_liquidity_credit_index:
    frequency: weekly
    normalize:
      mean: 100
      stdev: 10
    pillars:
      liquidity:
        weight: 0.4
        transforms: [level]
        components:
          - series: liq_a
          - series: liq_b
      credit:
        weight: 0.35
        transforms: [level]
        components:
          - series: credit_a
          - series: credit_b
      stress:
        weight: 0.25
        sign: -1
        transforms: [level]
        components:
          - series: stress_a
          - series: stress_b
`

func fullProvider() *stubProvider {
	liquidity := func(t int) float64 { return 2*math.Sin(float64(t)/15) + float64(t)/100 }
	credit := func(t int) float64 { return math.Cos(float64(t)/20) + float64(t)/150 }
	stress := func(t int) float64 { return 1.5 * math.Sin(float64(t)/9) }

	return &stubProvider{series: map[string]domain.RawSeries{
		"liq_a":    weeklyRaw("liq_a", func(t int) float64 { return liquidity(t) + 0.05*math.Sin(float64(t*7)) }),
		"liq_b":    weeklyRaw("liq_b", func(t int) float64 { return 0.8*liquidity(t) + 0.05*math.Cos(float64(t*5)) }),
		"credit_a": weeklyRaw("credit_a", func(t int) float64 { return credit(t) + 0.05*math.Sin(float64(t*3)) }),
		"credit_b": weeklyRaw("credit_b", func(t int) float64 { return 1.2*credit(t) + 0.05*math.Cos(float64(t*11)) }),
		"stress_a": weeklyRaw("stress_a", func(t int) float64 { return stress(t) + 0.05*math.Sin(float64(t*13)) }),
		"stress_b": weeklyRaw("stress_b", func(t int) float64 { return 0.9*stress(t) + 0.05*math.Cos(float64(t*17)) }),
	}}
}

func testComputer(t *testing.T, provider *stubProvider, store *storage.Store) *Computer {
	t.Helper()
	reg, err := config.ParseRegistry([]byte(glciYAML))
	require.NoError(t, err)
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	builder := features.NewBuilder(reg, provider, log)
	return NewComputer(reg, builder, provider, store, log)
}

func TestCompute(t *testing.T) {
	c := testComputer(t, fullProvider(), nil)

	res, err := c.Compute(context.Background(), DefaultIndexID, time.Time{}, time.Time{}, Options{})
	require.NoError(t, err)

	n := len(res.Dates)
	require.Greater(t, n, 150)
	assert.Len(t, res.Values, n)
	assert.Len(t, res.ZScores, n)
	assert.Len(t, res.Regimes, n)
	assert.Len(t, res.Momentum, n)
	assert.Len(t, res.ProbRegimeChange, n)

	assert.Equal(t, []string{"credit", "liquidity", "stress"}, res.PillarOrder)
	assert.Empty(t, res.Metadata.MissingPillars)

	// The rescale pins the composite to the configured location and scale.
	mean := seriesMean(res.Values)
	std := seriesStd(res.Values, mean)
	assert.InDelta(t, 100, mean, 1e-6)
	assert.InDelta(t, 10, std, 1e-6)

	// Weights normalized over all three pillars.
	sum := 0.0
	for _, w := range res.Weights.PillarWeights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.4, res.Weights.PillarWeights["liquidity"], 1e-9)
	assert.Equal(t, -1, res.Weights.PillarSigns["stress"])

	for _, r := range res.Regimes {
		assert.Contains(t, []domain.Regime{domain.RegimeTight, domain.RegimeNeutral, domain.RegimeLoose}, r)
	}

	assert.Equal(t, res.Regimes[n-1].Label(), res.Metadata.CurrentRegime.RegimeLabel)
	assert.Equal(t, 3, len(res.Metadata.PillarStats))
}

func TestComputeDropsFailingPillar(t *testing.T) {
	provider := fullProvider()
	delete(provider.series, "stress_a")
	delete(provider.series, "stress_b")
	c := testComputer(t, provider, nil)

	res, err := c.Compute(context.Background(), DefaultIndexID, time.Time{}, time.Time{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"credit", "liquidity"}, res.PillarOrder)
	assert.Equal(t, []string{"stress"}, res.Metadata.MissingPillars)

	// Remaining weights renormalized: 0.4/0.75 and 0.35/0.75.
	assert.InDelta(t, 0.4/0.75, res.Weights.PillarWeights["liquidity"], 1e-9)
	assert.InDelta(t, 0.35/0.75, res.Weights.PillarWeights["credit"], 1e-9)
}

func TestComputeFailsWhenNothingLoads(t *testing.T) {
	c := testComputer(t, &stubProvider{series: map[string]domain.RawSeries{}}, nil)
	_, err := c.Compute(context.Background(), DefaultIndexID, time.Time{}, time.Time{}, Options{})
	require.Error(t, err)
}

func TestStressPillarInverts(t *testing.T) {
	// A single stress pillar with a rising driver should produce a falling
	// composite once the pillar sign flips it.
	provider := &stubProvider{series: map[string]domain.RawSeries{
		"stress_a": weeklyRaw("stress_a", func(t int) float64 { return float64(t) + 0.2*math.Sin(float64(t*7)) }),
		"stress_b": weeklyRaw("stress_b", func(t int) float64 { return 0.8*float64(t) + 0.2*math.Cos(float64(t*5)) }),
	}}
	reg, err := config.ParseRegistry([]byte(`
series:
  stress_a:
    source: stub
    source_id: SA
  stress_b:
    source: stub
    source_id: SB
indices:
  stress_only:
    frequency: weekly
    pillars:
      stress:
        weight: 1
        sign: -1
        transforms: [level]
        components:
          - series: stress_a
          - series: stress_b
`))
	require.NoError(t, err)
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	builder := features.NewBuilder(reg, provider, log)
	c := NewComputer(reg, builder, provider, nil, log)

	res, err := c.Compute(context.Background(), "stress_only", time.Time{}, time.Time{}, Options{})
	require.NoError(t, err)
	assert.Less(t, res.Values[len(res.Values)-1], res.Values[0])
}

func TestComputeSaveAndReadBack(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	store, err := storage.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	c := testComputer(t, fullProvider(), store)
	res, err := c.Compute(context.Background(), DefaultIndexID, time.Time{}, time.Time{}, Options{Save: true})
	require.NoError(t, err)

	latest, err := c.GetLatest()
	require.NoError(t, err)
	n := len(res.Dates)
	assert.Equal(t, res.Dates[n-1].Format("2006-01-02"), latest.Date)
	assert.InDelta(t, res.Values[n-1], latest.Value, 1e-9)
	assert.Equal(t, int(res.Regimes[n-1]), latest.Regime)

	breakdown, err := c.GetPillarBreakdown(DefaultIndexID)
	require.NoError(t, err)
	assert.Len(t, breakdown.Pillars, 3)
	assert.InDelta(t, 0.25, breakdown.Pillars["stress"].Weight, 1e-9)

	var weights Weights
	require.NoError(t, store.LoadCuratedJSON(CuratedCategory, WeightsArtifact, &weights))
	assert.InDelta(t, 0.4, weights.PillarWeights["liquidity"], 1e-9)

	var meta Metadata
	require.NoError(t, store.LoadCuratedJSON(CuratedCategory, MetadataArtifact, &meta))
	assert.Equal(t, n, meta.Observations)
}

func TestGetDataFreshness(t *testing.T) {
	provider := fullProvider()
	delete(provider.series, "stress_b")
	c := testComputer(t, provider, nil)
	c.now = func() time.Time {
		// A week after the last sample date.
		return time.Date(2019, 1, 4, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*testWeeks)
	}

	fresh := c.GetDataFreshness(context.Background(), DefaultIndexID)
	require.Len(t, fresh, 6)

	assert.Equal(t, "liquidity", fresh["liq_a"].Pillar)
	assert.Equal(t, 7, fresh["liq_a"].DaysOld)
	assert.False(t, fresh["liq_a"].IsStale)

	assert.Equal(t, -1, fresh["stress_b"].DaysOld)
	assert.True(t, fresh["stress_b"].IsStale)
	assert.Equal(t, "unknown", fresh["stress_b"].LastDate)
}

func TestOptimizePillarWeights(t *testing.T) {
	n := 120
	dates := make([]time.Time, n)
	d := time.Date(2019, 1, 4, 0, 0, 0, 0, time.UTC)
	for i := range dates {
		dates[i] = d
		d = d.AddDate(0, 0, 7)
	}

	a := make([]float64, n)
	b := make([]float64, n)
	target := make([]float64, n)
	for t := 0; t < n; t++ {
		a[t] = math.Sin(float64(t) / 7)
		b[t] = math.Cos(float64(t) / 13)
	}
	// Forward returns track factor a exactly: target[t+2] = a[t].
	for t := 0; t < n-2; t++ {
		target[t+2] = a[t]
	}

	factors := map[string]domain.Series{
		"a": domain.NewSeries(dates, a),
		"b": domain.NewSeries(dates, b),
	}
	opts := OptimizeOptions{Window: 30, ForwardPeriods: 2, Regularization: 0.5}

	h, err := OptimizePillarWeights(factors, domain.NewSeries(dates, target), opts)
	require.NoError(t, err)
	require.NotEmpty(t, h.Dates)

	latest := h.Latest()
	assert.InDelta(t, 1.0, latest["a"]+latest["b"], 1e-9)
	assert.Greater(t, latest["a"], latest["b"], "predictive pillar dominates")
}

func TestOptimizePillarWeightsShortSample(t *testing.T) {
	n := 20
	dates := make([]time.Time, n)
	d := time.Date(2019, 1, 4, 0, 0, 0, 0, time.UTC)
	for i := range dates {
		dates[i] = d
		d = d.AddDate(0, 0, 7)
	}
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = float64(i)
	}
	factors := map[string]domain.Series{
		"a": domain.NewSeries(dates, vals),
		"b": domain.NewSeries(dates, vals),
	}

	h, err := OptimizePillarWeights(factors, domain.NewSeries(dates, vals), DefaultOptimizeOptions())
	require.NoError(t, err)
	require.Len(t, h.Dates, 1)
	assert.InDelta(t, 0.5, h.Latest()["a"], 1e-9)
}
