package aggregator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
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

func monthlyRaw(id string, start time.Time, values []float64) domain.RawSeries {
	raw := domain.RawSeries{SeriesID: id, Source: "stub"}
	d := start
	for _, v := range values {
		raw.Points = append(raw.Points, domain.RawPoint{Date: d, Value: v, FetchedAt: start})
		d = d.AddDate(0, 1, 0)
	}
	return raw
}

func testSetup(t *testing.T, registryYAML string) (*Aggregator, *stubProvider) {
	t.Helper()
	reg, err := config.ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)
	provider := &stubProvider{series: map[string]domain.RawSeries{}}
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return New(reg, provider, log), provider
}

const netLiquidityYAML = `
series:
  balance_sheet:
    source: stub
    source_id: BS
  tga:
    source: stub
    source_id: TGA
  rrp:
    source: stub
    source_id: RRP
indices:
  net_liquidity:
    method: arithmetic
    frequency: monthly
    components:
      - series: balance_sheet
        operation: add
      - series: tga
        operation: subtract
      - series: rrp
        operation: subtract
`

func TestComputeArithmetic(t *testing.T) {
	agg, provider := testSetup(t, netLiquidityYAML)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.series["balance_sheet"] = monthlyRaw("balance_sheet", start, []float64{100, 110, 120})
	provider.series["tga"] = monthlyRaw("tga", start, []float64{20, 25, 30})
	provider.series["rrp"] = monthlyRaw("rrp", start, []float64{10, 10, 15})

	got, err := agg.ComputeIndex(context.Background(), "net_liquidity", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	assert.InDelta(t, 70, got.Values[0], 1e-9)
	assert.InDelta(t, 75, got.Values[1], 1e-9)
	assert.InDelta(t, 75, got.Values[2], 1e-9)
}

func TestComputeArithmeticInnerJoin(t *testing.T) {
	agg, provider := testSetup(t, netLiquidityYAML)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.series["balance_sheet"] = monthlyRaw("balance_sheet", start, []float64{100, 110, 120})
	provider.series["tga"] = monthlyRaw("tga", start, []float64{20, 25})
	provider.series["rrp"] = monthlyRaw("rrp", start, []float64{10, 10, 15})

	got, err := agg.ComputeIndex(context.Background(), "net_liquidity", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len(), "only dates present in every component")
}

func TestComputeSumNormalized(t *testing.T) {
	agg, provider := testSetup(t, `
series:
  fed:
    source: stub
    source_id: FED
  ecb:
    source: stub
    source_id: ECB
indices:
  global_bs:
    method: sum_normalized
    frequency: monthly
    components:
      - series: fed
      - series: ecb
        weight: 1.1
`)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.series["fed"] = monthlyRaw("fed", start, []float64{100, 100, 100})
	provider.series["ecb"] = monthlyRaw("ecb", start, []float64{50, 60})

	got, err := agg.ComputeIndex(context.Background(), "global_bs", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	assert.InDelta(t, 100+55, got.Values[0], 1e-9)
	assert.InDelta(t, 100+66, got.Values[1], 1e-9)
	// Third month has no ecb print; the forward fill carries the last one.
	assert.InDelta(t, 100+66, got.Values[2], 1e-9)
}

func TestComputeWeightedAverageUsesCountryWeights(t *testing.T) {
	agg, provider := testSetup(t, `
series:
  us_credit:
    source: stub
    source_id: USC
  eu_credit:
    source: stub
    source_id: EUC
indices:
  global_credit:
    method: weighted_average
    frequency: monthly
    components:
      - series: us_credit
        country: US
      - series: eu_credit
        country: EZ
country_weights:
  US: 0.6
  EZ: 0.4
`)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.series["us_credit"] = monthlyRaw("us_credit", start, []float64{10, 20})
	provider.series["eu_credit"] = monthlyRaw("eu_credit", start, []float64{30, 40})

	got, err := agg.ComputeIndex(context.Background(), "global_credit", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())
	assert.InDelta(t, (10*0.6+30*0.4)/1.0, got.Values[0], 1e-9)
	assert.InDelta(t, (20*0.6+40*0.4)/1.0, got.Values[1], 1e-9)
}

func TestComputeIndexErrors(t *testing.T) {
	agg, provider := testSetup(t, `
series:
  a:
    source: stub
    source_id: A
indices:
  solo:
    method: arithmetic
    frequency: monthly
    components:
      - series: a
  pillarized:
    frequency: weekly
    pillars:
      liquidity:
        weight: 1
        components:
          - series: a
`)
	_ = provider

	_, err := agg.ComputeIndex(context.Background(), "ghost", time.Time{}, time.Time{})
	assert.Error(t, err)

	_, err = agg.ComputeIndex(context.Background(), "pillarized", time.Time{}, time.Time{})
	assert.ErrorContains(t, err, "pillarized")

	// Component fetch failure propagates.
	_, err = agg.ComputeIndex(context.Background(), "solo", time.Time{}, time.Time{})
	assert.Error(t, err)
}

func TestComputeAllSkipsFailures(t *testing.T) {
	agg, provider := testSetup(t, `
series:
  a:
    source: stub
    source_id: A
  b:
    source: stub
    source_id: B
indices:
  ok_index:
    method: arithmetic
    frequency: monthly
    components:
      - series: a
  broken_index:
    method: arithmetic
    frequency: monthly
    components:
      - series: b
`)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	provider.series["a"] = monthlyRaw("a", start, []float64{1, 2, 3})

	got := agg.ComputeAll(context.Background(), time.Time{}, time.Time{})
	require.Len(t, got, 1)
	assert.Contains(t, got, "ok_index")
}

func TestWeightedAverageSkipsMissingValues(t *testing.T) {
	agg, provider := testSetup(t, `
series:
  x:
    source: stub
    source_id: X
  y:
    source: stub
    source_id: Y
indices:
  avg:
    method: weighted_average
    frequency: monthly
    components:
      - series: x
      - series: y
`)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := start.AddDate(2, 0, 0)
	provider.series["x"] = monthlyRaw("x", start, []float64{10})
	provider.series["y"] = monthlyRaw("y", later, []float64{20})

	got, err := agg.ComputeIndex(context.Background(), "avg", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 2, got.Len())

	// The first date predates y entirely; it contributes nothing there but
	// the divisor still covers both components.
	assert.InDelta(t, 10.0/2, got.Values[0], 1e-9)
	// On the second date x is carried forward by the fill.
	assert.InDelta(t, (10.0+20.0)/2, got.Values[1], 1e-9)
	assert.False(t, math.IsNaN(got.Values[1]))
}
