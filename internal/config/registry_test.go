package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

const sampleRegistry = `
series:
  fed_balance_sheet:
    source: fred
    source_id: WALCL
    description: Fed total assets
    country: US
    frequency: weekly
    unit: millions_usd
    type: central_bank
    category: central_bank_liquidity
  vix:
    source: yahoo
    source_id: ^VIX
    country: US
    frequency: daily
    type: market_stress
    expected_sign: -1
  us_credit:
    source: bis
    source_id: "Q:US:P:A:M:XDC:A"
    country: US
    frequency: quarterly
    type: credit

indices:
  glci:
    frequency: weekly
    normalize:
      mean: 100
      stdev: 10
    pillars:
      liquidity:
        weight: 0.4
        sign: 1
        transforms: [yoy, zscore]
        components:
          - series: fed_balance_sheet
            country: US
            sign: 1
            transform: yoy
      stress:
        weight: 0.3
        sign: -1
        components:
          - series: vix
            sign: -1
            transform: zscore
  simple_credit:
    method: weighted_average
    frequency: quarterly
    components:
      - series: us_credit
        operation: add
        weight: 1.0

country_weights:
  US: 0.42
  EZ: 0.31
`

func TestParseRegistry(t *testing.T) {
	reg, err := ParseRegistry([]byte(sampleRegistry))
	require.NoError(t, err)

	require.Len(t, reg.Series, 3)
	fed, ok := reg.SeriesConfigFor("fed_balance_sheet")
	require.True(t, ok)
	assert.Equal(t, "fred", fed.Source)
	assert.Equal(t, "WALCL", fed.SourceID)
	assert.Equal(t, domain.Weekly, fed.FrequencyCode())
	assert.Equal(t, 1, fed.Sign())

	vix, _ := reg.SeriesConfigFor("vix")
	assert.Equal(t, -1, vix.Sign())

	glci, ok := reg.IndexConfigFor("glci")
	require.True(t, ok)
	assert.True(t, glci.IsPillarized())
	assert.Equal(t, domain.Weekly, glci.FrequencyCode())
	assert.Equal(t, 100.0, glci.NormalizeTarget().Mean)
	assert.Equal(t, -1, glci.Pillars["stress"].SignOrDefault())
	assert.Equal(t, 1, glci.Pillars["liquidity"].SignOrDefault())

	simple, ok := reg.IndexConfigFor("simple_credit")
	require.True(t, ok)
	assert.False(t, simple.IsPillarized())
	assert.Equal(t, "weighted_average", simple.Method)

	assert.InDelta(t, 0.42, reg.CountryWeights["US"], 1e-12)
}

func TestParseRegistryDefaults(t *testing.T) {
	reg, err := ParseRegistry([]byte(`
series:
  a:
    source: fred
    source_id: A
indices:
  ix:
    components:
      - series: a
`))
	require.NoError(t, err)

	a, _ := reg.SeriesConfigFor("a")
	assert.Equal(t, domain.Monthly, a.FrequencyCode(), "missing frequency defaults to monthly")

	ix, _ := reg.IndexConfigFor("ix")
	assert.Equal(t, domain.Monthly, ix.FrequencyCode())
	norm := ix.NormalizeTarget()
	assert.Equal(t, 100.0, norm.Mean)
	assert.Equal(t, 10.0, norm.Stdev)
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing source",
			"series:\n  a:\n    source_id: A\n",
			"source is required",
		},
		{
			"unknown component series",
			"series: {}\nindices:\n  ix:\n    components:\n      - series: ghost\n",
			"unknown series",
		},
		{
			"unknown pillar series",
			"series: {}\nindices:\n  ix:\n    pillars:\n      liq:\n        weight: 1\n        components:\n          - series: ghost\n",
			"unknown series",
		},
		{
			"empty index",
			"series: {}\nindices:\n  ix: {}\n",
			"needs pillars or components",
		},
		{
			"bad operation",
			"series:\n  a:\n    source: fred\n    source_id: A\nindices:\n  ix:\n    components:\n      - series: a\n        operation: divide\n",
			"unknown operation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSeriesIDsBySource(t *testing.T) {
	reg, err := ParseRegistry([]byte(sampleRegistry))
	require.NoError(t, err)

	fredIDs := reg.SeriesIDsBySource("fred")
	assert.Equal(t, []string{"fed_balance_sheet"}, fredIDs)
	assert.Len(t, reg.SeriesIDsBySource(""), 3)
}
