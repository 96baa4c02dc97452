// Package risk computes asset risk metrics conditioned on the composite
// liquidity regime: annualized return, volatility and Sharpe overall and per
// regime, drawdowns, rolling Sharpe and correlation with the composite.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/storage"
	"github.com/aristath/liquidity-tracker/pkg/formulas"
)

// AnnualizationFactor is trading days per year.
const AnnualizationFactor = 252

// DefaultRollingWindow is the rolling Sharpe window in trading days.
const DefaultRollingWindow = 252

// minRegimeObs is the row count a regime subset must exceed for its stats to
// be emitted.
const minRegimeObs = 20

// RiskFreeSeriesID is the registry id of the 3-month Treasury proxy.
const RiskFreeSeriesID = "treasury_3m"

// CuratedCategory is the curated tier category for risk artifacts.
const CuratedCategory = "risk"

// Asset is one entry of the analyzed universe.
type Asset struct {
	ID       string
	Name     string
	Category string
}

// DefaultUniverse is the standard asset universe keyed to registry series.
var DefaultUniverse = []Asset{
	{ID: "sp500_price", Name: "S&P 500", Category: "Large Cap Equities"},
	{ID: "russell2000_price", Name: "Russell 2000", Category: "Small Cap Equities"},
	{ID: "gold_price", Name: "Gold", Category: "Commodities"},
	{ID: "silver_price", Name: "Silver", Category: "Commodities"},
	{ID: "bitcoin_price", Name: "Bitcoin", Category: "Crypto"},
	{ID: "ethereum_price", Name: "Ethereum", Category: "Crypto"},
	{ID: "long_bond_price", Name: "Long Bonds (TLT)", Category: "Fixed Income"},
}

// RollingSharpePoint is one observation of the rolling Sharpe series.
type RollingSharpePoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// AssetMetrics holds the per-asset risk picture. Per-regime values are nil
// when the regime subsample is too small to be meaningful.
type AssetMetrics struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Category             string               `json:"category"`
	CurrentSharpe        float64              `json:"current_sharpe"`
	AnnualizedReturn     float64              `json:"annualized_return"`
	AnnualizedVolatility float64              `json:"annualized_volatility"`
	MaxDrawdown          float64              `json:"max_drawdown"`
	SharpeByRegime       map[string]*float64  `json:"sharpe_by_regime"`
	ReturnByRegime       map[string]*float64  `json:"return_by_regime"`
	VolatilityByRegime   map[string]*float64  `json:"volatility_by_regime"`
	CorrelationWithGLCI  float64              `json:"correlation_with_glci"`
	RollingSharpe        []RollingSharpePoint `json:"rolling_sharpe"`
}

// RegimeMatrix is the asset-by-regime heatmap payload.
type RegimeMatrix struct {
	Assets     []string     `json:"assets"`
	Regimes    []string     `json:"regimes"`
	SharpeData [][]*float64 `json:"sharpe_data"`
	ReturnData [][]*float64 `json:"return_data"`
}

// Metadata describes the computation parameters.
type Metadata struct {
	RollingWindow       int    `json:"rolling_window"`
	AnnualizationFactor int    `json:"annualization_factor"`
	StartDate           string `json:"start_date,omitempty"`
	EndDate             string `json:"end_date,omitempty"`
	Assets              int    `json:"n_assets"`
}

// DashboardResult is the complete risk dashboard.
type DashboardResult struct {
	ComputedAt    string         `json:"computed_at"`
	RiskFreeRate  float64        `json:"risk_free_rate"`
	CurrentRegime string         `json:"current_regime"`
	Assets        []AssetMetrics `json:"assets"`
	RegimeMatrix  RegimeMatrix   `json:"regime_matrix"`
	Metadata      Metadata       `json:"metadata"`
}

// Computer computes the risk dashboard.
type Computer struct {
	provider features.SeriesProvider
	store    *storage.Store
	universe []Asset
	window   int
	now      func() time.Time
	log      zerolog.Logger
}

// NewComputer creates a risk metrics computer. A nil universe takes the
// default one.
func NewComputer(provider features.SeriesProvider, store *storage.Store, universe []Asset, log zerolog.Logger) *Computer {
	if universe == nil {
		universe = DefaultUniverse
	}
	return &Computer{
		provider: provider,
		store:    store,
		universe: universe,
		window:   DefaultRollingWindow,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "risk").Logger(),
	}
}

// regimeTable is the composite regime timeline loaded from the curated tier.
type regimeTable struct {
	dates  []time.Time
	regime []float64
	labels []string
	values []float64
}

// Compute builds the risk dashboard. Per-asset failures are logged and
// skipped. The GLCI must have been computed and saved first.
func (c *Computer) Compute(ctx context.Context, start, end time.Time, save bool) (*DashboardResult, error) {
	regimes, err := c.loadRegimes()
	if err != nil {
		return nil, fmt.Errorf("loading glci regimes: %w", err)
	}

	rf := c.loadRiskFree(ctx)

	var assets []AssetMetrics
	for _, asset := range c.universe {
		m, err := c.computeAssetMetrics(ctx, asset, regimes, rf, start, end)
		if err != nil {
			c.log.Warn().Err(err).Str("asset_id", asset.ID).Msg("Could not compute asset metrics")
			continue
		}
		assets = append(assets, m)
		c.log.Debug().
			Str("asset_id", asset.ID).
			Float64("sharpe", m.CurrentSharpe).
			Float64("annualized_return", m.AnnualizedReturn).
			Msg("Asset metrics computed")
	}

	currentRegime := "neutral"
	if n := len(regimes.labels); n > 0 {
		currentRegime = regimes.labels[n-1]
	}
	currentRF := 0.0
	if !rf.IsEmpty() {
		currentRF = rf.Values[rf.Len()-1]
	}

	result := &DashboardResult{
		ComputedAt:    c.now().Format(time.RFC3339),
		RiskFreeRate:  currentRF,
		CurrentRegime: currentRegime,
		Assets:        assets,
		RegimeMatrix:  buildRegimeMatrix(assets),
		Metadata: Metadata{
			RollingWindow:       c.window,
			AnnualizationFactor: AnnualizationFactor,
			StartDate:           formatOrEmpty(start),
			EndDate:             formatOrEmpty(end),
			Assets:              len(assets),
		},
	}

	if save {
		if err := c.save(result); err != nil {
			return nil, fmt.Errorf("saving risk metrics: %w", err)
		}
	}
	return result, nil
}

func (c *Computer) loadRegimes() (regimeTable, error) {
	if c.store == nil {
		return regimeTable{}, fmt.Errorf("no store configured")
	}
	t, err := c.store.LoadCurated(glci.CuratedCategory, glci.GLCITable)
	if err != nil {
		return regimeTable{}, err
	}

	out := regimeTable{
		dates:  t.DateTimes(),
		regime: t.Column("regime"),
		values: t.Column("value"),
	}
	if out.regime == nil {
		out.regime = make([]float64, t.Rows())
	}
	out.labels = make([]string, t.Rows())
	for i, r := range out.regime {
		out.labels[i] = domain.Regime(int(r)).Label()
	}
	return out, nil
}

// loadRiskFree fetches the Treasury proxy and converts the annual percent
// rate to a daily decimal. An empty series means Sharpe uses zero.
func (c *Computer) loadRiskFree(ctx context.Context) domain.Series {
	raw, err := c.provider.FetchSeries(ctx, RiskFreeSeriesID, time.Time{}, time.Time{})
	if err != nil {
		c.log.Warn().Err(err).Msg("Could not load risk-free rate")
		return domain.Series{}
	}
	return raw.Series()
}

func (c *Computer) computeAssetMetrics(ctx context.Context, asset Asset, regimes regimeTable, rf domain.Series, start, end time.Time) (AssetMetrics, error) {
	raw, err := c.provider.FetchSeries(ctx, asset.ID, start, end)
	if err != nil {
		return AssetMetrics{}, err
	}
	prices := raw.Series()
	if prices.Len() < 2 {
		return AssetMetrics{}, fmt.Errorf("not enough price data for %s", asset.ID)
	}

	// Daily simple returns, indexed by the second date onward.
	allReturns := formulas.CalculateReturns(prices.Values)
	returnDates := prices.Dates[1:]

	// Drop NaN returns before merging.
	var dates []time.Time
	var returns []float64
	for i, r := range allReturns {
		if !math.IsNaN(r) {
			dates = append(dates, returnDates[i])
			returns = append(returns, r)
		}
	}
	if len(returns) == 0 {
		return AssetMetrics{}, fmt.Errorf("no usable returns for %s", asset.ID)
	}

	// As-of merges: the latest regime and risk-free print on or before each
	// return date.
	regimeIdx := asOfIndexes(dates, regimes.dates)
	labels := make([]string, len(dates))
	glciValues := make([]float64, len(dates))
	for i, j := range regimeIdx {
		if j < 0 {
			labels[i] = ""
			glciValues[i] = math.NaN()
			continue
		}
		labels[i] = regimes.labels[j]
		glciValues[i] = regimes.values[j]
	}

	dailyRF := make([]float64, len(dates))
	if !rf.IsEmpty() {
		rfIdx := asOfIndexes(dates, rf.Dates)
		for i, j := range rfIdx {
			if j >= 0 && !math.IsNaN(rf.Values[j]) {
				dailyRF[i] = rf.Values[j] / 100 / AnnualizationFactor
			}
		}
	}

	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - dailyRF[i]
	}

	annReturn := formulas.AnnualizedReturn(formulas.DropNaN(returns), AnnualizationFactor) * 100
	annVol := formulas.AnnualizedVolatility(formulas.DropNaN(returns), AnnualizationFactor) * 100

	maxDD := 0.0
	if dd := formulas.CalculateMaxDrawdown(prices.Values); dd != nil {
		maxDD = *dd
	}

	sharpeByRegime := map[string]*float64{}
	returnByRegime := map[string]*float64{}
	volByRegime := map[string]*float64{}
	for _, regime := range domain.RegimeLabels {
		var subset []float64
		var subsetExcess []float64
		for i, label := range labels {
			if label == regime {
				subset = append(subset, returns[i])
				subsetExcess = append(subsetExcess, excess[i])
			}
		}
		if len(subset) > minRegimeObs {
			s := sharpeOrZero(subsetExcess)
			r := formulas.AnnualizedReturn(subset, AnnualizationFactor) * 100
			v := formulas.AnnualizedVolatility(subset, AnnualizationFactor) * 100
			sharpeByRegime[regime] = &s
			returnByRegime[regime] = &r
			volByRegime[regime] = &v
		} else {
			sharpeByRegime[regime] = nil
			returnByRegime[regime] = nil
			volByRegime[regime] = nil
		}
	}

	// Correlation of daily returns with composite changes.
	glciReturns := make([]float64, len(glciValues))
	glciReturns[0] = math.NaN()
	for i := 1; i < len(glciValues); i++ {
		prev, cur := glciValues[i-1], glciValues[i]
		if prev == 0 || math.IsNaN(prev) || math.IsNaN(cur) {
			glciReturns[i] = math.NaN()
			continue
		}
		glciReturns[i] = cur/prev - 1
	}
	correlation := formulas.Correlation(returns, glciReturns)

	rolling := formulas.RollingSharpe(excess, c.window, AnnualizationFactor)
	var rollingPoints []RollingSharpePoint
	for i, v := range rolling {
		if !math.IsNaN(v) {
			rollingPoints = append(rollingPoints, RollingSharpePoint{
				Date:  dates[i].Format("2006-01-02"),
				Value: math.Round(v*1000) / 1000,
			})
		}
	}

	return AssetMetrics{
		ID:                   asset.ID,
		Name:                 asset.Name,
		Category:             asset.Category,
		CurrentSharpe:        sharpeOrZero(excess),
		AnnualizedReturn:     annReturn,
		AnnualizedVolatility: annVol,
		MaxDrawdown:          maxDD,
		SharpeByRegime:       sharpeByRegime,
		ReturnByRegime:       returnByRegime,
		VolatilityByRegime:   volByRegime,
		CorrelationWithGLCI:  correlation,
		RollingSharpe:        rollingPoints,
	}, nil
}

func (c *Computer) save(result *DashboardResult) error {
	if c.store == nil {
		return fmt.Errorf("no store configured")
	}
	if err := c.store.SaveCuratedJSON(CuratedCategory, "risk_metrics", result); err != nil {
		return err
	}
	for _, asset := range result.Assets {
		if len(asset.RollingSharpe) == 0 {
			continue
		}
		t := storage.NewTable("value")
		for _, p := range asset.RollingSharpe {
			d, err := time.Parse("2006-01-02", p.Date)
			if err != nil {
				continue
			}
			t.Dates = append(t.Dates, d.Unix())
			t.Values["value"] = append(t.Values["value"], p.Value)
		}
		meta := map[string]interface{}{"asset_id": asset.ID, "window": c.window}
		if err := c.store.SaveCurated(t, CuratedCategory, "rolling_sharpe_"+asset.ID, meta); err != nil {
			return err
		}
	}
	return nil
}

func buildRegimeMatrix(assets []AssetMetrics) RegimeMatrix {
	matrix := RegimeMatrix{
		Regimes:    append([]string(nil), domain.RegimeLabels...),
		SharpeData: [][]*float64{},
		ReturnData: [][]*float64{},
	}
	for _, asset := range assets {
		matrix.Assets = append(matrix.Assets, asset.Name)
		var sharpeRow, returnRow []*float64
		for _, regime := range matrix.Regimes {
			sharpeRow = append(sharpeRow, roundPtr(asset.SharpeByRegime[regime], 100))
			returnRow = append(returnRow, roundPtr(asset.ReturnByRegime[regime], 10))
		}
		matrix.SharpeData = append(matrix.SharpeData, sharpeRow)
		matrix.ReturnData = append(matrix.ReturnData, returnRow)
	}
	return matrix
}

// sharpeOrZero is the annualized Sharpe of excess returns with the small
// sample and zero volatility cases collapsed to zero.
func sharpeOrZero(excess []float64) float64 {
	if len(formulas.DropNaN(excess)) < minRegimeObs {
		return 0
	}
	if s := formulas.CalculateSharpeRatio(excess, 0, AnnualizationFactor); s != nil {
		return *s
	}
	return 0
}

// asOfIndexes maps each left date to the index of the greatest right date
// less than or equal to it, or -1 when none exists. Both slices must be
// sorted ascending.
func asOfIndexes(left, right []time.Time) []int {
	out := make([]int, len(left))
	j := -1
	for i, d := range left {
		for j+1 < len(right) && !right[j+1].After(d) {
			j++
		}
		out[i] = j
	}
	return out
}

func roundPtr(v *float64, scale float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*scale) / scale
	return &r
}

func formatOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
