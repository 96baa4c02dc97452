package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

const serverRegistryYAML = `
series:
  fed_assets:
    source: fred
    source_id: WALCL
    description: Fed Total Assets
    country: US
    frequency: weekly
    unit: USD bn
    type: liquidity
  credit_spread:
    source: fred
    source_id: BAMLH0A0HYM2
    description: HY OAS
    country: US
    frequency: daily
    type: spread
indices:
  net_liquidity:
    components:
      - series: fed_assets
        operation: add
  global_liquidity_credit_index:
    pillars:
      liquidity:
        weight: 0.6
        components:
          - series: fed_assets
      credit:
        weight: 0.4
        components:
          - series: credit_spread
`

type stubJob struct {
	runs atomic.Int32
}

func (j *stubJob) Run() error {
	j.runs.Add(1)
	return nil
}

func (j *stubJob) Name() string { return "update" }

func serverWeekly(start time.Time, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, 7*i).Unix()
	}
	return out
}

func seedServerStore(t *testing.T, store *storage.Store) {
	t.Helper()
	start := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	raw := storage.NewTable("value")
	raw.Source = "fred"
	raw.SeriesID = "fed_assets"
	raw.Dates = serverWeekly(start, 10)
	raw.Values["value"] = []float64{100, 102, 101, 104, 106, 105, 108, 110, 109, 112}
	require.NoError(t, store.SaveRaw(raw, "fred", "fed_assets"))

	index := storage.NewTable("value")
	index.Dates = serverWeekly(start, 5)
	index.Values["value"] = []float64{1, 2, 3, 4, 5}
	require.NoError(t, store.SaveCurated(index, glci.CuratedCategory, "net_liquidity", nil))

	composite := storage.NewTable("value", "zscore", "regime", "momentum", "prob_regime_change")
	composite.Dates = serverWeekly(start, 6)
	composite.Values["value"] = []float64{98, 99, 100, 101, 102, 103}
	composite.Values["zscore"] = []float64{-1.5, -1.2, -0.5, 0.2, 1.1, 1.3}
	composite.Values["regime"] = []float64{-1, -1, 0, 0, 1, 1}
	composite.Values["momentum"] = []float64{0, 0.5, 0.8, 0.9, 1.0, 1.1}
	composite.Values["prob_regime_change"] = []float64{0.1, 0.2, 0.3, 0.2, 0.4, 0.5}
	require.NoError(t, store.SaveCurated(composite, glci.CuratedCategory, glci.GLCITable, nil))

	pillars := storage.NewTable("credit", "liquidity")
	pillars.Dates = serverWeekly(start, 6)
	pillars.Values["credit"] = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	pillars.Values["liquidity"] = []float64{-0.1, -0.2, 0, 0.2, 0.4, 0.5}
	require.NoError(t, store.SaveCurated(pillars, glci.CuratedCategory, glci.PillarsTable, nil))

	dashboard := risk.DashboardResult{
		ComputedAt:    "2024-03-12T00:00:00Z",
		CurrentRegime: "loose",
		Assets: []risk.AssetMetrics{
			{ID: "gold_price", Name: "Gold", Category: "Commodities", CurrentSharpe: 1.2},
		},
	}
	require.NoError(t, store.SaveCuratedJSON(risk.CuratedCategory, "risk_metrics", dashboard))
}

func testServer(t *testing.T) (*Server, *storage.Store, *stubJob) {
	t.Helper()
	reg, err := appconfig.ParseRegistry([]byte(serverRegistryYAML))
	require.NoError(t, err)
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "data"), zerolog.Nop())
	require.NoError(t, err)
	job := &stubJob{}
	s := New(Config{
		Port:      0,
		Log:       zerolog.Nop(),
		Registry:  reg,
		Store:     store,
		UpdateJob: job,
		DevMode:   true,
	})
	return s, store, job
}

func doRequest(t *testing.T, s *Server, method, path string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if v != nil && w.Code < 400 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
	}
	return w
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := testServer(t)

	var body map[string]interface{}
	w := doRequest(t, s, http.MethodGet, "/health", &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "liquidity-tracker", body["service"])
}

func TestSeriesEndpoints(t *testing.T) {
	s, store, _ := testServer(t)
	seedServerStore(t, store)

	var summaries []export.SeriesSummary
	w := doRequest(t, s, http.MethodGet, "/api/series", &summaries)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, summaries, 2)
	assert.Equal(t, "credit_spread", summaries[0].ID)
	assert.Equal(t, "Credit Spreads", summaries[0].Category)
	assert.Equal(t, 10, summaries[1].Observations)

	var detail export.SeriesDetail
	w = doRequest(t, s, http.MethodGet, "/api/series/fed_assets", &detail)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, detail.Data, 10)
	assert.Equal(t, "2024-01-05", detail.Data[0].Date)
	assert.Equal(t, "2024-03-08", detail.LastDate)

	var latest export.SeriesLatest
	w = doRequest(t, s, http.MethodGet, "/api/series/fed_assets/latest", &latest)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 112.0, latest.Value, 1e-9)
	assert.InDelta(t, (112.0/109-1)*100, latest.Change7DPct, 1e-9)
}

func TestSeriesNotFound(t *testing.T) {
	s, store, _ := testServer(t)
	seedServerStore(t, store)

	w := doRequest(t, s, http.MethodGet, "/api/series/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Configured but never fetched.
	w = doRequest(t, s, http.MethodGet, "/api/series/credit_spread", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIndicesEndpoints(t *testing.T) {
	s, store, _ := testServer(t)
	seedServerStore(t, store)

	var summaries []export.IndexSummary
	w := doRequest(t, s, http.MethodGet, "/api/indices", &summaries)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, summaries, 2)
	assert.Equal(t, "global_liquidity_credit_index", summaries[0].ID)
	assert.True(t, summaries[0].Pillarized)
	assert.Equal(t, "net_liquidity", summaries[1].ID)

	var detail export.IndexDetail
	w = doRequest(t, s, http.MethodGet, "/api/indices/net_liquidity", &detail)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, detail.Data, 5)
	assert.Equal(t, "arithmetic", detail.Method)

	// The pillarized index resolves to the composite table.
	w = doRequest(t, s, http.MethodGet, "/api/indices/global_liquidity_credit_index", &detail)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, detail.Data, 6)

	w = doRequest(t, s, http.MethodGet, "/api/indices/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGLCIEndpoints(t *testing.T) {
	s, store, _ := testServer(t)
	seedServerStore(t, store)

	var doc export.GLCIDocument
	w := doRequest(t, s, http.MethodGet, "/api/glci", &doc)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, doc.Data, 6)
	assert.Equal(t, "loose", doc.Latest.RegimeLabel)

	var latest glci.CurrentRegime
	w = doRequest(t, s, http.MethodGet, "/api/glci/latest", &latest)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, latest.Regime)
	assert.InDelta(t, 103.0, latest.Value, 1e-9)

	var breakdown glci.PillarBreakdown
	w = doRequest(t, s, http.MethodGet, "/api/glci/pillars", &breakdown)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 0.6, breakdown.Pillars["liquidity"].Weight, 1e-9)

	var history export.RegimeHistory
	w = doRequest(t, s, http.MethodGet, "/api/glci/regime-history", &history)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "loose", history.Current)
	require.Len(t, history.Intervals, 3)

	var freshness map[string]glci.FreshnessInfo
	w = doRequest(t, s, http.MethodGet, "/api/glci/freshness", &freshness)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "liquidity", freshness["fed_assets"].Pillar)
	assert.Equal(t, "unknown", freshness["credit_spread"].LastDate)
}

func TestGLCINotComputed(t *testing.T) {
	s, _, _ := testServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/glci", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doRequest(t, s, http.MethodGet, "/api/glci/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskEndpoints(t *testing.T) {
	s, store, _ := testServer(t)
	seedServerStore(t, store)

	var dashboard risk.DashboardResult
	w := doRequest(t, s, http.MethodGet, "/api/risk", &dashboard)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "loose", dashboard.CurrentRegime)
	require.Len(t, dashboard.Assets, 1)

	var asset struct {
		risk.AssetMetrics
		CurrentRegime string `json:"current_regime"`
	}
	w = doRequest(t, s, http.MethodGet, "/api/risk/gold_price", &asset)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gold_price", asset.ID)
	assert.Equal(t, "loose", asset.CurrentRegime)

	w = doRequest(t, s, http.MethodGet, "/api/risk/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskNotComputed(t *testing.T) {
	s, _, _ := testServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/risk", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSystemStatus(t *testing.T) {
	s, _, _ := testServer(t)

	var body map[string]interface{}
	w := doRequest(t, s, http.MethodGet, "/api/system/status", &body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", body["status"])
	assert.Contains(t, body, "goroutines")
	assert.Contains(t, body, "memory")
}

func TestTriggerUpdate(t *testing.T) {
	s, _, job := testServer(t)

	var body map[string]string
	w := doRequest(t, s, http.MethodPost, "/api/system/update", &body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, "update", body["job"])

	assert.Eventually(t, func() bool {
		return job.runs.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerUpdateUnconfigured(t *testing.T) {
	s, _, _ := testServer(t)
	s.updateJob = nil

	w := doRequest(t, s, http.MethodPost, "/api/system/update", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecentFetchesUnavailable(t *testing.T) {
	s, _, _ := testServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/system/fetches", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := testServer(t)

	doRequest(t, s, http.MethodGet, "/health", nil)
	w := doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "glct_http_requests_total")
}