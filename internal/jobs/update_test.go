package jobs

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/events"
	"github.com/aristath/liquidity-tracker/internal/fetcher"
	"github.com/aristath/liquidity-tracker/internal/modules/aggregator"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

const jobsRegistryYAML = `
series:
  fed_assets:
    source: fred
    source_id: WALCL
    description: Fed Total Assets
    frequency: weekly
    type: liquidity
  credit_spread:
    source: fred
    source_id: BAMLH0A0HYM2
    description: HY OAS
    frequency: weekly
    type: spread
    expected_sign: -1
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
        sign: -1
        components:
          - series: credit_spread
            sign: -1
`

// stubClient serves deterministic weekly series for any source id.
type stubClient struct {
	fail bool
}

func (c *stubClient) SourceName() string { return "fred" }

func (c *stubClient) GetSeries(_ context.Context, sourceID string, _, _ time.Time) (domain.RawSeries, error) {
	if c.fail {
		return domain.RawSeries{}, assert.AnError
	}
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	points := make([]domain.RawPoint, 200)
	for i := range points {
		v := 100 + 0.3*float64(i) + 5*math.Sin(float64(i)/8)
		if sourceID == "BAMLH0A0HYM2" {
			v = 4 - 0.005*float64(i) + 0.5*math.Cos(float64(i)/6)
		}
		points[i] = domain.RawPoint{
			Date:      start.AddDate(0, 0, 7*i),
			Value:     v,
			FetchedAt: start,
		}
	}
	return domain.RawSeries{SeriesID: sourceID, Source: "fred", Points: points}, nil
}

type stubPublisher struct {
	calls atomic.Int32
}

func (p *stubPublisher) Sync(_ context.Context, _ string) (int, error) {
	p.calls.Add(1)
	return 3, nil
}

func newTestUpdateJob(t *testing.T, client clients.SeriesClient, pub Publisher) (*UpdateJob, *storage.Store, string) {
	t.Helper()
	root := t.TempDir()
	log := zerolog.Nop()

	registry, err := config.ParseRegistry([]byte(jobsRegistryYAML))
	require.NoError(t, err)

	store, err := storage.NewStore(filepath.Join(root, "data"), log)
	require.NoError(t, err)

	f := fetcher.New(registry, []clients.SeriesClient{client}, fetcher.Options{Store: store}, log)
	provider := fetcher.NewStoreReader(registry, store)
	builder := features.NewBuilder(registry, provider, log)
	exportDir := filepath.Join(root, "export", "latest")

	job := NewUpdateJob(UpdateConfig{
		Log:        log,
		Registry:   registry,
		Fetcher:    f,
		Aggregator: aggregator.New(registry, provider, log),
		GLCI:       glci.NewComputer(registry, builder, provider, store, log),
		Risk:       risk.NewComputer(provider, store, []risk.Asset{}, log),
		Store:      store,
		Exporter:   export.New(registry, store, exportDir, log),
		Publisher:  pub,
		Events:     events.NewManager(log),
	})
	return job, store, exportDir
}

func TestUpdateJobFullCycle(t *testing.T) {
	pub := &stubPublisher{}
	job, store, exportDir := newTestUpdateJob(t, &stubClient{}, pub)

	require.NoError(t, job.Run())

	// Raw tier populated by the fetch step.
	raw, err := store.LoadRaw("fred", "fed_assets")
	require.NoError(t, err)
	assert.Equal(t, 200, raw.Rows())

	// Arithmetic index persisted.
	idx, err := store.LoadCurated(glci.CuratedCategory, "net_liquidity")
	require.NoError(t, err)
	assert.Greater(t, idx.Rows(), 0)

	// Composite persisted with regime context.
	composite, err := store.LoadCurated(glci.CuratedCategory, glci.GLCITable)
	require.NoError(t, err)
	assert.Greater(t, composite.Rows(), 50)
	assert.True(t, composite.HasColumn("zscore"))
	assert.True(t, composite.HasColumn("regime"))

	// Risk dashboard saved even with an empty universe.
	var dashboard risk.DashboardResult
	require.NoError(t, store.LoadCuratedJSON(risk.CuratedCategory, "risk_metrics", &dashboard))
	assert.Empty(t, dashboard.Assets)

	// Exported tree and snapshot exist, publisher invoked.
	_, err = os.Stat(filepath.Join(exportDir, "api", "glci", "index.json"))
	assert.NoError(t, err)
	snapshots, err := os.ReadDir(filepath.Join(filepath.Dir(exportDir), "snapshots"))
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
	assert.Equal(t, int32(1), pub.calls.Load())
}

func TestUpdateJobFetchFailuresAreNonFatal(t *testing.T) {
	// A good cycle seeds the raw tier. A second cycle with every fetch
	// failing still recomputes and exports from the stored data.
	job, store, _ := newTestUpdateJob(t, &stubClient{}, nil)
	require.NoError(t, job.Run())

	job.fetcher = fetcher.New(job.registry, []clients.SeriesClient{&stubClient{fail: true}},
		fetcher.Options{Store: store}, zerolog.Nop())
	require.NoError(t, job.Run())

	_, err := store.LoadCurated(glci.CuratedCategory, glci.GLCITable)
	assert.NoError(t, err)
}

func TestUpdateJobFailsWithoutData(t *testing.T) {
	// Nothing fetched, nothing stored: the composite step is critical and
	// the cycle errors out.
	job, _, _ := newTestUpdateJob(t, &stubClient{fail: true}, nil)
	require.Error(t, job.Run())
}

func TestUpdateJobSkipsWhenRunning(t *testing.T) {
	job, _, _ := newTestUpdateJob(t, &stubClient{}, nil)

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.NoError(t, job.Run())
}

func TestUpdateJobName(t *testing.T) {
	job, _, _ := newTestUpdateJob(t, &stubClient{}, nil)
	assert.Equal(t, "update", job.Name())
}
