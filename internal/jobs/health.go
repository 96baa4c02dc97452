package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/catalog"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// staleAge is the fetch age after which a series is reported stale.
const staleAge = 7 * 24 * time.Hour

// HealthCheckJob verifies catalog integrity and reports series whose last
// successful fetch is old. Runs every few hours.
type HealthCheckJob struct {
	log     zerolog.Logger
	catalog *catalog.Catalog
	store   *storage.Store

	mu sync.Mutex
}

// NewHealthCheckJob creates the health check job.
func NewHealthCheckJob(cat *catalog.Catalog, store *storage.Store, log zerolog.Logger) *HealthCheckJob {
	return &HealthCheckJob{
		log:     log.With().Str("job", "health_check").Logger(),
		catalog: cat,
		store:   store,
	}
}

// Name returns the job name
func (j *HealthCheckJob) Name() string {
	return "health_check"
}

// Run executes the health check
func (j *HealthCheckJob) Run() error {
	if !j.mu.TryLock() {
		j.log.Warn().Msg("Health check already running, skipping")
		return nil
	}
	defer j.mu.Unlock()

	j.log.Info().Msg("Starting health check")
	startTime := time.Now()

	// Step 1: Catalog integrity (critical, no auto-recovery).
	if j.catalog != nil {
		if err := j.catalog.IntegrityCheck(); err != nil {
			j.log.Error().Err(err).Msg("Catalog integrity check failed")
			return fmt.Errorf("catalog corrupted: %w", err)
		}
		j.log.Debug().Msg("Catalog integrity OK")
	}

	// Step 2: Stale series report.
	j.reportStaleSeries()

	// Step 3: Artifact tiers readable.
	if err := j.checkStore(); err != nil {
		return err
	}

	j.log.Info().
		Dur("duration", time.Since(startTime)).
		Msg("Health check completed successfully")
	return nil
}

func (j *HealthCheckJob) reportStaleSeries() {
	if j.catalog == nil {
		return
	}
	stale, err := j.catalog.StaleSeries(time.Now().UTC(), staleAge)
	if err != nil {
		j.log.Error().Err(err).Msg("Could not query stale series")
		return
	}
	if len(stale) == 0 {
		j.log.Debug().Msg("No stale series")
		return
	}
	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.SeriesID
	}
	j.log.Warn().Strs("series", ids).Msg("Series have not been fetched recently")
}

func (j *HealthCheckJob) checkStore() error {
	if j.store == nil {
		return nil
	}
	if _, err := j.store.ListRawSeries(""); err != nil {
		return fmt.Errorf("raw tier unreadable: %w", err)
	}
	if _, err := j.store.ListCurated(""); err != nil {
		return fmt.Errorf("curated tier unreadable: %w", err)
	}
	return nil
}
