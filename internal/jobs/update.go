// Package jobs holds the scheduled pipeline jobs: the full refresh cycle and
// the periodic health check. Jobs implement the scheduler's Job interface.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/events"
	"github.com/aristath/liquidity-tracker/internal/fetcher"
	"github.com/aristath/liquidity-tracker/internal/modules/aggregator"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// updateTimeout bounds one full refresh cycle.
const updateTimeout = 30 * time.Minute

// Publisher uploads an exported tree. Satisfied by export.Publisher; nil
// disables publishing.
type Publisher interface {
	Sync(ctx context.Context, dir string) (int, error)
}

// UpdateJob orchestrates the scheduled refresh: fetch every configured
// series, recompute the indices, the composite and the risk dashboard, then
// export the static tree.
type UpdateJob struct {
	log        zerolog.Logger
	registry   *config.Registry
	fetcher    *fetcher.Fetcher
	aggregator *aggregator.Aggregator
	glci       *glci.Computer
	risk       *risk.Computer
	store      *storage.Store
	exporter   *export.Exporter
	publisher  Publisher
	events     *events.Manager

	mu sync.Mutex
}

// UpdateConfig holds the collaborators of the refresh job.
type UpdateConfig struct {
	Log        zerolog.Logger
	Registry   *config.Registry
	Fetcher    *fetcher.Fetcher
	Aggregator *aggregator.Aggregator
	GLCI       *glci.Computer
	Risk       *risk.Computer
	Store      *storage.Store
	Exporter   *export.Exporter
	Publisher  Publisher
	Events     *events.Manager
}

// NewUpdateJob creates the refresh job.
func NewUpdateJob(cfg UpdateConfig) *UpdateJob {
	return &UpdateJob{
		log:        cfg.Log.With().Str("job", "update").Logger(),
		registry:   cfg.Registry,
		fetcher:    cfg.Fetcher,
		aggregator: cfg.Aggregator,
		glci:       cfg.GLCI,
		risk:       cfg.Risk,
		store:      cfg.Store,
		exporter:   cfg.Exporter,
		publisher:  cfg.Publisher,
		events:     cfg.Events,
	}
}

// Name returns the job name
func (j *UpdateJob) Name() string {
	return "update"
}

// Run executes the refresh cycle. An already-running cycle makes this run a
// no-op instead of a failure.
func (j *UpdateJob) Run() error {
	if !j.mu.TryLock() {
		j.log.Warn().Msg("Update cycle already running, skipping")
		return nil
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	j.log.Info().Msg("Starting update cycle")
	startTime := time.Now()

	// Step 1: Fetch all configured series (per-series failures are recorded
	// in the catalog and do not stop the cycle).
	j.fetchAll(ctx)

	// Step 2: Recompute arithmetic indices (non-critical).
	j.computeIndices(ctx)

	// Step 3: Recompute the composite (critical: downstream steps read it).
	if err := j.computeGLCI(ctx); err != nil {
		j.log.Error().Err(err).Msg("Composite computation failed")
		j.emitError(err)
		return fmt.Errorf("computing composite: %w", err)
	}

	// Step 4: Recompute the risk dashboard (non-critical).
	j.computeRisk(ctx)

	// Step 5: Export the static tree and optionally publish it.
	if err := j.exportTree(ctx); err != nil {
		j.emitError(err)
		return fmt.Errorf("exporting: %w", err)
	}

	j.log.Info().
		Dur("duration", time.Since(startTime)).
		Msg("Update cycle completed successfully")
	return nil
}

func (j *UpdateJob) fetchAll(ctx context.Context) {
	if j.fetcher == nil {
		j.log.Warn().Msg("Fetcher not configured, skipping fetch step")
		return
	}

	j.emit(events.FetchStarted, nil)
	results := j.fetcher.FetchAll(ctx, "", time.Time{}, time.Time{}, true)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			j.log.Warn().Err(r.Err).Str("series_id", r.SeriesID).Msg("Series fetch failed")
		}
	}
	j.emit(events.FetchCompleted, map[string]interface{}{
		"total":  len(results),
		"failed": failed,
	})
	j.log.Info().Int("total", len(results)).Int("failed", failed).Msg("Fetch step completed")
}

func (j *UpdateJob) computeIndices(ctx context.Context) {
	if j.aggregator == nil || j.store == nil {
		j.log.Warn().Msg("Aggregator not configured, skipping index step")
		return
	}

	for id, series := range j.aggregator.ComputeAll(ctx, time.Time{}, time.Time{}) {
		t := storage.FromSeries(series, "value")
		meta := map[string]interface{}{"index_id": id, "rows": series.Len()}
		if err := j.store.SaveCurated(t, glci.CuratedCategory, id, meta); err != nil {
			j.log.Error().Err(err).Str("index_id", id).Msg("Could not save index")
			continue
		}
		j.emit(events.IndexComputed, map[string]interface{}{"index_id": id, "rows": series.Len()})
	}
}

func (j *UpdateJob) computeGLCI(ctx context.Context) error {
	if j.glci == nil {
		return fmt.Errorf("composite computer not configured")
	}
	indexID, ok := pillarizedIndexID(j.registry)
	if !ok {
		j.log.Info().Msg("No pillarized index configured, skipping composite step")
		return nil
	}

	result, err := j.glci.Compute(ctx, indexID, time.Time{}, time.Time{}, glci.Options{Save: true})
	if err != nil {
		return err
	}
	j.emit(events.GLCIComputed, map[string]interface{}{
		"index_id": indexID,
		"rows":     len(result.Dates),
		"regime":   result.Metadata.CurrentRegime.RegimeLabel,
	})
	return nil
}

func (j *UpdateJob) computeRisk(ctx context.Context) {
	if j.risk == nil {
		j.log.Warn().Msg("Risk computer not configured, skipping risk step")
		return
	}
	result, err := j.risk.Compute(ctx, time.Time{}, time.Time{}, true)
	if err != nil {
		j.log.Error().Err(err).Msg("Risk computation failed")
		return
	}
	j.emit(events.RiskComputed, map[string]interface{}{
		"assets": len(result.Assets),
		"regime": result.CurrentRegime,
	})
}

func (j *UpdateJob) exportTree(ctx context.Context) error {
	if j.exporter == nil {
		j.log.Warn().Msg("Exporter not configured, skipping export step")
		return nil
	}
	sum, err := j.exporter.Run(true)
	if err != nil {
		return err
	}
	j.emit(events.ExportCompleted, map[string]interface{}{
		"files":   sum.Files,
		"skipped": len(sum.Skipped),
	})

	if j.publisher == nil {
		return nil
	}
	objects, err := j.publisher.Sync(ctx, j.exporter.Dir())
	if err != nil {
		// Publishing is best effort; the local tree is already current.
		j.log.Error().Err(err).Msg("Publish failed")
		return nil
	}
	j.emit(events.PublishCompleted, map[string]interface{}{"objects": objects})
	return nil
}

func (j *UpdateJob) emit(eventType events.EventType, data map[string]interface{}) {
	if j.events != nil {
		j.events.Emit(eventType, "jobs", data)
	}
}

func (j *UpdateJob) emitError(err error) {
	if j.events != nil {
		j.events.EmitError("jobs", err, nil)
	}
}

func pillarizedIndexID(r *config.Registry) (string, bool) {
	for id, idx := range r.Indices {
		if idx.IsPillarized() {
			return id, true
		}
	}
	return "", false
}
