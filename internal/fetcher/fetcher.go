// Package fetcher turns registry series ids into standardized raw series by
// dispatching to the per-source clients, with bounded parallel fan-out,
// optional persistence into the raw tier and fetch-run bookkeeping.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/liquidity-tracker/internal/catalog"
	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// ErrUnknownSeries is returned for ids missing from the registry.
var ErrUnknownSeries = errors.New("fetcher: unknown series")

// ErrUnknownSource is returned when a series names a source with no client.
var ErrUnknownSource = errors.New("fetcher: no client for source")

// ErrNoData is returned when a source hands back an empty series.
var ErrNoData = errors.New("fetcher: no data returned")

// Fetcher dispatches series fetches to source clients.
type Fetcher struct {
	registry    *config.Registry
	clients     map[string]clients.SeriesClient
	store       *storage.Store
	catalog     *catalog.Catalog
	concurrency int
	log         zerolog.Logger
}

// Options configures optional collaborators.
type Options struct {
	Store       *storage.Store   // enables Save/Append of fetched series
	Catalog     *catalog.Catalog // enables fetch-run recording
	Concurrency int              // bounded fan-out, default 4
}

// New creates a fetcher over the given source clients.
func New(registry *config.Registry, sourceClients []clients.SeriesClient, opts Options, log zerolog.Logger) *Fetcher {
	byName := make(map[string]clients.SeriesClient, len(sourceClients))
	for _, c := range sourceClients {
		byName[c.SourceName()] = c
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}
	return &Fetcher{
		registry:    registry,
		clients:     byName,
		store:       opts.Store,
		catalog:     opts.Catalog,
		concurrency: concurrency,
		log:         log.With().Str("component", "fetcher").Logger(),
	}
}

// Result is the outcome of one series fetch.
type Result struct {
	SeriesID string
	Series   domain.RawSeries
	Err      error
}

// FetchSeries fetches one configured series by registry id.
func (f *Fetcher) FetchSeries(ctx context.Context, seriesID string, start, end time.Time) (domain.RawSeries, error) {
	cfg, ok := f.registry.SeriesConfigFor(seriesID)
	if !ok {
		return domain.RawSeries{}, fmt.Errorf("%w: %s", ErrUnknownSeries, seriesID)
	}
	client, ok := f.clients[cfg.Source]
	if !ok {
		return domain.RawSeries{}, fmt.Errorf("%w: %s (series %s)", ErrUnknownSource, cfg.Source, seriesID)
	}

	raw, err := client.GetSeries(ctx, cfg.SourceID, start, end)
	if err != nil {
		return domain.RawSeries{}, fmt.Errorf("fetching %s: %w", seriesID, err)
	}
	if raw.Len() == 0 {
		return domain.RawSeries{}, fmt.Errorf("%w: %s", ErrNoData, seriesID)
	}
	// Key the raw series by registry id so storage paths follow the registry.
	raw.SeriesID = seriesID
	return raw, nil
}

// FetchMany fetches several series concurrently with bounded fan-out. Every
// id gets a Result; per-series failures do not abort the batch. With save
// set, successful fetches are appended to the raw tier.
func (f *Fetcher) FetchMany(ctx context.Context, seriesIDs []string, start, end time.Time, save bool) []Result {
	runID := uuid.NewString()
	results := make([]Result, len(seriesIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	var mu sync.Mutex

	for i, id := range seriesIDs {
		i, id := i, id
		g.Go(func() error {
			startedAt := time.Now().UTC()
			raw, err := f.FetchSeries(ctx, id, start, end)
			if err == nil && save {
				err = f.Append(raw)
			}
			f.record(runID, id, startedAt, raw, err)

			mu.Lock()
			results[i] = Result{SeriesID: id, Series: raw, Err: err}
			mu.Unlock()

			if err != nil {
				f.log.Warn().Err(err).Str("series_id", id).Msg("Series fetch failed")
			} else {
				f.log.Debug().Str("series_id", id).Int("rows", raw.Len()).Msg("Series fetched")
			}
			return nil
		})
	}
	// Workers never return errors; the group only propagates cancellation.
	_ = g.Wait()
	return results
}

// FetchAll fetches every registry series, optionally filtered by source.
func (f *Fetcher) FetchAll(ctx context.Context, source string, start, end time.Time, save bool) []Result {
	ids := f.registry.SeriesIDsBySource(source)
	return f.FetchMany(ctx, ids, start, end, save)
}

// Append merges a fetched series into the raw tier, deduplicating on date.
func (f *Fetcher) Append(raw domain.RawSeries) error {
	if f.store == nil {
		return fmt.Errorf("fetcher: no store configured")
	}
	return f.store.AppendRaw(storage.FromRawSeries(raw), raw.Source, raw.SeriesID)
}

// Save overwrites the raw tier with a fetched series.
func (f *Fetcher) Save(raw domain.RawSeries) error {
	if f.store == nil {
		return fmt.Errorf("fetcher: no store configured")
	}
	return f.store.SaveRaw(storage.FromRawSeries(raw), raw.Source, raw.SeriesID)
}

func (f *Fetcher) record(runID, seriesID string, startedAt time.Time, raw domain.RawSeries, err error) {
	if f.catalog == nil {
		return
	}
	run := catalog.FetchRun{
		RunID:     runID,
		SeriesID:  seriesID,
		Source:    raw.Source,
		StartedAt: startedAt,
		Status:    catalog.StatusOK,
		Rows:      raw.Len(),
	}
	if run.Source == "" {
		if cfg, ok := f.registry.SeriesConfigFor(seriesID); ok {
			run.Source = cfg.Source
		}
	}
	var latest time.Time
	switch {
	case err != nil && errors.Is(err, ErrNoData):
		run.Status = catalog.StatusEmpty
		run.Error = err.Error()
	case err != nil:
		run.Status = catalog.StatusError
		run.Error = err.Error()
	default:
		latest = raw.Points[raw.Len()-1].Date
	}
	if recErr := f.catalog.RecordFetch(run, latest); recErr != nil {
		f.log.Warn().Err(recErr).Str("series_id", seriesID).Msg("Failed to record fetch run")
	}
}
