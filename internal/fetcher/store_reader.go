package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// StoreReader serves series from the raw tier without touching the network.
// The analytics engine and the read API use it so computations run over
// committed artifacts only.
type StoreReader struct {
	registry *config.Registry
	store    *storage.Store
}

// NewStoreReader creates a raw-tier reader.
func NewStoreReader(registry *config.Registry, store *storage.Store) *StoreReader {
	return &StoreReader{registry: registry, store: store}
}

// FetchSeries loads a stored raw series, restricted to [start, end] when the
// bounds are non-zero.
func (r *StoreReader) FetchSeries(_ context.Context, seriesID string, start, end time.Time) (domain.RawSeries, error) {
	cfg, ok := r.registry.SeriesConfigFor(seriesID)
	if !ok {
		return domain.RawSeries{}, fmt.Errorf("%w: %s", ErrUnknownSeries, seriesID)
	}
	t, err := r.store.LoadRaw(cfg.Source, seriesID)
	if err != nil {
		return domain.RawSeries{}, err
	}

	raw := t.RawSeries()
	if start.IsZero() && end.IsZero() {
		return raw, nil
	}
	filtered := raw
	filtered.Points = nil
	for _, p := range raw.Points {
		if !start.IsZero() && p.Date.Before(start) {
			continue
		}
		if !end.IsZero() && p.Date.After(end) {
			continue
		}
		filtered.Points = append(filtered.Points, p)
	}
	return filtered, nil
}
