package main

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/catalog"
	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/clients/bis"
	"github.com/aristath/liquidity-tracker/internal/clients/fred"
	"github.com/aristath/liquidity-tracker/internal/clients/nyfed"
	"github.com/aristath/liquidity-tracker/internal/clients/worldbank"
	"github.com/aristath/liquidity-tracker/internal/clients/yahoo"
	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/fetcher"
	"github.com/aristath/liquidity-tracker/internal/modules/aggregator"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/storage"
	"github.com/aristath/liquidity-tracker/pkg/logger"
)

const dateLayout = "2006-01-02"

// app wires the pipeline components from the environment configuration. The
// same graph backs every subcommand; commands just pick the pieces they need.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *config.Registry
	store    *storage.Store
	catalog  *catalog.Catalog
	fetcher  *fetcher.Fetcher
	agg      *aggregator.Aggregator
	glci     *glci.Computer
	risk     *risk.Computer
	exporter *export.Exporter
}

// newApp loads configuration and builds the component graph. All failures
// here are configuration errors.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, configErr(err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	registry, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, configErr(err)
	}

	store, err := storage.NewStore(cfg.DataPath, log)
	if err != nil {
		return nil, configErr(err)
	}

	cat, err := catalog.Open(cfg.CatalogPath, log)
	if err != nil {
		return nil, configErr(err)
	}

	sourceClients := []clients.SeriesClient{
		nyfed.NewClient(log),
		bis.NewClient(log),
		worldbank.NewClient(log),
		yahoo.NewClient(log),
	}
	if cfg.FREDAPIKey != "" {
		fredClient, err := fred.NewClient(cfg.FREDAPIKey, log)
		if err != nil {
			cat.Close()
			return nil, configErr(err)
		}
		sourceClients = append(sourceClients, fredClient)
	} else {
		log.Warn().Msg("FRED_API_KEY not set, fred series will fail to fetch")
	}

	f := fetcher.New(registry, sourceClients, fetcher.Options{
		Store:       store,
		Catalog:     cat,
		Concurrency: cfg.FetchConcurrency,
	}, log)

	provider := fetcher.NewStoreReader(registry, store)
	builder := features.NewBuilder(registry, provider, log)

	return &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		store:    store,
		catalog:  cat,
		fetcher:  f,
		agg:      aggregator.New(registry, provider, log),
		glci:     glci.NewComputer(registry, builder, provider, store, log),
		risk:     risk.NewComputer(provider, store, nil, log),
		exporter: export.New(registry, store, cfg.ExportPath, log),
	}, nil
}

// Close releases the catalog handle.
func (a *app) Close() {
	if err := a.catalog.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close catalog")
	}
}

// parseDateFlag parses an optional YYYY-MM-DD flag; empty means unbounded.
func parseDateFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, usageErr("invalid --%s %q, expected YYYY-MM-DD", name, value)
	}
	return t, nil
}
