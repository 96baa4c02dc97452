package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/aristath/liquidity-tracker/internal/events"
	"github.com/aristath/liquidity-tracker/internal/fetcher"
	"github.com/aristath/liquidity-tracker/internal/jobs"
	"github.com/aristath/liquidity-tracker/internal/modules/aggregator"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
	"github.com/aristath/liquidity-tracker/internal/modules/features"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/scheduler"
	"github.com/aristath/liquidity-tracker/internal/server"
	"github.com/aristath/liquidity-tracker/internal/storage"
	"github.com/aristath/liquidity-tracker/pkg/logger"
)

// healthCheckSchedule runs the integrity job hourly at minute 30.
const healthCheckSchedule = "0 30 * * * *"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		panic(err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting liquidity tracker")

	// Load the series and index registry
	registry, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load registry")
	}
	log.Info().
		Int("series", len(registry.Series)).
		Int("indices", len(registry.Indices)).
		Msg("Registry loaded")

	// Initialize the artifact store and the fetch catalog
	store, err := storage.NewStore(cfg.DataPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}
	cat, err := catalog.Open(cfg.CatalogPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog")
	}
	defer cat.Close()

	// Source clients
	sourceClients := []clients.SeriesClient{
		nyfed.NewClient(log),
		bis.NewClient(log),
		worldbank.NewClient(log),
		yahoo.NewClient(log),
	}
	if cfg.FREDAPIKey != "" {
		fredClient, err := fred.NewClient(cfg.FREDAPIKey, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create FRED client")
		}
		sourceClients = append(sourceClients, fredClient)
	} else {
		log.Warn().Msg("FRED_API_KEY not set, fred series will fail to fetch")
	}

	// Pipeline components
	fetch := fetcher.New(registry, sourceClients, fetcher.Options{
		Store:       store,
		Catalog:     cat,
		Concurrency: cfg.FetchConcurrency,
	}, log)
	provider := fetcher.NewStoreReader(registry, store)
	builder := features.NewBuilder(registry, provider, log)
	agg := aggregator.New(registry, provider, log)
	glciComputer := glci.NewComputer(registry, builder, provider, store, log)
	riskComputer := risk.NewComputer(provider, store, nil, log)
	exporter := export.New(registry, store, cfg.ExportPath, log)

	var publisher jobs.Publisher
	if cfg.S3Enabled() {
		p, err := export.NewPublisher(context.Background(), cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create publisher")
		}
		publisher = p
		log.Info().Str("bucket", cfg.S3Bucket).Msg("Publisher configured")
	}

	updateJob := jobs.NewUpdateJob(jobs.UpdateConfig{
		Log:        log,
		Registry:   registry,
		Fetcher:    fetch,
		Aggregator: agg,
		GLCI:       glciComputer,
		Risk:       riskComputer,
		Store:      store,
		Exporter:   exporter,
		Publisher:  publisher,
		Events:     events.NewManager(log),
	})

	// Initialize scheduler
	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()
	if err := registerJobs(sched, cfg, updateJob, cat, store, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}

	// Initialize HTTP server
	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Registry:  registry,
		Store:     store,
		Catalog:   cat,
		UpdateJob: updateJob,
		DevMode:   cfg.DevMode,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, updateJob *jobs.UpdateJob, cat *catalog.Catalog, store *storage.Store, log zerolog.Logger) error {
	if err := sched.AddJob(cfg.UpdateSchedule, updateJob); err != nil {
		return err
	}
	return sched.AddJob(healthCheckSchedule, jobs.NewHealthCheckJob(cat, store, log))
}
