// Package server exposes the read API over the artifact store: configured
// series, computed indices, the composite with its regime context, and the
// risk dashboard. All endpoints are read-only except the manual job trigger.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/catalog"
	appconfig "github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/scheduler"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// Config holds server configuration
type Config struct {
	Port      int
	Log       zerolog.Logger
	Registry  *appconfig.Registry
	Store     *storage.Store
	Catalog   *catalog.Catalog
	UpdateJob scheduler.Job // optional, enables the manual refresh trigger
	DevMode   bool
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	registry  *appconfig.Registry
	store     *storage.Store
	catalog   *catalog.Catalog
	updateJob scheduler.Job
	metrics   *MetricsRegistry
	startedAt time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		registry:  cfg.Registry,
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		updateJob: cfg.UpdateJob,
		metrics:   NewMetricsRegistry(),
		startedAt: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Get("/health", s.handleHealth)

	// Prometheus metrics
	s.router.Handle("/metrics", s.metrics.Handler())

	// API routes
	s.router.Route("/api", func(r chi.Router) {
		r.Route("/series", func(r chi.Router) {
			r.Get("/", s.handleSeriesList)
			r.Get("/{id}", s.handleSeriesDetail)
			r.Get("/{id}/latest", s.handleSeriesLatest)
		})

		r.Route("/indices", func(r chi.Router) {
			r.Get("/", s.handleIndicesList)
			r.Get("/{id}", s.handleIndexDetail)
		})

		r.Route("/glci", func(r chi.Router) {
			r.Get("/", s.handleGLCI)
			r.Get("/latest", s.handleGLCILatest)
			r.Get("/pillars", s.handleGLCIPillars)
			r.Get("/regime-history", s.handleGLCIRegimeHistory)
			r.Get("/freshness", s.handleGLCIFreshness)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/", s.handleRisk)
			r.Get("/{assetID}", s.handleRiskAsset)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/fetches", s.handleRecentFetches)
			r.Post("/update", s.handleTriggerUpdate)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests and feeds the request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.metrics.ObserveRequest(r.Method, routePattern(r), ww.Status(), time.Since(start))

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// routePattern returns the chi route pattern, so metrics cardinality stays
// bounded by the route table rather than by raw URLs.
func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if p := ctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
