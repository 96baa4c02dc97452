package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/liquidity-tracker/internal/catalog"
	"github.com/aristath/liquidity-tracker/internal/modules/export"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// changeLookbackDays is the lookback of the percent change on series latest.
const changeLookbackDays = 7

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":  "healthy",
		"version": "1.0.0",
		"service": "liquidity-tracker",
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleSeriesList lists all configured series with their stored coverage.
func (s *Server) handleSeriesList(w http.ResponseWriter, r *http.Request) {
	summaries := make([]export.SeriesSummary, 0, len(s.registry.Series))
	for _, id := range export.SortedSeriesIDs(s.registry) {
		sc := s.registry.Series[id]
		summary := export.SeriesSummary{
			ID:        id,
			Name:      sc.Description,
			Source:    sc.Source,
			Country:   sc.Country,
			Frequency: sc.Frequency,
			Unit:      sc.Unit,
			Category:  export.SeriesCategory(sc),
		}
		if t, err := s.store.LoadRaw(sc.Source, id); err == nil {
			points := export.TablePoints(t, "value")
			summary.Observations = len(points)
			if n := len(points); n > 0 {
				summary.LastDate = points[n-1].Date
			}
		}
		summaries = append(summaries, summary)
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// handleSeriesDetail returns one series with its full stored history.
func (s *Server) handleSeriesDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, ok := s.registry.SeriesConfigFor(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown series: "+id)
		return
	}

	t, err := s.store.LoadRaw(sc.Source, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no stored data for series: "+id)
			return
		}
		s.log.Error().Err(err).Str("series", id).Msg("Failed to load series")
		s.writeError(w, http.StatusInternalServerError, "failed to load series")
		return
	}

	points := export.TablePoints(t, "value")
	detail := export.SeriesDetail{
		SeriesSummary: export.SeriesSummary{
			ID:           id,
			Name:         sc.Description,
			Source:       sc.Source,
			Country:      sc.Country,
			Frequency:    sc.Frequency,
			Unit:         sc.Unit,
			Category:     export.SeriesCategory(sc),
			Observations: len(points),
		},
		Data: points,
	}
	if n := len(points); n > 0 {
		detail.LastDate = points[n-1].Date
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// handleSeriesLatest returns the last observation with a trailing change.
func (s *Server) handleSeriesLatest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc, ok := s.registry.SeriesConfigFor(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown series: "+id)
		return
	}

	t, err := s.store.LoadRaw(sc.Source, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no stored data for series: "+id)
			return
		}
		s.log.Error().Err(err).Str("series", id).Msg("Failed to load series")
		s.writeError(w, http.StatusInternalServerError, "failed to load series")
		return
	}

	points := export.TablePoints(t, "value")
	if len(points) == 0 {
		s.writeError(w, http.StatusNotFound, "no observations for series: "+id)
		return
	}
	last := points[len(points)-1]
	s.writeJSON(w, http.StatusOK, export.SeriesLatest{
		ID:          id,
		Date:        last.Date,
		Value:       last.Value,
		Change7DPct: export.TrailingChangePct(t, changeLookbackDays),
	})
}

// handleIndicesList lists all configured indices.
func (s *Server) handleIndicesList(w http.ResponseWriter, r *http.Request) {
	summaries := make([]export.IndexSummary, 0, len(s.registry.Indices))
	for _, id := range export.SortedIndexIDs(s.registry) {
		idx := s.registry.Indices[id]
		summary := export.IndexSummary{
			ID:         id,
			Method:     export.IndexMethod(idx),
			Frequency:  string(idx.FrequencyCode()),
			Pillarized: idx.IsPillarized(),
			Components: export.IndexComponentCount(idx),
		}
		if t, err := s.store.LoadCurated(glci.CuratedCategory, s.indexTableName(id)); err == nil {
			points := export.TablePoints(t, "value")
			if n := len(points); n > 0 {
				summary.LastDate = points[n-1].Date
			}
		}
		summaries = append(summaries, summary)
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

// handleIndexDetail returns one computed index with its history.
func (s *Server) handleIndexDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	idx, ok := s.registry.Indices[id]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown index: "+id)
		return
	}

	t, err := s.store.LoadCurated(glci.CuratedCategory, s.indexTableName(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "index not computed yet: "+id)
			return
		}
		s.log.Error().Err(err).Str("index", id).Msg("Failed to load index")
		s.writeError(w, http.StatusInternalServerError, "failed to load index")
		return
	}

	points := export.TablePoints(t, "value")
	detail := export.IndexDetail{
		IndexSummary: export.IndexSummary{
			ID:         id,
			Method:     export.IndexMethod(idx),
			Frequency:  string(idx.FrequencyCode()),
			Pillarized: idx.IsPillarized(),
			Components: export.IndexComponentCount(idx),
		},
		Data: points,
	}
	if n := len(points); n > 0 {
		detail.LastDate = points[n-1].Date
	}
	s.writeJSON(w, http.StatusOK, detail)
}

// indexTableName maps an index id to its curated table. The pillarized
// composite is stored under the glci table name.
func (s *Server) indexTableName(id string) string {
	if idx, ok := s.registry.Indices[id]; ok && idx.IsPillarized() {
		return glci.GLCITable
	}
	return id
}

// loadGLCIPoints loads the composite table and converts it to points. A nil
// slice with a nil error means the composite has not been computed.
func (s *Server) loadGLCIPoints() ([]export.GLCIPoint, error) {
	t, err := s.store.LoadCurated(glci.CuratedCategory, glci.GLCITable)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if t.Rows() == 0 {
		return nil, nil
	}
	return export.GLCIPoints(t), nil
}

// handleGLCI returns the full composite document.
func (s *Server) handleGLCI(w http.ResponseWriter, r *http.Request) {
	idx, ok := export.PillarizedIndex(s.registry)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no pillarized index configured")
		return
	}
	points, err := s.loadGLCIPoints()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load composite")
		s.writeError(w, http.StatusInternalServerError, "failed to load composite")
		return
	}
	if len(points) == 0 {
		s.writeError(w, http.StatusNotFound, "composite not computed yet")
		return
	}

	pillars, err := export.LoadPillarBreakdown(s.store, idx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load pillar breakdown")
		s.writeError(w, http.StatusInternalServerError, "failed to load pillar breakdown")
		return
	}

	doc := export.GLCIDocument{
		Latest:  export.LatestPoint(points),
		Data:    points,
		Pillars: pillars,
	}
	var weights glci.Weights
	if err := s.store.LoadCuratedJSON(glci.CuratedCategory, glci.WeightsArtifact, &weights); err == nil {
		doc.Weights = &weights
	}
	var meta glci.Metadata
	if err := s.store.LoadCuratedJSON(glci.CuratedCategory, glci.MetadataArtifact, &meta); err == nil {
		doc.Metadata = &meta
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handleGLCILatest returns the last composite observation.
func (s *Server) handleGLCILatest(w http.ResponseWriter, r *http.Request) {
	points, err := s.loadGLCIPoints()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load composite")
		s.writeError(w, http.StatusInternalServerError, "failed to load composite")
		return
	}
	if len(points) == 0 {
		s.writeError(w, http.StatusNotFound, "composite not computed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, export.LatestPoint(points))
}

// handleGLCIPillars returns the latest pillar factor values with weights.
func (s *Server) handleGLCIPillars(w http.ResponseWriter, r *http.Request) {
	idx, ok := export.PillarizedIndex(s.registry)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no pillarized index configured")
		return
	}
	pillars, err := export.LoadPillarBreakdown(s.store, idx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load pillar breakdown")
		s.writeError(w, http.StatusInternalServerError, "failed to load pillar breakdown")
		return
	}
	s.writeJSON(w, http.StatusOK, pillars)
}

// handleGLCIRegimeHistory returns the regime path as contiguous intervals.
func (s *Server) handleGLCIRegimeHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.loadGLCIPoints()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load composite")
		s.writeError(w, http.StatusInternalServerError, "failed to load composite")
		return
	}
	if len(points) == 0 {
		s.writeError(w, http.StatusNotFound, "composite not computed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, export.BuildRegimeHistory(points))
}

// handleGLCIFreshness reports per-component staleness from the raw tier.
func (s *Server) handleGLCIFreshness(w http.ResponseWriter, r *http.Request) {
	idx, ok := export.PillarizedIndex(s.registry)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no pillarized index configured")
		return
	}
	s.writeJSON(w, http.StatusOK, export.ComponentFreshness(s.registry, s.store, idx, time.Now().UTC()))
}

// handleRisk returns the full risk dashboard.
func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	var dashboard risk.DashboardResult
	if err := s.store.LoadCuratedJSON(risk.CuratedCategory, "risk_metrics", &dashboard); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "risk metrics not computed yet")
			return
		}
		s.log.Error().Err(err).Msg("Failed to load risk metrics")
		s.writeError(w, http.StatusInternalServerError, "failed to load risk metrics")
		return
	}
	s.writeJSON(w, http.StatusOK, dashboard)
}

// handleRiskAsset returns the metrics of one asset from the dashboard.
func (s *Server) handleRiskAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetID")

	var dashboard risk.DashboardResult
	if err := s.store.LoadCuratedJSON(risk.CuratedCategory, "risk_metrics", &dashboard); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "risk metrics not computed yet")
			return
		}
		s.log.Error().Err(err).Msg("Failed to load risk metrics")
		s.writeError(w, http.StatusInternalServerError, "failed to load risk metrics")
		return
	}

	for _, asset := range dashboard.Assets {
		if asset.ID != assetID {
			continue
		}
		s.writeJSON(w, http.StatusOK, struct {
			risk.AssetMetrics
			ComputedAt    string `json:"computed_at"`
			CurrentRegime string `json:"current_regime"`
		}{asset, dashboard.ComputedAt, dashboard.CurrentRegime})
		return
	}
	s.writeError(w, http.StatusNotFound, "unknown asset: "+assetID)
}

// handleSystemStatus reports process and host health plus catalog counts.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		cpuPercent = []float64{0}
	}
	memUsedPct := 0.0
	if memStat, err := mem.VirtualMemory(); err == nil {
		memUsedPct = memStat.UsedPercent
	}

	response := map[string]interface{}{
		"status":         "running",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"cpu_percent":    cpuPercent[0],
		"ram_percent":    memUsedPct,
		"memory": map[string]interface{}{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	if s.catalog != nil {
		states, err := s.catalog.SeriesStates()
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to read catalog states")
		} else {
			okCount, errCount := 0, 0
			for _, st := range states {
				if st.LastStatus == catalog.StatusOK {
					okCount++
				} else {
					errCount++
				}
			}
			response["series"] = map[string]interface{}{
				"tracked": len(states),
				"ok":      okCount,
				"errored": errCount,
			}
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleRecentFetches returns the most recent fetch attempts from the catalog.
func (s *Server) handleRecentFetches(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, http.StatusServiceUnavailable, "fetch catalog not available")
		return
	}
	runs, err := s.catalog.RecentRuns(50)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read recent fetches")
		s.writeError(w, http.StatusInternalServerError, "failed to read recent fetches")
		return
	}

	type fetchRow struct {
		RunID     string `json:"run_id"`
		SeriesID  string `json:"series_id"`
		Source    string `json:"source"`
		StartedAt string `json:"started_at"`
		Status    string `json:"status"`
		Rows      int    `json:"rows"`
		Error     string `json:"error,omitempty"`
	}
	out := make([]fetchRow, 0, len(runs))
	for _, run := range runs {
		out = append(out, fetchRow{
			RunID:     run.RunID,
			SeriesID:  run.SeriesID,
			Source:    run.Source,
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
			Status:    run.Status,
			Rows:      run.Rows,
			Error:     run.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleTriggerUpdate starts the update pipeline in the background.
func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	if s.updateJob == nil {
		s.writeError(w, http.StatusServiceUnavailable, "update job not configured")
		return
	}

	go func() {
		if err := s.updateJob.Run(); err != nil {
			s.log.Error().Err(err).Msg("Triggered update failed")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
		"job":    s.updateJob.Name(),
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
