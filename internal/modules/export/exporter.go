// Package export materializes curated artifacts into a static, API-shaped
// JSON tree (every endpoint is a directory holding index.json) and optionally
// publishes the tree to an S3-compatible bucket.
package export

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/modules/risk"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// staleDays is the component age beyond which freshness reports stale.
const staleDays = 14

// changeLookbackDays is the lookback of the percent change on series/latest.
const changeLookbackDays = 7

const dateLayout = "2006-01-02"

// Exporter writes the static JSON tree from the registry and the artifact
// store. The tree root is the "latest" directory; snapshots go to a sibling
// snapshots/ directory.
type Exporter struct {
	registry  *config.Registry
	store     *storage.Store
	latestDir string
	now       func() time.Time
	log       zerolog.Logger
}

// New creates an exporter writing under latestDir.
func New(registry *config.Registry, store *storage.Store, latestDir string, log zerolog.Logger) *Exporter {
	return &Exporter{
		registry:  registry,
		store:     store,
		latestDir: latestDir,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "export").Logger(),
	}
}

// Dir returns the latest-tree directory.
func (e *Exporter) Dir() string { return e.latestDir }

// Summary reports what an export run produced.
type Summary struct {
	Files    int
	Skipped  []string
	Snapshot string
}

// Run writes the whole tree. Endpoints whose curated inputs are absent are
// skipped, not errors. With snapshot set the finished tree is also copied to
// snapshots/<YYYY-MM-DD>/, replacing any prior snapshot of the same date.
func (e *Exporter) Run(snapshot bool) (*Summary, error) {
	sum := &Summary{}

	if err := e.exportSeries(sum); err != nil {
		return nil, err
	}
	if err := e.exportIndices(sum); err != nil {
		return nil, err
	}
	if err := e.exportGLCI(sum); err != nil {
		return nil, err
	}
	if err := e.exportRisk(sum); err != nil {
		return nil, err
	}

	if snapshot {
		dir, err := e.writeSnapshot()
		if err != nil {
			return nil, err
		}
		sum.Snapshot = dir
	}

	e.log.Info().
		Int("files", sum.Files).
		Int("skipped", len(sum.Skipped)).
		Str("dir", e.latestDir).
		Msg("Export complete")
	return sum, nil
}

// SeriesSummary is one row of the api/series listing.
type SeriesSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Source       string `json:"source"`
	Country      string `json:"country,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Unit         string `json:"unit,omitempty"`
	Category     string `json:"category"`
	Observations int    `json:"observations"`
	LastDate     string `json:"last_date,omitempty"`
}

// DataPoint is one (date, value) observation.
type DataPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// SeriesDetail is the api/series/<id> payload.
type SeriesDetail struct {
	SeriesSummary
	Data []DataPoint `json:"data"`
}

// SeriesLatest is the api/series/<id>/latest payload.
type SeriesLatest struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Value       float64 `json:"value"`
	Change7DPct float64 `json:"change_7d_pct"`
}

func (e *Exporter) exportSeries(sum *Summary) error {
	var summaries []SeriesSummary
	for _, id := range SortedSeriesIDs(e.registry) {
		sc := e.registry.Series[id]
		summary := SeriesSummary{
			ID:        id,
			Name:      sc.Description,
			Source:    sc.Source,
			Country:   sc.Country,
			Frequency: sc.Frequency,
			Unit:      sc.Unit,
			Category:  SeriesCategory(sc),
		}

		t, err := e.store.LoadRaw(sc.Source, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			summaries = append(summaries, summary)
			sum.Skipped = append(sum.Skipped, "api/series/"+id)
			continue
		}

		points := TablePoints(t, "value")
		summary.Observations = len(points)
		if n := len(points); n > 0 {
			summary.LastDate = points[n-1].Date
		}
		summaries = append(summaries, summary)

		detail := SeriesDetail{SeriesSummary: summary, Data: points}
		if err := e.write(filepath.Join("api", "series", storage.SanitizeID(id)), detail, sum); err != nil {
			return err
		}
		if len(points) > 0 {
			latest := SeriesLatest{
				ID:          id,
				Date:        points[len(points)-1].Date,
				Value:       points[len(points)-1].Value,
				Change7DPct: TrailingChangePct(t, changeLookbackDays),
			}
			if err := e.write(filepath.Join("api", "series", storage.SanitizeID(id), "latest"), latest, sum); err != nil {
				return err
			}
		}
	}
	return e.write(filepath.Join("api", "series"), summaries, sum)
}

// IndexSummary is one row of the api/indices listing.
type IndexSummary struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Frequency  string `json:"frequency"`
	Pillarized bool   `json:"pillarized"`
	Components int    `json:"components"`
	LastDate   string `json:"last_date,omitempty"`
}

// IndexDetail is the api/indices/<id> payload.
type IndexDetail struct {
	IndexSummary
	Data []DataPoint `json:"data"`
}

func (e *Exporter) exportIndices(sum *Summary) error {
	var summaries []IndexSummary
	for _, id := range SortedIndexIDs(e.registry) {
		idx := e.registry.Indices[id]
		summary := IndexSummary{
			ID:         id,
			Method:     IndexMethod(idx),
			Frequency:  string(idx.FrequencyCode()),
			Pillarized: idx.IsPillarized(),
			Components: IndexComponentCount(idx),
		}

		name := id
		if idx.IsPillarized() {
			name = glci.GLCITable
		}
		t, err := e.store.LoadCurated(glci.CuratedCategory, name)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			summaries = append(summaries, summary)
			sum.Skipped = append(sum.Skipped, "api/indices/"+id)
			continue
		}

		points := TablePoints(t, "value")
		if n := len(points); n > 0 {
			summary.LastDate = points[n-1].Date
		}
		summaries = append(summaries, summary)

		detail := IndexDetail{IndexSummary: summary, Data: points}
		if err := e.write(filepath.Join("api", "indices", storage.SanitizeID(id)), detail, sum); err != nil {
			return err
		}
	}
	return e.write(filepath.Join("api", "indices"), summaries, sum)
}

// GLCIPoint is one composite observation with regime context.
type GLCIPoint struct {
	Date             string  `json:"date"`
	Value            float64 `json:"value"`
	ZScore           float64 `json:"zscore"`
	Regime           int     `json:"regime"`
	RegimeLabel      string  `json:"regime_label"`
	Momentum         float64 `json:"momentum"`
	ProbRegimeChange float64 `json:"prob_regime_change"`
}

// GLCIDocument is the api/glci payload.
type GLCIDocument struct {
	Latest   glci.CurrentRegime   `json:"latest"`
	Data     []GLCIPoint          `json:"data"`
	Pillars  glci.PillarBreakdown `json:"pillars"`
	Weights  *glci.Weights        `json:"weights,omitempty"`
	Metadata *glci.Metadata       `json:"metadata,omitempty"`
}

// RegimeInterval is one contiguous run of a single regime.
type RegimeInterval struct {
	Regime  int    `json:"regime"`
	Label   string `json:"label"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Periods int    `json:"periods"`
}

// RegimeHistory is the api/glci/regime-history payload.
type RegimeHistory struct {
	Current   string           `json:"current"`
	Counts    map[string]int   `json:"counts"`
	Intervals []RegimeInterval `json:"intervals"`
}

func (e *Exporter) exportGLCI(sum *Summary) error {
	idx, ok := PillarizedIndex(e.registry)
	if !ok {
		sum.Skipped = append(sum.Skipped, "api/glci")
		return nil
	}

	t, err := e.store.LoadCurated(glci.CuratedCategory, glci.GLCITable)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sum.Skipped = append(sum.Skipped, "api/glci")
			return nil
		}
		return err
	}
	if t.Rows() == 0 {
		sum.Skipped = append(sum.Skipped, "api/glci")
		return nil
	}

	points := GLCIPoints(t)
	latest := LatestPoint(points)

	pillars, err := e.pillarBreakdown(idx)
	if err != nil {
		return err
	}

	doc := GLCIDocument{Latest: latest, Data: points, Pillars: pillars}
	var weights glci.Weights
	if err := e.store.LoadCuratedJSON(glci.CuratedCategory, glci.WeightsArtifact, &weights); err == nil {
		doc.Weights = &weights
	}
	var meta glci.Metadata
	if err := e.store.LoadCuratedJSON(glci.CuratedCategory, glci.MetadataArtifact, &meta); err == nil {
		doc.Metadata = &meta
	}

	if err := e.write(filepath.Join("api", "glci"), doc, sum); err != nil {
		return err
	}
	if err := e.write(filepath.Join("api", "glci", "latest"), latest, sum); err != nil {
		return err
	}
	if err := e.write(filepath.Join("api", "glci", "pillars"), pillars, sum); err != nil {
		return err
	}
	if err := e.write(filepath.Join("api", "glci", "regime-history"), BuildRegimeHistory(points), sum); err != nil {
		return err
	}
	return e.write(filepath.Join("api", "glci", "freshness"), e.freshness(idx), sum)
}

func (e *Exporter) exportRisk(sum *Summary) error {
	var dashboard risk.DashboardResult
	if err := e.store.LoadCuratedJSON(risk.CuratedCategory, "risk_metrics", &dashboard); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			sum.Skipped = append(sum.Skipped, "api/risk")
			return nil
		}
		return err
	}

	if err := e.write(filepath.Join("api", "risk"), dashboard, sum); err != nil {
		return err
	}
	for _, asset := range dashboard.Assets {
		detail := struct {
			risk.AssetMetrics
			ComputedAt    string `json:"computed_at"`
			CurrentRegime string `json:"current_regime"`
		}{asset, dashboard.ComputedAt, dashboard.CurrentRegime}
		if err := e.write(filepath.Join("api", "risk", storage.SanitizeID(asset.ID)), detail, sum); err != nil {
			return err
		}
	}
	return nil
}

// pillarBreakdown reads the latest pillar factor row with configured weights.
func (e *Exporter) pillarBreakdown(idx config.IndexConfig) (glci.PillarBreakdown, error) {
	return LoadPillarBreakdown(e.store, idx)
}

// LoadPillarBreakdown reads the latest pillar factor row from the curated
// tier, annotated with the configured pillar weights.
func LoadPillarBreakdown(store *storage.Store, idx config.IndexConfig) (glci.PillarBreakdown, error) {
	out := glci.PillarBreakdown{Pillars: map[string]glci.PillarSnapshot{}}
	t, err := store.LoadCurated(glci.CuratedCategory, glci.PillarsTable)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return out, nil
		}
		return out, err
	}
	if t.Rows() == 0 {
		return out, nil
	}
	last := t.Rows() - 1
	out.Date = time.Unix(t.Dates[last], 0).UTC().Format(dateLayout)
	for _, name := range t.Columns {
		v := t.Column(name)[last]
		if math.IsNaN(v) {
			v = 0
		}
		out.Pillars[name] = glci.PillarSnapshot{Value: v, Weight: idx.Pillars[name].Weight}
	}
	return out, nil
}

// freshness reports component staleness from the raw tier.
func (e *Exporter) freshness(idx config.IndexConfig) map[string]glci.FreshnessInfo {
	return ComponentFreshness(e.registry, e.store, idx, e.now())
}

// ComponentFreshness reports per-component staleness of a pillarized index
// from the raw tier. Components with no stored data report unknown with
// days_old -1.
func ComponentFreshness(r *config.Registry, store *storage.Store, idx config.IndexConfig, now time.Time) map[string]glci.FreshnessInfo {
	out := map[string]glci.FreshnessInfo{}
	for pillarName, pillar := range idx.Pillars {
		for _, comp := range pillar.Components {
			info := glci.FreshnessInfo{Pillar: pillarName, LastDate: "unknown", DaysOld: -1, IsStale: true}
			sc, ok := r.SeriesConfigFor(comp.Series)
			if ok {
				if t, err := store.LoadRaw(sc.Source, comp.Series); err == nil && t.Rows() > 0 {
					last := t.LatestDate()
					days := int(now.Sub(last).Hours() / 24)
					info = glci.FreshnessInfo{
						Pillar:   pillarName,
						LastDate: last.Format(dateLayout),
						DaysOld:  days,
						IsStale:  days > staleDays,
					}
				}
			}
			out[comp.Series] = info
		}
	}
	return out
}

// write serializes v to <latestDir>/<rel>/index.json via temp + rename.
func (e *Exporter) write(rel string, v interface{}, sum *Summary) error {
	path := filepath.Join(e.latestDir, rel, "index.json")
	if err := writeJSONAtomic(path, v); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	sum.Files++
	return nil
}

// writeSnapshot copies the finished latest tree to snapshots/<date>,
// removing any prior snapshot of the same date first.
func (e *Exporter) writeSnapshot() (string, error) {
	date := e.now().Format(dateLayout)
	dir := filepath.Join(filepath.Dir(e.latestDir), "snapshots", date)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing snapshot %s: %w", date, err)
	}
	if err := copyTree(e.latestDir, dir); err != nil {
		return "", fmt.Errorf("writing snapshot %s: %w", date, err)
	}
	e.log.Info().Str("snapshot", date).Msg("Snapshot written")
	return dir, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
