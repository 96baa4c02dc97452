// Package features builds per-pillar feature matrices from configured series:
// fetch, pre-flip negative signs, resample, transform, standardize and align
// on a shared date grid.
package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/transforms"
)

// Fill bounds applied during feature alignment. Forward fill covers one
// quarter at weekly cadence; the short back fill only seeds initial rows.
const (
	ForwardFillLimit = 13
	BackFillLimit    = 4
)

// minTransformObs is the minimum valid observations for the derivative-style
// transforms (impulse, hp_gap) to produce a feature.
const minTransformObs = 10

// FeatureMetadata describes one column of a feature matrix.
type FeatureMetadata struct {
	SeriesID        string
	Pillar          string
	Country         string
	Transform       string
	Unit            string
	Sign            int // always +1 after the pre-flip
	SourceFrequency string
	DataQuality     float64 // fraction of non-missing values
	LastUpdated     string  // date of most recent raw observation
}

// FeatureName returns the matrix column name.
func (m FeatureMetadata) FeatureName() string {
	return m.SeriesID + "_" + m.Transform
}

// CoverageIssue flags a feature with less than half its rows populated.
type CoverageIssue struct {
	SeriesID string
	Coverage float64
}

// StalenessIssue flags a series with an old last observation.
type StalenessIssue struct {
	SeriesID string
	DaysOld  int
}

// DataQualityReport summarizes per-pillar data issues.
type DataQualityReport struct {
	Pillar            string
	TotalSeries       int
	LoadedSeries      int
	MissingSeries     []string
	LowCoverageSeries []CoverageIssue
	StaleSeries       []StalenessIssue
	SignViolations    []string
}

// Matrix is a feature matrix: one row per target-frequency tick, one column
// per feature, values NaN where missing.
type Matrix struct {
	Dates   []time.Time
	Columns []string
	Values  map[string][]float64
}

// Rows returns the number of date rows.
func (m *Matrix) Rows() int { return len(m.Dates) }

// Column returns one feature column.
func (m *Matrix) Column(name string) []float64 { return m.Values[name] }

// Select returns a new matrix restricted to the given columns.
func (m *Matrix) Select(columns []string) *Matrix {
	out := &Matrix{Dates: m.Dates, Values: map[string][]float64{}}
	for _, c := range columns {
		if v, ok := m.Values[c]; ok {
			out.Columns = append(out.Columns, c)
			out.Values[c] = v
		}
	}
	return out
}

// SeriesProvider hands back raw series for registry ids. Implemented by the
// fetcher; tests substitute a stub.
type SeriesProvider interface {
	FetchSeries(ctx context.Context, seriesID string, start, end time.Time) (domain.RawSeries, error)
}

type cacheKey struct {
	seriesID string
	start    int64
	end      int64
}

// Builder builds feature matrices. Caches are per-builder; scope a builder to
// a single pipeline run.
type Builder struct {
	registry *config.Registry
	provider SeriesProvider
	cache    map[cacheKey]domain.Series
	reports  map[string]DataQualityReport
	now      func() time.Time
	log      zerolog.Logger
}

// NewBuilder creates a feature matrix builder.
func NewBuilder(registry *config.Registry, provider SeriesProvider, log zerolog.Logger) *Builder {
	return &Builder{
		registry: registry,
		provider: provider,
		cache:    map[cacheKey]domain.Series{},
		reports:  map[string]DataQualityReport{},
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "features").Logger(),
	}
}

// BuildFeatureMatrix builds the full matrix for a pillarized index. Unloadable
// components are skipped with a warning; an index where nothing loads is an
// error.
func (b *Builder) BuildFeatureMatrix(ctx context.Context, indexID string, start, end time.Time, targetFreq domain.Frequency) (*Matrix, []FeatureMetadata, error) {
	idx, ok := b.registry.IndexConfigFor(indexID)
	if !ok {
		return nil, nil, fmt.Errorf("index %q not found in configuration", indexID)
	}

	type feature struct {
		dates  []time.Time
		values []float64
	}
	allFeatures := map[string]feature{}
	var order []string
	var allMetadata []FeatureMetadata

	pillarNames := sortedPillarNames(idx)
	for _, pillarName := range pillarNames {
		pillar := idx.Pillars[pillarName]
		pillarSign := pillar.SignOrDefault()
		pillarTransforms := pillar.Transforms
		if len(pillarTransforms) == 0 {
			pillarTransforms = []string{"zscore"}
		}

		for _, comp := range pillar.Components {
			seriesSign := comp.SignOrDefault() * pillarSign
			compTransforms := pillarTransforms
			if comp.Transform != "" {
				compTransforms = []string{comp.Transform}
			}

			raw, err := b.fetchCached(ctx, comp.Series, start, end)
			if err != nil {
				b.log.Warn().Err(err).Str("series_id", comp.Series).Msg("Could not fetch series")
				continue
			}
			if raw.IsEmpty() {
				b.log.Warn().Str("series_id", comp.Series).Msg("No data for series")
				continue
			}

			seriesCfg, _ := b.registry.SeriesConfigFor(comp.Series)
			lastDate := raw.LastDate()

			resampled := transforms.Resample(raw, targetFreq, transforms.AggLast)
			if resampled.IsEmpty() {
				continue
			}

			// Pre-flip before transforms so factor loadings come out positive.
			values := resampled.Values
			if seriesSign < 0 {
				values = transforms.ApplySignFlip(values, seriesSign)
			}

			for _, tr := range compTransforms {
				featureValues, ok := applyTransform(values, tr, targetFreq)
				if !ok {
					continue
				}
				name := comp.Series + "_" + tr
				allFeatures[name] = feature{dates: resampled.Dates, values: featureValues}
				order = append(order, name)

				country := comp.Country
				if country == "" {
					country = seriesCfg.Country
				}
				allMetadata = append(allMetadata, FeatureMetadata{
					SeriesID:        comp.Series,
					Pillar:          pillarName,
					Country:         country,
					Transform:       tr,
					Unit:            orUnknown(seriesCfg.Unit),
					Sign:            1,
					SourceFrequency: seriesCfg.Frequency,
					DataQuality:     coverage(featureValues),
					LastUpdated:     lastDate.Format("2006-01-02"),
				})
			}
		}
	}

	if len(allFeatures) == 0 {
		return nil, nil, fmt.Errorf("no features could be built for index %q", indexID)
	}

	matrix := alignFeatures(order, func(name string) ([]time.Time, []float64) {
		f := allFeatures[name]
		return f.dates, f.values
	})
	return matrix, allMetadata, nil
}

// BuildPillarMatrix builds the matrix restricted to one pillar.
func (b *Builder) BuildPillarMatrix(ctx context.Context, indexID, pillarName string, start, end time.Time, targetFreq domain.Frequency) (*Matrix, []FeatureMetadata, error) {
	full, metadata, err := b.BuildFeatureMatrix(ctx, indexID, start, end, targetFreq)
	if err != nil {
		return nil, nil, err
	}

	var cols []string
	var pillarMeta []FeatureMetadata
	for _, m := range metadata {
		if m.Pillar == pillarName {
			cols = append(cols, m.FeatureName())
			pillarMeta = append(pillarMeta, m)
		}
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("no features available for pillar %q", pillarName)
	}
	return full.Select(cols), pillarMeta, nil
}

// ValidatePillarData produces and records the pillar quality report.
func (b *Builder) ValidatePillarData(indexID, pillarName string, metadata []FeatureMetadata) DataQualityReport {
	var expected []string
	if idx, ok := b.registry.IndexConfigFor(indexID); ok {
		for _, comp := range idx.Pillars[pillarName].Components {
			expected = append(expected, comp.Series)
		}
	}

	loaded := map[string]bool{}
	report := DataQualityReport{Pillar: pillarName, TotalSeries: len(expected)}
	now := b.now()
	for _, m := range metadata {
		loaded[m.SeriesID] = true
		if m.DataQuality < 0.5 {
			report.LowCoverageSeries = append(report.LowCoverageSeries, CoverageIssue{
				SeriesID: m.SeriesID,
				Coverage: m.DataQuality,
			})
		}
		if last, err := time.Parse("2006-01-02", m.LastUpdated); err == nil {
			daysOld := int(now.Sub(last).Hours() / 24)
			if daysOld > 30 {
				report.StaleSeries = append(report.StaleSeries, StalenessIssue{
					SeriesID: m.SeriesID,
					DaysOld:  daysOld,
				})
			}
		}
	}
	report.LoadedSeries = len(loaded)
	for _, s := range expected {
		if !loaded[s] {
			report.MissingSeries = append(report.MissingSeries, s)
		}
	}

	b.reports[pillarName] = report
	return report
}

// QualityReports returns the recorded per-pillar reports.
func (b *Builder) QualityReports() map[string]DataQualityReport {
	return b.reports
}

func (b *Builder) fetchCached(ctx context.Context, seriesID string, start, end time.Time) (domain.Series, error) {
	key := cacheKey{seriesID: seriesID}
	if !start.IsZero() {
		key.start = start.Unix()
	}
	if !end.IsZero() {
		key.end = end.Unix()
	}
	if s, ok := b.cache[key]; ok {
		return s, nil
	}
	raw, err := b.provider.FetchSeries(ctx, seriesID, start, end)
	if err != nil {
		return domain.Series{}, err
	}
	s := raw.Series()
	b.cache[key] = s
	return s, nil
}

// applyTransform maps a transform name to its standardized feature values.
// The second return is false when the transform is unknown or lacks data.
func applyTransform(values []float64, transform string, freq domain.Frequency) ([]float64, bool) {
	switch transform {
	case "level":
		return transforms.Standardize(values, transforms.StdZScore, 0), true
	case "zscore":
		window := zscoreWindow(freq)
		return transforms.ZScore(values, window, transforms.DefaultMinPeriods), true
	case "growth":
		periods := growthPeriods(freq)
		growth := transforms.GrowthRate(values, periods, transforms.GrowthPct)
		return transforms.Standardize(growth, transforms.StdZScore, 0), true
	case "gap":
		window := gapWindow(freq)
		_, gapPct := transforms.RollingGap(values, window, transforms.DefaultMinPeriods)
		return transforms.Standardize(gapPct, transforms.StdZScore, 0), true
	case "impulse":
		periods := impulsePeriods(freq)
		_, impulse := transforms.CreditImpulse(values, periods)
		if validCount(impulse) <= minTransformObs {
			return nil, false
		}
		return transforms.Standardize(impulse, transforms.StdZScore, 0), true
	case "hp_gap":
		_, gap := transforms.HPFilterGap(values, transforms.HPLambda(freq))
		if validCount(gap) <= minTransformObs {
			return nil, false
		}
		return transforms.Standardize(gap, transforms.StdZScore, 0), true
	}
	return nil, false
}

func zscoreWindow(freq domain.Frequency) int {
	switch freq {
	case domain.Daily:
		return 252
	case domain.Weekly:
		return 104
	case domain.Monthly:
		return 24
	case domain.Quarterly:
		return 8
	}
	return 104
}

func growthPeriods(freq domain.Frequency) int {
	switch freq {
	case domain.Daily:
		return 252
	case domain.Weekly:
		return 52
	case domain.Monthly:
		return 12
	case domain.Quarterly:
		return 4
	}
	return 52
}

func gapWindow(freq domain.Frequency) int {
	switch freq {
	case domain.Daily:
		return 504
	case domain.Weekly:
		return 104
	case domain.Monthly:
		return 24
	case domain.Quarterly:
		return 8
	}
	return 104
}

func impulsePeriods(freq domain.Frequency) int {
	switch freq {
	case domain.Daily:
		return 252
	case domain.Weekly:
		return 52
	case domain.Monthly:
		return 12
	case domain.Quarterly:
		return 4
	}
	return 4
}

// alignFeatures outer-joins the features on date and applies the bounded
// forward and backward fills.
func alignFeatures(order []string, get func(string) ([]time.Time, []float64)) *Matrix {
	dateSet := map[time.Time]bool{}
	for _, name := range order {
		dates, _ := get(name)
		for _, d := range dates {
			dateSet[d] = true
		}
	}
	grid := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		grid = append(grid, d)
	}
	sort.Slice(grid, func(i, j int) bool { return grid[i].Before(grid[j]) })

	gridIndex := make(map[time.Time]int, len(grid))
	for i, d := range grid {
		gridIndex[d] = i
	}

	matrix := &Matrix{Dates: grid, Values: map[string][]float64{}}
	for _, name := range order {
		if _, exists := matrix.Values[name]; exists {
			continue
		}
		dates, values := get(name)
		col := make([]float64, len(grid))
		for i := range col {
			col[i] = math.NaN()
		}
		for i, d := range dates {
			col[gridIndex[d]] = values[i]
		}
		col = transforms.ForwardFill(col, ForwardFillLimit)
		col = transforms.BackFill(col, BackFillLimit)
		matrix.Columns = append(matrix.Columns, name)
		matrix.Values[name] = col
	}
	return matrix
}

func coverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return float64(validCount(values)) / float64(len(values))
}

func validCount(values []float64) int {
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func sortedPillarNames(idx config.IndexConfig) []string {
	names := make([]string, 0, len(idx.Pillars))
	for name := range idx.Pillars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
