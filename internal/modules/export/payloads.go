package export

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aristath/liquidity-tracker/internal/config"
	"github.com/aristath/liquidity-tracker/internal/domain"
	"github.com/aristath/liquidity-tracker/internal/modules/glci"
	"github.com/aristath/liquidity-tracker/internal/storage"
)

// defaultCategories maps series types to display categories when the registry
// does not set one explicitly.
var defaultCategories = map[string]string{
	"liquidity":   "Central Bank Liquidity",
	"credit":      "Credit Conditions",
	"rate":        "Interest Rates",
	"spread":      "Credit Spreads",
	"fx":          "Foreign Exchange",
	"asset_price": "Asset Prices",
	"volatility":  "Volatility",
	"money":       "Money Supply",
}

// SeriesCategory resolves the display category of a series.
func SeriesCategory(sc config.SeriesConfig) string {
	if sc.Category != "" {
		return sc.Category
	}
	if c, ok := defaultCategories[sc.Type]; ok {
		return c
	}
	return "Other"
}

// SortedSeriesIDs returns the configured series ids in sorted order.
func SortedSeriesIDs(r *config.Registry) []string {
	out := make([]string, 0, len(r.Series))
	for id := range r.Series {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SortedIndexIDs returns the configured index ids in sorted order.
func SortedIndexIDs(r *config.Registry) []string {
	out := make([]string, 0, len(r.Indices))
	for id := range r.Indices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PillarizedIndex returns the first pillarized index in id order. The
// registry conventionally has at most one.
func PillarizedIndex(r *config.Registry) (config.IndexConfig, bool) {
	for _, id := range SortedIndexIDs(r) {
		if idx := r.Indices[id]; idx.IsPillarized() {
			return idx, true
		}
	}
	return config.IndexConfig{}, false
}

// IndexMethod names the aggregation method of an index.
func IndexMethod(idx config.IndexConfig) string {
	if idx.IsPillarized() {
		return "pillarized"
	}
	if idx.Method == "" {
		return "arithmetic"
	}
	return idx.Method
}

// IndexComponentCount counts the underlying series of an index.
func IndexComponentCount(idx config.IndexConfig) int {
	if !idx.IsPillarized() {
		return len(idx.Components)
	}
	n := 0
	for _, p := range idx.Pillars {
		n += len(p.Components)
	}
	return n
}

// TablePoints extracts one column as dated points, skipping NaN rows.
func TablePoints(t *storage.Table, column string) []DataPoint {
	values := t.Column(column)
	if values == nil {
		return nil
	}
	out := make([]DataPoint, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		out = append(out, DataPoint{
			Date:  time.Unix(t.Dates[i], 0).UTC().Format(dateLayout),
			Value: v,
		})
	}
	return out
}

// TrailingChangePct is the percent change of the last observation against the
// newest observation at least lookbackDays older. Zero when no such base
// exists or the base is zero.
func TrailingChangePct(t *storage.Table, lookbackDays int) float64 {
	values := t.Column("value")
	last := -1
	for i := t.Rows() - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			last = i
			break
		}
	}
	if last < 0 {
		return 0
	}
	cutoff := t.Dates[last] - int64(lookbackDays)*86400
	for i := last - 1; i >= 0; i-- {
		if t.Dates[i] > cutoff || math.IsNaN(values[i]) {
			continue
		}
		if values[i] == 0 {
			return 0
		}
		return (values[last]/values[i] - 1) * 100
	}
	return 0
}

// GLCIPoints extracts the composite table as dated points with regime
// context, skipping rows with no value.
func GLCIPoints(t *storage.Table) []GLCIPoint {
	values := t.Column("value")
	zscores := t.Column("zscore")
	regimes := t.Column("regime")
	momentum := t.Column("momentum")
	prob := t.Column("prob_regime_change")

	out := make([]GLCIPoint, 0, t.Rows())
	for i := range t.Dates {
		if math.IsNaN(values[i]) {
			continue
		}
		regime := 0
		if regimes != nil {
			regime = int(regimes[i])
		}
		out = append(out, GLCIPoint{
			Date:             time.Unix(t.Dates[i], 0).UTC().Format(dateLayout),
			Value:            values[i],
			ZScore:           nanToZero(at(zscores, i)),
			Regime:           regime,
			RegimeLabel:      domain.Regime(regime).Label(),
			Momentum:         nanToZero(at(momentum, i)),
			ProbRegimeChange: nanToZero(at(prob, i)),
		})
	}
	return out
}

// LatestPoint summarizes the last composite observation.
func LatestPoint(points []GLCIPoint) glci.CurrentRegime {
	if len(points) == 0 {
		return glci.CurrentRegime{}
	}
	p := points[len(points)-1]
	return glci.CurrentRegime{
		Date:        p.Date,
		Value:       p.Value,
		ZScore:      p.ZScore,
		Regime:      p.Regime,
		RegimeLabel: p.RegimeLabel,
		Momentum:    p.Momentum,
	}
}

// BuildRegimeHistory compresses the regime path into contiguous intervals with
// per-label counts.
func BuildRegimeHistory(points []GLCIPoint) RegimeHistory {
	out := RegimeHistory{
		Counts:    map[string]int{"tight": 0, "neutral": 0, "loose": 0},
		Intervals: []RegimeInterval{},
	}
	if len(points) == 0 {
		return out
	}
	out.Current = points[len(points)-1].RegimeLabel

	cur := RegimeInterval{
		Regime:  points[0].Regime,
		Label:   points[0].RegimeLabel,
		Start:   points[0].Date,
		End:     points[0].Date,
		Periods: 1,
	}
	out.Counts[points[0].RegimeLabel]++
	for _, p := range points[1:] {
		out.Counts[p.RegimeLabel]++
		if p.Regime == cur.Regime {
			cur.End = p.Date
			cur.Periods++
			continue
		}
		out.Intervals = append(out.Intervals, cur)
		cur = RegimeInterval{Regime: p.Regime, Label: p.RegimeLabel, Start: p.Date, End: p.Date, Periods: 1}
	}
	out.Intervals = append(out.Intervals, cur)
	return out
}

func at(values []float64, i int) float64 {
	if values == nil || i >= len(values) {
		return math.NaN()
	}
	return values[i]
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// writeJSONAtomic writes indented JSON via a temp file in the target
// directory followed by a rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
