package glci

import (
	"context"
	"fmt"
	"math"
	"time"
)

// staleDays is the age beyond which a component series counts as stale.
const staleDays = 14

// GetLatest reads the most recent composite observation from the curated
// tier. Returns storage.ErrNotFound when no run has been saved.
func (c *Computer) GetLatest() (CurrentRegime, error) {
	if c.store == nil {
		return CurrentRegime{}, fmt.Errorf("no store configured")
	}
	t, err := c.store.LoadCurated(CuratedCategory, GLCITable)
	if err != nil {
		return CurrentRegime{}, err
	}
	if t.Rows() == 0 {
		return CurrentRegime{}, fmt.Errorf("empty glci table")
	}

	last := t.Rows() - 1
	regime := int(t.Column("regime")[last])
	return CurrentRegime{
		Date:        time.Unix(t.Dates[last], 0).UTC().Format("2006-01-02"),
		Value:       t.Column("value")[last],
		ZScore:      nanToZero(t.Column("zscore")[last]),
		Regime:      regime,
		RegimeLabel: regimeLabel(regime),
		Momentum:    nanToZero(t.Column("momentum")[last]),
	}, nil
}

// PillarSnapshot is the latest value and weight of one pillar.
type PillarSnapshot struct {
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// PillarBreakdown is the latest per-pillar decomposition.
type PillarBreakdown struct {
	Date    string                    `json:"date"`
	Pillars map[string]PillarSnapshot `json:"pillars"`
}

// GetPillarBreakdown reads the latest pillar factor values from the curated
// tier with the configured weights.
func (c *Computer) GetPillarBreakdown(indexID string) (PillarBreakdown, error) {
	if c.store == nil {
		return PillarBreakdown{}, fmt.Errorf("no store configured")
	}
	t, err := c.store.LoadCurated(CuratedCategory, PillarsTable)
	if err != nil {
		return PillarBreakdown{}, err
	}
	if t.Rows() == 0 {
		return PillarBreakdown{}, fmt.Errorf("empty pillars table")
	}

	idx, _ := c.registry.IndexConfigFor(indexID)
	last := t.Rows() - 1
	out := PillarBreakdown{
		Date:    time.Unix(t.Dates[last], 0).UTC().Format("2006-01-02"),
		Pillars: map[string]PillarSnapshot{},
	}
	for _, name := range t.Columns {
		v := t.Column(name)[last]
		if math.IsNaN(v) {
			v = 0
		}
		out.Pillars[name] = PillarSnapshot{
			Value:  v,
			Weight: idx.Pillars[name].Weight,
		}
	}
	return out, nil
}

// FreshnessInfo describes how current one component series is.
type FreshnessInfo struct {
	Pillar   string `json:"pillar"`
	LastDate string `json:"last_date"`
	DaysOld  int    `json:"days_old"`
	IsStale  bool   `json:"is_stale"`
}

// GetDataFreshness reports the age of every component series of a pillarized
// index. Unfetchable series report unknown with days_old -1.
func (c *Computer) GetDataFreshness(ctx context.Context, indexID string) map[string]FreshnessInfo {
	idx, ok := c.registry.IndexConfigFor(indexID)
	if !ok {
		return map[string]FreshnessInfo{}
	}

	out := map[string]FreshnessInfo{}
	for _, pillarName := range sortedPillarNames(idx) {
		for _, comp := range idx.Pillars[pillarName].Components {
			info := FreshnessInfo{Pillar: pillarName, LastDate: "unknown", DaysOld: -1, IsStale: true}
			raw, err := c.provider.FetchSeries(ctx, comp.Series, time.Time{}, time.Time{})
			if err == nil && raw.Len() > 0 {
				last := raw.Points[raw.Len()-1].Date
				days := int(c.now().Sub(last).Hours() / 24)
				info = FreshnessInfo{
					Pillar:   pillarName,
					LastDate: last.Format("2006-01-02"),
					DaysOld:  days,
					IsStale:  days > staleDays,
				}
			}
			out[comp.Series] = info
		}
	}
	return out
}

func regimeLabel(regime int) string {
	switch regime {
	case -1:
		return "tight"
	case 1:
		return "loose"
	case 0:
		return "neutral"
	}
	return "unknown"
}
