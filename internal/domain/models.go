package domain

import (
	"math"
	"time"
)

// Frequency is a time series frequency code.
type Frequency string

const (
	Daily     Frequency = "D"
	Weekly    Frequency = "W"
	Monthly   Frequency = "M"
	Quarterly Frequency = "Q"
	Annual    Frequency = "A"
)

// ParseFrequency maps the long-form frequency names used in the registry
// ("daily", "weekly", ...) to frequency codes. Unknown values default to monthly.
func ParseFrequency(s string) Frequency {
	switch s {
	case "daily", "D":
		return Daily
	case "weekly", "W":
		return Weekly
	case "monthly", "M":
		return Monthly
	case "quarterly", "Q":
		return Quarterly
	case "annual", "A":
		return Annual
	}
	return Monthly
}

// Regime is the tri-valued liquidity regime classification.
type Regime int

const (
	RegimeTight   Regime = -1
	RegimeNeutral Regime = 0
	RegimeLoose   Regime = 1
)

// Label returns the human-readable regime name.
func (r Regime) Label() string {
	switch r {
	case RegimeTight:
		return "tight"
	case RegimeLoose:
		return "loose"
	default:
		return "neutral"
	}
}

// RegimeLabels enumerates the labels in threshold order.
var RegimeLabels = []string{"tight", "neutral", "loose"}

// Point is a single dated observation. Value is NaN when missing.
type Point struct {
	Date  time.Time
	Value float64
}

// Series is an ordered sequence of observations, dates strictly increasing.
// Dates and Values always have equal length; missing values are NaN.
type Series struct {
	Dates  []time.Time
	Values []float64
}

// NewSeries builds a Series from parallel slices without copying.
func NewSeries(dates []time.Time, values []float64) Series {
	return Series{Dates: dates, Values: values}
}

// Len returns the number of observations.
func (s Series) Len() int { return len(s.Dates) }

// IsEmpty reports whether the series has no observations.
func (s Series) IsEmpty() bool { return len(s.Dates) == 0 }

// Clone returns a deep copy of the series.
func (s Series) Clone() Series {
	out := Series{
		Dates:  make([]time.Time, len(s.Dates)),
		Values: make([]float64, len(s.Values)),
	}
	copy(out.Dates, s.Dates)
	copy(out.Values, s.Values)
	return out
}

// WithValues returns a series sharing this series' dates with new values.
func (s Series) WithValues(values []float64) Series {
	return Series{Dates: s.Dates, Values: values}
}

// LastDate returns the most recent date, or the zero time for an empty series.
func (s Series) LastDate() time.Time {
	if len(s.Dates) == 0 {
		return time.Time{}
	}
	return s.Dates[len(s.Dates)-1]
}

// ValidCount returns the number of non-NaN observations.
func (s Series) ValidCount() int {
	n := 0
	for _, v := range s.Values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Coverage returns the fraction of non-NaN observations in [0,1].
func (s Series) Coverage() float64 {
	if len(s.Values) == 0 {
		return 0
	}
	return float64(s.ValidCount()) / float64(len(s.Values))
}

// Slice returns the subset of the series with start <= date <= end.
// Zero times disable the respective bound.
func (s Series) Slice(start, end time.Time) Series {
	var dates []time.Time
	var values []float64
	for i, d := range s.Dates {
		if !start.IsZero() && d.Before(start) {
			continue
		}
		if !end.IsZero() && d.After(end) {
			continue
		}
		dates = append(dates, d)
		values = append(values, s.Values[i])
	}
	return Series{Dates: dates, Values: values}
}

// RawPoint is an observation with fetch provenance.
type RawPoint struct {
	Date      time.Time
	Value     float64
	FetchedAt time.Time
}

// RawSeries is a fetched series with provenance, as handed back by a source
// client: one row per date plus source and series identifiers.
type RawSeries struct {
	SeriesID string
	Source   string
	Points   []RawPoint
}

// Len returns the number of observations.
func (r RawSeries) Len() int { return len(r.Points) }

// Series strips provenance and returns the plain (date, value) series.
func (r RawSeries) Series() Series {
	dates := make([]time.Time, len(r.Points))
	values := make([]float64, len(r.Points))
	for i, p := range r.Points {
		dates[i] = p.Date
		values[i] = p.Value
	}
	return Series{Dates: dates, Values: values}
}

// MidnightUTC truncates a timestamp to a calendar day at UTC midnight.
func MidnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
