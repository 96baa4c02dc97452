// Package storage implements the two-tier columnar artifact store:
// raw/<source>/<series_id>.mpk for fetched series and
// curated/<category>/<name>.mpk for computed artifacts, with optional
// <name>_meta.json sidecars. Bodies are msgpack-encoded column tables.
package storage

import (
	"math"
	"sort"
	"time"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

// Table is the columnar on-disk representation. Dates are unix seconds at
// UTC midnight, strictly increasing. Every value column has exactly one entry
// per date; missing observations are NaN. The provenance fields are populated
// for raw-tier tables only.
type Table struct {
	Columns []string             `msgpack:"columns"`
	Dates   []int64              `msgpack:"dates"`
	Values  map[string][]float64 `msgpack:"values"`

	Source    string  `msgpack:"source,omitempty"`
	SeriesID  string  `msgpack:"series_id,omitempty"`
	FetchedAt []int64 `msgpack:"fetched_at,omitempty"`
}

// NewTable creates an empty table with the given value columns.
func NewTable(columns ...string) *Table {
	values := make(map[string][]float64, len(columns))
	for _, c := range columns {
		values[c] = nil
	}
	return &Table{Columns: columns, Values: values}
}

// Rows returns the number of rows.
func (t *Table) Rows() int { return len(t.Dates) }

// DateTimes returns the dates as time.Time values.
func (t *Table) DateTimes() []time.Time {
	out := make([]time.Time, len(t.Dates))
	for i, d := range t.Dates {
		out[i] = time.Unix(d, 0).UTC()
	}
	return out
}

// Column returns the values of one column, or nil when absent.
func (t *Table) Column(name string) []float64 { return t.Values[name] }

// HasColumn reports whether the column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Values[name]
	return ok
}

// SeriesColumn extracts one column as a domain series.
func (t *Table) SeriesColumn(name string) (domain.Series, bool) {
	values, ok := t.Values[name]
	if !ok {
		return domain.Series{}, false
	}
	return domain.Series{Dates: t.DateTimes(), Values: values}, true
}

// AddColumn appends a value column. The slice length must equal Rows.
func (t *Table) AddColumn(name string, values []float64) {
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
	if t.Values == nil {
		t.Values = map[string][]float64{}
	}
	t.Values[name] = values
}

// LatestDate returns the most recent date, or zero time for an empty table.
func (t *Table) LatestDate() time.Time {
	if len(t.Dates) == 0 {
		return time.Time{}
	}
	return time.Unix(t.Dates[len(t.Dates)-1], 0).UTC()
}

// DateRange returns the first and last dates.
func (t *Table) DateRange() (time.Time, time.Time) {
	if len(t.Dates) == 0 {
		return time.Time{}, time.Time{}
	}
	return time.Unix(t.Dates[0], 0).UTC(), t.LatestDate()
}

// FromSeries builds a single-column table from a domain series.
func FromSeries(s domain.Series, column string) *Table {
	t := NewTable(column)
	t.Dates = make([]int64, s.Len())
	values := make([]float64, s.Len())
	for i, d := range s.Dates {
		t.Dates[i] = domain.MidnightUTC(d).Unix()
		values[i] = s.Values[i]
	}
	t.Values[column] = values
	return t
}

// FromRawSeries builds a raw-tier table with provenance from a fetched series.
func FromRawSeries(r domain.RawSeries) *Table {
	t := NewTable("value")
	t.Source = r.Source
	t.SeriesID = r.SeriesID
	t.Dates = make([]int64, r.Len())
	t.FetchedAt = make([]int64, r.Len())
	values := make([]float64, r.Len())
	for i, p := range r.Points {
		t.Dates[i] = domain.MidnightUTC(p.Date).Unix()
		t.FetchedAt[i] = p.FetchedAt.Unix()
		values[i] = p.Value
	}
	t.Values["value"] = values
	return t
}

// RawSeries converts a raw-tier table back to a fetched series.
func (t *Table) RawSeries() domain.RawSeries {
	out := domain.RawSeries{
		SeriesID: t.SeriesID,
		Source:   t.Source,
		Points:   make([]domain.RawPoint, t.Rows()),
	}
	values := t.Values["value"]
	for i, d := range t.Dates {
		p := domain.RawPoint{Date: time.Unix(d, 0).UTC()}
		if i < len(values) {
			p.Value = values[i]
		}
		if i < len(t.FetchedAt) {
			p.FetchedAt = time.Unix(t.FetchedAt[i], 0).UTC()
		}
		out.Points[i] = p
	}
	return out
}

// Merge unions two raw tables on the date key, keeping the row with the later
// fetched_at on conflict, and returns a date-sorted result. Both tables must
// share the single "value" column layout.
func Merge(existing, incoming *Table) *Table {
	type row struct {
		value     float64
		fetchedAt int64
	}
	rows := make(map[int64]row, existing.Rows()+incoming.Rows())

	absorb := func(t *Table) {
		values := t.Values["value"]
		for i, d := range t.Dates {
			var fetched int64
			if i < len(t.FetchedAt) {
				fetched = t.FetchedAt[i]
			}
			prev, seen := rows[d]
			if !seen || fetched >= prev.fetchedAt {
				rows[d] = row{value: values[i], fetchedAt: fetched}
			}
		}
	}
	absorb(existing)
	absorb(incoming)

	dates := make([]int64, 0, len(rows))
	for d := range rows {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })

	out := NewTable("value")
	out.Source = incoming.Source
	out.SeriesID = incoming.SeriesID
	if out.Source == "" {
		out.Source = existing.Source
	}
	if out.SeriesID == "" {
		out.SeriesID = existing.SeriesID
	}
	out.Dates = dates
	out.FetchedAt = make([]int64, len(dates))
	values := make([]float64, len(dates))
	for i, d := range dates {
		values[i] = rows[d].value
		out.FetchedAt[i] = rows[d].fetchedAt
	}
	out.Values["value"] = values
	return out
}

// FromMatrix builds a multi-column table from a shared date grid. Column
// order follows the columns argument; missing cells must already be NaN.
func FromMatrix(dates []time.Time, columns []string, values map[string][]float64) *Table {
	t := NewTable(columns...)
	t.Dates = make([]int64, len(dates))
	for i, d := range dates {
		t.Dates[i] = domain.MidnightUTC(d).Unix()
	}
	for _, c := range columns {
		t.Values[c] = values[c]
	}
	return t
}

// DropAllNaNRows returns a copy without rows where every value column is NaN.
func (t *Table) DropAllNaNRows() *Table {
	keep := make([]int, 0, t.Rows())
	for i := range t.Dates {
		for _, c := range t.Columns {
			if !math.IsNaN(t.Values[c][i]) {
				keep = append(keep, i)
				break
			}
		}
	}
	out := NewTable(t.Columns...)
	out.Source = t.Source
	out.SeriesID = t.SeriesID
	out.Dates = make([]int64, len(keep))
	for j, i := range keep {
		out.Dates[j] = t.Dates[i]
	}
	if len(t.FetchedAt) > 0 {
		out.FetchedAt = make([]int64, len(keep))
		for j, i := range keep {
			out.FetchedAt[j] = t.FetchedAt[i]
		}
	}
	for _, c := range t.Columns {
		col := make([]float64, len(keep))
		for j, i := range keep {
			col[j] = t.Values[c][i]
		}
		out.Values[c] = col
	}
	return out
}
