// Package catalog keeps a small sqlite ledger of fetch runs and per-series
// state. The columnar store remains the source of truth for the data itself;
// the catalog answers "when did we last fetch this and how did it go" without
// scanning artifact files.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// FetchStatus of a recorded fetch run.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusEmpty = "empty"
)

// Catalog wraps the ledger database.
type Catalog struct {
	conn *sql.DB
	log  zerolog.Logger
}

// SeriesState is the last known state of one configured series.
type SeriesState struct {
	SeriesID    string
	Source      string
	LastFetchAt time.Time
	LastStatus  string
	LastError   string
	RowCount    int
	LatestDate  time.Time
}

// FetchRun is one recorded fetch attempt.
type FetchRun struct {
	ID        int64
	RunID     string
	SeriesID  string
	Source    string
	StartedAt time.Time
	Status    string
	Rows      int
	Error     string
}

// Open creates or opens the catalog at path and applies the schema.
func Open(path string, log zerolog.Logger) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}

	// WAL mode for concurrent readers.
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("pinging catalog: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	c := &Catalog{
		conn: conn,
		log:  log.With().Str("component", "catalog").Logger(),
	}
	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying connection.
func (c *Catalog) Close() error { return c.conn.Close() }

// IntegrityCheck runs sqlite's integrity check over the ledger.
func (c *Catalog) IntegrityCheck() error {
	var result string
	if err := c.conn.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned: %s", result)
	}
	return nil
}

func (c *Catalog) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS fetch_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	series_id   TEXT NOT NULL,
	source      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	status      TEXT NOT NULL,
	rows        INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_fetch_runs_series ON fetch_runs(series_id, started_at);

CREATE TABLE IF NOT EXISTS series_state (
	series_id     TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	last_fetch_at TEXT NOT NULL,
	last_status   TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	row_count     INTEGER NOT NULL DEFAULT 0,
	latest_date   TEXT NOT NULL DEFAULT ''
);`
	if _, err := c.conn.Exec(schema); err != nil {
		return fmt.Errorf("migrating catalog schema: %w", err)
	}
	return nil
}

// RecordFetch records one fetch attempt and updates the series state.
func (c *Catalog) RecordFetch(run FetchRun, latestDate time.Time) error {
	startedAt := run.StartedAt.UTC().Format(time.RFC3339)
	_, err := c.conn.Exec(
		`INSERT INTO fetch_runs (run_id, series_id, source, started_at, status, rows, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SeriesID, run.Source, startedAt, run.Status, run.Rows, run.Error,
	)
	if err != nil {
		return fmt.Errorf("recording fetch run: %w", err)
	}

	latest := ""
	if !latestDate.IsZero() {
		latest = latestDate.UTC().Format("2006-01-02")
	}
	_, err = c.conn.Exec(
		`INSERT INTO series_state (series_id, source, last_fetch_at, last_status, last_error, row_count, latest_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(series_id) DO UPDATE SET
			source = excluded.source,
			last_fetch_at = excluded.last_fetch_at,
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			row_count = excluded.row_count,
			latest_date = excluded.latest_date`,
		run.SeriesID, run.Source, startedAt, run.Status, run.Error, run.Rows, latest,
	)
	if err != nil {
		return fmt.Errorf("updating series state: %w", err)
	}
	return nil
}

// SeriesStates returns the state of every known series, ordered by id.
func (c *Catalog) SeriesStates() ([]SeriesState, error) {
	rows, err := c.conn.Query(
		`SELECT series_id, source, last_fetch_at, last_status, last_error, row_count, latest_date
		 FROM series_state ORDER BY series_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying series states: %w", err)
	}
	defer rows.Close()

	var out []SeriesState
	for rows.Next() {
		var st SeriesState
		var fetchAt, latest string
		if err := rows.Scan(&st.SeriesID, &st.Source, &fetchAt, &st.LastStatus, &st.LastError, &st.RowCount, &latest); err != nil {
			return nil, fmt.Errorf("scanning series state: %w", err)
		}
		st.LastFetchAt, _ = time.Parse(time.RFC3339, fetchAt)
		if latest != "" {
			st.LatestDate, _ = time.Parse("2006-01-02", latest)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SeriesState returns the state of one series, or nil when unknown.
func (c *Catalog) SeriesState(seriesID string) (*SeriesState, error) {
	row := c.conn.QueryRow(
		`SELECT series_id, source, last_fetch_at, last_status, last_error, row_count, latest_date
		 FROM series_state WHERE series_id = ?`, seriesID,
	)
	var st SeriesState
	var fetchAt, latest string
	err := row.Scan(&st.SeriesID, &st.Source, &fetchAt, &st.LastStatus, &st.LastError, &st.RowCount, &latest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying series state: %w", err)
	}
	st.LastFetchAt, _ = time.Parse(time.RFC3339, fetchAt)
	if latest != "" {
		st.LatestDate, _ = time.Parse("2006-01-02", latest)
	}
	return &st, nil
}

// RecentRuns returns the most recent fetch runs, newest first.
func (c *Catalog) RecentRuns(limit int) ([]FetchRun, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := c.conn.Query(
		`SELECT id, run_id, series_id, source, started_at, status, rows, error
		 FROM fetch_runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying fetch runs: %w", err)
	}
	defer rows.Close()

	var out []FetchRun
	for rows.Next() {
		var r FetchRun
		var startedAt string
		if err := rows.Scan(&r.ID, &r.RunID, &r.SeriesID, &r.Source, &startedAt, &r.Status, &r.Rows, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning fetch run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StaleSeries returns series whose latest observation is older than maxAge.
func (c *Catalog) StaleSeries(now time.Time, maxAge time.Duration) ([]SeriesState, error) {
	states, err := c.SeriesStates()
	if err != nil {
		return nil, err
	}
	var out []SeriesState
	for _, st := range states {
		if st.LatestDate.IsZero() || now.Sub(st.LatestDate) > maxAge {
			out = append(out, st)
		}
	}
	return out, nil
}
