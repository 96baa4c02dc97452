package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Extension of columnar table bodies.
const Extension = ".mpk"

// ErrNotFound is returned when the requested artifact does not exist.
var ErrNotFound = errors.New("storage: artifact not found")

// Store is the file-backed artifact store. A single writer at a time is
// assumed; readers may run concurrently because writes go through
// temp + fsync + rename.
type Store struct {
	root string
	log  zerolog.Logger
}

// NewStore creates the store rooted at dir, creating the raw and curated
// tiers if needed.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	for _, sub := range []string{"raw", "curated"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s tier: %w", sub, err)
		}
	}
	return &Store{
		root: dir,
		log:  log.With().Str("component", "storage").Logger(),
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// SanitizeID makes a series id safe for use as a file name.
func SanitizeID(id string) string {
	id = strings.ReplaceAll(id, ":", "_")
	id = strings.ReplaceAll(id, "/", "_")
	return id
}

func (s *Store) rawPath(source, seriesID string) string {
	return filepath.Join(s.root, "raw", source, SanitizeID(seriesID)+Extension)
}

func (s *Store) curatedPath(category, name string) string {
	return filepath.Join(s.root, "curated", category, SanitizeID(name)+Extension)
}

func (s *Store) curatedMetaPath(category, name string) string {
	return filepath.Join(s.root, "curated", category, SanitizeID(name)+"_meta.json")
}

// SaveRaw writes a raw-tier table for a series.
func (s *Store) SaveRaw(t *Table, source, seriesID string) error {
	path := s.rawPath(source, seriesID)
	if err := s.writeTable(path, t); err != nil {
		return fmt.Errorf("saving raw %s/%s: %w", source, seriesID, err)
	}
	s.log.Debug().Str("source", source).Str("series_id", seriesID).Int("rows", t.Rows()).Msg("Saved raw series")
	return nil
}

// LoadRaw reads a raw-tier table. Returns ErrNotFound when absent.
func (s *Store) LoadRaw(source, seriesID string) (*Table, error) {
	t, err := s.readTable(s.rawPath(source, seriesID))
	if err != nil {
		return nil, fmt.Errorf("loading raw %s/%s: %w", source, seriesID, err)
	}
	return t, nil
}

// AppendRaw unions the table with any existing raw data, deduplicating on
// date and keeping the row with the later fetched_at.
func (s *Store) AppendRaw(t *Table, source, seriesID string) error {
	existing, err := s.LoadRaw(source, seriesID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.SaveRaw(t, source, seriesID)
	}
	merged := Merge(existing, t)
	return s.SaveRaw(merged, source, seriesID)
}

// SaveCurated writes a curated-tier table and, when meta is non-nil, a
// sibling metadata JSON stamped with saved_at.
func (s *Store) SaveCurated(t *Table, category, name string, meta map[string]interface{}) error {
	path := s.curatedPath(category, name)
	if err := s.writeTable(path, t); err != nil {
		return fmt.Errorf("saving curated %s/%s: %w", category, name, err)
	}
	if meta != nil {
		stamped := make(map[string]interface{}, len(meta)+1)
		for k, v := range meta {
			stamped[k] = v
		}
		stamped["saved_at"] = time.Now().UTC().Format(time.RFC3339)
		if err := s.writeJSON(s.curatedMetaPath(category, name), stamped); err != nil {
			return fmt.Errorf("saving curated metadata %s/%s: %w", category, name, err)
		}
	}
	s.log.Debug().Str("category", category).Str("name", name).Int("rows", t.Rows()).Msg("Saved curated artifact")
	return nil
}

// LoadCurated reads a curated-tier table. Returns ErrNotFound when absent.
func (s *Store) LoadCurated(category, name string) (*Table, error) {
	t, err := s.readTable(s.curatedPath(category, name))
	if err != nil {
		return nil, fmt.Errorf("loading curated %s/%s: %w", category, name, err)
	}
	return t, nil
}

// LoadCuratedMetadata reads the metadata sidecar of a curated artifact.
func (s *Store) LoadCuratedMetadata(category, name string) (map[string]interface{}, error) {
	data, err := os.ReadFile(s.curatedMetaPath(category, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading curated metadata %s/%s: %w", category, name, err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing curated metadata %s/%s: %w", category, name, err)
	}
	return meta, nil
}

// SaveCuratedJSON writes an arbitrary JSON document into the curated tier,
// for artifacts that are not tabular (weights, run metadata).
func (s *Store) SaveCuratedJSON(category, name string, v interface{}) error {
	path := filepath.Join(s.root, "curated", category, SanitizeID(name)+".json")
	if err := s.writeJSON(path, v); err != nil {
		return fmt.Errorf("saving curated json %s/%s: %w", category, name, err)
	}
	return nil
}

// LoadCuratedJSON reads a JSON document from the curated tier into v.
func (s *Store) LoadCuratedJSON(category, name string, v interface{}) error {
	path := filepath.Join(s.root, "curated", category, SanitizeID(name)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("loading curated json %s/%s: %w", category, name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing curated json %s/%s: %w", category, name, err)
	}
	return nil
}

// ListRawSeries lists stored raw series ids, optionally filtered by source.
// The returned map is source -> sorted sanitized series ids.
func (s *Store) ListRawSeries(source string) (map[string][]string, error) {
	rawRoot := filepath.Join(s.root, "raw")
	entries, err := os.ReadDir(rawRoot)
	if err != nil {
		return nil, fmt.Errorf("listing raw tier: %w", err)
	}
	out := map[string][]string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if source != "" && e.Name() != source {
			continue
		}
		ids, err := listTableNames(filepath.Join(rawRoot, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out[e.Name()] = ids
		}
	}
	return out, nil
}

// ListCurated lists curated artifact names, optionally filtered by category.
func (s *Store) ListCurated(category string) (map[string][]string, error) {
	curatedRoot := filepath.Join(s.root, "curated")
	entries, err := os.ReadDir(curatedRoot)
	if err != nil {
		return nil, fmt.Errorf("listing curated tier: %w", err)
	}
	out := map[string][]string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if category != "" && e.Name() != category {
			continue
		}
		names, err := listTableNames(filepath.Join(curatedRoot, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			out[e.Name()] = names
		}
	}
	return out, nil
}

// GetLatestDate returns the most recent observation date of a raw series.
func (s *Store) GetLatestDate(source, seriesID string) (time.Time, error) {
	t, err := s.LoadRaw(source, seriesID)
	if err != nil {
		return time.Time{}, err
	}
	return t.LatestDate(), nil
}

// GetDateRange returns the first and last observation dates of a raw series.
func (s *Store) GetDateRange(source, seriesID string) (time.Time, time.Time, error) {
	t, err := s.LoadRaw(source, seriesID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	first, last := t.DateRange()
	return first, last, nil
}

func listTableNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) writeTable(path string, t *Table) error {
	data, err := msgpack.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding table: %w", err)
	}
	return writeAtomic(path, data)
}

func (s *Store) readTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var t Table
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding table: %w", err)
	}
	if t.Values == nil {
		t.Values = map[string][]float64{}
	}
	return &t, nil
}

func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	return writeAtomic(path, data)
}

// writeAtomic writes via a temp file in the target directory, fsyncs and
// renames, so readers never observe a partial artifact.
func writeAtomic(path string, data []byte) error {
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
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
