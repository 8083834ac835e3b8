// Package cache persists merged retrievals keyed by a fingerprint of their
// window and checklist.
//
// Each entry is a directory named after the fingerprint holding
// observations.parquet, sensors.parquet and manifest.json. Entries are written
// to a temporary directory and renamed into place, so a reader never sees a
// manifest whose data files are missing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"station-availability/internal/models"
	"station-availability/internal/table"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// ErrMiss is returned when no valid entry exists for a request. Missing,
// mismatched and corrupt entries are all misses.
var ErrMiss = errors.New("cache miss")

const (
	manifestFile     = "manifest.json"
	observationsFile = "observations.parquet"
	sensorsFile      = "sensors.parquet"
	tmpPrefix        = ".tmp-"
	manifestVersion  = 1

	// axisColumn marks an observation row that only carries a timestamp
	axisColumn = -1
)

// Entry is one cached retrieval
type Entry struct {
	Window    models.Window
	Checklist models.Checklist
	Metadata  models.MetadataTable
	Table     *table.WideTable
	Gaps      []models.ResolutionGap
	Backends  map[models.Source]models.Status
}

type manifest struct {
	Version     int                             `json:"version"`
	Fingerprint string                          `json:"fingerprint"`
	Start       time.Time                       `json:"start"`
	End         time.Time                       `json:"end"`
	Checklist   models.Checklist                `json:"checklist"`
	Columns     []string                        `json:"columns"`
	Rows        int                             `json:"rows"`
	Cells       int                             `json:"cells"`
	Fields      models.FieldSet                 `json:"fields"`
	Gaps        []models.ResolutionGap          `json:"gaps,omitempty"`
	Backends    map[models.Source]models.Status `json:"backends,omitempty"`
	SavedAt     time.Time                       `json:"saved_at"`
}

// observationRow is the long-form parquet encoding of the wide table: one
// axis row per timestamp plus one row per present cell
type observationRow struct {
	Timestamp int64    `parquet:"timestamp"` // unix nanoseconds, UTC
	Column    int32    `parquet:"column"`
	Value     *float64 `parquet:"value"`
}

// Store is a content-addressed retrieval cache on the local filesystem
type Store struct {
	dir     string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewStore creates the cache directory if needed
func NewStore(dir string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir, logger: logger, metrics: metricsCollector}, nil
}

// Fingerprint hashes the UTC window bounds and the serialized checklist
func Fingerprint(window models.Window, checklist models.Checklist) string {
	w := window.UTC()
	payload, _ := json.Marshal(struct {
		Start     string           `json:"start"`
		End       string           `json:"end"`
		Checklist models.Checklist `json:"checklist"`
	}{
		Start:     w.Start.Format(time.RFC3339Nano),
		End:       w.End.Format(time.RFC3339Nano),
		Checklist: checklist,
	})
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

func (s *Store) entryDir(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint)
}

// NeedsRefresh reports whether the pipeline must run for this request. Both
// the window and the checklist must match the persisted record exactly.
func (s *Store) NeedsRefresh(ctx context.Context, window models.Window, checklist models.Checklist) bool {
	_, err := s.readManifest(ctx, window, checklist)
	return err != nil
}

// Load returns the cached entry for the request, or an error wrapping ErrMiss
func (s *Store) Load(ctx context.Context, window models.Window, checklist models.Checklist) (*Entry, error) {
	entry, err := s.load(ctx, window, checklist)
	if err != nil {
		s.metrics.RecordCacheLookup("miss")
		return nil, err
	}
	s.metrics.RecordCacheLookup("hit")
	return entry, nil
}

func (s *Store) load(ctx context.Context, window models.Window, checklist models.Checklist) (*Entry, error) {
	m, err := s.readManifest(ctx, window, checklist)
	if err != nil {
		return nil, err
	}
	dir := s.entryDir(m.Fingerprint)

	sensors, err := parquet.ReadFile[models.SensorMeta](filepath.Join(dir, sensorsFile))
	if err != nil {
		return nil, s.corrupt(ctx, m.Fingerprint, sensorsFile, err)
	}
	if len(sensors) != len(m.Columns) {
		return nil, s.corrupt(ctx, m.Fingerprint, sensorsFile, fmt.Errorf("%d sensors for %d columns", len(sensors), len(m.Columns)))
	}

	rows, err := parquet.ReadFile[observationRow](filepath.Join(dir, observationsFile))
	if err != nil {
		return nil, s.corrupt(ctx, m.Fingerprint, observationsFile, err)
	}
	wide, err := decodeTable(rows, m)
	if err != nil {
		return nil, s.corrupt(ctx, m.Fingerprint, observationsFile, err)
	}

	return &Entry{
		Window:    m.window(),
		Checklist: m.Checklist,
		Metadata:  models.MetadataTable{Sensors: sensors, Fields: m.Fields},
		Table:     wide,
		Gaps:      m.Gaps,
		Backends:  m.Backends,
	}, nil
}

func (s *Store) readManifest(ctx context.Context, window models.Window, checklist models.Checklist) (*manifest, error) {
	fingerprint := Fingerprint(window, checklist)
	raw, err := os.ReadFile(filepath.Join(s.entryDir(fingerprint), manifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMiss, fingerprint)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, s.corrupt(ctx, fingerprint, manifestFile, err)
	}
	if m.Version != manifestVersion || m.Fingerprint != fingerprint {
		return nil, s.corrupt(ctx, fingerprint, manifestFile, fmt.Errorf("unexpected version %d or fingerprint %q", m.Version, m.Fingerprint))
	}
	if !m.window().Equal(window) || !m.Checklist.Equal(checklist) {
		return nil, fmt.Errorf("%w: %s holds a different request", ErrMiss, fingerprint)
	}
	return &m, nil
}

func (m *manifest) window() models.Window {
	return models.Window{Start: m.Start, End: m.End}
}

func (s *Store) corrupt(ctx context.Context, fingerprint, file string, err error) error {
	s.logger.Warn(ctx, "[CACHE_CORRUPT] Ignoring unreadable cache entry", logging.Fields{
		"fingerprint": fingerprint,
		"file":        file,
		"error":       err.Error(),
	})
	return fmt.Errorf("%w: %s/%s: %v", ErrMiss, fingerprint, file, err)
}

// Save persists an entry. Data files and manifest are written to a temporary
// directory which then replaces any previous entry for the same fingerprint.
func (s *Store) Save(ctx context.Context, entry *Entry) (err error) {
	timer := s.metrics.NewTimer(s.metrics.CacheWriteDuration)
	defer timer.ObserveDuration()

	wide := entry.Table
	if wide == nil {
		wide = table.Empty()
	}
	columns := wide.Columns()
	if len(columns) != entry.Metadata.Len() {
		return fmt.Errorf("save cache: %d columns for %d sensors", len(columns), entry.Metadata.Len())
	}
	for i, key := range entry.Metadata.Keys() {
		if columns[i] != key {
			return fmt.Errorf("save cache: column %d is %q, metadata has %q", i, columns[i], key)
		}
	}

	fingerprint := Fingerprint(entry.Window, entry.Checklist)
	tmp := filepath.Join(s.dir, tmpPrefix+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	rows, cells := encodeTable(wide)
	if err := writeParquet(filepath.Join(tmp, observationsFile), rows); err != nil {
		return fmt.Errorf("save cache: write observations: %w", err)
	}
	if err := writeParquet(filepath.Join(tmp, sensorsFile), entry.Metadata.Sensors); err != nil {
		return fmt.Errorf("save cache: write sensors: %w", err)
	}

	w := entry.Window.UTC()
	m := manifest{
		Version:     manifestVersion,
		Fingerprint: fingerprint,
		Start:       w.Start,
		End:         w.End,
		Checklist:   entry.Checklist,
		Columns:     columns,
		Rows:        wide.Len(),
		Cells:       cells,
		Fields:      entry.Metadata.Fields,
		Gaps:        entry.Gaps,
		Backends:    entry.Backends,
		SavedAt:     time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("save cache: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("save cache: write manifest: %w", err)
	}

	if err := s.swap(tmp, s.entryDir(fingerprint)); err != nil {
		return fmt.Errorf("save cache: %w", err)
	}

	s.logger.Info(ctx, "[CACHE_SAVE] Retrieval persisted", logging.Fields{
		"fingerprint": fingerprint,
		"rows":        wide.Len(),
		"columns":     len(columns),
		"cells":       cells,
	})
	return nil
}

// swap moves tmp to final. An existing final directory is renamed aside first
// and removed once the new entry is in place.
func (s *Store) swap(tmp, final string) error {
	var old string
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(s.dir, tmpPrefix+uuid.NewString())
		if err := os.Rename(final, old); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			os.Rename(old, final)
		}
		return err
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}

// Prune removes entries saved before cutoff and abandoned temporary
// directories, returning how many entries were removed
func (s *Store) Prune(cutoff time.Time) (int, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	removed := 0
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, d.Name())
		info, err := d.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			if info.ModTime().Before(cutoff) {
				os.RemoveAll(path)
			}
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(path); err != nil {
				return removed, fmt.Errorf("prune cache: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func writeParquet[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeTable(wide *table.WideTable) ([]observationRow, int) {
	index := wide.Index()
	columns := wide.Columns()
	rows := make([]observationRow, 0, len(index))
	cells := 0
	for r, ts := range index {
		nanos := ts.UnixNano()
		rows = append(rows, observationRow{Timestamp: nanos, Column: axisColumn})
		for c, key := range columns {
			if v, ok := wide.Cell(r, key); ok {
				rows = append(rows, observationRow{Timestamp: nanos, Column: int32(c), Value: models.Float(v)})
				cells++
			}
		}
	}
	return rows, cells
}

func decodeTable(rows []observationRow, m *manifest) (*table.WideTable, error) {
	var index []time.Time
	rowOf := make(map[int64]int)
	for _, r := range rows {
		if r.Column == axisColumn {
			rowOf[r.Timestamp] = len(index)
			index = append(index, time.Unix(0, r.Timestamp).UTC())
		}
	}
	if len(index) != m.Rows {
		return nil, fmt.Errorf("%d axis rows, manifest records %d", len(index), m.Rows)
	}

	cells := make([][]*float64, len(m.Columns))
	for c := range cells {
		cells[c] = make([]*float64, len(index))
	}
	present := 0
	for _, r := range rows {
		if r.Column == axisColumn {
			continue
		}
		row, ok := rowOf[r.Timestamp]
		if !ok || r.Column < 0 || int(r.Column) >= len(cells) || r.Value == nil {
			return nil, fmt.Errorf("cell at %d column %d does not fit the table", r.Timestamp, r.Column)
		}
		cells[r.Column][row] = models.Float(*r.Value)
		present++
	}
	if present != m.Cells {
		return nil, fmt.Errorf("%d cells, manifest records %d", present, m.Cells)
	}
	return table.New(index, m.Columns, cells)
}
