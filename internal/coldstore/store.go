// Package coldstore implements the immutable cold tier: one compressed
// columnar object per (site, UTC-day) calendar partition, laid out under
// the canonical partition key. There is no index; readers resolve objects
// purely from the key, and a missing object means "no data for that date".
package coldstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/timeseries"
)

var log = logging.Component("coldstore")

// sampleRow is a sample in Parquet format.
type sampleRow struct {
	Site        string  `parquet:"site,zstd"`
	Point       string  `parquet:"point,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
	Value       float64 `parquet:"value"`
}

func toRow(s *timeseries.Sample) sampleRow {
	return sampleRow{
		Site:        s.Site,
		Point:       s.Point,
		TimestampMs: s.TimestampMs,
		Value:       s.Value,
	}
}

func fromRow(r *sampleRow) timeseries.Sample {
	return timeseries.Sample{
		Site:        r.Site,
		Point:       r.Point,
		TimestampMs: r.TimestampMs,
		Value:       r.Value,
	}
}

// Store is a cold-tier object store rooted at a local directory.
//
// Objects are immutable once written; "overwrite" replaces the whole
// object atomically, never edits it in place.
type Store struct {
	root string
}

// Open creates a cold store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cold store root: %w", err)
	}
	return &Store{root: dir}, nil
}

// objectPath resolves the canonical partition key under the store root.
func (s *Store) objectPath(site string, day timeseries.Day) string {
	return filepath.Join(s.root, filepath.FromSlash(timeseries.PartitionKey(site, day)))
}

// Write encodes samples into one columnar object for the (site, day)
// partition and installs it at the canonical key. The object is staged to
// a temporary file and renamed into place, so concurrent readers observe
// either the old object or the new one, never a partial write. Samples are
// stored timestamp ascending. meta entries are recorded as file key/value
// metadata.
func (s *Store) Write(ctx context.Context, site string, day timeseries.Day, samples []timeseries.Sample, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.objectPath(site, day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition directory: %w", err)
	}

	rows := make([]sampleRow, len(samples))
	for i := range samples {
		rows[i] = toRow(&samples[i])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TimestampMs != rows[j].TimestampMs {
			return rows[i].TimestampMs < rows[j].TimestampMs
		}
		return rows[i].Point < rows[j].Point
	})

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}

	opts := []parquet.WriterOption{
		parquet.Compression(&parquet.Zstd),
	}
	for k, v := range meta {
		opts = append(opts, parquet.KeyValueMetadata(k, v))
	}

	w := parquet.NewGenericWriter[sampleRow](f, opts...)
	if _, err := w.Write(rows); err != nil {
		w.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close object: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install object: %w", err)
	}

	log.Debug("partition written", "site", site, "day", day.String(), "samples", len(rows))
	return nil
}

// Read returns all samples of the (site, day) partition, timestamp
// ascending. Returns ErrNoPartition when no object exists for the key;
// callers treat that as absence of data, not an error.
func (s *Store) Read(ctx context.Context, site string, day timeseries.Day) ([]timeseries.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.objectPath(site, day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNoPartition, "%s %s", site, day)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[sampleRow](f)
	defer r.Close()

	rows := make([]sampleRow, r.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}

	n, err := r.Read(rows)
	if err != nil && n < len(rows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	samples := make([]timeseries.Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = fromRow(&rows[i])
	}
	return samples, nil
}

// ListDays returns the days for which the site has archived partitions,
// ascending. Used for operator-facing coverage reporting.
func (s *Store) ListDays(site string) ([]timeseries.Day, error) {
	pattern := filepath.Join(s.root, "timeseries", "*", "*", "*", site+timeseries.PartitionExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	days := make([]timeseries.Day, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(s.root, m)
		if err != nil {
			continue
		}
		_, day, err := timeseries.ParsePartitionKey(filepath.ToSlash(rel))
		if err != nil {
			continue
		}
		days = append(days, day)
	}

	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
	return days, nil
}
