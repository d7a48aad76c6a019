// Package hotstore provides the transactional hot tier holding the most
// recent retention window of samples. It uses DuckDB as the backing
// database.
//
// The hot store is mutated only by the ingestion writer (append) and the
// archival migrator (delete); the query router reads but never writes.
package hotstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/timeseries"
)

// =============================================================================
// Store
// =============================================================================

// Store provides hot-tier sample persistence.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if necessary) the hot store at path. An empty path
// opens an in-memory database.
func Open(path string) (*Store, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create hot store directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrate creates the schema if it does not exist. The primary key makes
// duplicate writes idempotent overwrites rather than errors.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS samples (
			site   VARCHAR NOT NULL,
			point  VARCHAR NOT NULL,
			ts_ms  BIGINT  NOT NULL,
			value  DOUBLE  NOT NULL,
			PRIMARY KEY (site, point, ts_ms)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// =============================================================================
// Transaction Support
// =============================================================================

// transaction executes fn within a database transaction, rolling back on
// error or panic.
func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// =============================================================================
// Writes
// =============================================================================

// maxSamplesPerInsert bounds parameters per multi-row INSERT statement.
// 4 columns * 250 rows = 1000 parameters per statement.
const maxSamplesPerInsert = 250

// UpsertBatch inserts samples, overwriting on (site, point, ts_ms)
// conflicts. Large batches are chunked inside one transaction.
func (s *Store) UpsertBatch(ctx context.Context, samples []timeseries.Sample) error {
	if s.isClosed() {
		return errors.ErrClosed
	}
	if len(samples) == 0 {
		return nil
	}

	if len(samples) <= maxSamplesPerInsert {
		query, args := buildUpsert(samples)
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	}

	return s.transaction(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(samples); i += maxSamplesPerInsert {
			end := i + maxSamplesPerInsert
			if end > len(samples) {
				end = len(samples)
			}
			query, args := buildUpsert(samples[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// buildUpsert builds a multi-row INSERT OR REPLACE statement.
func buildUpsert(samples []timeseries.Sample) (string, []interface{}) {
	const columnsPerRow = 4

	args := make([]interface{}, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(80 + len(samples)*12)
	query.WriteString(`INSERT OR REPLACE INTO samples (site, point, ts_ms, value) VALUES `)

	for i, smp := range samples {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?)")
		args = append(args, smp.Site, smp.Point, smp.TimestampMs, smp.Value)
	}

	return query.String(), args
}

// =============================================================================
// Reads
// =============================================================================

// QueryRange returns samples for a site and point set within the closed
// range [startMs, endMs], ordered timestamp ascending. An empty points
// slice matches every point.
func (s *Store) QueryRange(ctx context.Context, site string, points []string, startMs, endMs int64) ([]timeseries.Sample, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}

	var query strings.Builder
	query.WriteString(`
		SELECT site, point, ts_ms, value
		FROM samples
		WHERE site = ? AND ts_ms >= ? AND ts_ms <= ?`)
	args := []interface{}{site, startMs, endMs}
	if len(points) > 0 {
		query.WriteString(` AND point IN (`)
		for i, p := range points {
			if i > 0 {
				query.WriteByte(',')
			}
			query.WriteByte('?')
			args = append(args, p)
		}
		query.WriteByte(')')
	}
	query.WriteString(` ORDER BY ts_ms, point`)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// Sites returns the distinct site names present in the hot store.
func (s *Store) Sites(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT site FROM samples ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// =============================================================================
// Calendar partitions
// =============================================================================

// ListPartitionDays returns the UTC days for which the site holds samples,
// restricted to days strictly before the given day, ascending.
func (s *Store) ListPartitionDays(ctx context.Context, site string, before timeseries.Day) ([]timeseries.Day, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}

	// floor division keeps pre-epoch timestamps on the correct day.
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT CAST(floor(ts_ms / 86400000.0) AS BIGINT) AS day
		FROM samples
		WHERE site = ? AND CAST(floor(ts_ms / 86400000.0) AS BIGINT) < ?
		ORDER BY day
	`, site, int64(before))
	if err != nil {
		return nil, fmt.Errorf("list partition days: %w", err)
	}
	defer rows.Close()

	var days []timeseries.Day
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		days = append(days, timeseries.Day(d))
	}
	return days, rows.Err()
}

// ReadPartition returns all samples of one (site, day) calendar partition,
// ordered timestamp ascending.
func (s *Store) ReadPartition(ctx context.Context, site string, day timeseries.Day) ([]timeseries.Sample, error) {
	if s.isClosed() {
		return nil, errors.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT site, point, ts_ms, value
		FROM samples
		WHERE site = ? AND ts_ms >= ? AND ts_ms < ?
		ORDER BY ts_ms, point
	`, site, day.StartMillis(), day.EndMillis())
	if err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// DeletePartition removes all samples of one (site, day) partition. Called
// by the migrator strictly after the cold object write is durable.
func (s *Store) DeletePartition(ctx context.Context, site string, day timeseries.Day) error {
	if s.isClosed() {
		return errors.ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM samples WHERE site = ? AND ts_ms >= ? AND ts_ms < ?
	`, site, day.StartMillis(), day.EndMillis())
	if err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	return nil
}

// scanSamples scans rows into a Sample slice.
func scanSamples(rows *sql.Rows) ([]timeseries.Sample, error) {
	var samples []timeseries.Sample
	for rows.Next() {
		var smp timeseries.Sample
		if err := rows.Scan(&smp.Site, &smp.Point, &smp.TimestampMs, &smp.Value); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}
