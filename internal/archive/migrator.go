// Package archive moves whole closed days from the hot store into the
// cold columnar store once they fall behind the retention boundary.
package archive

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/timeseries"
)

var log = logging.Component("archive")

// HotStore is the hot-store surface the migrator needs.
type HotStore interface {
	Sites(ctx context.Context) ([]string, error)
	ListPartitionDays(ctx context.Context, site string, before timeseries.Day) ([]timeseries.Day, error)
	ReadPartition(ctx context.Context, site string, day timeseries.Day) ([]timeseries.Sample, error)
	DeletePartition(ctx context.Context, site string, day timeseries.Day) error
}

// ColdStore persists finished partitions.
type ColdStore interface {
	Write(ctx context.Context, site string, day timeseries.Day, samples []timeseries.Sample, meta map[string]string) error
}

// Stats holds archive statistics.
type Stats struct {
	RunsCompleted      atomic.Int64
	PartitionsArchived atomic.Int64
	PartitionsFailed   atomic.Int64
	SamplesArchived    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	RunsCompleted      int64 `json:"runs_completed"`
	PartitionsArchived int64 `json:"partitions_archived"`
	PartitionsFailed   int64 `json:"partitions_failed"`
	SamplesArchived    int64 `json:"samples_archived"`
}

// Result records the outcome for one (site, day) partition.
type Result struct {
	Site    string
	Day     timeseries.Day
	Samples int
	Err     error
}

// Migrator drains expired days out of the hot store.
type Migrator struct {
	hot      HotStore
	cold     ColdStore
	boundary timeseries.Boundary

	// now is replaceable for tests.
	now func() time.Time

	stats Stats
}

// NewMigrator creates a migrator for the given retention boundary.
func NewMigrator(hot HotStore, cold ColdStore, boundary timeseries.Boundary) *Migrator {
	return &Migrator{hot: hot, cold: cold, boundary: boundary, now: time.Now}
}

// Run performs one archive pass: for every site, every hot day strictly
// before the boundary cutoff day is written to the cold store and then
// deleted from the hot store, in that order. A failed partition is
// reported and skipped; the pass keeps going so one bad day cannot wedge
// the whole tier.
func (m *Migrator) Run(ctx context.Context) ([]Result, error) {
	cutoff := m.boundary.CutoffDay(m.now())

	sites, err := m.hot.Sites(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list sites")
	}

	var results []Result
	for _, site := range sites {
		days, err := m.hot.ListPartitionDays(ctx, site, cutoff)
		if err != nil {
			results = append(results, Result{Site: site, Err: err})
			m.stats.PartitionsFailed.Add(1)
			log.Error("partition enumeration failed", "site", site, "error", err)
			continue
		}
		for _, day := range days {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			res := m.migrate(ctx, site, day)
			results = append(results, res)
			if res.Err != nil {
				m.stats.PartitionsFailed.Add(1)
				log.Error("partition migration failed", "site", site, "day", day, "error", res.Err)
			} else {
				m.stats.PartitionsArchived.Add(1)
				m.stats.SamplesArchived.Add(int64(res.Samples))
				log.Info("partition archived", "site", site, "day", day, "samples", res.Samples)
			}
		}
	}

	m.stats.RunsCompleted.Add(1)
	return results, nil
}

// migrate moves a single day. The hot copy is only deleted after the
// cold write has fully succeeded; a crash in between leaves the day in
// both tiers, which the idempotent cold write and the query router's
// hot-wins merge both tolerate.
func (m *Migrator) migrate(ctx context.Context, site string, day timeseries.Day) Result {
	res := Result{Site: site, Day: day}

	samples, err := m.hot.ReadPartition(ctx, site, day)
	if err != nil {
		res.Err = errors.Wrapf(err, "read %s/%s", site, day)
		return res
	}
	res.Samples = len(samples)
	if len(samples) == 0 {
		return res
	}

	summaries, err := summarize(samples)
	if err != nil {
		res.Err = errors.Wrapf(err, "summarize %s/%s", site, day)
		return res
	}
	meta, err := summaryMeta(summaries)
	if err != nil {
		res.Err = errors.Wrapf(err, "encode summary %s/%s", site, day)
		return res
	}

	if err := m.cold.Write(ctx, site, day, samples, meta); err != nil {
		res.Err = errors.Wrapf(err, "write %s/%s", site, day)
		return res
	}
	if err := m.hot.DeletePartition(ctx, site, day); err != nil {
		res.Err = errors.Wrapf(err, "delete %s/%s", site, day)
		return res
	}
	return res
}

// Stats returns a snapshot of archive statistics.
func (m *Migrator) Stats() StatsSnapshot {
	return StatsSnapshot{
		RunsCompleted:      m.stats.RunsCompleted.Load(),
		PartitionsArchived: m.stats.PartitionsArchived.Load(),
		PartitionsFailed:   m.stats.PartitionsFailed.Load(),
		SamplesArchived:    m.stats.SamplesArchived.Load(),
	}
}
