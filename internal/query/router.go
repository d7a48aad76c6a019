// Package query federates reads across the hot and cold tiers. The
// caller never learns which tier served a sample.
package query

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/timeseries"
)

var log = logging.Component("query")

// HotReader serves the recent tier.
type HotReader interface {
	QueryRange(ctx context.Context, site string, points []string, startMs, endMs int64) ([]timeseries.Sample, error)
}

// ColdReader serves archived partitions.
type ColdReader interface {
	Read(ctx context.Context, site string, day timeseries.Day) ([]timeseries.Sample, error)
}

// Stats holds query statistics.
type Stats struct {
	Queries       atomic.Int64
	QueriesFailed atomic.Int64
	SamplesServed atomic.Int64
	ColdPartsRead atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Queries       int64 `json:"queries"`
	QueriesFailed int64 `json:"queries_failed"`
	SamplesServed int64 `json:"samples_served"`
	ColdPartsRead int64 `json:"cold_partitions_read"`
}

// Router plans and executes federated range reads.
type Router struct {
	hot      HotReader
	cold     ColdReader
	boundary timeseries.Boundary

	// now is replaceable for tests.
	now func() time.Time

	stats Stats
}

// NewRouter creates a query router for the given retention boundary.
func NewRouter(hot HotReader, cold ColdReader, boundary timeseries.Boundary) *Router {
	return &Router{hot: hot, cold: cold, boundary: boundary, now: time.Now}
}

// Query reads [startMs, endMs] for a site, splitting the range across
// tiers by the retention boundary. The hot and cold reads run in
// parallel; if either fails (a missing cold partition is not a failure)
// the whole request fails rather than returning a partial merge. Results
// are timestamp-ascending with no duplicate (point, timestamp) pairs; on
// a duplicate the hot tier's copy wins, since it carries the newer write.
func (r *Router) Query(ctx context.Context, site string, points []string, startMs, endMs int64) ([]timeseries.Sample, error) {
	if site == "" {
		return nil, errors.NewInvalidRequest("site is required")
	}
	if endMs < startMs {
		return nil, errors.NewInvalidRequest("end before start")
	}

	r.stats.Queries.Add(1)
	plan := timeseries.PlanQuery(startMs, endMs, r.now(), r.boundary)

	var (
		hotSamples  []timeseries.Sample
		coldSamples []timeseries.Sample
	)
	g, gctx := errgroup.WithContext(ctx)

	if plan.Hot != nil {
		g.Go(func() error {
			var err error
			hotSamples, err = r.hot.QueryRange(gctx, site, points, plan.Hot.StartMs, plan.Hot.EndMs)
			if err != nil {
				return errors.Wrap(err, "hot read")
			}
			return nil
		})
	}
	if len(plan.ColdDays) > 0 {
		g.Go(func() error {
			var err error
			coldSamples, err = r.readCold(gctx, site, points, plan.ColdDays, startMs, endMs)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		r.stats.QueriesFailed.Add(1)
		return nil, err
	}

	out := merge(hotSamples, coldSamples)
	r.stats.SamplesServed.Add(int64(len(out)))
	log.Debug("query served", "site", site, "hot", len(hotSamples),
		"cold", len(coldSamples), "merged", len(out))
	return out, nil
}

// readCold loads the plan's partitions in day order. A day with no
// archived object contributes nothing; partitions store whole days, so
// each is filtered back down to the requested range and point set.
func (r *Router) readCold(ctx context.Context, site string, points []string, days []timeseries.Day, startMs, endMs int64) ([]timeseries.Sample, error) {
	var (
		want = pointSet(points)
		out  []timeseries.Sample
	)
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, err := r.cold.Read(ctx, site, day)
		if errors.Is(err, errors.ErrNoPartition) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cold read %s", day)
		}
		r.stats.ColdPartsRead.Add(1)
		for _, s := range samples {
			if s.TimestampMs < startMs || s.TimestampMs > endMs {
				continue
			}
			if want != nil && !want[s.Point] {
				continue
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func pointSet(points []string) map[string]bool {
	if len(points) == 0 {
		return nil
	}
	set := make(map[string]bool, len(points))
	for _, p := range points {
		set[p] = true
	}
	return set
}

type sampleKey struct {
	point string
	ts    int64
}

// merge combines the two tiers: hot samples win on a duplicate key, and
// the result is sorted timestamp-ascending (point name breaking ties).
func merge(hot, cold []timeseries.Sample) []timeseries.Sample {
	seen := make(map[sampleKey]struct{}, len(hot))
	out := make([]timeseries.Sample, 0, len(hot)+len(cold))

	for _, s := range hot {
		k := sampleKey{s.Point, s.TimestampMs}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	for _, s := range cold {
		k := sampleKey{s.Point, s.TimestampMs}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampMs != out[j].TimestampMs {
			return out[i].TimestampMs < out[j].TimestampMs
		}
		return out[i].Point < out[j].Point
	})
	return out
}

// Stats returns a snapshot of query statistics.
func (r *Router) Stats() StatsSnapshot {
	return StatsSnapshot{
		Queries:       r.stats.Queries.Load(),
		QueriesFailed: r.stats.QueriesFailed.Load(),
		SamplesServed: r.stats.SamplesServed.Load(),
		ColdPartsRead: r.stats.ColdPartsRead.Load(),
	}
}
