// Package ingest implements the ingestion writer: on each tick it pages
// through the upstream API for newly collected samples and appends them to
// the hot store in page-sized batches.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/vitald/internal/ace"
	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/timeseries"
)

// Source fetches paginated upstream pages.
type Source interface {
	FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) (*ace.Page, error)
}

// HotWriter appends samples to the hot store.
type HotWriter interface {
	UpsertBatch(ctx context.Context, samples []timeseries.Sample) error
}

// Options configures the writer.
type Options struct {
	// Interval between ticks; also the default window when a site has no
	// previous tick.
	Interval time.Duration

	// WindowOverlap widens each window backwards so tick boundaries never
	// drop samples. The hot store's idempotent upserts absorb the overlap.
	WindowOverlap time.Duration

	// MaxPages caps pages per tick.
	MaxPages int
}

// Stats holds ingestion statistics.
type Stats struct {
	TicksCompleted  atomic.Int64 `json:"-"`
	TicksFailed     atomic.Int64 `json:"-"`
	PagesFetched    atomic.Int64 `json:"-"`
	SamplesIngested atomic.Int64 `json:"-"`
	SamplesDropped  atomic.Int64 `json:"-"`
	AuthFailures    atomic.Int64 `json:"-"`
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TicksCompleted  int64 `json:"ticks_completed"`
	TicksFailed     int64 `json:"ticks_failed"`
	PagesFetched    int64 `json:"pages_fetched"`
	SamplesIngested int64 `json:"samples_ingested"`
	SamplesDropped  int64 `json:"samples_dropped"`
	AuthFailures    int64 `json:"auth_failures"`
}

// Writer is the ingestion writer. One Writer serves all sites; the
// scheduler guarantees ticks for the same site never overlap.
type Writer struct {
	src  Source
	hot  HotWriter
	opts Options

	// now is replaceable for tests.
	now func() time.Time

	mu       sync.Mutex
	lastTick map[string]time.Time

	// authFailed is sticky until the next successful tick; it is the
	// operator-visible signal that the bearer token has gone stale.
	authFailed atomic.Bool

	stats Stats
}

// NewWriter creates an ingestion writer.
func NewWriter(src Source, hot HotWriter, opts Options) *Writer {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}

	return &Writer{
		src:      src,
		hot:      hot,
		opts:     opts,
		now:      time.Now,
		lastTick: make(map[string]time.Time),
	}
}

// Tick syncs one site: it pages through the upstream cursor until no
// cursor remains, validating and appending each page. A transport failure
// aborts the tick and is retried on the next scheduled tick; an
// authentication failure additionally raises the sticky operator flag.
func (w *Writer) Tick(ctx context.Context, site string) error {
	ctx = logging.ContextWithSite(ctx, site)
	tlog := logging.WithContext(ctx).With("component", "ingest")

	end := w.now()
	start := w.windowStart(site, end)

	var (
		cursor   string
		pages    int
		ingested int64
		dropped  int64
	)

	for pages < w.opts.MaxPages {
		page, err := w.src.FetchPage(ctx, site, start, end, cursor)
		if err != nil {
			w.stats.TicksFailed.Add(1)
			if errors.IsAuth(err) {
				w.authFailed.Store(true)
				w.stats.AuthFailures.Add(1)
				tlog.Error("authentication failed, operator action required", "error", err)
				return errors.Wrapf(err, "tick %s", site)
			}
			tlog.Warn("tick aborted, retrying next tick", "error", err)
			return errors.Wrapf(err, "tick %s", site)
		}
		pages++
		w.stats.PagesFetched.Add(1)

		batch := make([]timeseries.Sample, 0, len(page.Points))
		for _, p := range page.Points {
			smp, err := p.Sample(site)
			if err != nil {
				dropped++
				tlog.Debug("sample dropped", "point", p.Name, "error", err)
				continue
			}
			batch = append(batch, smp)
		}

		if len(batch) > 0 {
			if err := w.hot.UpsertBatch(ctx, batch); err != nil {
				w.stats.TicksFailed.Add(1)
				return errors.Wrapf(err, "append %s", site)
			}
			ingested += int64(len(batch))
		}

		// A page may legitimately carry zero samples; only a null cursor
		// ends the window.
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	if cursor != "" {
		// Page cap hit with data still outstanding. Keep the watermark
		// where it was so the next tick refetches the window instead of
		// skipping everything past the cap.
		w.stats.TicksFailed.Add(1)
		tlog.Warn("tick aborted at page cap", "pages", pages)
		return fmt.Errorf("tick %s: page cap %d reached with cursor outstanding", site, w.opts.MaxPages)
	}

	w.stats.SamplesIngested.Add(ingested)
	w.stats.SamplesDropped.Add(dropped)
	w.stats.TicksCompleted.Add(1)
	w.authFailed.Store(false)

	w.mu.Lock()
	w.lastTick[site] = end
	w.mu.Unlock()

	if dropped > 0 {
		tlog.Warn("tick dropped invalid samples", "dropped", dropped)
	}
	tlog.Info("tick complete", "pages", pages, "samples", ingested)
	return nil
}

// windowStart computes the tick window's start: the previous successful
// tick minus the overlap, or one interval back on the first tick.
func (w *Writer) windowStart(site string, end time.Time) time.Time {
	w.mu.Lock()
	last, ok := w.lastTick[site]
	w.mu.Unlock()

	if !ok {
		last = end.Add(-w.opts.Interval)
	}
	return last.Add(-w.opts.WindowOverlap)
}

// AuthFailed reports whether the last tick hit an authentication failure.
// Surfaced through the health endpoint as the operator channel.
func (w *Writer) AuthFailed() bool {
	return w.authFailed.Load()
}

// Stats returns a snapshot of ingestion statistics.
func (w *Writer) Stats() StatsSnapshot {
	return StatsSnapshot{
		TicksCompleted:  w.stats.TicksCompleted.Load(),
		TicksFailed:     w.stats.TicksFailed.Load(),
		PagesFetched:    w.stats.PagesFetched.Load(),
		SamplesIngested: w.stats.SamplesIngested.Load(),
		SamplesDropped:  w.stats.SamplesDropped.Load(),
		AuthFailures:    w.stats.AuthFailures.Load(),
	}
}
