// Package backfill imports historical day ranges from the upstream API
// straight into the cold store, resumable across process restarts.
//
// A backfill run walks its date range one calendar day at a time. Every
// page fetched is checkpointed to the run's persisted state, so a run
// interrupted mid-day resumes from the last cursor rather than refetching
// the whole range. A day is only marked DONE after its partition object
// has been durably written.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vitald/internal/ace"
	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/statestore"
	"github.com/xtxerr/vitald/internal/timeseries"
)

var log = logging.Component("backfill")

// Source fetches paginated upstream pages.
type Source interface {
	FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) (*ace.Page, error)
}

// ColdStore persists finished partitions.
type ColdStore interface {
	Write(ctx context.Context, site string, day timeseries.Day, samples []timeseries.Sample, meta map[string]string) error
}

// Request describes a backfill to start.
type Request struct {
	Site  string
	Start timeseries.Day
	End   timeseries.Day

	// Reset discards any per-day progress carried over from a previous
	// run covering the same days (the days are refetched from scratch).
	Reset bool

	// ConfirmEmptyDates lists days the caller attests genuinely have no
	// data upstream. Without the attestation an empty day is treated as
	// suspect and marked FAILED, because an expired token and a truly
	// empty day look identical on the wire.
	ConfirmEmptyDates []timeseries.Day
}

// Stats holds backfill statistics.
type Stats struct {
	RunsStarted   atomic.Int64
	RunsCompleted atomic.Int64
	DaysImported  atomic.Int64
	DaysFailed    atomic.Int64
	SamplesLoaded atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	DaysImported  int64 `json:"days_imported"`
	DaysFailed    int64 `json:"days_failed"`
	SamplesLoaded int64 `json:"samples_loaded"`
}

// Options bounds a single day's fetch loop.
type Options struct {
	MaxPagesPerDay int
}

// Importer executes backfill runs.
type Importer struct {
	src   Source
	cold  ColdStore
	state *statestore.Store
	opts  Options

	// now is replaceable for tests.
	now func() time.Time

	// partial buffers samples for days interrupted mid-fetch, keyed by
	// runID/day. The checkpointed cursor is only honored while its buffer
	// is held; after a restart the day refetches from the first page,
	// which the atomic full-object cold write makes safe.
	mu      sync.Mutex
	partial map[string][]timeseries.Sample

	stats Stats
}

// NewImporter creates a backfill importer.
func NewImporter(src Source, cold ColdStore, state *statestore.Store, opts Options) *Importer {
	if opts.MaxPagesPerDay <= 0 {
		opts.MaxPagesPerDay = 1000
	}
	return &Importer{
		src:     src,
		cold:    cold,
		state:   state,
		opts:    opts,
		now:     time.Now,
		partial: make(map[string][]timeseries.Sample),
	}
}

// Start registers a new run and claims its range. The claim guarantees
// no two live runs cover overlapping days for the same site. The run is
// persisted before Start returns, so a crash immediately after still
// leaves a resumable run. Call Resume to execute it.
func (im *Importer) Start(ctx context.Context, req Request) (string, error) {
	if req.Site == "" {
		return "", errors.NewInvalidRequest("site is required")
	}
	if req.End < req.Start {
		return "", errors.NewInvalidRequest("end date before start date")
	}

	if req.Reset {
		if err := im.discardOverlapping(req.Site, req.Start, req.End); err != nil {
			return "", err
		}
	}

	runID := uuid.NewString()
	if err := im.state.Claim(req.Site, runID, req.Start, req.End); err != nil {
		return "", err
	}

	now := im.now()
	st := &statestore.RunState{
		RunID:             runID,
		Site:              req.Site,
		RangeStart:        req.Start,
		RangeEnd:          req.End,
		ConfirmEmptyDates: req.ConfirmEmptyDates,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, d := range timeseries.DaysBetween(req.Start, req.End) {
		st.Day(d)
	}
	if err := im.state.SaveRun(st); err != nil {
		im.state.ReleaseClaim(req.Site, runID)
		return "", err
	}

	im.stats.RunsStarted.Add(1)
	log.Info("run registered", "run_id", runID, "site", req.Site,
		"start", req.Start, "end", req.End)
	return runID, nil
}

// discardOverlapping deletes prior runs for the site whose range overlaps
// [start, end], releasing their claims. This is how reset=true unwedges a
// range whose run died mid-flight: the stale state and claim are dropped
// and the days refetch from scratch.
func (im *Importer) discardOverlapping(site string, start, end timeseries.Day) error {
	runs, err := im.state.ListRuns(site)
	if err != nil {
		return err
	}
	for _, prior := range runs {
		if prior.RangeStart > end || start > prior.RangeEnd {
			continue
		}
		if err := im.state.DeleteRun(prior.RunID); err != nil {
			return errors.Wrapf(err, "discard run %s", prior.RunID)
		}
		log.Info("prior run discarded", "run_id", prior.RunID, "site", site,
			"start", prior.RangeStart, "end", prior.RangeEnd)
	}
	return nil
}

// ResumeAll resumes every persisted run that has not finished its range.
// Called at daemon startup so runs interrupted by a crash pick up from
// their recorded state without operator intervention.
func (im *Importer) ResumeAll(ctx context.Context) error {
	runs, err := im.state.ListRuns("")
	if err != nil {
		return err
	}
	for _, st := range runs {
		if st.Complete() {
			continue
		}
		log.Info("resuming interrupted run", "run_id", st.RunID, "site", st.Site)
		if err := im.Resume(ctx, st.RunID); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Error("interrupted run failed to resume", "run_id", st.RunID, "error", err)
		}
	}
	return nil
}

// Resume executes a run from wherever it left off: DONE days are
// skipped, a day interrupted mid-fetch resumes from its checkpointed
// cursor, FAILED days are retried. Transient day failures are recorded
// and the walk continues; an authentication failure halts the run
// immediately since every remaining day would fail the same way.
func (im *Importer) Resume(ctx context.Context, runID string) error {
	st, err := im.state.GetRun(runID)
	if err != nil {
		return err
	}
	ctx = logging.ContextWithRunID(logging.ContextWithSite(ctx, st.Site), runID)
	rlog := logging.WithContext(ctx).With("component", "backfill")

	for _, day := range timeseries.DaysBetween(st.RangeStart, st.RangeEnd) {
		if err := ctx.Err(); err != nil {
			return err
		}
		ds := st.Day(day)
		if ds.Status == statestore.StatusDone {
			continue
		}

		err := im.importDay(ctx, st, day, ds)
		switch {
		case err == nil:
			im.stats.DaysImported.Add(1)
		case errors.IsAuth(err):
			ds.Status = statestore.StatusFailed
			st.RecordError(day, err.Error(), im.now())
			im.stats.DaysFailed.Add(1)
			im.saveRun(st)
			rlog.Error("run halted on authentication failure", "day", day)
			return err
		default:
			ds.Status = statestore.StatusFailed
			st.RecordError(day, err.Error(), im.now())
			im.stats.DaysFailed.Add(1)
			rlog.Warn("day failed", "day", day, "error", err)
		}
		im.saveRun(st)
	}

	if st.Complete() {
		if err := im.state.ReleaseClaim(st.Site, runID); err != nil {
			return err
		}
		im.stats.RunsCompleted.Add(1)
		rlog.Info("run complete", "days", len(st.CompletedDates))
	}
	return nil
}

// importDay fetches one day and writes its partition. The DONE marker is
// only persisted after the cold write returns, so a crash between write
// and marker at worst rewrites the same partition on resume.
func (im *Importer) importDay(ctx context.Context, st *statestore.RunState, day timeseries.Day, ds *statestore.DayState) error {
	ds.Status = statestore.StatusFetching

	bufKey := st.RunID + "/" + day.String()
	im.mu.Lock()
	samples, buffered := im.partial[bufKey]
	delete(im.partial, bufKey)
	im.mu.Unlock()

	if !buffered || ds.Cursor == "" {
		// No buffer to pair with the checkpointed cursor (fresh day, or
		// this process was restarted): refetch the day from page one.
		samples = nil
		ds.Cursor = ""
		ds.Pages = 0
		ds.Samples = 0
	}

	start, end := day.Start(), day.End()

	for ds.Pages < im.opts.MaxPagesPerDay {
		page, err := im.src.FetchPage(ctx, st.Site, start, end, ds.Cursor)
		if err != nil {
			im.mu.Lock()
			im.partial[bufKey] = samples
			im.mu.Unlock()
			return err
		}
		ds.Pages++

		for _, p := range page.Points {
			smp, err := p.Sample(st.Site)
			if err != nil {
				logging.WithContext(ctx).Debug("sample dropped", "day", day, "error", err)
				continue
			}
			samples = append(samples, smp)
		}

		ds.Cursor = page.NextCursor
		ds.Samples = int64(len(samples))
		// Checkpoint after every page so an interrupted day resumes from
		// its cursor instead of starting over.
		im.saveRun(st)

		if ds.Cursor == "" {
			break
		}
	}

	if ds.Cursor != "" {
		im.mu.Lock()
		im.partial[bufKey] = samples
		im.mu.Unlock()
		return fmt.Errorf("day %s: page cap %d reached with cursor outstanding", day, im.opts.MaxPagesPerDay)
	}

	if len(samples) == 0 && !st.ConfirmedEmpty(day) {
		// Indistinguishable from a silently failing token; refuse to
		// mark the day complete without an explicit attestation.
		return errors.Wrapf(errors.ErrAmbiguousEmpty, "day %s", day)
	}

	if len(samples) > 0 {
		if err := im.cold.Write(ctx, st.Site, day, samples, nil); err != nil {
			return err
		}
		im.stats.SamplesLoaded.Add(int64(len(samples)))
	}

	now := im.now()
	ds.Status = statestore.StatusDone
	ds.Cursor = ""
	ds.CompletedAt = &now
	st.CompletedDates = append(st.CompletedDates, day)
	logging.WithContext(ctx).Info("day imported", "day", day,
		"pages", ds.Pages, "samples", ds.Samples)
	return nil
}

// Status returns the persisted state of a run.
func (im *Importer) Status(runID string) (*statestore.RunState, error) {
	return im.state.GetRun(runID)
}

// Runs lists persisted runs for a site.
func (im *Importer) Runs(site string) ([]*statestore.RunState, error) {
	return im.state.ListRuns(site)
}

func (im *Importer) saveRun(st *statestore.RunState) {
	st.UpdatedAt = im.now()
	if err := im.state.SaveRun(st); err != nil {
		log.Error("state checkpoint failed", "run_id", st.RunID, "error", err)
	}
}

// Stats returns a snapshot of backfill statistics.
func (im *Importer) Stats() StatsSnapshot {
	return StatsSnapshot{
		RunsStarted:   im.stats.RunsStarted.Load(),
		RunsCompleted: im.stats.RunsCompleted.Load(),
		DaysImported:  im.stats.DaysImported.Load(),
		DaysFailed:    im.stats.DaysFailed.Load(),
		SamplesLoaded: im.stats.SamplesLoaded.Load(),
	}
}
