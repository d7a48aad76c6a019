// Package scheduler drives the periodic work: ingestion ticks per site
// and archive passes. It owns the timers so the workers stay pure
// functions over explicit state, testable without a clock.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/vitald/internal/logging"
)

var log = logging.Component("scheduler")

// Ingester runs one ingestion tick for a site.
type Ingester interface {
	Tick(ctx context.Context, site string) error
}

// Archiver runs one archive pass.
type Archiver interface {
	Run(ctx context.Context) error
}

// SiteLister discovers the sites to ingest when none are configured.
type SiteLister interface {
	Sites(ctx context.Context) ([]string, error)
}

// Options configures the scheduler.
type Options struct {
	// Sites to ingest. Empty means discover from the lister at startup.
	Sites []string

	IngestInterval  time.Duration
	ArchiveInterval time.Duration
}

// Scheduler runs the periodic loops until stopped.
type Scheduler struct {
	ingester Ingester
	archiver Archiver
	lister   SiteLister
	opts     Options

	// flight collapses overlapping triggers: a tick for a site that is
	// still running is joined, not duplicated, so slow upstreams cannot
	// stack requests.
	flight singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(ingester Ingester, archiver Archiver, lister SiteLister, opts Options) *Scheduler {
	if opts.IngestInterval <= 0 {
		opts.IngestInterval = 5 * time.Minute
	}
	if opts.ArchiveInterval <= 0 {
		opts.ArchiveInterval = time.Hour
	}
	return &Scheduler{ingester: ingester, archiver: archiver, lister: lister, opts: opts}
}

// Start launches the loops. Sites are resolved once at startup; an
// empty configured list falls back to upstream discovery.
func (s *Scheduler) Start(ctx context.Context) error {
	sites := s.opts.Sites
	if len(sites) == 0 && s.lister != nil {
		discovered, err := s.lister.Sites(ctx)
		if err != nil {
			return err
		}
		sites = discovered
		log.Info("sites discovered", "count", len(sites))
	}

	ctx, s.cancel = context.WithCancel(ctx)

	for _, site := range sites {
		s.wg.Add(1)
		go func(site string) {
			defer s.wg.Done()
			s.ingestLoop(ctx, site)
		}(site)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.archiveLoop(ctx)
	}()

	log.Info("scheduler started", "sites", len(sites),
		"ingest_interval", s.opts.IngestInterval,
		"archive_interval", s.opts.ArchiveInterval)
	return nil
}

// Stop cancels the loops and waits for in-flight work to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Info("scheduler stopped")
}

// TriggerIngest runs (or joins) an ingestion tick for a site.
func (s *Scheduler) TriggerIngest(ctx context.Context, site string) error {
	_, err, _ := s.flight.Do("ingest:"+site, func() (interface{}, error) {
		return nil, s.ingester.Tick(ctx, site)
	})
	return err
}

// TriggerArchive runs (or joins) an archive pass.
func (s *Scheduler) TriggerArchive(ctx context.Context) error {
	_, err, _ := s.flight.Do("archive", func() (interface{}, error) {
		return nil, s.archiver.Run(ctx)
	})
	return err
}

func (s *Scheduler) ingestLoop(ctx context.Context, site string) {
	// First tick immediately; the loop keeps its cadence from there.
	if err := s.TriggerIngest(ctx, site); err != nil && ctx.Err() == nil {
		log.Warn("ingest tick failed", "site", site, "error", err)
	}

	ticker := time.NewTicker(s.opts.IngestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.TriggerIngest(ctx, site); err != nil && ctx.Err() == nil {
				log.Warn("ingest tick failed", "site", site, "error", err)
			}
		}
	}
}

func (s *Scheduler) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ArchiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.TriggerArchive(ctx); err != nil && ctx.Err() == nil {
				log.Warn("archive pass failed", "error", err)
			}
		}
	}
}
