// vitald is the tiered time-series lifecycle daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/vitald/internal/ace"
	"github.com/xtxerr/vitald/internal/archive"
	"github.com/xtxerr/vitald/internal/backfill"
	"github.com/xtxerr/vitald/internal/coldstore"
	"github.com/xtxerr/vitald/internal/config"
	"github.com/xtxerr/vitald/internal/hotstore"
	"github.com/xtxerr/vitald/internal/ingest"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/query"
	"github.com/xtxerr/vitald/internal/scheduler"
	"github.com/xtxerr/vitald/internal/server"
	"github.com/xtxerr/vitald/internal/statestore"
	"github.com/xtxerr/vitald/internal/timeseries"
)

// Version is set at build time via ldflags
var Version = "dev"

// archiveRunner adapts the migrator's result-returning Run to the
// scheduler's error-only trigger.
type archiveRunner struct {
	m *archive.Migrator
}

func (a archiveRunner) Run(ctx context.Context) error {
	_, err := a.m.Run(ctx)
	return err
}

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	token := flag.String("token", "", "upstream API token (or VITALD_TOKEN env)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.Default()
		} else {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *token != "" {
		cfg.Upstream.Token = *token
	} else if env := os.Getenv("VITALD_TOKEN"); env != "" && cfg.Upstream.Token == "" {
		cfg.Upstream.Token = env
	}

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logging.Init(level, cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("vitald starting", "version", Version)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// =========================================================================
	// Storage tiers and backfill state
	// =========================================================================

	hot, err := hotstore.Open(cfg.HotPath())
	if err != nil {
		log.Error("open hot store", "error", err)
		os.Exit(1)
	}

	cold, err := coldstore.Open(cfg.ColdDir())
	if err != nil {
		log.Error("open cold store", "error", err)
		os.Exit(1)
	}

	state, err := statestore.Open(cfg.StateDir())
	if err != nil {
		log.Error("open state store", "error", err)
		os.Exit(1)
	}

	// =========================================================================
	// Workers
	// =========================================================================

	client := ace.NewClient(ace.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		Token:          cfg.Upstream.Token,
		PageSize:       cfg.Upstream.PageSize,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		MaxRetries:     cfg.Upstream.MaxRetries,
		RetryBackoff:   cfg.Upstream.RetryBackoff,
	})

	boundary := timeseries.Boundary(cfg.Retention.BoundaryDays)

	writer := ingest.NewWriter(client, hot, ingest.Options{
		Interval:      cfg.Ingest.Interval,
		WindowOverlap: cfg.Ingest.WindowOverlap,
		MaxPages:      cfg.Ingest.MaxPages,
	})
	migrator := archive.NewMigrator(hot, cold, boundary)
	importer := backfill.NewImporter(client, cold, state, backfill.Options{
		MaxPagesPerDay: cfg.Backfill.MaxPagesPerDay,
	})
	router := query.NewRouter(hot, cold, boundary)

	sched := scheduler.New(writer, archiveRunner{migrator}, client, scheduler.Options{
		Sites:           cfg.Sites,
		IngestInterval:  cfg.Ingest.Interval,
		ArchiveInterval: cfg.Archive.Interval,
	})

	// =========================================================================
	// HTTP front end
	// =========================================================================

	statsFn := func() any {
		return map[string]any{
			"ingest":   writer.Stats(),
			"archive":  migrator.Stats(),
			"backfill": importer.Stats(),
			"query":    router.Stats(),
		}
	}
	srv := server.New(router, importer, writer, statsFn, server.Options{
		Listen:       cfg.Listen,
		QueryTimeout: cfg.Query.Timeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		log.Error("start scheduler", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		log.Error("start server", "error", err)
		os.Exit(1)
	}

	// Pick up backfill runs interrupted by the previous shutdown or crash.
	go func() {
		if err := importer.ResumeAll(ctx); err != nil && ctx.Err() == nil {
			log.Error("resume interrupted runs", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	sched.Stop()

	if err := hot.Close(); err != nil {
		log.Warn("close hot store", "error", err)
	}
	if err := state.Close(); err != nil {
		log.Warn("close state store", "error", err)
	}
	log.Info("vitald stopped")
}
