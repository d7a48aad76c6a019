// Package server exposes the read and control plane over HTTP:
// federated range queries, backfill control, health, and stats.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/vitald/internal/backfill"
	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/logging"
	"github.com/xtxerr/vitald/internal/statestore"
	"github.com/xtxerr/vitald/internal/timeseries"
)

var log = logging.Component("server")

// Querier serves federated range reads.
type Querier interface {
	Query(ctx context.Context, site string, points []string, startMs, endMs int64) ([]timeseries.Sample, error)
}

// BackfillController starts and inspects backfill runs.
type BackfillController interface {
	Start(ctx context.Context, req backfill.Request) (string, error)
	Resume(ctx context.Context, runID string) error
	Status(runID string) (*statestore.RunState, error)
	Runs(site string) ([]*statestore.RunState, error)
}

// Health reports component health signals.
type Health interface {
	AuthFailed() bool
}

// StatsFunc returns the process-wide stats document.
type StatsFunc func() any

// Options configures the server.
type Options struct {
	Listen       string
	QueryTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	querier  Querier
	backfill BackfillController
	health   Health
	stats    StatsFunc
	opts     Options

	httpSrv *http.Server
}

// New creates a server; call Start to begin serving.
func New(querier Querier, bf BackfillController, health Health, stats StatsFunc, opts Options) *Server {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	s := &Server{querier: querier, backfill: bf, health: health, stats: stats, opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/query", s.handleQuery)
	mux.HandleFunc("POST /api/backfill", s.handleBackfillStart)
	mux.HandleFunc("POST /api/backfill/resume", s.handleBackfillResume)
	mux.HandleFunc("GET /api/backfill", s.handleBackfillStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              opts.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving on the configured listen address. It returns once
// the listener is bound; serving continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.opts.Listen)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", "error", err)
		}
	}()
	log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// === query ===

type querySample struct {
	PointName string  `json:"point_name"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type queryResponse struct {
	Samples []querySample `json:"samples"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	site := q.Get("site_name")

	startMs, err := parseMillis(q.Get("start_time"))
	if err != nil {
		writeError(w, errors.NewInvalidRequest("invalid start_time"))
		return
	}
	endMs, err := parseMillis(q.Get("end_time"))
	if err != nil {
		writeError(w, errors.NewInvalidRequest("invalid end_time"))
		return
	}

	var points []string
	if raw := q.Get("point_names"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				points = append(points, p)
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()

	samples, err := s.querier.Query(ctx, site, points, startMs, endMs)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := queryResponse{Samples: make([]querySample, 0, len(samples))}
	for _, smp := range samples {
		resp.Samples = append(resp.Samples, querySample{
			PointName: smp.Point,
			Timestamp: smp.TimestampMs,
			Value:     smp.Value,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// === backfill ===

type backfillRequest struct {
	Site         string           `json:"site"`
	StartDate    timeseries.Day   `json:"start_date"`
	EndDate      timeseries.Day   `json:"end_date"`
	Reset        bool             `json:"reset,omitempty"`
	ConfirmEmpty []timeseries.Day `json:"confirm_empty,omitempty"`
}

type backfillResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewInvalidRequest("invalid request body"))
		return
	}

	runID, err := s.backfill.Start(r.Context(), backfill.Request{
		Site:              req.Site,
		Start:             req.StartDate,
		End:               req.EndDate,
		Reset:             req.Reset,
		ConfirmEmptyDates: req.ConfirmEmpty,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// The run executes in the background; progress is polled via state.
	go func() {
		if err := s.backfill.Resume(context.Background(), runID); err != nil {
			log.Error("backfill run failed", "run_id", runID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, backfillResponse{RunID: runID})
}

type backfillResumeRequest struct {
	RunID string `json:"run_id"`
}

// handleBackfillResume re-invokes an interrupted or partially failed run:
// DONE days are skipped, FAILED days retried, checkpointed cursors honored.
func (s *Server) handleBackfillResume(w http.ResponseWriter, r *http.Request) {
	var req backfillResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunID == "" {
		writeError(w, errors.NewInvalidRequest("run_id is required"))
		return
	}

	// Reject unknown runs synchronously; the resume itself runs in the
	// background and is polled via state like a fresh start.
	if _, err := s.backfill.Status(req.RunID); err != nil {
		writeError(w, err)
		return
	}

	go func() {
		if err := s.backfill.Resume(context.Background(), req.RunID); err != nil {
			log.Error("backfill resume failed", "run_id", req.RunID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, backfillResponse{RunID: req.RunID})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if runID := q.Get("run_id"); runID != "" {
		st, err := s.backfill.Status(runID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	if site := q.Get("site"); site != "" {
		runs, err := s.backfill.Runs(site)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		return
	}
	writeError(w, errors.NewInvalidRequest("run_id or site is required"))
}

// === health and stats ===

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && s.health.AuthFailed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "upstream authentication failing",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats())
}

// === helpers ===

func parseMillis(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsValidation(err):
		code = http.StatusBadRequest
	case errors.IsNotFound(err):
		code = http.StatusNotFound
	case errors.Is(err, errors.ErrRangeClaimed):
		code = http.StatusConflict
	case errors.IsRetriable(err):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
