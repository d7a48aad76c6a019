// Package statestore provides durable control-plane persistence for
// backfill progress and retry bookkeeping, backed by BadgerDB.
//
// All cross-component coordination goes through this store rather than
// in-memory locks, so crash recovery is simply "resume from persisted
// state". Values are JSON so operators can inspect runs with standard
// badger tooling.
package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/vitald/internal/errors"
	"github.com/xtxerr/vitald/internal/timeseries"
)

// =============================================================================
// Persisted types
// =============================================================================

// Status is the per-day backfill state machine.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusFetching Status = "FETCHING"
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
)

// DayState tracks progress for one calendar day of a run.
type DayState struct {
	Status Status `json:"status"`

	// Cursor is the pagination checkpoint, updated after every page so a
	// crashed run resumes mid-day.
	Cursor string `json:"cursor,omitempty"`

	// Pages and Samples count work done so far for the day.
	Pages   int   `json:"pages"`
	Samples int64 `json:"samples"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunError is one recorded failure, ordered by occurrence.
type RunError struct {
	Date      timeseries.Day `json:"date"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunState is the persisted state of one backfill run. It is created when
// the run starts, mutated after every page fetched and after every date
// fully drained, and never touched by any other component.
type RunState struct {
	RunID string `json:"run_id"`
	Site  string `json:"site"`

	RangeStart timeseries.Day `json:"range_start_date"`
	RangeEnd   timeseries.Day `json:"range_end_date"`

	// Days maps day strings ("2006-01-02") to their state.
	Days map[string]*DayState `json:"days"`

	// CompletedDates lists days whose cold object is durably written,
	// append order.
	CompletedDates []timeseries.Day `json:"completed_dates"`

	// ConfirmEmptyDates lists days the caller attests have no upstream
	// data; only these may go DONE on an empty response.
	ConfirmEmptyDates []timeseries.Day `json:"confirm_empty_dates,omitempty"`

	Errors []RunError `json:"errors"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Day returns the state for a day, creating a PENDING entry on first use.
func (st *RunState) Day(d timeseries.Day) *DayState {
	if st.Days == nil {
		st.Days = make(map[string]*DayState)
	}
	ds, ok := st.Days[d.String()]
	if !ok {
		ds = &DayState{Status: StatusPending}
		st.Days[d.String()] = ds
	}
	return ds
}

// ConfirmedEmpty reports whether the caller attested the day has no data.
func (st *RunState) ConfirmedEmpty(d timeseries.Day) bool {
	for _, c := range st.ConfirmEmptyDates {
		if c == d {
			return true
		}
	}
	return false
}

// RecordError appends an error record for a day.
func (st *RunState) RecordError(d timeseries.Day, msg string, now time.Time) {
	st.Errors = append(st.Errors, RunError{Date: d, Message: msg, Timestamp: now})
}

// Complete reports whether every day in the range is DONE.
func (st *RunState) Complete() bool {
	for _, d := range timeseries.DaysBetween(st.RangeStart, st.RangeEnd) {
		ds, ok := st.Days[d.String()]
		if !ok || ds.Status != StatusDone {
			return false
		}
	}
	return true
}

// claim records a live run's hold on a (site, range).
type claim struct {
	RunID string         `json:"run_id"`
	Start timeseries.Day `json:"start"`
	End   timeseries.Day `json:"end"`
}

// =============================================================================
// Store
// =============================================================================

// Key layout:
//
//	backfill:run:<runID>      -> RunState JSON
//	backfill:claims:<site>    -> []claim JSON (live ranges)
func runKey(runID string) []byte {
	return []byte("backfill:run:" + runID)
}

func claimsKey(site string) []byte {
	return []byte("backfill:claims:" + site)
}

// Store is a badger-backed control-plane store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) the state store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // quiet; we log through our own logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun persists a run state. Called after every page and every day
// transition; badger writes are atomic per transaction.
func (s *Store) SaveRun(st *RunState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(st.RunID), data)
	})
}

// GetRun loads a run state by ID.
func (s *Store) GetRun(runID string) (*RunState, error) {
	var st RunState

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.Wrapf(errors.ErrRunNotFound, "run %s", runID)
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// DeleteRun removes a run state and releases its claim.
func (s *Store) DeleteRun(runID string) error {
	st, err := s.GetRun(runID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.ReleaseClaim(st.Site, runID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(runID))
	})
}

// ListRuns returns all persisted runs for a site, or all sites when site
// is empty.
func (s *Store) ListRuns(site string) ([]*RunState, error) {
	var runs []*RunState

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("backfill:run:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var st RunState
				if err := json.Unmarshal(val, &st); err != nil {
					return err
				}
				if site == "" || st.Site == site {
					runs = append(runs, &st)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// =============================================================================
// Range claims
// =============================================================================

// Claim registers a run's hold on a (site, date range) before any fetching
// starts. It fails with ErrRangeClaimed if another live run's range
// overlaps, making the state store the mutual-exclusion point for
// concurrent backfill invocations.
func (s *Store) Claim(site, runID string, start, end timeseries.Day) error {
	return s.db.Update(func(txn *badger.Txn) error {
		claims, err := loadClaims(txn, site)
		if err != nil {
			return err
		}

		for _, c := range claims {
			if c.RunID == runID {
				continue
			}
			if start <= c.End && c.Start <= end {
				return errors.Wrapf(errors.ErrRangeClaimed,
					"site %s range %s..%s held by run %s", site, c.Start, c.End, c.RunID)
			}
		}

		claims = append(claims, claim{RunID: runID, Start: start, End: end})
		return storeClaims(txn, site, claims)
	})
}

// ReleaseClaim drops a run's range claim. Safe to call when no claim is
// held.
func (s *Store) ReleaseClaim(site, runID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		claims, err := loadClaims(txn, site)
		if err != nil {
			return err
		}

		kept := claims[:0]
		for _, c := range claims {
			if c.RunID != runID {
				kept = append(kept, c)
			}
		}

		if len(kept) == 0 {
			return txn.Delete(claimsKey(site))
		}
		return storeClaims(txn, site, kept)
	})
}

func loadClaims(txn *badger.Txn, site string) ([]claim, error) {
	item, err := txn.Get(claimsKey(site))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var claims []claim
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &claims)
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func storeClaims(txn *badger.Txn, site string, claims []claim) error {
	data, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	return txn.Set(claimsKey(site), data)
}
