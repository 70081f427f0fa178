// Package scheduler runs full ledger verification in the background and
// caches the result, so UI status polling is an in-memory read and never
// triggers a scan.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recaudit/recaudit/internal/ledger"
	"github.com/recaudit/recaudit/internal/restore"
	"github.com/recaudit/recaudit/internal/verify"
)

// DefaultInterval is the coarse periodic pass cadence.
const DefaultInterval = time.Hour

// Scheduler owns the cached IntegrityStatus. Nothing else mutates it:
// the status object has a defined lifecycle (never_run → running →
// checked) and is only read from outside through Status.
//
// Thread-safe — Status is called from HTTP handlers while a pass runs.
type Scheduler struct {
	verifier *verify.Verifier
	guard    *restore.Guard
	interval time.Duration

	// trigger collapses overlapping on-demand requests: a buffered
	// one-slot channel means triggers arriving while a pass runs fold
	// into at most one follow-up pass.
	trigger chan struct{}

	// latestSeen is the highest entry id the writer has reported,
	// aged by every append so Status can report staleness without
	// touching the store.
	latestSeen atomic.Int64

	mu      sync.RWMutex
	running bool
	last    ledger.IntegrityStatus
}

// New creates a Scheduler. interval <= 0 selects DefaultInterval.
// The guard is consulted before every pass; while a restore is in
// progress no pass runs and the cached result is left untouched.
func New(verifier *verify.Verifier, guard *restore.Guard, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		verifier: verifier,
		guard:    guard,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		last:     ledger.IntegrityStatus{State: ledger.StateNeverRun},
	}
}

// Run executes passes until ctx is cancelled: one immediately, then on
// every tick and every trigger. Blocks; start it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		case <-s.trigger:
			s.runPass(ctx)
		}
	}
}

// TriggerNow requests a background pass. Fire-and-forget: if a trigger
// is already pending the request collapses into it.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NoteAppend records that the writer appended entry id, aging the cached
// status tail boundary.
func (s *Scheduler) NoteAppend(id int64) {
	for {
		cur := s.latestSeen.Load()
		if id <= cur || s.latestSeen.CompareAndSwap(cur, id) {
			return
		}
	}
}

// Status returns the cached integrity status. O(1), no store access.
// Before the first completed pass the state is never_run — callers must
// not read that as "log verified valid".
func (s *Scheduler) Status() ledger.IntegrityStatus {
	s.mu.RLock()
	status := s.last
	running := s.running
	s.mu.RUnlock()

	// The running overlay applies only once a completed result exists.
	// Before that the status stays never_run: its zero result fields
	// must not be readable as a verdict about the chain.
	if status.State == ledger.StateNeverRun {
		return status
	}
	if running {
		status.State = ledger.StateRunning
	}
	status.Stale = s.latestSeen.Load() > status.CheckedTo
	return status
}

// runPass executes one full verification, updating the cache only on
// completion. A cancelled or failed pass leaves the previous completed
// result intact.
func (s *Scheduler) runPass(ctx context.Context) {
	if s.guard.Active() {
		slog.Info("integrity pass skipped, restore in progress")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	started := time.Now().UTC()
	result, err := s.verifier.VerifyAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("integrity pass cancelled")
		} else {
			slog.Error("integrity pass failed", "error", err)
		}
		return
	}

	status := ledger.IntegrityStatus{
		State:          ledger.StateChecked,
		CheckedAt:      started,
		Valid:          result.Valid,
		CheckedFrom:    result.CheckedFrom,
		CheckedTo:      result.CheckedTo,
		FirstInvalidID: result.FirstInvalidID(),
		EntriesChecked: result.EntriesChecked,
	}

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
	s.NoteAppend(result.CheckedTo)

	if result.Valid {
		slog.Info("integrity pass completed",
			"entries", result.EntriesChecked,
			"duration", time.Since(started))
	} else {
		slog.Error("integrity pass found chain violations",
			"first_invalid_id", result.FirstInvalidID(),
			"invalid_count", len(result.InvalidIDs))
	}
}
