package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/recaudit/recaudit/internal/ledger"
	"github.com/recaudit/recaudit/internal/restore"
	"github.com/recaudit/recaudit/internal/store"
	"github.com/recaudit/recaudit/internal/verify"
)

func testScheduler(t *testing.T) (*Scheduler, *store.Store, *restore.Guard) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	guard := restore.NewGuard(dir)
	s := New(verify.New(st, 0), guard, time.Hour)
	return s, st, guard
}

func appendOne(t *testing.T, st *store.Store) ledger.Entry {
	t.Helper()
	e, err := st.Append(context.Background(), ledger.Event{
		ActorID: "u-17",
		Action:  ledger.ActionEntityUpdate,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return e
}

func TestStatus_NeverRun(t *testing.T) {
	s, _, _ := testScheduler(t)

	status := s.Status()
	if status.State != ledger.StateNeverRun {
		t.Errorf("initial state should be never_run, got %s", status.State)
	}
	if status.Valid {
		t.Error("never_run must not read as verified valid")
	}

	// Appends before the first pass do not make a nonexistent result stale.
	s.NoteAppend(5)
	if s.Status().Stale {
		t.Error("never_run status should not report stale")
	}
}

func TestStatus_FirstPassInFlight(t *testing.T) {
	s, _, _ := testScheduler(t)

	// While the first-ever pass runs there is no completed result to
	// overlay "running" onto — the status must stay never_run rather
	// than surface zero result fields that read like a broken chain.
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	status := s.Status()
	if status.State != ledger.StateNeverRun {
		t.Errorf("first in-flight pass should report never_run, got %s", status.State)
	}
	if status.FirstInvalidID != 0 || !status.CheckedAt.IsZero() {
		t.Errorf("never_run status should carry no result fields: %+v", status)
	}
}

func TestStatus_RunningAfterFirstResult(t *testing.T) {
	s, st, _ := testScheduler(t)
	appendOne(t, st)
	s.runPass(context.Background())

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	status := s.Status()
	if status.State != ledger.StateRunning {
		t.Errorf("in-flight pass after a completed one should report running, got %s", status.State)
	}
	if !status.Valid || status.CheckedTo != 1 {
		t.Errorf("running status should retain the previous completed result: %+v", status)
	}
}

func TestRunPass_CachesResult(t *testing.T) {
	s, st, _ := testScheduler(t)
	for i := 0; i < 3; i++ {
		appendOne(t, st)
	}

	s.runPass(context.Background())

	status := s.Status()
	if status.State != ledger.StateChecked {
		t.Fatalf("state should be checked after a pass, got %s", status.State)
	}
	if !status.Valid {
		t.Error("intact ledger should report valid")
	}
	if status.CheckedFrom != 1 || status.CheckedTo != 3 {
		t.Errorf("expected checked range [1,3], got [%d,%d]", status.CheckedFrom, status.CheckedTo)
	}
	if status.EntriesChecked != 3 {
		t.Errorf("expected 3 entries checked, got %d", status.EntriesChecked)
	}
	if status.CheckedAt.IsZero() {
		t.Error("checked_at should be set")
	}
	if status.Stale {
		t.Error("freshly checked status should not be stale")
	}
}

func TestStatus_StaleAfterAppend(t *testing.T) {
	s, st, _ := testScheduler(t)
	appendOne(t, st)
	s.runPass(context.Background())

	e := appendOne(t, st)
	s.NoteAppend(e.ID)

	status := s.Status()
	if !status.Stale {
		t.Error("status should be stale after an append past the checked tail")
	}
	if status.CheckedTo != 1 {
		t.Errorf("checked tail should still be 1, got %d", status.CheckedTo)
	}
}

func TestRunPass_SkipsDuringRestore(t *testing.T) {
	s, st, guard := testScheduler(t)
	appendOne(t, st)

	guard.SetForTest(true)
	s.runPass(context.Background())

	if s.Status().State != ledger.StateNeverRun {
		t.Error("pass during a restore should not run or update the cache")
	}

	guard.SetForTest(false)
	s.runPass(context.Background())
	if s.Status().State != ledger.StateChecked {
		t.Error("pass after the restore clears should run normally")
	}
}

func TestRunPass_CancelPreservesResult(t *testing.T) {
	s, st, _ := testScheduler(t)
	appendOne(t, st)
	s.runPass(context.Background())
	before := s.Status()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	s.runPass(cancelled)

	after := s.Status()
	if after.State != ledger.StateChecked || !after.CheckedAt.Equal(before.CheckedAt) {
		t.Error("a cancelled pass should leave the previous completed result intact")
	}
}

func TestNoteAppend_Monotonic(t *testing.T) {
	s, _, _ := testScheduler(t)

	s.NoteAppend(5)
	s.NoteAppend(3) // late report of an older id must not regress
	if s.latestSeen.Load() != 5 {
		t.Errorf("latest seen should stay at 5, got %d", s.latestSeen.Load())
	}
	s.NoteAppend(8)
	if s.latestSeen.Load() != 8 {
		t.Errorf("latest seen should advance to 8, got %d", s.latestSeen.Load())
	}
}

func TestTriggerNow_Collapses(t *testing.T) {
	s, _, _ := testScheduler(t)

	s.TriggerNow()
	s.TriggerNow()
	s.TriggerNow()

	if len(s.trigger) != 1 {
		t.Errorf("overlapping triggers should collapse to one, got %d pending", len(s.trigger))
	}
}

func TestRun_TriggerExecutesPass(t *testing.T) {
	s, st, _ := testScheduler(t)
	appendOne(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Run performs an immediate pass on startup.
	deadline := time.After(2 * time.Second)
	for s.Status().State != ledger.StateChecked {
		select {
		case <-deadline:
			t.Fatal("startup pass did not complete in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A triggered pass picks up entries appended since.
	e := appendOne(t, st)
	s.NoteAppend(e.ID)
	s.TriggerNow()

	deadline = time.After(2 * time.Second)
	for s.Status().CheckedTo != e.ID {
		select {
		case <-deadline:
			t.Fatalf("triggered pass did not advance the checked tail to %d", e.ID)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if s.Status().Stale {
		t.Error("status should be fresh after the triggered pass")
	}
}
