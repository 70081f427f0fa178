package restore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewGuard_Inactive(t *testing.T) {
	g := NewGuard(t.TempDir())
	if g.Active() {
		t.Error("guard should start inactive without a sentinel file")
	}
}

func TestNewGuard_PrimedFromExistingSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), nil, 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	// Process restarted mid-restore: the guard must come up active.
	g := NewGuard(dir)
	if !g.Active() {
		t.Error("guard should start active when the sentinel already exists")
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatch_SentinelLifecycle(t *testing.T) {
	dir := t.TempDir()
	g := NewGuard(dir)

	w, err := Watch(dir, g)
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	sentinel := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatalf("create sentinel: %v", err)
	}
	waitFor(t, g.Active, "guard should activate when the sentinel appears")

	if err := os.Remove(sentinel); err != nil {
		t.Fatalf("remove sentinel: %v", err)
	}
	waitFor(t, func() bool { return !g.Active() }, "guard should deactivate when the sentinel is removed")
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	g := NewGuard(dir)

	w, err := Watch(dir, g)
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "audit.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// Give the watcher a moment to (not) react.
	time.Sleep(100 * time.Millisecond)
	if g.Active() {
		t.Error("unrelated files in the data directory must not trip the guard")
	}
}

func TestWatcher_CloseIdempotent(t *testing.T) {
	w, err := Watch(t.TempDir(), NewGuard(t.TempDir()))
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestWatcher_CloseConcurrent(t *testing.T) {
	w, err := Watch(t.TempDir(), NewGuard(t.TempDir()))
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Close()
		}()
	}
	wg.Wait()
}
