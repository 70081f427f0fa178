// Package restore tracks the restore-in-progress boundary condition.
//
// The backup/restore subsystem owns the flag: while it replaces the
// ledger table wholesale, it keeps a sentinel file (restore.lock) in the
// data directory. The audit subsystem subscribes to that file rather
// than being told explicitly — every audit operation degrades to a
// neutral, empty response while the flag is set, and the integrity
// scheduler skips its passes.
package restore

import (
	"os"
	"path/filepath"
	"sync/atomic"
)

// LockFileName is the sentinel file the restore collaborator creates in
// the data directory for the duration of a restore.
const LockFileName = "restore.lock"

// Guard is the in-memory restore-in-progress flag. Checked on every
// audit operation, so reads are a single atomic load.
type Guard struct {
	active atomic.Bool
}

// NewGuard creates a Guard primed from the data directory: if the
// sentinel file already exists at startup (e.g. the process restarted
// mid-restore), the guard starts active.
func NewGuard(dataDir string) *Guard {
	g := &Guard{}
	if _, err := os.Stat(filepath.Join(dataDir, LockFileName)); err == nil {
		g.active.Store(true)
	}
	return g
}

// Active reports whether a restore is in progress.
func (g *Guard) Active() bool {
	return g.active.Load()
}

// set flips the flag; only the watcher (and tests) call this.
func (g *Guard) set(active bool) {
	g.active.Store(active)
}

// SetForTest flips the flag directly, bypassing the file watcher.
func (g *Guard) SetForTest(active bool) {
	g.set(active)
}
