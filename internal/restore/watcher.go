package restore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the data directory for the restore sentinel file and
// flips the Guard when it appears or disappears. It runs a background
// goroutine processing fsnotify events until Close is called.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching dir for restore.lock, updating guard on changes.
func Watch(dir string, guard *Guard) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating restore watcher: %w", err)
	}

	// Watch the whole directory: fsnotify cannot watch a file that does
	// not exist yet, and the sentinel spends most of its life absent.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching data directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(guard)

	slog.Info("restore watcher started", "dir", dir)
	return w, nil
}

// processEvents reacts to create/remove events on the sentinel file.
func (w *Watcher) processEvents(guard *Guard) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != LockFileName {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if !guard.Active() {
					slog.Warn("restore started, audit operations suspended")
				}
				guard.set(true)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if guard.Active() {
					slog.Info("restore finished, audit operations resumed")
				}
				guard.set(false)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("restore watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times, including concurrently.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}
