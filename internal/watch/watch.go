// Package watch monitors a session's working directory while a command runs
// and reports file activity, so clients can tell a quiet-but-working command
// from a stalled one. Everything here is best effort: a watch failure never
// affects the execution it observes.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// excludedDirs are directories excluded from watching.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Notifier is called with the number of filesystem events observed since
// the previous notification.
type Notifier func(sessionID string, events int)

// Watcher monitors working directories for file activity, one watch per
// session, throttled so a build touching thousands of files doesn't flood
// the wire.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*dirWatcher // sessionID → watcher
	notify   Notifier
	log      *slog.Logger
}

type dirWatcher struct {
	sessionID string
	fsWatcher *fsnotify.Watcher
	limiter   *rate.Limiter
	cancel    chan struct{}
	kick      chan struct{}

	mu      sync.Mutex
	pending int
}

// New creates a watcher that reports through notify.
func New(notify Notifier, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watchers: make(map[string]*dirWatcher),
		notify:   notify,
		log:      log,
	}
}

// Watch starts watching dir for the given session, replacing any previous
// watch for the same session.
func (w *Watcher) Watch(sessionID, dir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	dw := &dirWatcher{
		sessionID: sessionID,
		fsWatcher: fsW,
		limiter:   rate.NewLimiter(rate.Limit(2), 1), // at most 2 notifications/sec
		cancel:    make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}

	w.mu.Lock()
	if prev, ok := w.watchers[sessionID]; ok {
		close(prev.cancel)
		prev.fsWatcher.Close()
	}
	w.watchers[sessionID] = dw
	w.mu.Unlock()

	go w.eventLoop(dw)
	go w.flushLoop(dw)
	return nil
}

// Unwatch stops watching a session's directory. Idempotent.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	dw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(dw.cancel)
		dw.fsWatcher.Close()
	}
}

// Shutdown stops all watches.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	watchers := w.watchers
	w.watchers = make(map[string]*dirWatcher)
	w.mu.Unlock()

	for _, dw := range watchers {
		close(dw.cancel)
		dw.fsWatcher.Close()
	}
}

// eventLoop counts fsnotify events and kicks the flusher. New directories
// are added to the watch as they appear.
func (w *Watcher) eventLoop(dw *dirWatcher) {
	for {
		select {
		case <-dw.cancel:
			return
		case ev, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !excludedDirs[filepath.Base(ev.Name)] {
						_ = dw.fsWatcher.Add(ev.Name)
					}
				}
			}
			dw.mu.Lock()
			dw.pending++
			dw.mu.Unlock()
			select {
			case dw.kick <- struct{}{}:
			default:
			}
		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", "session_id", dw.sessionID, "err", err)
		}
	}
}

// flushLoop waits for the limiter before each notification so bursts of
// events collapse into one message carrying the count.
func (w *Watcher) flushLoop(dw *dirWatcher) {
	for {
		select {
		case <-dw.cancel:
			return
		case <-dw.kick:
		}

		r := dw.limiter.Reserve()
		select {
		case <-dw.cancel:
			r.Cancel()
			return
		case <-time.After(r.Delay()):
		}

		dw.mu.Lock()
		n := dw.pending
		dw.pending = 0
		dw.mu.Unlock()

		if n > 0 && w.notify != nil {
			w.notify(dw.sessionID, n)
		}
	}
}

// addDirsRecursive adds dir and every non-excluded subdirectory to fsW.
func addDirsRecursive(fsW *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if excludedDirs[d.Name()] && path != dir {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}
