// Package vault implements the Filesystem Adapter: the fsnotify
// watcher that turns on-disk changes into Replica Engine calls, plus
// the bookkeeping that keeps the adapter's own writes from re-
// triggering themselves (spec.md §4.8/§9).
package vault

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// debounceWindow coalesces the burst of fsnotify events many editors
// emit for a single logical save (write, then chmod, then rename-into-
// place) into one change notification.
const debounceWindow = 300 * time.Millisecond

// echoGrace is how long after the adapter itself writes a path that
// fsnotify events for that path are suppressed, so a remote update
// applied to disk doesn't get re-uploaded as if the user had edited
// it (spec.md's no-self-echo concern, extended to the filesystem). It
// must exceed debounceWindow: a self-write's fsnotify events can
// otherwise arrive after the grace period lapses but still within the
// same coalescing window, which would redebounce them into a spurious
// local change.
const echoGrace = debounceWindow + 200*time.Millisecond

// ignoredDirs are never walked or watched recursively into.
var ignoredDirs = map[string]bool{
	".git":      true,
	".syncline": true,
}

// Event describes one settled (post-debounce) filesystem change.
type Event struct {
	Path      string
	Removed   bool
	IsDir     bool
	ChangedAt time.Time
}

// Watcher wraps fsnotify with debouncing, self-echo suppression, and
// syncline's directory ignore rules.
type Watcher struct {
	root string
	fsw  *fsnotify.Watcher
	out  chan Event
	logger log.Logger

	mu      sync.Mutex
	ignore  map[string]time.Time
	pending map[string]*time.Timer
}

// New starts watching root (recursively) and returns a Watcher whose
// Events channel carries settled, filtered, debounced changes.
func New(root string, logger log.Logger) (*Watcher, error) {

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}

	w := &Watcher{
		root:    root,
		fsw:     fsw,
		out:     make(chan Event, 256),
		logger:  logger,
		ignore:  make(map[string]time.Time),
		pending: make(map[string]*time.Timer),
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()

	return w, nil
}

// Events yields settled filesystem changes.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// IgnoreSelfWrite marks path as an adapter-originated write, so the
// fsnotify event(s) it's about to produce are suppressed instead of
// being reported as a user edit.
func (w *Watcher) IgnoreSelfWrite(path string) {
	w.mu.Lock()
	w.ignore[path] = time.Now().Add(echoGrace)
	w.mu.Unlock()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir && ignoredDirs[filepath.Base(path)] {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			level.Warn(w.logger).Log("msg", "fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {

	if w.isIgnoredPath(ev.Name) {
		return
	}

	w.mu.Lock()
	until, echoed := w.ignore[ev.Name]
	if echoed && time.Now().Before(until) {
		w.mu.Unlock()
		return
	}
	delete(w.ignore, ev.Name)
	w.mu.Unlock()

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addRecursive(ev.Name)
		}
	}

	w.debounce(ev.Name)
}

// isIgnoredPath reports whether any path component is an ignored
// directory name, matching on components rather than a prefix so a
// legitimately named "my.git-notes" directory isn't caught by a
// substring match on ".git".
func (w *Watcher) isIgnoredPath(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}

	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.emit(path)
	})
}

func (w *Watcher) emit(path string) {
	info, err := os.Stat(path)
	removed := os.IsNotExist(err)

	isDir := false
	if err == nil {
		isDir = info.IsDir()
	}

	select {
	case w.out <- Event{Path: path, Removed: removed, IsDir: isDir, ChangedAt: time.Now()}:
	default:
		level.Warn(w.logger).Log("msg", "dropping filesystem event: adapter backlog full", "path", path)
	}
}
