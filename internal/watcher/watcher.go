// Package watcher wraps fsnotify into a clean stream of logical document
// change events: recursive directory watching, extension filtering, and
// per-path debouncing that coalesces editor save bursts into one event.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/markview/markview/internal/errors"
	"github.com/markview/markview/internal/logging"
)

// EventKind represents the type of a logical file change.
type EventKind int

const (
	KindCreated EventKind = iota
	KindModified
	KindDeleted

	// KindTreeRemoved marks a watched directory that left the tree. Files
	// beneath a renamed directory emit no events of their own, so the
	// owner must sweep everything under the path.
	KindTreeRemoved
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindTreeRemoved:
		return "tree_removed"
	default:
		return "unknown"
	}
}

// Event is a debounced logical change for a single file. Path is absolute;
// the coordinator maps it back to a document identity through the guard.
type Event struct {
	Path string
	Kind EventKind
	Time time.Time
}

// Options configures a FileWatcher.
type Options struct {
	Root       string
	Extensions []string
	Debounce   time.Duration
}

// FileWatcher produces debounced change events for tracked files under a
// root directory. The stream is infinite and non-restartable: once the
// watch is lost the watcher is dead and the owner must build a new one.
type FileWatcher struct {
	fsw    *fsnotify.Watcher
	opts   Options
	logger logging.Logger

	events chan Event
	fatal  chan error

	mu      sync.Mutex
	pending map[string]*pendingEvent
	dirs    map[string]struct{}
	closed  bool
}

// pendingEvent is an event held open by the debounce window.
type pendingEvent struct {
	kind  EventKind
	time  time.Time
	timer *time.Timer
}

// New creates a watcher over opts.Root and its subdirectories.
func New(opts Options, logger logging.Logger) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewInternal("creating fsnotify watcher", err)
	}

	fw := &FileWatcher{
		fsw:     fsw,
		opts:    opts,
		logger:  logger.WithComponent("watcher"),
		events:  make(chan Event, 256),
		fatal:   make(chan error, 1),
		pending: make(map[string]*pendingEvent),
		dirs:    make(map[string]struct{}),
	}

	if err := fw.addRecursive(opts.Root); err != nil {
		fsw.Close()
		return nil, err
	}

	return fw, nil
}

// Events returns the debounced event stream.
func (fw *FileWatcher) Events() <-chan Event {
	return fw.events
}

// Fatal delivers at most one WatchLost error. After it fires the stream
// stops producing and the watcher must be replaced.
func (fw *FileWatcher) Fatal() <-chan error {
	return fw.fatal
}

// Start runs the watch loop until ctx is cancelled or the watch is lost.
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.loop(ctx)
}

// Close releases the OS watch descriptors and stops pending timers.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	fw.closed = true
	for _, p := range fw.pending {
		p.timer.Stop()
	}
	fw.pending = make(map[string]*pendingEvent)
	fw.mu.Unlock()

	return fw.fsw.Close()
}

func (fw *FileWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.fsw.Events:
			if !ok {
				fw.reportLost(nil)
				return
			}
			fw.handle(event)

		case err, ok := <-fw.fsw.Errors:
			if !ok {
				fw.reportLost(nil)
				return
			}
			if err == fsnotify.ErrEventOverflow {
				// The kernel queue overflowed; events were lost and the
				// view of the tree can no longer be trusted.
				fw.reportLost(err)
				return
			}
			fw.logger.Warn(ctx, err, "watch error")
		}
	}
}

func (fw *FileWatcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	// Removal or rename of the watch root invalidates the whole watch.
	if path == filepath.Clean(fw.opts.Root) && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		fw.reportLost(nil)
		return
	}

	// A watched subdirectory leaving the tree surfaces as a single event
	// on the parent watch; the files beneath it stay silent.
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		fw.mu.Lock()
		_, wasDir := fw.dirs[path]
		if wasDir {
			delete(fw.dirs, path)
		}
		fw.mu.Unlock()

		if wasDir {
			fw.send(Event{Path: path, Kind: KindTreeRemoved, Time: time.Now()})
			return
		}
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			// New directory: watch it and surface any tracked files an
			// editor dropped in before the watch was armed.
			if err := fw.addRecursive(path); err != nil {
				fw.logger.Warn(context.Background(), err, "watching new directory", "path", path)
			}
			fw.emitExisting(path)
			return
		}
	}

	if !fw.tracked(path) {
		return
	}

	var kind EventKind
	switch {
	case event.Op&fsnotify.Create != 0:
		kind = KindCreated
	case event.Op&fsnotify.Write != 0:
		kind = KindModified
	case event.Op&fsnotify.Remove != 0:
		kind = KindDeleted
	case event.Op&fsnotify.Rename != 0:
		// fsnotify cannot pair the old and new name; the old path
		// degrades to Deleted and the new one arrives as Created.
		kind = KindDeleted
	case event.Op&fsnotify.Chmod != 0:
		// Metadata touches are part of many editors' save sequence but
		// carry no content change on their own.
		return
	default:
		kind = KindModified
	}

	fw.debounce(path, kind, time.Now())
}

// debounce coalesces events for one path arriving within the window into a
// single logical event. The last kind observed wins, carrying the latest
// timestamp, with one exception: delete-then-create within the window is a
// content replacement and coalesces to Modified.
func (fw *FileWatcher) debounce(path string, kind EventKind, at time.Time) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closed {
		return
	}

	if p, ok := fw.pending[path]; ok {
		p.kind = mergeKinds(p.kind, kind)
		p.time = at
		p.timer.Reset(fw.opts.Debounce)
		return
	}

	p := &pendingEvent{kind: kind, time: at}
	p.timer = time.AfterFunc(fw.opts.Debounce, func() {
		fw.flush(path)
	})
	fw.pending[path] = p
}

func (fw *FileWatcher) flush(path string) {
	fw.mu.Lock()
	p, ok := fw.pending[path]
	if ok {
		delete(fw.pending, path)
	}
	closed := fw.closed
	fw.mu.Unlock()

	if !ok || closed {
		return
	}

	fw.send(Event{Path: path, Kind: p.kind, Time: p.time})
}

// send emits one event without debouncing.
func (fw *FileWatcher) send(ev Event) {
	select {
	case fw.events <- ev:
	default:
		fw.logger.Warn(context.Background(), nil, "event channel full, dropping", "path", ev.Path)
	}
}

// mergeKinds folds a newly observed raw kind into the pending one.
func mergeKinds(prev, next EventKind) EventKind {
	if prev == KindDeleted && next == KindCreated {
		return KindModified
	}

	return next
}

// tracked reports whether path carries one of the watched extensions.
func (fw *FileWatcher) tracked(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range fw.opts.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}

	return false
}

// addRecursive arms the watch on root and every subdirectory.
func (fw *FileWatcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if info.IsDir() {
			if err := fw.fsw.Add(path); err != nil {
				return errors.NewInternal("adding watch", err).WithPath(path)
			}
			fw.mu.Lock()
			fw.dirs[filepath.Clean(path)] = struct{}{}
			fw.mu.Unlock()
		}
		return nil
	})
}

// emitExisting synthesizes Created events for tracked files already present
// under a newly watched directory.
func (fw *FileWatcher) emitExisting(dir string) {
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if fw.tracked(path) {
			fw.debounce(filepath.Clean(path), KindCreated, info.ModTime())
		}
		return nil
	})
}

func (fw *FileWatcher) reportLost(cause error) {
	select {
	case fw.fatal <- errors.NewWatchLost(cause):
	default:
	}
}
