// Package coordinator wires the watcher, cache, search index, and
// notification hub together and owns the end-to-end consistency contract:
// per-path serialization of change handling, monotonic sequence numbers,
// and recovery from a lost filesystem watch by full rescan.
package coordinator

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markview/markview/internal/cache"
	"github.com/markview/markview/internal/errors"
	"github.com/markview/markview/internal/hub"
	"github.com/markview/markview/internal/index"
	"github.com/markview/markview/internal/logging"
	"github.com/markview/markview/internal/pathguard"
	"github.com/markview/markview/internal/scanner"
	"github.com/markview/markview/internal/watcher"
)

// shardCount fixes the number of per-path serialization lanes. Events for
// one path always land on the same lane, so they are handled in FIFO
// order; distinct paths spread across lanes and proceed concurrently.
const shardCount = 8

// rearmAttempts bounds how often a lost watch is re-established before the
// condition is reported as fatal to the process.
const rearmAttempts = 5

// WatcherFactory builds a fresh watcher. The coordinator consumes one
// watcher until it dies, then asks for another.
type WatcherFactory func() (*watcher.FileWatcher, error)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Guard       *pathguard.Guard
	Cache       *cache.Store
	Index       *index.Index
	Hub         *hub.Hub
	Scanner     *scanner.Scanner
	NewWatcher  WatcherFactory
	MaxFileSize int64
	Logger      logging.Logger
}

// Coordinator consumes the debounced event stream and applies each change
// to the cache, the index, and the hub in that order.
type Coordinator struct {
	deps   Deps
	logger logging.Logger

	seq    atomic.Uint64
	shards [shardCount]chan watcher.Event
	wg     sync.WaitGroup
}

// New creates a Coordinator.
func New(deps Deps) *Coordinator {
	c := &Coordinator{
		deps:   deps,
		logger: deps.Logger.WithComponent("coordinator"),
	}
	for i := range c.shards {
		c.shards[i] = make(chan watcher.Event, 64)
	}

	return c
}

// Seed builds the initial index from a full scan, before any subscriber
// exists. No events are broadcast.
func (c *Coordinator) Seed(ctx context.Context) error {
	docs, err := c.deps.Scanner.Scan()
	if err != nil {
		return err
	}

	for _, doc := range docs {
		resolved, err := c.deps.Guard.Resolve(doc.Path)
		if err != nil {
			continue
		}
		content, err := os.ReadFile(resolved.Abs)
		if err != nil || int64(len(content)) > c.deps.MaxFileSize {
			continue
		}
		c.deps.Index.Update(doc.Path, content)
	}

	c.logger.Info(ctx, "index seeded", "documents", c.deps.Index.Len())

	return nil
}

// Run starts the shard workers and consumes watchers until ctx is
// cancelled. A lost watch triggers a full rescan and a re-armed watch; if
// re-arming keeps failing the error is returned and the process should
// treat it as fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	for i := range c.shards {
		c.wg.Add(1)
		go c.worker(ctx, c.shards[i])
	}
	defer c.wg.Wait()

	failures := 0
	for {
		w, err := c.deps.NewWatcher()
		if err != nil {
			failures++
			c.logger.Error(ctx, err, "establishing watch", "attempt", failures)
			if failures >= rearmAttempts {
				return errors.NewWatchLost(err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff(failures)):
			}
			continue
		}
		failures = 0
		w.Start(ctx)

		lost := c.consume(ctx, w)
		w.Close()
		if !lost {
			return nil // context cancelled
		}

		// The watch died: every tracked path is potentially stale now.
		c.logger.Warn(ctx, nil, "watch lost, rescanning")
		c.Rescan(ctx)
	}
}

// consume drains one watcher until cancellation (returns false) or watch
// loss (returns true).
func (c *Coordinator) consume(ctx context.Context, w *watcher.FileWatcher) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev := <-w.Events():
			c.dispatch(ctx, ev)
		case err := <-w.Fatal():
			c.logger.Error(ctx, err, "watch descriptor invalidated")
			return true
		}
	}
}

// dispatch routes an event to its path's serialization lane. Tree removals
// are expanded here, outside the lanes, so the per-file deletes they fan
// into still serialize normally.
func (c *Coordinator) dispatch(ctx context.Context, ev watcher.Event) {
	if ev.Kind == watcher.KindTreeRemoved {
		c.sweepRemovedTree(ctx, ev)
		return
	}

	h := fnv.New32a()
	h.Write([]byte(ev.Path))
	lane := c.shards[h.Sum32()%shardCount]

	select {
	case lane <- ev:
	case <-ctx.Done():
	}
}

// sweepRemovedTree turns a removed directory into per-file Deleted events
// for every tracked document beneath it. A directory renamed out of the
// tree takes its files along without any per-file notification.
func (c *Coordinator) sweepRemovedTree(ctx context.Context, ev watcher.Event) {
	rel, err := c.deps.Guard.RelFromAbs(ev.Path)
	if err != nil {
		c.logger.Warn(ctx, err, "tree removal outside base directory", "path", ev.Path)
		return
	}

	tracked := make(map[string]struct{})
	for _, p := range c.deps.Index.Paths() {
		tracked[p] = struct{}{}
	}
	for _, p := range c.deps.Cache.Paths() {
		tracked[p] = struct{}{}
	}

	prefix := rel + "/"
	base := c.deps.Guard.Base()
	swept := 0
	for p := range tracked {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		c.dispatch(ctx, watcher.Event{
			Path: filepath.Join(base, filepath.FromSlash(p)),
			Kind: watcher.KindDeleted,
			Time: ev.Time,
		})
		swept++
	}

	c.logger.Info(ctx, "removed directory swept", "path", rel, "documents", swept)
}

func (c *Coordinator) worker(ctx context.Context, lane <-chan watcher.Event) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lane:
			c.handle(ctx, ev)
		}
	}
}

// handle applies one debounced event: guard re-validation, cache
// invalidation, index update, then broadcast. Failures are isolated per
// path and never stop the loop.
func (c *Coordinator) handle(ctx context.Context, ev watcher.Event) {
	rel, err := c.deps.Guard.RelFromAbs(ev.Path)
	if err != nil {
		c.logger.Warn(ctx, err, "event outside base directory", "path", ev.Path)
		return
	}

	if ev.Kind == watcher.KindDeleted {
		c.applyDelete(ctx, rel, ev.Time)
		return
	}

	resolved, err := c.deps.Guard.Resolve(rel)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			// Gone again between debounce and handling.
			c.applyDelete(ctx, rel, ev.Time)
			return
		}
		c.logger.Warn(ctx, err, "rejecting changed path", "path", rel)
		return
	}

	c.applyUpsert(ctx, resolved, ev.Time)
}

// applyDelete removes a document everywhere and broadcasts Deleted. A
// delete for an untracked path is a no-op.
func (c *Coordinator) applyDelete(ctx context.Context, rel string, at time.Time) {
	_, known := c.deps.Index.Hash(rel)
	c.deps.Cache.Evict(rel)
	c.deps.Index.Remove(rel)
	if !known {
		return
	}

	c.broadcast(ctx, hub.ChangeEvent{
		Path:       rel,
		Kind:       hub.ChangeDeleted,
		ObservedAt: at,
	})
}

// applyUpsert re-reads content, decides whether the change is effective,
// and propagates it. The final kind is derived from index state: unknown
// paths surface as Created, known ones as Modified, so a coalesced
// delete-then-create burst and a degraded rename both come out right.
func (c *Coordinator) applyUpsert(ctx context.Context, resolved pathguard.Resolved, at time.Time) {
	content, err := os.ReadFile(resolved.Abs)
	if err != nil {
		if os.IsNotExist(err) {
			c.applyDelete(ctx, resolved.Rel, at)
		} else {
			c.logger.Warn(ctx, err, "reading changed document", "path", resolved.Rel)
		}
		return
	}
	if int64(len(content)) > c.deps.MaxFileSize {
		c.logger.Warn(ctx, nil, "ignoring oversized document", "path", resolved.Rel, "size", len(content))
		return
	}

	hash := cache.Fingerprint(content)
	prevHash, known := c.deps.Index.Hash(resolved.Rel)

	// Keep the cache honest first, then decide whether subscribers need
	// to hear about it at all.
	c.deps.Cache.InvalidateIfChanged(resolved.Rel, hash)
	if known && prevHash == hash {
		// Spurious filesystem event: content is unchanged.
		return
	}

	c.deps.Index.Update(resolved.Rel, content)

	kind := hub.ChangeModified
	if !known {
		kind = hub.ChangeCreated
	}

	c.broadcast(ctx, hub.ChangeEvent{
		Path:       resolved.Rel,
		Kind:       kind,
		ObservedAt: at,
	})
}

// broadcast assigns the next sequence number and fans the event out.
// Sequence assignment happens inside the path's serialization lane, so
// per-path delivery order matches the order invalidations were applied.
func (c *Coordinator) broadcast(ctx context.Context, event hub.ChangeEvent) {
	event.Seq = c.seq.Add(1)
	c.deps.Hub.Broadcast(event)
	c.logger.Debug(ctx, "change broadcast",
		"path", event.Path, "kind", string(event.Kind), "seq", event.Seq)
}

// Rescan walks the tree, reconciles cache and index against what is on
// disk, and broadcasts the differences. Used after a lost watch and
// available to administrative callers. The work is routed through the
// per-path lanes so it serializes against any still-queued events.
func (c *Coordinator) Rescan(ctx context.Context) {
	docs, err := c.deps.Scanner.Scan()
	if err != nil {
		c.logger.Error(ctx, err, "rescan failed")
		return
	}

	seen := make(map[string]struct{}, len(docs))
	now := time.Now()
	base := c.deps.Guard.Base()

	for _, doc := range docs {
		seen[doc.Path] = struct{}{}
		c.dispatch(ctx, watcher.Event{
			Path: filepath.Join(base, filepath.FromSlash(doc.Path)),
			Kind: watcher.KindModified,
			Time: now,
		})
	}

	for _, path := range c.deps.Index.Paths() {
		if _, ok := seen[path]; !ok {
			c.dispatch(ctx, watcher.Event{
				Path: filepath.Join(base, filepath.FromSlash(path)),
				Kind: watcher.KindDeleted,
				Time: now,
			})
		}
	}

	c.logger.Info(ctx, "rescan complete", "documents", len(docs))
}

// Sequence returns the last assigned sequence number.
func (c *Coordinator) Sequence() uint64 {
	return c.seq.Load()
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}

	return d
}
