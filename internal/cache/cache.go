// Package cache provides the rendered-document store: a byte-size-bounded
// LRU with TTL expiry, per-path single-flight render coordination, and
// brief negative caching of renderer failures.
package cache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/markview/markview/internal/errors"
	"github.com/markview/markview/internal/logging"
	"github.com/markview/markview/internal/renderer"
)

// State describes the lifecycle position of a cache entry.
type State int

const (
	StateFresh State = iota
	StateRendering
	StateStale
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRendering:
		return "rendering"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Fingerprint computes the content fingerprint used to decide whether a
// filesystem event actually changed a document. The same digest keys the
// search index, so index staleness tracks cache staleness.
func Fingerprint(content []byte) uint64 {
	return xxhash.Sum64(content)
}

// entry is a cached render result. Entries form a doubly linked LRU list
// with dummy head and tail.
type entry struct {
	key        string
	output     []byte
	sourceHash uint64
	renderedAt time.Time
	expiresAt  time.Time
	state      State
	renderErr  error
	size       int64

	prev *entry
	next *entry
}

// Options configures a Store.
type Options struct {
	MaxBytes      int64
	TTL           time.Duration
	ErrorTTL      time.Duration
	RenderTimeout time.Duration
}

// Store caches rendered documents keyed by normalized relative path.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	head    *entry
	tail    *entry

	// generations outlive entries so an eviction during an in-flight
	// render is detected at install time.
	generations map[string]uint64

	currentSize int64
	opts        Options
	renderer    renderer.Renderer
	flight      singleflight.Group
	logger      logging.Logger

	hits      int64
	misses    int64
	evictions int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int64 `json:"current_size"`
	MaxSize     int64 `json:"max_size"`
	EntryCount  int   `json:"entry_count"`
}

// NewStore creates a cache store rendering through r.
func NewStore(opts Options, r renderer.Renderer, logger logging.Logger) *Store {
	s := &Store{
		entries:     make(map[string]*entry),
		generations: make(map[string]uint64),
		opts:        opts,
		renderer:    r,
		logger:      logger.WithComponent("cache"),
	}

	s.head = &entry{}
	s.tail = &entry{}
	s.head.next = s.tail
	s.tail.prev = s.head

	return s
}

// GetOrRender returns the rendered output for rel, rendering at most once
// no matter how many callers arrive concurrently. abs is the validated
// absolute path the content is read from.
//
// A Fresh unexpired entry is returned directly. A Stale, expired, or absent
// entry funnels callers into one single-flight render; all waiters share
// its result or its error. Renderer failures are cached under a short TTL
// to throttle render storms on a persistently broken document.
func (s *Store) GetOrRender(ctx context.Context, rel, abs string) ([]byte, error) {
	s.mu.Lock()
	if e, ok := s.entries[rel]; ok {
		now := time.Now()
		switch e.state {
		case StateFresh:
			if now.Before(e.expiresAt) {
				s.moveToFront(e)
				atomic.AddInt64(&s.hits, 1)
				out := e.output
				s.mu.Unlock()
				return out, nil
			}
			// Expired is treated identically to Stale.
			e.state = StateStale
		case StateError:
			if now.Before(e.expiresAt) {
				err := e.renderErr
				s.mu.Unlock()
				return nil, err
			}
			e.state = StateStale
		}
	}
	atomic.AddInt64(&s.misses, 1)
	s.mu.Unlock()

	out, err, _ := s.flight.Do(rel, func() (interface{}, error) {
		return s.render(ctx, rel, abs)
	})
	if err != nil {
		return nil, err
	}

	return out.([]byte), nil
}

// render performs the single-flight body: read, fingerprint, render,
// install. Exactly one render per path runs at a time.
func (s *Store) render(ctx context.Context, rel, abs string) ([]byte, error) {
	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.Evict(rel)
			return nil, errors.NewNotFound(rel)
		}
		return nil, errors.NewInternal("reading document", err).WithPath(rel)
	}

	hash := Fingerprint(content)

	s.mu.Lock()
	gen := s.generations[rel]
	if e, ok := s.entries[rel]; ok {
		// A spurious invalidation: the file event fired but content is
		// unchanged, so the cached output is still valid.
		if e.state == StateStale && e.sourceHash == hash && e.output != nil {
			now := time.Now()
			e.state = StateFresh
			e.expiresAt = now.Add(s.opts.TTL)
			s.moveToFront(e)
			out := e.output
			s.mu.Unlock()
			return out, nil
		}
		e.state = StateRendering
	} else {
		e := &entry{key: rel, state: StateRendering}
		s.entries[rel] = e
		s.addToFront(e)
	}
	s.mu.Unlock()

	output, renderErr := s.renderWithTimeout(ctx, content, rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[rel]
	if !ok {
		// Evicted (deleted or cleared) while rendering; do not resurrect.
		if renderErr != nil {
			return nil, renderErr
		}
		return output, nil
	}

	now := time.Now()
	if renderErr != nil {
		e.state = StateError
		e.renderErr = renderErr
		e.renderedAt = now
		e.expiresAt = now.Add(s.opts.ErrorTTL)
		s.resize(e, int64(len(rel)))
		s.moveToFront(e)
		return nil, renderErr
	}

	e.output = output
	e.sourceHash = hash
	e.renderedAt = now
	e.expiresAt = now.Add(s.opts.TTL)
	e.renderErr = nil
	s.resize(e, int64(len(output)))

	if s.generations[rel] != gen {
		// Invalidation arrived mid-render: install the result but leave
		// the entry Stale so the next read re-renders.
		e.state = StateStale
	} else {
		e.state = StateFresh
	}

	s.moveToFront(e)
	s.evictOverflow()

	return output, nil
}

// renderWithTimeout bounds a renderer call so single-flight waiters receive
// a timeout error instead of hanging.
func (s *Store) renderWithTimeout(ctx context.Context, content []byte, rel string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RenderTimeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}

	done := make(chan result, 1)
	go func() {
		out, err := s.renderer.Render(ctx, content, rel)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !errors.IsKind(r.err, errors.KindRender) {
			return nil, errors.NewRenderError(errors.RenderInternal, rel, r.err)
		}
		return r.out, r.err
	case <-ctx.Done():
		return nil, errors.NewRenderError(errors.RenderTimeout, rel, ctx.Err())
	}
}

// Invalidate marks the entry for rel Stale if present. Re-rendering is
// lazy: it happens on the next GetOrRender.
func (s *Store) Invalidate(rel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generations[rel]++

	e, ok := s.entries[rel]
	if !ok {
		return false
	}

	if e.state == StateFresh || e.state == StateError {
		e.state = StateStale
	}

	return true
}

// InvalidateIfChanged marks the entry Stale only when hash differs from the
// fingerprint of the cached render. It reports whether the change was
// effective, letting the caller suppress spurious downstream work.
func (s *Store) InvalidateIfChanged(rel string, hash uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[rel]
	if !ok {
		return true // nothing cached: the change is effective by definition
	}

	if e.sourceHash == hash && e.output != nil && e.state != StateError {
		return false
	}

	s.generations[rel]++
	if e.state == StateFresh || e.state == StateError {
		e.state = StateStale
	}

	return true
}

// Evict removes the entry for rel entirely. Used when the underlying file
// is deleted.
func (s *Store) Evict(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generations[rel]++

	e, ok := s.entries[rel]
	if !ok {
		return
	}

	s.removeLocked(e)
}

// Clear deterministically drops every entry. Counters other than evictions
// are preserved; calling Clear twice is a no-op the second time.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.entries {
		s.generations[key]++
	}

	s.entries = make(map[string]*entry)
	s.currentSize = 0
	s.head.next = s.tail
	s.tail.prev = s.head
}

// Stats returns a snapshot of the cache counters without blocking renders.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	size := s.currentSize
	count := len(s.entries)
	s.mu.Unlock()

	return Stats{
		Hits:        atomic.LoadInt64(&s.hits),
		Misses:      atomic.LoadInt64(&s.misses),
		Evictions:   atomic.LoadInt64(&s.evictions),
		CurrentSize: size,
		MaxSize:     s.opts.MaxBytes,
		EntryCount:  count,
	}
}

// Paths returns the keys currently tracked, for full rescans.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.entries))
	for key := range s.entries {
		paths = append(paths, key)
	}

	return paths
}

// State reports the state of the entry for rel, for tests and diagnostics.
func (s *Store) State(rel string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[rel]
	if !ok {
		return 0, false
	}

	return e.state, true
}

// resize updates an entry's accounted size.
func (s *Store) resize(e *entry, size int64) {
	s.currentSize += size - e.size
	e.size = size
}

// evictOverflow walks from the LRU tail removing entries until the store
// fits its byte ceiling. Rendering entries are skipped, never evicted.
func (s *Store) evictOverflow() {
	for s.currentSize > s.opts.MaxBytes {
		lru := s.tail.prev
		for lru != s.head && lru.state == StateRendering {
			lru = lru.prev
		}
		if lru == s.head {
			return
		}

		s.removeLocked(lru)
		atomic.AddInt64(&s.evictions, 1)
		s.logger.Debug(context.Background(), "entry evicted", "path", lru.key, "size", lru.size)
	}
}

func (s *Store) removeLocked(e *entry) {
	s.unlink(e)
	delete(s.entries, e.key)
	s.currentSize -= e.size
}

// LRU doubly linked list operations.
func (s *Store) addToFront(e *entry) {
	e.prev = s.head
	e.next = s.head.next
	s.head.next.prev = e
	s.head.next = e
}

func (s *Store) unlink(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (s *Store) moveToFront(e *entry) {
	s.unlink(e)
	s.addToFront(e)
}
