// Package index maintains a lightweight in-memory text index over the
// current document set. It is a derived view: the cache and filesystem stay
// authoritative for document existence, and the coordinator serializes
// updates per path so the index never races ahead of the cache.
package index

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/markview/markview/internal/cache"
)

// Options configures an Index.
type Options struct {
	SnippetLength int
	MaxResults    int
}

// Result is one search hit.
type Result struct {
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// entry is the indexed form of one document.
type entry struct {
	path           string
	title          string
	text           string // original text, for snippets
	folded         string // case-folded, for matching
	foldedTitle    string
	foldedHeadings string
	hash           uint64
}

// Index is a concurrently readable text index.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry
	opts    Options
	folder  cases.Caser
}

// New creates an empty index.
func New(opts Options) *Index {
	return &Index{
		entries: make(map[string]*entry),
		opts:    opts,
		folder:  cases.Fold(),
	}
}

// Update re-tokenizes and replaces the entry for path from content. The
// content bytes are the same ones the renderer consumes, so index staleness
// tracks cache staleness through the shared fingerprint.
func (ix *Index) Update(path string, content []byte) {
	text := norm.NFC.String(string(content))
	title, headings := extractStructure(text)

	e := &entry{
		path:           path,
		title:          title,
		text:           text,
		folded:         ix.folder.String(text),
		foldedTitle:    ix.folder.String(title),
		foldedHeadings: ix.folder.String(strings.Join(headings, "\n")),
		hash:           cache.Fingerprint(content),
	}

	ix.mu.Lock()
	ix.entries[path] = e
	ix.mu.Unlock()
}

// Remove deletes the entry for path, if present.
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	delete(ix.entries, path)
	ix.mu.Unlock()
}

// Hash returns the fingerprint of the content last indexed for path.
func (ix *Index) Hash(path string) (uint64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.entries[path]
	if !ok {
		return 0, false
	}

	return e.hash, true
}

// Len reports the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return len(ix.entries)
}

// Paths returns every indexed path.
func (ix *Index) Paths() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	paths := make([]string, 0, len(ix.entries))
	for p := range ix.entries {
		paths = append(paths, p)
	}

	return paths
}

// Query computes matches for term, freshly on every call. Results are
// ordered by descending score with path as a stable tie-break. Matching is
// case-insensitive substring matching over case-folded text; scoring
// rewards term frequency and weights title and heading hits over body hits.
func (ix *Index) Query(term string) []Result {
	folded := ix.folder.String(strings.TrimSpace(term))
	if folded == "" {
		return nil
	}

	ix.mu.RLock()
	entries := make([]*entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		entries = append(entries, e)
	}
	ix.mu.RUnlock()

	results := make([]Result, 0)
	for _, e := range entries {
		bodyHits := strings.Count(e.folded, folded)
		if bodyHits == 0 {
			continue
		}

		titleHits := strings.Count(e.foldedTitle, folded)
		headingHits := strings.Count(e.foldedHeadings, folded)

		score := float64(bodyHits) + 4*float64(headingHits) + 8*float64(titleHits)
		results = append(results, Result{
			Path:    e.path,
			Snippet: ix.snippet(e, folded),
			Score:   score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})

	if ix.opts.MaxResults > 0 && len(results) > ix.opts.MaxResults {
		results = results[:ix.opts.MaxResults]
	}

	return results
}

// snippet extracts a window of original text around the first match.
func (ix *Index) snippet(e *entry, folded string) string {
	limit := ix.opts.SnippetLength
	if limit <= 0 {
		limit = 160
	}

	pos := ix.locate(e.text, folded)
	if pos < 0 || pos >= len(e.text) {
		pos = 0
	}

	// Widen to nearby word boundaries, but only within a bounded distance,
	// and never leave the window on a partial UTF-8 sequence.
	start := pos - limit/4
	if start < 0 {
		start = 0
	}
	for start > 0 && pos-start < limit/2 && !isBoundary(e.text[start]) {
		start--
	}
	for start > 0 && !utf8.RuneStart(e.text[start]) {
		start--
	}

	end := start + limit
	if end > len(e.text) {
		end = len(e.text)
	}
	for end < len(e.text) && end-start < 2*limit && !isBoundary(e.text[end]) {
		end++
	}
	for end < len(e.text) && !utf8.RuneStart(e.text[end]) {
		end++
	}

	snippet := strings.TrimSpace(e.text[start:end])
	snippet = strings.ReplaceAll(snippet, "\n", " ")

	return snippet
}

// locate returns the byte offset in text of the first case-fold match of
// needle, which must already be folded. Folding can change a rune's byte
// length, so the folded view is rebuilt rune by rune alongside a map from
// folded offsets back to original ones; offsets from a plain lowercase
// search would not be valid indexes into text.
func (ix *Index) locate(text, needle string) int {
	var b strings.Builder
	b.Grow(len(text))
	offsets := make([]int, 0, len(text))

	for i, r := range text {
		fr := ix.folder.String(string(r))
		for j := 0; j < len(fr); j++ {
			offsets = append(offsets, i)
		}
		b.WriteString(fr)
	}

	p := strings.Index(b.String(), needle)
	if p < 0 || p >= len(offsets) {
		return -1
	}

	return offsets[p]
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}

// extractStructure pulls the document title (first H1) and all heading
// lines out of markdown text.
func extractStructure(text string) (string, []string) {
	var title string
	var headings []string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}

		heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		if heading == "" {
			continue
		}

		headings = append(headings, heading)
		if title == "" && strings.HasPrefix(trimmed, "# ") {
			title = heading
		}
	}

	return title, headings
}
