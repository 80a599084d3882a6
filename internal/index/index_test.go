package index

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markview/markview/internal/cache"
)

func newIndex() *Index {
	return New(Options{SnippetLength: 80, MaxResults: 10})
}

func TestUpdateAndQuery(t *testing.T) {
	ix := newIndex()
	ix.Update("notes/go.md", []byte("# Go Notes\n\nChannels and goroutines.\n"))
	ix.Update("notes/py.md", []byte("# Python Notes\n\nGenerators and asyncio.\n"))

	results := ix.Query("goroutines")
	require.Len(t, results, 1)
	assert.Equal(t, "notes/go.md", results[0].Path)
	assert.Contains(t, results[0].Snippet, "goroutines")
}

func TestQueryCaseInsensitive(t *testing.T) {
	ix := newIndex()
	ix.Update("a.md", []byte("# Deployment\n\nRolling deployments are safer.\n"))

	assert.Len(t, ix.Query("DEPLOYMENT"), 1)
	assert.Len(t, ix.Query("deployment"), 1)
	assert.Len(t, ix.Query("Deploy"), 1)
}

func TestTitleMatchOutranksBodyMatch(t *testing.T) {
	ix := newIndex()
	ix.Update("title.md", []byte("# Kubernetes\n\nShort page.\n"))
	ix.Update("body.md", []byte("# Other\n\nMentions kubernetes once in the body.\n"))

	results := ix.Query("kubernetes")
	require.Len(t, results, 2)
	assert.Equal(t, "title.md", results[0].Path)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestHeadingMatchOutranksBodyMatch(t *testing.T) {
	ix := newIndex()
	ix.Update("heading.md", []byte("# Guide\n\n## Caching strategy\n\ntext\n"))
	ix.Update("body.md", []byte("# Guide Two\n\nthe caching word appears here\n"))

	results := ix.Query("caching")
	require.Len(t, results, 2)
	assert.Equal(t, "heading.md", results[0].Path)
}

func TestFrequencyIncreasesScore(t *testing.T) {
	ix := newIndex()
	ix.Update("many.md", []byte("# A\n\ncache cache cache cache\n"))
	ix.Update("one.md", []byte("# B\n\ncache\n"))

	results := ix.Query("cache")
	require.Len(t, results, 2)
	assert.Equal(t, "many.md", results[0].Path)
}

func TestTieBreakByPath(t *testing.T) {
	ix := newIndex()
	ix.Update("b.md", []byte("same body text\n"))
	ix.Update("a.md", []byte("same body text\n"))

	results := ix.Query("same body")
	require.Len(t, results, 2)
	assert.Equal(t, "a.md", results[0].Path)
	assert.Equal(t, "b.md", results[1].Path)
}

func TestRemove(t *testing.T) {
	ix := newIndex()
	ix.Update("a.md", []byte("findable content\n"))
	require.Len(t, ix.Query("findable"), 1)

	ix.Remove("a.md")
	assert.Empty(t, ix.Query("findable"))
	assert.Zero(t, ix.Len())
}

func TestUpdateReplacesEntry(t *testing.T) {
	ix := newIndex()
	ix.Update("a.md", []byte("old content\n"))
	ix.Update("a.md", []byte("new content\n"))

	assert.Empty(t, ix.Query("old"))
	assert.Len(t, ix.Query("new"), 1)
	assert.Equal(t, 1, ix.Len())
}

func TestHashTracksIndexedContent(t *testing.T) {
	ix := newIndex()
	content := []byte("# Doc\n\nbody\n")
	ix.Update("a.md", content)

	hash, ok := ix.Hash("a.md")
	require.True(t, ok)
	assert.Equal(t, cache.Fingerprint(content), hash)

	_, ok = ix.Hash("missing.md")
	assert.False(t, ok)
}

func TestEmptyQueryReturnsNothing(t *testing.T) {
	ix := newIndex()
	ix.Update("a.md", []byte("content\n"))

	assert.Empty(t, ix.Query(""))
	assert.Empty(t, ix.Query("   "))
}

func TestMaxResultsBounded(t *testing.T) {
	ix := New(Options{SnippetLength: 80, MaxResults: 3})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ix.Update(name+".md", []byte("shared term here\n"))
	}

	assert.Len(t, ix.Query("shared"), 3)
}

func TestSnippetWithCaseLengthChangingRunes(t *testing.T) {
	// U+023A folds to U+2C65, which is one byte longer in UTF-8, so folded
	// offsets drift past the end of the original text.
	ix := New(Options{SnippetLength: 60, MaxResults: 10})
	ix.Update("doc.md", []byte(strings.Repeat("Ⱥ", 200)+" abc"))

	results := ix.Query("abc")
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Snippet, "abc")
	assert.True(t, utf8.ValidString(results[0].Snippet))
}

func TestSnippetLocatesFoldOnlyMatch(t *testing.T) {
	// Long s (U+017F) folds to "s" but does not lowercase to it; the
	// snippet must still center on the real match, not the document start.
	ix := New(Options{SnippetLength: 30, MaxResults: 10})
	text := strings.Repeat("filler words here ", 20) + "der ſchnelle Fuchs"
	ix.Update("doc.md", []byte(text))

	results := ix.Query("schnelle")
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Snippet, "ſchnelle")
}

func TestSnippetBoundedWithoutWordBoundaries(t *testing.T) {
	ix := New(Options{SnippetLength: 40, MaxResults: 10})
	ix.Update("doc.md", []byte(strings.Repeat("x", 5000)+"needle"+strings.Repeat("y", 5000)))

	results := ix.Query("needle")
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Snippet, "needle")
	assert.LessOrEqual(t, len(results[0].Snippet), 80)
}

func TestQueryIsFreshPerCall(t *testing.T) {
	ix := newIndex()
	ix.Update("a.md", []byte("alpha\n"))

	first := ix.Query("alpha")
	require.Len(t, first, 1)

	ix.Update("a.md", []byte("beta\n"))
	assert.Empty(t, ix.Query("alpha"), "results are recomputed, never cached")
}
