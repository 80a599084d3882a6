package pathguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mverrors "github.com/markview/markview/internal/errors"
)

func newGuard(t *testing.T) (*Guard, string) {
	t.Helper()

	base := t.TempDir()
	guard, err := New(base)
	require.NoError(t, err)

	return guard, guard.Base()
}

func writeDoc(t *testing.T, base, rel, content string) string {
	t.Helper()

	abs := filepath.Join(base, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))

	return abs
}

func TestResolveValidPath(t *testing.T) {
	guard, base := newGuard(t)
	writeDoc(t, base, "notes/today.md", "# Today")

	resolved, err := guard.Resolve("notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, "notes/today.md", resolved.Rel)
	assert.Equal(t, filepath.Join(base, "notes", "today.md"), resolved.Abs)
}

func TestResolveNormalizesDotSegments(t *testing.T) {
	guard, base := newGuard(t)
	writeDoc(t, base, "notes/today.md", "# Today")

	resolved, err := guard.Resolve("notes/./../notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, "notes/today.md", resolved.Rel)
}

func TestResolveRejectsTraversal(t *testing.T) {
	guard, _ := newGuard(t)

	testCases := []string{
		"../../etc/passwd",
		"..",
		"../sibling.md",
		"notes/../../escape.md",
	}

	for _, requested := range testCases {
		t.Run(requested, func(t *testing.T) {
			_, err := guard.Resolve(requested)
			require.Error(t, err)
			assert.ErrorIs(t, err, mverrors.ErrPathEscape)
		})
	}
}

func TestResolveRejectsSymlinkPointingOutside(t *testing.T) {
	guard, base := newGuard(t)

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.md")
	require.NoError(t, os.WriteFile(secret, []byte("# secret"), 0644))
	require.NoError(t, os.Symlink(secret, filepath.Join(base, "link.md")))

	_, err := guard.Resolve("link.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, mverrors.ErrPathEscape)
}

func TestResolveRejectsSymlinkedDirectoryEscape(t *testing.T) {
	guard, base := newGuard(t)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(base, "docs")))

	// Leaf does not exist; the escaping ancestor must still be caught.
	_, err := guard.Resolve("docs/missing.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, mverrors.ErrPathEscape)
}

func TestResolveSymlinkInsideBaseAllowed(t *testing.T) {
	guard, base := newGuard(t)
	writeDoc(t, base, "real.md", "# Real")
	require.NoError(t, os.Symlink(filepath.Join(base, "real.md"), filepath.Join(base, "alias.md")))

	resolved, err := guard.Resolve("alias.md")
	require.NoError(t, err)
	// Symlink resolution collapses both names onto one identity.
	assert.Equal(t, filepath.Join(base, "real.md"), resolved.Abs)
}

func TestResolveMissingConfinedPathIsNotFound(t *testing.T) {
	guard, _ := newGuard(t)

	_, err := guard.Resolve("notes/absent.md")
	require.Error(t, err)
	assert.ErrorIs(t, err, mverrors.ErrNotFound)
}

func TestRelFromAbs(t *testing.T) {
	guard, base := newGuard(t)

	rel, err := guard.RelFromAbs(filepath.Join(base, "notes", "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "notes/a.md", rel)

	_, err = guard.RelFromAbs(filepath.Join(base, "..", "evil.md"))
	assert.ErrorIs(t, err, mverrors.ErrPathEscape)
}

func TestSimilarlyPrefixedSiblingRejected(t *testing.T) {
	parent := t.TempDir()
	base := filepath.Join(parent, "docs")
	require.NoError(t, os.MkdirAll(base, 0755))

	evil := filepath.Join(parent, "docs-evil")
	require.NoError(t, os.MkdirAll(evil, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(evil, "x.md"), []byte("x"), 0644))

	guard, err := New(base)
	require.NoError(t, err)

	_, err = guard.Resolve("../docs-evil/x.md")
	assert.ErrorIs(t, err, mverrors.ErrPathEscape)
}
