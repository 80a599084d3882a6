// Package pathguard confines requested document paths to the configured
// base directory. Every path-accepting entry point resolves through a Guard
// again rather than trusting an earlier verdict, because symlinks can change
// between check and use.
package pathguard

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/markview/markview/internal/errors"
)

// Guard validates requested paths against a resolved base directory.
type Guard struct {
	base string // absolute, symlink-resolved
}

// Resolved is a validated document path in both the forms callers need.
type Resolved struct {
	// Rel is the normalized slash-separated path relative to the base
	// directory. This is the document identity used as cache and index key.
	Rel string
	// Abs is the absolute filesystem path for reads.
	Abs string
}

// New creates a Guard rooted at base. The base itself is resolved through
// symlinks once so the containment check compares real paths.
func New(base string) (*Guard, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errors.NewConfigError("base_dir", "cannot resolve base directory: "+err.Error())
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.NewConfigError("base_dir", "cannot resolve base directory: "+err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return nil, errors.NewConfigError("base_dir", "base is not a directory: "+base)
	}

	return &Guard{base: resolved}, nil
}

// Base returns the resolved absolute base directory.
func (g *Guard) Base() string {
	return g.base
}

// Resolve normalizes requested, resolves symlinks, and verifies the result
// is a descendant of the base directory. The containment check is a path
// component comparison, not a string prefix, so /base-evil never passes for
// /base. Traversal outside the base fails with a security error; a path
// that is confined but absent fails with not-found.
func (g *Guard) Resolve(requested string) (Resolved, error) {
	rel := normalize(requested)
	if rel == "" || strings.HasPrefix(rel, "../") || rel == ".." {
		return Resolved{}, errors.NewPathEscape(requested)
	}

	candidate := filepath.Join(g.base, filepath.FromSlash(rel))
	if !g.contains(candidate) {
		return Resolved{}, errors.NewPathEscape(requested)
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			// The leaf may be missing while an ancestor symlink still
			// escapes; verify the deepest existing ancestor too.
			if err := g.checkAncestors(candidate); err != nil {
				return Resolved{}, err
			}
			return Resolved{}, errors.NewNotFound(rel)
		}
		return Resolved{}, errors.NewInternal("resolving path", err).WithPath(rel)
	}

	if !g.contains(real) {
		return Resolved{}, errors.NewPathEscape(requested)
	}

	return Resolved{Rel: rel, Abs: real}, nil
}

// RelFromAbs converts an absolute filesystem path (as delivered by the
// watcher) into a validated document identity.
func (g *Guard) RelFromAbs(abs string) (string, error) {
	rel, err := filepath.Rel(g.base, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.NewPathEscape(abs)
	}

	return filepath.ToSlash(rel), nil
}

// contains reports whether p equals the base or sits beneath it, compared
// component-wise.
func (g *Guard) contains(p string) bool {
	if p == g.base {
		return true
	}

	return strings.HasPrefix(p, g.base+string(filepath.Separator))
}

// checkAncestors resolves the deepest existing ancestor of candidate and
// verifies it is still confined.
func (g *Guard) checkAncestors(candidate string) error {
	dir := filepath.Dir(candidate)
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !g.contains(real) {
				return errors.NewPathEscape(candidate)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return errors.NewInternal("resolving path", err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

// normalize cleans a requested path into slash-separated relative form with
// "." and ".." segments resolved lexically.
func normalize(requested string) string {
	p := strings.TrimSpace(requested)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	p = path.Clean(p)
	if p == "." {
		return ""
	}

	return p
}
