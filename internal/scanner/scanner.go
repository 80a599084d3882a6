// Package scanner discovers tracked documents under the base directory and
// extracts listing metadata: title, preview text, size, and timestamps. The
// coordinator also drives full rescans through it after a lost watch.
package scanner

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/markview/markview/internal/logging"
	"github.com/markview/markview/internal/pathguard"
)

const previewLimit = 200

// Document is one discovered file with listing metadata.
type Document struct {
	Path       string    `json:"path"` // normalized relative path
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Title      string    `json:"title,omitempty"`
	Preview    string    `json:"preview,omitempty"`
}

// Options configures a Scanner.
type Options struct {
	Extensions  []string
	ExcludeDirs []string
	MaxFileSize int64
	MaxDepth    int // 0 means unlimited
}

// Scanner walks the base directory for tracked documents.
type Scanner struct {
	guard   *pathguard.Guard
	opts    Options
	exclude map[string]struct{}
	logger  logging.Logger
}

// New creates a scanner rooted at the guard's base directory.
func New(guard *pathguard.Guard, opts Options, logger logging.Logger) *Scanner {
	exclude := make(map[string]struct{}, len(opts.ExcludeDirs))
	for _, d := range opts.ExcludeDirs {
		exclude[d] = struct{}{}
	}

	return &Scanner{
		guard:   guard,
		opts:    opts,
		exclude: exclude,
		logger:  logger.WithComponent("scanner"),
	}
}

// Scan walks the tree and returns all tracked documents sorted by path.
// Unreadable or oversized files are skipped, not fatal.
func (s *Scanner) Scan() ([]Document, error) {
	base := s.guard.Base()
	var docs []Document

	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}

		if info.IsDir() {
			if _, excluded := s.exclude[info.Name()]; excluded && path != base {
				return filepath.SkipDir
			}
			if s.opts.MaxDepth > 0 && s.depth(path) > s.opts.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if !s.tracked(path) {
			return nil
		}

		if info.Size() > s.opts.MaxFileSize {
			s.logger.Debug(context.Background(), "skipping oversized file", "path", path, "size", info.Size())
			return nil
		}

		rel, err := s.guard.RelFromAbs(path)
		if err != nil {
			return nil
		}

		doc := Document{
			Path:       rel,
			Name:       info.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		}
		doc.Title, doc.Preview = extractMeta(path)

		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	return docs, nil
}

// depth returns the directory depth of path relative to the base.
func (s *Scanner) depth(path string) int {
	rel, err := filepath.Rel(s.guard.Base(), path)
	if err != nil || rel == "." {
		return 0
	}

	return len(strings.Split(rel, string(filepath.Separator)))
}

// tracked reports whether path carries one of the tracked extensions.
func (s *Scanner) tracked(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range s.opts.Extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}

	return false
}

// extractMeta pulls the first H1 as the title and the first non-heading
// prose as a bounded preview, skipping fenced code blocks.
func extractMeta(path string) (string, string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	var title string
	var preview []string
	previewLen := 0
	inCode := false

	sc := bufio.NewScanner(f)
	for sc.Scan() && previewLen <= previewLimit {
		line := strings.TrimSpace(sc.Text())

		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}
		if inCode || line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if title == "" && strings.HasPrefix(line, "# ") {
				title = strings.TrimSpace(line[2:])
			}
			continue
		}

		preview = append(preview, line)
		previewLen += len(line) + 1
	}

	text := strings.Join(preview, " ")
	if len(text) > previewLimit {
		cut := previewLimit - 3
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut-- // do not split a UTF-8 sequence
		}
		text = text[:cut] + "..."
	}

	return title, text
}
