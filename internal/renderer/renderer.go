// Package renderer defines the document rendering contract and the
// goldmark-backed markdown implementation. Renderers are pure: bytes in,
// bytes out, no filesystem access, so the cache can treat them as a black
// box and coordinate retries and timeouts around them.
package renderer

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/markview/markview/internal/errors"
)

// Renderer translates document source bytes into rendered output.
type Renderer interface {
	Render(ctx context.Context, source []byte, sourcePath string) ([]byte, error)
}

// Func adapts a function to the Renderer interface. Used in tests and for
// wrapping.
type Func func(ctx context.Context, source []byte, sourcePath string) ([]byte, error)

// Render implements Renderer.
func (f Func) Render(ctx context.Context, source []byte, sourcePath string) ([]byte, error) {
	return f(ctx, source, sourcePath)
}

// Markdown renders CommonMark plus GitHub extensions to HTML.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates the markdown renderer used by the serve command.
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM, extension.Typographer),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

// Render converts markdown source to HTML. Invalid UTF-8 input is rejected
// as malformed rather than silently mangled.
func (m *Markdown) Render(ctx context.Context, source []byte, sourcePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewRenderError(errors.RenderTimeout, sourcePath, err)
	}

	if !utf8.Valid(source) {
		return nil, errors.NewRenderError(errors.RenderMalformed, sourcePath, nil)
	}

	var buf bytes.Buffer
	if err := m.md.Convert(source, &buf); err != nil {
		return nil, errors.NewRenderError(errors.RenderMalformed, sourcePath, err)
	}

	return buf.Bytes(), nil
}
