package renderer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mverrors "github.com/markview/markview/internal/errors"
)

func TestMarkdownRendersHeadingsAndBody(t *testing.T) {
	md := NewMarkdown()

	out, err := md.Render(context.Background(), []byte("# Title\n\nSome *body* text.\n"), "doc.md")
	require.NoError(t, err)

	html := string(out)
	assert.Contains(t, html, "<h1 id=\"title\">Title</h1>")
	assert.Contains(t, html, "<em>body</em>")
}

func TestMarkdownRendersGFMTable(t *testing.T) {
	md := NewMarkdown()

	src := "| a | b |\n|---|---|\n| 1 | 2 |\n"
	out, err := md.Render(context.Background(), []byte(src), "table.md")
	require.NoError(t, err)
	assert.Contains(t, string(out), "<table>")
}

func TestMarkdownRejectsInvalidUTF8(t *testing.T) {
	md := NewMarkdown()

	_, err := md.Render(context.Background(), []byte{0xff, 0xfe, 0xfd}, "bad.md")
	require.Error(t, err)
	assert.True(t, mverrors.IsKind(err, mverrors.KindRender))
	assert.Equal(t, mverrors.RenderMalformed, mverrors.RenderReasonOf(err))
}

func TestMarkdownHonorsCancelledContext(t *testing.T) {
	md := NewMarkdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := md.Render(ctx, []byte("# x"), "doc.md")
	require.Error(t, err)
	assert.Equal(t, mverrors.RenderTimeout, mverrors.RenderReasonOf(err))
}

func TestFuncAdapter(t *testing.T) {
	r := Func(func(_ context.Context, source []byte, _ string) ([]byte, error) {
		return append([]byte("out:"), source...), nil
	})

	out, err := r.Render(context.Background(), []byte("in"), "x.md")
	require.NoError(t, err)
	assert.Equal(t, "out:in", string(out))
}
