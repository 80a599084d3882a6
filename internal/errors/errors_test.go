package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormat(t *testing.T) {
	testCases := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "escape includes code and path",
			err:      NewPathEscape("../../etc/passwd"),
			expected: "[path_escape] ../../etc/passwd path resolves outside the document root",
		},
		{
			name:     "not found",
			err:      NewNotFound("notes/missing.md"),
			expected: "[not_found] notes/missing.md document does not exist",
		},
		{
			name:     "render error carries cause",
			err:      NewRenderError(RenderTimeout, "slow.md", errors.New("deadline exceeded")),
			expected: "[render_timeout] slow.md render failed: deadline exceeded",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.err.Error())
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	escape := NewPathEscape("../x")
	assert.True(t, errors.Is(escape, ErrPathEscape))
	assert.False(t, errors.Is(escape, ErrNotFound))

	wrapped := fmt.Errorf("handling request: %w", NewNotFound("a.md"))
	assert.True(t, errors.Is(wrapped, ErrNotFound))

	lost := NewWatchLost(errors.New("inotify descriptor closed"))
	assert.True(t, errors.Is(lost, ErrWatchLost))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewInternal("unexpected", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(NewRenderError(RenderMalformed, "x.md", nil), KindRender))
	assert.False(t, IsKind(NewNotFound("x.md"), KindRender))
	assert.False(t, IsKind(errors.New("plain"), KindRender))
}

func TestRenderReasonOf(t *testing.T) {
	assert.Equal(t, RenderTimeout, RenderReasonOf(NewRenderError(RenderTimeout, "x.md", nil)))
	assert.Equal(t, RenderInternal, RenderReasonOf(errors.New("plain")))
}
