// Package errors defines the typed error taxonomy shared by the markview
// core: security rejections, render failures, watch loss, and ordinary
// not-found outcomes. Handlers map these kinds to transport status codes;
// nothing in the core matches on error strings.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error for dispatch and status mapping.
type Kind string

const (
	KindSecurity Kind = "security"
	KindRender   Kind = "render"
	KindWatch    Kind = "watch"
	KindNotFound Kind = "not_found"
	KindConfig   Kind = "config"
	KindInternal Kind = "internal"
)

// RenderReason narrows a render failure.
type RenderReason string

const (
	RenderMalformed RenderReason = "malformed"
	RenderTimeout   RenderReason = "timeout"
	RenderInternal  RenderReason = "internal"
)

// Error is the structured error type used throughout the core.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Path    string
	Reason  RenderReason
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on kind and code so callers can compare against constructor
// sentinels without caring about path or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
	}

	return false
}

// WithPath attaches the document path the error concerns.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// NewPathEscape reports a request that resolved outside the base directory.
// Never recoverable, never retried.
func NewPathEscape(requested string) *Error {
	return &Error{
		Kind:    KindSecurity,
		Code:    "path_escape",
		Message: "path resolves outside the document root",
		Path:    requested,
	}
}

// NewNotFound reports an ordinary missing-document outcome.
func NewNotFound(path string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "not_found",
		Message: "document does not exist",
		Path:    path,
	}
}

// NewRenderError reports a renderer failure with its narrowed reason.
func NewRenderError(reason RenderReason, path string, cause error) *Error {
	return &Error{
		Kind:    KindRender,
		Code:    "render_" + string(reason),
		Message: "render failed",
		Path:    path,
		Reason:  reason,
		Cause:   cause,
	}
}

// NewWatchLost reports an invalidated OS watch descriptor. The coordinator
// answers with a full rescan and re-arm, not a silent stop.
func NewWatchLost(cause error) *Error {
	return &Error{
		Kind:    KindWatch,
		Code:    "watch_lost",
		Message: "filesystem watch lost",
		Cause:   cause,
	}
}

// NewConfigError reports an invalid configuration value.
func NewConfigError(field, message string) *Error {
	return &Error{
		Kind:    KindConfig,
		Code:    "config_" + field,
		Message: message,
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(message string, cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    "internal",
		Message: message,
		Cause:   cause,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrPathEscape = &Error{Kind: KindSecurity, Code: "path_escape"}
	ErrNotFound   = &Error{Kind: KindNotFound, Code: "not_found"}
	ErrWatchLost  = &Error{Kind: KindWatch, Code: "watch_lost"}
)

// Is and As re-export the standard library matchers so callers need only
// one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsKind reports whether err is a markview error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// RenderReasonOf extracts the render reason from err, or RenderInternal if
// err is not a render error.
func RenderReasonOf(err error) RenderReason {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRender {
		return e.Reason
	}

	return RenderInternal
}
