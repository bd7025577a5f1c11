// Package apperr defines the error taxonomy exposed at the API boundary.
// Repositories surface raw errors; services wrap them into one of these
// kinds; the HTTP layer serializes the kind and hides Internal details.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP serialization.
type Kind int

const (
	KindValidation   Kind = iota // 422 — input violates a documented constraint
	KindUnauthorized             // 401 — missing/invalid credential
	KindForbidden                // 403 — authenticated but lacks permission
	KindNotFound                 // 404 — entity absent
	KindConflict                 // 409 — state collision
	KindGone                     // 410 — permanently invalidated token
	KindInternal                 // 500 — dependency fault, never "not found"
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindGone:
		return "gone"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a kind plus a client-safe message. For KindInternal the
// message is logged but never sent to the client.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, optional
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Constructors for each kind.

func Validation(msg string) *Error   { return &Error{Kind: KindValidation, Message: msg} }
func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }
func Forbidden(msg string) *Error    { return &Error{Kind: KindForbidden, Message: msg} }
func NotFound(msg string) *Error     { return &Error{Kind: KindNotFound, Message: msg} }
func Conflict(msg string) *Error     { return &Error{Kind: KindConflict, Message: msg} }
func Gone(msg string) *Error         { return &Error{Kind: KindGone, Message: msg} }

// Internal wraps a dependency failure. The message shown to clients is the
// generic "internal server error"; msg+err go to the logs only.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// From extracts an *Error from err, or wraps it as Internal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("unexpected error", err)
}
