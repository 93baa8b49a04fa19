// Package apperr defines the tagged error kinds shared by every domain
// component. Handlers translate kinds to HTTP status codes; domain code
// never imports net/http.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and for callers that
// branch on failure class (conflict retry, refund, rate-limit backoff).
type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthenticated
	Forbidden
	NotFound
	Conflict
	PaymentRequired
	RateLimited
	TooLarge
	BadRequest
)

// Error is a tagged domain error. Code is a stable machine-readable
// identifier ("insufficient_credits", "boq_conflict"); Message is safe
// to show to the caller. Meta carries structured detail such as
// expected/actual versions on a conflict.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Meta    map[string]interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// WithMeta attaches a structured detail field and returns the error.
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]interface{})
	}
	e.Meta[key] = value
	return e
}

// Wrap records an underlying cause without leaking it to the client.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validationf(code, format string, args ...interface{}) *Error {
	return New(Validation, code, format, args...)
}

func NotFoundf(code, format string, args ...interface{}) *Error {
	return New(NotFound, code, format, args...)
}

func Forbiddenf(code, format string, args ...interface{}) *Error {
	return New(Forbidden, code, format, args...)
}

func Conflictf(code, format string, args ...interface{}) *Error {
	return New(Conflict, code, format, args...)
}

func Unauthenticatedf(code, format string, args ...interface{}) *Error {
	return New(Unauthenticated, code, format, args...)
}

func PaymentRequiredf(code, format string, args ...interface{}) *Error {
	return New(PaymentRequired, code, format, args...)
}

func RateLimitedf(code, format string, args ...interface{}) *Error {
	return New(RateLimited, code, format, args...)
}

func TooLargef(code, format string, args ...interface{}) *Error {
	return New(TooLarge, code, format, args...)
}

// BadRequestf marks a structurally broken request, as opposed to a
// well-formed one that fails Validation.
func BadRequestf(code, format string, args ...interface{}) *Error {
	return New(BadRequest, code, format, args...)
}

// Internalf builds an Internal error. The wrapped cause is logged
// server-side; only Code and Message cross the wire.
func Internalf(code, format string, args ...interface{}) *Error {
	return New(Internal, code, format, args...)
}

// KindOf extracts the Kind from any error chain. Unclassified errors
// are Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// CodeOf extracts the stable error code, or "internal_error".
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal_error"
}

// HTTPStatus maps an error kind to the wire status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusUnprocessableEntity
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PaymentRequired:
		return http.StatusPaymentRequired
	case RateLimited:
		return http.StatusTooManyRequests
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
