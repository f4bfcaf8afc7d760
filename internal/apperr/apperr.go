// Package apperr defines the coded error taxonomy used across the service.
// Handlers map these to problem+json responses; everything below the HTTP
// layer returns them instead of raw status codes.
package apperr

import (
    "errors"
    "fmt"
    "net/http"
)

type Code string

const (
    InvalidArgument    Code = "INVALID_ARGUMENT"
    Unauthenticated    Code = "UNAUTHENTICATED"
    PermissionDenied   Code = "PERMISSION_DENIED"
    NotFound           Code = "NOT_FOUND"
    FailedPrecondition Code = "FAILED_PRECONDITION"
    Conflict           Code = "CONFLICT"
    Internal           Code = "INTERNAL"
)

// Error carries a stable code, a human message and an optional detail code
// (e.g. NO_ACTIVE_ROUTE) for clients that branch on specifics.
type Error struct {
    Code   Code
    Detail string // optional machine-readable detail, e.g. "NO_ACTIVE_ROUTE"
    Msg    string
    Err    error
}

func (e *Error) Error() string {
    if e.Err != nil { return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err) }
    return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

func Newf(code Code, format string, args ...any) *Error {
    return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func WithDetail(code Code, detail, msg string) *Error {
    return &Error{Code: code, Detail: detail, Msg: msg}
}

func Wrap(code Code, msg string, err error) *Error {
    return &Error{Code: code, Msg: msg, Err: err}
}

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
    switch c {
    case InvalidArgument:
        return http.StatusBadRequest
    case Unauthenticated:
        return http.StatusUnauthorized
    case PermissionDenied:
        return http.StatusForbidden
    case NotFound:
        return http.StatusNotFound
    case FailedPrecondition, Conflict:
        return http.StatusConflict
    }
    return http.StatusInternalServerError
}

// From extracts an *Error, wrapping unknown errors as Internal.
func From(err error) *Error {
    var ae *Error
    if errors.As(err, &ae) { return ae }
    return &Error{Code: Internal, Msg: "internal error", Err: err}
}

func IsCode(err error, code Code) bool {
    var ae *Error
    return errors.As(err, &ae) && ae.Code == code
}
