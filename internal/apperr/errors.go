// Package apperr defines the error kinds shared across ansuz layers and their
// HTTP status mapping.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("unauthorized")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrUpstream   = errors.New("upstream service failed")
	ErrStorage    = errors.New("storage failed")
)

// Error attaches a kind and the failing operation to an underlying error.
// errors.Is reports true for both the kind sentinel and the wrapped cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Op + ": " + e.Kind.Error()
	case e.Op == "":
		return e.Err.Error()
	default:
		return e.Op + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E wraps err with the given kind. A nil err yields an error carrying only the kind.
func E(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is like E but keeps the kind of an error that already carries one.
func Wrap(kind error, op string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return E(kind, op, err)
}

// Validation is shorthand for a validation error with a client-safe message.
func Validation(op, msg string) error {
	return &Error{Kind: ErrValidation, Op: op, Err: errors.New(msg)}
}

// Status maps an error to the HTTP status code for its kind.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-facing text for err. Only validation errors
// expose their own text; everything else gets a fixed message per kind.
func Message(err error) string {
	var ae *Error
	switch {
	case errors.Is(err, ErrValidation):
		if errors.As(err, &ae) && ae.Err != nil {
			return ae.Err.Error()
		}
		return ErrValidation.Error()
	case errors.Is(err, ErrAuth):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstream):
		return "upstream service unavailable"
	default:
		return "internal error"
	}
}
