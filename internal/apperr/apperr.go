// Package apperr defines the error kinds shared by the chat core and the
// transports that surface them.
//
// Every domain failure wraps exactly one of the sentinel kinds so callers can
// branch with errors.Is, while the wrapped message keeps the context needed
// for logs.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
)

var (
	// ErrNotFound reports an absent user, chat or message.
	ErrNotFound = errors.New("not found")
	// ErrForbidden reports access by a non-participant or a non-sender.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid reports a request that can never succeed as issued.
	ErrInvalid = errors.New("invalid request")
	// ErrConflict reports a lost race on a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrTransient reports a store or network failure worth retrying.
	ErrTransient = errors.New("temporarily unavailable")
)

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Forbidden wraps ErrForbidden with a formatted message.
func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

// Invalid wraps ErrInvalid with a formatted message.
func Invalid(format string, args ...any) error {
	return wrap(ErrInvalid, format, args...)
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Store classifies an error returned by gorm. Errors that already carry a
// kind pass through untouched.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
}

// Kind returns the sentinel carried by err, or nil for unclassified errors.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrForbidden, ErrInvalid, ErrConflict, ErrTransient} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code is the stable machine-readable name of the error kind.
func Code(err error) string {
	switch Kind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrForbidden:
		return "forbidden"
	case ErrInvalid:
		return "invalid_request"
	case ErrConflict:
		return "conflict"
	case ErrTransient:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps the error kind to the status a REST caller receives.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrForbidden:
		return http.StatusForbidden
	case ErrInvalid:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether err is worth one more attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
