// Package apperr defines the error kinds shared by every component. Domain
// code wraps a kind with detail, e.g. fmt.Errorf("%w: missing header", ErrValidation),
// and callers classify with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrAuth          = errors.New("authentication failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrConfiguration = errors.New("not configured")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrTooLarge      = errors.New("payload too large")
	ErrInternal      = errors.New("internal error")
)

// Kind returns the sentinel kind err wraps, or ErrInternal when it wraps none.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrAuth, ErrNotFound, ErrConflict, ErrConfiguration, ErrRateLimited, ErrTooLarge} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// HTTPStatus maps err to a status code and a stable machine-readable code.
func HTTPStatus(err error) (int, string) {
	switch Kind(err) {
	case ErrValidation:
		return http.StatusBadRequest, "validation_error"
	case ErrAuth:
		return http.StatusUnauthorized, "auth_error"
	case ErrNotFound:
		return http.StatusNotFound, "not_found"
	case ErrConflict:
		return http.StatusConflict, "conflict"
	case ErrConfiguration:
		return http.StatusUnprocessableEntity, "configuration_error"
	case ErrRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Label is the lowercase kind name used for metric labels and logs.
func Label(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation"
	case ErrAuth:
		return "auth"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrConfiguration:
		return "configuration"
	case ErrRateLimited:
		return "rate_limited"
	case ErrTooLarge:
		return "too_large"
	default:
		return "internal"
	}
}
