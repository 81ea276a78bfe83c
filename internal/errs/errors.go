package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrConflict           = errors.New("concurrent modification conflict")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrSignatureExpired   = errors.New("signature expired")
	ErrNotFound           = errors.New("not found")
	ErrExternalService    = errors.New("external service error")
	ErrRateLimited        = errors.New("rate limited")

	ErrAccountClosed     = errors.New("ledger account closed")
	ErrInsufficientStock = errors.New("insufficient inventory")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether the caller may safely retry the same request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrRateLimited)
}

// IsAuthFailure groups every signed-request rejection.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrSignatureExpired)
}

// HTTPStatus maps an error to the status code returned to callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case IsAuthFailure(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrDuplicateOperation),
		errors.Is(err, ErrAccountClosed),
		errors.Is(err, ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
