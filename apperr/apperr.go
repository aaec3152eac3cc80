/*
apperr.go - Error taxonomy shared by every layer

PURPOSE:
  One sentinel per failure class. Domain packages return structured errors
  that unwrap to one of these, so the transport can map any error to a
  status code with errors.Is() and never needs to know the concrete type.

ERROR CLASSES:
  ErrUnauthorized         no or invalid identity                      401
  ErrForbidden            identity lacks the required role            403
  ErrInvalidInput         malformed body, empty file, bad ids         400
  ErrNotFound             unknown batch / record                      404
  ErrInsufficientCredits  balance below unlock cost                   402
  ErrRecordLocked         claim cap reached at commit time            409
  ErrInvalidBatchState    illegal batch transition                    409
  ErrConflict             retryable storage conflict                  409
  ErrNoEntitledRecords    unlock left the caller with nothing         422
  ErrPersistence          underlying store failure                    500

RETRIES:
  Only ErrConflict is retried automatically. Everything else is final for
  the given input (InsufficientCredits needs more credits first).

SEE ALSO:
  - entitlement/errors.go, staging/errors.go: structured errors
  - api/handlers.go: writeError uses HTTPStatus/Code
*/
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRecordLocked        = errors.New("record locked")
	ErrInvalidBatchState   = errors.New("invalid batch state")
	ErrNoEntitledRecords   = errors.New("no entitled records")

	// ErrConflict is returned by stores when a transaction lost a race
	// (serialization failure, deadlock). Safe to retry.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrPersistence wraps any store/driver failure. Its details are logged,
	// never returned to clients.
	ErrPersistence = errors.New("persistence failure")
)

var classified = []error{
	ErrUnauthorized,
	ErrForbidden,
	ErrInvalidInput,
	ErrNotFound,
	ErrInsufficientCredits,
	ErrRecordLocked,
	ErrInvalidBatchState,
	ErrNoEntitledRecords,
	ErrConflict,
	ErrPersistence,
}

// =============================================================================
// HELPERS
// =============================================================================

// InvalidInput builds an ErrInvalidInput with a client-facing message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Persistence wraps a store error. Errors that already carry a class
// pass through unchanged so a domain error raised inside a transaction
// keeps its meaning.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if Classified(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Classified reports whether err unwraps to one of the taxonomy sentinels.
func Classified(err error) bool {
	for _, target := range classified {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// HTTPStatus maps an error to a response status. Unclassified errors are
// treated as persistence failures.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrRecordLocked),
		errors.Is(err, ErrInvalidBatchState),
		errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNoEntitledRecords):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrRecordLocked):
		return "record_locked"
	case errors.Is(err, ErrInvalidBatchState):
		return "invalid_batch_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNoEntitledRecords):
		return "no_entitled_records"
	default:
		return "persistence_failure"
	}
}
