package entitlement

import (
	"fmt"
	"strings"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
)

// =============================================================================
// STRUCTURED ERRORS - Use with errors.As()
// =============================================================================

// InsufficientCreditsError is returned when an unlock costs more than the
// caller's balance. No writes are applied.
type InsufficientCreditsError struct {
	UserID   UserID
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: balance %d, required %d",
		e.UserID, e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return apperr.ErrInsufficientCredits
}

// RecordLockedError lists the requested records that hit their claim cap.
type RecordLockedError struct {
	RecordIDs []leads.RecordID
}

func (e *RecordLockedError) Error() string {
	return "records locked: " + joinIDs(e.RecordIDs)
}

func (e *RecordLockedError) Unwrap() error {
	return apperr.ErrRecordLocked
}

// UnknownRecordsError lists requested ids that do not exist.
type UnknownRecordsError struct {
	RecordIDs []leads.RecordID
}

func (e *UnknownRecordsError) Error() string {
	return "unknown records: " + joinIDs(e.RecordIDs)
}

func (e *UnknownRecordsError) Unwrap() error {
	return apperr.ErrNotFound
}

func joinIDs(ids []leads.RecordID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}
