package staging

import (
	"fmt"

	"github.com/verifiedmeasure/leadvault/apperr"
)

// InvalidBatchStateError is returned for an illegal lifecycle transition,
// including a merge attempted while invalid rows remain.
type InvalidBatchStateError struct {
	BatchID BatchID
	From    Status
	To      Status
	Reason  string
}

func (e *InvalidBatchStateError) Error() string {
	msg := fmt.Sprintf("batch %s: cannot move from %s to %s", e.BatchID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidBatchStateError) Unwrap() error {
	return apperr.ErrInvalidBatchState
}
