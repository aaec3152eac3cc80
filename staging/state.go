package staging

import "slices"

type Status string

const (
	StatusUploaded  Status = "uploaded"
	StatusValidated Status = "validated"
	StatusApproved  Status = "approved"
	StatusMerged    Status = "merged"
	StatusRejected  Status = "rejected"
)

// transitions lists the legal next states. Anything else is rejected with
// InvalidBatchStateError.
var transitions = map[Status][]Status{
	StatusUploaded:  {StatusValidated, StatusRejected},
	StatusValidated: {StatusValidated, StatusApproved, StatusRejected},
	StatusApproved:  {StatusMerged, StatusRejected},
	StatusMerged:    nil,
	StatusRejected:  nil,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(b Batch, to Status, reason string) error {
	if CanTransition(b.Status, to) {
		return nil
	}
	return &InvalidBatchStateError{BatchID: b.ID, From: b.Status, To: to, Reason: reason}
}
