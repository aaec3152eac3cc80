package entitlement

import "time"

// Recorder receives operation outcomes. metrics.Metrics implements it.
type Recorder interface {
	Observe(op string, err error, d time.Duration)
	CreditsMoved(reason Reason, delta int64)
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, error, time.Duration) {}
func (nopRecorder) CreditsMoved(Reason, int64)           {}
