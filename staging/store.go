package staging

import (
	"context"
	"time"

	"github.com/verifiedmeasure/leadvault/leads"
)

// Store persists batches and staging rows, and exposes the two lead-table
// operations the merge needs. Lookups of missing batches or rows return
// an error wrapping apperr.ErrNotFound.
type Store interface {
	CreateBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id BatchID) (Batch, error)

	// ListBatches returns batches newest first. limit <= 0 means all.
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
	UpdateBatch(ctx context.Context, b Batch) error

	// InsertStagingRow fails when the batch does not exist.
	InsertStagingRow(ctx context.Context, r StagingRow) error

	// StagingRows returns the batch's rows by ascending row number.
	StagingRows(ctx context.Context, id BatchID) ([]StagingRow, error)
	GetStagingRow(ctx context.Context, id BatchID, rowID string) (StagingRow, error)
	UpdateStagingRow(ctx context.Context, r StagingRow) error

	// FindLead looks up a lead by email_norm first, then company_norm.
	// Empty keys never match.
	FindLead(ctx context.Context, emailNorm, companyNorm string) (leads.RecordID, bool, error)
	InsertLead(ctx context.Context, l leads.Lead) error
}

// Tx is a Store bound to one open transaction.
type Tx interface {
	Store
	Lock(ctx context.Context, keys ...string) error
}

type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Archiver keeps the raw bytes of each upload. archive.Store implements it.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Recorder receives operation outcomes. metrics.Metrics implements it.
type Recorder interface {
	Observe(op string, err error, d time.Duration)
	RowsMerged(outcome string, n int)
}

type nopRecorder struct{}

func (nopRecorder) Observe(string, error, time.Duration) {}
func (nopRecorder) RowsMerged(string, int)               {}
