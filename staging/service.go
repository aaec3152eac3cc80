/*
service.go - Batch service

PURPOSE:
  Orchestrates the upload lifecycle: create a batch, insert staging rows,
  validate, merge (merge.go) or reject. All state changes go through the
  transition table in state.go.

OPERATIONS:
  CreateBatch       new batch in "uploaded"
  InsertRow         one staging row; failures are the caller's to count
  Ingest            parse + CreateBatch + archive + chunked InsertRow
  Validate          re-entrant; recomputes every row and the counts
  EditRow           replace a row's fields; row becomes unvalidated
  Reject            manual escape hatch from any non-terminal state
  Batch/Batches/Rows  reads

CONCURRENCY:
  Every write to an existing batch (row inserts, Validate, EditRow,
  Reject, Merge) takes the Locker key "batch:<id>", so two operations
  on the same batch never interleave. Ingest takes it per chunk, never
  across the archive upload.
  Different batches are independent.
*/
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/lock"
	"github.com/verifiedmeasure/leadvault/logger"
)

const (
	// DefaultChunkSize bounds rows per transaction during ingest and merge.
	DefaultChunkSize = 250

	maxAttempts = 3
)

type Service struct {
	store     TxStore
	parser    *Parser
	validator *Validator
	locker    lock.Locker
	archive   Archiver
	log       *logger.Logger
	rec       Recorder
	chunkSize int
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithParser(p *Parser) Option {
	return func(s *Service) { s.parser = p }
}

func WithValidator(v *Validator) Option {
	return func(s *Service) { s.validator = v }
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithArchive stores every raw upload under uploads/<batch_id>/<filename>.
func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

func WithChunkSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store TxStore, opts ...Option) *Service {
	required, _ := ParseRequired(DefaultRequired)
	s := &Service{
		store:     store,
		parser:    NewParser(),
		validator: NewValidator(required, ""),
		locker:    lock.NewLocal(),
		log:       logger.NewNop(),
		rec:       nopRecorder{},
		chunkSize: DefaultChunkSize,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BatchKey is the lock key for one batch.
func BatchKey(id BatchID) string {
	return "batch:" + string(id)
}

// =============================================================================
// CREATE & INSERT
// =============================================================================

type NewBatch struct {
	Filename   string
	Source     string
	TotalRows  int
	UploadedBy string
}

func (s *Service) CreateBatch(ctx context.Context, nb NewBatch) (Batch, error) {
	if strings.TrimSpace(nb.Filename) == "" {
		return Batch{}, apperr.InvalidInput("filename is required")
	}
	if nb.TotalRows < 0 {
		return Batch{}, apperr.InvalidInput("total_rows must not be negative")
	}
	now := s.now()
	b := Batch{
		ID:         BatchID(s.newID()),
		Filename:   nb.Filename,
		Source:     nb.Source,
		Status:     StatusUploaded,
		TotalRows:  nb.TotalRows,
		UploadedBy: nb.UploadedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return Batch{}, apperr.Persistence("create batch", err)
	}
	s.log.Info("batch created", "batch_id", b.ID, "filename", b.Filename, "total_rows", b.TotalRows)
	return b, nil
}

// InsertRow adds one staging row to an uploaded batch. Identity keys are
// derived here; validity is left for Validate.
func (s *Service) InsertRow(ctx context.Context, id BatchID, rowNumber int, row Row) (StagingRow, error) {
	if rowNumber < 1 {
		return StagingRow{}, apperr.InvalidInput("row_number must be positive")
	}
	r := s.newRow(id, rowNumber, row)
	if err := s.insertRows(ctx, id, []StagingRow{r}); err != nil {
		return StagingRow{}, apperr.Persistence("insert staging row", err)
	}
	return r, nil
}

// insertRows writes rows in one transaction while the batch is still
// uploaded.
func (s *Service) insertRows(ctx context.Context, id BatchID, rows []StagingRow) error {
	release, err := s.locker.Acquire(ctx, BatchKey(id))
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	return s.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusUploaded {
			return &InvalidBatchStateError{BatchID: id, From: b.Status, To: StatusUploaded, Reason: "rows can only be added to an uploaded batch"}
		}
		for _, r := range rows {
			if err := tx.InsertStagingRow(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) newRow(id BatchID, rowNumber int, row Row) StagingRow {
	return StagingRow{
		ID:               s.newID(),
		BatchID:          id,
		RowNumber:        rowNumber,
		Row:              row,
		EmailNorm:        leads.NormalizeEmail(row.Email),
		CompanyNorm:      leads.NormalizeCompany(row.CompanyName),
		ValidationErrors: []string{},
		CreatedAt:        s.now(),
	}
}

// =============================================================================
// INGEST
// =============================================================================

type IngestResult struct {
	Batch        Batch `json:"batch"`
	TotalRows    int   `json:"total_rows"`
	InsertErrors int   `json:"insert_errors"`
}

// Ingest parses body and stages every record. Per-row insert failures are
// counted on the batch, not returned. A batch validated or rejected while
// rows are still going in stops the ingest with InvalidBatchState.
func (s *Service) Ingest(ctx context.Context, filename, source string, body []byte, uploadedBy string) (res IngestResult, err error) {
	start := time.Now()
	defer func() { s.rec.Observe("ingest", err, time.Since(start)) }()

	if strings.TrimSpace(filename) == "" {
		return IngestResult{}, apperr.InvalidInput("filename is required")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return IngestResult{}, apperr.InvalidInput("file is empty")
	}
	records, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return IngestResult{}, err
	}
	if len(records) == 0 {
		return IngestResult{}, apperr.InvalidInput("file has no data rows")
	}

	b, err := s.CreateBatch(ctx, NewBatch{
		Filename:   path.Base(filename),
		Source:     source,
		TotalRows:  len(records),
		UploadedBy: uploadedBy,
	})
	if err != nil {
		return IngestResult{}, err
	}

	var archiveKey string
	if s.archive != nil {
		key := fmt.Sprintf("uploads/%s/%s", b.ID, b.Filename)
		if err := s.archive.Put(ctx, key, body, "text/csv"); err != nil {
			s.log.Warn("archive upload failed", "batch_id", b.ID, "error", err)
		} else {
			archiveKey = key
		}
	}

	rows := make([]StagingRow, len(records))
	for i, rec := range records {
		rows[i] = s.newRow(b.ID, i+1, RowFromRecord(rec))
	}
	failed := 0
	for lo := 0; lo < len(rows); lo += s.chunkSize {
		hi := min(lo+s.chunkSize, len(rows))
		n, err := s.insertChunk(ctx, b.ID, rows[lo:hi])
		if err != nil {
			return IngestResult{}, apperr.Persistence("insert staging rows", err)
		}
		failed += n
	}

	b, err = s.recordIngest(ctx, b.ID, archiveKey, failed)
	if err != nil {
		return IngestResult{}, apperr.Persistence("update batch", err)
	}

	s.log.Info("batch ingested", "batch_id", b.ID, "rows", len(rows), "insert_errors", b.InsertErrors)
	return IngestResult{Batch: b, TotalRows: len(rows), InsertErrors: b.InsertErrors}, nil
}

// insertChunk writes rows in one transaction. If that fails the rows are
// retried one by one so a single bad row costs only itself. A batch that
// left uploaded, or vanished, stops the ingest.
func (s *Service) insertChunk(ctx context.Context, id BatchID, rows []StagingRow) (int, error) {
	err := s.insertRows(ctx, id, rows)
	if err == nil {
		return 0, nil
	}
	if stopsIngest(err) {
		return 0, err
	}

	failed := 0
	for _, r := range rows {
		err := s.insertRows(ctx, id, []StagingRow{r})
		switch {
		case err == nil:
		case stopsIngest(err):
			return failed, err
		default:
			s.log.Warn("staging row rejected", "batch_id", id, "row", r.RowNumber, "error", err)
			failed++
		}
	}
	return failed, nil
}

func stopsIngest(err error) bool {
	return errors.Is(err, apperr.ErrInvalidBatchState) ||
		errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrConflict)
}

// recordIngest stores the archive key and insert failures on the batch.
// Status is left to whoever owns it.
func (s *Service) recordIngest(ctx context.Context, id BatchID, archiveKey string, failed int) (Batch, error) {
	release, err := s.locker.Acquire(ctx, BatchKey(id))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	var out Batch
	err = s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if archiveKey != "" {
			cur.ArchiveKey = archiveKey
		}
		cur.InsertErrors += failed
		cur.UpdatedAt = s.now()
		out = cur
		return tx.UpdateBatch(ctx, cur)
	})
	return out, err
}

// =============================================================================
// VALIDATE
// =============================================================================

type ValidateResult struct {
	BatchID     BatchID `json:"batch_id"`
	TotalRows   int     `json:"total_rows"`
	ValidRows   int     `json:"valid_rows"`
	InvalidRows int     `json:"invalid_rows"`
}

func (s *Service) Validate(ctx context.Context, id BatchID) (res ValidateResult, err error) {
	start := time.Now()
	defer func() { s.rec.Observe("validate", err, time.Since(start)) }()

	release, err := s.locker.Acquire(ctx, BatchKey(id))
	if err != nil {
		return ValidateResult{}, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	err = s.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(b, StatusValidated, ""); err != nil {
			return err
		}

		rows, err := tx.StagingRows(ctx, id)
		if err != nil {
			return err
		}
		res = ValidateResult{BatchID: id, TotalRows: len(rows)}
		for _, r := range rows {
			out := s.validator.Validate(r.Row)
			r.EmailNorm, r.CompanyNorm = out.EmailNorm, out.CompanyNorm
			r.ValidationErrors, r.IsValid = out.Errors, out.IsValid
			if err := tx.UpdateStagingRow(ctx, r); err != nil {
				return err
			}
			if r.IsValid {
				res.ValidRows++
			} else {
				res.InvalidRows++
			}
		}

		now := s.now()
		b.Status = StatusValidated
		b.TotalRows, b.ValidRows, b.InvalidRows = res.TotalRows, res.ValidRows, res.InvalidRows
		b.ValidatedAt = &now
		b.UpdatedAt = now
		return tx.UpdateBatch(ctx, b)
	})
	if err != nil {
		return ValidateResult{}, apperr.Persistence("validate batch", err)
	}

	s.log.Info("batch validated", "batch_id", id, "valid", res.ValidRows, "invalid", res.InvalidRows)
	return res, nil
}

// =============================================================================
// EDIT & REJECT
// =============================================================================

// EditRow replaces a staging row's fields. The row is marked unvalidated
// until the next Validate, which also blocks Merge.
func (s *Service) EditRow(ctx context.Context, id BatchID, rowID string, row Row) (StagingRow, error) {
	release, err := s.locker.Acquire(ctx, BatchKey(id))
	if err != nil {
		return StagingRow{}, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	var out StagingRow
	err = s.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if b.Status != StatusUploaded && b.Status != StatusValidated {
			return &InvalidBatchStateError{BatchID: id, From: b.Status, To: b.Status, Reason: "rows are read-only once approved"}
		}

		r, err := tx.GetStagingRow(ctx, id, rowID)
		if err != nil {
			return err
		}
		wasValid := r.IsValid

		r.Row = row
		r.EmailNorm = leads.NormalizeEmail(row.Email)
		r.CompanyNorm = leads.NormalizeCompany(row.CompanyName)
		r.IsValid = false
		r.ValidationErrors = []string{ErrorUnvalidated}
		if err := tx.UpdateStagingRow(ctx, r); err != nil {
			return err
		}

		if b.Status == StatusValidated && wasValid {
			b.ValidRows--
			b.InvalidRows++
			b.UpdatedAt = s.now()
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return StagingRow{}, apperr.Persistence("edit staging row", err)
	}
	s.log.Info("staging row edited", "batch_id", id, "row_id", rowID)
	return out, nil
}

func (s *Service) Reject(ctx context.Context, id BatchID, reason string) (Batch, error) {
	release, err := s.locker.Acquire(ctx, BatchKey(id))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	var out Batch
	err = s.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(b, StatusRejected, ""); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusRejected
		b.RejectedAt = &now
		b.RejectionReason = strings.TrimSpace(reason)
		b.UpdatedAt = now
		out = b
		return tx.UpdateBatch(ctx, b)
	})
	if err != nil {
		return Batch{}, apperr.Persistence("reject batch", err)
	}
	s.log.Info("batch rejected", "batch_id", id, "reason", out.RejectionReason)
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Batch(ctx context.Context, id BatchID) (Batch, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return Batch{}, apperr.Persistence("load batch", err)
	}
	return b, nil
}

func (s *Service) Batches(ctx context.Context, limit int) ([]Batch, error) {
	bs, err := s.store.ListBatches(ctx, limit)
	if err != nil {
		return nil, apperr.Persistence("list batches", err)
	}
	return bs, nil
}

func (s *Service) Rows(ctx context.Context, id BatchID) ([]StagingRow, error) {
	if _, err := s.store.GetBatch(ctx, id); err != nil {
		return nil, apperr.Persistence("load batch", err)
	}
	rows, err := s.store.StagingRows(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("list staging rows", err)
	}
	return rows, nil
}
