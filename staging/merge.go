/*
merge.go - Merge engine

PURPOSE:
  Copies valid staging rows into the lead table, skipping every row whose
  identity matches an existing lead. Rich values are copied; the keys are
  only used for matching.

FLOW:
  validated  -> check invalid rows == 0 -> approved (approved_by/at)
  approved   -> merge chunks, one transaction each -> merged (merged_at)
  merged     -> duplicate pass again; reports inserted 0

IDEMPOTENCE:
  A row is a duplicate when a lead matches its email_norm, or failing
  that its company_norm. Rows inserted by an earlier run (or an earlier
  chunk of an interrupted run) match themselves, so re-running is safe.
  Within a chunk the store locks every row key before the lookups, so two
  merges racing on the same identity cannot both insert.

COUNTS:
  batch.inserted_rows is cumulative across runs.
  batch.skipped_rows = valid_rows - inserted_rows.
*/
package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
)

type MergeResult struct {
	BatchID      BatchID `json:"batch_id"`
	Status       Status  `json:"status"`
	ValidRows    int     `json:"valid_rows"`
	InsertedRows int     `json:"inserted_rows"`
	SkippedRows  int     `json:"skipped_rows"`
}

func (s *Service) Merge(ctx context.Context, id BatchID, approvedBy string) (res MergeResult, err error) {
	start := time.Now()
	defer func() { s.rec.Observe("merge", err, time.Since(start)) }()

	release, err := s.locker.Acquire(ctx, BatchKey(id))
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	b, valid, err := s.approve(ctx, id, approvedBy)
	if err != nil {
		return MergeResult{}, apperr.Persistence("approve batch", err)
	}

	inserted := 0
	for lo := 0; lo < len(valid); lo += s.chunkSize {
		hi := min(lo+s.chunkSize, len(valid))
		n, err := s.mergeChunk(ctx, b, valid[lo:hi])
		if err != nil {
			s.log.Error("merge chunk failed", "batch_id", id, "offset", lo, "inserted_so_far", inserted, "error", err)
			// Rows committed by earlier chunks must still be counted.
			s.recordProgress(ctx, b, inserted)
			return MergeResult{}, apperr.Persistence("merge chunk", err)
		}
		inserted += n
	}

	b, err = s.finish(ctx, b, inserted)
	if err != nil {
		return MergeResult{}, apperr.Persistence("finish merge", err)
	}

	res = MergeResult{
		BatchID:      id,
		Status:       b.Status,
		ValidRows:    len(valid),
		InsertedRows: inserted,
		SkippedRows:  len(valid) - inserted,
	}
	s.rec.RowsMerged("inserted", res.InsertedRows)
	s.rec.RowsMerged("skipped", res.SkippedRows)
	s.log.Info("batch merged", "batch_id", id, "inserted", res.InsertedRows, "skipped", res.SkippedRows)
	return res, nil
}

// approve checks the batch can be merged and moves validated batches to
// approved. It returns the valid rows to merge.
func (s *Service) approve(ctx context.Context, id BatchID, approvedBy string) (Batch, []StagingRow, error) {
	var (
		b     Batch
		valid []StagingRow
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		b, err = tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		switch b.Status {
		case StatusValidated, StatusApproved, StatusMerged:
		default:
			return &InvalidBatchStateError{BatchID: id, From: b.Status, To: StatusMerged, Reason: "batch must be validated first"}
		}

		rows, err := tx.StagingRows(ctx, id)
		if err != nil {
			return err
		}
		valid = valid[:0]
		invalid := 0
		for _, r := range rows {
			if r.IsValid {
				valid = append(valid, r)
			} else {
				invalid++
			}
		}

		if b.Status != StatusValidated {
			return nil
		}
		if invalid > 0 {
			return &InvalidBatchStateError{
				BatchID: id,
				From:    b.Status,
				To:      StatusMerged,
				Reason:  fmt.Sprintf("%d invalid rows", invalid),
			}
		}
		if err := checkTransition(b, StatusApproved, ""); err != nil {
			return err
		}
		now := s.now()
		b.Status = StatusApproved
		b.ApprovedBy = approvedBy
		b.ApprovedAt = &now
		b.UpdatedAt = now
		return tx.UpdateBatch(ctx, b)
	})
	return b, valid, err
}

func (s *Service) mergeChunk(ctx context.Context, b Batch, rows []StagingRow) (int, error) {
	keys := make([]string, 0, 2*len(rows))
	for _, r := range rows {
		if r.EmailNorm != "" {
			keys = append(keys, "lead:email:"+r.EmailNorm)
		}
		if r.CompanyNorm != "" {
			keys = append(keys, "lead:company:"+r.CompanyNorm)
		}
	}

	var inserted int
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		inserted = 0
		err = s.store.WithTx(ctx, func(tx Tx) error {
			if err := tx.Lock(ctx, keys...); err != nil {
				return err
			}
			for _, r := range rows {
				_, found, err := tx.FindLead(ctx, r.EmailNorm, r.CompanyNorm)
				if err != nil {
					return err
				}
				if found {
					continue
				}
				if err := tx.InsertLead(ctx, s.leadFromRow(b, r)); err != nil {
					return err
				}
				inserted++
			}
			return nil
		})
		if err == nil || !apperr.IsRetryable(err) {
			break
		}
		s.log.Warn("merge conflict, retrying", "batch_id", b.ID, "attempt", attempt, "error", err)
	}
	return inserted, err
}

func (s *Service) leadFromRow(b Batch, r StagingRow) leads.Lead {
	now := s.now()
	return leads.Lead{
		ID:             leads.RecordID(s.newID()),
		Company:        r.Row.CompanyName,
		ContactName:    r.Row.FullContactName,
		ContactTitle:   r.Row.TitleRole,
		Email:          r.Row.Email,
		Phone:          r.Row.Phone,
		Website:        r.Row.Website,
		State:          r.Row.State,
		RegulationType: r.Row.RegulationType,
		FilingDate:     r.Row.FilingDate,
		SECFilingURL:   r.Row.SECFilingURL,
		Workflow:       leads.WorkflowNew,
		EmailNorm:      r.EmailNorm,
		CompanyNorm:    r.CompanyNorm,
		SourceBatchID:  string(b.ID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) finish(ctx context.Context, b Batch, inserted int) (Batch, error) {
	var out Batch
	err := s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.GetBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		now := s.now()
		if cur.Status == StatusApproved {
			if err := checkTransition(cur, StatusMerged, ""); err != nil {
				return err
			}
			cur.Status = StatusMerged
			cur.MergedAt = &now
		}
		cur.InsertedRows += inserted
		cur.SkippedRows = max(cur.ValidRows-cur.InsertedRows, 0)
		cur.UpdatedAt = now
		out = cur
		return tx.UpdateBatch(ctx, cur)
	})
	return out, err
}

func (s *Service) recordProgress(ctx context.Context, b Batch, inserted int) {
	if inserted == 0 {
		return
	}
	err := s.store.WithTx(ctx, func(tx Tx) error {
		cur, err := tx.GetBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.InsertedRows += inserted
		cur.SkippedRows = max(cur.ValidRows-cur.InsertedRows, 0)
		cur.UpdatedAt = s.now()
		return tx.UpdateBatch(ctx, cur)
	})
	if err != nil {
		s.log.Error("record merge progress failed", "batch_id", b.ID, "error", err)
	}
}
