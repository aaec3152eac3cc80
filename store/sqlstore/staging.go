package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/staging"
)

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, filename, source, archive_key, status, total_rows, valid_rows,
	invalid_rows, inserted_rows, skipped_rows, insert_errors, uploaded_by, approved_by,
	approved_at, validated_at, merged_at, rejected_at, rejection_reason, created_at, updated_at`

func (c *conn) CreateBatch(ctx context.Context, b staging.Batch) error {
	_, err := c.exec(ctx,
		`INSERT INTO lead_upload_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batchArgs(b)...,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (c *conn) UpdateBatch(ctx context.Context, b staging.Batch) error {
	args := batchArgs(b)[1:]
	args = append(args, string(b.ID))
	res, err := c.exec(ctx,
		`UPDATE lead_upload_batches SET
			filename = ?, source = ?, archive_key = ?, status = ?, total_rows = ?, valid_rows = ?,
			invalid_rows = ?, inserted_rows = ?, skipped_rows = ?, insert_errors = ?, uploaded_by = ?,
			approved_by = ?, approved_at = ?, validated_at = ?, merged_at = ?, rejected_at = ?,
			rejection_reason = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %s", apperr.ErrNotFound, b.ID)
	}
	return nil
}

func batchArgs(b staging.Batch) []any {
	return []any{
		string(b.ID), b.Filename, b.Source, b.ArchiveKey, string(b.Status),
		b.TotalRows, b.ValidRows, b.InvalidRows, b.InsertedRows, b.SkippedRows, b.InsertErrors,
		b.UploadedBy, b.ApprovedBy,
		nullTime(b.ApprovedAt), nullTime(b.ValidatedAt), nullTime(b.MergedAt), nullTime(b.RejectedAt),
		b.RejectionReason, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	}
}

func (c *conn) GetBatch(ctx context.Context, id staging.BatchID) (staging.Batch, error) {
	batches, err := c.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM lead_upload_batches WHERE id = ?`, string(id))
	if err != nil {
		return staging.Batch{}, err
	}
	if len(batches) == 0 {
		return staging.Batch{}, fmt.Errorf("%w: batch %s", apperr.ErrNotFound, id)
	}
	return batches[0], nil
}

func (c *conn) ListBatches(ctx context.Context, limit int) ([]staging.Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM lead_upload_batches ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return c.queryBatches(ctx, q, args...)
}

func (c *conn) queryBatches(ctx context.Context, q string, args ...any) ([]staging.Batch, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	out := []staging.Batch{}
	for rows.Next() {
		var (
			b                                            staging.Batch
			approvedAt, validatedAt, mergedAt, rejectedAt sql.NullString
			createdAt, updatedAt                         string
		)
		err := rows.Scan(
			&b.ID, &b.Filename, &b.Source, &b.ArchiveKey, &b.Status,
			&b.TotalRows, &b.ValidRows, &b.InvalidRows, &b.InsertedRows, &b.SkippedRows, &b.InsertErrors,
			&b.UploadedBy, &b.ApprovedBy,
			&approvedAt, &validatedAt, &mergedAt, &rejectedAt,
			&b.RejectionReason, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.ApprovedAt = timePtr(approvedAt)
		b.ValidatedAt = timePtr(validatedAt)
		b.MergedAt = timePtr(mergedAt)
		b.RejectedAt = timePtr(rejectedAt)
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// =============================================================================
// STAGING ROWS
// =============================================================================

const stagingColumns = `id, batch_id, row_number, full_contact_name, title_role, email, phone,
	company_name, website, state, regulation_type, filing_date, sec_filing_url,
	email_norm, company_norm, validation_errors, is_valid, created_at`

func (c *conn) InsertStagingRow(ctx context.Context, r staging.StagingRow) error {
	// FK enforcement differs between backends, so check explicitly.
	var exists int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM lead_upload_batches WHERE id = ?`, string(r.BatchID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check batch: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: batch %s", apperr.ErrNotFound, r.BatchID)
	}

	_, err = c.exec(ctx,
		`INSERT INTO lead_upload_staging (`+stagingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.BatchID), r.RowNumber,
		r.Row.FullContactName, r.Row.TitleRole, r.Row.Email, r.Row.Phone,
		r.Row.CompanyName, r.Row.Website, r.Row.State, r.Row.RegulationType, r.Row.FilingDate, r.Row.SECFilingURL,
		r.EmailNorm, r.CompanyNorm, strings.Join(r.ValidationErrors, ";"), r.IsValid, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert staging row: %w", err)
	}
	return nil
}

func (c *conn) StagingRows(ctx context.Context, id staging.BatchID) ([]staging.StagingRow, error) {
	return c.queryStaging(ctx,
		`SELECT `+stagingColumns+` FROM lead_upload_staging WHERE batch_id = ? ORDER BY row_number, id`,
		string(id),
	)
}

func (c *conn) GetStagingRow(ctx context.Context, id staging.BatchID, rowID string) (staging.StagingRow, error) {
	rows, err := c.queryStaging(ctx,
		`SELECT `+stagingColumns+` FROM lead_upload_staging WHERE batch_id = ? AND id = ?`,
		string(id), rowID,
	)
	if err != nil {
		return staging.StagingRow{}, err
	}
	if len(rows) == 0 {
		return staging.StagingRow{}, fmt.Errorf("%w: staging row %s", apperr.ErrNotFound, rowID)
	}
	return rows[0], nil
}

func (c *conn) UpdateStagingRow(ctx context.Context, r staging.StagingRow) error {
	res, err := c.exec(ctx,
		`UPDATE lead_upload_staging SET
			full_contact_name = ?, title_role = ?, email = ?, phone = ?, company_name = ?,
			website = ?, state = ?, regulation_type = ?, filing_date = ?, sec_filing_url = ?,
			email_norm = ?, company_norm = ?, validation_errors = ?, is_valid = ?
		WHERE id = ? AND batch_id = ?`,
		r.Row.FullContactName, r.Row.TitleRole, r.Row.Email, r.Row.Phone, r.Row.CompanyName,
		r.Row.Website, r.Row.State, r.Row.RegulationType, r.Row.FilingDate, r.Row.SECFilingURL,
		r.EmailNorm, r.CompanyNorm, strings.Join(r.ValidationErrors, ";"), r.IsValid,
		r.ID, string(r.BatchID),
	)
	if err != nil {
		return fmt.Errorf("failed to update staging row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: staging row %s", apperr.ErrNotFound, r.ID)
	}
	return nil
}

func (c *conn) queryStaging(ctx context.Context, q string, args ...any) ([]staging.StagingRow, error) {
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging rows: %w", err)
	}
	defer rows.Close()

	out := []staging.StagingRow{}
	for rows.Next() {
		var (
			r         staging.StagingRow
			errs      string
			createdAt string
		)
		err := rows.Scan(
			&r.ID, &r.BatchID, &r.RowNumber,
			&r.Row.FullContactName, &r.Row.TitleRole, &r.Row.Email, &r.Row.Phone,
			&r.Row.CompanyName, &r.Row.Website, &r.Row.State, &r.Row.RegulationType, &r.Row.FilingDate, &r.Row.SECFilingURL,
			&r.EmailNorm, &r.CompanyNorm, &errs, &r.IsValid, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staging row: %w", err)
		}
		r.ValidationErrors = []string{}
		if errs != "" {
			r.ValidationErrors = strings.Split(errs, ";")
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
