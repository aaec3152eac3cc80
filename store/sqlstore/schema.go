package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// schema is valid for both SQLite and PostgreSQL. Statements are split on
// ";" and run one at a time.
const schema = `
CREATE TABLE IF NOT EXISTS credit_ledger (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	delta      BIGINT NOT NULL,
	reason     TEXT NOT NULL,
	meta       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_user
	ON credit_ledger(user_id, created_at);

CREATE TABLE IF NOT EXISTS dataset_access (
	user_id    TEXT NOT NULL,
	dataset    TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	granted_at TEXT NOT NULL,
	PRIMARY KEY (user_id, dataset, record_id)
);
CREATE INDEX IF NOT EXISTS idx_dataset_access_record
	ON dataset_access(dataset, record_id);

CREATE TABLE IF NOT EXISTS claims_rollup (
	dataset    TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	claimants  INTEGER NOT NULL,
	is_premium BOOLEAN NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (dataset, record_id)
);

CREATE TABLE IF NOT EXISTS business_profiles (
	user_id       TEXT PRIMARY KEY,
	business_rule TEXT NOT NULL CHECK (business_rule IN ('hybrid', 'exclusive_only')),
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id                 TEXT PRIMARY KEY,
	company            TEXT NOT NULL DEFAULT '',
	contact_name       TEXT NOT NULL DEFAULT '',
	contact_title      TEXT NOT NULL DEFAULT '',
	email              TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	website            TEXT NOT NULL DEFAULT '',
	industry           TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL DEFAULT '',
	city               TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL DEFAULT '',
	regulation_type    TEXT NOT NULL DEFAULT '',
	filing_date        TEXT NOT NULL DEFAULT '',
	sec_filing_url     TEXT NOT NULL DEFAULT '',
	workflow           TEXT NOT NULL DEFAULT 'new',
	intelligence_score INTEGER NOT NULL DEFAULT 0,
	is_premium         BOOLEAN NOT NULL,
	email_norm         TEXT NOT NULL DEFAULT '',
	company_norm       TEXT NOT NULL DEFAULT '',
	source_batch_id    TEXT NOT NULL DEFAULT '',
	meta               TEXT NOT NULL DEFAULT '{}',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_email_norm ON leads(email_norm);
CREATE INDEX IF NOT EXISTS idx_leads_company_norm ON leads(company_norm);
CREATE INDEX IF NOT EXISTS idx_leads_created ON leads(created_at);

CREATE TABLE IF NOT EXISTS lead_upload_batches (
	id               TEXT PRIMARY KEY,
	filename         TEXT NOT NULL,
	source           TEXT NOT NULL DEFAULT '',
	archive_key      TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL CHECK (status IN ('uploaded', 'validated', 'approved', 'merged', 'rejected')),
	total_rows       INTEGER NOT NULL DEFAULT 0,
	valid_rows       INTEGER NOT NULL DEFAULT 0,
	invalid_rows     INTEGER NOT NULL DEFAULT 0,
	inserted_rows    INTEGER NOT NULL DEFAULT 0,
	skipped_rows     INTEGER NOT NULL DEFAULT 0,
	insert_errors    INTEGER NOT NULL DEFAULT 0,
	uploaded_by      TEXT NOT NULL DEFAULT '',
	approved_by      TEXT NOT NULL DEFAULT '',
	approved_at      TEXT,
	validated_at     TEXT,
	merged_at        TEXT,
	rejected_at      TEXT,
	rejection_reason TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_created ON lead_upload_batches(created_at);

CREATE TABLE IF NOT EXISTS lead_upload_staging (
	id                TEXT PRIMARY KEY,
	batch_id          TEXT NOT NULL REFERENCES lead_upload_batches(id),
	row_number        INTEGER NOT NULL,
	full_contact_name TEXT NOT NULL DEFAULT '',
	title_role        TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	company_name      TEXT NOT NULL DEFAULT '',
	website           TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	regulation_type   TEXT NOT NULL DEFAULT '',
	filing_date       TEXT NOT NULL DEFAULT '',
	sec_filing_url    TEXT NOT NULL DEFAULT '',
	email_norm        TEXT NOT NULL DEFAULT '',
	company_norm      TEXT NOT NULL DEFAULT '',
	validation_errors TEXT NOT NULL DEFAULT '',
	is_valid          BOOLEAN NOT NULL,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_staging_batch ON lead_upload_staging(batch_id, row_number)
`

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
