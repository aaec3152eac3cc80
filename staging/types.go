/*
types.go - Upload batches and staging rows

PURPOSE:
  A Batch is one CSV ingestion with an auditable lifecycle. Its rows live
  in staging until an administrator merges the batch into the lead table.

LIFECYCLE:
  uploaded -> validated -> approved -> merged
       \          \           \
        +----------+-----------+--> rejected

  validated -> validated is legal (re-validation after row edits).
  merged and rejected are terminal. See state.go.

SEE ALSO:
  - csv.go: raw text -> Records
  - validate.go: Row -> Result
  - merge.go: staging -> leads
*/
package staging

import (
	"time"
)

type BatchID string

// Field is a canonical column of the upload schema.
type Field string

const (
	FieldFullContactName Field = "full_contact_name"
	FieldTitleRole       Field = "title_role"
	FieldEmail           Field = "validated_corporate_email"
	FieldPhone           Field = "phone_number"
	FieldCompanyName     Field = "company_name"
	FieldWebsite         Field = "website"
	FieldState           Field = "state"
	FieldRegulationType  Field = "regulation_type"
	FieldFilingDate      Field = "filing_date"
	FieldSECFilingURL    Field = "sec_filing_url"
)

// Schema is the canonical column order, used for exports and templates.
var Schema = []Field{
	FieldFullContactName,
	FieldTitleRole,
	FieldEmail,
	FieldPhone,
	FieldCompanyName,
	FieldWebsite,
	FieldState,
	FieldRegulationType,
	FieldFilingDate,
	FieldSECFilingURL,
}

// Row holds the rich values of one staging row.
type Row struct {
	FullContactName string `json:"full_contact_name,omitempty"`
	TitleRole       string `json:"title_role,omitempty"`
	Email           string `json:"validated_corporate_email,omitempty"`
	Phone           string `json:"phone_number,omitempty"`
	CompanyName     string `json:"company_name,omitempty"`
	Website         string `json:"website,omitempty"`
	State           string `json:"state,omitempty"`
	RegulationType  string `json:"regulation_type,omitempty"`
	FilingDate      string `json:"filing_date,omitempty"`
	SECFilingURL    string `json:"sec_filing_url,omitempty"`
}

// Get returns the value of f, or "" for unknown fields.
func (r Row) Get(f Field) string {
	switch f {
	case FieldFullContactName:
		return r.FullContactName
	case FieldTitleRole:
		return r.TitleRole
	case FieldEmail:
		return r.Email
	case FieldPhone:
		return r.Phone
	case FieldCompanyName:
		return r.CompanyName
	case FieldWebsite:
		return r.Website
	case FieldState:
		return r.State
	case FieldRegulationType:
		return r.RegulationType
	case FieldFilingDate:
		return r.FilingDate
	case FieldSECFilingURL:
		return r.SECFilingURL
	}
	return ""
}

// RowFromRecord maps a parsed record onto a Row.
func RowFromRecord(rec Record) Row {
	return Row{
		FullContactName: rec[FieldFullContactName],
		TitleRole:       rec[FieldTitleRole],
		Email:           rec[FieldEmail],
		Phone:           rec[FieldPhone],
		CompanyName:     rec[FieldCompanyName],
		Website:         rec[FieldWebsite],
		State:           rec[FieldState],
		RegulationType:  rec[FieldRegulationType],
		FilingDate:      rec[FieldFilingDate],
		SECFilingURL:    rec[FieldSECFilingURL],
	}
}

// StagingRow is one ingested candidate lead.
type StagingRow struct {
	ID               string    `json:"id"`
	BatchID          BatchID   `json:"batch_id"`
	RowNumber        int       `json:"row_number"`
	Row              Row       `json:"row"`
	EmailNorm        string    `json:"email_norm"`
	CompanyNorm      string    `json:"company_norm"`
	ValidationErrors []string  `json:"validation_errors"`
	IsValid          bool      `json:"is_valid"`
	CreatedAt        time.Time `json:"created_at"`
}

type Batch struct {
	ID              BatchID    `json:"id"`
	Filename        string     `json:"filename"`
	Source          string     `json:"source,omitempty"`
	ArchiveKey      string     `json:"archive_key,omitempty"`
	Status          Status     `json:"status"`
	TotalRows       int        `json:"total_rows"`
	ValidRows       int        `json:"valid_rows"`
	InvalidRows     int        `json:"invalid_rows"`
	InsertedRows    int        `json:"inserted_rows"`
	SkippedRows     int        `json:"skipped_rows"`
	InsertErrors    int        `json:"insert_errors"`
	UploadedBy      string     `json:"uploaded_by"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ValidatedAt     *time.Time `json:"validated_at,omitempty"`
	MergedAt        *time.Time `json:"merged_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
