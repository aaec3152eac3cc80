/*
dto.go - Request and response bodies

PURPOSE:
  JSON contract of the HTTP API. Domain types that already carry json tags
  (LeadView, LedgerEntry, Grant, Batch, StagingRow) are returned as is;
  everything else goes through the types below.

NAMING CONVENTION:
  - *Request: request bodies, checked with validator/v10 struct tags
  - *Response: response wrappers

SEE ALSO:
  - handlers.go: decode() runs the validator
*/
package api

import (
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/staging"
)

// =============================================================================
// REQUESTS
// =============================================================================

// UnlockRequest accepts at most 1000 ids per call.
type UnlockRequest struct {
	Dataset string   `json:"dataset" validate:"omitempty,oneof=leads"`
	IDs     []string `json:"ids" validate:"required,min=1,max=1000,dive,required"`
}

func (r UnlockRequest) dataset() leads.Dataset {
	if r.Dataset == "" {
		return leads.DatasetLeads
	}
	return leads.Dataset(r.Dataset)
}

func (r UnlockRequest) recordIDs() []leads.RecordID {
	out := make([]leads.RecordID, len(r.IDs))
	for i, id := range r.IDs {
		out[i] = leads.RecordID(id)
	}
	return out
}

// GrantRequest: user_id defaults to the caller, reason to admin_grant.
type GrantRequest struct {
	UserID string         `json:"user_id" validate:"omitempty,max=128"`
	Amount int64          `json:"amount" validate:"ne=0"`
	Reason string         `json:"reason" validate:"omitempty,max=64"`
	Meta   map[string]any `json:"meta"`
}

type BusinessRuleRequest struct {
	BusinessRule string `json:"business_rule" validate:"required,oneof=hybrid exclusive_only"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// CreateBatchRequest opens an empty batch for row-by-row staging.
type CreateBatchRequest struct {
	Filename  string `json:"filename" validate:"required,max=255"`
	Source    string `json:"source" validate:"max=64"`
	TotalRows int    `json:"total_rows" validate:"gte=0"`
}

// InsertRowRequest stages one row; the row fields sit beside row_number.
type InsertRowRequest struct {
	RowNumber int `json:"row_number" validate:"gte=1"`
	EditRowRequest
}

// EditRowRequest replaces every field of a staging row.
type EditRowRequest struct {
	FullContactName string `json:"full_contact_name" validate:"max=256"`
	TitleRole       string `json:"title_role" validate:"max=256"`
	Email           string `json:"validated_corporate_email" validate:"max=320"`
	Phone           string `json:"phone_number" validate:"max=64"`
	CompanyName     string `json:"company_name" validate:"max=256"`
	Website         string `json:"website" validate:"max=2048"`
	State           string `json:"state" validate:"max=64"`
	RegulationType  string `json:"regulation_type" validate:"max=128"`
	FilingDate      string `json:"filing_date" validate:"omitempty,datetime=2006-01-02"`
	SECFilingURL    string `json:"sec_filing_url" validate:"omitempty,max=2048,url"`
}

func (r EditRowRequest) row() staging.Row {
	return staging.Row{
		FullContactName: r.FullContactName,
		TitleRole:       r.TitleRole,
		Email:           r.Email,
		Phone:           r.Phone,
		CompanyName:     r.CompanyName,
		Website:         r.Website,
		State:           r.State,
		RegulationType:  r.RegulationType,
		FilingDate:      r.FilingDate,
		SECFilingURL:    r.SECFilingURL,
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

type BalanceResponse struct {
	UserID  entitlement.UserID `json:"user_id"`
	Balance int64              `json:"balance"`
}

type GrantResponse struct {
	Success      bool               `json:"success"`
	UserID       entitlement.UserID `json:"user_id"`
	Amount       int64              `json:"amount"`
	Reason       entitlement.Reason `json:"reason"`
	BalanceAfter int64              `json:"balance_after"`
}

type UploadResponse struct {
	BatchID      staging.BatchID `json:"batch_id"`
	TotalRows    int             `json:"total_rows"`
	InsertErrors int             `json:"insert_errors"`
	Batch        staging.Batch   `json:"batch"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	RecordIDs []leads.RecordID `json:"record_ids,omitempty"`
	Balance   *int64           `json:"balance,omitempty"`
	Required  *int64           `json:"required,omitempty"`
}
