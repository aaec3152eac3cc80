/*
leads.go - Production lead records

PURPOSE:
  A Lead is one row of the curated dataset users unlock. Leads are only
  ever inserted by the merge step of the staging pipeline; nothing in this
  module edits or deletes them.

IDENTITY KEYS:
  EmailNorm and CompanyNorm are derived at ingestion (see normalize.go) and
  stored next to the rich values. Deduplication compares keys only; the
  rich values are what users see and export.

SEE ALSO:
  - normalize.go: identity-key derivation
  - mask.go: contact previews for locked leads
  - staging/merge.go: the only writer
*/
package leads

import (
	"context"
	"time"
)

// Dataset names a grantable dataset. Only leads are modelled.
type Dataset string

const DatasetLeads Dataset = "leads"

// Valid reports whether d is a known dataset.
func (d Dataset) Valid() bool {
	return d == DatasetLeads
}

// RecordID identifies a lead.
type RecordID string

// Workflow is the sales workflow stage of a lead.
type Workflow string

const (
	WorkflowNew          Workflow = "new"
	WorkflowTriaged      Workflow = "triaged"
	WorkflowQualified    Workflow = "qualified"
	WorkflowInSequence   Workflow = "in_sequence"
	WorkflowEngaged      Workflow = "engaged"
	WorkflowWon          Workflow = "won"
	WorkflowLost         Workflow = "lost"
	WorkflowDoNotContact Workflow = "do_not_contact"
)

type Lead struct {
	ID                RecordID       `json:"id"`
	Company           string         `json:"company"`
	ContactName       string         `json:"contact_name,omitempty"`
	ContactTitle      string         `json:"contact_title,omitempty"`
	Email             string         `json:"email,omitempty"`
	Phone             string         `json:"phone,omitempty"`
	Website           string         `json:"website,omitempty"`
	Industry          string         `json:"industry,omitempty"`
	State             string         `json:"state,omitempty"`
	City              string         `json:"city,omitempty"`
	Stage             string         `json:"stage,omitempty"`
	RegulationType    string         `json:"regulation_type,omitempty"`
	FilingDate        string         `json:"filing_date,omitempty"`
	SECFilingURL      string         `json:"sec_filing_url,omitempty"`
	Workflow          Workflow       `json:"workflow"`
	IntelligenceScore int            `json:"intelligence_score"`
	IsPremium         bool           `json:"is_premium"`
	EmailNorm         string         `json:"-"`
	CompanyNorm       string         `json:"-"`
	SourceBatchID     string         `json:"-"`
	Meta              map[string]any `json:"meta,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DefaultLimit caps catalog listings when the caller gives no limit.
const DefaultLimit = 250

// Filter narrows a lead listing. Zero values match everything.
type Filter struct {
	State       string
	Industry    string
	PremiumOnly bool
	Limit       int
}

// EffectiveLimit returns the limit to apply.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > DefaultLimit {
		return DefaultLimit
	}
	return f.Limit
}

// Matches reports whether l passes the filter (limit excluded).
func (f Filter) Matches(l Lead) bool {
	if f.State != "" && l.State != f.State {
		return false
	}
	if f.Industry != "" && l.Industry != f.Industry {
		return false
	}
	if f.PremiumOnly && !l.IsPremium {
		return false
	}
	return true
}

// Store is the read side of the lead table.
type Store interface {
	// ListLeads returns leads newest first.
	ListLeads(ctx context.Context, f Filter) ([]Lead, error)

	// GetLeads returns the leads with the given ids, in the order given.
	// Unknown ids are skipped.
	GetLeads(ctx context.Context, ids []RecordID) ([]Lead, error)
}
