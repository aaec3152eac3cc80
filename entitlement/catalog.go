package entitlement

import (
	"context"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
)

// LeadView is one catalog row as seen by a particular user. Contact details
// are masked unless the user holds a grant.
type LeadView struct {
	leads.Lead
	Status    Status `json:"status"`
	Label     string `json:"capacity_label"`
	Claimants int    `json:"claimants"`
}

// Catalog lists leads with the caller's status for each. Counts are read
// outside any transaction: the view is for display only and Unlock
// re-checks everything.
func (s *Service) Catalog(ctx context.Context, user UserID, f leads.Filter) ([]LeadView, error) {
	if user == "" {
		return nil, apperr.ErrUnauthorized
	}

	rows, err := s.leads.ListLeads(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list leads", err)
	}
	if len(rows) == 0 {
		return []LeadView{}, nil
	}

	ids := make([]leads.RecordID, len(rows))
	for i, l := range rows {
		ids[i] = l.ID
	}

	mode, err := modeOf(ctx, s.store, user)
	if err != nil {
		return nil, apperr.Persistence("load profile", err)
	}
	held, err := s.store.Granted(ctx, user, leads.DatasetLeads, ids)
	if err != nil {
		return nil, apperr.Persistence("load grants", err)
	}
	rollups, err := s.store.Rollups(ctx, leads.DatasetLeads, ids)
	if err != nil {
		return nil, apperr.Persistence("load rollups", err)
	}

	heldSet := make(map[leads.RecordID]bool, len(held))
	for _, id := range held {
		heldSet[id] = true
	}

	out := make([]LeadView, len(rows))
	for i, l := range rows {
		claimants := rollups[l.ID].Claimants
		d := Evaluate(mode, l.IsPremium, claimants, heldSet[l.ID])
		if d.Status != StatusDownloaded {
			l = l.Masked()
		}
		out[i] = LeadView{Lead: l, Status: d.Status, Label: d.Label, Claimants: claimants}
	}
	return out, nil
}
