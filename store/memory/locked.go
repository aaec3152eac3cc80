package memory

import (
	"context"

	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/staging"
)

// Non-transactional access: each call is its own atomic unit.

func (s *Store) Balance(ctx context.Context, user entitlement.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Balance(ctx, user)
}

func (s *Store) Entries(ctx context.Context, user entitlement.UserID, limit int) ([]entitlement.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Entries(ctx, user, limit)
}

func (s *Store) AppendEntry(ctx context.Context, e entitlement.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.AppendEntry(ctx, e)
}

func (s *Store) Granted(ctx context.Context, user entitlement.UserID, ds leads.Dataset, ids []leads.RecordID) ([]leads.RecordID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Granted(ctx, user, ds, ids)
}

func (s *Store) Grants(ctx context.Context, user entitlement.UserID, ds leads.Dataset) ([]entitlement.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Grants(ctx, user, ds)
}

func (s *Store) CreateGrant(ctx context.Context, g entitlement.Grant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateGrant(ctx, g)
}

func (s *Store) Rollups(ctx context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]entitlement.ClaimsRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Rollups(ctx, ds, ids)
}

func (s *Store) RefreshRollup(ctx context.Context, ds leads.Dataset, id leads.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.RefreshRollup(ctx, ds, id)
}

func (s *Store) PremiumFlags(ctx context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.PremiumFlags(ctx, ds, ids)
}

func (s *Store) Profile(ctx context.Context, user entitlement.UserID) (*entitlement.BusinessProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Profile(ctx, user)
}

func (s *Store) SaveProfile(ctx context.Context, p entitlement.BusinessProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SaveProfile(ctx, p)
}

func (s *Store) ListLeads(ctx context.Context, f leads.Filter) ([]leads.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListLeads(ctx, f)
}

func (s *Store) GetLeads(ctx context.Context, ids []leads.RecordID) ([]leads.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetLeads(ctx, ids)
}

func (s *Store) FindLead(ctx context.Context, emailNorm, companyNorm string) (leads.RecordID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.FindLead(ctx, emailNorm, companyNorm)
}

func (s *Store) InsertLead(ctx context.Context, l leads.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertLead(ctx, l)
}

func (s *Store) CreateBatch(ctx context.Context, b staging.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CreateBatch(ctx, b)
}

func (s *Store) GetBatch(ctx context.Context, id staging.BatchID) (staging.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetBatch(ctx, id)
}

func (s *Store) ListBatches(ctx context.Context, limit int) ([]staging.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListBatches(ctx, limit)
}

func (s *Store) UpdateBatch(ctx context.Context, b staging.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateBatch(ctx, b)
}

func (s *Store) InsertStagingRow(ctx context.Context, r staging.StagingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.InsertStagingRow(ctx, r)
}

func (s *Store) StagingRows(ctx context.Context, id staging.BatchID) ([]staging.StagingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.StagingRows(ctx, id)
}

func (s *Store) GetStagingRow(ctx context.Context, id staging.BatchID, rowID string) (staging.StagingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetStagingRow(ctx, id, rowID)
}

func (s *Store) UpdateStagingRow(ctx context.Context, r staging.StagingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.UpdateStagingRow(ctx, r)
}
