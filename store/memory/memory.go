// Package memory is an in-process implementation of every store contract,
// used by tests.
//
// Each transaction snapshots the whole state for rollback, so its cost
// grows with the data held. Deployments use store/sqlite or
// store/postgres.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/staging"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store guards one state value with a RWMutex. Plain methods take the lock
// per call; WithTx holds the write lock for the whole function, so
// transactions are fully serialized.
type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// Entitlements returns the entitlement view of the store.
func (s *Store) Entitlements() entitlement.TxStore {
	return entitlementStore{s}
}

// Staging returns the staging view of the store.
func (s *Store) Staging() staging.TxStore {
	return stagingStore{s}
}

type entitlementStore struct{ *Store }

func (e entitlementStore) WithTx(ctx context.Context, fn func(entitlement.Tx) error) error {
	return e.withTx(func(tx *txState) error { return fn(tx) })
}

type stagingStore struct{ *Store }

func (e stagingStore) WithTx(ctx context.Context, fn func(staging.Tx) error) error {
	return e.withTx(func(tx *txState) error { return fn(tx) })
}

// withTx runs fn against the live state and restores a snapshot if fn
// fails.
func (s *Store) withTx(fn func(*txState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&txState{state: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// txState is the transactional view. Locks are implicit: the write lock
// is already held.
type txState struct {
	*state
}

func (*txState) Lock(context.Context, ...string) error { return nil }

// =============================================================================
// STATE
// =============================================================================

type grantKey struct {
	user entitlement.UserID
	ds   leads.Dataset
	id   leads.RecordID
}

type recordKey struct {
	ds leads.Dataset
	id leads.RecordID
}

type state struct {
	entries  []entitlement.LedgerEntry
	grants   []entitlement.Grant
	granted  map[grantKey]bool
	rollups  map[recordKey]entitlement.ClaimsRollup
	profiles map[entitlement.UserID]entitlement.BusinessProfile

	leads      []leads.Lead
	leadIdx    map[leads.RecordID]int
	byEmail    map[string]leads.RecordID
	byCompany  map[string]leads.RecordID
	batches    []staging.Batch
	batchIdx   map[staging.BatchID]int
	rows       map[staging.BatchID][]staging.StagingRow
	stagingIDs map[string]bool
}

func newState() *state {
	return &state{
		granted:    make(map[grantKey]bool),
		rollups:    make(map[recordKey]entitlement.ClaimsRollup),
		profiles:   make(map[entitlement.UserID]entitlement.BusinessProfile),
		leadIdx:    make(map[leads.RecordID]int),
		byEmail:    make(map[string]leads.RecordID),
		byCompany:  make(map[string]leads.RecordID),
		batchIdx:   make(map[staging.BatchID]int),
		rows:       make(map[staging.BatchID][]staging.StagingRow),
		stagingIDs: make(map[string]bool),
	}
}

func (st *state) clone() *state {
	c := &state{
		entries:    slices.Clone(st.entries),
		grants:     slices.Clone(st.grants),
		granted:    cloneMap(st.granted),
		rollups:    cloneMap(st.rollups),
		profiles:   cloneMap(st.profiles),
		leads:      slices.Clone(st.leads),
		leadIdx:    cloneMap(st.leadIdx),
		byEmail:    cloneMap(st.byEmail),
		byCompany:  cloneMap(st.byCompany),
		batches:    slices.Clone(st.batches),
		batchIdx:   cloneMap(st.batchIdx),
		rows:       make(map[staging.BatchID][]staging.StagingRow, len(st.rows)),
		stagingIDs: cloneMap(st.stagingIDs),
	}
	for k, v := range st.rows {
		c.rows[k] = slices.Clone(v)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// LEDGER & ENTITLEMENTS
// =============================================================================

func (st *state) Balance(_ context.Context, user entitlement.UserID) (int64, error) {
	var sum int64
	for _, e := range st.entries {
		if e.UserID == user {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (st *state) Entries(_ context.Context, user entitlement.UserID, limit int) ([]entitlement.LedgerEntry, error) {
	out := []entitlement.LedgerEntry{}
	for i := len(st.entries) - 1; i >= 0; i-- {
		if st.entries[i].UserID != user {
			continue
		}
		out = append(out, st.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (st *state) AppendEntry(_ context.Context, e entitlement.LedgerEntry) error {
	st.entries = append(st.entries, e)
	return nil
}

func (st *state) Granted(_ context.Context, user entitlement.UserID, ds leads.Dataset, ids []leads.RecordID) ([]leads.RecordID, error) {
	out := []leads.RecordID{}
	for _, id := range ids {
		if st.granted[grantKey{user, ds, id}] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (st *state) Grants(_ context.Context, user entitlement.UserID, ds leads.Dataset) ([]entitlement.Grant, error) {
	out := []entitlement.Grant{}
	for i := len(st.grants) - 1; i >= 0; i-- {
		if g := st.grants[i]; g.UserID == user && g.Dataset == ds {
			out = append(out, g)
		}
	}
	return out, nil
}

func (st *state) CreateGrant(_ context.Context, g entitlement.Grant) (bool, error) {
	k := grantKey{g.UserID, g.Dataset, g.RecordID}
	if st.granted[k] {
		return false, nil
	}
	st.granted[k] = true
	st.grants = append(st.grants, g)
	return true, nil
}

func (st *state) Rollups(_ context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]entitlement.ClaimsRollup, error) {
	out := make(map[leads.RecordID]entitlement.ClaimsRollup)
	for _, id := range ids {
		if r, ok := st.rollups[recordKey{ds, id}]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (st *state) RefreshRollup(_ context.Context, ds leads.Dataset, id leads.RecordID) error {
	n := 0
	for _, g := range st.grants {
		if g.Dataset == ds && g.RecordID == id {
			n++
		}
	}
	premium := false
	if i, ok := st.leadIdx[id]; ok && ds == leads.DatasetLeads {
		premium = st.leads[i].IsPremium
	}
	st.rollups[recordKey{ds, id}] = entitlement.ClaimsRollup{Dataset: ds, RecordID: id, Claimants: n, IsPremium: premium}
	return nil
}

func (st *state) PremiumFlags(_ context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]bool, error) {
	out := make(map[leads.RecordID]bool)
	if ds != leads.DatasetLeads {
		return out, nil
	}
	for _, id := range ids {
		if i, ok := st.leadIdx[id]; ok {
			out[id] = st.leads[i].IsPremium
		}
	}
	return out, nil
}

func (st *state) Profile(_ context.Context, user entitlement.UserID) (*entitlement.BusinessProfile, error) {
	p, ok := st.profiles[user]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (st *state) SaveProfile(_ context.Context, p entitlement.BusinessProfile) error {
	st.profiles[p.UserID] = p
	return nil
}

// =============================================================================
// LEADS
// =============================================================================

func (st *state) ListLeads(_ context.Context, f leads.Filter) ([]leads.Lead, error) {
	out := []leads.Lead{}
	limit := f.EffectiveLimit()
	for i := len(st.leads) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(st.leads[i]) {
			out = append(out, st.leads[i])
		}
	}
	return out, nil
}

func (st *state) GetLeads(_ context.Context, ids []leads.RecordID) ([]leads.Lead, error) {
	out := []leads.Lead{}
	for _, id := range ids {
		if i, ok := st.leadIdx[id]; ok {
			out = append(out, st.leads[i])
		}
	}
	return out, nil
}

func (st *state) FindLead(_ context.Context, emailNorm, companyNorm string) (leads.RecordID, bool, error) {
	if emailNorm != "" {
		if id, ok := st.byEmail[emailNorm]; ok {
			return id, true, nil
		}
	}
	if companyNorm != "" {
		if id, ok := st.byCompany[companyNorm]; ok {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (st *state) InsertLead(_ context.Context, l leads.Lead) error {
	if _, ok := st.leadIdx[l.ID]; ok {
		return fmt.Errorf("lead %s already exists", l.ID)
	}
	st.leadIdx[l.ID] = len(st.leads)
	st.leads = append(st.leads, l)
	if _, ok := st.byEmail[l.EmailNorm]; l.EmailNorm != "" && !ok {
		st.byEmail[l.EmailNorm] = l.ID
	}
	if _, ok := st.byCompany[l.CompanyNorm]; l.CompanyNorm != "" && !ok {
		st.byCompany[l.CompanyNorm] = l.ID
	}
	return nil
}

// =============================================================================
// BATCHES & STAGING ROWS
// =============================================================================

func (st *state) CreateBatch(_ context.Context, b staging.Batch) error {
	if _, ok := st.batchIdx[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	st.batchIdx[b.ID] = len(st.batches)
	st.batches = append(st.batches, b)
	return nil
}

func (st *state) GetBatch(_ context.Context, id staging.BatchID) (staging.Batch, error) {
	i, ok := st.batchIdx[id]
	if !ok {
		return staging.Batch{}, fmt.Errorf("%w: batch %s", apperr.ErrNotFound, id)
	}
	return st.batches[i], nil
}

func (st *state) ListBatches(_ context.Context, limit int) ([]staging.Batch, error) {
	out := []staging.Batch{}
	for i := len(st.batches) - 1; i >= 0; i-- {
		out = append(out, st.batches[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (st *state) UpdateBatch(_ context.Context, b staging.Batch) error {
	i, ok := st.batchIdx[b.ID]
	if !ok {
		return fmt.Errorf("%w: batch %s", apperr.ErrNotFound, b.ID)
	}
	st.batches[i] = b
	return nil
}

func (st *state) InsertStagingRow(_ context.Context, r staging.StagingRow) error {
	if _, ok := st.batchIdx[r.BatchID]; !ok {
		return fmt.Errorf("%w: batch %s", apperr.ErrNotFound, r.BatchID)
	}
	if st.stagingIDs[r.ID] {
		return fmt.Errorf("staging row %s already exists", r.ID)
	}
	r.ValidationErrors = slices.Clone(r.ValidationErrors)
	rows := st.rows[r.BatchID]
	i, _ := slices.BinarySearchFunc(rows, r.RowNumber, func(x staging.StagingRow, n int) int {
		return x.RowNumber - n
	})
	for i < len(rows) && rows[i].RowNumber == r.RowNumber {
		i++
	}
	st.rows[r.BatchID] = slices.Insert(rows, i, r)
	st.stagingIDs[r.ID] = true
	return nil
}

func (st *state) StagingRows(_ context.Context, id staging.BatchID) ([]staging.StagingRow, error) {
	rows := st.rows[id]
	out := make([]staging.StagingRow, len(rows))
	for i, r := range rows {
		r.ValidationErrors = slices.Clone(r.ValidationErrors)
		out[i] = r
	}
	return out, nil
}

func (st *state) GetStagingRow(_ context.Context, id staging.BatchID, rowID string) (staging.StagingRow, error) {
	for _, r := range st.rows[id] {
		if r.ID == rowID {
			r.ValidationErrors = slices.Clone(r.ValidationErrors)
			return r, nil
		}
	}
	return staging.StagingRow{}, fmt.Errorf("%w: staging row %s", apperr.ErrNotFound, rowID)
}

func (st *state) UpdateStagingRow(_ context.Context, r staging.StagingRow) error {
	rows := st.rows[r.BatchID]
	for i := range rows {
		if rows[i].ID == r.ID {
			r.ValidationErrors = slices.Clone(r.ValidationErrors)
			rows[i] = r
			return nil
		}
	}
	return fmt.Errorf("%w: staging row %s", apperr.ErrNotFound, r.ID)
}
