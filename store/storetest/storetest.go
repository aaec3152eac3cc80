// Package storetest is the behavioural contract every store backend runs
// in its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/lock"
	"github.com/verifiedmeasure/leadvault/staging"
)

// Backend is what the services are wired to in production.
type Backend interface {
	leads.Store
	Entitlements() entitlement.TxStore
	Staging() staging.TxStore
}

// Factory returns an empty backend. Cleanup is the factory's job.
type Factory func(t *testing.T) Backend

var base = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

// Run executes the whole contract against fresh backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newBackend(t)) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newBackend(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newBackend(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newBackend(t)) })
	t.Run("Leads", func(t *testing.T) { testLeads(t, newBackend(t)) })
	t.Run("Batches", func(t *testing.T) { testBatches(t, newBackend(t)) })
	t.Run("StagingRows", func(t *testing.T) { testStagingRows(t, newBackend(t)) })
	t.Run("UnlockFlow", func(t *testing.T) { testUnlockFlow(t, newBackend(t)) })
	t.Run("ConcurrentUnlock", func(t *testing.T) { testConcurrentUnlock(t, newBackend(t)) })
	t.Run("MergeFlow", func(t *testing.T) { testMergeFlow(t, newBackend(t)) })
}

// SeedLead inserts a minimal lead.
func SeedLead(t *testing.T, b Backend, id string, premium bool, created time.Time) leads.Lead {
	t.Helper()
	l := leads.Lead{
		ID:          leads.RecordID(id),
		Company:     "Company " + id,
		Email:       id + "@example.com",
		State:       "NY",
		Industry:    "finance",
		IsPremium:   premium,
		EmailNorm:   id + "@example.com",
		CompanyNorm: "company " + id,
		Meta:        map[string]any{"source": "seed"},
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, b.Staging().InsertLead(context.Background(), l))
	return l
}

// =============================================================================
// ENTITLEMENTS
// =============================================================================

func testLedger(t *testing.T, b Backend) {
	ctx := context.Background()
	st := b.Entitlements()

	bal, err := st.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	for i, delta := range []int64{10, -3, 5} {
		err := st.AppendEntry(ctx, entitlement.LedgerEntry{
			ID:        fmt.Sprintf("e%d", i),
			UserID:    "alice",
			Delta:     delta,
			Reason:    entitlement.ReasonAdminGrant,
			Meta:      map[string]any{"i": i},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.AppendEntry(ctx, entitlement.LedgerEntry{
		ID: "other", UserID: "bob", Delta: 99, Reason: entitlement.ReasonDemoPurchase, CreatedAt: base,
	}))

	bal, err = st.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(12), bal)

	entries, err := st.Entries(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "e2", entries[0].ID, "newest first")
	assert.Equal(t, "e0", entries[2].ID)
	assert.True(t, entries[2].CreatedAt.Equal(base))

	entries, err = st.Entries(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = st.Entries(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func testGrants(t *testing.T, b Backend) {
	ctx := context.Background()
	st := b.Entitlements()
	SeedLead(t, b, "p1", true, base)
	SeedLead(t, b, "s1", false, base)

	g := entitlement.Grant{UserID: "alice", Dataset: leads.DatasetLeads, RecordID: "p1", GrantedAt: base}
	created, err := st.CreateGrant(ctx, g)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = st.CreateGrant(ctx, g)
	require.NoError(t, err)
	assert.False(t, created, "second grant is a no-op")

	_, err = st.CreateGrant(ctx, entitlement.Grant{UserID: "alice", Dataset: leads.DatasetLeads, RecordID: "s1", GrantedAt: base.Add(time.Second)})
	require.NoError(t, err)

	held, err := st.Granted(ctx, "alice", leads.DatasetLeads, []leads.RecordID{"s1", "zz", "p1"})
	require.NoError(t, err)
	assert.Equal(t, []leads.RecordID{"s1", "p1"}, held, "order of the request")

	grants, err := st.Grants(ctx, "alice", leads.DatasetLeads)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, leads.RecordID("s1"), grants[0].RecordID, "newest first")

	rollups, err := st.Rollups(ctx, leads.DatasetLeads, []leads.RecordID{"p1"})
	require.NoError(t, err)
	assert.Empty(t, rollups, "no rollup until refreshed")

	require.NoError(t, st.RefreshRollup(ctx, leads.DatasetLeads, "p1"))
	rollups, err = st.Rollups(ctx, leads.DatasetLeads, []leads.RecordID{"p1", "s1"})
	require.NoError(t, err)
	require.Contains(t, rollups, leads.RecordID("p1"))
	assert.Equal(t, 1, rollups["p1"].Claimants)
	assert.True(t, rollups["p1"].IsPremium)
	assert.NotContains(t, rollups, leads.RecordID("s1"))

	flags, err := st.PremiumFlags(ctx, leads.DatasetLeads, []leads.RecordID{"p1", "s1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, map[leads.RecordID]bool{"p1": true, "s1": false}, flags)
}

func testProfiles(t *testing.T, b Backend) {
	ctx := context.Background()
	st := b.Entitlements()

	p, err := st.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, st.SaveProfile(ctx, entitlement.BusinessProfile{UserID: "alice", Mode: entitlement.ModeExclusiveOnly, UpdatedAt: base}))
	require.NoError(t, st.SaveProfile(ctx, entitlement.BusinessProfile{UserID: "alice", Mode: entitlement.ModeHybrid, UpdatedAt: base}))

	p, err = st.Profile(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, entitlement.ModeHybrid, p.Mode)
}

func testRollback(t *testing.T, b Backend) {
	ctx := context.Background()
	st := b.Entitlements()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx entitlement.Tx) error {
		require.NoError(t, tx.Lock(ctx, "user:alice"))
		require.NoError(t, tx.AppendEntry(ctx, entitlement.LedgerEntry{
			ID: "tx1", UserID: "alice", Delta: 50, Reason: entitlement.ReasonAdminGrant, CreatedAt: base,
		}))
		_, err := tx.CreateGrant(ctx, entitlement.Grant{UserID: "alice", Dataset: leads.DatasetLeads, RecordID: "r1", GrantedAt: base})
		require.NoError(t, err)

		bal, err := tx.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(50), bal, "writes are visible inside the transaction")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	bal, err := st.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
	held, err := st.Granted(ctx, "alice", leads.DatasetLeads, []leads.RecordID{"r1"})
	require.NoError(t, err)
	assert.Empty(t, held)

	err = b.Staging().WithTx(ctx, func(tx staging.Tx) error {
		require.NoError(t, tx.CreateBatch(ctx, staging.Batch{ID: "b1", Filename: "x.csv", Status: staging.StatusUploaded, CreatedAt: base, UpdatedAt: base}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = b.Staging().GetBatch(ctx, "b1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// =============================================================================
// LEADS
// =============================================================================

func testLeads(t *testing.T, b Backend) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		SeedLead(t, b, fmt.Sprintf("l%d", i), i%2 == 0, base.Add(time.Duration(i)*time.Hour))
	}
	SeedLead(t, b, "tx", false, base.Add(10*time.Hour))

	all, err := b.ListLeads(ctx, leads.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, leads.RecordID("tx"), all[0].ID, "newest first")
	assert.Equal(t, "seed", all[0].Meta["source"])

	premium, err := b.ListLeads(ctx, leads.Filter{PremiumOnly: true})
	require.NoError(t, err)
	assert.Len(t, premium, 3)
	for _, l := range premium {
		assert.True(t, l.IsPremium)
	}

	limited, err := b.ListLeads(ctx, leads.Filter{Limit: 2, State: "NY", Industry: "finance"})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := b.ListLeads(ctx, leads.Filter{State: "TX"})
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := b.GetLeads(ctx, []leads.RecordID{"l3", "missing", "l1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, leads.RecordID("l3"), got[0].ID)
	assert.Equal(t, leads.RecordID("l1"), got[1].ID)

	st := b.Staging()
	id, found, err := st.FindLead(ctx, "l2@example.com", "company l4")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, leads.RecordID("l2"), id, "email match wins")

	id, found, err = st.FindLead(ctx, "nobody@example.com", "company l4")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, leads.RecordID("l4"), id)

	_, found, err = st.FindLead(ctx, "", "")
	require.NoError(t, err)
	assert.False(t, found, "empty keys never match")
}

// =============================================================================
// STAGING
// =============================================================================

func testBatches(t *testing.T, b Backend) {
	ctx := context.Background()
	st := b.Staging()

	_, err := st.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	for i, id := range []staging.BatchID{"b1", "b2"} {
		created := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.CreateBatch(ctx, staging.Batch{
			ID: id, Filename: string(id) + ".csv", Source: "manual", Status: staging.StatusUploaded,
			TotalRows: 3, UploadedBy: "admin", CreatedAt: created, UpdatedAt: created,
		}))
	}

	got, err := st.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1.csv", got.Filename)
	assert.Nil(t, got.ValidatedAt)

	approvedAt := base.Add(time.Hour)
	got.Status = staging.StatusApproved
	got.ValidRows = 3
	got.ApprovedBy = "admin-2"
	got.ApprovedAt = &approvedAt
	got.ValidatedAt = &approvedAt
	require.NoError(t, st.UpdateBatch(ctx, got))

	got, err = st.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, staging.StatusApproved, got.Status)
	assert.Equal(t, 3, got.ValidRows)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(approvedAt))
	assert.Nil(t, got.MergedAt)

	err = st.UpdateBatch(ctx, staging.Batch{ID: "ghost", Status: staging.StatusUploaded})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := st.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, staging.BatchID("b2"), list[0].ID)

	list, err = st.ListBatches(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testStagingRows(t *testing.T, b Backend) {
	ctx := context.Background()
	st := b.Staging()

	err := st.InsertStagingRow(ctx, staging.StagingRow{ID: "orphan", BatchID: "none", RowNumber: 1, CreatedAt: base})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, st.CreateBatch(ctx, staging.Batch{ID: "b1", Filename: "a.csv", Status: staging.StatusUploaded, CreatedAt: base, UpdatedAt: base}))
	for _, n := range []int{3, 1, 2} {
		require.NoError(t, st.InsertStagingRow(ctx, staging.StagingRow{
			ID:               fmt.Sprintf("row%d", n),
			BatchID:          "b1",
			RowNumber:        n,
			Row:              staging.Row{CompanyName: fmt.Sprintf("Co %d", n), Email: fmt.Sprintf("u%d@co.com", n)},
			ValidationErrors: []string{},
			CreatedAt:        base,
		}))
	}

	rows, err := st.StagingRows(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.RowNumber, "ordered by row number")
		assert.Empty(t, r.ValidationErrors)
	}

	r := rows[0]
	r.IsValid = false
	r.ValidationErrors = []string{"required:company_name", "required:identity"}
	r.Row.CompanyName = ""
	require.NoError(t, st.UpdateStagingRow(ctx, r))

	got, err := st.GetStagingRow(ctx, "b1", "row1")
	require.NoError(t, err)
	assert.Equal(t, []string{"required:company_name", "required:identity"}, got.ValidationErrors)
	assert.Empty(t, got.Row.CompanyName)
	assert.Equal(t, "u1@co.com", got.Row.Email)

	_, err = st.GetStagingRow(ctx, "b1", "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// =============================================================================
// SERVICES END TO END
// =============================================================================

func testUnlockFlow(t *testing.T, b Backend) {
	ctx := context.Background()
	SeedLead(t, b, "p1", true, base)
	SeedLead(t, b, "s1", false, base)
	svc := entitlement.NewService(b.Entitlements(), b)

	_, err := svc.GrantCredits(ctx, "alice", 2, "", nil)
	require.NoError(t, err)
	_, err = svc.GrantCredits(ctx, "bob", 5, "", nil)
	require.NoError(t, err)

	res, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, []leads.RecordID{"p1", "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.BalanceAfter)

	_, err = svc.Unlock(ctx, "bob", leads.DatasetLeads, []leads.RecordID{"p1"})
	assert.ErrorIs(t, err, apperr.ErrRecordLocked)

	_, rows, err := svc.Download(ctx, "bob", leads.DatasetLeads, []leads.RecordID{"s1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s1@example.com", rows[0].Email)

	_, err = svc.Unlock(ctx, "alice", leads.DatasetLeads, []leads.RecordID{"ghost"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	history, err := svc.History(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-1), history[0].Delta)
	assert.Equal(t, entitlement.ReasonUnlock, history[0].Reason)
}

func testMergeFlow(t *testing.T, b Backend) {
	ctx := context.Background()
	svc := staging.NewService(b.Staging())

	res, err := svc.Ingest(ctx, "batch.csv", "manual", []byte(
		"Company Name,E-mail,Phone\n"+
			"Acme Inc.,jane@acme.com,\n"+
			"ACME INC,,555-0100\n"+
			",,\n"+
			"Beta,b@beta.io,\n"), "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalRows)

	vr, err := svc.Validate(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, vr.ValidRows)

	mr, err := svc.Merge(ctx, res.Batch.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, 2, mr.InsertedRows)
	assert.Equal(t, 1, mr.SkippedRows)

	mr, err = svc.Merge(ctx, res.Batch.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, 0, mr.InsertedRows)

	got, err := svc.Batch(ctx, res.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StatusMerged, got.Status)
	assert.Equal(t, 2, got.InsertedRows)
	assert.Equal(t, 1, got.SkippedRows)

	all, err := b.ListLeads(ctx, leads.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// testConcurrentUnlock races two service instances, each with its own
// in-process locker, so only the store's transaction and Tx.Lock stand
// between racers.
func testConcurrentUnlock(t *testing.T, b Backend) {
	ctx := context.Background()
	SeedLead(t, b, "p1", true, base)
	SeedLead(t, b, "s1", false, base)
	SeedLead(t, b, "x1", false, base)

	instances := []*entitlement.Service{
		entitlement.NewService(b.Entitlements(), b, entitlement.WithLocker(lock.NewLocal())),
		entitlement.NewService(b.Entitlements(), b, entitlement.WithLocker(lock.NewLocal())),
	}

	const racers = 6
	user := func(prefix string, i int) entitlement.UserID {
		return entitlement.UserID(fmt.Sprintf("%s%d", prefix, i))
	}
	for i := 0; i < racers; i++ {
		for _, prefix := range []string{"premium-", "shared-", "excl-"} {
			_, err := instances[0].GrantCredits(ctx, user(prefix, i), 1, "", nil)
			require.NoError(t, err)
		}
		_, err := instances[0].SetBusinessMode(ctx, user("excl-", i), entitlement.ModeExclusiveOnly)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins = map[leads.RecordID]int{}
	)
	race := func(prefix string, id leads.RecordID) {
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(u entitlement.UserID, svc *entitlement.Service) {
				defer wg.Done()
				_, err := svc.Unlock(ctx, u, leads.DatasetLeads, []leads.RecordID{id})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins[id]++
				case errors.Is(err, apperr.ErrRecordLocked):
				default:
					t.Errorf("unlock %s by %s: %v", id, u, err)
				}
			}(user(prefix, i), instances[i%len(instances)])
		}
	}

	// GIVEN racers on a premium record, a shared record and a record
	// claimed only by exclusive_only users
	race("premium-", "p1")
	race("shared-", "s1")
	race("excl-", "x1")
	wg.Wait()

	// THEN the caps hold and every win is one rollup claimant
	rollups, err := b.Entitlements().Rollups(ctx, leads.DatasetLeads, []leads.RecordID{"p1", "s1", "x1"})
	require.NoError(t, err)
	assert.Equal(t, 1, wins["p1"])
	assert.Equal(t, 1, rollups["p1"].Claimants)
	assert.Equal(t, 3, wins["s1"])
	assert.Equal(t, 3, rollups["s1"].Claimants)
	assert.Equal(t, 1, wins["x1"])
	assert.Equal(t, 1, rollups["x1"].Claimants)

	// AND losers kept their credit
	for i := 0; i < racers; i++ {
		for _, prefix := range []string{"premium-", "shared-", "excl-"} {
			u := user(prefix, i)
			bal, err := b.Entitlements().Balance(ctx, u)
			require.NoError(t, err)
			held, err := b.Entitlements().Grants(ctx, u, leads.DatasetLeads)
			require.NoError(t, err)
			assert.Equal(t, int64(1-len(held)), bal, "balance of %s", u)
		}
	}
}
