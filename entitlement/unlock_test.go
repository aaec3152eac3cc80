package entitlement_test

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
	"github.com/verifiedmeasure/leadvault/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*entitlement.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc := entitlement.NewService(store.Entitlements(), store,
		entitlement.WithClock(func() time.Time { return t0 }),
	)
	return svc, store
}

func seedLead(t *testing.T, store *memory.Store, id string, premium bool) {
	t.Helper()
	err := store.InsertLead(context.Background(), leads.Lead{
		ID:          leads.RecordID(id),
		Company:     "Company " + id,
		ContactName: "Jane Doe",
		Email:       "jane@" + id + ".example.com",
		Phone:       "+1 (415) 555-0167",
		State:       "CA",
		IsPremium:   premium,
		EmailNorm:   "jane@" + id + ".example.com",
		CompanyNorm: "company " + id,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	})
	require.NoError(t, err)
}

func fund(t *testing.T, svc *entitlement.Service, user entitlement.UserID, amount int64) {
	t.Helper()
	_, err := svc.GrantCredits(context.Background(), user, amount, "", nil)
	require.NoError(t, err)
}

func ids(s ...string) []leads.RecordID {
	out := make([]leads.RecordID, len(s))
	for i, v := range s {
		out[i] = leads.RecordID(v)
	}
	return out
}

// assertLedgerConsistent checks that the balance equals the sum of entries
// and that every grant was paid for by exactly one credit.
func assertLedgerConsistent(t *testing.T, svc *entitlement.Service, user entitlement.UserID) {
	t.Helper()
	ctx := context.Background()

	entries, err := svc.History(ctx, user, 0)
	require.NoError(t, err)
	var sum, spent int64
	for _, e := range entries {
		sum += e.Delta
		if e.Reason == entitlement.ReasonUnlock {
			spent -= e.Delta
		}
	}
	bal, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, sum, bal, "balance must equal sum of ledger deltas")
	assert.GreaterOrEqual(t, bal, int64(0), "balance must never go negative through unlocks")

	grants, err := svc.Entitlements(ctx, user, leads.DatasetLeads)
	require.NoError(t, err)
	assert.Equal(t, int64(len(grants)), spent, "one credit per grant")
}

// =============================================================================
// GRANT CREDITS
// =============================================================================

func TestGrantCredits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.GrantCredits(ctx, "alice", 10, "", map[string]any{"note": "welcome"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.BalanceAfter)
	assert.Equal(t, entitlement.ReasonAdminGrant, res.Entry.Reason)

	// Corrections are negative grants.
	res, err = svc.GrantCredits(ctx, "alice", -3, entitlement.ReasonAdminGrant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.BalanceAfter)

	entries, err := svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-3), entries[0].Delta, "newest first")
}

func TestGrantCredits_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.GrantCredits(ctx, "alice", 0, "", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.GrantCredits(ctx, "", 5, "", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

// =============================================================================
// UNLOCK
// =============================================================================

func TestUnlock_ChargesOneCreditPerNewRecord(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "r1", false)
	seedLead(t, store, "r2", false)
	fund(t, svc, "alice", 5)

	res, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1", "r2", "r1"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.NewlyGranted)
	assert.Equal(t, int64(2), res.CostCharged)
	assert.Equal(t, int64(3), res.BalanceAfter)
	assert.Equal(t, ids("r1", "r2"), res.GrantedIDs)
	assert.Empty(t, res.AlreadyEntitled)
	assert.Equal(t, ids("r1", "r2"), res.EntitledIDs)

	entries, err := svc.History(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entitlement.ReasonUnlock, entries[0].Reason)
	assert.Equal(t, int64(-2), entries[0].Delta, "one debit entry per request")

	assertLedgerConsistent(t, svc, "alice")
}

func TestUnlock_ReRequestIsFree(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "r1", true)
	fund(t, svc, "alice", 1)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1"))
	require.NoError(t, err)

	// GIVEN: balance is now 0 and the premium record is claimed (by alice)
	// WHEN: alice asks again
	res, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1"))

	// THEN: no charge, still entitled
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewlyGranted)
	assert.Equal(t, int64(0), res.CostCharged)
	assert.Equal(t, int64(0), res.BalanceAfter)
	assert.Equal(t, ids("r1"), res.AlreadyEntitled)
	assert.Equal(t, ids("r1"), res.EntitledIDs)
	assert.Equal(t, []leads.RecordID{}, res.GrantedIDs)

	entries, err := svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "re-request must not append to the ledger")
}

func TestUnlock_InsufficientCredits(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		seedLead(t, store, id, false)
	}
	fund(t, svc, "alice", 2)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1", "r2", "r3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientCredits)

	var ice *entitlement.InsufficientCreditsError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, int64(2), ice.Balance)
	assert.Equal(t, int64(3), ice.Required)

	// Nothing was written.
	bal, err := svc.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
	grants, err := svc.Entitlements(ctx, "alice", leads.DatasetLeads)
	require.NoError(t, err)
	assert.Empty(t, grants)
	rollups, err := store.Rollups(ctx, leads.DatasetLeads, ids("r1", "r2", "r3"))
	require.NoError(t, err)
	assert.Empty(t, rollups)
}

func TestUnlock_AlreadyEntitledNotCountedAgainstBalance(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "r1", false)
	seedLead(t, store, "r2", false)
	fund(t, svc, "alice", 1)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1"))
	require.NoError(t, err)
	fund(t, svc, "alice", 1)

	res, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1", "r2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CostCharged)
	assert.Equal(t, ids("r2"), res.GrantedIDs)
	assert.Equal(t, ids("r1"), res.AlreadyEntitled)
	assert.Equal(t, int64(0), res.BalanceAfter)
	assertLedgerConsistent(t, svc, "alice")
}

func TestUnlock_PremiumIsExclusive(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "p1", true)
	fund(t, svc, "alice", 1)
	fund(t, svc, "bob", 1)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("p1"))
	require.NoError(t, err)

	_, err = svc.Unlock(ctx, "bob", leads.DatasetLeads, ids("p1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRecordLocked)

	var rle *entitlement.RecordLockedError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, ids("p1"), rle.RecordIDs)

	bal, err := svc.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bal, "locked unlock must not charge")
}

func TestUnlock_AllOrNothingWhenOneRecordLocked(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "p1", true)
	seedLead(t, store, "s1", false)
	fund(t, svc, "alice", 1)
	fund(t, svc, "bob", 5)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("p1"))
	require.NoError(t, err)

	_, err = svc.Unlock(ctx, "bob", leads.DatasetLeads, ids("s1", "p1"))
	assert.ErrorIs(t, err, apperr.ErrRecordLocked)

	grants, err := svc.Entitlements(ctx, "bob", leads.DatasetLeads)
	require.NoError(t, err)
	assert.Empty(t, grants, "grantable record must not be granted when another is locked")
}

func TestUnlock_HybridSharedCapOfThree(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "s1", false)

	users := []entitlement.UserID{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		fund(t, svc, u, 1)
	}

	for _, u := range users[:3] {
		_, err := svc.Unlock(ctx, u, leads.DatasetLeads, ids("s1"))
		require.NoError(t, err, "user %s", u)
	}
	_, err := svc.Unlock(ctx, "u4", leads.DatasetLeads, ids("s1"))
	assert.ErrorIs(t, err, apperr.ErrRecordLocked)

	rollups, err := store.Rollups(ctx, leads.DatasetLeads, ids("s1"))
	require.NoError(t, err)
	assert.Equal(t, 3, rollups["s1"].Claimants)
}

func TestUnlock_ExclusiveOnlyModeCapsStandardRecords(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "s1", false)
	fund(t, svc, "alice", 1)
	fund(t, svc, "bob", 1)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("s1"))
	require.NoError(t, err)

	// bob's own rule is what applies to bob.
	_, err = svc.SetBusinessMode(ctx, "bob", entitlement.ModeExclusiveOnly)
	require.NoError(t, err)

	_, err = svc.Unlock(ctx, "bob", leads.DatasetLeads, ids("s1"))
	assert.ErrorIs(t, err, apperr.ErrRecordLocked)
}

func TestUnlock_UnknownRecord(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "r1", false)
	fund(t, svc, "alice", 5)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("r1", "ghost"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var ure *entitlement.UnknownRecordsError
	require.True(t, errors.As(err, &ure))
	assert.Equal(t, ids("ghost"), ure.RecordIDs)

	bal, err := svc.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestUnlock_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Unlock(ctx, "", leads.DatasetLeads, ids("r1"))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = svc.Unlock(ctx, "alice", "contacts", ids("r1"))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.Unlock(ctx, "alice", leads.DatasetLeads, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("", ""))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestUnlock_ConcurrentExclusiveClaim(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "p1", true)

	const n = 10
	for i := 0; i < n; i++ {
		fund(t, svc, entitlement.UserID(fmt.Sprintf("u%d", i)), 1)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		lockErr int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(user entitlement.UserID) {
			defer wg.Done()
			_, err := svc.Unlock(ctx, user, leads.DatasetLeads, ids("p1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, apperr.ErrRecordLocked):
				lockErr++
			default:
				t.Errorf("unexpected error for %s: %v", user, err)
			}
		}(entitlement.UserID(fmt.Sprintf("u%d", i)))
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one claimant for a premium record")
	assert.Equal(t, n-1, lockErr)

	rollups, err := store.Rollups(ctx, leads.DatasetLeads, ids("p1"))
	require.NoError(t, err)
	assert.Equal(t, 1, rollups["p1"].Claimants)
}

func TestUnlock_ConcurrentSameUserNeverOverspends(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	for i := 0; i < 6; i++ {
		seedLead(t, store, fmt.Sprintf("r%d", i), false)
	}
	fund(t, svc, "alice", 3)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = svc.Unlock(ctx, "alice", leads.DatasetLeads, ids(id))
		}(fmt.Sprintf("r%d", i))
	}
	wg.Wait()

	bal, err := svc.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
	assertLedgerConsistent(t, svc, "alice")
}

// =============================================================================
// DOWNLOAD & CATALOG
// =============================================================================

func TestDownload_ReturnsEntitledRowsInRequestOrder(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "r1", false)
	seedLead(t, store, "r2", false)
	fund(t, svc, "alice", 2)

	res, rows, err := svc.Download(ctx, "alice", leads.DatasetLeads, ids("r2", "r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewlyGranted)
	require.Len(t, rows, 2)
	assert.Equal(t, leads.RecordID("r2"), rows[0].ID)
	assert.Equal(t, "jane@r2.example.com", rows[0].Email, "downloads are never masked")
}

func TestCatalog_MasksUntilUnlocked(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	seedLead(t, store, "r1", false)
	seedLead(t, store, "p1", true)
	fund(t, svc, "alice", 1)
	fund(t, svc, "bob", 1)

	_, err := svc.Unlock(ctx, "alice", leads.DatasetLeads, ids("p1"))
	require.NoError(t, err)

	views, err := svc.Catalog(ctx, "alice", leads.Filter{})
	require.NoError(t, err)
	byID := map[leads.RecordID]entitlement.LeadView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.Equal(t, entitlement.StatusDownloaded, byID["p1"].Status)
	assert.Equal(t, "jane@p1.example.com", byID["p1"].Email)
	assert.Equal(t, entitlement.StatusAvailable, byID["r1"].Status)
	assert.Equal(t, "0/3", byID["r1"].Label)
	assert.Equal(t, "j•••@r1.example.com", byID["r1"].Email)

	views, err = svc.Catalog(ctx, "bob", leads.Filter{PremiumOnly: true})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, entitlement.StatusLocked, views[0].Status)
	assert.Equal(t, "exclusive claimed", views[0].Label)
	assert.Equal(t, 1, views[0].Claimants)
}

func TestBusinessProfile_DefaultsToHybrid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	p, err := svc.BusinessProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ModeHybrid, p.Mode)

	_, err = svc.SetBusinessMode(ctx, "alice", "nonsense")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.SetBusinessMode(ctx, "alice", entitlement.ModeExclusiveOnly)
	require.NoError(t, err)
	p, err = svc.BusinessProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ModeExclusiveOnly, p.Mode)
}
