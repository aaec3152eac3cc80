package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		store, err := New(context.Background(), filepath.Join(t.TempDir(), "leadvault.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestNew_InMemory(t *testing.T) {
	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close()

	var mode string
	require.NoError(t, store.DB().QueryRow("PRAGMA foreign_keys").Scan(&mode))
	assert.Equal(t, "1", mode)
}

func TestNew_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leadvault.db")

	store, err := New(ctx, path)
	require.NoError(t, err)
	storetest.SeedLead(t, store, "r1", false, time.Now().UTC())
	require.NoError(t, store.Close())

	// Migrations are idempotent.
	store, err = New(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetLeads(ctx, []leads.RecordID{"r1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestEntries_CorruptMetaIsAnError(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	// GIVEN a ledger row whose meta column is not JSON
	_, err = store.DB().ExecContext(ctx,
		`INSERT INTO credit_ledger (id, user_id, delta, reason, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"e1", "alice", 5, "admin_grant", "{not json", "2025-01-15T10:30:00Z")
	require.NoError(t, err)

	// WHEN the ledger is read THEN the row is reported, not silently emptied
	_, err = store.Entitlements().Entries(ctx, "alice", 0)
	assert.ErrorContains(t, err, "failed to decode entry meta e1")
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(fmt.Errorf("commit: %w", sqlite3.Error{Code: sqlite3.ErrBusy})), apperr.ErrConflict)
	assert.NotErrorIs(t, classify(assert.AnError), apperr.ErrConflict)
}
