/*
store.go - Persistence contract for the entitlement engine

PURPOSE:
  Everything the engine needs from storage, expressed as an interface so
  the in-memory store, SQLite and PostgreSQL are interchangeable.

TRANSACTIONS:
  TxStore.WithTx runs fn inside one atomic unit: if fn returns an error
  nothing it wrote is visible. Tx.Lock takes store-level locks on keys
  for the rest of the transaction (PostgreSQL advisory locks; a no-op
  where the store already serializes writers).

CONFLICTS:
  A store that detects a lost race returns an error wrapping
  apperr.ErrConflict; callers retry the whole unit.

SEE ALSO:
  - store/memory, store/sqlstore: implementations
*/
package entitlement

import (
	"context"

	"github.com/verifiedmeasure/leadvault/leads"
)

type Store interface {
	// Balance returns the sum of all ledger deltas for the user.
	Balance(ctx context.Context, user UserID) (int64, error)

	// Entries returns the user's ledger, newest first. limit <= 0 means all.
	Entries(ctx context.Context, user UserID, limit int) ([]LedgerEntry, error)

	AppendEntry(ctx context.Context, e LedgerEntry) error

	// Granted returns the subset of ids the user already holds, in the
	// order of ids.
	Granted(ctx context.Context, user UserID, ds leads.Dataset, ids []leads.RecordID) ([]leads.RecordID, error)

	// Grants returns every grant the user holds in ds, newest first.
	Grants(ctx context.Context, user UserID, ds leads.Dataset) ([]Grant, error)

	// CreateGrant is idempotent: created is false when the grant existed.
	CreateGrant(ctx context.Context, g Grant) (created bool, err error)

	// Rollups returns claimant counts for ids. Records never claimed are
	// absent from the map.
	Rollups(ctx context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]ClaimsRollup, error)

	// RefreshRollup recomputes a record's rollup from the grant table.
	RefreshRollup(ctx context.Context, ds leads.Dataset, id leads.RecordID) error

	// PremiumFlags returns is_premium for each existing record; unknown ids
	// are absent from the map.
	PremiumFlags(ctx context.Context, ds leads.Dataset, ids []leads.RecordID) (map[leads.RecordID]bool, error)

	// Profile returns nil when the user has none.
	Profile(ctx context.Context, user UserID) (*BusinessProfile, error)

	SaveProfile(ctx context.Context, p BusinessProfile) error
}

// Tx is a Store bound to one open transaction.
type Tx interface {
	Store
	Lock(ctx context.Context, keys ...string) error
}

type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
