/*
Package sqlstore implements the store contracts on database/sql.

PURPOSE:
  One implementation of entitlement.TxStore, staging.TxStore and
  leads.Store shared by every SQL backend. A Dialect supplies the few
  things that differ: placeholder style, store-level locks and which
  driver errors mean "lost a race, retry".

APPEND-ONLY ENFORCEMENT:
  - credit_ledger: INSERT only. Balance is SUM(delta), never stored.
  - dataset_access: INSERT ... ON CONFLICT DO NOTHING only.
  - leads: INSERT only (merge).

KEY TABLES:
  credit_ledger:        signed credit movements
  dataset_access:       grants, PK (user_id, dataset, record_id)
  claims_rollup:        claimant count per record, recomputed from
                        dataset_access inside the granting transaction
  business_profiles:    business rule per user
  leads:                production records
  lead_upload_batches:  one row per ingestion
  lead_upload_staging:  candidate rows, FK to their batch

TIMESTAMPS:
  Stored as fixed-width UTC TEXT so lexical order is time order.

SEE ALSO:
  - store/sqlite: mattn/go-sqlite3 dialect
  - store/postgres: pgx dialect with advisory locks
  - store/memory: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/staging"
)

// Dialect captures the per-backend differences.
type Dialect struct {
	Name string

	// Numbered selects $1, $2... placeholders instead of ?.
	Numbered bool

	// TxOptions are passed to BeginTx.
	TxOptions *sql.TxOptions

	// Lock takes transaction-scoped locks on keys. nil means the backend
	// already serializes writers.
	Lock func(ctx context.Context, tx *sql.Tx, keys []string) error

	// Classify maps driver errors onto the apperr taxonomy. It must return
	// err unchanged when it has nothing to add.
	Classify func(err error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries every query method; Store binds it to the pool and txConn
// to an open transaction.
type conn struct {
	q querier
	d *Dialect
}

type Store struct {
	*conn
	db *sql.DB
}

// Open migrates the schema and returns a Store on db.
func Open(ctx context.Context, db *sql.DB, d *Dialect) (*Store, error) {
	if d.Classify == nil {
		d.Classify = func(err error) error { return err }
	}
	s := &Store{conn: &conn{q: db, d: d}, db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Entitlements() entitlement.TxStore {
	return entitlementStore{s}
}

func (s *Store) Staging() staging.TxStore {
	return stagingStore{s}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txConn struct {
	*conn
	tx *sql.Tx
}

func (t *txConn) Lock(ctx context.Context, keys ...string) error {
	if t.d.Lock == nil || len(keys) == 0 {
		return nil
	}
	return t.d.Classify(t.d.Lock(ctx, t.tx, keys))
}

func (s *Store) withTx(ctx context.Context, fn func(*txConn) error) error {
	sqlTx, err := s.db.BeginTx(ctx, s.d.TxOptions)
	if err != nil {
		return s.d.Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txConn{conn: &conn{q: sqlTx, d: s.d}, tx: sqlTx}); err != nil {
		return s.d.Classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return s.d.Classify(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type entitlementStore struct{ *Store }

func (e entitlementStore) WithTx(ctx context.Context, fn func(entitlement.Tx) error) error {
	return e.withTx(ctx, func(tx *txConn) error { return fn(tx) })
}

type stagingStore struct{ *Store }

func (e stagingStore) WithTx(ctx context.Context, fn func(staging.Tx) error) error {
	return e.withTx(ctx, func(tx *txConn) error { return fn(tx) })
}

// =============================================================================
// HELPERS
// =============================================================================

// rebind rewrites ? placeholders for numbered dialects. Queries in this
// package never contain a literal ?.
func (c *conn) rebind(query string) string {
	if !c.d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

var timeNow = func() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
