/*
Package sqlite opens the SQLite backend.

PURPOSE:
  Wires mattn/go-sqlite3 into sqlstore. SQLite allows one writer at a
  time, so the pool is limited to a single connection: every transaction
  is serialized and Tx.Lock has nothing left to do.

PRAGMAS:
  - WAL mode for concurrent reads during writes
  - NORMAL synchronous mode
  - 5-second busy timeout for lock contention
  - Foreign key enforcement

USAGE:
  store, err := sqlite.New(ctx, "./leadvault.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := entitlement.NewService(store.Entitlements(), store)

  Use ":memory:" for a throwaway database; the single connection keeps
  it alive for the life of the store.

SEE ALSO:
  - store/sqlstore: queries and schema
  - store/postgres: multi-writer backend
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/store/sqlstore"
)

// New opens (creating if needed) the database at path and migrates it.
func New(ctx context.Context, path string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	store, err := sqlstore.Open(ctx, db, Dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect returns the SQLite flavour of sqlstore.
func Dialect() *sqlstore.Dialect {
	return &sqlstore.Dialect{
		Name:     "sqlite",
		Classify: classify,
	}
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// classify marks busy/locked database errors as retryable conflicts.
func classify(err error) error {
	if err == nil || apperr.Classified(err) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", apperr.ErrConflict, err)
		}
	}
	return err
}
