/*
Package postgres opens the PostgreSQL backend.

PURPOSE:
  Wires the pgx stdlib driver into sqlstore. Unlike SQLite, many
  transactions run at once, so Tx.Lock takes transaction-scoped advisory
  locks: pg_advisory_xact_lock(hashtextextended(key, 0)) for each key,
  in sorted order. Locks are released by COMMIT/ROLLBACK.

CONFLICTS:
  SQLSTATE 40001 (serialization_failure), 40P01 (deadlock_detected) and
  55P03 (lock_not_available) become apperr.ErrConflict so callers retry.

SEE ALSO:
  - store/sqlstore: queries and schema
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/store/sqlstore"
)

const driverName = "pgx"

// New connects to dsn, verifies the connection and migrates the schema.
func New(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store, err := sqlstore.Open(ctx, db, Dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Dialect returns the PostgreSQL flavour of sqlstore.
func Dialect() *sqlstore.Dialect {
	return &sqlstore.Dialect{
		Name:      "postgres",
		Numbered:  true,
		TxOptions: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Lock:      advisoryLock,
		Classify:  classify,
	}
}

func advisoryLock(ctx context.Context, tx *sql.Tx, keys []string) error {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return fmt.Errorf("advisory lock %q: %w", k, err)
		}
	}
	return nil
}

func classify(err error) error {
	if err == nil || apperr.Classified(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %w", apperr.ErrConflict, err)
		}
	}
	return err
}
