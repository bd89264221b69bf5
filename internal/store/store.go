package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parchlabs/tokenpool/internal/logutil"
)

// DB wraps the pgx connection pool. It is the single writer of record;
// concurrent writers to the same row serialize via Postgres row locks.
type DB struct {
	pool *pgxpool.Pool
}

// Open parses databaseURL, configures the connection pool, and verifies
// connectivity with a bounded ping. The caller owns the returned DB and
// must Close it.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// The workload is many short transactions (activation, expiration,
	// cache reload); a modest pool with a long idle allowance fits.
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Used by tests that manage the
// pool lifecycle themselves.
func NewWithPool(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Pool exposes the underlying pgx pool for packages that run their own
// statements (repository, job queue).
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close releases all pooled connections.
func (db *DB) Close() {
	db.pool.Close()
}

// WithTx runs fn inside one transaction and commits iff fn returns nil;
// any error rolls back so no partial persistence leaks. Transactions
// run at Read Committed: the correctness mechanism the callers rely on
// is explicit row locking (skip-locked picks, ordered FOR UPDATE), not
// serializable conflict detection.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after commit is a no-op; rollback after an error is
		// the actual cleanup.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logutil.Logger().Warn("transaction rollback", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
