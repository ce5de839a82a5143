// Package database wraps a pgx connection pool with bounded per-call
// timeouts and a transaction helper.
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the shared Postgres handle. Every call applies the configured
// statement timeout so a slow database surfaces as a retryable error
// instead of a hung request.
type DB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// Config controls pool construction.
type Config struct {
	DSN            string
	StorageTimeout time.Duration
}

// New connects the pool and verifies the connection.
func New(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return &DB{pool: pool, timeout: cfg.StorageTimeout}, nil
}

// Pool exposes the underlying pool for the migrator.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close shuts down the pool.
func (db *DB) Close() { db.pool.Close() }

func (db *DB) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.timeout)
}

// Query runs a query with the storage timeout applied. The timeout covers
// iteration; the context is released when the rows are closed.
func (db *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, cancel := db.bound(ctx)
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		cancel()
		return nil, err
	}
	return timedRows{Rows: rows, cancel: cancel}, nil
}

// QueryRow runs a single-row query with the storage timeout applied. The
// timeout covers the Scan, which is where pgx reads the row.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, cancel := db.bound(ctx)
	return timedRow{row: db.pool.QueryRow(ctx, sql, args...), cancel: cancel}
}

// Exec runs a statement with the storage timeout applied.
func (db *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := db.bound(ctx)
	defer cancel()
	return db.pool.Exec(ctx, sql, args...)
}

type timedRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r timedRows) Close() {
	r.Rows.Close()
	r.cancel()
}

type timedRow struct {
	row    pgx.Row
	cancel context.CancelFunc
}

func (r timedRow) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

// InTransaction runs fn inside a transaction, committing on nil and rolling
// back on error. The storage timeout bounds the whole transaction.
func (db *DB) InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	ctx, cancel := db.bound(ctx)
	defer cancel()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
