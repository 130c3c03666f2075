// Package db provides the database handles shared by the job store and the
// tenant repositories. Queries are written once with $N placeholders and run
// unchanged against Postgres (pgx) or rewritten for SQLite (database/sql).
package db

import (
	"context"

	"github.com/rotisserie/eris"
)

// Dialect names the SQL flavor behind a DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing.
var ErrNoRows = eris.New("db: no rows")

// Row is a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row query result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs statements.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Tx is an open transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB is a dialect-neutral database handle.
type DB interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Dialect() Dialect
	Close()
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on error.
func InTx(ctx context.Context, d DB, fn func(tx Tx) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "db: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "db: commit")
	}
	return nil
}
