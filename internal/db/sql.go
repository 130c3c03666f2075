package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens a SQLite database at dsn with WAL mode and a single
// connection, so concurrent writers queue instead of failing with SQLITE_BUSY.
func OpenSQLite(dsn string) (DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &sqlDBHandle{db: sqlDB}, nil
}

var placeholderRE = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders to SQLite's numbered ?N form.
func Rebind(query string) string {
	return placeholderRE.ReplaceAllString(query, "?$1")
}

type sqlDBHandle struct {
	db *sql.DB
}

func (d *sqlDBHandle) Dialect() Dialect { return SQLite }

func (d *sqlDBHandle) Close() { _ = d.db.Close() }

func (d *sqlDBHandle) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, d.db, query, args...)
}

func (d *sqlDBHandle) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return querySQL(ctx, d.db, query, args...)
}

func (d *sqlDBHandle) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: d.db.QueryRowContext(ctx, Rebind(query), args...)}
}

func (d *sqlDBHandle) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execSQL(ctx, t.tx, query, args...)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return querySQL(ctx, t.tx, query, args...)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: t.tx.QueryRowContext(ctx, Rebind(query), args...)}
}

func (t *sqlTx) Commit(_ context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(_ context.Context) error { return t.tx.Rollback() }

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execSQL(ctx context.Context, c sqlConn, query string, args ...any) (int64, error) {
	res, err := c.ExecContext(ctx, Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

func querySQL(ctx context.Context, c sqlConn, query string, args ...any) (Rows, error) {
	rows, err := c.QueryContext(ctx, Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows: rows}, nil
}

type sqlRows struct {
	rows *sql.Rows
}

func (r sqlRows) Next() bool             { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Err() error             { return r.rows.Err() }
func (r sqlRows) Close()                 { _ = r.rows.Close() }

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}
