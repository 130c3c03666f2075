package db

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const migrationLockID = 4242001

// Migrate applies every *.sql file in fsys not yet recorded in
// schema_migrations, in lexicographic order. On Postgres the run holds an
// advisory lock so overlapping deploys do not race.
func Migrate(ctx context.Context, d DB, fsys fs.FS) error {
	log := zap.L().With(zap.String("component", "db.migrate"), zap.String("dialect", string(d.Dialect())))

	if d.Dialect() == Postgres {
		if _, err := d.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "db: acquire migration advisory lock")
		}
		defer func() {
			if _, err := d.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
				log.Warn("db: failed to release migration advisory lock", zap.Error(err))
			}
		}()
	}

	if _, err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return eris.Wrap(err, "db: ensure migration table")
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return eris.Wrap(err, "db: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := appliedMigrations(ctx, d)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return eris.Wrapf(err, "db: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))

		if _, err := d.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "db: apply migration %s", name)
		}
		if _, err := d.Exec(ctx,
			"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, $2)",
			name, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "db: record migration %s", name)
		}
	}

	return nil
}

func appliedMigrations(ctx context.Context, d DB) (map[string]bool, error) {
	rows, err := d.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
