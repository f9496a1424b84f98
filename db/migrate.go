package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded schema file, e.g. 003_create_executions.sql.
type migration struct {
	version string
	file    string
	body    string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.Glob(migrations, path.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	sort.Strings(files)

	out := make([]migration, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, f := range files {
		name := path.Base(f)
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, errors.Newf("migrations %s and %s share version %s", prev, name, version)
		}
		seen[version] = name

		body, err := migrations.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		out = append(out, migration{version: version, file: name, body: string(body)})
	}
	return out, nil
}

// appliedVersions returns the recorded versions, empty before 000 has run.
func appliedVersions(ctx context.Context, database *sql.DB) (map[string]bool, error) {
	var n int
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&n); err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	applied := make(map[string]bool)
	if n == 0 {
		return applied, nil
	}

	rows, err := database.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies pending migrations in version order, each in its own
// transaction together with its schema_migrations row, and returns the
// versions it applied. A nil logger runs silently.
func Migrate(ctx context.Context, database *sql.DB, logger *zap.SugaredLogger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	log := logger.Named("db.migrate").With("symbol", sym.DB)

	all, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, database)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, m := range all {
		if applied[m.version] {
			continue
		}
		start := time.Now()
		err := WithTx(ctx, database, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.body); err != nil {
				return errors.Wrapf(err, "execute %s", m.file)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
				return errors.Wrapf(err, "record %s", m.file)
			}
			return nil
		})
		if err != nil {
			return done, errors.WithDetailf(err, "applied before failure: %v", done)
		}
		log.Infow("Applied migration", "migration", m.file, "version", m.version, "duration", time.Since(start))
		done = append(done, m.version)
	}

	if len(done) > 0 {
		log.Infow("Schema migrated", "applied", len(done), "schema_version", done[len(done)-1])
	} else {
		log.Debugw("Schema up to date", "migrations", len(all))
	}
	return done, nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, database *sql.DB) (string, error) {
	var v sql.NullString
	if err := database.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return "", errors.Wrap(err, "read schema version")
	}
	return v.String, nil
}
