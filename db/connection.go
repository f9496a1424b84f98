package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
// before returning SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// dsn appends connection pragmas as go-sqlite3 DSN parameters so that every
// pooled connection gets them, not only the first one.
//
// _txlock=immediate makes every transaction take the write lock at BEGIN,
// which serialises read-then-write sequences (claim, submit, lock acquire).
func dsn(path string) string {
	params := fmt.Sprintf("_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", SQLiteBusyTimeoutMS)
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Open opens a SQLite database at the specified path with WAL, foreign keys,
// a busy timeout and immediate transactions.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = errors.Wrap(err, "failed to connect to database")
		return nil, errors.WithDetail(err, fmt.Sprintf("Path: %s", path))
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies all pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return db, nil
}
