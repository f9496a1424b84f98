package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/pulseline/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp dir.
// A file database is used rather than :memory: so that every pooled
// connection sees the same data. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "pulseline-test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
