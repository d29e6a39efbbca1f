// Package testing provides testing utilities and helpers for the exchange.
package testing

import (
	"os"
	"testing"

	"github.com/aristath/bourse/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temporary SQLite database for testing with the
// exchange schema applied. Returns the database instance and a cleanup
// function that closes the connection. The cleanup function is idempotent.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	// Each test gets its own isolated database file
	tmpFile, err := os.CreateTemp("", "test_exchange_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "exchange",
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	// Sanity check: migration must have produced the orders table, otherwise
	// every repository test would fail with confusing errors
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'orders'`).Scan(&count); err != nil || count == 0 {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Exchange schema was not applied (orders table missing): %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

// MustExec executes a statement against the test database and fails the test
// on error
func MustExec(t *testing.T, db *database.DB, query string, args ...interface{}) {
	t.Helper()

	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("Failed to execute %q: %v", query, err)
	}
}

// MustInsert executes an INSERT and returns the assigned row id
func MustInsert(t *testing.T, db *database.DB, query string, args ...interface{}) int64 {
	t.Helper()

	result, err := db.Exec(query, args...)
	if err != nil {
		t.Fatalf("Failed to execute %q: %v", query, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get last insert id: %v", err)
	}
	return id
}
