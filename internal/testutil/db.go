// Package testutil provides test utilities for database setup.
package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iddsops/idds/internal/database"
)

// NewTestDB creates an in-memory sqlite database with the full schema
// applied. The database is closed automatically when the test ends.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}
