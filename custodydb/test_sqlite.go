//go:build !test_db_postgres
// +build !test_db_postgres

package custodydb

import (
	"testing"
)

// NewTestDB is a helper function that creates an SQLite database for testing.
func NewTestDB(t *testing.T) *BaseDB {
	return NewTestSqliteDB(t).BaseDB
}
