package custodydb

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPostgresDSN checks the connection url of the postgres backend.
func TestPostgresDSN(t *testing.T) {
	cfg := &PostgresConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "vault",
		Password: "p@ss/word",
		DBName:   "custody",
	}

	tests := []struct {
		name     string
		hide     bool
		ssl      bool
		password string
		sslMode  string
	}{
		{
			name:     "plain",
			password: "p@ss/word",
			sslMode:  "disable",
		},
		{
			name:     "hidden password",
			hide:     true,
			password: "****",
			sslMode:  "disable",
		},
		{
			name:     "ssl",
			ssl:      true,
			password: "p@ss/word",
			sslMode:  "require",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := *cfg
			c.RequireSSL = test.ssl

			dsn, err := url.Parse(c.DSN(test.hide))
			require.NoError(t, err)

			require.Equal(t, "postgres", dsn.Scheme)
			require.Equal(t, "db.internal:5432", dsn.Host)
			require.Equal(t, "/custody", dsn.Path)
			require.Equal(t, "vault", dsn.User.Username())

			password, _ := dsn.User.Password()
			require.Equal(t, test.password, password)
			require.Equal(t, test.sslMode, dsn.Query().Get("sslmode"))
		})
	}
}

// TestSqliteDSN checks that the pragmas and the lock mode reach the driver.
func TestSqliteDSN(t *testing.T) {
	cfg := &SqliteConfig{DatabaseFileName: "/data/custody.db"}

	dsn, err := url.Parse(cfg.DSN())
	require.NoError(t, err)
	require.Equal(t, "/data/custody.db", dsn.Path)

	query := dsn.Query()
	require.ElementsMatch(t, sqlitePragmas, query["_pragma"])
	require.Equal(t, "immediate", query.Get("_txlock"))
}

// TestSqliteStoreForeignKeys checks that the pragmas are in effect on an
// opened store.
func TestSqliteStoreForeignKeys(t *testing.T) {
	store := NewTestSqliteDB(t)

	var enabled int
	err := store.DB.QueryRow("PRAGMA foreign_keys").Scan(&enabled)
	require.NoError(t, err)
	require.Equal(t, 1, enabled)

	var mode string
	err = store.DB.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	require.Equal(t, "wal", mode)
}
