package custodydb

import (
	"database/sql"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // Register the sqlite driver.
)

// sqlitePragmas are set on every connection of the sqlite pool.
var sqlitePragmas = []string{
	"foreign_keys=on",
	"journal_mode=WAL",
	"busy_timeout=5000",
}

// SqliteConfig configures the sqlite custody database.
type SqliteConfig struct {
	SkipMigrations bool `long:"skipmigrations" description:"Don't migrate the schema on startup."`

	DatabaseFileName string `long:"dbfile" description:"Path of the custody database file."`
}

// DSN returns the modernc connection string of the database file. Every
// transaction takes the write lock on BEGIN, so concurrent writers wait on
// the busy timeout instead of failing to upgrade their lock.
func (c *SqliteConfig) DSN() string {
	opts := make(url.Values)
	for _, pragma := range sqlitePragmas {
		opts.Add("_pragma", pragma)
	}
	opts.Set("_txlock", "immediate")

	return c.DatabaseFileName + "?" + opts.Encode()
}

// SqliteStore is the custody database in a sqlite file.
type SqliteStore struct {
	*BaseDB
}

// NewSqliteStore opens the database file and migrates its schema.
func NewSqliteStore(cfg *SqliteConfig,
	network *chaincfg.Params) (*SqliteStore, error) {

	log.Infof("Using sqlite database %v", cfg.DatabaseFileName)

	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, err
	}

	if !cfg.SkipMigrations {
		err := migrateUp(db, backendSqlite, "custody")
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &SqliteStore{
		BaseDB: newBaseDB(db, network),
	}, nil
}

// NewTestSqliteDB creates a migrated sqlite database in the test's temp dir.
func NewTestSqliteDB(t *testing.T) *SqliteStore {
	t.Helper()

	store, err := NewSqliteStore(&SqliteConfig{
		DatabaseFileName: filepath.Join(t.TempDir(), "custody.db"),
	}, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.DB.Close())
	})

	return store
}
