package custodydb

import (
	"database/sql"
	"net"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	_ "github.com/jackc/pgx/v5/stdlib" // Register the pgx driver.
	"github.com/stretchr/testify/require"
)

// DefaultPostgresFixtureLifetime bounds how long the docker container of a
// test database lives, even if the tests are still running.
var DefaultPostgresFixtureLifetime = 10 * time.Minute

// PostgresConfig configures the postgres custody database.
type PostgresConfig struct {
	SkipMigrations     bool   `long:"skipmigrations" description:"Don't migrate the schema on startup."`
	Host               string `long:"host" description:"Database server hostname."`
	Port               int    `long:"port" description:"Database server port."`
	User               string `long:"user" description:"Database user."`
	Password           string `long:"password" description:"Database user's password."`
	DBName             string `long:"dbname" description:"Database name to use."`
	MaxOpenConnections int    `long:"maxconnections" description:"Upper bound of open connections to the server, 0 for no limit."`
	RequireSSL         bool   `long:"requiressl" description:"Connect with sslmode=require."`
}

// DSN returns the connection url of the database. The password is masked
// if hidePassword is set so the result can be logged.
func (c *PostgresConfig) DSN(hidePassword bool) string {
	sslMode := "disable"
	if c.RequireSSL {
		sslMode = "require"
	}

	password := c.Password
	if hidePassword {
		password = "****"
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     c.DBName,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}

	return dsn.String()
}

// PostgresStore is the custody database on a postgres server.
type PostgresStore struct {
	*BaseDB
}

// NewPostgresStore connects to the server and migrates the schema.
func NewPostgresStore(cfg *PostgresConfig,
	network *chaincfg.Params) (*PostgresStore, error) {

	log.Infof("Using postgres database %v", cfg.DSN(true))

	db, err := sql.Open("pgx", cfg.DSN(false))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConnections)

	if !cfg.SkipMigrations {
		err := migrateUp(db, backendPostgres, cfg.DBName)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &PostgresStore{
		BaseDB: newBaseDB(db, network),
	}, nil
}

// NewTestPostgresDB starts a postgres container and opens a migrated
// database on it.
func NewTestPostgresDB(t *testing.T) *PostgresStore {
	t.Helper()

	fixture := NewTestPgFixture(t, DefaultPostgresFixtureLifetime)
	t.Cleanup(func() {
		fixture.TearDown(t)
	})

	store, err := NewPostgresStore(
		fixture.GetConfig(), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return store
}
