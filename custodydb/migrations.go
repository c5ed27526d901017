package custodydb

import (
	"bytes"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/btcsuite/btclog/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgx_migrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// dbBackend names a supported database server.
type dbBackend string

const (
	backendSqlite   dbBackend = "sqlite"
	backendPostgres dbBackend = "postgres"
)

//go:embed sqlc/migrations/*.sql
var sqlSchemas embed.FS

// postgresSchemaReplacements turn the sqlite flavored schema into postgres.
var postgresSchemaReplacements = map[string]string{
	"BLOB":                "BYTEA",
	"INTEGER PRIMARY KEY": "SERIAL PRIMARY KEY",
	"TIMESTAMP":           "TIMESTAMP WITHOUT TIME ZONE",
}

// migrateUp brings the schema of db to the latest version.
func migrateUp(db *sql.DB, backend dbBackend, dbName string) error {
	var (
		driver  database.Driver
		schemas fs.FS = sqlSchemas
		err     error
	)
	switch backend {
	case backendSqlite:
		driver, err = sqlite_migrate.WithInstance(
			db, &sqlite_migrate.Config{},
		)

	case backendPostgres:
		driver, err = pgx_migrate.WithInstance(db, &pgx_migrate.Config{})
		schemas = newReplacerFS(sqlSchemas, postgresSchemaReplacements)

	default:
		return fmt.Errorf("unknown database backend %q", backend)
	}
	if err != nil {
		return err
	}

	return applyMigrations(schemas, driver, "sqlc/migrations", dbName)
}

// migrationLogger forwards migration output to the package logger at its
// current level.
type migrationLogger struct {
	log btclog.Logger
}

// Printf is like fmt.Printf. We map this to the target logger based on the
// current log level.
func (m *migrationLogger) Printf(format string, v ...interface{}) {
	format = strings.TrimRight(format, "\n")

	switch m.log.Level() {
	case btclog.LevelTrace:
		m.log.Tracef(format, v...)
	case btclog.LevelDebug:
		m.log.Debugf(format, v...)
	case btclog.LevelInfo:
		m.log.Infof(format, v...)
	case btclog.LevelWarn:
		m.log.Warnf(format, v...)
	case btclog.LevelError:
		m.log.Errorf(format, v...)
	case btclog.LevelCritical:
		m.log.Criticalf(format, v...)
	case btclog.LevelOff:
	}
}

// Verbose should return true when verbose logging output is wanted.
func (m *migrationLogger) Verbose() bool {
	return m.log.Level() <= btclog.LevelDebug
}

// applyMigrations runs the migrations below path of fs up to the latest
// version.
func applyMigrations(fs fs.FS, driver database.Driver, path,
	dbName string) error {

	// migrate reads its sources through http.FileSystem.
	migrateFileServer, err := httpfs.New(http.FS(fs), path)
	if err != nil {
		return err
	}

	sqlMigrate, err := migrate.NewWithInstance(
		"migrations", migrateFileServer, dbName, driver,
	)
	if err != nil {
		return err
	}

	migrationVersion, _, err := sqlMigrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Errorf("Unable to determine current migration version: %v",
			err)

		return err
	}

	log.Infof("Applying migrations from version=%v", migrationVersion)

	sqlMigrate.Log = &migrationLogger{log}

	err = sqlMigrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// replacerFS wraps a file system and applies a set of string replacements to
// every file it opens. It adapts the sqlite flavored schema to postgres.
type replacerFS struct {
	parentFS fs.FS
	replaces map[string]string
}

// A compile-time assertion to make sure replacerFS implements the fs.FS
// interface.
var _ fs.FS = (*replacerFS)(nil)

func newReplacerFS(parent fs.FS, replaces map[string]string) *replacerFS {
	return &replacerFS{
		parentFS: parent,
		replaces: replaces,
	}
}

// Open opens a file in the virtual file system.
//
// NOTE: This is part of the fs.FS interface.
func (t *replacerFS) Open(name string) (fs.File, error) {
	f, err := t.parentFS.Open(name)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if stat.IsDir() {
		return f, err
	}

	return newReplacerFile(f, t.replaces)
}

type replacerFile struct {
	parentFile fs.File
	buf        bytes.Buffer
}

// A compile-time assertion to make sure replacerFile implements the fs.File
// interface.
var _ fs.File = (*replacerFile)(nil)

func newReplacerFile(parent fs.File, replaces map[string]string) (*replacerFile,
	error) {

	content, err := io.ReadAll(parent)
	if err != nil {
		return nil, err
	}

	contentStr := string(content)
	for from, to := range replaces {
		contentStr = strings.ReplaceAll(contentStr, from, to)
	}

	f := &replacerFile{
		parentFile: parent,
	}
	f.buf.WriteString(contentStr)

	return f, nil
}

// Stat returns statistics/info about the file.
//
// NOTE: This is part of the fs.File interface.
func (t *replacerFile) Stat() (fs.FileInfo, error) {
	return t.parentFile.Stat()
}

// Read reads as many bytes as possible from the file into the given slice.
//
// NOTE: This is part of the fs.File interface.
func (t *replacerFile) Read(bytes []byte) (int, error) {
	return t.buf.Read(bytes)
}

// Close closes the underlying file.
//
// NOTE: This is part of the fs.File interface.
func (t *replacerFile) Close() error {
	// The parent was fully read on open, nothing to release.
	return nil
}
