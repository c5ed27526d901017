package custodydb

import (
	"context"
	"database/sql"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/chanvault/chanvault/custodydb/sqlc"
)

const (
	// DefaultNumTxRetries is the number of times a transaction is retried
	// after a serialization failure.
	DefaultNumTxRetries = 10

	// DefaultRetryDelay is the delay between transaction retries.
	DefaultRetryDelay = 50 * time.Millisecond
)

// TxOptions selects the kind of transaction ExecTx opens.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

// SqliteTxOptions are the transaction options of both backends. The zero
// value opens a read-write transaction.
type SqliteTxOptions struct {
	readOnly bool
}

// NewSqlReadOpts returns options for a read only transaction.
func NewSqlReadOpts() *SqliteTxOptions {
	return &SqliteTxOptions{
		readOnly: true,
	}
}

// ReadOnly returns true if the transaction should be read only.
//
// NOTE: This implements the TxOptions interface.
func (r *SqliteTxOptions) ReadOnly() bool {
	return r.readOnly
}

// BaseDB is the backend independent part of the custody database. The
// sqlite and postgres stores embed it.
type BaseDB struct {
	network *chaincfg.Params

	*sql.DB

	*sqlc.Queries
}

func newBaseDB(db *sql.DB, network *chaincfg.Params) *BaseDB {
	return &BaseDB{
		network: network,
		DB:      db,
		Queries: sqlc.New(db),
	}
}

// Network returns the chain parameters the database was opened for.
func (db *BaseDB) Network() *chaincfg.Params {
	return db.network
}

// ExecTx runs txBody in a single database transaction. Serialization
// failures are retried with a fixed delay, any other error is returned
// mapped through MapSQLError.
func (db *BaseDB) ExecTx(ctx context.Context, txOptions TxOptions,
	txBody func(*sqlc.Queries) error) error {

	for i := 0; i < DefaultNumTxRetries; i++ {
		err := MapSQLError(db.execTx(ctx, txOptions, txBody))
		if !IsSerializationError(err) {
			return err
		}

		log.Debugf("Retrying transaction after serialization "+
			"failure (attempt %d): %v", i+1, err)

		select {
		case <-time.After(DefaultRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ErrRetriesExceeded
}

func (db *BaseDB) execTx(ctx context.Context, txOptions TxOptions,
	txBody func(*sqlc.Queries) error) error {

	tx, err := db.DB.BeginTx(ctx, &sql.TxOptions{
		ReadOnly: txOptions.ReadOnly(),
	})
	if err != nil {
		return err
	}

	// A no-op after a successful commit.
	defer tx.Rollback() //nolint: errcheck

	if err := txBody(db.Queries.WithTx(tx)); err != nil {
		return err
	}

	return tx.Commit()
}
