package custodydb

import (
	"context"

	"github.com/chanvault/chanvault/custodydb/sqlc"
)

// BatchedQuerier implements all DB queries and ExecTx on *sqlc.Queries.
// It is implemented by BaseDB, SqliteStore and PostgresStore.
type BatchedQuerier interface {
	sqlc.Querier

	// ExecTx runs txBody against a *sqlc.Queries bound to a single
	// database transaction.
	ExecTx(ctx context.Context, txOptions TxOptions,
		txBody func(*sqlc.Queries) error) error
}

// TypedStore narrows a BatchedQuerier to the query subset Q a package needs,
// so that package can declare and mock just that subset.
type TypedStore[Q any] struct {
	BatchedQuerier
}

// NewTypedStore wraps a db, replacing generic ExecTx method with the typed one.
func NewTypedStore[Q any](db BatchedQuerier) *TypedStore[Q] {
	// Make sure *sqlc.Queries can be casted to Q.
	_ = any((*sqlc.Queries)(nil)).(Q)

	return &TypedStore[Q]{
		BatchedQuerier: db,
	}
}

// ExecTx will execute the passed txBody, operating upon generic parameter Q
// in a single transaction.
func (s *TypedStore[Q]) ExecTx(ctx context.Context,
	txOptions TxOptions, txBody func(Q) error) error {

	return s.BatchedQuerier.ExecTx(ctx, txOptions,
		func(q *sqlc.Queries) error {
			return txBody(any(q).(Q))
		},
	)
}
