package coinselect

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/custodydb/sqlc"
	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrOutpointReserved is returned when an outpoint is already reserved
	// by another in-flight request.
	ErrOutpointReserved = errors.New("outpoint reserved by another request")
)

// Querier is the subset of the custody queries the selector uses.
type Querier interface {
	InsertReservation(ctx context.Context,
		arg sqlc.InsertReservationParams) error

	DeleteReservations(ctx context.Context, requestID string) error

	DeleteStaleReservations(ctx context.Context) error

	GetReservations(ctx context.Context,
		requestID string) ([]sqlc.UtxoReservation, error)

	LockedOutpoints(ctx context.Context,
		requestID string) ([]sqlc.LockedOutpointsRow, error)

	CountReservations(ctx context.Context) (int64, error)

	UpsertTag(ctx context.Context, arg sqlc.UpsertTagParams) error

	DeleteTag(ctx context.Context, arg sqlc.DeleteTagParams) error

	ListTags(ctx context.Context) ([]sqlc.UtxoTag, error)
}

// Store persists outpoint reservations and tags.
type Store interface {
	// LockedOutpoints returns the outpoints reserved by non-terminal
	// requests and by cancelled requests with a transaction, other than
	// excludeRequestID, mapped to their owner.
	LockedOutpoints(ctx context.Context,
		excludeRequestID string) (map[wire.OutPoint]string, error)

	// Reserve replaces the reservation set of a request. It fails with
	// ErrOutpointReserved if any outpoint is owned by another request.
	Reserve(ctx context.Context, requestID string,
		outpoints []wire.OutPoint) error

	// Release drops all reservations of a request.
	Release(ctx context.Context, requestID string) error

	// Reservations returns the outpoints reserved by a request.
	Reservations(ctx context.Context,
		requestID string) ([]wire.OutPoint, error)

	// CountReservations returns the number of reserved outpoints.
	CountReservations(ctx context.Context) (int64, error)

	// SetTag sets a tag on an outpoint.
	SetTag(ctx context.Context, op wire.OutPoint, tag, value string) error

	// ClearTag removes a tag from an outpoint.
	ClearTag(ctx context.Context, op wire.OutPoint, tag string) error

	// Tags returns all outpoint tags.
	Tags(ctx context.Context) (map[wire.OutPoint]map[string]string, error)
}

// SqlStore is the sql backed reservation and tag store.
type SqlStore struct {
	db *custodydb.TypedStore[Querier]

	clock clock.Clock
}

// NewSqlStore creates a store on top of a custody database.
func NewSqlStore(db custodydb.BatchedQuerier) *SqlStore {
	return &SqlStore{
		db:    custodydb.NewTypedStore[Querier](db),
		clock: clock.NewDefaultClock(),
	}
}

// LockedOutpoints returns the outpoints reserved by non-terminal requests
// other than excludeRequestID.
func (s *SqlStore) LockedOutpoints(ctx context.Context,
	excludeRequestID string) (map[wire.OutPoint]string, error) {

	rows, err := s.db.LockedOutpoints(ctx, excludeRequestID)
	if err != nil {
		return nil, err
	}

	locked := make(map[wire.OutPoint]string, len(rows))
	for _, row := range rows {
		op, err := wire.NewOutPointFromString(row.Outpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid reserved outpoint %q: "+
				"%w", row.Outpoint, err)
		}
		locked[*op] = row.RequestID
	}

	return locked, nil
}

// Reserve replaces the reservation set of a request in a single
// transaction. Reservations of terminal requests are dropped first so they
// don't trip the uniqueness constraint.
func (s *SqlStore) Reserve(ctx context.Context, requestID string,
	outpoints []wire.OutPoint) error {

	now := s.clock.Now().UTC()

	err := s.db.ExecTx(ctx, &custodydb.SqliteTxOptions{},
		func(q Querier) error {
			if err := q.DeleteStaleReservations(ctx); err != nil {
				return err
			}

			err := q.DeleteReservations(ctx, requestID)
			if err != nil {
				return err
			}

			for _, op := range outpoints {
				err := q.InsertReservation(
					ctx, sqlc.InsertReservationParams{
						Outpoint:  op.String(),
						RequestID: requestID,
						CreatedAt: now,
					},
				)
				if err != nil {
					return err
				}
			}

			return nil
		},
	)
	if custodydb.IsUniqueConstraintViolation(err) {
		return fmt.Errorf("%w: %v", ErrOutpointReserved, err)
	}

	return err
}

// Release drops all reservations of a request.
func (s *SqlStore) Release(ctx context.Context, requestID string) error {
	return s.db.ExecTx(ctx, &custodydb.SqliteTxOptions{},
		func(q Querier) error {
			return q.DeleteReservations(ctx, requestID)
		},
	)
}

// Reservations returns the outpoints reserved by a request.
func (s *SqlStore) Reservations(ctx context.Context,
	requestID string) ([]wire.OutPoint, error) {

	rows, err := s.db.GetReservations(ctx, requestID)
	if err != nil {
		return nil, err
	}

	outpoints := make([]wire.OutPoint, 0, len(rows))
	for _, row := range rows {
		op, err := wire.NewOutPointFromString(row.Outpoint)
		if err != nil {
			return nil, err
		}
		outpoints = append(outpoints, *op)
	}

	return outpoints, nil
}

// CountReservations returns the number of reserved outpoints.
func (s *SqlStore) CountReservations(ctx context.Context) (int64, error) {
	return s.db.CountReservations(ctx)
}

// SetTag sets a tag on an outpoint.
func (s *SqlStore) SetTag(ctx context.Context, op wire.OutPoint, tag,
	value string) error {

	return s.db.UpsertTag(ctx, sqlc.UpsertTagParams{
		Outpoint: op.String(),
		Tag:      tag,
		Value:    value,
	})
}

// ClearTag removes a tag from an outpoint.
func (s *SqlStore) ClearTag(ctx context.Context, op wire.OutPoint,
	tag string) error {

	return s.db.DeleteTag(ctx, sqlc.DeleteTagParams{
		Outpoint: op.String(),
		Tag:      tag,
	})
}

// Tags returns all outpoint tags.
func (s *SqlStore) Tags(
	ctx context.Context) (map[wire.OutPoint]map[string]string, error) {

	rows, err := s.db.ListTags(ctx)
	if err != nil {
		return nil, err
	}

	tags := make(map[wire.OutPoint]map[string]string)
	for _, row := range rows {
		op, err := wire.NewOutPointFromString(row.Outpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid tagged outpoint %q: %w",
				row.Outpoint, err)
		}

		if tags[*op] == nil {
			tags[*op] = make(map[string]string)
		}
		tags[*op][row.Tag] = row.Value
	}

	return tags, nil
}
