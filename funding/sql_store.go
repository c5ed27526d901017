package funding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/custodydb/sqlc"
	"github.com/chanvault/chanvault/fsm"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Querier is the subset of the custody queries the request store uses.
type Querier interface {
	InsertRequest(ctx context.Context, arg sqlc.InsertRequestParams) error

	UpdateRequest(ctx context.Context, arg sqlc.UpdateRequestParams) error

	GetRequest(ctx context.Context, id string) (sqlc.FundingRequest, error)

	ListRequests(ctx context.Context) ([]sqlc.FundingRequest, error)

	GetRequestsByState(ctx context.Context,
		state string) ([]sqlc.FundingRequest, error)

	InsertRequestUpdate(ctx context.Context,
		arg sqlc.InsertRequestUpdateParams) error

	GetRequestUpdates(ctx context.Context,
		requestID string) ([]sqlc.RequestUpdate, error)
}

// RequestUpdate is an entry of the audit log of a request.
type RequestUpdate struct {
	State     fsm.StateType
	Timestamp time.Time
}

// SqlStore is the sql backed request store.
type SqlStore struct {
	db *custodydb.TypedStore[Querier]

	clock clock.Clock
}

// NewSqlStore creates a request store on top of a custody database.
func NewSqlStore(db custodydb.BatchedQuerier, clock clock.Clock) *SqlStore {
	return &SqlStore{
		db:    custodydb.NewTypedStore[Querier](db),
		clock: clock,
	}
}

// CreateRequest stores a new request in the Pending state together with
// the first entry of its audit log.
func (s *SqlStore) CreateRequest(ctx context.Context, r *Request) error {
	now := s.clock.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.SetState(Pending)

	return s.db.ExecTx(ctx, &custodydb.SqliteTxOptions{},
		func(q Querier) error {
			err := q.InsertRequest(ctx, sqlc.InsertRequestParams{
				ID:                 r.ID,
				WalletID:           int32(r.WalletID),
				RequestType:        int32(r.Type),
				Amount:             int64(r.Amount),
				State:              string(Pending),
				FeeRate:            int64(r.FeeRate),
				Changeless:         r.Changeless,
				Outpoints:          formatOutpoints(r.Outpoints),
				DestinationAddress: r.DestinationAddress,
				SourceNodeID:       r.SourceNodeID,
				DestNodeID:         r.DestNodeID,
				CloseForce:         r.CloseForce,
				ChanID:             int64(r.ChanID),
				CreatedAt:          now,
				UpdatedAt:          now,
			})
			if err != nil {
				return err
			}

			return q.InsertRequestUpdate(
				ctx, sqlc.InsertRequestUpdateParams{
					RequestID:       r.ID,
					UpdateState:     string(Pending),
					UpdateTimestamp: now,
				},
			)
		},
	)
}

// UpdateRequest stores the mutable fields of a request.
func (s *SqlStore) UpdateRequest(ctx context.Context, r *Request,
	audit bool) error {

	now := s.clock.Now().UTC()
	state := r.GetState()

	r.Lock()
	params := sqlc.UpdateRequestParams{
		ID:            r.ID,
		State:         string(state),
		ChanID:        int64(r.ChanID),
		PendingChanID: r.PendingChanID,
		FailureReason: r.FailureReason,
		UpdatedAt:     now,
	}
	if r.TxID != nil {
		params.Txid = r.TxID[:]
	}
	r.UpdatedAt = now
	r.Unlock()

	return s.db.ExecTx(ctx, &custodydb.SqliteTxOptions{},
		func(q Querier) error {
			if err := q.UpdateRequest(ctx, params); err != nil {
				return err
			}

			if !audit {
				return nil
			}

			return q.InsertRequestUpdate(
				ctx, sqlc.InsertRequestUpdateParams{
					RequestID:       r.ID,
					UpdateState:     string(state),
					UpdateTimestamp: now,
				},
			)
		},
	)
}

// GetRequest returns a request by id.
func (s *SqlStore) GetRequest(ctx context.Context, id string) (*Request,
	error) {

	row, err := s.db.GetRequest(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %v: %w", id, custodydb.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return requestFromRow(row)
}

// ListRequests returns all requests.
func (s *SqlStore) ListRequests(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.ListRequests(ctx)
	if err != nil {
		return nil, err
	}

	return requestsFromRows(rows)
}

// RequestsInState returns the requests in the given state.
func (s *SqlStore) RequestsInState(ctx context.Context,
	state string) ([]*Request, error) {

	rows, err := s.db.GetRequestsByState(ctx, state)
	if err != nil {
		return nil, err
	}

	return requestsFromRows(rows)
}

// RequestUpdates returns the audit log of a request, oldest first.
func (s *SqlStore) RequestUpdates(ctx context.Context,
	id string) ([]*RequestUpdate, error) {

	rows, err := s.db.GetRequestUpdates(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := make([]*RequestUpdate, 0, len(rows))
	for _, row := range rows {
		updates = append(updates, &RequestUpdate{
			State:     fsm.StateType(row.UpdateState),
			Timestamp: row.UpdateTimestamp.UTC(),
		})
	}

	return updates, nil
}

func requestsFromRows(rows []sqlc.FundingRequest) ([]*Request, error) {
	requests := make([]*Request, 0, len(rows))
	for _, row := range rows {
		r, err := requestFromRow(row)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}

	return requests, nil
}

func requestFromRow(row sqlc.FundingRequest) (*Request, error) {
	outpoints, err := parseOutpoints(row.Outpoints)
	if err != nil {
		return nil, err
	}

	r := &Request{
		ID:                 row.ID,
		WalletID:           int64(row.WalletID),
		Type:               RequestType(row.RequestType),
		Amount:             btcutil.Amount(row.Amount),
		FeeRate:            chainfee.SatPerKWeight(row.FeeRate),
		Changeless:         row.Changeless,
		Outpoints:          outpoints,
		DestinationAddress: row.DestinationAddress,
		SourceNodeID:       row.SourceNodeID,
		DestNodeID:         row.DestNodeID,
		CloseForce:         row.CloseForce,
		ChanID:             uint64(row.ChanID),
		PendingChanID:      row.PendingChanID,
		FailureReason:      row.FailureReason,
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
		state:              fsm.StateType(row.State),
	}

	if len(row.Txid) > 0 {
		txid, err := chainhash.NewHash(row.Txid)
		if err != nil {
			return nil, err
		}
		r.TxID = txid
	}

	return r, nil
}
