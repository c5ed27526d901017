package psbtcoord

import (
	"bytes"
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/custodydb/sqlc"
	"github.com/lightningnetwork/lnd/clock"
)

// Record is one PSBT artifact of a request. Records are append-only.
type Record struct {
	ID        int32
	RequestID string
	Packet    *psbt.Packet

	IsTemplate  bool
	IsInternal  bool
	IsFinalized bool

	CreatedAt time.Time
}

// IsHuman reports whether the record was submitted by a co-signer.
func (r *Record) IsHuman() bool {
	return !r.IsTemplate && !r.IsInternal && !r.IsFinalized
}

// Store persists PSBT records.
type Store interface {
	// AddRecord appends a record and sets its ID and creation time.
	AddRecord(ctx context.Context, r *Record) error

	// Records returns the records of a request in insertion order.
	Records(ctx context.Context, requestID string) ([]*Record, error)
}

// Querier is the subset of the custody queries the coordinator uses.
type Querier interface {
	InsertPsbtRecord(ctx context.Context,
		arg sqlc.InsertPsbtRecordParams) (int32, error)

	GetPsbtRecords(ctx context.Context,
		requestID string) ([]sqlc.PsbtRecord, error)
}

// SqlStore is the sql backed record store.
type SqlStore struct {
	db *custodydb.TypedStore[Querier]

	clock clock.Clock
}

// NewSqlStore creates a record store on top of a custody database.
func NewSqlStore(db custodydb.BatchedQuerier, clock clock.Clock) *SqlStore {
	return &SqlStore{
		db:    custodydb.NewTypedStore[Querier](db),
		clock: clock,
	}
}

// AddRecord appends a record.
func (s *SqlStore) AddRecord(ctx context.Context, r *Record) error {
	var buf bytes.Buffer
	if err := r.Packet.Serialize(&buf); err != nil {
		return err
	}

	r.CreatedAt = s.clock.Now().UTC()

	id, err := s.db.InsertPsbtRecord(ctx, sqlc.InsertPsbtRecordParams{
		RequestID:   r.RequestID,
		Payload:     buf.Bytes(),
		IsTemplate:  r.IsTemplate,
		IsInternal:  r.IsInternal,
		IsFinalized: r.IsFinalized,
		CreatedAt:   r.CreatedAt,
	})
	if err != nil {
		return err
	}
	r.ID = id

	return nil
}

// Records returns the records of a request in insertion order.
func (s *SqlStore) Records(ctx context.Context,
	requestID string) ([]*Record, error) {

	rows, err := s.db.GetPsbtRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(rows))
	for _, row := range rows {
		packet, err := psbt.NewFromRawBytes(
			bytes.NewReader(row.Payload), false,
		)
		if err != nil {
			return nil, err
		}

		records = append(records, &Record{
			ID:          row.ID,
			RequestID:   row.RequestID,
			Packet:      packet,
			IsTemplate:  row.IsTemplate,
			IsInternal:  row.IsInternal,
			IsFinalized: row.IsFinalized,
			CreatedAt:   row.CreatedAt,
		})
	}

	return records, nil
}
