package custodydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb/sqlc"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/clock"
)

// Store persists wallets, nodes, channels and address indexes.
type Store struct {
	db *BaseDB

	clock clock.Clock
}

// NewStore creates a store on top of an open database.
func NewStore(db *BaseDB) *Store {
	return &Store{
		db:    db,
		clock: clock.NewDefaultClock(),
	}
}

// DB returns the underlying database.
func (s *Store) DB() *BaseDB {
	return s.db
}

// ChannelStatus is the lifecycle status of a known channel.
type ChannelStatus uint8

const (
	// ChannelStatusOpen marks a channel that is live on its node.
	ChannelStatusOpen ChannelStatus = iota

	// ChannelStatusClosed marks a channel that has been closed.
	ChannelStatusClosed
)

// String returns a human readable channel status.
func (s ChannelStatus) String() string {
	switch s {
	case ChannelStatusOpen:
		return "open"

	case ChannelStatusClosed:
		return "closed"

	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Node is an lnd node the engine manages.
type Node struct {
	// ID is the operator chosen identifier of the node.
	ID string

	// PubKey is the hex encoded identity key of the node. It is learned
	// on first contact.
	PubKey string

	Host         string
	TLSCertPath  string
	MacaroonPath string
	Network      string
}

// HasCredentials reports whether the engine can operate the node.
func (n *Node) HasCredentials() bool {
	return n.MacaroonPath != ""
}

// Channel is a channel known to the engine.
type Channel struct {
	ID                 int32
	ChanID             uint64
	FundingTxID        chainhash.Hash
	FundingOutputIndex uint32
	SourceNodeID       string

	// DestNodeID is set if the remote end is a managed node.
	DestNodeID string

	RemotePubKey    string
	Capacity        btcutil.Amount
	Status          ChannelStatus
	CreatedByEngine bool
	CreatedAt       time.Time
}

// ChannelPoint returns the funding outpoint of the channel.
func (c *Channel) ChannelPoint() wire.OutPoint {
	return wire.OutPoint{
		Hash:  c.FundingTxID,
		Index: c.FundingOutputIndex,
	}
}

// CreateWallet validates and stores a wallet with its keys. The wallet's ID
// is set on success.
func (s *Store) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	if err := w.Validate(); err != nil {
		return err
	}

	return s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		id, err := q.InsertWallet(ctx, sqlc.InsertWalletParams{
			Name:         w.Name,
			RequiredSigs: int32(w.RequiredSigs),
			AddressType:  int32(w.AddressType),
			IsHot:        w.IsHot,
			Unsorted:     w.Unsorted,
			CreatedAt:    s.clock.Now().UTC(),
		})
		if err != nil {
			return err
		}

		for i, k := range w.Keys {
			err := q.InsertWalletKey(ctx, sqlc.InsertWalletKeyParams{
				WalletID:          id,
				KeyIndex:          int32(i),
				ExtendedPubKey:    k.ExtendedPubKey,
				DerivationPath:    k.DerivationPath,
				MasterFingerprint: k.MasterFingerprint[:],
				OwnerRef:          k.OwnerRef,
				Internal:          k.Internal,
			})
			if err != nil {
				return err
			}
		}

		w.ID = int64(id)

		return nil
	})
}

// GetWallet loads a wallet with its keys.
func (s *Store) GetWallet(ctx context.Context, id int64) (*wallet.Wallet,
	error) {

	var w *wallet.Wallet
	err := s.db.ExecTx(ctx, NewSqlReadOpts(), func(q *sqlc.Queries) error {
		row, err := q.GetWallet(ctx, int32(id))
		if err != nil {
			return err
		}

		w, err = walletFromRow(ctx, q, row)

		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %d: %w", id, ErrNotFound)
	}

	return w, err
}

// GetWalletByName loads a wallet by its unique name.
func (s *Store) GetWalletByName(ctx context.Context,
	name string) (*wallet.Wallet, error) {

	var w *wallet.Wallet
	err := s.db.ExecTx(ctx, NewSqlReadOpts(), func(q *sqlc.Queries) error {
		row, err := q.GetWalletByName(ctx, name)
		if err != nil {
			return err
		}

		w, err = walletFromRow(ctx, q, row)

		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %q: %w", name, ErrNotFound)
	}

	return w, err
}

// ListWallets returns all wallets.
func (s *Store) ListWallets(ctx context.Context) ([]*wallet.Wallet, error) {
	var wallets []*wallet.Wallet
	err := s.db.ExecTx(ctx, NewSqlReadOpts(), func(q *sqlc.Queries) error {
		rows, err := q.ListWallets(ctx)
		if err != nil {
			return err
		}

		wallets = make([]*wallet.Wallet, 0, len(rows))
		for _, row := range rows {
			w, err := walletFromRow(ctx, q, row)
			if err != nil {
				return err
			}
			wallets = append(wallets, w)
		}

		return nil
	})

	return wallets, err
}

func walletFromRow(ctx context.Context, q *sqlc.Queries,
	row sqlc.Wallet) (*wallet.Wallet, error) {

	keyRows, err := q.GetWalletKeys(ctx, row.ID)
	if err != nil {
		return nil, err
	}

	w := &wallet.Wallet{
		ID:           int64(row.ID),
		Name:         row.Name,
		RequiredSigs: int(row.RequiredSigs),
		AddressType:  wallet.AddressType(row.AddressType),
		IsHot:        row.IsHot,
		Unsorted:     row.Unsorted,
		Keys:         make([]wallet.Key, 0, len(keyRows)),
	}
	for _, k := range keyRows {
		var fp wallet.Fingerprint
		if len(k.MasterFingerprint) != len(fp) {
			return nil, fmt.Errorf("wallet %d key %d: invalid "+
				"fingerprint length %d", row.ID, k.KeyIndex,
				len(k.MasterFingerprint))
		}
		copy(fp[:], k.MasterFingerprint)

		w.Keys = append(w.Keys, wallet.Key{
			ExtendedPubKey:    k.ExtendedPubKey,
			DerivationPath:    k.DerivationPath,
			MasterFingerprint: fp,
			OwnerRef:          k.OwnerRef,
			Internal:          k.Internal,
		})
	}

	return w, nil
}

// PeekAddressIndex returns the next unused address index of a descriptor
// branch without reserving it.
func (s *Store) PeekAddressIndex(ctx context.Context, descriptor string,
	branch uint32) (uint32, error) {

	next, err := s.db.Queries.GetAddressIndex(
		ctx, sqlc.GetAddressIndexParams{
			Descriptor: descriptor,
			Branch:     int32(branch),
		},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return uint32(next), err
}

// ReserveAddressIndex reserves and returns the next unused address index of
// a descriptor branch. A reserved index is never handed out again.
func (s *Store) ReserveAddressIndex(ctx context.Context, descriptor string,
	branch uint32) (uint32, error) {

	var next int64
	err := s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		var err error
		next, err = q.ReserveAddressIndex(
			ctx, sqlc.ReserveAddressIndexParams{
				Descriptor: descriptor,
				Branch:     int32(branch),
			},
		)

		return err
	})
	if err != nil {
		return 0, err
	}

	return uint32(next - 1), nil
}

// UpsertNode stores a node, updating its connection details if it exists.
// A known identity key is kept.
func (s *Store) UpsertNode(ctx context.Context, n *Node) error {
	return s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		return q.UpsertNode(ctx, sqlc.UpsertNodeParams{
			ID:           n.ID,
			PubKey:       n.PubKey,
			Host:         n.Host,
			TlsCertPath:  n.TLSCertPath,
			MacaroonPath: n.MacaroonPath,
			Network:      n.Network,
		})
	})
}

// SetNodePubKey records the identity key of a node.
func (s *Store) SetNodePubKey(ctx context.Context, id, pubKey string) error {
	return s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		return q.SetNodePubKey(ctx, sqlc.SetNodePubKeyParams{
			ID:     id,
			PubKey: pubKey,
		})
	})
}

// GetNode returns a node by its ID.
func (s *Store) GetNode(ctx context.Context, id string) (*Node, error) {
	row, err := s.db.Queries.GetNode(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %v: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return nodeFromRow(row), nil
}

// GetNodeByPubKey returns a managed node by its identity key.
func (s *Store) GetNodeByPubKey(ctx context.Context,
	pubKey string) (*Node, error) {

	if pubKey == "" {
		return nil, fmt.Errorf("empty pubkey: %w", ErrNotFound)
	}

	row, err := s.db.Queries.GetNodeByPubKey(ctx, pubKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %v: %w", pubKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return nodeFromRow(row), nil
}

// ListNodes returns all managed nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.Queries.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, nodeFromRow(row))
	}

	return nodes, nil
}

func nodeFromRow(row sqlc.Node) *Node {
	return &Node{
		ID:           row.ID,
		PubKey:       row.PubKey,
		Host:         row.Host,
		TLSCertPath:  row.TlsCertPath,
		MacaroonPath: row.MacaroonPath,
		Network:      row.Network,
	}
}

// InsertChannel stores a channel. Inserting a channel whose funding outpoint
// is already known is a no-op.
func (s *Store) InsertChannel(ctx context.Context, c *Channel) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now().UTC()
	}

	return s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		return q.InsertChannel(ctx, sqlc.InsertChannelParams{
			ChanID:             int64(c.ChanID),
			FundingTxid:        c.FundingTxID[:],
			FundingOutputIndex: int32(c.FundingOutputIndex),
			SourceNodeID:       c.SourceNodeID,
			DestNodeID:         c.DestNodeID,
			RemotePubKey:       c.RemotePubKey,
			Capacity:           int64(c.Capacity),
			Status:             int32(c.Status),
			CreatedByEngine:    c.CreatedByEngine,
			CreatedAt:          c.CreatedAt,
		})
	})
}

// GetChannel returns a channel by its funding outpoint.
func (s *Store) GetChannel(ctx context.Context,
	op wire.OutPoint) (*Channel, error) {

	row, err := s.db.Queries.GetChannelByOutpoint(
		ctx, sqlc.GetChannelByOutpointParams{
			FundingTxid:        op.Hash[:],
			FundingOutputIndex: int32(op.Index),
		},
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %v: %w", op, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return channelFromRow(row)
}

// ChannelsByTxid returns the channels funded by a transaction.
func (s *Store) ChannelsByTxid(ctx context.Context,
	txid chainhash.Hash) ([]*Channel, error) {

	rows, err := s.db.Queries.GetChannelsByTxid(ctx, txid[:])
	if err != nil {
		return nil, err
	}

	return channelsFromRows(rows)
}

// NodeChannels returns the channels whose local end is the given node.
func (s *Store) NodeChannels(ctx context.Context,
	nodeID string) ([]*Channel, error) {

	rows, err := s.db.Queries.GetNodeChannels(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	return channelsFromRows(rows)
}

// SetChannelStatus updates the status of a channel.
func (s *Store) SetChannelStatus(ctx context.Context, id int32,
	status ChannelStatus) error {

	return s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		return q.UpdateChannelStatus(ctx, sqlc.UpdateChannelStatusParams{
			ID:     id,
			Status: int32(status),
		})
	})
}

// SetChannelID records the short channel id of a channel once it is known.
func (s *Store) SetChannelID(ctx context.Context, id int32,
	chanID uint64) error {

	return s.db.ExecTx(ctx, &SqliteTxOptions{}, func(q *sqlc.Queries) error {
		return q.UpdateChannelID(ctx, sqlc.UpdateChannelIDParams{
			ID:     id,
			ChanID: int64(chanID),
		})
	})
}

func channelsFromRows(rows []sqlc.Channel) ([]*Channel, error) {
	channels := make([]*Channel, 0, len(rows))
	for _, row := range rows {
		c, err := channelFromRow(row)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}

	return channels, nil
}

func channelFromRow(row sqlc.Channel) (*Channel, error) {
	txid, err := chainhash.NewHash(row.FundingTxid)
	if err != nil {
		return nil, err
	}

	return &Channel{
		ID:                 row.ID,
		ChanID:             uint64(row.ChanID),
		FundingTxID:        *txid,
		FundingOutputIndex: uint32(row.FundingOutputIndex),
		SourceNodeID:       row.SourceNodeID,
		DestNodeID:         row.DestNodeID,
		RemotePubKey:       row.RemotePubKey,
		Capacity:           btcutil.Amount(row.Capacity),
		Status:             ChannelStatus(row.Status),
		CreatedByEngine:    row.CreatedByEngine,
		CreatedAt:          row.CreatedAt,
	}, nil
}
