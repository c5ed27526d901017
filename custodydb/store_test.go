package custodydb

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chanvault/chanvault/custodydb/sqlc"
	"github.com/chanvault/chanvault/wallet"
	"github.com/stretchr/testify/require"
)

func testWallet(t *testing.T, name string) *wallet.Wallet {
	t.Helper()

	w := &wallet.Wallet{
		Name:         name,
		RequiredSigs: 2,
		AddressType:  wallet.AddressTypeNativeSegwit,
	}
	for i := byte(1); i <= 3; i++ {
		master, err := hdkeychain.NewMaster(
			bytes.Repeat([]byte{i}, 32), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		xpub, err := master.Neuter()
		require.NoError(t, err)

		w.Keys = append(w.Keys, wallet.Key{
			ExtendedPubKey:    xpub.String(),
			DerivationPath:    "m/48h/1h/0h/2h",
			MasterFingerprint: wallet.Fingerprint{i, i, i, i},
			OwnerRef:          "owner",
		})
	}

	return w
}

// TestWalletStore checks that wallets keep their key order and policy.
func TestWalletStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewTestDB(t))

	w := testWallet(t, "treasury")
	w.Unsorted = true
	require.NoError(t, store.CreateWallet(ctx, w))
	require.NotZero(t, w.ID)

	loaded, err := store.GetWallet(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, w, loaded)

	byName, err := store.GetWalletByName(ctx, "treasury")
	require.NoError(t, err)
	require.Equal(t, w.ID, byName.ID)

	_, err = store.GetWallet(ctx, w.ID+1)
	require.ErrorIs(t, err, ErrNotFound)

	// Names are unique.
	err = store.CreateWallet(ctx, testWallet(t, "treasury"))
	require.True(t, IsUniqueConstraintViolation(err))

	// Invalid wallets are rejected before touching the database.
	invalid := testWallet(t, "invalid")
	invalid.RequiredSigs = 4
	require.ErrorIs(
		t, store.CreateWallet(ctx, invalid), wallet.ErrInvalidWallet,
	)

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
}

// TestAddressIndex checks that reserved indexes are never handed out twice.
func TestAddressIndex(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewTestDB(t))

	const desc = "wsh(sortedmulti(2,...))"

	next, err := store.PeekAddressIndex(ctx, desc, 1)
	require.NoError(t, err)
	require.Zero(t, next)

	for i := uint32(0); i < 3; i++ {
		idx, err := store.ReserveAddressIndex(ctx, desc, 1)
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}

	next, err = store.PeekAddressIndex(ctx, desc, 1)
	require.NoError(t, err)
	require.EqualValues(t, 3, next)

	// Branches are independent.
	idx, err := store.ReserveAddressIndex(ctx, desc, 0)
	require.NoError(t, err)
	require.Zero(t, idx)
}

// TestNodesAndChannels covers node upserts and the channel table.
func TestNodesAndChannels(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewTestDB(t))

	alice := &Node{
		ID:           "alice",
		Host:         "localhost:10009",
		MacaroonPath: "/tmp/admin.macaroon",
		Network:      "regtest",
	}
	require.NoError(t, store.UpsertNode(ctx, alice))
	require.NoError(t, store.SetNodePubKey(ctx, "alice", "02aa"))

	// A reconfiguration keeps the learned identity key.
	alice.Host = "localhost:10010"
	require.NoError(t, store.UpsertNode(ctx, alice))

	node, err := store.GetNode(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "02aa", node.PubKey)
	require.Equal(t, "localhost:10010", node.Host)
	require.True(t, node.HasCredentials())

	node, err = store.GetNodeByPubKey(ctx, "02aa")
	require.NoError(t, err)
	require.Equal(t, "alice", node.ID)

	_, err = store.GetNode(ctx, "bob")
	require.ErrorIs(t, err, ErrNotFound)

	txid := chainhash.Hash{1, 2, 3}
	channel := &Channel{
		ChanID:             123,
		FundingTxID:        txid,
		FundingOutputIndex: 1,
		SourceNodeID:       "alice",
		RemotePubKey:       "03bb",
		Capacity:           1_000_000,
		CreatedByEngine:    true,
	}
	require.NoError(t, store.InsertChannel(ctx, channel))

	// Inserting the same funding outpoint again is a no-op.
	require.NoError(t, store.InsertChannel(ctx, channel))

	channels, err := store.NodeChannels(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	require.Equal(t, channel.ChannelPoint(), channels[0].ChannelPoint())

	stored, err := store.GetChannel(ctx, channel.ChannelPoint())
	require.NoError(t, err)
	require.NoError(t, store.SetChannelStatus(
		ctx, stored.ID, ChannelStatusClosed,
	))

	byTxid, err := store.ChannelsByTxid(ctx, txid)
	require.NoError(t, err)
	require.Len(t, byTxid, 1)
	require.Equal(t, ChannelStatusClosed, byTxid[0].Status)
}

// TestUniqueReservation checks that the outpoint constraint of the
// reservation table surfaces as a unique constraint violation.
func TestUniqueReservation(t *testing.T) {
	ctx := context.Background()
	db := NewTestDB(t)
	store := NewStore(db)

	w := testWallet(t, "hot")
	require.NoError(t, store.CreateWallet(ctx, w))

	now := store.clock.Now().UTC()
	for _, id := range []string{"a", "b"} {
		err := db.InsertRequest(ctx, sqlc.InsertRequestParams{
			ID:          id,
			WalletID:    int32(w.ID),
			Amount:      1000,
			State:       "Pending",
			FeeRate:     253,
			CreatedAt:   now,
			UpdatedAt:   now,
			RequestType: 0,
		})
		require.NoError(t, err)
	}

	reserve := func(requestID string) error {
		return db.ExecTx(ctx, &SqliteTxOptions{},
			func(q *sqlc.Queries) error {
				return q.InsertReservation(
					ctx, sqlc.InsertReservationParams{
						Outpoint:  "00:0",
						RequestID: requestID,
						CreatedAt: now,
					},
				)
			},
		)
	}

	require.NoError(t, reserve("a"))
	require.True(t, IsUniqueConstraintViolation(reserve("b")))

	locked, err := db.LockedOutpoints(ctx, "b")
	require.NoError(t, err)
	require.Len(t, locked, 1)
	require.Equal(t, "a", locked[0].RequestID)

	locked, err = db.LockedOutpoints(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, locked)
}

// TestMapSQLError checks that unknown errors pass through untouched.
func TestMapSQLError(t *testing.T) {
	require.NoError(t, MapSQLError(nil))
	require.Equal(t, ErrNotFound, MapSQLError(ErrNotFound))
	require.True(t, IsSerializationError(
		MapSQLError(&ErrSerializationError{DBError: ErrNotFound}),
	))
}
