package funding

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestSqlStore tests the basic functionality of the request store.
func TestSqlStore(t *testing.T) {
	ctx := context.Background()
	db := custodydb.NewTestDB(t)
	testTime := time.Unix(1_700_000_000, 0).UTC()
	clk := clock.NewTestClock(testTime)

	signer := newSigner(t, 1)
	w := &wallet.Wallet{
		Name:         "single",
		RequiredSigs: 1,
		AddressType:  wallet.AddressTypeNativeSegwit,
		IsHot:        true,
		Keys:         []wallet.Key{accountKey(t, signer, false, true)},
	}
	require.NoError(t, custodydb.NewStore(db).CreateWallet(ctx, w))

	store := NewSqlStore(db, clk)

	_, err := store.GetRequest(ctx, "missing")
	require.ErrorIs(t, err, custodydb.ErrNotFound)

	op := wire.OutPoint{Hash: chainhash.Hash{1, 2, 3}, Index: 4}
	r := &Request{
		ID:           NewRequestID(),
		WalletID:     w.ID,
		Type:         TypeChannelOpen,
		Amount:       500_000,
		FeeRate:      2500,
		Changeless:   true,
		Outpoints:    []wire.OutPoint{op, {Index: 1}},
		SourceNodeID: "alice",
		DestNodeID:   "bob",
	}
	require.NoError(t, store.CreateRequest(ctx, r))
	require.Equal(t, Pending, r.GetState())
	require.Equal(t, testTime, r.CreatedAt)

	stored, err := store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.Outpoints, stored.Outpoints)
	require.Equal(t, r.Amount, stored.Amount)
	require.Equal(t, r.FeeRate, stored.FeeRate)
	require.True(t, stored.Changeless)
	require.Equal(t, "bob", stored.DestNodeID)
	require.Nil(t, stored.TxID)
	require.Empty(t, stored.PendingChanID)

	// A field update without a state change doesn't extend the audit log.
	clk.SetTime(testTime.Add(time.Minute))
	r.PendingChanID = bytes.Repeat([]byte{0xaa}, 32)
	require.NoError(t, store.UpdateRequest(ctx, r, false))

	updates, err := store.RequestUpdates(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, Pending, updates[0].State)

	txid := chainhash.Hash{9, 9, 9}
	r.TxID = &txid
	r.ChanID = 42
	r.SetState(OnChainConfirmationPending)
	require.NoError(t, store.UpdateRequest(ctx, r, true))

	stored, err = store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, OnChainConfirmationPending, stored.GetState())
	require.Equal(t, txid, *stored.TxID)
	require.Equal(t, uint64(42), stored.ChanID)
	require.Equal(t, r.PendingChanID, stored.PendingChanID)
	require.WithinDuration(
		t, testTime.Add(time.Minute), stored.UpdatedAt, time.Second,
	)

	updates, err = store.RequestUpdates(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	require.Equal(t, OnChainConfirmationPending, updates[1].State)
	require.WithinDuration(
		t, testTime.Add(time.Minute), updates[1].Timestamp, time.Second,
	)

	// A second request of another type in another state.
	withdrawal := &Request{
		ID:                 NewRequestID(),
		WalletID:           w.ID,
		Type:               TypeWithdrawal,
		Amount:             10_000,
		DestinationAddress: "bcrt1qexample",
	}
	require.NoError(t, store.CreateRequest(ctx, withdrawal))

	pending, err := store.RequestsInState(ctx, string(Pending))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, withdrawal.ID, pending[0].ID)
	require.Equal(t, TypeWithdrawal, pending[0].Type)
	require.Empty(t, pending[0].Outpoints)

	all, err := store.ListRequests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
