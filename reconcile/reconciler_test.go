package reconcile

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/funding"
	"github.com/fortytw2/leaktest"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

var (
	bobPubKey     = "02" + hex.EncodeToString(bytes.Repeat([]byte{1}, 32))
	strangerKey   = "03" + hex.EncodeToString(bytes.Repeat([]byte{2}, 32))
	errListFailed = errors.New("list failed")
)

type mockLnd struct {
	lnrpc.LightningClient

	mu       sync.Mutex
	channels []*lnrpc.Channel
	calls    int
}

func (m *mockLnd) ListChannels(context.Context, *lnrpc.ListChannelsRequest,
	...grpc.CallOption) (*lnrpc.ListChannelsResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	return &lnrpc.ListChannelsResponse{Channels: m.channels}, nil
}

type mockPool struct {
	lnd *mockLnd
}

func (m *mockPool) Lightning(context.Context, string) (lnrpc.LightningClient,
	error) {

	return m.lnd, nil
}

type mockRequests struct {
	requests []*funding.Request
}

func (m *mockRequests) RequestsInState(_ context.Context,
	state string) ([]*funding.Request, error) {

	var requests []*funding.Request
	for _, r := range m.requests {
		if string(r.GetState()) == state {
			requests = append(requests, r)
		}
	}

	return requests, nil
}

type mockConfirmer struct {
	mu        sync.Mutex
	confirmed map[string]uint64
	err       error
}

func (m *mockConfirmer) ChannelConfirmed(_ context.Context, id string,
	chanID uint64) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.confirmed[id] = chanID

	return nil
}

// failingChannels fails listing the channels of a node.
type failingChannels struct {
	ChannelStore
}

func (f *failingChannels) NodeChannels(context.Context,
	string) ([]*custodydb.Channel, error) {

	return nil, errListFailed
}

type testContext struct {
	store     *custodydb.Store
	lnd       *mockLnd
	requests  *mockRequests
	confirmer *mockConfirmer
	cfg       *Config
}

func newTestContext(t *testing.T) *testContext {
	ctx := context.Background()
	store := custodydb.NewStore(custodydb.NewTestDB(t))

	for _, node := range []*custodydb.Node{
		{
			ID:           "alice",
			Host:         "localhost:10009",
			MacaroonPath: "/alice/admin.macaroon",
		},
		{ID: "bob", PubKey: bobPubKey, Host: "localhost:10010"},
	} {
		require.NoError(t, store.UpsertNode(ctx, node))
	}

	lnd := &mockLnd{}
	requests := &mockRequests{}
	confirmer := &mockConfirmer{confirmed: make(map[string]uint64)}

	return &testContext{
		store:     store,
		lnd:       lnd,
		requests:  requests,
		confirmer: confirmer,
		cfg: &Config{
			Nodes:     store,
			Channels:  store,
			Requests:  requests,
			Confirmer: confirmer,
			Lightning: &mockPool{lnd: lnd},
		},
	}
}

func liveChannel(chanID uint64, txid chainhash.Hash, remote string,
	initiator bool) *lnrpc.Channel {

	return &lnrpc.Channel{
		ChanId:       chanID,
		ChannelPoint: fmt.Sprintf("%v:0", txid),
		RemotePubkey: remote,
		Capacity:     1_000_000,
		Initiator:    initiator,
	}
}

// TestReconcile checks the three reconciliation checks against a node with
// ghost channels, a vanished channel and a published open.
func TestReconcile(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	var (
		ghostTx    = chainhash.Hash{1}
		inboundTx  = chainhash.Hash{2}
		managedTx  = chainhash.Hash{3}
		openTx     = chainhash.Hash{4}
		vanishedTx = chainhash.Hash{5}
	)

	c.lnd.channels = []*lnrpc.Channel{
		liveChannel(1, ghostTx, strangerKey, true),
		liveChannel(2, inboundTx, strangerKey, false),
		liveChannel(3, managedTx, bobPubKey, false),
		liveChannel(4, openTx, bobPubKey, true),
	}

	require.NoError(t, c.store.InsertChannel(ctx, &custodydb.Channel{
		ChanID:          5,
		FundingTxID:     vanishedTx,
		SourceNodeID:    "alice",
		RemotePubKey:    strangerKey,
		Capacity:        500_000,
		Status:          custodydb.ChannelStatusOpen,
		CreatedByEngine: true,
	}))

	open := &funding.Request{
		ID:           "open",
		Type:         funding.TypeChannelOpen,
		SourceNodeID: "alice",
		DestNodeID:   "bob",
		TxID:         &openTx,
	}
	open.SetState(funding.OnChainConfirmationPending)

	withdrawal := &funding.Request{
		ID:   "withdrawal",
		Type: funding.TypeWithdrawal,
		TxID: &openTx,
	}
	withdrawal.SetState(funding.OnChainConfirmationPending)
	c.requests.requests = []*funding.Request{open, withdrawal}

	r := NewReconciler(c.cfg)
	result, err := r.Reconcile(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, &Result{
		NodeID:    "alice",
		Ghosts:    2,
		Closed:    1,
		Confirmed: 1,
	}, result)

	tests := []struct {
		name            string
		txid            chainhash.Hash
		known           bool
		createdByEngine bool
		destNodeID      string
		status          custodydb.ChannelStatus
	}{
		{
			name:   "outbound ghost",
			txid:   ghostTx,
			known:  true,
			status: custodydb.ChannelStatusOpen,
		},
		{
			name:   "inbound ghost of unmanaged node",
			txid:   inboundTx,
			known:  true,
			status: custodydb.ChannelStatusOpen,
		},
		{
			name: "inbound from managed node",
			txid: managedTx,
		},
		{
			name:            "published open",
			txid:            openTx,
			known:           true,
			createdByEngine: true,
			destNodeID:      "bob",
			status:          custodydb.ChannelStatusOpen,
		},
		{
			name:            "vanished",
			txid:            vanishedTx,
			known:           true,
			createdByEngine: true,
			status:          custodydb.ChannelStatusClosed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			channel, err := c.store.GetChannel(
				ctx, wire.OutPoint{Hash: test.txid},
			)
			if !test.known {
				require.ErrorIs(t, err, custodydb.ErrNotFound)
				return
			}

			require.NoError(t, err)
			require.Equal(
				t, test.createdByEngine, channel.CreatedByEngine,
			)
			require.Equal(t, test.destNodeID, channel.DestNodeID)
			require.Equal(t, test.status, channel.Status)
		})
	}

	require.Equal(t, map[string]uint64{"open": 4}, c.confirmer.confirmed)

	// A second run finds nothing to do.
	open.SetState(funding.OnChainConfirmed)
	result, err = r.Reconcile(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, &Result{NodeID: "alice"}, result)
}

// TestReconcileGhostChannel records a live channel initiated by the node
// that is unknown locally.
func TestReconcileGhostChannel(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	txid := chainhash.Hash{0xaa}
	c.lnd.channels = []*lnrpc.Channel{
		{
			ChanId:       777,
			ChannelPoint: fmt.Sprintf("%v:1", txid),
			RemotePubkey: strangerKey,
			Capacity:     2_000_000,
			Initiator:    true,
		},
	}

	_, err := NewReconciler(c.cfg).Reconcile(ctx, "alice")
	require.NoError(t, err)

	channel, err := c.store.GetChannel(
		ctx, wire.OutPoint{Hash: txid, Index: 1},
	)
	require.NoError(t, err)
	require.False(t, channel.CreatedByEngine)
	require.Equal(t, uint64(777), channel.ChanID)
	require.Equal(t, txid, channel.FundingTxID)
	require.Equal(t, uint32(1), channel.FundingOutputIndex)
	require.Equal(t, "alice", channel.SourceNodeID)
	require.EqualValues(t, 2_000_000, channel.Capacity)
}

// TestReconcileInFlightOpen checks that the channel of an open that stopped
// after finalizing is left to the funding manager.
func TestReconcileInFlightOpen(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	txid := chainhash.Hash{0xbc}
	c.lnd.channels = []*lnrpc.Channel{
		liveChannel(9, txid, bobPubKey, true),
	}

	open := &funding.Request{
		ID:           "open",
		Type:         funding.TypeChannelOpen,
		SourceNodeID: "alice",
		DestNodeID:   "bob",
		TxID:         &txid,
	}
	open.SetState(funding.PSBTSignaturesPending)
	c.requests.requests = []*funding.Request{open}

	res, err := NewReconciler(c.cfg).Reconcile(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, res.Ghosts)
	require.Zero(t, res.Confirmed)

	_, err = c.store.GetChannel(ctx, wire.OutPoint{Hash: txid})
	require.ErrorIs(t, err, custodydb.ErrNotFound)
}

// TestReconcileFaultIsolation checks that a failing check doesn't keep the
// others from running.
func TestReconcileFaultIsolation(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	openTx := chainhash.Hash{4}
	c.lnd.channels = []*lnrpc.Channel{
		liveChannel(4, openTx, bobPubKey, true),
	}

	open := &funding.Request{
		ID:           "open",
		Type:         funding.TypeChannelOpen,
		SourceNodeID: "alice",
		TxID:         &openTx,
	}
	open.SetState(funding.OnChainConfirmationPending)
	c.requests.requests = []*funding.Request{open}

	c.cfg.Channels = &failingChannels{ChannelStore: c.store}

	result, err := NewReconciler(c.cfg).Reconcile(ctx, "alice")
	require.ErrorIs(t, err, errListFailed)
	require.Nil(t, result)

	require.Equal(t, map[string]uint64{"open": 4}, c.confirmer.confirmed)

	// A busy request is skipped silently.
	c.cfg.Channels = c.store
	c.confirmer.err = funding.ErrRequestBusy
	result, err = NewReconciler(c.cfg).Reconcile(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, result.Confirmed)
}

// TestReconcilerRun checks that the reconciler visits the nodes with
// credentials on every tick and stops cleanly.
func TestReconcilerRun(t *testing.T) {
	c := newTestContext(t)

	defer leaktest.Check(t)()
	force := ticker.NewForce(time.Hour)
	c.cfg.Ticker = force

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- NewReconciler(c.cfg).Run(ctx)
	}()

	force.Force <- time.Now()
	force.Force <- time.Now()

	require.Eventually(t, func() bool {
		c.lnd.mu.Lock()
		defer c.lnd.mu.Unlock()

		return c.lnd.calls >= 1
	}, time.Second*5, time.Millisecond*10)

	cancel()
	require.ErrorIs(t, <-errChan, context.Canceled)
}
