package funding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/chainindex"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

var testParams = &chaincfg.RegressionNetParams

// mockChain is the indexer of the tests.
type mockChain struct {
	mu         sync.Mutex
	utxos      []*coinselect.UTXO
	next       uint32
	broadcasts []*wire.MsgTx
	confs      int64
	dropped    bool
}

func (m *mockChain) GetUTXOs(context.Context, string) ([]*coinselect.UTXO,
	error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*coinselect.UTXO(nil), m.utxos...), nil
}

func (m *mockChain) GetSyncStatus(context.Context) (bool, error) {
	return true, nil
}

func (m *mockChain) GetUnusedAddress(_ context.Context, desc string,
	branch uint32, reserve bool) (*wallet.DerivedScript, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	template, err := wallet.ParseOutputDescriptor(desc, testParams)
	if err != nil {
		return nil, err
	}

	script, err := template.Derive(branch, m.next)
	if err != nil {
		return nil, err
	}
	if reserve {
		m.next++
	}

	return script, nil
}

func (m *mockChain) GetTransaction(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dropped {
		return nil, fmt.Errorf("%w: %v", chainindex.ErrTxNotFound, txid)
	}

	for _, tx := range m.broadcasts {
		if tx.TxHash() == txid {
			return tx, nil
		}
	}

	return nil, errors.New("not indexed")
}

func (m *mockChain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.broadcasts = append(m.broadcasts, tx)

	return nil
}

func (m *mockChain) GetTxConfirmations(context.Context,
	chainhash.Hash) (int64, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.confs, nil
}

func (m *mockChain) setConfs(confs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.confs = confs
}

func (m *mockChain) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropped = true
}

func (m *mockChain) broadcasted() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.broadcasts...)
}

type mockOpenStream struct {
	lnrpc.Lightning_OpenChannelClient

	ctx     context.Context
	updates chan *lnrpc.OpenStatusUpdate
}

func (s *mockOpenStream) Recv() (*lnrpc.OpenStatusUpdate, error) {
	select {
	case u := <-s.updates:
		return u, nil

	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

type mockCloseStream struct {
	lnrpc.Lightning_CloseChannelClient

	ctx     context.Context
	updates chan *lnrpc.CloseStatusUpdate
}

func (s *mockCloseStream) Recv() (*lnrpc.CloseStatusUpdate, error) {
	select {
	case u := <-s.updates:
		return u, nil

	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// mockLnd is the source node of the tests.
type mockLnd struct {
	lnrpc.LightningClient

	t *testing.T

	mu sync.Mutex

	peerPubKey    string
	fundingScript []byte
	fundingAddr   string

	openRequests  []*lnrpc.OpenChannelRequest
	closeRequests []*lnrpc.CloseChannelRequest
	steps         []*lnrpc.FundingTransitionMsg
	channels      []*lnrpc.Channel
	pending       []*lnrpc.PendingChannelsResponse_PendingOpenChannel

	openUpdates  chan *lnrpc.OpenStatusUpdate
	closeUpdates chan *lnrpc.CloseStatusUpdate

	// onOpen is called for every channel open.
	onOpen func(req *lnrpc.OpenChannelRequest)

	// onFinalize is called with the funding transaction of a finalized
	// PSBT flow.
	onFinalize func(tx *wire.MsgTx)

	// stepErr fails the funding steps it returns an error for.
	stepErr func(msg *lnrpc.FundingTransitionMsg) error
}

func newMockLnd(t *testing.T, peerPubKey string) *mockLnd {
	addr, err := btcutil.NewAddressWitnessScriptHash(
		bytes.Repeat([]byte{0xbb}, 32), testParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return &mockLnd{
		t:             t,
		peerPubKey:    peerPubKey,
		fundingScript: script,
		fundingAddr:   addr.EncodeAddress(),
		openUpdates:   make(chan *lnrpc.OpenStatusUpdate, 16),
		closeUpdates:  make(chan *lnrpc.CloseStatusUpdate, 16),
	}
}

func (m *mockLnd) ListPeers(context.Context, *lnrpc.ListPeersRequest,
	...grpc.CallOption) (*lnrpc.ListPeersResponse, error) {

	return &lnrpc.ListPeersResponse{
		Peers: []*lnrpc.Peer{{PubKey: m.peerPubKey}},
	}, nil
}

func (m *mockLnd) OpenChannel(ctx context.Context,
	req *lnrpc.OpenChannelRequest,
	_ ...grpc.CallOption) (lnrpc.Lightning_OpenChannelClient, error) {

	m.mu.Lock()
	m.openRequests = append(m.openRequests, req)
	onOpen := m.onOpen
	m.mu.Unlock()

	if onOpen != nil {
		onOpen(req)
	}

	return &mockOpenStream{ctx: ctx, updates: m.openUpdates}, nil
}

func (m *mockLnd) FundingStateStep(_ context.Context,
	msg *lnrpc.FundingTransitionMsg,
	_ ...grpc.CallOption) (*lnrpc.FundingStateStepResp, error) {

	m.mu.Lock()
	m.steps = append(m.steps, msg)
	onFinalize := m.onFinalize
	stepErr := m.stepErr
	m.mu.Unlock()

	if stepErr != nil {
		if err := stepErr(msg); err != nil {
			return nil, err
		}
	}

	finalize := msg.GetPsbtFinalize()
	if finalize == nil || onFinalize == nil {
		return &lnrpc.FundingStateStepResp{}, nil
	}

	packet, err := psbt.NewFromRawBytes(
		bytes.NewReader(finalize.SignedPsbt), false,
	)
	if err != nil {
		return nil, err
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, err
	}

	onFinalize(tx)

	return &lnrpc.FundingStateStepResp{}, nil
}

func (m *mockLnd) ListChannels(context.Context, *lnrpc.ListChannelsRequest,
	...grpc.CallOption) (*lnrpc.ListChannelsResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return &lnrpc.ListChannelsResponse{
		Channels: append([]*lnrpc.Channel(nil), m.channels...),
	}, nil
}

func (m *mockLnd) PendingChannels(context.Context,
	*lnrpc.PendingChannelsRequest,
	...grpc.CallOption) (*lnrpc.PendingChannelsResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return &lnrpc.PendingChannelsResponse{
		PendingOpenChannels: append(
			[]*lnrpc.PendingChannelsResponse_PendingOpenChannel(nil),
			m.pending...,
		),
	}, nil
}

func (m *mockLnd) CloseChannel(ctx context.Context,
	req *lnrpc.CloseChannelRequest,
	_ ...grpc.CallOption) (lnrpc.Lightning_CloseChannelClient, error) {

	m.mu.Lock()
	m.closeRequests = append(m.closeRequests, req)
	m.mu.Unlock()

	return &mockCloseStream{ctx: ctx, updates: m.closeUpdates}, nil
}

func (m *mockLnd) addChannel(c *lnrpc.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = append(m.channels, c)
}

// addPending lists a pending channel funded by the transaction.
func (m *mockLnd) addPending(txid chainhash.Hash, idx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = append(
		m.pending, &lnrpc.PendingChannelsResponse_PendingOpenChannel{
			Channel: &lnrpc.PendingChannelsResponse_PendingChannel{
				RemoteNodePub: m.peerPubKey,
				ChannelPoint:  fmt.Sprintf("%v:%d", txid, idx),
			},
		},
	)
}

func (m *mockLnd) fundingSteps() []*lnrpc.FundingTransitionMsg {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*lnrpc.FundingTransitionMsg(nil), m.steps...)
}

func (m *mockLnd) opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.openRequests)
}

// requestFunding answers a channel open with a funding request.
func (m *mockLnd) requestFunding(req *lnrpc.OpenChannelRequest) {
	m.openUpdates <- &lnrpc.OpenStatusUpdate{
		Update: &lnrpc.OpenStatusUpdate_PsbtFund{
			PsbtFund: &lnrpc.ReadyForPsbtFunding{
				FundingAddress: m.fundingAddr,
				FundingAmount:  req.LocalFundingAmount,
			},
		},
	}
}

// publish reports the channel of a funding transaction pending and open.
func (m *mockLnd) publish(tx *wire.MsgTx) {
	idx := -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, m.fundingScript) {
			idx = i
		}
	}
	require.GreaterOrEqual(m.t, idx, 0)

	txid := tx.TxHash()
	m.addChannel(&lnrpc.Channel{
		ChanId:       42,
		ChannelPoint: fmt.Sprintf("%v:%d", txid, idx),
		RemotePubkey: m.peerPubKey,
		Capacity:     tx.TxOut[idx].Value,
		Initiator:    true,
	})

	m.openUpdates <- chanPendingUpdate(txid, uint32(idx))
	m.openUpdates <- chanOpenUpdate(txid, uint32(idx))
}

func chanPendingUpdate(txid chainhash.Hash,
	idx uint32) *lnrpc.OpenStatusUpdate {

	return &lnrpc.OpenStatusUpdate{
		Update: &lnrpc.OpenStatusUpdate_ChanPending{
			ChanPending: &lnrpc.PendingUpdate{
				Txid:        txid[:],
				OutputIndex: idx,
			},
		},
	}
}

func chanOpenUpdate(txid chainhash.Hash, idx uint32) *lnrpc.OpenStatusUpdate {
	return &lnrpc.OpenStatusUpdate{
		Update: &lnrpc.OpenStatusUpdate_ChanOpen{
			ChanOpen: &lnrpc.ChannelOpenUpdate{
				ChannelPoint: &lnrpc.ChannelPoint{
					FundingTxid: &lnrpc.ChannelPoint_FundingTxidBytes{
						FundingTxidBytes: txid[:],
					},
					OutputIndex: idx,
				},
			},
		},
	}
}

type mockPool struct {
	lnd *mockLnd
}

func (m *mockPool) Lightning(context.Context,
	string) (lnrpc.LightningClient, error) {

	return m.lnd, nil
}

// coSign signs every input the signer holds a key of with SIGHASH_ALL and
// returns the packet in base64.
func coSign(t *testing.T, template *psbt.Packet,
	signer *wallet.InternalSigner) string {

	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, template.Serialize(&buf))

	packet, err := psbt.NewFromRawBytes(&buf, false)
	require.NoError(t, err)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		fetcher.AddPrevOut(
			txIn.PreviousOutPoint, packet.Inputs[i].WitnessUtxo,
		)
	}
	hashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	updater, err := psbt.NewUpdater(packet)
	require.NoError(t, err)

	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		for _, d := range pIn.Bip32Derivation {
			privKey, err := signer.PrivKey(d)
			if err != nil {
				continue
			}

			sig, err := txscript.RawTxInWitnessSignature(
				packet.UnsignedTx, hashes, i,
				pIn.WitnessUtxo.Value, pIn.WitnessScript,
				txscript.SigHashAll, privKey,
			)
			require.NoError(t, err)

			_, err = updater.Sign(
				i, sig, d.PubKey, nil, pIn.WitnessScript,
			)
			require.NoError(t, err)
		}
	}

	b64, err := packet.B64Encode()
	require.NoError(t, err)

	return b64
}
