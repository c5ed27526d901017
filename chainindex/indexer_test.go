package chainindex

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/wallet"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

type handler func(params []json.RawMessage) (interface{}, error)

// mockBitcoind answers the typed calls from its fields and raw requests
// with the handler of the method.
type mockBitcoind struct {
	info    *btcjson.GetBlockChainInfoResult
	rawTx   *btcjson.TxRawResult
	txErr   error
	sendErr error
	sent    []*wire.MsgTx

	handlers map[string]handler
	calls    map[string][][]json.RawMessage
}

func newMockBitcoind() *mockBitcoind {
	return &mockBitcoind{
		handlers: make(map[string]handler),
		calls:    make(map[string][][]json.RawMessage),
	}
}

func (m *mockBitcoind) GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult,
	error) {

	return m.info, nil
}

func (m *mockBitcoind) GetRawTransactionVerbose(
	*chainhash.Hash) (*btcjson.TxRawResult, error) {

	if m.txErr != nil {
		return nil, m.txErr
	}

	return m.rawTx, nil
}

func (m *mockBitcoind) SendRawTransaction(tx *wire.MsgTx,
	_ bool) (*chainhash.Hash, error) {

	m.sent = append(m.sent, tx)
	if m.sendErr != nil {
		return nil, m.sendErr
	}

	txid := tx.TxHash()

	return &txid, nil
}

func (m *mockBitcoind) RawRequest(method string,
	params []json.RawMessage) (json.RawMessage, error) {

	m.calls[method] = append(m.calls[method], params)

	h, ok := m.handlers[method]
	if !ok {
		return nil, btcjson.NewRPCError(
			btcjson.ErrRPCMethodNotFound.Code, "method not found",
		)
	}

	res, err := h(params)
	if err != nil {
		return nil, err
	}

	return json.Marshal(res)
}

func (m *mockBitcoind) respond(method string, res interface{}) {
	m.handlers[method] = func([]json.RawMessage) (interface{}, error) {
		return res, nil
	}
}

func newTestTemplate(t *testing.T) (*wallet.ScriptTemplate, string) {
	t.Helper()

	signer, err := wallet.NewInternalSigner(
		bytes.Repeat([]byte{7}, 32), testParams,
	)
	require.NoError(t, err)

	key, err := signer.AccountKey(wallet.AddressTypeNativeSegwit, false, 0)
	require.NoError(t, err)

	template, err := wallet.DeriveStrategy(&wallet.Wallet{
		Name:         "hot",
		RequiredSigs: 1,
		AddressType:  wallet.AddressTypeNativeSegwit,
		IsHot:        true,
		Keys:         []wallet.Key{*key},
	}, testParams)
	require.NoError(t, err)

	desc, err := template.Descriptor(wallet.BranchReceive)
	require.NoError(t, err)

	return template, desc
}

func newTestIndexer(t *testing.T) (*Indexer, *mockBitcoind,
	*custodydb.Store) {

	t.Helper()

	bitcoind := newMockBitcoind()
	store := custodydb.NewStore(custodydb.NewTestDB(t))

	return NewIndexer(bitcoind, store, testParams, 5), bitcoind, store
}

// TestGetSyncStatus checks the sync condition of bitcoind.
func TestGetSyncStatus(t *testing.T) {
	tests := []struct {
		name   string
		info   btcjson.GetBlockChainInfoResult
		synced bool
	}{
		{
			name: "synced",
			info: btcjson.GetBlockChainInfoResult{
				Blocks:  100,
				Headers: 100,
			},
			synced: true,
		},
		{
			name: "behind headers",
			info: btcjson.GetBlockChainInfoResult{
				Blocks:  90,
				Headers: 100,
			},
			synced: false,
		},
		{
			name: "initial block download",
			info: btcjson.GetBlockChainInfoResult{
				Blocks:               100,
				Headers:              100,
				InitialBlockDownload: true,
			},
			synced: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			indexer, bitcoind, _ := newTestIndexer(t)
			bitcoind.info = &test.info

			synced, err := indexer.GetSyncStatus(
				context.Background(),
			)
			require.NoError(t, err)
			require.Equal(t, test.synced, synced)
		})
	}
}

// TestGetUTXOs scans both branches of a wallet and maps the found outputs
// back to their derivation.
func TestGetUTXOs(t *testing.T) {
	ctx := context.Background()
	indexer, bitcoind, store := newTestIndexer(t)
	template, desc := newTestTemplate(t)

	// Two receive addresses were handed out.
	for i := 0; i < 2; i++ {
		_, err := store.ReserveAddressIndex(
			ctx, desc, wallet.BranchReceive,
		)
		require.NoError(t, err)
	}

	receive, err := template.Derive(wallet.BranchReceive, 1)
	require.NoError(t, err)
	change, err := template.Derive(wallet.BranchChange, 4)
	require.NoError(t, err)

	txid := chainhash.Hash{1}
	bitcoind.respond(methodScanTxOutSet, scanResult{
		Success: true,
		Height:  200,
		Unspents: []scanUnspent{
			{
				TxID:         txid.String(),
				Vout:         0,
				ScriptPubKey: hex.EncodeToString(receive.PkScript),
				Amount:       0.1,
				Height:       200,
			},
			{
				TxID:         txid.String(),
				Vout:         1,
				ScriptPubKey: hex.EncodeToString(change.PkScript),
				Amount:       0.00012345,
				Height:       191,
			},
			{
				TxID: txid.String(),
				Vout: 2,
				ScriptPubKey: "0014" + hex.EncodeToString(
					bytes.Repeat([]byte{9}, 20),
				),
				Amount: 1,
				Height: 150,
			},
		},
	})

	utxos, err := indexer.GetUTXOs(ctx, desc)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	require.Equal(t, wire.OutPoint{Hash: txid}, utxos[0].OutPoint)
	require.Equal(t, btcutil.Amount(10_000_000), utxos[0].Value)
	require.Equal(t, wallet.BranchReceive, utxos[0].Branch)
	require.Equal(t, uint32(1), utxos[0].Index)
	require.Equal(t, int64(1), utxos[0].Confirmations)
	require.Equal(t, receive.PkScript, utxos[0].PkScript)

	require.Equal(t, btcutil.Amount(12_345), utxos[1].Value)
	require.Equal(t, wallet.BranchChange, utxos[1].Branch)
	require.Equal(t, uint32(4), utxos[1].Index)
	require.Equal(t, int64(10), utxos[1].Confirmations)

	// The scan covers the lookahead past the next unused index.
	calls := bitcoind.calls[methodScanTxOutSet]
	require.Len(t, calls, 1)

	var action string
	require.NoError(t, json.Unmarshal(calls[0][0], &action))
	require.Equal(t, "start", action)

	var objects []scanObject
	require.NoError(t, json.Unmarshal(calls[0][1], &objects))
	require.Len(t, objects, 2)
	require.Contains(t, objects[0].Desc, "/0/*")
	require.Contains(t, objects[1].Desc, "/1/*")
	require.Equal(t, [2]uint32{0, 7}, objects[0].Range)
	require.Equal(t, [2]uint32{0, 5}, objects[1].Range)

	bitcoind.respond(methodScanTxOutSet, scanResult{Success: false})
	_, err = indexer.GetUTXOs(ctx, desc)
	require.ErrorIs(t, err, ErrScanFailed)
}

// TestGetUnusedAddress checks that only reserved indexes advance.
func TestGetUnusedAddress(t *testing.T) {
	ctx := context.Background()
	indexer, _, _ := newTestIndexer(t)
	template, desc := newTestTemplate(t)

	peeked, err := indexer.GetUnusedAddress(
		ctx, desc, wallet.BranchChange, false,
	)
	require.NoError(t, err)

	reserved, err := indexer.GetUnusedAddress(
		ctx, desc, wallet.BranchChange, true,
	)
	require.NoError(t, err)
	require.Equal(t, peeked.PkScript, reserved.PkScript)
	require.Equal(t, uint32(0), reserved.Index)

	next, err := indexer.GetUnusedAddress(
		ctx, desc, wallet.BranchChange, false,
	)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next.Index)

	expected, err := template.Derive(wallet.BranchChange, 1)
	require.NoError(t, err)
	require.Equal(t, expected.PkScript, next.PkScript)

	// The receive branch is independent.
	receive, err := indexer.GetUnusedAddress(
		ctx, desc, wallet.BranchReceive, false,
	)
	require.NoError(t, err)
	require.Equal(t, uint32(0), receive.Index)
}

// TestBroadcast checks that rejections of transactions the node already has
// are not reported as failures.
func TestBroadcast(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 1}})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})

	tests := []struct {
		name    string
		err     error
		success bool
	}{
		{
			name: "already in chain",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyAlreadyInChain,
				"Transaction already in block chain",
			),
			success: true,
		},
		{
			name: "already in mempool",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyRejected,
				"txn-already-in-mempool",
			),
			success: true,
		},
		{
			name: "already known",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyRejected, "txn-already-known",
			),
			success: true,
		},
		{
			name: "outputs in utxo set",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyAlreadyInChain,
				"Transaction outputs already in utxo set",
			),
			success: true,
		},
		{
			name: "btcd mempool",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyRejected,
				"already have transaction in mempool "+
					tx.TxHash().String(),
			),
			success: true,
		},
		{
			name: "rejected",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyRejected,
				"min relay fee not met",
			),
		},
		{
			name: "missing inputs",
			err: btcjson.NewRPCError(
				btcjson.ErrRPCVerifyRejected,
				"bad-txns-inputs-missingorspent",
			),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			indexer, bitcoind, _ := newTestIndexer(t)
			bitcoind.sendErr = test.err

			err := indexer.Broadcast(context.Background(), tx)
			if test.success {
				require.NoError(t, err)
				return
			}

			var rpcErr *btcjson.RPCError
			require.True(t, errors.As(err, &rpcErr))
		})
	}

	indexer, bitcoind, _ := newTestIndexer(t)
	require.NoError(t, indexer.Broadcast(context.Background(), tx))
	require.Len(t, bitcoind.sent, 1)
	require.Equal(t, tx.TxHash(), bitcoind.sent[0].TxHash())
}

// TestGetTransaction checks transaction lookups and confirmation counts.
func TestGetTransaction(t *testing.T) {
	ctx := context.Background()
	indexer, bitcoind, _ := newTestIndexer(t)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 3}})
	tx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: []byte{0x51}})

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	bitcoind.rawTx = &btcjson.TxRawResult{
		Hex:           hex.EncodeToString(buf.Bytes()),
		Txid:          tx.TxHash().String(),
		Confirmations: 3,
	}

	fetched, err := indexer.GetTransaction(ctx, tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), fetched.TxHash())

	confs, err := indexer.GetTxConfirmations(ctx, tx.TxHash())
	require.NoError(t, err)
	require.Equal(t, int64(3), confs)

	bitcoind.txErr = btcjson.NewRPCError(
		btcjson.ErrRPCNoTxInfo,
		"No such mempool or blockchain transaction",
	)

	_, err = indexer.GetTransaction(ctx, tx.TxHash())
	require.ErrorIs(t, err, ErrTxNotFound)

	confs, err = indexer.GetTxConfirmations(ctx, tx.TxHash())
	require.NoError(t, err)
	require.Zero(t, confs)
}
