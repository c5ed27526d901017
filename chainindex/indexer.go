package chainindex

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/chain"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/wallet"
)

const (
	methodScanTxOutSet = "scantxoutset"

	// DefaultLookahead is the number of indexes scanned beyond the next
	// unused index of a branch.
	DefaultLookahead = 100
)

var (
	// ErrScanFailed is returned if bitcoind aborted a utxo set scan.
	ErrScanFailed = errors.New("utxo set scan failed")

	// ErrTxNotFound is returned for transactions bitcoind doesn't know.
	ErrTxNotFound = errors.New("transaction not found")

	// knownTxErrs are the broadcast rejections of a transaction the node
	// already has.
	knownTxErrs = []error{
		chain.ErrTxAlreadyKnown,
		chain.ErrTxAlreadyInMempool,
		chain.ErrTxAlreadyConfirmed,
	}
)

// ChainClient is the part of the bitcoind rpc client the indexer uses.
// scantxoutset has no typed call and goes through RawRequest.
type ChainClient interface {
	GetBlockChainInfo() (*btcjson.GetBlockChainInfoResult, error)

	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult,
		error)

	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash,
		error)

	RawRequest(method string, params []json.RawMessage) (json.RawMessage,
		error)
}

var _ ChainClient = (*rpcclient.Client)(nil)

// AddressStore keeps the next unused address index per wallet branch.
type AddressStore interface {
	PeekAddressIndex(ctx context.Context, descriptor string,
		branch uint32) (uint32, error)

	ReserveAddressIndex(ctx context.Context, descriptor string,
		branch uint32) (uint32, error)
}

// RPCConfig holds the connection details of bitcoind.
type RPCConfig struct {
	Host       string
	User       string
	Pass       string
	DisableTLS bool
}

// NewClient connects to bitcoind in http post mode.
func NewClient(cfg *RPCConfig) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}, nil)
}

// Indexer answers the chain queries of the engine from a bitcoind node.
// Wallet outputs are found by scanning the utxo set with the wallet's
// descriptors, so bitcoind doesn't need a wallet.
type Indexer struct {
	client ChainClient
	store  AddressStore
	params *chaincfg.Params

	lookahead uint32

	// scanMtx serializes utxo set scans, bitcoind runs only one at a
	// time.
	scanMtx sync.Mutex
}

// NewIndexer creates an indexer.
func NewIndexer(client ChainClient, store AddressStore,
	params *chaincfg.Params, lookahead uint32) *Indexer {

	if lookahead == 0 {
		lookahead = DefaultLookahead
	}

	return &Indexer{
		client:    client,
		store:     store,
		params:    params,
		lookahead: lookahead,
	}
}

// scan runs a utxo set scan over the given descriptors.
func (i *Indexer) scan(ctx context.Context,
	objects []scanObject) (*scanResult, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := make([]json.RawMessage, 0, 2)
	for _, arg := range []interface{}{"start", objects} {
		p, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}

	i.scanMtx.Lock()
	b, err := i.client.RawRequest(methodScanTxOutSet, params)
	i.scanMtx.Unlock()
	if err != nil {
		return nil, err
	}

	var res scanResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// GetSyncStatus reports whether bitcoind is at the chain tip.
func (i *Indexer) GetSyncStatus(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	info, err := i.client.GetBlockChainInfo()
	if err != nil {
		return false, err
	}

	synced := info.Blocks == info.Headers && !info.InitialBlockDownload
	if !synced {
		log.Debugf("Chain not synced: blocks=%v headers=%v ibd=%v",
			info.Blocks, info.Headers, info.InitialBlockDownload)
	}

	return synced, nil
}

// scanObject is a descriptor of a utxo set scan.
type scanObject struct {
	Desc  string    `json:"desc"`
	Range [2]uint32 `json:"range"`
}

// scanUnspent is an output found by a utxo set scan.
type scanUnspent struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
}

// scanResult models the data returned from the scantxoutset command.
type scanResult struct {
	Success  bool          `json:"success"`
	Height   int64         `json:"height"`
	Unspents []scanUnspent `json:"unspents"`
}

// scriptPos locates a derived script below a wallet's account keys.
type scriptPos struct {
	branch uint32
	index  uint32
}

// GetUTXOs returns the confirmed unspent outputs of the wallet with the
// given receive descriptor. Both branches are scanned up to the lookahead
// past their next unused index.
func (i *Indexer) GetUTXOs(ctx context.Context,
	descriptor string) ([]*coinselect.UTXO, error) {

	template, err := wallet.ParseOutputDescriptor(descriptor, i.params)
	if err != nil {
		return nil, err
	}

	scripts := make(map[string]scriptPos)
	var objects []scanObject
	for _, branch := range []uint32{
		wallet.BranchReceive, wallet.BranchChange,
	} {

		next, err := i.store.PeekAddressIndex(ctx, descriptor, branch)
		if err != nil {
			return nil, err
		}
		end := next + i.lookahead

		for index := uint32(0); index <= end; index++ {
			derived, err := template.Derive(branch, index)
			if err != nil {
				return nil, err
			}
			scripts[hex.EncodeToString(derived.PkScript)] = scriptPos{
				branch: branch,
				index:  index,
			}
		}

		branchDesc, err := template.Descriptor(branch)
		if err != nil {
			return nil, err
		}
		objects = append(objects, scanObject{
			Desc:  branchDesc,
			Range: [2]uint32{0, end},
		})
	}

	res, err := i.scan(ctx, objects)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, ErrScanFailed
	}

	utxos := make([]*coinselect.UTXO, 0, len(res.Unspents))
	for _, u := range res.Unspents {
		pos, ok := scripts[strings.ToLower(u.ScriptPubKey)]
		if !ok {
			log.Warnf("Scan returned foreign output %v:%v", u.TxID,
				u.Vout)
			continue
		}

		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}

		pkScript, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, err
		}

		value, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, err
		}

		utxos = append(utxos, &coinselect.UTXO{
			OutPoint:      wire.OutPoint{Hash: *hash, Index: u.Vout},
			Value:         value,
			PkScript:      pkScript,
			Branch:        pos.branch,
			Index:         pos.index,
			Confirmations: res.Height - u.Height + 1,
		})
	}

	log.Debugf("Found %d outputs at height %v", len(utxos), res.Height)

	return utxos, nil
}

// GetUnusedAddress returns the next unused address of a wallet branch and
// reserves its index if requested.
func (i *Indexer) GetUnusedAddress(ctx context.Context, descriptor string,
	branch uint32, reserve bool) (*wallet.DerivedScript, error) {

	template, err := wallet.ParseOutputDescriptor(descriptor, i.params)
	if err != nil {
		return nil, err
	}

	var index uint32
	if reserve {
		index, err = i.store.ReserveAddressIndex(ctx, descriptor, branch)
	} else {
		index, err = i.store.PeekAddressIndex(ctx, descriptor, branch)
	}
	if err != nil {
		return nil, err
	}

	return template.Derive(branch, index)
}

func (i *Indexer) getRawTransaction(ctx context.Context,
	txid chainhash.Hash) (*btcjson.TxRawResult, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := i.client.GetRawTransactionVerbose(&txid)

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}

	return res, nil
}

// GetTransaction returns a transaction known to bitcoind. Transactions
// that are neither in the mempool nor in a wallet need bitcoind's txindex.
func (i *Indexer) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	res, err := i.getRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	b, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	return tx, nil
}

// GetTxConfirmations returns the number of confirmations of a transaction.
// Unknown transactions have none.
func (i *Indexer) GetTxConfirmations(ctx context.Context,
	txid chainhash.Hash) (int64, error) {

	res, err := i.getRawTransaction(ctx, txid)
	if errors.Is(err, ErrTxNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return int64(res.Confirmations), nil
}

// Broadcast publishes a transaction. A transaction that is already known is
// not an error.
func (i *Indexer) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txid, err := i.client.SendRawTransaction(tx, false)
	if err != nil {
		err = mapBroadcastErr(err)
	}

	switch {
	case errors.Is(err, chain.ErrTxAlreadyKnown),
		errors.Is(err, chain.ErrTxAlreadyInMempool),
		errors.Is(err, chain.ErrTxAlreadyConfirmed):

		log.Infof("Transaction %v already known: %v", tx.TxHash(), err)
		return nil

	case err != nil:
		return fmt.Errorf("unable to broadcast %v: %w", tx.TxHash(), err)
	}

	log.Infof("Broadcast transaction %v", txid)

	return nil
}

// mapBroadcastErr wraps a send rejection into the matching chain error if
// the node already has the transaction. Both bitcoind and btcd reject
// reasons are recognized.
func mapBroadcastErr(err error) error {
	for _, known := range knownTxErrs {
		if matchErrStr(err, known.Error()) {
			return fmt.Errorf("%w: %v", known, err)
		}
	}

	for _, errMap := range []map[string]error{
		chain.Bitcoind28ErrMap, chain.BtcdErrMap,
	} {

		for reason, mapped := range errMap {
			if !matchErrStr(err, reason) {
				continue
			}

			for _, known := range knownTxErrs {
				if errors.Is(mapped, known) {
					return fmt.Errorf("%w: %v", known, err)
				}
			}
		}
	}

	return err
}

// matchErrStr reports whether the error contains s, ignoring case and
// treating dashes as spaces.
func matchErrStr(err error, s string) bool {
	normalize := func(str string) string {
		return strings.ToLower(strings.ReplaceAll(str, "-", " "))
	}

	return strings.Contains(normalize(err.Error()), normalize(s))
}
