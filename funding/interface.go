package funding

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/lnrpc"
)

// Store persists requests and their audit log.
type Store interface {
	// CreateRequest stores a new request in the Pending state.
	CreateRequest(ctx context.Context, r *Request) error

	// UpdateRequest stores the mutable fields of a request. If audit is
	// set, the request's state is appended to its audit log.
	UpdateRequest(ctx context.Context, r *Request, audit bool) error

	// GetRequest returns a request by id.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// ListRequests returns all requests.
	ListRequests(ctx context.Context) ([]*Request, error)

	// RequestsInState returns the requests in the given state.
	RequestsInState(ctx context.Context, state string) ([]*Request, error)

	// RequestUpdates returns the audit log of a request.
	RequestUpdates(ctx context.Context, id string) ([]*RequestUpdate,
		error)
}

// Releaser frees the coins reserved by a request.
type Releaser interface {
	Release(ctx context.Context, requestID string) error
}

// WalletStore gives access to the custodied wallets.
type WalletStore interface {
	GetWallet(ctx context.Context, id int64) (*wallet.Wallet, error)
}

// NodeStore gives access to the managed nodes.
type NodeStore interface {
	GetNode(ctx context.Context, id string) (*custodydb.Node, error)
}

// ChannelStore persists channels.
type ChannelStore interface {
	InsertChannel(ctx context.Context, c *custodydb.Channel) error

	GetChannel(ctx context.Context, op wire.OutPoint) (*custodydb.Channel,
		error)

	SetChannelStatus(ctx context.Context, id int32,
		status custodydb.ChannelStatus) error
}

// Lightning hands out the lnd connection of a managed node.
type Lightning interface {
	Lightning(ctx context.Context, nodeID string) (lnrpc.LightningClient,
		error)
}

// Indexer publishes transactions and reports their confirmations.
type Indexer interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	GetTxConfirmations(ctx context.Context, txid chainhash.Hash) (int64,
		error)

	// GetTransaction fails with chainindex.ErrTxNotFound for
	// transactions neither in the mempool nor in the chain.
	GetTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx,
		error)
}
