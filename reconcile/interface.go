package reconcile

import (
	"context"

	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/funding"
	"github.com/lightningnetwork/lnd/lnrpc"
)

// NodeStore gives access to the managed nodes.
type NodeStore interface {
	// ListNodes returns all managed nodes.
	ListNodes(ctx context.Context) ([]*custodydb.Node, error)

	// GetNodeByPubKey returns a managed node by its identity key.
	GetNodeByPubKey(ctx context.Context, pubKey string) (*custodydb.Node,
		error)
}

// ChannelStore gives access to the known channels.
type ChannelStore interface {
	// InsertChannel stores a channel. Known channels are left untouched.
	InsertChannel(ctx context.Context, c *custodydb.Channel) error

	// NodeChannels returns the channels whose local end is the node.
	NodeChannels(ctx context.Context, nodeID string) ([]*custodydb.Channel,
		error)

	// SetChannelStatus updates the status of a channel.
	SetChannelStatus(ctx context.Context, id int32,
		status custodydb.ChannelStatus) error
}

// RequestStore gives access to the stored requests.
type RequestStore interface {
	// RequestsInState returns the requests in the given state.
	RequestsInState(ctx context.Context, state string) ([]*funding.Request,
		error)
}

// Confirmer advances published channel opens.
type Confirmer interface {
	// ChannelConfirmed completes a published open with the id of its
	// channel.
	ChannelConfirmed(ctx context.Context, id string, chanID uint64) error
}

// Lightning hands out clients of the managed nodes.
type Lightning interface {
	Lightning(ctx context.Context, nodeID string) (lnrpc.LightningClient,
		error)
}
