package nodemonitor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/chanvault/chanvault/custodydb"
	"github.com/lightningnetwork/lnd/lnrpc"
)

const (
	// rejectTemporary is sent to the peer if the policy couldn't be
	// evaluated.
	rejectTemporary = "temporary failure, try again later"
)

// rejectReason applies the acceptor policy to an inbound open request. An
// empty reason accepts the channel. Inbound channels from another managed
// node are refused if the two nodes share a channel already.
func (m *Monitor) rejectReason(ctx context.Context, nodeID string,
	lnd lnrpc.LightningClient, req *lnrpc.ChannelAcceptRequest) string {

	remoteKey := hex.EncodeToString(req.NodePubkey)

	remote, err := m.cfg.Nodes.GetNodeByPubKey(ctx, remoteKey)
	switch {
	case errors.Is(err, custodydb.ErrNotFound):
		return ""

	case err != nil:
		log.Errorf("[node %v] Unable to look up node %v: %v", nodeID,
			remoteKey, err)
		return rejectTemporary
	}

	duplicate, err := hasChannelWith(ctx, lnd, req.NodePubkey)
	if err != nil {
		log.Errorf("[node %v] Unable to list channels with %v: %v",
			nodeID, remote.ID, err)
		return rejectTemporary
	}

	if duplicate {
		return fmt.Sprintf("duplicate channel with managed node %v",
			remote.ID)
	}

	return ""
}

// hasChannelWith reports whether the node has an open or pending channel
// with the peer.
func hasChannelWith(ctx context.Context, lnd lnrpc.LightningClient,
	peer []byte) (bool, error) {

	open, err := lnd.ListChannels(ctx, &lnrpc.ListChannelsRequest{
		Peer: peer,
	})
	if err != nil {
		return false, err
	}
	if len(open.Channels) > 0 {
		return true, nil
	}

	pending, err := lnd.PendingChannels(
		ctx, &lnrpc.PendingChannelsRequest{},
	)
	if err != nil {
		return false, err
	}

	peerKey := hex.EncodeToString(peer)
	for _, c := range pending.PendingOpenChannels {
		if c.Channel != nil && c.Channel.RemoteNodePub == peerKey {
			return true, nil
		}
	}

	return false, nil
}
