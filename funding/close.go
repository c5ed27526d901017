package funding

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/lndconn"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// CloseChannelRequest describes a channel close.
type CloseChannelRequest struct {
	// WalletID is the wallet that funded the channel.
	WalletID int64

	SourceNodeID string

	ChanID uint64

	// Force requests a unilateral close.
	Force bool

	// FeeRate is the fee rate of a cooperative close. The node picks
	// one if unset.
	FeeRate chainfee.SatPerKWeight
}

// CloseChannel validates and stores a channel close request and starts the
// close flow.
func (m *Manager) CloseChannel(ctx context.Context,
	req *CloseChannelRequest) (*Request, error) {

	if req.ChanID == 0 {
		return nil, fmt.Errorf("%w: missing channel id",
			ErrInvalidRequest)
	}
	if req.Force && req.FeeRate != 0 {
		return nil, fmt.Errorf("%w: fee rate of force close",
			ErrInvalidRequest)
	}

	source, err := m.node(ctx, req.SourceNodeID)
	if err != nil {
		return nil, err
	}
	if !source.HasCredentials() {
		return nil, fmt.Errorf("source node %v: %w", source.ID,
			lndconn.ErrNoCredentials)
	}

	if _, err := m.cfg.Wallets.GetWallet(ctx, req.WalletID); err != nil {
		return nil, err
	}

	return m.create(ctx, &Request{
		WalletID:     req.WalletID,
		Type:         TypeChannelClose,
		FeeRate:      req.FeeRate,
		SourceNodeID: req.SourceNodeID,
		CloseForce:   req.Force,
		ChanID:       req.ChanID,
	}, nil)
}

// runClose drives a channel close. A request that was published already is
// completed by the confirmation monitor.
func (m *Manager) runClose(ctx context.Context, j *job) error {
	r := j.request
	if r.IsInState(OnChainConfirmationPending) {
		return nil
	}

	lnd, err := m.cfg.Lightning.Lightning(ctx, r.SourceNodeID)
	if err != nil {
		return err
	}

	channel, err := findChannel(ctx, lnd, func(c *lnrpc.Channel) bool {
		return c.ChanId == r.ChanID
	})
	if errors.Is(err, errChannelNotListed) {
		return fmt.Errorf("%w: %v", ErrChannelNotFound, r.ChanID)
	}
	if err != nil {
		return err
	}

	op, err := wire.NewOutPointFromString(channel.ChannelPoint)
	if err != nil {
		return err
	}

	req := &lnrpc.CloseChannelRequest{
		ChannelPoint: &lnrpc.ChannelPoint{
			FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{
				FundingTxidStr: op.Hash.String(),
			},
			OutputIndex: op.Index,
		},
		Force: r.CloseForce,
	}
	if !r.CloseForce && r.FeeRate != 0 {
		req.SatPerVbyte = uint64(r.FeeRate.FeePerVByte())
	}

	stream, err := lnd.CloseChannel(ctx, req)
	if err != nil {
		return fmt.Errorf("opening close stream failed: %w", err)
	}

	j.Infof("Closing channel %v (force=%v)", op, r.CloseForce)

	for {
		resp, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("close channel stream: %w", err)
		}

		log.Tracef("[req %v] Close status update: %v", r.ID,
			spew.Sdump(resp))

		switch u := resp.Update.(type) {
		case *lnrpc.CloseStatusUpdate_ClosePending:
			txid, err := chainhash.NewHash(u.ClosePending.Txid)
			if err != nil {
				return err
			}

			j.Infof("Closing transaction pending: %v", txid)

			r.Lock()
			r.TxID = txid
			r.Unlock()

			if err := j.fsm.Transition(ctx, OnPublished); err != nil {
				return err
			}

		case *lnrpc.CloseStatusUpdate_ChanClose:
			err := m.markClosed(ctx, *op)
			if err != nil {
				return err
			}

			txid, err := chainhash.NewHash(u.ChanClose.ClosingTxid)
			if err == nil {
				r.Lock()
				r.TxID = txid
				r.Unlock()
			}

			j.Infof("Channel %v closed", op)

			return j.fsm.Transition(ctx, OnConfirmed)
		}
	}
}

// markClosed marks a known channel closed.
func (m *Manager) markClosed(ctx context.Context, op wire.OutPoint) error {
	channel, err := m.cfg.Channels.GetChannel(ctx, op)
	if errors.Is(err, custodydb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return m.cfg.Channels.SetChannelStatus(
		ctx, channel.ID, custodydb.ChannelStatusClosed,
	)
}
