package funding

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/lndconn"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/chanvault/chanvault/wallet"
	"github.com/davecgh/go-spew/spew"
	lndfunding "github.com/lightningnetwork/lnd/funding"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/lightningnetwork/lnd/lnwallet/chanfunding"
)

// fundingPlaceholderScript stands in for the channel funding output during
// coin selection. The funding address is only known once the remote peer
// accepted the channel, and is always a 34 byte segwit v0 or v1 script.
var fundingPlaceholderScript = append([]byte{0x00, 0x20}, make([]byte, 32)...)

// errChannelNotListed is returned if an opened channel is not yet listed by
// its node.
var errChannelNotListed = errors.New("channel not listed by node")

// OpenChannelRequest describes a channel open.
type OpenChannelRequest struct {
	WalletID int64

	// SourceNodeID is the managed node opening the channel.
	SourceNodeID string

	// DestNodeID is the managed peer of the channel.
	DestNodeID string

	// Amount is the channel capacity. Changeless opens fund the channel
	// with everything Outpoints are worth minus the fee.
	Amount btcutil.Amount

	FeeRate chainfee.SatPerKWeight

	Changeless bool
	Outpoints  []wire.OutPoint
}

// OpenChannel validates and stores a channel open request, reserves its
// coins and starts the open flow.
func (m *Manager) OpenChannel(ctx context.Context,
	req *OpenChannelRequest) (*Request, error) {

	if req.SourceNodeID == req.DestNodeID {
		return nil, ErrSelfChannel
	}
	if !req.Changeless && req.Amount < lndfunding.MinChanFundingSize {
		return nil, fmt.Errorf("%w: %v < %v", ErrChannelTooSmall,
			req.Amount, lndfunding.MinChanFundingSize)
	}

	source, err := m.node(ctx, req.SourceNodeID)
	if err != nil {
		return nil, err
	}
	if !source.HasCredentials() {
		return nil, fmt.Errorf("source node %v: %w", source.ID,
			lndconn.ErrNoCredentials)
	}

	if _, err := m.destPubKey(ctx, req.DestNodeID); err != nil {
		return nil, err
	}

	return m.create(ctx, &Request{
		WalletID:     req.WalletID,
		Type:         TypeChannelOpen,
		Amount:       req.Amount,
		FeeRate:      req.FeeRate,
		Changeless:   req.Changeless,
		Outpoints:    req.Outpoints,
		SourceNodeID: req.SourceNodeID,
		DestNodeID:   req.DestNodeID,
	}, &wire.TxOut{PkScript: fundingPlaceholderScript})
}

// node returns a managed node.
func (m *Manager) node(ctx context.Context, id string) (*custodydb.Node,
	error) {

	node, err := m.cfg.Nodes.GetNode(ctx, id)
	if errors.Is(err, custodydb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNodeNotFound, id)
	}

	return node, err
}

// destPubKey returns the identity key of a managed peer. A peer whose key
// is still unknown is asked for it if we hold its credentials.
func (m *Manager) destPubKey(ctx context.Context, id string) ([]byte,
	error) {

	dest, err := m.node(ctx, id)
	if err != nil {
		return nil, err
	}

	if dest.PubKey == "" && dest.HasCredentials() {
		// Connecting stores the node's identity key.
		if _, err := m.cfg.Lightning.Lightning(ctx, id); err != nil {
			return nil, err
		}

		dest, err = m.node(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if dest.PubKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPubKey, id)
	}

	pubKey, err := hex.DecodeString(dest.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPubKey, err)
	}

	return pubKey, nil
}

// runOpen drives a channel open. A request that was published already is
// completed by the reconciler.
func (m *Manager) runOpen(ctx context.Context, j *job) error {
	r := j.request
	if r.IsInState(OnChainConfirmationPending) {
		return nil
	}

	w, err := m.cfg.Wallets.GetWallet(ctx, r.WalletID)
	if err != nil {
		return err
	}

	destPubKey, err := m.destPubKey(ctx, r.DestNodeID)
	if err != nil {
		return err
	}

	lnd, err := m.cfg.Lightning.Lightning(ctx, r.SourceNodeID)
	if err != nil {
		return err
	}

	// A previous attempt may have handed the funding transaction to the
	// node before it stopped. Such a channel must not be funded twice.
	if r.TxID != nil {
		published, err := fundingPublished(ctx, lnd, *r.TxID)
		if err != nil {
			return err
		}

		if published {
			j.Infof("Funding transaction %v known to node", r.TxID)

			return j.fsm.Transition(ctx, OnPublished)
		}

		j.Infof("Funding transaction %v never reached node, "+
			"restarting", r.TxID)

		r.Lock()
		r.TxID = nil
		r.Unlock()
	}

	// A shim of a previous attempt is dropped first.
	if len(r.PendingChanID) > 0 {
		cancelShim(ctx, lnd, r.PendingChanID)
	}

	if err := ensurePeer(ctx, lnd, destPubKey); err != nil {
		return err
	}

	sel, err := m.selectCoins(ctx, r, w, fundingPlaceholderScript)
	if err != nil {
		return err
	}

	amount := r.Amount
	if r.Changeless {
		amount = sel.Amount
	}
	if amount < lndfunding.MinChanFundingSize {
		return fmt.Errorf("%w: %v < %v", ErrChannelTooSmall, amount,
			lndfunding.MinChanFundingSize)
	}

	var pendingChanID [32]byte
	if _, err := rand.Read(pendingChanID[:]); err != nil {
		return fmt.Errorf("unable to generate pending chan id: %w", err)
	}

	r.Lock()
	r.PendingChanID = pendingChanID[:]
	r.Unlock()
	if err := m.cfg.Store.UpdateRequest(ctx, r, false); err != nil {
		return err
	}

	return m.openChannelPsbt(ctx, j, lnd, w, sel, &openParams{
		pendingChanID: pendingChanID,
		destPubKey:    destPubKey,
		amount:        amount,
	})
}

// ensurePeer connects the source node to the peer if they aren't
// connected yet.
func ensurePeer(ctx context.Context, lnd lnrpc.LightningClient,
	pubKey []byte) error {

	peers, err := lnd.ListPeers(ctx, &lnrpc.ListPeersRequest{})
	if err != nil {
		return err
	}

	pubKeyStr := hex.EncodeToString(pubKey)
	for _, peer := range peers.Peers {
		if peer.PubKey == pubKeyStr {
			return nil
		}
	}

	info, err := lnd.GetNodeInfo(ctx, &lnrpc.NodeInfoRequest{
		PubKey: pubKeyStr,
	})
	if err != nil {
		return fmt.Errorf("unable to look up peer %v: %w", pubKeyStr,
			err)
	}

	var lastErr error
	for _, addr := range info.GetNode().GetAddresses() {
		_, lastErr = lnd.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
			Addr: &lnrpc.LightningAddress{
				Pubkey: pubKeyStr,
				Host:   addr.Addr,
			},
		})
		if lastErr == nil {
			log.Infof("Connected to peer %v at %v", pubKeyStr,
				addr.Addr)

			return nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no known addresses")
	}

	return fmt.Errorf("unable to connect to peer %v: %w", pubKeyStr,
		lastErr)
}

// cancelShim releases a funding shim. Errors are logged only.
func cancelShim(ctx context.Context, lnd lnrpc.LightningClient,
	pendingChanID []byte) {

	log.Infof("Canceling PSBT funding flow for pending channel ID %x",
		pendingChanID)

	_, err := lnd.FundingStateStep(
		context.WithoutCancel(ctx), &lnrpc.FundingTransitionMsg{
			Trigger: &lnrpc.FundingTransitionMsg_ShimCancel{
				ShimCancel: &lnrpc.FundingShimCancel{
					PendingChanId: pendingChanID,
				},
			},
		},
	)
	if err != nil {
		log.Errorf("Error canceling shim %x: %v", pendingChanID, err)
	}
}

type openParams struct {
	pendingChanID [32]byte
	destPubKey    []byte
	amount        btcutil.Amount
}

// openChannelPsbt runs the interactive PSBT funding protocol with the
// source node:
//
//	chanvault                         lnd
//	    |-------OpenChannel(shim)------->|
//	    |<----------PsbtFund-------------|  build template
//	    |                                |  collect co-signer psbts
//	    |                                |  sign internally
//	    |-----------PsbtVerify---------->|
//	    |                                |  finalize
//	    |----------PsbtFinalize--------->|
//	    |<---------ChanPending-----------|
//	    |<----------ChanOpen-------------|
func (m *Manager) openChannelPsbt(ctx context.Context, j *job,
	lnd lnrpc.LightningClient, w *wallet.Wallet,
	sel *coinselect.Selection, p *openParams) error {

	r := j.request

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shimPending := true
	defer func() {
		if shimPending {
			cancelShim(ctx, lnd, p.pendingChanID[:])
		}
	}()

	stream, err := lnd.OpenChannel(streamCtx, &lnrpc.OpenChannelRequest{
		NodePubkey:         p.destPubKey,
		LocalFundingAmount: int64(p.amount),
		FundingShim: &lnrpc.FundingShim{
			Shim: &lnrpc.FundingShim_PsbtShim{
				PsbtShim: &lnrpc.PsbtShim{
					PendingChanId: p.pendingChanID[:],
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("opening stream to node failed: %w", err)
	}

	j.Infof("Started PSBT funding flow with pending channel ID %x",
		p.pendingChanID)

	var (
		updates   = make(chan *lnrpc.OpenStatusUpdate)
		streamErr = make(chan error, 1)
	)
	go func() {
		for {
			resp, err := stream.Recv()
			if err != nil {
				streamErr <- err
				return
			}

			select {
			case updates <- resp:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	published := false
	for {
		var update *lnrpc.OpenStatusUpdate
		select {
		case update = <-updates:

		case err := <-streamErr:
			// A peer that canceled the flow already removed the
			// shim.
			if strings.Contains(
				err.Error(), chanfunding.ErrRemoteCanceled.Error(),
			) {

				shimPending = false
			}

			return fmt.Errorf("open channel stream: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}

		log.Tracef("[req %v] Open status update: %v", r.ID,
			spew.Sdump(update))

		switch u := update.Update.(type) {
		case *lnrpc.OpenStatusUpdate_PsbtFund:
			if published {
				j.fsm.Warnf("Ignoring funding request of " +
					"published channel")

				continue
			}

			err := m.fundChannel(ctx, j, lnd, w, sel, p, u.PsbtFund)
			if err != nil {
				return err
			}

		case *lnrpc.OpenStatusUpdate_ChanPending:
			shimPending = false
			published = true

			txid, err := chainhash.NewHash(u.ChanPending.Txid)
			if err != nil {
				return err
			}

			j.Infof("Channel transaction pending: %v", txid)

			r.Lock()
			r.TxID = txid
			r.Unlock()

			err = j.fsm.Transition(ctx, OnPublished)
			if err != nil {
				return err
			}

		case *lnrpc.OpenStatusUpdate_ChanOpen:
			shimPending = false

			return m.channelOpened(
				ctx, j, lnd, u.ChanOpen.ChannelPoint, p.amount,
			)
		}
	}
}

// fundChannel answers the node's funding request with the signed funding
// transaction.
func (m *Manager) fundChannel(ctx context.Context, j *job,
	lnd lnrpc.LightningClient, w *wallet.Wallet,
	sel *coinselect.Selection, p *openParams,
	fund *lnrpc.ReadyForPsbtFunding) error {

	r := j.request

	if fund.FundingAmount != int64(p.amount) {
		return fmt.Errorf("%w: node asks for %v, request funds %v",
			ErrFundingAmountMismatch, fund.FundingAmount, p.amount)
	}

	pkScript, err := m.decodeAddress(fund.FundingAddress)
	if err != nil {
		return err
	}

	j.Infof("PSBT funding initiated, funding amount %v, funding "+
		"address %v", p.amount, fund.FundingAddress)

	template, err := m.cfg.Coordinator.BuildTemplate(
		ctx, &psbtcoord.TemplateRequest{
			RequestID: r.ID,
			Outputs: []*wire.TxOut{{
				Value:    int64(p.amount),
				PkScript: pkScript,
			}},
			FeeRate:    r.FeeRate,
			Changeless: r.Changeless,
		}, w, sel,
	)
	if err != nil {
		return err
	}

	if err := j.fsm.Transition(ctx, OnTemplateReady); err != nil {
		return err
	}

	signed, err := m.collectSignatures(ctx, j, w, template)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := signed.Serialize(&buf); err != nil {
		return err
	}
	_, err = lnd.FundingStateStep(ctx, &lnrpc.FundingTransitionMsg{
		Trigger: &lnrpc.FundingTransitionMsg_PsbtVerify{
			PsbtVerify: &lnrpc.FundingPsbtVerify{
				FundedPsbt:    buf.Bytes(),
				PendingChanId: p.pendingChanID[:],
			},
		},
	})
	if err != nil {
		return fmt.Errorf("verifying PSBT by node failed: %w",
			fundingStepError(err))
	}

	if _, err := m.cfg.Coordinator.Finalize(ctx, r.ID, signed); err != nil {
		return err
	}

	finalized, err := m.cfg.Coordinator.FinalizedPacket(ctx, r.ID)
	if err != nil {
		return err
	}

	// The node publishes the transaction on PsbtFinalize, so its txid is
	// stored before.
	txid := finalized.UnsignedTx.TxHash()
	r.Lock()
	r.TxID = &txid
	r.Unlock()
	if err := m.cfg.Store.UpdateRequest(ctx, r, false); err != nil {
		return err
	}

	buf.Reset()
	if err := finalized.Serialize(&buf); err != nil {
		return err
	}
	_, err = lnd.FundingStateStep(ctx, &lnrpc.FundingTransitionMsg{
		Trigger: &lnrpc.FundingTransitionMsg_PsbtFinalize{
			PsbtFinalize: &lnrpc.FundingPsbtFinalize{
				SignedPsbt:    buf.Bytes(),
				PendingChanId: p.pendingChanID[:],
			},
		},
	})
	if err != nil {
		return fmt.Errorf("finalizing PSBT funding flow failed: %w",
			fundingStepError(err))
	}

	return nil
}

// fundingPublished reports whether the node knows a channel funded by the
// transaction, pending or open.
func fundingPublished(ctx context.Context, lnd lnrpc.LightningClient,
	txid chainhash.Hash) (bool, error) {

	fundedBy := func(chanPoint string) bool {
		op, err := wire.NewOutPointFromString(chanPoint)
		return err == nil && op.Hash == txid
	}

	pending, err := lnd.PendingChannels(
		ctx, &lnrpc.PendingChannelsRequest{},
	)
	if err != nil {
		return false, err
	}
	for _, c := range pending.PendingOpenChannels {
		if fundedBy(c.GetChannel().GetChannelPoint()) {
			return true, nil
		}
	}

	_, err = findChannel(ctx, lnd, func(c *lnrpc.Channel) bool {
		return fundedBy(c.ChannelPoint)
	})
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, errChannelNotListed):
		return false, nil

	default:
		return false, err
	}
}

// channelOpened records the channel of a confirmed open and completes the
// request.
func (m *Manager) channelOpened(ctx context.Context, j *job,
	lnd lnrpc.LightningClient, chanPoint *lnrpc.ChannelPoint,
	capacity btcutil.Amount) error {

	r := j.request

	txid, err := lnrpc.GetChanPointFundingTxid(chanPoint)
	if err != nil {
		return err
	}
	op := wire.OutPoint{Hash: *txid, Index: chanPoint.OutputIndex}

	channel, err := findChannel(ctx, lnd, func(c *lnrpc.Channel) bool {
		return c.ChannelPoint == op.String()
	})
	if err != nil {
		return err
	}

	err = m.cfg.Channels.InsertChannel(ctx, &custodydb.Channel{
		ChanID:             channel.ChanId,
		FundingTxID:        op.Hash,
		FundingOutputIndex: op.Index,
		SourceNodeID:       r.SourceNodeID,
		DestNodeID:         r.DestNodeID,
		RemotePubKey:       channel.RemotePubkey,
		Capacity:           capacity,
		Status:             custodydb.ChannelStatusOpen,
		CreatedByEngine:    true,
	})
	if err != nil {
		return err
	}

	j.Infof("Channel %v open with id %v", op, channel.ChanId)

	r.Lock()
	r.ChanID = channel.ChanId
	r.TxID = txid
	r.Unlock()

	return j.fsm.Transition(ctx, OnConfirmed)
}

// findChannel returns the first active channel of a node matching the
// predicate.
func findChannel(ctx context.Context, lnd lnrpc.LightningClient,
	match func(*lnrpc.Channel) bool) (*lnrpc.Channel, error) {

	resp, err := lnd.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, err
	}

	for _, c := range resp.Channels {
		if match(c) {
			return c, nil
		}
	}

	return nil, errChannelNotListed
}
