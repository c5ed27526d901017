package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/funding"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInterval is the time between two reconciliations of all
	// nodes.
	DefaultInterval = 10 * time.Minute
)

// Config contains the services the reconciler needs.
type Config struct {
	Nodes     NodeStore
	Channels  ChannelStore
	Requests  RequestStore
	Confirmer Confirmer
	Lightning Lightning

	// Ticker schedules the periodic reconciliation of all nodes.
	Ticker ticker.Ticker
}

// Result summarizes one reconciliation of a node.
type Result struct {
	NodeID string

	// Ghosts is the number of live channels that were recorded.
	Ghosts int

	// Closed is the number of channels that were marked closed.
	Closed int

	// Confirmed is the number of published opens that were completed.
	Confirmed int
}

// Reconciler diffs the channels and requests recorded for a node against
// the node's live channel list.
type Reconciler struct {
	cfg *Config

	group singleflight.Group
}

// NewReconciler creates a new reconciler.
func NewReconciler(cfg *Config) *Reconciler {
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultInterval)
	}

	return &Reconciler{
		cfg: cfg,
	}
}

// Run reconciles all nodes on every tick until the context is done.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Infof("Starting reconciler")

	r.cfg.Ticker.Resume()
	defer r.cfg.Ticker.Stop()

	for {
		select {
		case <-r.cfg.Ticker.Ticks():
			if err := r.ReconcileAll(ctx); err != nil {
				log.Errorf("Reconciliation failed: %v", err)
			}

		case <-ctx.Done():
			log.Infof("Stopping reconciler")
			return ctx.Err()
		}
	}
}

// ReconcileAll reconciles every node the engine holds credentials for.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	nodes, err := r.cfg.Nodes.ListNodes(ctx)
	if err != nil {
		return err
	}

	var eg errgroup.Group
	for _, node := range nodes {
		if !node.HasCredentials() {
			continue
		}

		eg.Go(func() error {
			_, err := r.Reconcile(ctx, node.ID)
			if err != nil {
				return fmt.Errorf("node %v: %w", node.ID, err)
			}

			return nil
		})
	}

	return eg.Wait()
}

// Reconcile reconciles a single node. Concurrent calls for the same node
// share one run.
func (r *Reconciler) Reconcile(ctx context.Context, nodeID string) (*Result,
	error) {

	res, err, _ := r.group.Do(nodeID, func() (interface{}, error) {
		return r.reconcile(ctx, nodeID)
	})
	if err != nil {
		return nil, err
	}

	result := *res.(*Result)

	return &result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, nodeID string) (*Result,
	error) {

	lnd, err := r.cfg.Lightning.Lightning(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	resp, err := lnd.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, fmt.Errorf("unable to list channels: %w", err)
	}

	live := make(map[wire.OutPoint]*lnrpc.Channel, len(resp.Channels))
	for _, c := range resp.Channels {
		op, err := wire.NewOutPointFromString(c.ChannelPoint)
		if err != nil {
			log.Warnf("[node %v] Invalid channel point %v: %v",
				nodeID, c.ChannelPoint, err)
			continue
		}
		live[*op] = c
	}

	result := &Result{NodeID: nodeID}

	// Published opens are linked first, so their channels are recorded
	// as created by the engine.
	checks := []struct {
		name string
		run  func(context.Context, string,
			map[wire.OutPoint]*lnrpc.Channel, *Result) error
	}{
		{"confirmations", r.confirmPublished},
		{"ghost channels", r.recordGhosts},
		{"closed channels", r.markClosed},
	}

	var errs []error
	for _, check := range checks {
		err := check.run(ctx, nodeID, live, result)
		if err != nil {
			log.Errorf("[node %v] Reconciling %v failed: %v",
				nodeID, check.name, err)
			errs = append(errs, fmt.Errorf("%v: %w", check.name, err))
		}
	}

	log.Debugf("[node %v] Reconciled: ghosts=%v closed=%v confirmed=%v",
		nodeID, result.Ghosts, result.Closed, result.Confirmed)

	return result, errors.Join(errs...)
}

// confirmPublished completes published channel opens of the node whose
// funding transaction funds a live channel.
func (r *Reconciler) confirmPublished(ctx context.Context, nodeID string,
	live map[wire.OutPoint]*lnrpc.Channel, result *Result) error {

	requests, err := r.cfg.Requests.RequestsInState(
		ctx, string(funding.OnChainConfirmationPending),
	)
	if err != nil {
		return err
	}

	var errs []error
	for _, req := range requests {
		if req.Type != funding.TypeChannelOpen ||
			req.SourceNodeID != nodeID || req.TxID == nil {

			continue
		}

		for op, c := range live {
			if op.Hash != *req.TxID {
				continue
			}

			err := r.cfg.Channels.InsertChannel(
				ctx, &custodydb.Channel{
					ChanID:             c.ChanId,
					FundingTxID:        op.Hash,
					FundingOutputIndex: op.Index,
					SourceNodeID:       nodeID,
					DestNodeID:         req.DestNodeID,
					RemotePubKey:       c.RemotePubkey,
					Capacity: btcutil.Amount(
						c.Capacity,
					),
					Status:          custodydb.ChannelStatusOpen,
					CreatedByEngine: true,
				},
			)
			if err != nil {
				errs = append(errs, err)
				break
			}

			err = r.cfg.Confirmer.ChannelConfirmed(
				ctx, req.ID, c.ChanId,
			)
			switch {
			// The request's own job is about to handle it.
			case errors.Is(err, funding.ErrRequestBusy):
				log.Debugf("[node %v] Request %v busy", nodeID,
					req.ID)

			case err != nil:
				errs = append(errs, err)

			default:
				log.Infof("[node %v] Request %v confirmed with "+
					"channel %v", nodeID, req.ID, op)
				result.Confirmed++
			}

			break
		}
	}

	return errors.Join(errs...)
}

// recordGhosts records live channels that are unknown locally. Inbound
// channels from another managed node are left to that node's run.
func (r *Reconciler) recordGhosts(ctx context.Context, nodeID string,
	live map[wire.OutPoint]*lnrpc.Channel, result *Result) error {

	local, err := r.cfg.Channels.NodeChannels(ctx, nodeID)
	if err != nil {
		return err
	}

	known := make(map[wire.OutPoint]struct{}, len(local))
	for _, c := range local {
		known[c.ChannelPoint()] = struct{}{}
	}

	// Opens that stopped between finalizing and publishing are resumed
	// by the funding manager, which links their channels.
	inFlight, err := r.inFlightFunding(ctx, nodeID)
	if err != nil {
		return err
	}

	var errs []error
	for op, c := range live {
		if _, ok := known[op]; ok {
			continue
		}
		if _, ok := inFlight[op.Hash]; ok {
			log.Debugf("[node %v] Channel %v funded by an open in "+
				"flight", nodeID, op)
			continue
		}

		var destNodeID string
		remote, err := r.cfg.Nodes.GetNodeByPubKey(ctx, c.RemotePubkey)
		switch {
		case err == nil:
			if !c.Initiator {
				continue
			}
			destNodeID = remote.ID

		case !errors.Is(err, custodydb.ErrNotFound):
			errs = append(errs, err)
			continue
		}

		err = r.cfg.Channels.InsertChannel(ctx, &custodydb.Channel{
			ChanID:             c.ChanId,
			FundingTxID:        op.Hash,
			FundingOutputIndex: op.Index,
			SourceNodeID:       nodeID,
			DestNodeID:         destNodeID,
			RemotePubKey:       c.RemotePubkey,
			Capacity:           btcutil.Amount(c.Capacity),
			Status:             custodydb.ChannelStatusOpen,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		log.Infof("[node %v] Recorded ghost channel %v", nodeID, op)
		result.Ghosts++
	}

	return errors.Join(errs...)
}

// inFlightFunding returns the funding txids of the node's opens that
// await signatures.
func (r *Reconciler) inFlightFunding(ctx context.Context,
	nodeID string) (map[chainhash.Hash]struct{}, error) {

	requests, err := r.cfg.Requests.RequestsInState(
		ctx, string(funding.PSBTSignaturesPending),
	)
	if err != nil {
		return nil, err
	}

	txids := make(map[chainhash.Hash]struct{})
	for _, req := range requests {
		if req.Type == funding.TypeChannelOpen &&
			req.SourceNodeID == nodeID && req.TxID != nil {

			txids[*req.TxID] = struct{}{}
		}
	}

	return txids, nil
}

// markClosed marks open local channels that are no longer live as closed.
func (r *Reconciler) markClosed(ctx context.Context, nodeID string,
	live map[wire.OutPoint]*lnrpc.Channel, result *Result) error {

	local, err := r.cfg.Channels.NodeChannels(ctx, nodeID)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range local {
		if c.Status != custodydb.ChannelStatusOpen {
			continue
		}

		if _, ok := live[c.ChannelPoint()]; ok {
			continue
		}

		err := r.cfg.Channels.SetChannelStatus(
			ctx, c.ID, custodydb.ChannelStatusClosed,
		)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		log.Infof("[node %v] Channel %v no longer live, marked closed",
			nodeID, c.ChannelPoint())
		result.Closed++
	}

	return errors.Join(errs...)
}
