package funding

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// WithdrawRequest describes an on-chain withdrawal.
type WithdrawRequest struct {
	WalletID int64

	Address string

	// Amount is the value sent. Changeless withdrawals send everything
	// Outpoints are worth minus the fee.
	Amount btcutil.Amount

	FeeRate chainfee.SatPerKWeight

	Changeless bool
	Outpoints  []wire.OutPoint
}

// Withdraw validates and stores a withdrawal, reserves its coins and starts
// the withdrawal flow.
func (m *Manager) Withdraw(ctx context.Context,
	req *WithdrawRequest) (*Request, error) {

	if !req.Changeless && req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive",
			ErrInvalidRequest)
	}

	pkScript, err := m.decodeAddress(req.Address)
	if err != nil {
		return nil, err
	}

	return m.create(ctx, &Request{
		WalletID:           req.WalletID,
		Type:               TypeWithdrawal,
		Amount:             req.Amount,
		FeeRate:            req.FeeRate,
		Changeless:         req.Changeless,
		Outpoints:          req.Outpoints,
		DestinationAddress: req.Address,
	}, &wire.TxOut{PkScript: pkScript})
}

// runWithdraw drives a withdrawal. The request is published before the
// broadcast, so a published withdrawal is broadcast again on every run.
func (m *Manager) runWithdraw(ctx context.Context, j *job) error {
	r := j.request
	if r.IsInState(OnChainConfirmationPending) {
		return m.rebroadcast(ctx, j)
	}

	w, err := m.cfg.Wallets.GetWallet(ctx, r.WalletID)
	if err != nil {
		return err
	}

	pkScript, err := m.decodeAddress(r.DestinationAddress)
	if err != nil {
		return err
	}

	template, err := m.cfg.Coordinator.Template(ctx, r.ID)
	switch {
	// A template that made it to the signature stage is kept, so
	// submitted co-signer PSBTs stay valid.
	case err == nil && r.IsInState(PSBTSignaturesPending):

	case err == nil || errors.Is(err, psbtcoord.ErrNoTemplate):
		sel, err := m.selectCoins(ctx, r, w, pkScript)
		if err != nil {
			return err
		}

		template, err = m.cfg.Coordinator.BuildTemplate(
			ctx, &psbtcoord.TemplateRequest{
				RequestID: r.ID,
				Outputs: []*wire.TxOut{{
					Value:    int64(sel.Amount),
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

	default:
		return err
	}

	signed, err := m.collectSignatures(ctx, j, w, template)
	if err != nil {
		return err
	}

	tx, err := m.cfg.Coordinator.Finalize(ctx, r.ID, signed)
	if err != nil {
		return err
	}

	txid := tx.TxHash()
	r.Lock()
	r.TxID = &txid
	r.Unlock()

	if err := j.fsm.Transition(ctx, OnPublished); err != nil {
		return err
	}

	j.Infof("Broadcasting withdrawal %v", txid)

	return m.cfg.Indexer.Broadcast(ctx, tx)
}

// rebroadcast publishes the finalized transaction of a withdrawal again.
func (m *Manager) rebroadcast(ctx context.Context, j *job) error {
	packet, err := m.cfg.Coordinator.FinalizedPacket(ctx, j.request.ID)
	if err != nil {
		return err
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return err
	}

	j.Infof("Rebroadcasting withdrawal %v", tx.TxHash())

	return m.cfg.Indexer.Broadcast(ctx, tx)
}
