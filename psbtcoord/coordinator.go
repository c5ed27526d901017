package psbtcoord

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

var (
	// ErrNotSynced is returned when the indexer is still catching up with
	// the chain.
	ErrNotSynced = errors.New("indexer not synced")

	// ErrNoTemplate is returned when a request has no template yet.
	ErrNoTemplate = errors.New("request has no template psbt")

	// ErrPsbtMismatch is returned when a packet doesn't spend the same
	// transaction as the request's template.
	ErrPsbtMismatch = errors.New("psbt does not match template")

	// ErrNoHumanPSBTs is returned when combining a request without any
	// co-signer PSBTs.
	ErrNoHumanPSBTs = errors.New("no signed psbts to combine")

	// ErrNoSignatures is returned for submitted packets without partial
	// signatures.
	ErrNoSignatures = errors.New("psbt carries no signatures")

	// ErrInvalidSignature is returned for partial signatures that don't
	// verify.
	ErrInvalidSignature = errors.New("invalid partial signature")

	// ErrSigHashType is returned for co-signer signatures that don't
	// commit to all inputs and outputs. The internal key signs with
	// SIGHASH_NONE, so the co-signers' SIGHASH_ALL is what fixes the
	// outputs.
	ErrSigHashType = fmt.Errorf("%w: co-signers must sign with "+
		"SIGHASH_ALL", ErrInvalidSignature)

	// ErrInsufficientInputs is returned when the inputs don't cover the
	// outputs and the fee.
	ErrInsufficientInputs = errors.New("inputs don't cover outputs and " +
		"fee")

	// ErrScriptMismatch is returned when a utxo's script doesn't match
	// the script derived at its key path.
	ErrScriptMismatch = errors.New("utxo script does not match wallet")
)

// Indexer is the chain backend the coordinator builds templates from.
type Indexer interface {
	// GetSyncStatus reports whether the indexer is at the chain tip.
	GetSyncStatus(ctx context.Context) (bool, error)

	// GetUnusedAddress returns the first unused address of a wallet on
	// a branch, reserving its index if requested.
	GetUnusedAddress(ctx context.Context, descriptor string,
		branch uint32, reserve bool) (*wallet.DerivedScript, error)

	// GetTransaction returns a confirmed transaction.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*wire.MsgTx, error)
}

// Config holds the coordinator's collaborators.
type Config struct {
	Indexer Indexer

	Store Store

	// Signer adds the internal wallet's signatures.
	Signer Signer

	ChainParams *chaincfg.Params
}

// Coordinator drives the PSBT ceremony of requests: template, co-signer
// submissions, internal signature and finalization. Every artifact is
// persisted before it is returned.
type Coordinator struct {
	cfg *Config
}

// NewCoordinator creates a new coordinator.
func NewCoordinator(cfg *Config) *Coordinator {
	return &Coordinator{
		cfg: cfg,
	}
}

// TemplateRequest describes the outputs of a template.
type TemplateRequest struct {
	RequestID string

	// Outputs are the request outputs, e.g. a withdrawal or a channel
	// funding output.
	Outputs []*wire.TxOut

	FeeRate chainfee.SatPerKWeight

	// Changeless templates never get a change output.
	Changeless bool
}

// BuildTemplate creates the unsigned template of a request spending the
// selected utxos.
func (c *Coordinator) BuildTemplate(ctx context.Context, req *TemplateRequest,
	w *wallet.Wallet, sel *coinselect.Selection) (*psbt.Packet, error) {

	synced, err := c.cfg.Indexer.GetSyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	if !synced {
		return nil, ErrNotSynced
	}

	template, err := wallet.DeriveStrategy(w, c.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	desc, err := template.Descriptor(wallet.BranchReceive)
	if err != nil {
		return nil, err
	}

	feeRate := req.FeeRate
	if feeRate == 0 {
		feeRate = chainfee.FeePerKwFloor
	}

	tx := wire.NewMsgTx(2)
	scripts := make(map[wire.OutPoint]*wallet.DerivedScript, len(sel.UTXOs))
	utxos := make(map[wire.OutPoint]*coinselect.UTXO, len(sel.UTXOs))

	var totalIn btcutil.Amount
	for _, u := range sel.UTXOs {
		script, err := template.Derive(u.Branch, u.Index)
		if err != nil {
			return nil, err
		}

		if !bytes.Equal(script.PkScript, u.PkScript) {
			return nil, fmt.Errorf("%w: %v at %d/%d",
				ErrScriptMismatch, u.OutPoint, u.Branch,
				u.Index)
		}

		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		scripts[op] = script
		utxos[op] = u
		totalIn += u.Value
	}

	var (
		totalOut  btcutil.Amount
		pkScripts [][]byte
	)
	for _, out := range req.Outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
		totalOut += btcutil.Amount(out.Value)
		pkScripts = append(pkScripts, out.PkScript)
	}

	// The change is recomputed from the actual inputs and outputs rather
	// than taken from the selection.
	var change *wallet.DerivedScript
	if !req.Changeless {
		estimate, err := template.Derive(wallet.BranchChange, 0)
		if err != nil {
			return nil, err
		}

		fee, err := coinselect.EstimateFee(
			template, len(tx.TxIn),
			append(pkScripts, estimate.PkScript), feeRate,
		)
		if err != nil {
			return nil, err
		}

		changeValue := totalIn - totalOut - fee
		if changeValue >= coinselect.DustLimit(estimate.PkScript) {
			change, err = c.cfg.Indexer.GetUnusedAddress(
				ctx, desc, wallet.BranchChange, true,
			)
			if err != nil {
				return nil, fmt.Errorf("unable to get change "+
					"address: %w", err)
			}

			tx.AddTxOut(wire.NewTxOut(
				int64(changeValue), change.PkScript,
			))
			totalOut += changeValue
		}
	}

	fee, err := coinselect.EstimateFee(
		template, len(tx.TxIn), txOutScripts(tx), feeRate,
	)
	if err != nil {
		return nil, err
	}
	if totalIn < totalOut+fee {
		return nil, fmt.Errorf("%w: in=%v out=%v fee=%v",
			ErrInsufficientInputs, totalIn, totalOut, fee)
	}

	txsort.InPlaceSort(tx)

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	if err := c.annotateInputs(ctx, packet, scripts, utxos); err != nil {
		return nil, err
	}

	if change != nil {
		annotateChange(packet, change)
	}

	err = c.cfg.Store.AddRecord(ctx, &Record{
		RequestID:  req.RequestID,
		Packet:     packet,
		IsTemplate: true,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[req %v] Built template %v with %d inputs, %d outputs, "+
		"fee %v", req.RequestID, tx.TxHash(), len(tx.TxIn),
		len(tx.TxOut), totalIn-totalOut)

	return packet, nil
}

func txOutScripts(tx *wire.MsgTx) [][]byte {
	scripts := make([][]byte, len(tx.TxOut))
	for i, out := range tx.TxOut {
		scripts[i] = out.PkScript
	}

	return scripts
}

// annotateInputs attaches the previous outputs, scripts and key origins
// signers need to every input.
func (c *Coordinator) annotateInputs(ctx context.Context, packet *psbt.Packet,
	scripts map[wire.OutPoint]*wallet.DerivedScript,
	utxos map[wire.OutPoint]*coinselect.UTXO) error {

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return err
	}

	for i, txIn := range packet.UnsignedTx.TxIn {
		op := txIn.PreviousOutPoint
		script := scripts[op]
		u := utxos[op]

		// Legacy spends commit to the full previous transaction.
		if script.WitnessScript == nil &&
			!isWitnessRedeem(script.RedeemScript) &&
			!isWitness(u.PkScript) {

			prevTx, err := c.cfg.Indexer.GetTransaction(ctx, op.Hash)
			if err != nil {
				return fmt.Errorf("unable to fetch %v: %w",
					op.Hash, err)
			}

			err = updater.AddInNonWitnessUtxo(prevTx, i)
			if err != nil {
				return err
			}
		} else {
			err := updater.AddInWitnessUtxo(
				wire.NewTxOut(int64(u.Value), u.PkScript), i,
			)
			if err != nil {
				return err
			}
		}

		if script.WitnessScript != nil {
			err := updater.AddInWitnessScript(script.WitnessScript, i)
			if err != nil {
				return err
			}
		}

		if script.RedeemScript != nil {
			err := updater.AddInRedeemScript(script.RedeemScript, i)
			if err != nil {
				return err
			}
		}

		for _, d := range script.Derivations {
			err := updater.AddInBip32Derivation(
				d.MasterKeyFingerprint, d.Bip32Path, d.PubKey,
				i,
			)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// annotateChange marks the change output so signers can recognize it.
func annotateChange(packet *psbt.Packet, change *wallet.DerivedScript) {
	for i, out := range packet.UnsignedTx.TxOut {
		if !bytes.Equal(out.PkScript, change.PkScript) {
			continue
		}

		pOut := &packet.Outputs[i]
		pOut.RedeemScript = change.RedeemScript
		pOut.WitnessScript = change.WitnessScript
		for _, d := range change.Derivations {
			pOut.Bip32Derivation = append(
				pOut.Bip32Derivation, &psbt.Bip32Derivation{
					PubKey:               d.PubKey,
					MasterKeyFingerprint: d.MasterKeyFingerprint,
					Bip32Path:            d.Bip32Path,
				},
			)
		}
	}
}

// template returns the latest template record of a request.
func (c *Coordinator) template(ctx context.Context,
	requestID string) (*Record, []*Record, error) {

	records, err := c.cfg.Store.Records(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	var template *Record
	for _, r := range records {
		if r.IsTemplate {
			template = r
		}
	}
	if template == nil {
		return nil, nil, ErrNoTemplate
	}

	return template, records, nil
}

// Template returns the template of a request.
func (c *Coordinator) Template(ctx context.Context,
	requestID string) (*psbt.Packet, error) {

	template, _, err := c.template(ctx, requestID)
	if err != nil {
		return nil, err
	}

	return template.Packet, nil
}

// Records returns all records of a request.
func (c *Coordinator) Records(ctx context.Context,
	requestID string) ([]*Record, error) {

	return c.cfg.Store.Records(ctx, requestID)
}

// HumanSigCount returns the number of co-signer PSBTs submitted for a
// request since its latest template.
func (c *Coordinator) HumanSigCount(ctx context.Context,
	requestID string) (int, error) {

	template, records, err := c.template(ctx, requestID)
	if err != nil {
		return 0, err
	}

	return len(humanRecords(template, records)), nil
}

// humanRecords returns the co-signer records submitted after the template.
func humanRecords(template *Record, records []*Record) []*Record {
	var humans []*Record
	for _, r := range records {
		if r.ID > template.ID && r.IsHuman() {
			humans = append(humans, r)
		}
	}

	return humans
}
