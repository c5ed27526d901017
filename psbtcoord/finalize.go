package psbtcoord

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrSanityCheck is returned when the finalized transaction fails
	// validation.
	ErrSanityCheck = errors.New("transaction failed sanity check")

	// ErrNotFinalizable is returned when an input lacks signatures.
	ErrNotFinalizable = errors.New("psbt input not finalizable")

	// ErrNotFinalized is returned when a request has no finalized packet.
	ErrNotFinalized = errors.New("request has no finalized psbt")
)

// Finalize builds the final scripts of every input, extracts the
// transaction and validates it. The finalized packet is persisted.
//
// Signatures of the same input may carry different sighash flags, which
// the stock psbt finalizer refuses, so inputs are finalized here.
func (c *Coordinator) Finalize(ctx context.Context, requestID string,
	signed *psbt.Packet) (*wire.MsgTx, error) {

	packet, err := copyPacket(signed)
	if err != nil {
		return nil, err
	}

	if err := FinalizePacket(packet); err != nil {
		return nil, err
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, err
	}

	if err := VerifyTx(tx, signed); err != nil {
		return nil, err
	}

	err = c.cfg.Store.AddRecord(ctx, &Record{
		RequestID:   requestID,
		Packet:      packet,
		IsFinalized: true,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[req %v] Finalized transaction %v", requestID, tx.TxHash())

	return tx, nil
}

// FinalizedPacket returns the latest finalized packet of a request.
func (c *Coordinator) FinalizedPacket(ctx context.Context,
	requestID string) (*psbt.Packet, error) {

	records, err := c.cfg.Store.Records(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var finalized *Record
	for _, r := range records {
		if r.IsFinalized {
			finalized = r
		}
	}
	if finalized == nil {
		return nil, fmt.Errorf("request %v: %w", requestID,
			ErrNotFinalized)
	}

	return finalized.Packet, nil
}

// FinalizePacket sets the final script sig and witness of all inputs that
// aren't finalized yet.
func FinalizePacket(packet *psbt.Packet) error {
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		if pIn.FinalScriptSig != nil || pIn.FinalScriptWitness != nil {
			continue
		}

		if err := finalizeInput(packet, i); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

func finalizeInput(packet *psbt.Packet, idx int) error {
	pIn := &packet.Inputs[idx]
	if len(pIn.PartialSigs) == 0 {
		return ErrNotFinalizable
	}

	prevOut, err := prevOutput(packet, idx)
	if err != nil {
		return err
	}

	var (
		sigScript []byte
		witness   wire.TxWitness
	)
	switch {
	// P2WSH multisig.
	case pIn.WitnessScript != nil:
		sigs, err := orderedSigs(pIn.WitnessScript, pIn.PartialSigs)
		if err != nil {
			return err
		}

		witness = append(wire.TxWitness{nil}, sigs...)
		witness = append(witness, pIn.WitnessScript)

	// P2SH-P2WPKH.
	case isWitnessRedeem(pIn.RedeemScript):
		sig := pIn.PartialSigs[0]
		witness = wire.TxWitness{sig.Signature, sig.PubKey}

		sigScript, err = txscript.NewScriptBuilder().
			AddData(pIn.RedeemScript).Script()
		if err != nil {
			return err
		}

	// P2SH multisig.
	case pIn.RedeemScript != nil:
		sigs, err := orderedSigs(pIn.RedeemScript, pIn.PartialSigs)
		if err != nil {
			return err
		}

		builder := txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE)
		for _, sig := range sigs {
			builder.AddData(sig)
		}
		sigScript, err = builder.AddData(pIn.RedeemScript).Script()
		if err != nil {
			return err
		}

	// P2WPKH.
	case isWitness(prevOut.PkScript):
		sig := pIn.PartialSigs[0]
		witness = wire.TxWitness{sig.Signature, sig.PubKey}

	// P2PKH.
	default:
		sig := pIn.PartialSigs[0]
		sigScript, err = txscript.NewScriptBuilder().
			AddData(sig.Signature).AddData(sig.PubKey).Script()
		if err != nil {
			return err
		}
	}

	final := psbt.PInput{
		NonWitnessUtxo: pIn.NonWitnessUtxo,
		WitnessUtxo:    pIn.WitnessUtxo,
		FinalScriptSig: sigScript,
	}
	if witness != nil {
		var buf bytes.Buffer
		if err := psbt.WriteTxWitness(&buf, witness); err != nil {
			return err
		}
		final.FinalScriptWitness = buf.Bytes()
	}
	*pIn = final

	return nil
}

// orderedSigs returns the signatures of a CHECKMULTISIG script in key
// order, limited to the script's threshold.
func orderedSigs(script []byte, partials []*psbt.PartialSig) ([][]byte,
	error) {

	var (
		threshold = -1
		keys      [][]byte
	)
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		switch {
		case threshold == -1 && op >= txscript.OP_1 &&
			op <= txscript.OP_16:

			threshold = int(op-txscript.OP_1) + 1

		case len(tokenizer.Data()) == 33:
			keys = append(keys, tokenizer.Data())
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, err
	}
	if threshold < 1 || len(keys) == 0 {
		return nil, fmt.Errorf("%w: not a multisig script",
			ErrNotFinalizable)
	}

	sigs := make([][]byte, 0, threshold)
	for _, key := range keys {
		for _, partial := range partials {
			if bytes.Equal(partial.PubKey, key) {
				sigs = append(sigs, partial.Signature)
				break
			}
		}

		if len(sigs) == threshold {
			return sigs, nil
		}
	}

	return nil, fmt.Errorf("%w: have %d of %d signatures",
		ErrNotFinalizable, len(sigs), threshold)
}

// VerifyTx runs the script engine on every input of a finalized
// transaction and performs context free consensus checks.
func VerifyTx(tx *wire.MsgTx, packet *psbt.Packet) error {
	err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSanityCheck, err)
	}

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		engine, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return err
		}

		if err := engine.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %v", ErrSanityCheck, i,
				err)
		}
	}

	return nil
}
