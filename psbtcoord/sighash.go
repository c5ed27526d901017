package psbtcoord

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func isWitness(pkScript []byte) bool {
	return txscript.IsWitnessProgram(pkScript)
}

func isWitnessRedeem(redeemScript []byte) bool {
	return redeemScript != nil && txscript.IsWitnessProgram(redeemScript)
}

// prevOutput returns the output spent by an input.
func prevOutput(packet *psbt.Packet, idx int) (*wire.TxOut, error) {
	pIn := packet.Inputs[idx]
	if pIn.WitnessUtxo != nil {
		return pIn.WitnessUtxo, nil
	}

	if pIn.NonWitnessUtxo != nil {
		op := packet.UnsignedTx.TxIn[idx].PreviousOutPoint
		if pIn.NonWitnessUtxo.TxHash() != op.Hash ||
			int(op.Index) >= len(pIn.NonWitnessUtxo.TxOut) {

			return nil, fmt.Errorf("input %d: previous transaction "+
				"does not match outpoint %v", idx, op)
		}

		return pIn.NonWitnessUtxo.TxOut[op.Index], nil
	}

	return nil, fmt.Errorf("input %d has no utxo information", idx)
}

// prevOutFetcher returns a fetcher over all previous outputs of a packet.
func prevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher,
	error) {

	fetcher := txscript.NewMultiPrevOutFetcher(
		make(map[wire.OutPoint]*wire.TxOut),
	)
	for i, txIn := range packet.UnsignedTx.TxIn {
		prevOut, err := prevOutput(packet, i)
		if err != nil {
			return nil, err
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}

	return fetcher, nil
}

// signingScript returns the script an input's signatures commit to and
// whether the input is a segwit spend.
func signingScript(pIn *psbt.PInput, prevOut *wire.TxOut) ([]byte, bool) {
	switch {
	case pIn.WitnessScript != nil:
		return pIn.WitnessScript, true

	case isWitnessRedeem(pIn.RedeemScript):
		return pIn.RedeemScript, true

	case pIn.RedeemScript != nil:
		return pIn.RedeemScript, false

	default:
		return prevOut.PkScript, isWitness(prevOut.PkScript)
	}
}

// sigHasher computes the signature hashes of a packet's inputs.
type sigHasher struct {
	packet    *psbt.Packet
	sigHashes *txscript.TxSigHashes
}

func newSigHasher(packet *psbt.Packet) (*sigHasher, error) {
	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return nil, err
	}

	return &sigHasher{
		packet:    packet,
		sigHashes: txscript.NewTxSigHashes(packet.UnsignedTx, fetcher),
	}, nil
}

// hash returns the digest a signature of the given type on an input signs.
func (h *sigHasher) hash(idx int, hashType txscript.SigHashType) ([]byte,
	error) {

	prevOut, err := prevOutput(h.packet, idx)
	if err != nil {
		return nil, err
	}

	script, witness := signingScript(&h.packet.Inputs[idx], prevOut)
	if witness {
		return txscript.CalcWitnessSigHash(
			script, h.sigHashes, hashType, h.packet.UnsignedTx,
			idx, prevOut.Value,
		)
	}

	return txscript.CalcSignatureHash(
		script, hashType, h.packet.UnsignedTx, idx,
	)
}

// sign creates a signature with sighash flag on an input.
func (h *sigHasher) sign(idx int, hashType txscript.SigHashType,
	privKey *btcec.PrivateKey) ([]byte, error) {

	digest, err := h.hash(idx, hashType)
	if err != nil {
		return nil, err
	}

	sig := ecdsa.Sign(privKey, digest)

	return append(sig.Serialize(), byte(hashType)), nil
}

// verify checks a partial signature of an input.
func (h *sigHasher) verify(idx int, partial *psbt.PartialSig) error {
	if len(partial.Signature) < 2 {
		return fmt.Errorf("%w: input %d: signature too short",
			ErrInvalidSignature, idx)
	}

	sigLen := len(partial.Signature) - 1
	hashType := txscript.SigHashType(partial.Signature[sigLen])

	sig, err := ecdsa.ParseDERSignature(partial.Signature[:sigLen])
	if err != nil {
		return fmt.Errorf("%w: input %d: %v", ErrInvalidSignature, idx,
			err)
	}

	pubKey, err := btcec.ParsePubKey(partial.PubKey)
	if err != nil {
		return fmt.Errorf("%w: input %d: %v", ErrInvalidSignature, idx,
			err)
	}

	digest, err := h.hash(idx, hashType)
	if err != nil {
		return err
	}

	if !sig.Verify(digest, pubKey) {
		return fmt.Errorf("%w: input %d key %x", ErrInvalidSignature,
			idx, partial.PubKey)
	}

	return nil
}

// partialSigCount returns the number of partial signatures of a packet.
func partialSigCount(packet *psbt.Packet) int {
	var count int
	for _, pIn := range packet.Inputs {
		count += len(pIn.PartialSigs)
	}

	return count
}
