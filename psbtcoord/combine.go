package psbtcoord

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// copyPacket returns a deep copy of a packet.
func copyPacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	return psbt.NewFromRawBytes(&buf, false)
}

// DecodePacket parses a base64 or raw PSBT.
func DecodePacket(encoded string) (*psbt.Packet, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "psbt\xff") {
		return psbt.NewFromRawBytes(strings.NewReader(encoded), false)
	}

	return psbt.NewFromRawBytes(strings.NewReader(encoded), true)
}

// SubmitSigned records a co-signer's packet. The packet must spend the
// request's template and every partial signature must verify.
func (c *Coordinator) SubmitSigned(ctx context.Context, requestID,
	encoded string) (*Record, error) {

	packet, err := DecodePacket(encoded)
	if err != nil {
		return nil, fmt.Errorf("unable to decode psbt: %w", err)
	}

	template, _, err := c.template(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if err := checkSameTx(template.Packet, packet); err != nil {
		return nil, err
	}

	if partialSigCount(packet) == 0 {
		return nil, ErrNoSignatures
	}

	if err := checkSigHashAll(packet); err != nil {
		return nil, err
	}

	// Signers may strip the utxo information, so signatures are checked
	// against the template's.
	merged, err := copyPacket(template.Packet)
	if err != nil {
		return nil, err
	}
	if err := mergeInto(merged, packet); err != nil {
		return nil, err
	}

	hasher, err := newSigHasher(merged)
	if err != nil {
		return nil, err
	}
	for i, pIn := range merged.Inputs {
		known := template.Packet.Inputs[i].Bip32Derivation
		for _, sig := range pIn.PartialSigs {
			if !hasDerivation(known, sig.PubKey) {
				return nil, fmt.Errorf("%w: input %d: key %x is "+
					"not a wallet key", ErrInvalidSignature, i,
					sig.PubKey)
			}

			if err := hasher.verify(i, sig); err != nil {
				return nil, err
			}
		}
	}

	record := &Record{
		RequestID: requestID,
		Packet:    packet,
	}
	if err := c.cfg.Store.AddRecord(ctx, record); err != nil {
		return nil, err
	}

	log.Infof("[req %v] Accepted co-signer psbt with %d signatures",
		requestID, partialSigCount(packet))

	return record, nil
}

// checkSigHashAll makes sure a co-signer packet only carries SIGHASH_ALL
// signatures.
func checkSigHashAll(packet *psbt.Packet) error {
	for i, pIn := range packet.Inputs {
		if pIn.SighashType != 0 && pIn.SighashType != txscript.SigHashAll {
			return fmt.Errorf("%w: input %d requests %v",
				ErrSigHashType, i, pIn.SighashType)
		}

		for _, sig := range pIn.PartialSigs {
			if len(sig.Signature) == 0 {
				return fmt.Errorf("%w: input %d: empty signature",
					ErrInvalidSignature, i)
			}

			hashType := txscript.SigHashType(
				sig.Signature[len(sig.Signature)-1],
			)
			if hashType != txscript.SigHashAll {
				return fmt.Errorf("%w: input %d key %x signed "+
					"with %v", ErrSigHashType, i, sig.PubKey,
					hashType)
			}
		}
	}

	return nil
}

// Combine merges the partial signatures of all co-signer packets of a
// request into its template.
func (c *Coordinator) Combine(ctx context.Context,
	requestID string) (*psbt.Packet, error) {

	template, records, err := c.template(ctx, requestID)
	if err != nil {
		return nil, err
	}

	humans := humanRecords(template, records)
	if len(humans) == 0 {
		return nil, ErrNoHumanPSBTs
	}

	combined, err := copyPacket(template.Packet)
	if err != nil {
		return nil, err
	}

	for _, r := range humans {
		if err := checkSameTx(combined, r.Packet); err != nil {
			return nil, err
		}

		if err := mergeInto(combined, r.Packet); err != nil {
			return nil, err
		}
	}

	log.Debugf("[req %v] Combined %d psbts into %d signatures",
		requestID, len(humans), partialSigCount(combined))

	return combined, nil
}

func checkSameTx(template, packet *psbt.Packet) error {
	want, got := template.UnsignedTx.TxHash(), packet.UnsignedTx.TxHash()
	if want != got {
		return fmt.Errorf("%w: expected tx %v, got %v", ErrPsbtMismatch,
			want, got)
	}

	return nil
}

// mergeInto adds the signatures and key origins of src to dst. Entries are
// deduplicated by public key.
func mergeInto(dst, src *psbt.Packet) error {
	if len(dst.Inputs) != len(src.Inputs) {
		return fmt.Errorf("%w: input count", ErrPsbtMismatch)
	}

	for i := range src.Inputs {
		d, s := &dst.Inputs[i], &src.Inputs[i]

		for _, sig := range s.PartialSigs {
			if !hasPartialSig(d.PartialSigs, sig.PubKey) {
				d.PartialSigs = append(d.PartialSigs, sig)
			}
		}

		for _, deriv := range s.Bip32Derivation {
			if !hasDerivation(d.Bip32Derivation, deriv.PubKey) {
				d.Bip32Derivation = append(
					d.Bip32Derivation, deriv,
				)
			}
		}

		if d.WitnessUtxo == nil {
			d.WitnessUtxo = s.WitnessUtxo
		}
		if d.NonWitnessUtxo == nil {
			d.NonWitnessUtxo = s.NonWitnessUtxo
		}
		if d.WitnessScript == nil {
			d.WitnessScript = s.WitnessScript
		}
		if d.RedeemScript == nil {
			d.RedeemScript = s.RedeemScript
		}
	}

	return nil
}

func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

func hasDerivation(derivations []*psbt.Bip32Derivation, pubKey []byte) bool {
	for _, d := range derivations {
		if bytes.Equal(d.PubKey, pubKey) {
			return true
		}
	}

	return false
}
