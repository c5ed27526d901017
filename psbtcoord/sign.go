package psbtcoord

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
)

var (
	// ErrColdWallet is returned when asking the internal signer to sign
	// for a wallet it holds no key of.
	ErrColdWallet = errors.New("internal signing requires a hot wallet")

	// ErrNoSigner is returned when a hot wallet request needs the internal
	// signature but no internal signer is configured.
	ErrNoSigner = errors.New("no internal signer configured")

	// ErrHumanSigCount is returned when the number of co-signer PSBTs is
	// not exactly one less than the wallet's threshold.
	ErrHumanSigCount = errors.New("unexpected number of co-signer psbts")

	// ErrSigCountNotIncreased is returned when the internal signing pass
	// didn't add a signature to every input it owns a key of.
	ErrSigCountNotIncreased = errors.New("invalid number of partial " +
		"signatures")
)

// InternalSigHashType is the sighash type of the internal signer's
// signatures. The co-signers' SIGHASH_ALL signatures commit to the outputs.
const InternalSigHashType = txscript.SigHashNone

// Signer adds the internal wallet's signatures to a packet.
type Signer interface {
	// SignPsbt signs all inputs the signer holds a key of and returns
	// the indexes of the signed inputs.
	SignPsbt(ctx context.Context, packet *psbt.Packet) ([]int, error)
}

// LocalSigner signs with the in-memory internal master seed.
type LocalSigner struct {
	signer *wallet.InternalSigner
}

// NewLocalSigner creates a signer backed by the internal master seed.
func NewLocalSigner(signer *wallet.InternalSigner) *LocalSigner {
	return &LocalSigner{
		signer: signer,
	}
}

// SignPsbt signs every input carrying a derivation of the internal seed.
func (s *LocalSigner) SignPsbt(_ context.Context,
	packet *psbt.Packet) ([]int, error) {

	hasher, err := newSigHasher(packet)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	var signed []int
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		for _, d := range pIn.Bip32Derivation {
			privKey, err := s.signer.PrivKey(d)
			if errors.Is(err, wallet.ErrForeignKey) {
				continue
			}
			if err != nil {
				return nil, err
			}

			sig, err := hasher.sign(i, InternalSigHashType, privKey)
			if err != nil {
				return nil, err
			}

			_, err = updater.Sign(
				i, sig, d.PubKey, pIn.RedeemScript,
				pIn.WitnessScript,
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			signed = append(signed, i)
		}
	}

	return signed, nil
}

// RemoteSigner delegates signing to an lnd remote signer wallet holding the
// internal seed.
type RemoteSigner struct {
	client walletrpc.WalletKitClient
}

// NewRemoteSigner creates a signer backed by an lnd wallet kit.
func NewRemoteSigner(client walletrpc.WalletKitClient) *RemoteSigner {
	return &RemoteSigner{
		client: client,
	}
}

// SignPsbt asks the remote wallet to sign the packet and copies the new
// signatures back.
func (s *RemoteSigner) SignPsbt(ctx context.Context,
	packet *psbt.Packet) ([]int, error) {

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	resp, err := s.client.SignPsbt(ctx, &walletrpc.SignPsbtRequest{
		FundedPsbt: buf.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	signedPacket, err := psbt.NewFromRawBytes(
		bytes.NewReader(resp.SignedPsbt), false,
	)
	if err != nil {
		return nil, err
	}

	if err := checkSameTx(packet, signedPacket); err != nil {
		return nil, err
	}
	if err := mergeInto(packet, signedPacket); err != nil {
		return nil, err
	}

	signed := make([]int, len(resp.SignedInputs))
	for i, idx := range resp.SignedInputs {
		signed[i] = int(idx)
	}

	return signed, nil
}

// SignInternal adds the internal signer's signature to a combined packet.
// The internal signer always signs last: exactly m-1 co-signer PSBTs must
// have been submitted, and the signature count must increase on every
// input the signer holds a key of. If fundingTx is set, the packet must
// spend exactly that transaction.
func (c *Coordinator) SignInternal(ctx context.Context, requestID string,
	combined *psbt.Packet, w *wallet.Wallet,
	fundingTx *wire.MsgTx) (*psbt.Packet, error) {

	if !w.IsHot {
		return nil, ErrColdWallet
	}
	if c.cfg.Signer == nil {
		return nil, ErrNoSigner
	}

	internalKey, err := w.InternalKey()
	if err != nil {
		return nil, err
	}

	humans, err := c.HumanSigCount(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if humans != w.HumanSigsRequired() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrHumanSigCount,
			humans, w.HumanSigsRequired())
	}

	if fundingTx != nil && fundingTx.TxHash() !=
		combined.UnsignedTx.TxHash() {

		return nil, fmt.Errorf("%w: packet does not spend funding "+
			"tx %v", ErrPsbtMismatch, fundingTx.TxHash())
	}

	packet, err := copyPacket(combined)
	if err != nil {
		return nil, err
	}

	// The inputs the internal key is expected to sign.
	var (
		owned  = make(map[int]int)
		before = partialSigCount(packet)
		fp     = internalKey.MasterFingerprint.Uint32()
	)
	for i, pIn := range packet.Inputs {
		for _, d := range pIn.Bip32Derivation {
			if d.MasterKeyFingerprint == fp {
				owned[i] = len(pIn.PartialSigs)
			}
		}

		packet.Inputs[i].SighashType = InternalSigHashType
	}

	signed, err := c.cfg.Signer.SignPsbt(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("internal signing failed: %w", err)
	}

	after := partialSigCount(packet)
	if after <= before {
		return nil, fmt.Errorf("%w: %d before, %d after signing",
			ErrSigCountNotIncreased, before, after)
	}
	for i, count := range owned {
		if len(packet.Inputs[i].PartialSigs) <= count {
			return nil, fmt.Errorf("%w: input %d not signed",
				ErrSigCountNotIncreased, i)
		}
	}

	err = c.cfg.Store.AddRecord(ctx, &Record{
		RequestID:  requestID,
		Packet:     packet,
		IsInternal: true,
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[req %v] Internal signer signed %d inputs, %d signatures "+
		"total", requestID, len(signed), after)

	return packet, nil
}
