package psbtcoord

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/coinselect"
	"github.com/chanvault/chanvault/wallet"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

type mockIndexer struct {
	Indexer

	synced bool
	next   uint32
}

func (m *mockIndexer) GetSyncStatus(context.Context) (bool, error) {
	return m.synced, nil
}

func (m *mockIndexer) GetUnusedAddress(_ context.Context, desc string,
	branch uint32, reserve bool) (*wallet.DerivedScript, error) {

	template, err := wallet.ParseOutputDescriptor(desc, testParams)
	if err != nil {
		return nil, err
	}

	script, err := template.Derive(branch, m.next)
	if err != nil {
		return nil, err
	}
	if reserve {
		m.next++
	}

	return script, nil
}

type mockStore struct {
	mu      sync.Mutex
	records []*Record
}

func (m *mockStore) AddRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	packet, err := copyPacket(r.Packet)
	if err != nil {
		return err
	}

	r.ID = int32(len(m.records) + 1)
	stored := *r
	stored.Packet = packet
	m.records = append(m.records, &stored)

	return nil
}

func (m *mockStore) Records(_ context.Context,
	requestID string) ([]*Record, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*Record
	for _, r := range m.records {
		if r.RequestID == requestID {
			records = append(records, r)
		}
	}

	return records, nil
}

func (m *mockStore) count(template, internal, finalized bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, r := range m.records {
		if r.IsTemplate == template && r.IsInternal == internal &&
			r.IsFinalized == finalized {

			n++
		}
	}

	return n
}

func newSigner(t *testing.T, seed byte) *wallet.InternalSigner {
	t.Helper()

	signer, err := wallet.NewInternalSigner(
		bytes.Repeat([]byte{seed}, 32), testParams,
	)
	require.NoError(t, err)

	return signer
}

func accountKey(t *testing.T, signer *wallet.InternalSigner,
	multisig, internal bool) wallet.Key {

	t.Helper()

	key, err := signer.AccountKey(
		wallet.AddressTypeNativeSegwit, multisig, 0,
	)
	require.NoError(t, err)
	key.Internal = internal

	return *key
}

type harness struct {
	t        *testing.T
	store    *mockStore
	indexer  *mockIndexer
	coord    *Coordinator
	internal *wallet.InternalSigner
	humans   []*wallet.InternalSigner
	wallet   *wallet.Wallet
	template *wallet.ScriptTemplate
}

// newHarness creates a hot m-of-n native segwit wallet whose first key is
// held by the internal signer.
func newHarness(t *testing.T, m, n int) *harness {
	internal := newSigner(t, 1)

	w := &wallet.Wallet{
		ID:           1,
		Name:         "hot",
		RequiredSigs: m,
		AddressType:  wallet.AddressTypeNativeSegwit,
		IsHot:        true,
		Keys: []wallet.Key{
			accountKey(t, internal, n > 1, true),
		},
	}

	var humans []*wallet.InternalSigner
	for i := 1; i < n; i++ {
		human := newSigner(t, byte(i+1))
		humans = append(humans, human)
		w.Keys = append(w.Keys, accountKey(t, human, true, false))
	}

	template, err := wallet.DeriveStrategy(w, testParams)
	require.NoError(t, err)

	store := &mockStore{}
	indexer := &mockIndexer{synced: true}

	return &harness{
		t:        t,
		store:    store,
		indexer:  indexer,
		internal: internal,
		humans:   humans,
		wallet:   w,
		template: template,
		coord: NewCoordinator(&Config{
			Indexer:     indexer,
			Store:       store,
			Signer:      NewLocalSigner(internal),
			ChainParams: testParams,
		}),
	}
}

func (h *harness) selection(values ...btcutil.Amount) *coinselect.Selection {
	sel := &coinselect.Selection{}
	for i, v := range values {
		script, err := h.template.Derive(wallet.BranchReceive, uint32(i))
		require.NoError(h.t, err)

		sel.UTXOs = append(sel.UTXOs, &coinselect.UTXO{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i + 1)},
				Index: uint32(i),
			},
			Value:         v,
			PkScript:      script.PkScript,
			Branch:        wallet.BranchReceive,
			Index:         uint32(i),
			Confirmations: 3,
		})
		sel.Total += v
	}

	return sel
}

func destination(t *testing.T, value int64) *wire.TxOut {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{0xaa}, 20), testParams,
	)
	require.NoError(t, err)

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return wire.NewTxOut(value, pkScript)
}

// humanSign signs every input the signer owns a key of with SIGHASH_ALL and
// returns the packet in base64.
func humanSign(t *testing.T, packet *psbt.Packet,
	signer *wallet.InternalSigner) string {

	t.Helper()

	return humanSignWith(t, packet, signer, txscript.SigHashAll)
}

// humanSignWith signs every input the signer holds a key of with the given
// sighash type.
func humanSignWith(t *testing.T, packet *psbt.Packet,
	signer *wallet.InternalSigner, hashType txscript.SigHashType) string {

	t.Helper()

	packet, err := copyPacket(packet)
	require.NoError(t, err)

	hasher, err := newSigHasher(packet)
	require.NoError(t, err)

	updater, err := psbt.NewUpdater(packet)
	require.NoError(t, err)

	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		for _, d := range pIn.Bip32Derivation {
			privKey, err := signer.PrivKey(d)
			if err != nil {
				continue
			}

			sig, err := hasher.sign(i, hashType, privKey)
			require.NoError(t, err)

			_, err = updater.Sign(
				i, sig, d.PubKey, nil, pIn.WitnessScript,
			)
			require.NoError(t, err)
		}
	}

	b64, err := packet.B64Encode()
	require.NoError(t, err)

	return b64
}

// TestTwoOfThreeCeremony runs the full ceremony of a 2-of-3 hot wallet:
// one co-signer signs with SIGHASH_ALL, then the internal signer adds the
// second signature.
func TestTwoOfThreeCeremony(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 3)

	packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
		RequestID: "req",
		Outputs:   []*wire.TxOut{destination(t, 10_000_000)},
	}, h.wallet, h.selection(30_000_000, 20_000_000))
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxIn, 2)
	require.Len(t, packet.UnsignedTx.TxOut, 2)
	require.Equal(t, 1, h.store.count(true, false, false))

	for _, pIn := range packet.Inputs {
		require.NotNil(t, pIn.WitnessUtxo)
		require.NotNil(t, pIn.WitnessScript)
		require.Len(t, pIn.Bip32Derivation, 3)
	}

	// Nothing to combine yet.
	_, err = h.coord.Combine(ctx, "req")
	require.ErrorIs(t, err, ErrNoHumanPSBTs)

	_, err = h.coord.SubmitSigned(
		ctx, "req", humanSign(t, packet, h.humans[0]),
	)
	require.NoError(t, err)

	combined, err := h.coord.Combine(ctx, "req")
	require.NoError(t, err)
	for _, pIn := range combined.Inputs {
		require.Len(t, pIn.PartialSigs, 1)
	}

	signed, err := h.coord.SignInternal(ctx, "req", combined, h.wallet, nil)
	require.NoError(t, err)
	require.Equal(t, 1, h.store.count(false, true, false))
	for _, pIn := range signed.Inputs {
		require.Len(t, pIn.PartialSigs, 2)
		require.Equal(t, InternalSigHashType, pIn.SighashType)
	}

	tx, err := h.coord.Finalize(ctx, "req", signed)
	require.NoError(t, err)
	require.Equal(t, packet.UnsignedTx.TxHash(), tx.TxHash())
	require.Equal(t, 1, h.store.count(false, false, true))

	for _, txIn := range tx.TxIn {
		// Dummy, two signatures and the witness script.
		require.Len(t, txIn.Witness, 4)
	}
}

// TestSingleSigWithdrawal checks the template of a single key hot wallet
// withdrawal and that it can be signed without co-signers.
func TestSingleSigWithdrawal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 1)

	dest := destination(t, 1_000_000)
	packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
		RequestID: "withdraw",
		Outputs:   []*wire.TxOut{dest},
	}, h.wallet, h.selection(10_000_000))
	require.NoError(t, err)

	tx := packet.UnsignedTx
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)

	var (
		destCount int
		change    *wire.TxOut
	)
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, dest.PkScript) {
			require.EqualValues(t, 1_000_000, out.Value)
			destCount++
			continue
		}

		change = out
		require.Len(t, packet.Outputs[i].Bip32Derivation, 1)
	}
	require.Equal(t, 1, destCount)
	require.NotNil(t, change)

	fee, err := packet.GetTxFee()
	require.NoError(t, err)
	require.Positive(t, fee)
	require.EqualValues(t, 10_000_000-1_000_000-int64(fee), change.Value)

	// The change index was reserved.
	require.EqualValues(t, 1, h.indexer.next)

	signed, err := h.coord.SignInternal(ctx, "withdraw", packet, h.wallet, nil)
	require.NoError(t, err)

	final, err := h.coord.Finalize(ctx, "withdraw", signed)
	require.NoError(t, err)
	require.Len(t, final.TxIn[0].Witness, 2)
}

// TestDustChangeDropped asserts that change below the dust limit is left to
// the miners without reserving a change address.
func TestDustChangeDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, 1)

	packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
		RequestID: "dust",
		Outputs:   []*wire.TxOut{destination(t, 99_800)},
	}, h.wallet, h.selection(100_000))
	require.NoError(t, err)
	require.Len(t, packet.UnsignedTx.TxOut, 1)
	require.Zero(t, h.indexer.next)
}

// TestSignatureMonotonicity checks that the internal pass fails unless it
// adds a signature to every input it holds a key of.
func TestSignatureMonotonicity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 3)

	packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
		RequestID: "req",
		Outputs:   []*wire.TxOut{destination(t, 1_000_000)},
	}, h.wallet, h.selection(5_000_000))
	require.NoError(t, err)

	_, err = h.coord.SubmitSigned(
		ctx, "req", humanSign(t, packet, h.humans[0]),
	)
	require.NoError(t, err)

	combined, err := h.coord.Combine(ctx, "req")
	require.NoError(t, err)

	// A signer holding the wrong seed signs nothing.
	wrong := NewCoordinator(&Config{
		Indexer:     h.indexer,
		Store:       h.store,
		Signer:      NewLocalSigner(newSigner(t, 9)),
		ChainParams: testParams,
	})
	_, err = wrong.SignInternal(ctx, "req", combined, h.wallet, nil)
	require.ErrorIs(t, err, ErrSigCountNotIncreased)
	require.Zero(t, h.store.count(false, true, false))

	// Signing an already signed packet again can't add signatures.
	signed, err := h.coord.SignInternal(ctx, "req", combined, h.wallet, nil)
	require.NoError(t, err)

	_, err = h.coord.SignInternal(ctx, "req", signed, h.wallet, nil)
	require.Error(t, err)
	require.Equal(t, 1, h.store.count(false, true, false))
}

// TestSignInternalPreconditions checks the threshold and wallet rules of the
// internal signing pass.
func TestSignInternalPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 3)

	packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
		RequestID: "req",
		Outputs:   []*wire.TxOut{destination(t, 1_000_000)},
	}, h.wallet, h.selection(5_000_000))
	require.NoError(t, err)

	// No co-signer has signed yet.
	_, err = h.coord.SignInternal(ctx, "req", packet, h.wallet, nil)
	require.ErrorIs(t, err, ErrHumanSigCount)

	_, err = h.coord.SubmitSigned(
		ctx, "req", humanSign(t, packet, h.humans[0]),
	)
	require.NoError(t, err)
	combined, err := h.coord.Combine(ctx, "req")
	require.NoError(t, err)

	cold := *h.wallet
	cold.IsHot = false
	_, err = h.coord.SignInternal(ctx, "req", combined, &cold, nil)
	require.ErrorIs(t, err, ErrColdWallet)

	// The packet must spend the expected funding transaction.
	other := wire.NewMsgTx(2)
	_, err = h.coord.SignInternal(ctx, "req", combined, h.wallet, other)
	require.ErrorIs(t, err, ErrPsbtMismatch)

	// Both co-signers signed, one too many.
	_, err = h.coord.SubmitSigned(
		ctx, "req", humanSign(t, packet, h.humans[1]),
	)
	require.NoError(t, err)
	combined, err = h.coord.Combine(ctx, "req")
	require.NoError(t, err)

	_, err = h.coord.SignInternal(ctx, "req", combined, h.wallet, nil)
	require.ErrorIs(t, err, ErrHumanSigCount)
	require.Zero(t, h.store.count(false, true, false))
}

// TestSubmitSigned checks the validation of co-signer submissions.
func TestSubmitSigned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 3)

	_, err := h.coord.SubmitSigned(ctx, "req", "cHNidP8=")
	require.Error(t, err)

	packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
		RequestID: "req",
		Outputs:   []*wire.TxOut{destination(t, 1_000_000)},
	}, h.wallet, h.selection(5_000_000))
	require.NoError(t, err)

	unsigned, err := packet.B64Encode()
	require.NoError(t, err)
	_, err = h.coord.SubmitSigned(ctx, "req", unsigned)
	require.ErrorIs(t, err, ErrNoSignatures)

	// A packet for a different transaction.
	other, err := copyPacket(packet)
	require.NoError(t, err)
	other.UnsignedTx.TxOut[0].Value--
	_, err = h.coord.SubmitSigned(
		ctx, "req", humanSign(t, other, h.humans[0]),
	)
	require.ErrorIs(t, err, ErrPsbtMismatch)

	// A signature whose sighash flag doesn't match what was signed.
	forged, err := DecodePacket(humanSign(t, packet, h.humans[0]))
	require.NoError(t, err)
	for i := range forged.Inputs {
		sig := forged.Inputs[i].PartialSigs[0].Signature
		sig[len(sig)-1] = byte(txscript.SigHashNone)
	}
	b64, err := forged.B64Encode()
	require.NoError(t, err)
	_, err = h.coord.SubmitSigned(ctx, "req", b64)
	require.ErrorIs(t, err, ErrInvalidSignature)

	require.Zero(t, h.store.count(false, false, false))
}

// TestSubmitSignedSigHashAll checks that co-signer signatures must commit to
// the whole transaction.
func TestSubmitSignedSigHashAll(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		hashType  txscript.SigHashType
		inputType txscript.SigHashType
		err       error
	}{
		{
			name:     "all",
			hashType: txscript.SigHashAll,
		},
		{
			name:     "none",
			hashType: txscript.SigHashNone,
			err:      ErrSigHashType,
		},
		{
			name:     "single",
			hashType: txscript.SigHashSingle,
			err:      ErrSigHashType,
		},
		{
			name: "all anyone can pay",
			hashType: txscript.SigHashAll |
				txscript.SigHashAnyOneCanPay,
			err: ErrSigHashType,
		},
		{
			name:      "input asks for none",
			hashType:  txscript.SigHashAll,
			inputType: txscript.SigHashNone,
			err:       ErrSigHashType,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, 2, 3)

			packet, err := h.coord.BuildTemplate(ctx, &TemplateRequest{
				RequestID: "req",
				Outputs: []*wire.TxOut{
					destination(t, 1_000_000),
				},
			}, h.wallet, h.selection(5_000_000))
			require.NoError(t, err)

			signed, err := DecodePacket(humanSignWith(
				t, packet, h.humans[0], test.hashType,
			))
			require.NoError(t, err)
			for i := range signed.Inputs {
				signed.Inputs[i].SighashType = test.inputType
			}
			b64, err := signed.B64Encode()
			require.NoError(t, err)

			_, err = h.coord.SubmitSigned(ctx, "req", b64)
			if test.err != nil {
				require.ErrorIs(t, err, test.err)
				require.ErrorIs(t, err, ErrInvalidSignature)
				require.Zero(
					t, h.store.count(false, false, false),
				)

				_, err = h.coord.Combine(ctx, "req")
				require.ErrorIs(t, err, ErrNoHumanPSBTs)

				return
			}

			require.NoError(t, err)
			require.Equal(t, 1, h.store.count(false, false, false))
		})
	}
}

// TestNotSynced asserts that no template is built on a lagging indexer.
func TestNotSynced(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.indexer.synced = false

	_, err := h.coord.BuildTemplate(context.Background(), &TemplateRequest{
		RequestID: "req",
		Outputs:   []*wire.TxOut{destination(t, 1_000_000)},
	}, h.wallet, h.selection(5_000_000))
	require.ErrorIs(t, err, ErrNotSynced)
}
