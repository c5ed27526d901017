package coinselect

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/wallet"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// maxSigSize is the size of a DER encoded signature with sighash flag.
	maxSigSize = 73

	// p2pkhScriptSigSize is the scriptSig of a P2PKH spend: a signature
	// push and a compressed key push.
	p2pkhScriptSigSize = 1 + maxSigSize + 1 + 33
)

// multisigScriptSize returns the size of an m-of-n CHECKMULTISIG script with
// compressed keys.
func multisigScriptSize(n int) int {
	// OP_m <push key>*n OP_n OP_CHECKMULTISIG
	return 1 + n*(1+33) + 1 + 1
}

// MultisigWitnessSize returns the witness size of a P2WSH m-of-n spend.
func MultisigWitnessSize(m, n int) int {
	scriptSize := multisigScriptSize(n)

	// Item count, the empty CHECKMULTISIG dummy, m signatures and the
	// witness script.
	return 1 + 1 + m*(1+maxSigSize) +
		wire.VarIntSerializeSize(uint64(scriptSize)) + scriptSize
}

// multisigScriptSigSize returns the scriptSig size of a P2SH m-of-n spend.
func multisigScriptSigSize(m, n int) int {
	scriptSize := multisigScriptSize(n)

	var pushSize int
	switch {
	case scriptSize < txscript.OP_PUSHDATA1:
		pushSize = 1

	case scriptSize <= 0xff:
		pushSize = 2

	default:
		pushSize = 3
	}

	return 1 + m*(1+maxSigSize) + pushSize + scriptSize
}

// addInput adds one input spending an output of the template to the
// estimator. Legacy multisig inputs can't be expressed by the estimator, so
// the weight it is missing is returned separately.
func addInput(we *input.TxWeightEstimator,
	t *wallet.ScriptTemplate) (lntypes.WeightUnit, error) {

	n := len(t.Keys)

	switch {
	case t.IsMultisig() && t.AddressType == wallet.AddressTypeNativeSegwit:
		we.AddWitnessInput(lntypes.WeightUnit(
			MultisigWitnessSize(t.Required, n),
		))

	case t.IsMultisig() && t.AddressType == wallet.AddressTypeLegacy:
		we.AddP2PKHInput()
		extra := multisigScriptSigSize(t.Required, n) -
			p2pkhScriptSigSize

		return lntypes.WeightUnit(
			extra * blockchain.WitnessScaleFactor,
		), nil

	case t.IsMultisig():
		return 0, fmt.Errorf("%v multisig: %w", t.AddressType,
			wallet.ErrNotSupported)

	case t.AddressType == wallet.AddressTypeNativeSegwit:
		we.AddP2WKHInput()

	case t.AddressType == wallet.AddressTypeNestedSegwit:
		we.AddNestedP2WKHInput()

	case t.AddressType == wallet.AddressTypeLegacy:
		we.AddP2PKHInput()

	default:
		return 0, fmt.Errorf("%v single key: %w", t.AddressType,
			wallet.ErrNotSupported)
	}

	return 0, nil
}

// EstimateFee returns the fee of a transaction spending numInputs outputs of
// the template to the given output scripts.
func EstimateFee(t *wallet.ScriptTemplate, numInputs int, pkScripts [][]byte,
	feeRate chainfee.SatPerKWeight) (btcutil.Amount, error) {

	var (
		we    input.TxWeightEstimator
		extra lntypes.WeightUnit
	)
	for i := 0; i < numInputs; i++ {
		w, err := addInput(&we, t)
		if err != nil {
			return 0, err
		}
		extra += w
	}

	for _, pkScript := range pkScripts {
		we.AddOutput(pkScript)
	}

	return feeRate.FeeForWeight(we.Weight() + extra), nil
}

// DustLimit returns the dust limit of an output with the given script.
func DustLimit(pkScript []byte) btcutil.Amount {
	return lnwallet.DustLimitForSize(len(pkScript))
}
