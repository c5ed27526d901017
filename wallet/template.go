package wallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// BranchReceive is the derivation branch of deposit addresses.
	BranchReceive uint32 = 0

	// BranchChange is the derivation branch of change addresses.
	BranchChange uint32 = 1
)

// TemplateKey is a parsed wallet key.
type TemplateKey struct {
	Fingerprint Fingerprint
	Path        []uint32
	XPub        string

	key *hdkeychain.ExtendedKey
}

// ScriptTemplate is the script policy of a wallet, independent of any
// particular address index.
type ScriptTemplate struct {
	AddressType AddressType
	Required    int
	Sorted      bool
	Keys        []TemplateKey

	params *chaincfg.Params
}

// DerivedScript is the script material of one address of a template.
type DerivedScript struct {
	Branch uint32
	Index  uint32

	// WitnessScript is set for P2WSH outputs.
	WitnessScript []byte

	// RedeemScript is set for P2SH and nested outputs.
	RedeemScript []byte

	PkScript []byte
	Address  btcutil.Address

	// PubKeys are the derived keys in script order.
	PubKeys [][]byte

	// Derivations carries the origin of every key for PSBT annotation.
	Derivations []*psbt.Bip32Derivation
}

// DeriveStrategy builds the script template of a wallet. Keys of sorted
// wallets are put in a canonical order so that the template does not depend
// on the order keys were added in.
func DeriveStrategy(w *Wallet, params *chaincfg.Params) (*ScriptTemplate,
	error) {

	if err := w.Validate(); err != nil {
		return nil, err
	}

	if w.IsMultisig() && w.AddressType == AddressTypeNestedSegwit {
		return nil, fmt.Errorf("nested segwit multisig: %w",
			ErrNotSupported)
	}

	keys := make([]TemplateKey, 0, len(w.Keys))
	for _, k := range w.Keys {
		path, err := ParsePath(k.DerivationPath)
		if err != nil {
			return nil, err
		}

		tk, err := newTemplateKey(
			k.MasterFingerprint, path, k.ExtendedPubKey, params,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *tk)
	}

	// Ordering is meaningless for a single key.
	sorted := !w.Unsorted || !w.IsMultisig()

	return newScriptTemplate(
		w.AddressType, w.RequiredSigs, sorted, keys, params,
	), nil
}

func newTemplateKey(fp Fingerprint, path []uint32, xpub string,
	params *chaincfg.Params) (*TemplateKey, error) {

	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}

	if key.IsPrivate() {
		return nil, fmt.Errorf("extended key must be public")
	}

	if !key.IsForNet(params) {
		return nil, fmt.Errorf("extended key is not for network %v",
			params.Name)
	}

	return &TemplateKey{
		Fingerprint: fp,
		Path:        path,
		XPub:        key.String(),
		key:         key,
	}, nil
}

func newScriptTemplate(addrType AddressType, required int, sorted bool,
	keys []TemplateKey, params *chaincfg.Params) *ScriptTemplate {

	if sorted {
		sort.SliceStable(keys, func(i, j int) bool {
			return keys[i].XPub < keys[j].XPub
		})
	}

	return &ScriptTemplate{
		AddressType: addrType,
		Required:    required,
		Sorted:      sorted,
		Keys:        keys,
		params:      params,
	}
}

// IsMultisig reports whether the template is a multisig policy.
func (t *ScriptTemplate) IsMultisig() bool {
	return len(t.Keys) > 1
}

// Params returns the network of the template.
func (t *ScriptTemplate) Params() *chaincfg.Params {
	return t.params
}

// Equal reports whether two templates produce the same scripts.
func (t *ScriptTemplate) Equal(o *ScriptTemplate) bool {
	if t.AddressType != o.AddressType || t.Required != o.Required ||
		t.Sorted != o.Sorted || len(t.Keys) != len(o.Keys) {

		return false
	}

	for i := range t.Keys {
		a, b := t.Keys[i], o.Keys[i]
		if a.Fingerprint != b.Fingerprint || a.XPub != b.XPub ||
			FormatPath(a.Path) != FormatPath(b.Path) {

			return false
		}
	}

	return true
}

// Derive computes the scripts of the address at branch/index.
func (t *ScriptTemplate) Derive(branch, index uint32) (*DerivedScript,
	error) {

	type derivedKey struct {
		pubKey     []byte
		derivation *psbt.Bip32Derivation
	}

	derived := make([]derivedKey, 0, len(t.Keys))
	for _, k := range t.Keys {
		branchKey, err := k.key.Derive(branch)
		if err != nil {
			return nil, err
		}

		child, err := branchKey.Derive(index)
		if err != nil {
			return nil, err
		}

		pubKey, err := child.ECPubKey()
		if err != nil {
			return nil, err
		}

		fullPath := make([]uint32, 0, len(k.Path)+2)
		fullPath = append(fullPath, k.Path...)
		fullPath = append(fullPath, branch, index)

		serialized := pubKey.SerializeCompressed()
		derived = append(derived, derivedKey{
			pubKey: serialized,
			derivation: &psbt.Bip32Derivation{
				PubKey:               serialized,
				MasterKeyFingerprint: k.Fingerprint.Uint32(),
				Bip32Path:            fullPath,
			},
		})
	}

	if t.Sorted {
		sort.SliceStable(derived, func(i, j int) bool {
			return bytes.Compare(
				derived[i].pubKey, derived[j].pubKey,
			) < 0
		})
	}

	ds := &DerivedScript{
		Branch: branch,
		Index:  index,
	}
	for _, d := range derived {
		ds.PubKeys = append(ds.PubKeys, d.pubKey)
		ds.Derivations = append(ds.Derivations, d.derivation)
	}

	var err error
	if t.IsMultisig() {
		err = t.deriveMultisig(ds)
	} else {
		err = t.deriveSingle(ds)
	}
	if err != nil {
		return nil, err
	}

	ds.PkScript, err = txscript.PayToAddrScript(ds.Address)
	if err != nil {
		return nil, err
	}

	return ds, nil
}

func (t *ScriptTemplate) deriveMultisig(ds *DerivedScript) error {
	addrs := make([]*btcutil.AddressPubKey, len(ds.PubKeys))
	for i, pubKey := range ds.PubKeys {
		addr, err := btcutil.NewAddressPubKey(pubKey, t.params)
		if err != nil {
			return err
		}
		addrs[i] = addr
	}

	multisig, err := txscript.MultiSigScript(addrs, t.Required)
	if err != nil {
		return err
	}

	switch t.AddressType {
	case AddressTypeNativeSegwit:
		scriptHash := sha256.Sum256(multisig)
		ds.WitnessScript = multisig
		ds.Address, err = btcutil.NewAddressWitnessScriptHash(
			scriptHash[:], t.params,
		)

	case AddressTypeLegacy:
		ds.RedeemScript = multisig
		ds.Address, err = btcutil.NewAddressScriptHash(
			multisig, t.params,
		)

	default:
		return fmt.Errorf("%v multisig: %w", t.AddressType,
			ErrNotSupported)
	}

	return err
}

func (t *ScriptTemplate) deriveSingle(ds *DerivedScript) error {
	pubKeyHash := btcutil.Hash160(ds.PubKeys[0])

	var err error
	switch t.AddressType {
	case AddressTypeNativeSegwit:
		ds.Address, err = btcutil.NewAddressWitnessPubKeyHash(
			pubKeyHash, t.params,
		)

	case AddressTypeNestedSegwit:
		var witnessAddr *btcutil.AddressWitnessPubKeyHash
		witnessAddr, err = btcutil.NewAddressWitnessPubKeyHash(
			pubKeyHash, t.params,
		)
		if err != nil {
			return err
		}

		ds.RedeemScript, err = txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return err
		}

		ds.Address, err = btcutil.NewAddressScriptHash(
			ds.RedeemScript, t.params,
		)

	case AddressTypeLegacy:
		ds.Address, err = btcutil.NewAddressPubKeyHash(
			pubKeyHash, t.params,
		)

	default:
		return fmt.Errorf("%v single key: %w", t.AddressType,
			ErrNotSupported)
	}

	return err
}
