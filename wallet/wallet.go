package wallet

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned for wallet shapes the engine can't
	// produce a script for, such as taproot.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidWallet is returned when a wallet violates its structural
	// invariants.
	ErrInvalidWallet = errors.New("invalid wallet")
)

// AddressType is the output script policy of a wallet.
type AddressType uint8

const (
	// AddressTypeLegacy produces P2PKH or P2SH multisig outputs.
	AddressTypeLegacy AddressType = iota

	// AddressTypeNestedSegwit produces P2SH-P2WPKH outputs.
	AddressTypeNestedSegwit

	// AddressTypeNativeSegwit produces P2WPKH or P2WSH multisig outputs.
	AddressTypeNativeSegwit

	// AddressTypeTaproot is recognized but not implemented.
	AddressTypeTaproot
)

// String returns a human readable name of the address type.
func (a AddressType) String() string {
	switch a {
	case AddressTypeLegacy:
		return "legacy"

	case AddressTypeNestedSegwit:
		return "nested-segwit"

	case AddressTypeNativeSegwit:
		return "native-segwit"

	case AddressTypeTaproot:
		return "taproot"

	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAddressType is the inverse of AddressType.String.
func ParseAddressType(s string) (AddressType, error) {
	for _, t := range []AddressType{
		AddressTypeLegacy, AddressTypeNestedSegwit,
		AddressTypeNativeSegwit, AddressTypeTaproot,
	} {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("unknown address type %q", s)
}

// Fingerprint is the 4 byte BIP32 fingerprint of a master key.
type Fingerprint [4]byte

// String returns the fingerprint as lower case hex, the way it appears in
// descriptors.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Uint32 returns the fingerprint in the little endian integer form used by
// PSBT derivation records.
func (f Fingerprint) Uint32() uint32 {
	return binary.LittleEndian.Uint32(f[:])
}

// ParseFingerprint decodes an 8 character hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint

	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(fp) {
		return fp, fmt.Errorf("invalid fingerprint %q", s)
	}
	copy(fp[:], b)

	return fp, nil
}

// FingerprintFromUint32 converts a PSBT derivation fingerprint back.
func FingerprintFromUint32(v uint32) Fingerprint {
	var fp Fingerprint
	binary.LittleEndian.PutUint32(fp[:], v)

	return fp
}

// Key is one co-signing key of a wallet: an account level extended public
// key together with the origin information signers need to find their
// private key.
type Key struct {
	// ExtendedPubKey is the account xpub/tpub.
	ExtendedPubKey string

	// DerivationPath is the path from the master key to the account key,
	// e.g. m/48'/0'/0'/2'.
	DerivationPath string

	// MasterFingerprint identifies the master key.
	MasterFingerprint Fingerprint

	// OwnerRef references the user owning the key, if any.
	OwnerRef string

	// Internal is set for the key held by the automated signer.
	Internal bool
}

// Wallet is an M-of-N set of keys with an address type policy. Keys are
// fixed after creation: their order and membership define the script.
type Wallet struct {
	ID           int64
	Name         string
	RequiredSigs int
	AddressType  AddressType
	IsHot        bool

	// Unsorted disables BIP67 key sorting. It must match how the wallet
	// was created.
	Unsorted bool

	Keys []Key
}

// TotalKeys returns n of the m-of-n policy.
func (w *Wallet) TotalKeys() int {
	return len(w.Keys)
}

// IsMultisig reports whether the wallet produces multisig scripts.
func (w *Wallet) IsMultisig() bool {
	return len(w.Keys) > 1
}

// HumanSigsRequired returns the number of co-signer signatures a hot wallet
// needs before the internal signer may add the final one.
func (w *Wallet) HumanSigsRequired() int {
	if w.IsHot {
		return w.RequiredSigs - 1
	}

	return w.RequiredSigs
}

// InternalKey returns the key held by the internal signer.
func (w *Wallet) InternalKey() (*Key, error) {
	for i := range w.Keys {
		if w.Keys[i].Internal {
			return &w.Keys[i], nil
		}
	}

	return nil, fmt.Errorf("%w: wallet %d has no internal key",
		ErrInvalidWallet, w.ID)
}

// Validate checks the structural invariants of the wallet.
func (w *Wallet) Validate() error {
	n := len(w.Keys)
	if n == 0 {
		return fmt.Errorf("%w: no keys", ErrInvalidWallet)
	}

	if w.RequiredSigs < 1 || w.RequiredSigs > n {
		return fmt.Errorf("%w: required signatures %d out of range "+
			"1..%d", ErrInvalidWallet, w.RequiredSigs, n)
	}

	var internal int
	for _, k := range w.Keys {
		if k.Internal {
			internal++
		}
	}

	switch {
	case w.IsHot && internal != 1:
		return fmt.Errorf("%w: hot wallet needs exactly one internal "+
			"key, got %d", ErrInvalidWallet, internal)

	case !w.IsHot && internal != 0:
		return fmt.Errorf("%w: cold wallet can't have internal keys",
			ErrInvalidWallet)
	}

	if w.AddressType == AddressTypeTaproot {
		return fmt.Errorf("taproot wallets: %w", ErrNotSupported)
	}

	return nil
}
