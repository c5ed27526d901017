package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/aezeed"
)

const (
	// multisigPurpose is the BIP48 purpose of multisig account keys.
	multisigPurpose = 48
)

var (
	// ErrForeignKey is returned when asked to sign for a key that does not
	// belong to the internal master seed.
	ErrForeignKey = errors.New("key does not belong to internal signer")
)

// InternalSigner holds the master seed of the automated co-signer. The
// seed only lives in memory.
type InternalSigner struct {
	master      *hdkeychain.ExtendedKey
	fingerprint Fingerprint
	params      *chaincfg.Params
}

// NewInternalSigner creates a signer from a raw BIP32 seed.
func NewInternalSigner(seed []byte,
	params *chaincfg.Params) (*InternalSigner, error) {

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}

	pubKey, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}

	var fp Fingerprint
	copy(fp[:], btcutil.Hash160(pubKey.SerializeCompressed())[:4])

	return &InternalSigner{
		master:      master,
		fingerprint: fp,
		params:      params,
	}, nil
}

// NewInternalSignerFromMnemonic creates a signer from an aezeed cipher seed
// mnemonic, the same seed format lnd uses.
func NewInternalSignerFromMnemonic(mnemonic string, passphrase []byte,
	params *chaincfg.Params) (*InternalSigner, error) {

	words := strings.Fields(mnemonic)
	if len(words) != aezeed.NumMnemonicWords {
		return nil, fmt.Errorf("mnemonic must have %d words, got %d",
			aezeed.NumMnemonicWords, len(words))
	}

	var m aezeed.Mnemonic
	copy(m[:], words)

	cipherSeed, err := m.ToCipherSeed(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unable to decipher seed: %w", err)
	}

	return NewInternalSigner(cipherSeed.Entropy[:], params)
}

// Fingerprint returns the master key fingerprint.
func (s *InternalSigner) Fingerprint() Fingerprint {
	return s.fingerprint
}

// AccountPath returns the account derivation path the internal signer uses
// for a wallet.
func AccountPath(addrType AddressType, multisig bool, account uint32,
	params *chaincfg.Params) ([]uint32, error) {

	coin := params.HDCoinType + hdkeychain.HardenedKeyStart
	acct := account + hdkeychain.HardenedKeyStart

	if multisig {
		var script uint32
		switch addrType {
		case AddressTypeNativeSegwit:
			script = 2

		case AddressTypeLegacy:
			script = 0

		default:
			return nil, fmt.Errorf("%v multisig: %w", addrType,
				ErrNotSupported)
		}

		return []uint32{
			multisigPurpose + hdkeychain.HardenedKeyStart, coin,
			acct, script + hdkeychain.HardenedKeyStart,
		}, nil
	}

	var scope waddrmgr.KeyScope
	switch addrType {
	case AddressTypeNativeSegwit:
		scope = waddrmgr.KeyScopeBIP0084

	case AddressTypeNestedSegwit:
		scope = waddrmgr.KeyScopeBIP0049Plus

	case AddressTypeLegacy:
		scope = waddrmgr.KeyScopeBIP0044

	default:
		return nil, fmt.Errorf("%v single key: %w", addrType,
			ErrNotSupported)
	}

	return []uint32{
		scope.Purpose + hdkeychain.HardenedKeyStart, coin, acct,
	}, nil
}

// AccountKey returns the internal key of a new hot wallet.
func (s *InternalSigner) AccountKey(addrType AddressType, multisig bool,
	account uint32) (*Key, error) {

	path, err := AccountPath(addrType, multisig, account, s.params)
	if err != nil {
		return nil, err
	}

	key, err := s.derive(path)
	if err != nil {
		return nil, err
	}

	xpub, err := key.Neuter()
	if err != nil {
		return nil, err
	}

	log.Debugf("Derived internal %v account key at %v", addrType,
		FormatFullPath(path))

	return &Key{
		ExtendedPubKey:    xpub.String(),
		DerivationPath:    FormatFullPath(path),
		MasterFingerprint: s.fingerprint,
		Internal:          true,
	}, nil
}

func (s *InternalSigner) derive(path []uint32) (*hdkeychain.ExtendedKey,
	error) {

	key := s.master
	for _, index := range path {
		var err error
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

// PrivKey derives the private key of a PSBT derivation record. It fails
// with ErrForeignKey if the record does not belong to the master seed.
func (s *InternalSigner) PrivKey(
	derivation *psbt.Bip32Derivation) (*btcec.PrivateKey, error) {

	if derivation.MasterKeyFingerprint != s.fingerprint.Uint32() {
		return nil, ErrForeignKey
	}

	key, err := s.derive(derivation.Bip32Path)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	pubKey := privKey.PubKey().SerializeCompressed()
	if !bytes.Equal(pubKey, derivation.PubKey) {
		return nil, fmt.Errorf("%w: derived key mismatch at %v",
			ErrForeignKey, FormatFullPath(derivation.Bip32Path))
	}

	return privKey, nil
}
