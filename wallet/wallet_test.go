package wallet

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/aezeed"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testParams = &chaincfg.RegressionNetParams

// testKey derives an account key from a deterministic seed.
func testKey(t testing.TB, seed byte, addrType AddressType,
	multisig bool) Key {

	signer, err := NewInternalSigner(
		bytes.Repeat([]byte{seed}, 32), testParams,
	)
	require.NoError(t, err)

	key, err := signer.AccountKey(addrType, multisig, 0)
	require.NoError(t, err)
	key.Internal = false

	return *key
}

func testWallet(t testing.TB, addrType AddressType, m int,
	seeds ...byte) *Wallet {

	w := &Wallet{
		ID:           1,
		RequiredSigs: m,
		AddressType:  addrType,
	}
	for _, seed := range seeds {
		w.Keys = append(
			w.Keys, testKey(t, seed, addrType, len(seeds) > 1),
		)
	}

	return w
}

// TestDescriptorRoundTrip checks that parsing a rendered descriptor yields
// the template of the wallet, and that both derive the same scripts.
func TestDescriptorRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		wallet   *Wallet
		prefix   string
		unsorted bool
	}{
		{
			name: "native 2-of-3",
			wallet: testWallet(
				t, AddressTypeNativeSegwit, 2, 1, 2, 3,
			),
			prefix: "wsh(sortedmulti(2,",
		},
		{
			name:     "legacy unsorted 2-of-3",
			wallet:   testWallet(t, AddressTypeLegacy, 2, 1, 2, 3),
			prefix:   "sh(multi(2,",
			unsorted: true,
		},
		{
			name:   "native single",
			wallet: testWallet(t, AddressTypeNativeSegwit, 1, 4),
			prefix: "wpkh([",
		},
		{
			name:   "nested single",
			wallet: testWallet(t, AddressTypeNestedSegwit, 1, 4),
			prefix: "sh(wpkh([",
		},
		{
			name:   "legacy single",
			wallet: testWallet(t, AddressTypeLegacy, 1, 4),
			prefix: "pkh([",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.wallet.Unsorted = tc.unsorted

			desc, err := ToOutputDescriptor(tc.wallet, testParams)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(desc, tc.prefix), desc)
			require.Contains(t, desc, "/0/*")

			expected, err := DeriveStrategy(tc.wallet, testParams)
			require.NoError(t, err)

			parsed, err := ParseOutputDescriptor(desc, testParams)
			require.NoError(t, err)
			require.True(t, expected.Equal(parsed))

			a, err := expected.Derive(BranchChange, 7)
			require.NoError(t, err)
			b, err := parsed.Derive(BranchChange, 7)
			require.NoError(t, err)
			require.Equal(t, a.PkScript, b.PkScript)
			require.Equal(t, a.Address.String(), b.Address.String())
		})
	}
}

// TestSortedKeyOrder checks that sorted wallets don't depend on the order
// keys were added in, while unsorted ones do.
func TestSortedKeyOrder(t *testing.T) {
	abc := testWallet(t, AddressTypeNativeSegwit, 2, 1, 2, 3)
	cab := &Wallet{
		RequiredSigs: 2,
		AddressType:  AddressTypeNativeSegwit,
		Keys:         []Key{abc.Keys[2], abc.Keys[0], abc.Keys[1]},
	}

	descABC, err := ToOutputDescriptor(abc, testParams)
	require.NoError(t, err)
	descCAB, err := ToOutputDescriptor(cab, testParams)
	require.NoError(t, err)
	require.Equal(t, descABC, descCAB)

	tmplABC, err := DeriveStrategy(abc, testParams)
	require.NoError(t, err)
	tmplCAB, err := DeriveStrategy(cab, testParams)
	require.NoError(t, err)

	dsABC, err := tmplABC.Derive(BranchReceive, 0)
	require.NoError(t, err)
	dsCAB, err := tmplCAB.Derive(BranchReceive, 0)
	require.NoError(t, err)
	require.Equal(t, dsABC.WitnessScript, dsCAB.WitnessScript)

	abc.Unsorted = true
	cab.Unsorted = true

	descABC, err = ToOutputDescriptor(abc, testParams)
	require.NoError(t, err)
	descCAB, err = ToOutputDescriptor(cab, testParams)
	require.NoError(t, err)
	require.NotEqual(t, descABC, descCAB)
	require.True(t, strings.HasPrefix(descABC, "wsh(multi(2,"))

	parsed, err := ParseOutputDescriptor(descCAB, testParams)
	require.NoError(t, err)
	require.Equal(t, cab.Keys[0].ExtendedPubKey, parsed.Keys[0].XPub)
}

// TestDescriptorRoundTripProperty draws random wallets from a pool of keys.
func TestDescriptorRoundTripProperty(t *testing.T) {
	pools := map[AddressType][]Key{}
	for _, addrType := range []AddressType{
		AddressTypeNativeSegwit, AddressTypeLegacy,
	} {
		for seed := byte(10); seed < 15; seed++ {
			pools[addrType] = append(
				pools[addrType], testKey(t, seed, addrType, true),
			)
		}
	}

	rapid.Check(t, func(rt *rapid.T) {
		addrType := rapid.SampledFrom([]AddressType{
			AddressTypeNativeSegwit, AddressTypeLegacy,
		}).Draw(rt, "addrType")

		keys := rapid.Permutation(pools[addrType]).Draw(rt, "keys")
		n := rapid.IntRange(2, len(keys)).Draw(rt, "n")
		m := rapid.IntRange(1, n).Draw(rt, "m")

		w := &Wallet{
			RequiredSigs: m,
			AddressType:  addrType,
			Unsorted:     rapid.Bool().Draw(rt, "unsorted"),
			Keys:         keys[:n],
		}

		desc, err := ToOutputDescriptor(w, testParams)
		require.NoError(rt, err)

		expected, err := DeriveStrategy(w, testParams)
		require.NoError(rt, err)

		parsed, err := ParseOutputDescriptor(desc, testParams)
		require.NoError(rt, err)
		require.True(rt, expected.Equal(parsed))
	})
}

// TestDescriptorErrors covers the error taxonomy of the parser.
func TestDescriptorErrors(t *testing.T) {
	w := testWallet(t, AddressTypeNativeSegwit, 2, 1, 2)
	desc, err := ToOutputDescriptor(w, testParams)
	require.NoError(t, err)

	body, _, _ := strings.Cut(desc, "#")
	inner := strings.TrimSuffix(strings.TrimPrefix(body, "wsh("), ")")

	tests := []struct {
		name string
		desc string
		err  error
	}{
		{
			name: "nested wsh",
			desc: "sh(wsh(" + inner + "))",
			err:  ErrDescriptorFormat,
		},
		{
			name: "multipath",
			desc: strings.ReplaceAll(body, "/0/*", "/<0;1>/*"),
			err:  ErrDescriptorArgument,
		},
		{
			name: "bad checksum",
			desc: body + "#qqqqqqqq",
			err:  ErrDescriptorFormat,
		},
		{
			name: "short checksum",
			desc: body + "#qqq",
			err:  ErrDescriptorFormat,
		},
		{
			name: "taproot",
			desc: "tr(" + strings.Split(inner, ",")[1] + ")",
			err:  ErrNotSupported,
		},
		{
			name: "hardened branch",
			desc: strings.ReplaceAll(body, "/0/*", "/0h/*"),
			err:  ErrDescriptorFormat,
		},
		{
			name: "threshold too high",
			desc: strings.Replace(body, "sortedmulti(2,", "sortedmulti(3,", 1),
			err:  ErrDescriptorArgument,
		},
		{
			name: "garbage",
			desc: "wsh(",
			err:  ErrDescriptorFormat,
		},
		{
			name: "unknown function",
			desc: "combo(" + strings.Split(inner, ",")[1] + ")",
			err:  ErrDescriptorFormat,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseOutputDescriptor(tc.desc, testParams)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestDescriptorChecksumVectors uses the published BIP-380 vectors.
func TestDescriptorChecksumVectors(t *testing.T) {
	vectors := map[string]string{
		"raw(deadbeef)": "89f8spxm",
		"addr(mkmZxiEcEd8ZqjQWVZuC6so5dFMKEFpN2j)": "02wpgw69",
		"pkh([d34db33f/44'/0'/0']xpub6ERApfZwUNrhLCkDtcHTcxd75RbzS1e" +
			"d54G1LkBUHQVHQKqhMkhgbmJbZRkrgZw4koxb5JaHWkY4ALHY2grBGR" +
			"jaDMzQLcgJvLJuZZvRcEL/1/*)": "ml40v0wf",
	}

	for desc, expected := range vectors {
		checksum, err := DescriptorChecksum(desc)
		require.NoError(t, err)
		require.Equal(t, expected, checksum, desc)
	}

	_, err := DescriptorChecksum("raw(Ü)")
	require.ErrorIs(t, err, ErrDescriptorFormat)
}

// TestUnsupportedShapes checks that unsupported script types are refused
// instead of producing a wrong script.
func TestUnsupportedShapes(t *testing.T) {
	taproot := testWallet(t, AddressTypeNativeSegwit, 1, 1)
	taproot.AddressType = AddressTypeTaproot
	_, err := DeriveStrategy(taproot, testParams)
	require.ErrorIs(t, err, ErrNotSupported)

	nested := testWallet(t, AddressTypeNativeSegwit, 2, 1, 2)
	nested.AddressType = AddressTypeNestedSegwit
	_, err = DeriveStrategy(nested, testParams)
	require.ErrorIs(t, err, ErrNotSupported)
}

// TestWalletValidate covers the structural invariants.
func TestWalletValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(w *Wallet)
	}{
		{
			name: "threshold above n",
			modify: func(w *Wallet) {
				w.RequiredSigs = 4
			},
		},
		{
			name: "zero threshold",
			modify: func(w *Wallet) {
				w.RequiredSigs = 0
			},
		},
		{
			name: "hot without internal key",
			modify: func(w *Wallet) {
				w.IsHot = true
			},
		},
		{
			name: "hot with two internal keys",
			modify: func(w *Wallet) {
				w.IsHot = true
				w.Keys[0].Internal = true
				w.Keys[1].Internal = true
			},
		},
		{
			name: "cold with internal key",
			modify: func(w *Wallet) {
				w.Keys[0].Internal = true
			},
		},
		{
			name: "no keys",
			modify: func(w *Wallet) {
				w.Keys = nil
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := testWallet(t, AddressTypeNativeSegwit, 2, 1, 2, 3)
			require.NoError(t, w.Validate())

			tc.modify(w)
			require.ErrorIs(t, w.Validate(), ErrInvalidWallet)
		})
	}
}

// TestInternalSigner checks that the internal signer finds exactly its own
// key among the derivations of a hot wallet.
func TestInternalSigner(t *testing.T) {
	signer, err := NewInternalSigner(
		bytes.Repeat([]byte{42}, 32), testParams,
	)
	require.NoError(t, err)

	internal, err := signer.AccountKey(AddressTypeNativeSegwit, true, 3)
	require.NoError(t, err)
	require.Equal(t, "m/48h/1h/3h/2h", internal.DerivationPath)

	w := testWallet(t, AddressTypeNativeSegwit, 2, 1, 2)
	w.IsHot = true
	w.Keys = append(w.Keys, *internal)
	require.Equal(t, 1, w.HumanSigsRequired())

	template, err := DeriveStrategy(w, testParams)
	require.NoError(t, err)

	ds, err := template.Derive(BranchReceive, 11)
	require.NoError(t, err)
	require.Len(t, ds.Derivations, 3)

	var own int
	for _, d := range ds.Derivations {
		privKey, err := signer.PrivKey(d)
		if err != nil {
			require.ErrorIs(t, err, ErrForeignKey)
			continue
		}

		own++
		require.Equal(
			t, d.PubKey, privKey.PubKey().SerializeCompressed(),
		)
	}
	require.Equal(t, 1, own)
}

// TestInternalSignerFromMnemonic checks that an aezeed mnemonic restores the
// same master key as its raw entropy.
func TestInternalSignerFromMnemonic(t *testing.T) {
	var entropy [aezeed.EntropySize]byte
	copy(entropy[:], bytes.Repeat([]byte{7}, aezeed.EntropySize))

	seed, err := aezeed.New(aezeed.CipherSeedVersion, &entropy, time.Now())
	require.NoError(t, err)

	pass := []byte("custody")
	mnemonic, err := seed.ToMnemonic(pass)
	require.NoError(t, err)

	fromMnemonic, err := NewInternalSignerFromMnemonic(
		strings.Join(mnemonic[:], " "), pass, testParams,
	)
	require.NoError(t, err)

	fromEntropy, err := NewInternalSigner(entropy[:], testParams)
	require.NoError(t, err)
	require.Equal(t, fromEntropy.Fingerprint(), fromMnemonic.Fingerprint())

	_, err = NewInternalSignerFromMnemonic("too short", pass, testParams)
	require.Error(t, err)
}

// TestParsePath covers both hardened markers.
func TestParsePath(t *testing.T) {
	a, err := ParsePath("m/48'/0'/0'/2'")
	require.NoError(t, err)
	b, err := ParsePath("48h/0h/0h/2h")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, "m/48h/0h/0h/2h", FormatFullPath(a))

	_, err = ParsePath("m/x")
	require.Error(t, err)
}

// TestFromDescriptor checks that wallets imported from a descriptor derive
// the same scripts as the wallet the descriptor was rendered from.
func TestFromDescriptor(t *testing.T) {
	cold := testWallet(t, AddressTypeNativeSegwit, 2, 1, 2, 3)

	desc, err := ToOutputDescriptor(cold, testParams)
	require.NoError(t, err)

	imported, err := FromDescriptor("cold", desc, Fingerprint{}, testParams)
	require.NoError(t, err)
	require.False(t, imported.IsHot)
	require.Equal(t, 2, imported.RequiredSigs)
	require.Len(t, imported.Keys, 3)

	expected, err := DeriveStrategy(cold, testParams)
	require.NoError(t, err)
	parsed, err := DeriveStrategy(imported, testParams)
	require.NoError(t, err)
	require.True(t, expected.Equal(parsed))

	// Marking one key as internal makes it a hot wallet.
	internal := cold.Keys[1].MasterFingerprint
	hot, err := FromDescriptor("hot", desc, internal, testParams)
	require.NoError(t, err)
	require.True(t, hot.IsHot)

	key, err := hot.InternalKey()
	require.NoError(t, err)
	require.Equal(t, internal, key.MasterFingerprint)
	require.Equal(t, cold.Keys[1].ExtendedPubKey, key.ExtendedPubKey)
	require.Equal(t, 1, hot.HumanSigsRequired())

	// A fingerprint that is not part of the wallet leaves it without
	// internal key.
	_, err = FromDescriptor("hot", desc, Fingerprint{9, 9, 9, 9}, testParams)
	require.ErrorIs(t, err, ErrInvalidWallet)
}
