package main

import (
	"strconv"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestParseOutPoint(t *testing.T) {
	hash := chainhash.Hash{1, 2, 3}

	tests := []struct {
		name     string
		input    string
		expected wire.OutPoint
		err      bool
	}{
		{
			name:     "valid",
			input:    hash.String() + ":7",
			expected: wire.OutPoint{Hash: hash, Index: 7},
		},
		{
			name:  "no index",
			input: hash.String(),
			err:   true,
		},
		{
			name:  "bad txid",
			input: "abcd:0",
			err:   true,
		},
		{
			name:  "long txid",
			input: hash.String() + "0:0",
			err:   true,
		},
		{
			name:  "non hex txid",
			input: strings.Repeat("zz", chainhash.HashSize) + ":0",
			err:   true,
		},
		{
			name:  "bad index",
			input: hash.String() + ":x",
			err:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			op, err := parseOutPoint(test.input)
			if test.err {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.expected, op)
		})
	}
}

func TestChanID(t *testing.T) {
	id, err := parseChanID("800000x12x1")
	require.NoError(t, err)
	require.Equal(t, "800000x12x1", formatChanID(id))

	same, err := parseChanID(strconv.FormatUint(id, 10))
	require.NoError(t, err)
	require.Equal(t, id, same)

	_, err = parseChanID("800000:12:1")
	require.Error(t, err)

	require.Empty(t, formatChanID(0))
}

func TestNewPacketResp(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}},
	})
	tx.AddTxOut(&wire.TxOut{Value: 90_000, PkScript: []byte{0x51}})

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = &wire.TxOut{Value: 100_000}
	packet.Inputs[0].PartialSigs = []*psbt.PartialSig{{}}

	resp := newPacketResp(packet)
	require.Equal(t, tx.TxHash().String(), resp.TxID)
	require.EqualValues(t, 10_000, resp.Fee)
	require.Len(t, resp.Inputs, 1)
	require.EqualValues(t, 100_000, resp.Inputs[0].Value)
	require.Equal(t, 1, resp.Inputs[0].PartialSigs)
	require.False(t, resp.Inputs[0].Finalized)
	require.Equal(t, "51", resp.Outputs[0].PkScript)
}
