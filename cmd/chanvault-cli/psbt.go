package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/chanvault/chanvault/psbtcoord"
	"github.com/urfave/cli"
)

var psbtCommand = cli.Command{
	Name:  "psbt",
	Usage: "exchange PSBTs with the co-signers of a request",
	Subcommands: []cli.Command{
		templateCommand,
		submitCommand,
		recordsCommand,
		decodeCommand,
	},
}

var templateCommand = cli.Command{
	Name:      "template",
	Usage:     "print the unsigned PSBT of a request for the co-signers",
	ArgsUsage: "request_id",
	Action:    showTemplate,
}

func showTemplate(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	packet, err := client.Coordinator.Template(
		context.Background(), ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	encoded, err := packet.B64Encode()
	if err != nil {
		return err
	}
	fmt.Println(encoded)

	return nil
}

var submitCommand = cli.Command{
	Name:      "submit",
	Usage:     "submit a co-signer's signed PSBT",
	ArgsUsage: "request_id [psbt]",
	Description: `
	Submits a base64 encoded PSBT signed by a co-signer. The PSBT can also be
	read from a file with --file.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "file",
			Usage: "read the PSBT from this file",
		},
	},
	Action: submitPSBT,
}

func submitPSBT(ctx *cli.Context) error {
	var encoded string
	switch {
	case ctx.IsSet("file") && ctx.NArg() == 1:
		b, err := os.ReadFile(ctx.String("file"))
		if err != nil {
			return err
		}
		encoded = string(b)

	case ctx.NArg() == 2:
		encoded = ctx.Args().Get(1)

	default:
		return requireArgs(ctx, 2)
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	record, err := client.Manager.SubmitPSBT(
		context.Background(), ctx.Args().First(), encoded,
	)
	if err != nil {
		return err
	}

	printJSON(newRecordResp(record))

	return nil
}

var recordsCommand = cli.Command{
	Name:      "records",
	Usage:     "list the PSBTs stored for a request",
	ArgsUsage: "request_id",
	Action:    listRecords,
}

func listRecords(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := client.Coordinator.Records(
		context.Background(), ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	resp := make([]*recordResp, 0, len(records))
	for _, r := range records {
		resp = append(resp, newRecordResp(r))
	}
	printJSON(resp)

	return nil
}

var decodeCommand = cli.Command{
	Name:      "decode",
	Usage:     "show the transaction and signatures of a PSBT",
	ArgsUsage: "psbt",
	Action:    decodePSBT,
}

type inputResp struct {
	OutPoint    string `json:"outpoint"`
	Value       int64  `json:"value_sat,omitempty"`
	PartialSigs int    `json:"partial_sigs"`
	Finalized   bool   `json:"finalized"`
}

type outputResp struct {
	Value    int64  `json:"value_sat"`
	PkScript string `json:"pk_script"`
}

type packetResp struct {
	TxID    string        `json:"txid"`
	Fee     int64         `json:"fee_sat,omitempty"`
	Inputs  []*inputResp  `json:"inputs"`
	Outputs []*outputResp `json:"outputs"`
}

func decodePSBT(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	packet, err := psbtcoord.DecodePacket(ctx.Args().First())
	if err != nil {
		return err
	}

	printJSON(newPacketResp(packet))

	return nil
}

func newPacketResp(packet *psbt.Packet) *packetResp {
	tx := packet.UnsignedTx
	resp := &packetResp{
		TxID: tx.TxHash().String(),
	}

	var inputValue int64
	for i, txIn := range tx.TxIn {
		pIn := packet.Inputs[i]
		in := &inputResp{
			OutPoint:    txIn.PreviousOutPoint.String(),
			PartialSigs: len(pIn.PartialSigs),
			Finalized: len(pIn.FinalScriptWitness) > 0 ||
				len(pIn.FinalScriptSig) > 0,
		}

		switch {
		case pIn.WitnessUtxo != nil:
			in.Value = pIn.WitnessUtxo.Value

		case pIn.NonWitnessUtxo != nil:
			idx := txIn.PreviousOutPoint.Index
			if int(idx) < len(pIn.NonWitnessUtxo.TxOut) {
				in.Value = pIn.NonWitnessUtxo.TxOut[idx].Value
			}
		}
		inputValue += in.Value

		resp.Inputs = append(resp.Inputs, in)
	}

	var outputValue int64
	for _, txOut := range tx.TxOut {
		outputValue += txOut.Value
		resp.Outputs = append(resp.Outputs, &outputResp{
			Value:    txOut.Value,
			PkScript: fmt.Sprintf("%x", txOut.PkScript),
		})
	}

	if inputValue > outputValue {
		resp.Fee = inputValue - outputValue
	}

	return resp
}

type recordResp struct {
	ID          int32       `json:"id"`
	RequestID   string      `json:"request_id"`
	Kind        string      `json:"kind"`
	CreatedAt   time.Time   `json:"created_at"`
	Transaction *packetResp `json:"transaction"`
}

func newRecordResp(r *psbtcoord.Record) *recordResp {
	kind := "cosigner"
	switch {
	case r.IsTemplate:
		kind = "template"

	case r.IsInternal:
		kind = "internal"

	case r.IsFinalized:
		kind = "finalized"
	}

	return &recordResp{
		ID:          r.ID,
		RequestID:   r.RequestID,
		Kind:        kind,
		CreatedAt:   r.CreatedAt,
		Transaction: newPacketResp(r.Packet),
	}
}
