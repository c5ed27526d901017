package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chanvault/chanvault/chanvaultd"
	"github.com/urfave/cli"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fmt.Println("unable to encode response: ", err)
		return
	}

	fmt.Println(string(b))
}

// printRespJSON prints a response of a live lnd call.
func printRespJSON(resp proto.Message) {
	jsonBytes, err := protojson.MarshalOptions{
		EmitUnpopulated: true,
		Indent:          "    ",
	}.Marshal(resp)
	if err != nil {
		fmt.Println("unable to decode response: ", err)
		return
	}

	fmt.Println(string(jsonBytes))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[chanvault-cli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()

	app.Version = chanvaultd.Version()
	app.Name = "chanvault-cli"
	app.Usage = "operator tool for a chanvault custody database"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "network, n",
			Usage: "the network chanvaultd runs on",
		},
		cli.StringFlag{
			Name:  "datadir",
			Usage: "chanvaultd's data directory",
		},
		cli.StringFlag{
			Name:  "configfile",
			Usage: "path to chanvaultd's configuration file",
		},
	}
	app.Commands = []cli.Command{
		walletCommand, requestCommand, psbtCommand, tagCommand,
		nodeCommand,
	}

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

// getClient opens the custody database chanvaultd is configured with.
func getClient(ctx *cli.Context) (*chanvaultd.Client, func(), error) {
	cfg, err := chanvaultd.LoadConfig(
		ctx.GlobalString("configfile"), ctx.GlobalString("network"),
		ctx.GlobalString("datadir"),
	)
	if err != nil {
		return nil, nil, err
	}

	client, err := chanvaultd.NewClient(cfg)
	if err != nil {
		return nil, nil, err
	}

	return client, client.Close, nil
}

func parseAmt(text string) (btcutil.Amount, error) {
	amtInt64, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amt value")
	}
	return btcutil.Amount(amtInt64), nil
}

// parseOutPoint parses an outpoint of the form txid:index.
func parseOutPoint(s string) (wire.OutPoint, error) {
	txid, index, ok := strings.Cut(s, ":")
	if !ok {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q, "+
			"expected txid:index", s)
	}

	if len(txid) != chainhash.MaxHashStringSize {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: txid "+
			"must be %d hex characters", s,
			chainhash.MaxHashStringSize)
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w",
			s, err)
	}

	idx, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q: %w",
			s, err)
	}

	return wire.OutPoint{Hash: *hash, Index: uint32(idx)}, nil
}

func parseOutPoints(strs []string) ([]wire.OutPoint, error) {
	ops := make([]wire.OutPoint, 0, len(strs))
	for _, s := range strs {
		op, err := parseOutPoint(s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, nil
}

// requireArgs shows the command's help if it didn't get n arguments.
func requireArgs(ctx *cli.Context, n int) error {
	if ctx.NArg() != n {
		_ = cli.ShowCommandHelp(ctx, ctx.Command.Name)

		return fmt.Errorf("expected %d arguments, got %d", n,
			ctx.NArg())
	}

	return nil
}
