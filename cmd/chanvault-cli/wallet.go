package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/chanvault/chanvault/chanvaultd"
	"github.com/chanvault/chanvault/custodydb"
	"github.com/chanvault/chanvault/wallet"
	"github.com/urfave/cli"
)

var walletCommand = cli.Command{
	Name:  "wallet",
	Usage: "manage multisig wallets",
	Subcommands: []cli.Command{
		createWalletCommand,
		listWalletsCommand,
		descriptorCommand,
		addressCommand,
		utxosCommand,
	},
}

var createWalletCommand = cli.Command{
	Name:      "create",
	Usage:     "import a wallet from an output descriptor",
	ArgsUsage: "name descriptor",
	Description: `
	Imports a wallet from its receive output descriptor, e.g.
	wsh(sortedmulti(2,[fp/48h/0h/0h/2h]xpub.../0/*,...)). If --internal is
	set, the key with this master fingerprint is held by the internal
	signer and the wallet is hot.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "internal",
			Usage: "the master fingerprint of the key held by " +
				"the internal signer",
		},
	},
	Action: createWallet,
}

func createWallet(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2); err != nil {
		return err
	}

	var internal wallet.Fingerprint
	if ctx.IsSet("internal") {
		var err error
		internal, err = wallet.ParseFingerprint(ctx.String("internal"))
		if err != nil {
			return err
		}
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	w, err := wallet.FromDescriptor(
		ctx.Args().Get(0), ctx.Args().Get(1), internal, client.Params,
	)
	if err != nil {
		return err
	}

	if err := client.Store.CreateWallet(context.Background(), w); err != nil {
		return err
	}

	printJSON(newWalletResp(w))

	return nil
}

var listWalletsCommand = cli.Command{
	Name:   "list",
	Usage:  "list all wallets",
	Action: listWallets,
}

func listWallets(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	wallets, err := client.Store.ListWallets(context.Background())
	if err != nil {
		return err
	}

	resp := make([]*walletResp, 0, len(wallets))
	for _, w := range wallets {
		resp = append(resp, newWalletResp(w))
	}
	printJSON(resp)

	return nil
}

var descriptorCommand = cli.Command{
	Name:      "descriptor",
	Usage:     "show the output descriptors of a wallet",
	ArgsUsage: "wallet",
	Action:    showDescriptor,
}

func showDescriptor(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	w, err := lookupWallet(client, ctx.Args().First())
	if err != nil {
		return err
	}

	template, err := wallet.DeriveStrategy(w, client.Params)
	if err != nil {
		return err
	}

	receive, err := template.Descriptor(wallet.BranchReceive)
	if err != nil {
		return err
	}
	change, err := template.Descriptor(wallet.BranchChange)
	if err != nil {
		return err
	}

	printJSON(map[string]string{
		"receive": receive,
		"change":  change,
	})

	return nil
}

var addressCommand = cli.Command{
	Name:      "address",
	Usage:     "derive the next unused address of a wallet",
	ArgsUsage: "wallet",
	Description: `
	Reserves the next unused receive address of the wallet, so it is never
	handed out again. Use --peek to show it without reserving it.
	`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "change",
			Usage: "derive from the change branch",
		},
		cli.BoolFlag{
			Name:  "peek",
			Usage: "don't reserve the address",
		},
	},
	Action: newAddress,
}

func newAddress(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	w, err := lookupWallet(client, ctx.Args().First())
	if err != nil {
		return err
	}

	descriptor, err := wallet.ToOutputDescriptor(w, client.Params)
	if err != nil {
		return err
	}

	branch := wallet.BranchReceive
	if ctx.Bool("change") {
		branch = wallet.BranchChange
	}

	derived, err := client.Indexer.GetUnusedAddress(
		context.Background(), descriptor, branch, !ctx.Bool("peek"),
	)
	if err != nil {
		return err
	}

	printJSON(map[string]interface{}{
		"address": derived.Address.EncodeAddress(),
		"branch":  derived.Branch,
		"index":   derived.Index,
	})

	return nil
}

var utxosCommand = cli.Command{
	Name:      "utxos",
	Usage:     "list the unspent outputs of a wallet",
	ArgsUsage: "wallet",
	Action:    listUtxos,
}

type utxoResp struct {
	OutPoint      string            `json:"outpoint"`
	Value         int64             `json:"value_sat"`
	Branch        uint32            `json:"branch"`
	Index         uint32            `json:"index"`
	Confirmations int64             `json:"confirmations"`
	Reserved      string            `json:"reserved_by,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

func listUtxos(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ctxb := context.Background()
	w, err := lookupWallet(client, ctx.Args().First())
	if err != nil {
		return err
	}

	descriptor, err := wallet.ToOutputDescriptor(w, client.Params)
	if err != nil {
		return err
	}

	utxos, err := client.Indexer.GetUTXOs(ctxb, descriptor)
	if err != nil {
		return err
	}

	reserved, err := client.Reservations.LockedOutpoints(ctxb, "")
	if err != nil {
		return err
	}

	tags, err := client.Selector.Tags(ctxb)
	if err != nil {
		return err
	}

	resp := make([]*utxoResp, 0, len(utxos))
	for _, u := range utxos {
		resp = append(resp, &utxoResp{
			OutPoint:      u.OutPoint.String(),
			Value:         int64(u.Value),
			Branch:        u.Branch,
			Index:         u.Index,
			Confirmations: u.Confirmations,
			Reserved:      reserved[u.OutPoint],
			Tags:          tags[u.OutPoint],
		})
	}
	printJSON(resp)

	return nil
}

type keyResp struct {
	ExtendedPubKey    string `json:"xpub"`
	DerivationPath    string `json:"path"`
	MasterFingerprint string `json:"fingerprint"`
	Internal          bool   `json:"internal"`
}

type walletResp struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	RequiredSigs int        `json:"required_sigs"`
	AddressType  string     `json:"address_type"`
	IsHot        bool       `json:"is_hot"`
	Sorted       bool       `json:"sorted"`
	Keys         []*keyResp `json:"keys"`
}

func newWalletResp(w *wallet.Wallet) *walletResp {
	resp := &walletResp{
		ID:           w.ID,
		Name:         w.Name,
		RequiredSigs: w.RequiredSigs,
		AddressType:  w.AddressType.String(),
		IsHot:        w.IsHot,
		Sorted:       !w.Unsorted,
	}
	for _, k := range w.Keys {
		resp.Keys = append(resp.Keys, &keyResp{
			ExtendedPubKey:    k.ExtendedPubKey,
			DerivationPath:    k.DerivationPath,
			MasterFingerprint: k.MasterFingerprint.String(),
			Internal:          k.Internal,
		})
	}

	return resp
}

// lookupWallet finds a wallet by id or name.
func lookupWallet(client *chanvaultd.Client, ref string) (*wallet.Wallet,
	error) {

	ctxb := context.Background()
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		w, err := client.Store.GetWallet(ctxb, id)
		if !errors.Is(err, custodydb.ErrNotFound) {
			return w, err
		}
	}

	return client.Store.GetWalletByName(ctxb, ref)
}

// walletID resolves a wallet reference to its id.
func walletID(client *chanvaultd.Client, ref string) (int64, error) {
	w, err := lookupWallet(client, ref)
	if err != nil {
		return 0, err
	}

	return w.ID, nil
}
