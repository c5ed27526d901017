package main

import (
	"context"
	"time"

	"github.com/chanvault/chanvault/funding"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/urfave/cli"
)

var requestCommand = cli.Command{
	Name:  "request",
	Usage: "create and inspect funding requests",
	Description: `
	Requests are stored in the custody database and driven by chanvaultd,
	which picks up new requests on its next confirmation check.
	`,
	Subcommands: []cli.Command{
		openCommand,
		closeCommand,
		withdrawCommand,
		listRequestsCommand,
		requestInfoCommand,
		cancelCommand,
	},
}

var (
	walletFlag = cli.StringFlag{
		Name:  "wallet",
		Usage: "the id or name of the funding wallet",
	}

	feeRateFlag = cli.Uint64Flag{
		Name: "sat_per_vbyte",
		Usage: "the fee rate of the transaction, the relay floor " +
			"is used if unset",
	}

	changelessFlag = cli.BoolFlag{
		Name: "changeless",
		Usage: "spend exactly the given outpoints without change, " +
			"the amount is everything they are worth minus the fee",
	}

	outpointFlag = cli.StringSliceFlag{
		Name:  "outpoint",
		Usage: "an outpoint txid:index to spend, may be repeated",
	}
)

var openCommand = cli.Command{
	Name:      "open",
	Usage:     "open a channel between two managed nodes",
	ArgsUsage: "source dest [amt]",
	Flags: []cli.Flag{
		walletFlag, feeRateFlag, changelessFlag, outpointFlag,
	},
	Action: openChannel,
}

func openChannel(ctx *cli.Context) error {
	args := ctx.Args()
	if ctx.NArg() < 2 || ctx.NArg() > 3 {
		return requireArgs(ctx, 3)
	}

	var err error
	req := &funding.OpenChannelRequest{
		SourceNodeID: args.Get(0),
		DestNodeID:   args.Get(1),
		FeeRate:      feeRate(ctx),
		Changeless:   ctx.Bool(changelessFlag.Name),
	}
	if ctx.NArg() == 3 {
		req.Amount, err = parseAmt(args.Get(2))
		if err != nil {
			return err
		}
	}

	req.Outpoints, err = parseOutPoints(ctx.StringSlice(outpointFlag.Name))
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	req.WalletID, err = walletID(client, ctx.String(walletFlag.Name))
	if err != nil {
		return err
	}

	r, err := client.Manager.OpenChannel(context.Background(), req)
	if err != nil {
		return err
	}

	printJSON(newRequestResp(r))

	return nil
}

var closeCommand = cli.Command{
	Name:      "close",
	Usage:     "close a channel of a managed node",
	ArgsUsage: "node chan_id",
	Flags: []cli.Flag{
		walletFlag, feeRateFlag,
		cli.BoolFlag{
			Name:  "force",
			Usage: "close the channel unilaterally",
		},
	},
	Action: closeChannel,
}

func closeChannel(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2); err != nil {
		return err
	}

	chanID, err := parseChanID(ctx.Args().Get(1))
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	wID, err := walletID(client, ctx.String(walletFlag.Name))
	if err != nil {
		return err
	}

	r, err := client.Manager.CloseChannel(
		context.Background(), &funding.CloseChannelRequest{
			WalletID:     wID,
			SourceNodeID: ctx.Args().First(),
			ChanID:       chanID,
			Force:        ctx.Bool("force"),
			FeeRate:      feeRate(ctx),
		},
	)
	if err != nil {
		return err
	}

	printJSON(newRequestResp(r))

	return nil
}

var withdrawCommand = cli.Command{
	Name:      "withdraw",
	Usage:     "send funds of a wallet to an address",
	ArgsUsage: "address [amt]",
	Flags: []cli.Flag{
		walletFlag, feeRateFlag, changelessFlag, outpointFlag,
	},
	Action: withdraw,
}

func withdraw(ctx *cli.Context) error {
	args := ctx.Args()
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return requireArgs(ctx, 2)
	}

	var err error
	req := &funding.WithdrawRequest{
		Address:    args.First(),
		FeeRate:    feeRate(ctx),
		Changeless: ctx.Bool(changelessFlag.Name),
	}
	if ctx.NArg() == 2 {
		req.Amount, err = parseAmt(args.Get(1))
		if err != nil {
			return err
		}
	}

	req.Outpoints, err = parseOutPoints(ctx.StringSlice(outpointFlag.Name))
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	req.WalletID, err = walletID(client, ctx.String(walletFlag.Name))
	if err != nil {
		return err
	}

	r, err := client.Manager.Withdraw(context.Background(), req)
	if err != nil {
		return err
	}

	printJSON(newRequestResp(r))

	return nil
}

var listRequestsCommand = cli.Command{
	Name:  "list",
	Usage: "list all requests",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "state",
			Usage: "only list requests in this state",
		},
	},
	Action: listRequests,
}

func listRequests(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ctxb := context.Background()

	var requests []*funding.Request
	if ctx.IsSet("state") {
		requests, err = client.Requests.RequestsInState(
			ctxb, ctx.String("state"),
		)
	} else {
		requests, err = client.Requests.ListRequests(ctxb)
	}
	if err != nil {
		return err
	}

	resp := make([]*requestResp, 0, len(requests))
	for _, r := range requests {
		resp = append(resp, newRequestResp(r))
	}
	printJSON(resp)

	return nil
}

var requestInfoCommand = cli.Command{
	Name:      "info",
	Usage:     "show a request and its state history",
	ArgsUsage: "id",
	Action:    requestInfo,
}

type updateResp struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

func requestInfo(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ctxb := context.Background()
	id := ctx.Args().First()

	r, err := client.Requests.GetRequest(ctxb, id)
	if err != nil {
		return err
	}

	updates, err := client.Requests.RequestUpdates(ctxb, id)
	if err != nil {
		return err
	}

	resp := newRequestResp(r)
	for _, u := range updates {
		resp.Updates = append(resp.Updates, &updateResp{
			State:     string(u.State),
			Timestamp: u.Timestamp,
		})
	}
	printJSON(resp)

	return nil
}

var cancelCommand = cli.Command{
	Name:      "cancel",
	Usage:     "cancel a request that wasn't published yet",
	ArgsUsage: "id",
	Action:    cancelRequest,
}

func cancelRequest(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := client.Manager.Cancel(
		context.Background(), ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	printJSON(newRequestResp(r))

	return nil
}

// feeRate converts the sat/vbyte flag to a fee rate.
func feeRate(ctx *cli.Context) chainfee.SatPerKWeight {
	satPerVByte := ctx.Uint64(feeRateFlag.Name)

	return chainfee.SatPerKVByte(satPerVByte * 1000).FeePerKWeight()
}

type requestResp struct {
	ID            string        `json:"id"`
	WalletID      int64         `json:"wallet_id"`
	Type          string        `json:"type"`
	State         string        `json:"state"`
	Amount        int64         `json:"amount_sat"`
	FeeRate       int64         `json:"sat_per_kw,omitempty"`
	Changeless    bool          `json:"changeless,omitempty"`
	Outpoints     []string      `json:"outpoints,omitempty"`
	Address       string        `json:"address,omitempty"`
	SourceNode    string        `json:"source_node,omitempty"`
	DestNode      string        `json:"dest_node,omitempty"`
	Force         bool          `json:"force,omitempty"`
	ChanID        uint64        `json:"chan_id,omitempty"`
	TxID          string        `json:"txid,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Updates       []*updateResp `json:"updates,omitempty"`
}

func newRequestResp(r *funding.Request) *requestResp {
	resp := &requestResp{
		ID:            r.ID,
		WalletID:      r.WalletID,
		Type:          r.Type.String(),
		State:         string(r.GetState()),
		Amount:        int64(r.Amount),
		FeeRate:       int64(r.FeeRate),
		Changeless:    r.Changeless,
		Address:       r.DestinationAddress,
		SourceNode:    r.SourceNodeID,
		DestNode:      r.DestNodeID,
		Force:         r.CloseForce,
		ChanID:        r.ChanID,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	for _, op := range r.Outpoints {
		resp.Outpoints = append(resp.Outpoints, op.String())
	}
	if r.TxID != nil {
		resp.TxID = r.TxID.String()
	}

	return resp
}
