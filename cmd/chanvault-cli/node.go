package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chanvault/chanvault/custodydb"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/urfave/cli"
)

var nodeCommand = cli.Command{
	Name:  "node",
	Usage: "manage lnd nodes",
	Subcommands: []cli.Command{
		addNodeCommand,
		listNodesCommand,
		nodeInfoCommand,
		channelsCommand,
	},
}

var addNodeCommand = cli.Command{
	Name:      "add",
	Usage:     "add or update a node",
	ArgsUsage: "id host",
	Description: `
	Stores a node. Nodes without macaroon are peers the engine can open
	channels to but not operate. chanvaultd picks up new nodes on restart.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "tlscertpath",
			Usage: "path to the node's TLS certificate",
		},
		cli.StringFlag{
			Name:  "macaroonpath",
			Usage: "path to the node's admin macaroon",
		},
		cli.StringFlag{
			Name:  "pubkey",
			Usage: "the node's identity key, learned on first contact if unset",
		},
	},
	Action: addNode,
}

func addNode(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	node := &custodydb.Node{
		ID:      ctx.Args().First(),
		Host:    ctx.Args().Get(1),
		PubKey:  ctx.String("pubkey"),
		Network: client.Network,
	}
	if ctx.IsSet("tlscertpath") {
		node.TLSCertPath = lncfg.CleanAndExpandPath(
			ctx.String("tlscertpath"),
		)
	}
	if ctx.IsSet("macaroonpath") {
		node.MacaroonPath = lncfg.CleanAndExpandPath(
			ctx.String("macaroonpath"),
		)
	}

	ctxb := context.Background()
	if err := client.Store.UpsertNode(ctxb, node); err != nil {
		return err
	}

	node, err = client.Store.GetNode(ctxb, node.ID)
	if err != nil {
		return err
	}
	printJSON(newNodeResp(node))

	return nil
}

var listNodesCommand = cli.Command{
	Name:   "list",
	Usage:  "list all nodes",
	Action: listNodes,
}

func listNodes(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	nodes, err := client.Store.ListNodes(context.Background())
	if err != nil {
		return err
	}

	resp := make([]*nodeResp, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, newNodeResp(n))
	}
	printJSON(resp)

	return nil
}

var nodeInfoCommand = cli.Command{
	Name:      "info",
	Usage:     "connect to a node and show its state",
	ArgsUsage: "id",
	Action:    nodeInfo,
}

func nodeInfo(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ctxb := context.Background()
	lnd, err := client.Pool.Lightning(ctxb, ctx.Args().First())
	if err != nil {
		return err
	}

	info, err := lnd.GetInfo(ctxb, &lnrpc.GetInfoRequest{})
	if err != nil {
		return err
	}

	printRespJSON(info)

	return nil
}

var channelsCommand = cli.Command{
	Name:      "channels",
	Usage:     "list the channels the engine knows of a node",
	ArgsUsage: "id",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "live",
			Usage: "query the node instead of the database",
		},
	},
	Action: listChannels,
}

type channelResp struct {
	ChanID          string    `json:"chan_id"`
	ChannelPoint    string    `json:"channel_point"`
	DestNode        string    `json:"dest_node,omitempty"`
	RemotePubKey    string    `json:"remote_pubkey"`
	Capacity        int64     `json:"capacity_sat"`
	Status          string    `json:"status"`
	CreatedByEngine bool      `json:"created_by_engine"`
	CreatedAt       time.Time `json:"created_at"`
}

func listChannels(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ctxb := context.Background()
	if ctx.Bool("live") {
		lnd, err := client.Pool.Lightning(ctxb, ctx.Args().First())
		if err != nil {
			return err
		}

		resp, err := lnd.ListChannels(
			ctxb, &lnrpc.ListChannelsRequest{},
		)
		if err != nil {
			return err
		}
		printRespJSON(resp)

		return nil
	}

	channels, err := client.Store.NodeChannels(ctxb, ctx.Args().First())
	if err != nil {
		return err
	}

	resp := make([]*channelResp, 0, len(channels))
	for _, c := range channels {
		resp = append(resp, &channelResp{
			ChanID:          formatChanID(c.ChanID),
			ChannelPoint:    c.ChannelPoint().String(),
			DestNode:        c.DestNodeID,
			RemotePubKey:    c.RemotePubKey,
			Capacity:        int64(c.Capacity),
			Status:          c.Status.String(),
			CreatedByEngine: c.CreatedByEngine,
			CreatedAt:       c.CreatedAt,
		})
	}
	printJSON(resp)

	return nil
}

type nodeResp struct {
	ID           string `json:"id"`
	PubKey       string `json:"pubkey,omitempty"`
	Host         string `json:"host"`
	TLSCertPath  string `json:"tlscertpath,omitempty"`
	MacaroonPath string `json:"macaroonpath,omitempty"`
	Network      string `json:"network"`
	Managed      bool   `json:"managed"`
}

func newNodeResp(n *custodydb.Node) *nodeResp {
	return &nodeResp{
		ID:           n.ID,
		PubKey:       n.PubKey,
		Host:         n.Host,
		TLSCertPath:  n.TLSCertPath,
		MacaroonPath: n.MacaroonPath,
		Network:      n.Network,
		Managed:      n.HasCredentials(),
	}
}

// parseChanID parses a channel id either as integer or in the
// block x tx x output form.
func parseChanID(s string) (uint64, error) {
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return id, nil
	}

	var block, tx, output uint32
	_, err := fmt.Sscanf(s, "%dx%dx%d", &block, &tx, &output)
	if err != nil {
		return 0, fmt.Errorf("invalid channel id %q", s)
	}

	return lnwire.ShortChannelID{
		BlockHeight: block,
		TxIndex:     tx,
		TxPosition:  uint16(output),
	}.ToUint64(), nil
}

// formatChanID formats a channel id in the block x tx x output form. Ids of
// channels still pending are zero.
func formatChanID(id uint64) string {
	if id == 0 {
		return ""
	}

	scid := lnwire.NewShortChanIDFromInt(id)

	return fmt.Sprintf("%dx%dx%d", scid.BlockHeight, scid.TxIndex,
		scid.TxPosition)
}
