package main

import (
	"context"

	"github.com/chanvault/chanvault/coinselect"
	"github.com/urfave/cli"
)

var tagCommand = cli.Command{
	Name:  "tag",
	Usage: "tag outpoints, e.g. to freeze them",
	Description: `
	Outpoints tagged frozen or manually-frozen are never selected.
	`,
	Subcommands: []cli.Command{
		setTagCommand,
		clearTagCommand,
		listTagsCommand,
		freezeCommand,
		unfreezeCommand,
	},
}

var setTagCommand = cli.Command{
	Name:      "set",
	Usage:     "set a tag on an outpoint",
	ArgsUsage: "outpoint tag [value]",
	Action:    setTag,
}

func setTag(ctx *cli.Context) error {
	if ctx.NArg() < 2 || ctx.NArg() > 3 {
		return requireArgs(ctx, 3)
	}

	value := coinselect.TagTrue
	if ctx.NArg() == 3 {
		value = ctx.Args().Get(2)
	}

	return updateTag(ctx, ctx.Args().First(), ctx.Args().Get(1), value)
}

var clearTagCommand = cli.Command{
	Name:      "clear",
	Usage:     "remove a tag from an outpoint",
	ArgsUsage: "outpoint tag",
	Action:    clearTag,
}

func clearTag(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2); err != nil {
		return err
	}

	return updateTag(ctx, ctx.Args().First(), ctx.Args().Get(1), "")
}

var freezeCommand = cli.Command{
	Name:      "freeze",
	Usage:     "exclude an outpoint from coin selection",
	ArgsUsage: "outpoint",
	Action:    freeze,
}

func freeze(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	return updateTag(
		ctx, ctx.Args().First(), coinselect.TagManuallyFrozen,
		coinselect.TagTrue,
	)
}

var unfreezeCommand = cli.Command{
	Name:      "unfreeze",
	Usage:     "release a manually frozen outpoint",
	ArgsUsage: "outpoint",
	Action:    unfreeze,
}

func unfreeze(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	return updateTag(
		ctx, ctx.Args().First(), coinselect.TagManuallyFrozen, "",
	)
}

// updateTag sets a tag, or clears it if value is empty.
func updateTag(ctx *cli.Context, outpoint, tag, value string) error {
	op, err := parseOutPoint(outpoint)
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	ctxb := context.Background()
	if value == "" {
		err = client.Selector.ClearTag(ctxb, op, tag)
	} else {
		err = client.Selector.SetTag(ctxb, op, tag, value)
	}
	if err != nil {
		return err
	}

	tags, err := client.Selector.Tags(ctxb)
	if err != nil {
		return err
	}

	printJSON(map[string]interface{}{
		"outpoint": op.String(),
		"tags":     tags[op],
	})

	return nil
}

var listTagsCommand = cli.Command{
	Name:   "list",
	Usage:  "list all tagged outpoints",
	Action: listTags,
}

func listTags(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	tags, err := client.Selector.Tags(context.Background())
	if err != nil {
		return err
	}

	resp := make(map[string]map[string]string, len(tags))
	for op, t := range tags {
		resp[op.String()] = t
	}
	printJSON(resp)

	return nil
}
