// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
)

// withHost loads the config, opens the store and runs fn.
func withHost(ctx context.Context, flags *configFlags, fn func(*host) error) error {
	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	h, err := openHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

func putCommand() *cli.Command {
	var (
		configs configFlags
		payload payloadFlags
	)
	return &cli.Command{
		Name:    "put",
		Summary: "Write a static bucket",
		Description: `Write data to a static bucket. Unchanged data and sort key leave
the version alone; anything else takes the next version and is picked
up by the daemon for every connected peer.`,
		Usage: "bucketsync put <id> [<data>] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("put", pflag.ContinueOnError)
			configs.register(flagSet)
			payload.register(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Store a short text", Command: "bucketsync put 1 'Battery 84%'"},
			{Description: "Store raw bytes ordered by a timestamp", Command: "bucketsync put 7 --hex 0a0b0c --sort-key 1767225600"},
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) < 1 {
				return fmt.Errorf("bucket id required")
			}
			id, err := parseBucketID(args[0])
			if err != nil {
				return err
			}
			entry, err := payload.entry(args[1:])
			if err != nil {
				return err
			}
			return withHost(ctx, &configs, func(h *host) error {
				return h.store.UpdateBucket(ctx, id, entry)
			})
		},
	}
}

func deleteCommand() *cli.Command {
	var configs configFlags
	return &cli.Command{
		Name:    "delete",
		Summary: "Delete a static bucket",
		Usage:   "bucketsync delete <id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("delete", pflag.ContinueOnError)
			configs.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one bucket id")
			}
			id, err := parseBucketID(args[0])
			if err != nil {
				return err
			}
			return withHost(ctx, &configs, func(h *host) error {
				return h.store.DeleteBucket(ctx, id)
			})
		},
	}
}

func putDynamicCommand() *cli.Command {
	var (
		configs configFlags
		payload payloadFlags
	)
	command := &cli.Command{
		Name:    "put-dynamic",
		Summary: "Write a bucket keyed by an upstream id",
		Description: `Write data for an upstream id (a notification key, a calendar event
id) into the configured dynamic pool. The assigned bucket id is
printed. When the pool is full the least relevant occupant is
repurposed: buckets without a sort key first, then the lowest sort key.`,
		Usage: "bucketsync put-dynamic <upstream-id> [<data>] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("put-dynamic", pflag.ContinueOnError)
			configs.register(flagSet)
			payload.register(flagSet)
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, _ *slog.Logger) error {
		if len(args) < 1 {
			return fmt.Errorf("upstream id required")
		}
		entry, err := payload.entry(args[1:])
		if err != nil {
			return err
		}
		return withHost(ctx, &configs, func(h *host) error {
			id, err := h.store.UpdateBucketDynamic(ctx, args[0], entry)
			if err != nil {
				return err
			}
			fmt.Fprintln(command.Output(), id)
			return nil
		})
	}
	return command
}

func deleteDynamicCommand() *cli.Command {
	var configs configFlags
	return &cli.Command{
		Name:    "delete-dynamic",
		Summary: "Delete the bucket mapped to an upstream id",
		Usage:   "bucketsync delete-dynamic <upstream-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("delete-dynamic", pflag.ContinueOnError)
			configs.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one upstream id")
			}
			return withHost(ctx, &configs, func(h *host) error {
				return h.store.DeleteBucketDynamic(ctx, args[0])
			})
		},
	}
}

func clearDynamicCommand() *cli.Command {
	var configs configFlags
	return &cli.Command{
		Name:    "clear-dynamic",
		Summary: "Delete every bucket in the dynamic pool",
		Usage:   "bucketsync clear-dynamic [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("clear-dynamic", pflag.ContinueOnError)
			configs.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 0 {
				return fmt.Errorf("clear-dynamic takes no arguments")
			}
			return withHost(ctx, &configs, func(h *host) error {
				return h.store.ClearAllDynamic(ctx)
			})
		},
	}
}
