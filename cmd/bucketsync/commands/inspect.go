// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/bucketframe"
)

func diffCommand() *cli.Command {
	var (
		configs    configFlags
		from       uint16
		maxActive  int
		bufferSize int
		exitCode   bool
	)
	command := &cli.Command{
		Name:    "diff",
		Summary: "Show what a peer at a given version would receive",
		Description: `Compute the update from --from to the latest version and print the
active list, the changed records, and how the update frames into
packets for a peer buffer of --buffer bytes.`,
		Usage: "bucketsync diff [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("diff", pflag.ContinueOnError)
			configs.register(flagSet)
			flagSet.Uint16Var(&from, "from", 0, "peer's current version")
			flagSet.IntVar(&maxActive, "max-active", 0, "active list limit (default: sync.max_active_buckets)")
			flagSet.IntVar(&bufferSize, "buffer", 0, "peer buffer size (default: sync.default_buffer_size)")
			flagSet.BoolVar(&exitCode, "exit-code", false, "exit with status 1 when an update is pending")
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, _ *slog.Logger) error {
		if len(args) != 0 {
			return fmt.Errorf("diff takes no arguments")
		}
		return withHost(ctx, &configs, func(h *host) error {
			if maxActive == 0 {
				maxActive = h.cfg.Sync.MaxActiveBuckets
			}
			if bufferSize == 0 {
				bufferSize = h.cfg.Sync.DefaultBufferSize
			}
			update, err := h.store.CheckForNextUpdate(ctx, from, maxActive)
			if err != nil {
				return err
			}
			out := command.Output()
			if update == nil {
				fmt.Fprintf(out, "up to date at version %d\n", from)
				return nil
			}

			fmt.Fprintf(out, "version %d -> %d\n\nActive:\n", from, update.ToVersion)
			writer := tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "  ID\tFLAGS\n")
			for _, active := range update.Active {
				fmt.Fprintf(writer, "  %d\t%#02x\n", active.ID, active.Flags)
			}
			writer.Flush()

			fmt.Fprintf(out, "\nChanged:\n")
			writer = tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "  ID\tSIZE\tDATA\n")
			for _, record := range update.Changed {
				fmt.Fprintf(writer, "  %d\t%d\t%s\n", record.ID, len(record.Data), hex.EncodeToString(record.Data))
			}
			writer.Flush()

			envelope := appmsg.Dictionary{bucketframe.KeyPacketID: appmsg.UInt8(bucketframe.PacketHello)}
			leftover := bucketframe.HelloLeftover(envelope, bufferSize, len(update.Active))
			frames, err := bucketframe.Frame(update, leftover, bufferSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nPackets at buffer %d: %d (hello %d bytes", bufferSize, 1+len(frames.FollowUps),
				bucketframe.HelloPacket(envelope, frames.Start).Size())
			for _, followUp := range frames.FollowUps {
				fmt.Fprintf(out, ", follow-up %d bytes", bucketframe.FollowUpPacket(followUp).Size())
			}
			fmt.Fprintln(out, ")")

			if exitCode {
				return &cli.ExitError{Code: 1}
			}
			return nil
		})
	}
	return command
}

func statusCommand() *cli.Command {
	var configs configFlags
	command := &cli.Command{
		Name:    "status",
		Summary: "Show the store version, buckets and peer sync state",
		Usage:   "bucketsync status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			configs.register(flagSet)
			return flagSet
		},
	}
	command.Run = func(ctx context.Context, args []string, _ *slog.Logger) error {
		if len(args) != 0 {
			return fmt.Errorf("status takes no arguments")
		}
		return withHost(ctx, &configs, func(h *host) error {
			latest, err := h.store.LatestVersion(ctx)
			if err != nil {
				return err
			}
			protocol, _, err := h.store.ProtocolVersion(ctx)
			if err != nil {
				return err
			}
			buckets, err := h.store.Buckets(ctx)
			if err != nil {
				return err
			}
			peers, err := h.tracker.Peers(ctx)
			if err != nil {
				return err
			}

			out := command.Output()
			fmt.Fprintf(out, "Store:    %s\nProtocol: %d\nVersion:  %d\n\nBuckets:\n", h.cfg.Store.Path, protocol, latest)
			writer := tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "  ID\tVERSION\tSIZE\tSORT KEY\tUPSTREAM\tFLAGS\n")
			for _, bucket := range buckets {
				if !bucket.Active {
					continue
				}
				sortKey := "-"
				if bucket.SortKey != nil {
					sortKey = strconv.FormatInt(*bucket.SortKey, 10)
				}
				upstream := bucket.UpstreamID
				if upstream == "" {
					upstream = "-"
				}
				fmt.Fprintf(writer, "  %d\t%d\t%d\t%s\t%s\t%#02x\n",
					bucket.ID, bucket.Version, len(bucket.Data), sortKey, upstream, bucket.Flags)
			}
			writer.Flush()

			fmt.Fprintf(out, "\nPeers:\n")
			writer = tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "  PEER\tSYNCED\tLAST SEEN\tAUTO OPEN\n")
			for _, peer := range peers {
				lastSeen := "never"
				if peer.LastSeen.Unix() > 0 {
					lastSeen = peer.LastSeen.Format(time.RFC3339)
				}
				fmt.Fprintf(writer, "  %s\t%t\t%s\t%t\n", peer.Peer, peer.Synced, lastSeen, peer.AutoOpen)
			}
			return writer.Flush()
		})
	}
	return command
}
