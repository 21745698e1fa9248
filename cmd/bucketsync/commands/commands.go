// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the bucketsync CLI command tree.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
	"github.com/bureau-foundation/bucketsync/lib/version"
)

// Root builds and returns the complete bucketsync command tree.
func Root() *cli.Command {
	root := &cli.Command{
		Name: "bucketsync",
		Description: `bucketsync: versioned bucket sync to constrained peers.

Keep up to 256 small records ("buckets") in a local database and push
every change to connected peers in packets that fit their receive
buffer.`,
		Subcommands: []*cli.Command{
			serveCommand(),
			putCommand(),
			deleteCommand(),
			putDynamicCommand(),
			deleteDynamicCommand(),
			clearDynamicCommand(),
			diffCommand(),
			statusCommand(),
			snapshotCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Run the daemon with an explicit config",
				Command:     "bucketsync serve --config /etc/bucketsync.yaml",
			},
			{
				Description: "Update a bucket while the daemon runs",
				Command:     "bucketsync put 3 'Meeting at 10:00' --sort-key 1767258000",
			},
			{
				Description: "Preview what a peer at version 12 would receive",
				Command:     "bucketsync diff --from 12 --buffer 64",
			},
		},
	}

	versionCommand := &cli.Command{
		Name:    "version",
		Summary: "Print version information",
	}
	versionCommand.Run = func(_ context.Context, _ []string, _ *slog.Logger) error {
		fmt.Fprintf(versionCommand.Output(), "bucketsync %s\n", version.Full())
		return nil
	}
	root.Subcommands = append(root.Subcommands, versionCommand)
	return root
}
