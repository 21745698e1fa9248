// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
	"github.com/bureau-foundation/bucketsync/lib/snapshot"
)

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Summary: "Back up and restore the bucket table",
		Description: `Export the bucket table to a single file, or replace the table with
one. Versions are kept as exported, so peers that synced against the
exported table stay in sync after a restore.`,
		Subcommands: []*cli.Command{
			snapshotExportCommand(),
			snapshotImportCommand(),
			snapshotKeygenCommand(),
		},
	}
}

func snapshotExportCommand() *cli.Command {
	var (
		configs     configFlags
		compression string
		recipients  []string
	)
	command := &cli.Command{
		Name:    "export",
		Summary: "Write the bucket table to a snapshot file",
		Usage:   "bucketsync snapshot export <file|-> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
			configs.register(flagSet)
			flagSet.StringVar(&compression, "compression", "zstd", "body compression: zstd, lz4, or none")
			flagSet.StringArrayVar(&recipients, "recipient", nil, "age public key to encrypt to (repeatable)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Encrypted backup", Command: "bucketsync snapshot export buckets.snap --recipient age1..."},
		},
	}
	command.Run = func(ctx context.Context, args []string, _ *slog.Logger) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one output file")
		}
		tag, err := snapshot.ParseCompression(compression)
		if err != nil {
			return err
		}
		return withHost(ctx, &configs, func(h *host) error {
			output, finish, err := createOutput(args[0], command.Output())
			if err != nil {
				return err
			}
			info, err := snapshot.Export(ctx, h.store, output, snapshot.Options{Compression: tag, Recipients: recipients})
			if err := finish(err); err != nil {
				return err
			}
			h.logger.Info("snapshot exported",
				"rows", info.Rows,
				"version", info.Latest,
				"compression", info.Compression.String(),
				"encrypted", info.Encrypted,
				"digest", info.Digest.String(),
			)
			return nil
		})
	}
	return command
}

func snapshotImportCommand() *cli.Command {
	var (
		configs      configFlags
		identityFile string
	)
	return &cli.Command{
		Name:    "import",
		Summary: "Replace the bucket table with a snapshot file",
		Usage:   "bucketsync snapshot import <file|-> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("import", pflag.ContinueOnError)
			configs.register(flagSet)
			flagSet.StringVar(&identityFile, "identity-file", "", "file holding age private keys for encrypted snapshots")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one input file")
			}
			var identities []string
			if identityFile != "" {
				var err error
				identities, err = readIdentities(identityFile)
				if err != nil {
					return err
				}
			}
			return withHost(ctx, &configs, func(h *host) error {
				input := io.Reader(os.Stdin)
				if args[0] != "-" {
					file, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer file.Close()
					input = file
				}
				info, err := snapshot.Import(ctx, h.store, input, identities)
				if err != nil {
					return err
				}
				h.logger.Info("snapshot imported", "rows", info.Rows, "version", info.Latest, "digest", info.Digest.String())
				return nil
			})
		},
	}
}

func snapshotKeygenCommand() *cli.Command {
	command := &cli.Command{
		Name:    "keygen",
		Summary: "Generate an age keypair for snapshot encryption",
		Description: `Print a new age private key followed by a comment with its public
key. Store the output as an --identity-file and pass the public key to
export --recipient.`,
		Usage: "bucketsync snapshot keygen",
	}
	command.Run = func(_ context.Context, args []string, _ *slog.Logger) error {
		if len(args) != 0 {
			return fmt.Errorf("keygen takes no arguments")
		}
		identity, recipient, err := snapshot.GenerateIdentity()
		if err != nil {
			return err
		}
		fmt.Fprintf(command.Output(), "# public key: %s\n%s\n", recipient, identity)
		return nil
	}
	return command
}

// createOutput opens path for writing ("-" is stdout). finish closes
// the file and removes it when the write failed.
func createOutput(path string, stdout io.Writer) (io.Writer, func(error) error, error) {
	if path == "-" {
		return stdout, func(err error) error { return err }, nil
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, err
	}
	finish := func(err error) error {
		closeErr := file.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
		}
		return err
	}
	return file, finish, nil
}

// readIdentities reads age private keys, one per line, ignoring blank
// lines and # comments.
func readIdentities(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var identities []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identities = append(identities, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("%s holds no identities", path)
	}
	return identities, nil
}
