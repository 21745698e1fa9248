// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
	"github.com/bureau-foundation/bucketsync/lib/bucketstore"
	"github.com/bureau-foundation/bucketsync/lib/config"
	"github.com/bureau-foundation/bucketsync/lib/sqlitepool"
	"github.com/bureau-foundation/bucketsync/lib/syncstatus"
)

// configFlags is embedded by every command that opens the store.
type configFlags struct {
	path string
}

func (f *configFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.path, "config", "", "config file (default: $BUCKETSYNC_CONFIG)")
}

// load reads and validates the config, and returns a logger at the
// configured level.
func (f *configFlags) load() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.path != "" {
		cfg, err = config.LoadFile(f.path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := cli.NewCommandLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// host bundles the database, the bucket store and the sync status
// tracker, wired the same way for the daemon and one-shot commands.
type host struct {
	cfg     *config.Config
	db      *sqlitepool.Pool
	store   *bucketstore.Store
	tracker *syncstatus.Tracker
	logger  *slog.Logger
}

func openHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*host, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	db, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	tracker, err := syncstatus.Open(ctx, syncstatus.Config{
		DB:            db,
		Scheduler:     &syncstatus.LogScheduler{Logger: logger},
		InactiveAfter: cfg.Status.InactiveAfter,
		Logger:        logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var pool *bucketstore.Pool
	if cfg.Store.DynamicPool != nil {
		pool = &bucketstore.Pool{First: uint8(cfg.Store.DynamicPool.First), Last: uint8(cfg.Store.DynamicPool.Last)}
	}
	store, err := bucketstore.Open(ctx, bucketstore.Config{
		DB:            db,
		DynamicPool:   pool,
		MaxBucketSize: cfg.Store.MaxBucketSize,
		Debounce:      cfg.Store.Debounce,
		Logger:        logger,
		Listener:      tracker,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	compatible, err := store.Init(ctx, cfg.Store.ProtocolVersion)
	if err != nil {
		store.Close()
		db.Close()
		return nil, err
	}
	if !compatible {
		logger.Info("bucket store initialized", "protocol_version", cfg.Store.ProtocolVersion, "path", cfg.Store.Path)
	}
	return &host{cfg: cfg, db: db, store: store, tracker: tracker, logger: logger}, nil
}

func (h *host) Close() {
	h.store.Close()
	if err := h.db.Close(); err != nil {
		h.logger.Warn("closing database failed", "error", err)
	}
}

// parseBucketID parses a static bucket id argument.
func parseBucketID(arg string) (uint8, error) {
	id, err := strconv.ParseUint(arg, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bucket id %q must be between 0 and 255", arg)
	}
	return uint8(id), nil
}

// payloadFlags reads bucket data from an argument, as hex, or from a
// file.
type payloadFlags struct {
	hex     bool
	file    string
	sortKey int64
	flags   uint8
	flagSet *pflag.FlagSet
}

func (f *payloadFlags) register(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&f.hex, "hex", false, "data argument is hex encoded")
	flagSet.StringVar(&f.file, "file", "", "read data from a file instead of an argument")
	flagSet.Int64Var(&f.sortKey, "sort-key", 0, "sort key; buckets without one sort first")
	flagSet.Uint8Var(&f.flags, "flags", 0, "flags byte reported in the active list")
	f.flagSet = flagSet
}

// entry builds the bucket entry from the remaining positional args.
func (f *payloadFlags) entry(args []string) (bucketstore.Entry, error) {
	var data []byte
	switch {
	case f.file != "":
		if len(args) != 0 {
			return bucketstore.Entry{}, fmt.Errorf("--file and a data argument are mutually exclusive")
		}
		contents, err := os.ReadFile(f.file)
		if err != nil {
			return bucketstore.Entry{}, err
		}
		data = contents
	case len(args) != 1:
		return bucketstore.Entry{}, fmt.Errorf("expected exactly one data argument")
	case f.hex:
		decoded, err := hex.DecodeString(args[0])
		if err != nil {
			return bucketstore.Entry{}, fmt.Errorf("decoding hex data: %w", err)
		}
		data = decoded
	default:
		data = []byte(args[0])
	}

	entry := bucketstore.Entry{Data: data, Flags: f.flags}
	if f.flagSet != nil && f.flagSet.Changed("sort-key") {
		sortKey := f.sortKey
		entry.SortKey = &sortKey
	}
	return entry, nil
}
