// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/bucketframe"
	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/lib/codec"
	"github.com/bureau-foundation/bucketsync/transport"
)

// destination is the application key the host addresses packets to.
const destination = "bucketsync"

type peerConfig struct {
	Name       string
	Protocol   uint32
	BufferSize int

	// StatePath is where completed state is saved between runs. Empty
	// keeps state in memory only.
	StatePath string

	Logger *slog.Logger
}

// syncPeer holds the local bucket copy across reconnects.
type syncPeer struct {
	cfg    peerConfig
	logger *slog.Logger

	mu    sync.Mutex
	peer  *bucketframe.Peer
	syncs int

	// completed receives the version of every completed sync.
	completed chan uint16
}

func newSyncPeer(cfg peerConfig) (*syncPeer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	peer, err := loadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	logger.Info("peer state loaded", "version", peer.Version(), "buckets", len(peer.BucketIDs()))
	return &syncPeer{
		cfg:       cfg,
		logger:    logger,
		peer:      peer,
		completed: make(chan uint16, 1),
	}, nil
}

func loadState(path string) (*bucketframe.Peer, error) {
	if path == "" {
		return bucketframe.NewPeer(0), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return bucketframe.NewPeer(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading peer state: %w", err)
	}
	var state bucketframe.PeerState
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding peer state %s: %w", path, err)
	}
	return bucketframe.RestorePeer(state), nil
}

// saveLocked writes the state next to its destination and renames it
// into place.
func (p *syncPeer) saveLocked() error {
	if p.cfg.StatePath == "" {
		return nil
	}
	data, err := codec.Marshal(p.peer.State())
	if err != nil {
		return fmt.Errorf("encoding peer state: %w", err)
	}
	temporary, err := os.CreateTemp(filepath.Dir(p.cfg.StatePath), ".peer-state-*")
	if err != nil {
		return fmt.Errorf("saving peer state: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("saving peer state: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("saving peer state: %w", err)
	}
	if err := os.Rename(temporary.Name(), p.cfg.StatePath); err != nil {
		return fmt.Errorf("saving peer state: %w", err)
	}
	return nil
}

// serve runs one link over conn until the host hangs up, or with once
// until the first sync on the link completes.
func (p *syncPeer) serve(ctx context.Context, conn net.Conn, once bool) error {
	p.mu.Lock()
	hello := transport.Hello{
		Peer:       p.cfg.Name,
		Protocol:   p.cfg.Protocol,
		Version:    p.peer.Version(),
		BufferSize: p.cfg.BufferSize,
	}
	start := p.syncs
	p.mu.Unlock()

	var done func() bool
	if once {
		done = func() bool {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.syncs > start
		}
	}
	p.logger.Info("connected", "remote", conn.RemoteAddr().String(), "version", hello.Version)
	return transport.ServeStreamUntil(ctx, conn, hello, p.handle, done)
}

func (p *syncPeer) handle(_ context.Context, to string, packet appmsg.Dictionary) transport.Result {
	if to != destination {
		p.logger.Warn("packet for unknown destination", "destination", to)
		return transport.ResultNoReceivingApp
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	complete, err := p.peer.Apply(packet)
	if err != nil {
		p.logger.Warn("rejecting packet", "error", err)
		return transport.ResultNacked
	}
	if !complete {
		return transport.ResultSuccess
	}

	p.syncs++
	version := p.peer.Version()
	p.logger.Info("sync complete", "version", version, "active", len(p.peer.Active()))
	for _, id := range p.peer.BucketIDs() {
		data, _ := p.peer.Bucket(id)
		p.logger.Debug("bucket", "id", id, "data", hex.EncodeToString(data))
	}
	if err := p.saveLocked(); err != nil {
		p.logger.Error("saving peer state failed", "error", err)
	}

	select {
	case <-p.completed:
	default:
	}
	p.completed <- version
	return transport.ResultSuccess
}

func (p *syncPeer) synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncs > 0
}

// snapshot returns the current copy for inspection.
func (p *syncPeer) snapshot() bucketframe.PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer.State()
}

// connect dials address and serves links until ctx ends, redialing
// retry after each drop. With once it returns after the first
// completed sync.
func (p *syncPeer) connect(ctx context.Context, dialer transport.Dialer, address string, once bool, retry time.Duration, clk clock.Clock) error {
	for {
		conn, err := dialer.DialContext(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if once {
				return fmt.Errorf("dialing %s: %w", address, err)
			}
			p.logger.Warn("dial failed", "address", address, "error", err, "retry", retry)
		} else {
			err := p.serve(ctx, conn, once)
			if ctx.Err() != nil {
				return nil
			}
			if once {
				if err == nil && p.synced() {
					return nil
				}
				if err == nil {
					err = fmt.Errorf("host hung up before the sync completed")
				}
				return err
			}
			if err != nil {
				p.logger.Warn("link failed", "error", err)
			} else {
				p.logger.Info("disconnected")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(retry):
		}
	}
}
