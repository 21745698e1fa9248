// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/bucketframe"
	"github.com/bureau-foundation/bucketsync/lib/packetqueue"
	"github.com/bureau-foundation/bucketsync/lib/syncsession"
	"github.com/bureau-foundation/bucketsync/transport"
)

// destination is the application key every packet is addressed to.
const destination = "bucketsync"

func serveCommand() *cli.Command {
	var (
		configs configFlags
		listen  string
	)
	return &cli.Command{
		Name:    "serve",
		Summary: "Run the sync daemon",
		Description: `Accept peers and keep each one in sync: the peer's hello names its
version and buffer size, the daemon answers with the initial update
and then streams every later change. Changes made by other bucketsync
commands against the same database are picked up by polling.`,
		Usage: "bucketsync serve [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			configs.register(flagSet)
			flagSet.StringVar(&listen, "listen", "", "TCP listen address (default: transport.listen_address)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 0 {
				return fmt.Errorf("serve takes no arguments")
			}
			cfg, logger, err := configs.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Transport.ListenAddress = listen
			}
			h, err := openHost(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.serve(ctx)
		},
	}
}

// serve runs until ctx is cancelled or a listener fails.
func (h *host) serve(ctx context.Context) error {
	if err := h.tracker.AppStarted(ctx); err != nil {
		return err
	}

	tcp, err := transport.NewTCPListener(h.cfg.Transport.ListenAddress)
	if err != nil {
		return err
	}
	listeners := []transport.Listener{tcp}

	if webrtcConfig := h.cfg.Transport.WebRTC; webrtcConfig != nil {
		signaler, err := transport.NewDirSignaler(webrtcConfig.SignalDirectory)
		if err != nil {
			tcp.Close()
			return err
		}
		webrtc := transport.NewWebRTCTransport(signaler, webrtcConfig.Name,
			transport.ICEConfigFromURLs(webrtcConfig.ICEServers, "", ""), h.logger)
		webrtc.Start(ctx)
		listeners = append(listeners, webrtc)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return h.store.PollChanges(ctx, h.cfg.Store.PollInterval)
	})
	group.Go(func() error {
		<-ctx.Done()
		for _, listener := range listeners {
			listener.Close()
		}
		return nil
	})

	// Peer failures are logged, never fatal for the daemon, so peers
	// run in their own group.
	var peers errgroup.Group
	for _, listener := range listeners {
		h.logger.Info("accepting peers", "address", listener.Address())
		group.Go(func() error {
			for {
				conn, err := listener.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("accepting on %s: %w", listener.Address(), err)
				}
				peers.Go(func() error {
					h.servePeer(ctx, conn)
					return nil
				})
			}
		})
	}

	err = group.Wait()
	peers.Wait()
	return err
}

// servePeer runs one peer link until it drops or ctx ends.
func (h *host) servePeer(ctx context.Context, conn net.Conn) {
	logger := h.logger.With("remote", conn.RemoteAddr().String())
	stream, hello, err := transport.AcceptStream(ctx, conn, transport.StreamConfig{
		AckTimeout: h.cfg.Transport.AckTimeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn("peer handshake failed", "error", err)
		return
	}
	defer stream.Close()

	logger = logger.With("peer", hello.Peer)
	if hello.Protocol != h.cfg.Store.ProtocolVersion {
		logger.Warn("peer speaks another protocol, disconnecting",
			"peer_protocol", hello.Protocol, "protocol_version", h.cfg.Store.ProtocolVersion)
		return
	}
	bufferSize := hello.BufferSize
	if bufferSize <= 0 {
		bufferSize = h.cfg.Sync.DefaultBufferSize
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue, err := packetqueue.New(packetqueue.Config{
		Sender:      stream,
		Destination: destination,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("creating packet queue failed", "error", err)
		return
	}
	var group errgroup.Group
	group.Go(func() error { return queue.Run(ctx) })
	defer group.Wait()
	// Registered after group.Wait so it runs first.
	defer cancel()

	session, err := syncsession.New(syncsession.Config{
		Store:            h.store,
		Queue:            queue,
		Peer:             hello.Peer,
		MaxActiveBuckets: h.cfg.Sync.MaxActiveBuckets,
		OpenController:   h.tracker,
		Observer:         h.tracker,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("creating sync session failed", "error", err)
		return
	}
	defer session.Stop()

	logger.Info("peer connected", "version", hello.Version, "buffer_size", bufferSize)
	envelope := appmsg.Dictionary{bucketframe.KeyPacketID: appmsg.UInt8(bucketframe.PacketHello)}
	session.Start(ctx, envelope, hello.Version, bufferSize)

	select {
	case <-stream.Done():
		if err := stream.Err(); err != nil {
			logger.Info("peer disconnected", "error", err)
		} else {
			logger.Info("peer disconnected")
		}
	case <-session.Done():
		if err := session.Err(); err != nil {
			logger.Error("sync session failed", "error", err)
		}
	case <-ctx.Done():
	}
}
