// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bucketsync/cmd/bucketsync/cli"
	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/lib/version"
	"github.com/bureau-foundation/bucketsync/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		address     string
		name        string
		bufferSize  int
		protocol    uint32
		statePath   string
		once        bool
		retry       time.Duration
		signalDir   string
		hostName    string
		iceServers  []string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("bucketsync-peer", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", "127.0.0.1:7420", "TCP address of the bucketsync daemon")
	flagSet.StringVar(&name, "name", "", "peer name reported in the hello (default: hostname)")
	flagSet.IntVar(&bufferSize, "buffer", 128, "receive buffer size in bytes")
	flagSet.Uint32Var(&protocol, "protocol", version.Protocol, "protocol version reported in the hello")
	flagSet.StringVar(&statePath, "state", "", "file the synced buckets are saved to between runs")
	flagSet.BoolVar(&once, "once", false, "exit after the first completed sync")
	flagSet.DurationVar(&retry, "retry", 5*time.Second, "delay before reconnecting after the link drops")
	flagSet.StringVar(&signalDir, "signal-dir", "", "connect over WebRTC, signaling through this directory")
	flagSet.StringVar(&hostName, "host-name", "bucketsync", "WebRTC name of the daemon (with --signal-dir)")
	flagSet.StringArrayVar(&iceServers, "ice-server", nil, "STUN/TURN URL for WebRTC (repeatable)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}

	if showVersion {
		fmt.Printf("bucketsync-peer %s\n", version.Info())
		return nil
	}
	if bufferSize <= 0 {
		return fmt.Errorf("--buffer must be positive")
	}
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("--name not set and hostname unavailable: %w", err)
		}
		name = hostname
	}

	logger, err := cli.NewCommandLogger(logLevel)
	if err != nil {
		return err
	}
	logger = logger.With("peer", name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peer, err := newSyncPeer(peerConfig{
		Name:       name,
		Protocol:   protocol,
		BufferSize: bufferSize,
		StatePath:  statePath,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var dialer transport.Dialer = &transport.TCPDialer{Timeout: 10 * time.Second}
	if signalDir != "" {
		signaler, err := transport.NewDirSignaler(signalDir)
		if err != nil {
			return err
		}
		webrtc := transport.NewWebRTCTransport(signaler, name,
			transport.ICEConfigFromURLs(iceServers, "", ""), logger)
		webrtc.Start(ctx)
		defer webrtc.Close()
		dialer = webrtc
		address = hostName
	}

	return peer.connect(ctx, dialer, address, once, retry, clock.Real())
}
