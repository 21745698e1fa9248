// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/testutil"
)

// TestWebRTCStreamRoundTrip links a host and a peer through an
// in-process signaler and runs the packet protocol over the data
// channel.
func TestWebRTCStreamRoundTrip(t *testing.T) {
	signaler := NewMemorySignaler()
	host := NewWebRTCTransport(signaler, "host", ICEConfig{}, testutil.Logger(t))
	defer host.Close()
	peer := NewWebRTCTransport(signaler, "watch", ICEConfig{}, testutil.Logger(t))
	defer peer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	host.Start(ctx)
	testutil.RequireClosed(t, host.Ready(), 5*time.Second, "host transport not ready")

	applied := make(chan appmsg.Dictionary, 1)
	served := make(chan error, 1)
	go func() {
		conn, err := peer.DialContext(ctx, host.Address())
		if err != nil {
			served <- err
			return
		}
		served <- ServeStream(ctx, conn, Hello{Peer: "watch", Protocol: 1, BufferSize: 512}, func(_ context.Context, _ string, payload appmsg.Dictionary) Result {
			applied <- payload
			return ResultSuccess
		})
	}()

	conn, err := host.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	stream, hello, err := AcceptStream(ctx, conn, StreamConfig{Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	defer stream.Close()
	if hello.Peer != "watch" || hello.BufferSize != 512 {
		t.Fatalf("hello = %+v", hello)
	}

	if result := stream.Send(ctx, "bucketsync", appmsg.Dictionary{0: appmsg.UInt8(2)}); result != ResultSuccess {
		t.Fatalf("Send = %s", result)
	}
	payload := testutil.RequireReceive(t, applied, 5*time.Second, "peer did not apply packet")
	if id, _ := payload.Uint(0); id != 2 {
		t.Errorf("applied packet id %d, want 2", id)
	}
}

func TestWebRTCAddress(t *testing.T) {
	transport := NewWebRTCTransport(NewMemorySignaler(), "host/kitchen", ICEConfig{}, nil)
	defer transport.Close()
	if got := transport.Address(); got != "host/kitchen" {
		t.Errorf("Address() = %q", got)
	}
}

func TestWebRTCClosed(t *testing.T) {
	transport := NewWebRTCTransport(NewMemorySignaler(), "host", ICEConfig{}, nil)
	transport.Close()

	if _, err := transport.DialContext(context.Background(), "watch"); !errors.Is(err, net.ErrClosed) {
		t.Errorf("DialContext after Close = %v, want net.ErrClosed", err)
	}
	if _, err := transport.Accept(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after Close = %v, want net.ErrClosed", err)
	}
}

func TestICEConfigFromURLs(t *testing.T) {
	if config := ICEConfigFromURLs(nil, "", ""); len(config.Servers) != 0 {
		t.Errorf("empty URLs gave %d servers", len(config.Servers))
	}
	config := ICEConfigFromURLs([]string{"stun:stun.example.net:3478"}, "u", "p")
	if len(config.Servers) != 1 || config.Servers[0].Username != "u" {
		t.Errorf("config = %+v", config)
	}
}
