// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves logical packets between the bucketsync host
// and a peer.
//
// The sync engine sees only [Sender]: hand it a destination and an
// application message, get back a [Result]. How that result is
// classified (transient, permanent, or the silent wrong-foreground
// case) is defined here so that every link reports failures in the
// same vocabulary.
//
// Links are byte streams. [Listener] and [Dialer] produce net.Conn
// values over TCP ([TCPListener], [TCPDialer]) or over WebRTC data
// channels ([WebRTCTransport]), the latter signalled through a
// [Signaler] ([MemorySignaler] in tests, [DirSignaler] for peers that
// share a filesystem). On top of a stream, [AcceptStream] runs the
// host half of the packet protocol and [ServeStream] the peer half:
// the peer opens with a [Hello], the host sends CBOR packet frames,
// and the peer answers every frame with an ack carrying its Result.
//
// Link establishment and peer discovery stop at the Signaler
// boundary. There is no pairing or authentication layer.
package transport
