// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bucketframe encodes bucket diffs into peer packets and
// decodes them again on the peer side.
//
// A diff travels as a start payload followed by zero or more follow-up
// payloads:
//
//	start:     status:1 version:2(BE) count:1 (id:1 flags:1)*count (id:1 size:1 data)*
//	follow-up: status:1 (id:1 size:1 data)*
//
// Status is StatusMore while payloads follow, StatusLast on the payload
// that completes the sync, and StatusUpToDate (alone, as a one-byte
// start payload) when the peer needs nothing.
//
// Each payload rides in an appmsg dictionary. The start payload of a
// connection is merged into the caller's hello envelope under
// KeyHelloData; later start payloads go out as UpdatePacket, and
// follow-ups as FollowUpPacket. Frame packs records greedily in list
// order so that every packet, headers included, fits the peer's
// receive buffer.
//
// Peer is the receiving side, used by the reference peer binary and by
// round-trip tests.
package bucketframe
