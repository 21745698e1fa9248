// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot exports and imports the whole bucket table.
//
// A snapshot is a fixed header followed by the payload:
//
//	magic "BKSNAP" (6) | format (1) | flags (1) | compression (1) |
//	body size (4, big-endian) | digest (32) | payload
//
// The body is the CBOR encoding of every bucket row together with the
// latest version and the protocol version the store was initialized
// with. The digest is a BLAKE3 keyed hash of the body, so a corrupted
// or truncated file is rejected before anything is written. The
// payload is the body compressed with the tagged algorithm and, when
// the encrypted flag is set, then encrypted with age to one or more
// X25519 recipients.
//
// Import restores stored versions verbatim, so a peer that synced
// against the exported table keeps its baseline.
package snapshot
