// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the one CBOR configuration shared by every
// bucketsync component that serializes structured data: stream
// transport frames, the persisted protocol-version scalar, and
// snapshot bodies.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always produces the same bytes. Snapshot digests depend
// on that.
//
// The bucket packets themselves are not CBOR. Their byte layout is a
// fixed contract with the peer and lives in lib/bucketframe.
package codec
