// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bucketstore is the host-side table of versioned buckets.
//
// A bucket is a small record (at most 255 bytes) addressed by a one-byte
// id. Every mutation that changes a bucket's data or sort key takes the
// next value of a store-wide 16-bit version counter, so a peer that
// remembers the last version it applied can ask for exactly what
// changed since then. Deleting a bucket clears its data but keeps the
// row, so the deletion itself is a versioned change.
//
// When the counter would pass 65535, every stored version is reset to 0
// and the mutating bucket gets version 1, inside the same transaction.
// A peer that then presents a version greater than the store's latest
// is treated as inconsistent and receives a full resync from 0.
//
// Part of the id space can be reserved as a dynamic pool: callers that
// key their records by an external string id use UpdateBucketDynamic,
// which maps the string to a pool id, reusing free ids first and
// repurposing the least relevant occupant when the pool is full.
//
// Waiters (one per connected peer) call AwaitNextUpdate with their own
// last-seen version. Mutations arm a short debounce timer; waiters wake
// only after the store has been quiet for the debounce window, so a
// burst of writes reaches the peer as one update.
//
// Storage is SQLite through lib/sqlitepool. All writes from one process
// are serialized, and each runs in an IMMEDIATE transaction, so no two
// mutations observe the same version and a failed write rolls the
// counter back with everything else. Changes committed by another
// process are picked up by Refresh (or PollChanges).
package bucketstore
