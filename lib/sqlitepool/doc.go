// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite databases bucketsync keeps its
// state in: the bucket table, the protocol-version scalar and the
// per-peer sync status.
//
// It is a thin layer over zombiezen.com/go/sqlite's sqlitex.Pool.
// Every connection gets the same pragmas (WAL, synchronous=NORMAL, a
// 5 second busy timeout). The schema script runs once, when the pool
// opens. Callers either Take/Put connections themselves or use Write
// and Read, which wrap the work in an IMMEDIATE or deferred
// transaction that rolls back on any returned error.
//
// WAL matters here: the daemon holds the database open while the CLI
// writes buckets from another process, and readers must not block
// that writer.
package sqlitepool
