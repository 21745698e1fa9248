// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bucketsync-peer is a reference peer for the bucketsync daemon. It
// connects over TCP, or WebRTC with --signal-dir, sends its hello with
// the last completed version and its buffer size, and applies every
// update packet to a local copy of the buckets. Completed syncs are
// saved to --state so the next run resumes from that version instead
// of receiving the full table again.
package main
