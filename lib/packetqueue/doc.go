// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package packetqueue serializes every packet bound for one peer
// destination through a single consumer.
//
// Producers call [Queue.Send], which enqueues the packet by priority
// and blocks until it is delivered, fails permanently, or the
// producer's context ends. One goroutine runs [Queue.Run], which
// always dispatches the highest-priority pending packet next (oldest
// first among equal priorities) and holds at most one packet in
// flight.
//
// Transport results are handled by class:
//
//   - delivered: Send returns nil.
//   - transient (timeout, peer not connected, nack): retried after a
//     backoff that starts at 100ms and doubles with no cap and no
//     retry limit. Callers that need a bound cancel their context.
//   - permanent: Send returns *UnrecoverableTransferError.
//   - wrong foreground app: dropped without completing Send. The
//     session owning the link is expected to be torn down, which
//     cancels the caller.
//
// Cancelling a Send before its packet is dispatched removes the
// packet; it is never sent. Cancelling after dispatch lets the
// transport call finish but stops any further retries.
package packetqueue
