// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time seam for the sync engine.
//
// Anything that waits, backs off, debounces, or timestamps takes a
// Clock instead of calling the time package. Binaries pass Real();
// tests pass Fake() and move time forward explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	queue := packetqueue.New(packetqueue.Config{Clock: c, ...})
//	// ... a send fails transiently, the queue starts its backoff ...
//	c.WaitForTimers(1)
//	c.Advance(100 * time.Millisecond)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
