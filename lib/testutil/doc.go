// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by bucketsync tests.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the select
// with a wall-clock safety valve, so a broken test fails instead of
// hanging. They are the only real-time waits in the test suite; all
// behavior under test runs on a clock.FakeClock.
//
// [Logger] routes slog output through t.Log so it shows up next to
// the failing assertion. [UniqueID] generates distinct peer and
// upstream identifiers.
package testutil
