// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	defer func(commit, dirty, built string) {
		GitCommit, GitDirty, BuildTime = commit, dirty, built
	}(GitCommit, GitDirty, BuildTime)

	GitCommit, GitDirty, BuildTime = "abc1234", "true", "2026-04-01T12:00:00Z"
	want := Version + " (abc1234-dirty, 2026-04-01T12:00:00Z)"
	if got := Info(); got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "false"
	if got := Info(); strings.Contains(got, "-dirty") {
		t.Errorf("Info() = %q, want no -dirty suffix", got)
	}
}

func TestFullIncludesProtocol(t *testing.T) {
	if got := Full(); !strings.Contains(got, "Protocol: 1") {
		t.Errorf("Full() = %q, want the protocol line", got)
	}
}
