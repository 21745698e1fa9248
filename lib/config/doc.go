// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for bucketsync binaries.
//
// Configuration is loaded from a single file specified by either the
// BUCKETSYNC_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks and no automatic file
// search. YAML is the primary format; files ending in .json or .jsonc
// are accepted with comments and trailing commas stripped.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No environment
// variable overrides a config value.
//
// Key exports:
//
//   - [Config] -- master struct with Store, Sync, Transport, Status, Log
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other bucketsync packages.
package config
