// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the harness.
//
// Configuration is loaded from a single file, located by an explicit
// --config path (via [Load]) or the ARCH_CONFIG environment variable
// when no path is given. There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values inside the file.
//
// Key exports:
//
//   - [Config] -- master struct: Project, Lead (archie), AgentPool,
//     GitHub, Settings
//   - [Default] -- returns a Config with every field at a sane zero-value
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other harness package.
package config
