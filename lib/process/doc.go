// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the
// harness's daemon and dashboard binaries: fatal error reporting to
// stderr for use in main() before the structured logger is
// initialized, and the matching process exit.
package process
