// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides shared infrastructure for binding the
// harness's network-facing loops to a listener with consistent
// startup-readiness and graceful-shutdown semantics.
//
// cmd/archd uses HTTPServer to bind the bus's per-agent tool endpoint
// to its loopback address: Serve(ctx) blocks until the run loop's
// context is cancelled, at which point it stops accepting new
// connections and waits for in-flight tool calls to drain before
// returning.
package service
