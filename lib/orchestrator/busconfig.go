// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// busConfigHost is the per-agent bus config file's URL host for a
// local (non-sandboxed) agent reaching the bus on the orchestrator's
// own loopback interface.
const busConfigHost = "localhost"

// busConfigContainerHost is the URL host a sandboxed agent uses to
// reach the bus running on the container host, matching the gateway
// name lib/containerdriver's builder adds via --add-host.
const busConfigContainerHost = "host.docker.internal"

// writeBusConfig writes the per-agent MCP config file Claude Code's
// --mcp-config flag points at: a single "arch" server entry naming
// this agent's own SSE endpoint on the bus, per spec.md §6's literal
// wire format. sandboxed selects which host name resolves to the bus
// from inside the agent's process.
func writeBusConfig(path string, agentID string, port int, sandboxed bool) error {
	host := busConfigHost
	if sandboxed {
		host = busConfigContainerHost
	}
	url := fmt.Sprintf("http://%s:%d/sse/%s", host, port, agentID)

	document := map[string]any{
		"mcpServers": map[string]any{
			"arch": map[string]any{
				"type": "sse",
				"url":  url,
			},
		},
	}
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bus config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating bus config directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("writing bus config %q: %w", path, err)
	}
	return nil
}
