// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// PullRequest is the subset of `gh pr create`'s JSON output the
// harness cares about. Never parsed from free text — only from the
// --json flag's machine-readable output.
type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// CreatePullRequest opens a pull request from an agent's branch into
// target using the external hosting-provider CLI. ghBinary is the
// resolved path to that CLI (see config.HostingProviderCLI), invoked
// from within the agent's own worktree directory so gh infers the
// correct repository.
func (manager *Manager) CreatePullRequest(ctx context.Context, ghBinary, agentID, target, title, body string) (PullRequest, error) {
	worktreeDir := manager.WorktreePath(agentID)
	branch := BranchName(agentID)

	boundedCtx, cancel := context.WithTimeout(ctx, manager.commandTimeout)
	defer cancel()

	args := []string{
		"pr", "create",
		"--head", branch,
		"--base", target,
		"--title", title,
		"--body", body,
		"--json", "url,number",
	}
	command := exec.CommandContext(boundedCtx, ghBinary, args...)
	command.Dir = worktreeDir

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if boundedCtx.Err() != nil {
			return PullRequest{}, WorktreeTimeoutError{Command: "gh pr create", Elapsed: manager.commandTimeout}
		}
		return PullRequest{}, fmt.Errorf("gh pr create for %s: %w (stderr: %s)", agentID, err, stderr.String())
	}

	var pr PullRequest
	if err := json.Unmarshal(stdout.Bytes(), &pr); err != nil {
		return PullRequest{}, fmt.Errorf("parsing gh pr create output for %s: %w", agentID, err)
	}
	return pr, nil
}
