// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worktree is the sole owner of per-agent git worktrees.
//
// [Manager.Create] adds a worktree at {repo}/.worktrees/{agent_id} on
// a dedicated branch agent/{agent_id} and [WriteClaudeMD] seeds it
// with a harness-injected context header followed by the agent's
// persona file, byte for byte. [Manager.Remove] tears a worktree down
// again, bounded by a timeout, and best-effort deletes the branch.
// [Manager.Merge] always performs a non-fast-forward merge into the
// target branch. [Manager.CreatePullRequest] shells out to the
// external hosting-provider CLI and parses only its --json output,
// never free text.
package worktree
