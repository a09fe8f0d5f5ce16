// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worktree encapsulates every git operation the harness
// performs on an agent's behalf: creating and removing per-agent
// worktrees, merging completed work, and opening pull requests through
// the external hosting-provider CLI. No other component mutates a path
// under the worktrees root.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arch-harness/arch/lib/git"
)

// defaultCommandTimeout bounds every external git/gh invocation so a
// hung subprocess cannot leave the harness stuck.
const defaultCommandTimeout = 60 * time.Second

// WorktreeTimeoutError is returned when an external command exceeds
// its bounded wall-clock limit. Distinguished from a generic wrapped
// error so callers can decide retry vs surface without string matching.
type WorktreeTimeoutError struct {
	Command string
	Elapsed time.Duration
}

func (err WorktreeTimeoutError) Error() string {
	return fmt.Sprintf("worktree: command %q exceeded %s", err.Command, err.Elapsed)
}

// Manager owns the worktrees root under a single repository and is
// the only component permitted to mutate paths beneath it.
type Manager struct {
	repo           *git.Repository
	worktreesRoot  string
	commandTimeout time.Duration
	logger         *slog.Logger
}

// Config configures a Manager.
type Config struct {
	// Repo is the repository the worktrees are created from.
	Repo *git.Repository

	// WorktreesRoot is the directory under which per-agent worktrees
	// are created, e.g. "{repo}/.worktrees".
	WorktreesRoot string

	// CommandTimeout bounds every external command. Defaults to 60s.
	CommandTimeout time.Duration

	Logger *slog.Logger
}

// New creates a Manager.
func New(config Config) (*Manager, error) {
	if config.Repo == nil {
		return nil, fmt.Errorf("worktree: Repo is required")
	}
	if config.WorktreesRoot == "" {
		return nil, fmt.Errorf("worktree: WorktreesRoot is required")
	}
	timeout := config.CommandTimeout
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Manager{
		repo:           config.Repo,
		worktreesRoot:  config.WorktreesRoot,
		commandTimeout: timeout,
		logger:         logger,
	}, nil
}

// BranchName returns the dedicated branch name for an agent.
func BranchName(agentID string) string {
	return "agent/" + agentID
}

// WorktreePath returns the path a given agent's worktree lives at,
// whether or not it has been created yet.
func (manager *Manager) WorktreePath(agentID string) string {
	return filepath.Join(manager.worktreesRoot, agentID)
}

// Create makes a new worktree for agentID at
// {worktreesRoot}/{agentID} on a dedicated branch agent/{agentID}.
func (manager *Manager) Create(ctx context.Context, agentID string) (string, error) {
	path := manager.WorktreePath(agentID)
	branch := BranchName(agentID)

	_, err := manager.runBounded(ctx, "worktree add", "worktree", "add", path, "-b", branch)
	if err != nil {
		return "", fmt.Errorf("creating worktree for %s: %w", agentID, err)
	}
	return path, nil
}

// Remove deletes an agent's worktree. force passes --force to git
// worktree remove, discarding uncommitted changes in that worktree.
// Removal failure is returned to the caller, which decides what to do
// with it. Branch deletion failure, by contrast, is logged but never
// returned as an error.
func (manager *Manager) Remove(ctx context.Context, agentID string, force bool) error {
	path := manager.WorktreePath(agentID)

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	if _, err := manager.runBounded(ctx, "worktree remove", args...); err != nil {
		return fmt.Errorf("removing worktree for %s: %w", agentID, err)
	}

	branch := BranchName(agentID)
	if _, err := manager.runBounded(ctx, "branch -D", "branch", "-D", branch); err != nil {
		manager.logger.Warn("deleting agent branch after worktree removal", "agent_id", agentID, "branch", branch, "error", err)
	}
	return nil
}

// Merge integrates an agent's branch into target using a non-fast-
// forward merge, always, so the resulting history preserves branch
// attribution even when a fast-forward would have been possible.
func (manager *Manager) Merge(ctx context.Context, agentID, target string) error {
	branch := BranchName(agentID)

	if _, err := manager.runBounded(ctx, "checkout", "checkout", target); err != nil {
		return fmt.Errorf("checking out %s before merge: %w", target, err)
	}
	if _, err := manager.runBounded(ctx, "merge --no-ff", "merge", "--no-ff", branch); err != nil {
		return fmt.Errorf("merging %s into %s: %w", branch, target, err)
	}
	return nil
}

// runBounded executes one git command with a wall-clock bound, mapping
// a context-deadline failure to WorktreeTimeoutError so the caller can
// distinguish "git refused" from "git hung".
func (manager *Manager) runBounded(ctx context.Context, label string, args ...string) (string, error) {
	boundedCtx, cancel := context.WithTimeout(ctx, manager.commandTimeout)
	defer cancel()

	output, err := manager.repo.Run(boundedCtx, args...)
	if err != nil {
		if errors.Is(boundedCtx.Err(), context.DeadlineExceeded) {
			return "", WorktreeTimeoutError{Command: label, Elapsed: manager.commandTimeout}
		}
		return "", err
	}
	return output, nil
}
