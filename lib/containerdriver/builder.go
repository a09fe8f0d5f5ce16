// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package containerdriver implements session.Driver by running the
// Claude Code CLI inside a Docker container instead of as a local
// subprocess. The argument-assembly approach — a small builder type
// that accumulates a flag list from structured options — follows
// sandbox.BwrapBuilder's shape, retargeted from bubblewrap's namespace
// flags to `docker run`'s container flags.
package containerdriver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arch-harness/arch/lib/config"
)

// RunOptions configures one container invocation.
type RunOptions struct {
	// Image is the container image to run.
	Image string

	// ContainerName is passed to --name, used later by Stop for
	// emergency cleanup.
	ContainerName string

	// Worktree is the agent's worktree on the host, mounted at
	// /workspace inside the container.
	Worktree string

	// ExtraMounts are additional bind mounts in "source:dest[:ro]"
	// form, taken directly from a role's sandbox.extra_mounts.
	ExtraMounts []string

	// Network selects the container's network mode.
	Network config.NetworkMode

	// MemoryLimit is passed to --memory when non-empty (e.g. "2g").
	MemoryLimit string

	// CPUs is passed to --cpus when non-empty (e.g. "2.0").
	CPUs string

	// Env is additional environment variables passed via -e.
	Env []string

	// Command is the command to run inside the container.
	Command []string
}

// Builder assembles `docker run` arguments from RunOptions.
type Builder struct {
	args []string
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{args: []string{}}
}

// Build constructs the full `docker run` argument list, not including
// the "docker" binary itself.
func (b *Builder) Build(opts *RunOptions) ([]string, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if opts.Worktree == "" {
		return nil, fmt.Errorf("worktree is required")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	b.args = []string{"run", "--rm", "-i"}

	if opts.ContainerName != "" {
		b.args = append(b.args, "--name", opts.ContainerName)
	}

	b.addNetwork(opts.Network)
	b.addResourceLimits(opts)

	// The worktree is always mounted read-write at /workspace; an
	// agent's whole job is to modify files there.
	b.args = append(b.args, "-v", opts.Worktree+":/workspace")
	if err := b.addExtraMounts(opts.ExtraMounts); err != nil {
		return nil, err
	}

	// Linux containers don't resolve host.docker.internal by default;
	// macOS/Windows Docker Desktop already provides it.
	b.args = append(b.args, "--add-host=host.docker.internal:host-gateway")

	b.addEnv(opts.Env)

	b.args = append(b.args, opts.Image)
	b.args = append(b.args, opts.Command...)

	return b.args, nil
}

func (b *Builder) addNetwork(network config.NetworkMode) {
	switch network {
	case config.NetworkNone:
		b.args = append(b.args, "--network", "none")
	case config.NetworkHost:
		b.args = append(b.args, "--network", "host")
	case config.NetworkBridge, "":
		b.args = append(b.args, "--network", "bridge")
	}
}

func (b *Builder) addResourceLimits(opts *RunOptions) {
	if opts.MemoryLimit != "" {
		b.args = append(b.args, "--memory", opts.MemoryLimit)
	}
	if opts.CPUs != "" {
		b.args = append(b.args, "--cpus", opts.CPUs)
	}
}

func (b *Builder) addExtraMounts(mounts []string) error {
	for _, mount := range mounts {
		source, dest, readonly, err := parseBindSpec(mount)
		if err != nil {
			return err
		}
		spec := source + ":" + dest
		if readonly {
			spec += ":ro"
		}
		b.args = append(b.args, "-v", spec)
	}
	return nil
}

func (b *Builder) addEnv(env []string) {
	// Sort for deterministic output, matching the teacher bwrap
	// builder's own sorted --setenv ordering.
	sorted := append([]string(nil), env...)
	sort.Strings(sorted)
	for _, kv := range sorted {
		b.args = append(b.args, "-e", kv)
	}
}

// parseBindSpec parses "source:dest[:ro]" the same way
// sandbox.parseBindSpec does for bubblewrap bind mounts.
func parseBindSpec(spec string) (source, dest string, readonly bool, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return "", "", false, fmt.Errorf("invalid bind spec %q: must be source:dest[:ro]", spec)
	}

	source, dest = parts[0], parts[1]
	if len(parts) >= 3 {
		switch parts[2] {
		case "ro":
			readonly = true
		case "rw":
			readonly = false
		default:
			return "", "", false, fmt.Errorf("invalid bind mode %q: must be ro or rw", parts[2])
		}
	}
	return source, dest, readonly, nil
}
