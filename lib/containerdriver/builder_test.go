// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package containerdriver

import (
	"strings"
	"testing"

	"github.com/arch-harness/arch/lib/config"
)

func TestBuilder_Build_Minimal(t *testing.T) {
	t.Parallel()

	args, err := NewBuilder().Build(&RunOptions{
		Image:    "arch/agent:latest",
		Worktree: "/repo/.worktrees/qa-1",
		Command:  []string{"claude", "--print"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run --rm -i",
		"--network bridge",
		"-v /repo/.worktrees/qa-1:/workspace",
		"--add-host=host.docker.internal:host-gateway",
		"arch/agent:latest",
		"claude --print",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Build() = %q, want to contain %q", joined, want)
		}
	}
}

func TestBuilder_Build_RequiresImage(t *testing.T) {
	t.Parallel()
	_, err := NewBuilder().Build(&RunOptions{Worktree: "/repo", Command: []string{"claude"}})
	if err == nil {
		t.Fatal("expected error when image is missing")
	}
}

func TestBuilder_Build_RequiresCommand(t *testing.T) {
	t.Parallel()
	_, err := NewBuilder().Build(&RunOptions{Image: "img", Worktree: "/repo"})
	if err == nil {
		t.Fatal("expected error when command is missing")
	}
}

func TestBuilder_Build_NetworkModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		network config.NetworkMode
		want    string
	}{
		{config.NetworkBridge, "--network bridge"},
		{config.NetworkNone, "--network none"},
		{config.NetworkHost, "--network host"},
		{"", "--network bridge"},
	}

	for _, tt := range tests {
		args, err := NewBuilder().Build(&RunOptions{
			Image:    "img",
			Worktree: "/repo",
			Network:  tt.network,
			Command:  []string{"claude"},
		})
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if !strings.Contains(strings.Join(args, " "), tt.want) {
			t.Errorf("network %q: args = %v, want to contain %q", tt.network, args, tt.want)
		}
	}
}

func TestBuilder_Build_ResourceLimits(t *testing.T) {
	t.Parallel()

	args, err := NewBuilder().Build(&RunOptions{
		Image:       "img",
		Worktree:    "/repo",
		MemoryLimit: "2g",
		CPUs:        "1.5",
		Command:     []string{"claude"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--memory 2g") {
		t.Errorf("args = %q, want --memory 2g", joined)
	}
	if !strings.Contains(joined, "--cpus 1.5") {
		t.Errorf("args = %q, want --cpus 1.5", joined)
	}
}

func TestBuilder_Build_ExtraMounts(t *testing.T) {
	t.Parallel()

	args, err := NewBuilder().Build(&RunOptions{
		Image:       "img",
		Worktree:    "/repo",
		ExtraMounts: []string{"/host/cache:/cache:ro", "/host/data:/data"},
		Command:     []string{"claude"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-v /host/cache:/cache:ro") {
		t.Errorf("args = %q, want ro cache mount", joined)
	}
	if !strings.Contains(joined, "-v /host/data:/data") {
		t.Errorf("args = %q, want rw data mount", joined)
	}
}

func TestBuilder_Build_InvalidBindSpec(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder().Build(&RunOptions{
		Image:       "img",
		Worktree:    "/repo",
		ExtraMounts: []string{"onlyonepart"},
		Command:     []string{"claude"},
	})
	if err == nil {
		t.Fatal("expected error for invalid bind spec")
	}
}

func TestBuilder_Build_EnvSortedDeterministically(t *testing.T) {
	t.Parallel()

	args, err := NewBuilder().Build(&RunOptions{
		Image:    "img",
		Worktree: "/repo",
		Env:      []string{"ZEBRA=1", "ALPHA=2"},
		Command:  []string{"claude"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var envArgs []string
	for i, a := range args {
		if a == "-e" && i+1 < len(args) {
			envArgs = append(envArgs, args[i+1])
		}
	}
	if len(envArgs) != 2 || envArgs[0] != "ALPHA=2" || envArgs[1] != "ZEBRA=1" {
		t.Errorf("env args = %v, want sorted [ALPHA=2 ZEBRA=1]", envArgs)
	}
}
