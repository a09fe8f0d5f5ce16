// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Settings.MaxConcurrentAgents != 5 {
		t.Errorf("expected max_concurrent_agents=5, got %d", cfg.Settings.MaxConcurrentAgents)
	}
	if cfg.Settings.StateDir != "./state" {
		t.Errorf("expected state_dir=./state, got %s", cfg.Settings.StateDir)
	}
	if cfg.Settings.MCPPort != 3999 {
		t.Errorf("expected mcp_port=3999, got %d", cfg.Settings.MCPPort)
	}
	if cfg.Settings.PricingFile != "./pricing.jsonc" {
		t.Errorf("expected pricing_file=./pricing.jsonc, got %s", cfg.Settings.PricingFile)
	}
}

func TestLoad_RequiresExplicitPathOrEnvVar(t *testing.T) {
	origConfig := os.Getenv("ARCH_CONFIG")
	defer os.Setenv("ARCH_CONFIG", origConfig)
	os.Unsetenv("ARCH_CONFIG")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when neither --config nor ARCH_CONFIG is set, got nil")
	}
}

func TestLoad_FallsBackToEnvVar(t *testing.T) {
	origConfig := os.Getenv("ARCH_CONFIG")
	defer os.Setenv("ARCH_CONFIG", origConfig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "arch.yaml")
	writeMinimalConfig(t, configPath)
	os.Setenv("ARCH_CONFIG", configPath)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Project.Name != "test project" {
		t.Errorf("expected project.name=test project, got %s", cfg.Project.Name)
	}
}

func TestLoad_ExplicitPathTakesPrecedence(t *testing.T) {
	origConfig := os.Getenv("ARCH_CONFIG")
	defer os.Setenv("ARCH_CONFIG", origConfig)
	os.Setenv("ARCH_CONFIG", "/should/not/be/used.yaml")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "arch.yaml")
	writeMinimalConfig(t, configPath)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load(explicit) failed: %v", err)
	}
	if cfg.Project.Name != "test project" {
		t.Errorf("expected project.name=test project, got %s", cfg.Project.Name)
	}
}

func writeMinimalConfig(t *testing.T, path string) {
	t.Helper()
	content := `
project:
  name: test project
  repo: /repo
archie:
  persona_path: personas/archie.md
  model_id: claude-sonnet
agent_pool:
  - id: frontend
    persona_path: personas/frontend.md
    model_id: claude-sonnet
settings:
  state_dir: ./state
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestLoadFile_AppliesPoolDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "arch.yaml")
	writeMinimalConfig(t, configPath)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if len(cfg.AgentPool) != 1 {
		t.Fatalf("expected 1 pool entry, got %d", len(cfg.AgentPool))
	}
	if cfg.AgentPool[0].MaxInstances != 1 {
		t.Errorf("expected max_instances defaulted to 1, got %d", cfg.AgentPool[0].MaxInstances)
	}
}

func TestLoadFile_GitHubDefaultBranch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "arch.yaml")
	content := `
project:
  name: test
  repo: /repo
settings:
  state_dir: ./state
github:
  repo: owner/name
`
	os.WriteFile(configPath, []byte(content), 0o644)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.GitHub == nil || cfg.GitHub.DefaultBranch != "main" {
		t.Errorf("expected github.default_branch defaulted to main, got %+v", cfg.GitHub)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/arch",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/arch",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		if result := expandVars(tt.input, tt.vars); result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty repo",
			modify:  func(c *Config) { c.Project.Repo = "" },
			wantErr: true,
		},
		{
			name:    "empty state dir",
			modify:  func(c *Config) { c.Settings.StateDir = "" },
			wantErr: true,
		},
		{
			name:    "negative concurrency cap",
			modify:  func(c *Config) { c.Settings.MaxConcurrentAgents = -1 },
			wantErr: true,
		},
		{
			name:    "invalid mcp port",
			modify:  func(c *Config) { c.Settings.MCPPort = 0 },
			wantErr: true,
		},
		{
			name: "unknown require_user_approval value",
			modify: func(c *Config) {
				c.Settings.RequireUserApproval = []string{"nonsense"}
			},
			wantErr: true,
		},
		{
			name: "duplicate pool role id",
			modify: func(c *Config) {
				c.AgentPool = []AgentPoolEntry{{ID: "a"}, {ID: "a"}}
			},
			wantErr: true,
		},
		{
			name: "sandbox enabled with invalid network",
			modify: func(c *Config) {
				c.AgentPool = []AgentPoolEntry{{ID: "a", Sandbox: SandboxSpec{Enabled: true, Network: "vpn"}}}
			},
			wantErr: true,
		},
		{
			name: "github configured without repo",
			modify: func(c *Config) {
				c.GitHub = &GitHubConfig{}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoleByID(t *testing.T) {
	cfg := Default()
	cfg.AgentPool = []AgentPoolEntry{{ID: "frontend", MaxInstances: 2}}

	entry, ok := cfg.RoleByID("frontend")
	if !ok || entry.MaxInstances != 2 {
		t.Fatalf("RoleByID(frontend) = %+v, %v", entry, ok)
	}
	if _, ok := cfg.RoleByID("missing"); ok {
		t.Error("expected RoleByID(missing) to report not found")
	}
}

func TestRequiresApproval(t *testing.T) {
	cfg := Default()
	cfg.Settings.RequireUserApproval = []string{"merge"}

	if !cfg.RequiresApproval("merge") {
		t.Error("expected merge to require approval")
	}
	if cfg.RequiresApproval("teardown_all") {
		t.Error("expected teardown_all to not require approval")
	}
}
