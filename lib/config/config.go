// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// NetworkMode is the closed set of container network policies a pool
// entry's sandbox may select.
type NetworkMode string

const (
	NetworkBridge NetworkMode = "bridge"
	NetworkNone   NetworkMode = "none"
	NetworkHost   NetworkMode = "host"
)

// Config is the harness's top-level configuration, loaded from a
// single YAML file.
type Config struct {
	Project  ProjectConfig    `yaml:"project"`
	Lead     LeadConfig       `yaml:"archie"`
	AgentPool []AgentPoolEntry `yaml:"agent_pool"`
	GitHub   *GitHubConfig    `yaml:"github,omitempty"`
	Settings SettingsConfig   `yaml:"settings"`
}

// ProjectConfig describes the project the harness is working against.
type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Repo is the repository root. Defaults to the current directory.
	Repo string `yaml:"repo"`
}

// LeadConfig configures the privileged lead agent. The YAML key
// remains "archie" for backward spelling compatibility with existing
// deployments, but the agent id it resolves to is always the literal
// string "lead" — see lib/archstate's LeadRecipient sentinel.
type LeadConfig struct {
	PersonaPath string `yaml:"persona_path"`
	ModelID     string `yaml:"model_id"`
}

// AgentPoolEntry describes one spawnable role.
type AgentPoolEntry struct {
	ID          string      `yaml:"id"`
	PersonaPath string      `yaml:"persona_path"`
	ModelID     string      `yaml:"model_id"`
	MaxInstances int        `yaml:"max_instances"`
	Sandbox     SandboxSpec `yaml:"sandbox"`
	Permissions PermissionsSpec `yaml:"permissions"`
}

// SandboxSpec configures the container variant of the session
// supervisor for one role. When Enabled is false, the role's agents
// run as local subprocesses instead.
type SandboxSpec struct {
	Enabled     bool        `yaml:"enabled"`
	Image       string      `yaml:"image"`
	ExtraMounts []string    `yaml:"extra_mounts,omitempty"`
	Network     NetworkMode `yaml:"network"`
	MemoryLimit string      `yaml:"memory_limit,omitempty"`
	CPUs        string      `yaml:"cpus,omitempty"`
}

// PermissionsSpec configures a role's permission posture.
type PermissionsSpec struct {
	SkipPermissions bool     `yaml:"skip_permissions"`
	AllowedTools    []string `yaml:"allowed_tools,omitempty"`
}

// GitHubConfig configures the optional hosting-provider integration.
// A nil *GitHubConfig on Config disables every hosting-provider tool
// for the run (the "provider-disabled" error kind in spec.md §7).
type GitHubConfig struct {
	Repo          string   `yaml:"repo"`
	DefaultBranch string   `yaml:"default_branch"`
	Labels        []string `yaml:"labels,omitempty"`
	IssueTemplate string   `yaml:"issue_template,omitempty"`
}

// SettingsConfig carries the run's operational limits and paths.
type SettingsConfig struct {
	MaxConcurrentAgents int      `yaml:"max_concurrent_agents"`
	StateDir            string   `yaml:"state_dir"`
	MCPPort             int      `yaml:"mcp_port"`
	TokenBudgetUSD      float64  `yaml:"token_budget_usd,omitempty"`
	AutoMerge           bool     `yaml:"auto_merge"`
	RequireUserApproval []string `yaml:"require_user_approval,omitempty"`

	// PricingFile points at the JSON-with-comments model rate table
	// consumed by lib/tokenmeter. Ambient addition beyond spec.md's
	// literal settings keys — see SPEC_FULL.md §5.3.
	PricingFile string `yaml:"pricing_file"`
}

// requireUserApprovalValues is the closed set settings.require_user_approval
// entries are validated against.
var requireUserApprovalValues = map[string]bool{
	"merge":         true,
	"teardown_all":  true,
}

// Default returns a configuration with every field set to a sane
// zero-value. Default is not a fallback for a missing config file —
// the config file is always required — it exists so LoadFile can
// unmarshal onto a value that already has defaults for fields the
// file omits.
func Default() *Config {
	cwd, _ := os.Getwd()
	return &Config{
		Project: ProjectConfig{
			Repo: cwd,
		},
		Settings: SettingsConfig{
			MaxConcurrentAgents: 5,
			StateDir:            "./state",
			MCPPort:             3999,
			PricingFile:         "./pricing.jsonc",
		},
	}
}

// Load locates and loads the configuration file. explicitPath, when
// non-empty, is used directly (the --config flag). Otherwise the
// ARCH_CONFIG environment variable is consulted. Neither set is an
// error — there is no further fallback.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		path = os.Getenv("ARCH_CONFIG")
	}
	if path == "" {
		return nil, fmt.Errorf("no config path given: pass --config or set ARCH_CONFIG")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, applies
// role-level defaults the YAML decode leaves at zero, expands
// ${VAR}/${VAR:-default} references in path fields, and validates the
// result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyPoolDefaults()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// applyPoolDefaults fills per-entry defaults the YAML decode leaves at
// zero — max_instances defaults to 1, default_branch defaults to
// "main", and an unset network mode defaults to bridge.
func (c *Config) applyPoolDefaults() {
	for i := range c.AgentPool {
		if c.AgentPool[i].MaxInstances == 0 {
			c.AgentPool[i].MaxInstances = 1
		}
		if c.AgentPool[i].Sandbox.Enabled && c.AgentPool[i].Sandbox.Network == "" {
			c.AgentPool[i].Sandbox.Network = NetworkBridge
		}
	}
	if c.GitHub != nil && c.GitHub.DefaultBranch == "" {
		c.GitHub.DefaultBranch = "main"
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields only — everything else in the file is taken literally.
func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.Project.Repo = expandVars(c.Project.Repo, vars)
	c.Lead.PersonaPath = expandVars(c.Lead.PersonaPath, vars)
	c.Settings.StateDir = expandVars(c.Settings.StateDir, vars)
	c.Settings.PricingFile = expandVars(c.Settings.PricingFile, vars)
	for i := range c.AgentPool {
		c.AgentPool[i].PersonaPath = expandVars(c.AgentPool[i].PersonaPath, vars)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate collects every configuration problem via errors.Join rather
// than stopping at the first, so an operator sees the whole picture in
// one failed startup attempt.
func (c *Config) Validate() error {
	var errs []error

	if c.Project.Repo == "" {
		errs = append(errs, fmt.Errorf("project.repo is required"))
	}
	if c.Settings.StateDir == "" {
		errs = append(errs, fmt.Errorf("settings.state_dir is required"))
	}
	if c.Settings.MaxConcurrentAgents <= 0 {
		errs = append(errs, fmt.Errorf("settings.max_concurrent_agents must be positive"))
	}
	if c.Settings.MCPPort <= 0 || c.Settings.MCPPort > 65535 {
		errs = append(errs, fmt.Errorf("settings.mcp_port must be a valid port number"))
	}
	if c.Settings.TokenBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("settings.token_budget_usd must not be negative"))
	}

	for _, approval := range c.Settings.RequireUserApproval {
		if !requireUserApprovalValues[approval] {
			errs = append(errs, fmt.Errorf("settings.require_user_approval: unknown value %q", approval))
		}
	}

	seenRoles := make(map[string]bool)
	for _, entry := range c.AgentPool {
		if entry.ID == "" {
			errs = append(errs, fmt.Errorf("agent_pool: entry missing id"))
			continue
		}
		if seenRoles[entry.ID] {
			errs = append(errs, fmt.Errorf("agent_pool: duplicate role id %q", entry.ID))
		}
		seenRoles[entry.ID] = true

		if entry.MaxInstances < 0 {
			errs = append(errs, fmt.Errorf("agent_pool[%s]: max_instances must not be negative", entry.ID))
		}
		if entry.Sandbox.Enabled {
			switch entry.Sandbox.Network {
			case NetworkBridge, NetworkNone, NetworkHost:
			default:
				errs = append(errs, fmt.Errorf("agent_pool[%s]: invalid sandbox.network %q", entry.ID, entry.Sandbox.Network))
			}
		}
	}

	if c.GitHub != nil && c.GitHub.Repo == "" {
		errs = append(errs, fmt.Errorf("github.repo is required when github is configured"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureStateDir creates the configured state directory if absent.
func (c *Config) EnsureStateDir() error {
	if err := os.MkdirAll(c.Settings.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory %s: %w", c.Settings.StateDir, err)
	}
	return nil
}

// RoleByID returns the pool entry for role, and whether it exists.
func (c *Config) RoleByID(role string) (AgentPoolEntry, bool) {
	for _, entry := range c.AgentPool {
		if entry.ID == role {
			return entry, true
		}
	}
	return AgentPoolEntry{}, false
}

// RequiresApproval reports whether the named action is gated behind an
// explicit user approval, per settings.require_user_approval.
func (c *Config) RequiresApproval(action string) bool {
	for _, approval := range c.Settings.RequireUserApproval {
		if approval == action {
			return true
		}
	}
	return false
}

// HostingProviderCLI locates the external hosting-provider CLI binary
// ("gh"), used by the worktree manager's pull-request and issue tools.
// Returns an error when the binary is not on PATH — the caller treats
// that as the "provider-unavailable" error kind, not a hard failure.
func HostingProviderCLI() (string, error) {
	path, err := exec.LookPath("gh")
	if err != nil {
		return "", fmt.Errorf("hosting provider CLI not found: %w", err)
	}
	return path, nil
}

// AbsoluteRepo resolves Project.Repo to an absolute path.
func (c *Config) AbsoluteRepo() (string, error) {
	return filepath.Abs(c.Project.Repo)
}
