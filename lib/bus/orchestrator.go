// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "context"

// Orchestrator is the narrow callback surface the bus dispatches
// lead-only lifecycle tools to. lib/orchestrator implements this;
// the bus depends only on the interface so it can be tested against a
// fake without pulling in worktree, session, and config wiring.
type Orchestrator interface {
	SpawnAgent(ctx context.Context, req SpawnAgentRequest) (SpawnAgentResult, error)
	TeardownAgent(ctx context.Context, agentID, reason string) error
	RequestMerge(ctx context.Context, req RequestMergeRequest) (RequestMergeResult, error)
	GetProjectContext(ctx context.Context) (ProjectContextResult, error)
	UpdateBrief(ctx context.Context, section, content string) error
	CloseProject(ctx context.Context, summary string) error

	// RoleSkipPermissionsPreApproved reports whether role declared
	// permissions.skip_permissions in config — the only way
	// skip-permissions is ever honored without a per-call decision,
	// per spec.md §5's "only honored if the role was pre-approved at
	// startup" admission rule.
	RoleSkipPermissionsPreApproved(role string) bool
}

// SpawnAgentRequest mirrors spawn_agent's parameters (spec §4.4).
type SpawnAgentRequest struct {
	Role            string `json:"role"`
	Assignment      string `json:"assignment"`
	Context         string `json:"context,omitempty"`
	SkipPermissions bool   `json:"skip_permissions,omitempty"`
}

// SpawnAgentResult mirrors spawn_agent's return shape.
type SpawnAgentResult struct {
	AgentID         string `json:"agent_id"`
	WorktreePath    string `json:"worktree_path"`
	Sandboxed       bool   `json:"sandboxed"`
	SkipPermissions bool   `json:"skip_permissions"`
	Status          string `json:"status"`
}

// RequestMergeRequest mirrors request_merge's parameters. When Title
// is non-empty a pull request is created instead of a local merge.
type RequestMergeRequest struct {
	AgentID string `json:"agent_id"`
	Target  string `json:"target"`
	Title   string `json:"pr_title,omitempty"`
	Body    string `json:"pr_body,omitempty"`
}

// RequestMergeResult reports whichever path RequestMergeRequest took.
type RequestMergeResult struct {
	Merged      bool   `json:"merged"`
	PullRequest string `json:"pull_request_url,omitempty"`
}

// ProjectContextResult mirrors get_project_context's return shape.
type ProjectContextResult struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	RepoRoot     string         `json:"repository_root"`
	GitStatus    string         `json:"git_status"`
	Agents       []AgentSummary `json:"agents"`
	BriefContent string         `json:"brief_content"`
}

// AgentSummary is the per-agent projection returned by list_agents and
// embedded in get_project_context.
type AgentSummary struct {
	AgentID   string   `json:"agent_id"`
	Role      string   `json:"role"`
	Status    string   `json:"status"`
	Task      string   `json:"task"`
	Tokens    int64    `json:"tokens"`
	CostUSD   float64  `json:"cost_usd"`
	Artifacts []string `json:"artifacts,omitempty"`
}
