// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator implements bus.Orchestrator: the lifecycle
// callbacks a lead agent's spawn_agent, teardown_agent, request_merge,
// get_project_context, update_brief, and close_project tool calls
// dispatch to. It is the one component that knows how to turn a role
// name from the agent pool into a running, worktree-isolated session.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/bus"
	"github.com/arch-harness/arch/lib/config"
	"github.com/arch-harness/arch/lib/containerdriver"
	"github.com/arch-harness/arch/lib/git"
	"github.com/arch-harness/arch/lib/hostingprovider"
	"github.com/arch-harness/arch/lib/session"
	"github.com/arch-harness/arch/lib/tokenmeter"
	"github.com/arch-harness/arch/lib/worktree"
)

// Orchestrator owns every live agent session and the single repository
// they all work against, and is the concrete implementation bound to
// the bus server's Orchestrator interface.
type Orchestrator struct {
	config    *config.Config
	store     *archstate.Store
	repo      *git.Repository
	worktrees *worktree.Manager
	meter     *tokenmeter.Meter
	provider  *hostingprovider.Client
	logger    *slog.Logger
	auditLog  func(kind, agentID, role, approver string) error

	// BusConfigDir holds the per-agent MCP config files each spawned
	// session's --mcp-config flag points at.
	busConfigDir string

	// KeepWorktrees disables worktree removal on teardown, mirroring
	// the orchestrator binary's --keep-worktrees flag.
	KeepWorktrees bool

	// DriverFactory selects the session.Driver for a role. Defaults to
	// choosing between a local ClaudeDriver and a containerdriver.Driver
	// based on the role's sandbox.enabled flag; overridable in tests so
	// SpawnAgent can be exercised without a real claude binary.
	DriverFactory func(config.AgentPoolEntry) session.Driver

	// LeadDriver is the session.Driver SpawnLead starts the lead under.
	// Defaults to &session.ClaudeDriver{} — the lead never runs
	// sandboxed, so there is no per-role selection to make. Overridable
	// in tests for the same reason as DriverFactory.
	LeadDriver session.Driver

	// leadExit delivers the lead's exit result exactly once per spawn,
	// letting cmd/archd's supervision loop decide whether to restart or
	// shut down, per spec.md §4.8's "attempt one restart" rule.
	leadExit chan session.ExitResult

	mu       sync.Mutex
	sessions map[string]*session.Session

	// briefDoc is lazily loaded from BRIEF.md on first access, so a
	// human-authored file already in the repo is picked up as-is
	// rather than overwritten by an empty in-memory default.
	briefDoc *briefDocument
}

// Config bundles the dependencies New needs.
type Config struct {
	Config       *config.Config
	Store        *archstate.Store
	Repo         *git.Repository
	Worktrees    *worktree.Manager
	Meter        *tokenmeter.Meter
	Provider     *hostingprovider.Client // nil when github: is not configured
	Logger       *slog.Logger
	BusConfigDir string

	// AuditLog records elevated actions (skip_permissions grants) to
	// permissions_audit.log. May be nil in tests; a real run always
	// wires it to the same *auditlog.Log instance bound into
	// bus.Config.AuditLog.
	AuditLog func(kind, agentID, role, approver string) error
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	o := &Orchestrator{
		config:       cfg.Config,
		store:        cfg.Store,
		repo:         cfg.Repo,
		worktrees:    cfg.Worktrees,
		meter:        cfg.Meter,
		provider:     cfg.Provider,
		logger:       logger,
		auditLog:     cfg.AuditLog,
		busConfigDir: cfg.BusConfigDir,
		sessions:     make(map[string]*session.Session),
		leadExit:     make(chan session.ExitResult, 1),
	}
	o.DriverFactory = o.defaultDriverFor
	o.LeadDriver = &session.ClaudeDriver{}
	return o
}

var _ bus.Orchestrator = (*Orchestrator)(nil)

// Provider exposes the configured hosting-provider client, or nil, so
// cmd/archd can wire the same instance into bus.Config.Provider
// without constructing a second client against the same repository.
func (o *Orchestrator) Provider() *hostingprovider.Client {
	return o.provider
}

func newAgentSuffix() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// SpawnAgent admits a new agent into the run: validates the role and
// the concurrency caps, creates its worktree, writes its CLAUDE.md,
// registers it in the state store, and starts its session.
func (o *Orchestrator) SpawnAgent(ctx context.Context, req bus.SpawnAgentRequest) (bus.SpawnAgentResult, error) {
	entry, exists := o.config.RoleByID(req.Role)
	if !exists {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindUnknownRole, Message: fmt.Sprintf("unknown role %q", req.Role)}
	}

	if o.store.LiveAgentCount() >= o.config.Settings.MaxConcurrentAgents {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindCapExceeded, Message: "max_concurrent_agents reached"}
	}
	if o.store.LiveAgentCountByRole(req.Role) >= entry.MaxInstances {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindCapExceeded, Message: fmt.Sprintf("role %q has reached max_instances", req.Role)}
	}
	if decision, blocked := o.store.PendingBudgetDecision(req.Role); blocked {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindBudgetExceeded, Message: fmt.Sprintf("role %q has an unresolved budget_exceeded decision (%s)", req.Role, decision.ID)}
	}

	// skip_permissions is granted one of two ways: the role declared it
	// in config at startup (entry.Permissions.SkipPermissions), or this
	// particular call asked for it and lib/bus already blocked on a
	// human decision before ever reaching SpawnAgent. Either way the
	// grant is already final by this point — SpawnAgent trusts req and
	// never itself queues a decision.
	skipPermissions := entry.Permissions.SkipPermissions || req.SkipPermissions

	agentID := fmt.Sprintf("%s-%s", req.Role, newAgentSuffix())

	worktreePath, err := o.worktrees.Create(ctx, agentID)
	if err != nil {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindWorktreeFailed, Message: err.Error()}
	}

	roster := o.rosterExcluding(agentID)
	header := worktree.ContextHeader{
		AgentID:      agentID,
		ProjectName:  o.config.Project.Name,
		ProjectRepo:  o.config.Project.Repo,
		WorktreePath: worktreePath,
		BusTools:     busToolNames,
		Roster:       roster,
		Assignment:   req.Assignment,
	}
	if err := worktree.WriteClaudeMD(worktreePath, header, entry.PersonaPath); err != nil {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindWorktreeFailed, Message: err.Error()}
	}

	record := archstate.AgentRecord{
		AgentID:         agentID,
		Role:            req.Role,
		Status:          archstate.StatusSpawning,
		Task:            req.Assignment,
		WorktreePath:    worktreePath,
		Sandboxed:       entry.Sandbox.Enabled,
		SkipPermissions: skipPermissions,
		SpawnedAt:       time.Now(),
	}
	// A sandboxed agent's container name is deterministic from its id,
	// so it can be recorded up front; a local process only gets a pid
	// once its driver has actually started it, recorded below.
	if entry.Sandbox.Enabled {
		record.Execution = &archstate.ExecutionHandle{ContainerName: containerdriver.ContainerName(agentID)}
	}
	// The early count check above is an optimistic fast path that spares
	// the common case from creating a worktree it will just discard;
	// RegisterAgentIfUnderCaps re-checks both caps atomically with the
	// registration itself, closing the race window between the check
	// and the write that two concurrent spawn_agent calls could
	// otherwise both slip through.
	if err := o.store.RegisterAgentIfUnderCaps(record, o.config.Settings.MaxConcurrentAgents, entry.MaxInstances); err != nil {
		if err := o.worktrees.Remove(ctx, agentID, true); err != nil {
			o.logger.Warn("removing worktree after losing spawn admission race", "agent_id", agentID, "error", err)
		}
		var capErr *archstate.CapExceededError
		if errors.As(err, &capErr) {
			return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindCapExceeded, Message: capErr.Message}
		}
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindInvalidParams, Message: err.Error()}
	}

	busConfigPath := filepath.Join(o.busConfigDir, agentID+".json")
	if err := writeBusConfig(busConfigPath, agentID, o.config.Settings.MCPPort, entry.Sandbox.Enabled); err != nil {
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindSubprocessFailed, Message: err.Error()}
	}

	// Only the config pre-approved path is recorded here. A per-call
	// request that needed a human decision was already recorded by
	// lib/bus, with approver "user", at the point it was approved.
	if entry.Permissions.SkipPermissions && o.auditLog != nil {
		if err := o.auditLog("skip_permissions_granted", agentID, req.Role, "operator"); err != nil {
			o.logger.Warn("recording skip_permissions audit entry", "agent_id", agentID, "error", err)
		}
	}

	driver := o.DriverFactory(entry)
	sess, err := session.Spawn(ctx, session.Config{
		AgentID:          agentID,
		Driver:           driver,
		Prompt:           req.Context,
		BusConfigFile:    busConfigPath,
		WorkingDirectory: worktreePath,
		SessionLogPath:   o.sessionLogPath(agentID),
		SkipPermissions:  skipPermissions,
		ModelID:          entry.ModelID,
		Logger:           o.logger,
		OnUsage:          o.meter.Observer(agentID),
		OnExit:           o.sessionExited(agentID),
	})
	if err != nil {
		errored := archstate.StatusError
		_ = o.store.UpdateAgent(agentID, archstate.AgentPatch{Status: &errored})
		return bus.SpawnAgentResult{}, &bus.ToolError{Kind: bus.ErrorKindSubprocessFailed, Message: err.Error()}
	}

	o.mu.Lock()
	o.sessions[agentID] = sess
	o.mu.Unlock()

	idle := archstate.StatusIdle
	patch := archstate.AgentPatch{Status: &idle}
	if !entry.Sandbox.Enabled {
		patch.Execution = &archstate.ExecutionHandle{ProcessID: sess.Pid()}
	}
	if err := o.store.UpdateAgent(agentID, patch); err != nil {
		o.logger.Warn("marking spawned agent idle", "agent_id", agentID, "error", err)
	}

	return bus.SpawnAgentResult{
		AgentID:         agentID,
		WorktreePath:    worktreePath,
		Sandboxed:       entry.Sandbox.Enabled,
		SkipPermissions: skipPermissions,
		Status:          string(archstate.StatusIdle),
	}, nil
}

// RoleSkipPermissionsPreApproved reports whether role's config entry
// declares permissions.skip_permissions, the only way skip-permissions
// is ever honored without a per-call decision.
func (o *Orchestrator) RoleSkipPermissionsPreApproved(role string) bool {
	entry, exists := o.config.RoleByID(role)
	return exists && entry.Permissions.SkipPermissions
}

// defaultDriverFor selects the local or container-backed session
// driver for a role, per its sandbox.enabled configuration.
func (o *Orchestrator) defaultDriverFor(entry config.AgentPoolEntry) session.Driver {
	if !entry.Sandbox.Enabled {
		return &session.ClaudeDriver{}
	}
	return &containerdriver.Driver{
		Image:       entry.Sandbox.Image,
		ExtraMounts: entry.Sandbox.ExtraMounts,
		Network:     entry.Sandbox.Network,
		MemoryLimit: entry.Sandbox.MemoryLimit,
		CPUs:        entry.Sandbox.CPUs,
	}
}

func (o *Orchestrator) rosterExcluding(agentID string) []worktree.RosterEntry {
	var roster []worktree.RosterEntry
	for _, record := range o.store.ListAgents() {
		if record.AgentID == agentID {
			continue
		}
		roster = append(roster, worktree.RosterEntry{AgentID: record.AgentID, Role: record.Role, Status: string(record.Status)})
	}
	return roster
}

// sessionLogPath is the JSONL event log path for agentID's session,
// shared between session.Spawn's SessionLogPath and the archival step
// that runs once the session reaches a terminal status.
func (o *Orchestrator) sessionLogPath(agentID string) string {
	return filepath.Join(o.config.Settings.StateDir, "sessions", agentID+".jsonl")
}

// sessionExited finalizes an agent's bookkeeping once its process
// exits, whether on its own or via an explicit teardown_agent-driven
// Stop — OnExit fires exactly once per session either way.
func (o *Orchestrator) sessionExited(agentID string) func(session.ExitResult) {
	return func(result session.ExitResult) {
		o.meter.ApplyResult(agentID, result.Summary)

		status := archstate.StatusDone
		if result.Err != nil {
			status = archstate.StatusError
		}
		patch := archstate.AgentPatch{Status: &status}
		if result.ResumeToken != "" {
			token := result.ResumeToken
			patch.ResumeToken = &token
		}
		if err := o.store.UpdateAgent(agentID, patch); err != nil {
			o.logger.Warn("recording session exit", "agent_id", agentID, "error", err)
		}

		if err := session.ArchiveLog(o.sessionLogPath(agentID)); err != nil {
			o.logger.Warn("archiving session log", "agent_id", agentID, "error", err)
		}

		o.mu.Lock()
		delete(o.sessions, agentID)
		o.mu.Unlock()

		if agentID == archstate.LeadRecipient {
			o.leadExit <- result
		}
	}
}

// LeadExit delivers the lead's exit result exactly once per spawn.
// cmd/archd's supervision loop reads from it to decide between a
// single restart attempt and initiating shutdown.
func (o *Orchestrator) LeadExit() <-chan session.ExitResult {
	return o.leadExit
}

// leadToolNames lists every lead-only tool name surfaced in the
// lead's own CLAUDE.md, on top of the roster every agent gets.
var leadToolNames = append(append([]string{}, busToolNames...),
	"spawn_agent", "teardown_agent", "list_agents", "request_merge",
	"get_project_context", "update_brief", "close_project",
	"create_issue", "list_issues", "update_issue", "close_issue",
	"add_issue_comment", "create_milestone", "list_milestones",
)

// SpawnLead creates the lead agent's worktree and CLAUDE.md, registers
// it in the state store, and starts its session. resumeToken, when
// non-empty, continues a previous lead session instead of registering
// a fresh agent record — the supervision loop's one-restart path. The
// lead is exempt from the agent pool entirely: it never runs sandboxed
// and never runs with permissions skipped, per spec.md §4.8.
func (o *Orchestrator) SpawnLead(ctx context.Context, resumeToken string) error {
	agentID := archstate.LeadRecipient

	var worktreePath string
	if resumeToken == "" {
		path, err := o.worktrees.Create(ctx, agentID)
		if err != nil {
			return fmt.Errorf("creating lead worktree: %w", err)
		}
		worktreePath = path
	} else {
		worktreePath = o.worktrees.WorktreePath(agentID)
	}

	header := worktree.ContextHeader{
		AgentID:      agentID,
		ProjectName:  o.config.Project.Name,
		ProjectRepo:  o.config.Project.Repo,
		WorktreePath: worktreePath,
		BusTools:     leadToolNames,
		Roster:       o.rosterExcluding(agentID),
	}
	if err := worktree.WriteClaudeMD(worktreePath, header, o.config.Lead.PersonaPath); err != nil {
		return fmt.Errorf("writing lead CLAUDE.md: %w", err)
	}

	if resumeToken != "" {
		// The previous lead record is in the terminal error state —
		// error has no outgoing transition, including back to
		// spawning — so a restart re-registers fresh rather than
		// patching the old record in place.
		_ = o.store.RemoveAgent(agentID)
	}
	record := archstate.AgentRecord{
		AgentID:      agentID,
		Role:         "lead",
		Status:       archstate.StatusSpawning,
		WorktreePath: worktreePath,
		SpawnedAt:    time.Now(),
	}
	if err := o.store.RegisterAgent(record); err != nil {
		return fmt.Errorf("registering lead: %w", err)
	}

	busConfigPath := filepath.Join(o.busConfigDir, agentID+".json")
	if err := writeBusConfig(busConfigPath, agentID, o.config.Settings.MCPPort, false); err != nil {
		return fmt.Errorf("writing lead bus config: %w", err)
	}

	sess, err := session.Spawn(ctx, session.Config{
		AgentID:          agentID,
		Driver:           o.LeadDriver,
		BusConfigFile:    busConfigPath,
		WorkingDirectory: worktreePath,
		SessionLogPath:   o.sessionLogPath(agentID),
		ResumeToken:      resumeToken,
		ModelID:          o.config.Lead.ModelID,
		Logger:           o.logger,
		OnUsage:          o.meter.Observer(agentID),
		OnExit:           o.sessionExited(agentID),
	})
	if err != nil {
		errored := archstate.StatusError
		_ = o.store.UpdateAgent(agentID, archstate.AgentPatch{Status: &errored})
		return fmt.Errorf("starting lead session: %w", err)
	}

	o.mu.Lock()
	o.sessions[agentID] = sess
	o.mu.Unlock()

	idle := archstate.StatusIdle
	patch := archstate.AgentPatch{Status: &idle, Execution: &archstate.ExecutionHandle{ProcessID: sess.Pid()}}
	if err := o.store.UpdateAgent(agentID, patch); err != nil {
		o.logger.Warn("marking lead idle", "error", err)
	}
	return nil
}

// TeardownAgent stops agentID's session, removes its worktree, and
// marks it done. The lead agent is never a valid target — per the
// bus contract it is the only caller of this tool, and it cannot tear
// down itself; CloseProject is the only path that ends the lead's own
// session, via teardownAgent below.
func (o *Orchestrator) TeardownAgent(ctx context.Context, agentID, reason string) error {
	if agentID == archstate.LeadRecipient {
		return &bus.ToolError{Kind: bus.ErrorKindInvalidParams, Message: "the lead agent cannot be torn down"}
	}
	return o.teardownAgent(ctx, agentID, reason)
}

// teardownAgent is the unguarded implementation shared by the public
// TeardownAgent tool and CloseProject, which intentionally tears the
// lead down as the last step of whole-run shutdown.
func (o *Orchestrator) teardownAgent(ctx context.Context, agentID, reason string) error {
	o.mu.Lock()
	sess, exists := o.sessions[agentID]
	o.mu.Unlock()

	if exists {
		driver := o.driverForAgent(agentID)
		if err := sess.Stop(ctx, driver, 30*time.Second); err != nil {
			o.logger.Warn("stopping agent session", "agent_id", agentID, "error", err)
		}
	}

	if !o.KeepWorktrees {
		if err := o.worktrees.Remove(ctx, agentID, true); err != nil {
			o.logger.Warn("removing worktree on teardown", "agent_id", agentID, "error", err)
		}
	}

	status := archstate.StatusDone
	task := reason
	if err := o.store.UpdateAgent(agentID, archstate.AgentPatch{Status: &status, Task: &task}); err != nil {
		return &bus.ToolError{Kind: bus.ErrorKindInvalidStatus, Message: err.Error()}
	}

	o.mu.Lock()
	delete(o.sessions, agentID)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) driverForAgent(agentID string) session.Driver {
	record, exists := o.store.GetAgent(agentID)
	if !exists || !record.Sandboxed {
		return &session.ClaudeDriver{}
	}
	entry, _ := o.config.RoleByID(record.Role)
	return o.DriverFactory(entry)
}

// RequestMerge either merges an agent's branch locally or opens a
// pull request through the hosting provider, depending on whether the
// request carries a PR title.
func (o *Orchestrator) RequestMerge(ctx context.Context, req bus.RequestMergeRequest) (bus.RequestMergeResult, error) {
	target := req.Target
	if target == "" {
		target = "main"
		if o.config.GitHub != nil && o.config.GitHub.DefaultBranch != "" {
			target = o.config.GitHub.DefaultBranch
		}
	}

	if req.Title == "" {
		if o.config.Settings.AutoMerge {
			if err := o.worktrees.Merge(ctx, req.AgentID, target); err != nil {
				return bus.RequestMergeResult{}, mergeToolError(err)
			}
			return bus.RequestMergeResult{Merged: true}, nil
		}
		return bus.RequestMergeResult{}, &bus.ToolError{Kind: bus.ErrorKindPermissionNotApproved, Message: "auto_merge is disabled; request_merge requires a pr_title"}
	}

	ghBinary, err := config.HostingProviderCLI()
	if err != nil {
		return bus.RequestMergeResult{}, &bus.ToolError{Kind: bus.ErrorKindProviderUnavailable, Message: err.Error()}
	}
	pr, err := o.worktrees.CreatePullRequest(ctx, ghBinary, req.AgentID, target, req.Title, req.Body)
	if err != nil {
		return bus.RequestMergeResult{}, mergeToolError(err)
	}
	return bus.RequestMergeResult{Merged: false, PullRequest: pr.URL}, nil
}

func mergeToolError(err error) error {
	var timeoutErr worktree.WorktreeTimeoutError
	if errors.As(err, &timeoutErr) {
		return &bus.ToolError{Kind: bus.ErrorKindTimeout, Message: err.Error()}
	}
	return &bus.ToolError{Kind: bus.ErrorKindWorktreeFailed, Message: err.Error()}
}

// GetProjectContext assembles the project summary a lead can use to
// reorient itself after a compaction or restart.
func (o *Orchestrator) GetProjectContext(ctx context.Context) (bus.ProjectContextResult, error) {
	snapshot := o.store.TakeSnapshot()

	agents := make([]bus.AgentSummary, 0, len(snapshot.Agents))
	for _, record := range snapshot.Agents {
		agents = append(agents, bus.AgentSummary{
			AgentID:   record.AgentID,
			Role:      record.Role,
			Status:    string(record.Status),
			Task:      record.Task,
			Tokens:    record.Usage.InputTokens + record.Usage.OutputTokens,
			CostUSD:   record.Usage.CostUSD(),
			Artifacts: record.Artifacts,
		})
	}

	gitStatus, err := o.repo.Run(ctx, "status", "--short")
	if err != nil {
		gitStatus = ""
	}

	o.mu.Lock()
	if err := o.ensureBriefLoaded(); err != nil {
		o.mu.Unlock()
		return bus.ProjectContextResult{}, fmt.Errorf("loading brief: %w", err)
	}
	briefContent := o.briefDoc.render()
	o.mu.Unlock()

	return bus.ProjectContextResult{
		Name:         snapshot.Project.Name,
		Description:  snapshot.Project.Description,
		RepoRoot:     snapshot.Project.RepositoryRoot,
		GitStatus:    gitStatus,
		Agents:       agents,
		BriefContent: briefContent,
	}, nil
}

// UpdateBrief applies one of the two kernel-writable edits to
// BRIEF.md: a full replacement of "Current Status", or one appended
// row in "Decisions Log". Every other section is human-authored and
// update_brief rejects attempts to touch it, per spec.md §6.
func (o *Orchestrator) UpdateBrief(ctx context.Context, section, content string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ensureBriefLoaded(); err != nil {
		return fmt.Errorf("loading brief: %w", err)
	}

	switch section {
	case briefCurrentStatus:
		o.briefDoc.setSection(briefCurrentStatus, content)
	case briefDecisionsLog:
		o.briefDoc.appendRow(briefDecisionsLog, content)
	default:
		return &bus.ToolError{
			Kind:    bus.ErrorKindInvalidParams,
			Message: fmt.Sprintf("update_brief section must be %q or %q, not %q", briefCurrentStatus, briefDecisionsLog, section),
		}
	}
	return o.flushBrief()
}

// ensureBriefLoaded must be called with o.mu held.
func (o *Orchestrator) ensureBriefLoaded() error {
	if o.briefDoc != nil {
		return nil
	}
	doc, err := loadBriefDocument(o.briefPath())
	if err != nil {
		return err
	}
	o.briefDoc = doc
	return nil
}

func (o *Orchestrator) briefPath() string {
	return filepath.Join(o.repo.Dir(), "BRIEF.md")
}

// flushBrief must be called with o.mu held and ensureBriefLoaded
// already successful.
func (o *Orchestrator) flushBrief() error {
	return os.WriteFile(o.briefPath(), []byte(o.briefDoc.render()), 0o644)
}

// CloseProject stops every live agent, the lead last, marking each
// one done.
// summary replaces the brief's "Current Status" section so it survives
// in get_project_context for any agent still reading state after the
// lead itself has exited.
func (o *Orchestrator) CloseProject(ctx context.Context, summary string) error {
	if summary != "" {
		if err := o.UpdateBrief(ctx, briefCurrentStatus, summary); err != nil {
			o.logger.Warn("recording closing summary", "error", err)
		}
	}

	o.mu.Lock()
	agentIDs := make([]string, 0, len(o.sessions))
	hasLead := false
	for agentID := range o.sessions {
		if agentID == archstate.LeadRecipient {
			hasLead = true
			continue
		}
		agentIDs = append(agentIDs, agentID)
	}
	o.mu.Unlock()
	if hasLead {
		agentIDs = append(agentIDs, archstate.LeadRecipient)
	}

	for _, agentID := range agentIDs {
		if err := o.teardownAgent(ctx, agentID, "project closed"); err != nil {
			o.logger.Warn("tearing down agent during project close", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// busToolNames lists every tool name surfaced in a spawned agent's
// CLAUDE.md roster of available bus tools.
var busToolNames = []string{
	"send_message", "get_messages", "update_status", "report_completion",
	"save_progress", "escalate_to_user",
}
