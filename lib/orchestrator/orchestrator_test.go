// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/bus"
	"github.com/arch-harness/arch/lib/config"
	"github.com/arch-harness/arch/lib/git"
	"github.com/arch-harness/arch/lib/session"
	"github.com/arch-harness/arch/lib/tokenmeter"
	"github.com/arch-harness/arch/lib/worktree"
)

// initRepoWithMain mirrors lib/worktree's own test helper: a non-bare
// repository with one commit on main, the shape every Manager test in
// this corpus targets.
func initRepoWithMain(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		command := exec.Command("git", append([]string{"-C", dir}, args...)...)
		command.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.local",
			"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.local",
		)
		if output, err := command.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("test\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README")
	run("commit", "-m", "initial")
	return dir
}

// fakeDriver starts a process that stays "running" until the
// orchestrator interrupts it (TeardownAgent), so SpawnAgent's
// session.Spawn call succeeds without a real claude binary and an
// agent's status does not flap to done behind the test's back.
type fakeDriver struct{}

type fakeProcess struct {
	exited    chan struct{}
	closeOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) Wait() error      { <-p.exited; return nil }
func (p *fakeProcess) Stdin() io.Writer { return discardWriter{} }
func (p *fakeProcess) Pid() int         { return 4242 }
func (p *fakeProcess) Signal(os.Signal) error {
	p.closeOnce.Do(func() { close(p.exited) })
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func (fakeDriver) Start(ctx context.Context, cfg session.DriverConfig) (session.Process, io.ReadCloser, error) {
	reader, writer := io.Pipe()
	writer.Close()
	return newFakeProcess(), reader, nil
}

func (fakeDriver) ParseOutput(ctx context.Context, stdout io.Reader, events chan<- session.Event) error {
	return nil
}

func (fakeDriver) Interrupt(p session.Process) error {
	return p.Signal(os.Interrupt)
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *archstate.Store, string) {
	t.Helper()

	repoDir := initRepoWithMain(t)
	cfg.Project.Repo = repoDir

	stateDir := t.TempDir()
	cfg.Settings.StateDir = stateDir

	store, err := archstate.New(archstate.Config{Dir: stateDir})
	if err != nil {
		t.Fatalf("archstate.New: %v", err)
	}

	worktrees, err := worktree.New(worktree.Config{
		Repo:          git.NewRepository(repoDir),
		WorktreesRoot: filepath.Join(repoDir, ".worktrees"),
	})
	if err != nil {
		t.Fatalf("worktree.New: %v", err)
	}

	pricing := &tokenmeter.PricingTable{Rates: map[string]tokenmeter.ModelRate{}}
	meter := tokenmeter.New(store, pricing, nil, 0)

	orch := New(Config{
		Config:       cfg,
		Store:        store,
		Repo:         git.NewRepository(repoDir),
		Worktrees:    worktrees,
		Meter:        meter,
		BusConfigDir: t.TempDir(),
	})
	orch.DriverFactory = func(config.AgentPoolEntry) session.Driver { return fakeDriver{} }

	return orch, store, repoDir
}

func testConfigWithRole(t *testing.T) *config.Config {
	t.Helper()
	personaPath := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(personaPath, []byte("You are a worker.\n"), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	cfg := config.Default()
	cfg.Settings.MaxConcurrentAgents = 2
	cfg.AgentPool = []config.AgentPoolEntry{
		{ID: "worker", PersonaPath: personaPath, MaxInstances: 1},
	}
	return cfg
}

func TestSpawnAgent_UnknownRole(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	_, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "ghost"})
	toolErr, ok := err.(*bus.ToolError)
	if !ok || toolErr.Kind != bus.ErrorKindUnknownRole {
		t.Fatalf("expected UnknownRole, got %v", err)
	}
}

func TestSpawnAgent_CreatesWorktreeAndRegistersAgent(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)

	result, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker", Assignment: "do the thing"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if result.AgentID == "" {
		t.Fatalf("expected a generated agent id")
	}
	if _, err := os.Stat(filepath.Join(result.WorktreePath, "CLAUDE.md")); err != nil {
		t.Errorf("expected CLAUDE.md to be written: %v", err)
	}

	record, exists := store.GetAgent(result.AgentID)
	if !exists {
		t.Fatalf("expected agent registered in store")
	}
	if record.Status != archstate.StatusIdle {
		t.Errorf("expected status idle after spawn, got %s", record.Status)
	}
}

func TestSpawnLead_CreatesWorktreeAndRegistersLead(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)
	orch.LeadDriver = fakeDriver{}

	if err := orch.SpawnLead(context.Background(), ""); err != nil {
		t.Fatalf("SpawnLead: %v", err)
	}

	record, exists := store.GetAgent(archstate.LeadRecipient)
	if !exists {
		t.Fatalf("expected lead registered in store")
	}
	if record.Status != archstate.StatusIdle {
		t.Errorf("expected status idle after spawn, got %s", record.Status)
	}
	if record.Sandboxed {
		t.Errorf("expected the lead to never be sandboxed")
	}
	if record.SkipPermissions {
		t.Errorf("expected the lead to never skip permissions")
	}
	if _, err := os.Stat(filepath.Join(record.WorktreePath, "CLAUDE.md")); err != nil {
		t.Errorf("expected CLAUDE.md to be written: %v", err)
	}
}

func TestSpawnLead_RestartAfterErrorReregisters(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)
	orch.LeadDriver = fakeDriver{}

	if err := orch.SpawnLead(context.Background(), ""); err != nil {
		t.Fatalf("first SpawnLead: %v", err)
	}

	errored := archstate.StatusError
	if err := store.UpdateAgent(archstate.LeadRecipient, archstate.AgentPatch{Status: &errored}); err != nil {
		t.Fatalf("forcing lead to error: %v", err)
	}

	if err := orch.SpawnLead(context.Background(), "resume-token-1"); err != nil {
		t.Fatalf("restart SpawnLead: %v", err)
	}

	record, exists := store.GetAgent(archstate.LeadRecipient)
	if !exists {
		t.Fatalf("expected lead re-registered after restart")
	}
	if record.Status != archstate.StatusIdle {
		t.Errorf("expected status idle after restart, got %s", record.Status)
	}
}

func TestSpawnAgent_RespectsPerRoleCap(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	if _, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"}); err != nil {
		t.Fatalf("first SpawnAgent: %v", err)
	}

	_, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
	toolErr, ok := err.(*bus.ToolError)
	if !ok || toolErr.Kind != bus.ErrorKindCapExceeded {
		t.Fatalf("expected CapExceeded once max_instances is reached, got %v", err)
	}
}

// TestSpawnAgent_ConcurrentCallsRespectPerRoleCap fires two spawn_agent
// calls for a max_instances:1 role at the same time — scenario S1 —
// and asserts exactly one succeeds. A check-then-register admission
// path would let both requests observe zero live agents of the role
// before either commits; only an atomic check-and-register closes
// that window.
func TestSpawnAgent_ConcurrentCallsRespectPerRoleCap(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
		}(i)
	}
	wg.Wait()

	successes, capExceeded := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.As(err, new(*bus.ToolError)) && err.(*bus.ToolError).Kind == bus.ErrorKindCapExceeded:
			capExceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || capExceeded != 1 {
		t.Fatalf("expected exactly one success and one CapExceeded, got %d successes and %d CapExceeded", successes, capExceeded)
	}
	if count := store.LiveAgentCountByRole("worker"); count != 1 {
		t.Errorf("LiveAgentCountByRole(worker) = %d, want 1", count)
	}
}

// TestSpawnAgent_BlockedByUnresolvedBudgetDecision exercises spec.md
// §4.8's "an agent-scoped budget likewise blocks its next spawn
// request": once an agent of a role has an unanswered budget_exceeded
// decision queued (as lib/tokenmeter.Meter.checkBudget would queue
// it), a further spawn_agent call for that role is refused until a
// human answers it.
func TestSpawnAgent_BlockedByUnresolvedBudgetDecision(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)

	if err := store.RegisterAgent(archstate.AgentRecord{AgentID: "worker-over-budget", Role: "worker", Status: archstate.StatusDone}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := store.QueueDecision("budget-worker-over-budget", "worker-over-budget", "over budget, continue?", []string{"continue", "stop"}); err != nil {
		t.Fatalf("QueueDecision: %v", err)
	}

	_, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
	toolErr, ok := err.(*bus.ToolError)
	if !ok || toolErr.Kind != bus.ErrorKindBudgetExceeded {
		t.Fatalf("expected BudgetExceeded while the decision is unanswered, got %v", err)
	}

	if _, err := store.AnswerDecision("budget-worker-over-budget", "continue"); err != nil {
		t.Fatalf("AnswerDecision: %v", err)
	}
	if _, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"}); err != nil {
		t.Fatalf("expected SpawnAgent to succeed once the decision is answered, got %v", err)
	}
}

func TestTeardownAgent_RemovesWorktreeAndMarksDone(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)

	result, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	if err := orch.TeardownAgent(context.Background(), result.AgentID, "done with testing"); err != nil {
		t.Fatalf("TeardownAgent: %v", err)
	}

	if _, err := os.Stat(result.WorktreePath); !os.IsNotExist(err) {
		t.Errorf("expected worktree removed, stat err = %v", err)
	}

	record, exists := store.GetAgent(result.AgentID)
	if !exists || record.Status != archstate.StatusDone {
		t.Errorf("expected agent marked done, got %+v", record)
	}
}

func TestGetProjectContext_ReflectsLiveAgents(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	result, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker", Assignment: "ship it"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	ctxResult, err := orch.GetProjectContext(context.Background())
	if err != nil {
		t.Fatalf("GetProjectContext: %v", err)
	}
	if len(ctxResult.Agents) != 1 || ctxResult.Agents[0].AgentID != result.AgentID {
		t.Fatalf("expected spawned agent in context, got %+v", ctxResult.Agents)
	}
}

func TestUpdateBrief_PersistsAcrossCalls(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	if err := orch.UpdateBrief(context.Background(), "Current Status", "shipping the harness"); err != nil {
		t.Fatalf("UpdateBrief: %v", err)
	}

	ctxResult, err := orch.GetProjectContext(context.Background())
	if err != nil {
		t.Fatalf("GetProjectContext: %v", err)
	}
	if !strings.Contains(ctxResult.BriefContent, "shipping the harness") {
		t.Errorf("expected brief content to include update, got %q", ctxResult.BriefContent)
	}
}

func TestUpdateBrief_RejectsSectionOutsideKernelScope(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	err := orch.UpdateBrief(context.Background(), "Goal", "rewrite the human-authored goal")
	if err == nil {
		t.Fatalf("expected update_brief to reject a non-kernel section")
	}
	var toolErr *bus.ToolError
	if !errors.As(err, &toolErr) || toolErr.Kind != bus.ErrorKindInvalidParams {
		t.Errorf("expected ErrorKindInvalidParams, got %v", err)
	}
}

func TestUpdateBrief_DecisionsLogAppendsRows(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	if err := orch.UpdateBrief(context.Background(), "Decisions Log", "chose option A"); err != nil {
		t.Fatalf("first UpdateBrief: %v", err)
	}
	if err := orch.UpdateBrief(context.Background(), "Decisions Log", "chose option B"); err != nil {
		t.Fatalf("second UpdateBrief: %v", err)
	}

	ctxResult, err := orch.GetProjectContext(context.Background())
	if err != nil {
		t.Fatalf("GetProjectContext: %v", err)
	}
	if !strings.Contains(ctxResult.BriefContent, "- chose option A") || !strings.Contains(ctxResult.BriefContent, "- chose option B") {
		t.Errorf("expected both decisions log rows preserved, got %q", ctxResult.BriefContent)
	}
}

func TestGetProjectContext_PreservesHumanAuthoredBriefSections(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, repoDir := newTestOrchestrator(t, cfg)

	briefPath := filepath.Join(repoDir, "BRIEF.md")
	humanContent := "## Goal\n\nBuild the thing.\n\n## Done When\n\nIt works.\n\n"
	if err := os.WriteFile(briefPath, []byte(humanContent), 0o644); err != nil {
		t.Fatalf("writing BRIEF.md: %v", err)
	}

	if err := orch.UpdateBrief(context.Background(), "Current Status", "in progress"); err != nil {
		t.Fatalf("UpdateBrief: %v", err)
	}

	ctxResult, err := orch.GetProjectContext(context.Background())
	if err != nil {
		t.Fatalf("GetProjectContext: %v", err)
	}
	if !strings.Contains(ctxResult.BriefContent, "Build the thing.") {
		t.Errorf("expected human-authored Goal section preserved, got %q", ctxResult.BriefContent)
	}
	if !strings.Contains(ctxResult.BriefContent, "in progress") {
		t.Errorf("expected Current Status update present, got %q", ctxResult.BriefContent)
	}
}

func TestRequestMerge_WithoutTitleRequiresAutoMerge(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, _, _ := newTestOrchestrator(t, cfg)

	result, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	_, err = orch.RequestMerge(context.Background(), bus.RequestMergeRequest{AgentID: result.AgentID, Target: "main"})
	toolErr, ok := err.(*bus.ToolError)
	if !ok || toolErr.Kind != bus.ErrorKindPermissionNotApproved {
		t.Fatalf("expected PermissionNotPreApproved when auto_merge is disabled, got %v", err)
	}
}

func TestRequestMerge_AutoMergeMergesLocally(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	cfg.Settings.AutoMerge = true
	orch, _, repoDir := newTestOrchestrator(t, cfg)

	result, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	featureFile := filepath.Join(result.WorktreePath, "feature.txt")
	if err := os.WriteFile(featureFile, []byte("feature\n"), 0o644); err != nil {
		t.Fatalf("write feature file: %v", err)
	}
	commit := exec.Command("git", "-C", result.WorktreePath, "add", "-A")
	if output, err := commit.CombinedOutput(); err != nil {
		t.Fatalf("git add: %v\n%s", err, output)
	}
	commitCmd := exec.Command("git", "-C", result.WorktreePath, "commit", "-m", "add feature")
	commitCmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.local",
	)
	if output, err := commitCmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit: %v\n%s", err, output)
	}

	mergeResult, err := orch.RequestMerge(context.Background(), bus.RequestMergeRequest{AgentID: result.AgentID, Target: "main"})
	if err != nil {
		t.Fatalf("RequestMerge: %v", err)
	}
	if !mergeResult.Merged {
		t.Errorf("expected Merged true")
	}
	if _, err := os.Stat(filepath.Join(repoDir, "feature.txt")); err != nil {
		t.Errorf("expected feature.txt merged into main worktree: %v", err)
	}
}

func TestCloseProject_TearsDownEveryAgent(t *testing.T) {
	t.Parallel()
	cfg := testConfigWithRole(t)
	orch, store, _ := newTestOrchestrator(t, cfg)

	result, err := orch.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "worker"})
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}

	if err := orch.CloseProject(context.Background(), "all done"); err != nil {
		t.Fatalf("CloseProject: %v", err)
	}

	record, exists := store.GetAgent(result.AgentID)
	if !exists || record.Status != archstate.StatusDone {
		t.Errorf("expected agent torn down on close, got %+v", record)
	}
}
