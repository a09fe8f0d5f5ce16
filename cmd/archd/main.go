// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// archd is the harness daemon: it loads a project configuration,
// opens the state store, runs the startup admission sequence (the
// skip-permissions prompt, the container-runtime check, the
// hosting-provider check), starts the bus server and the lead agent,
// and supervises the run until a shutdown signal or close_project.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arch-harness/arch/lib/archstate"
	"github.com/arch-harness/arch/lib/auditlog"
	"github.com/arch-harness/arch/lib/bus"
	"github.com/arch-harness/arch/lib/config"
	"github.com/arch-harness/arch/lib/containerdriver"
	"github.com/arch-harness/arch/lib/git"
	"github.com/arch-harness/arch/lib/hostingprovider"
	"github.com/arch-harness/arch/lib/orchestrator"
	"github.com/arch-harness/arch/lib/process"
	"github.com/arch-harness/arch/lib/service"
	"github.com/arch-harness/arch/lib/tokenmeter"
	"github.com/arch-harness/arch/lib/worktree"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var keepWorktrees bool

	flagSet := pflag.NewFlagSet("archd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the project configuration file (or set ARCH_CONFIG)")
	flagSet.BoolVar(&keepWorktrees, "keep-worktrees", false, "do not remove agent worktrees on teardown or shutdown")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.EnsureStateDir(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoRoot, err := cfg.AbsoluteRepo()
	if err != nil {
		return fmt.Errorf("resolving project.repo: %w", err)
	}
	repo := git.NewRepository(repoRoot)
	if _, err := repo.Run(ctx, "rev-parse", "--git-dir"); err != nil {
		return fmt.Errorf("verifying git repository at %s: %w", repoRoot, err)
	}

	store, err := archstate.New(archstate.Config{Dir: cfg.Settings.StateDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	if err := store.Load(); err != nil {
		return fmt.Errorf("loading prior run state: %w", err)
	}

	resuming := store.TakeSnapshot().Project.Name != ""
	if !resuming {
		if err := store.SetProject(archstate.ProjectContext{
			Name:           cfg.Project.Name,
			Description:    cfg.Project.Description,
			RepositoryRoot: repoRoot,
			StartedAt:      time.Now(),
		}); err != nil {
			return fmt.Errorf("recording project context: %w", err)
		}
	}

	auditLogPath := filepath.Join(cfg.Settings.StateDir, "permissions_audit.log")
	auditLog, err := auditlog.Open(auditLogPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()
	if err := confirmSkipPermissions(ctx, cfg, auditLog); err != nil {
		return err
	}

	if roleRequiresContainerRuntime(cfg) {
		if err := verifyContainerRuntime(ctx); err != nil {
			return fmt.Errorf("verifying container runtime: %w", err)
		}
	}

	var provider *hostingprovider.Client
	if cfg.GitHub != nil {
		binary, err := config.HostingProviderCLI()
		if err != nil {
			logger.Warn("hosting provider disabled: CLI not found on PATH", "error", err)
		} else {
			client := hostingprovider.New(binary, cfg.GitHub.Repo, 0)
			if err := client.VerifyAuthenticated(ctx); err != nil {
				logger.Warn("hosting provider disabled: not authenticated", "error", err)
			} else {
				provider = client
			}
		}
	}

	worktrees, err := worktree.New(worktree.Config{
		Repo:          repo,
		WorktreesRoot: filepath.Join(repoRoot, ".worktrees"),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("constructing worktree manager: %w", err)
	}

	pricing, err := tokenmeter.LoadPricingFile(cfg.Settings.PricingFile)
	if err != nil {
		return fmt.Errorf("loading pricing file: %w", err)
	}
	meter := tokenmeter.New(store, pricing, logger, cfg.Settings.TokenBudgetUSD)

	busConfigDir := filepath.Join(cfg.Settings.StateDir, "bus")
	orch := orchestrator.New(orchestrator.Config{
		Config:       cfg,
		Store:        store,
		Repo:         repo,
		Worktrees:    worktrees,
		Meter:        meter,
		Provider:     provider,
		Logger:       logger,
		BusConfigDir: busConfigDir,
		AuditLog:     auditLog.Recorder(),
	})
	orch.KeepWorktrees = keepWorktrees

	busServer := bus.NewServer(bus.Config{
		Store:            store,
		Orchestrator:     orch,
		Provider:         busProvider(provider),
		Logger:           logger,
		RequiresApproval: cfg.RequiresApproval,
		AuditLog:         auditLog.Recorder(),
	})

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: fmt.Sprintf("127.0.0.1:%d", cfg.Settings.MCPPort),
		Handler: busServer.Handler(),
		Logger:  logger,
	})

	// serveCtx is cancelled explicitly once the supervision loop below
	// decides to shut down, whether that decision came from a signal
	// on ctx or from the lead exiting on its own — Serve only stops on
	// context cancellation, not on any separate Shutdown call.
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	serveDone := make(chan error, 1)
	go func() { serveDone <- httpServer.Serve(serveCtx) }()
	select {
	case <-httpServer.Ready():
	case err := <-serveDone:
		return fmt.Errorf("starting bus server: %w", err)
	}

	var leadResumeToken string
	if resuming {
		if record, exists := store.GetAgent(archstate.LeadRecipient); exists {
			leadResumeToken = record.ResumeToken
		}
	}
	if err := orch.SpawnLead(ctx, leadResumeToken); err != nil {
		return fmt.Errorf("spawning lead: %w", err)
	}

	logger.Info("archd running",
		"project", cfg.Project.Name,
		"mcp_port", cfg.Settings.MCPPort,
		"state_dir", cfg.Settings.StateDir,
	)

	restarted := false
supervise:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break supervise
		case result := <-orch.LeadExit():
			if result.Err == nil {
				logger.Info("lead exited normally")
				break supervise
			}
			if restarted {
				logger.Error("lead exited a second time, shutting down", "error", result.Err)
				break supervise
			}
			restarted = true
			logger.Warn("lead exited unexpectedly, attempting one restart", "error", result.Err)
			if err := orch.SpawnLead(ctx, result.ResumeToken); err != nil {
				logger.Error("restarting lead failed, shutting down", "error", err)
				break supervise
			}
		}
	}

	cancelServe()
	return shutdown(busServer, serveDone, orch, store, logger)
}

// shutdown runs spec.md §4.8's shutdown sequence: signal every active
// session, force-terminate survivors after a bounded grace period,
// remove worktrees unless opted out, flush state, print a cost
// summary. The HTTP listener is stopped by the caller cancelling
// serveCtx before this runs.
func shutdown(busServer *bus.Server, serveDone <-chan error, orch *orchestrator.Orchestrator, store *archstate.Store, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	busServer.Shutdown()
	if err := orch.CloseProject(shutdownCtx, ""); err != nil {
		logger.Warn("closing project during shutdown", "error", err)
	}
	for _, err := range containerdriver.StopAll() {
		logger.Warn("stopping sandboxed container during shutdown", "error", err)
	}

	if err := <-serveDone; err != nil {
		logger.Warn("bus server shutdown", "error", err)
	}

	printCostSummary(store, logger)
	return nil
}

func printCostSummary(store *archstate.Store, logger *slog.Logger) {
	var totalCostUSD float64
	var totalTokens int64
	for _, record := range store.ListAgents() {
		totalCostUSD += record.Usage.CostUSD()
		totalTokens += record.Usage.InputTokens + record.Usage.OutputTokens
	}
	logger.Info("run cost summary", "total_tokens", totalTokens, "total_cost_usd", totalCostUSD)
}

// confirmSkipPermissions displays every role that declares
// permissions.skip_permissions and requires explicit human assent
// before the run continues, recording the acknowledgement with a
// timestamp. Refusal aborts startup with a non-zero exit and no
// sessions spawned, per spec.md scenario S5.
//
// The read itself runs on a dedicated goroutine reporting back over a
// buffered channel, rather than blocking this call directly on
// os.Stdin: ctx (the process's signal-derived context) can then still
// cancel a prompt nobody is going to answer, the same
// context-cancellation idiom the supervision loop in run uses.
func confirmSkipPermissions(ctx context.Context, cfg *config.Config, auditLog *auditlog.Log) error {
	var roles []string
	for _, entry := range cfg.AgentPool {
		if entry.Permissions.SkipPermissions {
			roles = append(roles, entry.ID)
		}
	}
	if len(roles) == 0 {
		return nil
	}

	fmt.Fprintf(os.Stderr, "The following roles will run with permission checks skipped: %s\n", strings.Join(roles, ", "))
	fmt.Fprint(os.Stderr, "This bypasses the AI CLI's per-tool confirmation prompts for every agent spawned under these roles. Continue? [y/n] ")

	type stdinLine struct {
		text string
		err  error
	}
	lineCh := make(chan stdinLine, 1)
	go func() {
		text, err := bufio.NewReader(os.Stdin).ReadString('\n')
		lineCh <- stdinLine{text: text, err: err}
	}()

	var answer string
	select {
	case <-ctx.Done():
		return fmt.Errorf("skip-permissions confirmation interrupted before an answer was given: %w", ctx.Err())
	case result := <-lineCh:
		if result.err != nil && !errors.Is(result.err, os.ErrClosed) && !errors.Is(result.err, io.EOF) {
			return fmt.Errorf("reading skip-permissions confirmation: %w", result.err)
		}
		answer = result.text
	}

	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		return fmt.Errorf("skip-permissions roles %s were not confirmed at startup", strings.Join(roles, ", "))
	}

	for _, role := range roles {
		if err := auditLog.Recorder()("skip_permissions_preapproved", "", role, "operator"); err != nil {
			return fmt.Errorf("recording skip-permissions acknowledgement: %w", err)
		}
	}
	return nil
}

func roleRequiresContainerRuntime(cfg *config.Config) bool {
	for _, entry := range cfg.AgentPool {
		if entry.Sandbox.Enabled {
			return true
		}
	}
	return false
}

// verifyContainerRuntime checks that the container daemon is
// reachable before any sandboxed role is admitted, per spec.md
// §4.8's "fatal at startup only if any role requires it" rule.
func verifyContainerRuntime(ctx context.Context) error {
	boundedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(boundedCtx, "docker", "info").Run(); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func busProvider(client *hostingprovider.Client) bus.HostingProvider {
	if client == nil {
		return nil
	}
	return hostingProviderAdapter{client}
}

// hostingProviderAdapter bridges *hostingprovider.Client to
// bus.HostingProvider by translating between the two packages'
// identical-shaped Issue/Milestone projections.
type hostingProviderAdapter struct {
	client *hostingprovider.Client
}

func toBusIssue(issue hostingprovider.Issue) bus.Issue {
	return bus.Issue{Number: issue.Number, URL: issue.URL, Title: issue.Title, State: issue.State}
}

func toBusMilestone(milestone hostingprovider.Milestone) bus.Milestone {
	return bus.Milestone{Number: milestone.Number, Title: milestone.Title}
}

func (a hostingProviderAdapter) CreateIssue(ctx context.Context, title, body string, labels []string) (bus.Issue, error) {
	issue, err := a.client.CreateIssue(ctx, title, body, labels)
	return toBusIssue(issue), err
}

func (a hostingProviderAdapter) ListIssues(ctx context.Context, state string) ([]bus.Issue, error) {
	issues, err := a.client.ListIssues(ctx, state)
	if err != nil {
		return nil, err
	}
	result := make([]bus.Issue, len(issues))
	for i, issue := range issues {
		result[i] = toBusIssue(issue)
	}
	return result, nil
}

func (a hostingProviderAdapter) UpdateIssue(ctx context.Context, number int, title, body string) (bus.Issue, error) {
	issue, err := a.client.UpdateIssue(ctx, number, title, body)
	return toBusIssue(issue), err
}

func (a hostingProviderAdapter) CloseIssue(ctx context.Context, number int) error {
	return a.client.CloseIssue(ctx, number)
}

func (a hostingProviderAdapter) AddComment(ctx context.Context, number int, body string) error {
	return a.client.AddComment(ctx, number, body)
}

func (a hostingProviderAdapter) CreateMilestone(ctx context.Context, title, description string) (bus.Milestone, error) {
	milestone, err := a.client.CreateMilestone(ctx, title, description)
	return toBusMilestone(milestone), err
}

func (a hostingProviderAdapter) ListMilestones(ctx context.Context) ([]bus.Milestone, error) {
	milestones, err := a.client.ListMilestones(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]bus.Milestone, len(milestones))
	for i, milestone := range milestones {
		result[i] = toBusMilestone(milestone)
	}
	return result, nil
}
