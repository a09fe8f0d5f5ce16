// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session supervises one AI-CLI subprocess (or container-backed
// equivalent) per live agent: spawning it with the harness's invocation
// contract, pumping its structured output into the token meter and
// session log, and recording its exit exactly once regardless of
// whether the process ended on its own or was stopped externally.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ExitResult is delivered to Config.OnExit exactly once per session.
type ExitResult struct {
	AgentID     string
	Err         error
	ResumeToken string
	Summary     SessionSummary
}

// Config holds everything a Session needs to spawn and supervise one
// agent process.
type Config struct {
	// AgentID is this session's agent identifier.
	AgentID string

	// Driver spawns and parses output for the chosen AI CLI runtime —
	// a ClaudeDriver for a local subprocess, or a container-backed
	// driver that runs the same CLI inside an isolated container.
	Driver Driver

	// Prompt is the initial prompt; empty means "wait for the first
	// message delivered over the bus instead of making an eager call".
	Prompt string

	SystemPromptFile string
	BusConfigFile    string
	WorkingDirectory string

	// SessionLogPath, if non-empty, receives one JSON line per event.
	SessionLogPath string

	ResumeToken     string
	SkipPermissions bool
	ModelID         string
	ExtraEnv        []string

	// Logger receives wrapper-level diagnostics. Defaults to a stderr
	// text logger when nil.
	Logger *slog.Logger

	// OnUsage is invoked for every usage event, synchronously on the
	// event-pump goroutine — implementations (the token meter) must
	// not block. A panic here is recovered and logged, never allowed
	// to kill the pump.
	OnUsage func(UsageEvent)

	// OnExit is invoked exactly once when the session ends, regardless
	// of whether the process exited on its own or was stopped.
	OnExit func(ExitResult)
}

// Session supervises one running agent process.
type Session struct {
	agentID string
	logger  *slog.Logger

	process Process
	cancel  context.CancelFunc

	running     atomic.Bool
	resumeToken atomic.Pointer[string]

	exitOnce sync.Once
	done     chan struct{}
}

// Spawn starts a new agent process and begins pumping its output. It
// returns once the process has been started; output parsing, the
// session log, and exit handling all run in background goroutines.
func Spawn(ctx context.Context, config Config) (*Session, error) {
	if config.Driver == nil {
		return nil, fmt.Errorf("session: Driver is required")
	}
	if config.AgentID == "" {
		return nil, fmt.Errorf("session: AgentID is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	logger = logger.With("agent_id", config.AgentID)

	runCtx, cancel := context.WithCancel(ctx)

	driverConfig := DriverConfig{
		Prompt:           config.Prompt,
		SystemPromptFile: config.SystemPromptFile,
		BusConfigFile:    config.BusConfigFile,
		SessionID:        config.AgentID,
		ResumeToken:      config.ResumeToken,
		SkipPermissions:  config.SkipPermissions,
		ModelID:          config.ModelID,
		WorkingDirectory: config.WorkingDirectory,
		ExtraEnv:         config.ExtraEnv,
	}

	process, stdout, err := config.Driver.Start(runCtx, driverConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting agent %s: %w", config.AgentID, err)
	}

	var sessionLog *SessionLogWriter
	if config.SessionLogPath != "" {
		sessionLog, err = NewSessionLogWriter(config.SessionLogPath)
		if err != nil {
			cancel()
			stdout.Close()
			return nil, fmt.Errorf("creating session log: %w", err)
		}
	}

	session := &Session{
		agentID: config.AgentID,
		logger:  logger,
		process: process,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if config.ResumeToken != "" {
		token := config.ResumeToken
		session.resumeToken.Store(&token)
	}
	session.running.Store(true)

	if sessionLog != nil && config.Prompt != "" {
		sessionLog.Write(Event{
			Timestamp: time.Now(),
			Type:      EventTypePrompt,
			Prompt:    &PromptEvent{Content: config.Prompt, Source: "initial"},
		})
	}

	events := make(chan Event, 64)
	eventsDone := make(chan struct{})

	// Consumer: drains events into the session log and the usage
	// callback. Runs until the producer closes events.
	go func() {
		defer close(eventsDone)
		for event := range events {
			if sessionLog != nil {
				if writeErr := sessionLog.Write(event); writeErr != nil {
					logger.Warn("writing session log event", "error", writeErr)
				}
			}
			if event.Type == EventTypeUsage && event.Usage != nil && config.OnUsage != nil {
				invokeUsageCallback(logger, config.OnUsage, *event.Usage)
			}
			if event.Type == EventTypeResult && event.Result != nil {
				if event.Result.ResumeToken != "" {
					token := event.Result.ResumeToken
					session.resumeToken.Store(&token)
				}
			}
		}
	}()

	// Producer: ParseOutput reads stdout and emits events.
	go func() {
		if parseErr := config.Driver.ParseOutput(runCtx, stdout, events); parseErr != nil && !errors.Is(parseErr, context.Canceled) {
			logger.Warn("parsing agent output", "error", parseErr)
		}
		close(events)
		stdout.Close()
	}()

	// Waiter: blocks for process exit, then finalizes exactly once.
	go func() {
		processErr := process.Wait()
		<-eventsDone
		cancel()
		session.running.Store(false)

		var summary SessionSummary
		if sessionLog != nil {
			summary = sessionLog.Summary()
			sessionLog.Close()
		}

		session.finalizeExit(ExitResult{
			AgentID:     session.agentID,
			Err:         processErr,
			ResumeToken: session.ResumeToken(),
			Summary:     summary,
		}, config.OnExit)
	}()

	return session, nil
}

// invokeUsageCallback runs the caller-supplied usage observer with a
// recover guard: a buggy subscriber must not take down output parsing.
func invokeUsageCallback(logger *slog.Logger, callback func(UsageEvent), event UsageEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("usage callback panicked", "panic", recovered)
		}
	}()
	callback(event)
}

// finalizeExit runs the exit callback exactly once, regardless of
// whether it is reached via the process's own end-of-stream or via a
// racing external Stop.
func (session *Session) finalizeExit(result ExitResult, onExit func(ExitResult)) {
	session.exitOnce.Do(func() {
		close(session.done)
		if onExit != nil {
			onExit(result)
		}
	})
}

// Stop requests graceful termination: SIGINT first (the driver's
// Interrupt, which lets the current tool call finish), then SIGKILL if
// the process has not exited within grace.
func (session *Session) Stop(ctx context.Context, driver Driver, grace time.Duration) error {
	if !session.running.Load() {
		return nil
	}

	if err := driver.Interrupt(session.process); err != nil {
		session.logger.Warn("interrupting agent", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-session.done:
		return nil
	case <-timer.C:
		session.logger.Info("grace period elapsed, killing agent")
		if err := session.process.Signal(syscall.SIGKILL); err != nil {
			session.logger.Warn("sending SIGKILL", "error", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-session.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the agent process has not yet exited.
func (session *Session) IsRunning() bool {
	return session.running.Load()
}

// ResumeToken returns the most recently observed resume token, or the
// empty string if none has been reported yet.
func (session *Session) ResumeToken() string {
	if token := session.resumeToken.Load(); token != nil {
		return *token
	}
	return ""
}

// AgentID returns the agent identifier this session supervises.
func (session *Session) AgentID() string {
	return session.agentID
}

// Pid returns the underlying process's local pid, or 0 when the
// driver backing this session reports no meaningful one (container
// drivers identify their agent by container name instead).
func (session *Session) Pid() int {
	return session.process.Pid()
}

// InjectMessage writes a line to the agent's stdin, the mechanism by
// which bus-delivered messages reach an already-running CLI process
// that reads prompts from stdin in print mode.
func (session *Session) InjectMessage(body string) error {
	writer := session.process.Stdin()
	if writer == nil {
		return fmt.Errorf("session %s: no stdin available", session.agentID)
	}
	_, err := io.WriteString(writer, body+"\n")
	return err
}

// Done returns a channel that is closed exactly once, when the
// session's exit has been finalized.
func (session *Session) Done() <-chan struct{} {
	return session.done
}
