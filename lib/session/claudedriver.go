// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ClaudeDriver implements Driver for Claude Code. It is the reference
// implementation of the AI CLI invocation contract described in the
// harness's external interfaces: structured streaming output, a
// generated per-agent bus config, a non-interactive flag, and optional
// resume/skip-permissions flags.
type ClaudeDriver struct {
	// BinaryPath is the path to the claude executable. Defaults to
	// "claude" resolved via PATH when empty.
	BinaryPath string
}

// claudeProcess wraps an exec.Cmd to implement Process.
type claudeProcess struct {
	command *exec.Cmd
	stdin   io.WriteCloser
}

func (process *claudeProcess) Wait() error {
	return process.command.Wait()
}

func (process *claudeProcess) Stdin() io.Writer {
	return process.stdin
}

func (process *claudeProcess) Signal(signal os.Signal) error {
	if process.command.Process == nil {
		return fmt.Errorf("process not started")
	}
	return process.command.Process.Signal(signal)
}

func (process *claudeProcess) Pid() int {
	if process.command.Process == nil {
		return 0
	}
	return process.command.Process.Pid
}

// BuildClaudeArgs assembles the claude CLI argument list from a
// DriverConfig. Exported so lib/containerdriver can reuse it verbatim
// for the in-container invocation — the CLI invocation contract is
// identical whether the process runs locally or inside a container,
// only how the process itself is launched differs.
func BuildClaudeArgs(config DriverConfig) []string {
	arguments := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
	}
	if config.ModelID != "" {
		arguments = append(arguments, "--model", config.ModelID)
	}
	if config.SystemPromptFile != "" {
		arguments = append(arguments, "--append-system-prompt-file", config.SystemPromptFile)
	}
	if config.BusConfigFile != "" {
		arguments = append(arguments, "--mcp-config", config.BusConfigFile)
	}
	if config.SkipPermissions {
		arguments = append(arguments, "--dangerously-skip-permissions")
	}
	if config.ResumeToken != "" {
		arguments = append(arguments, "--resume", config.ResumeToken)
	}
	// Initial prompt as positional argument.
	arguments = append(arguments, config.Prompt)
	return arguments
}

// Start spawns a Claude Code process with stream-json output. Arguments
// follow the invocation contract: model id, structured-streaming output
// flag, path to the per-agent bus-config file, non-interactive flag,
// optional skip-permissions flag, optional resume-token flag, and the
// spawn prompt as the final positional argument.
func (driver *ClaudeDriver) Start(ctx context.Context, config DriverConfig) (Process, io.ReadCloser, error) {
	binaryPath := driver.BinaryPath
	if binaryPath == "" {
		binaryPath = "claude"
	}

	command := exec.CommandContext(ctx, binaryPath, BuildClaudeArgs(config)...)
	command.Dir = config.WorkingDirectory
	command.Env = append(os.Environ(), config.ExtraEnv...)

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := command.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := command.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := command.Start(); err != nil {
		stdin.Close()
		return nil, nil, fmt.Errorf("starting claude: %w", err)
	}

	// Stderr is host-side diagnostic noise, not a TTY stream — read it
	// and discard it rather than leaving it unread, which would
	// eventually block the child on a full pipe buffer. Nothing of it
	// is kept or logged.
	go io.Copy(io.Discard, stderr)

	process := &claudeProcess{
		command: command,
		stdin:   stdin,
	}

	return process, stdout, nil
}

// ParseOutput reads Claude Code's stream-json stdout line by line and
// emits structured events. Each line is a JSON object with a "type" field.
//
// Claude Code stream-json event types:
//   - {"type":"system","subtype":"init",...} → EventTypeSystem
//   - {"type":"assistant","subtype":"text",...} → EventTypeResponse
//   - {"type":"assistant","subtype":"tool_use",...} → EventTypeToolCall
//   - {"type":"tool","subtype":"result",...} → EventTypeToolResult
//   - {"type":"usage",...} → EventTypeUsage
//   - {"type":"result","subtype":"success",...} → EventTypeResult
//   - Unknown types → EventTypeOutput (raw JSON preserved)
func (driver *ClaudeDriver) ParseOutput(ctx context.Context, stdout io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(stdout)
	// Claude Code can produce long lines (tool results with large file contents).
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := parseStreamJSONLine(line)
		if err != nil {
			// Malformed line — preserve as a raw output event rather
			// than dropping it; the token meter and dashboard can
			// both tolerate events of unknown shape.
			events <- Event{
				Timestamp: time.Now(),
				Type:      EventTypeOutput,
				Output:    &OutputEvent{Raw: json.RawMessage(append([]byte(nil), line...))},
			}
			continue
		}

		events <- event
	}

	return scanner.Err()
}

// Interrupt sends SIGINT to Claude Code, which finishes the current tool
// call and exits gracefully.
func (driver *ClaudeDriver) Interrupt(process Process) error {
	return process.Signal(syscall.SIGINT)
}

// streamJSONEvent is the common envelope for Claude Code stream-json output.
type streamJSONEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// parseStreamJSONLine parses a single line of Claude Code stream-json output
// into a structured Event.
func parseStreamJSONLine(line []byte) (Event, error) {
	var envelope streamJSONEvent
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event{}, fmt.Errorf("parsing stream-json envelope: %w", err)
	}

	now := time.Now()

	switch envelope.Type {
	case "system":
		return Event{
			Timestamp: now,
			Type:      EventTypeSystem,
			System: &SystemEvent{
				Subtype: envelope.Subtype,
				Message: extractStringField(line, "message"),
			},
		}, nil

	case "assistant":
		return parseAssistantEvent(now, envelope.Subtype, line)

	case "tool":
		return parseToolEvent(now, envelope.Subtype, line)

	case "usage":
		return parseUsageEvent(now, line), nil

	case "result":
		return parseResultEvent(now, line), nil

	default:
		return Event{
			Timestamp: now,
			Type:      EventTypeOutput,
			Output:    &OutputEvent{Raw: json.RawMessage(append([]byte(nil), line...))},
		}, nil
	}
}

// parseAssistantEvent handles {"type":"assistant",...} events.
func parseAssistantEvent(timestamp time.Time, subtype string, line []byte) (Event, error) {
	switch subtype {
	case "text":
		return Event{
			Timestamp: timestamp,
			Type:      EventTypeResponse,
			Response: &ResponseEvent{
				Content: extractStringField(line, "text"),
			},
		}, nil

	case "tool_use":
		var toolUse struct {
			ID    string          `json:"tool_use_id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}
		json.Unmarshal(line, &toolUse)
		return Event{
			Timestamp: timestamp,
			Type:      EventTypeToolCall,
			ToolCall: &ToolCallEvent{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: toolUse.Input,
			},
		}, nil

	default:
		return Event{
			Timestamp: timestamp,
			Type:      EventTypeOutput,
			Output:    &OutputEvent{Raw: json.RawMessage(append([]byte(nil), line...))},
		}, nil
	}
}

// parseToolEvent handles {"type":"tool",...} events.
func parseToolEvent(timestamp time.Time, subtype string, line []byte) (Event, error) {
	switch subtype {
	case "result":
		var toolResult struct {
			ToolUseID string `json:"tool_use_id"`
			IsError   bool   `json:"is_error"`
			Content   string `json:"content"`
		}
		json.Unmarshal(line, &toolResult)
		return Event{
			Timestamp: timestamp,
			Type:      EventTypeToolResult,
			ToolResult: &ToolResultEvent{
				ID:      toolResult.ToolUseID,
				IsError: toolResult.IsError,
				Output:  toolResult.Content,
			},
		}, nil

	default:
		return Event{
			Timestamp: timestamp,
			Type:      EventTypeOutput,
			Output:    &OutputEvent{Raw: json.RawMessage(append([]byte(nil), line...))},
		}, nil
	}
}

// parseUsageEvent handles {"type":"usage",...} events.
func parseUsageEvent(timestamp time.Time, line []byte) Event {
	var usage struct {
		InputTokens      int64  `json:"input_tokens"`
		OutputTokens     int64  `json:"output_tokens"`
		CacheReadTokens  int64  `json:"cache_read_input_tokens"`
		CacheWriteTokens int64  `json:"cache_creation_input_tokens"`
		Model            string `json:"model"`
	}
	json.Unmarshal(line, &usage)

	return Event{
		Timestamp: timestamp,
		Type:      EventTypeUsage,
		Usage: &UsageEvent{
			InputTokens:      usage.InputTokens,
			OutputTokens:     usage.OutputTokens,
			CacheReadTokens:  usage.CacheReadTokens,
			CacheWriteTokens: usage.CacheWriteTokens,
			ModelID:          usage.Model,
		},
	}
}

// parseResultEvent handles {"type":"result",...} events, extracting the
// turn's final cost, duration, and resume token.
func parseResultEvent(timestamp time.Time, line []byte) Event {
	var result struct {
		CostUSD         float64 `json:"cost_usd"`
		DurationSeconds float64 `json:"duration_seconds"`
		DurationMS      float64 `json:"duration_ms"`
		TurnCount       int64   `json:"num_turns"`
		ResumeToken     string  `json:"session_id"`
		Subtype         string  `json:"subtype"`
	}
	json.Unmarshal(line, &result)

	durationSeconds := result.DurationSeconds
	if durationSeconds == 0 && result.DurationMS > 0 {
		durationSeconds = result.DurationMS / 1000.0
	}

	status := "success"
	if result.Subtype != "" && result.Subtype != "success" {
		status = result.Subtype
	}

	return Event{
		Timestamp: timestamp,
		Type:      EventTypeResult,
		Result: &ResultEvent{
			CostUSD:         result.CostUSD,
			DurationSeconds: durationSeconds,
			TurnCount:       result.TurnCount,
			ResumeToken:     result.ResumeToken,
			Status:          status,
		},
	}
}

// extractStringField extracts a string field from a JSON object without
// full deserialization. Falls back to empty string on any error.
func extractStringField(data []byte, field string) string {
	var parsed map[string]json.RawMessage
	if json.Unmarshal(data, &parsed) != nil {
		return ""
	}
	raw, ok := parsed[field]
	if !ok {
		return ""
	}
	var value string
	if json.Unmarshal(raw, &value) != nil {
		return ""
	}
	return value
}
