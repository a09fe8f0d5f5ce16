// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"time"
)

// EventType classifies session log events.
type EventType string

const (
	// EventTypePrompt is the initial prompt or injected message sent to the agent.
	EventTypePrompt EventType = "prompt"

	// EventTypeToolCall is a tool invocation by the agent.
	EventTypeToolCall EventType = "tool_call"

	// EventTypeToolResult is the result returned from a tool invocation.
	EventTypeToolResult EventType = "tool_result"

	// EventTypeResponse is a text response from the agent.
	EventTypeResponse EventType = "response"

	// EventTypeUsage is an incremental token-usage report. The AI CLI
	// emits these during a turn, ahead of the terminal result event.
	EventTypeUsage EventType = "usage"

	// EventTypeResult is the terminal event for one agent turn: final
	// cost and duration, and — when the CLI supports it — a resume
	// token that lets a later session continue this conversation.
	EventTypeResult EventType = "result"

	// EventTypeOutput is raw output that doesn't map to a structured type.
	EventTypeOutput EventType = "output"

	// EventTypeError is an error event from the agent or wrapper.
	EventTypeError EventType = "error"

	// EventTypeSystem is a system-level event (init, shutdown, config).
	EventTypeSystem EventType = "system"

	// EventTypeThinking is a reasoning/thinking block from the agent.
	// Contains the agent's chain-of-thought reasoning and an optional
	// cryptographic signature for verification.
	EventTypeThinking EventType = "thinking"
)

// Event is a structured session log entry. Each event has a timestamp, type,
// and type-specific data. Events are serialized as JSONL for session logs.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type classifies the event.
	Type EventType `json:"type"`

	// Prompt is set for EventTypePrompt events.
	Prompt *PromptEvent `json:"prompt,omitempty"`

	// ToolCall is set for EventTypeToolCall events.
	ToolCall *ToolCallEvent `json:"tool_call,omitempty"`

	// ToolResult is set for EventTypeToolResult events.
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`

	// Response is set for EventTypeResponse events.
	Response *ResponseEvent `json:"response,omitempty"`

	// Usage is set for EventTypeUsage events.
	Usage *UsageEvent `json:"usage,omitempty"`

	// Result is set for EventTypeResult events.
	Result *ResultEvent `json:"result,omitempty"`

	// Output is set for EventTypeOutput events.
	Output *OutputEvent `json:"output,omitempty"`

	// Error is set for EventTypeError events.
	Error *ErrorEvent `json:"error,omitempty"`

	// System is set for EventTypeSystem events.
	System *SystemEvent `json:"system,omitempty"`

	// Thinking is set for EventTypeThinking events.
	Thinking *ThinkingEvent `json:"thinking,omitempty"`
}

// PromptEvent records a prompt sent to the agent.
type PromptEvent struct {
	// Content is the prompt text.
	Content string `json:"content"`

	// Source distinguishes the origin of the prompt.
	// Values: "initial" (the first prompt at session start),
	// "injected" (message injected via the messaging system),
	// "user" (human input via stdin, used by Claude Code driver).
	Source string `json:"source"`
}

// ToolCallEvent records a tool invocation by the agent.
type ToolCallEvent struct {
	// ID is the tool call identifier (runtime-specific, e.g., Claude's tool_use ID).
	ID string `json:"id,omitempty"`

	// Name is the tool name (e.g., "Read", "Bash", "Edit").
	Name string `json:"name"`

	// Input is the tool input, preserved as raw JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// ServerTool distinguishes built-in server tools (web search,
	// file search) from MCP/user-defined tools.
	ServerTool bool `json:"server_tool,omitempty"`
}

// ToolResultEvent records the result of a tool invocation.
type ToolResultEvent struct {
	// ID matches the corresponding ToolCallEvent.ID.
	ID string `json:"id,omitempty"`

	// IsError indicates the tool call failed.
	IsError bool `json:"is_error,omitempty"`

	// Output is the tool result text (truncated for large outputs).
	Output string `json:"output,omitempty"`
}

// ResponseEvent records a text response from the agent.
type ResponseEvent struct {
	// Content is the response text.
	Content string `json:"content"`
}

// UsageEvent records an incremental token-usage report, consumed
// directly by the token meter's running totals.
type UsageEvent struct {
	// InputTokens is the token count for this report.
	InputTokens int64 `json:"input_tokens,omitempty"`

	// OutputTokens is the output token count for this report.
	OutputTokens int64 `json:"output_tokens,omitempty"`

	// CacheReadTokens is the count of tokens read from cache.
	CacheReadTokens int64 `json:"cache_read_tokens,omitempty"`

	// CacheWriteTokens is the count of tokens written to cache.
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`

	// ModelID identifies the model that produced this usage, used to
	// select a rate from the pricing table.
	ModelID string `json:"model_id,omitempty"`
}

// ResultEvent is the terminal event for one agent turn.
type ResultEvent struct {
	// CostUSD is the cost of the turn in USD, as reported by the CLI.
	// The token meter treats this as authoritative when present and
	// falls back to the pricing table otherwise.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// DurationSeconds is the turn's wall-clock duration.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// TurnCount is the number of agent turns (API round-trips) in
	// this run.
	TurnCount int64 `json:"turn_count,omitempty"`

	// ResumeToken is an opaque identifier the CLI accepts on a later
	// invocation to continue this conversation. Empty when the CLI
	// does not support resumption.
	ResumeToken string `json:"resume_token,omitempty"`

	// Status is the session outcome. Values: "success",
	// "error_max_turns", "error_during_execution",
	// "error_max_budget_usd". Empty for agents that don't report
	// session outcome status.
	Status string `json:"status,omitempty"`
}

// OutputEvent records raw output that doesn't map to a structured event type.
type OutputEvent struct {
	// Raw is the original output, preserved as raw JSON.
	Raw json.RawMessage `json:"raw"`
}

// ErrorEvent records an error.
type ErrorEvent struct {
	// Message is the error description.
	Message string `json:"message"`
}

// SystemEvent records system-level events.
type SystemEvent struct {
	// Subtype further classifies the system event. Known subtypes:
	// "init" (session startup with configuration), "shutdown"
	// (graceful termination), "compact_boundary" (full context
	// compaction), "microcompact_boundary" (lighter compaction
	// variant), "context_truncated" (hard truncation).
	Subtype string `json:"subtype"`

	// Message is an optional human-readable description.
	Message string `json:"message,omitempty"`

	// Metadata captures the full structured payload of the system event
	// as raw JSON. For compact_boundary events this contains
	// {"trigger":"auto","pre_tokens":128000}; for init events it contains
	// session_id, tools, model, etc. Consumers unmarshal on demand.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ThinkingEvent records a reasoning/thinking block from the agent.
type ThinkingEvent struct {
	// Content is the agent's chain-of-thought reasoning text.
	Content string `json:"content"`

	// Signature is a cryptographic signature for the thinking block,
	// used for verification by the LLM provider. Present when the
	// provider includes signatures in thinking output.
	Signature string `json:"signature,omitempty"`
}
