// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archstate is the kernel's state store: a single in-memory
// aggregate of the harness's durable records, partitioned by kind, with
// every mutation flushed to its own JSON file via a temp-file-plus-rename
// sequence before the mutating call returns.
package archstate

import (
	"fmt"
	"time"
)

// currentSchemaVersion is carried by every persisted record so a future,
// newer binary's additions to a record shape can be detected by an
// older reader instead of silently dropped on a read-modify-write.
const currentSchemaVersion = 1

// Status is the closed set of agent lifecycle states.
type Status string

const (
	StatusSpawning      Status = "spawning"
	StatusIdle          Status = "idle"
	StatusWorking       Status = "working"
	StatusBlocked       Status = "blocked"
	StatusWaitingReview Status = "waiting_review"
	StatusDone          Status = "done"
	StatusError         Status = "error"
)

// validStatuses is the closed set update_agent validates against. Spawning
// is intentionally excluded — it is set only by register_agent, never by
// a later update_agent patch.
var validStatuses = map[Status]bool{
	StatusIdle:          true,
	StatusWorking:       true,
	StatusBlocked:       true,
	StatusWaitingReview: true,
	StatusDone:          true,
	StatusError:         true,
}

// validTransitions enumerates the status state machine. Error is
// reachable from every non-terminal state; IsValidTransition also
// checks that separately, so the StatusError entries below are
// redundant with that check.
var validTransitions = map[Status][]Status{
	StatusSpawning:      {StatusIdle, StatusWorking, StatusError},
	StatusIdle:          {StatusWorking, StatusDone, StatusError},
	StatusWorking:       {StatusIdle, StatusBlocked, StatusWaitingReview, StatusDone, StatusError},
	StatusBlocked:       {StatusWorking, StatusIdle, StatusError},
	StatusWaitingReview: {StatusWorking, StatusIdle, StatusError},
}

// IsValidTransition reports whether an agent may move from one status
// to another. Terminal states (done, error) have no outgoing transitions.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusError {
		return from != StatusDone && from != StatusError
	}
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// UsageRecord is the per-agent accumulated usage subrecord.
type UsageRecord struct {
	ModelID          string `json:"model_id"`
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	CacheReadTokens  int64  `json:"cache_read_tokens"`
	CacheCreateTokens int64 `json:"cache_create_tokens"`
	TurnCount        int64  `json:"turn_count"`

	// CostMilliUSD is the accumulated cost in thousandths of a US
	// dollar. Integer accumulation avoids float64 rounding drift
	// across thousands of usage events; see SPEC_FULL.md §3.
	CostMilliUSD int64 `json:"cost_milli_usd"`
}

// CostUSD converts the accumulated milli-USD total to a float for display.
func (usage UsageRecord) CostUSD() float64 {
	return float64(usage.CostMilliUSD) / 1000.0
}

// SessionContext is the optional structured session context an agent
// may report about its own progress.
type SessionContext struct {
	FilesModified []string `json:"files_modified,omitempty"`
	ProgressNotes string   `json:"progress_notes,omitempty"`
	NextSteps     []string `json:"next_steps,omitempty"`
	Blockers      []string `json:"blockers,omitempty"`
	Decisions     []string `json:"decisions,omitempty"`
}

// ExecutionHandle identifies how an agent is actually running. Exactly
// one of ProcessID or ContainerName is populated, per the data model's
// invariant.
type ExecutionHandle struct {
	ProcessID     int    `json:"process_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
}

// Validate enforces "exactly one of process id, container name".
func (handle ExecutionHandle) Validate() error {
	hasProcess := handle.ProcessID != 0
	hasContainer := handle.ContainerName != ""
	if hasProcess == hasContainer {
		return fmt.Errorf("execution handle must set exactly one of process_id, container_name")
	}
	return nil
}

// AgentRecord is the full state of one agent, keyed by AgentID.
type AgentRecord struct {
	SchemaVersion int `json:"schema_version"`

	AgentID         string           `json:"agent_id"`
	Role            string           `json:"role"`
	Status          Status           `json:"status"`
	Task            string           `json:"task"`
	ResumeToken     string           `json:"resume_token,omitempty"`
	WorktreePath    string           `json:"worktree_path,omitempty"`

	// Execution is nil while the agent is still spawning: a process id
	// or container name only exists once the driver has actually
	// started something.
	Execution       *ExecutionHandle `json:"execution,omitempty"`
	Sandboxed       bool             `json:"sandboxed"`
	SkipPermissions bool             `json:"skip_permissions"`
	SpawnedAt       time.Time        `json:"spawned_at"`
	Usage           UsageRecord      `json:"usage"`
	SessionContext  *SessionContext  `json:"session_context,omitempty"`

	// Artifacts lists paths or references report_completion's caller
	// names as deliverables of its run, alongside the free-text summary
	// already carried in Task. Replaced wholesale on each completion,
	// never merged — a later report_completion fully supersedes an
	// earlier one's artifact list.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Validate rejects a record whose schema version is newer than this
// binary understands — see CanModify.
func (record AgentRecord) Validate() error {
	if record.SchemaVersion > currentSchemaVersion {
		return fmt.Errorf("agent record schema version %d is newer than this binary supports (%d)",
			record.SchemaVersion, currentSchemaVersion)
	}
	if record.AgentID == "" {
		return fmt.Errorf("agent record missing agent_id")
	}
	if record.Execution != nil {
		return record.Execution.Validate()
	}
	return nil
}

// CanModify reports whether this binary may safely perform a
// read-modify-write on the record without dropping fields it does not
// understand. Mirrors the versioned-content discipline used throughout
// the harness's schema types.
func (record AgentRecord) CanModify() bool {
	return record.SchemaVersion <= currentSchemaVersion
}

// Message is one append-only entry in the message log.
type Message struct {
	SchemaVersion int       `json:"schema_version"`
	ID            int64     `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Body          string    `json:"body"`
	Instant       time.Time `json:"instant"`
	Read          bool      `json:"read"`
}

// BroadcastRecipient and LeadRecipient are the sentinel "to" values.
const (
	BroadcastRecipient = "broadcast"
	LeadRecipient       = "lead"
	UserSender          = "user"
)

// PendingDecision is a question queued for the human operator.
type PendingDecision struct {
	SchemaVersion int        `json:"schema_version"`
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	Question      string     `json:"question"`
	Choices       []string   `json:"choices,omitempty"`
	AskedAt       time.Time  `json:"asked_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
	Answer        *string    `json:"answer,omitempty"`
}

// TaskStatus is the closed set of task states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// Task is one unit of work tracked by the lead.
type Task struct {
	SchemaVersion int        `json:"schema_version"`
	ID            string     `json:"id"`
	AssigneeID    string     `json:"assignee_id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ProjectContext is immutable after startup.
type ProjectContext struct {
	SchemaVersion  int       `json:"schema_version"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	RepositoryRoot string    `json:"repository_root"`
	StartedAt      time.Time `json:"started_at"`
}
