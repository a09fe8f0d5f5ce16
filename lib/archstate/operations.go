// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archstate

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// SetProject records the immutable project context and flushes it.
// Intended to be called exactly once, during orchestrator startup.
func (store *Store) SetProject(project ProjectContext) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	project.SchemaVersion = currentSchemaVersion
	store.project = project
	return store.flush(fileProject, store.project)
}

// RegisterAgent inserts a new agent record. Returns an error if the
// agent id is already in use — identifiers are unique for the life of
// the run and are never reused.
func (store *Store) RegisterAgent(record AgentRecord) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	return store.registerAgentLocked(record)
}

func (store *Store) registerAgentLocked(record AgentRecord) error {
	if _, exists := store.agents[record.AgentID]; exists {
		return fmt.Errorf("agent id %q already registered", record.AgentID)
	}
	record.SchemaVersion = currentSchemaVersion
	if record.Status == "" {
		record.Status = StatusSpawning
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("registering agent %q: %w", record.AgentID, err)
	}

	store.agents[record.AgentID] = record
	return store.flush(fileAgents, store.agents)
}

// CapExceededError reports that RegisterAgentIfUnderCaps refused a
// registration because a concurrency cap was already at its limit.
type CapExceededError struct {
	Message string
}

func (e *CapExceededError) Error() string { return e.Message }

// RegisterAgentIfUnderCaps performs the per-role and global concurrency
// admission check and the registration as a single atomic operation
// under writeMutex. Two concurrent callers racing the same role's
// max_instances cap cannot both observe room and both register — the
// second to reach the lock re-evaluates the count after the first has
// already committed.
func (store *Store) RegisterAgentIfUnderCaps(record AgentRecord, maxConcurrentAgents, maxInstancesForRole int) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	var live, liveForRole int
	for _, existing := range store.agents {
		if existing.Status == StatusDone || existing.Status == StatusError {
			continue
		}
		live++
		if existing.Role == record.Role {
			liveForRole++
		}
	}
	if live >= maxConcurrentAgents {
		return &CapExceededError{Message: "max_concurrent_agents reached"}
	}
	if liveForRole >= maxInstancesForRole {
		return &CapExceededError{Message: fmt.Sprintf("role %q has reached max_instances", record.Role)}
	}

	return store.registerAgentLocked(record)
}

// AgentPatch carries the subset of AgentRecord fields update_agent may
// change. A nil field is left untouched.
type AgentPatch struct {
	Status          *Status
	Task            *string
	ResumeToken     *string
	Usage           *UsageRecord
	SessionContext  *SessionContext
	Execution       *ExecutionHandle
	// Artifacts, when non-nil, replaces the agent's artifact list
	// wholesale. A non-nil empty slice clears it explicitly.
	Artifacts *[]string
}

// UpdateAgent applies patch to the named agent's record, validating any
// status transition against the closed state machine before committing.
func (store *Store) UpdateAgent(agentID string, patch AgentPatch) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	record, exists := store.agents[agentID]
	if !exists {
		return fmt.Errorf("agent id %q not found", agentID)
	}

	if patch.Status != nil {
		if !validStatuses[*patch.Status] {
			return fmt.Errorf("invalid status %q", *patch.Status)
		}
		if !IsValidTransition(record.Status, *patch.Status) {
			return fmt.Errorf("invalid status transition %s -> %s for agent %q", record.Status, *patch.Status, agentID)
		}
		record.Status = *patch.Status
	}
	if patch.Task != nil {
		record.Task = *patch.Task
	}
	if patch.ResumeToken != nil {
		record.ResumeToken = *patch.ResumeToken
	}
	if patch.Usage != nil {
		record.Usage = *patch.Usage
	}
	if patch.SessionContext != nil {
		record.SessionContext = patch.SessionContext
	}
	if patch.Execution != nil {
		if err := patch.Execution.Validate(); err != nil {
			return fmt.Errorf("updating agent %q: %w", agentID, err)
		}
		record.Execution = patch.Execution
	}
	if patch.Artifacts != nil {
		record.Artifacts = *patch.Artifacts
	}

	store.agents[agentID] = record
	return store.flush(fileAgents, store.agents)
}

// RemoveAgent deletes an agent's record entirely. Used only for
// bookkeeping cleanup after teardown is fully complete — in-flight
// agents are never removed, only transitioned to done or error.
func (store *Store) RemoveAgent(agentID string) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	if _, exists := store.agents[agentID]; !exists {
		return fmt.Errorf("agent id %q not found", agentID)
	}
	delete(store.agents, agentID)
	return store.flush(fileAgents, store.agents)
}

// GetAgent returns a copy of one agent record.
func (store *Store) GetAgent(agentID string) (AgentRecord, bool) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	record, exists := store.agents[agentID]
	return record, exists
}

// ListAgents returns a snapshot of every agent record, sorted by id for
// deterministic iteration order.
func (store *Store) ListAgents() []AgentRecord {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	records := make([]AgentRecord, 0, len(store.agents))
	for _, id := range slices.Sorted(maps.Keys(store.agents)) {
		records = append(records, store.agents[id])
	}
	return records
}

// LiveAgentCount returns the number of agents whose status is not
// terminal (done or error), used to enforce concurrency caps.
func (store *Store) LiveAgentCount() int {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	count := 0
	for _, record := range store.agents {
		if record.Status != StatusDone && record.Status != StatusError {
			count++
		}
	}
	return count
}

// LiveAgentCountByRole is LiveAgentCount scoped to one role, used for
// per-role concurrency caps.
func (store *Store) LiveAgentCountByRole(role string) int {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	count := 0
	for _, record := range store.agents {
		if record.Role == role && record.Status != StatusDone && record.Status != StatusError {
			count++
		}
	}
	return count
}

// AppendMessage appends a message and returns its assigned id and
// instant. The id is the next value of a monotone counter — callers
// never specify it.
func (store *Store) AppendMessage(from, to, body string) (Message, error) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	message := Message{
		SchemaVersion: currentSchemaVersion,
		ID:            store.nextMessageID,
		From:          from,
		To:            to,
		Body:          body,
		Instant:       store.clock.Now(),
	}
	store.nextMessageID++
	store.messages = append(store.messages, message)

	if err := store.flush(fileMessages, store.messages); err != nil {
		return Message{}, err
	}
	return message, nil
}

// MessagesSince returns every message with id > cursor addressed to
// recipient or to the broadcast sentinel, plus the id of the last
// message returned (the caller's new cursor). If no matching messages
// exist, newCursor equals cursor unchanged.
//
// When recipient is the lead, the returned cursor is additionally
// persisted to the lead's cursor file before this call returns, so a
// reconnecting lead (e.g. after a context compaction) does not
// re-receive messages it already consumed.
func (store *Store) MessagesSince(recipient string, cursor int64) ([]Message, int64, error) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	var result []Message
	newCursor := cursor
	for _, message := range store.messages {
		if message.ID <= cursor {
			continue
		}
		if message.To != recipient && message.To != BroadcastRecipient {
			continue
		}
		result = append(result, message)
		if message.ID > newCursor {
			newCursor = message.ID
		}
	}

	if recipient == LeadRecipient && newCursor != store.leadCursor {
		store.leadCursor = newCursor
		if err := store.flush(fileCursor, struct {
			Cursor int64 `json:"cursor"`
		}{Cursor: newCursor}); err != nil {
			return nil, 0, err
		}
	}

	return result, newCursor, nil
}

// LeadCursor returns the lead's persisted read cursor, used when the
// lead calls get_messages without an explicit since parameter.
func (store *Store) LeadCursor() int64 {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	return store.leadCursor
}

// QueueDecision records a new pending decision awaiting a human answer.
func (store *Store) QueueDecision(id, agentID, question string, choices []string) (PendingDecision, error) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	if _, exists := store.decisions[id]; exists {
		return PendingDecision{}, fmt.Errorf("decision id %q already queued", id)
	}

	decision := PendingDecision{
		SchemaVersion: currentSchemaVersion,
		ID:            id,
		AgentID:       agentID,
		Question:      question,
		Choices:       choices,
		AskedAt:       store.clock.Now(),
	}
	store.decisions[id] = decision
	if err := store.flush(fileDecisions, store.decisions); err != nil {
		return PendingDecision{}, err
	}
	return decision, nil
}

// AnswerDecision resolves a queued decision by id. Idempotent: a second
// answer to an already-answered decision is a no-op that returns the
// original answer, not an error and not the new one.
func (store *Store) AnswerDecision(id, answer string) (PendingDecision, error) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	decision, exists := store.decisions[id]
	if !exists {
		return PendingDecision{}, fmt.Errorf("decision id %q not found", id)
	}
	if decision.AnsweredAt != nil {
		return decision, nil
	}

	now := store.clock.Now()
	decision.AnsweredAt = &now
	decision.Answer = &answer
	store.decisions[id] = decision

	if err := store.flush(fileDecisions, store.decisions); err != nil {
		return PendingDecision{}, err
	}
	return decision, nil
}

// GetDecision returns a copy of one pending decision.
func (store *Store) GetDecision(id string) (PendingDecision, bool) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()
	decision, exists := store.decisions[id]
	return decision, exists
}

// ListPendingDecisions returns every decision that has not yet been
// answered, sorted by id for deterministic ordering.
func (store *Store) ListPendingDecisions() []PendingDecision {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	var pending []PendingDecision
	for _, id := range slices.Sorted(maps.Keys(store.decisions)) {
		decision := store.decisions[id]
		if decision.AnsweredAt == nil {
			pending = append(pending, decision)
		}
	}
	return pending
}

// PendingBudgetDecision returns the first unanswered budget_exceeded
// decision (queued by tokenmeter.Meter under the id "budget-<agent>")
// belonging to an agent of the given role, if any. SpawnAgent consults
// this to block a role's next spawn request once one of its agents
// has crossed the token budget, per spec.md §4.8's "an agent-scoped
// budget likewise blocks its next spawn request" — the block lifts
// once a human answers the decision.
func (store *Store) PendingBudgetDecision(role string) (PendingDecision, bool) {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	for _, id := range slices.Sorted(maps.Keys(store.decisions)) {
		decision := store.decisions[id]
		if decision.AnsweredAt != nil || !strings.HasPrefix(decision.ID, "budget-") {
			continue
		}
		if agent, exists := store.agents[decision.AgentID]; exists && agent.Role == role {
			return decision, true
		}
	}
	return PendingDecision{}, false
}

// UpsertTask creates or replaces a task record.
func (store *Store) UpsertTask(task Task) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	task.SchemaVersion = currentSchemaVersion
	if task.CreatedAt.IsZero() {
		task.CreatedAt = store.clock.Now()
	}
	store.tasks[task.ID] = task
	return store.flush(fileTasks, store.tasks)
}

// ListTasks returns every task, sorted by id.
func (store *Store) ListTasks() []Task {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	tasks := make([]Task, 0, len(store.tasks))
	for _, id := range slices.Sorted(maps.Keys(store.tasks)) {
		tasks = append(tasks, store.tasks[id])
	}
	return tasks
}

// Snapshot is a consistent, point-in-time copy of the whole store,
// used by dashboard readers that need several partitions together
// without interleaving with concurrent mutations.
type Snapshot struct {
	Project   ProjectContext
	Agents    []AgentRecord
	Decisions []PendingDecision
	Tasks     []Task
}

// TakeSnapshot copies out from the write lane under a single lock
// acquisition, never holding the lock across I/O.
func (store *Store) TakeSnapshot() Snapshot {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	agents := make([]AgentRecord, 0, len(store.agents))
	for _, id := range slices.Sorted(maps.Keys(store.agents)) {
		agents = append(agents, store.agents[id])
	}
	var decisions []PendingDecision
	for _, id := range slices.Sorted(maps.Keys(store.decisions)) {
		decision := store.decisions[id]
		if decision.AnsweredAt == nil {
			decisions = append(decisions, decision)
		}
	}
	tasks := make([]Task, 0, len(store.tasks))
	for _, id := range slices.Sorted(maps.Keys(store.tasks)) {
		tasks = append(tasks, store.tasks[id])
	}

	return Snapshot{
		Project:   store.project,
		Agents:    agents,
		Decisions: decisions,
		Tasks:     tasks,
	}
}
