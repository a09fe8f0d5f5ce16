// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arch-harness/arch/lib/archstate"
)

// toolHandler is the uniform shape every tool dispatches through.
// agentID is the caller's own id, taken from the URL path, never from
// the request body — an agent cannot act on another agent's behalf.
type toolHandler func(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error)

// toolTable maps a JSON-RPC method name to its handler and whether
// only the lead may call it.
var toolTable = map[string]struct {
	handler  toolHandler
	leadOnly bool
}{}

func init() {
	register := func(name string, leadOnly bool, handler toolHandler) {
		toolTable[name] = struct {
			handler  toolHandler
			leadOnly bool
		}{handler: handler, leadOnly: leadOnly}
	}

	register("send_message", false, handleSendMessage)
	register("get_messages", false, handleGetMessages)
	register("update_status", false, handleUpdateStatus)
	register("report_completion", false, handleReportCompletion)
	register("save_progress", false, handleSaveProgress)
	register("escalate_to_user", false, handleEscalateToUser)

	register("spawn_agent", true, handleSpawnAgent)
	register("teardown_agent", true, handleTeardownAgent)
	register("list_agents", true, handleListAgents)
	register("request_merge", true, handleRequestMerge)
	register("get_project_context", true, handleGetProjectContext)
	register("update_brief", true, handleUpdateBrief)
	register("close_project", true, handleCloseProject)

	register("create_issue", true, handleCreateIssue)
	register("list_issues", true, handleListIssues)
	register("update_issue", true, handleUpdateIssue)
	register("close_issue", true, handleCloseIssue)
	register("add_issue_comment", true, handleAddIssueComment)
	register("create_milestone", true, handleCreateMilestone)
	register("list_milestones", true, handleListMilestones)
}

func decodeParams(params json.RawMessage, target any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return toolError(ErrorKindInvalidParams, "decoding params: %v", err)
	}
	return nil
}

// --- all-agent tools ---

func handleSendMessage(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.To == "" || req.Body == "" {
		return nil, toolError(ErrorKindInvalidParams, "send_message requires to and body")
	}

	message, err := server.store.AppendMessage(agentID, req.To, req.Body)
	if err != nil {
		return nil, toolError(ErrorKindInvalidParams, "send_message: %v", err)
	}

	// Deliver immediately if the recipient has an open stream; if not,
	// the message simply waits in the log for that agent's next
	// get_messages poll, including the case where the recipient's
	// agent id doesn't exist yet.
	if req.To != archstate.BroadcastRecipient {
		if conn, exists := server.connections.get(req.To); exists {
			if frame, err := writeSSEFrame(response{JSONRPC: "2.0", Result: messageNotification(message)}); err == nil {
				conn.send(frame)
			}
		}
	} else {
		for _, conn := range server.connections.all() {
			if frame, err := writeSSEFrame(response{JSONRPC: "2.0", Result: messageNotification(message)}); err == nil {
				conn.send(frame)
			}
		}
	}

	return map[string]any{"id": message.ID, "instant": message.Instant}, nil
}

func messageNotification(message archstate.Message) map[string]any {
	return map[string]any{
		"type":    "message",
		"id":      message.ID,
		"from":    message.From,
		"body":    message.Body,
		"instant": message.Instant,
	}
}

func handleGetMessages(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		Since *int64 `json:"since"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	cursor := int64(0)
	if req.Since != nil {
		cursor = *req.Since
	} else if agentID == archstate.LeadRecipient {
		cursor = server.store.LeadCursor()
	}

	messages, newCursor, err := server.store.MessagesSince(agentID, cursor)
	if err != nil {
		return nil, toolError(ErrorKindInvalidParams, "get_messages: %v", err)
	}

	return map[string]any{"messages": messages, "cursor": newCursor}, nil
}

func handleUpdateStatus(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		Status string `json:"status"`
		Task   string `json:"task,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	status := archstate.Status(req.Status)
	patch := archstate.AgentPatch{Status: &status}
	if req.Task != "" {
		patch.Task = &req.Task
	}
	if err := server.store.UpdateAgent(agentID, patch); err != nil {
		return nil, toolError(ErrorKindInvalidStatus, "update_status: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

func handleReportCompletion(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		Summary   string   `json:"summary"`
		Artifacts []string `json:"artifacts,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	status := archstate.StatusDone
	patch := archstate.AgentPatch{Status: &status, Artifacts: &req.Artifacts}
	if req.Summary != "" {
		patch.Task = &req.Summary
	}
	if err := server.store.UpdateAgent(agentID, patch); err != nil {
		return nil, toolError(ErrorKindInvalidStatus, "report_completion: %v", err)
	}

	notice := "completed: " + req.Summary
	if len(req.Artifacts) > 0 {
		notice += " (artifacts: " + strings.Join(req.Artifacts, ", ") + ")"
	}
	if _, err := server.store.AppendMessage(agentID, archstate.LeadRecipient, notice); err != nil {
		return nil, toolError(ErrorKindInvalidParams, "report_completion: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

func handleSaveProgress(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req archstate.SessionContext
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	sessionContext := req
	if err := server.store.UpdateAgent(agentID, archstate.AgentPatch{SessionContext: &sessionContext}); err != nil {
		return nil, toolError(ErrorKindInvalidParams, "save_progress: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

// handleEscalateToUser queues a decision and blocks the HTTP request
// until a human answers it via POST /decisions/{id}/answer, or until
// the request's own context is cancelled (the agent disconnected) —
// at which point the call returns the decision id as pending, and the
// eventual answer is pushed over the agent's SSE stream only if one is
// open when the answer arrives. If the server shuts down first, the
// call returns the synthetic answer "shutdown".
func handleEscalateToUser(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		Question string   `json:"question"`
		Choices  []string `json:"choices,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Question == "" {
		return nil, toolError(ErrorKindInvalidParams, "escalate_to_user requires question")
	}

	// The waiter must be registered before the decision becomes visible
	// to a human operator — otherwise an answer arriving between
	// QueueDecision and registration would find nothing to deliver to
	// and this call would block forever.
	decisionID := newDecisionID()
	waiter := make(chan response, 1)
	server.mu.Lock()
	server.awaiting[decisionID] = waiter
	server.mu.Unlock()

	if _, err := server.store.QueueDecision(decisionID, agentID, req.Question, req.Choices); err != nil {
		server.mu.Lock()
		delete(server.awaiting, decisionID)
		server.mu.Unlock()
		return nil, toolError(ErrorKindInvalidParams, "escalate_to_user: %v", err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return nil, &ToolError{Kind: resp.Error.Kind, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		server.mu.Lock()
		delete(server.awaiting, decisionID)
		server.mu.Unlock()
		return map[string]any{"decision_id": decisionID, "status": "pending"}, nil
	case <-server.shutdown:
		// Shutdown answers every decision still in server.awaiting
		// before closing this channel; a straggler that registered
		// in the narrow window between that walk and the close still
		// needs its own answer recorded here, idempotently.
		server.mu.Lock()
		delete(server.awaiting, decisionID)
		server.mu.Unlock()
		decision, err := server.store.AnswerDecision(decisionID, "shutdown")
		if err != nil {
			return nil, toolError(ErrorKindInvalidParams, "escalate_to_user: %v", err)
		}
		answer := ""
		if decision.Answer != nil {
			answer = *decision.Answer
		}
		return map[string]any{"decision_id": decisionID, "answer": answer}, nil
	}
}

// --- lead-only lifecycle tools ---

func handleSpawnAgent(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req SpawnAgentRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.SkipPermissions && !server.orchestrator.RoleSkipPermissionsPreApproved(req.Role) {
		question := fmt.Sprintf("%s wants to spawn a %q agent with permission checks skipped. Role %q was not pre-approved for this at startup. Approve?", agentID, req.Role, req.Role)
		if err := server.requireSkipPermissionsApproval(ctx, agentID, req.Role, question); err != nil {
			return nil, err
		}
	}
	result, err := server.orchestrator.SpawnAgent(ctx, req)
	if err != nil {
		return nil, asOrchestratorToolError(err)
	}
	return result, nil
}

func handleTeardownAgent(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := server.orchestrator.TeardownAgent(ctx, req.AgentID, req.Reason); err != nil {
		return nil, asOrchestratorToolError(err)
	}
	return map[string]any{"ok": true}, nil
}

func handleListAgents(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	records := server.store.ListAgents()
	summaries := make([]AgentSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, AgentSummary{
			AgentID:   record.AgentID,
			Role:      record.Role,
			Status:    string(record.Status),
			Task:      record.Task,
			Tokens:    record.Usage.InputTokens + record.Usage.OutputTokens,
			CostUSD:   record.Usage.CostUSD(),
			Artifacts: record.Artifacts,
		})
	}
	return map[string]any{"agents": summaries}, nil
}

func handleRequestMerge(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req RequestMergeRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	question := fmt.Sprintf("%s wants to merge %s into %s. Approve?", agentID, req.AgentID, req.Target)
	if err := server.requireApproval(ctx, agentID, "merge", question); err != nil {
		return nil, err
	}
	result, err := server.orchestrator.RequestMerge(ctx, req)
	if err != nil {
		return nil, asOrchestratorToolError(err)
	}
	return result, nil
}

func handleGetProjectContext(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	result, err := server.orchestrator.GetProjectContext(ctx)
	if err != nil {
		return nil, asOrchestratorToolError(err)
	}
	return result, nil
}

func handleUpdateBrief(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		Section string `json:"section"`
		Content string `json:"content"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := server.orchestrator.UpdateBrief(ctx, req.Section, req.Content); err != nil {
		return nil, asOrchestratorToolError(err)
	}
	return map[string]any{"ok": true}, nil
}

func handleCloseProject(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	var req struct {
		Summary string `json:"summary,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := server.requireApproval(ctx, agentID, "teardown_all", "The lead wants to close the project and tear down every agent. Approve?"); err != nil {
		return nil, err
	}
	if err := server.orchestrator.CloseProject(ctx, req.Summary); err != nil {
		return nil, asOrchestratorToolError(err)
	}
	return map[string]any{"ok": true}, nil
}

func asOrchestratorToolError(err error) error {
	if toolErr, ok := err.(*ToolError); ok {
		return toolErr
	}
	return toolError(ErrorKindInvalidParams, "%v", err)
}

// --- hosting-provider tools ---

func (server *Server) requireProvider() (HostingProvider, error) {
	if server.provider == nil {
		return nil, toolError(ErrorKindProviderDisabled, "no hosting provider configured")
	}
	return server.provider, nil
}

// kindedError is implemented by lib/hostingprovider.Error. Declared
// here rather than imported so bus keeps depending only on the
// HostingProvider interface, not the concrete client package.
type kindedError interface {
	error
	ErrorKind() string
}

func providerToolError(err error) error {
	if kinded, ok := err.(kindedError); ok {
		return toolError(kinded.ErrorKind(), "%s", kinded.Error())
	}
	return toolError(ErrorKindProviderCallFailed, "%v", err)
}

func handleCreateIssue(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	var req struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	issue, err := provider.CreateIssue(ctx, req.Title, req.Body, req.Labels)
	if err != nil {
		return nil, providerToolError(err)
	}
	return issue, nil
}

func handleListIssues(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	var req struct {
		State string `json:"state,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	issues, err := provider.ListIssues(ctx, req.State)
	if err != nil {
		return nil, providerToolError(err)
	}
	return map[string]any{"issues": issues}, nil
}

func handleUpdateIssue(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	var req struct {
		Number int    `json:"number"`
		Title  string `json:"title,omitempty"`
		Body   string `json:"body,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	issue, err := provider.UpdateIssue(ctx, req.Number, req.Title, req.Body)
	if err != nil {
		return nil, providerToolError(err)
	}
	return issue, nil
}

func handleCloseIssue(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	var req struct {
		Number int `json:"number"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := provider.CloseIssue(ctx, req.Number); err != nil {
		return nil, providerToolError(err)
	}
	return map[string]any{"ok": true}, nil
}

func handleAddIssueComment(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	var req struct {
		Number int    `json:"number"`
		Body   string `json:"body"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := provider.AddComment(ctx, req.Number, req.Body); err != nil {
		return nil, providerToolError(err)
	}
	return map[string]any{"ok": true}, nil
}

func handleCreateMilestone(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	milestone, err := provider.CreateMilestone(ctx, req.Title, req.Description)
	if err != nil {
		return nil, providerToolError(err)
	}
	return milestone, nil
}

func handleListMilestones(server *Server, ctx context.Context, agentID string, params json.RawMessage) (any, error) {
	provider, err := server.requireProvider()
	if err != nil {
		return nil, err
	}
	milestones, err := provider.ListMilestones(ctx)
	if err != nil {
		return nil, providerToolError(err)
	}
	return map[string]any{"milestones": milestones}, nil
}
