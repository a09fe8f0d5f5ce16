// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arch-harness/arch/lib/archstate"
)

// ApprovalGate reports whether a lead-only action name is gated
// behind an explicit human approval before the server will carry it
// out, per the project's require_user_approval setting.
type ApprovalGate func(action string) bool

// AuditRecorder appends one elevated-action line to permissions_audit.log.
// Implemented by (*auditlog.Log).Recorder() in normal operation; left
// as a narrow function type here so this package doesn't need to
// import auditlog directly.
type AuditRecorder func(kind, agentID, role, approver string) error

// Store is the narrow archstate surface the bus depends on. Defined
// here rather than imported as *archstate.Store directly so tests can
// substitute a fake without spinning up a real JSON-backed store.
type Store interface {
	RegisterAgent(record archstate.AgentRecord) error
	UpdateAgent(agentID string, patch archstate.AgentPatch) error
	GetAgent(agentID string) (archstate.AgentRecord, bool)
	ListAgents() []archstate.AgentRecord
	AppendMessage(from, to, body string) (archstate.Message, error)
	MessagesSince(recipient string, cursor int64) ([]archstate.Message, int64, error)
	LeadCursor() int64
	QueueDecision(id, agentID, question string, choices []string) (archstate.PendingDecision, error)
	AnswerDecision(id, answer string) (archstate.PendingDecision, error)
	GetDecision(id string) (archstate.PendingDecision, bool)
}

// Server is the harness's per-agent tool-call transport: one JSON-RPC
// endpoint family per agent id, trusted purely by loopback binding and
// the agent id carried in the URL path.
type Server struct {
	store        Store
	orchestrator Orchestrator
	provider     HostingProvider
	logger       *slog.Logger
	requiresApproval ApprovalGate
	recordAudit      AuditRecorder

	connections *registry
	shutdown    chan struct{}

	mu        sync.Mutex
	awaiting  map[string]chan response // decision id -> channel the blocked POST is waiting on
}

// Config bundles Server's dependencies. Provider may be nil, meaning
// no hosting-provider block was configured. RequiresApproval may be
// nil, meaning nothing is gated. AuditLog may be nil in tests; a real
// run always wires it so approved elevated actions are recorded.
type Config struct {
	Store            Store
	Orchestrator     Orchestrator
	Provider         HostingProvider
	Logger           *slog.Logger
	RequiresApproval ApprovalGate
	AuditLog         AuditRecorder
}

// NewServer constructs a Server ready to be wrapped by an http.Server.
func NewServer(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:            config.Store,
		orchestrator:     config.Orchestrator,
		provider:         config.Provider,
		logger:           logger,
		requiresApproval: config.RequiresApproval,
		recordAudit:      config.AuditLog,
		connections:      newRegistry(),
		shutdown:         make(chan struct{}),
		awaiting:         make(map[string]chan response),
	}
}

// Handler returns the http.Handler the orchestrator binds to a
// loopback listener. Routes are keyed on method plus a trailing
// /sse/{agent_id} or /decisions/{id}/answer path segment, following
// net/http's 1.22+ pattern matching.
func (server *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse/{agent_id}", server.handleStream)
	mux.HandleFunc("POST /sse/{agent_id}", server.handleCall)
	mux.HandleFunc("POST /decisions/{id}/answer", server.handleAnswerDecision)
	return mux
}

// Shutdown resolves every decision still awaiting a human answer with
// the synthetic answer "shutdown" so no blocked tool call is left
// hanging, then signals every open stream to close. Called during the
// orchestrator's shutdown sequence before the HTTP listener itself is
// torn down.
func (server *Server) Shutdown() {
	server.mu.Lock()
	ids := make([]string, 0, len(server.awaiting))
	for id := range server.awaiting {
		ids = append(ids, id)
	}
	server.mu.Unlock()

	for _, id := range ids {
		decision, err := server.store.AnswerDecision(id, "shutdown")
		if err != nil {
			server.logger.Warn("answering pending decision at shutdown", "decision_id", id, "error", err)
			continue
		}
		server.resolveDecision(decision)
	}

	close(server.shutdown)
}

func (server *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	server.serveSSE(w, r, agentID)
}

func (server *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, response{JSONRPC: "2.0", Error: &rpcError{Code: codeToolError, Message: "malformed request body", Kind: ErrorKindInvalidParams}})
		return
	}

	resp := server.dispatch(r.Context(), agentID, req)
	writeJSON(w, resp)
}

func (server *Server) handleAnswerDecision(w http.ResponseWriter, r *http.Request) {
	decisionID := r.PathValue("id")

	var body struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	decision, err := server.store.AnswerDecision(decisionID, body.Answer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	server.resolveDecision(decision)
	w.WriteHeader(http.StatusOK)
}

// resolveDecision delivers the resolved answer to whichever POST
// handler (if any) is still blocked on this decision id, and pushes
// the same answer over the agent's SSE stream if the POST has already
// timed out or the agent reconnected in the meantime.
func (server *Server) resolveDecision(decision archstate.PendingDecision) {
	answer := ""
	if decision.Answer != nil {
		answer = *decision.Answer
	}
	resp := response{JSONRPC: "2.0", Result: map[string]any{"answer": answer}}

	server.mu.Lock()
	waiter, waiting := server.awaiting[decision.ID]
	if waiting {
		delete(server.awaiting, decision.ID)
	}
	server.mu.Unlock()

	if waiting {
		waiter <- resp
		return
	}

	if conn, exists := server.connections.get(decision.AgentID); exists {
		frame, err := writeSSEFrame(resp)
		if err == nil {
			conn.send(frame)
		}
	}
}

// requireApproval blocks a lead-only call behind a human decision
// when action is named in the project's require_user_approval
// setting, queuing the question the same way escalate_to_user does
// and answering POST /decisions/{id}/answer. Any answer other than
// "yes" — including the request's context expiring first — denies
// the action.
func (server *Server) requireApproval(ctx context.Context, agentID, action, question string) error {
	if server.requiresApproval == nil || !server.requiresApproval(action) {
		return nil
	}

	if err := server.blockForYesNoDecision(ctx, agentID, action, question); err != nil {
		return err
	}
	if server.recordAudit != nil {
		if err := server.recordAudit(action+"_approved", agentID, archstate.LeadRecipient, "user"); err != nil {
			server.logger.Warn("recording audit log entry", "action", action, "error", err)
		}
	}
	return nil
}

// requireSkipPermissionsApproval blocks spawn_agent behind a human
// yes/no decision when role carries skip_permissions on a per-call
// basis rather than having declared it in config up front. Unlike
// requireApproval this gate is unconditional: it runs whenever a
// request asks for skip-permissions without startup pre-approval,
// regardless of the project's require_user_approval setting.
func (server *Server) requireSkipPermissionsApproval(ctx context.Context, agentID, role, question string) error {
	if err := server.blockForYesNoDecision(ctx, agentID, "skip_permissions", question); err != nil {
		return err
	}
	if server.recordAudit != nil {
		if err := server.recordAudit("skip_permissions_granted", agentID, role, "user"); err != nil {
			server.logger.Warn("recording audit log entry", "action", "skip_permissions", "error", err)
		}
	}
	return nil
}

// blockForYesNoDecision queues question as a pending decision for
// agentID and blocks the calling goroutine until it is answered,
// the caller disconnects, or the server shuts down. Any answer other
// than "yes" denies the action, reported under the PermissionNotApproved
// kind labeled with action.
func (server *Server) blockForYesNoDecision(ctx context.Context, agentID, action, question string) error {
	decisionID := newDecisionID()
	waiter := make(chan response, 1)
	server.mu.Lock()
	server.awaiting[decisionID] = waiter
	server.mu.Unlock()

	if _, err := server.store.QueueDecision(decisionID, agentID, question, []string{"yes", "no"}); err != nil {
		server.mu.Lock()
		delete(server.awaiting, decisionID)
		server.mu.Unlock()
		return toolError(ErrorKindInvalidParams, "requesting approval: %v", err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return &ToolError{Kind: resp.Error.Kind, Message: resp.Error.Message}
		}
		result, _ := resp.Result.(map[string]any)
		answer, _ := result["answer"].(string)
		if !strings.EqualFold(answer, "yes") {
			return toolError(ErrorKindPermissionNotApproved, "%s was not approved by the user", action)
		}
		return nil
	case <-ctx.Done():
		server.mu.Lock()
		delete(server.awaiting, decisionID)
		server.mu.Unlock()
		return toolError(ErrorKindPermissionNotApproved, "%s approval request went unanswered before the caller disconnected", action)
	case <-server.shutdown:
		// Shutdown answers every decision still in server.awaiting
		// before closing this channel; a straggler that registered
		// in the narrow window between that walk and the close still
		// needs its own answer recorded here, idempotently.
		server.mu.Lock()
		delete(server.awaiting, decisionID)
		server.mu.Unlock()
		if _, err := server.store.AnswerDecision(decisionID, "shutdown"); err != nil {
			server.logger.Warn("answering straggling decision at shutdown", "decision_id", decisionID, "error", err)
		}
		return toolError(ErrorKindPermissionNotApproved, "%s approval request went unanswered before shutdown", action)
	}
}

func writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// dispatch resolves a tool call to its handler, enforcing lead-only
// authority by comparing the calling agent's id against the lead
// sentinel, and wraps panics from malformed params into a structured
// InvalidParams error rather than crashing the server.
func (server *Server) dispatch(ctx context.Context, agentID string, req request) response {
	resp := response{JSONRPC: "2.0", ID: req.ID}

	entry, known := toolTable[req.Method]
	if !known {
		resp.Error = &rpcError{Code: codeToolError, Message: fmt.Sprintf("unknown tool %q", req.Method), Kind: ErrorKindInvalidParams}
		return resp
	}
	handler, leadOnly := entry.handler, entry.leadOnly
	if leadOnly && agentID != archstate.LeadRecipient {
		resp.Error = &rpcError{Code: codeToolError, Message: fmt.Sprintf("tool %q is lead-only", req.Method), Kind: ErrorKindUnauthorized}
		return resp
	}

	result, err := handler(server, ctx, agentID, req.Params)
	if err != nil {
		var toolErr *ToolError
		if asToolError(err, &toolErr) {
			resp.Error = &rpcError{Code: codeToolError, Message: toolErr.Message, Kind: toolErr.Kind}
		} else {
			resp.Error = &rpcError{Code: codeToolError, Message: err.Error()}
		}
		return resp
	}
	resp.Result = result
	return resp
}

func asToolError(err error, target **ToolError) bool {
	if toolErr, ok := err.(*ToolError); ok {
		*target = toolErr
		return true
	}
	return false
}

// newDecisionID generates the random, collision-free id queued
// decisions and the escalate_to_user wait path are keyed by.
func newDecisionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
