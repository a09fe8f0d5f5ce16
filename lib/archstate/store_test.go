// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archstate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arch-harness/arch/lib/clock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{
		Dir:   t.TempDir(),
		Clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestRegisterAgent_RejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)

	if err := store.RegisterAgent(AgentRecord{AgentID: "worker-1", Role: "implementer"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := store.RegisterAgent(AgentRecord{AgentID: "worker-1", Role: "implementer"}); err == nil {
		t.Fatal("expected error registering duplicate agent id, got nil")
	}
}

func TestRegisterAgent_FlushesToDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Dir: dir, Clock: clock.Real()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.RegisterAgent(AgentRecord{AgentID: "worker-1", Role: "implementer"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	reloaded, err := New(Config{Dir: dir, Clock: clock.Real()})
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	record, exists := reloaded.GetAgent("worker-1")
	if !exists {
		t.Fatal("expected worker-1 to survive reload")
	}
	if record.Role != "implementer" {
		t.Errorf("role = %q, want implementer", record.Role)
	}
}

func TestUpdateAgent_RejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	if err := store.RegisterAgent(AgentRecord{AgentID: "worker-1", Status: StatusDone}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	working := StatusWorking
	if err := store.UpdateAgent("worker-1", AgentPatch{Status: &working}); err == nil {
		t.Fatal("expected error transitioning out of done, got nil")
	}
}

func TestUpdateAgent_RejectsUnknownStatus(t *testing.T) {
	store := newTestStore(t)
	if err := store.RegisterAgent(AgentRecord{AgentID: "worker-1"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	bogus := Status("sleeping")
	if err := store.UpdateAgent("worker-1", AgentPatch{Status: &bogus}); err == nil {
		t.Fatal("expected error for unrecognized status, got nil")
	}
}

func TestAppendMessage_MonotoneIDs(t *testing.T) {
	store := newTestStore(t)

	first, err := store.AppendMessage("lead", "broadcast", "start work")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	second, err := store.AppendMessage("lead", "worker-1", "specifically for you")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("expected monotonically increasing ids, got %d then %d", first.ID, second.ID)
	}
}

func TestMessagesSince_FiltersByRecipientAndCursor(t *testing.T) {
	store := newTestStore(t)

	store.AppendMessage("lead", "worker-1", "for worker-1")
	store.AppendMessage("lead", "worker-2", "for worker-2")
	broadcast, _ := store.AppendMessage("lead", BroadcastRecipient, "for everyone")

	messages, cursor, err := store.MessagesSince("worker-2", 0)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages (direct + broadcast), got %d", len(messages))
	}
	if cursor != broadcast.ID {
		t.Errorf("cursor = %d, want %d", cursor, broadcast.ID)
	}

	// A reader presenting the returned cursor sees nothing further.
	messages, _, err = store.MessagesSince("worker-2", cursor)
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected no messages after cursor, got %d", len(messages))
	}
}

func TestMessagesSince_PersistsLeadCursor(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{Dir: dir, Clock: clock.Real()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.AppendMessage("worker-1", LeadRecipient, "status update")

	if _, _, err := store.MessagesSince(LeadRecipient, 0); err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}

	data, err := filepath.Glob(filepath.Join(dir, fileCursor))
	if err != nil || len(data) != 1 {
		t.Fatalf("expected cursor file to exist, glob: %v %v", data, err)
	}
}

func TestAnswerDecision_IdempotentOnSecondAnswer(t *testing.T) {
	store := newTestStore(t)
	decision, err := store.QueueDecision("decision-1", "worker-1", "proceed?", []string{"yes", "no"})
	if err != nil {
		t.Fatalf("QueueDecision: %v", err)
	}
	_ = decision

	first, err := store.AnswerDecision("decision-1", "yes")
	if err != nil {
		t.Fatalf("AnswerDecision: %v", err)
	}
	second, err := store.AnswerDecision("decision-1", "no")
	if err != nil {
		t.Fatalf("AnswerDecision (second): %v", err)
	}
	if second.Answer == nil || *second.Answer != *first.Answer {
		t.Errorf("second answer should be a no-op returning the original answer, got %v want %v", second.Answer, first.Answer)
	}
}

func TestLiveAgentCount_ExcludesTerminalStates(t *testing.T) {
	store := newTestStore(t)
	store.RegisterAgent(AgentRecord{AgentID: "a", Status: StatusWorking})
	store.RegisterAgent(AgentRecord{AgentID: "b", Status: StatusDone})
	store.RegisterAgent(AgentRecord{AgentID: "c", Status: StatusError})

	if count := store.LiveAgentCount(); count != 1 {
		t.Errorf("LiveAgentCount = %d, want 1", count)
	}
}

func TestTakeSnapshot_ExcludesAnsweredDecisions(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetProject(ProjectContext{Name: "test-project", RepositoryRoot: "/repo"}); err != nil {
		t.Fatalf("SetProject: %v", err)
	}
	if err := store.RegisterAgent(AgentRecord{AgentID: "worker-1", Status: StatusWorking}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if _, err := store.QueueDecision("decision-answered", "worker-1", "answered already?", nil); err != nil {
		t.Fatalf("QueueDecision: %v", err)
	}
	if _, err := store.AnswerDecision("decision-answered", "yes"); err != nil {
		t.Fatalf("AnswerDecision: %v", err)
	}
	if _, err := store.QueueDecision("decision-pending", "worker-1", "still waiting?", []string{"yes", "no"}); err != nil {
		t.Fatalf("QueueDecision: %v", err)
	}

	snapshot := store.TakeSnapshot()

	if snapshot.Project.Name != "test-project" {
		t.Errorf("snapshot.Project.Name = %q, want test-project", snapshot.Project.Name)
	}
	if len(snapshot.Agents) != 1 || snapshot.Agents[0].AgentID != "worker-1" {
		t.Errorf("snapshot.Agents = %v, want exactly worker-1", snapshot.Agents)
	}
	if len(snapshot.Decisions) != 1 || snapshot.Decisions[0].ID != "decision-pending" {
		t.Errorf("snapshot.Decisions = %v, want exactly decision-pending", snapshot.Decisions)
	}
}

func TestTakeSnapshot_ReflectsReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	writer, err := New(Config{Dir: dir, Clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))})
	if err != nil {
		t.Fatalf("New (writer): %v", err)
	}
	if err := writer.RegisterAgent(AgentRecord{AgentID: "worker-1", Status: StatusWorking}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	reader, err := New(Config{Dir: dir, Clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))})
	if err != nil {
		t.Fatalf("New (reader): %v", err)
	}
	if err := reader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snapshot := reader.TakeSnapshot()
	if len(snapshot.Agents) != 1 || snapshot.Agents[0].AgentID != "worker-1" {
		t.Errorf("snapshot.Agents = %v, want exactly worker-1 after reload", snapshot.Agents)
	}
}
