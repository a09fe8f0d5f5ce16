// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderContextHeader_NoRoster(t *testing.T) {
	header := ContextHeader{
		AgentID:      "qa-1",
		ProjectName:  "arch",
		ProjectRepo:  "/repo",
		WorktreePath: "/repo/.worktrees/qa-1",
		BusTools:     []string{"save_progress", "escalate_to_user"},
		Assignment:   "Write integration tests for the bus server.",
	}

	rendered, err := RenderContextHeader(header)
	if err != nil {
		t.Fatalf("RenderContextHeader: %v", err)
	}
	if !strings.Contains(rendered, "qa-1") {
		t.Error("expected rendered header to contain agent id")
	}
	if !strings.Contains(rendered, "save_progress") {
		t.Error("expected rendered header to list bus tools")
	}
	if !strings.Contains(rendered, "only live agent") {
		t.Error("expected empty-roster fallback text")
	}
}

func TestRenderContextHeader_WithRosterAndSessionState(t *testing.T) {
	header := ContextHeader{
		AgentID:      "qa-2",
		ProjectName:  "arch",
		ProjectRepo:  "/repo",
		WorktreePath: "/repo/.worktrees/qa-2",
		Roster: []RosterEntry{
			{AgentID: "qa-1", Role: "frontend", Status: "working"},
		},
		Assignment: "Review the latest PR.",
		SessionState: &SessionState{
			FilesModified: []string{"lib/foo.go"},
			Progress:      "halfway through review",
			NextSteps:     "check edge cases",
		},
	}

	rendered, err := RenderContextHeader(header)
	if err != nil {
		t.Fatalf("RenderContextHeader: %v", err)
	}
	if !strings.Contains(rendered, "qa-1 (frontend): working") {
		t.Errorf("expected roster entry in output, got:\n%s", rendered)
	}
	if !strings.Contains(rendered, "Resuming from a previous session") {
		t.Error("expected session state section")
	}
	if !strings.Contains(rendered, "lib/foo.go") {
		t.Error("expected modified files list")
	}
}

func TestWriteClaudeMD_AppendsPersonaVerbatim(t *testing.T) {
	dir := t.TempDir()
	personaPath := filepath.Join(dir, "persona.md")
	personaContent := "# Persona\n\nYou are a meticulous reviewer.\n"
	if err := os.WriteFile(personaPath, []byte(personaContent), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	worktreePath := t.TempDir()
	header := ContextHeader{AgentID: "qa-1", ProjectName: "arch", Assignment: "review"}

	if err := WriteClaudeMD(worktreePath, header, personaPath); err != nil {
		t.Fatalf("WriteClaudeMD: %v", err)
	}

	written, err := os.ReadFile(filepath.Join(worktreePath, "CLAUDE.md"))
	if err != nil {
		t.Fatalf("reading CLAUDE.md: %v", err)
	}
	if !strings.HasSuffix(string(written), personaContent) {
		t.Errorf("expected persona content verbatim at end of CLAUDE.md, got:\n%s", written)
	}
	if !strings.Contains(string(written), "qa-1") {
		t.Error("expected context header in CLAUDE.md")
	}
}
