// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hostingprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// writeFakeGH writes an executable shell script standing in for the
// gh CLI. body is the script's command body (after the shebang line),
// letting each test branch on the arguments gh was actually called
// with — the same fake-CLI approach lib/worktree's pull request tests
// use, generalized to scripts that must answer more than one call.
func writeFakeGH(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake gh script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "gh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake gh: %v", err)
	}
	return path
}

func newTestClient(t *testing.T, ghPath string) *Client {
	t.Helper()
	return New(ghPath, "octocat/hello-world", 2*time.Second)
}

func TestVerifyAuthenticated_Success(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `exit 0`)
	client := newTestClient(t, ghPath)

	if err := client.VerifyAuthenticated(context.Background()); err != nil {
		t.Fatalf("VerifyAuthenticated: %v", err)
	}
}

func TestVerifyAuthenticated_BinaryUnavailable(t *testing.T) {
	t.Parallel()
	client := New(filepath.Join(t.TempDir(), "does-not-exist"), "octocat/hello-world", time.Second)

	err := client.VerifyAuthenticated(context.Background())
	providerErr, ok := err.(*Error)
	if !ok || providerErr.Kind != KindUnavailable {
		t.Fatalf("expected KindUnavailable, got %v", err)
	}
}

func TestCreateIssue_FetchesRecordAfterCreate(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `
case "$1 $2" in
"issue create")
	echo "https://example.invalid/issues/7"
	;;
"issue view")
	cat <<'EOF'
{"number":7,"url":"https://example.invalid/issues/7","title":"bug report","state":"open"}
EOF
	;;
esac
`)
	client := newTestClient(t, ghPath)

	issue, err := client.CreateIssue(context.Background(), "bug report", "it broke", []string{"bug"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Number != 7 || issue.Title != "bug report" || issue.State != "open" {
		t.Errorf("CreateIssue = %+v, want number=7 title=bug report state=open", issue)
	}
}

func TestCreateIssue_NonZeroExitIsCallFailed(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `echo "boom" >&2; exit 1`)
	client := newTestClient(t, ghPath)

	_, err := client.CreateIssue(context.Background(), "title", "body", nil)
	providerErr, ok := err.(*Error)
	if !ok || providerErr.Kind != KindCallFailed {
		t.Fatalf("expected KindCallFailed, got %v", err)
	}
	if !strings.Contains(providerErr.Message, "boom") {
		t.Errorf("expected message to include stderr, got %q", providerErr.Message)
	}
}

func TestListIssues_ParsesJSONArray(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `cat <<'EOF'
[{"number":1,"url":"https://example.invalid/issues/1","title":"first","state":"open"},
 {"number":2,"url":"https://example.invalid/issues/2","title":"second","state":"open"}]
EOF
`)
	client := newTestClient(t, ghPath)

	issues, err := client.ListIssues(context.Background(), "")
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 2 || issues[1].Title != "second" {
		t.Fatalf("ListIssues = %+v, want two issues ending in \"second\"", issues)
	}
}

func TestUpdateIssue_FetchesRecordAfterEdit(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `
case "$1 $2" in
"issue edit")
	exit 0
	;;
"issue view")
	cat <<'EOF'
{"number":9,"url":"https://example.invalid/issues/9","title":"renamed","state":"open"}
EOF
	;;
esac
`)
	client := newTestClient(t, ghPath)

	issue, err := client.UpdateIssue(context.Background(), 9, "renamed", "")
	if err != nil {
		t.Fatalf("UpdateIssue: %v", err)
	}
	if issue.Title != "renamed" {
		t.Errorf("UpdateIssue = %+v, want title=renamed", issue)
	}
}

func TestCloseIssue_Success(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `exit 0`)
	client := newTestClient(t, ghPath)

	if err := client.CloseIssue(context.Background(), 3); err != nil {
		t.Fatalf("CloseIssue: %v", err)
	}
}

func TestAddComment_Success(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `exit 0`)
	client := newTestClient(t, ghPath)

	if err := client.AddComment(context.Background(), 3, "looking into it"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
}

func TestCreateMilestone_ParsesJSON(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `cat <<'EOF'
{"number":4,"title":"v1.0"}
EOF
`)
	client := newTestClient(t, ghPath)

	milestone, err := client.CreateMilestone(context.Background(), "v1.0", "first release")
	if err != nil {
		t.Fatalf("CreateMilestone: %v", err)
	}
	if milestone.Number != 4 || milestone.Title != "v1.0" {
		t.Errorf("CreateMilestone = %+v, want number=4 title=v1.0", milestone)
	}
}

func TestListMilestones_ParsesJSONArray(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `cat <<'EOF'
[{"number":4,"title":"v1.0"},{"number":5,"title":"v2.0"}]
EOF
`)
	client := newTestClient(t, ghPath)

	milestones, err := client.ListMilestones(context.Background())
	if err != nil {
		t.Fatalf("ListMilestones: %v", err)
	}
	if len(milestones) != 2 || milestones[1].Title != "v2.0" {
		t.Fatalf("ListMilestones = %+v, want two milestones ending in v2.0", milestones)
	}
}

func TestRun_TimeoutIsCallFailed(t *testing.T) {
	t.Parallel()
	ghPath := writeFakeGH(t, `sleep 2; exit 0`)
	client := New(ghPath, "octocat/hello-world", 20*time.Millisecond)

	err := client.CloseIssue(context.Background(), 1)
	providerErr, ok := err.(*Error)
	if !ok || providerErr.Kind != KindCallFailed {
		t.Fatalf("expected KindCallFailed on timeout, got %v", err)
	}
	if !strings.Contains(providerErr.Message, "timed out") {
		t.Errorf("expected timeout message, got %q", providerErr.Message)
	}
}
