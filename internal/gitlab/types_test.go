package gitlab

import (
	"encoding/json"
	"testing"
	"time"
)

// TestIssueJSONUnmarshal verifies that GitLab API JSON responses
// can be correctly unmarshaled into our Issue type.
func TestIssueJSONUnmarshal(t *testing.T) {
	jsonData := `{
		"id": 123456,
		"iid": 42,
		"project_id": 789,
		"title": "Fix authentication bug",
		"description": "Users cannot log in with SSO",
		"state": "opened",
		"created_at": "2024-01-15T10:30:00Z",
		"closed_at": null,
		"labels": ["bug", "priority::high"],
		"author": {"id": 102, "username": "alice", "name": "Alice Smith"},
		"web_url": "https://gitlab.example.com/group/project/-/issues/42",
		"issue_type": "issue"
	}`

	var issue Issue
	if err := json.Unmarshal([]byte(jsonData), &issue); err != nil {
		t.Fatalf("Failed to unmarshal issue: %v", err)
	}

	if issue.ID != 123456 || issue.IID != 42 || issue.ProjectID != 789 {
		t.Errorf("ids = %d/%d/%d, want 123456/42/789", issue.ID, issue.IID, issue.ProjectID)
	}
	if issue.Title != "Fix authentication bug" {
		t.Errorf("Title = %q, want %q", issue.Title, "Fix authentication bug")
	}
	if len(issue.Labels) != 2 || issue.Labels[1] != "priority::high" {
		t.Errorf("Labels = %v", issue.Labels)
	}
	if issue.Author == nil || issue.Author.Username != "alice" {
		t.Errorf("Author = %+v", issue.Author)
	}
	if issue.CreatedAt == nil || !issue.CreatedAt.Equal(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", issue.CreatedAt)
	}
	if issue.ClosedAt != nil {
		t.Errorf("ClosedAt = %v, want nil", issue.ClosedAt)
	}
	if issue.Type != "issue" {
		t.Errorf("Type = %q, want %q", issue.Type, "issue")
	}
}

// TestIssueRequestOmitsEmpty verifies updates carry only the fields that are set.
func TestIssueRequestOmitsEmpty(t *testing.T) {
	b, err := json.Marshal(IssueRequest{StateEvent: StateEventClose})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"state_event":"close"}` {
		t.Errorf("Marshal = %s", b)
	}
}

// TestLabelParsing verifies label prefix parsing for priority/status mapping.
func TestLabelParsing(t *testing.T) {
	tests := []struct {
		label      string
		wantPrefix string
		wantValue  string
	}{
		{"priority::high", "priority", "high"},
		{"status::in_progress", "status", "in_progress"},
		{"type::bug", "type", "bug"},
		{"simple-label", "", "simple-label"},
	}

	for _, tt := range tests {
		prefix, value := ParseLabelPrefix(tt.label)
		if prefix != tt.wantPrefix {
			t.Errorf("ParseLabelPrefix(%q) prefix = %q, want %q", tt.label, prefix, tt.wantPrefix)
		}
		if value != tt.wantValue {
			t.Errorf("ParseLabelPrefix(%q) value = %q, want %q", tt.label, value, tt.wantValue)
		}
	}
}

// TestExternalIssueID verifies the "projectId_iid" reference round trip.
func TestExternalIssueID(t *testing.T) {
	ref := ExternalIssueID(789, 42)
	if ref != "789_42" {
		t.Fatalf("ExternalIssueID() = %q, want 789_42", ref)
	}
	pid, iid, err := ParseExternalIssueID(ref)
	if err != nil || pid != 789 || iid != 42 {
		t.Errorf("ParseExternalIssueID(%q) = %d, %d, %v", ref, pid, iid, err)
	}

	for _, bad := range []string{"", "42", "_42", "789_", "a_1", "1_b"} {
		if _, _, err := ParseExternalIssueID(bad); err == nil {
			t.Errorf("ParseExternalIssueID(%q) error = nil, want error", bad)
		}
	}
}

// TestUploadsPrefix verifies the absolute prefix for relative upload links.
func TestUploadsPrefix(t *testing.T) {
	if got := UploadsPrefix("", "7"); got != "https://gitlab.com/-/project/7" {
		t.Errorf("UploadsPrefix() = %q", got)
	}
	if got := UploadsPrefix("https://git.corp/", "7"); got != "https://git.corp/-/project/7" {
		t.Errorf("UploadsPrefix() = %q", got)
	}
}

// TestNoteHookUnmarshal verifies note webhooks decode with GitLab's
// space-separated timestamps.
func TestNoteHookUnmarshal(t *testing.T) {
	payload := `{
		"object_kind": "note",
		"user": {"id": 1, "username": "root", "name": "Administrator"},
		"project": {"id": 7, "path_with_namespace": "acme/web"},
		"object_attributes": {
			"id": 1244, "note": "Looks good", "noteable_type": "Issue", "system": false,
			"created_at": "2024-03-01 10:00:00 UTC", "updated_at": "2024-03-01 10:00:05 UTC"
		},
		"issue": {"id": 9001, "iid": 3, "title": "Login", "labels": [{"id": 1, "title": "plane"}]}
	}`

	var hook NoteHook
	if err := json.Unmarshal([]byte(payload), &hook); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if hook.ObjectAttributes.ID != 1244 || hook.Issue == nil || hook.Issue.IID != 3 {
		t.Errorf("hook = %+v", hook)
	}
	want := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	if !hook.ObjectAttributes.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", hook.ObjectAttributes.UpdatedAt, want)
	}
}
