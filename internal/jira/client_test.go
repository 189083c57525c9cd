package jira

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "", "pat-token",
		WithRateLimit(1000, 100),
		WithMaxRetryElapsed(2*time.Second),
	)
}

func TestSearchUsers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/user/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pat-token" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		q := r.URL.Query()
		if q.Get("username") != "." || q.Get("startAt") != "100" || q.Get("maxResults") != "100" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode([]User{{Name: "ada", EmailAddress: "ada@example.com", DisplayName: "Ada"}})
	})

	users, err := c.SearchUsers(context.Background(), 100, 100)
	if err != nil {
		t.Fatalf("SearchUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].EmailAddress != "ada@example.com" {
		t.Errorf("users = %+v", users)
	}
}

func TestBasicAuthWithUsername(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			t.Errorf("BasicAuth() = %q, %q, %v", user, pass, ok)
		}
		_, _ = w.Write([]byte(`{"version":"9.12.0"}`))
	}))
	defer srv.Close()

	info, err := NewClient(srv.URL, "admin", "secret").ServerInfo(context.Background())
	if err != nil {
		t.Fatalf("ServerInfo() error = %v", err)
	}
	if info["version"] != "9.12.0" {
		t.Errorf("version = %v", info["version"])
	}
}

func TestSearchIssues(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("jql") != `project = "ENG" ORDER BY created ASC` {
			t.Errorf("jql = %q", q.Get("jql"))
		}
		if q.Get("expand") != "renderedFields" {
			t.Errorf("expand = %q", q.Get("expand"))
		}
		_, _ = w.Write([]byte(`{
			"startAt": 50, "maxResults": 50, "total": 51,
			"issues": [{"id": "10001", "key": "ENG-51",
				"fields": {"summary": "Broken", "labels": ["bug"], "priority": {"name": "High"}},
				"renderedFields": {"description": "<p>Steps</p>"}}]
		}`))
	})

	res, err := c.SearchIssues(context.Background(), `project = "ENG" ORDER BY created ASC`, 50, 50)
	if err != nil {
		t.Fatalf("SearchIssues() error = %v", err)
	}
	if res.Total != 51 || len(res.Issues) != 1 {
		t.Fatalf("result = %+v", res)
	}
	issue := res.Issues[0]
	if issue.Key != "ENG-51" || issue.RenderedFields == nil || issue.RenderedFields.Description != "<p>Steps</p>" {
		t.Errorf("issue = %+v", issue)
	}
}

func TestProjectLabels_Dedups(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("jql"), "labels is not EMPTY") {
			t.Errorf("jql = %q", r.URL.Query().Get("jql"))
		}
		_, _ = w.Write([]byte(`{"startAt": 0, "maxResults": 100, "total": 2, "issues": [
			{"key": "ENG-1", "fields": {"labels": ["bug", "ui"]}},
			{"key": "ENG-2", "fields": {"labels": ["bug"]}}
		]}`))
	})

	page, err := c.ProjectLabels(context.Background(), "ENG", 0, 100)
	if err != nil {
		t.Fatalf("ProjectLabels() error = %v", err)
	}
	if len(page.Values) != 2 || !page.IsLast {
		t.Errorf("page = %+v, want 2 distinct labels on the last page", page)
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"startAt":0,"maxResults":100,"total":0,"comments":[]}`))
	})

	if _, err := c.IssueComments(context.Background(), "ENG-1", 0, 100); err != nil {
		t.Fatalf("IssueComments() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such issue", http.StatusNotFound)
	})

	_, err := c.GetIssue(context.Background(), "ENG-404")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("GetIssue() error = %v, want 404 HTTPError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestMissingConfiguration(t *testing.T) {
	if _, err := NewClient("", "", "tok").GetIssue(context.Background(), "X-1"); err == nil {
		t.Error("expected error for missing URL")
	}
	if _, err := NewClient("http://jira", "", "").GetIssue(context.Background(), "X-1"); err == nil {
		t.Error("expected error for missing token")
	}
}

func TestBrowseURL(t *testing.T) {
	if got := BrowseURL("https://jira.example.com/", "ENG-7"); got != "https://jira.example.com/browse/ENG-7" {
		t.Errorf("BrowseURL() = %q", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"2024-01-15T10:30:00.000+0000", false},
		{"2024-01-15T10:30:00+0200", false},
		{"2024-01-15T10:30:00Z", false},
		{"2024-01-15T10:30:00.123456Z", false},
		{"", true},
		{"yesterday", true},
	}
	for _, tt := range tests {
		_, err := ParseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimestamp(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestPriority(t *testing.T) {
	tests := map[string]string{"Highest": "urgent", "High": "high", "Medium": "medium", "Lowest": "low", "": "none"}
	for in, want := range tests {
		if got := Priority(in); got != want {
			t.Errorf("Priority(%q) = %q, want %q", in, got, want)
		}
	}
}
