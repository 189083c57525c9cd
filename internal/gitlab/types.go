// Package gitlab is the GitLab side of issue sync: a v4 REST client for
// issues and their notes, and the issue and note webhook payloads.
package gitlab

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAPIEndpoint is appended to BaseURL unless already present.
	DefaultAPIEndpoint = "/api/v4"

	// DefaultBaseURL is used when a connection has no self-managed URL.
	DefaultBaseURL = "https://gitlab.com"

	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is how many times a 429 or 5xx response is retried.
	MaxRetries = 3

	// RetryDelay is the first backoff interval; later ones grow exponentially.
	RetryDelay = time.Second
)

// Client calls the v4 REST API on behalf of one project.
type Client struct {
	Token      string // sent as PRIVATE-TOKEN
	BaseURL    string // instance root, "https://gitlab.com" or self-managed
	ProjectID  string // numeric id or full path, escaped per request
	HTTPClient *http.Client

	limiter    *rate.Limiter
	retryDelay time.Duration
}

// Issue is the REST representation of a project issue.
type Issue struct {
	ID           int        `json:"id"`
	IID          int        `json:"iid"` // per project; what URLs and webhooks use
	ProjectID    int        `json:"project_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	State        string     `json:"state"` // "opened", "closed"
	CreatedAt    *time.Time `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Labels       []string   `json:"labels"`
	Assignees    []User     `json:"assignees,omitempty"`
	Author       *User      `json:"author,omitempty"`
	WebURL       string     `json:"web_url"`
	Type         string     `json:"issue_type,omitempty"` // "issue", "incident", "test_case", "task"
	Confidential bool       `json:"confidential"`
}

// User is an issue author, assignee or note author.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	WebURL   string `json:"web_url,omitempty"`
}

// Note is a comment on an issue. System notes are generated by GitLab for
// events such as label changes.
type Note struct {
	ID           int        `json:"id"`
	Body         string     `json:"body"`
	Author       *User      `json:"author,omitempty"`
	System       bool       `json:"system"`
	NoteableType string     `json:"noteable_type"`
	NoteableIID  int        `json:"noteable_iid"`
	ProjectID    int        `json:"project_id"`
	CreatedAt    *time.Time `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
}

// IssueRequest is the body of issue create and update calls. Empty fields
// are omitted so an update only touches what is set.
type IssueRequest struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	StateEvent  string   `json:"state_event,omitempty"` // "close" or "reopen"
	AssigneeIDs []int    `json:"assignee_ids,omitempty"`
}

// State events accepted by IssueRequest.StateEvent.
const (
	StateEventClose  = "close"
	StateEventReopen = "reopen"
)

// ParseLabelPrefix splits a scoped label: "priority::high" gives
// ("priority", "high"). An unscoped label comes back as the value.
func ParseLabelPrefix(label string) (prefix, value string) {
	if p, v, ok := strings.Cut(label, "::"); ok {
		return p, v
	}
	return "", label
}

// ExternalIssueID is how an internal issue refers to the GitLab issue it
// mirrors: "<projectId>_<iid>".
func ExternalIssueID(projectID, iid int) string {
	return strconv.Itoa(projectID) + "_" + strconv.Itoa(iid)
}

// ParseExternalIssueID splits an external issue id into project id and iid.
func ParseExternalIssueID(ref string) (projectID, iid int, err error) {
	idx := strings.LastIndex(ref, "_")
	if idx <= 0 || idx == len(ref)-1 {
		return 0, 0, fmt.Errorf("malformed gitlab issue reference %q", ref)
	}
	projectID, err = strconv.Atoi(ref[:idx])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed project id in %q: %w", ref, err)
	}
	iid, err = strconv.Atoi(ref[idx+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed issue iid in %q: %w", ref, err)
	}
	return projectID, iid, nil
}

// UploadsPrefix is the absolute URL that relative "/uploads/..." references
// in a project's markdown resolve against.
func UploadsPrefix(baseURL, projectID string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimSuffix(baseURL, "/") + "/-/project/" + projectID
}
