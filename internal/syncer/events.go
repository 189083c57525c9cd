package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/gitlab"
)

// ErrInvalidEvent is returned by Validate for events missing an identifying
// field. Webhook handlers answer it with 400.
var ErrInvalidEvent = errors.New("invalid event")

// Internal webhook event names.
const (
	EventIssue        = "issue"
	EventIssueComment = "issue_comment"
)

// InternalEvent is the webhook the internal tracker sends on issue and
// comment writes. For comments ID is the comment id and Issue the issue id.
type InternalEvent struct {
	ID           string    `json:"id"`
	Event        string    `json:"event"`
	Workspace    string    `json:"workspace"`
	Project      string    `json:"project"`
	Issue        string    `json:"issue,omitempty"`
	IsEnterprise bool      `json:"isEnterprise"`
	CreatedAt    time.Time `json:"created_at"`
}

// InternalIssueEvent reports a created or updated internal issue.
type InternalIssueEvent struct{ InternalEvent }

// Validate implements the event contract.
func (e InternalIssueEvent) Validate() error {
	return requireFields("internal issue event", map[string]string{
		"id": e.ID, "workspace": e.Workspace, "project": e.Project,
	})
}

// InternalCommentEvent reports a created or updated internal comment.
type InternalCommentEvent struct{ InternalEvent }

// Validate implements the event contract.
func (e InternalCommentEvent) Validate() error {
	return requireFields("internal comment event", map[string]string{
		"id": e.ID, "workspace": e.Workspace, "project": e.Project, "issue": e.Issue,
	})
}

// GitLabIssueEvent is a GitLab "Issue Hook" delivery.
type GitLabIssueEvent struct {
	Hook         gitlab.IssueHook `json:"hook"`
	IsEnterprise bool             `json:"is_enterprise"`
}

// Validate implements the event contract.
func (e GitLabIssueEvent) Validate() error {
	if e.Hook.Project.ID == 0 || e.Hook.ObjectAttributes.ID == 0 || e.Hook.ObjectAttributes.IID == 0 {
		return fmt.Errorf("%w: gitlab issue hook needs project.id, object_attributes.id and object_attributes.iid", ErrInvalidEvent)
	}
	return nil
}

// GitLabNoteEvent is a GitLab "Note Hook" delivery.
type GitLabNoteEvent struct {
	Hook         gitlab.NoteHook `json:"hook"`
	IsEnterprise bool            `json:"is_enterprise"`
}

// Validate implements the event contract. Notes on anything but issues carry
// no issue block and are accepted here; the orchestrator skips them.
func (e GitLabNoteEvent) Validate() error {
	if e.Hook.Project.ID == 0 || e.Hook.ObjectAttributes.ID == 0 {
		return fmt.Errorf("%w: gitlab note hook needs project.id and object_attributes.id", ErrInvalidEvent)
	}
	if e.Hook.ObjectAttributes.NoteableType == "Issue" && (e.Hook.Issue == nil || e.Hook.Issue.IID == 0) {
		return fmt.Errorf("%w: gitlab issue note without issue.iid", ErrInvalidEvent)
	}
	return nil
}

func requireFields(what string, fields map[string]string) error {
	var missing []string
	for _, name := range []string{"id", "workspace", "project", "issue"} {
		if v, ok := fields[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s missing %s", ErrInvalidEvent, what, strings.Join(missing, ", "))
	}
	return nil
}
