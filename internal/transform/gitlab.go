package transform

import (
	"fmt"
	"html"
	"strings"

	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/types"
)

// LinkCommentMarker starts every link comment posted on GitLab. Notes that
// contain it are never synced back.
const LinkCommentMarker = "<!-- trackbridge:issue-link -->"

// ExternalLabelColor is the color of labels created for GitLab labels.
const ExternalLabelColor = "#003773"

// Config carries the per-connection context the conversions need.
type Config struct {
	Source       types.IntegrationKey
	States       []types.State
	StateMapping types.StateMapping
	Labels       []types.Label
	Users        []types.User

	// AssetPrefix resolves internal asset URLs referenced from GitLab.
	AssetPrefix string
	// UploadsPrefix resolves GitLab's relative "/uploads/" references.
	UploadsPrefix string
	GitLabBaseURL string
	// Repository is the GitLab project's path_with_namespace.
	Repository string

	// InternalLabel and ExternalLabel gate sync on each side. Empty values
	// fall back to gitlab.InternalSyncLabel and gitlab.ExternalSyncLabel.
	InternalLabel string
	ExternalLabel string
}

func (c Config) internalLabel() string {
	if c.InternalLabel != "" {
		return c.InternalLabel
	}
	return gitlab.InternalSyncLabel
}

func (c Config) externalLabel() string {
	if c.ExternalLabel != "" {
		return c.ExternalLabel
	}
	return gitlab.ExternalSyncLabel
}

func (c Config) labelName(id string) (string, bool) {
	for _, l := range c.Labels {
		if l.ID == id {
			return l.Name, true
		}
	}
	return "", false
}

func (c Config) stateGroup(id string) types.StateGroup {
	for _, s := range c.States {
		if s.ID == id {
			return s.Group
		}
	}
	return ""
}

func (c Config) firstState(group types.StateGroup) string {
	for _, s := range c.States {
		if s.Group == group {
			return s.ID
		}
	}
	return ""
}

// ToExternalShape converts an internal issue to a GitLab create/update body.
// The internal sync label is replaced by the GitLab sync label.
func ToExternalShape(issue *types.Issue, cfg Config) gitlab.IssueRequest {
	req := gitlab.IssueRequest{
		Title:       issue.Name,
		Description: ToExternalMarkup(issue.DescriptionHTML, cfg.AssetPrefix, cfg.Users),
	}

	for _, id := range issue.Labels {
		name, ok := cfg.labelName(id)
		if !ok || strings.EqualFold(name, cfg.internalLabel()) {
			continue
		}
		req.Labels = append(req.Labels, name)
	}
	if l := gitlab.PriorityLabel(issue.Priority); l != "" {
		req.Labels = append(req.Labels, l)
	}
	req.Labels = append(req.Labels, cfg.externalLabel())

	req.StateEvent = stateEvent(issue.State, cfg)
	return req
}

func stateEvent(stateID string, cfg Config) string {
	if stateID == "" {
		return ""
	}
	m := cfg.StateMapping
	if !m.IsZero() {
		if m.IssueClosed != nil && m.IssueClosed.ID == stateID {
			return gitlab.StateEventClose
		}
		if m.IssueOpen != nil && m.IssueOpen.ID == stateID {
			return gitlab.StateEventReopen
		}
	}
	if cfg.stateGroup(stateID) == types.StateGroupCompleted {
		return gitlab.StateEventClose
	}
	return gitlab.StateEventReopen
}

// ToInternalIssue converts a GitLab issue to an internal issue. Labels are
// returned as names; the caller resolves them to label ids.
func ToInternalIssue(gl *gitlab.Issue, cfg Config) *types.Issue {
	desc := LinkIssueReferences(gl.Description, cfg.GitLabBaseURL, cfg.Repository)
	issue := &types.Issue{
		Name:            gl.Title,
		DescriptionHTML: ToInternalMarkup(desc, cfg.UploadsPrefix),
		ExternalID:      gitlab.ExternalIssueID(gl.ProjectID, gl.IID),
		ExternalSource:  string(cfg.Source),
		Priority:        gitlab.PriorityFromLabels(gl.Labels),
		State:           internalState(gl.State, cfg),
	}
	if gl.CreatedAt != nil {
		issue.CreatedAt = *gl.CreatedAt
	}
	for _, l := range gitlab.FilterNonScopedLabels(gl.Labels) {
		if strings.EqualFold(l, cfg.externalLabel()) {
			continue
		}
		issue.Labels = append(issue.Labels, l)
	}
	return issue
}

func internalState(glState string, cfg Config) string {
	closed := glState == "closed"
	m := cfg.StateMapping
	if !m.IsZero() {
		if closed && m.IssueClosed != nil {
			return m.IssueClosed.ID
		}
		if !closed && m.IssueOpen != nil {
			return m.IssueOpen.ID
		}
	}
	if closed {
		return cfg.firstState(types.StateGroupCompleted)
	}
	return cfg.firstState(types.StateGroupBacklog)
}

// ToInternalComment converts a GitLab note to a reply under the anchor
// comment of the linked internal issue. New comments are attributed to
// their GitLab author in the body.
func ToInternalComment(note *gitlab.Note, issueID, anchorCommentID string, isUpdate bool, cfg Config) *types.Comment {
	body := LinkIssueReferences(strings.TrimSpace(note.Body), cfg.GitLabBaseURL, cfg.Repository)
	htmlBody := ToInternalMarkup(body, cfg.UploadsPrefix)
	if !isUpdate && note.Author != nil {
		htmlBody += fmt.Sprintf("<p>Comment by %s on GitLab</p>", html.EscapeString(note.Author.Name))
	}
	c := &types.Comment{
		IssueID:        issueID,
		CommentHTML:    htmlBody,
		Parent:         anchorCommentID,
		ExternalID:     fmt.Sprint(note.ID),
		ExternalSource: string(cfg.Source),
	}
	if note.CreatedAt != nil {
		c.CreatedAt = *note.CreatedAt
	}
	return c
}

// ToExternalComment converts an internal comment to a GitLab note body,
// attributed to its internal author.
func ToExternalComment(comment *types.Comment, cfg Config) string {
	body := comment.CommentHTML
	for _, u := range cfg.Users {
		if u.ID == comment.Actor {
			body += fmt.Sprintf("<p>Comment by %s on Plane</p>", html.EscapeString(u.DisplayName))
			break
		}
	}
	return ToExternalMarkup(body, cfg.AssetPrefix, cfg.Users)
}

// LinkComment is the note posted on a GitLab issue that points back at its
// internal counterpart.
func LinkComment(project *types.Project, issue *types.Issue, issueURL, appBaseURL string) string {
	ref := fmt.Sprintf("%s-%d", project.Identifier, issue.SequenceID)
	return fmt.Sprintf("%s\nSynced with [Plane](%s) Workspace 🔄\n\n[[%s] %s](%s)",
		LinkCommentMarker, appBaseURL, ref, issue.Name, issueURL)
}

// IsLinkComment reports whether a note body is one of our link comments.
func IsLinkComment(body string) bool {
	return strings.Contains(body, LinkCommentMarker)
}

// AnchorComment is the internal comment that anchors comment sync for a
// linked issue. Replies to it are mirrored on GitLab.
func AnchorComment(gl *gitlab.Issue, entitySlug string) string {
	return fmt.Sprintf(`<p>Synced with GitLab issue <a href="%s">[%s] %s #%d</a>. Replies to this comment are synced with GitLab.</p>`,
		html.EscapeString(gl.WebURL), html.EscapeString(entitySlug), html.EscapeString(gl.Title), gl.IID)
}

// CrossLink is the URL attached to an internal issue that points at its
// GitLab counterpart.
func CrossLink(gl *gitlab.Issue, entitySlug string) types.IssueLink {
	return types.IssueLink{
		Title: fmt.Sprintf("[%s] %s #%d", entitySlug, gl.Title, gl.IID),
		URL:   gl.WebURL,
	}
}
