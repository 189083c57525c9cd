package types

import (
	"strings"
	"time"
)

// IntegrationKey names an external tracker integration.
type IntegrationKey string

// Supported integrations
const (
	IntegrationGitLab           IntegrationKey = "GITLAB"
	IntegrationGitLabEnterprise IntegrationKey = "GITLAB_ENTERPRISE"
	IntegrationJiraServer       IntegrationKey = "JIRA_SERVER"
)

var validIntegrations = map[IntegrationKey]bool{
	IntegrationGitLab:           true,
	IntegrationGitLabEnterprise: true,
	IntegrationJiraServer:       true,
}

// IsValid checks if the integration key is known.
func (k IntegrationKey) IsValid() bool {
	return validIntegrations[k]
}

// Lower returns the key in the lower-case form used in asset URLs.
func (k IntegrationKey) Lower() string {
	return strings.ToLower(string(k))
}

// GitLabKey returns the GitLab integration key for the given variant.
func GitLabKey(isEnterprise bool) IntegrationKey {
	if isEnterprise {
		return IntegrationGitLabEnterprise
	}
	return IntegrationGitLab
}

// ConnectionType distinguishes project-level links from per-issue links.
type ConnectionType string

const (
	ConnectionProjectIssueSync ConnectionType = "PROJECT_ISSUE_SYNC"
	ConnectionIssueLink        ConnectionType = "ISSUE_LINK"
)

// StateRef points at an internal workflow state.
type StateRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// StateMapping maps external issue events to internal states.
type StateMapping struct {
	IssueOpen   *StateRef `json:"issue_open,omitempty"`
	IssueClosed *StateRef `json:"issue_closed,omitempty"`
}

// IsZero reports whether no mapping was configured.
func (m StateMapping) IsZero() bool {
	return m.IssueOpen == nil && m.IssueClosed == nil
}

// EntityConfig holds per-connection feature toggles.
type EntityConfig struct {
	AllowBidirectionalSync bool              `json:"allow_bidirectional_sync"`
	States                 StateMapping      `json:"states"`
	LabelMapping           map[string]string `json:"label_mapping,omitempty"`

	// CommentID is the anchor link comment on issue-link connections.
	CommentID string `json:"comment_id,omitempty"`
}

// WorkspaceConnection links an internal workspace to an external tracker
// installation.
type WorkspaceConnection struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	WorkspaceSlug  string         `json:"workspace_slug"`
	ConnectionType IntegrationKey `json:"connection_type"`
	BaseURL        string         `json:"base_url,omitempty"` // Self-managed instance URL
	CredentialID   string         `json:"credential_id"`
	DisabledAt     *time.Time     `json:"disabled_at,omitempty"`
}

// EntityConnection links an internal project (or issue) to an external entity.
type EntityConnection struct {
	ID                    string         `json:"id"`
	WorkspaceConnectionID string         `json:"workspace_connection_id"`
	WorkspaceID           string         `json:"workspace_id"`
	WorkspaceSlug         string         `json:"workspace_slug"`
	ProjectID             string         `json:"project_id"`
	IssueID               string         `json:"issue_id,omitempty"` // Set on issue links only
	EntityID              string         `json:"entity_id"`          // External project id, or "projectId_iid" for issue links
	EntitySlug            string         `json:"entity_slug,omitempty"`
	EntityType            IntegrationKey `json:"entity_type"`
	Type                  ConnectionType `json:"type"`
	Config                EntityConfig   `json:"config"`
	DisabledAt            *time.Time     `json:"disabled_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// Active reports whether the connection has not been soft-disabled.
func (c *EntityConnection) Active() bool {
	return c != nil && c.DisabledAt == nil
}

// Credential holds the tokens used against both trackers.
type Credential struct {
	ID                string         `json:"id"`
	WorkspaceID       string         `json:"workspace_id"`
	UserID            string         `json:"user_id"`
	Source            IntegrationKey `json:"source"`
	SourceAccessToken string         `json:"-"`
	TargetAccessToken string         `json:"-"`
}
