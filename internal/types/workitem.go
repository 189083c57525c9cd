package types

import "time"

// Issue is a work item in the internal tracker.
type Issue struct {
	ID              string    `json:"id"`
	SequenceID      int       `json:"sequence_id"`
	ProjectID       string    `json:"project,omitempty"`
	Name            string    `json:"name"`
	DescriptionHTML string    `json:"description_html"`
	State           string    `json:"state,omitempty"`
	Priority        string    `json:"priority,omitempty"`
	TypeID          string    `json:"type_id,omitempty"`
	Labels          []string  `json:"labels"`
	Assignees       []string  `json:"assignees,omitempty"`
	ExternalID      string    `json:"external_id,omitempty"`
	ExternalSource  string    `json:"external_source,omitempty"`
	CreatedBy       string    `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// LinkedTo reports whether the issue already carries an external id tagged
// with the given integration.
func (i *Issue) LinkedTo(key IntegrationKey) bool {
	return i != nil && i.ExternalID != "" && i.ExternalSource == string(key)
}

// Comment is a comment on an internal issue.
type Comment struct {
	ID             string    `json:"id"`
	IssueID        string    `json:"issue"`
	CommentHTML    string    `json:"comment_html"`
	Parent         string    `json:"parent,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	ExternalID     string    `json:"external_id,omitempty"`
	ExternalSource string    `json:"external_source,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// LinkedTo reports whether the comment already mirrors an external comment
// of the given integration.
func (c *Comment) LinkedTo(key IntegrationKey) bool {
	return c != nil && c.ExternalID != "" && c.ExternalSource == string(key)
}

// User is a workspace member.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	DisplayRole string `json:"role,omitempty"`
}

// Label is a project label.
type Label struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Color          string `json:"color,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
	ExternalSource string `json:"external_source,omitempty"`
}

// StateGroup classifies workflow states.
type StateGroup string

const (
	StateGroupBacklog   StateGroup = "backlog"
	StateGroupUnstarted StateGroup = "unstarted"
	StateGroupStarted   StateGroup = "started"
	StateGroupCompleted StateGroup = "completed"
	StateGroupCancelled StateGroup = "cancelled"
)

// State is a workflow state of a project.
type State struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Group StateGroup `json:"group"`
}

// Project is an internal project.
type Project struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// IssueLink is a URL attached to an internal issue.
type IssueLink struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Cycle is a time-boxed iteration of a project.
type Cycle struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	StartDate      string `json:"start_date,omitempty"` // YYYY-MM-DD
	EndDate        string `json:"end_date,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
	ExternalSource string `json:"external_source,omitempty"`
}

// IssueType is a work item type of a project.
type IssueType struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	IsEpic         bool   `json:"is_epic"`
	IsDefault      bool   `json:"is_default"`
	IsActive       bool   `json:"is_active"`
	ExternalID     string `json:"external_id,omitempty"`
	ExternalSource string `json:"external_source,omitempty"`
}

// PropertyType is the value type of a custom issue property.
type PropertyType string

const (
	PropertyText       PropertyType = "TEXT"
	PropertyDecimal    PropertyType = "DECIMAL"
	PropertyTypeOption PropertyType = "OPTION"
	PropertyBoolean    PropertyType = "BOOLEAN"
	PropertyDatetime   PropertyType = "DATETIME"
	PropertyRelation   PropertyType = "RELATION"
)

// IssueProperty is a custom property of an issue type.
type IssueProperty struct {
	ID             string       `json:"id"`
	TypeID         string       `json:"issue_type"`
	DisplayName    string       `json:"display_name"`
	PropertyType   PropertyType `json:"property_type"`
	RelationType   string       `json:"relation_type,omitempty"`
	IsMulti        bool         `json:"is_multi"`
	IsRequired     bool         `json:"is_required"`
	IsActive       bool         `json:"is_active"`
	ExternalID     string       `json:"external_id,omitempty"`
	ExternalSource string       `json:"external_source,omitempty"`
}

// PropertyOption is one allowed value of an OPTION property.
type PropertyOption struct {
	ID             string `json:"id"`
	PropertyID     string `json:"property"`
	Name           string `json:"name"`
	IsActive       bool   `json:"is_active"`
	ExternalID     string `json:"external_id,omitempty"`
	ExternalSource string `json:"external_source,omitempty"`
}
