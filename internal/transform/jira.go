package transform

import (
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/types"
)

// ImportedLabel is added to every issue created by a Jira import.
const ImportedLabel = "jira imported"

const emptyHTML = "<p></p>"

// JiraContext carries what the Jira conversions resolve against.
type JiraContext struct {
	ProjectID  string // internal project
	ResourceID string // identifies the Jira instance within the project
	BaseURL    string
	States     []types.State
	Users      map[string]string // lower-cased email -> internal user id
	Labels     map[string]string // lower-cased label name -> internal label id
	IssueTypes map[string]string // Jira issue type id -> internal issue type id
}

// ExternalID namespaces a Jira id so ids from different instances or
// projects never collide.
func (jc JiraContext) ExternalID(jiraID string) string {
	return jc.ProjectID + "_" + jc.ResourceID + "_" + jiraID
}

// JiraUser converts a Jira user to an internal workspace member. Users
// without an email cannot be matched and yield nil.
func JiraUser(u jira.User) *types.User {
	email := strings.TrimSpace(u.EmailAddress)
	if email == "" {
		return nil
	}
	name := u.DisplayName
	if name == "" {
		name = u.Name
	}
	return &types.User{Email: email, DisplayName: name}
}

// JiraLabel converts a Jira label to an internal label.
func JiraLabel(name string) *types.Label {
	return &types.Label{
		Name:           strings.ToLower(name),
		Color:          ExternalLabelColor,
		ExternalID:     name,
		ExternalSource: string(types.IntegrationJiraServer),
	}
}

// JiraIssue converts a Jira issue to an internal issue.
func JiraIssue(issue *jira.Issue, jc JiraContext) *types.Issue {
	f := issue.Fields
	name := f.Summary
	if name == "" {
		name = "Untitled"
	}

	out := &types.Issue{
		ProjectID:       jc.ProjectID,
		Name:            name,
		DescriptionHTML: jiraHTML(issue.RenderedFields, f.Description),
		ExternalID:      jc.ExternalID(issue.ID),
		ExternalSource:  string(types.IntegrationJiraServer),
		State:           jiraState(f.Status, jc.States),
		Priority:        "none",
	}
	if f.Priority != nil {
		out.Priority = jira.Priority(f.Priority.Name)
	}
	if f.IssueType != nil {
		out.TypeID = jc.IssueTypes[f.IssueType.ID]
	}
	if f.Assignee != nil {
		if id, ok := jc.Users[strings.ToLower(f.Assignee.EmailAddress)]; ok {
			out.Assignees = []string{id}
		}
	}
	if f.Reporter != nil {
		out.CreatedBy = jc.Users[strings.ToLower(f.Reporter.EmailAddress)]
	}
	if t, err := jira.ParseTimestamp(f.Created); err == nil {
		out.CreatedAt = t
	}

	seen := make(map[string]bool)
	for _, l := range append(append([]string(nil), f.Labels...), ImportedLabel) {
		id, ok := jc.Labels[strings.ToLower(l)]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out.Labels = append(out.Labels, id)
	}
	return out
}

// JiraComment converts a Jira comment on an imported issue.
func JiraComment(c *jira.Comment, issueID string, jc JiraContext) *types.Comment {
	out := &types.Comment{
		IssueID:        issueID,
		CommentHTML:    emptyHTML,
		ExternalID:     jc.ExternalID(c.ID),
		ExternalSource: string(types.IntegrationJiraServer),
	}
	switch {
	case strings.TrimSpace(c.RenderedBody) != "":
		out.CommentHTML = Sanitize(c.RenderedBody)
	case strings.TrimSpace(c.Body) != "":
		out.CommentHTML = "<p>" + html.EscapeString(c.Body) + "</p>"
	}
	if c.Author != nil {
		out.Actor = jc.Users[strings.ToLower(c.Author.EmailAddress)]
	}
	if t, err := jira.ParseTimestamp(c.Created); err == nil {
		out.CreatedAt = t
	}
	return out
}

// JiraLink is the cross-link attached to an imported issue.
func JiraLink(issue *jira.Issue, jc JiraContext) types.IssueLink {
	return types.IssueLink{Title: "Linked Jira Issue", URL: jira.BrowseURL(jc.BaseURL, issue.Key)}
}

// JiraSprint converts a sprint to a cycle. Dates keep only the day.
func JiraSprint(sp *jira.Sprint, jc JiraContext) *types.Cycle {
	return &types.Cycle{
		Name:           sp.Name,
		Description:    sp.Goal,
		StartDate:      jiraDate(sp.StartDate),
		EndDate:        jiraDate(sp.EndDate),
		ExternalID:     jc.ExternalID(strconv.Itoa(sp.ID)),
		ExternalSource: string(types.IntegrationJiraServer),
	}
}

// JiraIssueType converts a Jira issue type. Types named like "Epic" are
// flagged as epics.
func JiraIssueType(it *jira.IssueType, jc JiraContext) *types.IssueType {
	return &types.IssueType{
		Name:           it.Name,
		Description:    it.Description,
		IsEpic:         strings.Contains(strings.ToLower(it.Name), "epic"),
		IsActive:       true,
		ExternalID:     jc.ExternalID(it.ID),
		ExternalSource: string(types.IntegrationJiraServer),
	}
}

const customFieldPrefix = "com.atlassian.jira.plugin.system.customfieldtypes:"

type propertyShape struct {
	kind     types.PropertyType
	multi    bool
	relation string
}

// customFieldShapes lists the Jira custom field types that have an
// internal counterpart.
var customFieldShapes = map[string]propertyShape{
	"textfield":       {kind: types.PropertyText},
	"textarea":        {kind: types.PropertyText},
	"url":             {kind: types.PropertyText},
	"float":           {kind: types.PropertyDecimal},
	"select":          {kind: types.PropertyTypeOption},
	"radiobuttons":    {kind: types.PropertyTypeOption},
	"multiselect":     {kind: types.PropertyTypeOption, multi: true},
	"multicheckboxes": {kind: types.PropertyTypeOption, multi: true},
	"datepicker":      {kind: types.PropertyDatetime},
	"datetime":        {kind: types.PropertyDatetime},
	"userpicker":      {kind: types.PropertyRelation, relation: "USER"},
	"multiuserpicker": {kind: types.PropertyRelation, relation: "USER", multi: true},
}

// JiraFieldExternalID identifies a custom field within one issue type.
func JiraFieldExternalID(jc JiraContext, issueTypeID string, f *jira.Field) string {
	return jc.ExternalID(issueTypeID + "_" + strings.TrimPrefix(f.FieldID, "customfield_"))
}

// JiraField converts a custom field of an issue type to a property. It
// returns nil for system fields and unsupported custom field types.
func JiraField(f *jira.Field, issueTypeID, typeID string, jc JiraContext) *types.IssueProperty {
	name, ok := strings.CutPrefix(f.Schema.Custom, customFieldPrefix)
	if !ok {
		return nil
	}
	shape, ok := customFieldShapes[name]
	if !ok {
		return nil
	}
	return &types.IssueProperty{
		TypeID:         typeID,
		DisplayName:    f.Name,
		PropertyType:   shape.kind,
		RelationType:   shape.relation,
		IsMulti:        shape.multi,
		IsActive:       true,
		ExternalID:     JiraFieldExternalID(jc, issueTypeID, f),
		ExternalSource: string(types.IntegrationJiraServer),
	}
}

// JiraFieldOptions converts the allowed values of an OPTION field of one
// issue type.
func JiraFieldOptions(f *jira.Field, issueTypeID, propertyID string, jc JiraContext) []*types.PropertyOption {
	out := make([]*types.PropertyOption, 0, len(f.AllowedValues))
	for _, v := range f.AllowedValues {
		if v.Value == "" {
			continue
		}
		out = append(out, &types.PropertyOption{
			PropertyID:     propertyID,
			Name:           v.Value,
			IsActive:       !v.Disabled,
			ExternalID:     jc.ExternalID(issueTypeID + "_" + v.ID),
			ExternalSource: string(types.IntegrationJiraServer),
		})
	}
	return out
}

func jiraDate(ts string) string {
	t, err := jira.ParseTimestamp(ts)
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func jiraHTML(rendered *jira.RenderedFields, raw string) string {
	if rendered != nil && strings.TrimSpace(rendered.Description) != "" {
		return Sanitize(rendered.Description)
	}
	if strings.TrimSpace(raw) != "" {
		return "<p>" + html.EscapeString(raw) + "</p>"
	}
	return emptyHTML
}

// jiraState maps a Jira status category onto the first state of the
// matching group.
func jiraState(status *jira.StatusField, states []types.State) string {
	group := types.StateGroupBacklog
	if status != nil && status.StatusCategory != nil {
		switch status.StatusCategory.Key {
		case "indeterminate":
			group = types.StateGroupStarted
		case "done":
			group = types.StateGroupCompleted
		case "new":
			group = types.StateGroupUnstarted
		}
	}
	for _, s := range states {
		if s.Group == group {
			return s.ID
		}
	}
	for _, s := range states {
		if s.Group == types.StateGroupBacklog {
			return s.ID
		}
	}
	return ""
}
