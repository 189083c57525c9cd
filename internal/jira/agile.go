package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Page is the envelope of Jira's paginated "values" endpoints (agile boards
// and sprints, create metadata).
type Page[T any] struct {
	StartAt    int  `json:"startAt"`
	MaxResults int  `json:"maxResults"`
	Total      int  `json:"total"`
	IsLast     bool `json:"isLast"`
	Values     []T  `json:"values"`
}

// HasMore reports whether another page follows.
func (p *Page[T]) HasMore() bool {
	return p != nil && !p.IsLast && len(p.Values) > 0
}

// Board is a Jira Software board.
type Board struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Sprint is a sprint of a scrum board.
type Sprint struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	Goal          string `json:"goal"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
	CompleteDate  string `json:"completeDate"`
	OriginBoardID int    `json:"originBoardId"`
}

// IssueType is an issue type available in a project.
type IssueType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Subtask     bool   `json:"subtask"`
}

// Field is one field of an issue type's create screen.
type Field struct {
	FieldID       string        `json:"fieldId"`
	Name          string        `json:"name"`
	Required      bool          `json:"required"`
	Schema        FieldSchema   `json:"schema"`
	AllowedValues []FieldOption `json:"allowedValues"`
}

// FieldSchema describes a field's value type. Custom is set for custom
// fields, e.g. "com.atlassian.jira.plugin.system.customfieldtypes:select".
type FieldSchema struct {
	Type     string `json:"type"`
	Items    string `json:"items"`
	Custom   string `json:"custom"`
	CustomID int    `json:"customId"`
}

// FieldOption is an allowed value of a select-like field.
type FieldOption struct {
	ID       string `json:"id"`
	Value    string `json:"value"`
	Disabled bool   `json:"disabled"`
}

// Boards returns one page of the scrum boards of a project. Kanban boards
// have no sprints and are left out.
func (c *Client) Boards(ctx context.Context, projectKey string, startAt, maxResults int) (*Page[Board], error) {
	params := url.Values{
		"projectKeyOrId": {projectKey},
		"type":           {"scrum"},
		"startAt":        {strconv.Itoa(startAt)},
		"maxResults":     {strconv.Itoa(maxResults)},
	}
	var page Page[Board]
	if err := c.getJSON(ctx, c.agileURL("board", params), &page); err != nil {
		return nil, fmt.Errorf("boards of %s: %w", projectKey, err)
	}
	return &page, nil
}

// BoardSprints returns one page of the sprints of a board.
func (c *Client) BoardSprints(ctx context.Context, boardID, startAt, maxResults int) (*Page[Sprint], error) {
	params := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	var page Page[Sprint]
	if err := c.getJSON(ctx, c.agileURL("board/"+strconv.Itoa(boardID)+"/sprint", params), &page); err != nil {
		return nil, fmt.Errorf("sprints of board %d: %w", boardID, err)
	}
	return &page, nil
}

// SprintIssues returns one page of the issues in a sprint, keys only.
func (c *Client) SprintIssues(ctx context.Context, sprintID, startAt, maxResults int) (*SearchResult, error) {
	params := url.Values{
		"fields":     {"key"},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	var result SearchResult
	if err := c.getJSON(ctx, c.agileURL("sprint/"+strconv.Itoa(sprintID)+"/issue", params), &result); err != nil {
		return nil, fmt.Errorf("issues of sprint %d: %w", sprintID, err)
	}
	return &result, nil
}

// ProjectIssueTypes returns one page of the issue types of a project.
func (c *Client) ProjectIssueTypes(ctx context.Context, projectKey string, startAt, maxResults int) (*Page[IssueType], error) {
	params := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	var page Page[IssueType]
	path := "issue/createmeta/" + url.PathEscape(projectKey) + "/issuetypes"
	if err := c.getJSON(ctx, c.apiURL(path, params), &page); err != nil {
		return nil, fmt.Errorf("issue types of %s: %w", projectKey, err)
	}
	return &page, nil
}

// IssueTypeFields returns one page of the fields of an issue type's create
// screen, allowed values included.
func (c *Client) IssueTypeFields(ctx context.Context, projectKey, issueTypeID string, startAt, maxResults int) (*Page[Field], error) {
	params := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	var page Page[Field]
	path := "issue/createmeta/" + url.PathEscape(projectKey) + "/issuetypes/" + url.PathEscape(issueTypeID)
	if err := c.getJSON(ctx, c.apiURL(path, params), &page); err != nil {
		return nil, fmt.Errorf("fields of issue type %s: %w", issueTypeID, err)
	}
	return &page, nil
}

func (c *Client) agileURL(path string, params url.Values) string {
	u := fmt.Sprintf("%s/rest/agile/1.0/%s", c.URL, path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) getJSON(ctx context.Context, apiURL string, out any) error {
	body, err := c.doRequest(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
