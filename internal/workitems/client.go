// Package workitems is a client for the internal tracker's public REST API
// (v1). Every request is scoped to one workspace and authenticated with the
// workspace's API key.
package workitems

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/steveyegge/trackbridge/internal/types"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultRateLimit is the sustained request rate per client.
	DefaultRateLimit = 20.0
	// DefaultRateBurst is the limiter burst size.
	DefaultRateBurst = 10
	// MaxRetryElapsed bounds retries of one request.
	MaxRetryElapsed = 30 * time.Second
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("work items API returned %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsNotFound reports whether the entity does not exist.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Client talks to one workspace of the internal tracker.
type Client struct {
	BaseURL       string
	APIKey        string
	WorkspaceSlug string
	HTTPClient    *http.Client

	limiter    *rate.Limiter
	maxElapsed time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithRateLimit sets requests per second and burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithMaxRetryElapsed bounds how long a request is retried.
func WithMaxRetryElapsed(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

// NewClient creates a client for one workspace.
func NewClient(baseURL, apiKey, workspaceSlug string, opts ...Option) *Client {
	c := &Client{
		BaseURL:       strings.TrimSuffix(baseURL, "/"),
		APIKey:        apiKey,
		WorkspaceSlug: workspaceSlug,
		HTTPClient:    &http.Client{Timeout: DefaultTimeout},
		limiter:       rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateBurst),
		maxElapsed:    MaxRetryElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listResponse is the envelope of list endpoints.
type listResponse[T any] struct {
	Results []T `json:"results"`
}

// IssuePatch is a partial issue update. Nil fields are left unchanged.
type IssuePatch struct {
	Name            *string   `json:"name,omitempty"`
	DescriptionHTML *string   `json:"description_html,omitempty"`
	State           *string   `json:"state,omitempty"`
	Priority        *string   `json:"priority,omitempty"`
	Labels          *[]string `json:"labels,omitempty"`
	Assignees       *[]string `json:"assignees,omitempty"`
	ExternalID      *string   `json:"external_id,omitempty"`
	ExternalSource  *string   `json:"external_source,omitempty"`
}

// CommentPatch is a partial comment update.
type CommentPatch struct {
	CommentHTML    *string `json:"comment_html,omitempty"`
	ExternalID     *string `json:"external_id,omitempty"`
	ExternalSource *string `json:"external_source,omitempty"`
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, projectID, issueID string) (*types.Issue, error) {
	var issue types.Issue
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issues", issueID), nil, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", issueID, err)
	}
	return &issue, nil
}

// GetIssueWithExternalID finds the issue that mirrors an external issue.
// It returns (nil, nil) when none exists.
func (c *Client) GetIssueWithExternalID(ctx context.Context, projectID, externalID string, source types.IntegrationKey) (*types.Issue, error) {
	var page listResponse[types.Issue]
	params := externalParams(externalID, source)
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issues"), params, nil, &page); err != nil {
		return nil, fmt.Errorf("find issue by external id %s: %w", externalID, err)
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

// CreateIssue creates an issue in the project.
func (c *Client) CreateIssue(ctx context.Context, projectID string, issue *types.Issue) (*types.Issue, error) {
	var created types.Issue
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "issues"), nil, issue, &created); err != nil {
		return nil, fmt.Errorf("create issue %q: %w", issue.Name, err)
	}
	return &created, nil
}

// UpdateIssue applies a partial update.
func (c *Client) UpdateIssue(ctx context.Context, projectID, issueID string, patch IssuePatch) (*types.Issue, error) {
	var updated types.Issue
	if err := c.do(ctx, http.MethodPatch, c.projectPath(projectID, "issues", issueID), nil, patch, &updated); err != nil {
		return nil, fmt.Errorf("update issue %s: %w", issueID, err)
	}
	return &updated, nil
}

// CreateLink attaches a URL to an issue.
func (c *Client) CreateLink(ctx context.Context, projectID, issueID string, link types.IssueLink) (*types.IssueLink, error) {
	var created types.IssueLink
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "issues", issueID, "links"), nil, link, &created); err != nil {
		return nil, fmt.Errorf("create link on issue %s: %w", issueID, err)
	}
	return &created, nil
}

// ListLinks returns the URLs attached to an issue.
func (c *Client) ListLinks(ctx context.Context, projectID, issueID string) ([]types.IssueLink, error) {
	var page listResponse[types.IssueLink]
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issues", issueID, "links"), nil, nil, &page); err != nil {
		return nil, fmt.Errorf("list links of issue %s: %w", issueID, err)
	}
	return page.Results, nil
}

// GetComment fetches a comment by id.
func (c *Client) GetComment(ctx context.Context, projectID, issueID, commentID string) (*types.Comment, error) {
	var comment types.Comment
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issues", issueID, "comments", commentID), nil, nil, &comment); err != nil {
		return nil, fmt.Errorf("get comment %s: %w", commentID, err)
	}
	return &comment, nil
}

// GetCommentWithExternalID finds the comment that mirrors an external
// comment. It returns (nil, nil) when none exists.
func (c *Client) GetCommentWithExternalID(ctx context.Context, projectID, issueID, externalID string, source types.IntegrationKey) (*types.Comment, error) {
	var page listResponse[types.Comment]
	params := externalParams(externalID, source)
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issues", issueID, "comments"), params, nil, &page); err != nil {
		return nil, fmt.Errorf("find comment by external id %s: %w", externalID, err)
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return &page.Results[0], nil
}

// CreateComment adds a comment to an issue.
func (c *Client) CreateComment(ctx context.Context, projectID, issueID string, comment *types.Comment) (*types.Comment, error) {
	var created types.Comment
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "issues", issueID, "comments"), nil, comment, &created); err != nil {
		return nil, fmt.Errorf("create comment on issue %s: %w", issueID, err)
	}
	return &created, nil
}

// UpdateComment applies a partial update.
func (c *Client) UpdateComment(ctx context.Context, projectID, issueID, commentID string, patch CommentPatch) (*types.Comment, error) {
	var updated types.Comment
	if err := c.do(ctx, http.MethodPatch, c.projectPath(projectID, "issues", issueID, "comments", commentID), nil, patch, &updated); err != nil {
		return nil, fmt.Errorf("update comment %s: %w", commentID, err)
	}
	return &updated, nil
}

// ListMembers returns the workspace members.
func (c *Client) ListMembers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	if err := c.do(ctx, http.MethodGet, c.workspacePath("members"), nil, nil, &users); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return users, nil
}

// CreateUser invites a user into the workspace.
func (c *Client) CreateUser(ctx context.Context, user *types.User) (*types.User, error) {
	var created types.User
	if err := c.do(ctx, http.MethodPost, c.workspacePath("members"), nil, user, &created); err != nil {
		return nil, fmt.Errorf("create user %s: %w", user.Email, err)
	}
	return &created, nil
}

// ListLabels returns the labels of a project.
func (c *Client) ListLabels(ctx context.Context, projectID string) ([]types.Label, error) {
	var page listResponse[types.Label]
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "labels"), nil, nil, &page); err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	return page.Results, nil
}

// CreateLabel creates a project label.
func (c *Client) CreateLabel(ctx context.Context, projectID string, label *types.Label) (*types.Label, error) {
	var created types.Label
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "labels"), nil, label, &created); err != nil {
		return nil, fmt.Errorf("create label %q: %w", label.Name, err)
	}
	return &created, nil
}

// ListStates returns the workflow states of a project.
func (c *Client) ListStates(ctx context.Context, projectID string) ([]types.State, error) {
	var page listResponse[types.State]
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "states"), nil, nil, &page); err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return page.Results, nil
}

// ListCycles returns the cycles of a project.
func (c *Client) ListCycles(ctx context.Context, projectID string) ([]types.Cycle, error) {
	var page listResponse[types.Cycle]
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "cycles"), nil, nil, &page); err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	return page.Results, nil
}

// CreateCycle creates a cycle in the project.
func (c *Client) CreateCycle(ctx context.Context, projectID string, cycle *types.Cycle) (*types.Cycle, error) {
	var created types.Cycle
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "cycles"), nil, cycle, &created); err != nil {
		return nil, fmt.Errorf("create cycle %q: %w", cycle.Name, err)
	}
	return &created, nil
}

// AddCycleIssues adds issues to a cycle. Issues already in the cycle are
// left as they are.
func (c *Client) AddCycleIssues(ctx context.Context, projectID, cycleID string, issueIDs []string) error {
	body := struct {
		Issues []string `json:"issues"`
	}{issueIDs}
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "cycles", cycleID, "cycle-issues"), nil, body, nil); err != nil {
		return fmt.Errorf("add issues to cycle %s: %w", cycleID, err)
	}
	return nil
}

// ListIssueTypes returns the issue types of a project.
func (c *Client) ListIssueTypes(ctx context.Context, projectID string) ([]types.IssueType, error) {
	var out []types.IssueType
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issue-types"), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list issue types: %w", err)
	}
	return out, nil
}

// CreateIssueType creates an issue type in the project.
func (c *Client) CreateIssueType(ctx context.Context, projectID string, it *types.IssueType) (*types.IssueType, error) {
	var created types.IssueType
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "issue-types"), nil, it, &created); err != nil {
		return nil, fmt.Errorf("create issue type %q: %w", it.Name, err)
	}
	return &created, nil
}

// ListIssueProperties returns the custom properties of an issue type.
func (c *Client) ListIssueProperties(ctx context.Context, projectID, typeID string) ([]types.IssueProperty, error) {
	var out []types.IssueProperty
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issue-types", typeID, "issue-properties"), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list properties of issue type %s: %w", typeID, err)
	}
	return out, nil
}

// CreateIssueProperty adds a custom property to an issue type.
func (c *Client) CreateIssueProperty(ctx context.Context, projectID, typeID string, p *types.IssueProperty) (*types.IssueProperty, error) {
	var created types.IssueProperty
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "issue-types", typeID, "issue-properties"), nil, p, &created); err != nil {
		return nil, fmt.Errorf("create property %q: %w", p.DisplayName, err)
	}
	return &created, nil
}

// ListPropertyOptions returns the options of an OPTION property.
func (c *Client) ListPropertyOptions(ctx context.Context, projectID, propertyID string) ([]types.PropertyOption, error) {
	var out []types.PropertyOption
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "issue-properties", propertyID, "options"), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list options of property %s: %w", propertyID, err)
	}
	return out, nil
}

// CreatePropertyOption adds an option to an OPTION property.
func (c *Client) CreatePropertyOption(ctx context.Context, projectID, propertyID string, o *types.PropertyOption) (*types.PropertyOption, error) {
	var created types.PropertyOption
	if err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "issue-properties", propertyID, "options"), nil, o, &created); err != nil {
		return nil, fmt.Errorf("create option %q: %w", o.Name, err)
	}
	return &created, nil
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	var project types.Project
	if err := c.do(ctx, http.MethodGet, c.projectPath(projectID), nil, nil, &project); err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return &project, nil
}

// IssueURL is the web address of an issue, used for cross-links.
func (c *Client) IssueURL(projectID, issueID string) string {
	return fmt.Sprintf("%s/%s/projects/%s/issues/%s", c.BaseURL, url.PathEscape(c.WorkspaceSlug), url.PathEscape(projectID), url.PathEscape(issueID))
}

func externalParams(externalID string, source types.IntegrationKey) url.Values {
	return url.Values{
		"external_id":     {externalID},
		"external_source": {string(source)},
	}
}

func (c *Client) workspacePath(parts ...string) string {
	segs := make([]string, 0, len(parts)+4)
	segs = append(segs, "api", "v1", "workspaces", url.PathEscape(c.WorkspaceSlug))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return "/" + strings.Join(segs, "/") + "/"
}

func (c *Client) projectPath(projectID string, parts ...string) string {
	return c.workspacePath(append([]string{"projects", projectID}, parts...)...)
}

// do executes a rate-limited request and decodes the JSON response into out.
// 429 and 5xx responses are retried with backoff.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("work items base URL not configured")
	}
	if c.APIKey == "" {
		return fmt.Errorf("work items API key not configured")
	}
	if c.WorkspaceSlug == "" {
		return fmt.Errorf("workspace slug not configured")
	}

	apiURL := c.BaseURL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed

	var respBody []byte
	err := backoff.Retry(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		b, err := c.doOnce(ctx, method, apiURL, body)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && !httpErr.IsRateLimited() && !httpErr.IsServerError() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		respBody = b
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("X-API-Key", c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
