// Package jira is a client for the Jira Server/Data Center REST API (v2),
// used as the source of bulk imports.
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Issue represents a Jira issue from the REST API.
type Issue struct {
	ID             string          `json:"id"`
	Key            string          `json:"key"`
	Self           string          `json:"self"`
	Fields         IssueFields     `json:"fields"`
	RenderedFields *RenderedFields `json:"renderedFields,omitempty"`
}

// IssueFields contains the fields of a Jira issue.
type IssueFields struct {
	Summary     string          `json:"summary"`
	Description string          `json:"description"` // Wiki markup on Server
	Status      *StatusField    `json:"status"`
	Priority    *PriorityField  `json:"priority"`
	IssueType   *IssueTypeField `json:"issuetype"`
	Project     *ProjectField   `json:"project"`
	Assignee    *User           `json:"assignee"`
	Reporter    *User           `json:"reporter"`
	Labels      []string        `json:"labels"`
	Created     string          `json:"created"`
	Updated     string          `json:"updated"`
}

// RenderedFields carries the HTML rendition requested with expand=renderedFields.
type RenderedFields struct {
	Description string `json:"description"`
}

// StatusField represents a Jira issue status.
type StatusField struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	StatusCategory *StatusCategory `json:"statusCategory,omitempty"`
}

// StatusCategory is Jira's coarse status bucket (new, indeterminate, done).
type StatusCategory struct {
	Key string `json:"key"`
}

// PriorityField represents a Jira issue priority.
type PriorityField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueTypeField represents a Jira issue type.
type IssueTypeField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProjectField represents a Jira project.
type ProjectField struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// User represents a Jira Server user.
type User struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
	Active       bool   `json:"active"`
}

// Comment represents an issue comment.
type Comment struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	RenderedBody string `json:"renderedBody"`
	Author       *User  `json:"author"`
	Created      string `json:"created"`
}

// SearchResult represents a Jira JQL search response.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// CommentPage is one page of issue comments.
type CommentPage struct {
	StartAt    int       `json:"startAt"`
	MaxResults int       `json:"maxResults"`
	Total      int       `json:"total"`
	Comments   []Comment `json:"comments"`
}

// LabelPage is one page of distinct project labels.
type LabelPage struct {
	Values []string
	Total  int
	IsLast bool
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

const (
	// DefaultRateLimit is the sustained request rate per client.
	DefaultRateLimit = 10.0
	// DefaultRateBurst is the limiter burst size.
	DefaultRateBurst = 5
	// MaxRetryElapsed bounds retries of one request.
	MaxRetryElapsed = 30 * time.Second
)

// Client provides HTTP access to a Jira Server instance.
type Client struct {
	URL        string
	Username   string
	APIToken   string
	HTTPClient *http.Client

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

// NewClient creates a new Jira client. An empty username selects bearer
// (personal access token) authentication.
func NewClient(baseURL, username, apiToken string, opts ...Option) *Client {
	c := &Client{
		URL:      strings.TrimSuffix(baseURL, "/"),
		Username: username,
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateBurst),
		maxElapsed: MaxRetryElapsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// searchFields is the default set of fields to request in search/get queries.
const searchFields = "summary,description,status,priority,issuetype,project,assignee,reporter,labels,created,updated"

// ServerInfo checks connectivity and credentials.
func (c *Client) ServerInfo(ctx context.Context) (map[string]any, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.apiURL("serverInfo", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("server info: %w", err)
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse server info: %w", err)
	}
	return info, nil
}

// SearchUsers returns one page of users. Jira Server matches every user
// with the "." username pattern.
func (c *Client) SearchUsers(ctx context.Context, startAt, maxResults int) ([]User, error) {
	params := url.Values{
		"username":      {"."},
		"includeActive": {"true"},
		"startAt":       {strconv.Itoa(startAt)},
		"maxResults":    {strconv.Itoa(maxResults)},
	}
	body, err := c.doRequest(ctx, http.MethodGet, c.apiURL("user/search", params), nil)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	var users []User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("parse users response: %w", err)
	}
	return users, nil
}

// SearchIssues returns one page of a JQL search with rendered HTML fields.
func (c *Client) SearchIssues(ctx context.Context, jql string, startAt, maxResults int) (*SearchResult, error) {
	params := url.Values{
		"jql":        {jql},
		"fields":     {searchFields},
		"expand":     {"renderedFields"},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	body, err := c.doRequest(ctx, http.MethodGet, c.apiURL("search", params), nil)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	return &result, nil
}

// ProjectLabels returns the distinct labels of one page of labelled issues.
// Jira Server has no label listing endpoint, so labels are collected from
// a search.
func (c *Client) ProjectLabels(ctx context.Context, projectKey string, startAt, maxResults int) (*LabelPage, error) {
	params := url.Values{
		"jql":        {fmt.Sprintf("project = %q AND labels is not EMPTY", projectKey)},
		"fields":     {"labels"},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	body, err := c.doRequest(ctx, http.MethodGet, c.apiURL("search", params), nil)
	if err != nil {
		return nil, fmt.Errorf("project labels: %w", err)
	}
	var result SearchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse labels response: %w", err)
	}

	seen := make(map[string]bool)
	page := &LabelPage{Total: result.Total}
	for _, issue := range result.Issues {
		for _, l := range issue.Fields.Labels {
			if !seen[l] {
				seen[l] = true
				page.Values = append(page.Values, l)
			}
		}
	}
	if result.Total > 0 {
		page.IsLast = startAt+len(result.Issues) >= result.Total
	} else {
		page.IsLast = len(result.Issues) == 0
	}
	return page, nil
}

// IssueComments returns one page of comments with rendered bodies.
func (c *Client) IssueComments(ctx context.Context, issueKey string, startAt, maxResults int) (*CommentPage, error) {
	params := url.Values{
		"expand":     {"renderedBody"},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	body, err := c.doRequest(ctx, http.MethodGet, c.apiURL("issue/"+url.PathEscape(issueKey)+"/comment", params), nil)
	if err != nil {
		return nil, fmt.Errorf("comments of %s: %w", issueKey, err)
	}
	var page CommentPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse comments response: %w", err)
	}
	return &page, nil
}

// GetIssue fetches a single Jira issue by key (e.g., "PROJ-123").
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	params := url.Values{"fields": {searchFields}, "expand": {"renderedFields"}}
	body, err := c.doRequest(ctx, http.MethodGet, c.apiURL("issue/"+url.PathEscape(key), params), nil)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}
	var issue Issue
	if err := json.Unmarshal(body, &issue); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	return &issue, nil
}

func (c *Client) apiURL(path string, params url.Values) string {
	u := fmt.Sprintf("%s/rest/api/2/%s", c.URL, path)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// doRequest executes an authenticated, rate-limited request and returns the
// response body. 429 and 5xx responses are retried with backoff.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}
	if c.APIToken == "" {
		return nil, fmt.Errorf("jira API token not configured")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed

	var out []byte
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
		out = b
		return nil
	}, backoff.WithContext(bo, ctx))
	return out, err
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

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "trackbridge-importer/1.0")
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

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return respBody, nil
}

// setAuth sets the appropriate authentication header on the request.
func (c *Client) setAuth(req *http.Request) {
	if c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
}
