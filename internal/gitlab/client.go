package gitlab

import (
	"bytes"
	"context"
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

// HTTPError is a non-2xx response from GitLab.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gitlab API returned %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if this is a rate limit error.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError returns true if this is a server error.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// NewClient creates a new GitLab client for one project.
func NewClient(token, baseURL, projectID string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		ProjectID:  projectID,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		retryDelay: RetryDelay,
	}
}

// WithHTTPClient returns a copy of the client that uses hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.HTTPClient = hc
	return &cp
}

// WithRetryDelay returns a copy of the client with a different base retry delay.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	cp := *c
	cp.retryDelay = d
	return &cp
}

func (c *Client) projectPath() string {
	return url.PathEscape(c.ProjectID)
}

// buildURL joins the v4 API root and path. A BaseURL that already ends in
// /api/v4 is used as is.
func (c *Client) buildURL(path string) string {
	if strings.HasSuffix(c.BaseURL, DefaultAPIEndpoint) {
		return c.BaseURL + path
	}
	return c.BaseURL + DefaultAPIEndpoint + path
}

// GetIssue fetches a single issue by its project-scoped IID.
func (c *Client) GetIssue(ctx context.Context, iid int) (*Issue, error) {
	var issue Issue
	if err := c.doRequest(ctx, http.MethodGet, c.issueURL(iid, ""), nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %d: %w", iid, err)
	}
	return &issue, nil
}

// CreateIssue creates a new issue in the project.
func (c *Client) CreateIssue(ctx context.Context, req IssueRequest) (*Issue, error) {
	var issue Issue
	u := c.buildURL("/projects/" + c.projectPath() + "/issues")
	if err := c.doRequest(ctx, http.MethodPost, u, req, &issue); err != nil {
		return nil, fmt.Errorf("create issue %q: %w", req.Title, err)
	}
	return &issue, nil
}

// UpdateIssue updates an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, iid int, req IssueRequest) (*Issue, error) {
	var issue Issue
	if err := c.doRequest(ctx, http.MethodPut, c.issueURL(iid, ""), req, &issue); err != nil {
		return nil, fmt.Errorf("update issue %d: %w", iid, err)
	}
	return &issue, nil
}

// CreateIssueComment adds a note to an issue.
func (c *Client) CreateIssueComment(ctx context.Context, iid int, body string) (*Note, error) {
	var note Note
	if err := c.doRequest(ctx, http.MethodPost, c.issueURL(iid, "/notes"), map[string]string{"body": body}, &note); err != nil {
		return nil, fmt.Errorf("create note on issue %d: %w", iid, err)
	}
	return &note, nil
}

// UpdateIssueComment replaces the body of a note.
func (c *Client) UpdateIssueComment(ctx context.Context, iid, noteID int, body string) (*Note, error) {
	var note Note
	u := c.issueURL(iid, "/notes/"+strconv.Itoa(noteID))
	if err := c.doRequest(ctx, http.MethodPut, u, map[string]string{"body": body}, &note); err != nil {
		return nil, fmt.Errorf("update note %d: %w", noteID, err)
	}
	return &note, nil
}

// GetIssueComment fetches a single note.
func (c *Client) GetIssueComment(ctx context.Context, iid, noteID int) (*Note, error) {
	var note Note
	if err := c.doRequest(ctx, http.MethodGet, c.issueURL(iid, "/notes/"+strconv.Itoa(noteID)), nil, &note); err != nil {
		return nil, fmt.Errorf("get note %d: %w", noteID, err)
	}
	return &note, nil
}

func (c *Client) issueURL(iid int, suffix string) string {
	return c.buildURL("/projects/" + c.projectPath() + "/issues/" + strconv.Itoa(iid) + suffix)
}

// doRequest performs a request, retrying 429 and 5xx responses, and decodes
// the JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryDelay
	bo.MaxElapsedTime = 0

	var respBody []byte
	err := backoff.Retry(func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
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
	}, backoff.WithContext(backoff.WithMaxRetries(bo, MaxRetries), ctx))
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
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
	req.Header.Set("PRIVATE-TOKEN", c.Token)
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
