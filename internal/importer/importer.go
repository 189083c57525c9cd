// Package importer implements the Jira Server import as a set of paginated
// steps for the step engine. Users, labels, boards and issue types have no
// dependencies. Sprints become cycles once the boards are known, and issue
// types carry their custom properties and property options. Issues follow
// users, labels, cycles and issue types; comments and cycle membership
// follow issues.
//
// Every step is idempotent. Entities are looked up by their external id or
// natural key before they are created, so replaying a page after a failure
// never duplicates work.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
)

// Step names. They double as mapping namespaces in the mapping store.
const (
	StepUsers           = "users"
	StepLabels          = "labels"
	StepBoards          = "boards"
	StepCycles          = "cycles"
	StepIssueTypes      = "issue_types"
	StepIssueProperties = "issue_properties"
	StepPropertyOptions = "issue_property_options"
	StepIssues          = "issues"
	StepComments        = "comments"
	StepCycleIssues     = "cycle_issues"
)

// Page sizes per step.
const (
	UserPageSize      = 100
	LabelPageSize     = 100
	BoardPageSize     = 50
	SprintPageSize    = 100
	IssueTypePageSize = 50
	IssuePageSize     = 50
	CommentBatch      = 20
	commentPageSize   = 100
	fieldPageSize     = 100
	sprintIssuePage   = 100
)

// Source is the Jira side of an import.
type Source interface {
	SearchUsers(ctx context.Context, startAt, maxResults int) ([]jira.User, error)
	ProjectLabels(ctx context.Context, projectKey string, startAt, maxResults int) (*jira.LabelPage, error)
	SearchIssues(ctx context.Context, jql string, startAt, maxResults int) (*jira.SearchResult, error)
	IssueComments(ctx context.Context, issueKey string, startAt, maxResults int) (*jira.CommentPage, error)
	Boards(ctx context.Context, projectKey string, startAt, maxResults int) (*jira.Page[jira.Board], error)
	BoardSprints(ctx context.Context, boardID, startAt, maxResults int) (*jira.Page[jira.Sprint], error)
	SprintIssues(ctx context.Context, sprintID, startAt, maxResults int) (*jira.SearchResult, error)
	ProjectIssueTypes(ctx context.Context, projectKey string, startAt, maxResults int) (*jira.Page[jira.IssueType], error)
	IssueTypeFields(ctx context.Context, projectKey, issueTypeID string, startAt, maxResults int) (*jira.Page[jira.Field], error)
}

// Target is the internal tracker side of an import.
type Target interface {
	ListMembers(ctx context.Context) ([]types.User, error)
	CreateUser(ctx context.Context, user *types.User) (*types.User, error)
	ListLabels(ctx context.Context, projectID string) ([]types.Label, error)
	CreateLabel(ctx context.Context, projectID string, label *types.Label) (*types.Label, error)
	ListStates(ctx context.Context, projectID string) ([]types.State, error)
	GetIssueWithExternalID(ctx context.Context, projectID, externalID string, source types.IntegrationKey) (*types.Issue, error)
	CreateIssue(ctx context.Context, projectID string, issue *types.Issue) (*types.Issue, error)
	ListLinks(ctx context.Context, projectID, issueID string) ([]types.IssueLink, error)
	CreateLink(ctx context.Context, projectID, issueID string, link types.IssueLink) (*types.IssueLink, error)
	GetCommentWithExternalID(ctx context.Context, projectID, issueID, externalID string, source types.IntegrationKey) (*types.Comment, error)
	CreateComment(ctx context.Context, projectID, issueID string, comment *types.Comment) (*types.Comment, error)

	ListCycles(ctx context.Context, projectID string) ([]types.Cycle, error)
	CreateCycle(ctx context.Context, projectID string, cycle *types.Cycle) (*types.Cycle, error)
	AddCycleIssues(ctx context.Context, projectID, cycleID string, issueIDs []string) error

	ListIssueTypes(ctx context.Context, projectID string) ([]types.IssueType, error)
	CreateIssueType(ctx context.Context, projectID string, it *types.IssueType) (*types.IssueType, error)
	ListIssueProperties(ctx context.Context, projectID, typeID string) ([]types.IssueProperty, error)
	CreateIssueProperty(ctx context.Context, projectID, typeID string, p *types.IssueProperty) (*types.IssueProperty, error)
	ListPropertyOptions(ctx context.Context, projectID, propertyID string) ([]types.PropertyOption, error)
	CreatePropertyOption(ctx context.Context, projectID, propertyID string, o *types.PropertyOption) (*types.PropertyOption, error)
}

// Options configures the import steps.
type Options struct {
	// BaseURL of the Jira instance, used for cross-links.
	BaseURL string
	Logger  *slog.Logger
}

// Steps returns the Jira Server import steps wired to src and dst.
func Steps(src Source, dst Target, opts Options) []step.Step {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := base{src: src, dst: dst, opts: opts}
	return []step.Step{
		&UsersStep{base: b},
		&LabelsStep{base: b},
		&BoardsStep{base: b},
		&CyclesStep{base: b},
		&IssueTypesStep{base: b},
		&IssuePropertiesStep{base: b},
		&PropertyOptionsStep{base: b},
		&IssuesStep{base: b},
		&CommentsStep{base: b},
		&CycleIssuesStep{base: b},
	}
}

type base struct {
	src  Source
	dst  Target
	opts Options
}

// cursor returns where the previous page left off.
func cursor(prev *types.ExecutionContext) (startAt, totalProcessed int) {
	if prev == nil {
		return 0, 0
	}
	return prev.PageCtx.StartAt, prev.PageCtx.TotalProcessed
}

func (b base) baseContext(job *types.ImportJob) transform.JiraContext {
	return transform.JiraContext{
		ProjectID:  job.ProjectID,
		ResourceID: job.Config.ProjectKey,
		BaseURL:    b.opts.BaseURL,
	}
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func projectKey(job *types.ImportJob) (string, error) {
	if job.Config.ProjectKey == "" {
		return "", fmt.Errorf("job %s: jira project key is not configured", job.ID)
	}
	return job.Config.ProjectKey, nil
}

func issueJQL(job *types.ImportJob) (string, error) {
	if job.Config.JQL != "" {
		return job.Config.JQL, nil
	}
	key, err := projectKey(job)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("project = %q ORDER BY created ASC", key), nil
}
