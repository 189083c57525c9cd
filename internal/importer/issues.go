package importer

import (
	"context"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
)

// IssuesStep imports the issues matched by the job's JQL, oldest first.
// Every imported issue carries a cross-link back to Jira; a replay adds the
// link to issues that were created without one.
type IssuesStep struct{ base }

func (s *IssuesStep) Name() string { return StepIssues }
func (s *IssuesStep) Dependencies() []string {
	return []string{StepUsers, StepLabels, StepCycles, StepIssueTypes}
}

func (s *IssuesStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	jql, err := issueJQL(in.Job)
	if err != nil {
		return nil, err
	}
	startAt, total := cursor(in.Previous)

	res, err := s.src.SearchIssues(ctx, jql, startAt, IssuePageSize)
	if err != nil {
		return nil, fmt.Errorf("pull issues at %d: %w", startAt, err)
	}
	jc, err := s.resolveContext(ctx, in)
	if err != nil {
		return nil, err
	}

	var pairs []types.MappingPair
	pushed := 0
	for i := range res.Issues {
		ji := &res.Issues[i]
		issue := transform.JiraIssue(ji, jc)

		existing, err := s.dst.GetIssueWithExternalID(ctx, jc.ProjectID, issue.ExternalID, types.IntegrationJiraServer)
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", ji.Key, err)
		}
		created := existing == nil
		if created {
			existing, err = s.dst.CreateIssue(ctx, jc.ProjectID, issue)
			if err != nil {
				return nil, fmt.Errorf("create issue for %s: %w", ji.Key, err)
			}
			pushed++
		}
		if jc.BaseURL != "" {
			if err := s.ensureLink(ctx, jc.ProjectID, existing.ID, transform.JiraLink(ji, jc), created); err != nil {
				return nil, fmt.Errorf("link issue for %s: %w", ji.Key, err)
			}
		}
		pairs = append(pairs, types.MappingPair{ExternalID: ji.Key, InternalID: existing.ID})
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepIssues, pairs); err != nil {
		return nil, err
	}

	s.opts.Logger.Debug("imported issue page",
		"job", in.Job.ID, "start_at", startAt, "pulled", len(res.Issues), "pushed", pushed, "total", res.Total)

	return types.NewPaginationContext(types.PageParams{
		HasMore:        startAt+len(res.Issues) < res.Total && len(res.Issues) > 0,
		StartAt:        startAt,
		PageSize:       IssuePageSize,
		Pulled:         len(res.Issues),
		Pushed:         pushed,
		TotalProcessed: total + len(res.Issues),
	}), nil
}

// ensureLink attaches link to the issue unless a link with the same URL is
// already there. Fresh issues have no links, so the lookup is skipped.
func (s *IssuesStep) ensureLink(ctx context.Context, projectID, issueID string, link types.IssueLink, fresh bool) error {
	if !fresh {
		links, err := s.dst.ListLinks(ctx, projectID, issueID)
		if err != nil {
			return err
		}
		for _, l := range links {
			if l.URL == link.URL {
				return nil
			}
		}
	}
	_, err := s.dst.CreateLink(ctx, projectID, issueID, link)
	return err
}

func (s *IssuesStep) resolveContext(ctx context.Context, in step.Input) (transform.JiraContext, error) {
	jc := s.baseContext(in.Job)
	states, err := s.dst.ListStates(ctx, in.Job.ProjectID)
	if err != nil {
		return jc, fmt.Errorf("list states: %w", err)
	}
	jc.States = states
	if jc.Users, err = in.Storage.RetrieveMapping(ctx, in.Job.ID, StepUsers); err != nil {
		return jc, fmt.Errorf("load user mapping: %w", err)
	}
	if jc.Labels, err = in.Storage.RetrieveMapping(ctx, in.Job.ID, StepLabels); err != nil {
		return jc, fmt.Errorf("load label mapping: %w", err)
	}
	if jc.IssueTypes, err = in.Storage.RetrieveMapping(ctx, in.Job.ID, StepIssueTypes); err != nil {
		return jc, fmt.Errorf("load issue type mapping: %w", err)
	}
	return jc, nil
}

// CommentsStep imports the comments of every imported issue. Its cursor walks
// the imported issues in batches, ordered by Jira key; all comment pages of
// an issue are fetched within one batch. TotalProcessed counts comments.
type CommentsStep struct{ base }

func (s *CommentsStep) Name() string           { return StepComments }
func (s *CommentsStep) Dependencies() []string { return []string{StepIssues} }

func (s *CommentsStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	startAt, total := cursor(in.Previous)

	issues, err := in.Storage.RetrieveMapping(ctx, in.Job.ID, StepIssues)
	if err != nil {
		return nil, fmt.Errorf("load issue mapping: %w", err)
	}
	keys := sortedKeys(issues)
	if startAt >= len(keys) {
		return types.EmptyDoneContext(), nil
	}
	batch := keys[startAt:min(startAt+CommentBatch, len(keys))]

	jc := s.baseContext(in.Job)
	if jc.Users, err = in.Storage.RetrieveMapping(ctx, in.Job.ID, StepUsers); err != nil {
		return nil, fmt.Errorf("load user mapping: %w", err)
	}

	pulled, pushed := 0, 0
	for _, key := range batch {
		pairs, p, err := s.importComments(ctx, key, issues[key], jc)
		if err != nil {
			return nil, err
		}
		if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepComments, pairs); err != nil {
			return nil, err
		}
		pulled += len(pairs)
		pushed += p
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        startAt+CommentBatch < len(keys),
		StartAt:        startAt,
		PageSize:       CommentBatch,
		Pulled:         pulled,
		Pushed:         pushed,
		TotalProcessed: total + pulled,
	}), nil
}

// importComments copies every comment of one issue and returns a mapping
// pair per comment, created or found.
func (s *CommentsStep) importComments(ctx context.Context, key, issueID string, jc transform.JiraContext) ([]types.MappingPair, int, error) {
	var pairs []types.MappingPair
	pushed := 0
	for start := 0; ; {
		page, err := s.src.IssueComments(ctx, key, start, commentPageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("pull comments of %s: %w", key, err)
		}
		for i := range page.Comments {
			jcm := &page.Comments[i]
			c := transform.JiraComment(jcm, issueID, jc)
			existing, err := s.dst.GetCommentWithExternalID(ctx, jc.ProjectID, issueID, c.ExternalID, types.IntegrationJiraServer)
			if err != nil {
				return nil, 0, fmt.Errorf("look up comment %s on %s: %w", jcm.ID, key, err)
			}
			if existing == nil {
				if existing, err = s.dst.CreateComment(ctx, jc.ProjectID, issueID, c); err != nil {
					return nil, 0, fmt.Errorf("create comment %s on %s: %w", jcm.ID, key, err)
				}
				pushed++
			}
			pairs = append(pairs, types.MappingPair{ExternalID: jcm.ID, InternalID: existing.ID})
		}
		start += len(page.Comments)
		if len(page.Comments) == 0 || start >= page.Total {
			return pairs, pushed, nil
		}
	}
}
