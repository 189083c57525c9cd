package syncer

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/connection"
	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/workitems"
)

// HandleInternalIssue mirrors an internal issue write to GitLab. Only an
// invalid event is returned; sync failures are logged.
func (s *Syncer) HandleInternalIssue(ctx context.Context, ev InternalIssueEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	log := s.logger.With("handler", "internal_issue", "workspace", ev.Workspace, "project", ev.Project, "issue", ev.ID)
	s.run(ctx, "internal_issue", ev.CreatedAt, log, func(ctx context.Context) error {
		return s.syncInternalIssue(ctx, ev)
	})
	return nil
}

func (s *Syncer) syncInternalIssue(ctx context.Context, ev InternalIssueEvent) error {
	key := types.GitLabKey(ev.IsEnterprise)
	loopKey, err := cache.InternalIssueKey(key, ev.ID)
	if err != nil {
		return err
	}
	if err := s.consume(ctx, loopKey); err != nil {
		return err
	}

	d, err := s.resolvedForOutbound(ctx, ev.InternalEvent)
	if err != nil {
		return err
	}
	ext, in, err := s.clients(d)
	if err != nil {
		return err
	}

	issue, err := in.GetIssue(ctx, ev.Project, ev.ID)
	if err != nil {
		return fmt.Errorf("get issue: %w", err)
	}
	labels, err := in.ListLabels(ctx, ev.Project)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	if !hasLabelID(issue, labels, s.cfg.InternalLabel) {
		return skipf("issue has no %q label", s.cfg.InternalLabel)
	}
	states, err := in.ListStates(ctx, ev.Project)
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	users, err := in.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	cfg := s.transformConfig(d, states, labels, users)
	req := transform.ToExternalShape(issue, cfg)

	linked := issue.LinkedTo(d.Key())
	var gl *gitlab.Issue
	if linked {
		_, iid, err := gitlab.ParseExternalIssueID(issue.ExternalID)
		if err != nil {
			return fmt.Errorf("linked issue: %w", err)
		}
		if gl, err = ext.UpdateIssue(ctx, iid, req); err != nil {
			return fmt.Errorf("update gitlab issue %d: %w", iid, err)
		}
	} else {
		if gl, err = ext.CreateIssue(ctx, req); err != nil {
			return fmt.Errorf("create gitlab issue: %w", err)
		}
		if err := s.linkNewExternalIssue(ctx, d, ext, in, issue, gl); err != nil {
			return err
		}
	}

	next, err := cache.ExternalIssueKey(key, strconv.Itoa(gl.ProjectID), strconv.Itoa(gl.ID))
	return s.arm(ctx, next, err)
}

// linkNewExternalIssue ties a just-created GitLab issue to its internal
// origin. All writes run concurrently and must all finish before the caller
// arms the suppression key.
func (s *Syncer) linkNewExternalIssue(ctx context.Context, d *connection.Details, ext ExternalTracker, in InternalTracker, issue *types.Issue, gl *gitlab.Issue) error {
	projectID := d.EntityConnection.ProjectID
	extID := gitlab.ExternalIssueID(gl.ProjectID, gl.IID)
	source := string(d.Key())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := in.UpdateIssue(gctx, projectID, issue.ID, workitems.IssuePatch{ExternalID: &extID, ExternalSource: &source})
		if err != nil {
			return fmt.Errorf("write back external id: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := in.CreateLink(gctx, projectID, issue.ID, transform.CrossLink(gl, d.EntityConnection.EntitySlug)); err != nil {
			return fmt.Errorf("create cross-link: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.postLinkComment(gctx, ext, in, projectID, issue, gl.IID)
	})
	g.Go(func() error {
		return s.anchor(gctx, d, in, issue.ID, gl)
	})
	return g.Wait()
}

// postLinkComment posts the note on GitLab that points back at the internal
// issue.
func (s *Syncer) postLinkComment(ctx context.Context, ext ExternalTracker, in InternalTracker, projectID string, issue *types.Issue, iid int) error {
	project, err := in.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	body := transform.LinkComment(project, issue, in.IssueURL(projectID, issue.ID), s.cfg.AppBaseURL)
	if _, err := ext.CreateIssueComment(ctx, iid, body); err != nil {
		return fmt.Errorf("create link comment: %w", err)
	}
	return nil
}

// anchor creates the internal anchor comment and records it on the issue
// link.
func (s *Syncer) anchor(ctx context.Context, d *connection.Details, in InternalTracker, issueID string, gl *gitlab.Issue) error {
	projectID := d.EntityConnection.ProjectID
	c, err := in.CreateComment(ctx, projectID, issueID, &types.Comment{
		IssueID:     issueID,
		CommentHTML: transform.AnchorComment(gl, d.EntityConnection.EntitySlug),
	})
	if err != nil {
		return fmt.Errorf("create anchor comment: %w", err)
	}
	if _, err := s.resolver.SaveIssueLink(ctx, d, gitlab.ExternalIssueID(gl.ProjectID, gl.IID), issueID, c.ID); err != nil {
		return err
	}
	return nil
}

// HandleInternalComment mirrors a reply to the anchor comment of a linked
// issue to GitLab. Only an invalid event is returned.
func (s *Syncer) HandleInternalComment(ctx context.Context, ev InternalCommentEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	log := s.logger.With("handler", "internal_comment", "workspace", ev.Workspace, "project", ev.Project, "issue", ev.Issue, "comment", ev.ID)
	s.run(ctx, "internal_comment", ev.CreatedAt, log, func(ctx context.Context) error {
		return s.syncInternalComment(ctx, ev)
	})
	return nil
}

func (s *Syncer) syncInternalComment(ctx context.Context, ev InternalCommentEvent) error {
	key := types.GitLabKey(ev.IsEnterprise)
	loopKey, err := cache.InternalCommentKey(key, ev.ID)
	if err != nil {
		return err
	}
	if err := s.consume(ctx, loopKey); err != nil {
		return err
	}

	d, err := s.resolvedForOutbound(ctx, ev.InternalEvent)
	if err != nil {
		return err
	}
	ext, in, err := s.clients(d)
	if err != nil {
		return err
	}

	issue, err := in.GetIssue(ctx, ev.Project, ev.Issue)
	if err != nil {
		return fmt.Errorf("get issue: %w", err)
	}
	if !issue.LinkedTo(d.Key()) {
		return skipf("issue is not linked to %s", d.Key())
	}
	labels, err := in.ListLabels(ctx, ev.Project)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	if !hasLabelID(issue, labels, s.cfg.InternalLabel) {
		return skipf("issue has no %q label", s.cfg.InternalLabel)
	}

	link, err := s.resolver.IssueLink(ctx, d, issue.ExternalID, issue.ID)
	if err != nil {
		return err
	}
	if link == nil || link.Config.CommentID == "" {
		return skipf("issue link has no anchor comment")
	}

	comment, err := in.GetComment(ctx, ev.Project, issue.ID, ev.ID)
	if err != nil {
		return fmt.Errorf("get comment: %w", err)
	}
	if comment.Parent != link.Config.CommentID {
		return skipf("comment is not a reply to the anchor comment")
	}

	users, err := in.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	body := transform.ToExternalComment(comment, s.transformConfig(d, nil, nil, users))

	_, iid, err := gitlab.ParseExternalIssueID(issue.ExternalID)
	if err != nil {
		return fmt.Errorf("linked issue: %w", err)
	}
	linked := comment.LinkedTo(d.Key())
	var note *gitlab.Note
	if linked {
		noteID, err := strconv.Atoi(comment.ExternalID)
		if err != nil {
			return fmt.Errorf("linked comment external id %q: %w", comment.ExternalID, err)
		}
		if note, err = ext.UpdateIssueComment(ctx, iid, noteID, body); err != nil {
			return fmt.Errorf("update gitlab note %d: %w", noteID, err)
		}
	} else {
		if note, err = ext.CreateIssueComment(ctx, iid, body); err != nil {
			return fmt.Errorf("create gitlab note: %w", err)
		}
		noteID, source := strconv.Itoa(note.ID), string(d.Key())
		if _, err := in.UpdateComment(ctx, ev.Project, issue.ID, comment.ID, workitems.CommentPatch{ExternalID: &noteID, ExternalSource: &source}); err != nil {
			return fmt.Errorf("write back note id: %w", err)
		}
	}

	next, err := cache.ExternalCommentKey(key, d.EntityConnection.EntityID, issue.ExternalID, strconv.Itoa(note.ID))
	return s.arm(ctx, next, err)
}

// resolvedForOutbound resolves the connection of an internal event and
// requires bidirectional sync to be on.
func (s *Syncer) resolvedForOutbound(ctx context.Context, ev InternalEvent) (*connection.Details, error) {
	d, err := s.resolver.Resolve(ctx, ev.Workspace, ev.Project, ev.IsEnterprise)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, skipf("project has no gitlab connection")
	}
	if !d.SyncEnabled() {
		return nil, skipf("bidirectional sync is disabled for the project")
	}
	return d, nil
}
