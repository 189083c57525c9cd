package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/connection"
	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/workitems"
)

// HandleGitLabIssue mirrors a GitLab issue write to the internal tracker.
// Only an invalid event is returned.
func (s *Syncer) HandleGitLabIssue(ctx context.Context, ev GitLabIssueEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	attrs := ev.Hook.ObjectAttributes
	log := s.logger.With("handler", "gitlab_issue", "gitlab_project", ev.Hook.Project.ID, "iid", attrs.IID, "action", attrs.Action)
	s.run(ctx, "gitlab_issue", attrs.UpdatedAt.Time, log, func(ctx context.Context) error {
		return s.syncGitLabIssue(ctx, ev)
	})
	return nil
}

func (s *Syncer) syncGitLabIssue(ctx context.Context, ev GitLabIssueEvent) error {
	attrs := ev.Hook.ObjectAttributes
	if attrs.Type != "" && !gitlab.SupportedWorkItemTypes[attrs.Type] {
		return skipf("unsupported work item type %q", attrs.Type)
	}

	key := types.GitLabKey(ev.IsEnterprise)
	glProject := strconv.Itoa(ev.Hook.Project.ID)
	loopKey, err := cache.ExternalIssueKey(key, glProject, strconv.Itoa(attrs.ID))
	if err != nil {
		return err
	}
	if err := s.consume(ctx, loopKey); err != nil {
		return err
	}

	d, err := s.resolvedForInbound(ctx, glProject, ev.IsEnterprise)
	if err != nil {
		return err
	}
	ext, in, err := s.clients(d)
	if err != nil {
		return err
	}

	gl, err := ext.GetIssue(ctx, attrs.IID)
	if err != nil {
		return fmt.Errorf("get gitlab issue %d: %w", attrs.IID, err)
	}
	if !gitlab.HasLabel(gl.Labels, s.cfg.ExternalLabel) {
		return skipf("gitlab issue has no %q label", s.cfg.ExternalLabel)
	}

	projectID := d.EntityConnection.ProjectID
	extID := gitlab.ExternalIssueID(gl.ProjectID, gl.IID)
	existing, err := in.GetIssueWithExternalID(ctx, projectID, extID, d.Key())
	if err != nil {
		return fmt.Errorf("look up issue %s: %w", extID, err)
	}

	states, err := in.ListStates(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	issue := transform.ToInternalIssue(gl, s.transformConfig(d, states, nil, nil))
	if issue.Labels, err = s.resolveLabels(ctx, d, in, issue.Labels); err != nil {
		return err
	}

	if existing != nil {
		switch attrs.Action {
		case gitlab.ActionOpen, gitlab.ActionClose, gitlab.ActionReopen:
		default:
			// Only state transitions move the internal state.
			issue.State = ""
		}
		patch := workitems.IssuePatch{
			Name:            &issue.Name,
			DescriptionHTML: &issue.DescriptionHTML,
			Labels:          &issue.Labels,
		}
		if issue.State != "" {
			patch.State = &issue.State
		}
		if issue.Priority != "" {
			patch.Priority = &issue.Priority
		}
		if _, err := in.UpdateIssue(ctx, projectID, existing.ID, patch); err != nil {
			return fmt.Errorf("update issue %s: %w", existing.ID, err)
		}
		next, err := cache.InternalIssueKey(key, existing.ID)
		return s.arm(ctx, next, err)
	}

	created, err := in.CreateIssue(ctx, projectID, issue)
	if err != nil {
		return fmt.Errorf("create issue for %s: %w", extID, err)
	}
	if err := s.linkNewInternalIssue(ctx, d, ext, in, created, gl); err != nil {
		return err
	}
	next, err := cache.InternalIssueKey(key, created.ID)
	return s.arm(ctx, next, err)
}

// linkNewInternalIssue ties a just-created internal issue to its GitLab
// origin: cross-link, link comment on GitLab, anchor comment and issue link.
func (s *Syncer) linkNewInternalIssue(ctx context.Context, d *connection.Details, ext ExternalTracker, in InternalTracker, issue *types.Issue, gl *gitlab.Issue) error {
	projectID := d.EntityConnection.ProjectID
	g, gctx := errgroup.WithContext(ctx)
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

// resolveLabels maps GitLab label names to internal label ids, creating
// missing labels. The internal sync label is always added.
func (s *Syncer) resolveLabels(ctx context.Context, d *connection.Details, in InternalTracker, names []string) ([]string, error) {
	projectID := d.EntityConnection.ProjectID
	labels, err := in.ListLabels(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	byName := make(map[string]string, len(labels))
	for _, l := range labels {
		byName[strings.ToLower(l.Name)] = l.ID
	}

	ids := make([]string, 0, len(names)+1)
	seen := make(map[string]bool)
	for _, name := range append([]string{s.cfg.InternalLabel}, names...) {
		lower := strings.ToLower(name)
		id, ok := byName[lower]
		if !ok {
			label := &types.Label{Name: lower, Color: transform.ExternalLabelColor}
			if lower != strings.ToLower(s.cfg.InternalLabel) {
				label.ExternalID, label.ExternalSource = name, string(d.Key())
			}
			created, err := in.CreateLabel(ctx, projectID, label)
			if err != nil {
				return nil, fmt.Errorf("create label %q: %w", lower, err)
			}
			id = created.ID
			byName[lower] = id
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// HandleGitLabNote mirrors a GitLab issue note to a reply under the anchor
// comment of the linked internal issue. Only an invalid event is returned.
func (s *Syncer) HandleGitLabNote(ctx context.Context, ev GitLabNoteEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	attrs := ev.Hook.ObjectAttributes
	log := s.logger.With("handler", "gitlab_note", "gitlab_project", ev.Hook.Project.ID, "note", attrs.ID)
	s.run(ctx, "gitlab_note", attrs.UpdatedAt.Time, log, func(ctx context.Context) error {
		return s.syncGitLabNote(ctx, ev)
	})
	return nil
}

func (s *Syncer) syncGitLabNote(ctx context.Context, ev GitLabNoteEvent) error {
	attrs := ev.Hook.ObjectAttributes
	if attrs.NoteableType != "Issue" {
		return skipf("note on %q is not synced", attrs.NoteableType)
	}

	key := types.GitLabKey(ev.IsEnterprise)
	glProject := strconv.Itoa(ev.Hook.Project.ID)
	extIssueID := gitlab.ExternalIssueID(ev.Hook.Project.ID, ev.Hook.Issue.IID)
	loopKey, err := cache.ExternalCommentKey(key, glProject, extIssueID, strconv.Itoa(attrs.ID))
	if err != nil {
		return err
	}
	if err := s.consume(ctx, loopKey); err != nil {
		return err
	}

	switch {
	case attrs.System:
		return skipf("system note")
	case transform.IsLinkComment(attrs.Note):
		return skipf("link comment")
	case !gitlab.HasLabel(hookLabels(ev.Hook.Issue.Labels), s.cfg.ExternalLabel):
		return skipf("gitlab issue has no %q label", s.cfg.ExternalLabel)
	}

	d, err := s.resolvedForInbound(ctx, glProject, ev.IsEnterprise)
	if err != nil {
		return err
	}
	_, in, err := s.clients(d)
	if err != nil {
		return err
	}

	projectID := d.EntityConnection.ProjectID
	issue, err := in.GetIssueWithExternalID(ctx, projectID, extIssueID, d.Key())
	if err != nil {
		return fmt.Errorf("look up issue %s: %w", extIssueID, err)
	}
	if issue == nil {
		return skipf("gitlab issue %s is not synced", extIssueID)
	}
	link, err := s.resolver.IssueLink(ctx, d, extIssueID, issue.ID)
	if err != nil {
		return err
	}
	if link == nil || link.Config.CommentID == "" {
		return skipf("issue link has no anchor comment")
	}

	noteID := strconv.Itoa(attrs.ID)
	existing, err := in.GetCommentWithExternalID(ctx, projectID, issue.ID, noteID, d.Key())
	if err != nil {
		return fmt.Errorf("look up comment %s: %w", noteID, err)
	}

	note := &gitlab.Note{ID: attrs.ID, Body: attrs.Note, Author: ev.Hook.User, NoteableType: attrs.NoteableType}
	if !attrs.CreatedAt.IsZero() {
		note.CreatedAt = &attrs.CreatedAt.Time
	}
	comment := transform.ToInternalComment(note, issue.ID, link.Config.CommentID, existing != nil, s.transformConfig(d, nil, nil, nil))

	var commentID string
	if existing != nil {
		if _, err := in.UpdateComment(ctx, projectID, issue.ID, existing.ID, workitems.CommentPatch{CommentHTML: &comment.CommentHTML}); err != nil {
			return fmt.Errorf("update comment %s: %w", existing.ID, err)
		}
		commentID = existing.ID
	} else {
		created, err := in.CreateComment(ctx, projectID, issue.ID, comment)
		if err != nil {
			return fmt.Errorf("create comment for note %s: %w", noteID, err)
		}
		commentID = created.ID
	}

	next, err := cache.InternalCommentKey(key, commentID)
	return s.arm(ctx, next, err)
}

// resolvedForInbound resolves the connection of a GitLab project.
func (s *Syncer) resolvedForInbound(ctx context.Context, glProject string, isEnterprise bool) (*connection.Details, error) {
	d, err := s.resolver.ResolveExternal(ctx, glProject, isEnterprise)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, skipf("gitlab project %s has no connection", glProject)
	}
	return d, nil
}
