package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
)

// UsersStep imports Jira users as workspace members. Users are matched by
// email, case-insensitively, and only missing ones are created.
type UsersStep struct{ base }

func (s *UsersStep) Name() string           { return StepUsers }
func (s *UsersStep) Dependencies() []string { return nil }

func (s *UsersStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	if in.Job.Config.SkipUserImport {
		return types.EmptyDoneContext(), nil
	}
	startAt, total := cursor(in.Previous)

	page, err := s.src.SearchUsers(ctx, startAt, UserPageSize)
	if err != nil {
		return nil, fmt.Errorf("pull users at %d: %w", startAt, err)
	}
	members, err := s.dst.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	existing := make(map[string]string, len(members))
	for _, m := range members {
		existing[strings.ToLower(m.Email)] = m.ID
	}

	var pairs []types.MappingPair
	pushed := 0
	for _, ju := range page {
		u := transform.JiraUser(ju)
		if u == nil {
			continue
		}
		email := strings.ToLower(u.Email)
		id, ok := existing[email]
		if !ok {
			created, err := s.dst.CreateUser(ctx, u)
			if err != nil {
				return nil, fmt.Errorf("create user %s: %w", u.Email, err)
			}
			id = created.ID
			existing[email] = id
			pushed++
		}
		pairs = append(pairs, types.MappingPair{ExternalID: email, InternalID: id})
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepUsers, pairs); err != nil {
		return nil, err
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        len(page) == UserPageSize,
		StartAt:        startAt,
		PageSize:       UserPageSize,
		Pulled:         len(page),
		Pushed:         pushed,
		TotalProcessed: total + len(page),
	}), nil
}

// LabelsStep imports the distinct labels of the Jira project. Labels are
// matched by lower-cased name.
type LabelsStep struct{ base }

func (s *LabelsStep) Name() string           { return StepLabels }
func (s *LabelsStep) Dependencies() []string { return nil }

func (s *LabelsStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	key, err := projectKey(in.Job)
	if err != nil {
		return nil, err
	}
	startAt, total := cursor(in.Previous)

	page, err := s.src.ProjectLabels(ctx, key, startAt, LabelPageSize)
	if err != nil {
		return nil, fmt.Errorf("pull labels at %d: %w", startAt, err)
	}
	labels, err := s.dst.ListLabels(ctx, in.Job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	existing := make(map[string]string, len(labels))
	for _, l := range labels {
		existing[strings.ToLower(l.Name)] = l.ID
	}

	names := page.Values
	if startAt == 0 {
		names = append([]string{transform.ImportedLabel}, names...)
	}

	var pairs []types.MappingPair
	pushed := 0
	for _, name := range names {
		lower := strings.ToLower(name)
		id, ok := existing[lower]
		if !ok {
			created, err := s.dst.CreateLabel(ctx, in.Job.ProjectID, transform.JiraLabel(name))
			if err != nil {
				return nil, fmt.Errorf("create label %q: %w", name, err)
			}
			id = created.ID
			existing[lower] = id
			pushed++
		}
		pairs = append(pairs, types.MappingPair{ExternalID: lower, InternalID: id})
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepLabels, pairs); err != nil {
		return nil, err
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        !page.IsLast,
		StartAt:        startAt,
		PageSize:       LabelPageSize,
		Pulled:         len(page.Values),
		Pushed:         pushed,
		TotalProcessed: total + len(page.Values),
	}), nil
}
