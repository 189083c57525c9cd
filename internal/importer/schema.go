package importer

import (
	"context"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
)

// IssueTypesStep imports the issue types of the Jira project. Types are
// matched by external id; a Jira epic type maps onto the project's existing
// epic type when there is one.
type IssueTypesStep struct{ base }

func (s *IssueTypesStep) Name() string           { return StepIssueTypes }
func (s *IssueTypesStep) Dependencies() []string { return nil }

func (s *IssueTypesStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	key, err := projectKey(in.Job)
	if err != nil {
		return nil, err
	}
	startAt, total := cursor(in.Previous)

	page, err := s.src.ProjectIssueTypes(ctx, key, startAt, IssueTypePageSize)
	if err != nil {
		return nil, fmt.Errorf("pull issue types at %d: %w", startAt, err)
	}
	current, err := s.dst.ListIssueTypes(ctx, in.Job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list issue types: %w", err)
	}
	existing := make(map[string]string, len(current))
	epicID := ""
	for _, it := range current {
		if it.ExternalID != "" {
			existing[it.ExternalID] = it.ID
		}
		if it.IsEpic && epicID == "" {
			epicID = it.ID
		}
	}

	jc := s.baseContext(in.Job)
	var pairs []types.MappingPair
	pushed := 0
	for i := range page.Values {
		ji := &page.Values[i]
		it := transform.JiraIssueType(ji, jc)
		id, ok := existing[it.ExternalID]
		if !ok && it.IsEpic && epicID != "" {
			id, ok = epicID, true
		}
		if !ok {
			created, err := s.dst.CreateIssueType(ctx, in.Job.ProjectID, it)
			if err != nil {
				return nil, fmt.Errorf("create issue type %q: %w", ji.Name, err)
			}
			id = created.ID
			existing[it.ExternalID] = id
			pushed++
		}
		pairs = append(pairs, types.MappingPair{ExternalID: ji.ID, InternalID: id})
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepIssueTypes, pairs); err != nil {
		return nil, err
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        page.HasMore(),
		StartAt:        startAt,
		PageSize:       IssueTypePageSize,
		Pulled:         len(page.Values),
		Pushed:         pushed,
		TotalProcessed: total + len(page.Values),
	}), nil
}

// IssuePropertiesStep turns the supported custom fields of each imported
// issue type into properties, one issue type per page. The select-like
// fields of a type are kept as job data for PropertyOptionsStep.
type IssuePropertiesStep struct{ base }

func (s *IssuePropertiesStep) Name() string           { return StepIssueProperties }
func (s *IssuePropertiesStep) Dependencies() []string { return []string{StepIssueTypes} }

func (s *IssuePropertiesStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	key, err := projectKey(in.Job)
	if err != nil {
		return nil, err
	}
	startAt, total := cursor(in.Previous)

	typeIDs, err := in.Storage.RetrieveMapping(ctx, in.Job.ID, StepIssueTypes)
	if err != nil {
		return nil, fmt.Errorf("load issue type mapping: %w", err)
	}
	jiraTypes := sortedKeys(typeIDs)
	if startAt >= len(jiraTypes) {
		return types.EmptyDoneContext(), nil
	}
	jiraType := jiraTypes[startAt]
	typeID := typeIDs[jiraType]

	fields, err := s.typeFields(ctx, key, jiraType)
	if err != nil {
		return nil, err
	}
	current, err := s.dst.ListIssueProperties(ctx, in.Job.ProjectID, typeID)
	if err != nil {
		return nil, fmt.Errorf("list properties of issue type %s: %w", typeID, err)
	}
	existing := make(map[string]string, len(current))
	for _, p := range current {
		existing[p.ExternalID] = p.ID
	}

	jc := s.baseContext(in.Job)
	var pairs []types.MappingPair
	var optionFields []jira.Field
	pushed := 0
	for i := range fields {
		f := &fields[i]
		p := transform.JiraField(f, jiraType, typeID, jc)
		if p == nil {
			continue
		}
		id, ok := existing[p.ExternalID]
		if !ok {
			created, err := s.dst.CreateIssueProperty(ctx, in.Job.ProjectID, typeID, p)
			if err != nil {
				return nil, fmt.Errorf("create property %q of issue type %s: %w", f.Name, jiraType, err)
			}
			id = created.ID
			pushed++
		}
		pairs = append(pairs, types.MappingPair{ExternalID: p.ExternalID, InternalID: id})
		if p.PropertyType == types.PropertyTypeOption && len(f.AllowedValues) > 0 {
			optionFields = append(optionFields, *f)
		}
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepIssueProperties, pairs); err != nil {
		return nil, err
	}
	if err := in.Storage.StoreData(ctx, in.Job.ID, optionFieldsKey(jiraType), optionFields); err != nil {
		return nil, fmt.Errorf("store option fields: %w", err)
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        startAt+1 < len(jiraTypes),
		StartAt:        startAt,
		PageSize:       1,
		Pulled:         len(fields),
		Pushed:         pushed,
		TotalProcessed: total + len(pairs),
	}), nil
}

func (s *IssuePropertiesStep) typeFields(ctx context.Context, projectKey, issueTypeID string) ([]jira.Field, error) {
	var out []jira.Field
	for start := 0; ; {
		page, err := s.src.IssueTypeFields(ctx, projectKey, issueTypeID, start, fieldPageSize)
		if err != nil {
			return nil, fmt.Errorf("pull fields of issue type %s: %w", issueTypeID, err)
		}
		out = append(out, page.Values...)
		if !page.HasMore() {
			return out, nil
		}
		start += len(page.Values)
	}
}

func optionFieldsKey(jiraType string) string {
	return StepIssueProperties + "/" + jiraType + "/option_fields"
}

// PropertyOptionsStep imports the allowed values of OPTION properties, one
// issue type per page, in the order IssuePropertiesStep used.
type PropertyOptionsStep struct{ base }

func (s *PropertyOptionsStep) Name() string           { return StepPropertyOptions }
func (s *PropertyOptionsStep) Dependencies() []string { return []string{StepIssueProperties} }

func (s *PropertyOptionsStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	startAt, total := cursor(in.Previous)

	typeIDs, err := in.Storage.RetrieveMapping(ctx, in.Job.ID, StepIssueTypes)
	if err != nil {
		return nil, fmt.Errorf("load issue type mapping: %w", err)
	}
	jiraTypes := sortedKeys(typeIDs)
	if startAt >= len(jiraTypes) {
		return types.EmptyDoneContext(), nil
	}
	jiraType := jiraTypes[startAt]

	var fields []jira.Field
	if _, err := in.Storage.RetrieveData(ctx, in.Job.ID, optionFieldsKey(jiraType), &fields); err != nil {
		return nil, fmt.Errorf("load option fields: %w", err)
	}
	props, err := in.Storage.RetrieveMapping(ctx, in.Job.ID, StepIssueProperties)
	if err != nil {
		return nil, fmt.Errorf("load property mapping: %w", err)
	}

	jc := s.baseContext(in.Job)
	var pairs []types.MappingPair
	pulled, pushed := 0, 0
	for i := range fields {
		f := &fields[i]
		propID, ok := props[transform.JiraFieldExternalID(jc, jiraType, f)]
		if !ok {
			continue
		}
		current, err := s.dst.ListPropertyOptions(ctx, in.Job.ProjectID, propID)
		if err != nil {
			return nil, fmt.Errorf("list options of property %s: %w", propID, err)
		}
		existing := make(map[string]string, len(current))
		for _, o := range current {
			existing[o.ExternalID] = o.ID
		}
		opts := transform.JiraFieldOptions(f, jiraType, propID, jc)
		for _, o := range opts {
			id, ok := existing[o.ExternalID]
			if !ok {
				created, err := s.dst.CreatePropertyOption(ctx, in.Job.ProjectID, propID, o)
				if err != nil {
					return nil, fmt.Errorf("create option %q of %s: %w", o.Name, f.Name, err)
				}
				id = created.ID
				pushed++
			}
			pairs = append(pairs, types.MappingPair{ExternalID: o.ExternalID, InternalID: id})
		}
		pulled += len(opts)
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepPropertyOptions, pairs); err != nil {
		return nil, err
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        startAt+1 < len(jiraTypes),
		StartAt:        startAt,
		PageSize:       1,
		Pulled:         pulled,
		Pushed:         pushed,
		TotalProcessed: total + pulled,
	}), nil
}
