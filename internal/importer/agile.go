package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/transform"
	"github.com/steveyegge/trackbridge/internal/types"
)

// BoardsStep collects the ids of the project's scrum boards. It creates
// nothing; the ids are stored as job data for CyclesStep.
type BoardsStep struct{ base }

func (s *BoardsStep) Name() string           { return StepBoards }
func (s *BoardsStep) Dependencies() []string { return nil }

func (s *BoardsStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	key, err := projectKey(in.Job)
	if err != nil {
		return nil, err
	}
	startAt, total := cursor(in.Previous)

	page, err := s.src.Boards(ctx, key, startAt, BoardPageSize)
	if err != nil {
		return nil, fmt.Errorf("pull boards at %d: %w", startAt, err)
	}

	var boards []int
	if _, err := in.Storage.RetrieveData(ctx, in.Job.ID, StepBoards, &boards); err != nil {
		return nil, fmt.Errorf("load boards: %w", err)
	}
	for _, b := range page.Values {
		if !slices.Contains(boards, b.ID) {
			boards = append(boards, b.ID)
		}
	}
	if err := in.Storage.StoreData(ctx, in.Job.ID, StepBoards, boards); err != nil {
		return nil, fmt.Errorf("store boards: %w", err)
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        page.HasMore(),
		StartAt:        startAt,
		PageSize:       BoardPageSize,
		Pulled:         len(page.Values),
		TotalProcessed: total + len(page.Values),
	}), nil
}

// CyclesStep imports the sprints of every board as cycles. Its cursor is a
// page token "<board index>:<sprint offset>". A sprint shown on several
// boards is created once.
type CyclesStep struct{ base }

func (s *CyclesStep) Name() string           { return StepCycles }
func (s *CyclesStep) Dependencies() []string { return []string{StepBoards} }

func (s *CyclesStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	var boards []int
	if raw, ok := in.DependencyData[StepBoards]; ok {
		if err := json.Unmarshal(raw, &boards); err != nil {
			return nil, fmt.Errorf("decode boards: %w", err)
		}
	}
	board, startAt, total, err := sprintCursor(in.Previous)
	if err != nil {
		return nil, err
	}
	if board >= len(boards) {
		return types.EmptyDoneContext(), nil
	}

	page, err := s.src.BoardSprints(ctx, boards[board], startAt, SprintPageSize)
	if err != nil {
		return nil, fmt.Errorf("pull sprints of board %d at %d: %w", boards[board], startAt, err)
	}
	cycles, err := s.dst.ListCycles(ctx, in.Job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	existing := make(map[string]string, len(cycles))
	for _, c := range cycles {
		if c.ExternalSource == string(types.IntegrationJiraServer) {
			existing[c.ExternalID] = c.ID
		}
	}

	jc := s.baseContext(in.Job)
	var pairs []types.MappingPair
	pushed := 0
	for i := range page.Values {
		sp := &page.Values[i]
		c := transform.JiraSprint(sp, jc)
		id, ok := existing[c.ExternalID]
		if !ok {
			created, err := s.dst.CreateCycle(ctx, in.Job.ProjectID, c)
			if err != nil {
				return nil, fmt.Errorf("create cycle for sprint %d: %w", sp.ID, err)
			}
			id = created.ID
			existing[c.ExternalID] = id
			pushed++
		}
		pairs = append(pairs, types.MappingPair{ExternalID: strconv.Itoa(sp.ID), InternalID: id})
	}
	if err := in.Storage.StoreMapping(ctx, in.Job.ID, StepCycles, pairs); err != nil {
		return nil, err
	}

	next := ""
	switch {
	case page.HasMore():
		next = sprintToken(board, startAt+len(page.Values))
	case board+1 < len(boards):
		next = sprintToken(board+1, 0)
	}
	return types.NewTokenContext(next, len(page.Values), pushed, total+len(page.Values)), nil
}

func sprintToken(board, offset int) string {
	return strconv.Itoa(board) + ":" + strconv.Itoa(offset)
}

func sprintCursor(prev *types.ExecutionContext) (board, offset, total int, err error) {
	if prev == nil {
		return 0, 0, 0, nil
	}
	total = prev.PageCtx.TotalProcessed
	if prev.PageCtx.PageToken == "" {
		return 0, 0, total, nil
	}
	b, o, ok := strings.Cut(prev.PageCtx.PageToken, ":")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed sprint cursor %q", prev.PageCtx.PageToken)
	}
	if board, err = strconv.Atoi(b); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed sprint cursor %q: %w", prev.PageCtx.PageToken, err)
	}
	if offset, err = strconv.Atoi(o); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed sprint cursor %q: %w", prev.PageCtx.PageToken, err)
	}
	return board, offset, total, nil
}

// CycleIssuesStep adds imported issues to the cycles of their sprints, one
// sprint per page. Sprint issues outside the imported set are skipped.
type CycleIssuesStep struct{ base }

func (s *CycleIssuesStep) Name() string           { return StepCycleIssues }
func (s *CycleIssuesStep) Dependencies() []string { return []string{StepCycles, StepIssues} }

func (s *CycleIssuesStep) Execute(ctx context.Context, in step.Input) (*types.ExecutionContext, error) {
	startAt, total := cursor(in.Previous)

	cycles, err := in.Storage.RetrieveMapping(ctx, in.Job.ID, StepCycles)
	if err != nil {
		return nil, fmt.Errorf("load cycle mapping: %w", err)
	}
	sprints := sortedKeys(cycles)
	if startAt >= len(sprints) {
		return types.EmptyDoneContext(), nil
	}
	sprint := sprints[startAt]
	sprintID, err := strconv.Atoi(sprint)
	if err != nil {
		return nil, fmt.Errorf("sprint id %q: %w", sprint, err)
	}

	issues, err := in.Storage.RetrieveMapping(ctx, in.Job.ID, StepIssues)
	if err != nil {
		return nil, fmt.Errorf("load issue mapping: %w", err)
	}

	var ids []string
	pulled := 0
	for start := 0; ; {
		res, err := s.src.SprintIssues(ctx, sprintID, start, sprintIssuePage)
		if err != nil {
			return nil, fmt.Errorf("pull issues of sprint %d: %w", sprintID, err)
		}
		for _, ji := range res.Issues {
			if id, ok := issues[ji.Key]; ok {
				ids = append(ids, id)
			}
		}
		pulled += len(res.Issues)
		start += len(res.Issues)
		if len(res.Issues) == 0 || start >= res.Total {
			break
		}
	}
	if len(ids) > 0 {
		if err := s.dst.AddCycleIssues(ctx, in.Job.ProjectID, cycles[sprint], ids); err != nil {
			return nil, fmt.Errorf("fill cycle of sprint %d: %w", sprintID, err)
		}
	}

	return types.NewPaginationContext(types.PageParams{
		HasMore:        startAt+1 < len(sprints),
		StartAt:        startAt,
		PageSize:       1,
		Pulled:         pulled,
		Pushed:         len(ids),
		TotalProcessed: total + len(ids),
	}), nil
}
