package importer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/mapping"
	"github.com/steveyegge/trackbridge/internal/step"
	"github.com/steveyegge/trackbridge/internal/types"
)

func sprints(from, n int) []jira.Sprint {
	out := make([]jira.Sprint, n)
	for i := range out {
		out[i] = jira.Sprint{ID: from + i, Name: fmt.Sprint("Sprint ", from+i), StartDate: "2024-01-01T09:00:00.000+01:00"}
	}
	return out
}

func TestBoardsStep_StoresBoardIDs(t *testing.T) {
	src := &fakeJira{}
	for i := range 60 {
		src.boards = append(src.boards, jira.Board{ID: 100 + i, Type: "scrum"})
	}
	store := mapping.NewMemoryStore()
	s := testSteps(src, newFakeTarget())[StepBoards]
	in := step.Input{Job: testJob(), Storage: store}

	pages := drain(t, s, in)
	require.Len(t, pages, 2)
	assert.Zero(t, pages[0].Results.Pushed)
	assert.Equal(t, 60, pages[1].PageCtx.TotalProcessed)

	// Replaying the last page keeps ids unique.
	_, err := s.Execute(context.Background(), step.Input{Job: testJob(), Storage: store, Previous: pages[0]})
	require.NoError(t, err)

	var boards []int
	found, err := store.RetrieveData(context.Background(), "job-1", StepBoards, &boards)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, boards, 60)
	assert.Equal(t, 100, boards[0])
}

func TestCyclesStep_WalksBoardsAndDedups(t *testing.T) {
	src := &fakeJira{
		boards: []jira.Board{{ID: 1}, {ID: 2}},
		sprints: map[int][]jira.Sprint{
			1: sprints(1, 120),
			2: append(sprints(120, 1), sprints(500, 1)...), // sprint 120 is shared with board 1
		},
	}
	dst := newFakeTarget()
	store := mapping.NewMemoryStore()
	steps := testSteps(src, dst)
	in := step.Input{Job: testJob(), Storage: store}

	drain(t, steps[StepBoards], in)
	pages := drain(t, steps[StepCycles], withDependencies(t, steps[StepCycles], in))

	require.Len(t, pages, 3)
	assert.Equal(t, "0:100", pages[0].PageCtx.PageToken)
	assert.Equal(t, "1:0", pages[1].PageCtx.PageToken)
	assert.Empty(t, pages[2].PageCtx.PageToken)
	assert.Equal(t, 1, pages[2].Results.Pushed)
	assert.Equal(t, 122, pages[2].PageCtx.TotalProcessed)
	assert.Len(t, dst.cycles, 121)

	first := dst.cycles[0]
	assert.Equal(t, "p1_ENG_1", first.ExternalID)
	assert.Equal(t, "2024-01-01", first.StartDate)

	m, err := store.RetrieveMapping(context.Background(), "job-1", StepCycles)
	require.NoError(t, err)
	assert.Len(t, m, 121)
	assert.Equal(t, first.ID, m["1"])
}

func TestCyclesStep_NoBoards(t *testing.T) {
	out, err := testSteps(&fakeJira{}, newFakeTarget())[StepCycles].Execute(context.Background(),
		step.Input{Job: testJob(), Storage: mapping.NewMemoryStore()})
	require.NoError(t, err)
	assert.True(t, out.Done())
}

func TestCyclesStep_RejectsMalformedCursor(t *testing.T) {
	prev := types.NewTokenContext("garbage", 0, 0, 0)
	_, err := testSteps(&fakeJira{}, newFakeTarget())[StepCycles].Execute(context.Background(),
		step.Input{Job: testJob(), Storage: mapping.NewMemoryStore(), Previous: prev})
	assert.ErrorContains(t, err, "malformed sprint cursor")
}

func TestCycleIssuesStep_FillsCycles(t *testing.T) {
	src := &fakeJira{
		issues:  jiraIssues(3),
		boards:  []jira.Board{{ID: 1}},
		sprints: map[int][]jira.Sprint{1: sprints(7, 2)},
		sprintIssues: map[int][]string{
			7: {"ENG-001", "ENG-002", "OTHER-9"},
		},
	}
	for i := range 150 {
		src.sprintIssues[8] = append(src.sprintIssues[8], fmt.Sprintf("ENG-%03d", 3+i))
	}
	dst := newFakeTarget()
	store := mapping.NewMemoryStore()
	steps := testSteps(src, dst)
	in := step.Input{Job: testJob(), Storage: store}

	drain(t, steps[StepBoards], in)
	drain(t, steps[StepCycles], withDependencies(t, steps[StepCycles], in))
	drain(t, steps[StepIssues], in)
	pages := drain(t, steps[StepCycleIssues], in)

	require.Len(t, pages, 2)
	assert.Equal(t, 3, pages[0].Results.Pulled)
	assert.Equal(t, 2, pages[0].Results.Pushed)
	assert.Equal(t, 150, pages[1].Results.Pulled)
	assert.Equal(t, 1, pages[1].Results.Pushed)

	m, err := store.RetrieveMapping(context.Background(), "job-1", StepCycles)
	require.NoError(t, err)
	issues, err := store.RetrieveMapping(context.Background(), "job-1", StepIssues)
	require.NoError(t, err)
	assert.Equal(t, []string{issues["ENG-001"], issues["ENG-002"]}, dst.cycleIssues[m["7"]])
	assert.Equal(t, []string{issues["ENG-003"]}, dst.cycleIssues[m["8"]])
}
