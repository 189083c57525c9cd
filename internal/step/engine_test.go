package step

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/trackbridge/internal/cache"
	"github.com/steveyegge/trackbridge/internal/mapping"
	"github.com/steveyegge/trackbridge/internal/types"
)

// memJobs is an in-memory JobRepository.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*types.ImportJob
}

func newMemJobs(ids ...string) *memJobs {
	m := &memJobs{jobs: make(map[string]*types.ImportJob)}
	for _, id := range ids {
		m.jobs[id] = &types.ImportJob{ID: id, WorkspaceSlug: "acme", ProjectID: "p", Source: types.IntegrationJiraServer, Status: types.JobQueued}
	}
	return m
}

func (m *memJobs) GetJob(_ context.Context, id string) (*types.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (m *memJobs) UpdateJobStatus(_ context.Context, id string, status types.JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errors.New("no such job")
	}
	j.Status, j.Error = status, errMsg
	return nil
}

func (m *memJobs) cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.jobs[id].CancelledAt = &now
}

func (m *memJobs) status(id string) (types.JobStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status, m.jobs[id].Error
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pagedStep serves total items in pages of pageSize and records each call.
type pagedStep struct {
	name     string
	deps     []string
	total    int
	pageSize int
	failAt   int // startAt that fails once; -1 for never

	mu    sync.Mutex
	calls []int
	seen  []map[string]json.RawMessage
	onRun func()
}

func (p *pagedStep) Name() string           { return p.name }
func (p *pagedStep) Dependencies() []string { return p.deps }

func (p *pagedStep) Execute(_ context.Context, in Input) (*types.ExecutionContext, error) {
	startAt, processed := 0, 0
	if in.Previous != nil {
		startAt = in.Previous.PageCtx.StartAt
		processed = in.Previous.PageCtx.TotalProcessed
	}
	p.mu.Lock()
	p.calls = append(p.calls, startAt)
	p.seen = append(p.seen, in.DependencyData)
	fail := p.failAt == startAt
	if fail {
		p.failAt = -1
	}
	onRun := p.onRun
	p.mu.Unlock()
	if onRun != nil {
		onRun()
	}
	if fail {
		return nil, errors.New("source unavailable")
	}

	n := min(p.pageSize, p.total-startAt)
	hasMore := startAt+n < p.total
	return types.NewPaginationContext(types.PageParams{
		HasMore:        hasMore,
		StartAt:        startAt,
		PageSize:       p.pageSize,
		Pulled:         n,
		Pushed:         n,
		TotalProcessed: processed + n,
	}), nil
}

func (p *pagedStep) starts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.calls...)
}

func newEngine(t *testing.T, steps []Step, jobs *memJobs, opts ...Option) (*Engine, *MemoryCheckpoints) {
	t.Helper()
	cps := NewMemoryCheckpoints()
	e, err := New(steps, cps, mapping.NewMemoryStore(), jobs, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, cps
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_PaginatesToCompletion(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs("job-1")
	users := &pagedStep{name: "users", total: 250, pageSize: 100, failAt: -1}
	e, cps := newEngine(t, []Step{users}, jobs)

	if err := e.Run(ctx, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := users.starts(); !equalInts(got, []int{0, 100, 200}) {
		t.Errorf("page starts = %v, want [0 100 200]", got)
	}
	if status, _ := jobs.status("job-1"); status != types.JobFinished {
		t.Errorf("status = %s, want FINISHED", status)
	}

	st, _ := cps.LoadState(ctx, "job-1")
	cp := st.Step("users")
	if !cp.Done() {
		t.Fatalf("users state = %s, want done", cp.State)
	}
	if cp.Executions != 3 {
		t.Errorf("executions = %d, want 3", cp.Executions)
	}
	if cp.Context.PageCtx.TotalProcessed != 250 {
		t.Errorf("total processed = %d, want 250", cp.Context.PageCtx.TotalProcessed)
	}
	if cps.Saves() != 3 {
		t.Errorf("checkpoint saves = %d, want one per page", cps.Saves())
	}
}

func TestRun_DoneStepsAreNotReinvoked(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs("job-1")
	users := &pagedStep{name: "users", total: 10, pageSize: 100, failAt: -1}
	e, _ := newEngine(t, []Step{users}, jobs)

	if err := e.Run(ctx, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := e.Run(ctx, "job-1"); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := len(users.starts()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}

	if err := e.Reset(ctx, "job-1", "users"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := e.Run(ctx, "job-1"); err != nil {
		t.Fatalf("Run after reset error = %v", err)
	}
	if got := len(users.starts()); got != 2 {
		t.Errorf("calls after reset = %d, want 2", got)
	}
}

func TestRun_DependenciesRunFirst(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs("job-1")

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	users := &pagedStep{name: "users", total: 1, pageSize: 10, failAt: -1, onRun: record("users")}
	labels := &pagedStep{name: "labels", total: 1, pageSize: 10, failAt: -1, onRun: record("labels")}
	issues := &pagedStep{name: "issues", deps: []string{"users", "labels"}, total: 1, pageSize: 10, failAt: -1, onRun: record("issues")}

	// Declared out of order on purpose.
	e, _ := newEngine(t, []Step{issues, users, labels}, jobs)
	if err := e.Storage().StoreData(ctx, "job-1", "users", map[string]int{"count": 1}); err != nil {
		t.Fatalf("StoreData() error = %v", err)
	}
	if err := e.Run(ctx, "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(order) != 3 || order[2] != "issues" {
		t.Fatalf("execution order = %v, want issues last", order)
	}
	if len(issues.seen) != 1 || string(issues.seen[0]["users"]) != `{"count":1}` {
		t.Errorf("dependency data = %v, want users data", issues.seen)
	}
	if _, ok := issues.seen[0]["labels"]; ok {
		t.Error("labels stored no data and must be absent")
	}
}

func TestRun_FailureKeepsCheckpointAndResumes(t *testing.T) {
	ctx := context.Background()
	jobs := newMemJobs("job-1")
	users := &pagedStep{name: "users", total: 250, pageSize: 100, failAt: 100}
	e, cps := newEngine(t, []Step{users}, jobs)

	err := e.Run(ctx, "job-1")
	if err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	status, msg := jobs.status("job-1")
	if status != types.JobError || msg == "" {
		t.Errorf("status = %s (%q), want ERROR with message", status, msg)
	}
	st, _ := cps.LoadState(ctx, "job-1")
	cp := st.Step("users")
	if cp.State != types.StepCheckpointed || cp.Context.PageCtx.StartAt != 100 {
		t.Errorf("checkpoint = %s at %d, want checkpointed at 100", cp.State, cp.Context.PageCtx.StartAt)
	}
	if len(st.FailedSteps) != 1 {
		t.Errorf("failed steps = %d, want 1", len(st.FailedSteps))
	}

	if err := e.Run(ctx, "job-1"); err != nil {
		t.Fatalf("resume Run() error = %v", err)
	}
	if got := users.starts(); !equalInts(got, []int{0, 100, 100, 200}) {
		t.Errorf("page starts = %v, want failed page replayed", got)
	}
	if status, _ := jobs.status("job-1"); status != types.JobFinished {
		t.Errorf("status = %s, want FINISHED", status)
	}
}

func TestRun_PageTimeout(t *testing.T) {
	jobs := newMemJobs("job-1")
	slow := Func{StepName: "slow", Fn: func(ctx context.Context, _ Input) (*types.ExecutionContext, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e, _ := newEngine(t, []Step{slow}, jobs, WithPageTimeout(20*time.Millisecond))

	err := e.Run(context.Background(), "job-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if status, _ := jobs.status("job-1"); status != types.JobError {
		t.Errorf("status = %s, want ERROR", status)
	}
}

func TestRun_MalformedContextIsFatal(t *testing.T) {
	tests := []struct {
		name string
		out  *types.ExecutionContext
	}{
		{"nil context", nil},
		{"negative start", &types.ExecutionContext{PageCtx: types.PageContext{StartAt: -1}}},
		{"negative counters", &types.ExecutionContext{Results: types.StepResults{Pulled: -3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newMemJobs("job-1")
			bad := Func{StepName: "bad", Fn: func(context.Context, Input) (*types.ExecutionContext, error) {
				return tt.out, nil
			}}
			e, cps := newEngine(t, []Step{bad}, jobs)
			err := e.Run(context.Background(), "job-1")
			if !errors.Is(err, ErrMalformedContext) {
				t.Fatalf("Run() error = %v, want ErrMalformedContext", err)
			}
			st, _ := cps.LoadState(context.Background(), "job-1")
			if cp := st.Step("bad"); cp.Context != nil {
				t.Errorf("malformed context was checkpointed: %+v", cp.Context)
			}
		})
	}
}

func TestRun_SkippedStepFinishesAtOnce(t *testing.T) {
	jobs := newMemJobs("job-1")
	calls := 0
	skip := Func{StepName: "users", Fn: func(context.Context, Input) (*types.ExecutionContext, error) {
		calls++
		return types.EmptyDoneContext(), nil
	}}
	e, _ := newEngine(t, []Step{skip}, jobs)
	if err := e.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRun_CancelledBetweenPages(t *testing.T) {
	jobs := newMemJobs("job-1")
	users := &pagedStep{name: "users", total: 500, pageSize: 100, failAt: -1}
	users.onRun = func() { jobs.cancel("job-1") }
	e, _ := newEngine(t, []Step{users}, jobs)

	if err := e.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v, want nil for cancellation", err)
	}
	if got := len(users.starts()); got != 1 {
		t.Errorf("pages = %d, want 1 before the cancel was observed", got)
	}
	if status, _ := jobs.status("job-1"); status != types.JobCancelled {
		t.Errorf("status = %s, want CANCELLED", status)
	}
}

func TestRun_UnknownJob(t *testing.T) {
	e, _ := newEngine(t, nil, newMemJobs())
	if err := e.Run(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Run() error = %v, want ErrJobNotFound", err)
	}
}

func TestNew_GraphValidation(t *testing.T) {
	noop := func(context.Context, Input) (*types.ExecutionContext, error) { return types.EmptyDoneContext(), nil }
	tests := []struct {
		name  string
		steps []Step
		want  error
	}{
		{"unknown dependency", []Step{Func{StepName: "a", Deps: []string{"missing"}, Fn: noop}}, ErrUnknownStep},
		{"self cycle", []Step{Func{StepName: "a", Deps: []string{"a"}, Fn: noop}}, ErrDependencyCycle},
		{"two step cycle", []Step{
			Func{StepName: "a", Deps: []string{"b"}, Fn: noop},
			Func{StepName: "b", Deps: []string{"a"}, Fn: noop},
		}, ErrDependencyCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.steps, NewMemoryCheckpoints(), mapping.NewMemoryStore(), newMemJobs())
			if !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReset_UnknownStep(t *testing.T) {
	e, _ := newEngine(t, nil, newMemJobs("job-1"))
	if err := e.Reset(context.Background(), "job-1", "ghost"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("Reset() error = %v, want ErrUnknownStep", err)
	}
}

func TestRun_ProgressIsReported(t *testing.T) {
	jobs := newMemJobs("job-1")
	users := &pagedStep{name: "users", total: 150, pageSize: 100, failAt: -1}
	var got []StepProgress
	e, _ := newEngine(t, []Step{users}, jobs, WithProgress(func(p StepProgress) { got = append(got, p) }))
	if err := e.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("progress events = %d, want 2", len(got))
	}
	if got[1].State != types.StepDone || got[1].Page.TotalProcessed != 150 {
		t.Errorf("last progress = %+v, want done with 150 processed", got[1])
	}
}

func TestCacheCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	cps := NewCacheCheckpoints(store, 0)

	st := types.NewJobState("job-1", time.Now())
	st.Steps["users"] = &types.StepCheckpoint{Name: "users", State: types.StepCheckpointed,
		Context: &types.ExecutionContext{PageCtx: types.PageContext{StartAt: 100, HasMore: true}}}
	if err := cps.SaveState(ctx, st); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	if ttl := store.TTL("orchestrator:state:job-1"); ttl <= 6*24*time.Hour {
		t.Errorf("ttl = %v, want about 7 days", ttl)
	}

	got, err := cps.LoadState(ctx, "job-1")
	if err != nil || got == nil {
		t.Fatalf("LoadState() = %v, %v", got, err)
	}
	if got.Step("users").Context.PageCtx.StartAt != 100 {
		t.Errorf("startAt = %d, want 100", got.Step("users").Context.PageCtx.StartAt)
	}

	if err := cps.DeleteState(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteState() error = %v", err)
	}
	if got, _ := cps.LoadState(ctx, "job-1"); got != nil {
		t.Error("state survived DeleteState")
	}
}
