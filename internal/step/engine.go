package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/trackbridge/internal/mapping"
	"github.com/steveyegge/trackbridge/internal/telemetry"
	"github.com/steveyegge/trackbridge/internal/types"
)

// DefaultPageTimeout bounds a single page execution.
const DefaultPageTimeout = 5 * time.Minute

const scopeName = "github.com/steveyegge/trackbridge/step"

var errCancelled = errors.New("job cancelled")

// Option configures an Engine.
type Option func(*Engine)

// WithPageTimeout sets the per-page deadline.
func WithPageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pageTimeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithProgress registers a callback invoked after every checkpoint.
func WithProgress(fn func(StepProgress)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// WithConcurrency caps how many steps run at once. Zero means no cap.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// Engine drives the steps of import jobs.
type Engine struct {
	steps       map[string]Step
	order       []string
	checkpoints CheckpointStore
	storage     mapping.Store
	jobs        JobRepository

	pageTimeout time.Duration
	concurrency int
	logger      *slog.Logger
	onProgress  func(StepProgress)
	now         func() time.Time

	tracer  trace.Tracer
	pages   metric.Int64Counter
	pushed  metric.Int64Counter
	pageDur metric.Float64Histogram
}

// New validates the step graph and returns an engine.
func New(steps []Step, checkpoints CheckpointStore, storage mapping.Store, jobs JobRepository, opts ...Option) (*Engine, error) {
	e := &Engine{
		steps:       make(map[string]Step, len(steps)),
		checkpoints: checkpoints,
		storage:     storage,
		jobs:        jobs,
		pageTimeout: DefaultPageTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		tracer:      telemetry.Tracer(scopeName),
	}
	for _, s := range steps {
		if _, dup := e.steps[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate step %q", s.Name())
		}
		e.steps[s.Name()] = s
		e.order = append(e.order, s.Name())
	}
	if err := validateGraph(e.steps, e.order); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(e)
	}

	m := telemetry.Meter(scopeName)
	e.pages, _ = m.Int64Counter("trackbridge.step.pages",
		metric.WithDescription("Step pages executed"),
	)
	e.pushed, _ = m.Int64Counter("trackbridge.step.items.pushed",
		metric.WithDescription("Items pushed to the target by import steps"),
	)
	e.pageDur, _ = m.Float64Histogram("trackbridge.step.page.duration",
		metric.WithDescription("Step page duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return e, nil
}

// validateGraph rejects unknown dependencies and cycles.
func validateGraph(steps map[string]Step, order []string) error {
	for _, name := range order {
		for _, dep := range steps[name].Dependencies() {
			if _, ok := steps[dep]; !ok {
				return fmt.Errorf("step %q depends on %q: %w", name, dep, ErrUnknownStep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(order))
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("%v -> %s: %w", path, name, ErrDependencyCycle)
		case visited:
			return nil
		}
		marks[name] = visiting
		for _, dep := range steps[name].Dependencies() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		marks[name] = visited
		return nil
	}
	for _, name := range order {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// Run executes every step of jobID that is not done yet. It resumes from the
// persisted checkpoint, so calling Run again after a failure continues at the
// last good page.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	log := e.logger.With("job_id", jobID)

	if job.Cancelled() {
		log.Info("job cancelled before start")
		return e.jobs.UpdateJobStatus(ctx, jobID, types.JobCancelled, "")
	}

	st, err := e.checkpoints.LoadState(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if st == nil {
		st = types.NewJobState(jobID, e.now())
	}
	if err := e.jobs.UpdateJobStatus(ctx, jobID, types.JobPulling, ""); err != nil {
		return fmt.Errorf("mark job pulling: %w", err)
	}

	r := &run{engine: e, job: job, state: st, log: log}
	err = r.schedule(ctx)
	switch {
	case errors.Is(err, errCancelled):
		log.Info("job cancelled")
		return e.jobs.UpdateJobStatus(context.WithoutCancel(ctx), jobID, types.JobCancelled, "")
	case err != nil && ctx.Err() != nil:
		// Shutdown: the checkpoint is intact and the job can be requeued.
		return err
	case err != nil:
		log.Error("job failed", "error", err)
		if uerr := e.jobs.UpdateJobStatus(ctx, jobID, types.JobError, err.Error()); uerr != nil {
			log.Error("failed to mark job as errored", "error", uerr)
		}
		return err
	}

	log.Info("job finished")
	return e.jobs.UpdateJobStatus(ctx, jobID, types.JobFinished, "")
}

// Reset clears the checkpoint of one step so the next Run starts it from
// its first page. An empty stepName clears the whole job.
func (e *Engine) Reset(ctx context.Context, jobID, stepName string) error {
	if stepName == "" {
		return e.checkpoints.DeleteState(ctx, jobID)
	}
	if _, ok := e.steps[stepName]; !ok {
		return fmt.Errorf("reset %q: %w", stepName, ErrUnknownStep)
	}
	st, err := e.checkpoints.LoadState(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if st == nil {
		return nil
	}
	delete(st.Steps, stepName)
	st.UpdatedAt = e.now()
	return e.checkpoints.SaveState(ctx, st)
}

// Storage returns the mapping store handed to steps.
func (e *Engine) Storage() mapping.Store {
	return e.storage
}

// State returns the persisted checkpoint of jobID, or nil.
func (e *Engine) State(ctx context.Context, jobID string) (*types.JobState, error) {
	return e.checkpoints.LoadState(ctx, jobID)
}

// run is the state of one Run call.
type run struct {
	engine *Engine
	job    *types.ImportJob
	log    *slog.Logger

	mu    sync.Mutex
	state *types.JobState
}

type stepDone struct {
	name string
	err  error
}

func (r *run) schedule(ctx context.Context) error {
	e := r.engine
	results := make(chan stepDone, len(e.order))
	running := make(map[string]bool)
	var (
		g         errgroup.Group
		stop      atomic.Bool
		errs      []error
		cancelled bool
	)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}

	for {
		if !stop.Load() {
			for _, name := range e.order {
				if running[name] || !r.ready(name) {
					continue
				}
				running[name] = true
				g.Go(func() error {
					results <- stepDone{name: name, err: r.runStep(ctx, name, &stop)}
					return nil
				})
			}
		}
		if len(running) == 0 {
			break
		}
		d := <-results
		delete(running, d.name)
		switch {
		case errors.Is(d.err, errCancelled):
			cancelled = true
			stop.Store(true)
		case d.err != nil:
			errs = append(errs, d.err)
			stop.Store(true)
		}
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if cancelled {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, name := range e.order {
		if !r.checkpoint(name).Done() {
			return fmt.Errorf("step %q did not complete", name)
		}
	}
	return nil
}

// ready reports whether name is not done and all its dependencies are.
func (r *run) ready(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Step(name).Done() {
		return false
	}
	for _, dep := range r.engine.steps[name].Dependencies() {
		if !r.state.Step(dep).Done() {
			return false
		}
	}
	return true
}

func (r *run) checkpoint(name string) *types.StepCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.state.Step(name)
	if cp == nil {
		return nil
	}
	c := *cp
	return &c
}

func (r *run) runStep(ctx context.Context, name string, stop *atomic.Bool) error {
	e := r.engine
	s := e.steps[name]
	log := r.log.With("step", name)

	deps, err := r.dependencyData(ctx, s)
	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}

	for {
		if stop.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := e.jobs.GetJob(ctx, r.job.ID)
		if err != nil {
			return fmt.Errorf("step %s: reload job: %w", name, err)
		}
		if job != nil && job.Cancelled() {
			return errCancelled
		}

		var prev *types.ExecutionContext
		if cp := r.checkpoint(name); cp != nil {
			prev = cp.Context
		}
		r.mark(name, types.StepRunning)

		out, err := r.executePage(ctx, s, Input{
			Job:            r.job,
			Storage:        e.storage,
			Previous:       prev,
			DependencyData: deps,
		}, prev)
		if err == nil {
			if verr := out.Validate(); verr != nil {
				err = fmt.Errorf("%w: %v", ErrMalformedContext, verr)
			}
		}
		if err != nil {
			if ferr := r.fail(ctx, name, err); ferr != nil {
				log.Error("failed to record step failure", "error", ferr)
			}
			return fmt.Errorf("step %s: %w", name, err)
		}

		if err := r.commit(ctx, name, out); err != nil {
			return fmt.Errorf("step %s: save checkpoint: %w", name, err)
		}
		log.Debug("page checkpointed",
			"start_at", out.PageCtx.StartAt,
			"has_more", out.PageCtx.HasMore,
			"pulled", out.Results.Pulled,
			"pushed", out.Results.Pushed,
		)
		if len(out.Results.Errors) > 0 {
			log.Warn("page completed with item errors", "errors", len(out.Results.Errors))
		}
		if out.Done() {
			log.Info("step done", "total_processed", out.PageCtx.TotalProcessed)
			return nil
		}
	}
}

func (r *run) executePage(ctx context.Context, s Step, in Input, prev *types.ExecutionContext) (*types.ExecutionContext, error) {
	e := r.engine
	startAt := 0
	if prev != nil {
		startAt = prev.PageCtx.StartAt
	}
	attrs := []attribute.KeyValue{
		attribute.String("trackbridge.job.id", r.job.ID),
		attribute.String("trackbridge.step.name", s.Name()),
	}
	ctx, span := e.tracer.Start(ctx, "step.page",
		trace.WithAttributes(append(attrs, attribute.Int("trackbridge.page.start_at", startAt))...),
	)
	defer span.End()
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()
	out, err := s.Execute(pctx, in)
	if err == nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("page exceeded %s: %w", e.pageTimeout, context.DeadlineExceeded)
	}

	e.pages.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.pageDur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if out != nil {
		e.pushed.Add(ctx, int64(out.Results.Pushed), metric.WithAttributes(attrs...))
	}
	return out, nil
}

func (r *run) dependencyData(ctx context.Context, s Step) (map[string]json.RawMessage, error) {
	deps := s.Dependencies()
	if len(deps) == 0 || r.engine.storage == nil {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(deps))
	for _, dep := range deps {
		var raw json.RawMessage
		found, err := r.engine.storage.RetrieveData(ctx, r.job.ID, dep, &raw)
		if err != nil {
			return nil, fmt.Errorf("load data of %s: %w", dep, err)
		}
		if found {
			out[dep] = raw
		}
	}
	return out, nil
}

func (r *run) entry(name string) *types.StepCheckpoint {
	cp := r.state.Steps[name]
	if cp == nil {
		cp = &types.StepCheckpoint{Name: name, State: types.StepPending}
		r.state.Steps[name] = cp
	}
	return cp
}

func (r *run) mark(name string, state types.StepState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(name).State = state
}

// commit replaces the step's context and persists the job state. The
// context is replaced, never merged.
func (r *run) commit(ctx context.Context, name string, out *types.ExecutionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.engine.now()
	cp := r.entry(name)
	cp.Context = out
	cp.Executions++
	cp.LastError = ""
	cp.UpdatedAt = now
	if out.Done() {
		cp.State = types.StepDone
		cp.CompletedAt = &now
	} else {
		cp.State = types.StepCheckpointed
	}
	r.state.UpdatedAt = now
	if err := r.engine.checkpoints.SaveState(ctx, r.state.Clone()); err != nil {
		return err
	}
	r.progress(name, cp)
	return nil
}

// fail records the error without touching the step's last good context.
func (r *run) fail(ctx context.Context, name string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.engine.now()
	cp := r.entry(name)
	if cp.Context != nil {
		cp.State = types.StepCheckpointed
	} else {
		cp.State = types.StepPending
	}
	cp.LastError = cause.Error()
	cp.UpdatedAt = now
	r.state.FailedSteps = append(r.state.FailedSteps, types.FailedStep{Name: name, Error: cause.Error(), FailedAt: now})
	r.state.UpdatedAt = now
	return r.engine.checkpoints.SaveState(context.WithoutCancel(ctx), r.state.Clone())
}

func (r *run) progress(name string, cp *types.StepCheckpoint) {
	if r.engine.onProgress == nil || cp.Context == nil {
		return
	}
	r.engine.onProgress(StepProgress{
		JobID:   r.job.ID,
		Step:    name,
		State:   cp.State,
		Page:    cp.Context.PageCtx,
		Results: cp.Context.Results,
	})
}
