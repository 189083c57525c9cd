// Package step runs paginated, resumable import steps.
//
// A step pulls one page from the source, pushes it to the target and returns
// an ExecutionContext that says where the next page starts. The engine
// persists that context as a checkpoint after every page and re-invokes the
// step with it until HasMore is false. Steps declare dependencies by name;
// a step only starts when all its dependencies are done, and independent
// steps run concurrently.
package step

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/steveyegge/trackbridge/internal/mapping"
	"github.com/steveyegge/trackbridge/internal/types"
)

var (
	// ErrUnknownStep is returned when a dependency names a step that is not
	// registered.
	ErrUnknownStep = errors.New("unknown step")
	// ErrDependencyCycle is returned when step dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrMalformedContext is returned when a step produces an execution
	// context that cannot drive the next page. It aborts the run.
	ErrMalformedContext = errors.New("malformed execution context")
	// ErrJobNotFound is returned by Run for an unknown job.
	ErrJobNotFound = errors.New("job not found")
)

// Input is what a step receives for one page.
type Input struct {
	Job *types.ImportJob
	// Storage is the mapping store shared by all steps of the job.
	Storage mapping.Store
	// Previous is the context returned by the last successful page, or nil
	// on the first page.
	Previous *types.ExecutionContext
	// DependencyData maps each dependency name to the data it stored under
	// its own name, when it stored any.
	DependencyData map[string]json.RawMessage
}

// Step is one unit of an import.
type Step interface {
	Name() string
	Dependencies() []string
	// Execute processes one page. Returning an error leaves the last
	// checkpoint in place so that a retry replays the failed page.
	Execute(ctx context.Context, in Input) (*types.ExecutionContext, error)
}

// StepProgress is reported after every checkpoint.
type StepProgress struct {
	JobID   string
	Step    string
	State   types.StepState
	Page    types.PageContext
	Results types.StepResults
}

// CheckpointStore persists job state between pages and across restarts.
// LoadState returns (nil, nil) when nothing was saved.
type CheckpointStore interface {
	LoadState(ctx context.Context, jobID string) (*types.JobState, error)
	SaveState(ctx context.Context, st *types.JobState) error
	DeleteState(ctx context.Context, jobID string) error
}

// JobRepository is the subset of job persistence the engine needs.
type JobRepository interface {
	GetJob(ctx context.Context, id string) (*types.ImportJob, error)
	UpdateJobStatus(ctx context.Context, id string, status types.JobStatus, errMsg string) error
}

// Func adapts a function to Step.
type Func struct {
	StepName string
	Deps     []string
	Fn       func(ctx context.Context, in Input) (*types.ExecutionContext, error)
}

func (f Func) Name() string           { return f.StepName }
func (f Func) Dependencies() []string { return f.Deps }
func (f Func) Execute(ctx context.Context, in Input) (*types.ExecutionContext, error) {
	return f.Fn(ctx, in)
}
