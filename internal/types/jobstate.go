package types

import "time"

// StepState is the per-step, per-job execution state.
type StepState string

const (
	StepPending      StepState = "pending"
	StepRunning      StepState = "running"
	StepCheckpointed StepState = "checkpointed"
	StepDone         StepState = "done"
)

// StepCheckpoint is the persisted progress of one step.
type StepCheckpoint struct {
	Name        string            `json:"name"`
	State       StepState         `json:"state"`
	Context     *ExecutionContext `json:"context,omitempty"`
	Executions  int               `json:"executions"`
	LastError   string            `json:"last_error,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Done reports whether the step has reached its terminal state at least once.
func (c *StepCheckpoint) Done() bool {
	return c != nil && c.State == StepDone
}

// FailedStep records one failed execution.
type FailedStep struct {
	Name     string    `json:"name"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// JobState is the checkpoint of a whole job: one entry per step that has
// executed at least once.
type JobState struct {
	JobID       string                     `json:"job_id"`
	Steps       map[string]*StepCheckpoint `json:"steps"`
	FailedSteps []FailedStep               `json:"failed_steps,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// NewJobState creates an empty state for jobID.
func NewJobState(jobID string, now time.Time) *JobState {
	return &JobState{
		JobID:     jobID,
		Steps:     make(map[string]*StepCheckpoint),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Step returns the checkpoint of name, or nil.
func (s *JobState) Step(name string) *StepCheckpoint {
	if s == nil || s.Steps == nil {
		return nil
	}
	return s.Steps[name]
}

// Clone returns a deep copy suitable for persisting outside a lock.
func (s *JobState) Clone() *JobState {
	if s == nil {
		return nil
	}
	c := *s
	c.Steps = make(map[string]*StepCheckpoint, len(s.Steps))
	for k, v := range s.Steps {
		cp := *v
		if v.Context != nil {
			ctx := *v.Context
			ctx.Results.Errors = append([]string(nil), v.Context.Results.Errors...)
			cp.Context = &ctx
		}
		if v.CompletedAt != nil {
			t := *v.CompletedAt
			cp.CompletedAt = &t
		}
		c.Steps[k] = &cp
	}
	c.FailedSteps = append([]FailedStep(nil), s.FailedSteps...)
	return &c
}
