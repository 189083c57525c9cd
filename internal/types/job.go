// Package types defines the core data structures shared by the sync engine,
// the import step framework and the webhook orchestrator.
package types

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

// Import job status constants
const (
	JobCreated   JobStatus = "CREATED"
	JobQueued    JobStatus = "QUEUED"
	JobPulling   JobStatus = "PULLING"
	JobFinished  JobStatus = "FINISHED"
	JobError     JobStatus = "ERROR"
	JobCancelled JobStatus = "CANCELLED"
)

// IsValid checks if the status value is known.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobCreated, JobQueued, JobPulling, JobFinished, JobError, JobCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether a job in this status will not run again
// without an explicit resume.
func (s JobStatus) IsTerminal() bool {
	return s == JobFinished || s == JobCancelled
}

// JobConfig holds per-job import options.
type JobConfig struct {
	SkipUserImport bool   `json:"skip_user_import,omitempty"`
	ProjectKey     string `json:"project_key,omitempty"` // Jira project key to import from
	JQL            string `json:"jql,omitempty"`         // Optional JQL override
}

// ImportJob is one bulk-migration run.
type ImportJob struct {
	ID            string         `json:"id"`
	WorkspaceSlug string         `json:"workspace_slug"`
	ProjectID     string         `json:"project_id"`
	Source        IntegrationKey `json:"source"`
	CredentialID  string         `json:"credential_id"`
	Config        JobConfig      `json:"config"`
	Status        JobStatus      `json:"status"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	CancelledAt   *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate checks the fields required before a job can be queued.
func (j *ImportJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.WorkspaceSlug == "" {
		return fmt.Errorf("job %s: workspace slug is required", j.ID)
	}
	if j.ProjectID == "" {
		return fmt.Errorf("job %s: project id is required", j.ID)
	}
	if !j.Source.IsValid() {
		return fmt.Errorf("job %s: invalid source %q", j.ID, j.Source)
	}
	return nil
}

// Cancelled reports whether the job was cancelled by the user.
func (j *ImportJob) Cancelled() bool {
	return j.CancelledAt != nil
}
