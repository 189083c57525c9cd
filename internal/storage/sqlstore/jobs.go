package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/trackbridge/internal/types"
)

const jobColumns = `id, workspace_slug, project_id, source, credential_id, config, status, error, attempts,
	cancelled_at, created_at, updated_at`

// CreateJob inserts a new import job.
func (s *Store) CreateJob(ctx context.Context, job *types.ImportJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = types.JobCreated
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkspaceSlug, job.ProjectID, string(job.Source), job.CredentialID, string(cfg),
		string(job.Status), job.Error, job.Attempts, formatTimePtr(job.CancelledAt),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job with id, or nil when it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*types.ImportJob, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*types.ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateJobStatus sets status and error message of a job.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status types.JobStatus, errMsg string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid job status %q", status)
	}
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// CancelJob stamps cancelled_at; running steps stop at their next page.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	res, err := s.exec(ctx, `UPDATE jobs SET cancelled_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimNextJob moves the oldest QUEUED job to PULLING and returns it, or
// returns nil when the queue is empty. The conditional update makes the
// claim safe across concurrent workers.
func (s *Store) ClaimNextJob(ctx context.Context) (*types.ImportJob, error) {
	for {
		var id string
		err := s.queryRow(ctx,
			`SELECT id FROM jobs WHERE status = ? AND cancelled_at IS NULL ORDER BY created_at LIMIT 1`,
			string(types.JobQueued)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select queued job: %w", err)
		}

		res, err := s.exec(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
			string(types.JobPulling), formatTime(time.Now()), id, string(types.JobQueued))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetJob(ctx, id)
		}
		// Another worker won the race; try the next one.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.ImportJob, error) {
	var (
		job                  types.ImportJob
		source, cfg, status  string
		cancelled            sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&job.ID, &job.WorkspaceSlug, &job.ProjectID, &source, &job.CredentialID, &cfg, &status,
		&job.Error, &job.Attempts, &cancelled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Source = types.IntegrationKey(source)
	job.Status = types.JobStatus(status)
	if err := json.Unmarshal([]byte(cfg), &job.Config); err != nil {
		return nil, fmt.Errorf("unmarshal job config: %w", err)
	}
	if job.CancelledAt, err = parseTimePtr(cancelled); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
