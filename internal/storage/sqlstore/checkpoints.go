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

// LoadState returns the checkpoint of jobID, or nil when none was saved.
func (s *Store) LoadState(ctx context.Context, jobID string) (*types.JobState, error) {
	var raw string
	err := s.queryRow(ctx, `SELECT state FROM job_states WHERE job_id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job state %s: %w", jobID, err)
	}
	var st types.JobState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal job state %s: %w", jobID, err)
	}
	if st.Steps == nil {
		st.Steps = make(map[string]*types.StepCheckpoint)
	}
	return &st, nil
}

// SaveState persists the checkpoint of a job.
func (s *Store) SaveState(ctx context.Context, st *types.JobState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal job state %s: %w", st.JobID, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO job_states (job_id, state, updated_at) VALUES (?, ?, ?)`+
			s.upsert([]string{"job_id"}, []string{"state", "updated_at"}),
		st.JobID, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save job state %s: %w", st.JobID, err)
	}
	return nil
}

// DeleteState removes the checkpoint of a job.
func (s *Store) DeleteState(ctx context.Context, jobID string) error {
	if _, err := s.exec(ctx, `DELETE FROM job_states WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job state %s: %w", jobID, err)
	}
	return nil
}
