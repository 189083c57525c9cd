package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/types"
)

// lookupBatch bounds the IN list of LookupMapping.
const lookupBatch = 200

// StoreMapping upserts pairs under (job, step).
func (s *Store) StoreMapping(ctx context.Context, jobID, stepName string, pairs []types.MappingPair) error {
	if len(pairs) == 0 {
		return nil
	}
	now := formatTime(time.Now())
	q := `INSERT INTO mappings (job_id, step_name, external_id, internal_id, created_at) VALUES (?, ?, ?, ?, ?)` +
		s.upsert([]string{"job_id", "step_name", "external_id"}, []string{"internal_id"})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mapping tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(q))
	if err != nil {
		return fmt.Errorf("prepare mapping upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pairs {
		if p.ExternalID == "" || p.InternalID == "" {
			return fmt.Errorf("mapping %s/%s: external and internal ids are required", jobID, stepName)
		}
		if _, err := stmt.ExecContext(ctx, jobID, stepName, p.ExternalID, p.InternalID, now); err != nil {
			return fmt.Errorf("upsert mapping %s: %w", p.ExternalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mappings: %w", err)
	}
	return nil
}

// GetMapping returns the internal id mapped to externalID.
func (s *Store) GetMapping(ctx context.Context, jobID, stepName, externalID string) (string, bool, error) {
	var id string
	err := s.queryRow(ctx,
		`SELECT internal_id FROM mappings WHERE job_id = ? AND step_name = ? AND external_id = ?`,
		jobID, stepName, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get mapping %s: %w", externalID, err)
	}
	return id, true, nil
}

// RetrieveMapping returns every mapping of (job, step).
func (s *Store) RetrieveMapping(ctx context.Context, jobID, stepName string) (map[string]string, error) {
	rows, err := s.query(ctx,
		`SELECT external_id, internal_id FROM mappings WHERE job_id = ? AND step_name = ?`, jobID, stepName)
	if err != nil {
		return nil, fmt.Errorf("retrieve mappings %s/%s: %w", jobID, stepName, err)
	}
	return scanPairs(rows, nil)
}

// LookupMapping returns the mappings of the given external ids that exist.
func (s *Store) LookupMapping(ctx context.Context, jobID, stepName string, externalIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(externalIDs))
	for start := 0; start < len(externalIDs); start += lookupBatch {
		end := min(start+lookupBatch, len(externalIDs))
		batch := externalIDs[start:end]

		args := make([]any, 0, len(batch)+2)
		args = append(args, jobID, stepName)
		for _, id := range batch {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", ")
		rows, err := s.query(ctx,
			`SELECT external_id, internal_id FROM mappings WHERE job_id = ? AND step_name = ? AND external_id IN (`+placeholders+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("lookup mappings %s/%s: %w", jobID, stepName, err)
		}
		if _, err := scanPairs(rows, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanPairs(rows *sql.Rows, into map[string]string) (map[string]string, error) {
	defer rows.Close()
	if into == nil {
		into = make(map[string]string)
	}
	for rows.Next() {
		var ext, internal string
		if err := rows.Scan(&ext, &internal); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		into[ext] = internal
	}
	return into, rows.Err()
}

// StoreData saves value as JSON under (job, key).
func (s *Store) StoreData(ctx context.Context, jobID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = s.exec(ctx,
		`INSERT INTO job_data (job_id, data_key, value, updated_at) VALUES (?, ?, ?, ?)`+
			s.upsert([]string{"job_id", "data_key"}, []string{"value", "updated_at"}),
		jobID, key, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store data %s: %w", key, err)
	}
	return nil
}

// RetrieveData decodes the JSON saved under (job, key) into out.
func (s *Store) RetrieveData(ctx context.Context, jobID, key string, out any) (bool, error) {
	var raw string
	err := s.queryRow(ctx, `SELECT value FROM job_data WHERE job_id = ? AND data_key = ?`, jobID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("retrieve data %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}
