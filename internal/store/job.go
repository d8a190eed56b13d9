package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CreateJob inserts a new Job, typically with status=Running since the Job
// Manager picks it up immediately (spec §4.1 has no separate queued state).
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	now := time.Now().UTC()
	job.ID = uuid.New()
	job.CreatedAt = now
	job.UpdatedAt = now

	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal job result: %w", err)
	}

	const q = `
		INSERT INTO jobs (id, owner_id, group_id, created_at, updated_at, type, status, input_blob, locale, project_id, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.Pool.Exec(ctx, q,
		job.ID, job.OwnerID, job.GroupID, job.CreatedAt, job.UpdatedAt,
		job.Type, job.Status, job.InputBlob, job.Locale, job.ProjectID, resultJSON,
	)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a live Job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       type, status, input_blob, locale, project_id, result
		FROM jobs WHERE id = $1 AND deleted_at IS NULL
	`
	row := s.db.Pool.QueryRow(ctx, q, id)
	return scanJob(row)
}

// UpdateJob persists the Job's mutable fields (status, result); it refreshes
// updated_at per spec §3's "all writes refresh updated_at" rule.
func (s *Store) UpdateJob(ctx context.Context, job models.Job) error {
	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}

	const q = `
		UPDATE jobs SET status = $2, result = $3, updated_at = $4
		WHERE id = $1
	`
	_, err = s.db.Pool.Exec(ctx, q, job.ID, job.Status, resultJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListJobsByStatus is used by the Job Manager's startup recovery (§4.1) to
// reload status=Running jobs.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       type, status, input_blob, locale, project_id, result
		FROM jobs WHERE status = $1 AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var resultJSON []byte
	if err := row.Scan(
		&job.ID, &job.OwnerID, &job.GroupID, &job.CreatedAt, &job.UpdatedAt, &job.DeletedAt,
		&job.Type, &job.Status, &job.InputBlob, &job.Locale, &job.ProjectID, &resultJSON,
	); err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
	}
	return job, nil
}
