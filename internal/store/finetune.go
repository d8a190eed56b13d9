package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CreateFinetuneJob persists a FinetuneJob with its embedded snapshots
// (dataset version, configs, machines) stored as jsonb — never as foreign
// keys, per spec §9's "embedded, not referenced" rule.
func (s *Store) CreateFinetuneJob(ctx context.Context, job models.FinetuneJob) (models.FinetuneJob, error) {
	now := time.Now().UTC()
	job.ID = uuid.New()
	job.CreatedAt = now
	job.UpdatedAt = now

	datasetVersionJSON, err := json.Marshal(job.DatasetVersion)
	if err != nil {
		return models.FinetuneJob{}, fmt.Errorf("marshal dataset version: %w", err)
	}
	configsJSON, err := json.Marshal(job.FinetuneConfigList)
	if err != nil {
		return models.FinetuneJob{}, fmt.Errorf("marshal finetune configs: %w", err)
	}
	machinesJSON, err := json.Marshal(job.NodeMachineList)
	if err != nil {
		return models.FinetuneJob{}, fmt.Errorf("marshal node machines: %w", err)
	}

	const q = `
		INSERT INTO finetune_jobs (
			id, owner_id, group_id, created_at, updated_at,
			name, status, stage, finetune_method,
			dataset_version, finetune_config_list, node_machine_list,
			error_info, done_node_num, release_id, locale, start_at, end_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`
	_, err = s.db.Pool.Exec(ctx, q,
		job.ID, job.OwnerID, job.GroupID, job.CreatedAt, job.UpdatedAt,
		job.Name, job.Status, job.Stage, job.FinetuneMethod,
		datasetVersionJSON, configsJSON, machinesJSON,
		job.ErrorInfo, job.DoneNodeNum, job.ReleaseID, job.Locale, job.StartAt, job.EndAt,
	)
	if err != nil {
		return models.FinetuneJob{}, fmt.Errorf("insert finetune job: %w", err)
	}
	return job, nil
}

// GetFinetuneJob fetches a live FinetuneJob by id.
func (s *Store) GetFinetuneJob(ctx context.Context, id uuid.UUID) (models.FinetuneJob, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, status, stage, finetune_method,
		       dataset_version, finetune_config_list, node_machine_list,
		       error_info, done_node_num, release_id, locale, start_at, end_at
		FROM finetune_jobs WHERE id = $1 AND deleted_at IS NULL
	`
	row := s.db.Pool.QueryRow(ctx, q, id)
	return scanFinetuneJob(row)
}

// ListFinetuneJobsByStatus backs the Fine-Tune Orchestrator's startup
// recovery (§4.4.7): reload status=Starting jobs and re-spawn one watcher
// per embedded node.
func (s *Store) ListFinetuneJobsByStatus(ctx context.Context, status models.FinetuneJobStatus) ([]models.FinetuneJob, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, status, stage, finetune_method,
		       dataset_version, finetune_config_list, node_machine_list,
		       error_info, done_node_num, release_id, locale, start_at, end_at
		FROM finetune_jobs WHERE status = $1 AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("list finetune jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []models.FinetuneJob
	for rows.Next() {
		job, err := scanFinetuneJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateFinetuneJobStatus is the narrow write path the watch loop uses
// every poll: flip status/error_info/end_at without touching the embedded
// snapshots.
func (s *Store) UpdateFinetuneJobStatus(ctx context.Context, id uuid.UUID, status models.FinetuneJobStatus, errorInfo string, endAt *time.Time) error {
	const q = `
		UPDATE finetune_jobs SET status = $2, error_info = $3, end_at = $4, updated_at = $5
		WHERE id = $1
	`
	_, err := s.db.Pool.Exec(ctx, q, id, status, errorInfo, endAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update finetune job status: %w", err)
	}
	return nil
}

// UpdateFinetuneJobStartAt records start_at once, when the job transitions
// Init -> Starting (§4.4.4).
func (s *Store) UpdateFinetuneJobStartAt(ctx context.Context, id uuid.UUID, startAt time.Time) error {
	const q = `UPDATE finetune_jobs SET start_at = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.Pool.Exec(ctx, q, id, startAt, time.Now().UTC())
	return err
}

// IncrementDoneNodeNum atomically increments done_node_num and returns the
// new value, guarding spec §8's "at most one Release per FinetuneJob"
// invariant: the caller only creates a Release when this call returns
// len(nodes).
func (s *Store) IncrementDoneNodeNum(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `
		UPDATE finetune_jobs SET done_node_num = done_node_num + 1, updated_at = $2
		WHERE id = $1
		RETURNING done_node_num
	`
	var doneNodeNum int
	err := s.db.Pool.QueryRow(ctx, q, id, time.Now().UTC()).Scan(&doneNodeNum)
	if err != nil {
		return 0, fmt.Errorf("increment done_node_num: %w", err)
	}
	return doneNodeNum, nil
}

// SetFinetuneJobReleaseID links a FinetuneJob to its Release. It runs as its
// own statement, separate from the CreateRelease insert.
func (s *Store) SetFinetuneJobReleaseID(ctx context.Context, id, releaseID uuid.UUID) error {
	const q = `UPDATE finetune_jobs SET release_id = $2, updated_at = $3 WHERE id = $1`
	_, err := s.db.Pool.Exec(ctx, q, id, releaseID, time.Now().UTC())
	return err
}

// CreateRelease inserts the immutable Release row for a finished
// FinetuneJob.
func (s *Store) CreateRelease(ctx context.Context, release models.Release) (models.Release, error) {
	now := time.Now().UTC()
	release.ID = uuid.New()
	release.CreatedAt = now
	release.UpdatedAt = now

	const q = `
		INSERT INTO releases (id, owner_id, group_id, created_at, updated_at, finetune_job_id, finetune_model_path)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := s.db.Pool.Exec(ctx, q, release.ID, release.OwnerID, release.GroupID, release.CreatedAt, release.UpdatedAt, release.FinetuneJobID, release.FinetuneModelPath)
	if err != nil {
		return models.Release{}, fmt.Errorf("insert release: %w", err)
	}
	return release, nil
}

// GetRelease fetches a Release by id, used by the Inference Cluster
// Controller's LoRA install step to resolve the tarball path to stage.
func (s *Store) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       finetune_job_id, finetune_model_path
		FROM releases WHERE id = $1 AND deleted_at IS NULL
	`
	var release models.Release
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(
		&release.ID, &release.OwnerID, &release.GroupID, &release.CreatedAt, &release.UpdatedAt, &release.DeletedAt,
		&release.FinetuneJobID, &release.FinetuneModelPath,
	)
	if err != nil {
		return models.Release{}, fmt.Errorf("get release: %w", err)
	}
	return release, nil
}

func scanFinetuneJob(row rowScanner) (models.FinetuneJob, error) {
	var job models.FinetuneJob
	var datasetVersionJSON, configsJSON, machinesJSON []byte
	if err := row.Scan(
		&job.ID, &job.OwnerID, &job.GroupID, &job.CreatedAt, &job.UpdatedAt, &job.DeletedAt,
		&job.Name, &job.Status, &job.Stage, &job.FinetuneMethod,
		&datasetVersionJSON, &configsJSON, &machinesJSON,
		&job.ErrorInfo, &job.DoneNodeNum, &job.ReleaseID, &job.Locale, &job.StartAt, &job.EndAt,
	); err != nil {
		return models.FinetuneJob{}, fmt.Errorf("scan finetune job: %w", err)
	}
	if len(datasetVersionJSON) > 0 {
		if err := json.Unmarshal(datasetVersionJSON, &job.DatasetVersion); err != nil {
			return models.FinetuneJob{}, fmt.Errorf("unmarshal dataset version: %w", err)
		}
	}
	if len(configsJSON) > 0 {
		if err := json.Unmarshal(configsJSON, &job.FinetuneConfigList); err != nil {
			return models.FinetuneJob{}, fmt.Errorf("unmarshal finetune configs: %w", err)
		}
	}
	if len(machinesJSON) > 0 {
		if err := json.Unmarshal(machinesJSON, &job.NodeMachineList); err != nil {
			return models.FinetuneJob{}, fmt.Errorf("unmarshal node machines: %w", err)
		}
	}
	return job, nil
}
