package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CreateDeployCluster persists a new Inference Cluster Controller cluster
// in its Init state, with empty ray_status/lora_infos.
func (s *Store) CreateDeployCluster(ctx context.Context, cluster models.DeployCluster) (models.DeployCluster, error) {
	now := time.Now().UTC()
	cluster.ID = uuid.New()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now

	machineIDsJSON, err := json.Marshal(cluster.MachineIDList)
	if err != nil {
		return models.DeployCluster{}, fmt.Errorf("marshal machine ids: %w", err)
	}
	rayStatusJSON, err := json.Marshal(cluster.RayStatus)
	if err != nil {
		return models.DeployCluster{}, fmt.Errorf("marshal ray status: %w", err)
	}
	loraInfosJSON, err := json.Marshal(cluster.LoraInfos)
	if err != nil {
		return models.DeployCluster{}, fmt.Errorf("marshal lora infos: %w", err)
	}

	const q = `
		INSERT INTO deploy_clusters (
			id, owner_id, group_id, created_at, updated_at,
			name, machine_id_list, ray_status, status, base_model, finetune_method, lora_infos
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`
	_, err = s.db.Pool.Exec(ctx, q,
		cluster.ID, cluster.OwnerID, cluster.GroupID, cluster.CreatedAt, cluster.UpdatedAt,
		cluster.Name, machineIDsJSON, rayStatusJSON, cluster.Status, cluster.BaseModel, cluster.FinetuneMethod, loraInfosJSON,
	)
	if err != nil {
		return models.DeployCluster{}, fmt.Errorf("insert deploy cluster: %w", err)
	}
	return cluster, nil
}

// GetDeployCluster fetches a live DeployCluster by id.
func (s *Store) GetDeployCluster(ctx context.Context, id uuid.UUID) (models.DeployCluster, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, machine_id_list, ray_status, status, base_model, finetune_method, lora_infos
		FROM deploy_clusters WHERE id = $1 AND deleted_at IS NULL
	`
	row := s.db.Pool.QueryRow(ctx, q, id)
	return scanDeployCluster(row)
}

// ListDeployClusters returns every live cluster, used by sync_cluster_status
// sweeps and the watcher's recovery pass.
func (s *Store) ListDeployClusters(ctx context.Context) ([]models.DeployCluster, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, machine_id_list, ray_status, status, base_model, finetune_method, lora_infos
		FROM deploy_clusters WHERE deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list deploy clusters: %w", err)
	}
	defer rows.Close()

	var clusters []models.DeployCluster
	for rows.Next() {
		cluster, err := scanDeployCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, cluster)
	}
	return clusters, rows.Err()
}

// UpdateDeployCluster persists the full mutable row: status, ray_status,
// and lora_infos (name is the only field mutable once cluster status leaves
// Init, per §4.5.1 — enforced by the caller, not here).
func (s *Store) UpdateDeployCluster(ctx context.Context, cluster models.DeployCluster) error {
	rayStatusJSON, err := json.Marshal(cluster.RayStatus)
	if err != nil {
		return fmt.Errorf("marshal ray status: %w", err)
	}
	loraInfosJSON, err := json.Marshal(cluster.LoraInfos)
	if err != nil {
		return fmt.Errorf("marshal lora infos: %w", err)
	}

	const q = `
		UPDATE deploy_clusters
		SET name = $2, status = $3, ray_status = $4, lora_infos = $5, updated_at = $6
		WHERE id = $1
	`
	_, err = s.db.Pool.Exec(ctx, q, cluster.ID, cluster.Name, cluster.Status, rayStatusJSON, loraInfosJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update deploy cluster: %w", err)
	}
	return nil
}

func scanDeployCluster(row rowScanner) (models.DeployCluster, error) {
	var cluster models.DeployCluster
	var machineIDsJSON, rayStatusJSON, loraInfosJSON []byte
	if err := row.Scan(
		&cluster.ID, &cluster.OwnerID, &cluster.GroupID, &cluster.CreatedAt, &cluster.UpdatedAt, &cluster.DeletedAt,
		&cluster.Name, &machineIDsJSON, &rayStatusJSON, &cluster.Status, &cluster.BaseModel, &cluster.FinetuneMethod, &loraInfosJSON,
	); err != nil {
		return models.DeployCluster{}, fmt.Errorf("scan deploy cluster: %w", err)
	}
	if len(machineIDsJSON) > 0 {
		if err := json.Unmarshal(machineIDsJSON, &cluster.MachineIDList); err != nil {
			return models.DeployCluster{}, fmt.Errorf("unmarshal machine ids: %w", err)
		}
	}
	if len(rayStatusJSON) > 0 {
		if err := json.Unmarshal(rayStatusJSON, &cluster.RayStatus); err != nil {
			return models.DeployCluster{}, fmt.Errorf("unmarshal ray status: %w", err)
		}
	}
	if len(loraInfosJSON) > 0 {
		if err := json.Unmarshal(loraInfosJSON, &cluster.LoraInfos); err != nil {
			return models.DeployCluster{}, fmt.Errorf("unmarshal lora infos: %w", err)
		}
	}
	return cluster, nil
}
