package store

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CreateMachine registers a new remote GPU host. Credentials must already
// be encrypted by internal/credentials before this is called — Store never
// sees plaintext.
func (s *Store) CreateMachine(ctx context.Context, machine models.Machine) (models.Machine, error) {
	now := time.Now().UTC()
	machine.ID = uuid.New()
	machine.CreatedAt, machine.UpdatedAt = now, now

	const q = `
		INSERT INTO machines (
			id, owner_id, group_id, created_at, updated_at,
			name, ip, internal_ip, ssh_port, ssh_user, credentials_ciphertext, credentials_key_id,
			gpu_count, gpu_type, provider, region
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`
	_, err := s.db.Pool.Exec(ctx, q,
		machine.ID, machine.OwnerID, machine.GroupID, machine.CreatedAt, machine.UpdatedAt,
		machine.Name, machine.IP, machine.InternalIP, machine.SSHPort, machine.SSHUser,
		machine.Credentials.Ciphertext, machine.Credentials.KeyID,
		machine.GPUCount, machine.GPUType, machine.Provider, machine.Region,
	)
	if err != nil {
		return models.Machine{}, fmt.Errorf("insert machine: %w", err)
	}
	return machine, nil
}

// GetMachine fetches a live Machine by id, credentials still encrypted.
func (s *Store) GetMachine(ctx context.Context, id uuid.UUID) (models.Machine, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, ip, internal_ip, ssh_port, ssh_user, credentials_ciphertext, credentials_key_id,
		       gpu_count, gpu_type, provider, region
		FROM machines WHERE id = $1 AND deleted_at IS NULL
	`
	var m models.Machine
	err := s.db.Pool.QueryRow(ctx, q, id).Scan(
		&m.ID, &m.OwnerID, &m.GroupID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
		&m.Name, &m.IP, &m.InternalIP, &m.SSHPort, &m.SSHUser, &m.Credentials.Ciphertext, &m.Credentials.KeyID,
		&m.GPUCount, &m.GPUType, &m.Provider, &m.Region,
	)
	if err != nil {
		return models.Machine{}, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// ListMachinesByIDs fetches several machines in id order, used to assemble
// a DeployCluster's machine set or a FinetuneJob's node_machine_list
// snapshot at creation time.
func (s *Store) ListMachinesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Machine, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, ip, internal_ip, ssh_port, ssh_user, credentials_ciphertext, credentials_key_id,
		       gpu_count, gpu_type, provider, region
		FROM machines WHERE id = ANY($1) AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]models.Machine, len(ids))
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(
			&m.ID, &m.OwnerID, &m.GroupID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
			&m.Name, &m.IP, &m.InternalIP, &m.SSHPort, &m.SSHUser, &m.Credentials.Ciphertext, &m.Credentials.KeyID,
			&m.GPUCount, &m.GPUType, &m.Provider, &m.Region,
		); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]models.Machine, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("machine %s not found", id)
		}
		ordered = append(ordered, m)
	}
	return ordered, nil
}

// ListMachinesByKeyID fetches every live Machine whose credentials are
// still encrypted under a given key id, used to drive master-key rotation
// (internal/credentials.Service.RotateMasterKey).
func (s *Store) ListMachinesByKeyID(ctx context.Context, keyID string) ([]models.Machine, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at,
		       name, ip, internal_ip, ssh_port, ssh_user, credentials_ciphertext, credentials_key_id,
		       gpu_count, gpu_type, provider, region
		FROM machines WHERE credentials_key_id = $1 AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, keyID)
	if err != nil {
		return nil, fmt.Errorf("list machines by key id: %w", err)
	}
	defer rows.Close()

	var machines []models.Machine
	for rows.Next() {
		var m models.Machine
		if err := rows.Scan(
			&m.ID, &m.OwnerID, &m.GroupID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
			&m.Name, &m.IP, &m.InternalIP, &m.SSHPort, &m.SSHUser, &m.Credentials.Ciphertext, &m.Credentials.KeyID,
			&m.GPUCount, &m.GPUType, &m.Provider, &m.Region,
		); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachineCredentials overwrites a Machine's encrypted credential blob
// in place, used after re-encrypting under a rotated master key.
func (s *Store) UpdateMachineCredentials(ctx context.Context, id uuid.UUID, creds models.EncryptedSSHCredential) error {
	const q = `UPDATE machines SET credentials_ciphertext = $2, credentials_key_id = $3, updated_at = $4 WHERE id = $1 AND deleted_at IS NULL`
	_, err := s.db.Pool.Exec(ctx, q, id, creds.Ciphertext, creds.KeyID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update machine credentials: %w", err)
	}
	return nil
}

// CreateFinetuneConfig inserts a named, typed hyperparameter bag.
func (s *Store) CreateFinetuneConfig(ctx context.Context, cfg models.FinetuneConfig) (models.FinetuneConfig, error) {
	now := time.Now().UTC()
	cfg.ID = uuid.New()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	const q = `
		INSERT INTO finetune_configs (id, owner_id, group_id, created_at, updated_at, name, arg_type, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.db.Pool.Exec(ctx, q, cfg.ID, cfg.OwnerID, cfg.GroupID, cfg.CreatedAt, cfg.UpdatedAt, cfg.Name, cfg.ArgType, cfg.Payload)
	if err != nil {
		return models.FinetuneConfig{}, fmt.Errorf("insert finetune config: %w", err)
	}
	return cfg, nil
}

// ListFinetuneConfigsByIDs fetches the config set a FinetuneJob embeds at
// creation time.
func (s *Store) ListFinetuneConfigsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.FinetuneConfig, error) {
	const q = `
		SELECT id, owner_id, group_id, created_at, updated_at, deleted_at, name, arg_type, payload
		FROM finetune_configs WHERE id = ANY($1) AND deleted_at IS NULL
	`
	rows, err := s.db.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("list finetune configs: %w", err)
	}
	defer rows.Close()

	var configs []models.FinetuneConfig
	for rows.Next() {
		var c models.FinetuneConfig
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.GroupID, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt, &c.Name, &c.ArgType, &c.Payload); err != nil {
			return nil, fmt.Errorf("scan finetune config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
