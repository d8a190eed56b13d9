// Package models defines the persistent entity graph shared across the job
// manager, fine-tune orchestrator, and inference cluster controller.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Base carries the fields every persistent entity owns: identity, tenancy,
// and soft-delete bookkeeping. Embed it rather than repeating the fields.
type Base struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	OwnerID   uuid.UUID  `json:"owner_id" db:"owner_id"`
	GroupID   uuid.UUID  `json:"group_id" db:"group_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsDeleted reports the soft-delete marker: zero/nil means live.
func (b Base) IsDeleted() bool {
	return b.DeletedAt != nil
}

// Tenant is the owning organization/group referent for the tenant-group id
// every entity carries. Authentication itself is out of scope.
type Tenant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Locale is captured explicitly at job/finetune-job creation time and
// threaded through background work; no thread-local or implicit request
// context is consulted once a goroutine is running in the background.
type Locale string

const (
	LocaleZH Locale = "zh"
	LocaleEN Locale = "en"
)

// Machine is an addressable remote GPU host. Credentials are always stored
// encrypted (see internal/credentials) and are deep-copied, never
// referenced, into any FinetuneJob or DeployCluster snapshot that uses them.
type Machine struct {
	Base
	Name        string                 `json:"name" db:"name"`
	IP          string                 `json:"ip" db:"ip"`
	InternalIP  string                 `json:"internal_ip" db:"internal_ip"`
	SSHPort     int                    `json:"ssh_port" db:"ssh_port"`
	SSHUser     string                 `json:"ssh_user" db:"ssh_user"`
	Credentials EncryptedSSHCredential `json:"-" db:"credentials"`
	GPUCount    int                    `json:"gpu_count" db:"gpu_count"`
	GPUType     string                 `json:"gpu_type" db:"gpu_type"`
	Provider    string                 `json:"provider" db:"provider"`
	Region      string                 `json:"region" db:"region"`
}

// EncryptedSSHCredential wraps the AES-256-GCM ciphertext produced by
// internal/credentials.EncryptionService. Exactly one of password or
// private key is populated once decrypted; both travel encrypted at rest.
type EncryptedSSHCredential struct {
	Ciphertext []byte `json:"ciphertext"`
	KeyID      string `json:"key_id"`
}

// SSHCredential is the decrypted form, held only transiently at the point
// of dialing a Machine; never persisted or logged.
type SSHCredential struct {
	Password   string `json:"ssh_password,omitempty"`
	PrivateKey string `json:"ssh_private_key,omitempty"`
}
