package credentials

import (
	"context"
	"fmt"

	"github.com/crosslogic/finetune-control-plane/pkg/database"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service encrypts and decrypts Machine SSH credentials at rest. The
// plaintext SSHCredentials it returns are handed to a remotehost.Gateway,
// which keeps them for the Gateway's lifetime.
type Service struct {
	db         *database.Database
	encryption *EncryptionService
	logger     *zap.Logger
}

// NewService creates a new credential service.
func NewService(db *database.Database, encryptionKey string, keyID string, logger *zap.Logger) (*Service, error) {
	encryption, err := NewEncryptionService(encryptionKey, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption service: %w", err)
	}

	return &Service{
		db:         db,
		encryption: encryption,
		logger:     logger,
	}, nil
}

// Encrypt validates and encrypts SSH credentials for storage on a Machine row.
func (s *Service) Encrypt(creds SSHCredentials) (models.EncryptedSSHCredential, error) {
	if err := creds.Validate(); err != nil {
		return models.EncryptedSSHCredential{}, err
	}

	ciphertext, err := s.encryption.Encrypt(creds)
	if err != nil {
		return models.EncryptedSSHCredential{}, fmt.Errorf("failed to encrypt ssh credentials: %w", err)
	}

	return models.EncryptedSSHCredential{
		Ciphertext: ciphertext,
		KeyID:      s.encryption.GetKeyID(),
	}, nil
}

// Decrypt recovers the plaintext SSH credentials for a Machine. Callers must
// not persist or log the result; it exists only to dial the machine.
func (s *Service) Decrypt(enc models.EncryptedSSHCredential) (SSHCredentials, error) {
	var creds SSHCredentials
	if err := s.encryption.Decrypt(enc.Ciphertext, &creds); err != nil {
		return SSHCredentials{}, fmt.Errorf("failed to decrypt ssh credentials: %w", err)
	}
	return creds, nil
}

// DecryptForMachine is a convenience wrapper used by the gateway factories in
// cmd/server/main.go, which build a Remote Host Gateway for a Machine (or its
// embedded snapshot) for the Fine-Tune Orchestrator and the Inference
// Cluster Controller.
func (s *Service) DecryptForMachine(ctx context.Context, machineID uuid.UUID, enc models.EncryptedSSHCredential) (SSHCredentials, error) {
	creds, err := s.Decrypt(enc)
	if err != nil {
		s.logger.Error("failed to decrypt machine credentials",
			zap.String("machine_id", machineID.String()),
			zap.Error(err),
		)
		return SSHCredentials{}, err
	}
	return creds, nil
}

// MachineStore is the narrow persistence surface RotateMasterKey needs.
type MachineStore interface {
	ListMachinesByKeyID(ctx context.Context, keyID string) ([]models.Machine, error)
	UpdateMachineCredentials(ctx context.Context, id uuid.UUID, creds models.EncryptedSSHCredential) error
}

// RotateMasterKey re-encrypts every Machine still under oldKeyID with the
// Service's current (new) master key, using RotateKey to decrypt-then-
// re-encrypt each credential blob without ever persisting plaintext. An
// operator calls this after rotating CREDENTIALS_MASTER_KEY so old rows
// aren't left encrypted under a retired key indefinitely.
func (s *Service) RotateMasterKey(ctx context.Context, store MachineStore, oldMasterKey, oldKeyID string) (int, error) {
	oldEncryption, err := NewEncryptionService(oldMasterKey, oldKeyID)
	if err != nil {
		return 0, fmt.Errorf("failed to build encryption service for old key: %w", err)
	}

	machines, err := store.ListMachinesByKeyID(ctx, oldKeyID)
	if err != nil {
		return 0, fmt.Errorf("failed to list machines on old key: %w", err)
	}

	rotated := 0
	for _, m := range machines {
		newCiphertext, err := RotateKey(oldEncryption, s.encryption, m.Credentials.Ciphertext)
		if err != nil {
			s.logger.Error("failed to rotate machine credentials",
				zap.String("machine_id", m.ID.String()),
				zap.Error(err),
			)
			continue
		}

		if err := store.UpdateMachineCredentials(ctx, m.ID, models.EncryptedSSHCredential{
			Ciphertext: newCiphertext,
			KeyID:      s.encryption.GetKeyID(),
		}); err != nil {
			s.logger.Error("failed to persist rotated machine credentials",
				zap.String("machine_id", m.ID.String()),
				zap.Error(err),
			)
			continue
		}
		rotated++
	}

	s.logger.Info("rotated machine credentials to new master key",
		zap.String("old_key_id", oldKeyID),
		zap.String("new_key_id", s.encryption.GetKeyID()),
		zap.Int("rotated", rotated),
		zap.Int("total", len(machines)),
	)
	return rotated, nil
}
