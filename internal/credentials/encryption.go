package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionService handles encryption and decryption of credentials
type EncryptionService struct {
	masterKey []byte
	keyID     string
}

// NewEncryptionService creates a new encryption service
// masterKey may be any non-empty string; the 32-byte AES-256 key is derived
// from it with PBKDF2-SHA256
func NewEncryptionService(masterKey string, keyID string) (*EncryptionService, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key cannot be empty")
	}

	// Derive a 32-byte key from the master key using PBKDF2
	derivedKey := pbkdf2.Key([]byte(masterKey), []byte("crosslogic-credentials-salt"), 100000, 32, sha256.New)

	return &EncryptionService{
		masterKey: derivedKey,
		keyID:     keyID,
	}, nil
}

// Encrypt encrypts credentials using AES-256-GCM
// The input should be a struct that can be marshaled to JSON
func (e *EncryptionService) Encrypt(credentials interface{}) ([]byte, error) {
	// Marshal credentials to JSON
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}

	// Create AES cipher block
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate a random nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt the data
	// The nonce is prepended to the ciphertext
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return ciphertext, nil
}

// Decrypt decrypts credentials using AES-256-GCM
// The output is unmarshaled into the provided interface
func (e *EncryptionService) Decrypt(ciphertext []byte, output interface{}) error {
	if len(ciphertext) == 0 {
		return fmt.Errorf("ciphertext is empty")
	}

	// Create AES cipher block
	block, err := aes.NewCipher(e.masterKey)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	// Extract nonce from the beginning of ciphertext
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// Decrypt the data
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt: %w", err)
	}

	// Unmarshal JSON into output
	if err := json.Unmarshal(plaintext, output); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted data: %w", err)
	}

	return nil
}

// DecryptToMap decrypts credentials to a generic map (useful when provider type is unknown)
func (e *EncryptionService) DecryptToMap(ciphertext []byte) (map[string]interface{}, error) {
	var result map[string]interface{}
	if err := e.Decrypt(ciphertext, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetKeyID returns the key ID used for this encryption service
func (e *EncryptionService) GetKeyID() string {
	return e.keyID
}

// RotateKey re-seals one ciphertext under a new key: it decrypts
// oldCiphertext with oldService and returns it re-encrypted with newService
func RotateKey(oldService, newService *EncryptionService, oldCiphertext []byte) ([]byte, error) {
	// Decrypt with old key. The credential shape (SSH vs other provider) is
	// irrelevant here: rotation only needs to read the plaintext fields back
	// out so they can be re-sealed under the new key, so DecryptToMap's
	// schema-agnostic map avoids coupling rotation to any one provider type.
	credentials, err := oldService.DecryptToMap(oldCiphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt with old key: %w", err)
	}

	// Re-encrypt with new key
	newCiphertext, err := newService.Encrypt(credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt with new key: %w", err)
	}

	return newCiphertext, nil
}

// ValidateCredentialsStructure validates that the credentials unmarshal into
// SSHCredentials and carry at least one auth method.
func ValidateCredentialsStructure(credentials interface{}) error {
	jsonData, err := json.Marshal(credentials)
	if err != nil {
		return fmt.Errorf("invalid credentials structure: %w", err)
	}

	var creds SSHCredentials
	if err := json.Unmarshal(jsonData, &creds); err != nil {
		return fmt.Errorf("invalid ssh credentials structure: %w", err)
	}
	return creds.Validate()
}
