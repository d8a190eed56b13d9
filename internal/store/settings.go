package store

import (
	"context"
	"fmt"
)

// GetDefaultModel reads the process-wide default LLM provider model
// (§4.6): re-read on every Chat/ChatCoT call so an operator edit takes
// effect without restarting the service.
func (s *Store) GetDefaultModel(ctx context.Context) (string, error) {
	const q = `SELECT value FROM settings WHERE key = 'default_llm_model'`
	var value string
	err := s.db.Pool.QueryRow(ctx, q).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("get default model: %w", err)
	}
	return value, nil
}

// SetDefaultModel is the operator-facing write path; out of scope for the
// core per spec §1 (no HTTP surface here), kept for completeness and tests.
func (s *Store) SetDefaultModel(ctx context.Context, model string) error {
	const q = `
		INSERT INTO settings (key, value) VALUES ('default_llm_model', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	_, err := s.db.Pool.Exec(ctx, q, model)
	return err
}
