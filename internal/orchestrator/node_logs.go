package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/cache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunLogCache caches each node's most recently downloaded run.log content
// in Redis so a status read doesn't need to re-open an SSH session (§4.3's
// "acquire on demand, release on last use" discipline means the watcher
// itself holds no persistent connection to serve reads from). Adapted from
// the teacher's internal/orchestrator/node_logs.go NodeLogStore, which
// RPUSH-appended structured log entries per node; this control plane only
// ever needs the latest full log a node produced, one key per
// job/machine, so the append-list shape is collapsed to a single cached
// value.
type RunLogCache struct {
	cache  *cache.Cache
	logger *zap.Logger
	ttl    time.Duration
}

// NewRunLogCache creates a log cache retaining entries for 7 days, long
// enough to cover a finished job's post-mortem window.
func NewRunLogCache(c *cache.Cache, logger *zap.Logger) *RunLogCache {
	return &RunLogCache{cache: c, logger: logger, ttl: 7 * 24 * time.Hour}
}

// Put caches the content downloaded from a node's run.log.
func (s *RunLogCache) Put(ctx context.Context, jobID uuid.UUID, machineID uuid.UUID, content string) error {
	if s == nil || s.cache == nil {
		return nil
	}
	if err := s.cache.Set(ctx, s.key(jobID, machineID), content, s.ttl); err != nil {
		return fmt.Errorf("cache run log: %w", err)
	}
	return nil
}

// Get returns the last cached run.log content for a node, if any.
func (s *RunLogCache) Get(ctx context.Context, jobID uuid.UUID, machineID uuid.UUID) (string, error) {
	if s == nil || s.cache == nil {
		return "", fmt.Errorf("run log cache not configured")
	}
	return s.cache.Get(ctx, s.key(jobID, machineID))
}

func (s *RunLogCache) key(jobID, machineID uuid.UUID) string {
	return fmt.Sprintf("finetune_run_log:%s:%s", jobID, machineID)
}
