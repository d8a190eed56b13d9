// Package store is the Postgres repository layer for every persistent
// entity in the data model (§3): Job, FinetuneJob, DeployCluster, Release,
// Project/File/FilePair/GAPair/Question/Dataset/Tag/DatasetVersion,
// Machine, FinetuneConfig. It owns the soft-delete-by-timestamp and
// explicit per-relation cascading-delete semantics spec §9 calls for.
package store

import (
	"github.com/crosslogic/finetune-control-plane/pkg/database"
)

// Store wraps the shared connection pool. Each entity group's methods live
// in their own file but share this type so a single *Store can be wired
// into the Job Manager, handlers, orchestrator, and cluster controller.
type Store struct {
	db *database.Database
}

// New creates a Store over an already-connected database.
func New(db *database.Database) *Store {
	return &Store{db: db}
}
