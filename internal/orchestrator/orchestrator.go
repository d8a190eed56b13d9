// Package orchestrator implements the Remote Fine-Tuning Orchestrator
// (§4.4): a multi-node FinetuneJob state machine that stages artifacts over
// SSH/SFTP, launches training via systemd units, watches each node
// independently, and converges a shared success/failure verdict. Grounded
// on the teacher's internal/orchestrator/skypilot.go phase-based progress
// logging and idempotent launch/terminate structure, and on monitor.go's
// ticker/consecutive-failure poll-loop shape, both repurposed from
// SkyPilot cluster lifecycle to systemd-unit-per-node training jobs.
package orchestrator

import (
	"context"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/remotehost"
	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/metrics"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway is the Remote Host Gateway surface the orchestrator drives
// (§4.3). Satisfied by *internal/remotehost.Gateway.
type Gateway interface {
	TestConnection(ctx context.Context) (bool, error)
	ExecuteCommand(ctx context.Context, cmd string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)
	SftpUploadWithDirs(ctx context.Context, localPath, remotePath string, overwrite bool) error
	DownloadFile(ctx context.Context, remotePath, localPath string) error
	MonitorServiceStatus(ctx context.Context, name string) (remotehost.ServiceStatus, string, error)
}

// GatewayFactory builds a Gateway for a Machine snapshot (its embedded
// credentials are decrypted by the factory, never by the orchestrator
// itself). Satisfied by a closure over internal/credentials.Service and
// remotehost.NewGateway in cmd/server/main.go.
type GatewayFactory func(machine models.Machine) (Gateway, error)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateFinetuneJob(ctx context.Context, job models.FinetuneJob) (models.FinetuneJob, error)
	GetFinetuneJob(ctx context.Context, id uuid.UUID) (models.FinetuneJob, error)
	ListFinetuneJobsByStatus(ctx context.Context, status models.FinetuneJobStatus) ([]models.FinetuneJob, error)
	UpdateFinetuneJobStatus(ctx context.Context, id uuid.UUID, status models.FinetuneJobStatus, errorInfo string, endAt *time.Time) error
	UpdateFinetuneJobStartAt(ctx context.Context, id uuid.UUID, startAt time.Time) error
	IncrementDoneNodeNum(ctx context.Context, id uuid.UUID) (int, error)
	SetFinetuneJobReleaseID(ctx context.Context, id, releaseID uuid.UUID) error
	CreateRelease(ctx context.Context, release models.Release) (models.Release, error)
	ListMachinesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Machine, error)
	ListFinetuneConfigsByIDs(ctx context.Context, ids []uuid.UUID) ([]models.FinetuneConfig, error)
	GetDatasetVersion(ctx context.Context, id uuid.UUID) (models.DatasetVersion, error)
}

// ValidationError surfaces a rejected Create request (§4.4.2 step 1-2) to
// the caller; it never reaches the state machine.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return e.Message }

// Orchestrator owns the Fine-Tune Orchestrator's state machine and watcher
// pool. One Orchestrator is shared across every FinetuneJob; per-node
// watchers are plain goroutines, not a bounded pool, per spec §5: they
// must not share the Job Manager's worker slots.
type Orchestrator struct {
	store      Store
	gatewayFor GatewayFactory
	logger     *zap.Logger
	eventBus   *events.Bus
	runLogs    *RunLogCache

	localFileDir string

	pollInterval           time.Duration
	maxConsecutiveFailures int
	stagingTimeout         time.Duration
	execTimeout            time.Duration
}

// Config tunes the watcher loop and local artifact paths (§5, §6).
type Config struct {
	LocalFileDir           string
	PollInterval           time.Duration
	MaxConsecutiveFailures int
	StagingTimeout         time.Duration
	ExecTimeout            time.Duration
}

// New builds a Fine-Tune Orchestrator.
func New(store Store, gatewayFor GatewayFactory, runLogs *RunLogCache, eventBus *events.Bus, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	if cfg.StagingTimeout <= 0 {
		cfg.StagingTimeout = time.Hour
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:                  store,
		gatewayFor:             gatewayFor,
		logger:                 logger,
		eventBus:               eventBus,
		runLogs:                runLogs,
		localFileDir:           cfg.LocalFileDir,
		pollInterval:           cfg.PollInterval,
		maxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		stagingTimeout:         cfg.StagingTimeout,
		execTimeout:            cfg.ExecTimeout,
	}
}

func (o *Orchestrator) publish(eventType events.EventType, job models.FinetuneJob) {
	metrics.FinetuneJobTransitions.WithLabelValues(string(job.Status)).Inc()

	if o.eventBus == nil {
		return
	}
	evt := events.NewEvent(eventType, job.GroupID.String(), map[string]interface{}{
		"finetune_job_id": job.ID.String(),
		"status":          string(job.Status),
	})
	if err := o.eventBus.Publish(context.Background(), evt); err != nil {
		o.logger.Error("failed to publish finetune event", zap.Error(err))
	}
}

func remoteJobDir(jobID uuid.UUID) string {
	return "/dataset_finetune/jobs/" + jobID.String()
}

func serviceUnitName(jobID uuid.UUID) string {
	return jobID.String() + ".service"
}
