// Package cluster implements the Inference Cluster Controller (§4.5): a
// ray head/worker cluster running vLLM, with hot-loadable LoRA adapters and
// a streaming completion proxy. Grounded on the orchestrator package's
// GatewayFactory/Store scaffolding shape and, for the streaming proxy, on
// the teacher's internal/scheduler/vllm_proxy.go SSE relay.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/remotehost"
	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/metrics"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway is the Remote Host Gateway surface the controller drives (§4.3).
type Gateway interface {
	TestConnection(ctx context.Context) (bool, error)
	ExecuteCommand(ctx context.Context, cmd string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)
	SftpUploadWithDirs(ctx context.Context, localPath, remotePath string, overwrite bool) error
	AddCrontabEntry(ctx context.Context, line, comment string) error
	RemoveRebootTaskByName(ctx context.Context, name string) error
	MonitorServiceStatus(ctx context.Context, name string) (remotehost.ServiceStatus, string, error)
}

// GatewayFactory builds a Gateway for a Machine id, decrypting its
// credentials internally.
type GatewayFactory func(ctx context.Context, machineID uuid.UUID) (Gateway, error)

// Store is the persistence surface the controller needs.
type Store interface {
	CreateDeployCluster(ctx context.Context, cluster models.DeployCluster) (models.DeployCluster, error)
	GetDeployCluster(ctx context.Context, id uuid.UUID) (models.DeployCluster, error)
	ListDeployClusters(ctx context.Context) ([]models.DeployCluster, error)
	UpdateDeployCluster(ctx context.Context, cluster models.DeployCluster) error
	ListMachinesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Machine, error)
	GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error)
}

// ValidationError surfaces a rejected request to the caller without
// entering the state machine.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return e.Message }

const (
	vllmPort      = 8000
	rayPort       = 26379
	vllmUnitName  = "vllm.service"
	masterLoraDir = "/dataset_finetune/lora"
)

// Controller owns the Inference Cluster Controller's state machine.
type Controller struct {
	store      Store
	gatewayFor GatewayFactory
	httpClient HTTPClient
	logger     *zap.Logger
	eventBus   *events.Bus

	localFileDir string
	pollInterval time.Duration
	execTimeout  time.Duration
}

// Config tunes the sync loop and local artifact paths.
type Config struct {
	LocalFileDir string
	PollInterval time.Duration
	ExecTimeout  time.Duration
}

// New builds an Inference Cluster Controller.
func New(store Store, gatewayFor GatewayFactory, httpClient HTTPClient, eventBus *events.Bus, logger *zap.Logger, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Controller{
		store:        store,
		gatewayFor:   gatewayFor,
		httpClient:   httpClient,
		logger:       logger,
		eventBus:     eventBus,
		localFileDir: cfg.LocalFileDir,
		pollInterval: cfg.PollInterval,
		execTimeout:  cfg.ExecTimeout,
	}
}

func (c *Controller) publish(eventType events.EventType, cluster models.DeployCluster) {
	if c.eventBus == nil {
		return
	}
	evt := events.NewEvent(eventType, cluster.GroupID.String(), map[string]interface{}{
		"deploy_cluster_id": cluster.ID.String(),
		"status":            string(cluster.Status),
	})
	if err := c.eventBus.Publish(context.Background(), evt); err != nil {
		c.logger.Error("failed to publish cluster event", zap.Error(err))
	}
}

func rebootEntryName(clusterID uuid.UUID) string {
	return clusterID.String() + "_ray"
}

func masterInternalIP(machines []models.Machine) (string, error) {
	if len(machines) == 0 {
		return "", fmt.Errorf("no machines")
	}
	return machines[0].InternalIP, nil
}

func masterBaseURL(machines []models.Machine) (string, error) {
	ip, err := masterInternalIP(machines)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://%s:%d", ip, vllmPort), nil
}
