package cluster

import (
	"context"
	"fmt"

	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateRequest describes a new cluster in Init.
type CreateRequest struct {
	OwnerID        uuid.UUID
	GroupID        uuid.UUID
	Name           string
	MachineIDs     []uuid.UUID
	BaseModel      string
	FinetuneMethod string
}

// Create persists a new DeployCluster in Init (§4.5.1).
func (c *Controller) Create(ctx context.Context, req CreateRequest) (models.DeployCluster, error) {
	if len(req.MachineIDs) == 0 {
		return models.DeployCluster{}, &ValidationError{Message: "at least one machine is required"}
	}
	if req.BaseModel == "" {
		return models.DeployCluster{}, &ValidationError{Message: "base_model is required"}
	}
	machines, err := c.store.ListMachinesByIDs(ctx, req.MachineIDs)
	if err != nil || len(machines) != len(req.MachineIDs) {
		return models.DeployCluster{}, &ValidationError{Message: "one or more machines not found"}
	}

	rayStatus := make([]models.RayNodeStatus, len(req.MachineIDs))
	for i, id := range req.MachineIDs {
		rayStatus[i] = models.RayNodeStatus{MachineID: id, Status: string(models.ClusterStatusInit)}
	}

	cluster := models.DeployCluster{
		Base:           models.Base{OwnerID: req.OwnerID, GroupID: req.GroupID},
		Name:           req.Name,
		MachineIDList:  req.MachineIDs,
		RayStatus:      rayStatus,
		Status:         models.ClusterStatusInit,
		BaseModel:      req.BaseModel,
		FinetuneMethod: req.FinetuneMethod,
	}
	return c.store.CreateDeployCluster(ctx, cluster)
}

// Install drives Init -> Deploying -> Starting (§4.5.2): starts ray on
// every machine, registers the @reboot entry, then launches vLLM on the
// master via systemd.
func (c *Controller) Install(ctx context.Context, clusterID uuid.UUID) error {
	cluster, err := c.store.GetDeployCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	if cluster.Status != models.ClusterStatusInit {
		return fmt.Errorf("cluster %s is not in Init (status=%s)", clusterID, cluster.Status)
	}

	cluster.Status = models.ClusterStatusDeploying
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		return fmt.Errorf("transition to Deploying: %w", err)
	}
	c.publish(events.EventClusterDeploying, cluster)

	go c.installAsync(context.Background(), cluster)
	return nil
}

func (c *Controller) installAsync(ctx context.Context, cluster models.DeployCluster) {
	machines, err := c.store.ListMachinesByIDs(ctx, cluster.MachineIDList)
	if err != nil {
		c.errorOut(ctx, cluster, fmt.Sprintf("list machines: %v", err))
		return
	}
	masterIP, err := masterInternalIP(machines)
	if err != nil {
		c.errorOut(ctx, cluster, fmt.Sprintf("resolve master ip: %v", err))
		return
	}

	gpuNum := 0
	anyFailed := false
	for i, machine := range machines {
		gpuNum += machine.GPUCount
		gw, err := c.gatewayFor(ctx, machine.ID)
		if err != nil {
			c.markNodeError(&cluster, i, fmt.Sprintf("build gateway: %v", err))
			anyFailed = true
			continue
		}

		gw.ExecuteCommand(ctx, "ray stop", c.execTimeout)
		_ = gw.RemoveRebootTaskByName(ctx, rebootEntryName(cluster.ID))

		var rayCmd string
		if i == 0 {
			rayCmd = fmt.Sprintf("ray start --head --node-ip-address %s --port %d --dashboard-host 0.0.0.0", masterIP, rayPort)
		} else {
			rayCmd = fmt.Sprintf("ray start --address %s:%d", masterIP, rayPort)
		}

		_, stderr, exitCode, err := gw.ExecuteCommand(ctx, rayCmd, c.execTimeout)
		if err != nil || exitCode != 0 {
			c.markNodeError(&cluster, i, fmt.Sprintf("ray start failed: %v %s", err, stderr))
			anyFailed = true
			continue
		}

		if err := gw.AddCrontabEntry(ctx, "@reboot "+rayCmd, rebootEntryName(cluster.ID)); err != nil {
			c.markNodeError(&cluster, i, fmt.Sprintf("register reboot entry: %v", err))
			anyFailed = true
			continue
		}

		cluster.RayStatus[i].Status = "Success"
		cluster.RayStatus[i].Error = ""
	}

	if anyFailed {
		cluster.Status = models.ClusterStatusError
		if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
			c.logger.Error("failed to persist cluster error", zap.Error(err))
		}
		c.publish(events.EventClusterError, cluster)
		return
	}

	masterGW, err := c.gatewayFor(ctx, machines[0].ID)
	if err != nil {
		c.errorOut(ctx, cluster, fmt.Sprintf("build master gateway: %v", err))
		return
	}

	vllmCmd := fmt.Sprintf(
		"vllm serve %s --served-model-name base_model --enable-lora "+
			"--tensor-parallel-size=%d --pipeline-parallel-size=%d "+
			"--gpu-memory-utilization 0.9 --distributed-executor-backend ray --host 0.0.0.0 --port %d",
		cluster.BaseModel, gpuNum, len(machines), vllmPort,
	)
	unit := vllmSystemdUnit(vllmCmd)
	launchCmd := fmt.Sprintf(
		"cat > /etc/systemd/system/%s <<'EOF'\n%s\nEOF\nsystemctl daemon-reload && systemctl enable %s && systemctl start %s",
		vllmUnitName, unit, vllmUnitName, vllmUnitName,
	)
	if _, stderr, exitCode, err := masterGW.ExecuteCommand(ctx, launchCmd, c.execTimeout); err != nil || exitCode != 0 {
		c.errorOut(ctx, cluster, fmt.Sprintf("vllm launch failed: %v %s", err, stderr))
		return
	}

	cluster.Status = models.ClusterStatusStarting
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		c.logger.Error("failed to persist Starting transition", zap.Error(err))
		return
	}
	c.publish(events.EventClusterStarting, cluster)
}

func vllmSystemdUnit(execCmd string) string {
	return fmt.Sprintf(`[Unit]
Description=vllm inference server

[Service]
Type=simple
Environment=VLLM_USE_MODELSCOPE=true
Environment=VLLM_ALLOW_RUNTIME_LORA_UPDATING=true
ExecStart=/bin/sh -c %q
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, execCmd)
}

func (c *Controller) markNodeError(cluster *models.DeployCluster, index int, message string) {
	cluster.RayStatus[index].Status = "Error"
	cluster.RayStatus[index].Error = message
	c.logger.Warn("cluster node install failed", zap.String("deploy_cluster_id", cluster.ID.String()), zap.Int("node_index", index), zap.String("reason", message))
}

func (c *Controller) errorOut(ctx context.Context, cluster models.DeployCluster, message string) {
	cluster.Status = models.ClusterStatusError
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		c.logger.Error("failed to persist cluster error", zap.Error(err))
	}
	c.logger.Warn("cluster install errored", zap.String("deploy_cluster_id", cluster.ID.String()), zap.String("reason", message))
	c.publish(events.EventClusterError, cluster)
}

// Uninstall drives Starting -> Uninstalled (§4.5.3): tears down vLLM on the
// master, then reverse-iterates machines (workers first, master last)
// removing their @reboot entries and stopping ray.
func (c *Controller) Uninstall(ctx context.Context, clusterID uuid.UUID) error {
	cluster, err := c.store.GetDeployCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	if cluster.Status != models.ClusterStatusStarting {
		return fmt.Errorf("cluster %s is not Starting (status=%s)", clusterID, cluster.Status)
	}

	machines, err := c.store.ListMachinesByIDs(ctx, cluster.MachineIDList)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	masterGW, err := c.gatewayFor(ctx, machines[0].ID)
	if err != nil {
		return fmt.Errorf("build master gateway: %w", err)
	}
	teardownVLLM := fmt.Sprintf("systemctl disable %s; systemctl stop %s; rm -f /etc/systemd/system/%s; systemctl daemon-reload", vllmUnitName, vllmUnitName, vllmUnitName)
	masterGW.ExecuteCommand(ctx, teardownVLLM, c.execTimeout)

	for i := len(machines) - 1; i >= 0; i-- {
		gw, err := c.gatewayFor(ctx, machines[i].ID)
		if err != nil {
			c.logger.Warn("failed to build gateway during uninstall", zap.Int("node_index", i), zap.Error(err))
			continue
		}
		_ = gw.RemoveRebootTaskByName(ctx, rebootEntryName(cluster.ID))
		if ok, _ := gw.TestConnection(ctx); ok {
			gw.ExecuteCommand(ctx, "ray stop", c.execTimeout)
		}
		cluster.RayStatus[i].Status = string(models.ClusterStatusUninstalled)
		cluster.RayStatus[i].Error = ""
	}

	for i := range cluster.LoraInfos {
		cluster.LoraInfos[i].Status = models.LoraStatusUninstalled
	}

	cluster.Status = models.ClusterStatusUninstalled
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		return fmt.Errorf("persist Uninstalled transition: %w", err)
	}
	c.publish(events.EventClusterUninstalled, cluster)
	return nil
}

// Recover reloads every Deploying cluster and re-runs Install from scratch
// (idempotent: ray stop/remove-then-start, systemd unit overwrite).
func (c *Controller) Recover(ctx context.Context) error {
	clusters, err := c.store.ListDeployClusters(ctx)
	if err != nil {
		return fmt.Errorf("list deploy clusters: %w", err)
	}
	for _, cluster := range clusters {
		if cluster.Status != models.ClusterStatusDeploying {
			continue
		}
		c.logger.Info("recovering cluster install", zap.String("deploy_cluster_id", cluster.ID.String()))
		go c.installAsync(ctx, cluster)
	}
	return nil
}
