package cluster

import (
	"context"
	"fmt"

	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/metrics"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateLoraRequest describes a new adapter to register against a cluster.
type CreateLoraRequest struct {
	ClusterID uuid.UUID
	ReleaseID uuid.UUID
	Stage     models.FinetuneStage
}

// CreateLora appends a LoraInfo in Init (§4.5.4 Create).
func (c *Controller) CreateLora(ctx context.Context, req CreateLoraRequest) (models.LoraInfo, error) {
	cluster, err := c.store.GetDeployCluster(ctx, req.ClusterID)
	if err != nil {
		return models.LoraInfo{}, fmt.Errorf("get deploy cluster: %w", err)
	}
	release, err := c.store.GetRelease(ctx, req.ReleaseID)
	if err != nil {
		return models.LoraInfo{}, &ValidationError{Message: fmt.Sprintf("release not found: %v", err)}
	}

	lora := models.LoraInfo{
		ID:        uuid.New(),
		ReleaseID: release.ID,
		Path:      release.FinetuneModelPath,
		Stage:     req.Stage,
		Status:    models.LoraStatusInit,
	}
	cluster.LoraInfos = append(cluster.LoraInfos, lora)
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		return models.LoraInfo{}, fmt.Errorf("persist lora create: %w", err)
	}
	return lora, nil
}

// InstallLora drives a LoRA adapter Init -> Deploying -> Starting (§4.5.4
// Install): the cluster must be Starting. Uploads the release tarball to
// every node, untars it, then asks vLLM to hot-load it.
func (c *Controller) InstallLora(ctx context.Context, clusterID, loraID uuid.UUID) error {
	cluster, err := c.store.GetDeployCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	if cluster.Status != models.ClusterStatusStarting {
		return &ValidationError{Message: "cluster is not Starting"}
	}
	lora, ok := cluster.FindLora(loraID)
	if !ok {
		return &ValidationError{Message: "lora not found on cluster"}
	}

	setLoraStatus(&cluster, loraID, models.LoraStatusDeploying, "")
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		return fmt.Errorf("transition lora to Deploying: %w", err)
	}
	c.publish(events.EventLoraInstalled, cluster)

	go c.installLoraAsync(context.Background(), cluster, lora)
	return nil
}

func (c *Controller) installLoraAsync(ctx context.Context, cluster models.DeployCluster, lora models.LoraInfo) {
	machines, err := c.store.ListMachinesByIDs(ctx, cluster.MachineIDList)
	if err != nil {
		c.loraErrorOut(ctx, cluster, lora.ID, fmt.Sprintf("list machines: %v", err))
		return
	}

	remoteDir := fmt.Sprintf("%s/%s", masterLoraDir, lora.ID)
	remoteTar := remoteDir + "/output.tar.gz"
	untarPath := remoteDir + "/output"

	for _, machine := range machines {
		gw, err := c.gatewayFor(ctx, machine.ID)
		if err != nil {
			c.loraErrorOut(ctx, cluster, lora.ID, fmt.Sprintf("build gateway: %v", err))
			return
		}
		if err := gw.SftpUploadWithDirs(ctx, lora.Path, remoteTar, false); err != nil {
			c.loraErrorOut(ctx, cluster, lora.ID, fmt.Sprintf("upload adapter tarball: %v", err))
			return
		}
		untarCmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s", remoteDir, remoteTar, remoteDir)
		if _, stderr, exitCode, err := gw.ExecuteCommand(ctx, untarCmd, c.execTimeout); err != nil || exitCode != 0 {
			c.loraErrorOut(ctx, cluster, lora.ID, fmt.Sprintf("untar adapter: %v %s", err, stderr))
			return
		}
	}

	baseURL, err := masterBaseURL(machines)
	if err != nil {
		c.loraErrorOut(ctx, cluster, lora.ID, fmt.Sprintf("resolve master url: %v", err))
		return
	}
	status, body, err := c.httpClient.PostJSON(ctx, baseURL+"/v1/load_lora_adapter", map[string]string{
		"lora_name": lora.ID.String(),
		"lora_path": untarPath,
	})
	if err != nil || status/100 != 2 {
		c.loraErrorOut(ctx, cluster, lora.ID, fmt.Sprintf("load_lora_adapter failed: %v status=%d body=%s", err, status, string(body)))
		return
	}

	cluster, err = c.store.GetDeployCluster(ctx, cluster.ID)
	if err != nil {
		c.logger.Error("failed to re-read cluster after lora load", zap.Error(err))
		return
	}
	setLoraStatus(&cluster, lora.ID, models.LoraStatusStarting, "")
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		c.logger.Error("failed to persist lora Starting transition", zap.Error(err))
		return
	}
	c.publish(events.EventLoraInstalled, cluster)
}

func (c *Controller) loraErrorOut(ctx context.Context, cluster models.DeployCluster, loraID uuid.UUID, message string) {
	current, err := c.store.GetDeployCluster(ctx, cluster.ID)
	if err != nil {
		c.logger.Error("failed to re-read cluster for lora error", zap.Error(err))
		current = cluster
	}
	setLoraStatus(&current, loraID, models.LoraStatusError, message)
	if err := c.store.UpdateDeployCluster(ctx, current); err != nil {
		c.logger.Error("failed to persist lora error", zap.Error(err))
	}
	c.logger.Warn("lora install errored", zap.String("deploy_cluster_id", current.ID.String()), zap.String("lora_id", loraID.String()), zap.String("reason", message))
	c.publish(events.EventLoraError, current)
}

// UninstallLora asks vLLM to drop the adapter (§4.5.4 Uninstall); the
// cluster must be Starting.
func (c *Controller) UninstallLora(ctx context.Context, clusterID, loraID uuid.UUID) error {
	cluster, err := c.store.GetDeployCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	if cluster.Status != models.ClusterStatusStarting {
		return &ValidationError{Message: "cluster is not Starting"}
	}
	if _, ok := cluster.FindLora(loraID); !ok {
		return &ValidationError{Message: "lora not found on cluster"}
	}

	machines, err := c.store.ListMachinesByIDs(ctx, cluster.MachineIDList)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}
	baseURL, err := masterBaseURL(machines)
	if err != nil {
		return fmt.Errorf("resolve master url: %w", err)
	}

	status, body, err := c.httpClient.PostJSON(ctx, baseURL+"/v1/unload_lora_adapter", map[string]string{
		"lora_name": loraID.String(),
	})
	if err != nil || status/100 != 2 {
		return fmt.Errorf("unload_lora_adapter failed: %w status=%d body=%s", err, status, string(body))
	}

	setLoraStatus(&cluster, loraID, models.LoraStatusUninstalled, "")
	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		return fmt.Errorf("persist lora uninstall: %w", err)
	}
	c.publish(events.EventLoraUninstalled, cluster)
	return nil
}

// DeleteLora removes a LoraInfo, only allowed once it is not Deploying or
// Starting (§4.5.4 Delete).
func (c *Controller) DeleteLora(ctx context.Context, clusterID, loraID uuid.UUID) error {
	cluster, err := c.store.GetDeployCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	lora, ok := cluster.FindLora(loraID)
	if !ok {
		return &ValidationError{Message: "lora not found on cluster"}
	}
	if lora.Status == models.LoraStatusDeploying || lora.Status == models.LoraStatusStarting {
		return &ValidationError{Message: "cannot delete a lora that is deploying or installed"}
	}

	kept := make([]models.LoraInfo, 0, len(cluster.LoraInfos))
	for _, l := range cluster.LoraInfos {
		if l.ID != loraID {
			kept = append(kept, l)
		}
	}
	cluster.LoraInfos = kept
	return c.store.UpdateDeployCluster(ctx, cluster)
}

func setLoraStatus(cluster *models.DeployCluster, loraID uuid.UUID, status models.LoraStatus, errMsg string) {
	for i := range cluster.LoraInfos {
		if cluster.LoraInfos[i].ID == loraID {
			cluster.LoraInfos[i].Status = status
			cluster.LoraInfos[i].Error = errMsg
			metrics.LoraAdapterTransitions.WithLabelValues(string(status)).Inc()
			return
		}
	}
}
