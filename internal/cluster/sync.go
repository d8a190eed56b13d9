package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/remotehost"
	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/metrics"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncStatus probes every node's ray health and the master's vLLM unit,
// updating ray_status in place (§4.5.6). The cluster moves to Error if any
// node is unhealthy or the vLLM unit isn't Starting; otherwise Starting.
func (c *Controller) SyncStatus(ctx context.Context, clusterID uuid.UUID) error {
	cluster, err := c.store.GetDeployCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("get deploy cluster: %w", err)
	}
	if cluster.Status != models.ClusterStatusStarting && cluster.Status != models.ClusterStatusError {
		return nil
	}

	machines, err := c.store.ListMachinesByIDs(ctx, cluster.MachineIDList)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	healthy := true
	for i, machine := range machines {
		gw, err := c.gatewayFor(ctx, machine.ID)
		if err != nil {
			cluster.RayStatus[i].Status = "Error"
			cluster.RayStatus[i].Error = err.Error()
			healthy = false
			continue
		}
		out, _, exitCode, err := gw.ExecuteCommand(ctx, "ray status", c.execTimeout)
		if err != nil || exitCode != 0 || !strings.Contains(out, "Active:") {
			cluster.RayStatus[i].Status = "Error"
			cluster.RayStatus[i].Error = fmt.Sprintf("ray status probe failed: %v", err)
			healthy = false
			continue
		}
		cluster.RayStatus[i].Status = "Success"
		cluster.RayStatus[i].Error = ""
	}

	vllmHealthy := false
	if len(machines) > 0 {
		masterGW, err := c.gatewayFor(ctx, machines[0].ID)
		if err == nil {
			status, _, monErr := masterGW.MonitorServiceStatus(ctx, vllmUnitName)
			vllmHealthy = monErr == nil && status == remotehost.ServiceStarting
		}
	}

	previous := cluster.Status
	if healthy && vllmHealthy {
		cluster.Status = models.ClusterStatusStarting
		metrics.ClusterNodesHealthy.WithLabelValues(cluster.ID.String()).Set(1)
	} else {
		cluster.Status = models.ClusterStatusError
		metrics.ClusterNodesHealthy.WithLabelValues(cluster.ID.String()).Set(0)
	}

	if err := c.store.UpdateDeployCluster(ctx, cluster); err != nil {
		return fmt.Errorf("persist sync status: %w", err)
	}
	if cluster.Status != previous {
		if cluster.Status == models.ClusterStatusError {
			c.publish(events.EventClusterError, cluster)
		} else {
			c.publish(events.EventClusterStarting, cluster)
		}
	}
	return nil
}

// RunSyncLoop polls SyncStatus for every live cluster on pollInterval until
// ctx is cancelled. Call this once from a long-lived goroutine at startup.
func (c *Controller) RunSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		clusters, err := c.store.ListDeployClusters(ctx)
		if err != nil {
			c.logger.Error("sync loop failed to list clusters", zap.Error(err))
			continue
		}
		for _, cluster := range clusters {
			if cluster.Status != models.ClusterStatusStarting {
				continue
			}
			if err := c.SyncStatus(ctx, cluster.ID); err != nil {
				c.logger.Warn("sync_cluster_status failed", zap.String("deploy_cluster_id", cluster.ID.String()), zap.Error(err))
			}
		}
	}
}
