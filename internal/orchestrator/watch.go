package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/remotehost"
	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// watchNode runs the per-node poll loop (§4.4.5). It owns no shared
// concurrency slot: one goroutine per node, for the lifetime of the node's
// training unit.
func (o *Orchestrator) watchNode(ctx context.Context, job models.FinetuneJob, nodeIndex int) {
	machine := job.NodeMachineList[nodeIndex]
	log := o.logger.With(
		zap.String("finetune_job_id", job.ID.String()),
		zap.String("machine_id", machine.ID.String()),
		zap.Int("node_index", nodeIndex),
	)

	gw, err := o.gatewayFor(machine)
	if err != nil {
		log.Error("watcher failed to build gateway", zap.Error(err))
		return
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ok, connErr := gw.TestConnection(ctx); !ok {
			consecutiveFailures++
			log.Warn("watcher ssh probe failed", zap.Int("consecutive_failures", consecutiveFailures), zap.Error(connErr))
			if consecutiveFailures > o.maxConsecutiveFailures {
				o.fail(ctx, job.ID, fmt.Sprintf("node %d unreachable after %d consecutive probes", nodeIndex, consecutiveFailures))
				return
			}
			continue
		}
		consecutiveFailures = 0

		serviceStatus, _, err := gw.MonitorServiceStatus(ctx, serviceUnitName(job.ID))
		if err != nil {
			log.Warn("watcher status probe failed", zap.Error(err))
			continue
		}

		current, err := o.store.GetFinetuneJob(ctx, job.ID)
		if err != nil {
			log.Error("watcher failed to re-read job status", zap.Error(err))
			continue
		}

		switch {
		case current.Status != models.FinetuneStatusStarting:
			// Cancel, or another node already drove the job to a terminal
			// state: stop this node's unit and exit.
			o.teardownUnit(ctx, gw, job.ID, log)
			return

		case serviceStatus == remotehost.ServiceStarting:
			continue

		case serviceStatus == remotehost.ServiceFailed || serviceStatus == remotehost.ServiceError:
			o.downloadNodeLog(ctx, gw, job.ID, machine.ID, log)
			status := models.FinetuneStatusFailed
			if serviceStatus == remotehost.ServiceError {
				status = models.FinetuneStatusError
			}
			now := time.Now().UTC()
			if err := o.store.UpdateFinetuneJobStatus(ctx, job.ID, status, fmt.Sprintf("node %d unit reported %s", nodeIndex, serviceStatus), &now); err != nil {
				log.Error("failed to persist node failure", zap.Error(err))
			}
			job.Status = status
			if status == models.FinetuneStatusFailed {
				o.publish(events.EventFinetuneFailed, job)
			} else {
				o.publish(events.EventFinetuneError, job)
			}
			o.teardownUnit(ctx, gw, job.ID, log)
			return

		case serviceStatus == remotehost.ServiceSuccess:
			o.downloadNodeLog(ctx, gw, job.ID, machine.ID, log)
			o.completeNode(ctx, gw, job, nodeIndex, log)
			o.teardownUnit(ctx, gw, job.ID, log)
			return
		}
	}
}

// completeNode increments the shared done-node counter and, if this is the
// last node to finish, packages the master's output directory into a
// Release (§4.4.5, §8 invariant: at most one Release per FinetuneJob via
// the atomic RETURNING increment).
func (o *Orchestrator) completeNode(ctx context.Context, gw Gateway, job models.FinetuneJob, nodeIndex int, log *zap.Logger) {
	done, err := o.store.IncrementDoneNodeNum(ctx, job.ID)
	if err != nil {
		log.Error("failed to increment done node count", zap.Error(err))
		return
	}
	if done < len(job.NodeMachineList) {
		return
	}

	// Whichever node's watcher drives done_node_num to len(nodes) packages
	// the Release — that is not necessarily this node's own gateway, since
	// the trained output always lives on the master (index 0).
	masterGw := gw
	if nodeIndex != 0 {
		var err error
		masterGw, err = o.gatewayFor(job.NodeMachineList[0])
		if err != nil {
			o.fail(ctx, job.ID, fmt.Sprintf("build master gateway: %v", err))
			return
		}
	}

	remoteTar := remoteJobDir(job.ID) + "/output.tar.gz"
	tarCmd := fmt.Sprintf("tar -czf %s -C %s output", remoteTar, remoteJobDir(job.ID))
	if _, stderr, exitCode, err := masterGw.ExecuteCommand(ctx, tarCmd, o.stagingTimeout); err != nil || exitCode != 0 {
		o.fail(ctx, job.ID, fmt.Sprintf("tar output dir failed: %v %s", err, stderr))
		return
	}

	localDir := filepath.Join(o.localFileDir, job.ID.String())
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		o.fail(ctx, job.ID, fmt.Sprintf("create local release dir: %v", err))
		return
	}
	localTar := filepath.Join(localDir, "output.tar.gz")
	if err := masterGw.DownloadFile(ctx, remoteTar, localTar); err != nil {
		o.fail(ctx, job.ID, fmt.Sprintf("download output tarball: %v", err))
		return
	}

	release, err := o.store.CreateRelease(ctx, models.Release{
		Base:              models.Base{OwnerID: job.OwnerID, GroupID: job.GroupID},
		FinetuneJobID:     job.ID,
		FinetuneModelPath: localTar,
	})
	if err != nil {
		o.fail(ctx, job.ID, fmt.Sprintf("create release: %v", err))
		return
	}
	if err := o.store.SetFinetuneJobReleaseID(ctx, job.ID, release.ID); err != nil {
		o.fail(ctx, job.ID, fmt.Sprintf("set release id: %v", err))
		return
	}

	now := time.Now().UTC()
	if err := o.store.UpdateFinetuneJobStatus(ctx, job.ID, models.FinetuneStatusSuccess, "", &now); err != nil {
		log.Error("failed to persist success transition", zap.Error(err))
		return
	}
	job.Status = models.FinetuneStatusSuccess
	o.publish(events.EventFinetuneSucceeded, job)
	o.publish(events.EventReleaseCreated, job)
}

// downloadNodeLog pulls run.log for post-mortem inspection and caches its
// content (§4.3, §4.4.5); failures here are logged, not fatal to the watch
// loop's verdict.
func (o *Orchestrator) downloadNodeLog(ctx context.Context, gw Gateway, jobID, machineID uuid.UUID, log *zap.Logger) {
	localDir := filepath.Join(o.localFileDir, jobID.String())
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		log.Warn("failed to create local log dir", zap.Error(err))
		return
	}
	localPath := filepath.Join(localDir, fmt.Sprintf("run-%s.log", machineID))
	if err := gw.DownloadFile(ctx, remoteJobDir(jobID)+"/run.log", localPath); err != nil {
		log.Warn("failed to download run log", zap.Error(err))
		return
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		log.Warn("failed to read downloaded run log", zap.Error(err))
		return
	}
	if err := o.runLogs.Put(ctx, jobID, machineID, string(content)); err != nil {
		log.Warn("failed to cache run log", zap.Error(err))
	}
}

// teardownUnit stops and removes a node's systemd unit once the watcher has
// reached a terminal verdict for it.
func (o *Orchestrator) teardownUnit(ctx context.Context, gw Gateway, jobID uuid.UUID, log *zap.Logger) {
	unit := serviceUnitName(jobID)
	cmd := fmt.Sprintf("systemctl stop %s; systemctl disable %s; rm -f /etc/systemd/system/%s; systemctl daemon-reload", unit, unit, unit)
	if _, stderr, exitCode, err := gw.ExecuteCommand(ctx, cmd, o.execTimeout); err != nil || exitCode != 0 {
		log.Warn("failed to tear down systemd unit", zap.Error(err), zap.String("stderr", stderr))
	}
}
