package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crosslogic/finetune-control-plane/pkg/events"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateRequest is the validated input to Create (§4.4.2).
type CreateRequest struct {
	OwnerID           uuid.UUID
	GroupID           uuid.UUID
	Name              string
	Stage             models.FinetuneStage
	FinetuneMethod    string
	DatasetVersionID  uuid.UUID
	FinetuneConfigIDs []uuid.UUID
	MachineIDs        []uuid.UUID
	Locale            models.Locale
}

// Create validates and persists a FinetuneJob in Initializing, then
// schedules asynchronous staging. Per §4.4.2 step 1, only SFT is runnable
// (spec §9 open question, resolved in DESIGN.md).
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (models.FinetuneJob, error) {
	if req.Stage != models.StageSFT {
		return models.FinetuneJob{}, &ValidationError{Message: fmt.Sprintf("finetune stage %s is not supported, only SFT", req.Stage)}
	}
	if len(req.MachineIDs) == 0 {
		return models.FinetuneJob{}, &ValidationError{Message: "at least one machine is required"}
	}

	datasetVersion, err := o.store.GetDatasetVersion(ctx, req.DatasetVersionID)
	if err != nil {
		return models.FinetuneJob{}, &ValidationError{Message: fmt.Sprintf("dataset version not found: %v", err)}
	}
	configs, err := o.store.ListFinetuneConfigsByIDs(ctx, req.FinetuneConfigIDs)
	if err != nil || len(configs) != len(req.FinetuneConfigIDs) {
		return models.FinetuneJob{}, &ValidationError{Message: "one or more finetune configs not found"}
	}
	machines, err := o.store.ListMachinesByIDs(ctx, req.MachineIDs)
	if err != nil || len(machines) != len(req.MachineIDs) {
		return models.FinetuneJob{}, &ValidationError{Message: "one or more machines not found"}
	}

	job := models.FinetuneJob{
		Base:               models.Base{OwnerID: req.OwnerID, GroupID: req.GroupID},
		Name:               req.Name,
		Status:             models.FinetuneStatusInitializing,
		Stage:              req.Stage,
		FinetuneMethod:     req.FinetuneMethod,
		DatasetVersion:     datasetVersion,
		FinetuneConfigList: configs,
		NodeMachineList:    machines,
		Locale:             req.Locale,
	}

	// §4.4.2 step 2: a multi-GPU master or multi-machine topology requires
	// a DeepSpeed config.
	if job.RequiresDeepspeed() && !job.HasDeepspeedConfig() {
		return models.FinetuneJob{}, &ValidationError{Message: "deepspeed config is required for multi-gpu or multi-machine jobs"}
	}

	job, err = o.store.CreateFinetuneJob(ctx, job)
	if err != nil {
		return models.FinetuneJob{}, fmt.Errorf("create finetune job: %w", err)
	}
	o.publish(events.EventFinetuneInitializing, job)

	go o.initialize(context.Background(), job)

	return job, nil
}

// initialize drives Initializing -> Init (§4.4.3): test SSH, stage the
// dataset/config/deepspeed files onto every node. Any exception transitions
// the job to Error.
func (o *Orchestrator) initialize(ctx context.Context, job models.FinetuneJob) {
	datasetJSONPath, err := o.convertDatasetToJSON(job)
	if err != nil {
		o.fail(ctx, job.ID, fmt.Sprintf("dataset conversion failed: %v", err))
		return
	}

	for i, machine := range job.NodeMachineList {
		gw, err := o.gatewayFor(machine)
		if err != nil {
			o.fail(ctx, job.ID, fmt.Sprintf("node %d: build gateway: %v", i, err))
			return
		}
		if ok, err := gw.TestConnection(ctx); !ok {
			o.fail(ctx, job.ID, fmt.Sprintf("node %d: ssh unreachable: %v", i, err))
			return
		}

		dir := remoteJobDir(job.ID)
		if err := gw.SftpUploadWithDirs(ctx, datasetJSONPath, dir+"/dataset.json", false); err != nil {
			o.fail(ctx, job.ID, fmt.Sprintf("node %d: upload dataset: %v", i, err))
			return
		}

		yamlPath, err := o.renderTrainYAML(job, i)
		if err != nil {
			o.fail(ctx, job.ID, fmt.Sprintf("node %d: render train yaml: %v", i, err))
			return
		}
		if err := gw.SftpUploadWithDirs(ctx, yamlPath, dir+"/config.yaml", false); err != nil {
			o.fail(ctx, job.ID, fmt.Sprintf("node %d: upload train yaml: %v", i, err))
			return
		}

		if job.HasDeepspeedConfig() {
			dsPath, err := o.renderDeepspeedJSON(job)
			if err != nil {
				o.fail(ctx, job.ID, fmt.Sprintf("node %d: render deepspeed config: %v", i, err))
				return
			}
			if err := gw.SftpUploadWithDirs(ctx, dsPath, dir+"/deepspeed.json", false); err != nil {
				o.fail(ctx, job.ID, fmt.Sprintf("node %d: upload deepspeed config: %v", i, err))
				return
			}
		}
	}

	if err := o.store.UpdateFinetuneJobStatus(ctx, job.ID, models.FinetuneStatusInit, "", nil); err != nil {
		o.logger.Error("failed to persist Init transition", zap.String("finetune_job_id", job.ID.String()), zap.Error(err))
		return
	}
	job.Status = models.FinetuneStatusInit
	o.publish(events.EventFinetuneInit, job)
}

func (o *Orchestrator) fail(ctx context.Context, jobID uuid.UUID, message string) {
	now := time.Now().UTC()
	if err := o.store.UpdateFinetuneJobStatus(ctx, jobID, models.FinetuneStatusError, message, &now); err != nil {
		o.logger.Error("failed to persist Error transition", zap.String("finetune_job_id", jobID.String()), zap.Error(err))
	}
	o.logger.Warn("finetune job errored", zap.String("finetune_job_id", jobID.String()), zap.String("reason", message))
}

// convertDatasetToJSON runs the driver-side JSONL->JSON conversion (§4.4.3)
// via the local `jq` binary, cached by output filename so re-running
// Initialize after a crash is a no-op.
func (o *Orchestrator) convertDatasetToJSON(job models.FinetuneJob) (string, error) {
	outDir := filepath.Join(o.localFileDir, job.ID.String())
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create local staging dir: %w", err)
	}
	outPath := filepath.Join(outDir, "dataset.json")
	if _, err := os.Stat(outPath); err == nil {
		return outPath, nil
	}

	cmd := exec.Command("sh", "-c", fmt.Sprintf("jq -s . %q > %q", job.DatasetVersion.FilePath, outPath))
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("jq conversion failed: %w (%s)", err, string(out))
	}
	return outPath, nil
}

// renderTrainYAML flattens every embedded FinetuneConfig's payload (except
// DeepspeedArguments, which gets its own file) into one llamafactory-cli
// train config, adding the staged dataset path.
func (o *Orchestrator) renderTrainYAML(job models.FinetuneJob, nodeIndex int) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "stage: %s\n", strings.ToLower(string(job.Stage)))
	fmt.Fprintf(&b, "finetuning_type: %s\n", job.FinetuneMethod)
	fmt.Fprintf(&b, "dataset: %s\n", "dataset")
	fmt.Fprintf(&b, "dataset_dir: %s\n", remoteJobDir(job.ID))
	fmt.Fprintf(&b, "output_dir: %s/output\n", remoteJobDir(job.ID))
	if job.HasDeepspeedConfig() {
		fmt.Fprintf(&b, "deepspeed: %s/deepspeed.json\n", remoteJobDir(job.ID))
	}

	for _, cfg := range job.FinetuneConfigList {
		if cfg.ArgType == models.ArgTypeDeepspeed {
			continue
		}
		writeYAMLMap(&b, cfg.Payload)
	}

	dir := filepath.Join(o.localFileDir, job.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("config-node%d.yaml", nodeIndex))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (o *Orchestrator) renderDeepspeedJSON(job models.FinetuneJob) (string, error) {
	for _, cfg := range job.FinetuneConfigList {
		if cfg.ArgType != models.ArgTypeDeepspeed {
			continue
		}
		var b strings.Builder
		b.WriteString("{\n")
		writeJSONMap(&b, cfg.Payload)
		b.WriteString("}\n")

		dir := filepath.Join(o.localFileDir, job.ID.String())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		path := filepath.Join(dir, "deepspeed.json")
		if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no deepspeed config present")
}

// writeYAMLMap emits "key: value" lines in sorted key order for
// deterministic output across runs (idempotent staging re-uploads the same
// bytes).
func writeYAMLMap(b *strings.Builder, payload map[string]interface{}) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %v\n", k, payload[k])
	}
}

func writeJSONMap(b *strings.Builder, payload map[string]interface{}) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		comma := ","
		if i == len(keys)-1 {
			comma = ""
		}
		fmt.Fprintf(b, "  %q: %v%s\n", k, payload[k], comma)
	}
}

// Start builds and launches each node's systemd training unit, transitioning
// Init -> Starting (§4.4.4), and spawns a watcher per node.
func (o *Orchestrator) Start(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetFinetuneJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get finetune job: %w", err)
	}
	if job.Status != models.FinetuneStatusInit {
		return fmt.Errorf("finetune job %s is not in Init (status=%s)", jobID, job.Status)
	}

	for i, machine := range job.NodeMachineList {
		gw, err := o.gatewayFor(machine)
		if err != nil {
			o.fail(ctx, jobID, fmt.Sprintf("node %d: build gateway: %v", i, err))
			return err
		}
		trainCmd := o.buildTrainCommand(job, i)
		unit := systemdUnit(serviceUnitName(job.ID), trainCmd, remoteJobDir(job.ID)+"/run.log")
		launchCmd := fmt.Sprintf(
			"cat > /etc/systemd/system/%s <<'EOF'\n%s\nEOF\nsystemctl daemon-reload && systemctl start %s",
			serviceUnitName(job.ID), unit, serviceUnitName(job.ID),
		)
		_, stderr, exitCode, err := gw.ExecuteCommand(ctx, launchCmd, o.stagingTimeout)
		if err != nil || exitCode != 0 {
			o.fail(ctx, jobID, fmt.Sprintf("node %d: launch failed: %v %s", i, err, stderr))
			return fmt.Errorf("launch node %d failed", i)
		}
	}

	now := time.Now().UTC()
	if err := o.store.UpdateFinetuneJobStartAt(ctx, jobID, now); err != nil {
		return fmt.Errorf("record start_at: %w", err)
	}
	if err := o.store.UpdateFinetuneJobStatus(ctx, jobID, models.FinetuneStatusStarting, "", nil); err != nil {
		return fmt.Errorf("transition to Starting: %w", err)
	}
	job.Status = models.FinetuneStatusStarting
	o.publish(events.EventFinetuneStarting, job)

	for i := range job.NodeMachineList {
		go o.watchNode(context.Background(), job, i)
	}
	return nil
}

// buildTrainCommand emits the conceptual invocation per §4.4.4's topology
// table.
func (o *Orchestrator) buildTrainCommand(job models.FinetuneJob, nodeIndex int) string {
	configPath := remoteJobDir(job.ID) + "/config.yaml"
	if len(job.NodeMachineList) > 1 {
		master := job.NodeMachineList[0]
		return fmt.Sprintf(
			"FORCE_TORCHRUN=1 NNODES=%d NODE_RANK=%d MASTER_ADDR=%s MASTER_PORT=29500 llamafactory-cli train %s",
			len(job.NodeMachineList), nodeIndex, master.InternalIP, configPath,
		)
	}
	if job.NodeMachineList[nodeIndex].GPUCount > 1 {
		return fmt.Sprintf("FORCE_TORCHRUN=1 llamafactory-cli train %s", configPath)
	}
	return fmt.Sprintf("llamafactory-cli train %s", configPath)
}

func systemdUnit(name, execCmd, logPath string) string {
	return fmt.Sprintf(`[Unit]
Description=%s

[Service]
Type=simple
ExecStart=/bin/sh -c %q
StandardOutput=append:%s
StandardError=append:%s
Restart=no

[Install]
WantedBy=multi-user.target
`, name, execCmd, logPath, logPath)
}

// Cancel flips a Starting job to Cancel (§4.4.6); watchers observe the
// non-Starting status on their next poll and stop their unit.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetFinetuneJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get finetune job: %w", err)
	}
	if job.Status != models.FinetuneStatusStarting {
		return fmt.Errorf("finetune job %s is not Starting (status=%s)", jobID, job.Status)
	}
	now := time.Now().UTC()
	return o.store.UpdateFinetuneJobStatus(ctx, jobID, models.FinetuneStatusCancel, "", &now)
}

// Recover reloads every Starting FinetuneJob and re-spawns one watcher per
// embedded node (§4.4.7). Call once at startup, after Orchestrator is
// constructed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.store.ListFinetuneJobsByStatus(ctx, models.FinetuneStatusStarting)
	if err != nil {
		return fmt.Errorf("list starting finetune jobs: %w", err)
	}
	for _, job := range jobs {
		o.logger.Info("recovering finetune job watchers",
			zap.String("finetune_job_id", job.ID.String()),
			zap.Int("node_count", len(job.NodeMachineList)),
		)
		for i := range job.NodeMachineList {
			go o.watchNode(ctx, job, i)
		}
	}
	return nil
}
