package models

import (
	"time"

	"github.com/google/uuid"
)

// FinetuneStage is the training objective; only SFT is runnable (see
// DESIGN.md's decision on spec §9's open question).
type FinetuneStage string

const (
	StagePT  FinetuneStage = "PT"
	StageSFT FinetuneStage = "SFT"
	StageDPO FinetuneStage = "DPO"
	StageKTO FinetuneStage = "KTO"
)

// FinetuneJobStatus is the Fine-Tune Orchestrator state machine (§4.4.1):
// Initializing -> Init -> Starting -> {Success, Failed, Error, Cancel}.
type FinetuneJobStatus string

const (
	FinetuneStatusInitializing FinetuneJobStatus = "Initializing"
	FinetuneStatusInit         FinetuneJobStatus = "Init"
	FinetuneStatusStarting     FinetuneJobStatus = "Starting"
	FinetuneStatusSuccess      FinetuneJobStatus = "Success"
	FinetuneStatusFailed       FinetuneJobStatus = "Failed"
	FinetuneStatusError        FinetuneJobStatus = "Error"
	FinetuneStatusCancel       FinetuneJobStatus = "Cancel"
)

func (s FinetuneJobStatus) Terminal() bool {
	switch s {
	case FinetuneStatusSuccess, FinetuneStatusFailed, FinetuneStatusError, FinetuneStatusCancel:
		return true
	}
	return false
}

// FinetuneArgType discriminates the typed payload a FinetuneConfig carries.
type FinetuneArgType string

const (
	ArgTypeModel      FinetuneArgType = "ModelArguments"
	ArgTypeData       FinetuneArgType = "DataArguments"
	ArgTypeTraining   FinetuneArgType = "TrainingArguments"
	ArgTypeFinetuning FinetuneArgType = "FinetuningArguments"
	ArgTypeGenerating FinetuneArgType = "GeneratingArguments"
	ArgTypeDeepspeed  FinetuneArgType = "DeepspeedArguments"
	ArgTypeOutput     FinetuneArgType = "OutputArguments"
)

// FinetuneConfig is a named, typed bag of training hyperparameters.
type FinetuneConfig struct {
	Base
	Name    string                 `json:"name" db:"name"`
	ArgType FinetuneArgType        `json:"arg_type" db:"arg_type"`
	Payload map[string]interface{} `json:"payload" db:"payload"`
}

// ModelPath extracts ModelArguments.model_name_or_path, used when rendering
// the train yaml and the conceptual llamafactory-cli invocation.
func (c FinetuneConfig) ModelPath() (string, bool) {
	if c.ArgType != ArgTypeModel {
		return "", false
	}
	v, ok := c.Payload["model_name_or_path"].(string)
	return v, ok
}

// FinetuneJob is the Remote Fine-Tuning Orchestrator's unit of work. Per
// spec §9, DatasetVersion/FinetuneConfigList/NodeMachineList are embedded
// deep copies captured at creation time, never references: a job must
// remain startable even after the source rows are edited or deleted.
type FinetuneJob struct {
	Base
	Name               string            `json:"name" db:"name"`
	Status             FinetuneJobStatus `json:"status" db:"status"`
	Stage              FinetuneStage     `json:"stage" db:"stage"`
	FinetuneMethod     string            `json:"finetune_method" db:"finetune_method"`
	DatasetVersion     DatasetVersion    `json:"dataset_version" db:"dataset_version"`
	FinetuneConfigList []FinetuneConfig  `json:"finetune_config_list" db:"finetune_config_list"`
	NodeMachineList    []Machine         `json:"node_machine_list" db:"node_machine_list"`
	ErrorInfo          string            `json:"error_info,omitempty" db:"error_info"`
	DoneNodeNum        int               `json:"done_node_num" db:"done_node_num"`
	ReleaseID          *uuid.UUID        `json:"release_id,omitempty" db:"release_id"`
	Locale             Locale            `json:"locale" db:"locale"`
	StartAt            *time.Time        `json:"start_at,omitempty" db:"start_at"`
	EndAt              *time.Time        `json:"end_at,omitempty" db:"end_at"`
}

// HasDeepspeedConfig reports whether FinetuneConfigList contains a
// DeepspeedArguments entry, required whenever the master has gpu_count > 1
// or the job spans multiple machines (§4.4.2 step 2).
func (j FinetuneJob) HasDeepspeedConfig() bool {
	for _, c := range j.FinetuneConfigList {
		if c.ArgType == ArgTypeDeepspeed {
			return true
		}
	}
	return false
}

// RequiresDeepspeed reports whether the topology in §4.4.2 step 2 demands a
// DeepSpeed config: a multi-GPU master or more than one machine.
func (j FinetuneJob) RequiresDeepspeed() bool {
	if len(j.NodeMachineList) > 1 {
		return true
	}
	if len(j.NodeMachineList) == 1 && j.NodeMachineList[0].GPUCount > 1 {
		return true
	}
	return false
}

// Release is an immutable snapshot of a successful FinetuneJob: a tarred
// artifact at a well-known local path. Spec §8 invariant: at most one
// Release per FinetuneJob.
type Release struct {
	Base
	FinetuneJobID      uuid.UUID `json:"finetune_job_id" db:"finetune_job_id"`
	FinetuneModelPath  string    `json:"finetune_model_path" db:"finetune_model_path"`
}
