package models

import "github.com/google/uuid"

// DeployClusterStatus is the Inference Cluster Controller state machine
// (§4.5.1): Init -> Deploying -> Starting -> Uninstalled, with Error
// reachable from Deploying and Starting.
type DeployClusterStatus string

const (
	ClusterStatusInit        DeployClusterStatus = "Init"
	ClusterStatusDeploying    DeployClusterStatus = "Deploying"
	ClusterStatusStarting     DeployClusterStatus = "Starting"
	ClusterStatusUninstalled  DeployClusterStatus = "Uninstalled"
	ClusterStatusError        DeployClusterStatus = "Error"
)

// RayNodeStatus is the per-node ray health entry, index-aligned with
// DeployCluster.MachineIDList (spec §8 invariant).
type RayNodeStatus struct {
	MachineID uuid.UUID `json:"machine_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// LoraStatus is the LoRA adapter sub-state machine (§4.5.4): Init ->
// Deploying -> Starting -> Uninstalled, with Error from Deploying.
type LoraStatus string

const (
	LoraStatusInit        LoraStatus = "Init"
	LoraStatusDeploying    LoraStatus = "Deploying"
	LoraStatusStarting     LoraStatus = "Starting"
	LoraStatusUninstalled  LoraStatus = "Uninstalled"
	LoraStatusError        LoraStatus = "Error"
)

// LoraInfo is a single hot-loadable adapter tracked by a DeployCluster.
type LoraInfo struct {
	ID        uuid.UUID  `json:"id"`
	ReleaseID uuid.UUID  `json:"release_id"`
	Path      string     `json:"path"`
	Stage     FinetuneStage `json:"stage"`
	Status    LoraStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
}

// DeployCluster is a ray head/worker cluster running vLLM with optional
// hot-loaded LoRA adapters.
type DeployCluster struct {
	Base
	Name            string          `json:"name" db:"name"`
	MachineIDList   []uuid.UUID     `json:"machine_id_list" db:"machine_id_list"`
	RayStatus       []RayNodeStatus `json:"ray_status" db:"ray_status"`
	Status          DeployClusterStatus `json:"status" db:"status"`
	BaseModel       string          `json:"base_model" db:"base_model"`
	FinetuneMethod  string          `json:"finetune_method" db:"finetune_method"`
	LoraInfos       []LoraInfo      `json:"lora_infos" db:"lora_infos"`
}

// MasterMachineID is the first entry in MachineIDList: the ray head and
// the node every vLLM/LoRA HTTP call targets.
func (c DeployCluster) MasterMachineID() (uuid.UUID, bool) {
	if len(c.MachineIDList) == 0 {
		return uuid.UUID{}, false
	}
	return c.MachineIDList[0], true
}

// FindLora returns the LoraInfo with the given id, if present.
func (c DeployCluster) FindLora(id uuid.UUID) (LoraInfo, bool) {
	for _, l := range c.LoraInfos {
		if l.ID == id {
			return l, true
		}
	}
	return LoraInfo{}, false
}
