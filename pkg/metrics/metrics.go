package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsActive tracks how many Background Job Manager workers are
	// currently executing a Handler, by JobType (§4.1).
	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finetune_control_plane_jobs_active",
			Help: "Number of jobs currently executing, by job type",
		},
		[]string{"job_type"},
	)

	// JobsQueued tracks jobs waiting for a free worker slot.
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "finetune_control_plane_jobs_queued",
			Help: "Number of jobs waiting for a free worker slot",
		},
	)

	// FinetuneJobTransitions counts FinetuneJob state machine transitions
	// (§4.4), by the status reached.
	FinetuneJobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finetune_control_plane_finetune_job_transitions_total",
			Help: "Fine-tune job state machine transitions, by status reached",
		},
		[]string{"status"},
	)

	// ClusterNodesHealthy reports the last sync_cluster_status result
	// (§4.5.6) per deploy cluster: 1 if every node's ray probe and the
	// master's vLLM unit are healthy, 0 otherwise.
	ClusterNodesHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finetune_control_plane_cluster_healthy",
			Help: "1 if the cluster's ray nodes and vLLM unit are healthy, else 0",
		},
		[]string{"deploy_cluster_id"},
	)

	// LoraAdapterTransitions counts LoRA adapter lifecycle transitions
	// (§4.5.4), by the status reached.
	LoraAdapterTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finetune_control_plane_lora_adapter_transitions_total",
			Help: "LoRA adapter lifecycle transitions, by status reached",
		},
		[]string{"status"},
	)
)
