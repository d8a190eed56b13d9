package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// Job Manager events
	EventJobCreated   EventType = "job.created"
	EventJobStarted   EventType = "job.started"
	EventJobSucceeded EventType = "job.succeeded"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"

	// Fine-Tune Orchestrator events
	EventFinetuneInitializing EventType = "finetune_job.initializing"
	EventFinetuneInit         EventType = "finetune_job.init"
	EventFinetuneStarting     EventType = "finetune_job.starting"
	EventFinetuneSucceeded    EventType = "finetune_job.succeeded"
	EventFinetuneFailed       EventType = "finetune_job.failed"
	EventFinetuneError        EventType = "finetune_job.error"
	EventFinetuneCancelled    EventType = "finetune_job.cancelled"
	EventReleaseCreated       EventType = "release.created"

	// Inference Cluster Controller events
	EventClusterDeploying   EventType = "deploy_cluster.deploying"
	EventClusterStarting    EventType = "deploy_cluster.starting"
	EventClusterError       EventType = "deploy_cluster.error"
	EventClusterUninstalled EventType = "deploy_cluster.uninstalled"
	EventLoraInstalled      EventType = "lora.installed"
	EventLoraUninstalled    EventType = "lora.uninstalled"
	EventLoraError          EventType = "lora.error"
)

// Event represents a single event in the system.
type Event struct {
	// ID is a unique identifier for this event (for idempotency).
	ID string

	// Type is the event type.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// GroupID is the tenant/group this event belongs to (optional for
	// system-wide events).
	GroupID string

	// Payload contains event-specific data.
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload.
func NewEvent(eventType EventType, groupID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		GroupID:   groupID,
		Payload:   payload,
	}
}
