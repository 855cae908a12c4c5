package hooks

import "time"

// EventType identifies a core event kind on the bus.
type EventType string

const (
	// EventDefinitionUpdated is published after a workflow definition is
	// created or versioned. The materializer rebuilds its graph for the
	// workflow.
	EventDefinitionUpdated EventType = "workflow.definition.updated"
	// EventAssetProduced is published after a step's result and asset
	// records are durable.
	EventAssetProduced EventType = "asset.produced"
	// EventAssetExpired is published by the freshness timer when an asset
	// partition passes its TTL.
	EventAssetExpired EventType = "asset.expired"
	// EventRunCompleted is published when a workflow run reaches a terminal
	// status.
	EventRunCompleted EventType = "workflow.run.completed"
)

type (
	// Event is implemented by every core event published on the bus.
	// Subscribers use type switches to access event-specific fields.
	Event interface {
		Type() EventType
	}

	// DefinitionUpdated signals that a workflow definition changed.
	DefinitionUpdated struct {
		WorkflowDefinitionID string
	}

	// AssetProduced signals a durable asset materialization.
	AssetProduced struct {
		WorkflowDefinitionID string
		WorkflowSlug         string
		WorkflowRunID        string
		StepID               string
		AssetID              string
		PartitionKey         string
		ProducedAt           time.Time
	}

	// AssetExpired signals that the freshness TTL of an asset partition
	// elapsed. ProducedAt identifies the materialization that expired so the
	// materializer can skip stale notifications.
	AssetExpired struct {
		WorkflowDefinitionID string
		AssetID              string
		PartitionKey         string
		ProducedAt           time.Time
		ExpiredAt            time.Time
		Reason               string
	}

	// RunCompleted signals a terminal workflow run. TriggerType carries the
	// run's trigger type so the materializer can recognize its own
	// auto-materialize runs.
	RunCompleted struct {
		WorkflowDefinitionID string
		WorkflowRunID        string
		Status               string
		TriggerType          string
	}
)

// Type implements Event.
func (DefinitionUpdated) Type() EventType { return EventDefinitionUpdated }

// Type implements Event.
func (AssetProduced) Type() EventType { return EventAssetProduced }

// Type implements Event.
func (AssetExpired) Type() EventType { return EventAssetExpired }

// Type implements Event.
func (RunCompleted) Type() EventType { return EventRunCompleted }
