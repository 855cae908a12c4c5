package workflow

import "time"

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final. The run-key uniqueness index
// only constrains non-terminal rows.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Trigger types recorded on runs.
const (
	// TriggerTypeManual marks runs created by a direct caller.
	TriggerTypeManual = "manual"
	// TriggerTypeEvent marks runs launched by an event trigger.
	TriggerTypeEvent = "event"
	// TriggerTypeAutoMaterialize marks runs created by the asset materializer.
	TriggerTypeAutoMaterialize = "auto-materialize"
)

type (
	// Run is a single execution of a workflow definition.
	Run struct {
		ID                   string         `json:"id"`
		WorkflowDefinitionID string         `json:"workflowDefinitionId"`
		Status               Status         `json:"status"`
		RunKey               string         `json:"runKey,omitempty"`
		RunKeyNormalized     string         `json:"runKeyNormalized,omitempty"`
		Parameters           map[string]any `json:"parameters,omitempty"`
		Trigger              RunTrigger     `json:"trigger"`
		TriggeredBy          string         `json:"triggeredBy,omitempty"`
		PartitionKey         string         `json:"partitionKey,omitempty"`
		CreatedAt            time.Time      `json:"createdAt"`
		StartedAt            *time.Time     `json:"startedAt,omitempty"`
		CompletedAt          *time.Time     `json:"completedAt,omitempty"`
		ErrorMessage         string         `json:"errorMessage,omitempty"`
		Output               any            `json:"output,omitempty"`
	}

	// RunTrigger records what launched a run. Type is "manual", "event", or
	// TriggerTypeAutoMaterialize; Payload carries trigger-specific context
	// (event id, upstream run id, expiry reason).
	RunTrigger struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload,omitempty"`
	}

	// StepRun tracks one step of a run, including the current attempt.
	StepRun struct {
		ID            string     `json:"id"`
		WorkflowRunID string     `json:"workflowRunId"`
		StepID        string     `json:"stepId"`
		Status        StepStatus `json:"status"`
		Attempt       int        `json:"attempt"`
		JobRunID      string     `json:"jobRunId,omitempty"`
		Result        any        `json:"result,omitempty"`
		ErrorMessage  string     `json:"errorMessage,omitempty"`
		ErrorKind     string     `json:"errorKind,omitempty"`
		StartedAt     *time.Time `json:"startedAt,omitempty"`
		CompletedAt   *time.Time `json:"completedAt,omitempty"`
	}

	// Materialization is a concrete production of an asset partition by a
	// specific run and step. The latest row per
	// (workflowDefinitionId, assetId, partitionKey) is the authoritative
	// snapshot.
	Materialization struct {
		WorkflowDefinitionID string         `json:"workflowDefinitionId"`
		WorkflowRunID        string         `json:"workflowRunId"`
		StepID               string         `json:"stepId"`
		AssetID              string         `json:"assetId"`
		PartitionKey         string         `json:"partitionKey,omitempty"`
		ProducedAt           time.Time      `json:"producedAt"`
		Payload              any            `json:"payload,omitempty"`
		Schema               map[string]any `json:"schema,omitempty"`
		Freshness            *Freshness     `json:"freshness,omitempty"`
	}

	// StalePartitionFlag marks an asset partition as requiring
	// re-materialization.
	StalePartitionFlag struct {
		WorkflowDefinitionID string    `json:"workflowDefinitionId"`
		AssetID              string    `json:"assetId"`
		PartitionKey         string    `json:"partitionKey,omitempty"`
		RequestedAt          time.Time `json:"requestedAt"`
		RequestedBy          string    `json:"requestedBy,omitempty"`
		Note                 string    `json:"note,omitempty"`
	}
)
