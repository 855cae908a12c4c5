// Package store defines the persistence contracts for the orchestration core.
//
// The interfaces are narrow, table-family-shaped repositories; the concrete
// implementations live in subpackages:
//
//   - memory: In-memory store for inline mode, development, and testing
//   - mongo: MongoDB store for production persistence
//
// Implementations must be safe for concurrent use and must implement the
// compare-and-set operations (claims, run-key uniqueness, counter windows)
// atomically: they are the linchpin of the core's concurrency model.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRunKeyConflict is returned by CreateRun when another non-terminal
	// run holds the same (workflowDefinitionId, runKeyNormalized). The
	// existing run is returned alongside the error.
	ErrRunKeyConflict = errors.New("run key conflict")
	// ErrClaimHeld is returned when an auto-run claim is already active for
	// the workflow.
	ErrClaimHeld = errors.New("auto-run claim already held")
	// ErrVersionExists is returned when a schema version exists with a
	// different hash.
	ErrVersionExists = errors.New("schema version exists with different hash")
)

type (
	// AutoRunClaim is the exclusive token held by the materializer for a
	// workflow while it schedules an auto-run. At most one active claim per
	// workflow.
	AutoRunClaim struct {
		WorkflowDefinitionID string    `json:"workflowDefinitionId"`
		OwnerID              string    `json:"ownerId"`
		WorkflowRunID        string    `json:"workflowRunId,omitempty"`
		Reason               string    `json:"reason"`
		AssetID              string    `json:"assetId,omitempty"`
		PartitionKey         string    `json:"partitionKey,omitempty"`
		AcquiredAt           time.Time `json:"acquiredAt"`
		ExpiresAt            time.Time `json:"expiresAt"`
	}

	// AssetFailureState tracks consecutive auto-run failures per workflow and
	// the resulting backoff deadline.
	AssetFailureState struct {
		WorkflowDefinitionID string    `json:"workflowDefinitionId"`
		Failures             int       `json:"failures"`
		LastFailureAt        time.Time `json:"lastFailureAt"`
		NextEligibleAt       time.Time `json:"nextEligibleAt"`
	}

	// ScalingPolicy holds the desired concurrency for a queue target.
	ScalingPolicy struct {
		Target             string    `json:"target"`
		DesiredConcurrency int       `json:"desiredConcurrency"`
		UpdatedAt          time.Time `json:"updatedAt"`
		UpdatedBy          string    `json:"updatedBy,omitempty"`
		Reason             string    `json:"reason,omitempty"`
	}

	// ScalingAck records a worker's application of a scaling policy.
	ScalingAck struct {
		Target             string    `json:"target"`
		InstanceID         string    `json:"instanceId"`
		AppliedConcurrency int       `json:"appliedConcurrency"`
		Status             string    `json:"status"`
		Error              string    `json:"error,omitempty"`
		At                 time.Time `json:"at"`
	}

	// SourceMetrics are the per-source ingress counters, updated atomically.
	SourceMetrics struct {
		Source     string    `json:"source"`
		Total      int64     `json:"total"`
		Throttled  int64     `json:"throttled"`
		Dropped    int64     `json:"dropped"`
		Failures   int64     `json:"failures"`
		TotalLagMS int64     `json:"totalLagMs"`
		LastLagMS  int64     `json:"lastLagMs"`
		MaxLagMS   int64     `json:"maxLagMs"`
		LastEvent  time.Time `json:"lastEventAt"`
	}

	// SourceObservation is a single ingress observation folded into
	// SourceMetrics.
	SourceObservation struct {
		Throttled bool
		Dropped   bool
		Failure   bool
		Lag       time.Duration
		At        time.Time
	}

	// TriggerOutcome enumerates the result of evaluating one trigger against
	// one envelope.
	TriggerOutcome string

	// TriggerMetrics are the per-trigger evaluation counters.
	TriggerMetrics struct {
		TriggerID  string `json:"triggerId"`
		Filtered   int64  `json:"filtered"`
		Matched    int64  `json:"matched"`
		Launched   int64  `json:"launched"`
		Throttled  int64  `json:"throttled"`
		Skipped    int64  `json:"skipped"`
		Failed     int64  `json:"failed"`
		Paused     int64  `json:"paused"`
		LastStatus string `json:"lastStatus,omitempty"`
		LastError  string `json:"lastError,omitempty"`
	}

	// DelayedJob is a queue job persisted for execution at an absolute time.
	// JobID has replace semantics: upserting the same id reschedules.
	DelayedJob struct {
		JobID     string          `json:"jobId"`
		QueueKey  string          `json:"queueKey"`
		Name      string          `json:"name"`
		Data      json.RawMessage `json:"data,omitempty"`
		RunAt     time.Time       `json:"runAt"`
		CreatedAt time.Time       `json:"createdAt"`
	}

	// AuditEntry is an immutable audit log record. The core is a passive
	// writer; security-sensitive operations are attributed by the caller.
	AuditEntry struct {
		ID      string         `json:"id"`
		Actor   string         `json:"actor"`
		Action  string         `json:"action"`
		Subject string         `json:"subject,omitempty"`
		Details map[string]any `json:"details,omitempty"`
		At      time.Time      `json:"at"`
	}

	// QueueStats is a point-in-time snapshot of queue counts.
	QueueStats struct {
		QueueKey        string    `json:"queueKey"`
		Waiting         int       `json:"waiting"`
		Active          int       `json:"active"`
		Completed       int       `json:"completed"`
		Failed          int       `json:"failed"`
		Delayed         int       `json:"delayed"`
		Paused          int       `json:"paused"`
		ProcessingAvgMS int64     `json:"processingAvgMs,omitempty"`
		WaitingAvgMS    int64     `json:"waitingAvgMs,omitempty"`
		At              time.Time `json:"at"`
	}
)

// Trigger outcomes recorded in TriggerMetrics.
const (
	OutcomeFiltered  TriggerOutcome = "filtered"
	OutcomeMatched   TriggerOutcome = "matched"
	OutcomeLaunched  TriggerOutcome = "launched"
	OutcomeThrottled TriggerOutcome = "throttled"
	OutcomeSkipped   TriggerOutcome = "skipped"
	OutcomeFailed    TriggerOutcome = "failed"
	OutcomePaused    TriggerOutcome = "paused"
)
