package store

import (
	"context"
	"time"

	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/workflow"
)

type (
	// WorkflowStore persists definitions, runs, step runs, materializations,
	// and stale-partition flags.
	WorkflowStore interface {
		// CreateDefinition stores a new definition version. Definitions are
		// immutable; a new version of an existing slug is a new row.
		CreateDefinition(ctx context.Context, def *workflow.Definition) error

		// GetDefinition retrieves a definition by id.
		GetDefinition(ctx context.Context, id string) (*workflow.Definition, error)

		// GetDefinitionBySlug retrieves the latest version for a slug.
		GetDefinitionBySlug(ctx context.Context, slug string) (*workflow.Definition, error)

		// ListDefinitions returns the latest version of every workflow.
		ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)

		// CreateRun persists a new run. When the run carries a normalized
		// run key, at most one non-terminal run per
		// (workflowDefinitionId, runKeyNormalized) may exist: on conflict the
		// existing run is returned together with ErrRunKeyConflict and no
		// row is written.
		CreateRun(ctx context.Context, run *workflow.Run) (*workflow.Run, error)

		// GetRun retrieves a run by id.
		GetRun(ctx context.Context, id string) (*workflow.Run, error)

		// UpdateRun persists run status, timestamps, output, and error.
		UpdateRun(ctx context.Context, run *workflow.Run) error

		// ListActiveRuns returns the non-terminal runs of a workflow.
		ListActiveRuns(ctx context.Context, workflowDefinitionID string) ([]*workflow.Run, error)

		// UpsertStepRun persists a step run keyed by (workflowRunId, stepId).
		UpsertStepRun(ctx context.Context, sr *workflow.StepRun) error

		// ListStepRuns returns the step runs of a run in creation order.
		ListStepRuns(ctx context.Context, runID string) ([]*workflow.StepRun, error)

		// RecordMaterialization appends an asset materialization and updates
		// the latest-per-(workflow, asset, partition) snapshot.
		RecordMaterialization(ctx context.Context, m *workflow.Materialization) error

		// LatestMaterializations returns the latest materialization per
		// (asset, partition) for a workflow.
		LatestMaterializations(ctx context.Context, workflowDefinitionID string) ([]*workflow.Materialization, error)

		// LatestMaterialization returns the latest materialization for the
		// exact (workflow, asset, partition) triple.
		LatestMaterialization(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) (*workflow.Materialization, error)

		// MarkStalePartition flags a partition for re-materialization.
		// Upsert by (workflow, asset, partition).
		MarkStalePartition(ctx context.Context, flag *workflow.StalePartitionFlag) error

		// ClearStalePartition removes a stale flag.
		ClearStalePartition(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error

		// ListStalePartitions returns the stale flags for a workflow.
		ListStalePartitions(ctx context.Context, workflowDefinitionID string) ([]*workflow.StalePartitionFlag, error)
	}

	// ClaimStore persists auto-run claims and per-workflow failure state.
	// Claim acquisition is compare-and-set: implementations must guarantee
	// at most one active claim per workflow.
	ClaimStore interface {
		// AcquireClaim writes the claim iff no unexpired claim exists for
		// the workflow. Returns ErrClaimHeld otherwise.
		AcquireClaim(ctx context.Context, claim *AutoRunClaim) error

		// AttachRunToClaim binds a newly created run to the active claim
		// owned by ownerID.
		AttachRunToClaim(ctx context.Context, workflowDefinitionID, ownerID, runID string) error

		// ReleaseClaim frees the active claim matched by owner id or run id
		// (whichever is non-empty). Releasing a missing claim is a no-op.
		ReleaseClaim(ctx context.Context, workflowDefinitionID, ownerID, runID string) error

		// ActiveClaim returns the unexpired claim for a workflow, or
		// ErrNotFound.
		ActiveClaim(ctx context.Context, workflowDefinitionID string) (*AutoRunClaim, error)

		// SweepExpiredClaims deletes claims that expired before cutoff and
		// returns how many were removed. Called on materializer startup.
		SweepExpiredClaims(ctx context.Context, cutoff time.Time) (int, error)

		// GetFailureState returns the failure state for a workflow, or
		// ErrNotFound.
		GetFailureState(ctx context.Context, workflowDefinitionID string) (*AssetFailureState, error)

		// SetFailureState upserts the failure state.
		SetFailureState(ctx context.Context, st *AssetFailureState) error

		// ClearFailureState removes the failure state. Missing is a no-op.
		ClearFailureState(ctx context.Context, workflowDefinitionID string) error
	}

	// EventStore persists envelopes, schemas, triggers, and ingress retries.
	EventStore interface {
		// InsertEnvelope persists an envelope. Duplicate ids are idempotent
		// (update-on-conflict).
		InsertEnvelope(ctx context.Context, env *events.Envelope) error

		// GetEnvelope retrieves an envelope by id.
		GetEnvelope(ctx context.Context, id string) (*events.Envelope, error)

		// UpsertSchema persists a schema version. Returns ErrVersionExists
		// if the (eventType, version) row exists with a different hash;
		// identical hashes update status/metadata only.
		UpsertSchema(ctx context.Context, s *events.Schema) error

		// GetSchema retrieves the exact (eventType, version) schema.
		GetSchema(ctx context.Context, eventType string, version int) (*events.Schema, error)

		// LatestSchema returns the highest-version schema for the event type
		// whose status is in statuses (all statuses when empty).
		LatestSchema(ctx context.Context, eventType string, statuses []events.SchemaStatus) (*events.Schema, error)

		// ListSchemas returns every version registered for the event type.
		ListSchemas(ctx context.Context, eventType string) ([]*events.Schema, error)

		// CreateTrigger persists an event trigger.
		CreateTrigger(ctx context.Context, t *events.Trigger) error

		// GetTrigger retrieves a trigger by id.
		GetTrigger(ctx context.Context, id string) (*events.Trigger, error)

		// ListTriggersByEventType returns the triggers bound to an event type.
		ListTriggersByEventType(ctx context.Context, eventType string) ([]*events.Trigger, error)

		// DeleteTriggersForWorkflow removes the triggers of a workflow,
		// used when a definition update replaces its trigger set.
		DeleteTriggersForWorkflow(ctx context.Context, workflowDefinitionID string) error

		// UpsertIngressRetry schedules or reschedules a retry keyed by event id.
		UpsertIngressRetry(ctx context.Context, r *events.IngressRetry) error

		// GetIngressRetry retrieves the retry row for an event id.
		GetIngressRetry(ctx context.Context, eventID string) (*events.IngressRetry, error)

		// DeleteIngressRetry removes the retry row. Missing is a no-op.
		DeleteIngressRetry(ctx context.Context, eventID string) error

		// DueIngressRetries returns retries whose NextAttemptAt <= now.
		DueIngressRetries(ctx context.Context, now time.Time, limit int) ([]*events.IngressRetry, error)
	}

	// SchedulerStore persists source pauses, rolling rate-limit windows,
	// trigger pauses, and trigger failure windows. Window counters are
	// compare-and-set at the store layer.
	SchedulerStore interface {
		// GetSourcePause returns the pause for a source, or ErrNotFound.
		GetSourcePause(ctx context.Context, source string) (*events.SourcePause, error)

		// SetSourcePause upserts a pause record.
		SetSourcePause(ctx context.Context, p *events.SourcePause) error

		// ClearSourcePause removes the pause. Missing is a no-op.
		ClearSourcePause(ctx context.Context, source string) error

		// RecordSourceArrival appends an arrival at the given time, drops
		// arrivals older than windowStart, and returns how many remain in
		// the rolling window, atomically.
		RecordSourceArrival(ctx context.Context, source string, at, windowStart time.Time) (int, error)

		// GetTriggerPause returns the pause for a trigger, or ErrNotFound.
		GetTriggerPause(ctx context.Context, triggerID string) (*events.TriggerPause, error)

		// SetTriggerPause upserts a trigger pause.
		SetTriggerPause(ctx context.Context, p *events.TriggerPause) error

		// ClearTriggerPause removes the pause. Missing is a no-op.
		ClearTriggerPause(ctx context.Context, triggerID string) error

		// RecordTriggerFailure atomically counts a failure within the
		// rolling error window and returns the count since windowStart.
		// Failures older than windowStart are discarded.
		RecordTriggerFailure(ctx context.Context, triggerID string, at, windowStart time.Time) (int, error)

		// ClearTriggerFailures resets the failure window after a success.
		ClearTriggerFailures(ctx context.Context, triggerID string) error
	}

	// ScalingStore persists runtime scaling policies and worker acks.
	ScalingStore interface {
		// GetScalingPolicy returns the policy for a target, or ErrNotFound.
		GetScalingPolicy(ctx context.Context, target string) (*ScalingPolicy, error)

		// UpsertScalingPolicy persists the policy.
		UpsertScalingPolicy(ctx context.Context, p *ScalingPolicy) error

		// RecordScalingAck appends a worker acknowledgement.
		RecordScalingAck(ctx context.Context, ack *ScalingAck) error

		// ListScalingAcks returns recent acks for a target, newest first.
		ListScalingAcks(ctx context.Context, target string, limit int) ([]*ScalingAck, error)
	}

	// MetricsStore persists the per-source and per-trigger counters with
	// atomic upserts (additions and max-of folds).
	MetricsStore interface {
		// RecordSourceObservation folds one observation into the source
		// counters.
		RecordSourceObservation(ctx context.Context, source string, obs SourceObservation) error

		// GetSourceMetrics returns the counters for a source, or ErrNotFound.
		GetSourceMetrics(ctx context.Context, source string) (*SourceMetrics, error)

		// RecordTriggerOutcome increments the counter for the outcome and
		// updates last status/error.
		RecordTriggerOutcome(ctx context.Context, triggerID string, outcome TriggerOutcome, lastError string) error

		// GetTriggerMetrics returns the counters for a trigger, or ErrNotFound.
		GetTriggerMetrics(ctx context.Context, triggerID string) (*TriggerMetrics, error)

		// RecordQueueStats appends a queue stats snapshot.
		RecordQueueStats(ctx context.Context, stats *QueueStats) error
	}

	// AuditStore appends immutable audit entries.
	AuditStore interface {
		// AppendAudit appends an entry. Entries are never updated.
		AppendAudit(ctx context.Context, e *AuditEntry) error

		// ListAudit returns the newest entries up to limit.
		ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
	}

	// DelayedJobStore persists delayed queue jobs for promotion at RunAt.
	DelayedJobStore interface {
		// UpsertDelayedJob schedules or reschedules a job by JobID.
		UpsertDelayedJob(ctx context.Context, j *DelayedJob) error

		// DeleteDelayedJob removes a scheduled job. Missing is a no-op.
		DeleteDelayedJob(ctx context.Context, jobID string) error

		// DueDelayedJobs atomically claims and removes jobs whose
		// RunAt <= now, returning them for dispatch. A job is returned to
		// at most one caller.
		DueDelayedJobs(ctx context.Context, now time.Time, limit int) ([]*DelayedJob, error)
	}

	// Store is the full persistence surface. The memory and mongo
	// implementations satisfy it; components accept the narrow interface
	// they need.
	Store interface {
		WorkflowStore
		ClaimStore
		EventStore
		SchedulerStore
		ScalingStore
		MetricsStore
		AuditStore
		DelayedJobStore
	}
)
