// Package orchestrator executes workflow runs: it owns definition
// submission, run creation with the run-key uniqueness guarantee, the DAG
// execution engine, per-step retries, and asset extraction. Execution is
// driven by workflow queue jobs so any worker can advance any run, one
// worker at a time per run.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/events/trigger"
	"github.com/apphub/orchestra/hooks"
	"github.com/apphub/orchestra/jobs"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/runkey"
	"github.com/apphub/orchestra/services"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
	"github.com/apphub/orchestra/workflow"
	wftemplate "github.com/apphub/orchestra/workflow/template"
)

// Job names dispatched on the workflow queue.
const (
	JobExecute = "workflow:execute"
	JobRetry   = "workflow:retry"
)

type (
	// ExecuteJob is the payload of a workflow execution job. Retry jobs
	// reuse it; the engine resumes from persisted step runs either way.
	ExecuteJob struct {
		RunID string `json:"runId"`
	}

	// Options configures an Orchestrator.
	Options struct {
		// Store persists definitions, runs, step runs, and
		// materializations. Required.
		Store store.WorkflowStore
		// Events persists the trigger records materialized from definition
		// trigger specs. Required.
		Events store.EventStore
		// Queue dispatches execution and retry jobs. Required.
		Queue *queue.Manager
		// Jobs runs job steps. Required.
		Jobs *jobs.Registry
		// Services invokes service steps. Required.
		Services *services.Invoker
		// Hooks publishes definition, asset, and run lifecycle events.
		// Required.
		Hooks hooks.Bus
		// MaxStepConcurrency caps concurrently executing steps per run.
		// Defaults to 10.
		MaxStepConcurrency int
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records orchestrator activity. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics records run and step timings. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Orchestrator is the workflow runtime.
	Orchestrator struct {
		store    store.WorkflowStore
		events   store.EventStore
		queue    *queue.Manager
		jobs     *jobs.Registry
		services *services.Invoker
		hooks    hooks.Bus
		maxConc  int
		clock    clock.Clock
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// CreateRunRequest asks for a new workflow run.
	CreateRunRequest struct {
		// WorkflowDefinitionID selects the definition; Slug selects the
		// latest version when the id is empty.
		WorkflowDefinitionID string
		Slug                 string
		// Parameters override the definition defaults (deep merge, caller
		// wins).
		Parameters map[string]any
		// RunKey dedupes concurrent runs. Optional.
		RunKey string
		// PartitionKey scopes produced assets. Optional.
		PartitionKey string
		// Trigger records what launched the run. Defaults to manual.
		Trigger workflow.RunTrigger
		// TriggeredBy attributes the run.
		TriggeredBy string
	}
)

// New validates the options and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: workflow store is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("orchestrator: event store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("orchestrator: queue manager is required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("orchestrator: job registry is required")
	}
	if opts.Services == nil {
		return nil, fmt.Errorf("orchestrator: service invoker is required")
	}
	if opts.Hooks == nil {
		return nil, fmt.Errorf("orchestrator: hook bus is required")
	}
	if opts.MaxStepConcurrency <= 0 {
		opts.MaxStepConcurrency = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Orchestrator{
		store:    opts.Store,
		events:   opts.Events,
		queue:    opts.Queue,
		jobs:     opts.Jobs,
		services: opts.Services,
		hooks:    opts.Hooks,
		maxConc:  opts.MaxStepConcurrency,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// RegisterHandlers binds the execution job bodies on the workflow queue.
func (o *Orchestrator) RegisterHandlers() error {
	return o.queue.Register(config.QueueKeyWorkflow, func(ctx context.Context, job *queue.Job) error {
		switch job.Name {
		case JobExecute, JobRetry:
			var ej ExecuteJob
			if err := json.Unmarshal(job.Payload, &ej); err != nil {
				return fmt.Errorf("orchestrator: decode job: %w", err)
			}
			return o.Execute(ctx, ej.RunID)
		default:
			return fmt.Errorf("orchestrator: unknown job %q", job.Name)
		}
	})
}

// SubmitDefinition validates and stores a definition version, replaces the
// workflow's trigger records with those declared inline, and announces the
// update. The submitted definition's version is assigned here: one past the
// latest stored version for the slug.
func (o *Orchestrator) SubmitDefinition(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if def == nil {
		return nil, apperr.New(apperr.KindValidation, "definition is required")
	}
	cp := *def
	if cp.ID == "" {
		cp.ID = clock.NewID()
	}
	prev, err := o.store.GetDefinitionBySlug(ctx, cp.Slug)
	switch {
	case err == store.ErrNotFound:
		cp.Version = 1
	case err != nil:
		return nil, fmt.Errorf("orchestrator: load previous version: %w", err)
	default:
		cp.Version = prev.Version + 1
	}
	cp.CreatedAt = o.clock.Now()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if err := o.store.CreateDefinition(ctx, &cp); err != nil {
		return nil, fmt.Errorf("orchestrator: persist definition: %w", err)
	}
	if err := o.replaceTriggers(ctx, &cp, prev); err != nil {
		return nil, err
	}
	if err := o.hooks.Publish(ctx, hooks.DefinitionUpdated{WorkflowDefinitionID: cp.ID}); err != nil {
		o.logger.Warn(ctx, "orchestrator.publish_failed", "event", "definition.updated", "error", err.Error())
	}
	o.logger.Info(ctx, "orchestrator.definition_submitted", "workflow", cp.String(), "id", cp.ID)
	return &cp, nil
}

// replaceTriggers swaps the trigger records of the workflow for those
// declared on the new definition version. Previous versions' triggers are
// removed so only the latest version launches runs.
func (o *Orchestrator) replaceTriggers(ctx context.Context, def, prev *workflow.Definition) error {
	if prev != nil {
		if err := o.events.DeleteTriggersForWorkflow(ctx, prev.ID); err != nil {
			return fmt.Errorf("orchestrator: delete previous triggers: %w", err)
		}
	}
	now := o.clock.Now()
	for _, spec := range def.Triggers {
		t := &events.Trigger{
			ID:                   clock.NewID(),
			WorkflowDefinitionID: def.ID,
			EventType:            spec.EventType,
			Filter:               spec.Filter,
			Throttle:             spec.Throttle,
			ParameterTemplate:    spec.ParameterTemplate,
			RunKeyTemplate:       spec.RunKeyTemplate,
			CreatedAt:            now,
		}
		if err := o.events.CreateTrigger(ctx, t); err != nil {
			return fmt.Errorf("orchestrator: persist trigger: %w", err)
		}
	}
	return nil
}

// CreateRun creates a run and enqueues its execution. When the request
// carries a run key and a non-terminal run with the same normalized key
// exists, the existing run is returned with created=false and re-enqueued
// idempotently.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (run *workflow.Run, created bool, err error) {
	def, err := o.resolveDefinition(ctx, req.WorkflowDefinitionID, req.Slug)
	if err != nil {
		return nil, false, err
	}
	params := wftemplate.Merge(def.DefaultParameters, req.Parameters)
	trig := req.Trigger
	if trig.Type == "" {
		trig.Type = workflow.TriggerTypeManual
	}
	candidate := &workflow.Run{
		ID:                   clock.NewID(),
		WorkflowDefinitionID: def.ID,
		Status:               workflow.StatusPending,
		RunKey:               strings.TrimSpace(req.RunKey),
		Parameters:           params,
		Trigger:              trig,
		TriggeredBy:          req.TriggeredBy,
		PartitionKey:         req.PartitionKey,
		CreatedAt:            o.clock.Now(),
	}
	if candidate.RunKey != "" {
		candidate.RunKeyNormalized = runkey.Normalize(candidate.RunKey)
	}
	run, err = o.store.CreateRun(ctx, candidate)
	if err == store.ErrRunKeyConflict {
		o.logger.Debug(ctx, "orchestrator.run_key_conflict", "workflow", def.String(), "runKey", candidate.RunKeyNormalized, "existingRun", run.ID)
		if qerr := o.enqueueExecution(ctx, run.ID); qerr != nil {
			return nil, false, qerr
		}
		return run, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: persist run: %w", err)
	}
	if err := o.enqueueExecution(ctx, run.ID); err != nil {
		return nil, false, err
	}
	o.metrics.IncCounter("workflow_runs_created", 1, "workflow", def.Slug, "trigger", trig.Type)
	o.logger.Info(ctx, "orchestrator.run_created", "workflow", def.String(), "runId", run.ID, "trigger", trig.Type)
	return run, true, nil
}

// LaunchRun implements the trigger evaluator's launcher interface.
func (o *Orchestrator) LaunchRun(ctx context.Context, req trigger.LaunchRequest) (*workflow.Run, error) {
	run, _, err := o.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: req.WorkflowDefinitionID,
		Parameters:           req.Parameters,
		RunKey:               req.RunKey,
		PartitionKey:         req.PartitionKey,
		Trigger:              req.Trigger,
	})
	return run, err
}

// GetRun returns a run by id.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err == store.ErrNotFound {
		return nil, apperr.New(apperr.KindNotFound, "run %q not found", runID)
	}
	return run, err
}

// CancelRun requests cancellation of a run. Pending runs cancel
// immediately; running runs are marked canceled and in-flight steps observe
// it on their next persistence point.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, requestedBy string) (*workflow.Run, error) {
	run, err := o.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, apperr.New(apperr.KindConflict, "run %q is already %s", runID, run.Status)
	}
	now := o.clock.Now()
	run.Status = workflow.StatusCanceled
	run.CompletedAt = &now
	run.ErrorMessage = "canceled by " + requestedBy
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: persist cancellation: %w", err)
	}
	o.publishRunCompleted(ctx, run)
	o.logger.Info(ctx, "orchestrator.run_canceled", "runId", runID, "requestedBy", requestedBy)
	return run, nil
}

func (o *Orchestrator) resolveDefinition(ctx context.Context, id, slug string) (*workflow.Definition, error) {
	var (
		def *workflow.Definition
		err error
	)
	switch {
	case id != "":
		def, err = o.store.GetDefinition(ctx, id)
	case slug != "":
		def, err = o.store.GetDefinitionBySlug(ctx, slug)
	default:
		return nil, apperr.New(apperr.KindValidation, "definition id or slug is required")
	}
	if err == store.ErrNotFound {
		return nil, apperr.New(apperr.KindNotFound, "workflow definition not found")
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load definition: %w", err)
	}
	return def, nil
}

func (o *Orchestrator) enqueueExecution(ctx context.Context, runID string) error {
	payload, err := json.Marshal(ExecuteJob{RunID: runID})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal execute job: %w", err)
	}
	_, err = o.queue.Enqueue(ctx, config.QueueKeyWorkflow, JobExecute, payload, queue.EnqueueOptions{
		JobID: retry.JobID("workflow-run", runID),
	})
	if err != nil {
		return fmt.Errorf("orchestrator: enqueue execution: %w", err)
	}
	return nil
}

func (o *Orchestrator) publishRunCompleted(ctx context.Context, run *workflow.Run) {
	err := o.hooks.Publish(ctx, hooks.RunCompleted{
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		WorkflowRunID:        run.ID,
		Status:               string(run.Status),
		TriggerType:          run.Trigger.Type,
	})
	if err != nil {
		o.logger.Warn(ctx, "orchestrator.publish_failed", "event", "run.completed", "runId", run.ID, "error", err.Error())
	}
}
