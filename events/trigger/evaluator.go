// Package trigger evaluates persisted envelopes against event triggers and
// launches workflow runs. Evaluation is a queue job so parallel workers can
// share the load; per-trigger failures retry with exponential backoff and
// repeated failures pause the trigger through the scheduler.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/events/ingress"
	"github.com/apphub/orchestra/events/scheduler"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
	"github.com/apphub/orchestra/workflow"
	wftemplate "github.com/apphub/orchestra/workflow/template"
)

type (
	// LaunchRequest asks the orchestrator for a new run.
	LaunchRequest struct {
		WorkflowDefinitionID string
		Parameters           map[string]any
		RunKey               string
		PartitionKey         string
		Trigger              workflow.RunTrigger
	}

	// Launcher creates workflow runs. The orchestrator implements it; a
	// run-key conflict returns the existing run without error.
	Launcher interface {
		LaunchRun(ctx context.Context, req LaunchRequest) (*workflow.Run, error)
	}

	// EvalJob is the payload of one evaluation job. TriggerID narrows a
	// retry to the single failing trigger; empty evaluates every trigger
	// bound to the event type.
	EvalJob struct {
		EventID   string `json:"eventId"`
		TriggerID string `json:"triggerId,omitempty"`
		Attempt   int    `json:"attempt,omitempty"`
	}

	// Options configures an Evaluator.
	Options struct {
		// Events loads envelopes and triggers. Required.
		Events store.EventStore
		// Workflows checks active runs for throttle concurrency. Required.
		Workflows store.WorkflowStore
		// Scheduler tracks pause and failure state. Required.
		Scheduler *scheduler.Service
		// Launcher creates runs. Required.
		Launcher Launcher
		// Queue schedules evaluation retries. Required.
		Queue *queue.Manager
		// Metrics records per-trigger outcomes. Optional.
		Metrics store.MetricsStore
		// MaxAttempts bounds evaluation retries per trigger. Defaults to 5.
		MaxAttempts int
		// Backoff computes the retry delay. Zero value uses defaults.
		Backoff retry.Policy
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records evaluator activity. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Evaluator runs trigger evaluation jobs.
	Evaluator struct {
		events      store.EventStore
		workflows   store.WorkflowStore
		scheduler   *scheduler.Service
		launcher    Launcher
		queue       *queue.Manager
		metrics     store.MetricsStore
		maxAttempts int
		backoff     retry.Policy
		clock       clock.Clock
		logger      telemetry.Logger

		// launches tracks recent launch times per trigger for rate
		// throttling. Per-worker state; the store-backed concurrency check
		// covers the cross-worker half of the throttle.
		mu       sync.Mutex
		launches map[string][]time.Time
	}
)

// NewEvaluator validates the options and builds an evaluator.
func NewEvaluator(opts Options) (*Evaluator, error) {
	if opts.Events == nil {
		return nil, fmt.Errorf("trigger: event store is required")
	}
	if opts.Workflows == nil {
		return nil, fmt.Errorf("trigger: workflow store is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("trigger: scheduler is required")
	}
	if opts.Launcher == nil {
		return nil, fmt.Errorf("trigger: launcher is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("trigger: queue manager is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = retry.Policy{Base: 5 * time.Second, Factor: 2, Max: 5 * time.Minute, JitterRatio: 0.2}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Evaluator{
		events:      opts.Events,
		workflows:   opts.Workflows,
		scheduler:   opts.Scheduler,
		launcher:    opts.Launcher,
		queue:       opts.Queue,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		clock:       opts.Clock,
		logger:      opts.Logger,
		launches:    make(map[string][]time.Time),
	}, nil
}

// RegisterHandlers binds the evaluation job body on the trigger queue.
func (e *Evaluator) RegisterHandlers() error {
	return e.queue.Register(config.QueueKeyEventTrigger, func(ctx context.Context, job *queue.Job) error {
		if job.Name != ingress.JobEvaluate {
			return fmt.Errorf("trigger: unknown job %q", job.Name)
		}
		var ej EvalJob
		if err := json.Unmarshal(job.Payload, &ej); err != nil {
			return fmt.Errorf("trigger: decode job: %w", err)
		}
		return e.Evaluate(ctx, ej)
	})
}

// Evaluate loads the envelope and evaluates the matching triggers. Failures
// of individual triggers schedule their own retries and never fail the job.
func (e *Evaluator) Evaluate(ctx context.Context, job EvalJob) error {
	env, err := e.events.GetEnvelope(ctx, job.EventID)
	if err == store.ErrNotFound {
		e.logger.Warn(ctx, "trigger.envelope_missing", "eventId", job.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("trigger: load envelope: %w", err)
	}
	triggers, err := e.events.ListTriggersByEventType(ctx, env.Type)
	if err != nil {
		return fmt.Errorf("trigger: list triggers: %w", err)
	}
	scope := envelopeScope(env)
	for _, t := range triggers {
		if job.TriggerID != "" && t.ID != job.TriggerID {
			continue
		}
		e.evaluateOne(ctx, env, t, scope, job.Attempt)
	}
	return nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, env *events.Envelope, t *events.Trigger, scope wftemplate.Scope, attempt int) {
	pause, err := e.scheduler.TriggerPause(ctx, t.ID)
	if err != nil {
		e.logger.Error(ctx, "trigger.pause_check_failed", "triggerId", t.ID, "error", err.Error())
		return
	}
	if pause != nil {
		e.outcome(ctx, t.ID, store.OutcomePaused, "")
		return
	}
	if !MatchFilter(t.Filter, scope) {
		e.outcome(ctx, t.ID, store.OutcomeFiltered, "")
		return
	}
	throttled, err := e.throttled(ctx, t)
	if err != nil {
		e.logger.Error(ctx, "trigger.throttle_check_failed", "triggerId", t.ID, "error", err.Error())
		return
	}
	if throttled {
		e.outcome(ctx, t.ID, store.OutcomeThrottled, "")
		return
	}
	e.outcome(ctx, t.ID, store.OutcomeMatched, "")
	if err := e.launch(ctx, env, t, scope); err != nil {
		e.outcome(ctx, t.ID, store.OutcomeFailed, err.Error())
		e.handleFailure(ctx, env, t, attempt, err)
		return
	}
	e.recordLaunch(t.ID)
	e.outcome(ctx, t.ID, store.OutcomeLaunched, "")
	if err := e.scheduler.RecordTriggerSuccess(ctx, t.ID); err != nil {
		e.logger.Warn(ctx, "trigger.clear_failures_failed", "triggerId", t.ID, "error", err.Error())
	}
}

func (e *Evaluator) launch(ctx context.Context, env *events.Envelope, t *events.Trigger, scope wftemplate.Scope) error {
	params, err := wftemplate.ResolveMap(t.ParameterTemplate, scope)
	if err != nil {
		return fmt.Errorf("resolve parameters: %w", err)
	}
	var runKey string
	if t.RunKeyTemplate != "" {
		v, err := wftemplate.ResolveString(t.RunKeyTemplate, scope)
		if err != nil {
			return fmt.Errorf("resolve run key: %w", err)
		}
		if v != nil {
			runKey = fmt.Sprint(v)
		}
	}
	_, err = e.launcher.LaunchRun(ctx, LaunchRequest{
		WorkflowDefinitionID: t.WorkflowDefinitionID,
		Parameters:           params,
		RunKey:               runKey,
		Trigger: workflow.RunTrigger{
			Type: workflow.TriggerTypeEvent,
			Payload: map[string]any{
				"eventId":       env.ID,
				"eventType":     env.Type,
				"source":        env.Source,
				"triggerId":     t.ID,
				"correlationId": env.CorrelationID,
			},
		},
	})
	return err
}

// handleFailure counts the failure and schedules a narrowed retry while
// attempts remain.
func (e *Evaluator) handleFailure(ctx context.Context, env *events.Envelope, t *events.Trigger, attempt int, cause error) {
	if attempt <= 0 {
		attempt = 1
	}
	paused, err := e.scheduler.RecordTriggerFailure(ctx, t.ID)
	if err != nil {
		e.logger.Error(ctx, "trigger.record_failure_failed", "triggerId", t.ID, "error", err.Error())
	}
	e.logger.Warn(ctx, "trigger.launch_failed", "triggerId", t.ID, "eventId", env.ID, "attempt", attempt, "paused", paused, "error", cause.Error())
	if paused || attempt >= e.maxAttempts {
		return
	}
	next := attempt + 1
	payload, err := json.Marshal(EvalJob{EventID: env.ID, TriggerID: t.ID, Attempt: next})
	if err != nil {
		e.logger.Error(ctx, "trigger.marshal_retry_failed", "triggerId", t.ID, "error", err.Error())
		return
	}
	_, err = e.queue.Enqueue(ctx, config.QueueKeyEventTrigger, ingress.JobEvaluate, payload, queue.EnqueueOptions{
		JobID:   retry.JobID("event-trigger", env.ID, t.ID, fmt.Sprint(next)),
		Delay:   e.backoff.Delay(attempt),
		Attempt: next,
	})
	if err != nil {
		e.logger.Error(ctx, "trigger.schedule_retry_failed", "triggerId", t.ID, "error", err.Error())
	}
}

// throttled applies the per-trigger rate window and the active-run
// concurrency cap.
func (e *Evaluator) throttled(ctx context.Context, t *events.Trigger) (bool, error) {
	th := t.Throttle
	if th == nil {
		return false, nil
	}
	if th.Count > 0 && th.Window > 0 {
		now := e.clock.Now()
		e.mu.Lock()
		kept := e.launches[t.ID][:0]
		for _, ts := range e.launches[t.ID] {
			if now.Sub(ts) < th.Window {
				kept = append(kept, ts)
			}
		}
		e.launches[t.ID] = kept
		over := len(kept) >= th.Count
		e.mu.Unlock()
		if over {
			return true, nil
		}
	}
	if th.MaxConcurrency > 0 {
		active, err := e.workflows.ListActiveRuns(ctx, t.WorkflowDefinitionID)
		if err != nil {
			return false, fmt.Errorf("list active runs: %w", err)
		}
		count := 0
		for _, r := range active {
			if r.Trigger.Type != workflow.TriggerTypeEvent {
				continue
			}
			if id, ok := r.Trigger.Payload["triggerId"].(string); ok && id == t.ID {
				count++
			}
		}
		if count >= th.MaxConcurrency {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) recordLaunch(triggerID string) {
	e.mu.Lock()
	e.launches[triggerID] = append(e.launches[triggerID], e.clock.Now())
	e.mu.Unlock()
}

func (e *Evaluator) outcome(ctx context.Context, triggerID string, o store.TriggerOutcome, lastError string) {
	if e.metrics == nil {
		return
	}
	if err := e.metrics.RecordTriggerOutcome(ctx, triggerID, o, lastError); err != nil {
		e.logger.Warn(ctx, "trigger.metrics_failed", "triggerId", triggerID, "error", err.Error())
	}
}

// envelopeScope builds the filter and template scope for an envelope.
func envelopeScope(env *events.Envelope) wftemplate.Scope {
	var payload any
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	meta := make(map[string]any, len(env.Metadata))
	for k, v := range env.Metadata {
		meta[k] = v
	}
	return wftemplate.Scope{
		"source":        env.Source,
		"payload":       payload,
		"metadata":      meta,
		"correlationId": env.CorrelationID,
		"occurredAt":    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		"event": map[string]any{
			"id":   env.ID,
			"type": env.Type,
		},
	}
}
