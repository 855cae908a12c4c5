package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/jobs"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/services"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/workflow"
	wftemplate "github.com/apphub/orchestra/workflow/template"
)

// execState is the mutable state of one Execute call. Concurrent steps in a
// wave share it; every read or write goes through the mutex.
type execState struct {
	run  *workflow.Run
	def  *workflow.Definition
	plan []string

	mu       sync.Mutex
	stepRuns map[string]*workflow.StepRun
	shared   map[string]any
	steps    map[string]any

	// retryPending is set when a step scheduled a retry job; the run stays
	// running and the retry job resumes it.
	retryPending bool
	// stopped is set when an external cancellation interrupted the loop.
	stopped bool
	// failed records the first fatal step error.
	failed    bool
	failedMsg string
}

// Execute advances a run to its next stopping point: terminal status, a
// scheduled retry, or cancellation. It is idempotent and resumable; the
// persisted step runs carry all progress, so any worker can pick up a run.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err == store.ErrNotFound {
		o.logger.Warn(ctx, "orchestrator.run_missing", "runId", runID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: load run: %w", err)
	}
	if run.Status.Terminal() {
		return nil
	}
	def, err := o.store.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return fmt.Errorf("orchestrator: load definition: %w", err)
	}
	plan, err := def.Plan()
	if err != nil {
		return o.failRun(ctx, run, fmt.Sprintf("plan: %v", err))
	}
	if run.Status == workflow.StatusPending {
		now := o.clock.Now()
		run.Status = workflow.StatusRunning
		run.StartedAt = &now
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("orchestrator: mark running: %w", err)
		}
	}

	es, err := o.loadState(ctx, run, def, plan)
	if err != nil {
		return err
	}
	start := o.clock.Now()
	if err := o.runLoop(ctx, es); err != nil {
		return err
	}
	if es.retryPending || es.stopped {
		// A retry job owns the continuation, or cancellation already
		// settled the terminal status.
		return nil
	}
	return o.finishRun(ctx, es, start)
}

// loadState rebuilds the in-memory execution state from the persisted step
// runs so a resumed run continues where the previous attempt stopped.
func (o *Orchestrator) loadState(ctx context.Context, run *workflow.Run, def *workflow.Definition, plan []string) (*execState, error) {
	existing, err := o.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load step runs: %w", err)
	}
	es := &execState{
		run:      run,
		def:      def,
		plan:     plan,
		stepRuns: make(map[string]*workflow.StepRun, len(existing)),
		shared:   make(map[string]any),
		steps:    make(map[string]any),
	}
	for _, sr := range existing {
		// A step left running belongs to a worker that died mid-attempt;
		// demote it so this worker re-runs the attempt.
		if sr.Status == workflow.StepStatusRunning {
			sr.Status = workflow.StepStatusPending
		}
		es.stepRuns[sr.StepID] = sr
		es.steps[sr.StepID] = map[string]any{"status": string(sr.Status), "result": sr.Result}
		switch sr.Status {
		case workflow.StepStatusSucceeded:
			if step := def.Step(sr.StepID); step != nil {
				if key := storeKey(step); key != "" {
					es.shared[key] = sr.Result
				}
			}
		case workflow.StepStatusFailed:
			es.failed = true
			es.failedMsg = fmt.Sprintf("step %q: %s", sr.StepID, sr.ErrorMessage)
		}
	}
	return es, nil
}

// runLoop dispatches waves of eligible steps until no step can advance.
func (o *Orchestrator) runLoop(ctx context.Context, es *execState) error {
	for {
		if canceled, err := o.runCanceled(ctx, es.run.ID); err != nil {
			return err
		} else if canceled {
			es.stopped = true
			return nil
		}
		if es.failed {
			o.skipRemaining(ctx, es)
			return nil
		}
		eligible := es.eligible()
		if len(eligible) == 0 {
			return nil
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.maxConc)
		for _, stepID := range eligible {
			step := es.def.Step(stepID)
			g.Go(func() error {
				return o.executeStep(gctx, es, step)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if es.retryPending {
			return nil
		}
	}
}

// eligible returns the ids of steps that have not started and whose
// dependencies are all succeeded or skipped, in plan order.
func (es *execState) eligible() []string {
	es.mu.Lock()
	defer es.mu.Unlock()
	var out []string
	for _, id := range es.plan {
		if sr, ok := es.stepRuns[id]; ok && sr.Status != workflow.StepStatusPending {
			continue
		}
		step := es.def.Step(id)
		ready := true
		for _, dep := range step.DependsOn {
			sr, ok := es.stepRuns[dep]
			if !ok || (sr.Status != workflow.StepStatusSucceeded && sr.Status != workflow.StepStatusSkipped) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// runCanceled re-reads the run so an external cancellation observed between
// waves stops dispatch.
func (o *Orchestrator) runCanceled(ctx context.Context, runID string) (bool, error) {
	cur, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: reload run: %w", err)
	}
	return cur.Status == workflow.StatusCanceled, nil
}

// skipRemaining marks every step that never started as skipped once a step
// has failed fatally, so the run reaches a stable terminal shape.
func (o *Orchestrator) skipRemaining(ctx context.Context, es *execState) {
	now := o.clock.Now()
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, id := range es.plan {
		if sr, ok := es.stepRuns[id]; ok && sr.Status != workflow.StepStatusPending {
			continue
		}
		sr := &workflow.StepRun{
			ID:            clock.NewID(),
			WorkflowRunID: es.run.ID,
			StepID:        id,
			Status:        workflow.StepStatusSkipped,
			CompletedAt:   &now,
		}
		if prev, ok := es.stepRuns[id]; ok {
			sr = prev
			sr.Status = workflow.StepStatusSkipped
			sr.CompletedAt = &now
		}
		if err := o.store.UpsertStepRun(ctx, sr); err != nil {
			o.logger.Error(ctx, "orchestrator.skip_persist_failed", "runId", es.run.ID, "stepId", id, "error", err.Error())
			continue
		}
		es.stepRuns[id] = sr
		es.steps[id] = map[string]any{"status": string(sr.Status), "result": nil}
	}
}

// executeStep runs one attempt of one step and applies the completion
// effects in order: persist result, record assets, update shared, publish.
func (o *Orchestrator) executeStep(ctx context.Context, es *execState, step *workflow.Step) error {
	sr, scope := o.beginAttempt(es, step)
	if err := o.store.UpsertStepRun(ctx, sr); err != nil {
		return fmt.Errorf("orchestrator: persist step start: %w", err)
	}
	o.logger.Debug(ctx, "orchestrator.step_started", "runId", es.run.ID, "stepId", step.ID, "attempt", sr.Attempt, "type", string(step.Type))

	stepCtx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	start := o.clock.Now()
	value, assets, err := o.dispatch(stepCtx, es, step, scope)
	if err != nil && stepCtx.Err() == context.DeadlineExceeded {
		err = apperr.Wrap(apperr.KindTimeout, err, "step %q exceeded %s", step.ID, step.Timeout)
	}
	o.metrics.RecordTimer("workflow_step_duration", o.clock.Now().Sub(start),
		"workflow", es.def.Slug, "step", step.ID, "type", string(step.Type))
	if err != nil {
		return o.completeFailure(ctx, es, step, sr, err)
	}
	return o.completeSuccess(ctx, es, step, sr, value, assets)
}

// beginAttempt records the attempt on the step run and snapshots the
// template scope under the state lock.
func (o *Orchestrator) beginAttempt(es *execState, step *workflow.Step) (*workflow.StepRun, wftemplate.Scope) {
	now := o.clock.Now()
	es.mu.Lock()
	defer es.mu.Unlock()
	sr, ok := es.stepRuns[step.ID]
	if !ok {
		sr = &workflow.StepRun{
			ID:            clock.NewID(),
			WorkflowRunID: es.run.ID,
			StepID:        step.ID,
		}
		es.stepRuns[step.ID] = sr
	}
	sr.Attempt++
	sr.Status = workflow.StepStatusRunning
	sr.StartedAt = &now
	sr.ErrorMessage = ""
	sr.ErrorKind = ""
	es.steps[step.ID] = map[string]any{"status": string(sr.Status), "result": nil}
	return sr, es.scopeLocked()
}

// scopeLocked builds the template scope from the current state. Callers hold
// the mutex; shared and steps are shallow-copied so resolution never races
// with concurrent completions.
func (es *execState) scopeLocked() wftemplate.Scope {
	shared := make(map[string]any, len(es.shared))
	for k, v := range es.shared {
		shared[k] = v
	}
	steps := make(map[string]any, len(es.steps))
	for k, v := range es.steps {
		steps[k] = v
	}
	return wftemplate.Scope{
		"shared": shared,
		"steps":  steps,
		"run": map[string]any{
			"id":          es.run.ID,
			"parameters":  es.run.Parameters,
			"triggeredBy": es.run.TriggeredBy,
			"trigger":     map[string]any{"type": es.run.Trigger.Type, "payload": es.run.Trigger.Payload},
		},
		"parameters": es.run.Parameters,
	}
}

// dispatch resolves the step inputs and runs the variant body. It returns
// the value stored on the step run plus any produced asset records.
func (o *Orchestrator) dispatch(ctx context.Context, es *execState, step *workflow.Step, scope wftemplate.Scope) (any, []any, error) {
	switch step.Type {
	case workflow.StepTypeJob:
		return o.dispatchJob(ctx, es, step, scope)
	case workflow.StepTypeService:
		return o.dispatchService(ctx, step, scope)
	case workflow.StepTypeFanOut:
		return o.dispatchFanOut(ctx, es, step, scope)
	default:
		return nil, nil, apperr.New(apperr.KindValidation, "unknown step type %q", step.Type)
	}
}

func (o *Orchestrator) dispatchJob(ctx context.Context, es *execState, step *workflow.Step, scope wftemplate.Scope) (any, []any, error) {
	params, err := o.stepParameters(step, scope)
	if err != nil {
		return nil, nil, err
	}
	res, err := o.jobs.Run(ctx, step.JobSlug, jobs.RunContext{
		RunID:      es.run.ID,
		StepID:     step.ID,
		Parameters: params,
		Logger:     o.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if res.Status == jobs.StatusFailed {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "job reported failure"
		}
		return nil, nil, apperr.New(apperr.KindFatalInternal, "job %q: %s", step.JobSlug, msg)
	}
	return res.Result, res.Assets, nil
}

func (o *Orchestrator) dispatchService(ctx context.Context, step *workflow.Step, scope wftemplate.Scope) (any, []any, error) {
	if step.Request == nil {
		return nil, nil, apperr.New(apperr.KindValidation, "service step %q has no request", step.ID)
	}
	req, err := resolveRequest(step, scope)
	if err != nil {
		return nil, nil, err
	}
	resp, err := o.services.Invoke(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if step.CaptureResponse || step.StoreResponseAs != "" {
		return responseValue(resp), nil, nil
	}
	return nil, nil, nil
}

func (o *Orchestrator) dispatchFanOut(ctx context.Context, es *execState, step *workflow.Step, scope wftemplate.Scope) (any, []any, error) {
	items, err := resolveCollection(step, scope)
	if err != nil {
		return nil, nil, err
	}
	maxConc := step.MaxConcurrency
	if maxConc <= 0 {
		maxConc = o.maxConc
	}
	results := make([]any, len(items))
	var (
		mu     sync.Mutex
		assets []any
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConc)
	for i, item := range items {
		g.Go(func() error {
			childScope := fanOutScope(scope, step, i, item)
			value, childAssets, err := o.dispatch(gctx, es, step.Template, childScope)
			if err != nil {
				return apperr.Wrap(apperr.KindOf(err), err, "fan-out %q item %d", step.ID, i)
			}
			mu.Lock()
			results[i] = value
			assets = append(assets, childAssets...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return results, assets, nil
}

// stepParameters resolves the step's parameter templates and merges them
// over the run parameters (step wins).
func (o *Orchestrator) stepParameters(step *workflow.Step, scope wftemplate.Scope) (map[string]any, error) {
	resolved, err := wftemplate.ResolveMap(step.Parameters, scope)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "resolve parameters for step %q", step.ID)
	}
	scope["stepParameters"] = resolved
	merged := wftemplate.Merge(runParams(scope), resolved)
	scope["step"] = map[string]any{"id": step.ID, "parameters": merged}
	return merged, nil
}

func runParams(scope wftemplate.Scope) map[string]any {
	if p, ok := scope["parameters"].(map[string]any); ok {
		return p
	}
	return nil
}

// resolveRequest resolves the request spec templates into an invoker request.
func resolveRequest(step *workflow.Step, scope wftemplate.Scope) (services.Request, error) {
	spec := step.Request
	pathVal, err := wftemplate.ResolveString(spec.Path, scope)
	if err != nil {
		return services.Request{}, apperr.Wrap(apperr.KindValidation, err, "resolve request path for step %q", step.ID)
	}
	headers, err := resolveStringMap(spec.Headers, scope)
	if err != nil {
		return services.Request{}, apperr.Wrap(apperr.KindValidation, err, "resolve request headers for step %q", step.ID)
	}
	query, err := resolveStringMap(spec.Query, scope)
	if err != nil {
		return services.Request{}, apperr.Wrap(apperr.KindValidation, err, "resolve request query for step %q", step.ID)
	}
	body, err := wftemplate.Resolve(spec.Body, scope)
	if err != nil {
		return services.Request{}, apperr.Wrap(apperr.KindValidation, err, "resolve request body for step %q", step.ID)
	}
	return services.Request{
		ServiceSlug:    step.ServiceSlug,
		Method:         spec.Method,
		Path:           fmt.Sprint(pathVal),
		Headers:        headers,
		Query:          query,
		Body:           body,
		RequireHealthy: step.RequireHealthy,
		AllowDegraded:  step.AllowDegraded,
	}, nil
}

func resolveStringMap(m map[string]string, scope wftemplate.Scope) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		rv, err := wftemplate.ResolveString(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = fmt.Sprint(rv)
	}
	return out, nil
}

// resolveCollection yields the fan-out items: a template expression or a
// literal array, bounded by the step's MaxItems.
func resolveCollection(step *workflow.Step, scope wftemplate.Scope) ([]any, error) {
	resolved, err := wftemplate.Resolve(step.Collection, scope)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "resolve collection for step %q", step.ID)
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "fan-out %q collection is not an array", step.ID)
	}
	limit := step.MaxItems
	if limit <= 0 {
		limit = workflow.MaxFanOutItems
	}
	if len(items) > limit {
		return nil, apperr.New(apperr.KindValidation, "fan-out %q has %d items, limit %d", step.ID, len(items), limit)
	}
	return items, nil
}

// fanOutScope derives the per-item scope without mutating the parent's.
func fanOutScope(parent wftemplate.Scope, step *workflow.Step, index int, item any) wftemplate.Scope {
	child := make(wftemplate.Scope, len(parent)+2)
	for k, v := range parent {
		child[k] = v
	}
	child["fanout"] = map[string]any{
		"parentStepId":   step.ID,
		"templateStepId": step.Template.ID,
		"index":          index,
		"item":           item,
	}
	child["item"] = item
	return child
}

// responseValue shapes the captured service response for the step result.
func responseValue(resp *services.Response) any {
	var body any
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			body = string(resp.Body)
		}
	}
	return map[string]any{"statusCode": resp.StatusCode, "body": body}
}

// completeSuccess applies the step-completion effects: persist the result,
// record produced assets, update shared state, then publish.
func (o *Orchestrator) completeSuccess(ctx context.Context, es *execState, step *workflow.Step, sr *workflow.StepRun, value any, assets []any) error {
	now := o.clock.Now()
	sr.Status = workflow.StepStatusSucceeded
	sr.Result = value
	sr.CompletedAt = &now
	if err := o.store.UpsertStepRun(ctx, sr); err != nil {
		return fmt.Errorf("orchestrator: persist step result: %w", err)
	}
	produced, err := o.recordAssets(ctx, es, step, value, assets)
	if err != nil {
		// Asset bookkeeping failures fail the step after the fact so the
		// partition-key invariant holds.
		return o.completeFailure(ctx, es, step, sr, err)
	}
	es.mu.Lock()
	if key := storeKey(step); key != "" {
		es.shared[key] = value
	}
	es.steps[step.ID] = map[string]any{"status": string(sr.Status), "result": value}
	es.mu.Unlock()
	o.publishAssets(ctx, es, produced)
	o.metrics.IncCounter("workflow_steps_completed", 1, "workflow", es.def.Slug, "status", string(sr.Status))
	o.logger.Debug(ctx, "orchestrator.step_succeeded", "runId", es.run.ID, "stepId", step.ID, "attempt", sr.Attempt)
	return nil
}

// completeFailure records the failed attempt and either schedules a retry or
// marks the step (and run) failed.
func (o *Orchestrator) completeFailure(ctx context.Context, es *execState, step *workflow.Step, sr *workflow.StepRun, cause error) error {
	kind := apperr.KindOf(cause)
	if apperr.Retryable(cause) && step.Retry != nil && step.Retry.ShouldRetry(sr.Attempt) {
		return o.scheduleRetry(ctx, es, step, sr, cause)
	}
	now := o.clock.Now()
	sr.Status = workflow.StepStatusFailed
	sr.ErrorMessage = cause.Error()
	sr.ErrorKind = string(kind)
	sr.CompletedAt = &now
	if err := o.store.UpsertStepRun(ctx, sr); err != nil {
		return fmt.Errorf("orchestrator: persist step failure: %w", err)
	}
	es.mu.Lock()
	es.steps[step.ID] = map[string]any{"status": string(sr.Status), "result": nil}
	es.failed = true
	if es.failedMsg == "" {
		es.failedMsg = fmt.Sprintf("step %q: %s", step.ID, cause.Error())
	}
	es.mu.Unlock()
	o.metrics.IncCounter("workflow_steps_completed", 1, "workflow", es.def.Slug, "status", string(sr.Status))
	o.logger.Warn(ctx, "orchestrator.step_failed", "runId", es.run.ID, "stepId", step.ID, "attempt", sr.Attempt, "kind", string(kind), "error", cause.Error())
	return nil
}

// scheduleRetry persists the attempt as pending and enqueues a delayed
// workflow-retry job keyed deterministically so duplicate schedules collapse.
func (o *Orchestrator) scheduleRetry(ctx context.Context, es *execState, step *workflow.Step, sr *workflow.StepRun, cause error) error {
	next := sr.Attempt + 1
	delay := step.Retry.Delay(next)
	sr.Status = workflow.StepStatusPending
	sr.ErrorMessage = cause.Error()
	sr.ErrorKind = string(apperr.KindOf(cause))
	if err := o.store.UpsertStepRun(ctx, sr); err != nil {
		return fmt.Errorf("orchestrator: persist retry state: %w", err)
	}
	keyOrID := es.run.RunKeyNormalized
	if keyOrID == "" {
		keyOrID = es.run.ID
	}
	payload, err := json.Marshal(ExecuteJob{RunID: es.run.ID})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal retry job: %w", err)
	}
	_, err = o.queue.Enqueue(ctx, config.QueueKeyWorkflow, JobRetry, payload, queue.EnqueueOptions{
		JobID:   retry.JobID("workflow-retry", keyOrID, es.run.ID, fmt.Sprintf("%s-%d", step.ID, next)),
		Delay:   delay,
		Attempt: next,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: enqueue retry: %w", err)
	}
	es.mu.Lock()
	es.retryPending = true
	es.steps[step.ID] = map[string]any{"status": string(sr.Status), "result": nil}
	es.mu.Unlock()
	o.metrics.IncCounter("workflow_step_retries", 1, "workflow", es.def.Slug, "step", step.ID)
	o.logger.Info(ctx, "orchestrator.step_retry_scheduled", "runId", es.run.ID, "stepId", step.ID,
		"attempt", next, "delay", delay.String(), "error", cause.Error())
	return nil
}

// finishRun settles the terminal status once every step is terminal. Output
// is assembled from shared state; skipped steps count as success.
func (o *Orchestrator) finishRun(ctx context.Context, es *execState, start time.Time) error {
	es.mu.Lock()
	allTerminal := true
	for _, id := range es.plan {
		sr, ok := es.stepRuns[id]
		if !ok || sr.Status == workflow.StepStatusPending || sr.Status == workflow.StepStatusRunning {
			allTerminal = false
			break
		}
	}
	failed := es.failed
	msg := es.failedMsg
	output := make(map[string]any, len(es.shared))
	for k, v := range es.shared {
		output[k] = v
	}
	es.mu.Unlock()
	if !allTerminal {
		// Nothing eligible but steps remain: a dependency chain was cut by
		// a failure that skipRemaining handles, or the run was canceled.
		return nil
	}
	run := es.run
	now := o.clock.Now()
	run.CompletedAt = &now
	run.Output = output
	if failed {
		run.Status = workflow.StatusFailed
		run.ErrorMessage = msg
	} else {
		run.Status = workflow.StatusSucceeded
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("orchestrator: persist terminal run: %w", err)
	}
	o.publishRunCompleted(ctx, run)
	o.metrics.IncCounter("workflow_runs_completed", 1, "workflow", es.def.Slug, "status", string(run.Status))
	o.metrics.RecordTimer("workflow_run_duration", now.Sub(start), "workflow", es.def.Slug)
	o.logger.Info(ctx, "orchestrator.run_completed", "runId", run.ID, "workflow", es.def.String(), "status", string(run.Status))
	return nil
}

// failRun terminates a run that cannot execute at all (for example an
// unplannable definition).
func (o *Orchestrator) failRun(ctx context.Context, run *workflow.Run, msg string) error {
	now := o.clock.Now()
	run.Status = workflow.StatusFailed
	run.ErrorMessage = msg
	run.CompletedAt = &now
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("orchestrator: persist failed run: %w", err)
	}
	o.publishRunCompleted(ctx, run)
	return nil
}

// storeKey returns the shared-state key a step's result lands under.
func storeKey(step *workflow.Step) string {
	switch step.Type {
	case workflow.StepTypeJob:
		return step.StoreResultAs
	case workflow.StepTypeService:
		return step.StoreResponseAs
	case workflow.StepTypeFanOut:
		return step.StoreResultsAs
	}
	return ""
}
