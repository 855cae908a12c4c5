// Package ingress implements the event intake pipeline: normalize, annotate
// against the schema registry, persist, evaluate source state, and hand off
// to trigger evaluation or schedule a retry.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/events/scheduler"
	"github.com/apphub/orchestra/events/schema"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

// Job names dispatched by the pipeline.
const (
	JobEvaluate = "event:evaluate"
	JobRetry    = "event:retry"
)

type (
	// TriggerJob is the payload of a trigger-evaluation job.
	TriggerJob struct {
		EventID string `json:"eventId"`
	}

	// RetryJob is the payload of a scheduled ingress retry job.
	RetryJob struct {
		EventID string `json:"eventId"`
	}

	// Options configures a Pipeline.
	Options struct {
		// Events persists envelopes and retry rows. Required.
		Events store.EventStore
		// Scheduler decides source admission. Required.
		Scheduler *scheduler.Service
		// Registry annotates envelopes. Required.
		Registry *schema.Registry
		// Queue dispatches evaluation and retry jobs. Required.
		Queue *queue.Manager
		// Metrics records per-source counters. Optional.
		Metrics store.MetricsStore
		// Retry computes retry backoff. Zero value uses defaults.
		Retry retry.Policy
		// Enforce rejects envelopes without a registered schema.
		Enforce bool
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records pipeline activity. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Pipeline is the event intake path.
	Pipeline struct {
		events    store.EventStore
		scheduler *scheduler.Service
		registry  *schema.Registry
		queue     *queue.Manager
		metrics   store.MetricsStore
		retry     retry.Policy
		enforce   bool
		clock     clock.Clock
		logger    telemetry.Logger
	}

	// Result reports what happened to one ingested envelope.
	Result struct {
		// Envelope is the normalized, annotated, persisted record.
		Envelope *events.Envelope
		// Scheduled is set when the envelope was deferred instead of
		// evaluated.
		Scheduled bool
		// NextAttemptAt is when a scheduled envelope is retried.
		NextAttemptAt time.Time
	}
)

// NewPipeline validates the options and builds a pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Events == nil {
		return nil, fmt.Errorf("ingress: event store is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("ingress: scheduler is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("ingress: schema registry is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("ingress: queue manager is required")
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = retry.Policy{Base: time.Second, Factor: 2, Max: 5 * time.Minute, JitterRatio: 0.2}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Pipeline{
		events:    opts.Events,
		scheduler: opts.Scheduler,
		registry:  opts.Registry,
		queue:     opts.Queue,
		metrics:   opts.Metrics,
		retry:     opts.Retry,
		enforce:   opts.Enforce,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Ingest runs the full intake path for one envelope. Persistence and schema
// errors abort and surface to the caller; a paused or rate-limited source
// schedules a retry instead.
func (p *Pipeline) Ingest(ctx context.Context, env *events.Envelope) (*Result, error) {
	now := p.clock.Now()
	if err := p.normalize(env, now); err != nil {
		return nil, err
	}
	if err := p.registry.Annotate(ctx, env, p.enforce); err != nil {
		return nil, err
	}
	if err := p.events.InsertEnvelope(ctx, env); err != nil {
		return nil, fmt.Errorf("ingress: persist envelope: %w", err)
	}
	decision, err := p.scheduler.Admit(ctx, env.Source)
	if err != nil {
		return nil, err
	}
	lag := now.Sub(env.OccurredAt)
	if !decision.Allowed {
		next, serr := p.scheduleRetry(ctx, env, decision.ResumeAt, 0)
		if serr != nil {
			return nil, serr
		}
		p.observe(ctx, env.Source, store.SourceObservation{Throttled: decision.Throttled, Dropped: !decision.Throttled, Lag: lag, At: now})
		p.logger.Debug(ctx, "ingress.deferred", "eventId", env.ID, "source", env.Source, "nextAttemptAt", next, "reason", decision.Reason)
		return &Result{Envelope: env, Scheduled: true, NextAttemptAt: next}, nil
	}
	if err := p.enqueueEvaluation(ctx, env.ID); err != nil {
		// Transient queueing failure: count it and fall back to a retry.
		p.observe(ctx, env.Source, store.SourceObservation{Failure: true, Lag: lag, At: now})
		p.logger.Warn(ctx, "ingress.enqueue_failed", "eventId", env.ID, "error", err.Error())
		next, serr := p.scheduleRetry(ctx, env, time.Time{}, 0)
		if serr != nil {
			return nil, serr
		}
		return &Result{Envelope: env, Scheduled: true, NextAttemptAt: next}, nil
	}
	p.observe(ctx, env.Source, store.SourceObservation{Lag: lag, At: now})
	return &Result{Envelope: env}, nil
}

// ProcessRetry re-evaluates a scheduled envelope. A missing retry row means
// the retry was cancelled and is dropped silently; a still-blocked source
// reschedules; otherwise the retry row is deleted and the envelope proceeds
// to trigger evaluation.
func (p *Pipeline) ProcessRetry(ctx context.Context, eventID string) error {
	row, err := p.events.GetIngressRetry(ctx, eventID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingress: load retry: %w", err)
	}
	env, err := p.events.GetEnvelope(ctx, eventID)
	if err == store.ErrNotFound {
		// Envelope gone; drop the orphaned retry.
		return p.events.DeleteIngressRetry(ctx, eventID)
	}
	if err != nil {
		return fmt.Errorf("ingress: load envelope: %w", err)
	}
	decision, err := p.scheduler.Admit(ctx, env.Source)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		_, err := p.scheduleRetry(ctx, env, decision.ResumeAt, row.Attempts)
		return err
	}
	if err := p.events.DeleteIngressRetry(ctx, eventID); err != nil {
		return fmt.Errorf("ingress: delete retry: %w", err)
	}
	return p.enqueueEvaluation(ctx, eventID)
}

// PromoteDueRetries processes every retry whose time has come. The caller
// runs it periodically; delayed retry jobs cover the common path and this
// poller is the backstop.
func (p *Pipeline) PromoteDueRetries(ctx context.Context, limit int) error {
	due, err := p.events.DueIngressRetries(ctx, p.clock.Now(), limit)
	if err != nil {
		return fmt.Errorf("ingress: list due retries: %w", err)
	}
	for _, r := range due {
		if err := p.ProcessRetry(ctx, r.EventID); err != nil {
			p.logger.Error(ctx, "ingress.retry_failed", "eventId", r.EventID, "error", err.Error())
		}
	}
	return nil
}

// RegisterHandlers binds the pipeline's job bodies on the event queue.
func (p *Pipeline) RegisterHandlers() error {
	return p.queue.Register(config.QueueKeyEvent, func(ctx context.Context, job *queue.Job) error {
		switch job.Name {
		case JobRetry:
			var rj RetryJob
			if err := json.Unmarshal(job.Payload, &rj); err != nil {
				return fmt.Errorf("ingress: decode retry job: %w", err)
			}
			return p.ProcessRetry(ctx, rj.EventID)
		default:
			return fmt.Errorf("ingress: unknown job %q", job.Name)
		}
	})
}

func (p *Pipeline) normalize(env *events.Envelope, now time.Time) error {
	env.Type = strings.TrimSpace(env.Type)
	env.Source = strings.TrimSpace(env.Source)
	if env.Type == "" {
		return apperr.New(apperr.KindValidation, "event type is required")
	}
	if env.Source == "" {
		return apperr.New(apperr.KindValidation, "event source is required")
	}
	if env.ID == "" {
		env.ID = clock.NewID()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = now
	}
	env.ReceivedAt = now
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	canonical, err := events.CanonicalJSON(env.Payload)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "event payload is not valid JSON")
	}
	env.Payload = canonical
	return nil
}

// scheduleRetry upserts the retry row and, in distributed mode, enqueues a
// delayed retry job with an idempotent job id. The next attempt time is the
// later of the source resume time and the backoff for the attempt count.
func (p *Pipeline) scheduleRetry(ctx context.Context, env *events.Envelope, resumeAt time.Time, attempts int) (time.Time, error) {
	now := p.clock.Now()
	attempts++
	next := now.Add(p.retry.Delay(attempts))
	if resumeAt.After(next) {
		next = resumeAt
	}
	err := p.events.UpsertIngressRetry(ctx, &events.IngressRetry{
		EventID:       env.ID,
		Source:        env.Source,
		Attempts:      attempts,
		NextAttemptAt: next,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("ingress: persist retry: %w", err)
	}
	if p.queue.Mode() == config.ModeDistributed {
		payload, err := json.Marshal(RetryJob{EventID: env.ID})
		if err != nil {
			return time.Time{}, fmt.Errorf("ingress: marshal retry job: %w", err)
		}
		_, err = p.queue.Enqueue(ctx, config.QueueKeyEvent, JobRetry, payload, queue.EnqueueOptions{
			JobID:   retry.JobID("event-retry", env.ID, fmt.Sprint(attempts)),
			Delay:   next.Sub(now),
			Attempt: attempts,
		})
		if err != nil {
			p.logger.Warn(ctx, "ingress.retry_enqueue_failed", "eventId", env.ID, "error", err.Error())
		}
	}
	return next, nil
}

func (p *Pipeline) enqueueEvaluation(ctx context.Context, eventID string) error {
	payload, err := json.Marshal(TriggerJob{EventID: eventID})
	if err != nil {
		return fmt.Errorf("ingress: marshal trigger job: %w", err)
	}
	if _, err := p.queue.Enqueue(ctx, config.QueueKeyEventTrigger, JobEvaluate, payload, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("ingress: enqueue evaluation: %w", err)
	}
	return nil
}

func (p *Pipeline) observe(ctx context.Context, source string, obs store.SourceObservation) {
	if p.metrics == nil {
		return
	}
	if err := p.metrics.RecordSourceObservation(ctx, source, obs); err != nil {
		p.logger.Warn(ctx, "ingress.metrics_failed", "source", source, "error", err.Error())
	}
}
