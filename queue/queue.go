// Package queue runs the job queues of the orchestration core. A single
// Manager fronts every queue and hides the execution mode: inline mode runs
// job bodies synchronously in the caller's goroutine, distributed mode
// serializes them onto Redis-backed streams consumed by worker sinks. The
// mode is recomputed on every enqueue so tests and embedded deployments can
// flip it at runtime.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/rmap"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

type (
	// Job is the unit of work carried by a queue.
	Job struct {
		// Queue is the stable queue key the job belongs to.
		Queue string `json:"queue"`
		// JobID deduplicates enqueues. Empty disables deduplication.
		JobID string `json:"jobId,omitempty"`
		// Name identifies the job body within the queue.
		Name string `json:"name"`
		// Payload is the handler input.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Attempt counts executions of this job, starting at 1.
		Attempt int `json:"attempt"`
		// EnqueuedAt is when the job was accepted.
		EnqueuedAt time.Time `json:"enqueuedAt"`
	}

	// Handler executes one job. A non-nil error counts the job as failed.
	Handler func(ctx context.Context, job *Job) error

	// Options configures a Manager.
	Options struct {
		// Mode returns the current execution mode. Required. Called on
		// every enqueue so the mode can change at runtime.
		Mode func() config.Mode
		// QueueNames maps stable queue keys to broker stream names.
		// Required.
		QueueNames map[string]string
		// Broker backs distributed queues. Required unless Mode always
		// returns inline.
		Broker Broker
		// Jobs persists delayed jobs until they are due. Required.
		Jobs store.DelayedJobStore
		// DedupeJoin joins the replicated dedupe map, rmap.Join in
		// production. Optional; inline dedupe is used when nil.
		DedupeJoin func(ctx context.Context) (*rmap.Map, error)
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records queue activity. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics records queue counters. Defaults to no-op metrics.
		Metrics telemetry.Metrics
		// PollInterval drives the delayed job promoter. Defaults to 1s.
		PollInterval time.Duration
		// DedupeTTL bounds how long job IDs are remembered. Defaults to 1h.
		DedupeTTL time.Duration
	}

	// Manager owns every queue in the process.
	Manager struct {
		mode       func() config.Mode
		names      map[string]string
		broker     Broker
		jobs       store.DelayedJobStore
		dedupeJoin func(ctx context.Context) (*rmap.Map, error)
		clock      clock.Clock
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		pollEvery  time.Duration
		dedupeTTL  time.Duration

		mu        sync.Mutex
		handlers  map[string]Handler
		streams   map[string]BrokerStream
		sinks     map[string]BrokerSink
		seen      map[string]time.Time
		dedupeMap *rmap.Map
		counters  map[string]*counter
		closed    bool

		wg   sync.WaitGroup
		stop chan struct{}
	}

	counter struct {
		enqueued  int64
		active    int64
		completed int64
		failed    int64
		delayed   int64
	}
)

// jobEventName is the stream event name carrying serialized jobs.
const jobEventName = "job"

// NewManager validates the options and builds a queue manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Mode == nil {
		return nil, fmt.Errorf("queue: mode function is required")
	}
	if len(opts.QueueNames) == 0 {
		return nil, fmt.Errorf("queue: queue names are required")
	}
	if opts.Jobs == nil {
		return nil, fmt.Errorf("queue: delayed job store is required")
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
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = time.Hour
	}
	return &Manager{
		mode:       opts.Mode,
		names:      opts.QueueNames,
		broker:     opts.Broker,
		jobs:       opts.Jobs,
		dedupeJoin: opts.DedupeJoin,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		pollEvery:  opts.PollInterval,
		dedupeTTL:  opts.DedupeTTL,
		handlers:   make(map[string]Handler),
		streams:    make(map[string]BrokerStream),
		sinks:      make(map[string]BrokerSink),
		seen:       make(map[string]time.Time),
		counters:   make(map[string]*counter),
		stop:       make(chan struct{}),
	}, nil
}

// Mode returns the current execution mode.
func (m *Manager) Mode() config.Mode { return m.mode() }

// Register binds the handler executed for jobs on the queue. Registering
// twice replaces the previous handler.
func (m *Manager) Register(queue string, h Handler) error {
	if _, ok := m.names[queue]; !ok {
		return fmt.Errorf("queue: unknown queue %q", queue)
	}
	m.mu.Lock()
	m.handlers[queue] = h
	m.mu.Unlock()
	return nil
}

// EnqueueOptions tunes one enqueue.
type EnqueueOptions struct {
	// JobID deduplicates enqueues. Empty disables deduplication.
	JobID string
	// Delay defers execution. Zero runs the job immediately.
	Delay time.Duration
	// Attempt is carried into the job, defaulting to 1.
	Attempt int
}

// Enqueue accepts a job for execution. It reports whether the job was
// accepted; a duplicate JobID is skipped without error. In inline mode the
// job body runs before Enqueue returns.
func (m *Manager) Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts EnqueueOptions) (bool, error) {
	streamName, ok := m.names[queue]
	if !ok {
		return false, fmt.Errorf("queue: unknown queue %q", queue)
	}
	mode := m.mode()
	now := m.clock.Now()
	if opts.Attempt <= 0 {
		opts.Attempt = 1
	}
	if opts.JobID != "" {
		fresh, err := m.claimJobID(ctx, mode, opts.JobID, now)
		if err != nil {
			return false, err
		}
		if !fresh {
			m.metrics.IncCounter("queue_jobs_deduped", 1, "queue", queue)
			m.logger.Debug(ctx, "queue.dedupe", "queue", queue, "jobId", opts.JobID)
			return false, nil
		}
	}
	job := &Job{
		Queue:      queue,
		JobID:      opts.JobID,
		Name:       name,
		Payload:    payload,
		Attempt:    opts.Attempt,
		EnqueuedAt: now,
	}
	if opts.Delay > 0 {
		if mode == config.ModeInline {
			// Inline mode has no scheduler; run immediately instead.
			m.logger.Warn(ctx, "queue.delay_unsupported_inline", "queue", queue, "job", name, "delay", opts.Delay.String())
		} else {
			if err := m.deferJob(ctx, job, now.Add(opts.Delay)); err != nil {
				return false, err
			}
			m.metrics.IncCounter("queue_jobs_delayed", 1, "queue", queue)
			return true, nil
		}
	}
	if err := m.dispatch(ctx, mode, streamName, job); err != nil {
		return false, err
	}
	m.metrics.IncCounter("queue_jobs_enqueued", 1, "queue", queue, "mode", string(mode))
	return true, nil
}

// claimJobID reserves a job ID for the dedupe window. It reports false when
// the ID was already claimed.
func (m *Manager) claimJobID(ctx context.Context, mode config.Mode, jobID string, now time.Time) (bool, error) {
	if mode == config.ModeDistributed && m.dedupeJoin != nil {
		dm, err := m.dedupeMapHandle(ctx)
		if err != nil {
			return false, err
		}
		set, err := dm.SetIfNotExists(ctx, jobID, now.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return false, fmt.Errorf("queue: claim job id: %w", err)
		}
		return set, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.seen[jobID]; ok && now.Sub(at) < m.dedupeTTL {
		return false, nil
	}
	m.seen[jobID] = now
	return true, nil
}

func (m *Manager) dedupeMapHandle(ctx context.Context) (*rmap.Map, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dedupeMap != nil {
		return m.dedupeMap, nil
	}
	dm, err := m.dedupeJoin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: join dedupe map: %w", err)
	}
	m.dedupeMap = dm
	return dm, nil
}

func (m *Manager) deferJob(ctx context.Context, job *Job, runAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed job: %w", err)
	}
	jobID := job.JobID
	if jobID == "" {
		jobID = clock.NewID()
	}
	err = m.jobs.UpsertDelayedJob(ctx, &store.DelayedJob{
		JobID:     jobID,
		QueueKey:  job.Queue,
		Name:      job.Name,
		Data:      payload,
		RunAt:     runAt,
		CreatedAt: job.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("queue: persist delayed job: %w", err)
	}
	m.bump(job.Queue, func(c *counter) { c.delayed++ })
	return nil
}

func (m *Manager) dispatch(ctx context.Context, mode config.Mode, streamName string, job *Job) error {
	if mode == config.ModeInline {
		m.runInline(ctx, job)
		return nil
	}
	if m.broker == nil {
		return fmt.Errorf("queue: distributed mode requires a broker")
	}
	stream, err := m.streamHandle(streamName)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if _, err := stream.Add(ctx, jobEventName, payload); err != nil {
		return fmt.Errorf("queue: publish job: %w", err)
	}
	m.bump(job.Queue, func(c *counter) { c.enqueued++ })
	return nil
}

func (m *Manager) streamHandle(name string) (BrokerStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[name]; ok {
		return s, nil
	}
	s, err := m.broker.Stream(name)
	if err != nil {
		return nil, err
	}
	m.streams[name] = s
	return s, nil
}

// runInline executes the job body synchronously. Handler errors are counted
// and logged but never propagated to the enqueuer, matching distributed
// semantics where the producer never sees worker failures.
func (m *Manager) runInline(ctx context.Context, job *Job) {
	m.bump(job.Queue, func(c *counter) { c.enqueued++ })
	h := m.handler(job.Queue)
	if h == nil {
		m.logger.Warn(ctx, "queue.no_handler", "queue", job.Queue, "job", job.Name)
		m.bump(job.Queue, func(c *counter) { c.failed++ })
		return
	}
	m.bump(job.Queue, func(c *counter) { c.active++ })
	start := m.clock.Now()
	if err := h(ctx, job); err != nil {
		m.bump(job.Queue, func(c *counter) { c.active--; c.failed++ })
		m.metrics.IncCounter("queue_jobs_failed", 1, "queue", job.Queue)
		m.logger.Error(ctx, "queue.job_failed", "queue", job.Queue, "job", job.Name, "attempt", job.Attempt, "error", err.Error())
		return
	}
	m.bump(job.Queue, func(c *counter) { c.active--; c.completed++ })
	m.metrics.RecordTimer("queue_job_duration", m.clock.Now().Sub(start), "queue", job.Queue)
	m.metrics.IncCounter("queue_jobs_completed", 1, "queue", job.Queue)
}

func (m *Manager) handler(queue string) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[queue]
}

// EnsureWorker starts a consumer for the queue in distributed mode. It is
// idempotent per queue and a no-op in inline mode.
func (m *Manager) EnsureWorker(ctx context.Context, queue string) error {
	if m.mode() == config.ModeInline {
		return nil
	}
	streamName, ok := m.names[queue]
	if !ok {
		return fmt.Errorf("queue: unknown queue %q", queue)
	}
	if m.broker == nil {
		return fmt.Errorf("queue: distributed mode requires a broker")
	}
	m.mu.Lock()
	if _, ok := m.sinks[queue]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	stream, err := m.streamHandle(streamName)
	if err != nil {
		return err
	}
	sink, err := stream.NewSink(ctx, streamName+"-workers")
	if err != nil {
		return fmt.Errorf("queue: create worker sink: %w", err)
	}
	m.mu.Lock()
	if _, ok := m.sinks[queue]; ok {
		m.mu.Unlock()
		sink.Close(ctx)
		return nil
	}
	m.sinks[queue] = sink
	m.mu.Unlock()
	m.wg.Add(1)
	go m.consume(ctx, queue, sink)
	return nil
}

func (m *Manager) consume(ctx context.Context, queue string, sink BrokerSink) {
	defer m.wg.Done()
	events := sink.Subscribe()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var job Job
			if err := json.Unmarshal(ev.Payload, &job); err != nil {
				m.logger.Error(ctx, "queue.bad_payload", "queue", queue, "error", err.Error())
				if err := sink.Ack(ctx, ev); err != nil {
					m.logger.Warn(ctx, "queue.ack_failed", "queue", queue, "error", err.Error())
				}
				continue
			}
			m.runInline(ctx, &job)
			if err := sink.Ack(ctx, ev); err != nil {
				m.logger.Warn(ctx, "queue.ack_failed", "queue", queue, "error", err.Error())
			}
		}
	}
}

// Run starts the delayed job promoter and blocks until the context is
// canceled or Close is called.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.promoteDue(ctx)
			m.sweepDedupe(ctx)
		}
	}
}

// PromoteDue claims jobs whose run time has passed and dispatches them.
// Exposed for deterministic tests; Run calls it on every tick.
func (m *Manager) PromoteDue(ctx context.Context) { m.promoteDue(ctx) }

func (m *Manager) promoteDue(ctx context.Context) {
	now := m.clock.Now()
	due, err := m.jobs.DueDelayedJobs(ctx, now, 100)
	if err != nil {
		m.logger.Error(ctx, "queue.promote_failed", "error", err.Error())
		return
	}
	mode := m.mode()
	for _, dj := range due {
		var job Job
		if err := json.Unmarshal(dj.Data, &job); err != nil {
			m.logger.Error(ctx, "queue.bad_delayed_payload", "jobId", dj.JobID, "error", err.Error())
			continue
		}
		streamName, ok := m.names[job.Queue]
		if !ok {
			m.logger.Warn(ctx, "queue.orphan_delayed_job", "jobId", dj.JobID, "queue", job.Queue)
			continue
		}
		if err := m.dispatch(ctx, mode, streamName, &job); err != nil {
			m.logger.Error(ctx, "queue.promote_dispatch_failed", "jobId", dj.JobID, "error", err.Error())
			// Put it back so the next tick retries.
			if uerr := m.jobs.UpsertDelayedJob(ctx, dj); uerr != nil {
				m.logger.Error(ctx, "queue.requeue_failed", "jobId", dj.JobID, "error", uerr.Error())
			}
		}
	}
}

// sweepDedupe forgets job IDs older than the dedupe TTL.
func (m *Manager) sweepDedupe(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	for id, at := range m.seen {
		if now.Sub(at) >= m.dedupeTTL {
			delete(m.seen, id)
		}
	}
	dm := m.dedupeMap
	m.mu.Unlock()
	if dm == nil {
		return
	}
	for _, key := range dm.Keys() {
		val, ok := dm.Get(key)
		if !ok {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, val)
		if err != nil || now.Sub(at) >= m.dedupeTTL {
			if _, err := dm.Delete(ctx, key); err != nil {
				m.logger.Warn(ctx, "queue.dedupe_sweep_failed", "key", key, "error", err.Error())
			}
		}
	}
}

// Counts returns a snapshot of the counters for the queue. Active counts
// jobs whose handler is executing right now. Waiting is derived from
// enqueued minus active and settled jobs and is zero in inline mode where
// jobs settle before Enqueue returns. Paused is always zero: queues have no
// pause state; pausing happens per event source.
func (m *Manager) Counts(queue string) (*store.QueueStats, error) {
	if _, ok := m.names[queue]; !ok {
		return nil, apperr.New(apperr.KindValidation, "unknown queue %q", queue)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[queue]
	if c == nil {
		c = &counter{}
	}
	waiting := c.enqueued - c.active - c.completed - c.failed
	if waiting < 0 {
		waiting = 0
	}
	return &store.QueueStats{
		QueueKey:  queue,
		Waiting:   int(waiting),
		Active:    int(c.active),
		Completed: int(c.completed),
		Failed:    int(c.failed),
		Delayed:   int(c.delayed),
		At:        m.clock.Now(),
	}, nil
}

func (m *Manager) bump(queue string, f func(*counter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[queue]
	if c == nil {
		c = &counter{}
		m.counters[queue] = c
	}
	f(c)
}

// Close stops workers and the promoter and closes broker resources. Safe to
// call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	sinks := m.sinks
	m.sinks = make(map[string]BrokerSink)
	dm := m.dedupeMap
	m.dedupeMap = nil
	m.mu.Unlock()
	for _, sink := range sinks {
		sink.Close(ctx)
	}
	m.wg.Wait()
	if dm != nil {
		dm.Close()
	}
	if m.broker != nil {
		return m.broker.Close(ctx)
	}
	return nil
}
