// Package scheduler tracks the ingress-side state of event sources and
// triggers: manual and automatic source pauses, rolling rate-limit windows,
// and per-trigger failure windows. Every decision is compare-and-set at the
// store layer so parallel workers agree.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

type (
	// Options configures a scheduler Service.
	Options struct {
		// Store persists pauses and windows. Required.
		Store store.SchedulerStore
		// RateLimit returns the limit for a source, if configured.
		// Optional; no limits are applied when nil.
		RateLimit func(source string) (events.RateLimit, bool)
		// ErrorThreshold pauses a trigger after this many failures inside
		// ErrorWindow. Defaults to 5.
		ErrorThreshold int
		// ErrorWindow is the rolling trigger failure window. Defaults to 1m.
		ErrorWindow time.Duration
		// TriggerPause is how long a failing trigger stays paused.
		// Defaults to 5m.
		TriggerPause time.Duration
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records scheduler decisions. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Service is the scheduler state machine.
	Service struct {
		store          store.SchedulerStore
		rateLimit      func(source string) (events.RateLimit, bool)
		errorThreshold int
		errorWindow    time.Duration
		triggerPause   time.Duration
		clock          clock.Clock
		logger         telemetry.Logger
	}

	// Decision is the admission verdict for one envelope arrival.
	Decision struct {
		// Allowed reports whether the envelope proceeds to trigger
		// evaluation now.
		Allowed bool
		// ResumeAt is when a blocked source becomes eligible again.
		ResumeAt time.Time
		// Reason explains a block.
		Reason string
		// Throttled marks a rate-limit block as opposed to a pause.
		Throttled bool
	}
)

// NewService validates the options and builds a scheduler service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = 5
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = time.Minute
	}
	if opts.TriggerPause <= 0 {
		opts.TriggerPause = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Service{
		store:          opts.Store,
		rateLimit:      opts.RateLimit,
		errorThreshold: opts.ErrorThreshold,
		errorWindow:    opts.ErrorWindow,
		triggerPause:   opts.TriggerPause,
		clock:          opts.Clock,
		logger:         opts.Logger,
	}, nil
}

// PauseSource pauses ingress for the source until the deadline.
func (s *Service) PauseSource(ctx context.Context, source string, until time.Time, reason string, manual bool) error {
	if source == "" {
		return apperr.New(apperr.KindValidation, "source is required")
	}
	if !until.After(s.clock.Now()) {
		return apperr.New(apperr.KindValidation, "pause deadline must be in the future")
	}
	err := s.store.SetSourcePause(ctx, &events.SourcePause{
		Source: source,
		Until:  until,
		Reason: reason,
		Manual: manual,
	})
	if err != nil {
		return fmt.Errorf("scheduler: pause source: %w", err)
	}
	s.logger.Info(ctx, "scheduler.source_paused", "source", source, "until", until, "manual", manual)
	return nil
}

// ResumeSource lifts the pause for the source.
func (s *Service) ResumeSource(ctx context.Context, source string) error {
	if err := s.store.ClearSourcePause(ctx, source); err != nil {
		return fmt.Errorf("scheduler: resume source: %w", err)
	}
	s.logger.Info(ctx, "scheduler.source_resumed", "source", source)
	return nil
}

// SourcePause returns the active pause for the source, or nil when the
// source is not paused. Expired pauses are cleared lazily.
func (s *Service) SourcePause(ctx context.Context, source string) (*events.SourcePause, error) {
	p, err := s.store.GetSourcePause(ctx, source)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: load source pause: %w", err)
	}
	if !p.Until.After(s.clock.Now()) {
		if err := s.store.ClearSourcePause(ctx, source); err != nil {
			return nil, fmt.Errorf("scheduler: clear expired pause: %w", err)
		}
		return nil, nil
	}
	return p, nil
}

// Admit evaluates one arrival for the source: an active pause blocks it, and
// exceeding the configured rate limit auto-pauses the source and blocks it.
func (s *Service) Admit(ctx context.Context, source string) (*Decision, error) {
	pause, err := s.SourcePause(ctx, source)
	if err != nil {
		return nil, err
	}
	if pause != nil {
		return &Decision{ResumeAt: pause.Until, Reason: pause.Reason}, nil
	}
	if s.rateLimit == nil {
		return &Decision{Allowed: true}, nil
	}
	rl, ok := s.rateLimit(source)
	if !ok {
		return &Decision{Allowed: true}, nil
	}
	now := s.clock.Now()
	count, err := s.store.RecordSourceArrival(ctx, source, now, now.Add(-rl.Interval))
	if err != nil {
		return nil, fmt.Errorf("scheduler: record arrival: %w", err)
	}
	if count <= rl.Limit {
		return &Decision{Allowed: true}, nil
	}
	resumeAt := now.Add(rl.Pause)
	err = s.store.SetSourcePause(ctx, &events.SourcePause{
		Source: source,
		Until:  resumeAt,
		Reason: fmt.Sprintf("rate limit exceeded: %d events in %s", count, rl.Interval),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: auto-pause source: %w", err)
	}
	s.logger.Warn(ctx, "scheduler.source_rate_limited", "source", source, "count", count, "limit", rl.Limit, "resumeAt", resumeAt)
	return &Decision{ResumeAt: resumeAt, Reason: "rate limit exceeded", Throttled: true}, nil
}

// TriggerPause returns the active pause for the trigger, or nil. Expired
// pauses are cleared lazily.
func (s *Service) TriggerPause(ctx context.Context, triggerID string) (*events.TriggerPause, error) {
	p, err := s.store.GetTriggerPause(ctx, triggerID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: load trigger pause: %w", err)
	}
	if !p.Until.After(s.clock.Now()) {
		if err := s.store.ClearTriggerPause(ctx, triggerID); err != nil {
			return nil, fmt.Errorf("scheduler: clear expired trigger pause: %w", err)
		}
		return nil, nil
	}
	return p, nil
}

// RecordTriggerFailure counts a failure in the rolling window; reaching the
// threshold pauses the trigger. It reports whether the trigger is now
// paused.
func (s *Service) RecordTriggerFailure(ctx context.Context, triggerID string) (bool, error) {
	now := s.clock.Now()
	count, err := s.store.RecordTriggerFailure(ctx, triggerID, now, now.Add(-s.errorWindow))
	if err != nil {
		return false, fmt.Errorf("scheduler: record trigger failure: %w", err)
	}
	if count < s.errorThreshold {
		return false, nil
	}
	until := now.Add(s.triggerPause)
	err = s.store.SetTriggerPause(ctx, &events.TriggerPause{
		TriggerID: triggerID,
		Until:     until,
		Reason:    fmt.Sprintf("%d failures within %s", count, s.errorWindow),
	})
	if err != nil {
		return false, fmt.Errorf("scheduler: pause trigger: %w", err)
	}
	s.logger.Warn(ctx, "scheduler.trigger_paused", "triggerId", triggerID, "failures", count, "until", until)
	return true, nil
}

// RecordTriggerSuccess clears the failure window.
func (s *Service) RecordTriggerSuccess(ctx context.Context, triggerID string) error {
	if err := s.store.ClearTriggerFailures(ctx, triggerID); err != nil {
		return fmt.Errorf("scheduler: clear trigger failures: %w", err)
	}
	return nil
}

// ResumeTrigger lifts a trigger pause and clears its failure window.
func (s *Service) ResumeTrigger(ctx context.Context, triggerID string) error {
	if err := s.store.ClearTriggerPause(ctx, triggerID); err != nil {
		return fmt.Errorf("scheduler: resume trigger: %w", err)
	}
	return s.RecordTriggerSuccess(ctx, triggerID)
}
