// Package scaling manages the desired-vs-effective concurrency of queue
// workers. A Service owns the policy records and multicasts updates on the
// scaling channel; an Agent runs next to each worker, applies policies and
// records acknowledgements.
package scaling

import (
	"context"
	"fmt"
	"time"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

type (
	// Target bounds the policy of one scaling target.
	Target struct {
		// Min and Max clamp the desired concurrency. Min zero allows
		// pausing the worker.
		Min, Max int
		// Default is the concurrency applied when no policy exists.
		Default int
		// RateLimit is the minimum interval between value-changing updates.
		RateLimit time.Duration
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Store persists policies and acknowledgements. Required.
		Store store.ScalingStore
		// Audit records policy changes. Optional.
		Audit store.AuditStore
		// Channel multicasts updates to worker agents. Required.
		Channel Channel
		// Targets declares the known scaling targets. Required.
		Targets map[string]Target
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records scaling activity. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Service is the control side of runtime scaling.
	Service struct {
		store   store.ScalingStore
		audit   store.AuditStore
		channel Channel
		targets map[string]Target
		clock   clock.Clock
		logger  telemetry.Logger
	}
)

// NewService validates the options and builds a scaling service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scaling: store is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("scaling: channel is required")
	}
	if len(opts.Targets) == 0 {
		return nil, fmt.Errorf("scaling: targets are required")
	}
	for name, t := range opts.Targets {
		if t.Min < 0 || t.Max < t.Min {
			return nil, fmt.Errorf("scaling: invalid bounds for target %q", name)
		}
		if t.Default < t.Min || t.Default > t.Max {
			return nil, fmt.Errorf("scaling: default outside bounds for target %q", name)
		}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Service{
		store:   opts.Store,
		audit:   opts.Audit,
		channel: opts.Channel,
		targets: opts.Targets,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}, nil
}

// Policy returns the stored policy for the target, synthesizing one from the
// target default when none exists.
func (s *Service) Policy(ctx context.Context, target string) (*store.ScalingPolicy, error) {
	t, ok := s.targets[target]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "unknown scaling target %q", target)
	}
	p, err := s.store.GetScalingPolicy(ctx, target)
	if err == store.ErrNotFound {
		return &store.ScalingPolicy{Target: target, DesiredConcurrency: t.Default}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scaling: load policy: %w", err)
	}
	return p, nil
}

// SetConcurrency updates the desired concurrency for the target. The value
// is clamped to the target bounds. A value-changing update inside the rate
// limit window is rejected with a retry-after duration; a same-value update
// is an idempotent no-op.
func (s *Service) SetConcurrency(ctx context.Context, target string, desired int, updatedBy, reason string) (*store.ScalingPolicy, error) {
	t, ok := s.targets[target]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "unknown scaling target %q", target)
	}
	if desired < t.Min {
		desired = t.Min
	}
	if desired > t.Max {
		desired = t.Max
	}
	now := s.clock.Now()
	existing, err := s.store.GetScalingPolicy(ctx, target)
	if err != nil && err != store.ErrNotFound {
		return nil, fmt.Errorf("scaling: load policy: %w", err)
	}
	if existing != nil {
		if existing.DesiredConcurrency == desired {
			return existing, nil
		}
		if t.RateLimit > 0 {
			if elapsed := now.Sub(existing.UpdatedAt); elapsed < t.RateLimit {
				return nil, apperr.RateLimited(t.RateLimit-elapsed, "scaling update too soon")
			}
		}
	}
	p := &store.ScalingPolicy{
		Target:             target,
		DesiredConcurrency: desired,
		UpdatedAt:          now,
		UpdatedBy:          updatedBy,
		Reason:             reason,
	}
	if err := s.store.UpsertScalingPolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("scaling: persist policy: %w", err)
	}
	if s.audit != nil {
		entry := &store.AuditEntry{
			ID:      clock.NewID(),
			Actor:   updatedBy,
			Action:  "scaling.policy.update",
			Subject: target,
			Details: map[string]any{"desiredConcurrency": desired, "reason": reason},
			At:      now,
		}
		if err := s.audit.AppendAudit(ctx, entry); err != nil {
			s.logger.Warn(ctx, "scaling.audit_failed", "target", target, "error", err.Error())
		}
	}
	if err := s.channel.Publish(ctx, Message{Kind: KindUpdate, Target: target, Desired: desired}); err != nil {
		// Agents resynchronize on the next sync request; the policy stands.
		s.logger.Warn(ctx, "scaling.publish_failed", "target", target, "error", err.Error())
	}
	s.logger.Info(ctx, "scaling.policy_updated", "target", target, "desired", desired, "updatedBy", updatedBy)
	return p, nil
}

// RequestSync asks every agent to refresh from the store. Empty target means
// all targets.
func (s *Service) RequestSync(ctx context.Context, target string) error {
	if target != "" {
		if _, ok := s.targets[target]; !ok {
			return apperr.New(apperr.KindValidation, "unknown scaling target %q", target)
		}
	}
	return s.channel.Publish(ctx, Message{Kind: KindSyncRequest, Target: target})
}

// Acks returns the most recent acknowledgements for the target.
func (s *Service) Acks(ctx context.Context, target string, limit int) ([]*store.ScalingAck, error) {
	if _, ok := s.targets[target]; !ok {
		return nil, apperr.New(apperr.KindValidation, "unknown scaling target %q", target)
	}
	return s.store.ListScalingAcks(ctx, target, limit)
}
