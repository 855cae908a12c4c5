package scaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
)

type (
	// ApplyFunc changes the worker's effective concurrency. Zero pauses the
	// worker but keeps it registered.
	ApplyFunc func(ctx context.Context, concurrency int) error

	// AgentOptions configures a worker-side scaling agent.
	AgentOptions struct {
		// Target is the scaling target this agent serves. Required.
		Target string
		// InstanceID identifies the worker instance in acknowledgements.
		// Defaults to a random ID.
		InstanceID string
		// Service reads policies. Required.
		Service *Service
		// Channel delivers policy notifications. Required.
		Channel Channel
		// Store records acknowledgements. Required.
		Store store.ScalingStore
		// Apply changes the worker concurrency. Required.
		Apply ApplyFunc
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records agent activity. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Agent applies scaling policies to one worker and acknowledges every
	// apply. Concurrent refresh requests collapse into a single pending
	// refresh instead of stacking.
	Agent struct {
		target     string
		instanceID string
		service    *Service
		channel    Channel
		store      store.ScalingStore
		apply      ApplyFunc
		clock      clock.Clock
		logger     telemetry.Logger

		mu         sync.Mutex
		refreshing bool
		pending    bool

		sub  Subscription
		wg   sync.WaitGroup
		stop chan struct{}
		once sync.Once
	}
)

// NewAgent validates the options and builds a worker agent.
func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("scaling: agent target is required")
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("scaling: agent service is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("scaling: agent channel is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("scaling: agent store is required")
	}
	if opts.Apply == nil {
		return nil, fmt.Errorf("scaling: agent apply function is required")
	}
	if opts.InstanceID == "" {
		opts.InstanceID = clock.NewID()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Agent{
		target:     opts.Target,
		instanceID: opts.InstanceID,
		service:    opts.Service,
		channel:    opts.Channel,
		store:      opts.Store,
		apply:      opts.Apply,
		clock:      opts.Clock,
		logger:     opts.Logger,
		stop:       make(chan struct{}),
	}, nil
}

// Start applies the current snapshot and begins listening for policy
// notifications.
func (a *Agent) Start(ctx context.Context) error {
	a.refresh(ctx)
	sub, err := a.channel.Subscribe(ctx, a.target+"-agent-"+a.instanceID)
	if err != nil {
		return fmt.Errorf("scaling: agent subscribe: %w", err)
	}
	a.sub = sub
	a.wg.Add(1)
	go a.listen(ctx, sub)
	return nil
}

func (a *Agent) listen(ctx context.Context, sub Subscription) {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			switch msg.Kind {
			case KindUpdate:
				if msg.Target == a.target {
					a.requestRefresh(ctx)
				}
			case KindSyncRequest:
				if msg.Target == "" || msg.Target == a.target {
					a.requestRefresh(ctx)
				}
			}
		}
	}
}

// requestRefresh triggers a refresh, or marks one pending if a refresh is
// already in flight.
func (a *Agent) requestRefresh(ctx context.Context) {
	a.mu.Lock()
	if a.refreshing {
		a.pending = true
		a.mu.Unlock()
		return
	}
	a.refreshing = true
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			a.refresh(ctx)
			a.mu.Lock()
			if a.pending {
				a.pending = false
				a.mu.Unlock()
				continue
			}
			a.refreshing = false
			a.mu.Unlock()
			return
		}
	}()
}

// refresh reads the policy, applies it and records an acknowledgement.
func (a *Agent) refresh(ctx context.Context) {
	ack := &store.ScalingAck{
		Target:     a.target,
		InstanceID: a.instanceID,
		At:         a.clock.Now(),
	}
	p, err := a.service.Policy(ctx, a.target)
	if err != nil {
		ack.Status = "error"
		ack.Error = err.Error()
	} else {
		ack.AppliedConcurrency = p.DesiredConcurrency
		if err := a.apply(ctx, p.DesiredConcurrency); err != nil {
			ack.Status = "error"
			ack.Error = err.Error()
		} else {
			ack.Status = "applied"
		}
	}
	if err := a.store.RecordScalingAck(ctx, ack); err != nil {
		a.logger.Warn(ctx, "scaling.ack_failed", "target", a.target, "error", err.Error())
	}
	if ack.Status == "applied" {
		a.logger.Debug(ctx, "scaling.applied", "target", a.target, "concurrency", ack.AppliedConcurrency)
	} else {
		a.logger.Error(ctx, "scaling.apply_failed", "target", a.target, "error", ack.Error)
	}
}

// Close stops the agent. Safe to call more than once.
func (a *Agent) Close(ctx context.Context) {
	a.once.Do(func() {
		close(a.stop)
		if a.sub != nil {
			a.sub.Close(ctx)
		}
	})
	a.wg.Wait()
}
