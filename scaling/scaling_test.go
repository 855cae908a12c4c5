package scaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/store/memory"
)

func newScalingService(t *testing.T, clk *clock.Manual, st *memory.Store, ch Channel) *Service {
	t.Helper()
	svc, err := NewService(ServiceOptions{
		Store:   st,
		Audit:   st,
		Channel: ch,
		Targets: map[string]Target{
			"workflow": {Min: 0, Max: 10, Default: 4, RateLimit: time.Minute},
		},
		Clock: clk,
	})
	require.NoError(t, err)
	return svc
}

func TestPolicySynthesizesDefault(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	svc := newScalingService(t, clk, st, NewLocalChannel())
	ctx := context.Background()

	p, err := svc.Policy(ctx, "workflow")
	require.NoError(t, err)
	require.Equal(t, 4, p.DesiredConcurrency)

	_, err = svc.Policy(ctx, "ghost")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSetConcurrencyClampsAndAudits(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	svc := newScalingService(t, clk, st, NewLocalChannel())
	ctx := context.Background()

	p, err := svc.SetConcurrency(ctx, "workflow", 50, "ops", "load test")
	require.NoError(t, err)
	require.Equal(t, 10, p.DesiredConcurrency, "clamped to the target max")
	require.Equal(t, "ops", p.UpdatedBy)

	stored, err := svc.Policy(ctx, "workflow")
	require.NoError(t, err)
	require.Equal(t, 10, stored.DesiredConcurrency)

	entries, err := st.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "scaling.policy.update", entries[0].Action)
	require.Equal(t, "workflow", entries[0].Subject)
}

func TestSetConcurrencyRateLimit(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	svc := newScalingService(t, clk, st, NewLocalChannel())
	ctx := context.Background()

	_, err := svc.SetConcurrency(ctx, "workflow", 5, "ops", "")
	require.NoError(t, err)

	// Same value inside the window is an idempotent no-op.
	p, err := svc.SetConcurrency(ctx, "workflow", 5, "ops", "")
	require.NoError(t, err)
	require.Equal(t, 5, p.DesiredConcurrency)

	_, err = svc.SetConcurrency(ctx, "workflow", 6, "ops", "")
	require.True(t, apperr.Is(err, apperr.KindRateLimited))

	clk.Advance(2 * time.Minute)
	p, err = svc.SetConcurrency(ctx, "workflow", 6, "ops", "")
	require.NoError(t, err)
	require.Equal(t, 6, p.DesiredConcurrency)
}

func TestRequestSyncValidatesTarget(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	svc := newScalingService(t, clk, st, NewLocalChannel())
	ctx := context.Background()

	require.NoError(t, svc.RequestSync(ctx, ""))
	require.NoError(t, svc.RequestSync(ctx, "workflow"))
	err := svc.RequestSync(ctx, "ghost")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLocalChannelFanOut(t *testing.T) {
	ch := NewLocalChannel()
	ctx := context.Background()

	a, err := ch.Subscribe(ctx, "a")
	require.NoError(t, err)
	b, err := ch.Subscribe(ctx, "b")
	require.NoError(t, err)

	require.Error(t, ch.Publish(ctx, Message{}), "kind is required")
	require.NoError(t, ch.Publish(ctx, Message{Kind: KindUpdate, Target: "workflow", Desired: 3}))
	require.Equal(t, Message{Kind: KindUpdate, Target: "workflow", Desired: 3}, <-a.C())
	require.Equal(t, Message{Kind: KindUpdate, Target: "workflow", Desired: 3}, <-b.C())

	b.Close(ctx)
	b.Close(ctx)
	require.NoError(t, ch.Publish(ctx, Message{Kind: KindSyncRequest}))
	require.Equal(t, KindSyncRequest, (<-a.C()).Kind)

	require.NoError(t, ch.Close(ctx))
	_, ok := <-a.C()
	require.False(t, ok, "subscriptions close with the channel")
	require.Error(t, ch.Publish(ctx, Message{Kind: KindUpdate}))
}

func TestAgentAppliesPolicyAndAcks(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	ch := NewLocalChannel()
	svc := newScalingService(t, clk, st, ch)
	ctx := context.Background()

	var mu sync.Mutex
	var applied []int
	agent, err := NewAgent(AgentOptions{
		Target:     "workflow",
		InstanceID: "worker-1",
		Service:    svc,
		Channel:    ch,
		Store:      st,
		Apply: func(_ context.Context, concurrency int) error {
			mu.Lock()
			applied = append(applied, concurrency)
			mu.Unlock()
			return nil
		},
		Clock: clk,
	})
	require.NoError(t, err)
	require.NoError(t, agent.Start(ctx))
	defer agent.Close(ctx)

	// Startup applies the synthesized default.
	mu.Lock()
	require.Equal(t, []int{4}, applied)
	mu.Unlock()

	clk.Advance(2 * time.Minute)
	_, err = svc.SetConcurrency(ctx, "workflow", 2, "ops", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 2 && applied[1] == 2
	}, 5*time.Second, 10*time.Millisecond)

	acks, err := st.ListScalingAcks(ctx, "workflow", 10)
	require.NoError(t, err)
	require.Len(t, acks, 2)
	require.Equal(t, "applied", acks[0].Status)
	require.Equal(t, 2, acks[0].AppliedConcurrency)
	require.Equal(t, "worker-1", acks[0].InstanceID)
}

func TestAgentRecordsApplyFailure(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	ch := NewLocalChannel()
	svc := newScalingService(t, clk, st, ch)
	ctx := context.Background()

	agent, err := NewAgent(AgentOptions{
		Target:  "workflow",
		Service: svc,
		Channel: ch,
		Store:   st,
		Apply: func(context.Context, int) error {
			return errors.New("worker pool wedged")
		},
		Clock: clk,
	})
	require.NoError(t, err)
	require.NoError(t, agent.Start(ctx))
	defer agent.Close(ctx)

	acks, err := st.ListScalingAcks(ctx, "workflow", 1)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.Equal(t, "error", acks[0].Status)
	require.Contains(t, acks[0].Error, "worker pool wedged")
}

func TestServiceOptionValidation(t *testing.T) {
	st := memory.New()
	_, err := NewService(ServiceOptions{Channel: NewLocalChannel(), Targets: map[string]Target{"w": {Max: 1}}})
	require.Error(t, err, "store required")
	_, err = NewService(ServiceOptions{Store: st, Channel: NewLocalChannel()})
	require.Error(t, err, "targets required")
	_, err = NewService(ServiceOptions{Store: st, Channel: NewLocalChannel(), Targets: map[string]Target{"w": {Min: 2, Max: 1, Default: 2}}})
	require.Error(t, err, "bounds inverted")
	_, err = NewService(ServiceOptions{Store: st, Channel: NewLocalChannel(), Targets: map[string]Target{"w": {Min: 1, Max: 3, Default: 5}}})
	require.Error(t, err, "default outside bounds")
}
