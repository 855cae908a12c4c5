package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/events/scheduler"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/store/memory"
	"github.com/apphub/orchestra/workflow"
)

// fakeLauncher records launch requests and fails the first failures calls.
type fakeLauncher struct {
	mu       sync.Mutex
	requests []LaunchRequest
	failures int
}

func (l *fakeLauncher) LaunchRun(_ context.Context, req LaunchRequest) (*workflow.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("launch refused")
	}
	l.requests = append(l.requests, req)
	return &workflow.Run{ID: clock.NewID(), WorkflowDefinitionID: req.WorkflowDefinitionID}, nil
}

func (l *fakeLauncher) launched() []LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchRequest(nil), l.requests...)
}

type evalHarness struct {
	store     *memory.Store
	clk       *clock.Manual
	launcher  *fakeLauncher
	scheduler *scheduler.Service
	evaluator *Evaluator
}

func newEvalHarness(t *testing.T) *evalHarness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	qm, err := queue.NewManager(queue.Options{
		Mode:       func() config.Mode { return config.ModeInline },
		QueueNames: map[string]string{config.QueueKeyEventTrigger: "apphub_test_event_trigger"},
		Jobs:       st,
		Clock:      clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = qm.Close(context.Background()) })

	sched, err := scheduler.NewService(scheduler.Options{
		Store:          st,
		ErrorThreshold: 2,
		ErrorWindow:    time.Minute,
		TriggerPause:   5 * time.Minute,
		Clock:          clk,
	})
	require.NoError(t, err)

	launcher := &fakeLauncher{}
	ev, err := NewEvaluator(Options{
		Events:      st,
		Workflows:   st,
		Scheduler:   sched,
		Launcher:    launcher,
		Queue:       qm,
		Metrics:     st,
		MaxAttempts: 3,
		Backoff:     retry.Policy{Base: time.Second, Factor: 2, Max: time.Minute},
		Clock:       clk,
	})
	require.NoError(t, err)
	require.NoError(t, ev.RegisterHandlers())
	return &evalHarness{store: st, clk: clk, launcher: launcher, scheduler: sched, evaluator: ev}
}

func (h *evalHarness) addTrigger(t *testing.T, trig *events.Trigger) *events.Trigger {
	t.Helper()
	if trig.ID == "" {
		trig.ID = clock.NewID()
	}
	if trig.WorkflowDefinitionID == "" {
		trig.WorkflowDefinitionID = "def-1"
	}
	trig.CreatedAt = h.clk.Now()
	require.NoError(t, h.store.CreateTrigger(context.Background(), trig))
	return trig
}

func (h *evalHarness) addEnvelope(t *testing.T, eventType, payload string) *events.Envelope {
	t.Helper()
	env := &events.Envelope{
		ID:         clock.NewID(),
		Type:       eventType,
		Source:     "shop",
		OccurredAt: h.clk.Now(),
		Payload:    json.RawMessage(payload),
	}
	require.NoError(t, h.store.InsertEnvelope(context.Background(), env))
	return env
}

func TestEvaluateLaunchesMatchingTrigger(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	trig := h.addTrigger(t, &events.Trigger{
		EventType: "order.created",
		Filter: &workflow.Filter{All: []workflow.Condition{
			{Path: "payload.action", Operator: "equals", Value: "created"},
		}},
		ParameterTemplate: map[string]any{"region": "{{ payload.region }}"},
		RunKeyTemplate:    "order-{{ payload.id }}",
	})
	env := h.addEnvelope(t, "order.created", `{"action":"created","region":"eu","id":"o-1"}`)

	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID}))

	launched := h.launcher.launched()
	require.Len(t, launched, 1)
	req := launched[0]
	require.Equal(t, "def-1", req.WorkflowDefinitionID)
	require.Equal(t, map[string]any{"region": "eu"}, req.Parameters)
	require.Equal(t, "order-o-1", req.RunKey)
	require.Equal(t, workflow.TriggerTypeEvent, req.Trigger.Type)
	require.Equal(t, env.ID, req.Trigger.Payload["eventId"])
	require.Equal(t, trig.ID, req.Trigger.Payload["triggerId"])

	m, err := h.store.GetTriggerMetrics(ctx, trig.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Matched)
	require.Equal(t, int64(1), m.Launched)
	require.Equal(t, string(store.OutcomeLaunched), m.LastStatus)
}

func TestEvaluateFiltersNonMatching(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	trig := h.addTrigger(t, &events.Trigger{
		EventType: "order.created",
		Filter: &workflow.Filter{All: []workflow.Condition{
			{Path: "payload.action", Operator: "equals", Value: "deleted"},
		}},
	})
	env := h.addEnvelope(t, "order.created", `{"action":"created"}`)

	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID}))
	require.Empty(t, h.launcher.launched())

	m, err := h.store.GetTriggerMetrics(ctx, trig.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Filtered)
}

func TestEvaluateMissingEnvelopeIsDropped(t *testing.T) {
	h := newEvalHarness(t)
	require.NoError(t, h.evaluator.Evaluate(context.Background(), EvalJob{EventID: "ghost"}))
	require.Empty(t, h.launcher.launched())
}

func TestEvaluateNarrowsToTriggerID(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	first := h.addTrigger(t, &events.Trigger{ID: "trig-a", EventType: "order.created"})
	h.addTrigger(t, &events.Trigger{ID: "trig-b", EventType: "order.created"})
	env := h.addEnvelope(t, "order.created", `{}`)

	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID, TriggerID: first.ID}))
	launched := h.launcher.launched()
	require.Len(t, launched, 1)
	require.Equal(t, first.ID, launched[0].Trigger.Payload["triggerId"])
}

func TestLaunchFailuresRetryThenPause(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	trig := h.addTrigger(t, &events.Trigger{EventType: "order.created"})
	env := h.addEnvelope(t, "order.created", `{}`)
	h.launcher.failures = 10

	// The inline queue runs the scheduled retry synchronously, so the second
	// failure trips the threshold and pauses the trigger.
	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID}))
	require.Empty(t, h.launcher.launched())

	p, err := h.scheduler.TriggerPause(ctx, trig.ID)
	require.NoError(t, err)
	require.NotNil(t, p)

	m, err := h.store.GetTriggerMetrics(ctx, trig.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), m.Failed)

	// While paused the trigger is skipped outright.
	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID}))
	require.Empty(t, h.launcher.launched())
	m, err = h.store.GetTriggerMetrics(ctx, trig.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Paused)
}

func TestLaunchSuccessClearsFailureWindow(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	trig := h.addTrigger(t, &events.Trigger{EventType: "order.created"})
	env := h.addEnvelope(t, "order.created", `{}`)

	h.launcher.failures = 1
	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID}))
	require.Len(t, h.launcher.launched(), 1, "inline retry succeeded after one failure")

	p, err := h.scheduler.TriggerPause(ctx, trig.ID)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestThrottleWindowLimitsLaunchRate(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	trig := h.addTrigger(t, &events.Trigger{
		EventType: "order.created",
		Throttle:  &workflow.Throttle{Window: time.Minute, Count: 1},
	})
	first := h.addEnvelope(t, "order.created", `{}`)
	second := h.addEnvelope(t, "order.created", `{}`)

	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: first.ID}))
	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: second.ID}))
	require.Len(t, h.launcher.launched(), 1)

	m, err := h.store.GetTriggerMetrics(ctx, trig.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Throttled)

	h.clk.Advance(2 * time.Minute)
	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: second.ID}))
	require.Len(t, h.launcher.launched(), 2)
}

func TestThrottleMaxConcurrency(t *testing.T) {
	h := newEvalHarness(t)
	ctx := context.Background()

	trig := h.addTrigger(t, &events.Trigger{
		ID:        "trig-1",
		EventType: "order.created",
		Throttle:  &workflow.Throttle{MaxConcurrency: 1},
	})
	_, err := h.store.CreateRun(ctx, &workflow.Run{
		ID:                   "run-1",
		WorkflowDefinitionID: "def-1",
		Status:               workflow.StatusRunning,
		Trigger: workflow.RunTrigger{
			Type:    workflow.TriggerTypeEvent,
			Payload: map[string]any{"triggerId": trig.ID},
		},
		CreatedAt: h.clk.Now(),
	})
	require.NoError(t, err)

	env := h.addEnvelope(t, "order.created", `{}`)
	require.NoError(t, h.evaluator.Evaluate(ctx, EvalJob{EventID: env.ID}))
	require.Empty(t, h.launcher.launched())

	m, err := h.store.GetTriggerMetrics(ctx, trig.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Throttled)
}
