package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/config"
	"github.com/apphub/orchestra/hooks"
	"github.com/apphub/orchestra/jobs"
	"github.com/apphub/orchestra/queue"
	"github.com/apphub/orchestra/retry"
	"github.com/apphub/orchestra/runkey"
	"github.com/apphub/orchestra/services"
	"github.com/apphub/orchestra/store/memory"
	"github.com/apphub/orchestra/workflow"
)

type orchHarness struct {
	store    *memory.Store
	clk      *clock.Manual
	jobs     *jobs.Registry
	services *services.Registry
	orch     *Orchestrator

	mu       sync.Mutex
	received []hooks.Event
}

func newOrchHarness(t *testing.T) *orchHarness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.New(memory.WithClock(clk))
	qm, err := queue.NewManager(queue.Options{
		Mode:       func() config.Mode { return config.ModeInline },
		QueueNames: map[string]string{config.QueueKeyWorkflow: "apphub_test_workflow"},
		Jobs:       st,
		Clock:      clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = qm.Close(context.Background()) })

	jr := jobs.NewRegistry()
	sr := services.NewRegistry(clk)
	inv, err := services.NewInvoker(services.InvokerOptions{Registry: sr})
	require.NoError(t, err)

	bus := hooks.NewBus()
	h := &orchHarness{store: st, clk: clk, jobs: jr, services: sr}
	_, err = bus.Register(hooks.SubscriberFunc(func(ctx context.Context, ev hooks.Event) error {
		h.mu.Lock()
		h.received = append(h.received, ev)
		h.mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	orch, err := New(Options{
		Store:    st,
		Events:   st,
		Queue:    qm,
		Jobs:     jr,
		Services: inv,
		Hooks:    bus,
		Clock:    clk,
	})
	require.NoError(t, err)
	require.NoError(t, orch.RegisterHandlers())
	h.orch = orch
	return h
}

func (h *orchHarness) eventsOf(et hooks.EventType) []hooks.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hooks.Event
	for _, ev := range h.received {
		if ev.Type() == et {
			out = append(out, ev)
		}
	}
	return out
}

func (h *orchHarness) submit(t *testing.T, def *workflow.Definition) *workflow.Definition {
	t.Helper()
	stored, err := h.orch.SubmitDefinition(context.Background(), def)
	require.NoError(t, err)
	return stored
}

func reportDefinition(steps ...workflow.Step) *workflow.Definition {
	return &workflow.Definition{Slug: "nightly-report", Name: "Nightly report", Steps: steps}
}

func TestSubmitDefinitionAssignsVersionsAndReplacesTriggers(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	def := reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "noop"})
	def.Triggers = []workflow.TriggerSpec{{EventType: "order.created"}}

	v1 := h.submit(t, def)
	require.Equal(t, 1, v1.Version)
	v2 := h.submit(t, def)
	require.Equal(t, 2, v2.Version)

	triggers, err := h.store.ListTriggersByEventType(ctx, "order.created")
	require.NoError(t, err)
	require.Len(t, triggers, 1, "previous version's triggers removed")
	require.Equal(t, v2.ID, triggers[0].WorkflowDefinitionID)

	require.Len(t, h.eventsOf(hooks.EventDefinitionUpdated), 2)
}

func TestSubmitDefinitionRejectsInvalid(t *testing.T) {
	h := newOrchHarness(t)
	def := reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "noop"})
	def.Slug = "has spaces"
	_, err := h.orch.SubmitDefinition(context.Background(), def)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCreateRunExecutesChainInline(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("fetch", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: map[string]any{"count": 2}}, nil
	}))
	var transformParams map[string]any
	require.NoError(t, h.jobs.Register("transform", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		transformParams = rc.Parameters
		return &jobs.Result{Result: rc.Parameters["n"]}, nil
	}))

	def := h.submit(t, reportDefinition(
		workflow.Step{Type: workflow.StepTypeJob, ID: "fetch", JobSlug: "fetch", StoreResultAs: "data"},
		workflow.Step{
			Type: workflow.StepTypeJob, ID: "transform", JobSlug: "transform",
			DependsOn:     []string{"fetch"},
			Parameters:    map[string]any{"n": "{{ shared.data.count }}"},
			StoreResultAs: "out",
		},
	))

	run, created, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, workflow.TriggerTypeManual, run.Trigger.Type)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSucceeded, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	require.Equal(t, map[string]any{
		"data": map[string]any{"count": 2},
		"out":  2,
	}, final.Output)
	require.Equal(t, 2, transformParams["n"])

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, sr := range steps {
		require.Equal(t, workflow.StepStatusSucceeded, sr.Status)
		require.Equal(t, 1, sr.Attempt)
	}

	completed := h.eventsOf(hooks.EventRunCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, string(workflow.StatusSucceeded), completed[0].(hooks.RunCompleted).Status)
}

func TestCreateRunMergesDefaultParameters(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	var got map[string]any
	require.NoError(t, h.jobs.Register("echo", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		got = rc.Parameters
		return nil, nil
	}))
	def := reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "echo"})
	def.DefaultParameters = map[string]any{"region": "eu", "limit": 1}
	stored := h.submit(t, def)

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: stored.ID,
		Parameters:           map[string]any{"limit": 5},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"region": "eu", "limit": 5}, run.Parameters)
	require.Equal(t, map[string]any{"region": "eu", "limit": 5}, got)
}

func TestCreateRunBySlugUsesLatestVersion(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	require.NoError(t, h.jobs.Register("noop", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return nil, nil
	}))

	h.submit(t, reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "noop"}))
	v2 := h.submit(t, reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "b", JobSlug: "noop"}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{Slug: "nightly-report"})
	require.NoError(t, err)
	require.Equal(t, v2.ID, run.WorkflowDefinitionID)

	_, _, err = h.orch.CreateRun(ctx, CreateRunRequest{Slug: "ghost"})
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	_, _, err = h.orch.CreateRun(ctx, CreateRunRequest{})
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCreateRunKeyConflictReturnsExisting(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	require.NoError(t, h.jobs.Register("noop", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return nil, nil
	}))
	def := h.submit(t, reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "noop"}))

	existing, err := h.store.CreateRun(ctx, &workflow.Run{
		ID:                   "run-existing",
		WorkflowDefinitionID: def.ID,
		Status:               workflow.StatusPending,
		RunKey:               "Nightly 2026-03-01",
		RunKeyNormalized:     runkey.Normalize("Nightly 2026-03-01"),
		CreatedAt:            h.clk.Now(),
	})
	require.NoError(t, err)

	run, created, err := h.orch.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: def.ID,
		RunKey:               "nightly 2026-03-01",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, existing.ID, run.ID)

	// The conflicting request re-enqueued the existing run, which the inline
	// queue drove to completion.
	final, err := h.store.GetRun(ctx, existing.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSucceeded, final.Status)
}

func TestCancelRun(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	require.NoError(t, h.jobs.Register("noop", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return nil, nil
	}))
	def := h.submit(t, reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "noop"}))

	pending, err := h.store.CreateRun(ctx, &workflow.Run{
		ID:                   "run-1",
		WorkflowDefinitionID: def.ID,
		Status:               workflow.StatusPending,
		CreatedAt:            h.clk.Now(),
	})
	require.NoError(t, err)

	canceled, err := h.orch.CancelRun(ctx, pending.ID, "ops")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCanceled, canceled.Status)
	require.Equal(t, "canceled by ops", canceled.ErrorMessage)
	require.NotNil(t, canceled.CompletedAt)

	_, err = h.orch.CancelRun(ctx, pending.ID, "ops")
	require.True(t, apperr.Is(err, apperr.KindConflict))

	// Executing a canceled run is a no-op.
	require.NoError(t, h.orch.Execute(ctx, pending.ID))
	final, err := h.store.GetRun(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCanceled, final.Status)
}

func TestStepRetryResumesRun(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, h.jobs.Register("flaky", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		attempts++
		if attempts < 2 {
			return nil, apperr.New(apperr.KindRetryableExternal, "upstream hiccup")
		}
		return &jobs.Result{Result: "ok"}, nil
	}))

	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeJob, ID: "a", JobSlug: "flaky",
		Retry:         &retry.StepPolicy{MaxAttempts: 3, Strategy: retry.StrategyFixed, InitialDelay: time.Second},
		StoreResultAs: "out",
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)
	require.Equal(t, 2, attempts, "inline retry job resumed the run")

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSucceeded, final.Status)

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, 2, steps[0].Attempt)
	require.Equal(t, workflow.StepStatusSucceeded, steps[0].Status)
}

func TestStepRetriesExhaustAndFail(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	attempts := 0
	require.NoError(t, h.jobs.Register("flaky", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		attempts++
		return nil, apperr.New(apperr.KindRetryableExternal, "upstream down")
	}))
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeJob, ID: "a", JobSlug: "flaky",
		Retry: &retry.StepPolicy{MaxAttempts: 3, Strategy: retry.StrategyFixed, InitialDelay: time.Second},
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, `step "a"`)

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepStatusFailed, steps[0].Status)
	require.Equal(t, string(apperr.KindRetryableExternal), steps[0].ErrorKind)
}

func TestFatalStepFailureSkipsDependents(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("broken", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Status: jobs.StatusFailed, ErrorMessage: "bad input"}, nil
	}))
	require.NoError(t, h.jobs.Register("never", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		t.Error("dependent step ran after failure")
		return nil, nil
	}))

	def := h.submit(t, reportDefinition(
		workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "broken"},
		workflow.Step{Type: workflow.StepTypeJob, ID: "b", JobSlug: "never", DependsOn: []string{"a"}},
	))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "bad input")

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	byID := map[string]*workflow.StepRun{}
	for _, sr := range steps {
		byID[sr.StepID] = sr
	}
	require.Equal(t, workflow.StepStatusFailed, byID["a"].Status)
	require.Equal(t, workflow.StepStatusSkipped, byID["b"].Status)
}

func TestServiceStepCapturesResponse(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	var gotPath, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()
	require.NoError(t, h.services.Register(services.Service{Slug: "billing", BaseURL: ts.URL}))

	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeService, ID: "invoice", ServiceSlug: "billing",
		Request: &workflow.RequestSpec{
			Method:  "POST",
			Path:    "/invoices/{{ parameters.id }}",
			Query:   map[string]string{"dry": "true"},
			Headers: map[string]string{"Authorization": "Bearer {{ parameters.token }}"},
			Body:    map[string]any{"id": "{{ parameters.id }}"},
		},
		CaptureResponse: true,
		StoreResponseAs: "resp",
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: def.ID,
		Parameters:           map[string]any{"id": "inv-1", "token": "t0k"},
	})
	require.NoError(t, err)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSucceeded, final.Status)
	require.Equal(t, "/invoices/inv-1?dry=true", gotPath)
	require.Equal(t, "Bearer t0k", gotAuth)
	require.Equal(t, map[string]any{
		"resp": map[string]any{"statusCode": 200, "body": map[string]any{"ok": true}},
	}, final.Output)
}

func TestServiceStepServerErrorFailsStep(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	require.NoError(t, h.services.Register(services.Service{Slug: "billing", BaseURL: ts.URL}))

	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeService, ID: "invoice", ServiceSlug: "billing",
		Request: &workflow.RequestSpec{Method: "GET", Path: "/health"},
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepStatusFailed, steps[0].Status)
	require.Equal(t, string(apperr.KindRetryableExternal), steps[0].ErrorKind)
}

func TestServiceStepHealthGate(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.services.Register(services.Service{Slug: "billing", BaseURL: "http://billing.local"}))
	require.NoError(t, h.services.SetStatus("billing", services.StatusUnhealthy))

	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeService, ID: "invoice", ServiceSlug: "billing",
		Request:        &workflow.RequestSpec{Method: "GET", Path: "/x"},
		RequireHealthy: true,
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)
	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepStatusFailed, steps[0].Status)
	require.Equal(t, string(apperr.KindServiceUnhealthy), steps[0].ErrorKind)
}

func TestFanOutCollectsOrderedResults(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("per-item", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: map[string]any{"got": rc.Parameters["item"]}}, nil
	}))

	child := workflow.Step{
		Type: workflow.StepTypeJob, ID: "child", JobSlug: "per-item",
		Parameters: map[string]any{"item": "{{ item }}"},
	}
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeFanOut, ID: "fan",
		Collection:     "{{ parameters.items }}",
		Template:       &child,
		StoreResultsAs: "results",
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: def.ID,
		Parameters:           map[string]any{"items": []any{"a", "b", "c"}},
	})
	require.NoError(t, err)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSucceeded, final.Status)
	require.Equal(t, []any{
		map[string]any{"got": "a"},
		map[string]any{"got": "b"},
		map[string]any{"got": "c"},
	}, final.Output.(map[string]any)["results"])
}

func TestFanOutRejectsNonArrayCollection(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()
	require.NoError(t, h.jobs.Register("per-item", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return nil, nil
	}))
	child := workflow.Step{Type: workflow.StepTypeJob, ID: "child", JobSlug: "per-item"}
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeFanOut, ID: "fan",
		Collection: "{{ parameters.items }}",
		Template:   &child,
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: def.ID,
		Parameters:           map[string]any{"items": "not-an-array"},
	})
	require.NoError(t, err)
	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepStatusFailed, steps[0].Status)
	require.Equal(t, string(apperr.KindValidation), steps[0].ErrorKind)
}

func TestRecordAssetsPersistsMaterializations(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("produce", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{
			Result: "done",
			Assets: []any{map[string]any{
				"assetId":      "Orders",
				"partitionKey": "2026-03",
				"rows":         5,
			}},
		}, nil
	}))
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeJob, ID: "a", JobSlug: "produce",
		Produces: []workflow.AssetDeclaration{{
			AssetID:      "orders",
			Partitioning: &workflow.Partitioning{Type: "static", Keys: []string{"month"}},
		}},
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)

	m, err := h.store.LatestMaterialization(ctx, def.ID, "orders", "2026-03")
	require.NoError(t, err)
	require.Equal(t, run.ID, m.WorkflowRunID)
	require.Equal(t, "a", m.StepID)
	require.Equal(t, map[string]any{"rows": 5}, m.Payload)

	produced := h.eventsOf(hooks.EventAssetProduced)
	require.Len(t, produced, 1)
	ev := produced[0].(hooks.AssetProduced)
	require.Equal(t, "orders", ev.AssetID)
	require.Equal(t, "2026-03", ev.PartitionKey)
	require.Equal(t, run.ID, ev.WorkflowRunID)
}

func TestPartitionedAssetRequiresPartitionKey(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("produce", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Assets: []any{map[string]any{"assetId": "orders"}}}, nil
	}))
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeJob, ID: "a", JobSlug: "produce",
		Produces: []workflow.AssetDeclaration{{
			AssetID:      "orders",
			Partitioning: &workflow.Partitioning{Type: "static"},
		}},
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, final.Status)
	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, string(apperr.KindPartitionKeyRequired), steps[0].ErrorKind)
}

func TestRunPartitionKeyBackfillsAssetPartition(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("produce", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Assets: []any{map[string]any{"assetId": "orders", "rows": 1}}}, nil
	}))
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeJob, ID: "a", JobSlug: "produce",
		Produces: []workflow.AssetDeclaration{{
			AssetID:      "orders",
			Partitioning: &workflow.Partitioning{Type: "static"},
		}},
	}))

	_, _, err := h.orch.CreateRun(ctx, CreateRunRequest{
		WorkflowDefinitionID: def.ID,
		PartitionKey:         "2026-03",
	})
	require.NoError(t, err)

	m, err := h.store.LatestMaterialization(ctx, def.ID, "orders", "2026-03")
	require.NoError(t, err)
	require.Equal(t, "2026-03", m.PartitionKey)
}

func TestStepTimeout(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	require.NoError(t, h.jobs.Register("slow", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	def := h.submit(t, reportDefinition(workflow.Step{
		Type: workflow.StepTypeJob, ID: "a", JobSlug: "slow",
		Timeout: 20 * time.Millisecond,
	}))

	run, _, err := h.orch.CreateRun(ctx, CreateRunRequest{WorkflowDefinitionID: def.ID})
	require.NoError(t, err)

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepStatusFailed, steps[0].Status)
	require.Equal(t, string(apperr.KindTimeout), steps[0].ErrorKind)
}

func TestExecuteResumesInterruptedStep(t *testing.T) {
	h := newOrchHarness(t)
	ctx := context.Background()

	runs := 0
	require.NoError(t, h.jobs.Register("noop", func(ctx context.Context, rc jobs.RunContext) (*jobs.Result, error) {
		runs++
		return nil, nil
	}))
	def := h.submit(t, reportDefinition(workflow.Step{Type: workflow.StepTypeJob, ID: "a", JobSlug: "noop"}))

	run, err := h.store.CreateRun(ctx, &workflow.Run{
		ID:                   "run-1",
		WorkflowDefinitionID: def.ID,
		Status:               workflow.StatusRunning,
		CreatedAt:            h.clk.Now(),
	})
	require.NoError(t, err)
	// A step left running by a dead worker is demoted and re-attempted.
	require.NoError(t, h.store.UpsertStepRun(ctx, &workflow.StepRun{
		ID:            "sr-1",
		WorkflowRunID: run.ID,
		StepID:        "a",
		Status:        workflow.StepStatusRunning,
		Attempt:       1,
	}))

	require.NoError(t, h.orch.Execute(ctx, run.ID))
	require.Equal(t, 1, runs)

	steps, err := h.store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StepStatusSucceeded, steps[0].Status)
	require.Equal(t, 2, steps[0].Attempt)

	final, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSucceeded, final.Status)
}

func TestExecuteMissingRunIsNoop(t *testing.T) {
	h := newOrchHarness(t)
	require.NoError(t, h.orch.Execute(context.Background(), "ghost"))
}
