// Package assets keeps derived data fresh: the materializer reacts to
// produced and expired assets by launching auto-materialize runs for the
// workflows that consume or produce them, and the graph view renders the
// asset dependency graph with staleness annotations.
//
// The materializer is an actor. A single mailbox goroutine owns the
// in-memory graph (workflow configs, asset consumers, latest snapshots), so
// graph mutations never race; everything else posts closures to the mailbox.
package assets

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/hooks"
	"github.com/apphub/orchestra/runkey"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/telemetry"
	"github.com/apphub/orchestra/workflow"
	"github.com/apphub/orchestra/workflow/orchestrator"
	wftemplate "github.com/apphub/orchestra/workflow/template"
)

// Reasons recorded on auto-materialize runs and claims.
const (
	ReasonUpstreamUpdate = "upstream-update"
	ReasonExpiry         = "expiry"
)

type (
	// RunCreator creates workflow runs. The orchestrator implements it.
	RunCreator interface {
		CreateRun(ctx context.Context, req orchestrator.CreateRunRequest) (*workflow.Run, bool, error)
	}

	// MaterializerOptions configures a Materializer.
	MaterializerOptions struct {
		// Workflows reads definitions and materializations. Required.
		Workflows store.WorkflowStore
		// Claims persists auto-run claims and failure state. Required.
		Claims store.ClaimStore
		// Runs launches auto-materialize runs. Required.
		Runs RunCreator
		// Hooks is the bus the materializer subscribes to and publishes
		// expiries on. Required.
		Hooks hooks.Bus
		// OwnerID identifies this materializer instance on claims.
		// Defaults to a fresh id.
		OwnerID string
		// ClaimTTL bounds how long an auto-run claim stays active without a
		// terminal run. Defaults to 10 minutes.
		ClaimTTL time.Duration
		// BaseBackoff and MaxBackoff shape the per-workflow failure backoff
		// min(MaxBackoff, BaseBackoff*2^(failures-1)). Defaults 5s / 10m.
		BaseBackoff time.Duration
		MaxBackoff  time.Duration
		// RefreshInterval is the periodic full graph refresh. Defaults to
		// 5 minutes. Zero disables the ticker.
		RefreshInterval time.Duration
		// Clock supplies time. Defaults to the system clock.
		Clock clock.Clock
		// Logger records materializer activity. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics counts considerations and launches. Defaults to no-op.
		Metrics telemetry.Metrics
	}

	// Materializer is the auto-materialization actor.
	Materializer struct {
		workflows store.WorkflowStore
		claims    store.ClaimStore
		runs      RunCreator
		hooks     hooks.Bus
		ownerID   string
		claimTTL  time.Duration
		base      time.Duration
		max       time.Duration
		refresh   time.Duration
		clock     clock.Clock
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		mailbox chan func()
		done    chan struct{}
		closed  chan struct{}
		once    sync.Once
		sub     hooks.Subscription

		// Actor-owned state. Only the mailbox goroutine touches it.
		configs   map[string]*workflowConfig
		consumers map[string]map[string]bool
		latest    map[string]map[string]assetSnapshot
		timers    map[string]*time.Timer
	}

	// workflowConfig is the cached auto-materialization view of one
	// workflow definition (latest version).
	workflowConfig struct {
		id               string
		slug             string
		defaults         map[string]any
		producers        map[string]producerDecl
		consumes         map[string]workflow.AssetDeclaration
		onUpstreamUpdate bool
	}

	producerDecl struct {
		stepID string
		decl   workflow.AssetDeclaration
	}

	// assetSnapshot is the latest known materialization of one partition.
	assetSnapshot struct {
		producedAt   time.Time
		runID        string
		partitionKey string
	}

	// considerPayload carries the cause of one consideration.
	considerPayload struct {
		reason        string
		assetID       string
		partitionKey  string
		producedAt    time.Time
		upstreamRunID string
		expiryReason  string
	}
)

// NewMaterializer validates the options and builds a stopped materializer.
func NewMaterializer(opts MaterializerOptions) (*Materializer, error) {
	if opts.Workflows == nil {
		return nil, fmt.Errorf("assets: workflow store is required")
	}
	if opts.Claims == nil {
		return nil, fmt.Errorf("assets: claim store is required")
	}
	if opts.Runs == nil {
		return nil, fmt.Errorf("assets: run creator is required")
	}
	if opts.Hooks == nil {
		return nil, fmt.Errorf("assets: hook bus is required")
	}
	if opts.OwnerID == "" {
		opts.OwnerID = "materializer-" + clock.NewID()
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 10 * time.Minute
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Minute
	}
	if opts.RefreshInterval < 0 {
		opts.RefreshInterval = 0
	} else if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 5 * time.Minute
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
	return &Materializer{
		workflows: opts.Workflows,
		claims:    opts.Claims,
		runs:      opts.Runs,
		hooks:     opts.Hooks,
		ownerID:   opts.OwnerID,
		claimTTL:  opts.ClaimTTL,
		base:      opts.BaseBackoff,
		max:       opts.MaxBackoff,
		refresh:   opts.RefreshInterval,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		mailbox:   make(chan func(), 256),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
		configs:   make(map[string]*workflowConfig),
		consumers: make(map[string]map[string]bool),
		latest:    make(map[string]map[string]assetSnapshot),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Start sweeps stale claims, builds the graph, subscribes to the bus, and
// starts the mailbox loop.
func (m *Materializer) Start(ctx context.Context) error {
	if swept, err := m.claims.SweepExpiredClaims(ctx, m.clock.Now()); err != nil {
		m.logger.Warn(ctx, "materializer.sweep_failed", "error", err.Error())
	} else if swept > 0 {
		m.logger.Info(ctx, "materializer.claims_swept", "count", swept)
	}
	m.rebuildAll(ctx)

	sub, err := m.hooks.Register(hooks.SubscriberFunc(m.handleEvent))
	if err != nil {
		return fmt.Errorf("assets: subscribe: %w", err)
	}
	m.sub = sub

	go m.loop()
	if m.refresh > 0 {
		go m.refreshLoop()
	}
	m.logger.Info(ctx, "materializer.started", "ownerId", m.ownerID, "workflows", len(m.configs))
	return nil
}

// Close stops the mailbox loop and drops the bus subscription. Idempotent.
func (m *Materializer) Close() error {
	m.once.Do(func() {
		if m.sub != nil {
			m.sub.Close()
		}
		close(m.done)
		<-m.closed
		for _, t := range m.timers {
			t.Stop()
		}
	})
	return nil
}

func (m *Materializer) loop() {
	defer close(m.closed)
	for {
		select {
		case <-m.done:
			return
		case f := <-m.mailbox:
			f()
		}
	}
}

func (m *Materializer) refreshLoop() {
	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.post(func() { m.rebuildAll(context.Background()) })
		}
	}
}

// post hands a closure to the mailbox goroutine. Posting after Close drops
// the closure.
func (m *Materializer) post(f func()) {
	select {
	case m.mailbox <- f:
	case <-m.done:
	}
}

// handleEvent routes bus events into the mailbox. Errors never propagate to
// the publisher; the materializer is an observer.
func (m *Materializer) handleEvent(ctx context.Context, event hooks.Event) error {
	switch ev := event.(type) {
	case hooks.DefinitionUpdated:
		m.post(func() {
			bg := context.Background()
			m.rebuild(bg, ev.WorkflowDefinitionID)
			m.refreshLatest(bg, ev.WorkflowDefinitionID)
		})
	case hooks.AssetProduced:
		m.post(func() { m.onAssetProduced(context.Background(), ev) })
	case hooks.AssetExpired:
		m.post(func() { m.onAssetExpired(context.Background(), ev) })
	case hooks.RunCompleted:
		if ev.TriggerType == workflow.TriggerTypeAutoMaterialize {
			m.post(func() { m.onAutoRunCompleted(context.Background(), ev) })
		}
	}
	return nil
}

// onAssetProduced updates the latest snapshot, reschedules the expiry timer,
// and considers every downstream consumer that opted into upstream updates.
func (m *Materializer) onAssetProduced(ctx context.Context, ev hooks.AssetProduced) {
	assetID := workflow.NormalizeAssetID(ev.AssetID)
	key := snapshotKey(ev.WorkflowDefinitionID, assetID)
	part := runkey.Normalize(ev.PartitionKey)
	if m.latest[key] == nil {
		m.latest[key] = make(map[string]assetSnapshot)
	}
	m.latest[key][part] = assetSnapshot{
		producedAt:   ev.ProducedAt,
		runID:        ev.WorkflowRunID,
		partitionKey: ev.PartitionKey,
	}
	if cfg := m.configs[ev.WorkflowDefinitionID]; cfg != nil {
		if p, ok := cfg.producers[assetID]; ok {
			m.scheduleExpiry(ev.WorkflowDefinitionID, assetID, ev.PartitionKey, ev.ProducedAt, p.decl)
		}
	}
	for wfID := range m.consumers[assetID] {
		cfg := m.configs[wfID]
		if cfg == nil || !cfg.onUpstreamUpdate {
			continue
		}
		m.consider(ctx, wfID, considerPayload{
			reason:        ReasonUpstreamUpdate,
			assetID:       assetID,
			partitionKey:  ev.PartitionKey,
			producedAt:    ev.ProducedAt,
			upstreamRunID: ev.WorkflowRunID,
		})
	}
}

// onAssetExpired considers the producing workflow unless a newer
// materialization for the partition already exists.
func (m *Materializer) onAssetExpired(ctx context.Context, ev hooks.AssetExpired) {
	assetID := workflow.NormalizeAssetID(ev.AssetID)
	key := snapshotKey(ev.WorkflowDefinitionID, assetID)
	part := runkey.Normalize(ev.PartitionKey)
	if snap, ok := m.latest[key][part]; ok && snap.producedAt.After(ev.ProducedAt) {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = "ttl"
	}
	m.consider(ctx, ev.WorkflowDefinitionID, considerPayload{
		reason:       ReasonExpiry,
		assetID:      assetID,
		partitionKey: ev.PartitionKey,
		producedAt:   ev.ProducedAt,
		expiryReason: reason,
	})
}

// onAutoRunCompleted releases the claim bound to the run and maintains the
// per-workflow failure backoff.
func (m *Materializer) onAutoRunCompleted(ctx context.Context, ev hooks.RunCompleted) {
	if err := m.claims.ReleaseClaim(ctx, ev.WorkflowDefinitionID, "", ev.WorkflowRunID); err != nil {
		m.logger.Warn(ctx, "materializer.release_failed", "workflowId", ev.WorkflowDefinitionID, "runId", ev.WorkflowRunID, "error", err.Error())
	}
	switch workflow.Status(ev.Status) {
	case workflow.StatusSucceeded:
		if err := m.claims.ClearFailureState(ctx, ev.WorkflowDefinitionID); err != nil {
			m.logger.Warn(ctx, "materializer.clear_failure_failed", "workflowId", ev.WorkflowDefinitionID, "error", err.Error())
		}
	case workflow.StatusFailed:
		m.recordFailure(ctx, ev.WorkflowDefinitionID)
	}
}

// recordFailure bumps the failure counter and pushes the next-eligible
// deadline out exponentially.
func (m *Materializer) recordFailure(ctx context.Context, workflowID string) {
	now := m.clock.Now()
	st, err := m.claims.GetFailureState(ctx, workflowID)
	if err == store.ErrNotFound {
		st = &store.AssetFailureState{WorkflowDefinitionID: workflowID}
	} else if err != nil {
		m.logger.Warn(ctx, "materializer.failure_state_load_failed", "workflowId", workflowID, "error", err.Error())
		return
	}
	st.Failures++
	st.LastFailureAt = now
	st.NextEligibleAt = now.Add(m.backoff(st.Failures))
	if err := m.claims.SetFailureState(ctx, st); err != nil {
		m.logger.Warn(ctx, "materializer.failure_state_save_failed", "workflowId", workflowID, "error", err.Error())
		return
	}
	m.metrics.IncCounter("materializer_run_failures", 1, "workflowId", workflowID)
	m.logger.Info(ctx, "materializer.backoff", "workflowId", workflowID, "failures", st.Failures, "nextEligibleAt", st.NextEligibleAt.Format(time.RFC3339))
}

// backoff computes min(max, base*2^(failures-1)).
func (m *Materializer) backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(m.base) * math.Pow(2, float64(failures-1))
	if d > float64(m.max) || d < 0 {
		return m.max
	}
	return time.Duration(d)
}

// consider decides whether to launch an auto-materialize run for a workflow.
func (m *Materializer) consider(ctx context.Context, workflowID string, p considerPayload) {
	m.metrics.IncCounter("materializer_considered", 1, "reason", p.reason)
	cfg := m.configs[workflowID]
	if cfg == nil {
		m.rebuild(ctx, workflowID)
		cfg = m.configs[workflowID]
		if cfg == nil {
			return
		}
	}
	switch p.reason {
	case ReasonUpstreamUpdate:
		if !cfg.onUpstreamUpdate {
			return
		}
		if _, ok := cfg.consumes[p.assetID]; !ok {
			return
		}
		// Already caught up: the workflow's own latest output is at least
		// as new as the upstream materialization.
		if latest := m.latestAcross(cfg); !latest.IsZero() && !latest.Before(p.producedAt) {
			m.skip(ctx, workflowID, p, "up-to-date")
			return
		}
	case ReasonExpiry:
		if _, ok := cfg.producers[p.assetID]; !ok {
			return
		}
		part := runkey.Normalize(p.partitionKey)
		if snap, ok := m.latest[snapshotKey(workflowID, p.assetID)][part]; ok && snap.producedAt.After(p.producedAt) {
			m.skip(ctx, workflowID, p, "newer-exists")
			return
		}
	default:
		return
	}
	if _, err := m.claims.ActiveClaim(ctx, workflowID); err == nil {
		m.skip(ctx, workflowID, p, "claim-active")
		return
	} else if err != store.ErrNotFound {
		m.logger.Warn(ctx, "materializer.claim_check_failed", "workflowId", workflowID, "error", err.Error())
		return
	}
	now := m.clock.Now()
	if st, err := m.claims.GetFailureState(ctx, workflowID); err == nil && st.NextEligibleAt.After(now) {
		m.skip(ctx, workflowID, p, "backoff")
		return
	}
	params := m.composeParameters(ctx, cfg, p)
	m.launch(ctx, cfg, p, params)
}

func (m *Materializer) skip(ctx context.Context, workflowID string, p considerPayload, why string) {
	m.metrics.IncCounter("materializer_skipped", 1, "reason", why)
	m.logger.Debug(ctx, "materializer.skipped", "workflowId", workflowID, "asset", p.assetID, "cause", p.reason, "why", why)
}

// latestAcross is the newest materialization across every asset the
// workflow produces.
func (m *Materializer) latestAcross(cfg *workflowConfig) time.Time {
	var latest time.Time
	for assetID := range cfg.producers {
		for _, snap := range m.latest[snapshotKey(cfg.id, assetID)] {
			if snap.producedAt.After(latest) {
				latest = snap.producedAt
			}
		}
	}
	return latest
}

// composeParameters deep-merges defaults, the declaration's auto-materialize
// defaults, the stored partition parameters, and the derived time-window
// bounds. Later layers win; arrays replace.
func (m *Materializer) composeParameters(ctx context.Context, cfg *workflowConfig, p considerPayload) map[string]any {
	params := cfg.defaults
	decl, declOK := m.relevantDecl(cfg, p)
	if declOK && decl.AutoMaterialize != nil {
		params = wftemplate.Merge(params, decl.AutoMaterialize.ParameterDefaults)
	}
	if p.partitionKey != "" {
		if stored := m.storedPartitionParameters(ctx, cfg.id, p); stored != nil {
			params = wftemplate.Merge(params, stored)
		}
		derived := map[string]any{"partitionKey": p.partitionKey}
		if declOK {
			if start, end, ok := timeWindowBounds(decl.Partitioning, p.partitionKey); ok {
				derived["windowStart"] = start.Format(time.RFC3339)
				derived["windowEnd"] = end.Format(time.RFC3339)
			}
		}
		params = wftemplate.Merge(params, derived)
	}
	return params
}

// relevantDecl picks the declaration the consideration is about: the
// consumed declaration for upstream updates, the produced one for expiries.
func (m *Materializer) relevantDecl(cfg *workflowConfig, p considerPayload) (workflow.AssetDeclaration, bool) {
	if p.reason == ReasonUpstreamUpdate {
		decl, ok := cfg.consumes[p.assetID]
		return decl, ok
	}
	pd, ok := cfg.producers[p.assetID]
	return pd.decl, ok
}

// storedPartitionParameters reuses the parameters recorded in the latest
// materialization payload for the partition, when that payload carries them.
func (m *Materializer) storedPartitionParameters(ctx context.Context, workflowID string, p considerPayload) map[string]any {
	mat, err := m.workflows.LatestMaterialization(ctx, workflowID, p.assetID, p.partitionKey)
	if err != nil {
		return nil
	}
	payload, ok := mat.Payload.(map[string]any)
	if !ok {
		return nil
	}
	if stored, ok := payload["parameters"].(map[string]any); ok {
		return stored
	}
	return nil
}

// launch acquires the claim, creates the run under a deterministic run key,
// and binds the run to the claim. A run-key conflict releases the claim; the
// existing run was already re-enqueued by the orchestrator.
func (m *Materializer) launch(ctx context.Context, cfg *workflowConfig, p considerPayload, params map[string]any) {
	now := m.clock.Now()
	claim := &store.AutoRunClaim{
		WorkflowDefinitionID: cfg.id,
		OwnerID:              m.ownerID,
		Reason:               p.reason,
		AssetID:              p.assetID,
		PartitionKey:         p.partitionKey,
		AcquiredAt:           now,
		ExpiresAt:            now.Add(m.claimTTL),
	}
	if err := m.claims.AcquireClaim(ctx, claim); err != nil {
		if err != store.ErrClaimHeld {
			m.logger.Warn(ctx, "materializer.claim_failed", "workflowId", cfg.id, "error", err.Error())
		}
		return
	}
	subject := p.assetID
	if subject == "" {
		subject = cfg.slug
	}
	cause := p.upstreamRunID
	if p.reason == ReasonExpiry {
		cause = p.expiryReason
	}
	parts := []string{"asset", subject}
	if p.partitionKey != "" {
		parts = append(parts, p.partitionKey)
	}
	parts = append(parts, p.reason, cause)
	runKey := runkey.Compose(parts...)

	run, created, err := m.runs.CreateRun(ctx, orchestrator.CreateRunRequest{
		WorkflowDefinitionID: cfg.id,
		Parameters:           params,
		RunKey:               runKey,
		PartitionKey:         p.partitionKey,
		TriggeredBy:          m.ownerID,
		Trigger: workflow.RunTrigger{
			Type: workflow.TriggerTypeAutoMaterialize,
			Payload: map[string]any{
				"reason":        p.reason,
				"assetId":       p.assetID,
				"partitionKey":  p.partitionKey,
				"upstreamRunId": p.upstreamRunID,
				"expiryReason":  p.expiryReason,
			},
		},
	})
	if err != nil {
		m.releaseOwned(ctx, cfg.id)
		m.logger.Error(ctx, "materializer.launch_failed", "workflowId", cfg.id, "asset", p.assetID, "error", err.Error())
		return
	}
	if !created {
		// An active run already holds this run key. It was re-enqueued by
		// the orchestrator, so just free the claim.
		m.releaseOwned(ctx, cfg.id)
		m.logger.Debug(ctx, "materializer.joined_existing_run", "workflowId", cfg.id, "runId", run.ID)
		return
	}
	if err := m.claims.AttachRunToClaim(ctx, cfg.id, m.ownerID, run.ID); err != nil {
		m.logger.Warn(ctx, "materializer.attach_failed", "workflowId", cfg.id, "runId", run.ID, "error", err.Error())
	}
	m.metrics.IncCounter("materializer_launched", 1, "reason", p.reason)
	m.logger.Info(ctx, "materializer.run_launched", "workflowId", cfg.id, "runId", run.ID, "asset", p.assetID, "cause", p.reason)
}

func (m *Materializer) releaseOwned(ctx context.Context, workflowID string) {
	if err := m.claims.ReleaseClaim(ctx, workflowID, m.ownerID, ""); err != nil {
		m.logger.Warn(ctx, "materializer.release_failed", "workflowId", workflowID, "error", err.Error())
	}
}

// rebuildAll reloads every latest definition and its latest snapshots.
func (m *Materializer) rebuildAll(ctx context.Context) {
	defs, err := m.workflows.ListDefinitions(ctx)
	if err != nil {
		m.logger.Error(ctx, "materializer.rebuild_failed", "error", err.Error())
		return
	}
	m.configs = make(map[string]*workflowConfig, len(defs))
	m.consumers = make(map[string]map[string]bool)
	for _, def := range defs {
		m.index(def)
		m.refreshLatest(ctx, def.ID)
	}
}

// rebuild reloads one workflow's config.
func (m *Materializer) rebuild(ctx context.Context, workflowID string) {
	def, err := m.workflows.GetDefinition(ctx, workflowID)
	if err != nil {
		m.logger.Warn(ctx, "materializer.load_definition_failed", "workflowId", workflowID, "error", err.Error())
		return
	}
	// Drop stale consumer edges for this workflow before re-indexing.
	for assetID, wfs := range m.consumers {
		delete(wfs, workflowID)
		if len(wfs) == 0 {
			delete(m.consumers, assetID)
		}
	}
	m.index(def)
}

// index folds one definition into the in-memory graph.
func (m *Materializer) index(def *workflow.Definition) {
	cfg := &workflowConfig{
		id:        def.ID,
		slug:      def.Slug,
		defaults:  def.DefaultParameters,
		producers: make(map[string]producerDecl),
		consumes:  make(map[string]workflow.AssetDeclaration),
	}
	var walk func(steps []workflow.Step)
	walk = func(steps []workflow.Step) {
		for _, step := range steps {
			for _, decl := range step.Produces {
				id := workflow.NormalizeAssetID(decl.AssetID)
				cfg.producers[id] = producerDecl{stepID: step.ID, decl: decl}
				if decl.AutoMaterialize != nil && decl.AutoMaterialize.OnUpstreamUpdate {
					cfg.onUpstreamUpdate = true
				}
			}
			for _, decl := range step.Consumes {
				id := workflow.NormalizeAssetID(decl.AssetID)
				cfg.consumes[id] = decl
				if decl.AutoMaterialize != nil && decl.AutoMaterialize.OnUpstreamUpdate {
					cfg.onUpstreamUpdate = true
				}
				if m.consumers[id] == nil {
					m.consumers[id] = make(map[string]bool)
				}
				m.consumers[id][def.ID] = true
			}
			if step.Template != nil {
				walk([]workflow.Step{*step.Template})
			}
		}
	}
	walk(def.Steps)
	m.configs[def.ID] = cfg
}

// refreshLatest reloads the latest materializations of a workflow and
// schedules the expiry timers of TTL'd assets.
func (m *Materializer) refreshLatest(ctx context.Context, workflowID string) {
	mats, err := m.workflows.LatestMaterializations(ctx, workflowID)
	if err != nil {
		m.logger.Warn(ctx, "materializer.refresh_failed", "workflowId", workflowID, "error", err.Error())
		return
	}
	cfg := m.configs[workflowID]
	for _, mat := range mats {
		assetID := workflow.NormalizeAssetID(mat.AssetID)
		key := snapshotKey(workflowID, assetID)
		part := runkey.Normalize(mat.PartitionKey)
		if m.latest[key] == nil {
			m.latest[key] = make(map[string]assetSnapshot)
		}
		m.latest[key][part] = assetSnapshot{
			producedAt:   mat.ProducedAt,
			runID:        mat.WorkflowRunID,
			partitionKey: mat.PartitionKey,
		}
		if cfg != nil {
			if p, ok := cfg.producers[assetID]; ok {
				m.scheduleExpiry(workflowID, assetID, mat.PartitionKey, mat.ProducedAt, p.decl)
			}
		}
	}
}

// scheduleExpiry arms (or re-arms) the TTL timer for one asset partition.
// When it fires, an asset.expired event goes out on the bus; the handler
// checks the snapshot again, so a timer racing a fresh production is benign.
func (m *Materializer) scheduleExpiry(workflowID, assetID, partitionKey string, producedAt time.Time, decl workflow.AssetDeclaration) {
	if decl.Freshness == nil || decl.Freshness.TTL <= 0 {
		return
	}
	key := workflowID + "|" + assetID + "|" + runkey.Normalize(partitionKey)
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	expireAt := producedAt.Add(decl.Freshness.TTL)
	wait := expireAt.Sub(m.clock.Now())
	if wait < 0 {
		wait = 0
	}
	m.timers[key] = time.AfterFunc(wait, func() {
		ev := hooks.AssetExpired{
			WorkflowDefinitionID: workflowID,
			AssetID:              assetID,
			PartitionKey:         partitionKey,
			ProducedAt:           producedAt,
			ExpiredAt:            expireAt,
			Reason:               "ttl",
		}
		if err := m.hooks.Publish(context.Background(), ev); err != nil {
			m.logger.Warn(context.Background(), "materializer.expiry_publish_failed", "asset", assetID, "error", err.Error())
		}
	})
}

func snapshotKey(workflowID, assetID string) string {
	return workflowID + ":" + assetID
}

// timeWindowBounds derives the window covered by a time-window partition
// key. The key format defaults per granularity and may be overridden by the
// declaration's Format.
func timeWindowBounds(p *workflow.Partitioning, partitionKey string) (time.Time, time.Time, bool) {
	if p == nil || p.Type != "timeWindow" || p.Granularity == "" {
		return time.Time{}, time.Time{}, false
	}
	layout := p.Format
	if layout == "" {
		switch p.Granularity {
		case "minute":
			layout = "2006-01-02T15:04"
		case "hour":
			layout = "2006-01-02T15"
		case "day", "week":
			layout = "2006-01-02"
		case "month":
			layout = "2006-01"
		default:
			return time.Time{}, time.Time{}, false
		}
	}
	start, err := time.Parse(layout, partitionKey)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	var end time.Time
	switch p.Granularity {
	case "minute":
		end = start.Add(time.Minute)
	case "hour":
		end = start.Add(time.Hour)
	case "day":
		end = start.AddDate(0, 0, 1)
	case "week":
		end = start.AddDate(0, 0, 7)
	case "month":
		end = start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
