// Package memory provides an in-memory implementation of the orchestration
// store for inline mode, development, and testing.
//
// All compare-and-set operations (claims, run-key uniqueness, counter
// windows) are serialized by a single mutex, which trivially satisfies the
// atomicity contract of the store interfaces.
package memory

import (
	"sync"
	"time"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/workflow"
)

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	definitions map[string]*workflow.Definition // by id
	bySlug      map[string][]*workflow.Definition
	runs        map[string]*workflow.Run
	stepRuns    map[string][]*workflow.StepRun // by run id
	history     []*workflow.Materialization
	latest      map[string]*workflow.Materialization // workflowID|assetID|partition
	stale       map[string]*workflow.StalePartitionFlag

	claims        map[string]*store.AutoRunClaim // by workflow id
	failureStates map[string]*store.AssetFailureState

	envelopes map[string]*events.Envelope
	schemas   map[string][]*events.Schema // by event type, ascending version
	triggers  map[string]*events.Trigger  // by id
	retries   map[string]*events.IngressRetry

	sourcePauses  map[string]*events.SourcePause
	arrivals      map[string][]time.Time // source arrival timestamps
	triggerPauses map[string]*events.TriggerPause
	failures      map[string][]time.Time // trigger failure timestamps

	policies map[string]*store.ScalingPolicy
	acks     []*store.ScalingAck

	sourceMetrics  map[string]*store.SourceMetrics
	triggerMetrics map[string]*store.TriggerMetrics
	queueStats     []*store.QueueStats

	audit []*store.AuditEntry

	delayed map[string]*store.DelayedJob
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Option configures the memory store.
type Option func(*Store)

// WithClock overrides the clock used for claim expiry checks.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:          clock.System(),
		definitions:    make(map[string]*workflow.Definition),
		bySlug:         make(map[string][]*workflow.Definition),
		runs:           make(map[string]*workflow.Run),
		stepRuns:       make(map[string][]*workflow.StepRun),
		latest:         make(map[string]*workflow.Materialization),
		stale:          make(map[string]*workflow.StalePartitionFlag),
		claims:         make(map[string]*store.AutoRunClaim),
		failureStates:  make(map[string]*store.AssetFailureState),
		envelopes:      make(map[string]*events.Envelope),
		schemas:        make(map[string][]*events.Schema),
		triggers:       make(map[string]*events.Trigger),
		retries:        make(map[string]*events.IngressRetry),
		sourcePauses:   make(map[string]*events.SourcePause),
		arrivals:       make(map[string][]time.Time),
		triggerPauses:  make(map[string]*events.TriggerPause),
		failures:       make(map[string][]time.Time),
		policies:       make(map[string]*store.ScalingPolicy),
		sourceMetrics:  make(map[string]*store.SourceMetrics),
		triggerMetrics: make(map[string]*store.TriggerMetrics),
		delayed:        make(map[string]*store.DelayedJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// materializationKey builds the latest-per-(workflow, asset, partition) key.
func materializationKey(workflowID, assetID, partition string) string {
	return workflowID + "|" + workflow.NormalizeAssetID(assetID) + "|" + partition
}
