// Package mongo provides the MongoDB implementation of the orchestration
// store for production persistence.
//
// Rich entities (definitions, runs, envelopes) are stored as their JSON
// encoding in a raw field next to the indexed fields, so map-valued
// parameters and raw schema documents round-trip without a bson mapping
// layer. The compare-and-set contracts ride on unique indexes and
// FindOneAndUpdate: the partial unique run-key index, insert-only claim
// acquisition, and pipeline updates for the counter windows.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/apphub/orchestra/clock"
	"github.com/apphub/orchestra/store"
)

// Collection names. One logical table family per collection.
const (
	colDefinitions      = "workflow_definitions"
	colRuns             = "workflow_runs"
	colStepRuns         = "workflow_step_runs"
	colMaterializations = "workflow_run_step_assets"
	colLatestAssets     = "workflow_latest_assets"
	colStaleFlags       = "workflow_stale_partitions"
	colClaims           = "workflow_auto_run_claims"
	colFailureStates    = "workflow_asset_failure_state"
	colEnvelopes        = "event_envelopes"
	colSchemas          = "event_schemas"
	colTriggers         = "event_triggers"
	colIngressRetries   = "event_ingress_retries"
	colSourcePauses     = "event_source_pauses"
	colSourceArrivals   = "event_source_arrivals"
	colTriggerPauses    = "event_trigger_pauses"
	colTriggerFailures  = "event_trigger_failures"
	colSourceMetrics    = "event_scheduler_source_metrics"
	colTriggerMetrics   = "event_scheduler_trigger_metrics"
	colScalingPolicies  = "runtime_scaling_policies"
	colScalingAcks      = "runtime_scaling_acks"
	colQueueStats       = "queue_stats"
	colAudit            = "audit_log"
	colDelayedJobs      = "queue_delayed_jobs"
)

// Store is the MongoDB implementation of store.Store.
type Store struct {
	db    *mongo.Database
	clock clock.Clock
}

// Compile-time check that Store implements the full persistence surface.
var _ store.Store = (*Store)(nil)

// New builds a store over the database and ensures its indexes.
func New(ctx context.Context, db *mongo.Database, clk clock.Clock) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("mongodb store: database is required")
	}
	if clk == nil {
		clk = clock.System()
	}
	s := &Store{db: db, clock: clk}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates the indexes the compare-and-set contracts rely on.
// The partial unique run-key index is the linchpin of run-key semantics:
// at most one non-terminal run per (workflow, normalized key).
func (s *Store) ensureIndexes(ctx context.Context) error {
	type spec struct {
		col    string
		models []mongo.IndexModel
	}
	specs := []spec{
		{colDefinitions, []mongo.IndexModel{
			{Keys: bson.D{{Key: "slug", Value: 1}, {Key: "version", Value: -1}}},
		}},
		{colRuns, []mongo.IndexModel{
			{
				Keys: bson.D{{Key: "workflow_definition_id", Value: 1}, {Key: "run_key_normalized", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{
					{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{"pending", "running"}}}},
					{Key: "run_key_normalized", Value: bson.D{{Key: "$gt", Value: ""}}},
				}),
			},
			{Keys: bson.D{{Key: "workflow_definition_id", Value: 1}, {Key: "status", Value: 1}}},
		}},
		{colStepRuns, []mongo.IndexModel{
			{Keys: bson.D{{Key: "workflow_run_id", Value: 1}, {Key: "first_seen", Value: 1}}},
		}},
		{colMaterializations, []mongo.IndexModel{
			{Keys: bson.D{{Key: "workflow_definition_id", Value: 1}, {Key: "asset_id", Value: 1}, {Key: "produced_at", Value: -1}}},
		}},
		{colLatestAssets, []mongo.IndexModel{
			{Keys: bson.D{{Key: "workflow_definition_id", Value: 1}}},
		}},
		{colStaleFlags, []mongo.IndexModel{
			{Keys: bson.D{{Key: "workflow_definition_id", Value: 1}}},
		}},
		{colSchemas, []mongo.IndexModel{
			{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "version", Value: -1}}},
		}},
		{colTriggers, []mongo.IndexModel{
			{Keys: bson.D{{Key: "event_type", Value: 1}}},
			{Keys: bson.D{{Key: "workflow_definition_id", Value: 1}}},
		}},
		{colIngressRetries, []mongo.IndexModel{
			{Keys: bson.D{{Key: "next_attempt_at", Value: 1}}},
		}},
		{colScalingAcks, []mongo.IndexModel{
			{Keys: bson.D{{Key: "target", Value: 1}, {Key: "at", Value: -1}}},
		}},
		{colAudit, []mongo.IndexModel{
			{Keys: bson.D{{Key: "at", Value: -1}}},
		}},
		{colDelayedJobs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "run_at", Value: 1}}},
		}},
	}
	for _, sp := range specs {
		if _, err := s.db.Collection(sp.col).Indexes().CreateMany(ctx, sp.models); err != nil {
			return fmt.Errorf("mongodb ensure indexes on %s: %w", sp.col, err)
		}
	}
	return nil
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// marshalRaw encodes an entity for the raw field of its document.
func marshalRaw(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mongodb encode: %w", err)
	}
	return raw, nil
}

// unmarshalRaw decodes the raw field back into the entity.
func unmarshalRaw(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("mongodb decode: %w", err)
	}
	return nil
}
