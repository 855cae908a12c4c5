package orchestrator

import (
	"context"
	"time"

	"github.com/apphub/orchestra/apperr"
	"github.com/apphub/orchestra/hooks"
	"github.com/apphub/orchestra/workflow"
)

// Keys stripped from an asset record when deriving its payload. Snake-case
// aliases cover records produced by older job bundles.
var assetRecordKeys = map[string]bool{
	"assetId":       true,
	"asset_id":      true,
	"schema":        true,
	"freshness":     true,
	"producedAt":    true,
	"produced_at":   true,
	"partitionKey":  true,
	"partition_key": true,
	"payload":       true,
}

// recordAssets extracts the assets a step produced, checks them against the
// step's declarations, and persists one materialization per match. The
// produced events are returned for publication after shared state updates.
func (o *Orchestrator) recordAssets(ctx context.Context, es *execState, step *workflow.Step, value any, explicit []any) ([]hooks.AssetProduced, error) {
	if len(step.Produces) == 0 {
		return nil, nil
	}
	records := append(extractRecords(value), normalizeRecords(explicit)...)
	if len(records) == 0 {
		return nil, nil
	}
	byID := make(map[string][]map[string]any, len(records))
	for _, rec := range records {
		id := recordAssetID(rec)
		if id == "" {
			continue
		}
		byID[id] = append(byID[id], rec)
	}
	now := o.clock.Now()
	var produced []hooks.AssetProduced
	for _, decl := range step.Produces {
		declID := workflow.NormalizeAssetID(decl.AssetID)
		for _, rec := range byID[declID] {
			partitionKey := recordString(rec, "partitionKey", "partition_key")
			if partitionKey == "" {
				partitionKey = es.run.PartitionKey
			}
			if decl.Partitioning != nil && partitionKey == "" {
				return nil, apperr.New(apperr.KindPartitionKeyRequired,
					"asset %q is partitioned but step %q produced no partition key", decl.AssetID, step.ID)
			}
			m := &workflow.Materialization{
				WorkflowDefinitionID: es.run.WorkflowDefinitionID,
				WorkflowRunID:        es.run.ID,
				StepID:               step.ID,
				AssetID:              declID,
				PartitionKey:         partitionKey,
				ProducedAt:           recordTime(rec, now),
				Payload:              recordPayload(rec),
				Schema:               decl.Schema,
				Freshness:            decl.Freshness,
			}
			if err := o.store.RecordMaterialization(ctx, m); err != nil {
				return nil, apperr.Wrap(apperr.KindRetryableExternal, err, "record asset %q", declID)
			}
			produced = append(produced, hooks.AssetProduced{
				WorkflowDefinitionID: es.run.WorkflowDefinitionID,
				WorkflowSlug:         es.def.Slug,
				WorkflowRunID:        es.run.ID,
				StepID:               step.ID,
				AssetID:              declID,
				PartitionKey:         partitionKey,
				ProducedAt:           m.ProducedAt,
			})
			o.metrics.IncCounter("assets_produced", 1, "workflow", es.def.Slug, "asset", declID)
		}
	}
	return produced, nil
}

// publishAssets announces persisted materializations. Publication happens
// strictly after persistence so downstream consumers never observe an asset
// the store cannot return.
func (o *Orchestrator) publishAssets(ctx context.Context, es *execState, produced []hooks.AssetProduced) {
	for _, ev := range produced {
		if err := o.hooks.Publish(ctx, ev); err != nil {
			o.logger.Warn(ctx, "orchestrator.publish_failed", "event", "asset.produced",
				"runId", es.run.ID, "asset", ev.AssetID, "error", err.Error())
		}
	}
}

// extractRecords pulls asset records out of a step result value. Accepted
// shapes: an object with an assets array, a bare array, or a single object
// carrying an asset id.
func extractRecords(value any) []map[string]any {
	switch v := value.(type) {
	case map[string]any:
		if assets, ok := v["assets"].([]any); ok {
			return normalizeRecords(assets)
		}
		if recordAssetID(v) != "" {
			return []map[string]any{v}
		}
	case []any:
		return normalizeRecords(v)
	}
	return nil
}

func normalizeRecords(items []any) []map[string]any {
	var out []map[string]any
	for _, item := range items {
		if rec, ok := item.(map[string]any); ok && recordAssetID(rec) != "" {
			out = append(out, rec)
		}
	}
	return out
}

// recordAssetID returns the normalized asset id of a record, or empty.
func recordAssetID(rec map[string]any) string {
	return workflow.NormalizeAssetID(recordString(rec, "assetId", "asset_id"))
}

func recordString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := rec[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// recordPayload is the record's explicit payload, or the record with the
// envelope keys stripped.
func recordPayload(rec map[string]any) any {
	if p, ok := rec["payload"]; ok {
		return p
	}
	rest := make(map[string]any)
	for k, v := range rec {
		if !assetRecordKeys[k] {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return nil
	}
	return rest
}

// recordTime parses the record's producedAt, falling back to now.
func recordTime(rec map[string]any, now time.Time) time.Time {
	s := recordString(rec, "producedAt", "produced_at")
	if s == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return now
	}
	return t
}
