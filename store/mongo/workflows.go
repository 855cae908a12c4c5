package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/apphub/orchestra/runkey"
	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/workflow"
)

type (
	definitionDoc struct {
		ID        string    `bson:"_id"`
		Slug      string    `bson:"slug"`
		Version   int       `bson:"version"`
		CreatedAt time.Time `bson:"created_at"`
		Raw       []byte    `bson:"raw"`
	}

	runDoc struct {
		ID                   string    `bson:"_id"`
		WorkflowDefinitionID string    `bson:"workflow_definition_id"`
		Status               string    `bson:"status"`
		RunKeyNormalized     string    `bson:"run_key_normalized,omitempty"`
		CreatedAt            time.Time `bson:"created_at"`
		Raw                  []byte    `bson:"raw"`
	}

	stepRunDoc struct {
		ID            string    `bson:"_id"`
		WorkflowRunID string    `bson:"workflow_run_id"`
		StepID        string    `bson:"step_id"`
		FirstSeen     time.Time `bson:"first_seen"`
		Raw           []byte    `bson:"raw"`
	}

	materializationDoc struct {
		WorkflowDefinitionID string    `bson:"workflow_definition_id"`
		AssetID              string    `bson:"asset_id"`
		PartitionKey         string    `bson:"partition_key,omitempty"`
		ProducedAt           time.Time `bson:"produced_at"`
		Raw                  []byte    `bson:"raw"`
	}

	latestAssetDoc struct {
		ID                   string    `bson:"_id"`
		WorkflowDefinitionID string    `bson:"workflow_definition_id"`
		ProducedAt           time.Time `bson:"produced_at"`
		Raw                  []byte    `bson:"raw"`
	}

	staleFlagDoc struct {
		ID                   string `bson:"_id"`
		WorkflowDefinitionID string `bson:"workflow_definition_id"`
		Raw                  []byte `bson:"raw"`
	}
)

// CreateDefinition stores a new immutable definition version.
func (s *Store) CreateDefinition(ctx context.Context, def *workflow.Definition) error {
	raw, err := marshalRaw(def)
	if err != nil {
		return err
	}
	doc := definitionDoc{ID: def.ID, Slug: def.Slug, Version: def.Version, CreatedAt: def.CreatedAt, Raw: raw}
	if _, err := s.col(colDefinitions).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb create definition %s: %w", def.Slug, err)
	}
	return nil
}

// GetDefinition retrieves a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var doc definitionDoc
	err := s.col(colDefinitions).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get definition %q: %w", id, err)
	}
	return decodeDefinition(&doc)
}

// GetDefinitionBySlug retrieves the highest version for a slug.
func (s *Store) GetDefinitionBySlug(ctx context.Context, slug string) (*workflow.Definition, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc definitionDoc
	err := s.col(colDefinitions).FindOne(ctx, bson.M{"slug": slug}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get definition by slug %q: %w", slug, err)
	}
	return decodeDefinition(&doc)
}

// ListDefinitions returns the latest version per slug.
func (s *Store) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	cursor, err := s.col(colDefinitions).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "slug", Value: 1}, {Key: "version", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list definitions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []definitionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list definitions decode: %w", err)
	}
	var out []*workflow.Definition
	seen := make(map[string]bool, len(docs))
	for i := range docs {
		if seen[docs[i].Slug] {
			continue
		}
		seen[docs[i].Slug] = true
		def, err := decodeDefinition(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// CreateRun persists a run. The partial unique index on
// (workflow_definition_id, run_key_normalized) over non-terminal rows turns
// a concurrent duplicate into a duplicate-key error, which is mapped to
// ErrRunKeyConflict with the existing run attached.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) (*workflow.Run, error) {
	raw, err := marshalRaw(run)
	if err != nil {
		return nil, err
	}
	doc := runDoc{
		ID:                   run.ID,
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		Status:               string(run.Status),
		RunKeyNormalized:     run.RunKeyNormalized,
		CreatedAt:            run.CreatedAt,
		Raw:                  raw,
	}
	_, err = s.col(colRuns).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) && run.RunKeyNormalized != "" {
		existing, ferr := s.findActiveRunByKey(ctx, run.WorkflowDefinitionID, run.RunKeyNormalized)
		if ferr != nil {
			return nil, ferr
		}
		return existing, store.ErrRunKeyConflict
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb create run %q: %w", run.ID, err)
	}
	return run, nil
}

func (s *Store) findActiveRunByKey(ctx context.Context, workflowID, key string) (*workflow.Run, error) {
	var doc runDoc
	err := s.col(colRuns).FindOne(ctx, bson.M{
		"workflow_definition_id": workflowID,
		"run_key_normalized":     key,
		"status":                 bson.M{"$in": bson.A{"pending", "running"}},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// The holder completed between our insert and this read; surface
		// the conflict without the row.
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find active run: %w", err)
	}
	return decodeRun(&doc)
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	var doc runDoc
	err := s.col(colRuns).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get run %q: %w", id, err)
	}
	return decodeRun(&doc)
}

// UpdateRun replaces the run row, keeping the indexed fields in sync.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	raw, err := marshalRaw(run)
	if err != nil {
		return err
	}
	res, err := s.col(colRuns).UpdateOne(ctx, bson.M{"_id": run.ID}, bson.M{"$set": bson.M{
		"status": string(run.Status),
		"raw":    raw,
	}})
	if err != nil {
		return fmt.Errorf("mongodb update run %q: %w", run.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListActiveRuns returns the non-terminal runs of a workflow.
func (s *Store) ListActiveRuns(ctx context.Context, workflowDefinitionID string) ([]*workflow.Run, error) {
	cursor, err := s.col(colRuns).Find(ctx, bson.M{
		"workflow_definition_id": workflowDefinitionID,
		"status":                 bson.M{"$in": bson.A{"pending", "running"}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongodb list active runs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []runDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list active runs decode: %w", err)
	}
	out := make([]*workflow.Run, 0, len(docs))
	for i := range docs {
		run, err := decodeRun(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// UpsertStepRun persists a step run keyed by (workflowRunId, stepId).
func (s *Store) UpsertStepRun(ctx context.Context, sr *workflow.StepRun) error {
	raw, err := marshalRaw(sr)
	if err != nil {
		return err
	}
	id := sr.WorkflowRunID + "|" + sr.StepID
	_, err = s.col(colStepRuns).UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set":         bson.M{"workflow_run_id": sr.WorkflowRunID, "step_id": sr.StepID, "raw": raw},
		"$setOnInsert": bson.M{"first_seen": s.clock.Now()},
	}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert step run %q: %w", id, err)
	}
	return nil
}

// ListStepRuns returns the step runs of a run in first-write order.
func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]*workflow.StepRun, error) {
	cursor, err := s.col(colStepRuns).Find(ctx, bson.M{"workflow_run_id": runID},
		options.Find().SetSort(bson.D{{Key: "first_seen", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list step runs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []stepRunDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list step runs decode: %w", err)
	}
	out := make([]*workflow.StepRun, 0, len(docs))
	for i := range docs {
		var sr workflow.StepRun
		if err := unmarshalRaw(docs[i].Raw, &sr); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	return out, nil
}

// RecordMaterialization appends the history row and advances the latest
// snapshot. The snapshot update is guarded on produced_at so an out-of-order
// write never shadows a newer materialization.
func (s *Store) RecordMaterialization(ctx context.Context, m *workflow.Materialization) error {
	raw, err := marshalRaw(m)
	if err != nil {
		return err
	}
	assetID := workflow.NormalizeAssetID(m.AssetID)
	doc := materializationDoc{
		WorkflowDefinitionID: m.WorkflowDefinitionID,
		AssetID:              assetID,
		PartitionKey:         m.PartitionKey,
		ProducedAt:           m.ProducedAt,
		Raw:                  raw,
	}
	if _, err := s.col(colMaterializations).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb record materialization: %w", err)
	}
	latestID := latestKey(m.WorkflowDefinitionID, assetID, m.PartitionKey)
	_, err = s.col(colLatestAssets).UpdateOne(ctx,
		bson.M{"_id": latestID, "produced_at": bson.M{"$lte": m.ProducedAt}},
		bson.M{"$set": bson.M{
			"workflow_definition_id": m.WorkflowDefinitionID,
			"produced_at":            m.ProducedAt,
			"raw":                    raw,
		}},
		options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// A newer snapshot is already in place.
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongodb update latest asset: %w", err)
	}
	return nil
}

// LatestMaterializations returns the latest snapshot per (asset, partition).
func (s *Store) LatestMaterializations(ctx context.Context, workflowDefinitionID string) ([]*workflow.Materialization, error) {
	cursor, err := s.col(colLatestAssets).Find(ctx, bson.M{"workflow_definition_id": workflowDefinitionID})
	if err != nil {
		return nil, fmt.Errorf("mongodb latest materializations: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []latestAssetDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb latest materializations decode: %w", err)
	}
	out := make([]*workflow.Materialization, 0, len(docs))
	for i := range docs {
		var m workflow.Materialization
		if err := unmarshalRaw(docs[i].Raw, &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, nil
}

// LatestMaterialization returns the snapshot for the exact triple.
func (s *Store) LatestMaterialization(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) (*workflow.Materialization, error) {
	id := latestKey(workflowDefinitionID, workflow.NormalizeAssetID(assetID), partitionKey)
	var doc latestAssetDoc
	err := s.col(colLatestAssets).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb latest materialization: %w", err)
	}
	var m workflow.Materialization
	if err := unmarshalRaw(doc.Raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkStalePartition upserts the stale flag for the partition.
func (s *Store) MarkStalePartition(ctx context.Context, flag *workflow.StalePartitionFlag) error {
	raw, err := marshalRaw(flag)
	if err != nil {
		return err
	}
	id := latestKey(flag.WorkflowDefinitionID, workflow.NormalizeAssetID(flag.AssetID), flag.PartitionKey)
	doc := staleFlagDoc{ID: id, WorkflowDefinitionID: flag.WorkflowDefinitionID, Raw: raw}
	_, err = s.col(colStaleFlags).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb mark stale partition: %w", err)
	}
	return nil
}

// ClearStalePartition removes the stale flag. Missing is a no-op.
func (s *Store) ClearStalePartition(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	id := latestKey(workflowDefinitionID, workflow.NormalizeAssetID(assetID), partitionKey)
	if _, err := s.col(colStaleFlags).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("mongodb clear stale partition: %w", err)
	}
	return nil
}

// ListStalePartitions returns the stale flags for a workflow.
func (s *Store) ListStalePartitions(ctx context.Context, workflowDefinitionID string) ([]*workflow.StalePartitionFlag, error) {
	cursor, err := s.col(colStaleFlags).Find(ctx, bson.M{"workflow_definition_id": workflowDefinitionID})
	if err != nil {
		return nil, fmt.Errorf("mongodb list stale partitions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []staleFlagDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list stale partitions decode: %w", err)
	}
	out := make([]*workflow.StalePartitionFlag, 0, len(docs))
	for i := range docs {
		var flag workflow.StalePartitionFlag
		if err := unmarshalRaw(docs[i].Raw, &flag); err != nil {
			return nil, err
		}
		out = append(out, &flag)
	}
	return out, nil
}

func decodeDefinition(doc *definitionDoc) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := unmarshalRaw(doc.Raw, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func decodeRun(doc *runDoc) (*workflow.Run, error) {
	var run workflow.Run
	if err := unmarshalRaw(doc.Raw, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// latestKey builds the snapshot id for (workflow, asset, partition).
func latestKey(workflowID, assetID, partitionKey string) string {
	return workflowID + "|" + assetID + "|" + runkey.Normalize(partitionKey)
}
