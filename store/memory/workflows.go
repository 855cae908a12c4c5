package memory

import (
	"context"
	"sort"

	"github.com/apphub/orchestra/store"
	"github.com/apphub/orchestra/workflow"
)

// CreateDefinition stores a new definition version.
func (s *Store) CreateDefinition(_ context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	s.definitions[def.ID] = &cp
	s.bySlug[def.Slug] = append(s.bySlug[def.Slug], &cp)
	return nil
}

// GetDefinition retrieves a definition by id.
func (s *Store) GetDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *def
	return &cp, nil
}

// GetDefinitionBySlug retrieves the latest version for a slug.
func (s *Store) GetDefinitionBySlug(_ context.Context, slug string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.bySlug[slug]
	if len(versions) == 0 {
		return nil, store.ErrNotFound
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if v.Version > latest.Version {
			latest = v
		}
	}
	cp := *latest
	return &cp, nil
}

// ListDefinitions returns the latest version of every workflow, sorted by slug.
func (s *Store) ListDefinitions(_ context.Context) ([]*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.Definition
	for _, versions := range s.bySlug {
		latest := versions[0]
		for _, v := range versions[1:] {
			if v.Version > latest.Version {
				latest = v
			}
		}
		cp := *latest
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// CreateRun persists a run, enforcing run-key uniqueness among non-terminal
// rows of the same workflow.
func (s *Store) CreateRun(_ context.Context, run *workflow.Run) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.RunKeyNormalized != "" {
		for _, existing := range s.runs {
			if existing.WorkflowDefinitionID == run.WorkflowDefinitionID &&
				existing.RunKeyNormalized == run.RunKeyNormalized &&
				!existing.Status.Terminal() {
				cp := *existing
				return &cp, store.ErrRunKeyConflict
			}
		}
	}
	cp := *run
	s.runs[run.ID] = &cp
	out := cp
	return &out, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(_ context.Context, id string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// UpdateRun persists run status, timestamps, output, and error.
func (s *Store) UpdateRun(_ context.Context, run *workflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// ListActiveRuns returns the non-terminal runs of a workflow, oldest first.
func (s *Store) ListActiveRuns(_ context.Context, workflowDefinitionID string) ([]*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.Run
	for _, run := range s.runs {
		if run.WorkflowDefinitionID == workflowDefinitionID && !run.Status.Terminal() {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertStepRun persists a step run keyed by (workflowRunId, stepId).
func (s *Store) UpsertStepRun(_ context.Context, sr *workflow.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sr
	list := s.stepRuns[sr.WorkflowRunID]
	for i, existing := range list {
		if existing.StepID == sr.StepID {
			list[i] = &cp
			return nil
		}
	}
	s.stepRuns[sr.WorkflowRunID] = append(list, &cp)
	return nil
}

// ListStepRuns returns the step runs of a run in creation order.
func (s *Store) ListStepRuns(_ context.Context, runID string) ([]*workflow.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.stepRuns[runID]
	out := make([]*workflow.StepRun, len(list))
	for i, sr := range list {
		cp := *sr
		out[i] = &cp
	}
	return out, nil
}

// RecordMaterialization appends a materialization and updates the latest
// snapshot for its (workflow, asset, partition).
func (s *Store) RecordMaterialization(_ context.Context, m *workflow.Materialization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.history = append(s.history, &cp)
	key := materializationKey(m.WorkflowDefinitionID, m.AssetID, m.PartitionKey)
	if cur, ok := s.latest[key]; !ok || !m.ProducedAt.Before(cur.ProducedAt) {
		s.latest[key] = &cp
	}
	return nil
}

// LatestMaterializations returns the latest materialization per
// (asset, partition) for a workflow.
func (s *Store) LatestMaterializations(_ context.Context, workflowDefinitionID string) ([]*workflow.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.Materialization
	for _, m := range s.latest {
		if m.WorkflowDefinitionID == workflowDefinitionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].PartitionKey < out[j].PartitionKey
	})
	return out, nil
}

// LatestMaterialization returns the latest materialization for the exact
// (workflow, asset, partition) triple.
func (s *Store) LatestMaterialization(_ context.Context, workflowDefinitionID, assetID, partitionKey string) (*workflow.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.latest[materializationKey(workflowDefinitionID, assetID, partitionKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// MarkStalePartition flags a partition for re-materialization.
func (s *Store) MarkStalePartition(_ context.Context, flag *workflow.StalePartitionFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *flag
	s.stale[materializationKey(flag.WorkflowDefinitionID, flag.AssetID, flag.PartitionKey)] = &cp
	return nil
}

// ClearStalePartition removes a stale flag.
func (s *Store) ClearStalePartition(_ context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, materializationKey(workflowDefinitionID, assetID, partitionKey))
	return nil
}

// ListStalePartitions returns the stale flags for a workflow.
func (s *Store) ListStalePartitions(_ context.Context, workflowDefinitionID string) ([]*workflow.StalePartitionFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*workflow.StalePartitionFlag
	for _, f := range s.stale {
		if f.WorkflowDefinitionID == workflowDefinitionID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].PartitionKey < out[j].PartitionKey
	})
	return out, nil
}
