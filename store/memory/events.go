package memory

import (
	"context"
	"sort"
	"time"

	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store"
)

// InsertEnvelope persists an envelope; duplicate ids replace the stored row
// (update-on-conflict).
func (s *Store) InsertEnvelope(_ context.Context, env *events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *env
	s.envelopes[env.ID] = &cp
	return nil
}

// GetEnvelope retrieves an envelope by id.
func (s *Store) GetEnvelope(_ context.Context, id string) (*events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *env
	return &cp, nil
}

// UpsertSchema persists a schema version. A hash conflict on an existing
// (eventType, version) returns ErrVersionExists; an identical hash updates
// status and metadata only.
func (s *Store) UpsertSchema(_ context.Context, sc *events.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.schemas[sc.EventType]
	for i, existing := range list {
		if existing.Version == sc.Version {
			if existing.SchemaHash != sc.SchemaHash {
				return store.ErrVersionExists
			}
			cp := *sc
			list[i] = &cp
			return nil
		}
	}
	cp := *sc
	list = append(list, &cp)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.schemas[sc.EventType] = list
	return nil
}

// GetSchema retrieves the exact (eventType, version) schema.
func (s *Store) GetSchema(_ context.Context, eventType string, version int) (*events.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.schemas[eventType] {
		if sc.Version == version {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// LatestSchema returns the highest-version schema matching statuses.
func (s *Store) LatestSchema(_ context.Context, eventType string, statuses []events.SchemaStatus) (*events.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.schemas[eventType]
	for i := len(list) - 1; i >= 0; i-- {
		if len(statuses) == 0 || containsStatus(statuses, list[i].Status) {
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// ListSchemas returns every version registered for the event type.
func (s *Store) ListSchemas(_ context.Context, eventType string) ([]*events.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.schemas[eventType]
	out := make([]*events.Schema, len(list))
	for i, sc := range list {
		cp := *sc
		out[i] = &cp
	}
	return out, nil
}

func containsStatus(statuses []events.SchemaStatus, st events.SchemaStatus) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

// CreateTrigger persists an event trigger.
func (s *Store) CreateTrigger(_ context.Context, t *events.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.triggers[t.ID] = &cp
	return nil
}

// GetTrigger retrieves a trigger by id.
func (s *Store) GetTrigger(_ context.Context, id string) (*events.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTriggersByEventType returns the triggers bound to an event type,
// oldest first.
func (s *Store) ListTriggersByEventType(_ context.Context, eventType string) ([]*events.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Trigger
	for _, t := range s.triggers {
		if t.EventType == eventType {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteTriggersForWorkflow removes the triggers of a workflow.
func (s *Store) DeleteTriggersForWorkflow(_ context.Context, workflowDefinitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.triggers {
		if t.WorkflowDefinitionID == workflowDefinitionID {
			delete(s.triggers, id)
		}
	}
	return nil
}

// UpsertIngressRetry schedules or reschedules a retry keyed by event id.
func (s *Store) UpsertIngressRetry(_ context.Context, r *events.IngressRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.retries[r.EventID] = &cp
	return nil
}

// GetIngressRetry retrieves the retry row for an event id.
func (s *Store) GetIngressRetry(_ context.Context, eventID string) (*events.IngressRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retries[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// DeleteIngressRetry removes the retry row.
func (s *Store) DeleteIngressRetry(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, eventID)
	return nil
}

// DueIngressRetries returns retries whose NextAttemptAt <= now, oldest first.
func (s *Store) DueIngressRetries(_ context.Context, now time.Time, limit int) ([]*events.IngressRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.IngressRetry
	for _, r := range s.retries {
		if !r.NextAttemptAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
