package memory

import (
	"context"
	"time"

	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store"
)

// GetSourcePause returns the pause for a source.
func (s *Store) GetSourcePause(_ context.Context, source string) (*events.SourcePause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sourcePauses[source]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetSourcePause upserts a pause record.
func (s *Store) SetSourcePause(_ context.Context, p *events.SourcePause) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.sourcePauses[p.Source] = &cp
	return nil
}

// ClearSourcePause removes the pause.
func (s *Store) ClearSourcePause(_ context.Context, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sourcePauses, source)
	return nil
}

// RecordSourceArrival counts an arrival and returns how many fall inside the
// rolling window starting at windowStart; older arrivals are discarded.
func (s *Store) RecordSourceArrival(_ context.Context, source string, at, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.arrivals[source][:0]
	for _, t := range s.arrivals[source] {
		if !t.Before(windowStart) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	s.arrivals[source] = kept
	return len(kept), nil
}

// GetTriggerPause returns the pause for a trigger.
func (s *Store) GetTriggerPause(_ context.Context, triggerID string) (*events.TriggerPause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.triggerPauses[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetTriggerPause upserts a trigger pause.
func (s *Store) SetTriggerPause(_ context.Context, p *events.TriggerPause) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.triggerPauses[p.TriggerID] = &cp
	return nil
}

// ClearTriggerPause removes the pause.
func (s *Store) ClearTriggerPause(_ context.Context, triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggerPauses, triggerID)
	return nil
}

// RecordTriggerFailure counts a failure and returns how many fall inside the
// window starting at windowStart; older failures are discarded.
func (s *Store) RecordTriggerFailure(_ context.Context, triggerID string, at, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.failures[triggerID][:0]
	for _, t := range s.failures[triggerID] {
		if !t.Before(windowStart) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	s.failures[triggerID] = kept
	return len(kept), nil
}

// ClearTriggerFailures resets the failure window.
func (s *Store) ClearTriggerFailures(_ context.Context, triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, triggerID)
	return nil
}
