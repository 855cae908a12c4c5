package memory

import (
	"context"

	"github.com/apphub/orchestra/store"
)

// RecordSourceObservation folds one ingress observation into the per-source
// counters.
func (s *Store) RecordSourceObservation(_ context.Context, source string, obs store.SourceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sourceMetrics[source]
	if m == nil {
		m = &store.SourceMetrics{Source: source}
		s.sourceMetrics[source] = m
	}
	m.Total++
	if obs.Throttled {
		m.Throttled++
	}
	if obs.Dropped {
		m.Dropped++
	}
	if obs.Failure {
		m.Failures++
	}
	lag := obs.Lag.Milliseconds()
	if lag > 0 {
		m.TotalLagMS += lag
		m.LastLagMS = lag
		if lag > m.MaxLagMS {
			m.MaxLagMS = lag
		}
	}
	if obs.At.After(m.LastEvent) {
		m.LastEvent = obs.At
	}
	return nil
}

// GetSourceMetrics returns the counters for a source.
func (s *Store) GetSourceMetrics(_ context.Context, source string) (*store.SourceMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sourceMetrics[source]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// RecordTriggerOutcome increments the counter for the outcome and updates the
// last status and error.
func (s *Store) RecordTriggerOutcome(_ context.Context, triggerID string, outcome store.TriggerOutcome, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.triggerMetrics[triggerID]
	if m == nil {
		m = &store.TriggerMetrics{TriggerID: triggerID}
		s.triggerMetrics[triggerID] = m
	}
	switch outcome {
	case store.OutcomeFiltered:
		m.Filtered++
	case store.OutcomeMatched:
		m.Matched++
	case store.OutcomeLaunched:
		m.Launched++
	case store.OutcomeThrottled:
		m.Throttled++
	case store.OutcomeSkipped:
		m.Skipped++
	case store.OutcomeFailed:
		m.Failed++
	case store.OutcomePaused:
		m.Paused++
	}
	m.LastStatus = string(outcome)
	if lastError != "" {
		m.LastError = lastError
	}
	return nil
}

// GetTriggerMetrics returns the counters for a trigger.
func (s *Store) GetTriggerMetrics(_ context.Context, triggerID string) (*store.TriggerMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.triggerMetrics[triggerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// RecordQueueStats appends a queue stats snapshot.
func (s *Store) RecordQueueStats(_ context.Context, stats *store.QueueStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *stats
	s.queueStats = append(s.queueStats, &cp)
	return nil
}

// AppendAudit appends an immutable audit entry.
func (s *Store) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAudit returns the newest entries up to limit.
func (s *Store) ListAudit(_ context.Context, limit int) ([]*store.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		cp := *s.audit[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
