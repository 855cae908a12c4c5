package memory

import (
	"context"

	"github.com/apphub/orchestra/store"
)

// GetScalingPolicy returns the policy for a target.
func (s *Store) GetScalingPolicy(_ context.Context, target string) (*store.ScalingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[target]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertScalingPolicy persists the policy.
func (s *Store) UpsertScalingPolicy(_ context.Context, p *store.ScalingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.Target] = &cp
	return nil
}

// RecordScalingAck appends a worker acknowledgement.
func (s *Store) RecordScalingAck(_ context.Context, ack *store.ScalingAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ack
	s.acks = append(s.acks, &cp)
	return nil
}

// ListScalingAcks returns recent acks for a target, newest first.
func (s *Store) ListScalingAcks(_ context.Context, target string, limit int) ([]*store.ScalingAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.ScalingAck
	for i := len(s.acks) - 1; i >= 0; i-- {
		if s.acks[i].Target == target {
			cp := *s.acks[i]
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
