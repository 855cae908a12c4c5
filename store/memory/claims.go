package memory

import (
	"context"
	"time"

	"github.com/apphub/orchestra/store"
)

// AcquireClaim writes the claim iff no unexpired claim exists for the
// workflow.
func (s *Store) AcquireClaim(_ context.Context, claim *store.AutoRunClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if cur, ok := s.claims[claim.WorkflowDefinitionID]; ok && cur.ExpiresAt.After(now) {
		return store.ErrClaimHeld
	}
	cp := *claim
	s.claims[claim.WorkflowDefinitionID] = &cp
	return nil
}

// AttachRunToClaim binds a run to the claim owned by ownerID.
func (s *Store) AttachRunToClaim(_ context.Context, workflowDefinitionID, ownerID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.claims[workflowDefinitionID]
	if !ok || cur.OwnerID != ownerID {
		return store.ErrNotFound
	}
	cur.WorkflowRunID = runID
	return nil
}

// ReleaseClaim frees the claim matched by owner id or run id.
func (s *Store) ReleaseClaim(_ context.Context, workflowDefinitionID, ownerID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.claims[workflowDefinitionID]
	if !ok {
		return nil
	}
	if ownerID != "" && cur.OwnerID != ownerID {
		return nil
	}
	if runID != "" && cur.WorkflowRunID != runID {
		return nil
	}
	delete(s.claims, workflowDefinitionID)
	return nil
}

// ActiveClaim returns the unexpired claim for a workflow.
func (s *Store) ActiveClaim(_ context.Context, workflowDefinitionID string) (*store.AutoRunClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.claims[workflowDefinitionID]
	if !ok || !cur.ExpiresAt.After(s.clock.Now()) {
		return nil, store.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

// SweepExpiredClaims deletes claims that expired before cutoff.
func (s *Store) SweepExpiredClaims(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cur := range s.claims {
		if cur.ExpiresAt.Before(cutoff) {
			delete(s.claims, id)
			n++
		}
	}
	return n, nil
}

// GetFailureState returns the failure state for a workflow.
func (s *Store) GetFailureState(_ context.Context, workflowDefinitionID string) (*store.AssetFailureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.failureStates[workflowDefinitionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// SetFailureState upserts the failure state.
func (s *Store) SetFailureState(_ context.Context, st *store.AssetFailureState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.failureStates[st.WorkflowDefinitionID] = &cp
	return nil
}

// ClearFailureState removes the failure state.
func (s *Store) ClearFailureState(_ context.Context, workflowDefinitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failureStates, workflowDefinitionID)
	return nil
}
