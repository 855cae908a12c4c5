package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/apphub/orchestra/store"
)

type claimDoc struct {
	WorkflowDefinitionID string    `bson:"_id"`
	OwnerID              string    `bson:"owner_id"`
	WorkflowRunID        string    `bson:"workflow_run_id,omitempty"`
	Reason               string    `bson:"reason"`
	AssetID              string    `bson:"asset_id,omitempty"`
	PartitionKey         string    `bson:"partition_key,omitempty"`
	AcquiredAt           time.Time `bson:"acquired_at"`
	ExpiresAt            time.Time `bson:"expires_at"`
}

type failureStateDoc struct {
	WorkflowDefinitionID string    `bson:"_id"`
	Failures             int       `bson:"failures"`
	LastFailureAt        time.Time `bson:"last_failure_at"`
	NextEligibleAt       time.Time `bson:"next_eligible_at"`
}

// AcquireClaim takes the per-workflow claim. The workflow id is the document
// id, so a plain insert is the compare-and-set: a duplicate key means a
// claim is active, unless it expired, in which case it is replaced in place.
func (s *Store) AcquireClaim(ctx context.Context, claim *store.AutoRunClaim) error {
	doc := claimDoc{
		WorkflowDefinitionID: claim.WorkflowDefinitionID,
		OwnerID:              claim.OwnerID,
		WorkflowRunID:        claim.WorkflowRunID,
		Reason:               claim.Reason,
		AssetID:              claim.AssetID,
		PartitionKey:         claim.PartitionKey,
		AcquiredAt:           claim.AcquiredAt,
		ExpiresAt:            claim.ExpiresAt,
	}
	_, err := s.col(colClaims).InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongodb acquire claim: %w", err)
	}
	// Replace only if the holder expired; matching on expires_at makes the
	// takeover atomic.
	res, rerr := s.col(colClaims).ReplaceOne(ctx, bson.M{
		"_id":        claim.WorkflowDefinitionID,
		"expires_at": bson.M{"$lte": s.clock.Now()},
	}, doc)
	if rerr != nil {
		return fmt.Errorf("mongodb take over claim: %w", rerr)
	}
	if res.ModifiedCount == 0 {
		return store.ErrClaimHeld
	}
	return nil
}

// AttachRunToClaim binds a run to the claim owned by ownerID.
func (s *Store) AttachRunToClaim(ctx context.Context, workflowDefinitionID, ownerID, runID string) error {
	res, err := s.col(colClaims).UpdateOne(ctx,
		bson.M{"_id": workflowDefinitionID, "owner_id": ownerID},
		bson.M{"$set": bson.M{"workflow_run_id": runID}})
	if err != nil {
		return fmt.Errorf("mongodb attach run to claim: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ReleaseClaim frees the claim matched by owner or run id. Missing is a
// no-op.
func (s *Store) ReleaseClaim(ctx context.Context, workflowDefinitionID, ownerID, runID string) error {
	filter := bson.M{"_id": workflowDefinitionID}
	switch {
	case ownerID != "":
		filter["owner_id"] = ownerID
	case runID != "":
		filter["workflow_run_id"] = runID
	}
	if _, err := s.col(colClaims).DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("mongodb release claim: %w", err)
	}
	return nil
}

// ActiveClaim returns the unexpired claim for a workflow.
func (s *Store) ActiveClaim(ctx context.Context, workflowDefinitionID string) (*store.AutoRunClaim, error) {
	var doc claimDoc
	err := s.col(colClaims).FindOne(ctx, bson.M{
		"_id":        workflowDefinitionID,
		"expires_at": bson.M{"$gt": s.clock.Now()},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb active claim: %w", err)
	}
	return &store.AutoRunClaim{
		WorkflowDefinitionID: doc.WorkflowDefinitionID,
		OwnerID:              doc.OwnerID,
		WorkflowRunID:        doc.WorkflowRunID,
		Reason:               doc.Reason,
		AssetID:              doc.AssetID,
		PartitionKey:         doc.PartitionKey,
		AcquiredAt:           doc.AcquiredAt,
		ExpiresAt:            doc.ExpiresAt,
	}, nil
}

// SweepExpiredClaims deletes claims that expired before cutoff.
func (s *Store) SweepExpiredClaims(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.col(colClaims).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("mongodb sweep claims: %w", err)
	}
	return int(res.DeletedCount), nil
}

// GetFailureState returns the failure state for a workflow.
func (s *Store) GetFailureState(ctx context.Context, workflowDefinitionID string) (*store.AssetFailureState, error) {
	var doc failureStateDoc
	err := s.col(colFailureStates).FindOne(ctx, bson.M{"_id": workflowDefinitionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get failure state: %w", err)
	}
	return &store.AssetFailureState{
		WorkflowDefinitionID: doc.WorkflowDefinitionID,
		Failures:             doc.Failures,
		LastFailureAt:        doc.LastFailureAt,
		NextEligibleAt:       doc.NextEligibleAt,
	}, nil
}

// SetFailureState upserts the failure state.
func (s *Store) SetFailureState(ctx context.Context, st *store.AssetFailureState) error {
	doc := failureStateDoc{
		WorkflowDefinitionID: st.WorkflowDefinitionID,
		Failures:             st.Failures,
		LastFailureAt:        st.LastFailureAt,
		NextEligibleAt:       st.NextEligibleAt,
	}
	_, err := s.col(colFailureStates).ReplaceOne(ctx, bson.M{"_id": st.WorkflowDefinitionID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb set failure state: %w", err)
	}
	return nil
}

// ClearFailureState removes the failure state. Missing is a no-op.
func (s *Store) ClearFailureState(ctx context.Context, workflowDefinitionID string) error {
	if _, err := s.col(colFailureStates).DeleteOne(ctx, bson.M{"_id": workflowDefinitionID}); err != nil {
		return fmt.Errorf("mongodb clear failure state: %w", err)
	}
	return nil
}
