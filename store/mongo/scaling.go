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

type (
	scalingPolicyDoc struct {
		Target             string    `bson:"_id"`
		DesiredConcurrency int       `bson:"desired_concurrency"`
		UpdatedAt          time.Time `bson:"updated_at"`
		UpdatedBy          string    `bson:"updated_by,omitempty"`
		Reason             string    `bson:"reason,omitempty"`
	}

	scalingAckDoc struct {
		Target             string    `bson:"target"`
		InstanceID         string    `bson:"instance_id"`
		AppliedConcurrency int       `bson:"applied_concurrency"`
		Status             string    `bson:"status"`
		Error              string    `bson:"error,omitempty"`
		At                 time.Time `bson:"at"`
	}
)

// GetScalingPolicy returns the policy for a target.
func (s *Store) GetScalingPolicy(ctx context.Context, target string) (*store.ScalingPolicy, error) {
	var doc scalingPolicyDoc
	err := s.col(colScalingPolicies).FindOne(ctx, bson.M{"_id": target}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get scaling policy %q: %w", target, err)
	}
	return &store.ScalingPolicy{
		Target:             doc.Target,
		DesiredConcurrency: doc.DesiredConcurrency,
		UpdatedAt:          doc.UpdatedAt,
		UpdatedBy:          doc.UpdatedBy,
		Reason:             doc.Reason,
	}, nil
}

// UpsertScalingPolicy persists the policy.
func (s *Store) UpsertScalingPolicy(ctx context.Context, p *store.ScalingPolicy) error {
	doc := scalingPolicyDoc{
		Target:             p.Target,
		DesiredConcurrency: p.DesiredConcurrency,
		UpdatedAt:          p.UpdatedAt,
		UpdatedBy:          p.UpdatedBy,
		Reason:             p.Reason,
	}
	_, err := s.col(colScalingPolicies).ReplaceOne(ctx, bson.M{"_id": p.Target}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert scaling policy %q: %w", p.Target, err)
	}
	return nil
}

// RecordScalingAck appends a worker acknowledgement.
func (s *Store) RecordScalingAck(ctx context.Context, ack *store.ScalingAck) error {
	doc := scalingAckDoc{
		Target:             ack.Target,
		InstanceID:         ack.InstanceID,
		AppliedConcurrency: ack.AppliedConcurrency,
		Status:             ack.Status,
		Error:              ack.Error,
		At:                 ack.At,
	}
	if _, err := s.col(colScalingAcks).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb record scaling ack: %w", err)
	}
	return nil
}

// ListScalingAcks returns recent acks for a target, newest first.
func (s *Store) ListScalingAcks(ctx context.Context, target string, limit int) ([]*store.ScalingAck, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.col(colScalingAcks).Find(ctx, bson.M{"target": target}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list scaling acks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []scalingAckDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list scaling acks decode: %w", err)
	}
	out := make([]*store.ScalingAck, 0, len(docs))
	for i := range docs {
		out = append(out, &store.ScalingAck{
			Target:             docs[i].Target,
			InstanceID:         docs[i].InstanceID,
			AppliedConcurrency: docs[i].AppliedConcurrency,
			Status:             docs[i].Status,
			Error:              docs[i].Error,
			At:                 docs[i].At,
		})
	}
	return out, nil
}
