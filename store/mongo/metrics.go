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

// RecordSourceObservation folds one observation into the per-source
// counters with a single atomic upsert: additions via $inc, the lag maximum
// via $max.
func (s *Store) RecordSourceObservation(ctx context.Context, source string, obs store.SourceObservation) error {
	inc := bson.M{"total": int64(1)}
	if obs.Throttled {
		inc["throttled"] = int64(1)
	}
	if obs.Dropped {
		inc["dropped"] = int64(1)
	}
	if obs.Failure {
		inc["failures"] = int64(1)
	}
	lagMS := obs.Lag.Milliseconds()
	if lagMS > 0 {
		inc["total_lag_ms"] = lagMS
	}
	update := bson.M{
		"$inc": inc,
		"$set": bson.M{"last_lag_ms": lagMS, "last_event_at": obs.At},
		"$max": bson.M{"max_lag_ms": lagMS},
	}
	_, err := s.col(colSourceMetrics).UpdateOne(ctx, bson.M{"_id": source}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb record source observation %q: %w", source, err)
	}
	return nil
}

// GetSourceMetrics returns the counters for a source.
func (s *Store) GetSourceMetrics(ctx context.Context, source string) (*store.SourceMetrics, error) {
	var doc struct {
		Source     string    `bson:"_id"`
		Total      int64     `bson:"total"`
		Throttled  int64     `bson:"throttled"`
		Dropped    int64     `bson:"dropped"`
		Failures   int64     `bson:"failures"`
		TotalLagMS int64     `bson:"total_lag_ms"`
		LastLagMS  int64     `bson:"last_lag_ms"`
		MaxLagMS   int64     `bson:"max_lag_ms"`
		LastEvent  time.Time `bson:"last_event_at"`
	}
	err := s.col(colSourceMetrics).FindOne(ctx, bson.M{"_id": source}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get source metrics %q: %w", source, err)
	}
	return &store.SourceMetrics{
		Source:     doc.Source,
		Total:      doc.Total,
		Throttled:  doc.Throttled,
		Dropped:    doc.Dropped,
		Failures:   doc.Failures,
		TotalLagMS: doc.TotalLagMS,
		LastLagMS:  doc.LastLagMS,
		MaxLagMS:   doc.MaxLagMS,
		LastEvent:  doc.LastEvent,
	}, nil
}

// RecordTriggerOutcome increments the outcome counter and records the last
// status and error.
func (s *Store) RecordTriggerOutcome(ctx context.Context, triggerID string, outcome store.TriggerOutcome, lastError string) error {
	update := bson.M{
		"$inc": bson.M{string(outcome): int64(1)},
		"$set": bson.M{"last_status": string(outcome), "last_error": lastError},
	}
	_, err := s.col(colTriggerMetrics).UpdateOne(ctx, bson.M{"_id": triggerID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb record trigger outcome %q: %w", triggerID, err)
	}
	return nil
}

// GetTriggerMetrics returns the counters for a trigger.
func (s *Store) GetTriggerMetrics(ctx context.Context, triggerID string) (*store.TriggerMetrics, error) {
	var doc struct {
		TriggerID  string `bson:"_id"`
		Filtered   int64  `bson:"filtered"`
		Matched    int64  `bson:"matched"`
		Launched   int64  `bson:"launched"`
		Throttled  int64  `bson:"throttled"`
		Skipped    int64  `bson:"skipped"`
		Failed     int64  `bson:"failed"`
		Paused     int64  `bson:"paused"`
		LastStatus string `bson:"last_status"`
		LastError  string `bson:"last_error"`
	}
	err := s.col(colTriggerMetrics).FindOne(ctx, bson.M{"_id": triggerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get trigger metrics %q: %w", triggerID, err)
	}
	return &store.TriggerMetrics{
		TriggerID:  doc.TriggerID,
		Filtered:   doc.Filtered,
		Matched:    doc.Matched,
		Launched:   doc.Launched,
		Throttled:  doc.Throttled,
		Skipped:    doc.Skipped,
		Failed:     doc.Failed,
		Paused:     doc.Paused,
		LastStatus: doc.LastStatus,
		LastError:  doc.LastError,
	}, nil
}

// RecordQueueStats appends a queue stats snapshot.
func (s *Store) RecordQueueStats(ctx context.Context, stats *store.QueueStats) error {
	raw, err := marshalRaw(stats)
	if err != nil {
		return err
	}
	doc := bson.M{"queue_key": stats.QueueKey, "at": stats.At, "raw": raw}
	if _, err := s.col(colQueueStats).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb record queue stats: %w", err)
	}
	return nil
}

// AppendAudit appends an immutable audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *store.AuditEntry) error {
	raw, err := marshalRaw(e)
	if err != nil {
		return err
	}
	doc := bson.M{"_id": e.ID, "at": e.At, "raw": raw}
	if _, err := s.col(colAudit).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries up to limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*store.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.col(colAudit).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list audit: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []struct {
		Raw []byte `bson:"raw"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list audit decode: %w", err)
	}
	out := make([]*store.AuditEntry, 0, len(docs))
	for i := range docs {
		var e store.AuditEntry
		if err := unmarshalRaw(docs[i].Raw, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}
