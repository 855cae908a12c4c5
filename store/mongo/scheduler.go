package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/apphub/orchestra/events"
	"github.com/apphub/orchestra/store"
)

type (
	sourcePauseDoc struct {
		Source string `bson:"_id"`
		Raw    []byte `bson:"raw"`
	}

	sourceArrivalDoc struct {
		Source   string      `bson:"_id"`
		Arrivals []time.Time `bson:"arrivals"`
	}

	triggerPauseDoc struct {
		TriggerID string `bson:"_id"`
		Raw       []byte `bson:"raw"`
	}

	triggerFailureDoc struct {
		TriggerID string      `bson:"_id"`
		Failures  []time.Time `bson:"failures"`
	}
)

// GetSourcePause returns the pause for a source.
func (s *Store) GetSourcePause(ctx context.Context, source string) (*events.SourcePause, error) {
	var doc sourcePauseDoc
	err := s.col(colSourcePauses).FindOne(ctx, bson.M{"_id": source}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get source pause %q: %w", source, err)
	}
	var p events.SourcePause
	if err := unmarshalRaw(doc.Raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetSourcePause upserts a pause record.
func (s *Store) SetSourcePause(ctx context.Context, p *events.SourcePause) error {
	raw, err := marshalRaw(p)
	if err != nil {
		return err
	}
	doc := sourcePauseDoc{Source: p.Source, Raw: raw}
	_, err = s.col(colSourcePauses).ReplaceOne(ctx, bson.M{"_id": p.Source}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb set source pause %q: %w", p.Source, err)
	}
	return nil
}

// ClearSourcePause removes the pause. Missing is a no-op.
func (s *Store) ClearSourcePause(ctx context.Context, source string) error {
	if _, err := s.col(colSourcePauses).DeleteOne(ctx, bson.M{"_id": source}); err != nil {
		return fmt.Errorf("mongodb clear source pause %q: %w", source, err)
	}
	return nil
}

// RecordSourceArrival appends the arrival and drops entries older than the
// window start, returning the surviving count, in one pipeline update so
// concurrent writers agree.
func (s *Store) RecordSourceArrival(ctx context.Context, source string, at, windowStart time.Time) (int, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "arrivals", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$filter", Value: bson.D{
					{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$arrivals", bson.A{}}}}},
					{Key: "cond", Value: bson.D{{Key: "$gte", Value: bson.A{"$$this", windowStart}}}},
				}}},
				bson.A{at},
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc sourceArrivalDoc
	err := s.col(colSourceArrivals).FindOneAndUpdate(ctx, bson.M{"_id": source}, pipeline, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongodb record source arrival %q: %w", source, err)
	}
	return len(doc.Arrivals), nil
}

// GetTriggerPause returns the pause for a trigger.
func (s *Store) GetTriggerPause(ctx context.Context, triggerID string) (*events.TriggerPause, error) {
	var doc triggerPauseDoc
	err := s.col(colTriggerPauses).FindOne(ctx, bson.M{"_id": triggerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get trigger pause %q: %w", triggerID, err)
	}
	var p events.TriggerPause
	if err := unmarshalRaw(doc.Raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetTriggerPause upserts a trigger pause.
func (s *Store) SetTriggerPause(ctx context.Context, p *events.TriggerPause) error {
	raw, err := marshalRaw(p)
	if err != nil {
		return err
	}
	doc := triggerPauseDoc{TriggerID: p.TriggerID, Raw: raw}
	_, err = s.col(colTriggerPauses).ReplaceOne(ctx, bson.M{"_id": p.TriggerID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb set trigger pause %q: %w", p.TriggerID, err)
	}
	return nil
}

// ClearTriggerPause removes the pause. Missing is a no-op.
func (s *Store) ClearTriggerPause(ctx context.Context, triggerID string) error {
	if _, err := s.col(colTriggerPauses).DeleteOne(ctx, bson.M{"_id": triggerID}); err != nil {
		return fmt.Errorf("mongodb clear trigger pause %q: %w", triggerID, err)
	}
	return nil
}

// RecordTriggerFailure appends the failure and drops entries older than the
// window start, returning the surviving count, in one pipeline update.
func (s *Store) RecordTriggerFailure(ctx context.Context, triggerID string, at, windowStart time.Time) (int, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "failures", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$filter", Value: bson.D{
					{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$failures", bson.A{}}}}},
					{Key: "cond", Value: bson.D{{Key: "$gte", Value: bson.A{"$$this", windowStart}}}},
				}}},
				bson.A{at},
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc triggerFailureDoc
	err := s.col(colTriggerFailures).FindOneAndUpdate(ctx, bson.M{"_id": triggerID}, pipeline, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongodb record trigger failure %q: %w", triggerID, err)
	}
	return len(doc.Failures), nil
}

// ClearTriggerFailures resets the failure window after a success.
func (s *Store) ClearTriggerFailures(ctx context.Context, triggerID string) error {
	if _, err := s.col(colTriggerFailures).DeleteOne(ctx, bson.M{"_id": triggerID}); err != nil {
		return fmt.Errorf("mongodb clear trigger failures %q: %w", triggerID, err)
	}
	return nil
}
