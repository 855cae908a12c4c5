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
	envelopeDoc struct {
		ID  string `bson:"_id"`
		Raw []byte `bson:"raw"`
	}

	schemaDoc struct {
		ID         string `bson:"_id"` // eventType|version
		EventType  string `bson:"event_type"`
		Version    int    `bson:"version"`
		Status     string `bson:"status"`
		SchemaHash string `bson:"schema_hash"`
		Raw        []byte `bson:"raw"`
	}

	triggerDoc struct {
		ID                   string `bson:"_id"`
		EventType            string `bson:"event_type"`
		WorkflowDefinitionID string `bson:"workflow_definition_id"`
		Raw                  []byte `bson:"raw"`
	}

	ingressRetryDoc struct {
		EventID       string    `bson:"_id"`
		NextAttemptAt time.Time `bson:"next_attempt_at"`
		Raw           []byte    `bson:"raw"`
	}
)

// InsertEnvelope persists an envelope; duplicate ids update in place.
func (s *Store) InsertEnvelope(ctx context.Context, env *events.Envelope) error {
	raw, err := marshalRaw(env)
	if err != nil {
		return err
	}
	doc := envelopeDoc{ID: env.ID, Raw: raw}
	_, err = s.col(colEnvelopes).ReplaceOne(ctx, bson.M{"_id": env.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb insert envelope %q: %w", env.ID, err)
	}
	return nil
}

// GetEnvelope retrieves an envelope by id.
func (s *Store) GetEnvelope(ctx context.Context, id string) (*events.Envelope, error) {
	var doc envelopeDoc
	err := s.col(colEnvelopes).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get envelope %q: %w", id, err)
	}
	var env events.Envelope
	if err := unmarshalRaw(doc.Raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// UpsertSchema persists a schema version. An existing row with a different
// hash rejects with ErrVersionExists; identical hashes update status and
// metadata only.
func (s *Store) UpsertSchema(ctx context.Context, sc *events.Schema) error {
	raw, err := marshalRaw(sc)
	if err != nil {
		return err
	}
	id := schemaID(sc.EventType, sc.Version)
	doc := schemaDoc{
		ID:         id,
		EventType:  sc.EventType,
		Version:    sc.Version,
		Status:     string(sc.Status),
		SchemaHash: sc.SchemaHash,
		Raw:        raw,
	}
	_, err = s.col(colSchemas).InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongodb upsert schema %q: %w", id, err)
	}
	// Replace matches on hash, so a concurrent writer with a different
	// document cannot be silently overwritten.
	res, rerr := s.col(colSchemas).ReplaceOne(ctx, bson.M{"_id": id, "schema_hash": sc.SchemaHash}, doc)
	if rerr != nil {
		return fmt.Errorf("mongodb update schema %q: %w", id, rerr)
	}
	if res.MatchedCount == 0 {
		return store.ErrVersionExists
	}
	return nil
}

// GetSchema retrieves the exact (eventType, version) schema.
func (s *Store) GetSchema(ctx context.Context, eventType string, version int) (*events.Schema, error) {
	var doc schemaDoc
	err := s.col(colSchemas).FindOne(ctx, bson.M{"_id": schemaID(eventType, version)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get schema: %w", err)
	}
	return decodeSchema(&doc)
}

// LatestSchema returns the highest-version schema matching the statuses.
func (s *Store) LatestSchema(ctx context.Context, eventType string, statuses []events.SchemaStatus) (*events.Schema, error) {
	filter := bson.M{"event_type": eventType}
	if len(statuses) > 0 {
		vals := make(bson.A, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		filter["status"] = bson.M{"$in": vals}
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc schemaDoc
	err := s.col(colSchemas).FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb latest schema: %w", err)
	}
	return decodeSchema(&doc)
}

// ListSchemas returns every version for the event type, ascending.
func (s *Store) ListSchemas(ctx context.Context, eventType string) ([]*events.Schema, error) {
	cursor, err := s.col(colSchemas).Find(ctx, bson.M{"event_type": eventType},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list schemas: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []schemaDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list schemas decode: %w", err)
	}
	out := make([]*events.Schema, 0, len(docs))
	for i := range docs {
		sc, err := decodeSchema(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// CreateTrigger persists an event trigger.
func (s *Store) CreateTrigger(ctx context.Context, t *events.Trigger) error {
	raw, err := marshalRaw(t)
	if err != nil {
		return err
	}
	doc := triggerDoc{ID: t.ID, EventType: t.EventType, WorkflowDefinitionID: t.WorkflowDefinitionID, Raw: raw}
	if _, err := s.col(colTriggers).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb create trigger %q: %w", t.ID, err)
	}
	return nil
}

// GetTrigger retrieves a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*events.Trigger, error) {
	var doc triggerDoc
	err := s.col(colTriggers).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get trigger %q: %w", id, err)
	}
	var t events.Trigger
	if err := unmarshalRaw(doc.Raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTriggersByEventType returns the triggers bound to an event type.
func (s *Store) ListTriggersByEventType(ctx context.Context, eventType string) ([]*events.Trigger, error) {
	cursor, err := s.col(colTriggers).Find(ctx, bson.M{"event_type": eventType})
	if err != nil {
		return nil, fmt.Errorf("mongodb list triggers: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []triggerDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list triggers decode: %w", err)
	}
	out := make([]*events.Trigger, 0, len(docs))
	for i := range docs {
		var t events.Trigger
		if err := unmarshalRaw(docs[i].Raw, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

// DeleteTriggersForWorkflow removes the triggers of a workflow.
func (s *Store) DeleteTriggersForWorkflow(ctx context.Context, workflowDefinitionID string) error {
	if _, err := s.col(colTriggers).DeleteMany(ctx, bson.M{"workflow_definition_id": workflowDefinitionID}); err != nil {
		return fmt.Errorf("mongodb delete triggers: %w", err)
	}
	return nil
}

// UpsertIngressRetry schedules or reschedules a retry keyed by event id.
func (s *Store) UpsertIngressRetry(ctx context.Context, r *events.IngressRetry) error {
	raw, err := marshalRaw(r)
	if err != nil {
		return err
	}
	doc := ingressRetryDoc{EventID: r.EventID, NextAttemptAt: r.NextAttemptAt, Raw: raw}
	_, err = s.col(colIngressRetries).ReplaceOne(ctx, bson.M{"_id": r.EventID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert ingress retry %q: %w", r.EventID, err)
	}
	return nil
}

// GetIngressRetry retrieves the retry row for an event id.
func (s *Store) GetIngressRetry(ctx context.Context, eventID string) (*events.IngressRetry, error) {
	var doc ingressRetryDoc
	err := s.col(colIngressRetries).FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get ingress retry %q: %w", eventID, err)
	}
	var r events.IngressRetry
	if err := unmarshalRaw(doc.Raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteIngressRetry removes the retry row. Missing is a no-op.
func (s *Store) DeleteIngressRetry(ctx context.Context, eventID string) error {
	if _, err := s.col(colIngressRetries).DeleteOne(ctx, bson.M{"_id": eventID}); err != nil {
		return fmt.Errorf("mongodb delete ingress retry %q: %w", eventID, err)
	}
	return nil
}

// DueIngressRetries returns retries whose next attempt is due, oldest first.
func (s *Store) DueIngressRetries(ctx context.Context, now time.Time, limit int) ([]*events.IngressRetry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "next_attempt_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.col(colIngressRetries).Find(ctx, bson.M{"next_attempt_at": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb due ingress retries: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()
	var docs []ingressRetryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb due ingress retries decode: %w", err)
	}
	out := make([]*events.IngressRetry, 0, len(docs))
	for i := range docs {
		var r events.IngressRetry
		if err := unmarshalRaw(docs[i].Raw, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, nil
}

func schemaID(eventType string, version int) string {
	return fmt.Sprintf("%s|%d", eventType, version)
}

func decodeSchema(doc *schemaDoc) (*events.Schema, error) {
	var sc events.Schema
	if err := unmarshalRaw(doc.Raw, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}
