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

type delayedJobDoc struct {
	JobID string    `bson:"_id"`
	RunAt time.Time `bson:"run_at"`
	Raw   []byte    `bson:"raw"`
}

// UpsertDelayedJob schedules or reschedules a job by id.
func (s *Store) UpsertDelayedJob(ctx context.Context, j *store.DelayedJob) error {
	raw, err := marshalRaw(j)
	if err != nil {
		return err
	}
	doc := delayedJobDoc{JobID: j.JobID, RunAt: j.RunAt, Raw: raw}
	_, err = s.col(colDelayedJobs).ReplaceOne(ctx, bson.M{"_id": j.JobID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb upsert delayed job %q: %w", j.JobID, err)
	}
	return nil
}

// DeleteDelayedJob removes a scheduled job. Missing is a no-op.
func (s *Store) DeleteDelayedJob(ctx context.Context, jobID string) error {
	if _, err := s.col(colDelayedJobs).DeleteOne(ctx, bson.M{"_id": jobID}); err != nil {
		return fmt.Errorf("mongodb delete delayed job %q: %w", jobID, err)
	}
	return nil
}

// DueDelayedJobs claims due jobs one at a time with FindOneAndDelete, so
// under concurrent pollers each job is handed to exactly one caller.
func (s *Store) DueDelayedJobs(ctx context.Context, now time.Time, limit int) ([]*store.DelayedJob, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "run_at", Value: 1}})
	var out []*store.DelayedJob
	for len(out) < limit {
		var doc delayedJobDoc
		err := s.col(colDelayedJobs).FindOneAndDelete(ctx, bson.M{"run_at": bson.M{"$lte": now}}, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("mongodb claim delayed job: %w", err)
		}
		var j store.DelayedJob
		if err := unmarshalRaw(doc.Raw, &j); err != nil {
			return out, err
		}
		out = append(out, &j)
	}
	return out, nil
}
