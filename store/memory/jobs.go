package memory

import (
	"context"
	"sort"
	"time"

	"github.com/apphub/orchestra/store"
)

// UpsertDelayedJob schedules or reschedules a job by JobID.
func (s *Store) UpsertDelayedJob(_ context.Context, j *store.DelayedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.delayed[j.JobID] = &cp
	return nil
}

// DeleteDelayedJob removes a scheduled job.
func (s *Store) DeleteDelayedJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delayed, jobID)
	return nil
}

// DueDelayedJobs atomically claims and removes jobs due at or before now.
func (s *Store) DueDelayedJobs(_ context.Context, now time.Time, limit int) ([]*store.DelayedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.DelayedJob
	for _, j := range s.delayed {
		if !j.RunAt.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, j := range out {
		delete(s.delayed, j.JobID)
	}
	return out, nil
}
