// Package memory provides in-process implementations of the domain stores used
// in development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// JobStore keeps jobs in a map guarded by a single mutex, which makes Claim atomic.
type JobStore struct {
	mu   sync.Mutex
	seq  int64
	jobs map[string]*schema.Job
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*schema.Job)}
}

// Insert stores a new job and assigns its creation sequence.
func (s *JobStore) Insert(_ context.Context, job schema.Job) (schema.Job, error) {
	if err := job.Validate(); err != nil {
		return schema.Job{}, fmt.Errorf("job store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.Job{}, fmt.Errorf("job store: duplicate job id %s", job.ID)
	}
	s.seq++
	job.Seq = s.seq
	stored := job
	s.jobs[job.ID] = &stored
	return stored, nil
}

// Claim hands the highest-priority, oldest pending job to the caller.
func (s *JobStore) Claim(_ context.Context, now time.Time) (schema.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *schema.Job
	for _, j := range s.jobs {
		if j.Status != schema.JobPending {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return schema.Job{}, false, nil
	}
	best.Status = schema.JobProcessing
	best.ClaimedAt = now
	best.UpdatedAt = now
	return *best, true, nil
}

func before(a, b *schema.Job) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// Complete marks a processing job completed.
func (s *JobStore) Complete(_ context.Context, id, result string, now time.Time) error {
	return s.update(id, func(j *schema.Job) {
		j.Status = schema.JobCompleted
		j.Result = result
		j.CompletedAt = now
		j.UpdatedAt = now
	})
}

// Retry schedules another attempt.
func (s *JobStore) Retry(_ context.Context, id string, attempts int, nextRetryAt time.Time, lastError string, now time.Time) error {
	return s.update(id, func(j *schema.Job) {
		j.Status = schema.JobRetry
		j.Attempts = attempts
		j.NextRetryAt = nextRetryAt
		j.LastError = lastError
		j.UpdatedAt = now
	})
}

// Fail marks a job terminally failed.
func (s *JobStore) Fail(_ context.Context, id string, attempts int, lastError string, now time.Time) error {
	return s.update(id, func(j *schema.Job) {
		j.Status = schema.JobFailed
		j.Attempts = attempts
		j.LastError = lastError
		j.CompletedAt = now
		j.UpdatedAt = now
	})
}

func (s *JobStore) update(id string, fn func(*schema.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobstore.ErrNotFound
	}
	fn(j)
	return nil
}

// PromoteDue moves retry jobs whose nextRetryAt has passed back to pending.
func (s *JobStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == schema.JobRetry && !j.NextRetryAt.After(now) {
			j.Status = schema.JobPending
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// RecoverStale returns jobs stuck in processing since before claimedBefore to
// retry, spending one attempt each.
func (s *JobStore) RecoverStale(_ context.Context, claimedBefore, now time.Time) (jobstore.Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out jobstore.Recovery
	for id, j := range s.jobs {
		if j.Status != schema.JobProcessing || !j.ClaimedAt.Before(claimedBefore) {
			continue
		}
		j.Attempts++
		j.LastError = "claim expired"
		j.UpdatedAt = now
		if j.Attempts >= j.MaxAttempts {
			j.Status = schema.JobFailed
			j.CompletedAt = now
			out.Failed = append(out.Failed, id)
			continue
		}
		j.Status = schema.JobRetry
		j.NextRetryAt = now
		out.Retried = append(out.Retried, id)
	}
	slices.Sort(out.Retried)
	slices.Sort(out.Failed)
	return out, nil
}

// Requeue resets a settled or retrying job to pending with zero attempts.
func (s *JobStore) Requeue(_ context.Context, id string, payload schema.JobPayload, now time.Time) (schema.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.Job{}, jobstore.ErrNotFound
	}
	if j.Status == schema.JobPending || j.Status == schema.JobProcessing {
		return schema.Job{}, jobstore.ErrBusy
	}
	if payload == nil || payload.Kind() != j.Kind {
		return schema.Job{}, fmt.Errorf("job store: requeue %s: payload kind mismatch", id)
	}
	j.Payload = payload
	j.Status = schema.JobPending
	j.Attempts = 0
	j.NextRetryAt = time.Time{}
	j.ClaimedAt = time.Time{}
	j.CompletedAt = time.Time{}
	j.Result = ""
	j.UpdatedAt = now
	return *j, nil
}

// PurgeTerminal deletes completed and failed jobs last updated before the cutoff.
func (s *JobStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of a job.
func (s *JobStore) Get(_ context.Context, id string) (schema.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.Job{}, jobstore.ErrNotFound
	}
	return *j, nil
}

// Stats counts jobs per status and pending jobs per priority.
func (s *JobStore) Stats(_ context.Context) (jobstore.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := jobstore.Stats{Depth: make(map[schema.Priority]int, 3)}
	for _, p := range schema.Priorities() {
		stats.Depth[p] = 0
	}
	for _, j := range s.jobs {
		switch j.Status {
		case schema.JobPending:
			stats.Depth[j.Priority]++
		case schema.JobProcessing:
			stats.InFlight++
		case schema.JobRetry:
			stats.Retrying++
		case schema.JobCompleted:
			stats.Completed++
		case schema.JobFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

var _ jobstore.Store = (*JobStore)(nil)
