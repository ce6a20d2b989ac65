package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// JobStore persists queue jobs. Claims use FOR UPDATE SKIP LOCKED so several
// gateway processes can share one table.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore backed by the provided pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const (
	jobColumns = `id, seq, kind, priority, payload, status, attempts, max_attempts,
    last_error, result, created_at, updated_at, next_retry_at, claimed_at, completed_at`

	jobInsertSQL = `
INSERT INTO jobs (
    id, kind, priority, priority_rank, payload, status, attempts, max_attempts,
    created_at, updated_at, next_retry_at
)
VALUES (
    @id, @kind, @priority, @rank, @payload::jsonb, @status, @attempts, @max_attempts,
    @created_at, @updated_at, @next_retry_at
)
ON CONFLICT (id) DO NOTHING
RETURNING seq;
`

	jobClaimSelectSQL = `
SELECT id FROM jobs
WHERE status = 'pending'
ORDER BY priority_rank, created_at, seq
LIMIT 1
FOR UPDATE SKIP LOCKED;
`

	jobClaimUpdateSQL = `
UPDATE jobs
SET status = 'processing', claimed_at = @now, updated_at = @now
WHERE id = @id
RETURNING ` + jobColumns + `;
`

	jobCompleteSQL = `
UPDATE jobs
SET status = 'completed', result = @result, completed_at = @now, updated_at = @now
WHERE id = @id;
`

	jobRetrySQL = `
UPDATE jobs
SET status = 'retry', attempts = @attempts, next_retry_at = @next_retry_at,
    last_error = @last_error, updated_at = @now
WHERE id = @id;
`

	jobFailSQL = `
UPDATE jobs
SET status = 'failed', attempts = @attempts, last_error = @last_error,
    completed_at = @now, updated_at = @now
WHERE id = @id;
`

	jobPromoteSQL = `
UPDATE jobs
SET status = 'pending', updated_at = @now
WHERE status = 'retry' AND next_retry_at <= @now;
`

	jobRecoverSQL = `
UPDATE jobs
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'retry' END,
    next_retry_at = CASE WHEN attempts + 1 >= max_attempts THEN next_retry_at ELSE @now END,
    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN @now ELSE completed_at END,
    last_error = 'claim expired',
    updated_at = @now
WHERE status = 'processing' AND claimed_at < @claimed_before
RETURNING id, status;
`

	jobRequeueSQL = `
UPDATE jobs
SET status = 'pending', attempts = 0, payload = @payload::jsonb, result = '',
    next_retry_at = NULL, claimed_at = NULL, completed_at = NULL, updated_at = @now
WHERE id = @id AND status IN ('completed', 'failed', 'retry')
RETURNING ` + jobColumns + `;
`

	jobPurgeSQL = `
DELETE FROM jobs
WHERE status IN ('completed', 'failed') AND updated_at < @before;
`

	jobGetSQL = `SELECT ` + jobColumns + ` FROM jobs WHERE id = @id;`

	jobStatsSQL = `
SELECT status, priority, COUNT(*)
FROM jobs
GROUP BY status, priority;
`
)

func (s *JobStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	return s.pool, nil
}

// Insert stores a new job and assigns its creation sequence.
func (s *JobStore) Insert(ctx context.Context, job schema.Job) (schema.Job, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Job{}, err
	}
	if err := job.Validate(); err != nil {
		return schema.Job{}, fmt.Errorf("job store: %w", err)
	}
	payload, err := schema.EncodePayload(job.Payload)
	if err != nil {
		return schema.Job{}, fmt.Errorf("job store: %w", err)
	}
	args := pgx.NamedArgs{
		"id":            job.ID,
		"kind":          string(job.Kind),
		"priority":      string(job.Priority),
		"rank":          job.Priority.Rank(),
		"payload":       string(payload),
		"status":        string(job.Status),
		"attempts":      job.Attempts,
		"max_attempts":  job.MaxAttempts,
		"created_at":    job.CreatedAt.UTC(),
		"updated_at":    job.UpdatedAt.UTC(),
		"next_retry_at": nullableTime(job.NextRetryAt),
	}
	if err := pool.QueryRow(ctx, jobInsertSQL, args).Scan(&job.Seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Job{}, fmt.Errorf("job store: duplicate job id %s", job.ID)
		}
		return schema.Job{}, fmt.Errorf("job store: insert: %w", err)
	}
	return job, nil
}

// Claim hands the highest-priority, oldest pending job to the caller.
func (s *JobStore) Claim(ctx context.Context, now time.Time) (schema.Job, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Job{}, false, err
	}
	var (
		job     schema.Job
		claimed bool
	)
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, jobClaimSelectSQL).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		row := tx.QueryRow(ctx, jobClaimUpdateSQL, pgx.NamedArgs{"id": id, "now": now.UTC()})
		scanned, err := scanJob(row)
		if err != nil {
			return err
		}
		job, claimed = scanned, true
		return nil
	})
	if err != nil {
		return schema.Job{}, false, fmt.Errorf("job store: claim: %w", err)
	}
	return job, claimed, nil
}

// Complete marks a processing job completed.
func (s *JobStore) Complete(ctx context.Context, id, result string, now time.Time) error {
	return s.update(ctx, "complete", jobCompleteSQL, pgx.NamedArgs{"id": id, "result": result, "now": now.UTC()})
}

// Retry schedules another attempt.
func (s *JobStore) Retry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string, now time.Time) error {
	return s.update(ctx, "retry", jobRetrySQL, pgx.NamedArgs{
		"id":            id,
		"attempts":      attempts,
		"next_retry_at": nextRetryAt.UTC(),
		"last_error":    lastError,
		"now":           now.UTC(),
	})
}

// Fail marks a job terminally failed.
func (s *JobStore) Fail(ctx context.Context, id string, attempts int, lastError string, now time.Time) error {
	return s.update(ctx, "fail", jobFailSQL, pgx.NamedArgs{
		"id":         id,
		"attempts":   attempts,
		"last_error": lastError,
		"now":        now.UTC(),
	})
}

func (s *JobStore) update(ctx context.Context, op, sql string, args pgx.NamedArgs) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sql, args)
	if err != nil {
		return fmt.Errorf("job store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

func (s *JobStore) bulk(ctx context.Context, op, sql string, args pgx.NamedArgs) (int, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, sql, args)
	if err != nil {
		return 0, fmt.Errorf("job store: %s: %w", op, err)
	}
	return int(tag.RowsAffected()), nil
}

// PromoteDue moves retry jobs whose nextRetryAt has passed back to pending.
func (s *JobStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return s.bulk(ctx, "promote", jobPromoteSQL, pgx.NamedArgs{"now": now.UTC()})
}

// RecoverStale returns jobs stuck in processing since before claimedBefore to
// retry, spending one attempt each.
func (s *JobStore) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (jobstore.Recovery, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return jobstore.Recovery{}, err
	}
	rows, err := pool.Query(ctx, jobRecoverSQL, pgx.NamedArgs{"claimed_before": claimedBefore.UTC(), "now": now.UTC()})
	if err != nil {
		return jobstore.Recovery{}, fmt.Errorf("job store: recover: %w", err)
	}
	defer rows.Close()

	var out jobstore.Recovery
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return jobstore.Recovery{}, fmt.Errorf("job store: scan recovered: %w", err)
		}
		if schema.JobStatus(status) == schema.JobFailed {
			out.Failed = append(out.Failed, id)
		} else {
			out.Retried = append(out.Retried, id)
		}
	}
	if err := rows.Err(); err != nil {
		return jobstore.Recovery{}, fmt.Errorf("job store: recover rows: %w", err)
	}
	return out, nil
}

// Requeue resets a settled or retrying job to pending with zero attempts.
func (s *JobStore) Requeue(ctx context.Context, id string, payload schema.JobPayload, now time.Time) (schema.Job, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Job{}, err
	}
	raw, err := schema.EncodePayload(payload)
	if err != nil {
		return schema.Job{}, fmt.Errorf("job store: %w", err)
	}
	job, err := scanJob(pool.QueryRow(ctx, jobRequeueSQL, pgx.NamedArgs{
		"id":      id,
		"payload": string(raw),
		"now":     now.UTC(),
	}))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return schema.Job{}, getErr
		}
		return schema.Job{}, jobstore.ErrBusy
	}
	if err != nil {
		return schema.Job{}, fmt.Errorf("job store: requeue: %w", err)
	}
	return job, nil
}

// PurgeTerminal deletes completed and failed jobs last updated before the cutoff.
func (s *JobStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	return s.bulk(ctx, "purge", jobPurgeSQL, pgx.NamedArgs{"before": before.UTC()})
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (schema.Job, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Job{}, err
	}
	job, err := scanJob(pool.QueryRow(ctx, jobGetSQL, pgx.NamedArgs{"id": id}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Job{}, jobstore.ErrNotFound
		}
		return schema.Job{}, fmt.Errorf("job store: get: %w", err)
	}
	return job, nil
}

// Stats counts jobs per status and pending jobs per priority.
func (s *JobStore) Stats(ctx context.Context) (jobstore.Stats, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return jobstore.Stats{}, err
	}
	rows, err := pool.Query(ctx, jobStatsSQL)
	if err != nil {
		return jobstore.Stats{}, fmt.Errorf("job store: stats: %w", err)
	}
	defer rows.Close()

	stats := jobstore.Stats{Depth: make(map[schema.Priority]int, 3)}
	for _, p := range schema.Priorities() {
		stats.Depth[p] = 0
	}
	for rows.Next() {
		var (
			status, priority string
			count            int
		)
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return jobstore.Stats{}, fmt.Errorf("job store: scan stats: %w", err)
		}
		switch schema.JobStatus(status) {
		case schema.JobPending:
			stats.Depth[schema.Priority(priority)] += count
		case schema.JobProcessing:
			stats.InFlight += count
		case schema.JobRetry:
			stats.Retrying += count
		case schema.JobCompleted:
			stats.Completed += count
		case schema.JobFailed:
			stats.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return jobstore.Stats{}, fmt.Errorf("job store: stats rows: %w", err)
	}
	return stats, nil
}

func scanJob(row pgx.Row) (schema.Job, error) {
	var (
		job                               schema.Job
		kind, priority, status            string
		payload                           []byte
		nextRetry, claimedAt, completedAt *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.Seq,
		&kind,
		&priority,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.Result,
		&job.CreatedAt,
		&job.UpdatedAt,
		&nextRetry,
		&claimedAt,
		&completedAt,
	); err != nil {
		return schema.Job{}, err
	}
	job.Kind = schema.JobKind(kind)
	job.Priority = schema.Priority(priority)
	job.Status = schema.JobStatus(status)
	decoded, err := schema.DecodePayload(job.Kind, payload)
	if err != nil {
		return schema.Job{}, err
	}
	job.Payload = decoded
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.NextRetryAt = timeValue(nextRetry)
	job.ClaimedAt = timeValue(claimedAt)
	job.CompletedAt = timeValue(completedAt)
	return job, nil
}

var _ jobstore.Store = (*JobStore)(nil)
