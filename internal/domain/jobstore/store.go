// Package jobstore defines persistence contracts for the priority job queue.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrBusy is returned when a job cannot be requeued because it is pending or processing.
	ErrBusy = errors.New("jobstore: job is pending or processing")
)

// Recovery lists the jobs returned from expired claims. Each recovery spends
// one attempt; jobs out of attempts are failed instead of retried.
type Recovery struct {
	Retried []string
	Failed  []string
}

// Total counts every recovered job.
func (r Recovery) Total() int { return len(r.Retried) + len(r.Failed) }

// Stats summarises queue occupancy.
type Stats struct {
	Depth     map[schema.Priority]int `json:"depth"`
	InFlight  int                     `json:"inFlight"`
	Retrying  int                     `json:"retrying"`
	Completed int                     `json:"completed"`
	Failed    int                     `json:"failed"`
}

// Store abstracts durable job storage.
//
// Claim must be atomic: a pending job is handed to exactly one caller, chosen
// by priority rank and then by creation order.
type Store interface {
	Insert(ctx context.Context, job schema.Job) (schema.Job, error)
	Claim(ctx context.Context, now time.Time) (schema.Job, bool, error)
	Complete(ctx context.Context, id, result string, now time.Time) error
	Retry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string, now time.Time) error
	Fail(ctx context.Context, id string, attempts int, lastError string, now time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (Recovery, error)
	// Requeue resets a completed, failed or retrying job to pending with zero
	// attempts and the given payload.
	Requeue(ctx context.Context, id string, payload schema.JobPayload, now time.Time) (schema.Job, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	Get(ctx context.Context, id string) (schema.Job, error)
	Stats(ctx context.Context) (Stats, error)
}
