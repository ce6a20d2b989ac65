// Package queue implements the durable priority job queue that decouples
// webhook acknowledgement from calendar synchronisation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeDeferred  = "deferred"
	outcomeFailed    = "failed"
)

// Queue dispatches stored jobs to registered handlers with bounded concurrency.
type Queue struct {
	store   jobstore.Store
	cfg     Config
	log     *zap.Logger
	sink    monitor.Sink
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[schema.JobKind]Handler

	wake     chan struct{}
	inflight atomic.Int64
}

// Option customises a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log.Named("queue")
		}
	}
}

// WithMonitor reports terminal job failures to sink.
func WithMonitor(sink monitor.Sink) Option {
	return func(q *Queue) { q.sink = monitor.OrNop(sink) }
}

// WithMetrics publishes depth and outcome metrics.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New constructs a queue over store.
func New(store jobstore.Store, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		cfg:      cfg.withDefaults(),
		log:      zap.NewNop(),
		sink:     monitor.Nop{},
		now:      time.Now,
		handlers: make(map[schema.JobKind]Handler),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Register installs the handler for a job kind, replacing any previous one.
func (q *Queue) Register(kind schema.JobKind, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

func (q *Queue) handler(kind schema.JobKind) Handler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.handlers[kind]
}

// Enqueue stores a job as pending and returns its id.
func (q *Queue) Enqueue(ctx context.Context, job schema.Job) (string, error) {
	now := q.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = schema.JobPending
	job.Attempts = 0
	job.UpdatedAt = now
	if err := job.Validate(); err != nil {
		return "", errs.New("queue", errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	stored, err := q.store.Insert(ctx, job)
	if err != nil {
		return "", errs.New("queue", errs.CodeUnavailable, errs.WithMessage("enqueue failed"), errs.WithCause(err))
	}
	q.signal()
	q.log.Debug("job enqueued",
		zap.String("job_id", stored.ID),
		zap.String("kind", string(stored.Kind)),
		zap.String("priority", string(stored.Priority)))
	return stored.ID, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run claims and processes jobs until ctx is cancelled. In-flight jobs are
// allowed to finish within their timeout before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	workers := pool.New().WithMaxGoroutines(q.cfg.Concurrency)
	poll := time.NewTicker(q.cfg.PollInterval)
	sweep := time.NewTicker(q.cfg.RetrySweepInterval)
	cleanup := time.NewTicker(q.cfg.CleanupInterval)
	defer func() {
		poll.Stop()
		sweep.Stop()
		cleanup.Stop()
		workers.Wait()
	}()

	q.log.Info("queue started",
		zap.Int("concurrency", q.cfg.Concurrency),
		zap.Duration("poll_interval", q.cfg.PollInterval))
	q.dispatch(ctx, workers)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("queue stopping", zap.Int64("in_flight", q.inflight.Load()))
			return nil
		case <-q.wake:
			q.dispatch(ctx, workers)
		case <-poll.C:
			q.dispatch(ctx, workers)
		case <-sweep.C:
			if _, err := q.RetrySweep(ctx); err != nil {
				q.log.Warn("retry sweep failed", zap.Error(err))
			}
			q.dispatch(ctx, workers)
		case <-cleanup.C:
			if _, err := q.Cleanup(ctx); err != nil {
				q.log.Warn("cleanup failed", zap.Error(err))
			}
		}
	}
}

// dispatch claims jobs while worker slots are free. Only the Run goroutine calls it.
func (q *Queue) dispatch(ctx context.Context, workers *pool.Pool) {
	for q.inflight.Load() < int64(q.cfg.Concurrency) {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := q.store.Claim(ctx, q.now())
		if err != nil {
			q.log.Warn("claim failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		q.inflight.Add(1)
		jobCtx := context.WithoutCancel(ctx)
		workers.Go(func() {
			defer func() {
				q.inflight.Add(-1)
				q.signal()
			}()
			q.process(jobCtx, job)
		})
	}
}

// ProcessNext claims and synchronously processes a single job. It reports
// whether a job was available.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := q.store.Claim(ctx, q.now())
	if err != nil {
		return false, errs.New("queue", errs.CodeUnavailable, errs.WithMessage("claim failed"), errs.WithCause(err))
	}
	if !ok {
		return false, nil
	}
	q.process(ctx, job)
	return true, nil
}

// InFlight returns the number of jobs being processed by Run.
func (q *Queue) InFlight() int { return int(q.inflight.Load()) }

func (q *Queue) process(ctx context.Context, job schema.Job) {
	started := q.now()
	h := q.handler(job.Kind)
	if h == nil {
		q.finishFailure(ctx, job, errs.New("queue", errs.CodePermanent,
			errs.WithMessage(fmt.Sprintf("no handler for job kind %s", job.Kind))), started)
		return
	}
	result, err := q.invoke(ctx, h, job)
	if err != nil {
		q.finishFailure(ctx, job, err, started)
		return
	}
	now := q.now()
	if err := q.store.Complete(ctx, job.ID, result, now); err != nil {
		q.log.Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.metrics.observeJob(job.Kind, outcomeCompleted, now.Sub(started))
	q.log.Debug("job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("result", result))
}

type handlerResult struct {
	result string
	err    error
}

// invoke runs the handler under the job timeout. A handler that ignores its
// context is abandoned once the deadline passes.
func (q *Queue) invoke(ctx context.Context, h Handler, job schema.Job) (string, error) {
	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("job handler panicked",
					zap.String("job_id", job.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- handlerResult{err: errs.New("queue", errs.CodeTransient,
					errs.WithMessage(fmt.Sprintf("handler panic: %v", r)))}
			}
		}()
		res, err := h.Handle(jobCtx, job)
		done <- handlerResult{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && jobCtx.Err() != nil {
			return "", timeoutError(q.cfg.JobTimeout, out.err)
		}
		return out.result, out.err
	case <-jobCtx.Done():
		return "", timeoutError(q.cfg.JobTimeout, jobCtx.Err())
	}
}

func timeoutError(limit time.Duration, cause error) error {
	return errs.New("queue", errs.CodeTransient,
		errs.WithMessage(fmt.Sprintf("job timed out after %s", limit)),
		errs.WithCause(cause))
}

func (q *Queue) finishFailure(ctx context.Context, job schema.Job, cause error, started time.Time) {
	now := q.now()
	if errs.Is(cause, errs.CodeCircuitOpen) && now.Sub(job.CreatedAt) < q.cfg.Retention {
		q.deferJob(ctx, job, cause, started, now)
		return
	}
	attempts := job.Attempts + 1
	msg := cause.Error()
	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(cause),
	}

	if errs.IsPermanent(cause) || attempts >= job.MaxAttempts {
		if err := q.store.Fail(ctx, job.ID, attempts, msg, now); err != nil {
			q.log.Error("fail job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		q.log.Error("job failed", fields...)
		q.recordFailed(ctx, job, attempts, msg, now.Sub(started), now)
		return
	}

	next := now.Add(q.cfg.Backoff(attempts))
	if at, ok := errs.RetryAt(cause); ok && at.After(next) {
		next = at
	}
	if err := q.store.Retry(ctx, job.ID, attempts, next, msg, now); err != nil {
		q.log.Error("retry job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.metrics.observeJob(job.Kind, outcomeRetry, now.Sub(started))
	q.log.Warn("job scheduled for retry", append(fields, zap.Time("next_retry_at", next))...)
}

// deferJob reschedules a job the breaker refused without spending an attempt:
// the provider was never called. Jobs older than the retention window fall
// back to the normal attempt accounting.
func (q *Queue) deferJob(ctx context.Context, job schema.Job, cause error, started, now time.Time) {
	next := now.Add(q.cfg.Backoff(max(job.Attempts, 1)))
	if at, ok := errs.RetryAt(cause); ok && at.After(now) {
		next = at
	}
	if err := q.store.Retry(ctx, job.ID, job.Attempts, next, cause.Error(), now); err != nil {
		q.log.Error("defer job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.metrics.observeJob(job.Kind, outcomeDeferred, now.Sub(started))
	q.log.Info("job deferred while circuit open",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.Attempts),
		zap.Time("next_retry_at", next))
}

func (q *Queue) recordFailed(ctx context.Context, job schema.Job, attempts int, msg string, elapsed time.Duration, now time.Time) {
	q.metrics.observeJob(job.Kind, outcomeFailed, elapsed)
	q.sink.Record(ctx, monitor.Event{
		Kind:     monitor.KindJobFailed,
		Level:    monitor.LevelWarning,
		Provider: payloadProvider(job.Payload),
		Message:  msg,
		Fields: map[string]string{
			"job_id":   job.ID,
			"kind":     string(job.Kind),
			"attempts": fmt.Sprint(attempts),
		},
		At: now,
	})
}

func payloadProvider(p schema.JobPayload) schema.Provider {
	switch v := p.(type) {
	case schema.SyncPayload:
		return v.Provider
	case schema.MeetingPayload:
		return v.Provider
	default:
		return ""
	}
}

// RetrySweep promotes due retries and recovers jobs whose worker vanished.
func (q *Queue) RetrySweep(ctx context.Context) (int, error) {
	now := q.now()
	recovered, err := q.store.RecoverStale(ctx, now.Add(-q.cfg.StaleClaimAfter), now)
	if err != nil {
		return 0, errs.New("queue", errs.CodeUnavailable, errs.WithMessage("recover stale claims"), errs.WithCause(err))
	}
	if recovered.Total() > 0 {
		q.log.Warn("recovered stale claims",
			zap.Int("retried", len(recovered.Retried)),
			zap.Int("failed", len(recovered.Failed)))
	}
	for _, id := range recovered.Failed {
		job, err := q.store.Get(ctx, id)
		if err != nil {
			q.log.Error("load recovered job failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		q.log.Error("job failed", zap.String("job_id", id), zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts), zap.String("reason", job.LastError))
		q.recordFailed(ctx, job, job.Attempts, job.LastError, now.Sub(job.ClaimedAt), now)
	}
	promoted, err := q.store.PromoteDue(ctx, now)
	if err != nil {
		return 0, errs.New("queue", errs.CodeUnavailable, errs.WithMessage("promote due retries"), errs.WithCause(err))
	}
	if promoted > 0 {
		q.signal()
	}
	return promoted, nil
}

// Cleanup deletes terminal jobs older than the retention window.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	n, err := q.store.PurgeTerminal(ctx, q.now().Add(-q.cfg.Retention))
	if err != nil {
		return 0, errs.New("queue", errs.CodeUnavailable, errs.WithMessage("purge terminal jobs"), errs.WithCause(err))
	}
	if n > 0 {
		q.log.Info("purged terminal jobs", zap.Int("count", n))
	}
	return n, nil
}

// Stats returns queue occupancy without touching any job.
func (q *Queue) Stats(ctx context.Context) (jobstore.Stats, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return jobstore.Stats{}, errs.New("queue", errs.CodeUnavailable, errs.WithMessage("queue stats"), errs.WithCause(err))
	}
	q.metrics.observeStats(stats)
	return stats, nil
}

// Requeue puts a settled or retrying job back to pending with a fresh attempt
// budget. A non-empty bypassToken rides the job's first attempt.
func (q *Queue) Requeue(ctx context.Context, id, bypassToken string) (schema.Job, error) {
	job, err := q.Job(ctx, id)
	if err != nil {
		return schema.Job{}, err
	}
	payload := schema.WithBypassToken(job.Payload, bypassToken)
	requeued, err := q.store.Requeue(ctx, id, payload, q.now())
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		return schema.Job{}, errs.New("queue", errs.CodeNotFound, errs.WithMessage("job "+id+" not found"), errs.WithCause(err))
	case errors.Is(err, jobstore.ErrBusy):
		return schema.Job{}, errs.New("queue", errs.CodeInvalid,
			errs.WithMessage("job "+id+" is "+string(job.Status)),
			errs.WithHTTP(http.StatusConflict),
			errs.WithRemediation("wait for the current attempt to settle before re-running"),
			errs.WithCause(err))
	case err != nil:
		return schema.Job{}, errs.New("queue", errs.CodeUnavailable, errs.WithMessage("requeue job"), errs.WithCause(err))
	}
	q.log.Info("job requeued",
		zap.String("job_id", id),
		zap.String("kind", string(job.Kind)),
		zap.Bool("bypass", bypassToken != ""))
	q.signal()
	return requeued, nil
}

// Job returns a stored job by id.
func (q *Queue) Job(ctx context.Context, id string) (schema.Job, error) {
	job, err := q.store.Get(ctx, id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return schema.Job{}, errs.New("queue", errs.CodeNotFound, errs.WithMessage("job "+id+" not found"), errs.WithCause(err))
	}
	if err != nil {
		return schema.Job{}, errs.New("queue", errs.CodeUnavailable, errs.WithCause(err))
	}
	return job, nil
}
