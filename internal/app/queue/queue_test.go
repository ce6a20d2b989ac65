package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/persistence/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func syncJob(id string, priority schema.Priority, created time.Time) schema.Job {
	return schema.Job{
		ID:        id,
		Kind:      schema.JobKindSync,
		Priority:  priority,
		CreatedAt: created,
		Payload: schema.SyncPayload{
			Provider:      schema.ProviderGoogle,
			CalendarID:    "primary",
			ChangeKind:    schema.ChangeUpdated,
			CorrelationID: "chan-" + id,
			ReceivedAt:    created,
		},
	}
}

func newTestQueue(t *testing.T, cfg Config, opts ...Option) (*Queue, *memory.JobStore, *clock) {
	t.Helper()
	store := memory.NewJobStore()
	clk := newClock()
	q := New(store, cfg, append([]Option{WithClock(clk.Now)}, opts...)...)
	return q, store, clk
}

func TestProcessesStrictPriorityThenFIFO(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	base := clk.Now()

	var order []string
	q.Register(schema.JobKindSync, HandlerFunc(func(_ context.Context, job schema.Job) (string, error) {
		order = append(order, job.ID)
		return "ok", nil
	}))

	for _, job := range []schema.Job{
		syncJob("low-1", schema.PriorityLow, base),
		syncJob("med-2", schema.PriorityMedium, base.Add(2*time.Second)),
		syncJob("high-1", schema.PriorityHigh, base.Add(3*time.Second)),
		syncJob("med-1", schema.PriorityMedium, base.Add(time.Second)),
		syncJob("low-2", schema.PriorityLow, base),
	} {
		_, err := q.Enqueue(ctx, job)
		require.NoError(t, err)
	}

	for {
		ok, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.Equal(t, []string{"high-1", "med-1", "med-2", "low-1", "low-2"}, order)
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{MaxAttempts: 4})
	job := syncJob("", schema.PriorityLow, time.Time{})
	id, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := q.Job(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, schema.JobPending, stored.Status)
	require.Equal(t, 4, stored.MaxAttempts)
	require.Equal(t, clk.Now(), stored.CreatedAt)
	require.Len(t, q.wake, 1)
}

func TestEnqueueRejectsMismatchedPayload(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	job := syncJob("bad", schema.PriorityLow, time.Now())
	job.Kind = schema.JobKindMeetingEvent
	_, err := q.Enqueue(context.Background(), job)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestRetriesWithBackoffUntilMaxAttempts(t *testing.T) {
	rec := monitor.NewRecorder(10)
	q, _, clk := newTestQueue(t, Config{MaxAttempts: 3}, WithMonitor(rec))
	ctx := context.Background()
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		return "", errs.New("google", errs.CodeTransient, errs.WithHTTP(503))
	}))

	id, err := q.Enqueue(ctx, syncJob("j1", schema.PriorityMedium, clk.Now()))
	require.NoError(t, err)

	processed, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.JobRetry, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, clk.Now().Add(30*time.Second), job.NextRetryAt)

	// not yet due
	promoted, err := q.RetrySweep(ctx)
	require.NoError(t, err)
	require.Zero(t, promoted)

	clk.Advance(30 * time.Second)
	promoted, err = q.RetrySweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ = q.Job(ctx, id)
	require.Equal(t, schema.JobRetry, job.Status)
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, clk.Now().Add(time.Minute), job.NextRetryAt)

	clk.Advance(time.Minute)
	_, err = q.RetrySweep(ctx)
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ = q.Job(ctx, id)
	require.Equal(t, schema.JobFailed, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Contains(t, job.LastError, "provider_transient")
	require.Equal(t, 1, rec.Count(monitor.KindJobFailed))

	processed, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, processed)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		return "", errs.New("google", errs.CodePermanent, errs.WithHTTP(403))
	}))
	id, err := q.Enqueue(ctx, syncJob("perm", schema.PriorityLow, clk.Now()))
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestRateLimitedRetryHonoursRetryAt(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	retryAt := clk.Now().Add(10 * time.Minute)
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		return "", errs.New("google", errs.CodeRateLimited, errs.WithRetryAt(retryAt))
	}))
	id, _ := q.Enqueue(ctx, syncJob("rl", schema.PriorityLow, clk.Now()))
	_, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ := q.Job(ctx, id)
	require.Equal(t, schema.JobRetry, job.Status)
	require.Equal(t, retryAt, job.NextRetryAt)
}

func TestOpenCircuitDefersWithoutSpendingAttempts(t *testing.T) {
	rec := monitor.NewRecorder(10)
	q, _, clk := newTestQueue(t, Config{MaxAttempts: 3}, WithMonitor(rec))
	ctx := context.Background()
	refusals := 0
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		if refusals < 5 {
			refusals++
			return "", errs.New("google", errs.CodeCircuitOpen, errs.WithRetryAt(clk.Now().Add(30*time.Second)))
		}
		return "synced", nil
	}))
	id, err := q.Enqueue(ctx, syncJob("outage", schema.PriorityMedium, clk.Now()))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		processed, err := q.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		job, err := q.Job(ctx, id)
		require.NoError(t, err)
		require.Equal(t, schema.JobRetry, job.Status)
		require.Zero(t, job.Attempts)
		require.Equal(t, clk.Now().Add(30*time.Second), job.NextRetryAt)
		require.Contains(t, job.LastError, "circuit_open")

		clk.Advance(30 * time.Second)
		promoted, err := q.RetrySweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, promoted)
	}

	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.JobCompleted, job.Status)
	require.Zero(t, rec.Count(monitor.KindJobFailed))
}

func TestOpenCircuitPastRetentionSpendsAttempts(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{MaxAttempts: 1, Retention: time.Hour})
	ctx := context.Background()
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		return "", errs.New("google", errs.CodeCircuitOpen)
	}))
	id, err := q.Enqueue(ctx, syncJob("stale", schema.PriorityLow, clk.Now().Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		panic("boom")
	}))
	id, _ := q.Enqueue(ctx, syncJob("p", schema.PriorityHigh, clk.Now()))

	require.NotPanics(t, func() {
		_, err := q.ProcessNext(ctx)
		require.NoError(t, err)
	})
	job, _ := q.Job(ctx, id)
	require.Equal(t, schema.JobRetry, job.Status)
	require.Contains(t, job.LastError, "handler panic: boom")
}

func TestJobTimeoutIsRetried(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{JobTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		<-release
		return "late", nil
	}))
	id, _ := q.Enqueue(ctx, syncJob("slow", schema.PriorityLow, clk.Now()))
	_, err := q.ProcessNext(ctx)
	require.NoError(t, err)

	job, _ := q.Job(ctx, id)
	require.Equal(t, schema.JobRetry, job.Status)
	require.Contains(t, job.LastError, "timed out")
}

func TestMissingHandlerFailsPermanently(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, syncJob("orphan", schema.PriorityLow, clk.Now()))
	_, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ := q.Job(ctx, id)
	require.Equal(t, schema.JobFailed, job.Status)
}

func TestBackoffIsExponentialAndBounded(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}.withDefaults()
	require.Equal(t, time.Second, cfg.Backoff(1))
	require.Equal(t, 2*time.Second, cfg.Backoff(2))
	require.Equal(t, 4*time.Second, cfg.Backoff(3))
	require.Equal(t, 5*time.Second, cfg.Backoff(4))
	require.Equal(t, 5*time.Second, cfg.Backoff(10))
}

func TestCleanupPurgesOnlyExpiredTerminalJobs(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	q.Register(schema.JobKindSync, HandlerFunc(func(context.Context, schema.Job) (string, error) {
		return "done", nil
	}))
	oldID, _ := q.Enqueue(ctx, syncJob("old", schema.PriorityLow, clk.Now()))
	_, err := q.ProcessNext(ctx)
	require.NoError(t, err)

	clk.Advance(23 * time.Hour)
	pendingID, _ := q.Enqueue(ctx, syncJob("fresh", schema.PriorityLow, clk.Now()))

	n, err := q.Cleanup(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = q.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = q.Job(ctx, oldID)
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = q.Job(ctx, pendingID)
	require.NoError(t, err)
}

func TestRetrySweepRecoversStaleClaims(t *testing.T) {
	q, store, clk := newTestQueue(t, Config{JobTimeout: time.Second, StaleClaimAfter: time.Minute})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, syncJob("crashed", schema.PriorityLow, clk.Now()))
	_, ok, err := store.Claim(ctx, clk.Now())
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(2 * time.Minute)
	promoted, err := q.RetrySweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)
	job, _ := q.Job(ctx, id)
	require.Equal(t, schema.JobPending, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestRetrySweepFailsJobThatKeepsLosingItsClaim(t *testing.T) {
	rec := monitor.NewRecorder(10)
	q, store, clk := newTestQueue(t, Config{MaxAttempts: 2, StaleClaimAfter: time.Minute}, WithMonitor(rec))
	ctx := context.Background()
	id, err := q.Enqueue(ctx, syncJob("poison", schema.PriorityHigh, clk.Now()))
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		_, ok, err := store.Claim(ctx, clk.Now())
		require.NoError(t, err)
		require.True(t, ok, "round %d", round)
		clk.Advance(2 * time.Minute)
		_, err = q.RetrySweep(ctx)
		require.NoError(t, err)
	}

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.JobFailed, job.Status)
	require.Equal(t, 2, job.Attempts)
	require.Equal(t, "claim expired", job.LastError)
	require.Equal(t, 1, rec.Count(monitor.KindJobFailed))

	processed, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, processed)
}

func TestRequeueRunsFailedJobWithBypassToken(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()
	var tokens []string
	q.Register(schema.JobKindSync, HandlerFunc(func(_ context.Context, job schema.Job) (string, error) {
		tokens = append(tokens, job.BypassToken())
		if len(tokens) < 3 {
			return "", errs.New("google", errs.CodeTransient)
		}
		return "synced", nil
	}))
	id, err := q.Enqueue(ctx, syncJob("rerun", schema.PriorityMedium, clk.Now()))
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ := q.Job(ctx, id)
	require.Equal(t, schema.JobFailed, job.Status)

	job, err = q.Requeue(ctx, id, "bypass-1")
	require.NoError(t, err)
	require.Equal(t, schema.JobPending, job.Status)
	require.Zero(t, job.Attempts)

	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ = q.Job(ctx, id)
	require.Equal(t, schema.JobFailed, job.Status)

	_, err = q.Requeue(ctx, id, "")
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	job, _ = q.Job(ctx, id)
	require.Equal(t, schema.JobCompleted, job.Status)
	require.Equal(t, []string{"", "bypass-1", ""}, tokens)
}

func TestRequeueRejectsPendingAndMissingJobs(t *testing.T) {
	q, _, clk := newTestQueue(t, Config{})
	ctx := context.Background()
	id, err := q.Enqueue(ctx, syncJob("queued", schema.PriorityLow, clk.Now()))
	require.NoError(t, err)

	_, err = q.Requeue(ctx, id, "tok")
	require.True(t, errs.Is(err, errs.CodeInvalid))
	require.Equal(t, 409, errs.HTTPStatus(err))

	_, err = q.Requeue(ctx, "missing", "")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestStatsReportsDepthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	q, _, clk := newTestQueue(t, Config{}, WithMetrics(metrics))
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, syncJob("a", schema.PriorityHigh, clk.Now()))
	_, _ = q.Enqueue(ctx, syncJob("b", schema.PriorityLow, clk.Now()))
	_, _ = q.Enqueue(ctx, syncJob("c", schema.PriorityLow, clk.Now()))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Depth[schema.PriorityHigh])
	require.Equal(t, 0, stats.Depth[schema.PriorityMedium])
	require.Equal(t, 2, stats.Depth[schema.PriorityLow])
	require.Zero(t, stats.InFlight)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "meetbridge_queue_depth")
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	store := memory.NewJobStore()
	q := New(store, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	release := make(chan struct{})
	var running, peak, done atomic.Int32
	q.Register(schema.JobKindSync, HandlerFunc(func(ctx context.Context, _ schema.Job) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			running.Add(-1)
			return "", ctx.Err()
		}
		running.Add(-1)
		done.Add(1)
		return "ok", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	for i := range 6 {
		_, err := q.Enqueue(ctx, syncJob(string(rune('a'+i)), schema.PriorityLow, time.Now()))
		require.NoError(t, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx) }()

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(2), peak.Load())

	close(release)
	require.Eventually(t, func() bool { return done.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), peak.Load())

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, stats.Completed)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	q := New(memory.NewJobStore(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))
}
