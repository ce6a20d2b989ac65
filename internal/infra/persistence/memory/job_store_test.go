package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

func newJob(id string, p schema.Priority, created time.Time) schema.Job {
	return schema.Job{
		ID:          id,
		Kind:        schema.JobKindSync,
		Priority:    p,
		Payload:     schema.SyncPayload{Provider: schema.ProviderGoogle, CorrelationID: id},
		Status:      schema.JobPending,
		MaxAttempts: 3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestClaimOrdersByPriorityThenCreation(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	base := time.Unix(1000, 0)
	for _, j := range []schema.Job{
		newJob("low-1", schema.PriorityLow, base),
		newJob("med-2", schema.PriorityMedium, base.Add(2*time.Second)),
		newJob("high-1", schema.PriorityHigh, base.Add(3*time.Second)),
		newJob("med-1", schema.PriorityMedium, base.Add(time.Second)),
		newJob("high-2", schema.PriorityHigh, base.Add(3*time.Second)),
	} {
		_, err := store.Insert(ctx, j)
		require.NoError(t, err)
	}

	var order []string
	for {
		j, ok, err := store.Claim(ctx, base)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, schema.JobProcessing, j.Status)
		order = append(order, j.ID)
	}
	require.Equal(t, []string{"high-1", "high-2", "med-1", "med-2", "low-1"}, order)
}

func TestClaimHandsEachJobToOneWorker(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	for i := 0; i < 50; i++ {
		_, err := store.Insert(ctx, newJob(fmt.Sprintf("job-%d", i), schema.PriorityMedium, time.Unix(int64(i), 0)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok, err := store.Claim(ctx, time.Now())
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 50)
	for id, n := range seen {
		require.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestRetryPromotionAndPurge(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Unix(5000, 0)
	_, err := store.Insert(ctx, newJob("j1", schema.PriorityLow, now))
	require.NoError(t, err)
	_, _, err = store.Claim(ctx, now)
	require.NoError(t, err)
	require.NoError(t, store.Retry(ctx, "j1", 1, now.Add(time.Minute), "boom", now))

	n, err := store.PromoteDue(ctx, now.Add(59*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = store.PromoteDue(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = store.Claim(ctx, now)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "j1", "done", now))

	n, err = store.PurgeTerminal(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n, "job updated at the cutoff is retained")
	n, err = store.PurgeTerminal(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = store.Get(ctx, "j1")
	require.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestRecoverStaleClaims(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Unix(9000, 0)
	_, err := store.Insert(ctx, newJob("j1", schema.PriorityHigh, now))
	require.NoError(t, err)
	_, _, err = store.Claim(ctx, now)
	require.NoError(t, err)

	rec, err := store.RecoverStale(ctx, now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, rec.Retried)
	require.Empty(t, rec.Failed)
	j, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, schema.JobRetry, j.Status)
	require.Equal(t, 1, j.Attempts, "an expired claim spends an attempt")
}

func TestRecoverStaleFailsJobAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Unix(9000, 0)
	_, err := store.Insert(ctx, newJob("poison", schema.PriorityHigh, now))
	require.NoError(t, err)

	for round := 1; round <= 3; round++ {
		at := now.Add(time.Duration(round) * 10 * time.Minute)
		_, ok, err := store.Claim(ctx, at)
		require.NoError(t, err)
		require.True(t, ok, "round %d", round)
		rec, err := store.RecoverStale(ctx, at.Add(time.Minute), at.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, rec.Total())
		if round < 3 {
			require.Equal(t, []string{"poison"}, rec.Retried)
			_, err = store.PromoteDue(ctx, at.Add(2*time.Minute))
			require.NoError(t, err)
			continue
		}
		require.Equal(t, []string{"poison"}, rec.Failed)
	}

	j, err := store.Get(ctx, "poison")
	require.NoError(t, err)
	require.Equal(t, schema.JobFailed, j.Status)
	require.Equal(t, 3, j.Attempts)
	require.False(t, j.CompletedAt.IsZero())
	_, ok, err := store.Claim(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "a failed job is never claimed again")
}

func TestRequeueResetsSettledJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Unix(9000, 0)
	_, err := store.Insert(ctx, newJob("j1", schema.PriorityHigh, now))
	require.NoError(t, err)

	_, err = store.Requeue(ctx, "j1", schema.SyncPayload{Provider: schema.ProviderGoogle}, now)
	require.ErrorIs(t, err, jobstore.ErrBusy, "pending jobs cannot be requeued")
	_, err = store.Requeue(ctx, "missing", schema.SyncPayload{}, now)
	require.ErrorIs(t, err, jobstore.ErrNotFound)

	_, _, err = store.Claim(ctx, now)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "j1", 3, "permanent", now))

	payload := schema.SyncPayload{Provider: schema.ProviderGoogle, CorrelationID: "j1", BypassToken: "tok"}
	j, err := store.Requeue(ctx, "j1", payload, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, schema.JobPending, j.Status)
	require.Zero(t, j.Attempts)
	require.True(t, j.CompletedAt.IsZero())
	require.Equal(t, "tok", j.BypassToken())

	_, err = store.Requeue(ctx, "j1", schema.MeetingPayload{}, now.Add(time.Minute))
	require.Error(t, err)
}

func TestStatsCountsPendingPerPriority(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Unix(0, 0)
	for i, p := range []schema.Priority{schema.PriorityHigh, schema.PriorityHigh, schema.PriorityLow} {
		_, err := store.Insert(ctx, newJob(string(rune('x'+i)), p, now))
		require.NoError(t, err)
	}
	_, _, err := store.Claim(ctx, now)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Depth[schema.PriorityHigh])
	require.Equal(t, 0, stats.Depth[schema.PriorityMedium])
	require.Equal(t, 1, stats.Depth[schema.PriorityLow])
	require.Equal(t, 1, stats.InFlight)
}
