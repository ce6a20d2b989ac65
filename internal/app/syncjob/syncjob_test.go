package syncjob

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/conflict"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/app/notify"
	"github.com/coachpo/meetbridge/internal/app/protection"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/app/queue"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/adapters/fake"
	"github.com/coachpo/meetbridge/internal/infra/persistence/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

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

type harness struct {
	clock     *clock
	calendars *memory.CalendarStore
	google    *fake.Provider
	guard     *protection.Guard
	monitor   *monitor.Recorder
	notes     *notify.Recorder
	handlers  *Handlers
	engine    *conflict.Engine
}

func newHarness(t *testing.T, pcfg protection.Config) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		clock:     clk,
		calendars: memory.NewCalendarStore(),
		google:    fake.New(fake.Options{Provider: schema.ProviderGoogle, Now: clk.Now}),
		monitor:   monitor.NewRecorder(0),
		notes:     &notify.Recorder{},
	}
	invokers := provider.NewRegistry()
	invokers.Register(schema.ProviderGoogle, h.google)
	h.guard = protection.NewGuard(protection.NewRegistry(pcfg, clk.Now), invokers,
		protection.WithMonitor(h.monitor),
		protection.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	h.engine = conflict.NewEngine(h.calendars, memory.NewConflictStore(), conflict.Config{}, conflict.WithClock(clk.Now))
	h.handlers = New(DefaultConfig(), h.calendars, h.engine, h.guard, h.guard,
		WithNotifier(h.notes), WithClock(clk.Now))

	require.NoError(t, h.calendars.PutSubscription(context.Background(), schema.Subscription{
		Provider:       schema.ProviderGoogle,
		CorrelationKey: "chan-1",
		UserID:         "pro-1",
		CalendarID:     "primary",
	}))
	return h
}

func (h *harness) syncJob(receivedAt time.Time) schema.Job {
	return schema.Job{
		ID:       "job-" + receivedAt.Format("150405.000"),
		Kind:     schema.JobKindSync,
		Priority: schema.PriorityMedium,
		Payload: schema.SyncPayload{
			Provider:      schema.ProviderGoogle,
			ChangeKind:    schema.ChangeUpdated,
			CorrelationID: "chan-1",
			ReceivedAt:    receivedAt,
		},
		MaxAttempts: 3,
	}
}

func TestSyncMirrorsChangesAndSkipsCoveredNotifications(t *testing.T) {
	h := newHarness(t, protection.Config{})
	ctx := context.Background()
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	h.google.Seed("primary", schema.ExternalEvent{ID: "e1", Title: "Dentist", Start: start, End: start.Add(time.Hour)})

	first := h.clock.Now()
	result, err := h.handlers.HandleSync(ctx, h.syncJob(first))
	require.NoError(t, err)
	require.Contains(t, result, "applied=1")

	items, err := h.calendars.ListCommitments(ctx, "pro-1", start.Add(-time.Hour), start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "google:primary:e1", items[0].ID)
	require.Len(t, h.notes.ByTopic(notify.TopicCalendarChanged), 1)

	state, err := h.calendars.GetSyncState(ctx, schema.ProviderGoogle, "primary")
	require.NoError(t, err)
	require.Equal(t, first, state.LastSyncedAt)
	require.NotEmpty(t, state.SyncToken)

	// Redelivery of the same notification performs no outbound call.
	calls := h.google.TotalCalls()
	result, err = h.handlers.HandleSync(ctx, h.syncJob(first))
	require.NoError(t, err)
	require.Equal(t, "up to date", result)
	require.Equal(t, calls, h.google.TotalCalls())

	// A later notification pulls only the delta.
	h.clock.Advance(time.Minute)
	require.True(t, h.google.Cancel("primary", "e1"))
	result, err = h.handlers.HandleSync(ctx, h.syncJob(h.clock.Now()))
	require.NoError(t, err)
	require.Contains(t, result, "removed=1")
	items, err = h.calendars.ListCommitments(ctx, "pro-1", start.Add(-time.Hour), start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRedeliveryWithinSettleWindowMakesNoOutboundCall(t *testing.T) {
	h := newHarness(t, protection.Config{})
	ctx := context.Background()
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	h.google.Seed("primary", schema.ExternalEvent{ID: "e1", Title: "Dentist", Start: start, End: start.Add(time.Hour)})

	first := h.clock.Now()
	h.clock.Advance(20 * time.Millisecond)
	result, err := h.handlers.HandleSync(ctx, h.syncJob(first))
	require.NoError(t, err)
	require.Contains(t, result, "applied=1")
	calls := h.google.TotalCalls()

	h.clock.Advance(time.Second)
	result, err = h.handlers.HandleSync(ctx, h.syncJob(first.Add(500*time.Millisecond)))
	require.NoError(t, err)
	require.Equal(t, "already applied", result)
	require.Equal(t, calls, h.google.TotalCalls())

	items, err := h.calendars.ListCommitments(ctx, "pro-1", start.Add(-time.Hour), start.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestDistinctDeliveryWithinSettleWindowStillSyncs(t *testing.T) {
	h := newHarness(t, protection.Config{})
	ctx := context.Background()

	first := h.clock.Now()
	job := h.syncJob(first)
	payload := job.Payload.(schema.SyncPayload)
	payload.DeliveryID = "7"
	job.Payload = payload
	_, err := h.handlers.HandleSync(ctx, job)
	require.NoError(t, err)
	calls := h.google.TotalCalls()

	h.clock.Advance(time.Second)
	next := h.syncJob(first.Add(500 * time.Millisecond))
	payload = next.Payload.(schema.SyncPayload)
	payload.DeliveryID = "8"
	next.Payload = payload
	result, err := h.handlers.HandleSync(ctx, next)
	require.NoError(t, err)
	require.NotEqual(t, "already applied", result)
	require.Greater(t, h.google.TotalCalls(), calls)

	// Markers outlive the window so late redeliveries are still matched, but
	// only within the window measured from the covering sync.
	h.clock.Advance(time.Minute)
	late := h.syncJob(h.clock.Now())
	payload = late.Payload.(schema.SyncPayload)
	payload.DeliveryID = "8"
	late.Payload = payload
	calls = h.google.TotalCalls()
	_, err = h.handlers.HandleSync(ctx, late)
	require.NoError(t, err)
	require.Greater(t, h.google.TotalCalls(), calls)
	require.Zero(t, h.handlers.Sweep())
}

func TestSyncRaisesPendingDecisionForConflicts(t *testing.T) {
	h := newHarness(t, protection.Config{})
	ctx := context.Background()
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	_, err := h.calendars.ApplyCommitment(ctx, schema.Commitment{
		ID: "appt-1", UserID: "pro-1", Kind: schema.CommitmentAppointment, Title: "Consultation",
		Start: start, End: start.Add(time.Hour), Status: schema.CommitmentConfirmed,
	})
	require.NoError(t, err)
	h.google.Seed("primary", schema.ExternalEvent{ID: "e2", Title: "Gym", Start: start.Add(30 * time.Minute), End: start.Add(90 * time.Minute)})

	result, err := h.handlers.HandleSync(ctx, h.syncJob(h.clock.Now()))
	require.NoError(t, err)
	require.Contains(t, result, "conflicts=2")

	decisions := h.notes.ByTopic(notify.TopicDecisionRequired)
	require.Len(t, decisions, 1)
	require.Equal(t, "google:primary:e2", decisions[0].CommitmentID)

	pending, err := h.engine.Pending(ctx, "google:primary:e2")
	require.NoError(t, err)
	require.Equal(t, schema.PendingOpen, pending.Status)
}

func TestSyncUnknownSubscriptionIsPermanent(t *testing.T) {
	h := newHarness(t, protection.Config{})
	job := h.syncJob(h.clock.Now())
	payload := job.Payload.(schema.SyncPayload)
	payload.CorrelationID = "unknown"
	job.Payload = payload
	_, err := h.handlers.HandleSync(context.Background(), job)
	require.True(t, errs.IsPermanent(err))
}

func TestSyncRecoversFromExpiredToken(t *testing.T) {
	h := newHarness(t, protection.Config{})
	ctx := context.Background()
	require.NoError(t, h.calendars.SaveSyncState(ctx, schema.SyncState{
		Provider: schema.ProviderGoogle, CalendarID: "primary", SyncToken: "v999", LastSyncedAt: h.clock.Now().Add(-time.Hour),
	}))
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	h.google.Seed("primary", schema.ExternalEvent{ID: "e1", Start: start, End: start.Add(time.Hour)})

	result, err := h.handlers.HandleSync(ctx, h.syncJob(h.clock.Now()))
	require.NoError(t, err)
	require.Contains(t, result, "fetched=1")
	require.Equal(t, 2, h.google.Calls(provider.OpListChanges))
}

func linkMeeting(t *testing.T, h *harness, start time.Time) {
	t.Helper()
	evt := h.google.Seed("primary", schema.ExternalEvent{ID: "ev-zoom", Title: "Session", Start: start, End: start.Add(time.Hour)})
	_, err := h.calendars.ApplyCommitment(context.Background(), evt.ToCommitment(schema.ProviderGoogle, "pro-1"))
	require.NoError(t, err)
	require.NoError(t, h.calendars.PutMeetingLink(context.Background(), schema.MeetingLink{
		MeetingProvider:  schema.ProviderZoom,
		MeetingID:        "m-1",
		UserID:           "pro-1",
		CalendarProvider: schema.ProviderGoogle,
		CalendarID:       "primary",
		EventID:          "ev-zoom",
		Start:            start,
		Status:           schema.MeetingScheduled,
	}))
}

func meetingJob(event schema.MeetingEvent, receivedAt time.Time) schema.Job {
	return schema.Job{
		ID:       "m-" + string(event),
		Kind:     schema.JobKindMeetingEvent,
		Priority: schema.PriorityHigh,
		Payload: schema.MeetingPayload{
			Provider:      schema.ProviderZoom,
			MeetingID:     "m-1",
			Event:         event,
			CorrelationID: "m-1",
			ReceivedAt:    receivedAt,
		},
		MaxAttempts: 3,
	}
}

func tripBreaker(t *testing.T, h *harness) {
	t.Helper()
	h.google.FailNext(http.StatusServiceUnavailable)
	_, err := h.guard.Invoke(context.Background(), provider.Request{Provider: schema.ProviderGoogle, Operation: provider.OpListCalendars})
	require.Error(t, err)
	require.Equal(t, schema.BreakerOpen, h.guard.Status(schema.ProviderGoogle).Breaker.State)
}

func TestImminentMeetingDeletionBypassesOpenBreaker(t *testing.T) {
	h := newHarness(t, protection.Config{FailureThreshold: 1, VolumeThreshold: 1})
	linkMeeting(t, h, h.clock.Now().Add(10*time.Minute))
	tripBreaker(t, h)

	result, err := h.handlers.HandleMeeting(context.Background(), meetingJob(schema.MeetingDeleted, h.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, string(schema.MeetingRemoved), result)

	evt, ok := h.google.Event("primary", "ev-zoom")
	require.True(t, ok)
	require.True(t, evt.Cancelled)
	require.Equal(t, 1, h.monitor.Count(monitor.KindBypassIssued))
	require.Equal(t, 1, h.monitor.Count(monitor.KindBypassUsed))
	require.Len(t, h.notes.ByTopic(notify.TopicMeetingCancelled), 1)

	link, err := h.calendars.GetMeetingLink(context.Background(), schema.ProviderZoom, "m-1")
	require.NoError(t, err)
	require.Equal(t, schema.MeetingRemoved, link.Status)
}

func TestDistantMeetingDeletionWaitsForBreaker(t *testing.T) {
	h := newHarness(t, protection.Config{FailureThreshold: 1, VolumeThreshold: 1})
	linkMeeting(t, h, h.clock.Now().Add(2*time.Hour))
	tripBreaker(t, h)

	_, err := h.handlers.HandleMeeting(context.Background(), meetingJob(schema.MeetingDeleted, h.clock.Now()))
	require.True(t, errs.Is(err, errs.CodeCircuitOpen))
	require.False(t, errs.IsPermanent(err))
	require.Zero(t, h.monitor.Count(monitor.KindBypassIssued))

	link, err := h.calendars.GetMeetingLink(context.Background(), schema.ProviderZoom, "m-1")
	require.NoError(t, err)
	require.Equal(t, schema.MeetingScheduled, link.Status)
}

func TestOperatorBypassTokenRunsDistantDeletionThroughOpenBreaker(t *testing.T) {
	h := newHarness(t, protection.Config{FailureThreshold: 1, VolumeThreshold: 1})
	linkMeeting(t, h, h.clock.Now().Add(2*time.Hour))
	tripBreaker(t, h)
	ctx := context.Background()

	tok, err := h.guard.IssueBypass(ctx, schema.ProviderGoogle, provider.OpDeleteEvent, "manual cleanup", "ops")
	require.NoError(t, err)
	job := meetingJob(schema.MeetingDeleted, h.clock.Now())
	job.Payload = schema.WithBypassToken(job.Payload, tok.Token)

	result, err := h.handlers.HandleMeeting(ctx, job)
	require.NoError(t, err)
	require.Equal(t, string(schema.MeetingRemoved), result)
	require.Equal(t, 1, h.monitor.Count(monitor.KindBypassIssued), "no token minted beyond the operator's")
	require.Equal(t, 1, h.monitor.Count(monitor.KindBypassUsed))
	evt, ok := h.google.Event("primary", "ev-zoom")
	require.True(t, ok)
	require.True(t, evt.Cancelled)
}

func TestOperatorBypassTokenSyncsThroughOpenBreaker(t *testing.T) {
	h := newHarness(t, protection.Config{FailureThreshold: 1, VolumeThreshold: 1})
	ctx := context.Background()
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	h.google.Seed("primary", schema.ExternalEvent{ID: "e1", Start: start, End: start.Add(time.Hour)})
	tripBreaker(t, h)

	_, err := h.handlers.HandleSync(ctx, h.syncJob(h.clock.Now()))
	require.True(t, errs.Is(err, errs.CodeCircuitOpen))

	tok, err := h.guard.IssueBypass(ctx, schema.ProviderGoogle, provider.OpListChanges, "replay outage backlog", "ops")
	require.NoError(t, err)
	job := h.syncJob(h.clock.Now())
	job.Payload = schema.WithBypassToken(job.Payload, tok.Token)
	result, err := h.handlers.HandleSync(ctx, job)
	require.NoError(t, err)
	require.Contains(t, result, "applied=1")
	require.Equal(t, 1, h.monitor.Count(monitor.KindBypassUsed))

	// The token is single use and does not carry over to a retry.
	job.Attempts = 1
	require.Empty(t, job.BypassToken())
}

func TestMeetingLifecycleIsIdempotent(t *testing.T) {
	h := newHarness(t, protection.Config{})
	linkMeeting(t, h, h.clock.Now().Add(time.Hour))
	ctx := context.Background()
	at := h.clock.Now()

	result, err := h.handlers.HandleMeeting(ctx, meetingJob(schema.MeetingStarted, at))
	require.NoError(t, err)
	require.Equal(t, string(schema.MeetingLive), result)

	result, err = h.handlers.HandleMeeting(ctx, meetingJob(schema.MeetingStarted, at))
	require.NoError(t, err)
	require.Equal(t, "already applied", result)
	require.Len(t, h.notes.ByTopic(notify.TopicMeetingStarted), 1)

	_, err = h.handlers.HandleMeeting(ctx, meetingJob(schema.MeetingParticipantJoined, at.Add(time.Second)))
	require.NoError(t, err)
	_, err = h.handlers.HandleMeeting(ctx, meetingJob(schema.MeetingParticipantJoined, at.Add(time.Second)))
	require.NoError(t, err)
	link, err := h.calendars.GetMeetingLink(ctx, schema.ProviderZoom, "m-1")
	require.NoError(t, err)
	require.Equal(t, 1, link.Participants)

	result, err = h.handlers.HandleMeeting(ctx, meetingJob(schema.MeetingEnded, at.Add(time.Minute)))
	require.NoError(t, err)
	require.Equal(t, string(schema.MeetingFinished), result)
}

func TestUnlinkedMeetingIsIgnored(t *testing.T) {
	h := newHarness(t, protection.Config{})
	result, err := h.handlers.HandleMeeting(context.Background(), meetingJob(schema.MeetingStarted, h.clock.Now()))
	require.NoError(t, err)
	require.Equal(t, "not linked", result)
}

func TestQueueDrivesHandlersEndToEnd(t *testing.T) {
	h := newHarness(t, protection.Config{})
	start := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	h.google.Seed("primary", schema.ExternalEvent{ID: "e1", Start: start, End: start.Add(time.Hour)})

	q := queue.New(memory.NewJobStore(), queue.Config{}, queue.WithClock(h.clock.Now))
	h.handlers.Register(q)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, h.syncJob(h.clock.Now()))
	require.NoError(t, err)

	processed, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := q.Job(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.JobCompleted, job.Status)
	require.Contains(t, job.Result, "applied=1")
}
