package syncjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/notify"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

type syncSummary struct {
	fetched   int
	applied   int
	removed   int
	unchanged int
	conflicts int
	pending   int
}

func (s syncSummary) String() string {
	return fmt.Sprintf("fetched=%d applied=%d removed=%d unchanged=%d conflicts=%d pending=%d",
		s.fetched, s.applied, s.removed, s.unchanged, s.conflicts, s.pending)
}

// HandleSync pulls the changes of the subscribed calendar, mirrors them and
// checks every changed commitment for conflicts. A notification received at or
// before the last fetch, or a repeat of one synced within the settle window,
// is already covered and costs no outbound call.
func (h *Handlers) HandleSync(ctx context.Context, job schema.Job) (string, error) {
	payload, ok := job.Payload.(schema.SyncPayload)
	if !ok {
		return "", errs.New("syncjob", errs.CodePermanent, errs.WithMessage("sync job carries a foreign payload"))
	}
	p := payload.Provider

	sub, err := h.calendars.LookupSubscription(ctx, p, payload.CorrelationID)
	if errors.Is(err, calendarstore.ErrNotFound) {
		return "", errs.New(string(p), errs.CodeNotFound,
			errs.WithMessage("no subscription for channel "+payload.CorrelationID), errs.WithCause(err))
	}
	if err != nil {
		return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("lookup subscription"), errs.WithCause(err))
	}
	calendarID := sub.CalendarID
	if calendarID == "" {
		calendarID = payload.CalendarID
	}

	state, err := h.calendars.GetSyncState(ctx, p, calendarID)
	switch {
	case errors.Is(err, calendarstore.ErrNotFound):
		state = schema.SyncState{Provider: p, CalendarID: calendarID}
	case err != nil:
		return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("load sync state"), errs.WithCause(err))
	}
	if !state.LastSyncedAt.IsZero() && !payload.ReceivedAt.After(state.LastSyncedAt) {
		h.log.Debug("sync already covered",
			zap.String("job_id", job.ID),
			zap.String("calendar_id", calendarID),
			zap.Time("last_synced_at", state.LastSyncedAt))
		return "up to date", nil
	}
	key := settleKey(payload, calendarID)
	if synced, ok := h.settled.Get(key); ok && !payload.ReceivedAt.After(synced.Add(h.cfg.SettleWindow)) {
		h.log.Debug("redelivered notification skipped",
			zap.String("job_id", job.ID),
			zap.String("calendar_id", calendarID),
			zap.Time("synced_at", synced))
		return "already applied", nil
	}

	fetchStart := h.now()
	resp, err := h.listChanges(ctx, p, calendarID, state.SyncToken, job.BypassToken())
	if err != nil {
		return "", err
	}

	var summary syncSummary
	summary.fetched = len(resp.Events)
	changed := make([]schema.Commitment, 0, len(resp.Events))
	for _, evt := range resp.Events {
		c := evt.ToCommitment(p, sub.UserID)
		if evt.Cancelled {
			removed, err := h.calendars.RemoveCommitment(ctx, c.ID)
			if err != nil {
				return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("remove commitment"), errs.WithCause(err))
			}
			if removed {
				summary.removed++
			} else {
				summary.unchanged++
			}
			continue
		}
		outcome, err := h.calendars.ApplyCommitment(ctx, c)
		if err != nil {
			return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("apply commitment"), errs.WithCause(err))
		}
		if outcome == calendarstore.ApplyUnchanged {
			summary.unchanged++
			continue
		}
		summary.applied++
		changed = append(changed, c)
	}

	strategy := sub.Strategy
	if !strategy.Valid() {
		strategy = h.cfg.DefaultStrategy
	}
	for _, c := range changed {
		detected, pending, err := h.checkConflicts(ctx, sub.UserID, c, strategy)
		if err != nil {
			return "", err
		}
		summary.conflicts += detected
		summary.pending += pending
	}
	if summary.applied+summary.removed > 0 && summary.conflicts == 0 {
		h.notify(ctx, notify.Notification{
			UserID:   sub.UserID,
			Topic:    notify.TopicCalendarChanged,
			Provider: p,
			Summary:  fmt.Sprintf("%d event(s) changed, %d removed in %s", summary.applied, summary.removed, calendarID),
		})
	}

	if err := h.calendars.SaveSyncState(ctx, schema.SyncState{
		Provider:     p,
		CalendarID:   calendarID,
		SyncToken:    resp.NextSyncToken,
		LastSyncedAt: fetchStart,
	}); err != nil {
		return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("save sync state"), errs.WithCause(err))
	}
	h.settled.Put(key, fetchStart, settleMarkerTTL(h.cfg.SettleWindow))
	h.log.Info("calendar synced",
		zap.String("job_id", job.ID),
		zap.String("provider", string(p)),
		zap.String("calendar_id", calendarID),
		zap.Stringer("summary", summary))
	return summary.String(), nil
}

// listChanges fetches incrementally, falling back to a full sync when the
// provider no longer recognises the sync token. A bypass token is spent on the
// first request only.
func (h *Handlers) listChanges(ctx context.Context, p schema.Provider, calendarID, token, bypass string) (provider.Response, error) {
	req := provider.Request{Provider: p, Operation: provider.OpListChanges, CalendarID: calendarID, SyncToken: token, BypassToken: bypass}
	resp, err := h.invoker.Invoke(ctx, req)
	if err != nil && token != "" && errs.Is(err, errs.CodeNotFound) {
		h.log.Info("sync token expired, running full sync",
			zap.String("provider", string(p)),
			zap.String("calendar_id", calendarID))
		req.SyncToken = ""
		req.BypassToken = ""
		resp, err = h.invoker.Invoke(ctx, req)
	}
	return resp, err
}

func (h *Handlers) checkConflicts(ctx context.Context, userID string, c schema.Commitment, strategy schema.ResolutionStrategy) (int, int, error) {
	if !c.End.After(c.Start) {
		return 0, 0, nil
	}
	conflicts, err := h.engine.Detect(ctx, userID, c, h.cfg.Detect)
	if err != nil {
		return 0, 0, err
	}
	if len(conflicts) == 0 {
		return 0, 0, nil
	}
	results, err := h.engine.Resolve(ctx, userID, c, conflicts, strategy, h.cfg.Preferences)
	if err != nil {
		return 0, 0, err
	}
	pending := 0
	for _, r := range results {
		if r.Status == schema.ResolutionPending {
			pending++
		}
	}
	topic := notify.TopicConflictResolved
	summary := fmt.Sprintf("%d conflict(s) for %q settled with %s", len(conflicts), c.Title, strategy)
	if pending > 0 {
		topic = notify.TopicDecisionRequired
		summary = fmt.Sprintf("%d conflict(s) for %q need a decision", pending, c.Title)
	}
	h.notify(ctx, notify.Notification{
		UserID:       userID,
		Topic:        topic,
		Provider:     c.Provider,
		CommitmentID: c.ID,
		Summary:      summary,
		Results:      results,
	})
	return len(conflicts), pending, nil
}

// settleKey identifies one notification independent of when it was delivered.
func settleKey(p schema.SyncPayload, calendarID string) string {
	return strings.Join([]string{
		string(p.Provider), calendarID, p.CorrelationID, p.ExternalID, string(p.ChangeKind), p.DeliveryID,
	}, "|")
}

// settleMarkerTTL keeps markers long enough to catch redeliveries that wait in
// the queue behind other work.
func settleMarkerTTL(window time.Duration) time.Duration {
	if ttl := 10 * time.Minute; ttl > window {
		return ttl
	}
	return window
}
