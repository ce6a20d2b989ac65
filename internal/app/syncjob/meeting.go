package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/notify"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// HandleMeeting applies a meeting lifecycle event to the linked booking.
// Events older than the last applied one are ignored, which makes redelivery a no-op.
func (h *Handlers) HandleMeeting(ctx context.Context, job schema.Job) (string, error) {
	payload, ok := job.Payload.(schema.MeetingPayload)
	if !ok {
		return "", errs.New("syncjob", errs.CodePermanent, errs.WithMessage("meeting job carries a foreign payload"))
	}
	p := payload.Provider

	link, err := h.calendars.GetMeetingLink(ctx, p, payload.MeetingID)
	if errors.Is(err, calendarstore.ErrNotFound) {
		h.log.Debug("meeting has no linked booking",
			zap.String("provider", string(p)),
			zap.String("meeting_id", payload.MeetingID))
		return "not linked", nil
	}
	if err != nil {
		return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("load meeting link"), errs.WithCause(err))
	}
	if !link.UpdatedAt.IsZero() && !payload.ReceivedAt.After(link.UpdatedAt) {
		return "already applied", nil
	}
	if link.Status == schema.MeetingRemoved {
		return "meeting removed", nil
	}

	var topic notify.Topic
	switch payload.Event {
	case schema.MeetingCreated, schema.MeetingUpdated:
		link.Status = schema.MeetingScheduled
		if !payload.StartTime.IsZero() {
			link.Start = payload.StartTime
		}
	case schema.MeetingStarted:
		link.Status = schema.MeetingLive
		topic = notify.TopicMeetingStarted
	case schema.MeetingParticipantJoined:
		link.Status = schema.MeetingLive
		link.Participants++
	case schema.MeetingParticipantLeft:
		if link.Participants > 0 {
			link.Participants--
		}
	case schema.MeetingEnded:
		link.Status = schema.MeetingFinished
		link.Participants = 0
		topic = notify.TopicMeetingEnded
	case schema.MeetingDeleted:
		if err := h.removeLinkedEvent(ctx, link, job.BypassToken()); err != nil {
			return "", err
		}
		link.Status = schema.MeetingRemoved
		topic = notify.TopicMeetingCancelled
	default:
		return "", errs.New(string(p), errs.CodeInvalid, errs.WithMessage("unsupported meeting event "+string(payload.Event)))
	}

	link.UpdatedAt = payload.ReceivedAt
	if err := h.calendars.PutMeetingLink(ctx, link); err != nil {
		return "", errs.New(string(p), errs.CodeUnavailable, errs.WithMessage("save meeting link"), errs.WithCause(err))
	}
	if topic != "" {
		h.notify(ctx, notify.Notification{
			UserID:       link.UserID,
			Topic:        topic,
			Provider:     p,
			CommitmentID: mirroredID(link),
			Summary:      fmt.Sprintf("meeting %s %s", link.MeetingID, link.Status),
		})
	}
	return string(link.Status), nil
}

func mirroredID(link schema.MeetingLink) string {
	if link.EventID == "" {
		return ""
	}
	return string(link.CalendarProvider) + ":" + link.CalendarID + ":" + link.EventID
}

// removeLinkedEvent deletes the calendar event mirroring a cancelled meeting.
// Meetings about to start are removed with a bypass token so an open breaker
// cannot leave a phantom booking on the calendar. An operator token attached
// to the job wins over minting one.
func (h *Handlers) removeLinkedEvent(ctx context.Context, link schema.MeetingLink, bypass string) error {
	if link.EventID == "" || link.CalendarProvider == "" {
		return nil
	}
	req := provider.Request{
		Provider:    link.CalendarProvider,
		Operation:   provider.OpDeleteEvent,
		CalendarID:  link.CalendarID,
		EventID:     link.EventID,
		BypassToken: bypass,
	}
	now := h.now()
	if req.BypassToken == "" && h.bypass != nil && !link.Start.IsZero() && link.Start.Sub(now) <= h.cfg.ImminentWindow {
		tok, err := h.bypass.IssueBypass(ctx, link.CalendarProvider, provider.OpDeleteEvent,
			fmt.Sprintf("meeting %s cancelled %s before start", link.MeetingID, link.Start.Sub(now).Round(time.Second)), "syncjob")
		if err != nil {
			return err
		}
		req.BypassToken = tok.Token
	}
	if _, err := h.invoker.Invoke(ctx, req); err != nil && !errs.Is(err, errs.CodeNotFound) {
		return err
	}
	if _, err := h.calendars.RemoveCommitment(ctx, mirroredID(link)); err != nil {
		return errs.New(string(link.CalendarProvider), errs.CodeUnavailable, errs.WithMessage("remove commitment"), errs.WithCause(err))
	}
	return nil
}
