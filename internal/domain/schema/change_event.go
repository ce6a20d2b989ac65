package schema

import (
	"strings"
	"time"

	"github.com/coachpo/meetbridge/errs"
)

// ChangeKind classifies what changed at the provider.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeCalendar ChangeKind = "calendar"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeCalendar:
		return true
	default:
		return false
	}
}

// MeetingEvent names a meeting-service lifecycle notification.
type MeetingEvent string

const (
	MeetingCreated           MeetingEvent = "meeting.created"
	MeetingUpdated           MeetingEvent = "meeting.updated"
	MeetingDeleted           MeetingEvent = "meeting.deleted"
	MeetingStarted           MeetingEvent = "meeting.started"
	MeetingEnded             MeetingEvent = "meeting.ended"
	MeetingParticipantJoined MeetingEvent = "meeting.participant_joined"
	MeetingParticipantLeft   MeetingEvent = "meeting.participant_left"
)

// IsLive reports whether the event describes a meeting that is happening right now.
func (e MeetingEvent) IsLive() bool {
	switch e {
	case MeetingStarted, MeetingEnded, MeetingParticipantJoined, MeetingParticipantLeft:
		return true
	default:
		return false
	}
}

// ChangeKind maps a lifecycle event onto the generic change classification.
func (e MeetingEvent) ChangeKind() ChangeKind {
	switch e {
	case MeetingCreated:
		return ChangeCreated
	case MeetingDeleted:
		return ChangeDeleted
	default:
		return ChangeUpdated
	}
}

// ChangeEvent is the provider-agnostic description of one webhook notification.
// It is passed by value and never mutated after construction.
type ChangeEvent struct {
	Provider         Provider
	ExternalID       string
	CalendarID       string
	Kind             ChangeKind
	MeetingEvent     MeetingEvent
	MeetingStart     time.Time
	ReceivedAt       time.Time
	RawCorrelationID string
	// DeliveryID is the provider's per-notification sequence, when it sends one.
	// Redeliveries of one notification share it.
	DeliveryID string
}

// NewChangeEvent validates the required fields of a change event.
func NewChangeEvent(evt ChangeEvent) (ChangeEvent, error) {
	if !evt.Provider.Valid() {
		return ChangeEvent{}, errs.New(string(evt.Provider), errs.CodeInvalid, errs.WithMessage("unknown provider"))
	}
	if !evt.Kind.Valid() {
		return ChangeEvent{}, errs.New(string(evt.Provider), errs.CodeInvalid, errs.WithMessage("unknown change kind "+string(evt.Kind)))
	}
	evt.RawCorrelationID = strings.TrimSpace(evt.RawCorrelationID)
	if evt.RawCorrelationID == "" {
		return ChangeEvent{}, errs.New(string(evt.Provider), errs.CodeInvalid, errs.WithMessage("correlation id required"))
	}
	evt.ExternalID = strings.TrimSpace(evt.ExternalID)
	evt.CalendarID = strings.TrimSpace(evt.CalendarID)
	evt.DeliveryID = strings.TrimSpace(evt.DeliveryID)
	if evt.ReceivedAt.IsZero() {
		return ChangeEvent{}, errs.New(string(evt.Provider), errs.CodeInvalid, errs.WithMessage("receivedAt required"))
	}
	return evt, nil
}
