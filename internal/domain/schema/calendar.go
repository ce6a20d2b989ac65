package schema

import "time"

// Subscription binds a provider notification channel to the user and calendar it watches.
type Subscription struct {
	Provider       Provider           `json:"provider"`
	CorrelationKey string             `json:"correlationKey"`
	UserID         string             `json:"userId"`
	CalendarID     string             `json:"calendarId"`
	Strategy       ResolutionStrategy `json:"strategy,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// SyncState records how far a calendar has been pulled.
type SyncState struct {
	Provider     Provider  `json:"provider"`
	CalendarID   string    `json:"calendarId"`
	SyncToken    string    `json:"syncToken,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// ExternalEvent is a provider calendar event as returned by list_changes.
type ExternalEvent struct {
	ID         string    `json:"id"`
	CalendarID string    `json:"calendarId"`
	Title      string    `json:"title,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Location   string    `json:"location,omitempty"`
	InPerson   bool      `json:"inPerson"`
	Cancelled  bool      `json:"cancelled"`
	ETag       string    `json:"etag"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ToCommitment mirrors an external event onto a user's schedule.
func (e ExternalEvent) ToCommitment(provider Provider, userID string) Commitment {
	status := CommitmentConfirmed
	if e.Cancelled {
		status = CommitmentCancelled
	}
	return Commitment{
		ID:         string(provider) + ":" + e.CalendarID + ":" + e.ID,
		UserID:     userID,
		Kind:       CommitmentExternalEvent,
		Title:      e.Title,
		Start:      e.Start,
		End:        e.End,
		Status:     status,
		InPerson:   e.InPerson,
		Location:   e.Location,
		Provider:   provider,
		CalendarID: e.CalendarID,
		ExternalID: e.ID,
		ETag:       e.ETag,
		UpdatedAt:  e.UpdatedAt,
	}
}

// MeetingStatus is the live state of a meeting-service meeting.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingLive      MeetingStatus = "live"
	MeetingFinished  MeetingStatus = "finished"
	MeetingRemoved   MeetingStatus = "removed"
)

// MeetingLink ties a meeting-service meeting to the calendar event mirroring it.
type MeetingLink struct {
	MeetingProvider  Provider      `json:"meetingProvider"`
	MeetingID        string        `json:"meetingId"`
	UserID           string        `json:"userId"`
	CalendarProvider Provider      `json:"calendarProvider"`
	CalendarID       string        `json:"calendarId"`
	EventID          string        `json:"eventId"`
	Start            time.Time     `json:"start"`
	Status           MeetingStatus `json:"status"`
	Participants     int           `json:"participants"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}
