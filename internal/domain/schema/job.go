package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// JobKind selects the handler responsible for a job.
type JobKind string

const (
	JobKindSync         JobKind = "sync"
	JobKindMeetingEvent JobKind = "meeting_event"
)

// Priority orders jobs in the queue. It is fixed at creation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the buckets from most to least urgent.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityMedium, PriorityLow}
}

// Rank returns the dispatch rank of the priority; lower ranks are served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// JobStatus tracks the job lifecycle.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetry      JobStatus = "retry"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// DefaultMaxAttempts bounds processing attempts when a job does not specify one.
const DefaultMaxAttempts = 3

// JobPayload is the tagged union of job inputs. Implementations are SyncPayload and MeetingPayload.
type JobPayload interface {
	Kind() JobKind
	isJobPayload()
}

// SyncPayload asks the sync handler to pull calendar changes.
type SyncPayload struct {
	Provider      Provider   `json:"provider"`
	CalendarID    string     `json:"calendarId,omitempty"`
	ExternalID    string     `json:"externalId,omitempty"`
	ChangeKind    ChangeKind `json:"changeKind"`
	CorrelationID string     `json:"correlationId"`
	DeliveryID    string     `json:"deliveryId,omitempty"`
	ReceivedAt    time.Time  `json:"receivedAt"`
	// BypassToken is attached by an operator re-run and rides its first attempt only.
	BypassToken string `json:"bypassToken,omitempty"`
}

// Kind implements JobPayload.
func (SyncPayload) Kind() JobKind { return JobKindSync }
func (SyncPayload) isJobPayload() {}

// MeetingPayload carries a meeting-service lifecycle event.
type MeetingPayload struct {
	Provider      Provider     `json:"provider"`
	MeetingID     string       `json:"meetingId"`
	Event         MeetingEvent `json:"event"`
	StartTime     time.Time    `json:"startTime,omitempty"`
	CorrelationID string       `json:"correlationId"`
	ReceivedAt    time.Time    `json:"receivedAt"`
	BypassToken   string       `json:"bypassToken,omitempty"`
}

// Kind implements JobPayload.
func (MeetingPayload) Kind() JobKind { return JobKindMeetingEvent }
func (MeetingPayload) isJobPayload() {}

// Job is one unit of asynchronous work.
type Job struct {
	ID          string
	Kind        JobKind
	Priority    Priority
	Payload     JobPayload
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	NextRetryAt time.Time
	ClaimedAt   time.Time
	CompletedAt time.Time
	LastError   string
	Result      string
	Seq         int64
}

// Validate checks the structural invariants of a job before it is stored.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id required")
	}
	if !j.Priority.Valid() {
		return fmt.Errorf("job %s: invalid priority %q", j.ID, j.Priority)
	}
	if j.Payload == nil {
		return fmt.Errorf("job %s: payload required", j.ID)
	}
	if j.Payload.Kind() != j.Kind {
		return fmt.Errorf("job %s: payload kind %s does not match job kind %s", j.ID, j.Payload.Kind(), j.Kind)
	}
	if j.MaxAttempts <= 0 {
		return fmt.Errorf("job %s: maxAttempts must be >0", j.ID)
	}
	return nil
}

// BypassToken returns the operator bypass token usable by this attempt. A
// token is spent by its first redemption, so later attempts carry none.
func (j Job) BypassToken() string {
	if j.Attempts > 0 {
		return ""
	}
	switch p := j.Payload.(type) {
	case SyncPayload:
		return p.BypassToken
	case MeetingPayload:
		return p.BypassToken
	default:
		return ""
	}
}

// WithBypassToken returns a copy of p carrying token.
func WithBypassToken(p JobPayload, token string) JobPayload {
	switch v := p.(type) {
	case SyncPayload:
		v.BypassToken = token
		return v
	case MeetingPayload:
		v.BypassToken = token
		return v
	default:
		return p
	}
}

// ClassifyPriority derives the dispatch priority of a change event.
func ClassifyPriority(evt ChangeEvent) Priority {
	if evt.Provider.IsMeetingService() && evt.MeetingEvent.IsLive() {
		return PriorityHigh
	}
	switch evt.Kind {
	case ChangeUpdated, ChangeDeleted:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// NewJobFromChangeEvent builds a pending job for a normalized change event.
func NewJobFromChangeEvent(id string, evt ChangeEvent, maxAttempts int) Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	job := Job{
		ID:          id,
		Priority:    ClassifyPriority(evt),
		Status:      JobPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   evt.ReceivedAt,
		UpdatedAt:   evt.ReceivedAt,
	}
	if evt.Provider.IsMeetingService() {
		job.Kind = JobKindMeetingEvent
		job.Payload = MeetingPayload{
			Provider:      evt.Provider,
			MeetingID:     evt.ExternalID,
			Event:         evt.MeetingEvent,
			StartTime:     evt.MeetingStart,
			CorrelationID: evt.RawCorrelationID,
			ReceivedAt:    evt.ReceivedAt,
		}
		return job
	}
	job.Kind = JobKindSync
	job.Payload = SyncPayload{
		Provider:      evt.Provider,
		CalendarID:    evt.CalendarID,
		ExternalID:    evt.ExternalID,
		ChangeKind:    evt.Kind,
		CorrelationID: evt.RawCorrelationID,
		DeliveryID:    evt.DeliveryID,
		ReceivedAt:    evt.ReceivedAt,
	}
	return job
}

// EncodePayload serialises a payload for durable storage.
func EncodePayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload restores a payload using the job kind as discriminator.
func DecodePayload(kind JobKind, raw []byte) (JobPayload, error) {
	switch kind {
	case JobKindSync:
		var p SyncPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode sync payload: %w", err)
		}
		return p, nil
	case JobKindMeetingEvent:
		var p MeetingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode meeting payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode payload: unknown job kind %q", kind)
	}
}
