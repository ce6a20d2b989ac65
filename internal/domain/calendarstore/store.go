// Package calendarstore defines persistence contracts for subscriptions, mirrored
// commitments, sync progress and meeting links.
package calendarstore

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// ErrNotFound is returned when a lookup has no match.
var ErrNotFound = errors.New("calendarstore: not found")

// ApplyOutcome reports what ApplyCommitment did.
type ApplyOutcome string

const (
	ApplyInserted  ApplyOutcome = "inserted"
	ApplyUpdated   ApplyOutcome = "updated"
	ApplyUnchanged ApplyOutcome = "unchanged"
)

// Subscriptions resolves notification channels to users and calendars.
type Subscriptions interface {
	PutSubscription(ctx context.Context, sub schema.Subscription) error
	LookupSubscription(ctx context.Context, provider schema.Provider, correlationKey string) (schema.Subscription, error)
}

// Commitments stores a user's schedule.
type Commitments interface {
	ListCommitments(ctx context.Context, userID string, from, to time.Time) ([]schema.Commitment, error)
	// ApplyCommitment upserts by id; an identical etag leaves the row untouched.
	ApplyCommitment(ctx context.Context, c schema.Commitment) (ApplyOutcome, error)
	RemoveCommitment(ctx context.Context, id string) (bool, error)
}

// SyncStates tracks incremental sync progress per calendar.
type SyncStates interface {
	GetSyncState(ctx context.Context, provider schema.Provider, calendarID string) (schema.SyncState, error)
	SaveSyncState(ctx context.Context, state schema.SyncState) error
}

// MeetingLinks ties meetings to mirrored calendar events.
type MeetingLinks interface {
	PutMeetingLink(ctx context.Context, link schema.MeetingLink) error
	GetMeetingLink(ctx context.Context, provider schema.Provider, meetingID string) (schema.MeetingLink, error)
	DeleteMeetingLink(ctx context.Context, provider schema.Provider, meetingID string) error
}

// Store groups every calendar persistence concern.
type Store interface {
	Subscriptions
	Commitments
	SyncStates
	MeetingLinks
}
