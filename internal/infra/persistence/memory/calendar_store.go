package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

type providerKey struct {
	provider schema.Provider
	key      string
}

// CalendarStore keeps subscriptions, commitments, sync state and meeting links in memory.
type CalendarStore struct {
	mu            sync.RWMutex
	subscriptions map[providerKey]schema.Subscription
	commitments   map[string]schema.Commitment
	syncStates    map[providerKey]schema.SyncState
	links         map[providerKey]schema.MeetingLink
}

// NewCalendarStore creates an empty store.
func NewCalendarStore() *CalendarStore {
	return &CalendarStore{
		subscriptions: make(map[providerKey]schema.Subscription),
		commitments:   make(map[string]schema.Commitment),
		syncStates:    make(map[providerKey]schema.SyncState),
		links:         make(map[providerKey]schema.MeetingLink),
	}
}

// PutSubscription registers a notification channel.
func (s *CalendarStore) PutSubscription(_ context.Context, sub schema.Subscription) error {
	s.mu.Lock()
	s.subscriptions[providerKey{sub.Provider, sub.CorrelationKey}] = sub
	s.mu.Unlock()
	return nil
}

// LookupSubscription resolves a channel.
func (s *CalendarStore) LookupSubscription(_ context.Context, p schema.Provider, correlationKey string) (schema.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[providerKey{p, correlationKey}]
	if !ok {
		return schema.Subscription{}, calendarstore.ErrNotFound
	}
	return sub, nil
}

// ListCommitments returns the user's commitments intersecting [from, to), ordered by start.
func (s *CalendarStore) ListCommitments(_ context.Context, userID string, from, to time.Time) ([]schema.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Commitment
	for _, c := range s.commitments {
		if c.UserID != userID {
			continue
		}
		if schema.IntervalsOverlap(c.Start, c.End, from, to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyCommitment upserts a commitment; the same etag is a no-op.
func (s *CalendarStore) ApplyCommitment(_ context.Context, c schema.Commitment) (calendarstore.ApplyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.commitments[c.ID]
	if ok && c.ETag != "" && existing.ETag == c.ETag {
		return calendarstore.ApplyUnchanged, nil
	}
	s.commitments[c.ID] = c
	if ok {
		return calendarstore.ApplyUpdated, nil
	}
	return calendarstore.ApplyInserted, nil
}

// RemoveCommitment deletes a commitment, reporting whether it existed.
func (s *CalendarStore) RemoveCommitment(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commitments[id]; !ok {
		return false, nil
	}
	delete(s.commitments, id)
	return true, nil
}

// GetSyncState returns the sync progress of a calendar.
func (s *CalendarStore) GetSyncState(_ context.Context, p schema.Provider, calendarID string) (schema.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.syncStates[providerKey{p, calendarID}]
	if !ok {
		return schema.SyncState{}, calendarstore.ErrNotFound
	}
	return st, nil
}

// SaveSyncState stores sync progress.
func (s *CalendarStore) SaveSyncState(_ context.Context, st schema.SyncState) error {
	s.mu.Lock()
	s.syncStates[providerKey{st.Provider, st.CalendarID}] = st
	s.mu.Unlock()
	return nil
}

// PutMeetingLink stores a meeting link.
func (s *CalendarStore) PutMeetingLink(_ context.Context, link schema.MeetingLink) error {
	s.mu.Lock()
	s.links[providerKey{link.MeetingProvider, link.MeetingID}] = link
	s.mu.Unlock()
	return nil
}

// GetMeetingLink returns the link of a meeting.
func (s *CalendarStore) GetMeetingLink(_ context.Context, p schema.Provider, meetingID string) (schema.MeetingLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[providerKey{p, meetingID}]
	if !ok {
		return schema.MeetingLink{}, calendarstore.ErrNotFound
	}
	return link, nil
}

// DeleteMeetingLink removes a meeting link.
func (s *CalendarStore) DeleteMeetingLink(_ context.Context, p schema.Provider, meetingID string) error {
	s.mu.Lock()
	delete(s.links, providerKey{p, meetingID})
	s.mu.Unlock()
	return nil
}

var _ calendarstore.Store = (*CalendarStore)(nil)
