package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/conflictstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// ConflictStore keeps pending resolutions keyed by candidate id.
type ConflictStore struct {
	mu      sync.Mutex
	records map[string]schema.PendingResolution
}

// NewConflictStore creates an empty store.
func NewConflictStore() *ConflictStore {
	return &ConflictStore{records: make(map[string]schema.PendingResolution)}
}

// Save inserts or replaces the pending record of a candidate.
func (s *ConflictStore) Save(_ context.Context, p schema.PendingResolution) error {
	s.mu.Lock()
	s.records[p.CandidateID] = p
	s.mu.Unlock()
	return nil
}

// Get returns the record of a candidate.
func (s *ConflictStore) Get(_ context.Context, candidateID string) (schema.PendingResolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[candidateID]
	if !ok {
		return schema.PendingResolution{}, conflictstore.ErrNotFound
	}
	return p, nil
}

// ListExpired returns open records whose decision window closed, oldest first.
func (s *ConflictStore) ListExpired(_ context.Context, now time.Time, limit int) ([]schema.PendingResolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.PendingResolution
	for _, p := range s.records {
		if p.Status == schema.PendingOpen && p.Expired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkAbandoned closes an open record without a decision.
func (s *ConflictStore) MarkAbandoned(_ context.Context, candidateID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[candidateID]
	if !ok {
		return conflictstore.ErrNotFound
	}
	p.Status = schema.PendingAbandoned
	p.DecidedAt = now
	s.records[candidateID] = p
	return nil
}

// MarkDecided stores a human decision.
func (s *ConflictStore) MarkDecided(_ context.Context, candidateID string, decisions []schema.ResolutionResult, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[candidateID]
	if !ok {
		return conflictstore.ErrNotFound
	}
	p.Status = schema.PendingDecided
	p.Decisions = decisions
	p.DecidedAt = now
	s.records[candidateID] = p
	return nil
}

var _ conflictstore.Store = (*ConflictStore)(nil)
