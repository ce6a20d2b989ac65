package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/meetbridge/internal/domain/protectionstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// BreakerStore keeps the latest breaker snapshot per provider.
type BreakerStore struct {
	mu     sync.Mutex
	states map[schema.Provider]schema.CircuitBreakerState
}

// NewBreakerStore creates an empty store.
func NewBreakerStore() *BreakerStore {
	return &BreakerStore{states: make(map[schema.Provider]schema.CircuitBreakerState)}
}

// SaveBreaker replaces the snapshot of a provider.
func (s *BreakerStore) SaveBreaker(_ context.Context, st schema.CircuitBreakerState) error {
	s.mu.Lock()
	s.states[st.Provider] = st
	s.mu.Unlock()
	return nil
}

// LoadBreakers returns every stored snapshot ordered by provider.
func (s *BreakerStore) LoadBreakers(_ context.Context) ([]schema.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.CircuitBreakerState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

var _ protectionstore.Store = (*BreakerStore)(nil)
