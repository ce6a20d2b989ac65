package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meetbridge/internal/domain/protectionstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// BreakerStore persists circuit breaker snapshots so an open breaker survives a restart.
type BreakerStore struct {
	pool *pgxpool.Pool
}

// NewBreakerStore constructs a BreakerStore backed by the provided pool.
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

const (
	breakerUpsertSQL = `
INSERT INTO circuit_breakers (
    provider, state, failure_count, success_count, total_requests,
    last_failure_time, last_state_change, reset_time, updated_at
)
VALUES (
    @provider, @state, @failure_count, @success_count, @total_requests,
    @last_failure_time, @last_state_change, @reset_time, NOW()
)
ON CONFLICT (provider) DO UPDATE SET
    state = EXCLUDED.state,
    failure_count = EXCLUDED.failure_count,
    success_count = EXCLUDED.success_count,
    total_requests = EXCLUDED.total_requests,
    last_failure_time = EXCLUDED.last_failure_time,
    last_state_change = EXCLUDED.last_state_change,
    reset_time = EXCLUDED.reset_time,
    updated_at = NOW();
`

	breakerSelectSQL = `
SELECT provider, state, failure_count, success_count, total_requests,
    last_failure_time, last_state_change, reset_time
FROM circuit_breakers
ORDER BY provider;
`
)

// SaveBreaker upserts the snapshot of one provider.
func (s *BreakerStore) SaveBreaker(ctx context.Context, st schema.CircuitBreakerState) error {
	if s.pool == nil {
		return fmt.Errorf("breaker store: nil pool")
	}
	args := pgx.NamedArgs{
		"provider":          string(st.Provider),
		"state":             string(st.State),
		"failure_count":     st.FailureCount,
		"success_count":     st.SuccessCount,
		"total_requests":    st.TotalRequests,
		"last_failure_time": nullableTime(st.LastFailureTime),
		"last_state_change": st.LastStateChange.UTC(),
		"reset_time":        nullableTime(st.ResetTime),
	}
	if _, err := s.pool.Exec(ctx, breakerUpsertSQL, args); err != nil {
		return fmt.Errorf("breaker store: save %s: %w", st.Provider, err)
	}
	return nil
}

// LoadBreakers returns every stored snapshot.
func (s *BreakerStore) LoadBreakers(ctx context.Context) ([]schema.CircuitBreakerState, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("breaker store: nil pool")
	}
	rows, err := s.pool.Query(ctx, breakerSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("breaker store: load: %w", err)
	}
	defer rows.Close()
	var out []schema.CircuitBreakerState
	for rows.Next() {
		var (
			st                   schema.CircuitBreakerState
			provider, state      string
			lastFailure, resetAt *time.Time
		)
		if err := rows.Scan(&provider, &state, &st.FailureCount, &st.SuccessCount, &st.TotalRequests,
			&lastFailure, &st.LastStateChange, &resetAt); err != nil {
			return nil, fmt.Errorf("breaker store: scan: %w", err)
		}
		st.Provider = schema.Provider(provider)
		st.State = schema.BreakerState(state)
		st.LastFailureTime = timeValue(lastFailure)
		st.LastStateChange = st.LastStateChange.UTC()
		st.ResetTime = timeValue(resetAt)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("breaker store: rows: %w", err)
	}
	return out, nil
}

var _ protectionstore.Store = (*BreakerStore)(nil)
