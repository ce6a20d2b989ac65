// Package protectionstore defines persistence contracts for circuit breaker state.
package protectionstore

import (
	"context"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Store saves and restores breaker snapshots so an open breaker survives a restart.
type Store interface {
	SaveBreaker(ctx context.Context, state schema.CircuitBreakerState) error
	LoadBreakers(ctx context.Context) ([]schema.CircuitBreakerState, error)
}
