// Package persistence holds the database handle shared by the SQL-backed
// job, conflict, breaker and calendar repositories.
package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

var errNoPool = errors.New("persistence: nil pool")

// Store owns the pgx pool behind the repositories. Closing it closes the pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps pool. A nil pool is allowed; every repository built from it
// then fails with a nil pool error.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the shared pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.Pool() == nil {
		return errNoPool
	}
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection. Safe to call more than once.
func (s *Store) Close() {
	if s.Pool() == nil {
		return
	}
	s.pool.Close()
}
