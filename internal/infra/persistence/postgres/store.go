package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/meetbridge/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Jobs returns the job repository.
func (s *Store) Jobs() *JobStore { return NewJobStore(s.Pool()) }

// Conflicts returns the pending resolution repository.
func (s *Store) Conflicts() *ConflictStore { return NewConflictStore(s.Pool()) }

// Breakers returns the breaker snapshot repository.
func (s *Store) Breakers() *BreakerStore { return NewBreakerStore(s.Pool()) }

// Calendars returns the calendar mirror repository.
func (s *Store) Calendars() *CalendarStore { return NewCalendarStore(s.Pool()) }

// Connect opens a pool with the supplied sizing and verifies connectivity.
func Connect(ctx context.Context, dsn string, maxConns, minConns int32, lifetime, idle, healthCheck time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	if lifetime > 0 {
		cfg.MaxConnLifetime = lifetime
	}
	if idle > 0 {
		cfg.MaxConnIdleTime = idle
	}
	if healthCheck > 0 {
		cfg.HealthCheckPeriod = healthCheck
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type querier interface {
	execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
