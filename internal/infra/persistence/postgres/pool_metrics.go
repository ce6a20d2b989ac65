package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meetbridge/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"meetbridge_db_pool_connections_total", "Total connections (idle + acquired + constructing)", func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"meetbridge_db_pool_connections_idle", "Idle connections ready for checkout", func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"meetbridge_db_pool_connections_acquired", "Connections held by the queue workers and stores", func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"meetbridge_db_pool_connections_constructing", "Connections currently being constructed", func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
	{"meetbridge_db_pool_acquire_waits", "Acquires that had to wait for a free connection", func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() }},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
// Queue claims hold a connection for the duration of the claim transaction, so
// acquire waits are the first sign of an undersized pool.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)
	meter := otel.Meter("postgres.pool")
	for _, g := range poolGauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
