package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/meetbridge/db/migrations"
	"github.com/coachpo/meetbridge/internal/app/conflict"
	"github.com/coachpo/meetbridge/internal/app/gateway"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/app/normalize"
	"github.com/coachpo/meetbridge/internal/app/notify"
	"github.com/coachpo/meetbridge/internal/app/protection"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/app/queue"
	"github.com/coachpo/meetbridge/internal/app/syncjob"
	"github.com/coachpo/meetbridge/internal/app/verify"
	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/conflictstore"
	"github.com/coachpo/meetbridge/internal/domain/jobstore"
	"github.com/coachpo/meetbridge/internal/domain/protectionstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/adapters/fake"
	"github.com/coachpo/meetbridge/internal/infra/config"
	"github.com/coachpo/meetbridge/internal/infra/persistence/memory"
	"github.com/coachpo/meetbridge/internal/infra/persistence/migrations"
	"github.com/coachpo/meetbridge/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/meetbridge/internal/infra/server/http"
)

// stores bundles the repositories selected by the store backend.
type stores struct {
	jobs      jobstore.Store
	conflicts conflictstore.Store
	calendars calendarstore.Store
	breakers  protectionstore.Store
	db        *postgres.Store
}

// application is the wired gateway: request path, workers and HTTP surface.
type application struct {
	log       *zap.Logger
	stores    stores
	providers map[schema.Provider]*fake.Provider
	guard     *protection.Guard
	queue     *queue.Queue
	engine    *conflict.Engine
	handlers  *syncjob.Handlers
	gateway   *gateway.Gateway
	handler   http.Handler
	registry  *prometheus.Registry
}

func build(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (*application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sink := monitor.Multi(monitor.NewLogSink(logger), monitor.NewMetricsSink())

	invokers := provider.NewRegistry()
	simulated := make(map[schema.Provider]*fake.Provider, len(schema.Providers()))
	for i, p := range schema.Providers() {
		sim := fake.New(fake.Options{
			Provider:      p,
			LatencyMin:    cfg.Fake.LatencyMin,
			LatencyMax:    cfg.Fake.LatencyMax,
			ErrorRate:     cfg.Fake.ErrorRate,
			RateLimitRate: cfg.Fake.RateLimitRate,
			Seed:          int64(i + 1),
		})
		invokers.Register(p, sim)
		simulated[p] = sim
	}

	registry := protection.NewRegistry(protectionConfig(cfg.Protection), time.Now)
	guardOpts := []protection.GuardOption{
		protection.WithLogger(logger),
		protection.WithMonitor(sink),
	}
	if cfg.Protection.PersistBreakers {
		states, err := st.breakers.LoadBreakers(ctx)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("load breaker state: %w", err)
		}
		registry.Restore(states)
		guardOpts = append(guardOpts, protection.WithStateStore(st.breakers))
		logger.Info("breaker state restored", zap.Int("providers", len(states)))
	}
	guard := protection.NewGuard(registry, invokers, guardOpts...)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	q := queue.New(st.jobs, queueConfig(cfg.Queue),
		queue.WithLogger(logger),
		queue.WithMonitor(sink),
		queue.WithMetrics(queue.NewMetrics(promRegistry)),
	)

	engine := conflict.NewEngine(st.calendars, st.conflicts, conflictConfig(cfg.Conflicts),
		conflict.WithLogger(logger),
		conflict.WithMonitor(sink),
	)

	handlers := syncjob.New(syncjobConfig(cfg.Conflicts), st.calendars, engine, guard, guard,
		syncjob.WithLogger(logger),
		syncjob.WithNotifier(notify.NewLogNotifier(logger)),
	)
	handlers.Register(q)

	gw := gateway.New(gatewayConfig(cfg), verify.New(webhookSecrets(cfg.Webhooks)), normalize.New(), q,
		gateway.WithLogger(logger),
		gateway.WithMonitor(sink),
	)

	handler := httpserver.NewHandler(httpserver.Deps{
		Webhooks:          gw,
		Jobs:              q,
		Protection:        guard,
		Conflicts:         engine,
		Metrics:           promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Logger:            logger,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		StreamInterval:    cfg.Server.StreamInterval,
		TrustForwardedFor: cfg.Server.TrustForwardedFor,
		AdminToken:        cfg.Server.AdminToken,
	})

	return &application{
		log:       logger,
		stores:    st,
		providers: simulated,
		guard:     guard,
		queue:     q,
		engine:    engine,
		handlers:  handlers,
		gateway:   gw,
		handler:   handler,
		registry:  promRegistry,
	}, nil
}

// start launches the background loops; each stops when ctx is cancelled.
func (a *application) start(ctx context.Context, lifecycle *conc.WaitGroup) {
	loops := map[string]func(context.Context) error{
		"queue":      a.queue.Run,
		"protection": a.guard.Run,
		"conflicts":  a.engine.Run,
		"syncjob":    a.handlers.Run,
		"gateway":    a.gateway.Run,
	}
	for name, run := range loops {
		lifecycle.Go(func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("background loop stopped", zap.String("loop", name), zap.Error(err))
			}
		})
	}
}

func (a *application) close() {
	a.stores.close()
}

func (s stores) close() {
	if s.db != nil {
		s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (stores, error) {
	if cfg.Store != config.StorePostgres {
		return stores{
			jobs:      memory.NewJobStore(),
			conflicts: memory.NewConflictStore(),
			calendars: memory.NewCalendarStore(),
			breakers:  memory.NewBreakerStore(),
		}, nil
	}

	db := cfg.Database
	if db.RunMigrations {
		if err := migrations.ApplyFS(ctx, db.DSN, dbmigrations.Files, logger.Named("migrations")); err != nil {
			return stores{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, db.DSN, db.MaxConns, db.MinConns, db.MaxConnLifetime, db.MaxConnIdleTime, db.HealthCheckPeriod)
	if err != nil {
		return stores{}, err
	}
	postgres.ObservePoolMetrics(pool, "meetbridge")
	store := postgres.New(pool)
	logger.Info("postgres store connected", zap.Int32("max_conns", db.MaxConns))
	return stores{
		jobs:      store.Jobs(),
		conflicts: store.Conflicts(),
		calendars: store.Calendars(),
		breakers:  store.Breakers(),
		db:        store,
	}, nil
}

func protectionConfig(cfg config.ProtectionConfig) protection.Config {
	return protection.Config{
		FailureThreshold:    cfg.FailureThreshold,
		VolumeThreshold:     cfg.VolumeThreshold,
		RecoveryTimeout:     cfg.RecoveryTimeout,
		SuccessThreshold:    cfg.SuccessThreshold,
		HalfOpenMaxCalls:    cfg.HalfOpenProbes,
		BaseThrottle:        cfg.BaseDelay,
		MaxThrottle:         cfg.MaxDelay,
		AdaptationFactor:    cfg.AdaptationFactor,
		AdjustInterval:      cfg.ThrottleDecayEvery,
		HealthResetInterval: cfg.HealthResetPeriod,
		RequestsPerSecond:   cfg.LocalRatePerSecond,
		Burst:               cfg.LocalBurst,
		BypassTTL:           cfg.BypassTTL,
	}
}

func queueConfig(cfg config.QueueConfig) queue.Config {
	def := queue.DefaultConfig()
	def.Concurrency = cfg.Concurrency
	def.PollInterval = cfg.PollInterval
	def.RetrySweepInterval = cfg.RetrySweepInterval
	def.CleanupInterval = cfg.CleanupInterval
	def.Retention = cfg.Retention
	def.JobTimeout = cfg.JobTimeout
	def.StaleClaimAfter = cfg.StaleClaimAfter
	def.MaxAttempts = cfg.MaxAttempts
	def.BaseBackoff = cfg.BaseBackoff
	def.MaxBackoff = cfg.MaxBackoff
	return def
}

func conflictConfig(cfg config.ConflictsConfig) conflict.Config {
	return conflict.Config{
		DefaultBufferMinutes: cfg.BufferMinutes,
		PendingTTL:           cfg.PendingTTL,
		SkewTolerance:        cfg.SkewTolerance,
		SweepInterval:        cfg.SweepInterval,
		WorkdayStart:         cfg.WorkdayStart,
		WorkdayEnd:           cfg.WorkdayEnd,
	}
}

func syncjobConfig(cfg config.ConflictsConfig) syncjob.Config {
	out := syncjob.DefaultConfig()
	out.ImminentWindow = cfg.ImminentWindow
	out.SettleWindow = cfg.SettleWindow
	out.DefaultStrategy = schema.ResolutionStrategy(cfg.DefaultStrategy)
	if cfg.BufferMinutes > 0 {
		out.Detect.BufferMinutes = cfg.BufferMinutes
	}
	return out
}

func gatewayConfig(cfg config.AppConfig) gateway.Config {
	out := gateway.Config{
		DefaultLimit: gateway.Limit{
			PerMinute: cfg.Webhooks.DefaultRateLimit.PerMinute,
			Burst:     cfg.Webhooks.DefaultRateLimit.Burst,
		},
		Limits:      make(map[schema.Provider]gateway.Limit),
		LimiterIdle: cfg.Webhooks.LimiterIdle,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	for name, pc := range cfg.Webhooks.Providers {
		p, ok := schema.ParseProvider(name)
		if !ok || pc.RateLimit == (config.RateLimitConfig{}) {
			continue
		}
		out.Limits[p] = gateway.Limit{PerMinute: pc.RateLimit.PerMinute, Burst: pc.RateLimit.Burst}
	}
	return out
}

func webhookSecrets(cfg config.WebhooksConfig) verify.Secrets {
	return verify.Secrets{
		GoogleChannelToken:   cfg.Provider(string(schema.ProviderGoogle)).Secret,
		MicrosoftClientState: cfg.Provider(string(schema.ProviderMicrosoft)).Secret,
		ZoomSecret:           cfg.Provider(string(schema.ProviderZoom)).Secret,
		CalDAVAPIKey:         cfg.Provider(string(schema.ProviderCalDAV)).Secret,
	}
}
