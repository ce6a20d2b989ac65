package protection

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/protectionstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/telemetry"
)

// Guard wraps a provider.Invoker with breaker, throttle and bypass handling.
type Guard struct {
	registry *Registry
	invoker  provider.Invoker
	bypass   *BypassIssuer
	sink     monitor.Sink
	store    protectionstore.Store
	log      *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	calls       metric.Int64Counter
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

// GuardOption customises a Guard.
type GuardOption func(*Guard)

// WithMonitor reports transitions and bypass usage to sink.
func WithMonitor(sink monitor.Sink) GuardOption {
	return func(g *Guard) { g.sink = monitor.OrNop(sink) }
}

// WithStateStore persists breaker transitions.
func WithStateStore(store protectionstore.Store) GuardOption {
	return func(g *Guard) { g.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) GuardOption {
	return func(g *Guard) {
		if log != nil {
			g.log = log.Named("protection")
		}
	}
}

// WithSleeper replaces the throttle sleep, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) GuardOption {
	return func(g *Guard) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// WithBypassIssuer shares a token issuer between guards and admin surfaces.
func WithBypassIssuer(b *BypassIssuer) GuardOption {
	return func(g *Guard) {
		if b != nil {
			g.bypass = b
		}
	}
}

// NewGuard builds a guard over registry and invoker.
func NewGuard(registry *Registry, invoker provider.Invoker, opts ...GuardOption) *Guard {
	g := &Guard{
		registry: registry,
		invoker:  invoker,
		sink:     monitor.Nop{},
		log:      zap.NewNop(),
		now:      registry.now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.bypass == nil {
		g.bypass = NewBypassIssuer(registry.cfg.BypassTTL, registry.now)
	}
	meter := otel.Meter("protection")
	g.calls, _ = meter.Int64Counter("protection.calls",
		metric.WithDescription("Guarded provider calls by result"),
		metric.WithUnit("{call}"))
	g.transitions, _ = meter.Int64Counter("protection.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	g.latency, _ = meter.Float64Histogram("protection.call.duration",
		metric.WithDescription("Provider call latency"),
		metric.WithUnit("ms"))
	return g
}

// Registry exposes the underlying provider registry.
func (g *Guard) Registry() *Registry { return g.registry }

// Status is getProtectionStatus for one provider.
func (g *Guard) Status(p schema.Provider) schema.ProtectionStatus { return g.registry.Status(p) }

// Statuses returns the status of every provider.
func (g *Guard) Statuses() []schema.ProtectionStatus { return g.registry.Statuses() }

// IssueBypass mints a bypass token and writes an audit record.
func (g *Guard) IssueBypass(ctx context.Context, p schema.Provider, op provider.Operation, reason, issuedBy string) (BypassToken, error) {
	tok, err := g.bypass.Issue(p, op, reason, issuedBy)
	if err != nil {
		return BypassToken{}, err
	}
	g.log.Info("bypass token issued",
		zap.String("provider", string(p)),
		zap.String("operation", string(op)),
		zap.String("reason", tok.Reason),
		zap.String("issued_by", tok.IssuedBy),
		zap.Time("expires_at", tok.ExpiresAt))
	g.sink.Record(ctx, monitor.Event{
		Kind:     monitor.KindBypassIssued,
		Level:    monitor.LevelWarning,
		Provider: p,
		Message:  "bypass token issued",
		Fields:   map[string]string{"operation": string(op), "reason": tok.Reason, "issued_by": tok.IssuedBy},
		At:       tok.IssuedAt,
	})
	return tok, nil
}

// Invoke performs a guarded call. A request carrying a bypass token skips the
// breaker and the throttle; otherwise an open breaker rejects the call without
// reaching the provider, and a rate-limited call is retried once after the
// adaptive throttle delay.
func (g *Guard) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	if !req.Provider.Valid() {
		return provider.Response{}, errs.New(string(req.Provider), errs.CodeInvalid, errs.WithMessage("unknown provider"))
	}
	e := g.registry.entry(req.Provider)
	if req.BypassToken != "" {
		return g.invokeBypassed(ctx, e, req)
	}

	resp, err := g.attempt(ctx, e, req)
	if !errs.Is(err, errs.CodeRateLimited) {
		return resp, err
	}

	now := g.now()
	hint, _ := errs.RetryAt(err)
	delay := e.throttleDelay(&g.registry.cfg, hint, now)
	g.log.Debug("rate limited, throttling before retry",
		zap.String("provider", string(req.Provider)),
		zap.String("operation", string(req.Operation)),
		zap.Duration("delay", delay))
	if serr := g.sleep(ctx, delay); serr != nil {
		return provider.Response{}, serr
	}
	resp, err = g.attempt(ctx, e, req)
	if errs.Is(err, errs.CodeRateLimited) {
		return provider.Response{}, errs.New(string(req.Provider), errs.CodeRateLimited,
			errs.WithMessage("still rate limited after throttle"),
			errs.WithField("operation", string(req.Operation)),
			errs.WithRemediation("lower the call rate or raise the provider quota"),
			errs.WithCause(err))
	}
	return resp, err
}

func (g *Guard) attempt(ctx context.Context, e *entry, req provider.Request) (provider.Response, error) {
	now := g.now()
	probe, tr, err := e.admit(now)
	g.publish(ctx, tr)
	if err != nil {
		g.countCall(ctx, req, telemetry.ResultRejected)
		return provider.Response{}, err
	}

	if ok, retryAt := e.reserve(now); !ok {
		e.release(probe)
		g.countCall(ctx, req, telemetry.ResultRateLimited)
		return provider.Response{}, errs.New(string(req.Provider), errs.CodeRateLimited,
			errs.WithMessage("local rate limit saturated"),
			errs.WithRetryAt(retryAt),
			errs.WithRemediation("raise protection.localRatePerSecond if the provider quota allows"))
	}

	recorded := false
	defer func() {
		if !recorded {
			e.release(probe)
		}
	}()

	resp, latency, callErr := g.call(ctx, req)
	o, healthy := classify(callErr)
	tr = e.record(o, healthy, probe, latency, g.now())
	recorded = true
	g.publish(ctx, tr)

	result := telemetry.ResultSuccess
	switch {
	case errs.Is(callErr, errs.CodeRateLimited):
		result = telemetry.ResultRateLimited
	case callErr != nil:
		result = telemetry.ResultError
	}
	g.countCall(ctx, req, result)
	g.latency.Record(ctx, float64(latency)/float64(time.Millisecond),
		metric.WithAttributes(telemetry.CallAttributes(string(req.Provider), string(req.Operation), result)...))
	return resp, callErr
}

func (g *Guard) invokeBypassed(ctx context.Context, e *entry, req provider.Request) (provider.Response, error) {
	tok, err := g.bypass.Consume(req.BypassToken, req.Provider, req.Operation)
	if err != nil {
		g.log.Warn("bypass token rejected",
			zap.String("provider", string(req.Provider)),
			zap.String("operation", string(req.Operation)),
			zap.Error(err))
		g.sink.Record(ctx, monitor.Event{
			Kind:     monitor.KindSecurityViolation,
			Level:    monitor.LevelWarning,
			Provider: req.Provider,
			Message:  "bypass token rejected",
			Fields:   map[string]string{"operation": string(req.Operation)},
			At:       g.now(),
		})
		return provider.Response{}, err
	}
	g.log.Warn("bypassing circuit breaker and throttle",
		zap.String("provider", string(req.Provider)),
		zap.String("operation", string(req.Operation)),
		zap.String("reason", tok.Reason),
		zap.String("issued_by", tok.IssuedBy))
	g.sink.Record(ctx, monitor.Event{
		Kind:     monitor.KindBypassUsed,
		Level:    monitor.LevelWarning,
		Provider: req.Provider,
		Message:  "bypass token used",
		Fields:   map[string]string{"operation": string(req.Operation), "reason": tok.Reason, "issued_by": tok.IssuedBy},
		At:       g.now(),
	})

	req.BypassToken = ""
	resp, latency, callErr := g.call(ctx, req)
	_, healthy := classify(callErr)
	e.recordHealth(healthy, latency)
	result := telemetry.ResultBypassed
	if callErr != nil {
		result = telemetry.ResultError
	}
	g.countCall(ctx, req, result)
	return resp, callErr
}

func (g *Guard) call(ctx context.Context, req provider.Request) (provider.Response, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.registry.cfg.CallTimeout)
	defer cancel()
	start := g.now()
	resp, err := g.invoker.Invoke(callCtx, req)
	latency := g.now().Sub(start)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = errs.New(string(req.Provider), errs.CodeTransient,
			errs.WithMessage("provider call timed out"),
			errs.WithField("operation", string(req.Operation)),
			errs.WithCause(err))
	}
	resp.Latency = latency
	return resp, latency, err
}

// classify maps a call error onto a breaker outcome and a health sample.
func classify(err error) (outcome, bool) {
	switch {
	case err == nil:
		return outcomeSuccess, true
	case errors.Is(err, context.Canceled):
		return outcomeNeutral, true
	case errs.Is(err, errs.CodeRateLimited):
		return outcomeNeutral, false
	case errs.IsPermanent(err):
		// The provider answered; the request itself was wrong.
		return outcomeSuccess, true
	default:
		return outcomeFailure, false
	}
}

func (g *Guard) publish(ctx context.Context, tr *transition) {
	if tr == nil {
		return
	}
	g.transitions.Add(ctx, 1, metric.WithAttributes(
		telemetry.BreakerTransitionAttributes(string(tr.provider), string(tr.from), string(tr.to))...))
	fields := []zap.Field{
		zap.String("provider", string(tr.provider)),
		zap.String("from", string(tr.from)),
		zap.String("to", string(tr.to)),
		zap.Int("failures", tr.snapshot.FailureCount),
		zap.Int("total_requests", tr.snapshot.TotalRequests),
	}
	level := monitor.LevelInfo
	if tr.to == schema.BreakerOpen {
		level = monitor.LevelCritical
		g.log.Warn("circuit breaker opened", append(fields, zap.Time("reset_time", tr.snapshot.ResetTime))...)
	} else {
		g.log.Info("circuit breaker transition", fields...)
	}
	g.sink.Record(ctx, monitor.Event{
		Kind:     monitor.KindBreakerTransition,
		Level:    level,
		Provider: tr.provider,
		Message:  "circuit breaker " + string(tr.from) + " -> " + string(tr.to),
		Fields:   map[string]string{"from": string(tr.from), "to": string(tr.to)},
		At:       tr.at,
	})
	if g.store != nil {
		if err := g.store.SaveBreaker(context.WithoutCancel(ctx), tr.snapshot); err != nil {
			g.log.Warn("persist breaker state failed", zap.String("provider", string(tr.provider)), zap.Error(err))
		}
	}
}

func (g *Guard) countCall(ctx context.Context, req provider.Request, result string) {
	g.calls.Add(ctx, 1, metric.WithAttributes(
		telemetry.CallAttributes(string(req.Provider), string(req.Operation), result)...))
}

// Run drives the throttle adaptation and health reset cycles until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	cfg := g.registry.cfg
	adjust := time.NewTicker(cfg.AdjustInterval)
	defer adjust.Stop()
	reset := time.NewTicker(cfg.HealthResetInterval)
	defer reset.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-adjust.C:
			g.registry.AdjustThrottles()
			if n := g.bypass.Sweep(); n > 0 {
				g.log.Debug("expired bypass tokens evicted", zap.Int("count", n))
			}
		case <-reset.C:
			g.registry.ResetHealth()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ provider.Invoker = (*Guard)(nil)
