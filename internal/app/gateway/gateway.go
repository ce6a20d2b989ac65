// Package gateway is the synchronous webhook entry point. It authenticates and
// normalises a provider notification, then hands it to the job queue.
package gateway

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/monitor"
	"github.com/coachpo/meetbridge/internal/app/normalize"
	"github.com/coachpo/meetbridge/internal/app/verify"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/cache"
	"github.com/coachpo/meetbridge/internal/infra/telemetry"
)

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job schema.Job) (string, error)
}

// Request is one inbound webhook delivery.
type Request struct {
	Provider string
	Headers  http.Header
	Query    url.Values
	Body     []byte
	SourceIP string
}

// ZoomChallenge is the meeting provider's URL validation reply.
type ZoomChallenge struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

// Response is the gateway's answer. Echo, when set, is written verbatim as
// text/plain; Challenge, when set, replaces the acknowledgement body.
type Response struct {
	Status     int
	Success    bool
	WebhookID  string
	Message    string
	RetryAfter time.Duration
	Echo       string
	Challenge  *ZoomChallenge
}

// Ack is the JSON acknowledgement body.
type Ack struct {
	Success   bool   `json:"success"`
	WebhookID string `json:"webhookId"`
	Message   string `json:"message"`
}

// Body returns the value the transport should serialise.
func (r Response) Body() any {
	if r.Challenge != nil {
		return r.Challenge
	}
	return Ack{Success: r.Success, WebhookID: r.WebhookID, Message: r.Message}
}

// RetryAfterSeconds renders RetryAfter for the Retry-After header, rounding up.
func (r Response) RetryAfterSeconds() string {
	if r.RetryAfter <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", int64(math.Ceil(r.RetryAfter.Seconds())))
}

// Gateway composes verification, normalisation and enqueueing.
type Gateway struct {
	cfg        Config
	verifier   *verify.Verifier
	normalizer *normalize.Normalizer
	queue      Enqueuer
	limiters   *cache.TTLCache[string, *rate.Limiter]
	sink       monitor.Sink
	log        *zap.Logger
	now        func() time.Time
	newID      func() string

	received metric.Int64Counter
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log.Named("gateway")
		}
	}
}

// WithMonitor reports rejections to sink.
func WithMonitor(sink monitor.Sink) Option {
	return func(g *Gateway) { g.sink = monitor.OrNop(sink) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithIDGenerator overrides webhook id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// New builds a gateway.
func New(cfg Config, verifier *verify.Verifier, normalizer *normalize.Normalizer, queue Enqueuer, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:        cfg.withDefaults(),
		verifier:   verifier,
		normalizer: normalizer,
		queue:      queue,
		sink:       monitor.Nop{},
		log:        zap.NewNop(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.limiters = cache.NewTTLCache[string, *rate.Limiter](cache.WithClock(g.now))
	g.received, _ = otel.Meter("gateway").Int64Counter("gateway.webhooks",
		metric.WithDescription("Inbound webhook deliveries by provider and result"),
		metric.WithUnit("{request}"))
	return g
}

// Handle processes one delivery. It never panics; unexpected failures become 500.
func (g *Gateway) Handle(ctx context.Context, req Request) (resp Response) {
	webhookID := g.newID()
	providerName := strings.ToLower(strings.TrimSpace(req.Provider))
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("webhook handler panic",
				zap.String("webhook_id", webhookID),
				zap.String("provider", providerName),
				zap.Any("panic", r))
			resp = g.reject(ctx, schema.Provider(providerName), webhookID, http.StatusInternalServerError, "internal error", monitor.KindWebhookRejected)
		}
		g.count(ctx, providerName, resp.Status)
	}()

	p, ok := schema.ParseProvider(providerName)
	if !ok {
		return g.reject(ctx, schema.Provider(providerName), webhookID, http.StatusBadRequest, "unknown provider", monitor.KindWebhookRejected)
	}
	if retryAfter, limited := g.limit(p, req.SourceIP); limited {
		resp = g.reject(ctx, p, webhookID, http.StatusTooManyRequests, "rate limit exceeded", monitor.KindWebhookRejected)
		resp.RetryAfter = retryAfter
		return resp
	}
	if p == schema.ProviderMicrosoft {
		if token := req.Query.Get("validationToken"); token != "" {
			g.log.Info("subscription validation", zap.String("webhook_id", webhookID))
			return Response{Status: http.StatusOK, Success: true, WebhookID: webhookID, Echo: token}
		}
	}

	if result := g.verifier.Verify(p, req.Headers, req.Body); !result.OK {
		return g.reject(ctx, p, webhookID, http.StatusUnauthorized, "verification failed: "+result.Reason, monitor.KindSecurityViolation)
	}

	evt, err := g.normalizer.Normalize(p, req.Headers, req.Body)
	if err != nil {
		return g.reject(ctx, p, webhookID, errs.HTTPStatus(err), err.Error(), monitor.KindWebhookRejected)
	}
	if evt == nil {
		if p == schema.ProviderZoom {
			if plain, ok := normalize.ZoomPlainToken(req.Body); ok {
				return g.zoomChallenge(ctx, webhookID, plain)
			}
		}
		return Response{Status: http.StatusOK, Success: true, WebhookID: webhookID, Message: "handshake acknowledged"}
	}

	job := schema.NewJobFromChangeEvent(webhookID, *evt, g.cfg.MaxAttempts)
	if _, err := g.queue.Enqueue(ctx, job); err != nil {
		g.log.Error("enqueue webhook job",
			zap.String("webhook_id", webhookID),
			zap.String("provider", string(p)),
			zap.Error(err))
		return g.reject(ctx, p, webhookID, http.StatusInternalServerError, "failed to queue notification", monitor.KindWebhookRejected)
	}
	g.log.Debug("webhook queued",
		zap.String("webhook_id", webhookID),
		zap.String("provider", string(p)),
		zap.String("kind", string(job.Kind)),
		zap.String("priority", string(job.Priority)),
		zap.String("correlation_id", evt.RawCorrelationID))
	return Response{Status: http.StatusOK, Success: true, WebhookID: webhookID, Message: "notification queued"}
}

func (g *Gateway) zoomChallenge(ctx context.Context, webhookID, plain string) Response {
	encrypted, err := g.verifier.ChallengeResponse(schema.ProviderZoom, plain)
	if err != nil {
		return g.reject(ctx, schema.ProviderZoom, webhookID, http.StatusInternalServerError, "challenge unavailable", monitor.KindWebhookRejected)
	}
	return Response{
		Status:    http.StatusOK,
		Success:   true,
		WebhookID: webhookID,
		Challenge: &ZoomChallenge{PlainToken: plain, EncryptedToken: encrypted},
	}
}

// limit applies the provider/source limiter and reports the wait when denied.
func (g *Gateway) limit(p schema.Provider, source string) (time.Duration, bool) {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	key := string(p) + "|" + source
	lim := g.limiters.GetOrCreate(key, g.cfg.LimiterIdle, g.cfg.limitFor(p).limiter)
	g.limiters.Touch(key, g.cfg.LimiterIdle)
	now := g.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute, true
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, true
	}
	return 0, false
}

// SweepLimiters evicts idle source limiters.
func (g *Gateway) SweepLimiters() int {
	return g.limiters.EvictExpired()
}

// Run sweeps idle limiters until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.LimiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.SweepLimiters(); n > 0 {
				g.log.Debug("evicted idle limiters", zap.Int("count", n))
			}
		}
	}
}

func (g *Gateway) reject(ctx context.Context, p schema.Provider, webhookID string, status int, msg string, kind monitor.Kind) Response {
	level := monitor.LevelInfo
	if kind == monitor.KindSecurityViolation || status >= http.StatusInternalServerError {
		level = monitor.LevelWarning
	}
	g.log.Warn("webhook rejected",
		zap.String("webhook_id", webhookID),
		zap.String("provider", string(p)),
		zap.Int("status", status),
		zap.String("reason", msg))
	g.sink.Record(ctx, monitor.Event{
		Kind:     kind,
		Level:    level,
		Provider: p,
		Message:  msg,
		Fields:   map[string]string{"webhook_id": webhookID, "status": fmt.Sprintf("%d", status)},
		At:       g.now(),
	})
	return Response{Status: status, WebhookID: webhookID, Message: msg}
}

func (g *Gateway) count(ctx context.Context, p string, status int) {
	result := telemetry.ResultSuccess
	switch {
	case status == http.StatusTooManyRequests:
		result = telemetry.ResultRateLimited
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		result = telemetry.ResultRejected
	case status >= http.StatusInternalServerError:
		result = telemetry.ResultError
	}
	g.received.Add(ctx, 1, metric.WithAttributes(telemetry.ProviderAttributes(p, telemetry.AttrResult.String(result))...))
}
