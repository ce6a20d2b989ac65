// Package syncjob implements the queue handlers that pull calendar changes and
// apply meeting lifecycle events.
package syncjob

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/meetbridge/internal/app/conflict"
	"github.com/coachpo/meetbridge/internal/app/notify"
	"github.com/coachpo/meetbridge/internal/app/protection"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/app/queue"
	"github.com/coachpo/meetbridge/internal/domain/calendarstore"
	"github.com/coachpo/meetbridge/internal/domain/schema"
	"github.com/coachpo/meetbridge/internal/infra/cache"
)

// BypassIssuer mints bypass tokens for critical calls.
type BypassIssuer interface {
	IssueBypass(ctx context.Context, p schema.Provider, op provider.Operation, reason, issuedBy string) (protection.BypassToken, error)
}

// Config tunes the handlers.
type Config struct {
	// ImminentWindow is how close to its start a cancelled meeting must be for
	// its calendar event to be removed with a bypass token.
	ImminentWindow  time.Duration
	// SettleWindow is how long after a sync a repeat of the same notification
	// is treated as a redelivery and skipped.
	SettleWindow    time.Duration
	DefaultStrategy schema.ResolutionStrategy
	Detect          conflict.Options
	Preferences     conflict.Preferences
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ImminentWindow:  15 * time.Minute,
		SettleWindow:    5 * time.Second,
		DefaultStrategy: schema.StrategyUserChoice,
		Detect:          conflict.DefaultOptions(),
	}
}

// Handlers holds the collaborators shared by the sync and meeting handlers.
type Handlers struct {
	cfg       Config
	calendars calendarstore.Store
	engine    *conflict.Engine
	invoker   provider.Invoker
	bypass    BypassIssuer
	notifier  notify.Notifier
	log       *zap.Logger
	now       func() time.Time
	// settled maps a notification key to the fetch start of the sync that covered it.
	settled *cache.TTLCache[string, time.Time]
}

// Option customises Handlers.
type Option func(*Handlers)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handlers) {
		if log != nil {
			h.log = log.Named("syncjob")
		}
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n notify.Notifier) Option {
	return func(h *Handlers) {
		if n != nil {
			h.notifier = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// New wires handlers. invoker is normally the protection Guard, which also issues bypass tokens.
func New(cfg Config, calendars calendarstore.Store, engine *conflict.Engine, invoker provider.Invoker, bypass BypassIssuer, opts ...Option) *Handlers {
	if cfg.ImminentWindow <= 0 {
		cfg.ImminentWindow = DefaultConfig().ImminentWindow
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = DefaultConfig().SettleWindow
	}
	if !cfg.DefaultStrategy.Valid() {
		cfg.DefaultStrategy = schema.StrategyUserChoice
	}
	h := &Handlers{
		cfg:       cfg,
		calendars: calendars,
		engine:    engine,
		invoker:   invoker,
		bypass:    bypass,
		notifier:  notify.Nop{},
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.settled = cache.NewTTLCache[string, time.Time](cache.WithClock(h.now))
	return h
}

// Register installs both handlers on q.
func (h *Handlers) Register(q *queue.Queue) {
	q.Register(schema.JobKindSync, queue.HandlerFunc(h.HandleSync))
	q.Register(schema.JobKindMeetingEvent, queue.HandlerFunc(h.HandleMeeting))
}

// Sweep drops settle markers that can no longer match a redelivery.
func (h *Handlers) Sweep() int {
	return h.settled.EvictExpired()
}

// Run sweeps settle markers until ctx is cancelled.
func (h *Handlers) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Sweep()
		}
	}
}

func (h *Handlers) notify(ctx context.Context, n notify.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = h.now()
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		h.log.Warn("notification failed",
			zap.String("user_id", n.UserID),
			zap.String("topic", string(n.Topic)),
			zap.Error(err))
	}
}
