// Package monitor records security, reliability and audit events raised by the
// webhook pipeline. Sinks never block the caller on failure.
package monitor

import (
	"context"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Kind classifies a monitoring event.
type Kind string

const (
	KindSecurityViolation Kind = "security_violation"
	KindWebhookRejected   Kind = "webhook_rejected"
	KindBreakerTransition Kind = "breaker_transition"
	KindJobFailed         Kind = "job_failed"
	KindConflictAbandoned Kind = "conflict_abandoned"
	KindBypassIssued      Kind = "bypass_issued"
	KindBypassUsed        Kind = "bypass_used"
)

// Level is the urgency of an event.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is one monitoring record.
type Event struct {
	Kind     Kind
	Level    Level
	Provider schema.Provider
	Message  string
	Fields   map[string]string
	At       time.Time
}

// Sink receives monitoring events.
type Sink interface {
	Record(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event)

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, evt Event) { f(ctx, evt) }

// Nop discards every event.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, Event) {}

type multi []Sink

// Multi fans an event out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	for _, s := range m {
		s.Record(ctx, evt)
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
