// Package provider defines the single outbound capability the core uses to talk
// to calendar and meeting providers.
package provider

import (
	"context"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Operation names an outbound provider call.
type Operation string

const (
	OpListChanges   Operation = "list_changes"
	OpGetEvent      Operation = "get_event"
	OpCreateEvent   Operation = "create_event"
	OpUpdateEvent   Operation = "update_event"
	OpDeleteEvent   Operation = "delete_event"
	OpListCalendars Operation = "list_calendars"
)

// Request is one outbound call.
type Request struct {
	Provider   schema.Provider
	Operation  Operation
	CalendarID string
	EventID    string
	SyncToken  string
	Event      *schema.ExternalEvent
	// BypassToken, when set, lets a critical call skip the breaker and the throttle.
	BypassToken string
}

// Response carries the result of a call. Only the fields relevant to the operation are set.
type Response struct {
	Events        []schema.ExternalEvent
	Event         *schema.ExternalEvent
	CalendarIDs   []string
	NextSyncToken string
	Latency       time.Duration
}

// Invoker performs provider calls. Implementations return *errs.E values so
// callers can classify failures (see ClassifyHTTPStatus).
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }
