// Package fake provides an in-memory calendar provider used by the development
// server and tests. It implements provider.Invoker with simulated latency and
// failures.
package fake

import (
	"context"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Provider simulates one calendar or meeting provider.
type Provider struct {
	opts Options

	mu        sync.Mutex
	rng       *rand.Rand
	calendars map[string]*calendarState
	scripted  []int
	calls     map[provider.Operation]int
}

// New constructs a simulated provider.
func New(opts Options) *Provider {
	opts = opts.withDefaults()
	return &Provider{
		opts:      opts,
		rng:       rand.New(rand.NewSource(opts.Seed)), //nolint:gosec
		calendars: make(map[string]*calendarState),
		calls:     make(map[provider.Operation]int),
	}
}

// Name returns the simulated provider.
func (p *Provider) Name() schema.Provider { return p.opts.Provider }

// FailNext makes the next calls answer with the given HTTP statuses, in order.
func (p *Provider) FailNext(statuses ...int) {
	p.mu.Lock()
	p.scripted = append(p.scripted, statuses...)
	p.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op provider.Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// TotalCalls returns the number of invocations across all operations.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Seed stores an event as if a user had created or edited it at the provider.
func (p *Provider) Seed(calendarID string, evt schema.ExternalEvent) schema.ExternalEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt.CalendarID = calendarID
	if evt.UpdatedAt.IsZero() {
		evt.UpdatedAt = p.opts.Now()
	}
	return p.calendar(calendarID).put(evt)
}

// Cancel marks an event cancelled as if it had been deleted at the provider.
func (p *Provider) Cancel(calendarID, eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calendar(calendarID).remove(eventID)
	return ok
}

// Event returns the stored copy of an event.
func (p *Provider) Event(calendarID, eventID string) (schema.ExternalEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt, ok := p.calendar(calendarID).events[eventID]
	return evt, ok
}

func (p *Provider) calendar(id string) *calendarState {
	c, ok := p.calendars[id]
	if !ok {
		c = newCalendarState()
		p.calendars[id] = c
	}
	return c
}

// Invoke implements provider.Invoker.
func (p *Provider) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	started := p.opts.Now()
	if err := p.simulateLatency(ctx); err != nil {
		return provider.Response{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[req.Operation]++

	if status, ok := p.failure(); ok {
		retryAfter := ""
		if status == http.StatusTooManyRequests {
			retryAfter = defaultRetryAfter
		}
		return provider.Response{}, provider.ClassifyHTTPStatus(p.opts.Provider, req.Operation, status, retryAfter, p.opts.Now())
	}

	resp, status := p.handle(req)
	if err := provider.ClassifyHTTPStatus(p.opts.Provider, req.Operation, status, "", p.opts.Now()); err != nil {
		return provider.Response{}, err
	}
	resp.Latency = p.opts.Now().Sub(started)
	return resp, nil
}

func (p *Provider) simulateLatency(ctx context.Context) error {
	if p.opts.LatencyMax <= 0 {
		return ctx.Err()
	}
	p.mu.Lock()
	spread := p.opts.LatencyMax - p.opts.LatencyMin
	delay := p.opts.LatencyMin
	if spread > 0 {
		delay += time.Duration(p.rng.Int63n(int64(spread)))
	}
	p.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// failure picks a scripted or random failure status. Callers hold p.mu.
func (p *Provider) failure() (int, bool) {
	if len(p.scripted) > 0 {
		status := p.scripted[0]
		p.scripted = p.scripted[1:]
		return status, status >= 300
	}
	roll := p.rng.Float64()
	switch {
	case roll < p.opts.RateLimitRate:
		return http.StatusTooManyRequests, true
	case roll < p.opts.RateLimitRate+p.opts.ErrorRate:
		return http.StatusServiceUnavailable, true
	default:
		return 0, false
	}
}

// handle executes an operation against the in-memory calendars. Callers hold p.mu.
func (p *Provider) handle(req provider.Request) (provider.Response, int) {
	switch req.Operation {
	case provider.OpListCalendars:
		ids := make([]string, 0, len(p.calendars))
		for id := range p.calendars {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return provider.Response{CalendarIDs: ids}, http.StatusOK
	case provider.OpListChanges:
		cal := p.calendar(req.CalendarID)
		events, ok := cal.changesSince(req.SyncToken)
		if !ok {
			return provider.Response{}, http.StatusGone
		}
		return provider.Response{Events: events, NextSyncToken: cal.token()}, http.StatusOK
	case provider.OpGetEvent:
		evt, ok := p.calendar(req.CalendarID).events[req.EventID]
		if !ok || evt.Cancelled {
			return provider.Response{}, http.StatusNotFound
		}
		return provider.Response{Event: &evt}, http.StatusOK
	case provider.OpCreateEvent:
		if req.Event == nil {
			return provider.Response{}, http.StatusBadRequest
		}
		evt := *req.Event
		if evt.ID == "" {
			evt.ID = uuid.NewString()
		}
		evt.CalendarID = req.CalendarID
		evt.UpdatedAt = p.opts.Now()
		stored := p.calendar(req.CalendarID).put(evt)
		return provider.Response{Event: &stored}, http.StatusOK
	case provider.OpUpdateEvent:
		if req.Event == nil {
			return provider.Response{}, http.StatusBadRequest
		}
		cal := p.calendar(req.CalendarID)
		if existing, ok := cal.events[req.EventID]; !ok || existing.Cancelled {
			return provider.Response{}, http.StatusNotFound
		}
		evt := *req.Event
		evt.ID = req.EventID
		evt.CalendarID = req.CalendarID
		evt.UpdatedAt = p.opts.Now()
		stored := cal.put(evt)
		return provider.Response{Event: &stored}, http.StatusOK
	case provider.OpDeleteEvent:
		if _, ok := p.calendar(req.CalendarID).remove(req.EventID); !ok {
			return provider.Response{}, http.StatusNotFound
		}
		return provider.Response{}, http.StatusOK
	default:
		return provider.Response{}, http.StatusBadRequest
	}
}

var _ provider.Invoker = (*Provider)(nil)
