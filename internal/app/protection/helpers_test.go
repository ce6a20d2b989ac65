package protection

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/app/provider"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedInvoker returns queued errors in order, then succeeds.
type scriptedInvoker struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (s *scriptedInvoker) push(errs ...error) {
	s.mu.Lock()
	s.script = append(s.script, errs...)
	s.mu.Unlock()
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ provider.Request) (provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) == 0 {
		return provider.Response{NextSyncToken: "ok"}, nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return provider.Response{}, err
}

func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func transient() error {
	return errs.New(string(schema.ProviderGoogle), errs.CodeTransient, errs.WithHTTP(503))
}

func limited() error {
	return errs.New(string(schema.ProviderGoogle), errs.CodeRateLimited, errs.WithHTTP(429))
}

type recordingSleeper struct {
	clock  *fakeClock
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.clock.Advance(d)
	return nil
}

func googleReq() provider.Request {
	return provider.Request{Provider: schema.ProviderGoogle, Operation: provider.OpListChanges, CalendarID: "primary"}
}
