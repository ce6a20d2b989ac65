package protection

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// entry holds the protection state of one provider behind its own lock.
type entry struct {
	mu       sync.Mutex
	provider schema.Provider
	breaker  breaker
	health   health
	limiter  *rate.Limiter
}

// Registry is the ProviderRegistry: it owns breaker, health and limiter state per provider.
type Registry struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	entries map[schema.Provider]*entry
}

// NewRegistry creates a registry with cfg applied to every provider.
func NewRegistry(cfg Config, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{cfg: cfg.withDefaults(), now: now, entries: make(map[schema.Provider]*entry)}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) entry(p schema.Provider) *entry {
	r.mu.RLock()
	e, ok := r.entries[p]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[p]; ok {
		return e
	}
	now := r.now()
	e = &entry{provider: p, breaker: newBreaker(p, &r.cfg, now), health: health{windowAt: now}}
	if r.cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), r.cfg.Burst)
	}
	r.entries[p] = e
	return e
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Status returns the breaker and health snapshot of a provider.
func (r *Registry) Status(p schema.Provider) schema.ProtectionStatus {
	e := r.entry(p)
	e.mu.Lock()
	defer e.mu.Unlock()
	return schema.ProtectionStatus{Provider: p, Breaker: e.breaker.snapshot(), Health: e.health.snapshot(p)}
}

// Statuses returns the status of every supported provider.
func (r *Registry) Statuses() []schema.ProtectionStatus {
	out := make([]schema.ProtectionStatus, 0, len(schema.Providers()))
	for _, p := range schema.Providers() {
		out = append(out, r.Status(p))
	}
	return out
}

// Restore loads persisted breaker snapshots.
func (r *Registry) Restore(states []schema.CircuitBreakerState) {
	for _, s := range states {
		if !s.Provider.Valid() {
			continue
		}
		e := r.entry(s.Provider)
		e.mu.Lock()
		e.breaker.restore(s)
		e.mu.Unlock()
	}
}

// AdjustThrottles runs one adaptation cycle for every provider.
func (r *Registry) AdjustThrottles() {
	now := r.now()
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		e.health.adjust(&r.cfg, now)
		e.mu.Unlock()
	}
}

// ResetHealth clears the rolling counters of every provider, including the
// counting window of closed breakers.
func (r *Registry) ResetHealth() {
	now := r.now()
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		e.health.reset(now)
		e.breaker.resetWindow()
		e.mu.Unlock()
	}
}

func (e *entry) admit(now time.Time) (bool, *transition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.admit(now)
}

// reserve reports whether the local limiter has capacity at now, and otherwise when it will.
func (e *entry) reserve(now time.Time) (bool, time.Time) {
	if e.limiter == nil {
		return true, time.Time{}
	}
	if e.limiter.AllowN(now, 1) {
		return true, time.Time{}
	}
	res := e.limiter.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return false, now.Add(wait)
}

func (e *entry) release(probe bool) {
	if !probe {
		return
	}
	e.mu.Lock()
	if e.breaker.halfOpenInFlight > 0 {
		e.breaker.halfOpenInFlight--
	}
	e.mu.Unlock()
}

func (e *entry) record(o outcome, healthy bool, probe bool, latency time.Duration, now time.Time) *transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.record(healthy, latency)
	return e.breaker.record(o, probe, now)
}

func (e *entry) recordHealth(healthy bool, latency time.Duration) {
	e.mu.Lock()
	e.health.record(healthy, latency)
	e.mu.Unlock()
}

func (e *entry) throttleDelay(cfg *Config, hint time.Time, now time.Time) time.Duration {
	e.mu.Lock()
	d := e.health.delay(cfg)
	e.mu.Unlock()
	if !hint.IsZero() {
		if wait := hint.Sub(now); wait > d {
			d = wait
		}
	}
	if d > cfg.MaxThrottle {
		d = cfg.MaxThrottle
	}
	if d < 0 {
		d = 0
	}
	return d
}
