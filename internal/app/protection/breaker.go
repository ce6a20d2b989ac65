package protection

import (
	"time"

	"github.com/coachpo/meetbridge/errs"
	"github.com/coachpo/meetbridge/internal/domain/schema"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral leaves breaker counters alone apart from the request volume.
	outcomeNeutral
)

type transition struct {
	provider schema.Provider
	from     schema.BreakerState
	to       schema.BreakerState
	at       time.Time
	snapshot schema.CircuitBreakerState
}

// breaker is the per-provider state machine. It is not safe for concurrent use;
// the owning registry entry serialises access.
type breaker struct {
	provider schema.Provider
	cfg      *Config

	state            schema.BreakerState
	failures         int
	successes        int
	total            int
	lastFailure      time.Time
	lastChange       time.Time
	halfOpenInFlight int
}

func newBreaker(p schema.Provider, cfg *Config, now time.Time) breaker {
	return breaker{provider: p, cfg: cfg, state: schema.BreakerClosed, lastChange: now}
}

// admit decides whether a call may proceed. probe is true when the call holds a half-open slot.
func (b *breaker) admit(now time.Time) (probe bool, tr *transition, err error) {
	switch b.state {
	case schema.BreakerClosed:
		return false, nil, nil
	case schema.BreakerOpen:
		if now.Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return false, nil, b.openError("circuit open", b.resetTime())
		}
		tr = b.moveTo(schema.BreakerHalfOpen, now)
		b.halfOpenInFlight++
		return true, tr, nil
	default:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return false, nil, b.openError("circuit half-open, probe in flight", now.Add(b.cfg.CallTimeout))
		}
		b.halfOpenInFlight++
		return true, nil, nil
	}
}

// record applies the outcome of an admitted call.
func (b *breaker) record(o outcome, probe bool, now time.Time) *transition {
	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	switch b.state {
	case schema.BreakerClosed:
		b.total++
		switch o {
		case outcomeSuccess:
			b.successes++
		case outcomeFailure:
			b.failures++
			b.lastFailure = now
		}
		if b.failures >= b.cfg.FailureThreshold && b.total >= b.cfg.VolumeThreshold {
			return b.moveTo(schema.BreakerOpen, now)
		}
	case schema.BreakerHalfOpen:
		if !probe {
			return nil
		}
		switch o {
		case outcomeSuccess:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				return b.moveTo(schema.BreakerClosed, now)
			}
		case outcomeFailure:
			b.lastFailure = now
			return b.moveTo(schema.BreakerOpen, now)
		}
	}
	return nil
}

func (b *breaker) moveTo(to schema.BreakerState, now time.Time) *transition {
	from := b.state
	b.state = to
	b.lastChange = now
	switch to {
	case schema.BreakerClosed:
		b.failures, b.successes, b.total = 0, 0, 0
		b.halfOpenInFlight = 0
	case schema.BreakerHalfOpen:
		b.successes = 0
		b.halfOpenInFlight = 0
	case schema.BreakerOpen:
		b.halfOpenInFlight = 0
	}
	return &transition{provider: b.provider, from: from, to: to, at: now, snapshot: b.snapshot()}
}

// resetWindow starts a fresh counting window for a closed breaker. Open and
// half-open breakers keep their counts until they close.
func (b *breaker) resetWindow() {
	if b.state != schema.BreakerClosed {
		return
	}
	b.failures, b.successes, b.total = 0, 0, 0
}

func (b *breaker) resetTime() time.Time {
	return b.lastFailure.Add(b.cfg.RecoveryTimeout)
}

func (b *breaker) openError(msg string, retryAt time.Time) error {
	return errs.New(string(b.provider), errs.CodeCircuitOpen,
		errs.WithMessage(msg),
		errs.WithRetryAt(retryAt),
		errs.WithField("state", string(b.state)),
		errs.WithRemediation("wait for the recovery timeout or re-run with a bypass token"))
}

func (b *breaker) snapshot() schema.CircuitBreakerState {
	s := schema.CircuitBreakerState{
		Provider:        b.provider,
		State:           b.state,
		FailureCount:    b.failures,
		SuccessCount:    b.successes,
		TotalRequests:   b.total,
		LastFailureTime: b.lastFailure,
		LastStateChange: b.lastChange,
	}
	if b.state == schema.BreakerOpen {
		s.ResetTime = b.resetTime()
	}
	return s
}

func (b *breaker) restore(s schema.CircuitBreakerState) {
	switch s.State {
	case schema.BreakerOpen, schema.BreakerHalfOpen, schema.BreakerClosed:
	default:
		return
	}
	// A half-open breaker restored without its in-flight probe reopens its recovery window.
	if s.State == schema.BreakerHalfOpen {
		s.State = schema.BreakerOpen
	}
	b.state = s.State
	b.failures = s.FailureCount
	b.successes = s.SuccessCount
	b.total = s.TotalRequests
	b.lastFailure = s.LastFailureTime
	b.lastChange = s.LastStateChange
	b.halfOpenInFlight = 0
}
