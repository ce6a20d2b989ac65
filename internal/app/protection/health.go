package protection

import (
	"math"
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// health keeps rolling request counters and the adaptive throttle of one provider.
type health struct {
	requests   int
	successes  int
	failures   int
	avgLatency time.Duration
	throttle   time.Duration
	windowAt   time.Time
	adjustedAt time.Time
}

func (h *health) record(ok bool, latency time.Duration) {
	h.requests++
	if ok {
		h.successes++
	} else {
		h.failures++
	}
	if latency < 0 {
		latency = 0
	}
	h.avgLatency += (latency - h.avgLatency) / time.Duration(h.requests)
}

func (h *health) errorRate() float64 {
	requests := h.requests
	if requests < 1 {
		requests = 1
	}
	return float64(h.failures) / float64(requests)
}

// reset clears the counters but keeps the current throttle.
func (h *health) reset(now time.Time) {
	h.requests, h.successes, h.failures = 0, 0, 0
	h.avgLatency = 0
	h.windowAt = now
}

// adjust runs one throttle adaptation cycle.
func (h *health) adjust(cfg *Config, now time.Time) {
	rate := h.errorRate()
	if rate > cfg.ErrorRateThreshold {
		h.throttle = adaptiveDelay(cfg, rate)
	} else {
		h.throttle = time.Duration(math.Round(float64(h.throttle) * cfg.RecoveryFactor))
		if h.throttle < time.Millisecond {
			h.throttle = 0
		}
	}
	h.adjustedAt = now
}

// delay is the wait applied before retrying a rate-limited call.
func (h *health) delay(cfg *Config) time.Duration {
	rate := h.errorRate()
	if rate > cfg.ErrorRateThreshold {
		return adaptiveDelay(cfg, rate)
	}
	return h.throttle
}

// adaptiveDelay computes min(base * min(errorRate*adaptationFactor, max/base), max).
func adaptiveDelay(cfg *Config, errorRate float64) time.Duration {
	ceiling := float64(cfg.MaxThrottle) / float64(cfg.BaseThrottle)
	factor := math.Min(errorRate*cfg.AdaptationFactor, ceiling)
	d := time.Duration(math.Round(float64(cfg.BaseThrottle) * factor))
	if d > cfg.MaxThrottle {
		return cfg.MaxThrottle
	}
	return d
}

func (h *health) snapshot(p schema.Provider) schema.ProviderHealth {
	score := 1 - h.errorRate()
	if h.requests == 0 {
		score = 1
	}
	return schema.ProviderHealth{
		Provider:         p,
		Requests:         h.requests,
		Successes:        h.successes,
		Failures:         h.failures,
		AvgResponseTime:  h.avgLatency,
		CurrentThrottle:  h.throttle,
		HealthScore:      math.Max(0, math.Min(1, score)),
		WindowStartedAt:  h.windowAt,
		LastAdjustmentAt: h.adjustedAt,
	}
}
