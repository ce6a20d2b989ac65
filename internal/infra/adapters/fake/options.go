package fake

import (
	"time"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// defaultRetryAfter is advertised on simulated 429 responses.
const defaultRetryAfter = "1"

// Options configures the simulated provider.
type Options struct {
	Provider schema.Provider
	// LatencyMin and LatencyMax bound the simulated round trip.
	LatencyMin time.Duration
	LatencyMax time.Duration
	// ErrorRate is the probability of a simulated 503.
	ErrorRate float64
	// RateLimitRate is the probability of a simulated 429.
	RateLimitRate float64
	// Seed makes simulated failures reproducible; zero uses a fixed seed.
	Seed int64
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Provider == "" {
		o.Provider = schema.ProviderGoogle
	}
	if o.LatencyMin < 0 {
		o.LatencyMin = 0
	}
	if o.LatencyMax < o.LatencyMin {
		o.LatencyMax = o.LatencyMin
	}
	o.ErrorRate = clamp(o.ErrorRate)
	o.RateLimitRate = clamp(o.RateLimitRate)
	if o.Seed == 0 {
		o.Seed = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
