package gateway

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/meetbridge/internal/domain/schema"
)

// Limit bounds inbound notifications for one provider and source address.
type Limit struct {
	PerMinute int `yaml:"perMinute" json:"perMinute"`
	Burst     int `yaml:"burst" json:"burst"`
}

func (l Limit) limiter() *rate.Limiter {
	if l.PerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(l.PerMinute)/60), burst)
}

// Config tunes the gateway.
type Config struct {
	// DefaultLimit applies to providers without an entry in Limits.
	DefaultLimit Limit
	Limits       map[schema.Provider]Limit
	// LimiterIdle evicts limiters of sources that stopped sending.
	LimiterIdle time.Duration
	MaxAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLimit: Limit{PerMinute: 600, Burst: 50},
		LimiterIdle:  10 * time.Minute,
		MaxAttempts:  schema.DefaultMaxAttempts,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultLimit == (Limit{}) {
		c.DefaultLimit = def.DefaultLimit
	}
	if c.LimiterIdle <= 0 {
		c.LimiterIdle = def.LimiterIdle
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

func (c Config) limitFor(p schema.Provider) Limit {
	if l, ok := c.Limits[p]; ok {
		return l
	}
	return c.DefaultLimit
}
