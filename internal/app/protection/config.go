// Package protection guards outbound provider calls with a per-provider circuit
// breaker, an adaptive throttle and single-use bypass tokens for critical operations.
package protection

import (
	"fmt"
	"time"
)

// Config tunes the breaker, the throttle and bypass tokens. Zero fields take defaults.
type Config struct {
	FailureThreshold int
	VolumeThreshold  int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	HalfOpenMaxCalls int
	CallTimeout      time.Duration

	BaseThrottle        time.Duration
	MaxThrottle         time.Duration
	ErrorRateThreshold  float64
	AdaptationFactor    float64
	RecoveryFactor      float64
	AdjustInterval      time.Duration
	HealthResetInterval time.Duration

	// RequestsPerSecond enables the local saturation limiter when >0.
	RequestsPerSecond float64
	Burst             int

	BypassTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		VolumeThreshold:     10,
		RecoveryTimeout:     30 * time.Second,
		SuccessThreshold:    3,
		HalfOpenMaxCalls:    1,
		CallTimeout:         10 * time.Second,
		BaseThrottle:        time.Second,
		MaxThrottle:         30 * time.Second,
		ErrorRateThreshold:  0.1,
		AdaptationFactor:    10,
		RecoveryFactor:      0.8,
		AdjustInterval:      time.Minute,
		HealthResetInterval: 5 * time.Minute,
		BypassTTL:           5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = def.VolumeThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.BaseThrottle <= 0 {
		c.BaseThrottle = def.BaseThrottle
	}
	if c.MaxThrottle <= 0 {
		c.MaxThrottle = def.MaxThrottle
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if c.AdaptationFactor <= 0 {
		c.AdaptationFactor = def.AdaptationFactor
	}
	if c.RecoveryFactor <= 0 || c.RecoveryFactor >= 1 {
		c.RecoveryFactor = def.RecoveryFactor
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = def.AdjustInterval
	}
	if c.HealthResetInterval <= 0 {
		c.HealthResetInterval = def.HealthResetInterval
	}
	if c.BypassTTL <= 0 {
		c.BypassTTL = def.BypassTTL
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.MaxThrottle < c.BaseThrottle {
		return fmt.Errorf("protection: maxThrottle %s must be >= baseThrottle %s", c.MaxThrottle, c.BaseThrottle)
	}
	if c.ErrorRateThreshold >= 1 {
		return fmt.Errorf("protection: errorRateThreshold must be <1")
	}
	return nil
}
