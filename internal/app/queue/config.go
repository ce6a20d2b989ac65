package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config tunes dispatching, retries and retention.
type Config struct {
	Concurrency        int
	PollInterval       time.Duration
	RetrySweepInterval time.Duration
	CleanupInterval    time.Duration
	Retention          time.Duration
	JobTimeout         time.Duration
	StaleClaimAfter    time.Duration
	MaxAttempts        int

	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// BackoffJitter is the randomization factor in [0,1); zero keeps the schedule deterministic.
	BackoffJitter float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		PollInterval:       5 * time.Second,
		RetrySweepInterval: 30 * time.Second,
		CleanupInterval:    time.Hour,
		Retention:          24 * time.Hour,
		JobTimeout:         30 * time.Second,
		StaleClaimAfter:    5 * time.Minute,
		MaxAttempts:        3,
		BaseBackoff:        30 * time.Second,
		MaxBackoff:         15 * time.Minute,
		BackoffMultiplier:  2,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RetrySweepInterval <= 0 {
		c.RetrySweepInterval = def.RetrySweepInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.StaleClaimAfter <= c.JobTimeout {
		c.StaleClaimAfter = c.JobTimeout * 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0
	}
	return c
}

// Backoff returns the delay before the next attempt of a job that has failed attempts times.
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseBackoff
	b.Multiplier = c.BackoffMultiplier
	b.MaxInterval = c.MaxBackoff
	b.RandomizationFactor = c.BackoffJitter
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
