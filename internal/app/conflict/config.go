package conflict

import "time"

// Config tunes detection defaults, suggestion search and the pending-decision lifecycle.
type Config struct {
	DefaultBufferMinutes int
	PendingTTL           time.Duration
	SkewTolerance        time.Duration
	SweepInterval        time.Duration
	SweepBatch           int

	SlotStep      time.Duration
	SearchHorizon time.Duration
	WorkdayStart  int
	WorkdayEnd    int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBufferMinutes: 15,
		PendingTTL:           24 * time.Hour,
		SkewTolerance:        5 * time.Second,
		SweepInterval:        5 * time.Minute,
		SweepBatch:           100,
		SlotStep:             15 * time.Minute,
		SearchHorizon:        7 * 24 * time.Hour,
		WorkdayStart:         9,
		WorkdayEnd:           18,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	// A negative buffer disables the buffer pass by default.
	switch {
	case c.DefaultBufferMinutes == 0:
		c.DefaultBufferMinutes = def.DefaultBufferMinutes
	case c.DefaultBufferMinutes < 0:
		c.DefaultBufferMinutes = 0
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = def.PendingTTL
	}
	if c.SkewTolerance < 0 {
		c.SkewTolerance = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = def.SweepBatch
	}
	if c.SlotStep <= 0 {
		c.SlotStep = def.SlotStep
	}
	if c.SearchHorizon <= 0 {
		c.SearchHorizon = def.SearchHorizon
	}
	if c.WorkdayStart < 0 || c.WorkdayStart > 23 {
		c.WorkdayStart = def.WorkdayStart
	}
	if c.WorkdayEnd <= c.WorkdayStart || c.WorkdayEnd > 24 {
		c.WorkdayEnd = def.WorkdayEnd
	}
	return c
}

// Options selects detection passes for one call.
type Options struct {
	// BufferMinutes is the gap required around the candidate; zero disables the buffer pass.
	BufferMinutes        int      `json:"bufferMinutes"`
	DisableTimeOverlap   bool     `json:"disableTimeOverlap,omitempty"`
	DisableBuffer        bool     `json:"disableBuffer,omitempty"`
	DisableVenue         bool     `json:"disableVenue,omitempty"`
	DisableDoubleBooking bool     `json:"disableDoubleBooking,omitempty"`
	ExcludeIDs           []string `json:"excludeIds,omitempty"`
}

// DefaultOptions runs every pass with a 15 minute buffer.
func DefaultOptions() Options {
	return Options{BufferMinutes: DefaultConfig().DefaultBufferMinutes}
}

func (o Options) buffer() time.Duration {
	if o.DisableBuffer || o.BufferMinutes <= 0 {
		return 0
	}
	return time.Duration(o.BufferMinutes) * time.Minute
}

// Preferences are the user's resolution preferences.
type Preferences struct {
	// PreferVirtual lets automatic resolution convert in-person clashes to virtual meetings.
	PreferVirtual bool `json:"preferVirtual,omitempty"`
	// MinDurationMinutes is the shortest acceptable candidate when shortening.
	MinDurationMinutes int `json:"minDurationMinutes,omitempty"`
}

func (p Preferences) minDuration() time.Duration {
	if p.MinDurationMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(p.MinDurationMinutes) * time.Minute
}
