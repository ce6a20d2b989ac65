package schema

import "time"

// BreakerState is the circuit breaker mode of one provider.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is a point-in-time copy of a provider breaker.
type CircuitBreakerState struct {
	Provider        Provider     `json:"provider"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failureCount"`
	SuccessCount    int          `json:"successCount"`
	TotalRequests   int          `json:"totalRequests"`
	LastFailureTime time.Time    `json:"lastFailureTime,omitempty"`
	LastStateChange time.Time    `json:"lastStateChange"`
	ResetTime       time.Time    `json:"resetTime,omitempty"`
}

// ProviderHealth is a point-in-time copy of the rolling health counters of one provider.
type ProviderHealth struct {
	Provider         Provider      `json:"provider"`
	Requests         int           `json:"requests"`
	Successes        int           `json:"successes"`
	Failures         int           `json:"failures"`
	AvgResponseTime  time.Duration `json:"avgResponseTime"`
	CurrentThrottle  time.Duration `json:"currentThrottle"`
	HealthScore      float64       `json:"healthScore"`
	WindowStartedAt  time.Time     `json:"windowStartedAt"`
	LastAdjustmentAt time.Time     `json:"lastAdjustmentAt,omitempty"`
}

// ErrorRate returns failures over requests, treating an empty window as healthy.
func (h ProviderHealth) ErrorRate() float64 {
	requests := h.Requests
	if requests < 1 {
		requests = 1
	}
	return float64(h.Failures) / float64(requests)
}

// ProtectionStatus combines breaker and health state for dashboards and the health check.
type ProtectionStatus struct {
	Provider Provider            `json:"provider"`
	Breaker  CircuitBreakerState `json:"breaker"`
	Health   ProviderHealth      `json:"health"`
}
