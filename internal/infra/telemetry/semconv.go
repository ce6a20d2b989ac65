package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by meetbridge instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrProvider identifies the external calendar or meeting provider.
	AttrProvider = attribute.Key("provider")
	// AttrOperation differentiates outbound provider operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides context for rejections.
	AttrReason = attribute.Key("reason")
	// AttrStatus carries an HTTP status class or lifecycle status.
	AttrStatus = attribute.Key("status")
	// AttrJobKind and AttrJobPriority label queue metrics.
	AttrJobKind     = attribute.Key("job.kind")
	AttrJobPriority = attribute.Key("job.priority")
	// AttrBreakerFrom and AttrBreakerTo label breaker transitions.
	AttrBreakerFrom = attribute.Key("breaker.from")
	AttrBreakerTo   = attribute.Key("breaker.to")
	// AttrEventKind labels monitoring events.
	AttrEventKind = attribute.Key("monitor.kind")
)

// Result values.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultRejected    = "rejected"
	ResultRateLimited = "rate_limited"
	ResultBypassed    = "bypassed"
)

// ProviderAttributes returns the base attribute set for per-provider metrics.
func ProviderAttributes(provider string, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs, AttrEnvironment.String(Environment()), AttrProvider.String(provider))
	return append(attrs, extra...)
}

// CallAttributes labels a guarded outbound call.
func CallAttributes(provider, operation, result string) []attribute.KeyValue {
	return ProviderAttributes(provider, AttrOperation.String(operation), AttrResult.String(result))
}

// BreakerTransitionAttributes labels a breaker state change.
func BreakerTransitionAttributes(provider, from, to string) []attribute.KeyValue {
	return ProviderAttributes(provider, AttrBreakerFrom.String(from), AttrBreakerTo.String(to))
}

// JobAttributes labels queue job metrics.
func JobAttributes(kind, priority, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrJobKind.String(kind),
		AttrJobPriority.String(priority),
		AttrResult.String(result),
	}
}
