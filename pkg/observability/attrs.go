// Platform-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Platform semantic convention attributes.
var (
	// Tenant attributes
	AttrTenantID     = attribute.Key("platform.tenant.id")
	AttrTenantSource = attribute.Key("platform.tenant.source")

	// Event attributes
	AttrEventID     = attribute.Key("platform.event.id")
	AttrEventType   = attribute.Key("platform.event.type")
	AttrEventTopic  = attribute.Key("platform.event.topic")
	AttrEventFamily = attribute.Key("platform.event.family")

	// Authorization attributes
	AttrAuthzAction   = attribute.Key("platform.authz.action")
	AttrAuthzEffect   = attribute.Key("platform.authz.effect")
	AttrAuthzGate     = attribute.Key("platform.authz.gate")
	AttrAuthzRiskTier = attribute.Key("platform.authz.risk_tier")

	// Consistency attributes
	AttrConsistencyDomain = attribute.Key("platform.consistency.domain")
	AttrConsistencySeq    = attribute.Key("platform.consistency.seq")
	AttrConsistencyStale  = attribute.Key("platform.consistency.stale")

	// Idempotency and dedupe attributes
	AttrIdempotencyKey    = attribute.Key("platform.idempotency.key")
	AttrIdempotencyReplay = attribute.Key("platform.idempotency.replay")
	AttrDedupeOutcome     = attribute.Key("platform.dedupe.outcome")
)

// TenantOperation creates attributes for a tenant-scoped request.
func TenantOperation(id tenant.ID, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(id.String()),
		AttrTenantSource.String(source),
	}
}

// EventOperation creates attributes for producing or consuming an event.
func EventOperation(eventID, eventType, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(eventID),
		AttrEventType.String(eventType),
		AttrEventTopic.String(topic),
	}
}

// AuthzOperation creates attributes for an authorization decision.
func AuthzOperation(action, effect, gate, riskTier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuthzAction.String(action),
		AttrAuthzEffect.String(effect),
		AttrAuthzGate.String(gate),
		AttrAuthzRiskTier.String(riskTier),
	}
}

// ConsistencyOperation creates attributes for a read-your-writes gate.
func ConsistencyOperation(domain string, seq int64, stale bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrConsistencyDomain.String(domain),
		AttrConsistencySeq.Int64(seq),
		AttrConsistencyStale.Bool(stale),
	}
}

// DedupeOperation creates attributes for a dedupe check.
func DedupeOperation(eventID, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(eventID),
		AttrDedupeOutcome.String(outcome),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
