package header

import (
	"strings"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Reserved envelope keys carried on every produced record.
const (
	KeyTenantID          = "x-tenant-id"
	KeyTraceID           = "x-trace-id"
	KeySchemaFingerprint = "x-schema-fingerprint"
	KeyEntityVersion     = "x-entity-version"
	KeyEventID           = "x-event-id"
	KeyRequestID         = "x-request-id"
	KeyAggregateID       = "x-aggregate-id"
	KeyEventFamily       = "x-event-family"
	KeyProducerAttempt   = "x-producer-attempt"
	KeyTraceparent       = "traceparent"
	KeyBaggage           = "baggage"
)

// DLQ diagnostic keys added by the consumer error handler.
const (
	KeyErrorClass     = "x-error-class"
	KeyErrorRootClass = "x-error-root-class"
	KeyErrorMessage   = "x-error-message"
	KeyErrorStackHash = "x-error-stack-hash"
	KeyRetryAttempt   = "x-retry-attempt"
	KeyQuarantinedAt  = "x-quarantined-at"
)

// Envelope carries the per-record metadata attached to every message.
type Envelope struct {
	Tenant            tenant.ID
	TraceID           string
	SchemaFingerprint string
	EntityVersion     int64
	EventID           uuid.UUID
	RequestID         string
}

// Attach writes the envelope into h with put-if-absent semantics, so a
// relay never overwrites what the origin wrote.
func (e Envelope) Attach(h Headers) error {
	if !e.Tenant.IsZero() {
		if err := h.SetIfAbsent(KeyTenantID, []byte(e.Tenant.String())); err != nil {
			return err
		}
	}
	if e.TraceID != "" {
		if err := h.SetIfAbsent(KeyTraceID, []byte(e.TraceID)); err != nil {
			return err
		}
	}
	if e.SchemaFingerprint != "" {
		if err := h.SetIfAbsent(KeySchemaFingerprint, []byte(e.SchemaFingerprint)); err != nil {
			return err
		}
	}
	if e.EntityVersion > 0 {
		if _, present := h[KeyEntityVersion]; !present {
			if err := h.SetInt64(KeyEntityVersion, e.EntityVersion); err != nil {
				return err
			}
		}
	}
	if e.EventID != uuid.Nil {
		if _, present := h[KeyEventID]; !present {
			if err := h.SetUUID(KeyEventID, e.EventID); err != nil {
				return err
			}
		}
	}
	if e.RequestID != "" {
		if err := h.SetIfAbsent(KeyRequestID, []byte(e.RequestID)); err != nil {
			return err
		}
	}
	return nil
}

// PropagateW3CTraceContext copies traceparent and baggage from src to dst
// verbatim; the trace context is opaque to the platform.
func PropagateW3CTraceContext(src, dst Headers) {
	for _, k := range []string{KeyTraceparent, KeyBaggage} {
		if v, ok := src[k]; ok {
			c := make([]byte, len(v))
			copy(c, v)
			dst[k] = c
		}
	}
}

// IsSafeToPropagate reports whether k may cross a service boundary.
func IsSafeToPropagate(k string) bool {
	return strings.HasPrefix(k, "x-") || k == KeyTraceparent || k == KeyBaggage
}

// Copy transfers entries from src to dst, keeping only those the predicate
// admits. A nil predicate admits nothing.
func Copy(src, dst Headers, predicate func(k string) bool) {
	if predicate == nil {
		return
	}
	for k, v := range src {
		if !predicate(k) {
			continue
		}
		c := make([]byte, len(v))
		copy(c, v)
		dst[k] = c
	}
}
