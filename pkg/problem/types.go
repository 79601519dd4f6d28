// Package problem defines the stable taxonomy of failure kinds used across
// the platform and their RFC 7807 (Problem Details for HTTP APIs) rendering.
package problem

import (
	"fmt"
	"net/http"
	"regexp"
)

// Type describes one problem kind in the process-wide registry.
type Type struct {
	Slug          string
	URI           string
	Title         string
	DefaultStatus int
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ProblemHost is the authority under which problem type URIs are minted.
const ProblemHost = "problems.veggieshop.io"

// Registered slugs. The registry is immutable after package init.
const (
	ValidationFailed               = "validation-failed"
	UnsupportedMediaType           = "unsupported-media-type"
	PayloadTooLarge                = "payload-too-large"
	TenantRequired                 = "tenant-required"
	TenantMismatch                 = "tenant-mismatch"
	AuthenticationFailed           = "authentication-failed"
	AuthorizationDenied            = "authorization-denied"
	StepUpRequired                 = "step-up-required"
	HmacSignatureInvalid           = "hmac-signature-invalid"
	JwtInvalid                     = "jwt-invalid"
	SchemaValidationFailed         = "schema-validation-failed"
	EndpointSunset                 = "endpoint-sunset"
	ConsistencyPreconditionFailed  = "consistency-precondition-failed"
	ConsistencyTokenRequired       = "consistency-token-required"
	IdempotencyKeyConflict         = "idempotency-key-conflict"
	IdempotencyReplayRejected      = "idempotency-replay-rejected"
	ResourceNotFound               = "resource-not-found"
	Conflict                       = "conflict"
	TransactionSerializationFailed = "transaction-serialization-failure"
	TransactionTimeout             = "transaction-timeout"
	RateLimited                    = "rate-limited"
	QuotaExceeded                  = "quota-exceeded"
	DependencyUnavailable          = "dependency-unavailable"
	DependencyTimeout              = "dependency-timeout"
	SearchIndexStale               = "search-index-stale"
	PaymentScaRequired             = "payment-sca-required"
	PaymentAuthorizationDeclined   = "payment-authorization-declined"
	PaymentCaptureFailed           = "payment-capture-failed"
	WebhookSignatureInvalid        = "webhook-signature-invalid"
	WebhookReplayDetected          = "webhook-replay-detected"
	InternalError                  = "internal-error"
)

var registry = buildRegistry()

func buildRegistry() map[string]Type {
	entries := []struct {
		slug   string
		title  string
		status int
	}{
		{ValidationFailed, "Validation failed", http.StatusBadRequest},
		{UnsupportedMediaType, "Unsupported media type", http.StatusUnsupportedMediaType},
		{PayloadTooLarge, "Payload too large", http.StatusRequestEntityTooLarge},
		{TenantRequired, "Tenant required", http.StatusBadRequest},
		{TenantMismatch, "Tenant mismatch", http.StatusForbidden},
		{AuthenticationFailed, "Authentication failed", http.StatusUnauthorized},
		{AuthorizationDenied, "Authorization denied", http.StatusForbidden},
		{StepUpRequired, "Step-up authentication required", http.StatusForbidden},
		{HmacSignatureInvalid, "HMAC signature invalid", http.StatusUnauthorized},
		{JwtInvalid, "JWT invalid", http.StatusUnauthorized},
		{SchemaValidationFailed, "Schema validation failed", http.StatusUnprocessableEntity},
		{EndpointSunset, "Endpoint sunset", http.StatusGone},
		{ConsistencyPreconditionFailed, "Consistency precondition failed", http.StatusPreconditionFailed},
		{ConsistencyTokenRequired, "Consistency token required", http.StatusPreconditionRequired},
		{IdempotencyKeyConflict, "Idempotency key conflict", http.StatusConflict},
		{IdempotencyReplayRejected, "Idempotency replay rejected", http.StatusUnprocessableEntity},
		{ResourceNotFound, "Resource not found", http.StatusNotFound},
		{Conflict, "Conflict", http.StatusConflict},
		{TransactionSerializationFailed, "Transaction serialization failure", http.StatusConflict},
		{TransactionTimeout, "Transaction timeout", http.StatusServiceUnavailable},
		{RateLimited, "Rate limited", http.StatusTooManyRequests},
		{QuotaExceeded, "Quota exceeded", http.StatusTooManyRequests},
		{DependencyUnavailable, "Dependency unavailable", http.StatusServiceUnavailable},
		{DependencyTimeout, "Dependency timeout", http.StatusGatewayTimeout},
		{SearchIndexStale, "Search index stale", http.StatusServiceUnavailable},
		{PaymentScaRequired, "Payment SCA required", http.StatusForbidden},
		{PaymentAuthorizationDeclined, "Payment authorization declined", http.StatusPaymentRequired},
		{PaymentCaptureFailed, "Payment capture failed", http.StatusBadGateway},
		{WebhookSignatureInvalid, "Webhook signature invalid", http.StatusUnauthorized},
		{WebhookReplayDetected, "Webhook replay detected", http.StatusConflict},
		{InternalError, "Internal error", http.StatusInternalServerError},
	}

	m := make(map[string]Type, len(entries))
	for _, e := range entries {
		if !slugPattern.MatchString(e.slug) || len(e.slug) > 80 {
			panic(fmt.Sprintf("problem: invalid slug %q", e.slug))
		}
		if e.status < 100 || e.status > 599 {
			panic(fmt.Sprintf("problem: invalid status %d for %q", e.status, e.slug))
		}
		m[e.slug] = Type{
			Slug:          e.slug,
			URI:           fmt.Sprintf("https://%s/%s", ProblemHost, e.slug),
			Title:         e.title,
			DefaultStatus: e.status,
		}
	}
	return m
}

// Lookup returns the registered type for slug.
func Lookup(slug string) (Type, bool) {
	t, ok := registry[slug]
	return t, ok
}

// MustLookup returns the registered type or panics; for use with the
// package constants only.
func MustLookup(slug string) Type {
	t, ok := registry[slug]
	if !ok {
		panic(fmt.Sprintf("problem: unregistered slug %q", slug))
	}
	return t
}

// Slugs returns all registered slugs; primarily for diagnostics.
func Slugs() []string {
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	return out
}
