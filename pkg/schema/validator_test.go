package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/veggieshop/platform/pkg/problem"
)

const orderSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["order_id", "total_cents"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"total_cents": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if _, err := r.Register("orders.created", []byte(orderSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestValidatePassesConformingPayload(t *testing.T) {
	r := newRegistry(t)
	if err := r.Validate("orders.created", []byte(`{"order_id":"o-1","total_cents":499}`)); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsViolations(t *testing.T) {
	r := newRegistry(t)
	for name, payload := range map[string]string{
		"missing field": `{"order_id":"o-1"}`,
		"wrong type":    `{"order_id":"o-1","total_cents":"499"}`,
		"negative":      `{"order_id":"o-1","total_cents":-1}`,
		"extra field":   `{"order_id":"o-1","total_cents":1,"x":true}`,
		"not json":      `{`,
	} {
		t.Run(name, func(t *testing.T) {
			err := r.Validate("orders.created", []byte(payload))
			var p *problem.Problem
			if !errors.As(err, &p) || p.Type.Slug != problem.SchemaValidationFailed {
				t.Fatalf("error = %v", err)
			}
		})
	}
}

func TestValidateUnknownEventType(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("unknown.event", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "no schema registered") {
		t.Fatalf("error = %v", err)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("bad", []byte(`{"type": 42}`)); err == nil {
		t.Fatal("invalid schema accepted")
	}
}

func TestFingerprintIsStableAcrossKeyOrder(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	fp1, err := a.Register("e", []byte(`{"type":"object","required":["a"],"properties":{"a":{"type":"string"}}}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	fp2, err := b.Register("e", []byte(`{"properties":{"a":{"type":"string"}},"required":["a"],"type":"object"}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("fingerprints differ across key order: %s vs %s", fp1, fp2)
	}
	if !strings.HasPrefix(fp1, "sha256:") {
		t.Fatalf("fingerprint = %q", fp1)
	}

	got, ok := a.Fingerprint("e")
	if !ok || got != fp1 {
		t.Fatalf("lookup = %q, %v", got, ok)
	}
}
