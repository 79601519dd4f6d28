package audit

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

func TestChainedAndUnchainedDiffer(t *testing.T) {
	payload := []byte("entry-1")
	plain := Compute(payload)
	chained := ComputeChained(nil, payload)
	if plain.String() == chained.String() {
		t.Fatal("domain marker must separate chained from unchained digests")
	}
}

func TestVerifyChain(t *testing.T) {
	first := ComputeChained(nil, []byte("entry-1"))
	second := ComputeChained(&first, []byte("entry-2"))

	if !VerifyChain(&first, []byte("entry-2"), second) {
		t.Fatal("valid chain link must verify")
	}
	if VerifyChain(&first, []byte("entry-2x"), second) {
		t.Fatal("payload tamper must invalidate")
	}
	tampered := first
	tampered.Bytes = append([]byte(nil), first.Bytes...)
	tampered.Bytes[0] ^= 1
	if VerifyChain(&tampered, []byte("entry-2"), second) {
		t.Fatal("prev tamper must invalidate")
	}
}

func TestVerifyUnchained(t *testing.T) {
	h := Compute([]byte("payload"))
	if !Verify([]byte("payload"), h) {
		t.Fatal("unchained digest must verify")
	}
	if Verify([]byte("payloaD"), h) {
		t.Fatal("any byte change must invalidate")
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	h := Compute([]byte("x"))
	s := h.String()
	if !strings.HasPrefix(s, "sha256:") {
		t.Fatalf("serialized form = %q", s)
	}
	parsed, err := Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.String() != s {
		t.Fatalf("round trip mismatch: %q vs %q", parsed.String(), s)
	}
}

func TestParseAcceptsHex(t *testing.T) {
	h := Compute([]byte("x"))
	parsed, err := Parse("sha256:" + hex.EncodeToString(h.Bytes))
	if err != nil {
		t.Fatal(err)
	}
	// Emission normalizes to base64url.
	if parsed.String() != h.String() {
		t.Fatalf("hex input must normalize: %q vs %q", parsed.String(), h.String())
	}
}

func TestParseRejections(t *testing.T) {
	for _, s := range []string{
		"sha256",          // no separator
		"md5:abcd",        // unknown algorithm
		"sha256:!!notb64", // undecodable
		"sha256:" + hex.EncodeToString([]byte("short")), // wrong length
	} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected rejection of %q", s)
		}
	}
}

func validMetadata() *Metadata {
	return &Metadata{
		Schema:        "audit.v1",
		Tenant:        tenant.MustParse("acme"),
		Action:        "order.create",
		ResourceType:  "order",
		ResourceID:    "o-123",
		Actor:         "user:alice",
		OccurredAt:    time.UnixMilli(1700000000000).UTC(),
		EntityVersion: 4,
		Roles:         []string{"VENDOR", "ADMIN"},
		Risk:          "MEDIUM",
		TraceID:       "4bf92f3577b34da6",
		Attributes:    map[string]string{"order-total": "12.50", "channel": "web"},
	}
}

func TestCanonicalLineFixedOrder(t *testing.T) {
	line, err := validMetadata().CanonicalLine()
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Split(line, "\n")
	if len(fields) != 15 {
		t.Fatalf("expected 15 fields, got %d", len(fields))
	}
	if fields[0] != "audit.v1" || fields[1] != "acme" || fields[6] != "1700000000000" {
		t.Fatalf("unexpected field order: %v", fields[:7])
	}
	if fields[8] != "ADMIN,VENDOR" {
		t.Fatalf("roles must be sorted: %q", fields[8])
	}
	if fields[14] != "channel=web;order-total=12.50" {
		t.Fatalf("attributes must be key-sorted: %q", fields[14])
	}
	// Optional fields render as "-".
	m := validMetadata()
	m.EntityVersion = 0
	m.Roles = nil
	m.TraceID = ""
	m.Attributes = nil
	line, _ = m.CanonicalLine()
	fields = strings.Split(line, "\n")
	if fields[7] != "-" || fields[8] != "-" || fields[10] != "-" || fields[14] != "-" {
		t.Fatalf("absent fields must render '-': %v", fields)
	}
}

func TestMetadataValidation(t *testing.T) {
	cases := []func(*Metadata){
		func(m *Metadata) { m.Action = "x" },                                        // code too short
		func(m *Metadata) { m.Actor = "has space" },                                 // invalid code char
		func(m *Metadata) { m.Tenant = tenant.ID{} },                                // missing tenant
		func(m *Metadata) { m.OccurredAt = time.Time{} },                            // missing timestamp
		func(m *Metadata) { m.Roles = []string{"!"} },                               // invalid role
		func(m *Metadata) { m.Attributes = map[string]string{"Bad-Key": "v"} },      // key case
		func(m *Metadata) { m.Attributes = map[string]string{"k": "a;b"} },          // separator in value
		func(m *Metadata) { m.Attributes = map[string]string{"k": "naïve"} },        // non-ASCII value
		func(m *Metadata) { m.Attributes = map[string]string{strings.Repeat("k", 41): "v"} }, // key length
	}
	for i, mutate := range cases {
		m := validMetadata()
		mutate(m)
		if err := m.Validate(); err == nil {
			t.Fatalf("case %d: expected validation failure", i)
		}
	}
}

func TestMetadataDigestChains(t *testing.T) {
	first, err := validMetadata().Digest(nil)
	if err != nil {
		t.Fatal(err)
	}
	m2 := validMetadata()
	m2.ResourceID = "o-124"
	second, err := m2.Digest(&first)
	if err != nil {
		t.Fatal(err)
	}
	line, _ := m2.CanonicalLine()
	if !VerifyChain(&first, []byte(line), second) {
		t.Fatal("metadata digest must verify as a chain link")
	}
}
