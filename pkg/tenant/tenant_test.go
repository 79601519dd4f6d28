package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veggieshop/platform/pkg/problem"
)

func TestParseValid(t *testing.T) {
	for _, s := range []string{"acme", "a-1", "abc-def-ghi", "  ACME  ", "x1y"} {
		if _, err := Parse(s); err != nil {
			t.Fatalf("Parse(%q) = %v", s, err)
		}
	}
	id := MustParse("  ACME  ")
	if id.String() != "acme" {
		t.Fatalf("normalization failed: %q", id.String())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "ab", "-acme", "acme-", "ac--me", "Acme!", "a b", string(make([]byte, 64))} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q) should fail", s)
		}
	}
}

func TestIsValidLaw(t *testing.T) {
	// IsValid(s) iff Parse(s) normalizes to s (after trim+lowercase).
	if !IsValid("acme-corp") {
		t.Fatal("acme-corp must be valid")
	}
	if IsValid("acme--corp") {
		t.Fatal("double hyphen must be invalid")
	}
}

func TestObfuscated(t *testing.T) {
	if got := MustParse("acme-corporation").Obfuscated(); got != "acm***on" {
		t.Fatalf("Obfuscated() = %q", got)
	}
	if got := MustParse("abc").Obfuscated(); got != "abc" {
		t.Fatalf("short ids pass through, got %q", got)
	}
}

func TestScopeRestoresPrevious(t *testing.T) {
	ctx := context.Background()
	ctx1, s1 := Open(ctx, MustParse("outer"))
	ctx2, s2 := Open(ctx1, MustParse("inner"))

	if id, _ := Current(ctx2); id.String() != "inner" {
		t.Fatalf("current = %s", id)
	}
	restored := s2.Close()
	if id, _ := Current(restored); id.String() != "outer" {
		t.Fatalf("after close, current = %s", id)
	}
	root := s1.Close()
	if _, ok := Current(root); ok {
		t.Fatal("root context must have no tenant")
	}
}

func TestRequire(t *testing.T) {
	_, err := Require(context.Background())
	if !errors.Is(err, problem.New(problem.TenantRequired, "")) {
		t.Fatalf("expected tenant-required, got %v", err)
	}
	ctx, _ := Open(context.Background(), MustParse("acme"))
	id, err := Require(ctx)
	if err != nil || id.String() != "acme" {
		t.Fatalf("Require = %s, %v", id, err)
	}
}

func TestWrapCapturesTenant(t *testing.T) {
	ctx, _ := Open(context.Background(), MustParse("acme"))
	done := make(chan string, 1)
	task := Wrap(ctx, func(inner context.Context) {
		id, _ := Current(inner)
		done <- id.String()
	})
	go task(context.Background())
	if got := <-done; got != "acme" {
		t.Fatalf("wrapped task saw tenant %q", got)
	}
}

func TestResolverPrecedence(t *testing.T) {
	r := NewResolver(ResolverConfig{EnforceConsistency: false})
	id, err := r.Resolve([]Candidate{
		{Source: SourceMessageHeader, Value: "weaker"},
		{Source: SourceExplicit, Value: "stronger"},
	})
	if err != nil || id.String() != "stronger" {
		t.Fatalf("Resolve = %s, %v", id, err)
	}
}

func TestResolverMismatch(t *testing.T) {
	r := NewResolver(DefaultResolverConfig())
	_, err := r.Resolve([]Candidate{
		{Source: SourceHTTPHeader, Value: "acme"},
		{Source: SourceJWTClaim, Value: "globex"},
	})
	if !errors.Is(err, problem.New(problem.TenantMismatch, "")) {
		t.Fatalf("expected tenant-mismatch, got %v", err)
	}
}

func TestResolverAgreementAndAbsence(t *testing.T) {
	r := NewResolver(DefaultResolverConfig())
	id, err := r.Resolve([]Candidate{
		{Source: SourceHTTPHeader, Value: "acme"},
		{Source: SourceJWTClaim, Value: "ACME"},
	})
	if err != nil || id.String() != "acme" {
		t.Fatalf("agreeing carriers must resolve, got %s, %v", id, err)
	}

	_, err = r.Resolve(nil)
	if !errors.Is(err, problem.New(problem.TenantRequired, "")) {
		t.Fatalf("expected tenant-required, got %v", err)
	}
}

func TestResolverLogContextOptIn(t *testing.T) {
	r := NewResolver(DefaultResolverConfig())
	_, err := r.Resolve([]Candidate{{Source: SourceLogContext, Value: "acme"}})
	if err == nil {
		t.Fatal("log-context carrier must be ignored unless enabled")
	}
	cfg := DefaultResolverConfig()
	cfg.UseLogContext = true
	id, err := NewResolver(cfg).Resolve([]Candidate{{Source: SourceLogContext, Value: "acme"}})
	if err != nil || id.String() != "acme" {
		t.Fatalf("Resolve = %s, %v", id, err)
	}
}

func TestHeaderAndClaimCandidates(t *testing.T) {
	r := NewResolver(DefaultResolverConfig())
	headers := map[string]string{"tenant-id": "acme"}
	c, ok := r.HeaderCandidate(func(name string) string { return headers[name] })
	if !ok || c.Value != "acme" {
		t.Fatalf("header candidate = %+v, %v", c, ok)
	}
	c, ok = r.ClaimCandidate(map[string]any{"tid": "globex"})
	if !ok || c.Value != "globex" {
		t.Fatalf("claim candidate = %+v, %v", c, ok)
	}
}

func TestNamingConventions(t *testing.T) {
	id := MustParse("acme")
	alias, err := ResourceAlias(id, "orders")
	if err != nil || alias != "tenant-acme-orders" {
		t.Fatalf("alias = %q, %v", alias, err)
	}
	first, _ := FirstIndexName(id, "orders")
	if first != "tenant-acme-orders-000001" {
		t.Fatalf("first index = %q", first)
	}
	day := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	dated, _ := DatedIndexName(id, "orders", day)
	if dated != "tenant-acme-orders-2026.08.24" {
		t.Fatalf("dated index = %q", dated)
	}
	if _, err := ResourceAlias(id, "Bad Domain"); err == nil {
		t.Fatal("invalid domain must be rejected")
	}
}
