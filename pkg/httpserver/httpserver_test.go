package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/abac"
	"github.com/veggieshop/platform/pkg/authn"
	"github.com/veggieshop/platform/pkg/consistency"
	"github.com/veggieshop/platform/pkg/hashing"
	"github.com/veggieshop/platform/pkg/hmacauth"
	"github.com/veggieshop/platform/pkg/idempotency"
	"github.com/veggieshop/platform/pkg/ratelimit"
	"github.com/veggieshop/platform/pkg/tenant"
)

var jwtSecret = []byte("httpserver-test-secret")

func issueToken(t *testing.T, tenantID, subject string, roles []string, mfa string) string {
	t.Helper()
	token, err := authn.IssueHS256(jwtSecret, authn.Claims{
		Tenant: tenantID,
		Roles:  roles,
		MFA:    mfa,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func newTestServer(t *testing.T) (*Server, *consistency.MemoryWatermarkStore) {
	t.Helper()
	signer, err := consistency.NewHkdfSigner([]byte("0123456789abcdef0123456789abcdef"), "k1")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	watermarks := consistency.NewMemoryWatermarkStore()
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		DefaultPolicy: ratelimit.Policy{Capacity: 100, RefillTokens: 100, RefillPeriod: time.Second},
	})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	return New(Config{
		Resolver:    tenant.NewResolver(tenant.DefaultResolverConfig()),
		Limiter:     limiter,
		JWTVerifier: authn.StaticKeyVerifier(jwtSecret, authn.Config{}),
		Authz:       abac.NewEngine(abac.DefaultConfig()),
		Consistency: consistency.NewEngine(watermarks, signer, consistency.DefaultConfig()),
		Idempotency: idempotency.NewMemoryStore(),
	}), watermarks
}

func echoTenant(w http.ResponseWriter, r *http.Request) {
	id, _ := tenant.Current(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"tenant": id.String()})
}

func TestChainRejectsMissingTenant(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.HandleFunc("/v1/orders", echoTenant, RouteOptions{Public: true})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/problem+json") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestChainRejectsCarrierMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.HandleFunc("/v1/orders", echoTenant, RouteOptions{Action: abac.ActionRead})

	r := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	r.Header.Set("X-Tenant-Id", "acme")
	r.Header.Set("Authorization", "Bearer "+issueToken(t, "globex", "u1", []string{"BUYER"}, "WEAK"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestChainRejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.HandleFunc("/v1/orders", echoTenant, RouteOptions{Action: abac.ActionRead})

	r := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	r.Header.Set("X-Tenant-Id", "acme")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

type partnerKeys map[string]hmacauth.Key

func (p partnerKeys) Resolve(_ context.Context, id string) (hmacauth.Key, bool, error) {
	k, ok := p[id]
	return k, ok, nil
}

func TestChainEmitsReplayChallengeForReusedNonce(t *testing.T) {
	key := hmacauth.Key{
		KeyID:     "pk-1",
		Secret:    []byte("partner-secret"),
		Algorithm: hashing.HmacSHA256,
		Active:    true,
		PartnerID: "partner-7",
		Roles:     []string{"ADMIN"},
	}
	signer, err := consistency.NewHkdfSigner([]byte("0123456789abcdef0123456789abcdef"), "k1")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.DefaultConfig())
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	srv := New(Config{
		Resolver:     tenant.NewResolver(tenant.DefaultResolverConfig()),
		Limiter:      limiter,
		HMACVerifier: hmacauth.NewVerifier(partnerKeys{key.KeyID: key}, hmacauth.NewMemoryNonceStore(), hmacauth.DefaultConfig()),
		Authz:        abac.NewEngine(abac.DefaultConfig()),
		Consistency:  consistency.NewEngine(consistency.NewMemoryWatermarkStore(), signer, consistency.DefaultConfig()),
		Idempotency:  idempotency.NewMemoryStore(),
	})
	srv.HandleFunc("/v1/partner", echoTenant, RouteOptions{Action: abac.ActionRead})

	signedRequest := func() *http.Request {
		ts := time.Now().Unix()
		sig, err := hmacauth.Sign(key, ts, "nonce-0001", http.MethodGet, "/v1/partner", "", nil, tenant.MustParse("acme"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		r := httptest.NewRequest(http.MethodGet, "/v1/partner", nil)
		r.Header.Set("X-Tenant-Id", "acme")
		r.Header.Set(hmacauth.HeaderKeyID, key.KeyID)
		r.Header.Set(hmacauth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		r.Header.Set(hmacauth.HeaderNonce, "nonce-0001")
		r.Header.Set(hmacauth.HeaderSignature, sig)
		return r
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest())
	if rec.Code != http.StatusOK {
		t.Fatalf("first use status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedRequest())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, body %s", rec.Code, rec.Body.String())
	}
	want := `HMAC error="invalid_token", error_description="Replay detected"`
	if got := rec.Header().Get("WWW-Authenticate"); got != want {
		t.Fatalf("challenge = %q, want %q", got, want)
	}
}

func TestChainPermitsAuthenticatedRead(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.HandleFunc("/v1/orders", echoTenant, RouteOptions{Action: abac.ActionRead})

	r := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	r.Header.Set("Authorization", "Bearer "+issueToken(t, "acme", "u1", []string{"BUYER"}, "WEAK"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"tenant":"acme"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("RateLimit-Limit") == "" {
		t.Fatal("rate limit headers missing")
	}
}

func TestChainDeniesCrossRoleWrite(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.HandleFunc("/v1/secrets", echoTenant, RouteOptions{Action: abac.ActionManageSecrets})

	r := httptest.NewRequest(http.MethodPost, "/v1/secrets", strings.NewReader(`{}`))
	r.Header.Set("Authorization", "Bearer "+issueToken(t, "acme", "u1", []string{"BUYER"}, "STRONG"))
	r.Header.Set(idempotency.HeaderKey, uuid.NewString())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestWriteEmitsConsistencyToken(t *testing.T) {
	srv, watermarks := newTestServer(t)
	srv.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderEntityVersion, "3")
		w.WriteHeader(http.StatusCreated)
	}, RouteOptions{Action: abac.ActionCreate})

	r := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{"sku":"carrot"}`))
	r.Header.Set("Authorization", "Bearer "+issueToken(t, "acme", "u1", []string{"ADMIN"}, "STRONG"))
	r.Header.Set(idempotency.HeaderKey, uuid.NewString())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get(HeaderConsistencyToken)
	if token == "" {
		t.Fatal("no consistency token on write response")
	}

	wm, err := watermarks.Current(context.Background(), tenant.MustParse("acme"))
	if err != nil || wm == 0 {
		t.Fatalf("watermark = %d, %v", wm, err)
	}
}

func TestReadHonorsIfConsistentWith(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderEntityVersion, "1")
		w.WriteHeader(http.StatusCreated)
	}, RouteOptions{Action: abac.ActionCreate})
	srv.HandleFunc("/v1/orders/{id}", echoTenant, RouteOptions{Action: abac.ActionRead})

	write := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{}`))
	write.Header.Set("Authorization", "Bearer "+issueToken(t, "acme", "u1", []string{"ADMIN"}, "STRONG"))
	write.Header.Set(idempotency.HeaderKey, uuid.NewString())
	writeRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(writeRec, write)
	token := writeRec.Header().Get(HeaderConsistencyToken)
	if token == "" {
		t.Fatal("write emitted no token")
	}

	read := httptest.NewRequest(http.MethodGet, "/v1/orders/o-1", nil)
	read.Header.Set("Authorization", "Bearer "+issueToken(t, "acme", "u1", []string{"BUYER"}, "WEAK"))
	read.Header.Set(HeaderIfConsistentWith, token)
	readRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(readRec, read)
	if readRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", readRec.Code, readRec.Body.String())
	}
	if readRec.Header().Get(HeaderConsistencyStale) != "" {
		t.Fatal("caught-up read marked stale")
	}
}

func TestReadMarksStaleWhenBudgetExhausts(t *testing.T) {
	signer, err := consistency.NewHkdfSigner([]byte("0123456789abcdef0123456789abcdef"), "k1")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	// Separate watermark stores: the token is minted against an advanced
	// store, the serving replica never catches up.
	primary := consistency.NewMemoryWatermarkStore()
	replica := consistency.NewMemoryWatermarkStore()
	cfg := consistency.DefaultConfig()
	cfg.RywMaxWait = 50 * time.Millisecond

	primaryEngine := consistency.NewEngine(primary, signer, cfg)
	id := tenant.MustParse("acme")
	if _, err := primary.AdvanceToNow(context.Background(), id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	token, err := primaryEngine.EmitToken(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	srv := New(Config{
		Resolver:    tenant.NewResolver(tenant.DefaultResolverConfig()),
		Consistency: consistency.NewEngine(replica, signer, cfg),
	})
	srv.HandleFunc("/v1/orders", echoTenant, RouteOptions{Public: true})
	srv.HandleFunc("/v1/search", echoTenant, RouteOptions{Public: true, FailOnStale: true})

	r := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	r.Header.Set("X-Tenant-Id", "acme")
	r.Header.Set(HeaderIfConsistentWith, token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || rec.Header().Get(HeaderConsistencyStale) != "true" {
		t.Fatalf("status = %d, stale = %q", rec.Code, rec.Header().Get(HeaderConsistencyStale))
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/search", nil)
	r.Header.Set("X-Tenant-Id", "acme")
	r.Header.Set(HeaderIfConsistentWith, token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("FailOnStale status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestIdempotentWriteReplays(t *testing.T) {
	srv, _ := newTestServer(t)
	calls := 0
	srv.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	}, RouteOptions{Action: abac.ActionCreate})

	key := uuid.NewString()
	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{"sku":"carrot"}`))
		r.Header.Set("Authorization", "Bearer "+issueToken(t, "acme", "u1", []string{"ADMIN"}, "STRONG"))
		r.Header.Set(idempotency.HeaderKey, key)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, r)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, body %s", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusCreated || second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay status = %d, replayed = %q", second.Code, second.Header().Get("Idempotency-Replayed"))
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if second.Body.String() != `{"id":"o-1"}` {
		t.Fatalf("replayed body = %s", second.Body.String())
	}
}

func TestRateLimitDenialShortCircuits(t *testing.T) {
	signerLimiter, err := ratelimit.NewLimiter(ratelimit.Config{
		DefaultPolicy: ratelimit.Policy{Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute},
	})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	srv := New(Config{
		Resolver: tenant.NewResolver(tenant.DefaultResolverConfig()),
		Limiter:  signerLimiter,
	})
	srv.HandleFunc("/v1/orders", echoTenant, RouteOptions{Public: true})

	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
		r.Header.Set("X-Tenant-Id", "acme")
		r.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, r)
		return rec
	}
	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing on denial")
	}
}
