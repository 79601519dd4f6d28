// Package hmacauth verifies partner-signed HTTP requests: a canonical
// string-to-sign over method, path, query, body digest, and tenant, with
// timestamp skew checks and a nonce store for replay protection.
package hmacauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veggieshop/platform/pkg/hashing"
	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Request headers read by the verifier.
const (
	HeaderKeyID     = "X-Hmac-Key-Id"
	HeaderTimestamp = "X-Hmac-Timestamp"
	HeaderNonce     = "X-Hmac-Nonce"
	HeaderSignature = "X-Hmac-Signature"
	HeaderDigest    = "Digest"
)

// minNonceLen is the shortest accepted nonce.
const minNonceLen = 8

// ErrNonceReplayed marks a verification failure caused by a reused nonce,
// so the transport can attach the replay challenge. The rendered problem
// stays the generic authentication-failed.
var ErrNonceReplayed = errors.New("hmacauth: nonce already used")

// Key is one partner signing key.
type Key struct {
	KeyID          string
	Secret         []byte
	Algorithm      hashing.HmacAlgorithm
	Active         bool
	AllowedTenants map[tenant.ID]struct{}
	PartnerID      string
	Scopes         []string
	Roles          []string
}

// allowsTenant reports whether t may use the key. An empty allowlist
// admits every tenant.
func (k Key) allowsTenant(t tenant.ID) bool {
	if len(k.AllowedTenants) == 0 {
		return true
	}
	_, ok := k.AllowedTenants[t]
	return ok
}

// KeyResolver looks up signing keys by id.
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (Key, bool, error)
}

// Config tunes the verifier.
type Config struct {
	ClockSkew         time.Duration
	NonceTTL          time.Duration
	MaxBodyBytes      int64
	EnforceBodySha256 bool
}

// DefaultConfig returns the conventional bounds.
func DefaultConfig() Config {
	return Config{
		ClockSkew:    5 * time.Minute,
		NonceTTL:     10 * time.Minute,
		MaxBodyBytes: 1 << 20,
	}
}

// Identity is the authenticated partner principal.
type Identity struct {
	KeyID     string
	PartnerID string
	Tenant    tenant.ID
	Scopes    []string
	Roles     []string
}

// Verifier validates signed requests.
type Verifier struct {
	keys   KeyResolver
	nonces NonceStore
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(keys KeyResolver, nonces NonceStore, cfg Config) *Verifier {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 5 * time.Minute
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 10 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Verifier{
		keys:   keys,
		nonces: nonces,
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// IsSigned reports whether the request carries HMAC material and should go
// through Verify.
func IsSigned(r *http.Request) bool {
	return r.Header.Get(HeaderKeyID) != "" || r.Header.Get(HeaderSignature) != ""
}

func authFailed(detail string) *problem.Problem {
	return problem.New(problem.AuthenticationFailed, detail)
}

// Verify authenticates the request. The tenant must already be resolved
// into the request context. The request body is consumed; the verified
// bytes are returned for the downstream handler.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (Identity, []byte, error) {
	t, err := tenant.Require(ctx)
	if err != nil {
		return Identity{}, nil, err
	}

	keyID := r.Header.Get(HeaderKeyID)
	tsRaw := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	sigRaw := r.Header.Get(HeaderSignature)
	if keyID == "" || tsRaw == "" || nonce == "" || sigRaw == "" {
		return Identity{}, nil, authFailed("missing HMAC headers")
	}
	if len(nonce) < minNonceLen {
		return Identity{}, nil, authFailed("nonce too short")
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Identity{}, nil, authFailed("malformed timestamp")
	}
	now := v.clock()
	if delta := now.Sub(time.Unix(ts, 0)); delta > v.cfg.ClockSkew || delta < -v.cfg.ClockSkew {
		return Identity{}, nil, authFailed("timestamp outside accepted clock skew")
	}

	key, ok, err := v.keys.Resolve(ctx, keyID)
	if err != nil {
		return Identity{}, nil, fmt.Errorf("hmacauth: resolve key: %w", err)
	}
	if !ok || !key.Active {
		return Identity{}, nil, authFailed("unknown or disabled key")
	}
	if !key.allowsTenant(t) {
		return Identity{}, nil, authFailed("key not valid for tenant")
	}

	first, err := v.nonces.Register(ctx, nonceKey(keyID, t, nonce), v.cfg.NonceTTL)
	if err != nil {
		return Identity{}, nil, fmt.Errorf("hmacauth: nonce store: %w", err)
	}
	if !first {
		v.logger.Warn("hmac nonce replayed",
			tenant.LogKey, t.Obfuscated(),
			"key_id", keyID,
		)
		return Identity{}, nil, authFailed("nonce already used").Wrap(ErrNonceReplayed)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, v.cfg.MaxBodyBytes+1))
	if err != nil {
		return Identity{}, nil, fmt.Errorf("hmacauth: read body: %w", err)
	}
	if int64(len(body)) > v.cfg.MaxBodyBytes {
		return Identity{}, nil, problem.New(problem.PayloadTooLarge, "signed request body exceeds the configured limit")
	}

	digest := bodyDigest(body)
	if v.cfg.EnforceBodySha256 {
		if r.Header.Get(HeaderDigest) != "SHA-256="+digest {
			return Identity{}, nil, authFailed("body digest mismatch")
		}
	}

	sts := StringToSign(key.Algorithm, ts, nonce, r.Method, r.URL.EscapedPath(), CanonicalQuery(r.URL.RawQuery), digest, len(body) > 0, t)
	sig, err := base64.StdEncoding.DecodeString(sigRaw)
	if err != nil {
		return Identity{}, nil, authFailed("malformed signature encoding")
	}
	match, err := hashing.VerifyHmac(key.Algorithm, key.Secret, []byte(sts), sig)
	if err != nil {
		return Identity{}, nil, fmt.Errorf("hmacauth: verify: %w", err)
	}
	if !match {
		return Identity{}, nil, problem.New(problem.HmacSignatureInvalid, "request signature does not match")
	}

	return Identity{
		KeyID:     key.KeyID,
		PartnerID: key.PartnerID,
		Tenant:    t,
		Scopes:    key.Scopes,
		Roles:     key.Roles,
	}, body, nil
}

func nonceKey(keyID string, t tenant.ID, nonce string) string {
	return keyID + "|" + t.String() + "|" + nonce
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// StringToSign builds the canonical newline-delimited signing input.
func StringToSign(alg hashing.HmacAlgorithm, ts int64, nonce, method, rawPath, canonicalQuery, digest string, hasBody bool, t tenant.ID) string {
	d := "-"
	if hasBody {
		d = digest
	}
	var b strings.Builder
	b.WriteString(string(alg))
	b.WriteString("\nts:")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteString("\nnonce:")
	b.WriteString(nonce)
	b.WriteString("\nmeth:")
	b.WriteString(strings.ToUpper(method))
	b.WriteString("\npath:")
	b.WriteString(rawPath)
	b.WriteString("\nquery:")
	b.WriteString(canonicalQuery)
	b.WriteString("\ndigest:")
	b.WriteString(d)
	b.WriteString("\ntenant:")
	b.WriteString(t.String())
	return b.String()
}

// Sign computes the signature a client would attach, for tests and SDKs.
func Sign(key Key, ts int64, nonce, method, rawPath, rawQuery string, body []byte, t tenant.ID) (string, error) {
	sts := StringToSign(key.Algorithm, ts, nonce, method, rawPath, CanonicalQuery(rawQuery), bodyDigest(body), len(body) > 0, t)
	mac, err := hashing.Hmac(key.Algorithm, key.Secret, []byte(sts))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac), nil
}

// WriteChallenge sets the WWW-Authenticate header advertising the HMAC
// scheme on an authentication failure.
func WriteChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `HMAC realm="veggieshop", headers="x-hmac-key-id x-hmac-timestamp x-hmac-nonce x-hmac-signature"`)
}

// WriteChallengeError sets the WWW-Authenticate header with an RFC 6750
// style error code and description, used for failures the client should be
// able to distinguish, such as a replayed nonce.
func WriteChallengeError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("HMAC error=%q, error_description=%q", code, description))
}
