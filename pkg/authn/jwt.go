// Package authn verifies bearer tokens and exposes the resulting claims to
// the tenant resolver and the authorization layer.
package authn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veggieshop/platform/pkg/problem"
)

// Claims are the platform claims carried in an access token.
type Claims struct {
	Tenant   string   `json:"tenant"`
	Roles    []string `json:"roles"`
	VendorID string   `json:"vendor_id,omitempty"`
	// MFA is the authentication strength: NONE, WEAK, or STRONG.
	MFA string `json:"mfa,omitempty"`
	jwt.RegisteredClaims
}

// Config tunes token verification.
type Config struct {
	Issuer   string
	Audience string
	// Leeway absorbs clock drift on exp/nbf checks.
	Leeway time.Duration
}

// Verifier validates bearer tokens with a static HMAC key or an injected
// keyfunc (JWKS-backed in production wiring).
type Verifier struct {
	keyfunc jwt.Keyfunc
	cfg     Config
	parser  *jwt.Parser
}

// NewVerifier creates a verifier around keyfunc.
func NewVerifier(keyfunc jwt.Keyfunc, cfg Config) *Verifier {
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "ES256"}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{keyfunc: keyfunc, cfg: cfg, parser: jwt.NewParser(opts...)}
}

// StaticKeyVerifier builds a verifier over one shared HMAC secret.
func StaticKeyVerifier(secret []byte, cfg Config) *Verifier {
	return NewVerifier(func(*jwt.Token) (any, error) { return secret, nil }, cfg)
}

// Verify parses and validates the compact token.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.keyfunc)
	if err != nil {
		return nil, problem.New(problem.JwtInvalid, "bearer token rejected").Wrap(err)
	}
	if !token.Valid {
		return nil, problem.New(problem.JwtInvalid, "bearer token rejected")
	}
	if claims.Subject == "" {
		return nil, problem.New(problem.JwtInvalid, "bearer token missing subject")
	}
	return claims, nil
}

// BearerToken extracts the compact token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

type claimsKeyType struct{}

var claimsKey claimsKeyType

// WithClaims binds verified claims to the context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom returns the verified claims bound to the context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// RequireClaims returns the bound claims or an authentication problem.
func RequireClaims(ctx context.Context) (*Claims, error) {
	c, ok := ClaimsFrom(ctx)
	if !ok {
		return nil, problem.New(problem.AuthenticationFailed, "request is not authenticated")
	}
	return c, nil
}

// IssueHS256 mints a token for tests and local tooling.
func IssueHS256(secret []byte, claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("authn: sign token: %w", err)
	}
	return signed, nil
}
