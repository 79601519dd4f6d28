// Package httpserver binds the platform packages into an HTTP middleware
// chain: tenant resolution, rate limiting, authentication (JWT or HMAC),
// attribute-based authorization, the consistency gate, and idempotency, in
// that order around each route handler.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/veggieshop/platform/pkg/abac"
	"github.com/veggieshop/platform/pkg/authn"
	"github.com/veggieshop/platform/pkg/consistency"
	"github.com/veggieshop/platform/pkg/hmacauth"
	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Carrier headers for the consistency engine.
const (
	HeaderIfConsistentWith = "If-Consistent-With"
	HeaderConsistencyToken = "X-Consistency-Token"
	HeaderConsistencyStale = "X-Consistency-Stale"
	HeaderEntityVersion    = "X-Entity-Version"
)

type identityKeyType struct{}

var identityKey identityKeyType

// WithIdentity binds a verified HMAC partner identity to the context.
func WithIdentity(ctx context.Context, id hmacauth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the HMAC identity bound to the context.
func IdentityFrom(ctx context.Context) (hmacauth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(hmacauth.Identity)
	return id, ok
}

// TenantMiddleware resolves the active tenant from the request carriers and
// binds it to the context. When a bearer token is present and verifies, its
// tenant claim participates in resolution and the claims are bound for the
// authentication stage.
func TenantMiddleware(resolver *tenant.Resolver, verifier *authn.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			var candidates []tenant.Candidate

			if c, ok := resolver.HeaderCandidate(r.Header.Get); ok {
				candidates = append(candidates, c)
			}
			if verifier != nil {
				if raw, ok := authn.BearerToken(r); ok {
					claims, err := verifier.Verify(raw)
					if err != nil {
						problem.Write(w, r, problem.From(err))
						return
					}
					ctx = authn.WithClaims(ctx, claims)
					if claims.Tenant != "" {
						candidates = append(candidates, tenant.Candidate{
							Source: tenant.SourceJWTClaim,
							Value:  claims.Tenant,
						})
					}
				}
			}

			id, err := resolver.Resolve(candidates)
			if err != nil {
				problem.Write(w, r, problem.From(err))
				return
			}
			ctx, _ = tenant.Open(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthnMiddleware ensures the request carries a verified principal: bearer
// claims bound by TenantMiddleware, or an HMAC partner signature. Routes
// marked public skip this stage entirely.
func AuthnMiddleware(hmacVerifier *hmacauth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := authn.ClaimsFrom(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			if hmacVerifier != nil && hmacauth.IsSigned(r) {
				identity, body, err := hmacVerifier.Verify(r.Context(), r)
				if err != nil {
					if errors.Is(err, hmacauth.ErrNonceReplayed) {
						hmacauth.WriteChallengeError(w, "invalid_token", "Replay detected")
					} else {
						hmacauth.WriteChallenge(w)
					}
					problem.Write(w, r, problem.From(err))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}
			problem.Write(w, r, problem.New(problem.AuthenticationFailed,
				"request carries no verifiable credentials"))
		})
	}
}

// SubjectFrom builds the authorization subject from whichever principal the
// authentication stage bound.
func SubjectFrom(ctx context.Context) (abac.Subject, bool) {
	if claims, ok := authn.ClaimsFrom(ctx); ok {
		id, err := tenant.Parse(claims.Tenant)
		if err != nil {
			return abac.Subject{}, false
		}
		return abac.Subject{
			UserID:   claims.Subject,
			Tenant:   id,
			Roles:    rolesFrom(claims.Roles),
			VendorID: claims.VendorID,
			MFA:      abac.MFALevel(claims.MFA),
		}, true
	}
	if identity, ok := IdentityFrom(ctx); ok {
		return abac.Subject{
			UserID: "partner:" + identity.PartnerID,
			Tenant: identity.Tenant,
			Roles:  rolesFrom(identity.Roles),
			MFA:    abac.MFAStrong,
		}, true
	}
	return abac.Subject{}, false
}

func rolesFrom(names []string) map[abac.Role]struct{} {
	roles := make(map[abac.Role]struct{}, len(names))
	for _, n := range names {
		roles[abac.Role(n)] = struct{}{}
	}
	return roles
}

// AuthzMiddleware evaluates the gate sequence for the route's action. The
// resource function may return nil for collection routes with no concrete
// resource.
func AuthzMiddleware(engine *abac.Engine, action abac.Action, resource func(*http.Request) *abac.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := tenant.Require(r.Context())
			if err != nil {
				problem.Write(w, r, problem.From(err))
				return
			}
			subject, ok := SubjectFrom(r.Context())
			if !ok {
				problem.Write(w, r, problem.New(problem.AuthenticationFailed,
					"request carries no verifiable credentials"))
				return
			}
			req := abac.Request{
				Tenant:  id,
				Subject: subject,
				Action:  action,
			}
			if resource != nil {
				req.Resource = resource(r)
			}
			decision := engine.Authorize(r.Context(), req)
			if err := abac.Problem(decision); err != nil {
				problem.Write(w, r, problem.From(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenWriter emits the consistency token after a successful write, just
// before the response headers flush.
type tokenWriter struct {
	http.ResponseWriter
	r           *http.Request
	engine      *consistency.Engine
	id          tenant.ID
	wroteHeader bool
}

func (tw *tokenWriter) WriteHeader(code int) {
	if !tw.wroteHeader {
		tw.wroteHeader = true
		if code < 400 && isMutating(tw.r.Method) {
			version := int64(0)
			if raw := tw.Header().Get(HeaderEntityVersion); raw != "" {
				version, _ = strconv.ParseInt(raw, 10, 64)
			}
			token, err := tw.engine.ObserveWrite(tw.r.Context(), tw.id, version)
			if err == nil {
				tw.Header().Set(HeaderConsistencyToken, token)
			} else {
				tenant.Logger(tw.r.Context(), nil).Error("consistency token emission failed", "error", err)
			}
		}
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *tokenWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// ConsistencyMiddleware runs the read-your-writes gate on reads and advances
// the watermark plus emits a token on writes. When failOnStale is set, an
// exhausted gate budget fails the request with search-index-stale; otherwise
// the response is marked with X-Consistency-Stale.
func ConsistencyMiddleware(engine *consistency.Engine, failOnStale bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := tenant.Require(r.Context())
			if err != nil {
				problem.Write(w, r, problem.From(err))
				return
			}
			scope, err := engine.OpenRequest(r.Context(), id,
				r.Header.Get(HeaderIfConsistentWith), r.Header.Get(HeaderConsistencyToken))
			if err != nil {
				problem.Write(w, r, problem.New(problem.DependencyUnavailable,
					"watermark store unavailable").Wrap(err))
				return
			}

			if !isMutating(r.Method) {
				gate, err := engine.AwaitReadYourWrites(r.Context(), scope)
				if err != nil {
					problem.Write(w, r, problem.From(err))
					return
				}
				if gate.Stale {
					if failOnStale {
						problem.Write(w, r, problem.New(problem.SearchIndexStale,
							"replica has not caught up with the required watermark").
							WithTenant(id.String()))
						return
					}
					w.Header().Set(HeaderConsistencyStale, "true")
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(&tokenWriter{ResponseWriter: w, r: r, engine: engine, id: id}, r)
		})
	}
}
