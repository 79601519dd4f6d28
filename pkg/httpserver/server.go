package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/veggieshop/platform/pkg/abac"
	"github.com/veggieshop/platform/pkg/authn"
	"github.com/veggieshop/platform/pkg/consistency"
	"github.com/veggieshop/platform/pkg/hmacauth"
	"github.com/veggieshop/platform/pkg/idempotency"
	"github.com/veggieshop/platform/pkg/ratelimit"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Config assembles the middleware chain's collaborators. JWTVerifier and
// HMACVerifier are optional; a route that is not Public rejects requests
// carrying neither credential.
type Config struct {
	Resolver     *tenant.Resolver
	Limiter      *ratelimit.Limiter
	Dimensions   []ratelimit.Dimension
	JWTVerifier  *authn.Verifier
	HMACVerifier *hmacauth.Verifier
	Authz        *abac.Engine
	Consistency  *consistency.Engine
	Idempotency  idempotency.Store
	// IdempotencyTTL bounds snapshot replay; zero means the package default.
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// RouteOptions tune the chain per route.
type RouteOptions struct {
	// Public skips authentication and authorization.
	Public bool
	// Action is the authorized operation; required unless Public.
	Action abac.Action
	// Resource supplies the concrete resource attributes, when any.
	Resource func(*http.Request) *abac.Resource
	// FailOnStale turns an exhausted read-your-writes budget into
	// search-index-stale instead of a stale-marked response.
	FailOnStale bool
}

// Server owns the mux and the assembled chain.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	logger *slog.Logger
}

// New creates a server around cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, mux: http.NewServeMux(), logger: logger}
}

// Handle registers handler under pattern behind the full chain.
func (s *Server) Handle(pattern string, handler http.Handler, opts RouteOptions) {
	s.mux.Handle(pattern, s.chain(handler, opts))
}

// HandleFunc registers handler under pattern behind the full chain.
func (s *Server) HandleFunc(pattern string, handler http.HandlerFunc, opts RouteOptions) {
	s.Handle(pattern, handler, opts)
}

// Handler returns the assembled root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// chain wraps handler inside-out so execution order is tenant, rate limit,
// authentication, authorization, consistency, idempotency, handler.
func (s *Server) chain(handler http.Handler, opts RouteOptions) http.Handler {
	h := handler
	if s.cfg.Idempotency != nil {
		h = idempotency.Middleware(s.cfg.Idempotency, s.cfg.IdempotencyTTL)(h)
	}
	if s.cfg.Consistency != nil {
		h = ConsistencyMiddleware(s.cfg.Consistency, opts.FailOnStale)(h)
	}
	if !opts.Public {
		if s.cfg.Authz != nil {
			h = AuthzMiddleware(s.cfg.Authz, opts.Action, opts.Resource)(h)
		}
		h = AuthnMiddleware(s.cfg.HMACVerifier)(h)
	}
	if s.cfg.Limiter != nil {
		dims := s.cfg.Dimensions
		if len(dims) == 0 {
			dims = ratelimit.DefaultDimensions()
		}
		h = ratelimit.Middleware(s.cfg.Limiter, dims)(h)
	}
	h = TenantMiddleware(s.cfg.Resolver, s.cfg.JWTVerifier)(h)
	return h
}

// Run serves on addr until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
