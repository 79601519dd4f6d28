package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/tenant"
)

// Dimension is one component of the composite bucket key.
type Dimension string

const (
	DimIP     Dimension = "ip"
	DimTenant Dimension = "tenant"
	DimPath   Dimension = "path"
	// Header dimensions are written as "header:<NAME>".
	dimHeaderPrefix = "header:"
)

// HeaderDimension builds a header-valued dimension.
func HeaderDimension(name string) Dimension {
	return Dimension(dimHeaderPrefix + name)
}

// DefaultDimensions is the composite key used when none is configured.
func DefaultDimensions() []Dimension {
	return []Dimension{DimTenant, DimIP}
}

// KeyFor renders the composite key for a request.
func KeyFor(r *http.Request, dims []Dimension) string {
	if len(dims) == 0 {
		dims = DefaultDimensions()
	}
	parts := make([]string, 0, len(dims))
	for _, d := range dims {
		switch {
		case d == DimIP:
			parts = append(parts, clientIP(r))
		case d == DimTenant:
			if id, ok := tenant.Current(r.Context()); ok {
				parts = append(parts, id.String())
			} else {
				parts = append(parts, "-")
			}
		case d == DimPath:
			parts = append(parts, r.URL.Path)
		case strings.HasPrefix(string(d), dimHeaderPrefix):
			name := strings.TrimPrefix(string(d), dimHeaderPrefix)
			if v := r.Header.Get(name); v != "" {
				parts = append(parts, v)
			} else {
				parts = append(parts, "-")
			}
		}
	}
	return strings.Join(parts, "|")
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteHeaders emits the RateLimit response headers for d.
func WriteHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("RateLimit-Limit", fmt.Sprintf("%d;w=%d", d.Limit, d.WindowSeconds))
	w.Header().Set("RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("RateLimit-Reset", fmt.Sprintf("%d", d.ResetSeconds))
	if !d.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", d.RetryAfter))
	}
}

// Middleware enforces the limiter for every request, keyed by dims.
func Middleware(l *Limiter, dims []Dimension) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(KeyFor(r, dims), r.URL.Path)
			WriteHeaders(w, d)
			if !d.Allowed {
				p := problem.New(problem.RateLimited, "request rate exceeded for this client").
					WithExtension("retry-after-seconds", d.RetryAfter)
				problem.Write(w, r, p)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
