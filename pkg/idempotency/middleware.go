package idempotency

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/veggieshop/platform/pkg/hashing"
	"github.com/veggieshop/platform/pkg/problem"
	"github.com/veggieshop/platform/pkg/tenant"
)

// HeaderKey is the client-supplied idempotency key header.
const HeaderKey = "Idempotency-Key"

// DefaultTTL is how long a stored snapshot remains replayable.
const DefaultTTL = 24 * time.Hour

var hex32Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// ParseKey accepts RFC 4122 UUIDs in canonical hyphenated or 32-hex form.
func ParseKey(s string) (uuid.UUID, error) {
	if hex32Pattern.MatchString(s) {
		return uuid.Parse(s[:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:])
	}
	return uuid.Parse(s)
}

// responseCapture wraps http.ResponseWriter to record what the handler sent.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Middleware enforces idempotency on mutating requests. The key is required:
// a missing or malformed key fails with validation-failed rather than
// silently running the handler twice.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			id, err := tenant.Require(r.Context())
			if err != nil {
				problem.Write(w, r, problem.From(err))
				return
			}

			raw := r.Header.Get(HeaderKey)
			if raw == "" {
				problem.Write(w, r, problem.New(problem.ValidationFailed,
					"Idempotency-Key header is required on mutating requests").WithTenant(id.String()))
				return
			}
			key, err := ParseKey(raw)
			if err != nil {
				problem.Write(w, r, problem.New(problem.ValidationFailed,
					"Idempotency-Key must be an RFC 4122 UUID").WithTenant(id.String()).Wrap(err))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				problem.Write(w, r, problem.New(problem.ValidationFailed, "request body unreadable").Wrap(err))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash, err := requestHashFor(r, body)
			if err != nil {
				problem.Write(w, r, problem.From(err))
				return
			}

			res, err := store.Begin(r.Context(), id, key, requestHash, r.Method, r.URL.Path, ttl)
			if err != nil {
				problem.Write(w, r, problem.New(problem.DependencyUnavailable,
					"idempotency store unavailable").Wrap(err))
				return
			}

			if !res.Inserted {
				existing := res.Existing
				if existing.RequestHash != requestHash {
					problem.Write(w, r, problem.New(problem.IdempotencyKeyConflict,
						"Idempotency-Key was already used for a different request").
						WithTenant(id.String()).
						WithExtension("idempotency-key", key.String()))
					return
				}
				if !existing.Completed {
					// First execution still in flight; the client should retry.
					problem.Write(w, r, problem.New(problem.Conflict,
						"original request is still being processed").
						WithTenant(id.String()).
						WithExtension("idempotency-key", key.String()))
					return
				}
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(existing.Status)
				_, _ = w.Write(existing.ResponseBody)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if err := store.Complete(r.Context(), id, key, capture.statusCode, capture.body.Bytes()); err != nil {
				// Response already went to the client; the slot stays claimed
				// so a retry surfaces conflict instead of re-executing.
				tenant.Logger(r.Context(), nil).Error("idempotency snapshot store failed", "error", err)
			}
		})
	}
}

// requestHashFor computes the canonical hash the store compares replays by.
func requestHashFor(r *http.Request, body []byte) (string, error) {
	return hashing.RequestHash(r.Method, r.URL.Path, hashableHeaders(r), body)
}

// hashableHeaders selects the headers that participate in the request hash.
// Volatile transport headers would make identical retries hash differently.
func hashableHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, 2)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		out["content-type"] = ct
	}
	if tid := r.Header.Get("X-Tenant-Id"); tid != "" {
		out["x-tenant-id"] = tid
	}
	return out
}

// Sweeper deletes expired snapshots in capped batches until the context is
// cancelled.
type Sweeper struct {
	store     Store
	batchSize int
	interval  time.Duration
}

// NewSweeper creates a sweeper.
func NewSweeper(store Store, batchSize int, interval time.Duration) *Sweeper {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, batchSize: batchSize, interval: interval}
}

// Run blocks, sweeping every interval, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := s.store.Sweep(ctx, s.batchSize)
				if err != nil || n < s.batchSize {
					break
				}
			}
		}
	}
}
