package problem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
)

// Problem is the tagged failure value carried through the core. It embeds a
// registered Type plus occurrence details and extension members.
type Problem struct {
	Type       Type
	Status     int
	Detail     string
	Instance   string
	TenantID   string
	TraceID    string
	CorrID     string
	Extensions map[string]any
	Stack      string
	cause      error
}

const maxExtensionString = 512

var extensionKeyPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// New creates a Problem for a registered slug with the type's default status.
// Server-class problems capture a stack; client-class problems do not.
func New(slug, detail string) *Problem {
	t := MustLookup(slug)
	p := &Problem{
		Type:   t,
		Status: t.DefaultStatus,
		Detail: detail,
	}
	if t.DefaultStatus >= 500 {
		p.Stack = string(debug.Stack())
	}
	return p
}

// Newf creates a Problem with a formatted detail.
func Newf(slug, format string, args ...any) *Problem {
	return New(slug, fmt.Sprintf(format, args...))
}

// Wrap attaches an underlying cause without leaking it to clients.
func (p *Problem) Wrap(err error) *Problem {
	p.cause = err
	return p
}

// WithExtension adds an extension member. Keys must be lower-kebab-case;
// string values are truncated to 512 chars.
func (p *Problem) WithExtension(key string, value any) *Problem {
	if !extensionKeyPattern.MatchString(key) {
		// Invalid keys are dropped rather than corrupting the payload.
		slog.Warn("problem: dropping extension with invalid key", "key", key)
		return p
	}
	if s, ok := value.(string); ok && len(s) > maxExtensionString {
		value = s[:maxExtensionString]
	}
	if p.Extensions == nil {
		p.Extensions = make(map[string]any)
	}
	p.Extensions[key] = value
	return p
}

// WithStatus overrides the default status.
func (p *Problem) WithStatus(status int) *Problem {
	if status >= 100 && status <= 599 {
		p.Status = status
	}
	return p
}

// WithTenant records the (already validated) tenant for the payload.
func (p *Problem) WithTenant(tenantID string) *Problem {
	p.TenantID = tenantID
	return p
}

// WithTrace records trace and correlation identifiers.
func (p *Problem) WithTrace(traceID, correlationID string) *Problem {
	p.TraceID = traceID
	p.CorrID = correlationID
	return p
}

// Error implements error.
func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Type.Slug
	}
	return p.Type.Slug + ": " + p.Detail
}

// Unwrap exposes the cause to errors.Is/As.
func (p *Problem) Unwrap() error {
	return p.cause
}

// Is matches problems by slug so errors.Is works across instances.
func (p *Problem) Is(target error) bool {
	tp, ok := target.(*Problem)
	return ok && tp.Type.Slug == p.Type.Slug
}

// payload is the wire shape of RFC 7807 plus platform members.
type payload struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
}

// MarshalJSON flattens extensions into the top-level object per RFC 7807.
func (p *Problem) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(payload{
		Type:          p.Type.URI,
		Title:         p.Type.Title,
		Status:        p.Status,
		Detail:        sanitizeDetail(p),
		Instance:      p.Instance,
		TenantID:      p.TenantID,
		CorrelationID: p.CorrID,
		TraceID:       p.TraceID,
	})
	if err != nil {
		return nil, err
	}
	if len(p.Extensions) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Extensions {
		if _, reserved := merged[k]; !reserved {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

const maxInternalDetail = 256

// sanitizeDetail keeps internal messages out of 5xx payloads.
func sanitizeDetail(p *Problem) string {
	if p.Status < 500 {
		return p.Detail
	}
	d := "An unexpected error occurred."
	if p.Detail != "" && p.Type.Slug != InternalError {
		d = p.Detail
	}
	if len(d) > maxInternalDetail {
		d = d[:maxInternalDetail-1] + "…"
	}
	return d
}

// Write renders the problem as application/problem+json.
func Write(w http.ResponseWriter, r *http.Request, p *Problem) {
	if p.Instance == "" && r != nil {
		p.Instance = r.URL.Path
	}
	if p.Status >= 500 {
		slog.Error("request failed",
			"type", p.Type.Slug,
			"detail", p.Detail,
			"trace_id", p.TraceID,
			"correlation_id", p.CorrID,
			"cause", p.cause,
		)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// From converts an arbitrary error into a Problem, defaulting to
// internal-error for unrecognized values.
func From(err error) *Problem {
	if p, ok := err.(*Problem); ok { //nolint:errorlint // direct tag check before unwrap
		return p
	}
	return New(InternalError, "").Wrap(err)
}
