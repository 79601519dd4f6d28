package tenant

import (
	"context"
	"log/slog"

	"github.com/veggieshop/platform/pkg/problem"
)

type contextKey string

const tenantKey contextKey = "tenant"

// LogKey is the structured-log attribute under which the current tenant is
// mirrored.
const LogKey = "tenantId"

// Scope binds a tenant to a context and restores the previous binding when
// closed. Scopes are per-request values, never globals.
type Scope struct {
	ctx      context.Context
	previous ID
	had      bool
}

// Open binds id to ctx, returning the derived context and a Scope that
// records the previous binding.
func Open(ctx context.Context, id ID) (context.Context, *Scope) {
	prev, had := fromContext(ctx)
	next := context.WithValue(ctx, tenantKey, id)
	return next, &Scope{ctx: ctx, previous: prev, had: had}
}

// Close returns the context as it was before Open.
func (s *Scope) Close() context.Context {
	if !s.had {
		return s.ctx
	}
	return context.WithValue(s.ctx, tenantKey, s.previous)
}

func fromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(tenantKey).(ID)
	return id, ok && !id.IsZero()
}

// Current returns the tenant bound to ctx, if any.
func Current(ctx context.Context) (ID, bool) {
	return fromContext(ctx)
}

// Require returns the bound tenant or a tenant-required problem.
func Require(ctx context.Context) (ID, error) {
	id, ok := fromContext(ctx)
	if !ok {
		return ID{}, problem.New(problem.TenantRequired, "no tenant bound to request context")
	}
	return id, nil
}

// Wrap captures the current tenant and restores it when task runs on another
// goroutine or worker.
func Wrap(ctx context.Context, task func(context.Context)) func(context.Context) {
	captured, had := fromContext(ctx)
	return func(inner context.Context) {
		if had {
			inner = context.WithValue(inner, tenantKey, captured)
		}
		task(inner)
	}
}

// Logger returns logger with the obfuscated current tenant attached, or
// logger unchanged when no tenant is bound.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id, ok := fromContext(ctx); ok {
		return logger.With(LogKey, id.Obfuscated())
	}
	return logger
}
