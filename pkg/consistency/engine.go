package consistency

import (
	"context"
	"log/slog"
	"time"

	"github.com/veggieshop/platform/pkg/tenant"
)

// Config holds the engine's timing knobs.
type Config struct {
	// TokenTTL bounds how long an issued token seeds read-your-writes.
	TokenTTL time.Duration
	// ClockSkew is the tolerated cross-node clock drift.
	ClockSkew time.Duration
	// RywInitialPoll is the first watermark re-check delay.
	RywInitialPoll time.Duration
	// RywMaxPoll caps the doubling re-check delay.
	RywMaxPoll time.Duration
	// RywMaxWait bounds the total gate budget.
	RywMaxWait time.Duration
}

// DefaultConfig mirrors the conventional gate timings.
func DefaultConfig() Config {
	return Config{
		TokenTTL:       5 * time.Minute,
		ClockSkew:      30 * time.Second,
		RywInitialPoll: 20 * time.Millisecond,
		RywMaxPoll:     150 * time.Millisecond,
		RywMaxWait:     2 * time.Second,
	}
}

// Engine combines the watermark store and token signer behind the
// request-scope API.
type Engine struct {
	store  WatermarkStore
	signer Signer
	cfg    Config
	clock  func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(store WatermarkStore, signer Signer, cfg Config) *Engine {
	return &Engine{
		store:  store,
		signer: signer,
		cfg:    cfg,
		clock:  time.Now,
		sleep:  sleepCtx,
		logger: slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithSleeper overrides the gate's sleep for deterministic testing.
func (e *Engine) WithSleeper(sleep func(context.Context, time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RequestScope carries the consistency demands of one request.
type RequestScope struct {
	Tenant tenant.ID
	// IfConsistentWith is the verified read gate token, when present.
	IfConsistentWith *Token
	// PriorToken is the verified token from the caller's previous write.
	PriorToken *Token
}

// RequiredWatermarkOrZero returns the watermark the read gate must reach.
func (s *RequestScope) RequiredWatermarkOrZero() int64 {
	if s.IfConsistentWith == nil {
		return 0
	}
	return s.IfConsistentWith.WatermarkMs
}

// OpenRequest parses and validates the optional tokens and seeds
// read-your-writes from the prior token's watermark. Tokens that fail
// verification are treated as absent, never as errors: a stale token must
// not break the request.
func (e *Engine) OpenRequest(ctx context.Context, id tenant.ID, ifConsistentWith, priorToken string) (*RequestScope, error) {
	scope := &RequestScope{Tenant: id}
	now := e.clock()

	if tok, ok := e.parseValid(id, ifConsistentWith, now); ok {
		scope.IfConsistentWith = tok
	}
	if tok, ok := e.parseValid(id, priorToken, now); ok {
		scope.PriorToken = tok
		if _, err := e.store.AdvanceAtLeast(ctx, id, tok.WatermarkMs); err != nil {
			return nil, err
		}
	}
	return scope, nil
}

func (e *Engine) parseValid(id tenant.ID, encoded string, now time.Time) (*Token, bool) {
	if encoded == "" {
		return nil, false
	}
	tok, err := Decode(encoded, e.signer)
	if err != nil {
		e.logger.Debug("discarding unverifiable consistency token", "error", err)
		return nil, false
	}
	if !tok.VerifyFor(id, now, e.cfg.TokenTTL, e.cfg.ClockSkew) {
		return nil, false
	}
	return &tok, true
}

// GateResult reports how the read-your-writes gate resolved.
type GateResult struct {
	// Reached is true when the watermark met the requirement in budget.
	Reached bool
	// Stale is true when the budget ran out with the watermark still short;
	// the HTTP binding decides whether that fails the request.
	Stale bool
	// Waited is the total time spent in the gate.
	Waited time.Duration
}

// AwaitReadYourWrites blocks until the tenant watermark is at least the
// scope's requirement, polling with exponential backoff up to RywMaxWait.
func (e *Engine) AwaitReadYourWrites(ctx context.Context, scope *RequestScope) (GateResult, error) {
	required := scope.RequiredWatermarkOrZero()
	if required == 0 {
		return GateResult{Reached: true}, nil
	}

	start := e.clock()
	poll := e.cfg.RywInitialPoll
	for {
		cur, err := e.store.Current(ctx, scope.Tenant)
		if err != nil {
			return GateResult{}, err
		}
		if cur >= required {
			return GateResult{Reached: true, Waited: e.clock().Sub(start)}, nil
		}
		waited := e.clock().Sub(start)
		if waited+poll > e.cfg.RywMaxWait {
			e.logger.Warn("read-your-writes budget exhausted",
				tenant.LogKey, scope.Tenant.Obfuscated(),
				"required_ms", required,
				"current_ms", cur,
			)
			return GateResult{Stale: true, Waited: waited}, nil
		}
		if err := e.sleep(ctx, poll); err != nil {
			return GateResult{}, err
		}
		poll *= 2
		if poll > e.cfg.RywMaxPoll {
			poll = e.cfg.RywMaxPoll
		}
	}
}

// EmitToken issues a signed token for the tenant's current watermark,
// optionally binding an entity version.
func (e *Engine) EmitToken(ctx context.Context, id tenant.ID, entityVersion int64) (string, error) {
	wm, err := e.store.Current(ctx, id)
	if err != nil {
		return "", err
	}
	return Encode(Token{
		Tenant:        id,
		IssuedAtMs:    e.clock().UnixMilli(),
		WatermarkMs:   wm,
		EntityVersion: entityVersion,
	}, e.signer)
}

// ObserveWrite advances the tenant watermark to now and returns a token for
// the response.
func (e *Engine) ObserveWrite(ctx context.Context, id tenant.ID, entityVersion int64) (string, error) {
	if _, err := e.store.AdvanceToNow(ctx, id); err != nil {
		return "", err
	}
	return e.EmitToken(ctx, id, entityVersion)
}
