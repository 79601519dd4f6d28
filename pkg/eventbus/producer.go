package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/veggieshop/platform/pkg/header"
	"github.com/veggieshop/platform/pkg/tenant"
)

// headerCarrier adapts header.Headers to the OpenTelemetry text-map
// propagation API.
type headerCarrier struct{ h header.Headers }

func (c headerCarrier) Get(key string) string {
	v, _ := c.h.GetString(key)
	return v
}

func (c headerCarrier) Set(key, value string) {
	_ = c.h.SetString(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}

// PublishOptions carries the per-record envelope inputs.
type PublishOptions struct {
	Tenant            tenant.ID
	EventID           uuid.UUID // generated when Nil
	AggregateID       string
	EventFamily       string
	EntityVersion     int64
	SchemaFingerprint string
	// Extra headers are filtered by header.IsSafeToPropagate.
	Extra header.Headers
}

// PublishResult reports a completed publication.
type PublishResult struct {
	EventID  uuid.UUID
	Attempts int
	Latency  time.Duration
}

// Producer publishes records with retries, envelope headers, and W3C trace
// propagation.
type Producer struct {
	bus         Bus
	policy      RetryPolicy
	sendTimeout time.Duration
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
	clock       func() time.Time
	sleep       func(context.Context, time.Duration) error
	rng         *rand.Rand
	logger      *slog.Logger
}

// NewProducer creates a producer over bus.
func NewProducer(bus Bus, policy RetryPolicy, sendTimeout time.Duration) *Producer {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Producer{
		bus:         bus,
		policy:      policy,
		sendTimeout: sendTimeout,
		tracer:      otel.Tracer("veggieshop.platform/eventbus"),
		propagator:  otel.GetTextMapPropagator(),
		clock:       time.Now,
		sleep:       sleepCtx,
		logger:      slog.Default(),
	}
}

// WithSleeper overrides retry sleeping for deterministic testing.
func (p *Producer) WithSleeper(sleep func(context.Context, time.Duration) error) *Producer {
	p.sleep = sleep
	return p
}

// WithRand injects a deterministic jitter source.
func (p *Producer) WithRand(rng *rand.Rand) *Producer {
	p.rng = rng
	return p
}

// WithLogger overrides the logger.
func (p *Producer) WithLogger(l *slog.Logger) *Producer {
	p.logger = l
	return p
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

// Publish sends one record synchronously, retrying transient failures.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, opts PublishOptions) (PublishResult, error) {
	start := p.clock()

	eventID := opts.EventID
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}

	headers := make(header.Headers)
	env := header.Envelope{
		Tenant:            opts.Tenant,
		SchemaFingerprint: opts.SchemaFingerprint,
		EntityVersion:     opts.EntityVersion,
		EventID:           eventID,
	}
	if err := env.Attach(headers); err != nil {
		return PublishResult{}, err
	}
	if opts.AggregateID != "" {
		if err := headers.SetString(header.KeyAggregateID, opts.AggregateID); err != nil {
			return PublishResult{}, err
		}
	}
	if opts.EventFamily != "" {
		if err := headers.SetString(header.KeyEventFamily, opts.EventFamily); err != nil {
			return PublishResult{}, err
		}
	}
	header.Copy(opts.Extra, headers, header.IsSafeToPropagate)

	// W3C trace context from the active span; a relay's inbound traceparent
	// survives because the propagator writes the current context's value.
	p.propagator.Inject(ctx, headerCarrier{headers})

	rec := Record{Topic: topic, Key: key, Value: value, Headers: headers}

	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if err := headers.SetString(header.KeyProducerAttempt, fmt.Sprintf("%d", attempt)); err != nil {
			return PublishResult{}, err
		}

		attemptCtx, span := p.tracer.Start(ctx, topic+" publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", topic),
				attribute.Int("messaging.delivery.attempt", attempt),
			),
		)
		sendCtx, cancel := context.WithTimeout(attemptCtx, p.sendTimeout)
		err := p.bus.Send(sendCtx, rec)
		cancel()

		if err == nil {
			span.End()
			return PublishResult{
				EventID:  eventID,
				Attempts: attempt,
				Latency:  p.clock().Sub(start),
			}, nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		span.End()
		lastErr = err

		if !IsRetriable(err) || attempt == p.policy.MaxAttempts {
			break
		}
		delay := p.policy.Backoff(attempt, p.rng)
		p.logger.Warn("publish attempt failed, backing off",
			"topic", topic,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if serr := p.sleep(ctx, delay); serr != nil {
			return PublishResult{}, serr
		}
	}
	return PublishResult{EventID: eventID}, fmt.Errorf("eventbus: publish to %q failed: %w", topic, lastErr)
}

// PublishAsync runs Publish on its own goroutine, preserving the caller's
// tenant binding, and delivers the outcome on the returned channel.
func (p *Producer) PublishAsync(ctx context.Context, topic, key string, value []byte, opts PublishOptions) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	task := tenant.Wrap(ctx, func(inner context.Context) {
		res, err := p.Publish(inner, topic, key, value, opts)
		out <- AsyncResult{Result: res, Err: err}
	})
	go task(context.WithoutCancel(ctx))
	return out
}

// AsyncResult is the outcome of a PublishAsync call.
type AsyncResult struct {
	Result PublishResult
	Err    error
}
