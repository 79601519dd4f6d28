package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/veggieshop/platform/pkg/hashing"
	"github.com/veggieshop/platform/pkg/header"
)

// DLQSuffix is appended to the source topic to form its dead-letter topic.
const DLQSuffix = ".DLQ"

// maxDiagnosticBytes bounds each x-error-* header value.
const maxDiagnosticBytes = 512

// Handler processes one consumed record.
type Handler func(ctx context.Context, rec Record) error

// Committer acknowledges a record with the broker once it is handled or
// parked. Committing after DLQ routing is what guarantees at-least-once.
type Committer interface {
	Commit(ctx context.Context, rec Record) error
}

// Disposition reports how a record left the error handler.
type Disposition string

const (
	DispositionHandled Disposition = "HANDLED"
	DispositionDLQ     Disposition = "DLQ"
)

// ErrorHandler wraps a consumer handler with the retry schedule and DLQ
// routing. Non-retryable failures skip the schedule and park immediately.
type ErrorHandler struct {
	dlq    Bus
	policy RetryPolicy
	tracer trace.Tracer
	clock  func() time.Time
	sleep  func(context.Context, time.Duration) error
	rng    *rand.Rand
	logger *slog.Logger
}

// NewErrorHandler creates an error handler publishing dead letters on dlq.
func NewErrorHandler(dlq Bus, policy RetryPolicy) *ErrorHandler {
	return &ErrorHandler{
		dlq:    dlq,
		policy: policy,
		tracer: otel.Tracer("veggieshop.platform/eventbus"),
		clock:  time.Now,
		sleep:  sleepCtx,
		logger: slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (h *ErrorHandler) WithClock(clock func() time.Time) *ErrorHandler {
	h.clock = clock
	return h
}

// WithSleeper overrides retry sleeping for deterministic testing.
func (h *ErrorHandler) WithSleeper(sleep func(context.Context, time.Duration) error) *ErrorHandler {
	h.sleep = sleep
	return h
}

// WithRand injects a deterministic jitter source.
func (h *ErrorHandler) WithRand(rng *rand.Rand) *ErrorHandler {
	h.rng = rng
	return h
}

// WithLogger overrides the logger.
func (h *ErrorHandler) WithLogger(l *slog.Logger) *ErrorHandler {
	h.logger = l
	return h
}

// Handle runs handler against rec, retrying transient failures per the
// policy and routing exhausted or non-retryable failures to the DLQ. The
// record is committed in every outcome except a DLQ publish failure, so the
// broker redelivers only when the dead letter was not durably parked.
func (h *ErrorHandler) Handle(ctx context.Context, rec Record, handler Handler, committer Committer) (Disposition, error) {
	ctx, span := h.tracer.Start(ctx, rec.Topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", rec.Topic)),
	)
	defer span.End()

	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= h.policy.MaxAttempts; attempt++ {
		err := handler(ctx, rec)
		if err == nil {
			if cerr := h.commit(ctx, rec, committer); cerr != nil {
				return DispositionHandled, cerr
			}
			return DispositionHandled, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			span.SetStatus(codes.Error, "cancelled")
			return "", err
		}
		if isNonRetryable(err) || attempt == h.policy.MaxAttempts {
			break
		}
		delay := h.policy.Backoff(attempt, h.rng)
		h.logger.Warn("record handling failed, retrying",
			"topic", rec.Topic,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if serr := h.sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, errorClass(lastErr))
	if err := h.routeToDLQ(ctx, rec, lastErr, attempt); err != nil {
		// Leave the offset uncommitted: redelivery is the recovery path.
		return "", fmt.Errorf("eventbus: dlq publish for %q failed: %w", rec.Topic, err)
	}
	if cerr := h.commit(ctx, rec, committer); cerr != nil {
		return DispositionDLQ, cerr
	}
	h.logger.Error("record routed to dead-letter topic",
		"topic", rec.Topic,
		"dlq_topic", rec.Topic+DLQSuffix,
		"error_class", errorClass(lastErr),
		"attempts", attempt,
		"error", lastErr,
	)
	return DispositionDLQ, nil
}

func (h *ErrorHandler) commit(ctx context.Context, rec Record, committer Committer) error {
	if committer == nil {
		return nil
	}
	if err := committer.Commit(ctx, rec); err != nil {
		return fmt.Errorf("eventbus: offset commit for %q failed: %w", rec.Topic, err)
	}
	return nil
}

func (h *ErrorHandler) routeToDLQ(ctx context.Context, rec Record, cause error, attempts int) error {
	headers := make(header.Headers)
	header.Copy(rec.Headers, headers, header.IsSafeToPropagate)

	diag := map[string]string{
		header.KeyErrorClass:     errorClass(cause),
		header.KeyErrorRootClass: rootClass(cause),
		header.KeyErrorMessage:   cause.Error(),
		header.KeyErrorStackHash: stackHash(cause),
	}
	for k, v := range diag {
		if len(v) > maxDiagnosticBytes {
			v = v[:maxDiagnosticBytes]
		}
		if err := headers.SetString(k, v); err != nil {
			return err
		}
	}
	if err := headers.SetInt32(header.KeyRetryAttempt, int32(attempts)); err != nil { //nolint:gosec // attempt counts are small
		return err
	}
	if err := headers.SetTimestamp(header.KeyQuarantinedAt, h.clock()); err != nil {
		return err
	}

	return h.dlq.Send(ctx, Record{
		Topic:   rec.Topic + DLQSuffix,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: headers,
	})
}

// rootClass classifies the innermost cause, which for a wrapped chain names
// the original failure rather than the outermost decoration.
func rootClass(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	if c := errorClass(root); c != "unclassified" {
		return c
	}
	return errorClass(err)
}

// stackHash fingerprints the failure so recurring failures group in DLQ
// tooling without shipping whole stack traces as header values. The input
// is the root error class plus the function names on the routing call
// stack; goroutine ids and frame addresses are excluded so the hash is
// stable across deliveries and restarts.
func stackHash(cause error) string {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	b.WriteString(rootClass(cause))
	for {
		f, more := frames.Next()
		b.WriteByte('\n')
		b.WriteString(f.Function)
		if !more {
			break
		}
	}
	return hashing.Sha256Hex([]byte(b.String()))[:16]
}
