package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/veggieshop/platform/pkg/tenant"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "platformd", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := []attribute.KeyValue{attribute.String("test.key", "test.value")}
	ctx, finish := p.TrackOperation(context.Background(), "test.operation", attrs...)
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "test.operation.error")
	finish(errors.New("boom"))
}

func TestRecordMetricsDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdownDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestTenantOperation(t *testing.T) {
	attrs := TenantOperation(tenant.MustParse("acme"), "JWT_CLAIM")
	require.Len(t, attrs, 2)
	require.Equal(t, "platform.tenant.id", string(attrs[0].Key))
	require.Equal(t, "acme", attrs[0].Value.AsString())
	require.Equal(t, "platform.tenant.source", string(attrs[1].Key))
	require.Equal(t, "JWT_CLAIM", attrs[1].Value.AsString())
}

func TestEventOperation(t *testing.T) {
	attrs := EventOperation("evt-1", "orders.created", "orders")
	require.Len(t, attrs, 3)
	require.Equal(t, "platform.event.type", string(attrs[1].Key))
	require.Equal(t, "orders.created", attrs[1].Value.AsString())
}

func TestAuthzOperation(t *testing.T) {
	attrs := AuthzOperation("DELETE", "DENY", "tenant-isolation", "MEDIUM")
	require.Len(t, attrs, 4)
	require.Equal(t, "platform.authz.effect", string(attrs[1].Key))
	require.Equal(t, "DENY", attrs[1].Value.AsString())
}

func TestConsistencyOperation(t *testing.T) {
	attrs := ConsistencyOperation("orders", 42, true)
	require.Len(t, attrs, 3)
	require.Equal(t, "platform.consistency.stale", string(attrs[2].Key))
	require.Equal(t, true, attrs[2].Value.AsBool())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}
