package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "dawsos-core", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackInvocation(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := InvocationAttrs("metrics.compute_twr", "financial-analytics")
	ctx, finish := p.TrackInvocation(context.Background(), "capability.invoke", attrs...)
	require.NotNil(t, ctx)

	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackInvocationWithError(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackInvocation(context.Background(), "capability.invoke")
	finish(errors.New("capability failed"))
}

func TestRecordHelpersNoopWhenDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordInvocation(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond)
}

func TestShutdownDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestAttrBuilders(t *testing.T) {
	inv := InvocationAttrs("ledger.positions", "financial-analytics")
	require.Len(t, inv, 2)
	require.Equal(t, "dawsos.capability", string(inv[0].Key))
	require.Equal(t, "ledger.positions", inv[0].Value.AsString())

	step := StepAttrs("portfolio_analysis", "fetch_positions", "req-12345678")
	require.Len(t, step, 3)
	require.Equal(t, "dawsos.pattern.step", string(step[1].Key))

	cache := CacheAttrs("ab12", "PP_2025-09-03", true)
	require.Len(t, cache, 3)
	require.Equal(t, true, cache[2].Value.AsBool())
}
