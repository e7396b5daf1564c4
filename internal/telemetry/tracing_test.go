package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
	require.NoError(t, shutdown(context.Background()))
}

func TestInitTracerProviderRejectsRatio(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{Enabled: true, SampleRatio: 2}, zap.NewNop())
	require.Error(t, err)
}

func TestInitTracerProviderEnabled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	shutdown, err := InitTracerProvider(context.Background(), Config{Enabled: true, SampleRatio: 1}, zap.New(core))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "unit-of-work")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	entries := logs.FilterMessage("span finished").AllUntimed()
	require.Len(t, entries, 1)
	assert.Equal(t, "unit-of-work", entries[0].ContextMap()["span"])
}

func TestLogExporterWritesAttributes(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	exporter := NewLogExporter(zap.New(core))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	_, child := tp.Tracer("test").Start(ctx, "child")
	child.SetAttributes(attribute.String("seed", "https://example.com"), attribute.Int("pages", 3))
	child.End()
	parent.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "child", fields["span"])
	assert.Equal(t, "https://example.com", fields["seed"])
	assert.Equal(t, "3", fields["pages"])
	assert.NotEmpty(t, fields["parent_id"])
	assert.NoError(t, exporter.Shutdown(context.Background()))
}
