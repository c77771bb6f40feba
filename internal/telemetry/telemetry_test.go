package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledInstallsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), "architectd", "test", Settings{}))

	c, err := Meter("").Int64Counter("architect.test")
	require.NoError(t, err)
	c.Add(context.Background(), 1)

	_, span := Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, Shutdown(context.Background()))
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("ARCHITECT_OTEL_ENABLED", "true")
	t.Setenv("ARCHITECT_OTEL_STDOUT", "")
	t.Setenv("ARCHITECT_OTEL_TRACE_FILE", "/tmp/spans.jsonl")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	s := SettingsFromEnv()
	assert.True(t, s.Enabled)
	assert.False(t, s.Stdout)
	assert.Equal(t, "/tmp/spans.jsonl", s.TraceFile)
	assert.Equal(t, "collector:4318", s.OTLPEndpoint, "falls back to the generic endpoint")
	assert.Equal(t, 30*time.Second, s.MetricInterval)
}

func TestEnabledWritesSpansToTraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.jsonl")
	ctx := context.Background()
	require.NoError(t, Init(ctx, "architectd", "test", Settings{Enabled: true, TraceFile: path}))

	_, span := Tracer("architect/test").Start(ctx, "pipeline.merge")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, Shutdown(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeline.merge")

	// Leave no-op providers behind for other tests.
	require.NoError(t, Init(ctx, "architectd", "test", Settings{}))
}
