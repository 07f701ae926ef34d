package observability

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestInitMeterProviderExposesEngineMetrics(t *testing.T) {
	mp, err := InitMeterProvider(Config{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
	})
	require.NoError(t, err)
	require.NotNil(t, mp.Registry())
	defer mp.Shutdown(context.Background(), testLogger())

	metrics, err := NewEngineMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordStatement(ctx, "query", 3*time.Millisecond, nil)
	metrics.RecordBatchFetch(ctx, "User.posts", 10, 42)
	metrics.TransactionStarted(ctx, "interactive")
	metrics.TransactionFinished(ctx, "interactive", "commit", time.Millisecond)

	families, err := mp.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["engine_statements_total"], "statement counter should be exported, got %v", names)
	assert.True(t, names["engine_loader_batches_total"], "loader batch counter should be exported, got %v", names)
	assert.True(t, names["engine_transactions_total"], "transaction counter should be exported, got %v", names)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *EngineMetrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordStatement(ctx, "exec", time.Millisecond, errors.New("x"))
		m.RecordOperation(ctx, "User", "findMany", time.Millisecond, nil)
		m.RecordBatchFetch(ctx, "User.posts", 1, 1)
		m.RecordMutationPlan(ctx, "User", 3)
		m.TransactionStarted(ctx, "batch")
		m.TransactionFinished(ctx, "batch", "rollback", time.Millisecond)
	})
}

func TestMetricsContextRoundTrip(t *testing.T) {
	m := &EngineMetrics{}
	ctx := ContextWithEngineMetrics(context.Background(), m)
	assert.Same(t, m, EngineMetricsFromContext(ctx))
	assert.Nil(t, EngineMetricsFromContext(context.Background()))
}

func TestFinishSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "op")

	FinishSpan(span, errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "boom", ended[0].Status().Description)
}

func TestParseOTLPProtocol(t *testing.T) {
	p, err := parseOTLPProtocol("")
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolGRPC, p)

	p, err = parseOTLPProtocol("http")
	require.NoError(t, err)
	assert.Equal(t, otlpProtocolHTTP, p)

	_, err = parseOTLPProtocol("carrier-pigeon")
	assert.Error(t, err)
}

func TestBuildTLSConfig_InvalidCertFormat(t *testing.T) {
	path := t.TempDir() + "/ca.pem"
	require.NoError(t, os.WriteFile(path, []byte("not-a-cert"), 0600))

	_, err := buildTLSConfig(OTLPExporterConfig{TLSCertFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse OTLP TLS CA file")
}

func TestTraceSamplerForRatio_Boundaries(t *testing.T) {
	never := traceSamplerForRatio(0)
	always := traceSamplerForRatio(1)

	assert.Equal(t, sdktrace.Drop, never.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
		Name:          "test",
	}).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, always.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{2},
		Name:          "test",
	}).Decision)
}
