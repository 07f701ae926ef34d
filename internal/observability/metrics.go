package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "relengine"

// EngineMetrics holds the instruments recorded by the query engine.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	statementCounter   metric.Int64Counter
	statementDuration  metric.Float64Histogram
	operationCounter   metric.Int64Counter
	operationDuration  metric.Float64Histogram
	loaderBatches      metric.Int64Counter
	loaderParentKeys   metric.Int64Histogram
	loaderRows         metric.Int64Histogram
	txCounter          metric.Int64Counter
	txDuration         metric.Float64Histogram
	txActive           metric.Int64UpDownCounter
	mutationStatements metric.Int64Histogram
}

// NewEngineMetrics creates the engine instruments on the global meter provider.
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &EngineMetrics{}
	var err error

	if m.statementCounter, err = meter.Int64Counter(
		"engine.statements.total",
		metric.WithDescription("Primitive statements sent to the store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create statement counter: %w", err)
	}
	if m.statementDuration, err = meter.Float64Histogram(
		"engine.statement.duration",
		metric.WithDescription("Duration of primitive statements in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create statement duration histogram: %w", err)
	}
	if m.operationCounter, err = meter.Int64Counter(
		"engine.operations.total",
		metric.WithDescription("Caller-facing engine operations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}
	if m.operationDuration, err = meter.Float64Histogram(
		"engine.operation.duration",
		metric.WithDescription("Duration of engine operations in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}
	if m.loaderBatches, err = meter.Int64Counter(
		"engine.loader.batches",
		metric.WithDescription("Batched relation fetches issued by the loader"),
	); err != nil {
		return nil, fmt.Errorf("failed to create loader batch counter: %w", err)
	}
	if m.loaderParentKeys, err = meter.Int64Histogram(
		"engine.loader.parent_keys",
		metric.WithDescription("Distinct parent keys per batched fetch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create loader parent key histogram: %w", err)
	}
	if m.loaderRows, err = meter.Int64Histogram(
		"engine.loader.rows",
		metric.WithDescription("Rows returned per batched fetch"),
	); err != nil {
		return nil, fmt.Errorf("failed to create loader rows histogram: %w", err)
	}
	if m.txCounter, err = meter.Int64Counter(
		"engine.transactions.total",
		metric.WithDescription("Transactions by mode and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create transaction counter: %w", err)
	}
	if m.txDuration, err = meter.Float64Histogram(
		"engine.transaction.duration",
		metric.WithDescription("Transaction duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create transaction duration histogram: %w", err)
	}
	if m.txActive, err = meter.Int64UpDownCounter(
		"engine.transactions.active",
		metric.WithDescription("Open transactions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active transaction counter: %w", err)
	}
	if m.mutationStatements, err = meter.Int64Histogram(
		"engine.mutation.statements",
		metric.WithDescription("Statements emitted per planned mutation"),
	); err != nil {
		return nil, fmt.Errorf("failed to create mutation statement histogram: %w", err)
	}
	return m, nil
}

// RecordStatement records one primitive statement.
func (m *EngineMetrics) RecordStatement(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("has_error", err != nil),
	)
	m.statementCounter.Add(ctx, 1, attrs)
	m.statementDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordOperation records a caller-facing operation such as findMany or create.
func (m *EngineMetrics) RecordOperation(ctx context.Context, entity, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.Bool("has_error", err != nil),
	)
	m.operationCounter.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordBatchFetch records one batched relation fetch.
func (m *EngineMetrics) RecordBatchFetch(ctx context.Context, relation string, parentKeys, rows int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("relation", relation))
	m.loaderBatches.Add(ctx, 1, attrs)
	m.loaderParentKeys.Record(ctx, int64(parentKeys), attrs)
	m.loaderRows.Record(ctx, int64(rows), attrs)
}

// RecordMutationPlan records how many statements a mutation plan emitted.
func (m *EngineMetrics) RecordMutationPlan(ctx context.Context, entity string, statements int) {
	if m == nil {
		return
	}
	m.mutationStatements.Record(ctx, int64(statements), metric.WithAttributes(attribute.String("entity", entity)))
}

// TransactionStarted increments the open transaction gauge.
func (m *EngineMetrics) TransactionStarted(ctx context.Context, mode string) {
	if m == nil {
		return
	}
	m.txActive.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// TransactionFinished records a finished transaction; outcome is one of
// commit, rollback, timeout or conflict.
func (m *EngineMetrics) TransactionFinished(ctx context.Context, mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.txActive.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	m.txCounter.Add(ctx, 1, attrs)
	m.txDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

type engineMetricsContextKey struct{}

// ContextWithEngineMetrics stores metrics in the provided context.
func ContextWithEngineMetrics(ctx context.Context, metrics *EngineMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, engineMetricsContextKey{}, metrics)
}

// EngineMetricsFromContext retrieves metrics from the context, or nil.
func EngineMetricsFromContext(ctx context.Context) *EngineMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(engineMetricsContextKey{}).(*EngineMetrics)
	return metrics
}
