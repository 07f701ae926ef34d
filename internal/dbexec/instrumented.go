package dbexec

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"relengine/internal/engineerr"
	"relengine/internal/logging"
	"relengine/internal/observability"
)

// InstrumentedExecutor wraps another executor, logging each statement at
// debug level, recording statement metrics and normalizing driver errors into
// the engine taxonomy.
type InstrumentedExecutor struct {
	next    QueryExecutor
	metrics *observability.EngineMetrics
}

// NewInstrumentedExecutor wraps next. metrics may be nil.
func NewInstrumentedExecutor(next QueryExecutor, metrics *observability.EngineMetrics) *InstrumentedExecutor {
	return &InstrumentedExecutor{next: next, metrics: metrics}
}

func (e *InstrumentedExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	start := time.Now()
	rows, err := e.next.QueryContext(ctx, query, args...)
	e.observe(ctx, "query", query, len(args), start, err)
	if err != nil {
		return nil, engineerr.Normalize(err)
	}
	return rows, nil
}

func (e *InstrumentedExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := e.next.ExecContext(ctx, query, args...)
	e.observe(ctx, "exec", query, len(args), start, err)
	if err != nil {
		return nil, engineerr.Normalize(err)
	}
	return res, nil
}

func (e *InstrumentedExecutor) observe(ctx context.Context, kind, query string, argCount int, start time.Time, err error) {
	elapsed := time.Since(start)
	e.metrics.RecordStatement(ctx, kind, elapsed, err)

	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Debug("statement failed",
			slog.String("kind", kind),
			slog.String("sql", query),
			slog.Int("args", argCount),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("statement executed",
		slog.String("kind", kind),
		slog.String("sql", query),
		slog.Int("args", argCount),
		slog.Duration("duration", elapsed),
	)
}
