package app

import (
	"context"
	"fmt"
	"log/slog"

	"relengine/internal/dbexec"
	"relengine/internal/engine"
	"relengine/internal/schema"
)

// Init loads the schema, connects to the database and builds the engine.
// It is idempotent; on failure everything acquired so far is released.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, metrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	registry, err := schema.LoadFile(a.cfg.Schema.File)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	a.logger.Info("schema loaded",
		slog.String("file", a.cfg.Schema.File),
		slog.Int("entities", len(registry.Entities())),
	)

	opts, err := a.cfg.EngineOptions(a.logger, metrics)
	if err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}

	a.logger.Info("connecting to database",
		slog.String("driver", a.cfg.Database.Driver),
		slog.String("host", a.cfg.Database.Host),
		slog.Bool("dsn_present", a.cfg.Database.ConnectionString != ""),
	)
	db, err := dbexec.Open(ctx, a.cfg.Database.OpenConfig(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup.push("database", func(_ context.Context) error {
		return db.Close()
	})

	eng := engine.New(db, registry, opts)

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.metrics = metrics
	a.tracerProvider = tracerProvider
	a.registry = registry
	a.db = db
	a.engine = eng
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
