package app

import (
	"context"
	"log/slog"

	"relengine/internal/config"
	"relengine/internal/logging"
	"relengine/internal/observability"
)

// InitLogger builds the process logger, exporting over OTLP when enabled,
// and installs it as the slog default.
func InitLogger(ctx context.Context, cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	telemetry := cfg.Observability.TelemetryConfig("logs")
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", telemetry.ServiceName),
		slog.String("environment", telemetry.Environment),
		slog.String("otlp_endpoint", telemetry.OTLP.Endpoint),
		slog.String("otlp_protocol", telemetry.OTLP.Protocol),
		slog.Bool("insecure", telemetry.OTLP.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(ctx, telemetry)
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.EngineMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(cfg.Observability.TelemetryConfig("metrics"))
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observability.NewEngineMetrics()
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, err
	}
	logger.Info("OpenTelemetry metrics initialized")
	return meterProvider, metrics, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	telemetry := cfg.Observability.TelemetryConfig("traces")
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", telemetry.OTLP.Endpoint),
		slog.String("otlp_protocol", telemetry.OTLP.Protocol),
		slog.Float64("sample_ratio", telemetry.TraceSampleRatio),
	)

	return observability.InitTracerProvider(ctx, telemetry)
}
