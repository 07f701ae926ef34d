// Package app assembles a running engine from configuration: telemetry,
// the schema registry, the database pool and the engine itself, released in
// reverse order on Shutdown.
package app

import (
	"database/sql"
	"fmt"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"

	"relengine/internal/config"
	"relengine/internal/engine"
	"relengine/internal/logging"
	"relengine/internal/observability"
	"relengine/internal/schema"
)

// App owns the runtime resources behind one Engine.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	meterProvider  *observability.MeterProvider
	metrics        *observability.EngineMetrics
	tracerProvider *observability.TracerProvider

	registry *schema.Registry
	db       *sql.DB
	engine   *engine.Engine

	cleanup cleanupStack

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Engine returns the engine built by Init, or nil before it.
func (a *App) Engine() *engine.Engine {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.engine
}

// Registry returns the loaded schema, or nil before Init.
func (a *App) Registry() *schema.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.registry
}

// MetricsRegistry returns the Prometheus registry holding the engine
// metrics, or nil when metrics are disabled.
func (a *App) MetricsRegistry() *promclient.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.meterProvider == nil {
		return nil
	}
	return a.meterProvider.Registry()
}
