// Package config loads engine settings from defaults, a YAML file,
// RELENGINE_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"relengine/internal/dbexec"
	"relengine/internal/engine"
	"relengine/internal/loader"
	"relengine/internal/logging"
	"relengine/internal/mutation"
	"relengine/internal/observability"
	"relengine/internal/planner"
	"relengine/internal/txn"
)

// Config is the complete engine configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Transaction   TransactionConfig   `mapstructure:"transaction"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Schema        SchemaConfig        `mapstructure:"schema"`
}

// DatabaseConfig describes the store connection. ConnectionString wins over
// the discrete fields when set.
type DatabaseConfig struct {
	Driver            string        `mapstructure:"driver"` // mysql, sqlite3
	ConnectionString  string        `mapstructure:"dsn"`
	DSNFile           string        `mapstructure:"dsn_file"`
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	PasswordFile      string        `mapstructure:"password_file"`
	Database          string        `mapstructure:"database"` // schema name, or file path for sqlite3
	Pool              PoolConfig    `mapstructure:"pool"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	Instrument        bool          `mapstructure:"instrument"` // wrap the driver with otelsql
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// EngineConfig tunes statement planning and relation loading.
type EngineConfig struct {
	MaxInClause       int  `mapstructure:"max_in_clause"`
	LoaderParallelism int  `mapstructure:"loader_parallelism"`
	NativeUpsert      bool `mapstructure:"native_upsert"`
	DefaultTake       int  `mapstructure:"default_take"`
	MaxCascadeDepth   int  `mapstructure:"max_cascade_depth"`
}

// TransactionConfig holds the defaults for batches and interactive
// transactions.
type TransactionConfig struct {
	MaxWait       time.Duration `mapstructure:"max_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Isolation     string        `mapstructure:"isolation"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

// SchemaConfig points at the YAML schema document.
type SchemaConfig struct {
	File string `mapstructure:"file"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName      string        `mapstructure:"service_name"`
	ServiceVersion   string        `mapstructure:"service_version"`
	Environment      string        `mapstructure:"environment"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
	TracingEnabled   bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
	Logging          LoggingConfig `mapstructure:"logging"`

	// Global OTLP settings, shared by every signal.
	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint    string            `mapstructure:"endpoint"`
	Protocol    string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure    bool              `mapstructure:"insecure"`
	TLSCertFile string            `mapstructure:"tls_cert_file"`
	Headers     map[string]string `mapstructure:"headers"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	Compression string            `mapstructure:"compression"` // "none", "gzip"
}

// DSN returns the data source name for the configured driver. For MySQL it
// is built from the discrete fields unless a connection string is given.
func (d *DatabaseConfig) DSN() string {
	if d.ConnectionString != "" {
		return d.ConnectionString
	}
	if d.Driver == dbexec.DriverSQLite {
		return d.Database
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	cfg.DBName = d.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// OpenConfig returns the settings dbexec.Open connects with.
func (d *DatabaseConfig) OpenConfig() dbexec.OpenConfig {
	return dbexec.OpenConfig{
		Driver:            d.Driver,
		DSN:               d.DSN(),
		MaxOpen:           d.Pool.MaxOpen,
		MaxIdle:           d.Pool.MaxIdle,
		MaxLifetime:       d.Pool.MaxLifetime,
		ConnectionTimeout: d.ConnectionTimeout,
		Instrument:        d.Instrument,
	}
}

// Options returns the transaction defaults.
func (t *TransactionConfig) Options() (txn.Options, error) {
	level, err := txn.ParseIsolation(t.Isolation)
	if err != nil {
		return txn.Options{}, err
	}
	return txn.Options{MaxWait: t.MaxWait, Timeout: t.Timeout, Isolation: level}, nil
}

// EngineOptions assembles engine.Options from the configuration. The logger
// and metrics are created by the caller and passed through.
func (c *Config) EngineOptions(logger *logging.Logger, metrics *observability.EngineMetrics) (engine.Options, error) {
	dialect, err := planner.DialectFor(c.Database.Driver)
	if err != nil {
		return engine.Options{}, err
	}
	txOpts, err := c.Transaction.Options()
	if err != nil {
		return engine.Options{}, fmt.Errorf("transaction.isolation: %w", err)
	}
	return engine.Options{
		Dialect: dialect,
		Loader: loader.Options{
			MaxInClause: c.Engine.MaxInClause,
			Parallelism: c.Engine.LoaderParallelism,
		},
		Mutation: mutation.Options{
			NativeUpsert:    c.Engine.NativeUpsert,
			MaxCascadeDepth: c.Engine.MaxCascadeDepth,
		},
		Transaction:     txOpts,
		ConflictRetries: uint(max(c.Transaction.RetryAttempts, 0)),
		DefaultTake:     c.Engine.DefaultTake,
		Logger:          logger,
		Metrics:         metrics,
	}, nil
}

// TelemetryConfig returns the OpenTelemetry settings for one signal
// ("traces" or "logs"); anything else gets the global OTLP block.
func (o *ObservabilityConfig) TelemetryConfig(signal string) observability.Config {
	otlp := o.OTLP
	switch signal {
	case "traces":
		otlp = o.GetTracesConfig()
	case "logs":
		otlp = o.GetLogsConfig()
	}
	return observability.Config{
		ServiceName:      o.ServiceName,
		ServiceVersion:   o.ServiceVersion,
		Environment:      o.Environment,
		TraceSampleRatio: o.TraceSampleRatio,
		OTLP: observability.OTLPExporterConfig{
			Endpoint:    otlp.Endpoint,
			Protocol:    otlp.Protocol,
			Insecure:    otlp.Insecure,
			TLSCertFile: otlp.TLSCertFile,
			Headers:     otlp.Headers,
			Timeout:     otlp.Timeout,
			Compression: otlp.Compression,
		},
	}
}

// GetTracesConfig returns the effective OTLP config for traces
func (o *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if o.Traces != nil {
		return mergeOTLPConfigs(o.OTLP, *o.Traces)
	}
	return o.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs
func (o *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if o.Logs != nil {
		return mergeOTLPConfigs(o.OTLP, *o.Logs)
	}
	return o.OTLP
}

// mergeOTLPConfigs lays the non-empty fields of a signal override over the
// global settings. Insecure always comes from the override.
func mergeOTLPConfigs(base, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	result.Insecure = override.Insecure
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	return result
}
