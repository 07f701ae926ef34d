package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"relengine/internal/dbexec"
	"relengine/internal/txn"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, hint, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

func (r *ValidationResult) warn(field, hint, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Engine.validate(result)
	c.Transaction.validate(result)
	c.Observability.validate(result)
	if strings.TrimSpace(c.Schema.File) == "" {
		result.fail("schema.file", "point it at the YAML schema document", "schema file is required")
	}
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	switch d.Driver {
	case dbexec.DriverMySQL:
		if d.ConnectionString == "" {
			if d.Host == "" {
				result.fail("database.host", "set database.dsn or database.host", "host is required")
			}
			if d.Port <= 0 || d.Port > 65535 {
				result.fail("database.port", "", "invalid port %d", d.Port)
			}
			if d.User == "" {
				result.fail("database.user", "", "user is required")
			}
			if d.Database == "" {
				result.warn("database.database", "statements will need schema-qualified tables", "no default database selected")
			}
		}
	case dbexec.DriverSQLite:
		if d.ConnectionString == "" && d.Database == "" {
			result.fail("database.database", "use a file path or :memory:", "sqlite3 needs a database file")
		}
	default:
		result.fail("database.driver", "valid values are: mysql, sqlite3", "unsupported driver %q", d.Driver)
	}

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "", "max_open cannot be negative")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "", "max_idle cannot be negative")
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.warn("database.pool.max_idle", "the pool caps idle connections at max_open",
			"max_idle (%d) exceeds max_open (%d)", d.Pool.MaxIdle, d.Pool.MaxOpen)
	}
	if d.Pool.MaxLifetime < 0 {
		result.fail("database.pool.max_lifetime", "", "max_lifetime cannot be negative")
	}
	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "", "connection_timeout cannot be negative")
	}
}

func (e *EngineConfig) validate(result *ValidationResult) {
	if e.MaxInClause < 0 {
		result.fail("engine.max_in_clause", "use 0 for unbounded", "max_in_clause cannot be negative")
	}
	if e.LoaderParallelism < 0 {
		result.fail("engine.loader_parallelism", "", "loader_parallelism cannot be negative")
	}
	if e.DefaultTake < 0 {
		result.fail("engine.default_take", "use 0 for unbounded", "default_take cannot be negative")
	}
	if e.MaxCascadeDepth < 1 {
		result.fail("engine.max_cascade_depth", "", "max_cascade_depth must be at least 1")
	}
}

func (t *TransactionConfig) validate(result *ValidationResult) {
	if t.MaxWait < 0 {
		result.fail("transaction.max_wait", "", "max_wait cannot be negative")
	}
	if t.Timeout < 0 {
		result.fail("transaction.timeout", "", "timeout cannot be negative")
	}
	if t.Timeout > 0 && t.MaxWait > t.Timeout {
		result.warn("transaction.max_wait", "the session timeout also bounds the wait",
			"max_wait (%s) exceeds timeout (%s)", t.MaxWait, t.Timeout)
	}
	if _, err := txn.ParseIsolation(t.Isolation); err != nil {
		result.fail("transaction.isolation", "valid values are: default, read_uncommitted, read_committed, repeatable_read, serializable", "%v", err)
	}
	if t.RetryAttempts < 0 {
		result.fail("transaction.retry_attempts", "", "retry_attempts cannot be negative")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", "valid values are: debug, info, warn, error", "invalid log level %q", o.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", "valid values are: json, text", "invalid log format %q", o.Logging.Format)
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "use a value between 0.0 and 1.0", "invalid sample ratio %v", o.TraceSampleRatio)
	}
	if o.ServiceName == "" && (o.TracingEnabled || o.Logging.ExportsEnabled) {
		result.warn("observability.service_name", "", "exported telemetry carries no service name")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.fail(prefix+".protocol", "valid values are: grpc, http/protobuf", "invalid OTLP protocol %q", o.Protocol)
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", "use host:port or a full URL", "invalid OTLP endpoint %q for http/protobuf", o.Endpoint)
	}
	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", "valid values are: none, gzip", "invalid OTLP compression %q", o.Compression)
	}
	if o.Timeout < 0 {
		result.fail(prefix+".timeout", "", "timeout cannot be negative")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
