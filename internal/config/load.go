package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// stdin is where "@-" file references read from.
var stdin io.Reader = os.Stdin

// DefineFlags registers every configuration flag on fs using the canonical
// dotted snake_case keys, plus --config.
func DefineFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file (YAML)")

	// Database connection flags
	fs.String("database.driver", "", "Database driver (mysql, sqlite3)")
	fs.String("database.dsn", "", "Complete data source name")
	fs.String("database.dsn_file", "", "Path to file containing the DSN (use @- for stdin)")
	fs.String("database.host", "", "Database host")
	fs.Int("database.port", 0, "Database port")
	fs.String("database.user", "", "Database user")
	fs.String("database.password", "", "Database password")
	fs.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
	fs.String("database.database", "", "Database name, or file path for sqlite3")

	// Database pool flags
	fs.Int("database.pool.max_open", 0, "Maximum open database connections")
	fs.Int("database.pool.max_idle", 0, "Maximum idle connections in pool")
	fs.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	fs.Duration("database.connection_timeout", 0, "Max time to wait for the database on startup")
	fs.Bool("database.instrument", false, "Trace statements and export pool statistics")

	// Engine flags
	fs.Int("engine.max_in_clause", 0, "Maximum keys per relation batch statement (0 = unbounded)")
	fs.Int("engine.loader_parallelism", 0, "Concurrent sibling relation fetches")
	fs.Bool("engine.native_upsert", false, "Use the store's insert-or-update statement for upserts")
	fs.Int("engine.default_take", 0, "Row limit for find-many reads without take (0 = unbounded)")
	fs.Int("engine.max_cascade_depth", 0, "Maximum depth of cascading deletes")

	// Transaction flags
	fs.Duration("transaction.max_wait", 0, "Max wait for a connection when starting a transaction")
	fs.Duration("transaction.timeout", 0, "Max duration of a transaction")
	fs.String("transaction.isolation", "", "Isolation level (default, read_committed, repeatable_read, serializable)")
	fs.Int("transaction.retry_attempts", 0, "Attempts for standalone writes hitting a serialization conflict")

	// Observability flags
	fs.String("observability.service_name", "", "Service name for OpenTelemetry")
	fs.String("observability.service_version", "", "Service version for OpenTelemetry")
	fs.String("observability.environment", "", "Deployment environment")
	fs.Bool("observability.metrics_enabled", false, "Enable Prometheus metrics")
	fs.Bool("observability.tracing_enabled", false, "Enable OpenTelemetry tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio (0.0 to 1.0)")
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Export logs over OTLP")
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint")
	fs.String("observability.otlp.protocol", "", "OTLP protocol (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Disable TLS for OTLP")
	fs.String("observability.otlp.tls_cert_file", "", "CA certificate for OTLP TLS")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")

	// Schema flags
	fs.String("schema.file", "", "Path to the schema document (YAML)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.dsn_file", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.database", "")
	v.SetDefault("database.pool.max_open", 25)
	v.SetDefault("database.pool.max_idle", 5)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 30*time.Second)
	v.SetDefault("database.instrument", false)

	v.SetDefault("engine.max_in_clause", 0)
	v.SetDefault("engine.loader_parallelism", 4)
	v.SetDefault("engine.native_upsert", true)
	v.SetDefault("engine.default_take", 0)
	v.SetDefault("engine.max_cascade_depth", 16)

	v.SetDefault("transaction.max_wait", 2*time.Second)
	v.SetDefault("transaction.timeout", 5*time.Second)
	v.SetDefault("transaction.isolation", "default")
	v.SetDefault("transaction.retry_attempts", 3)

	v.SetDefault("observability.service_name", "relengine")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")

	v.SetDefault("schema.file", "")
}

// Load builds the configuration from defaults, the config file, RELENGINE_*
// environment variables and the flags explicitly set on fs. fs must have
// been populated by DefineFlags and parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("relengine")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/relengine/")
		v.AddConfigPath("$HOME/.relengine")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Env vars: RELENGINE_DATABASE_POOL_MAX_OPEN
	v.SetEnvPrefix("RELENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v, fs)

	if v.GetString("database.dsn_file") == "@-" && v.GetString("database.password_file") == "@-" {
		return nil, errors.New("only one of database.dsn_file and database.password_file may read from stdin")
	}
	if v.GetString("database.dsn") == "" && v.GetString("database.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("database.dsn_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("database.dsn", dsn)
	}
	if v.GetString("database.password") == "" && v.GetString("database.password_file") != "" {
		password, err := readSecretFile(v.GetString("database.password_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("database.password", password)
	}

	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringMapHookFunc(",", "="),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper, so
// unset flags never shadow the file or the environment.
func bindChangedFlagsToViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// readSecretFile returns the trimmed contents of path, or of stdin when
// path is "@-".
func readSecretFile(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "@-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// stringToStringMapHookFunc decodes "k1=v1,k2=v2" strings, as given in
// environment variables, into maps.
func stringToStringMapHookFunc(sep, kv string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		out := map[string]string{}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return out, nil
		}
		for _, part := range strings.Split(raw, sep) {
			key, value, ok := strings.Cut(part, kv)
			if !ok {
				return nil, fmt.Errorf("invalid map entry %q (want key%svalue)", part, kv)
			}
			out[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		return out, nil
	}
}
