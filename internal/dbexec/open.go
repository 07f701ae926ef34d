package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/cenkalti/backoff/v5"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"relengine/internal/logging"
)

// Supported driver names.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// OpenConfig describes how to reach the store.
type OpenConfig struct {
	Driver            string
	DSN               string
	MaxOpen           int
	MaxIdle           int
	MaxLifetime       time.Duration
	ConnectionTimeout time.Duration
	Instrument        bool
}

// Open connects to the store, waiting up to ConnectionTimeout for it to
// answer a ping. SQLite handles get foreign key enforcement and a busy
// timeout on every connection.
func Open(ctx context.Context, cfg OpenConfig, logger *logging.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = logging.FromContext(ctx)
	}

	dsn := cfg.DSN
	var system attribute.KeyValue
	switch cfg.Driver {
	case DriverMySQL:
		system = semconv.DBSystemMySQL
	case DriverSQLite:
		system = semconv.DBSystemSqlite
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	var (
		db  *sql.DB
		err error
	)
	if cfg.Instrument {
		db, err = otelsql.Open(cfg.Driver, dsn,
			otelsql.WithAttributes(system),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}),
		)
		if err == nil {
			if _, regErr := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system)); regErr != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", regErr.Error()))
			}
		}
	} else {
		db, err = sql.Open(cfg.Driver, dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.MaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.MaxLifetime)
	}

	if err := waitForDatabase(ctx, db, cfg.ConnectionTimeout, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to database",
		slog.String("driver", cfg.Driver),
		slog.Int("pool_max_open", cfg.MaxOpen),
		slog.Bool("instrumented", cfg.Instrument),
	)
	return db, nil
}

func waitForDatabase(ctx context.Context, db *sql.DB, timeout time.Duration, logger *logging.Logger) error {
	if timeout <= 0 {
		return db.PingContext(ctx)
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := db.PingContext(ctx)
		if err != nil {
			logger.Warn("database not ready, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return fmt.Errorf("database not available after %v: %w", timeout, err)
	}
	return nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = ":memory:"
	}
	params := []string{}
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk=") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "?") {
		dsn = "file:" + dsn
	}
	return dsn + sep + strings.Join(params, "&")
}
