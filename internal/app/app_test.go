package app

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"relengine/internal/config"
	"relengine/internal/engine"
	"relengine/internal/logging"
	"relengine/internal/mutation"
)

const accountsYAML = `
entities:
  - name: Account
    table: accounts
    primary_key: [id]
    fields:
      - {name: id, type: int, default: autoincrement}
      - {name: email, type: text}
    uniques:
      - [email]
`

func testLogger() *logging.Logger {
	return logging.Discard()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(schemaPath, []byte(accountsYAML), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	dbPath := filepath.Join(dir, "app.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE accounts (id INTEGER PRIMARY KEY AUTOINCREMENT, email TEXT NOT NULL UNIQUE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	return &config.Config{
		Database: config.DatabaseConfig{Driver: "sqlite3", Database: dbPath},
		Engine:   config.EngineConfig{MaxInClause: 100, LoaderParallelism: 2, MaxCascadeDepth: 4},
		Transaction: config.TransactionConfig{
			MaxWait: time.Second,
			Timeout: 5 * time.Second,
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "relengine-test",
			MetricsEnabled: true,
			Logging:        config.LoggingConfig{Level: "info", Format: "text"},
		},
		Schema: config.SchemaConfig{File: schemaPath},
	}
}

func TestNewRequiresConfigAndLogger(t *testing.T) {
	if _, err := New(nil, testLogger()); err == nil {
		t.Fatalf("expected error without config")
	}
	if _, err := New(&config.Config{}, nil); err == nil {
		t.Fatalf("expected error without logger")
	}
}

func TestInitBuildsWorkingEngine(t *testing.T) {
	a, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := a.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Init(ctx); err != nil {
		t.Fatalf("second init should be a no-op: %v", err)
	}
	if a.Registry() == nil || len(a.Registry().Entities()) != 1 {
		t.Fatalf("expected one registered entity")
	}

	accounts, err := a.Engine().Model("Account")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	created, err := accounts.Create(ctx, engine.CreateArgs{
		Data: mutation.Data{Scalars: map[string]any{"email": "a@example.com"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created["email"] != "a@example.com" {
		t.Fatalf("unexpected record %v", created)
	}

	families, err := a.MetricsRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "engine_operations") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected engine operation metrics to be exported")
	}
}

func TestInitFailure_DoesNotMarkInitialized(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schema.File = filepath.Join(t.TempDir(), "missing.yaml")

	a, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Init(context.Background()); err == nil {
		t.Fatalf("expected init to fail")
	}
	if a.Engine() != nil || a.Registry() != nil {
		t.Fatalf("failed init must not publish resources")
	}
	if a.initialized {
		t.Fatalf("failed init must not mark app initialized")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := &App{logger: testLogger()}
	var calls int32
	a.cleanup.push("test", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected cleanup to run once, ran %d times", got)
	}
}

func TestCleanupRunsInReverseOrder(t *testing.T) {
	var order []string
	s := cleanupStack{}
	for _, name := range []string{"first", "second", "third"} {
		s.push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	s.run(context.Background(), testLogger())

	if strings.Join(order, ",") != "third,second,first" {
		t.Fatalf("unexpected cleanup order %v", order)
	}
}
